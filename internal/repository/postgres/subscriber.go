package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"

	"github.com/lib/pq"

	"github.com/bemamusic/crm-engine/internal/domain"
)

// SubscriberRepo persists the mirrored upstream list members. Email is the
// conflict target; the upstream id is refreshed on every sync.
type SubscriberRepo struct{ db *sql.DB }

// NewSubscriberRepo creates a Postgres-backed subscriber repository.
func NewSubscriberRepo(db *sql.DB) *SubscriberRepo { return &SubscriberRepo{db: db} }

func (r *SubscriberRepo) GetByID(ctx context.Context, id string) (*domain.Subscriber, error) {
	return r.get(ctx, `WHERE id = $1`, id)
}

func (r *SubscriberRepo) GetByEmail(ctx context.Context, email string) (*domain.Subscriber, error) {
	return r.get(ctx, `WHERE email = $1`, domain.NormalizeEmail(email))
}

func (r *SubscriberRepo) get(ctx context.Context, where string, arg interface{}) (*domain.Subscriber, error) {
	s := &domain.Subscriber{}
	var fields []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT id, email, status, COALESCE(first_name,''), COALESCE(last_name,''),
		       COALESCE(display_name,''), COALESCE(fields,'{}'), subscribed_at, created_at, updated_at
		FROM crm_subscribers `+where,
		arg).Scan(&s.ID, &s.Email, &s.Status, &s.FirstName, &s.LastName,
		&s.DisplayName, &fields, &s.SubscribedAt, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subscriber: %w", err)
	}
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &s.Fields); err != nil {
			return nil, fmt.Errorf("decode subscriber fields: %w", err)
		}
	}
	return s, nil
}

func (r *SubscriberRepo) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM crm_subscribers`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count subscribers: %w", err)
	}
	return n, nil
}

// List returns subscribers ordered by email, paged by limit and offset.
func (r *SubscriberRepo) List(ctx context.Context, limit, offset int) ([]domain.Subscriber, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, email, status, COALESCE(first_name,''), COALESCE(last_name,''),
		       COALESCE(display_name,''), COALESCE(fields,'{}'), subscribed_at, created_at, updated_at
		FROM crm_subscribers
		ORDER BY email
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	defer rows.Close()

	var out []domain.Subscriber
	for rows.Next() {
		var s domain.Subscriber
		var fields []byte
		if err := rows.Scan(&s.ID, &s.Email, &s.Status, &s.FirstName, &s.LastName,
			&s.DisplayName, &fields, &s.SubscribedAt, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		if len(fields) > 0 {
			if err := json.Unmarshal(fields, &s.Fields); err != nil {
				return nil, fmt.Errorf("decode subscriber fields: %w", err)
			}
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Upsert inserts or refreshes one subscriber keyed by email.
func (r *SubscriberRepo) Upsert(ctx context.Context, s *domain.Subscriber) error {
	fields, err := encodeFields(s.Fields)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO crm_subscribers (id, email, status, first_name, last_name, display_name, fields, subscribed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		ON CONFLICT (email) DO UPDATE SET
			id = EXCLUDED.id,
			status = EXCLUDED.status,
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			display_name = EXCLUDED.display_name,
			fields = EXCLUDED.fields,
			subscribed_at = EXCLUDED.subscribed_at,
			updated_at = NOW()
	`, s.ID, domain.NormalizeEmail(s.Email), string(s.Status), s.FirstName, s.LastName, s.DisplayName, fields, s.SubscribedAt)
	if err != nil {
		return fmt.Errorf("upsert subscriber: %w", err)
	}
	return nil
}

// UpsertBulk writes a batch of subscribers through the COPY protocol: rows go
// into a session temp table and merge into crm_subscribers in one statement.
// Falls back to multi-row upserts when COPY is unavailable.
func (r *SubscriberRepo) UpsertBulk(ctx context.Context, subscribers []domain.Subscriber) (int, error) {
	if len(subscribers) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		log.Printf("[SubscriberRepo] BeginTx error: %v", err)
		return r.upsertBulkFallback(ctx, subscribers)
	}
	defer tx.Rollback()

	tx.ExecContext(ctx, `SET LOCAL work_mem = '256MB'`)

	_, err = tx.ExecContext(ctx, `
		CREATE TEMP TABLE _subscriber_batch (
			id VARCHAR(64),
			email VARCHAR(255),
			status VARCHAR(32),
			first_name VARCHAR(255),
			last_name VARCHAR(255),
			display_name VARCHAR(255),
			fields JSONB,
			subscribed_at TIMESTAMPTZ
		) ON COMMIT DROP
	`)
	if err != nil {
		log.Printf("[SubscriberRepo] Create temp table error: %v", err)
		return r.upsertBulkFallback(ctx, subscribers)
	}

	stmt, err := tx.Prepare(pq.CopyIn("_subscriber_batch",
		"id", "email", "status", "first_name", "last_name", "display_name", "fields", "subscribed_at"))
	if err != nil {
		log.Printf("[SubscriberRepo] COPY prepare error: %v", err)
		return r.upsertBulkFallback(ctx, subscribers)
	}

	for _, s := range subscribers {
		fields, err := encodeFields(s.Fields)
		if err != nil {
			stmt.Close()
			return 0, err
		}
		if _, err := stmt.Exec(s.ID, domain.NormalizeEmail(s.Email), string(s.Status),
			s.FirstName, s.LastName, s.DisplayName, fields, s.SubscribedAt); err != nil {
			log.Printf("[SubscriberRepo] COPY exec error: %v", err)
			stmt.Close()
			return r.upsertBulkFallback(ctx, subscribers)
		}
	}

	if _, err := stmt.Exec(); err != nil {
		log.Printf("[SubscriberRepo] COPY flush error: %v", err)
		stmt.Close()
		return r.upsertBulkFallback(ctx, subscribers)
	}
	stmt.Close()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO crm_subscribers (id, email, status, first_name, last_name, display_name, fields, subscribed_at, created_at, updated_at)
		SELECT b.id, b.email, b.status, b.first_name, b.last_name, b.display_name, b.fields, b.subscribed_at, NOW(), NOW()
		FROM _subscriber_batch b
		WHERE b.email <> ''
		ON CONFLICT (email) DO UPDATE SET
			id = EXCLUDED.id,
			status = EXCLUDED.status,
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			display_name = EXCLUDED.display_name,
			fields = EXCLUDED.fields,
			subscribed_at = EXCLUDED.subscribed_at,
			updated_at = NOW()
	`)
	if err != nil {
		log.Printf("[SubscriberRepo] Merge INSERT error: %v", err)
		return r.upsertBulkFallback(ctx, subscribers)
	}

	if err := tx.Commit(); err != nil {
		log.Printf("[SubscriberRepo] Commit error: %v", err)
		return r.upsertBulkFallback(ctx, subscribers)
	}

	n, _ := result.RowsAffected()
	return int(n), nil
}

// upsertBulkFallback uses multi-row upserts when the COPY path fails.
func (r *SubscriberRepo) upsertBulkFallback(ctx context.Context, subscribers []domain.Subscriber) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin subscriber fallback: %w", err)
	}
	defer tx.Rollback()

	written := 0
	for _, s := range subscribers {
		fields, err := encodeFields(s.Fields)
		if err != nil {
			return written, err
		}
		result, err := tx.ExecContext(ctx, `
			INSERT INTO crm_subscribers (id, email, status, first_name, last_name, display_name, fields, subscribed_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
			ON CONFLICT (email) DO UPDATE SET
				id = EXCLUDED.id,
				status = EXCLUDED.status,
				first_name = EXCLUDED.first_name,
				last_name = EXCLUDED.last_name,
				display_name = EXCLUDED.display_name,
				fields = EXCLUDED.fields,
				subscribed_at = EXCLUDED.subscribed_at,
				updated_at = NOW()
		`, s.ID, domain.NormalizeEmail(s.Email), string(s.Status),
			s.FirstName, s.LastName, s.DisplayName, fields, s.SubscribedAt)
		if err != nil {
			return written, fmt.Errorf("upsert subscriber %s: %w", s.Email, err)
		}
		if n, _ := result.RowsAffected(); n > 0 {
			written++
		}
	}

	if err := tx.Commit(); err != nil {
		return written, fmt.Errorf("commit subscriber fallback: %w", err)
	}
	return written, nil
}

func encodeFields(fields map[string]string) ([]byte, error) {
	if len(fields) == 0 {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode subscriber fields: %w", err)
	}
	return b, nil
}
