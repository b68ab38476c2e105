package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/bemamusic/crm-engine/internal/domain"
)

// TransitionRepo persists campaign transition runs and their audit rows.
type TransitionRepo struct{ db *sql.DB }

// NewTransitionRepo creates a Postgres-backed transition repository.
func NewTransitionRepo(db *sql.DB) *TransitionRepo { return &TransitionRepo{db: db} }

// Create inserts a new transition record, assigning an id when absent.
func (r *TransitionRepo) Create(ctx context.Context, t *domain.Transition) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO crm_transitions
			(id, source_campaign_id, destination_campaign_id, status, count_transferred, error_message, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, t.ID, t.SourceCampaignID, t.DestinationCampaignID, string(t.Status), t.CountTransferred, t.ErrorMessage)
	if err != nil {
		return fmt.Errorf("create transition: %w", err)
	}
	return nil
}

// Update refreshes the mutable columns of a transition record.
func (r *TransitionRepo) Update(ctx context.Context, t *domain.Transition) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE crm_transitions
		SET status = $1, count_transferred = $2, error_message = $3, completed_at = $4
		WHERE id = $5
	`, string(t.Status), t.CountTransferred, t.ErrorMessage, t.CompletedAt, t.ID)
	if err != nil {
		return fmt.Errorf("update transition: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *TransitionRepo) GetByID(ctx context.Context, id string) (*domain.Transition, error) {
	t := &domain.Transition{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, source_campaign_id, destination_campaign_id, status,
		       count_transferred, COALESCE(error_message,''), started_at, completed_at
		FROM crm_transitions
		WHERE id = $1`,
		id).Scan(&t.ID, &t.SourceCampaignID, &t.DestinationCampaignID, &t.Status,
		&t.CountTransferred, &t.ErrorMessage, &t.StartedAt, &t.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transition: %w", err)
	}
	return t, nil
}

// List returns transitions newest first.
func (r *TransitionRepo) List(ctx context.Context, limit int) ([]domain.Transition, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, source_campaign_id, destination_campaign_id, status,
		       count_transferred, COALESCE(error_message,''), started_at, completed_at
		FROM crm_transitions
		ORDER BY started_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	var out []domain.Transition
	for rows.Next() {
		var t domain.Transition
		if err := rows.Scan(&t.ID, &t.SourceCampaignID, &t.DestinationCampaignID, &t.Status,
			&t.CountTransferred, &t.ErrorMessage, &t.StartedAt, &t.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Running returns the transition currently in flight, if any.
func (r *TransitionRepo) Running(ctx context.Context) (*domain.Transition, error) {
	t := &domain.Transition{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, source_campaign_id, destination_campaign_id, status,
		       count_transferred, COALESCE(error_message,''), started_at, completed_at
		FROM crm_transitions
		WHERE status IN ($1, $2)
		ORDER BY started_at DESC
		LIMIT 1`,
		string(domain.TransitionPending), string(domain.TransitionRunning)).
		Scan(&t.ID, &t.SourceCampaignID, &t.DestinationCampaignID, &t.Status,
			&t.CountTransferred, &t.ErrorMessage, &t.StartedAt, &t.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get running transition: %w", err)
	}
	return t, nil
}

// AddSubscribers appends audit rows for subscribers moved by a transition.
// Rows already present are skipped.
func (r *TransitionRepo) AddSubscribers(ctx context.Context, transitionID string, subscriberIDs []string) error {
	if len(subscriberIDs) == 0 {
		return nil
	}
	return withTxRetry(ctx, r.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO crm_transition_subscribers (transition_id, subscriber_id, created_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (transition_id, subscriber_id) DO NOTHING
		`)
		if err != nil {
			return fmt.Errorf("prepare transition subscriber insert: %w", err)
		}
		defer stmt.Close()

		for _, id := range subscriberIDs {
			if _, err := stmt.ExecContext(ctx, transitionID, id); err != nil {
				return fmt.Errorf("insert transition subscriber %s: %w", id, err)
			}
		}
		return nil
	})
}

func (r *TransitionRepo) CountSubscribers(ctx context.Context, transitionID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM crm_transition_subscribers WHERE transition_id = $1`,
		transitionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count transition subscribers: %w", err)
	}
	return n, nil
}
