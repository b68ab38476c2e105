package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/bemamusic/crm-engine/internal/domain"
)

func TestTransitionRepo_CreateAssignsID(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock: %v", err)
	}
	defer db.Close()

	repo := NewTransitionRepo(db)

	mock.ExpectExec("INSERT INTO crm_transitions").
		WillReturnResult(sqlmock.NewResult(0, 1))

	tr := &domain.Transition{
		SourceCampaignID:      "c1",
		DestinationCampaignID: "c2",
		Status:                domain.TransitionPending,
	}
	if err := repo.Create(context.Background(), tr); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if tr.ID == "" {
		t.Error("Create() did not assign an id")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %s", err)
	}
}

func TestTransitionRepo_Update_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock: %v", err)
	}
	defer db.Close()

	repo := NewTransitionRepo(db)

	mock.ExpectExec("UPDATE crm_transitions").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = repo.Update(context.Background(), &domain.Transition{ID: "missing"})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Update() error = %v, want ErrNotFound", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %s", err)
	}
}

func TestTransitionRepo_AddSubscribers(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock: %v", err)
	}
	defer db.Close()

	repo := NewTransitionRepo(db)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO crm_transition_subscribers")
	prep.ExpectExec().WithArgs("t1", "s1").WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WithArgs("t1", "s2").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err = repo.AddSubscribers(context.Background(), "t1", []string{"s1", "s2"})
	if err != nil {
		t.Errorf("AddSubscribers() error = %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %s", err)
	}
}

func TestSyncLogRepo_Latest(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock: %v", err)
	}
	defer db.Close()

	repo := NewSyncLogRepo(db)
	now := time.Now()

	t.Run("returns latest run", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, sync_date, status, synced_subscribers, COALESCE").
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "sync_date", "status", "synced_subscribers", "notes", "completed_at",
			}).AddRow("r1", now, "completed", 41523, "", now))

		rec, err := repo.Latest(context.Background())
		if err != nil {
			t.Fatalf("Latest() error = %v", err)
		}
		if rec.Status != domain.SyncCompleted {
			t.Errorf("Latest() status = %s, want completed", rec.Status)
		}
		if rec.SyncedSubscribers != 41523 {
			t.Errorf("Latest() synced = %d, want 41523", rec.SyncedSubscribers)
		}
	})

	t.Run("no runs yet", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, sync_date, status, synced_subscribers, COALESCE").
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		_, err := repo.Latest(context.Background())
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("Latest() error = %v, want ErrNotFound", err)
		}
	})

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %s", err)
	}
}

func TestSyncLogRepo_Create(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock: %v", err)
	}
	defer db.Close()

	repo := NewSyncLogRepo(db)

	mock.ExpectExec("INSERT INTO crm_sync_log").
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := &domain.SyncRecord{SyncDate: time.Now(), Status: domain.SyncRunning}
	if err := repo.Create(context.Background(), rec); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if rec.ID == "" {
		t.Error("Create() did not assign an id")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %s", err)
	}
}
