package jobs

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

// setupMockDB creates a new mock database for testing.
func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *CockroachStore) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	return db, mock, NewCockroachStore(db)
}

var jobRowColumns = []string{
	"id", "run_id", "request_id", "tenant_id", "task_type", "payload",
	"status", "attempts", "error_message", "created_at", "updated_at", "finished_at",
}

func TestCockroachStore_Enqueue(t *testing.T) {
	tests := []struct {
		name        string
		job         *Job
		setupMock   func(sqlmock.Sqlmock)
		wantCreated bool
		wantErr     bool
		errContains string
	}{
		{
			name: "new job",
			job:  newJob("job-1", "req-1"),
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO jobs").
					WithArgs(
						"job-1",
						"run-job-1",
						"req-1",
						"t1",
						"web.search",
						[]byte(`{"query":"go"}`),
						"pending",
						0,
						nil,              // error_message
						sqlmock.AnyArg(), // created_at
						sqlmock.AnyArg(), // updated_at
						nil,              // finished_at
					).
					WillReturnResult(sqlmock.NewResult(0, 1))
			},
			wantCreated: true,
		},
		{
			name: "duplicate request id",
			job:  newJob("job-2", "req-1"),
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO jobs").
					WillReturnResult(sqlmock.NewResult(0, 0))
			},
			wantCreated: false,
		},
		{
			name:      "nil job",
			job:       nil,
			setupMock: func(mock sqlmock.Sqlmock) {},
			wantErr:   true,
		},
		{
			name: "database error",
			job:  newJob("job-3", "req-3"),
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO jobs").
					WillReturnError(errors.New("connection refused"))
			},
			wantErr:     true,
			errContains: "enqueue job",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, store := setupMockDB(t)
			defer db.Close()
			tt.setupMock(mock)

			created, err := store.Enqueue(context.Background(), tt.job)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if tt.errContains != "" && !strings.Contains(err.Error(), tt.errContains) {
					t.Fatalf("expected error containing %q, got %v", tt.errContains, err)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if created != tt.wantCreated {
				t.Fatalf("created = %v, want %v", created, tt.wantCreated)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestCockroachStore_GetByRequestID(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE request_id").
		WithArgs("req-1").
		WillReturnRows(sqlmock.NewRows(jobRowColumns).
			AddRow("job-1", "run-1", "req-1", "t1", "web.search", []byte(`{}`), "pending", 0, nil, now, now, nil))
	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE request_id").
		WithArgs("req-2").
		WillReturnRows(sqlmock.NewRows(jobRowColumns))

	job, err := store.GetByRequestID(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("GetByRequestID() error = %v", err)
	}
	if job.ID != "job-1" || job.RunID != "run-1" || job.Status != StatusPending || !job.FinishedAt.IsZero() {
		t.Fatalf("unexpected job %+v", job)
	}
	if _, err := store.GetByRequestID(context.Background(), "req-2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.Get(context.Background(), ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for empty id, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestCockroachStore_Update(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	job := newJob("job-1", "req-1")
	job.Status = StatusFailed
	job.Error = "boom"
	job.FinishedAt = time.Now()

	mock.ExpectExec("UPDATE jobs").
		WithArgs("job-1", "failed", 0, "boom", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE jobs").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.Update(context.Background(), job); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if err := store.Update(context.Background(), job); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestCockroachStore_List(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery("SELECT (.+) FROM jobs ORDER BY created_at DESC LIMIT \\$1 OFFSET \\$2").
		WithArgs(10, 5).
		WillReturnRows(sqlmock.NewRows(jobRowColumns).
			AddRow("job-2", "run-1", "req-2", "t1", "shell.exec", nil, "running", 1, nil, now, now, nil).
			AddRow("job-1", "run-1", "req-1", "t1", "shell.exec", nil, "failed", 2, "job cancelled", now, now, now))

	jobs, err := store.List(context.Background(), 10, 5)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(jobs) != 2 || jobs[1].Error != "job cancelled" || jobs[1].FinishedAt.IsZero() {
		t.Fatalf("unexpected jobs %+v", jobs)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestCockroachStore_Prune(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	mock.ExpectExec("DELETE FROM jobs").
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 3))

	pruned, err := store.Prune(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if pruned != 3 {
		t.Fatalf("expected 3 pruned, got %d", pruned)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestCockroachStore_Cancel(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	mock.ExpectExec("UPDATE jobs").
		WithArgs("job-1", "job cancelled", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE jobs").
		WithArgs("missing", "job cancelled", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE id").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(jobRowColumns))

	if err := store.Cancel(context.Background(), "job-1"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if err := store.Cancel(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestNullHelpers(t *testing.T) {
	if nullableString("").Valid || !nullableString("x").Valid {
		t.Fatal("nullableString mismatch")
	}
	if nullTime(time.Time{}).Valid || !nullTime(time.Now()).Valid {
		t.Fatal("nullTime mismatch")
	}
	if nullableBytes(nil) != nil {
		t.Fatal("expected nil for empty payload")
	}
}

func TestCockroachStoreImplementsStore(t *testing.T) {
	var _ Store = (*CockroachStore)(nil)
	var _ Store = (*MemoryStore)(nil)
}
