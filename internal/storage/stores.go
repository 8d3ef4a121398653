// Package storage opens the durable store and ships its schema.
package storage

import (
	"context"
	"database/sql"

	"github.com/haasonsaas/taskgate/internal/jobs"
	"github.com/haasonsaas/taskgate/internal/ledger"
	"github.com/haasonsaas/taskgate/internal/runs"
)

// StoreSet groups storage dependencies.
type StoreSet struct {
	Runs   runs.Store
	Jobs   jobs.Store
	Ledger ledger.Ledger
	DB     *sql.DB
	closer func() error
}

// Close closes any underlying resources.
func (s StoreSet) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// NewMemoryStores returns process-local stores for development and tests.
func NewMemoryStores() StoreSet {
	return StoreSet{
		Runs:   runs.NewMemoryStore(),
		Jobs:   jobs.NewMemoryStore(),
		Ledger: ledger.NewMemoryLedger(),
	}
}

// NewCockroachStores builds every store on one database pool.
func NewCockroachStores(db *sql.DB) StoreSet {
	return StoreSet{
		Runs:   runs.NewCockroachStore(db),
		Jobs:   jobs.NewCockroachStore(db),
		Ledger: ledger.NewCockroachLedger(db),
		DB:     db,
		closer: db.Close,
	}
}

// NewCockroachStoresFromDSN opens dsn and builds every store on it.
func NewCockroachStoresFromDSN(ctx context.Context, dsn string, config *CockroachConfig) (StoreSet, error) {
	db, err := Open(ctx, dsn, config)
	if err != nil {
		return StoreSet{}, err
	}
	return NewCockroachStores(db), nil
}
