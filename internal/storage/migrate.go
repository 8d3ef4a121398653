package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// Migration is one schema change with its rollback.
type Migration struct {
	ID      string
	UpSQL   string
	DownSQL string
}

// AppliedMigration is a migration recorded in schema_migrations.
type AppliedMigration struct {
	ID        string
	AppliedAt time.Time
}

// Migrator applies the schema for runs, jobs and credits.
type Migrator struct {
	db         *sql.DB
	migrations []Migration
	logger     *slog.Logger
}

// MigratorOption configures a Migrator.
type MigratorOption func(*migratorOptions)

type migratorOptions struct {
	source fs.FS
	dir    string
	logger *slog.Logger
}

// WithMigrationSource reads migrations from dir inside source instead of the
// embedded set.
func WithMigrationSource(source fs.FS, dir string) MigratorOption {
	return func(o *migratorOptions) {
		o.source = source
		o.dir = dir
	}
}

// WithMigrationLogger logs each applied or rolled back migration.
func WithMigrationLogger(logger *slog.Logger) MigratorOption {
	return func(o *migratorOptions) {
		o.logger = logger
	}
}

// NewMigrator creates a migrator backed by db.
func NewMigrator(db *sql.DB, opts ...MigratorOption) (*Migrator, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	options := migratorOptions{source: embeddedMigrations, dir: "migrations"}
	for _, opt := range opts {
		opt(&options)
	}
	migrations, err := loadMigrations(options.source, options.dir)
	if err != nil {
		return nil, err
	}
	return &Migrator{db: db, migrations: migrations, logger: options.logger}, nil
}

// Migrations returns the known migrations in apply order.
func (m *Migrator) Migrations() []Migration {
	return append([]Migration(nil), m.migrations...)
}

// EnsureSchema creates the schema_migrations table.
func (m *Migrator) EnsureSchema(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			id STRING PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return nil
}

// Up applies pending migrations. If steps <= 0, apply all.
func (m *Migrator) Up(ctx context.Context, steps int) ([]string, error) {
	_, pending, err := m.Status(ctx)
	if err != nil {
		return nil, err
	}
	if steps > 0 && steps < len(pending) {
		pending = pending[:steps]
	}

	var applied []string
	for _, migration := range pending {
		if strings.TrimSpace(migration.UpSQL) == "" {
			return applied, fmt.Errorf("missing up migration for %s", migration.ID)
		}
		if err := m.inTx(ctx, migration.UpSQL,
			`INSERT INTO schema_migrations (id) VALUES ($1)`, migration.ID); err != nil {
			return applied, fmt.Errorf("apply migration %s: %w", migration.ID, err)
		}
		m.log("applied migration", migration.ID)
		applied = append(applied, migration.ID)
	}
	return applied, nil
}

// Down rolls back the last N applied migrations, newest first.
func (m *Migrator) Down(ctx context.Context, steps int) ([]string, error) {
	if steps <= 0 {
		steps = 1
	}
	applied, _, err := m.Status(ctx)
	if err != nil {
		return nil, err
	}
	if steps > len(applied) {
		steps = len(applied)
	}

	var rolled []string
	for i := len(applied) - 1; i >= len(applied)-steps; i-- {
		migration, ok := m.migrationByID(applied[i].ID)
		if !ok {
			return rolled, fmt.Errorf("migration %s not found", applied[i].ID)
		}
		if strings.TrimSpace(migration.DownSQL) == "" {
			return rolled, fmt.Errorf("missing down migration for %s", migration.ID)
		}
		if err := m.inTx(ctx, migration.DownSQL,
			`DELETE FROM schema_migrations WHERE id = $1`, migration.ID); err != nil {
			return rolled, fmt.Errorf("rollback migration %s: %w", migration.ID, err)
		}
		m.log("rolled back migration", migration.ID)
		rolled = append(rolled, migration.ID)
	}
	return rolled, nil
}

// Status returns applied and pending migrations.
func (m *Migrator) Status(ctx context.Context) ([]AppliedMigration, []Migration, error) {
	if err := m.EnsureSchema(ctx); err != nil {
		return nil, nil, err
	}
	applied, err := m.appliedMigrations(ctx)
	if err != nil {
		return nil, nil, err
	}
	done := make(map[string]bool, len(applied))
	for _, entry := range applied {
		done[entry.ID] = true
	}
	var pending []Migration
	for _, migration := range m.migrations {
		if !done[migration.ID] {
			pending = append(pending, migration)
		}
	}
	return applied, pending, nil
}

// inTx runs a migration body and its bookkeeping statement atomically.
func (m *Migrator) inTx(ctx context.Context, body, record, id string) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if _, err := tx.ExecContext(ctx, body); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, record, id); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (m *Migrator) appliedMigrations(ctx context.Context) ([]AppliedMigration, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT id, applied_at FROM schema_migrations ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query schema_migrations: %w", err)
	}
	defer rows.Close()

	var applied []AppliedMigration
	for rows.Next() {
		var entry AppliedMigration
		if err := rows.Scan(&entry.ID, &entry.AppliedAt); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied = append(applied, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("schema_migrations: %w", err)
	}
	return applied, nil
}

func (m *Migrator) migrationByID(id string) (Migration, bool) {
	for _, migration := range m.migrations {
		if migration.ID == id {
			return migration, true
		}
	}
	return Migration{}, false
}

func (m *Migrator) log(msg, id string) {
	if m.logger != nil {
		m.logger.Info(msg, "migration", id)
	}
}

// loadMigrations pairs NNN_name.up.sql and NNN_name.down.sql files by id.
func loadMigrations(source fs.FS, dir string) ([]Migration, error) {
	paths, err := fs.Glob(source, path.Join(dir, "*.sql"))
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	byID := map[string]*Migration{}
	for _, file := range paths {
		base := path.Base(file)
		var id string
		var up bool
		switch {
		case strings.HasSuffix(base, ".up.sql"):
			id, up = strings.TrimSuffix(base, ".up.sql"), true
		case strings.HasSuffix(base, ".down.sql"):
			id = strings.TrimSuffix(base, ".down.sql")
		default:
			continue
		}
		data, err := fs.ReadFile(source, file)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", file, err)
		}
		entry := byID[id]
		if entry == nil {
			entry = &Migration{ID: id}
			byID[id] = entry
		}
		if up {
			entry.UpSQL = string(data)
		} else {
			entry.DownSQL = string(data)
		}
	}

	migrations := make([]Migration, 0, len(byID))
	for _, entry := range byID {
		migrations = append(migrations, *entry)
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].ID < migrations[j].ID })
	return migrations, nil
}
