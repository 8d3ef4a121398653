package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CockroachLedger implements Ledger on CockroachDB (Postgres wire protocol).
// Every mutation is a guarded single-statement update inside a transaction
// so concurrent instances serving one tenant cannot overspend.
type CockroachLedger struct {
	db  *sql.DB
	now func() time.Time
}

// NewCockroachLedger returns a ledger backed by db. The credit_balances and
// credit_ledger_entries tables must exist (see storage migrations).
func NewCockroachLedger(db *sql.DB) *CockroachLedger {
	return &CockroachLedger{db: db, now: time.Now}
}

// Balance returns the tenant's balance.
func (l *CockroachLedger) Balance(ctx context.Context, tenantID string) (Balance, error) {
	if tenantID == "" {
		return Balance{}, ErrTenantRequired
	}
	var (
		total, used int64
		updatedAt   time.Time
	)
	err := l.db.QueryRowContext(ctx, `
		SELECT total, used, updated_at FROM credit_balances WHERE tenant_id = $1
	`, tenantID).Scan(&total, &used, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Balance{}, ErrNoBalance
	}
	if err != nil {
		return Balance{}, fmt.Errorf("get balance: %w", err)
	}
	return newBalance(tenantID, total, used, updatedAt), nil
}

// Provision inserts a balance unless one already exists.
func (l *CockroachLedger) Provision(ctx context.Context, tenantID string, grant int64) (Balance, error) {
	if tenantID == "" {
		return Balance{}, ErrTenantRequired
	}
	if grant < 0 {
		return Balance{}, ErrInvalidAmount
	}
	now := l.now()
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Balance{}, fmt.Errorf("begin provision: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `
		INSERT INTO credit_balances (tenant_id, total, used, updated_at)
		VALUES ($1, $2, 0, $3)
		ON CONFLICT (tenant_id) DO NOTHING
	`, tenantID, grant, now)
	if err != nil {
		return Balance{}, fmt.Errorf("provision balance: %w", err)
	}
	if inserted, _ := res.RowsAffected(); inserted == 1 {
		if err := insertEntry(ctx, tx, Entry{
			TransactionID: uuid.NewString(),
			TenantID:      tenantID,
			Amount:        grant,
			Reason:        ReasonGrant,
			CreatedAt:     now,
		}); err != nil {
			return Balance{}, err
		}
	}

	var (
		total, used int64
		updatedAt   time.Time
	)
	if err := tx.QueryRowContext(ctx, `
		SELECT total, used, updated_at FROM credit_balances WHERE tenant_id = $1
	`, tenantID).Scan(&total, &used, &updatedAt); err != nil {
		return Balance{}, fmt.Errorf("read provisioned balance: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Balance{}, fmt.Errorf("commit provision: %w", err)
	}
	return newBalance(tenantID, total, used, updatedAt), nil
}

// Deduct spends amount when total - used covers it.
func (l *CockroachLedger) Deduct(ctx context.Context, tenantID string, amount int64, reason string) (string, error) {
	if tenantID == "" {
		return "", ErrTenantRequired
	}
	if amount <= 0 {
		return "", ErrInvalidAmount
	}
	now := l.now()
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin deduct: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var total, used int64
	err = tx.QueryRowContext(ctx, `
		UPDATE credit_balances
		SET used = used + $2, updated_at = $3
		WHERE tenant_id = $1 AND total - used >= $2
		RETURNING total, used
	`, tenantID, amount, now).Scan(&total, &used)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := tx.QueryRowContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM credit_balances WHERE tenant_id = $1)
		`, tenantID).Scan(&exists); err != nil {
			return "", fmt.Errorf("check balance: %w", err)
		}
		if !exists {
			return "", ErrNoBalance
		}
		return "", ErrInsufficientCredits
	}
	if err != nil {
		return "", fmt.Errorf("deduct credits: %w", err)
	}

	txID := uuid.NewString()
	if err := insertEntry(ctx, tx, Entry{
		TransactionID: txID,
		TenantID:      tenantID,
		Amount:        -amount,
		Reason:        reason,
		CreatedAt:     now,
	}); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit deduct: %w", err)
	}
	return txID, nil
}

// Refund writes the reversing entry and restores the balance in one
// transaction. The unique reverses_id column makes a repeated refund a no-op.
func (l *CockroachLedger) Refund(ctx context.Context, transactionID, reason string) error {
	if transactionID == "" {
		return ErrTransactionNotFound
	}
	now := l.now()
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin refund: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var (
		tenantID string
		amount   int64
	)
	err = tx.QueryRowContext(ctx, `
		INSERT INTO credit_ledger_entries (transaction_id, tenant_id, amount, reason, reverses_id, created_at)
		SELECT $1, tenant_id, -amount, $2, transaction_id, $4
		FROM credit_ledger_entries
		WHERE transaction_id = $3 AND amount < 0
		ON CONFLICT (reverses_id) DO NOTHING
		RETURNING tenant_id, amount
	`, uuid.NewString(), reason, transactionID, now).Scan(&tenantID, &amount)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := tx.QueryRowContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM credit_ledger_entries WHERE transaction_id = $1 AND amount < 0)
		`, transactionID).Scan(&exists); err != nil {
			return fmt.Errorf("check transaction: %w", err)
		}
		if !exists {
			return ErrTransactionNotFound
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("record refund: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE credit_balances SET used = used - $2, updated_at = $3 WHERE tenant_id = $1
	`, tenantID, amount, now); err != nil {
		return fmt.Errorf("restore balance: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit refund: %w", err)
	}
	return nil
}

// Entries lists a tenant's ledger entries, oldest first.
func (l *CockroachLedger) Entries(ctx context.Context, tenantID string, limit int) ([]Entry, error) {
	query := `
		SELECT transaction_id, tenant_id, amount, reason, reverses_id, created_at
		FROM credit_ledger_entries
		WHERE tenant_id = $1
		ORDER BY created_at`
	args := []any{tenantID}
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			entry      Entry
			reversesID sql.NullString
		)
		if err := rows.Scan(&entry.TransactionID, &entry.TenantID, &entry.Amount, &entry.Reason, &reversesID, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		if reversesID.Valid {
			entry.ReversesID = reversesID.String
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	return entries, nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, entry Entry) error {
	var reversesID sql.NullString
	if entry.ReversesID != "" {
		reversesID = sql.NullString{String: entry.ReversesID, Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO credit_ledger_entries (transaction_id, tenant_id, amount, reason, reverses_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, entry.TransactionID, entry.TenantID, entry.Amount, entry.Reason, reversesID, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}
