// Package ledger holds tenant credit balances and the gate that authorizes
// spend before work is dispatched.
package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInsufficientCredits is returned when a tenant cannot cover a cost.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrNoBalance is returned when a tenant has never been provisioned.
	ErrNoBalance = errors.New("no credit balance")
	// ErrTransactionNotFound is returned when refunding an unknown transaction.
	ErrTransactionNotFound = errors.New("transaction not found")
	// ErrInvalidAmount is returned for negative or zero amounts where a positive one is required.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrTenantRequired is returned when no tenant id is supplied.
	ErrTenantRequired = errors.New("tenant id is required")
)

// Ledger entry reasons.
const (
	ReasonGrant          = "grant"
	ReasonDispatch       = "dispatch"
	ReasonBackendFailure = "backend_failure"
)

// Balance is a tenant's credit position. Available is always Total - Used.
type Balance struct {
	TenantID  string    `json:"tenantId"`
	Available int64     `json:"available"`
	Total     int64     `json:"total"`
	Used      int64     `json:"used"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

func newBalance(tenantID string, total, used int64, updatedAt time.Time) Balance {
	return Balance{
		TenantID:  tenantID,
		Available: total - used,
		Total:     total,
		Used:      used,
		UpdatedAt: updatedAt,
	}
}

// Entry is one row of the append-only credit ledger. Deductions carry a
// negative amount; grants and refunds a positive one. A refund references
// the deduction it reverses.
type Entry struct {
	TransactionID string    `json:"transactionId"`
	TenantID      string    `json:"tenantId"`
	Amount        int64     `json:"amount"`
	Reason        string    `json:"reason"`
	ReversesID    string    `json:"reversesId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Ledger stores balances. Deduct and Refund must each be a single atomic
// operation in the backing store; implementations never read a balance and
// write it back in two steps.
type Ledger interface {
	// Balance returns the tenant's balance or ErrNoBalance.
	Balance(ctx context.Context, tenantID string) (Balance, error)
	// Provision creates a balance with the given grant if none exists and
	// returns the current balance either way.
	Provision(ctx context.Context, tenantID string, grant int64) (Balance, error)
	// Deduct spends amount if the tenant can cover it and returns the
	// transaction id. It fails with ErrInsufficientCredits otherwise.
	Deduct(ctx context.Context, tenantID string, amount int64, reason string) (string, error)
	// Refund reverses a deduction. Refunding the same transaction twice
	// credits the tenant once.
	Refund(ctx context.Context, transactionID, reason string) error
}
