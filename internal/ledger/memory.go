package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLedger keeps balances in process memory. It is intended for single
// instance deployments and tests.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]*Balance
	entries  map[string]Entry
	order    []string
	refunds  map[string]string
	now      func() time.Time
}

// NewMemoryLedger returns an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances: make(map[string]*Balance),
		entries:  make(map[string]Entry),
		refunds:  make(map[string]string),
		now:      time.Now,
	}
}

// Balance returns the tenant's balance.
func (l *MemoryLedger) Balance(ctx context.Context, tenantID string) (Balance, error) {
	if tenantID == "" {
		return Balance{}, ErrTenantRequired
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	balance, ok := l.balances[tenantID]
	if !ok {
		return Balance{}, ErrNoBalance
	}
	return *balance, nil
}

// Provision creates a balance if the tenant has none.
func (l *MemoryLedger) Provision(ctx context.Context, tenantID string, grant int64) (Balance, error) {
	if tenantID == "" {
		return Balance{}, ErrTenantRequired
	}
	if grant < 0 {
		return Balance{}, ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if balance, ok := l.balances[tenantID]; ok {
		return *balance, nil
	}
	now := l.now()
	balance := newBalance(tenantID, grant, 0, now)
	l.balances[tenantID] = &balance
	l.record(Entry{TenantID: tenantID, Amount: grant, Reason: ReasonGrant, CreatedAt: now})
	return balance, nil
}

// Deduct spends amount from the tenant's balance.
func (l *MemoryLedger) Deduct(ctx context.Context, tenantID string, amount int64, reason string) (string, error) {
	if tenantID == "" {
		return "", ErrTenantRequired
	}
	if amount <= 0 {
		return "", ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	balance, ok := l.balances[tenantID]
	if !ok {
		return "", ErrNoBalance
	}
	if balance.Available < amount {
		return "", ErrInsufficientCredits
	}
	now := l.now()
	*balance = newBalance(tenantID, balance.Total, balance.Used+amount, now)
	return l.record(Entry{TenantID: tenantID, Amount: -amount, Reason: reason, CreatedAt: now}), nil
}

// Refund reverses a deduction once.
func (l *MemoryLedger) Refund(ctx context.Context, transactionID, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	original, ok := l.entries[transactionID]
	if !ok || original.Amount >= 0 {
		return ErrTransactionNotFound
	}
	if _, done := l.refunds[transactionID]; done {
		return nil
	}
	balance, ok := l.balances[original.TenantID]
	if !ok {
		return ErrNoBalance
	}
	now := l.now()
	*balance = newBalance(balance.TenantID, balance.Total, balance.Used+original.Amount, now)
	l.refunds[transactionID] = l.record(Entry{
		TenantID:   original.TenantID,
		Amount:     -original.Amount,
		Reason:     reason,
		ReversesID: transactionID,
		CreatedAt:  now,
	})
	return nil
}

// Entries returns the ledger entries recorded for a tenant, oldest first.
func (l *MemoryLedger) Entries(tenantID string) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var entries []Entry
	for _, id := range l.order {
		if entry := l.entries[id]; entry.TenantID == tenantID {
			entries = append(entries, entry)
		}
	}
	return entries
}

func (l *MemoryLedger) record(entry Entry) string {
	entry.TransactionID = uuid.NewString()
	l.entries[entry.TransactionID] = entry
	l.order = append(l.order, entry.TransactionID)
	return entry.TransactionID
}
