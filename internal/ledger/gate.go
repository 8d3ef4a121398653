package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// DefaultGrant is the starting balance provisioned for a tenant on first use.
const DefaultGrant int64 = 100

// ErrCostCeiling is returned when a federated identity requests more than
// the configured per-request ceiling.
var ErrCostCeiling = errors.New("cost exceeds federated ceiling")

// InsufficientCreditsError carries the balance that failed to cover a cost.
type InsufficientCreditsError struct {
	Balance Balance
	Cost    int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: available %d, cost %d", e.Balance.Available, e.Cost)
}

// Is reports whether target is ErrInsufficientCredits.
func (e *InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}

// GateConfig configures a Gate.
type GateConfig struct {
	// DefaultGrant is provisioned for unknown tenants. Zero means DefaultGrant.
	DefaultGrant int64
	// FederatedMaxCost caps the per-request cost for federated identities.
	// Zero disables the ceiling.
	FederatedMaxCost int64
}

// Spend describes one authorization request.
type Spend struct {
	TenantID  string
	Cost      int64
	Federated bool
}

// Authorization is the outcome of a successful Authorize call.
type Authorization struct {
	TenantID      string
	Cost          int64
	TransactionID string
	Provisioned   bool
}

// Charged reports whether credits were actually deducted.
func (a *Authorization) Charged() bool {
	return a != nil && a.TransactionID != ""
}

// Observer receives ledger outcomes, typically for metrics.
type Observer interface {
	CreditOperation(operation, outcome string, amount int64)
}

// Gate authorizes spend against a Ledger before work is dispatched.
type Gate struct {
	ledger           Ledger
	defaultGrant     int64
	federatedMaxCost int64
	logger           *slog.Logger
	observer         Observer
}

// NewGate creates a gate over ledger.
func NewGate(ledger Ledger, cfg GateConfig, logger *slog.Logger) *Gate {
	grant := cfg.DefaultGrant
	if grant <= 0 {
		grant = DefaultGrant
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		ledger:           ledger,
		defaultGrant:     grant,
		federatedMaxCost: cfg.FederatedMaxCost,
		logger:           logger.With("component", "ledger"),
	}
}

// SetObserver attaches an observer for credit operations.
func (g *Gate) SetObserver(observer Observer) {
	g.observer = observer
}

// Ledger returns the underlying ledger.
func (g *Gate) Ledger() Ledger {
	return g.ledger
}

// Authorize checks the tenant can pay for spend and deducts the cost. Tenants
// without a balance are provisioned with the default grant first. Zero-cost
// spends never touch the ledger.
func (g *Gate) Authorize(ctx context.Context, spend Spend) (*Authorization, error) {
	if spend.TenantID == "" {
		return nil, ErrTenantRequired
	}
	if spend.Cost < 0 {
		return nil, ErrInvalidAmount
	}
	authz := &Authorization{TenantID: spend.TenantID, Cost: spend.Cost}
	if spend.Cost == 0 {
		return authz, nil
	}
	if spend.Federated && g.federatedMaxCost > 0 && spend.Cost > g.federatedMaxCost {
		g.observe("authorize", "ceiling", spend.Cost)
		return nil, fmt.Errorf("%w: cost %d, ceiling %d", ErrCostCeiling, spend.Cost, g.federatedMaxCost)
	}

	balance, err := g.ledger.Balance(ctx, spend.TenantID)
	if errors.Is(err, ErrNoBalance) {
		balance, err = g.ledger.Provision(ctx, spend.TenantID, g.defaultGrant)
		if err != nil {
			return nil, fmt.Errorf("provision tenant: %w", err)
		}
		authz.Provisioned = true
		g.logger.Info("provisioned credit balance", "tenant_id", spend.TenantID, "grant", balance.Total)
		g.observe("provision", "ok", balance.Total)
	} else if err != nil {
		return nil, fmt.Errorf("read balance: %w", err)
	}

	if balance.Available <= 0 {
		g.observe("authorize", "insufficient", spend.Cost)
		return nil, &InsufficientCreditsError{Balance: balance, Cost: spend.Cost}
	}

	txID, err := g.ledger.Deduct(ctx, spend.TenantID, spend.Cost, ReasonDispatch)
	if errors.Is(err, ErrInsufficientCredits) {
		g.observe("authorize", "insufficient", spend.Cost)
		if current, readErr := g.ledger.Balance(ctx, spend.TenantID); readErr == nil {
			balance = current
		}
		return nil, &InsufficientCreditsError{Balance: balance, Cost: spend.Cost}
	}
	if err != nil {
		return nil, fmt.Errorf("deduct credits: %w", err)
	}
	authz.TransactionID = txID
	g.observe("deduct", "ok", spend.Cost)
	return authz, nil
}

// Refund returns the credits of a charged authorization with reason
// backend_failure. Uncharged authorizations are a no-op.
func (g *Gate) Refund(ctx context.Context, authz *Authorization) error {
	if !authz.Charged() {
		return nil
	}
	if err := g.ledger.Refund(ctx, authz.TransactionID, ReasonBackendFailure); err != nil {
		g.observe("refund", "error", authz.Cost)
		return fmt.Errorf("refund %s: %w", authz.TransactionID, err)
	}
	g.observe("refund", "ok", authz.Cost)
	g.logger.Info("refunded credits",
		"tenant_id", authz.TenantID,
		"transaction_id", authz.TransactionID,
		"amount", authz.Cost,
	)
	return nil
}

// Balance returns the tenant's balance, provisioning one if absent.
func (g *Gate) Balance(ctx context.Context, tenantID string) (Balance, error) {
	balance, err := g.ledger.Balance(ctx, tenantID)
	if errors.Is(err, ErrNoBalance) {
		return g.ledger.Provision(ctx, tenantID, g.defaultGrant)
	}
	return balance, err
}

func (g *Gate) observe(operation, outcome string, amount int64) {
	if g.observer != nil {
		g.observer.CreditOperation(operation, outcome, amount)
	}
}
