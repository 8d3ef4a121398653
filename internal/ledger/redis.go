package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Balances live in a hash per tenant (total, used, updated_at). Each
// deduction is a hash per transaction recording tenant, amount and whether it
// was refunded. The scripts below are the only writers.
var (
	provisionScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	redis.call("HSET", KEYS[1], "total", ARGV[1], "used", 0, "updated_at", ARGV[2])
	return 1
end
return 0
`)

	deductScript = redis.NewScript(`
local total = redis.call("HGET", KEYS[1], "total")
if not total then
	return -1
end
local used = tonumber(redis.call("HGET", KEYS[1], "used") or "0")
local amount = tonumber(ARGV[1])
if tonumber(total) - used < amount then
	return -2
end
redis.call("HINCRBY", KEYS[1], "used", amount)
redis.call("HSET", KEYS[1], "updated_at", ARGV[3])
redis.call("HSET", KEYS[2], "tenant", ARGV[2], "amount", amount, "reason", ARGV[4], "refunded", 0, "created_at", ARGV[3])
if tonumber(ARGV[5]) > 0 then
	redis.call("EXPIRE", KEYS[2], ARGV[5])
end
return 1
`)

	refundScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return -1
end
if redis.call("HGET", KEYS[1], "refunded") == "1" then
	return 0
end
if redis.call("HGET", KEYS[1], "tenant") ~= ARGV[1] then
	return -1
end
local amount = tonumber(redis.call("HGET", KEYS[1], "amount"))
redis.call("HINCRBY", KEYS[2], "used", -amount)
redis.call("HSET", KEYS[2], "updated_at", ARGV[2])
redis.call("HSET", KEYS[1], "refunded", 1, "refund_reason", ARGV[3])
return 1
`)
)

// RedisLedger implements Ledger on Redis using Lua scripts so each deduct and
// refund is atomic across every instance sharing the server.
type RedisLedger struct {
	client redis.UniversalClient
	prefix string
	txTTL  time.Duration
	now    func() time.Time
}

// RedisOption configures a RedisLedger.
type RedisOption func(*RedisLedger)

// WithPrefix namespaces every key the ledger writes.
func WithPrefix(prefix string) RedisOption {
	return func(l *RedisLedger) {
		l.prefix = prefix
	}
}

// WithTransactionTTL bounds how long deduction records are kept for refunds.
func WithTransactionTTL(ttl time.Duration) RedisOption {
	return func(l *RedisLedger) {
		l.txTTL = ttl
	}
}

// NewRedisLedger creates a ledger using client.
func NewRedisLedger(client redis.UniversalClient, opts ...RedisOption) *RedisLedger {
	l := &RedisLedger{
		client: client,
		prefix: "taskgate:",
		txTTL:  7 * 24 * time.Hour,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *RedisLedger) balanceKey(tenantID string) string {
	return l.prefix + "credits:" + tenantID
}

func (l *RedisLedger) txKey(transactionID string) string {
	return l.prefix + "credits:tx:" + transactionID
}

// Balance returns the tenant's balance.
func (l *RedisLedger) Balance(ctx context.Context, tenantID string) (Balance, error) {
	if tenantID == "" {
		return Balance{}, ErrTenantRequired
	}
	fields, err := l.client.HGetAll(ctx, l.balanceKey(tenantID)).Result()
	if err != nil {
		return Balance{}, fmt.Errorf("get balance: %w", err)
	}
	if len(fields) == 0 {
		return Balance{}, ErrNoBalance
	}
	total, err := strconv.ParseInt(fields["total"], 10, 64)
	if err != nil {
		return Balance{}, fmt.Errorf("parse balance total: %w", err)
	}
	used, err := strconv.ParseInt(fields["used"], 10, 64)
	if err != nil {
		return Balance{}, fmt.Errorf("parse balance used: %w", err)
	}
	var updatedAt time.Time
	if raw, ok := fields["updated_at"]; ok {
		if unix, err := strconv.ParseInt(raw, 10, 64); err == nil {
			updatedAt = time.UnixMilli(unix)
		}
	}
	return newBalance(tenantID, total, used, updatedAt), nil
}

// Provision creates the tenant's balance hash if absent.
func (l *RedisLedger) Provision(ctx context.Context, tenantID string, grant int64) (Balance, error) {
	if tenantID == "" {
		return Balance{}, ErrTenantRequired
	}
	if grant < 0 {
		return Balance{}, ErrInvalidAmount
	}
	if err := provisionScript.Run(ctx, l.client,
		[]string{l.balanceKey(tenantID)},
		grant, l.now().UnixMilli(),
	).Err(); err != nil {
		return Balance{}, fmt.Errorf("provision balance: %w", err)
	}
	return l.Balance(ctx, tenantID)
}

// Deduct spends amount when the tenant can cover it.
func (l *RedisLedger) Deduct(ctx context.Context, tenantID string, amount int64, reason string) (string, error) {
	if tenantID == "" {
		return "", ErrTenantRequired
	}
	if amount <= 0 {
		return "", ErrInvalidAmount
	}
	txID := uuid.NewString()
	code, err := deductScript.Run(ctx, l.client,
		[]string{l.balanceKey(tenantID), l.txKey(txID)},
		amount, tenantID, l.now().UnixMilli(), reason, int64(l.txTTL/time.Second),
	).Int64()
	if err != nil {
		return "", fmt.Errorf("deduct credits: %w", err)
	}
	switch code {
	case -1:
		return "", ErrNoBalance
	case -2:
		return "", ErrInsufficientCredits
	}
	return txID, nil
}

// Refund reverses a deduction once.
func (l *RedisLedger) Refund(ctx context.Context, transactionID, reason string) error {
	if transactionID == "" {
		return ErrTransactionNotFound
	}
	tenantID, err := l.client.HGet(ctx, l.txKey(transactionID), "tenant").Result()
	if errors.Is(err, redis.Nil) {
		return ErrTransactionNotFound
	}
	if err != nil {
		return fmt.Errorf("read transaction: %w", err)
	}
	code, err := refundScript.Run(ctx, l.client,
		[]string{l.txKey(transactionID), l.balanceKey(tenantID)},
		tenantID, l.now().UnixMilli(), reason,
	).Int64()
	if err != nil {
		return fmt.Errorf("refund credits: %w", err)
	}
	if code < 0 {
		return ErrTransactionNotFound
	}
	return nil
}
