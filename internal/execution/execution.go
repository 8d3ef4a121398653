// Package execution defines the shapes exchanged between the dispatcher and
// the execution backends: the per-attempt context, the normalized result and
// the closed error taxonomy callers branch on.
package execution

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Backend identifies an execution target.
type Backend string

const (
	// BackendEdge serves low-latency, short-timeout operations.
	BackendEdge Backend = "edge"
	// BackendCluster serves heavyweight operations with long timeouts.
	BackendCluster Backend = "cluster"
)

// Valid reports whether b is a known backend.
func (b Backend) Valid() bool {
	return b == BackendEdge || b == BackendCluster
}

// Context carries everything a backend needs to execute one attempt.
type Context struct {
	RunID          string        `json:"runId"`
	StepID         string        `json:"stepId"`
	TenantID       string        `json:"tenantId"`
	UserID         string        `json:"userId"`
	Timeout        time.Duration `json:"-"`
	TimeoutMs      int64         `json:"timeoutMs"`
	CreditBudget   int64         `json:"creditBudget"`
	IdempotencyKey string        `json:"idempotencyKey"`
}

// Metadata describes how a result was produced.
type Metadata struct {
	DurationMs     int64   `json:"durationMs"`
	Backend        Backend `json:"backend"`
	RetryCount     int     `json:"retryCount"`
	IdempotencyKey string  `json:"idempotencyKey"`
}

// Artifact is a file or blob produced by a backend.
type Artifact struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType,omitempty"`
	URL      string `json:"url,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Result is the normalized outcome of a dispatch.
type Result struct {
	Output     json.RawMessage `json:"output,omitempty"`
	TokensUsed *int64          `json:"tokensUsed,omitempty"`
	Artifacts  []Artifact      `json:"artifacts,omitempty"`
	Logs       []string        `json:"logs,omitempty"`
	Metadata   Metadata        `json:"metadata"`
	Error      *Error          `json:"error,omitempty"`
}

var idempotencyNamespace = uuid.MustParse("6f1c3f2e-8d7a-4b9e-a5c1-2f4d6e8b0a13")

// IdempotencyKey derives a stable key for one logical attempt of a step.
// Retries of the same attempt share the key so backends can deduplicate.
func IdempotencyKey(runID, stepID string, attempt int) string {
	if attempt < 1 {
		attempt = 1
	}
	name := runID + "\x00" + stepID + "\x00" + strconv.Itoa(attempt)
	return uuid.NewSHA1(idempotencyNamespace, []byte(name)).String()
}
