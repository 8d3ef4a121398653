package routing

import (
	"time"

	"github.com/haasonsaas/taskgate/internal/execution"
)

// Operation names a dispatchable tool operation.
type Operation string

const (
	OpSystemStatus     Operation = "system.status"
	OpToolList         Operation = "tool.list"
	OpWebSearch        Operation = "web.search"
	OpWebFetch         Operation = "web.fetch"
	OpLLMComplete      Operation = "llm.complete"
	OpMessageSend      Operation = "message.send"
	OpFileRead         Operation = "file.read"
	OpFileList         Operation = "file.list"
	OpFileWrite        Operation = "file.write"
	OpShellExec        Operation = "shell.exec"
	OpCodeExecute      Operation = "code.execute"
	OpBrowserNavigate  Operation = "browser.navigate"
	OpBrowserAction    Operation = "browser.action"
	OpDocumentGenerate Operation = "document.generate"
)

// AllOperations lists every declared operation. The default table must cover
// each of them; registry_test enforces it.
func AllOperations() []Operation {
	return []Operation{
		OpSystemStatus,
		OpToolList,
		OpWebSearch,
		OpWebFetch,
		OpLLMComplete,
		OpMessageSend,
		OpFileRead,
		OpFileList,
		OpFileWrite,
		OpShellExec,
		OpCodeExecute,
		OpBrowserNavigate,
		OpBrowserAction,
		OpDocumentGenerate,
	}
}

// ParseOperation matches name exactly against the declared operations.
func ParseOperation(name string) (Operation, bool) {
	for _, op := range AllOperations() {
		if string(op) == name {
			return op, true
		}
	}
	return "", false
}

// DefaultRoutes returns a fresh copy of the built-in routing table.
//
// Execution-heavy operations go to the cluster. Operations with
// non-idempotent side effects (write, execute) never retry; read-only and
// communication operations retry a small bounded number of times.
func DefaultRoutes() map[Operation]Route {
	edge, cluster := execution.BackendEdge, execution.BackendCluster
	return map[Operation]Route{
		OpSystemStatus: {Backend: edge, Timeout: 5 * time.Second, CreditCost: 0, Retryable: true, MaxRetries: 2},
		OpToolList:     {Backend: edge, Timeout: 5 * time.Second, CreditCost: 0, Retryable: true, MaxRetries: 2},
		OpWebSearch:    {Backend: edge, Timeout: 30 * time.Second, CreditCost: 1, Retryable: true, MaxRetries: 3},
		OpWebFetch:     {Backend: edge, Timeout: 30 * time.Second, CreditCost: 1, Retryable: true, MaxRetries: 2},
		OpLLMComplete:  {Backend: edge, Timeout: 60 * time.Second, CreditCost: 2, Retryable: true, MaxRetries: 2},
		OpMessageSend:  {Backend: edge, Timeout: 15 * time.Second, CreditCost: 1, Retryable: true, MaxRetries: 3},

		OpFileRead:         {Backend: cluster, Timeout: 15 * time.Second, CreditCost: 1, Retryable: true, MaxRetries: 2},
		OpFileList:         {Backend: cluster, Timeout: 5 * time.Second, CreditCost: 0, Retryable: true, MaxRetries: 2},
		OpFileWrite:        {Backend: cluster, Timeout: 30 * time.Second, CreditCost: 1},
		OpShellExec:        {Backend: cluster, Timeout: 60 * time.Second, CreditCost: 2},
		OpCodeExecute:      {Backend: cluster, Timeout: 90 * time.Second, CreditCost: 3},
		OpBrowserNavigate:  {Backend: cluster, Timeout: 60 * time.Second, CreditCost: 2, Retryable: true, MaxRetries: 2},
		OpBrowserAction:    {Backend: cluster, Timeout: 60 * time.Second, CreditCost: 2},
		OpDocumentGenerate: {Backend: cluster, Timeout: 120 * time.Second, CreditCost: 5},
	}
}
