package routing

import (
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/taskgate/internal/execution"
)

func TestDefaultTableCoversEveryOperation(t *testing.T) {
	registry := MustDefault()
	for _, op := range AllOperations() {
		if _, ok := registry.Lookup(op); !ok {
			t.Fatalf("operation %q has no route", op)
		}
	}
	if len(registry.Entries()) != len(AllOperations()) {
		t.Fatalf("table has %d routes for %d operations", len(registry.Entries()), len(AllOperations()))
	}
}

func TestDefaultTablePolicy(t *testing.T) {
	registry := MustDefault()
	for _, entry := range registry.Entries() {
		route := entry.Route
		name := string(entry.Operation)

		sideEffecting := strings.HasSuffix(name, ".write") ||
			strings.HasSuffix(name, ".exec") ||
			strings.HasSuffix(name, ".execute") ||
			entry.Operation == OpBrowserAction ||
			entry.Operation == OpDocumentGenerate
		if sideEffecting && route.Retryable {
			t.Fatalf("%s has side effects and must not retry", name)
		}
		if route.Retryable && (route.MaxRetries < 2 || route.MaxRetries > 3) {
			t.Fatalf("%s retries = %d, want 2-3", name, route.MaxRetries)
		}
		if route.Timeout < 5*time.Second || route.Timeout > 120*time.Second {
			t.Fatalf("%s timeout = %s out of range", name, route.Timeout)
		}
		heavy := strings.HasPrefix(name, "shell.") ||
			strings.HasPrefix(name, "file.") ||
			strings.HasPrefix(name, "browser.") ||
			strings.HasPrefix(name, "document.")
		if heavy && route.Backend != execution.BackendCluster {
			t.Fatalf("%s should route to cluster, got %s", name, route.Backend)
		}
	}
}

func TestResolveIsExactMatch(t *testing.T) {
	registry := MustDefault()
	if _, _, ok := registry.Resolve("shell.exec"); !ok {
		t.Fatal("expected shell.exec to resolve")
	}
	for _, name := range []string{"", "Shell.Exec", "shell.exec ", "shell", "unknown.op"} {
		if _, _, ok := registry.Resolve(name); ok {
			t.Fatalf("expected %q not to resolve", name)
		}
	}
}

func TestRouteAttempts(t *testing.T) {
	if got := (Route{Retryable: true, MaxRetries: 2}).Attempts(); got != 3 {
		t.Fatalf("Attempts() = %d, want 3", got)
	}
	if got := (Route{MaxRetries: 0}).Attempts(); got != 1 {
		t.Fatalf("Attempts() = %d, want 1", got)
	}
}

func TestNewRegistryOverrides(t *testing.T) {
	cost := int64(9)
	registry, err := NewRegistry(map[string]Override{
		"document.generate": {Timeout: 100 * time.Second, CreditCost: &cost},
	})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	route, _ := registry.Lookup(OpDocumentGenerate)
	if route.Timeout != 100*time.Second || route.CreditCost != 9 {
		t.Fatalf("override not applied: %+v", route)
	}

	if _, err := NewRegistry(map[string]Override{"nope": {}}); err == nil {
		t.Fatal("expected unknown operation override to fail")
	}
	negative := int64(-1)
	if _, err := NewRegistry(map[string]Override{"file.read": {CreditCost: &negative}}); err == nil {
		t.Fatal("expected negative cost to fail")
	}
}

func TestEntriesReturnsCopy(t *testing.T) {
	registry := MustDefault()
	entries := registry.Entries()
	entries[0].Route.CreditCost = 1000
	route, _ := registry.Lookup(entries[0].Operation)
	if route.CreditCost == 1000 {
		t.Fatal("mutating Entries() result changed the registry")
	}
}
