package datasource

import (
	"context"
	"sync"

	"github.com/sqlgate-io/sqlgate/pkg/guard"
)

// Capability describes what an enforcement layer may do with a provider.
// The record is consulted at decision time; a mode the provider cannot
// honor is rejected rather than silently degraded.
type Capability struct {
	Type                      string        `json:"type"`         // "postgres", "sqlserver"
	DisplayName               string        `json:"display_name"` // "PostgreSQL", "Microsoft SQL Server"
	DialectID                 guard.Dialect `json:"dialect_id"`
	SupportsTenantRewrite     bool          `json:"supports_tenant_rewrite"`
	SupportsRestrictedSession bool          `json:"supports_restricted_session"`
}

// Registration pairs a capability record with its executor factory.
type Registration struct {
	Capability Capability
	Factory    func(ctx context.Context, connString string, g *guard.ReadOnlyGuard) (QueryExecutor, error)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Registration)
)

// Register is called by each adapter's init() function.
// Thread-safe for concurrent init() calls.
func Register(reg Registration) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[reg.Capability.Type] = reg
}

// Lookup returns the capability record for a datasource type.
func Lookup(dsType string) (Capability, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	reg, ok := registry[dsType]
	return reg.Capability, ok
}

// GetFactory returns the executor factory for a datasource type, or nil if
// the type is not registered in this build.
func GetFactory(dsType string) func(ctx context.Context, connString string, g *guard.ReadOnlyGuard) (QueryExecutor, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if reg, ok := registry[dsType]; ok {
		return reg.Factory
	}
	return nil
}

// RegisteredCapabilities returns the capability records of every adapter
// compiled into this binary.
func RegisteredCapabilities() []Capability {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]Capability, 0, len(registry))
	for _, reg := range registry {
		out = append(out, reg.Capability)
	}
	return out
}

// IsRegistered checks if an adapter type is available.
func IsRegistered(dsType string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[dsType]
	return ok
}
