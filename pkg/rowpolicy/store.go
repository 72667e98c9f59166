// Package rowpolicy caches per-table row-level policy definitions: which
// column owns the tenant and how to build its filter predicate. The store
// is the only component in the request path that performs I/O, and it is
// designed to never fail the caller: outages degrade to the previous cache
// or to built-in defaults.
package rowpolicy

import (
	"context"
	_ "embed"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"

	"github.com/sqlgate-io/sqlgate/pkg/logging"
)

// DefaultTTL is how long a loaded policy set is trusted before a refresh.
const DefaultTTL = 300 * time.Second

// Definition names the tenant-owning column of a governed table and the
// predicate template used to scope it. Templates use {column} for the
// quoted column name and :tenant_id for the bound tenant value.
type Definition struct {
	TableName         string `yaml:"table_name" json:"table_name"`
	TenantColumn      string `yaml:"tenant_column" json:"tenant_column"`
	PredicateTemplate string `yaml:"predicate_template" json:"predicate_template"`
}

// Loader fetches the full policy set from the control-plane store.
type Loader interface {
	LoadPolicies(ctx context.Context) (map[string]Definition, error)
}

//go:embed default_policies.yaml
var defaultPoliciesYAML []byte

type defaultsFile struct {
	Policies []Definition `yaml:"policies"`
}

// DefaultPolicies returns the built-in policy set used when the control
// plane is disabled or unreachable with no prior cache.
func DefaultPolicies() map[string]Definition {
	var f defaultsFile
	// The embedded file is part of the build; a parse failure here is a
	// packaging defect and an empty set is the fail-closed answer.
	if err := yaml.Unmarshal(defaultPoliciesYAML, &f); err != nil {
		return map[string]Definition{}
	}
	out := make(map[string]Definition, len(f.Policies))
	for _, p := range f.Policies {
		out[strings.ToLower(p.TableName)] = p
	}
	return out
}

// Store is a TTL cache over a Loader with single-flight refresh. Cache
// contents change only via a full refresh or an explicit Clear.
type Store struct {
	loader  Loader
	ttl     time.Duration
	enabled bool
	logger  *zap.Logger

	mu       sync.RWMutex
	cache    map[string]Definition
	loadedAt time.Time

	group singleflight.Group
}

// NewStore builds a store. When enabled is false the control plane is never
// consulted and GetPolicies always returns the built-in defaults. A zero
// ttl uses DefaultTTL.
func NewStore(loader Loader, ttl time.Duration, enabled bool, logger *zap.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		loader:  loader,
		ttl:     ttl,
		enabled: enabled,
		logger:  logger,
	}
}

// GetPolicies returns the current policy map keyed by lowercase table
// name. It refreshes when the cache is empty or older than the TTL;
// concurrent callers observing a stale cache share one underlying load.
// GetPolicies never returns an error: control-plane outages fall back to
// the previous non-empty cache, then to built-in defaults.
func (s *Store) GetPolicies(ctx context.Context) map[string]Definition {
	if !s.enabled || s.loader == nil {
		return copyPolicies(DefaultPolicies())
	}

	s.mu.RLock()
	fresh := s.cache != nil && time.Since(s.loadedAt) <= s.ttl
	cached := s.cache
	s.mu.RUnlock()
	if fresh {
		return copyPolicies(cached)
	}

	result, _, _ := s.group.Do("policies", func() (any, error) {
		loaded, err := s.loader.LoadPolicies(ctx)
		if err != nil {
			s.mu.RLock()
			prev := s.cache
			s.mu.RUnlock()
			if len(prev) > 0 {
				if s.logger != nil {
					s.logger.Warn("row policy refresh failed, retaining previous cache",
						zap.String("error", logging.SanitizeError(err)))
				}
				return prev, nil
			}
			if s.logger != nil {
				s.logger.Warn("row policy load failed with empty cache, using defaults",
					zap.String("error", logging.SanitizeError(err)))
			}
			return DefaultPolicies(), nil
		}

		normalized := make(map[string]Definition, len(loaded))
		for name, def := range loaded {
			normalized[strings.ToLower(name)] = def
		}

		s.mu.Lock()
		s.cache = normalized
		s.loadedAt = time.Now()
		s.mu.Unlock()

		if s.logger != nil {
			s.logger.Debug("row policies refreshed", zap.Int("tables", len(normalized)))
		}
		return normalized, nil
	})

	return copyPolicies(result.(map[string]Definition))
}

// Clear empties the cache, forcing the next GetPolicies to reload.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = nil
	s.loadedAt = time.Time{}
}

// copyPolicies hands each caller its own map so cached entries can only
// change through a refresh or Clear.
func copyPolicies(in map[string]Definition) map[string]Definition {
	out := make(map[string]Definition, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
