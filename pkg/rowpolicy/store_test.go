package rowpolicy

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubLoader struct {
	policies map[string]Definition
	err      error
	delay    time.Duration
	calls    atomic.Int64
}

func (l *stubLoader) LoadPolicies(ctx context.Context) (map[string]Definition, error) {
	l.calls.Add(1)
	if l.delay > 0 {
		time.Sleep(l.delay)
	}
	return l.policies, l.err
}

func TestDefaultPolicies(t *testing.T) {
	defaults := DefaultPolicies()
	require.NotEmpty(t, defaults)

	customers, ok := defaults["customers"]
	require.True(t, ok)
	assert.Equal(t, "org_id", customers.TenantColumn)

	orders, ok := defaults["orders"]
	require.True(t, ok)
	assert.Equal(t, "org_id", orders.TenantColumn)

	events, ok := defaults["events"]
	require.True(t, ok)
	assert.Equal(t, "tenant_id", events.TenantColumn)
}

func TestGetPolicies_DisabledUsesDefaults(t *testing.T) {
	loader := &stubLoader{policies: map[string]Definition{
		"widgets": {TableName: "widgets", TenantColumn: "org_id"},
	}}
	s := NewStore(loader, 0, false, zap.NewNop())

	policies := s.GetPolicies(context.Background())
	assert.Contains(t, policies, "customers")
	assert.NotContains(t, policies, "widgets")
	assert.Equal(t, int64(0), loader.calls.Load())
}

func TestGetPolicies_LoadsAndNormalizes(t *testing.T) {
	loader := &stubLoader{policies: map[string]Definition{
		"Widgets": {TableName: "Widgets", TenantColumn: "org_id"},
	}}
	s := NewStore(loader, 0, true, zap.NewNop())

	policies := s.GetPolicies(context.Background())
	require.Contains(t, policies, "widgets")
	assert.Equal(t, "org_id", policies["widgets"].TenantColumn)

	// Second call within TTL serves the cache.
	s.GetPolicies(context.Background())
	assert.Equal(t, int64(1), loader.calls.Load())
}

func TestGetPolicies_FailureRetainsPreviousCache(t *testing.T) {
	loader := &stubLoader{policies: map[string]Definition{
		"widgets": {TableName: "widgets", TenantColumn: "org_id"},
	}}
	s := NewStore(loader, time.Nanosecond, true, zap.NewNop())

	require.Contains(t, s.GetPolicies(context.Background()), "widgets")

	loader.err = errors.New("connection refused")
	policies := s.GetPolicies(context.Background())
	assert.Contains(t, policies, "widgets")
}

func TestGetPolicies_FailureWithEmptyCacheUsesDefaults(t *testing.T) {
	loader := &stubLoader{err: errors.New("connection refused")}
	s := NewStore(loader, 0, true, zap.NewNop())

	policies := s.GetPolicies(context.Background())
	assert.Contains(t, policies, "customers")
}

func TestGetPolicies_ConcurrentColdStartLoadsOnce(t *testing.T) {
	loader := &stubLoader{
		policies: map[string]Definition{"widgets": {TableName: "widgets", TenantColumn: "org_id"}},
		delay:    20 * time.Millisecond,
	}
	s := NewStore(loader, 0, true, zap.NewNop())

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			assert.Contains(t, s.GetPolicies(context.Background()), "widgets")
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(1), loader.calls.Load())
}

func TestClear_ForcesReload(t *testing.T) {
	loader := &stubLoader{policies: map[string]Definition{
		"widgets": {TableName: "widgets", TenantColumn: "org_id"},
	}}
	s := NewStore(loader, 0, true, zap.NewNop())

	s.GetPolicies(context.Background())
	assert.Equal(t, int64(1), loader.calls.Load())

	s.Clear()
	s.GetPolicies(context.Background())
	assert.Equal(t, int64(2), loader.calls.Load())
}

func TestGetPolicies_CallersGetIndependentCopies(t *testing.T) {
	loader := &stubLoader{policies: map[string]Definition{
		"widgets": {TableName: "widgets", TenantColumn: "org_id"},
	}}
	s := NewStore(loader, 0, true, zap.NewNop())

	first := s.GetPolicies(context.Background())
	first["widgets"] = Definition{TableName: "widgets", TenantColumn: "tampered"}

	second := s.GetPolicies(context.Background())
	assert.Equal(t, "org_id", second["widgets"].TenantColumn)
}
