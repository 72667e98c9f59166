package policy

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

	"github.com/sqlgate-io/sqlgate/pkg/validation"
)

type stubSchemaSource struct {
	tables []string
	err    error
	delay  time.Duration
	calls  atomic.Int64
}

func (s *stubSchemaSource) ListTables(ctx context.Context) ([]string, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return s.tables, s.err
}

func TestValidateSQL_TableAllowlist(t *testing.T) {
	source := &stubSchemaSource{tables: []string{"customers", "orders", "public.events"}}
	e := NewEnforcer(source, 0, nil, zap.NewNop())

	require.NoError(t, e.ValidateSQL(context.Background(), "SELECT * FROM customers"))
	require.NoError(t, e.ValidateSQL(context.Background(), "SELECT * FROM public.events"))

	err := e.ValidateSQL(context.Background(), "SELECT * FROM pg_shadow")
	require.Error(t, err)
	var verr *ViolationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, validation.ViolationForbiddenTable, verr.Violation.Kind)
	assert.Equal(t, "Access to table 'pg_shadow' is not allowed.", verr.Violation.Message)
}

func TestValidateSQL_CTEAliasMayShadowForbiddenName(t *testing.T) {
	source := &stubSchemaSource{tables: []string{"orders"}}
	e := NewEnforcer(source, 0, nil, zap.NewNop())

	err := e.ValidateSQL(context.Background(),
		"WITH pg_shadow AS (SELECT id FROM orders) SELECT * FROM pg_shadow")
	assert.NoError(t, err)
}

func TestValidateSQL_BlockedFunction(t *testing.T) {
	source := &stubSchemaSource{tables: []string{"t"}}
	e := NewEnforcer(source, 0, nil, zap.NewNop())

	err := e.ValidateSQL(context.Background(), "SELECT pg_read_file('/etc/passwd') FROM t")
	require.Error(t, err)
	var verr *ViolationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, validation.ViolationForbiddenFunction, verr.Violation.Kind)
	assert.Equal(t, "Use of function 'pg_read_file' is not allowed.", verr.Violation.Message)

	// Schema qualification does not bypass the blocklist.
	err = e.ValidateSQL(context.Background(), "SELECT pg_catalog.pg_sleep(60) FROM t")
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, validation.ViolationForbiddenFunction, verr.Violation.Kind)
}

func TestValidateSQL_ParseFailureIsSyntaxViolation(t *testing.T) {
	e := NewEnforcer(&stubSchemaSource{}, 0, nil, zap.NewNop())

	err := e.ValidateSQL(context.Background(), "SELEKT * FORM t")
	var verr *ViolationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, validation.ViolationSyntaxError, verr.Violation.Kind)
}

func TestAllowlist_ConcurrentColdStartLoadsOnce(t *testing.T) {
	source := &stubSchemaSource{tables: []string{"t"}, delay: 20 * time.Millisecond}
	e := NewEnforcer(source, 0, nil, zap.NewNop())

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			assert.NoError(t, e.ValidateSQL(context.Background(), "SELECT 1 FROM t"))
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(1), source.calls.Load())
}

func TestAllowlist_ClearCacheForcesRefresh(t *testing.T) {
	source := &stubSchemaSource{tables: []string{"t"}}
	e := NewEnforcer(source, 0, nil, zap.NewNop())

	require.NoError(t, e.ValidateSQL(context.Background(), "SELECT 1 FROM t"))
	require.NoError(t, e.ValidateSQL(context.Background(), "SELECT 1 FROM t"))
	assert.Equal(t, int64(1), source.calls.Load())

	e.ClearCache()
	require.NoError(t, e.ValidateSQL(context.Background(), "SELECT 1 FROM t"))
	assert.Equal(t, int64(2), source.calls.Load())
}

func TestAllowlist_RefreshFailureRetainsPrevious(t *testing.T) {
	source := &stubSchemaSource{tables: []string{"t"}}
	e := NewEnforcer(source, time.Nanosecond, nil, zap.NewNop())

	// Nanosecond TTL forces a refresh attempt on every call.
	require.NoError(t, e.ValidateSQL(context.Background(), "SELECT 1 FROM t"))

	source.err = errors.New("connection refused")
	assert.NoError(t, e.ValidateSQL(context.Background(), "SELECT 1 FROM t"))
}

func TestAllowlist_ColdFailureIsAnError(t *testing.T) {
	source := &stubSchemaSource{err: errors.New("connection refused")}
	e := NewEnforcer(source, 0, nil, zap.NewNop())

	err := e.ValidateSQL(context.Background(), "SELECT 1 FROM t")
	require.Error(t, err)
	var verr *ViolationError
	assert.False(t, errors.As(err, &verr))
}
