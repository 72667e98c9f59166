package apperrors

import (
	"errors"
	"fmt"
)

var (
	// ErrMutationBlocked is returned by the read-only guard when a statement
	// would mutate data or schema. It is a permission-denied condition, not a
	// validation result, and short-circuits before any database I/O.
	ErrMutationBlocked = errors.New("statement blocked: mutation not permitted on read-only connection")

	// ErrEmptyStatement indicates the input contained no SQL after trimming.
	ErrEmptyStatement = errors.New("empty SQL statement")

	// ErrProviderUnsupported indicates an enforcement mode was configured for
	// a provider that does not support it. Detected at construction time.
	ErrProviderUnsupported = errors.New("enforcement mode not supported by provider")

	// ErrInjectionDetected indicates a bound parameter value matched a SQL
	// injection fingerprint.
	ErrInjectionDetected = errors.New("potential SQL injection detected in parameter value")
)

// ConfigurationError reports an invalid setting detected eagerly, at load
// or construction time, so misconfiguration surfaces at startup instead of
// on the first request.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}
