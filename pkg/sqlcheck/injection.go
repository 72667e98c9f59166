// Package sqlcheck screens caller-supplied parameter values for SQL
// injection patterns before they are bound. Bound parameters never reach
// the SQL text, but a value that is itself an injection payload is still
// worth flagging for audit.
package sqlcheck

import (
	libinjection "github.com/corazawaf/libinjection-go"
)

// InjectionCheckResult describes one parameter value that tripped the
// injection detector.
type InjectionCheckResult struct {
	IsSQLi      bool   // true when an injection pattern was detected
	Fingerprint string // libinjection fingerprint of the pattern
	ParamName   string // parameter that failed the check
	ParamValue  any    // the value that was checked
}

// CheckParameterForInjection runs libinjection over a single parameter
// value. Only strings are checked; numbers, booleans, and nil cannot carry
// injection payloads and return nil.
func CheckParameterForInjection(paramName string, value any) *InjectionCheckResult {
	strValue, ok := value.(string)
	if !ok {
		return nil
	}

	isSQLi, fingerprint := libinjection.IsSQLi(strValue)
	if isSQLi {
		return &InjectionCheckResult{
			IsSQLi:      true,
			Fingerprint: string(fingerprint),
			ParamName:   paramName,
			ParamValue:  value,
		}
	}

	return nil
}

// CheckAllParameters screens every parameter and returns one result per
// flagged value. An empty slice means all parameters are clean.
func CheckAllParameters(params map[string]any) []*InjectionCheckResult {
	var results []*InjectionCheckResult
	for name, value := range params {
		if result := CheckParameterForInjection(name, value); result != nil {
			results = append(results, result)
		}
	}
	return results
}
