package sql

import (
	"fmt"

	libinjection "github.com/corazawaf/libinjection-go"
)

// InjectionFinding describes one parameter value flagged by the injection
// screen.
type InjectionFinding struct {
	Fingerprint string // libinjection fingerprint of the detected pattern
	ParamName   string
	ParamValue  any
}

// CheckParameters screens predicate values for SQL injection patterns. Values
// are always bound as parameters so they cannot alter the statement, but a
// flagged value almost always means a misconfigured model or a hostile
// caller, and is worth rejecting loudly.
//
// Only string values are checked; numbers and booleans cannot carry injection
// patterns.
func CheckParameters(modelName string, params []any) []InjectionFinding {
	var findings []InjectionFinding
	for i, value := range params {
		str, ok := value.(string)
		if !ok {
			continue
		}
		if isSQLi, fingerprint := libinjection.IsSQLi(str); isSQLi {
			findings = append(findings, InjectionFinding{
				Fingerprint: string(fingerprint),
				ParamName:   fmt.Sprintf("%s[$%d]", modelName, i+1),
				ParamValue:  value,
			})
		}
	}
	return findings
}
