// Package roboppi holds small helpers shared across agentcore's packages:
// the workflow/step duration grammar (§6) and the ROBOPPI_/AGENTCORE_
// environment variable alias mirror.
package roboppi

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	agerrors "github.com/roboppi/agentcore/pkg/errors"
)

var durationPattern = regexp.MustCompile(`^(?:(\d+)h)?(?:(\d+)m)?(?:(\d+)s)?(?:(\d+)ms)?$`)

// ParseDuration parses the grammar `(Nh)?(Nm)?(Ns)?(Nms)?`, requiring at
// least one positive unit. An empty string, a string with no matched
// units, or a string whose total resolves to zero is an error.
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, invalidDuration(s, "empty duration string")
	}

	m := durationPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, invalidDuration(s, "does not match (Nh)?(Nm)?(Ns)?(Nms)? grammar")
	}

	// All groups empty means the regex matched the empty alternative,
	// which is only possible for s == "" (already handled above) unless
	// every group failed to capture any digits — reject that too.
	if m[1] == "" && m[2] == "" && m[3] == "" && m[4] == "" {
		return 0, invalidDuration(s, "no unit present")
	}

	var total time.Duration
	for i, unit := range []time.Duration{time.Hour, time.Minute, time.Second, time.Millisecond} {
		g := m[i+1]
		if g == "" {
			continue
		}
		n, err := strconv.ParseInt(g, 10, 64)
		if err != nil {
			return 0, invalidDuration(s, "unit value overflow")
		}
		total += time.Duration(n) * unit
	}

	if total <= 0 {
		return 0, invalidDuration(s, "total duration must be positive")
	}

	return total, nil
}

// MustParseDuration panics on a malformed duration. Reserved for
// compiled-in defaults, never for user/workflow input.
func MustParseDuration(s string) time.Duration {
	d, err := ParseDuration(s)
	if err != nil {
		panic(err)
	}
	return d
}

func invalidDuration(s, reason string) error {
	return &agerrors.ValidationError{
		Field:      "duration",
		Message:    fmt.Sprintf("invalid duration %q: %s", s, reason),
		Suggestion: `use the grammar (Nh)?(Nm)?(Ns)?(Nms)?, e.g. "1h2m3s" or "500ms"`,
	}
}
