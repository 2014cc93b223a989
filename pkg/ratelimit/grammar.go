package ratelimit

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// RateSpec is a parsed rate budget: admit at most Count requests per
// WindowSeconds. It is an immutable value derived from a textual rate, not a
// live counter.
type RateSpec struct {
	Count         int64
	WindowSeconds int64
}

// rateGrammar accepts "<integer>/<period>", case-insensitive, with outer
// whitespace trimmed. The leading sign is captured (but not part of the
// public grammar) purely so ParseRate can reject a negative count with a
// specific message instead of a generic no-match.
var rateGrammar = regexp.MustCompile(`(?i)^(-?\d+)/(second|seconds|minute|minutes|hour|hours|day|days)$`)

// ParseRate parses a textual rate such as "100/minute" into a RateSpec.
// Unknown period, missing slash, missing number, non-digit count, or
// negative count all fail with a RateLimitConfigError naming the bad input.
func ParseRate(text string) (RateSpec, error) {
	trimmed := strings.TrimSpace(text)
	m := rateGrammar.FindStringSubmatch(trimmed)
	if m == nil {
		return RateSpec{}, &RateLimitConfigError{Message: fmt.Sprintf("unparsable rate %q", text)}
	}

	count, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return RateSpec{}, &RateLimitConfigError{Message: fmt.Sprintf("non-numeric count in rate %q", text)}
	}
	if count < 0 {
		return RateSpec{}, &RateLimitConfigError{Message: fmt.Sprintf("negative count in rate %q", text)}
	}

	window, err := periodSeconds(strings.ToLower(m[2]))
	if err != nil {
		return RateSpec{}, &RateLimitConfigError{Message: fmt.Sprintf("unknown period in rate %q", text)}
	}

	return RateSpec{Count: count, WindowSeconds: window}, nil
}

func periodSeconds(period string) (int64, error) {
	switch period {
	case "second", "seconds":
		return 1, nil
	case "minute", "minutes":
		return 60, nil
	case "hour", "hours":
		return 3600, nil
	case "day", "days":
		return 86400, nil
	default:
		return 0, fmt.Errorf("unknown period %q", period)
	}
}

// Text renders the canonical textual form of the rate, used in rejection
// messages and anywhere a human-readable limit needs to travel with a
// decision (e.g. an HTTP response header built by a calling adapter).
func (r RateSpec) Text() string {
	switch r.WindowSeconds {
	case 1:
		return fmt.Sprintf("%d/second", r.Count)
	case 60:
		return fmt.Sprintf("%d/minute", r.Count)
	case 3600:
		return fmt.Sprintf("%d/hour", r.Count)
	case 86400:
		return fmt.Sprintf("%d/day", r.Count)
	default:
		return fmt.Sprintf("%d/%ds", r.Count, r.WindowSeconds)
	}
}
