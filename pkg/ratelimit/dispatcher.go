package ratelimit

import (
	"context"
	"fmt"
)

// dispatch runs the admission script matching req.Algorithm and converts
// its raw integer result into a CheckResult. It is the one place that
// knows how the three scripts' fixed-shape return arrays map to a
// CheckResult, so limiter.go stays free of Lua-array-index bookkeeping.
func (l *Limiter) dispatch(ctx context.Context, prefix string, req CheckRequest, nowMillis int64) (CheckResult, error) {
	maxScaled := req.Rate.Count * Scale
	cost := req.Cost
	if cost <= 0 {
		cost = 1
	}
	costScaled := cost * Scale
	windowMillis := req.Rate.WindowSeconds * 1000

	switch req.Algorithm {
	case AlgorithmFixed:
		key := fixedWindowKey(prefix, req.Identifier, req.TenantTag, (nowMillis-(nowMillis%windowMillis))/1000)
		res, err := l.store.runScriptInt64Slice(ctx, fixedWindowScript, []string{key},
			maxScaled, windowMillis, costScaled, nowMillis)
		if err != nil {
			return CheckResult{}, err
		}
		return CheckResult{
			Allowed:           res[0] == 1,
			Limit:             req.Rate.Count,
			Remaining:         res[1] / Scale,
			RetryAfterSeconds: msToSeconds(res[2]),
			WindowSeconds:     req.Rate.WindowSeconds,
		}, nil

	case AlgorithmBucket:
		refillRateScaled := (req.Rate.Count * Scale) / req.Rate.WindowSeconds
		key := bucketKey(prefix, req.Identifier, req.TenantTag)
		res, err := l.store.runScriptInt64Slice(ctx, tokenBucketScript, []string{key},
			maxScaled, refillRateScaled, costScaled, nowMillis, req.Rate.WindowSeconds)
		if err != nil {
			return CheckResult{}, err
		}
		return CheckResult{
			Allowed:           res[0] == 1,
			Limit:             req.Rate.Count,
			Remaining:         res[1] / Scale,
			RetryAfterSeconds: msToSeconds(res[2]),
			WindowSeconds:     req.Rate.WindowSeconds,
		}, nil

	case AlgorithmSliding:
		windowStart := nowMillis - (nowMillis % windowMillis)
		previousStart := windowStart - windowMillis
		currentKey, previousKey := slidingKeys(prefix, req.Identifier, req.TenantTag, windowStart/1000, previousStart/1000)
		res, err := l.store.runScriptInt64Slice(ctx, slidingWindowScript, []string{currentKey, previousKey},
			maxScaled, windowMillis, costScaled, nowMillis)
		if err != nil {
			return CheckResult{}, err
		}
		return CheckResult{
			Allowed:           res[0] == 1,
			Limit:             req.Rate.Count,
			Remaining:         res[1] / Scale,
			RetryAfterSeconds: msToSeconds(res[2]),
			WindowSeconds:     req.Rate.WindowSeconds,
		}, nil

	default:
		return CheckResult{}, &RateLimitConfigError{Message: fmt.Sprintf("unknown algorithm %q", req.Algorithm)}
	}
}

func msToSeconds(ms int64) int64 {
	if ms <= 0 {
		return 0
	}
	return (ms + 999) / 1000
}
