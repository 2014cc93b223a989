package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Limiter is the uniform facade over the three admission algorithms: check,
// check_with_info, reset, get_usage, health. It holds no per-request state;
// a check is one clock read plus one script call against the shared store
// (on a NOSCRIPT cache miss, plus one reload and one retry of the script).
type Limiter struct {
	store      *Store
	clock      ClockSource
	prefix     string
	defaultAlg Algorithm
}

// New builds a Limiter over an already-constructed Store. Callers that
// load Config from the environment typically build the Store with
// NewStore(cfg.RedisURL, ...) first.
func New(store *Store, cfg Config) *Limiter {
	return &Limiter{
		store:      store,
		clock:      newStoreClock(store),
		prefix:     cfg.keyPrefix(),
		defaultAlg: cfg.defaultAlgorithm(),
	}
}

// Connect dials the underlying store. Safe to call from multiple
// goroutines; only the first dial takes effect.
func (l *Limiter) Connect(ctx context.Context) error {
	return l.store.Connect(ctx)
}

// Close tears down the underlying store's connection pool.
func (l *Limiter) Close() error {
	return l.store.Close()
}

// Check runs one admission decision under the configured default algorithm
// with cost 1, and returns nil if the request is admitted, or a
// *RateLimitExceeded if it is denied. A *BackendError means the decision
// could not be made at all; it is never mistaken for an admission.
func (l *Limiter) Check(ctx context.Context, identifier string, rate RateSpec) error {
	_, err := l.CheckWithInfo(ctx, CheckRequest{Identifier: identifier, Rate: rate, Cost: 1})
	return err
}

// CheckWithInfo runs one admission decision using the full request
// (explicit algorithm, tenant tag, cost). Whenever a decision is made it
// returns the usage snapshot, even when the request is denied, so a caller can build a
// complete response in a single call; on denial it additionally returns a
// *RateLimitExceeded populated from the same script result, so the error
// path alone carries everything a 429 response needs.
func (l *Limiter) CheckWithInfo(ctx context.Context, req CheckRequest) (CheckResult, error) {
	if req.Algorithm == "" {
		req.Algorithm = l.defaultAlg
	}
	if !req.Algorithm.valid() {
		return CheckResult{}, &RateLimitConfigError{Message: fmt.Sprintf("unknown algorithm %q", req.Algorithm)}
	}
	if req.Rate.Count < 0 {
		return CheckResult{}, &RateLimitConfigError{Message: "negative rate count"}
	}
	if req.Rate.WindowSeconds <= 0 {
		return CheckResult{}, &RateLimitConfigError{Message: "non-positive rate window"}
	}
	if req.Identifier == "" {
		return CheckResult{}, &RateLimitConfigError{Message: "empty identifier"}
	}
	if req.TenantTag == "" {
		req.TenantTag = "default"
	}

	now, err := l.clock.NowMillis(ctx)
	if err != nil {
		return CheckResult{}, err
	}

	res, err := l.dispatch(ctx, l.prefix, req, now)
	if err != nil {
		return CheckResult{}, err
	}
	if !res.Allowed {
		// A denial reports zero budget: the request was not admitted, so
		// from the caller's side nothing of its allotment is spendable now.
		res.Remaining = 0
		retryAfter := res.RetryAfterSeconds
		if retryAfter < 1 {
			retryAfter = 1
		}
		res.RetryAfterSeconds = retryAfter
		return res, &RateLimitExceeded{
			RetryAfter:    time.Duration(retryAfter) * time.Second,
			LimitText:     req.Rate.Text(),
			Remaining:     0,
			Limit:         res.Limit,
			WindowSeconds: res.WindowSeconds,
		}
	}
	return res, nil
}

// Reset clears the stored state for one identifier. algorithm selects
// which algorithm's keys to clear; "all" clears every algorithm's state
// across every standard window size, since reset is a rare administrative
// operation where the cost of a wider sweep is acceptable. An empty
// tenantTag addresses the same "default" tenant that Check writes to.
func (l *Limiter) Reset(ctx context.Context, identifier string, tenantTag string, algorithm Algorithm) error {
	if tenantTag == "" {
		tenantTag = "default"
	}
	switch algorithm {
	case AlgorithmFixed:
		return l.resetFixed(ctx, identifier, tenantTag)
	case AlgorithmBucket:
		return l.store.Del(ctx, bucketKey(l.prefix, identifier, tenantTag))
	case AlgorithmSliding:
		return l.resetSliding(ctx, identifier, tenantTag)
	case AlgorithmAll:
		if err := l.resetFixed(ctx, identifier, tenantTag); err != nil {
			return err
		}
		if err := l.store.Del(ctx, bucketKey(l.prefix, identifier, tenantTag)); err != nil {
			return err
		}
		return l.resetSliding(ctx, identifier, tenantTag)
	default:
		return &RateLimitConfigError{Message: fmt.Sprintf("unknown algorithm %q", algorithm)}
	}
}

func (l *Limiter) resetFixed(ctx context.Context, identifier, tenantTag string) error {
	now, err := l.clock.NowMillis(ctx)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(standardWindows))
	for _, w := range standardWindows {
		windowMillis := w * 1000
		windowStart := now - (now % windowMillis)
		keys = append(keys, fixedWindowKey(l.prefix, identifier, tenantTag, windowStart/1000))
	}
	return l.store.Del(ctx, keys...)
}

func (l *Limiter) resetSliding(ctx context.Context, identifier, tenantTag string) error {
	now, err := l.clock.NowMillis(ctx)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(standardWindows)*2)
	for _, w := range standardWindows {
		windowMillis := w * 1000
		windowStart := now - (now % windowMillis)
		current, previous := slidingKeys(l.prefix, identifier, tenantTag, windowStart/1000, (windowStart-windowMillis)/1000)
		keys = append(keys, current, previous)
	}
	return l.store.Del(ctx, keys...)
}

// GetUsage projects the current usage for one identifier under one
// algorithm and rate, without performing an admission decision: it never
// increments or decrements any stored counter. An empty tenantTag
// addresses the same "default" tenant that Check writes to.
func (l *Limiter) GetUsage(ctx context.Context, identifier, tenantTag string, rate RateSpec, algorithm Algorithm) (interface{}, error) {
	if tenantTag == "" {
		tenantTag = "default"
	}
	now, err := l.clock.NowMillis(ctx)
	if err != nil {
		return nil, err
	}
	windowMillis := rate.WindowSeconds * 1000

	switch algorithm {
	case AlgorithmFixed:
		windowStart := now - (now % windowMillis)
		key := fixedWindowKey(l.prefix, identifier, tenantTag, windowStart/1000)
		current, err := l.store.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		current /= Scale
		ttl, err := l.store.PTTL(ctx, key)
		if err != nil {
			return nil, err
		}
		remaining := rate.Count - current
		if remaining < 0 {
			remaining = 0
		}
		return FixedWindowUsage{
			Current:       current,
			Limit:         rate.Count,
			Remaining:     remaining,
			TTL:           ttl,
			WindowSeconds: rate.WindowSeconds,
		}, nil

	case AlgorithmBucket:
		key := bucketKey(l.prefix, identifier, tenantTag)
		data, err := l.store.HGetAll(ctx, key)
		if err != nil {
			return nil, err
		}
		tokens := rate.Count
		if len(data) > 0 {
			tokens = projectBucketTokens(data, rate, now) / Scale
		}
		ttl, err := l.store.PTTL(ctx, key)
		if err != nil {
			return nil, err
		}
		return BucketUsage{
			Tokens:        tokens,
			Limit:         rate.Count,
			Remaining:     tokens,
			TTL:           ttl,
			WindowSeconds: rate.WindowSeconds,
		}, nil

	case AlgorithmSliding:
		windowStart := now - (now % windowMillis)
		previousStart := windowStart - windowMillis
		currentKey, previousKey := slidingKeys(l.prefix, identifier, tenantTag, windowStart/1000, previousStart/1000)
		current, err := l.store.Get(ctx, currentKey)
		if err != nil {
			return nil, err
		}
		previous, err := l.store.Get(ctx, previousKey)
		if err != nil {
			return nil, err
		}
		current /= Scale
		previous /= Scale
		elapsed := now - windowStart
		prevWeight := ((windowMillis - elapsed) * Scale) / windowMillis
		weighted := current + (previous*prevWeight)/Scale
		remaining := rate.Count - weighted
		if remaining < 0 {
			remaining = 0
		}
		ttl, err := l.store.PTTL(ctx, currentKey)
		if err != nil {
			return nil, err
		}
		return SlidingWindowUsage{
			Current:        weighted,
			Limit:          rate.Count,
			Remaining:      remaining,
			CurrentWindow:  current,
			PreviousWindow: previous,
			Weight:         prevWeight,
			WindowSeconds:  rate.WindowSeconds,
			TTL:            ttl,
		}, nil

	default:
		return nil, &RateLimitConfigError{Message: fmt.Sprintf("unknown algorithm %q", algorithm)}
	}
}

// Health verifies the store is reachable and able to run scripts. It is
// the only facade call that is not keyed to an identifier.
func (l *Limiter) Health(ctx context.Context) error {
	return l.store.Ping(ctx)
}

func projectBucketTokens(data map[string]string, rate RateSpec, nowMillis int64) int64 {
	tokens := parseScaledField(data["tokens"], rate.Count*Scale)
	lastRefill := parseScaledField(data["last_refill_ms"], nowMillis)
	refillRateScaled := (rate.Count * Scale) / rate.WindowSeconds

	elapsed := nowMillis - lastRefill
	if elapsed < 0 {
		elapsed = 0
	}
	projected := tokens + (refillRateScaled*elapsed)/1000
	maxScaled := rate.Count * Scale
	if projected > maxScaled {
		projected = maxScaled
	}
	return projected
}

func parseScaledField(raw string, fallback int64) int64 {
	if raw == "" {
		return fallback
	}
	var n int64
	if _, err := fmt.Sscanf(raw, "%d", &n); err != nil {
		return fallback
	}
	return n
}
