// Package ratelimit is a distributed rate-limiting core: three admission
// algorithms (fixed window, token bucket, weighted sliding window), each
// implemented as a single atomic Redis Lua script, driven through a uniform
// facade.
//
// All arithmetic that happens inside a script is integer arithmetic on
// values scaled by 1000 (see Scale), so two application instances written in
// different languages against the same script reach bit-identical decisions.
// The usage projections returned by GetUsage are integers as well; no
// floating point value feeds the admission decision.
//
// Usage:
//
//	store, err := ratelimit.NewStore(cfg.RedisURL, cfg.ConnectionTimeout, cfg.SocketTimeout, cfg.MaxConnections)
//	limiter := ratelimit.New(store, cfg)
//	if err := limiter.Connect(ctx); err != nil { ... }
//
//	rate, _ := ratelimit.ParseRate("100/minute")
//	if err := limiter.Check(ctx, "user-42", rate); err != nil {
//		var exceeded *ratelimit.RateLimitExceeded
//		if errors.As(err, &exceeded) {
//			// translate to HTTP 429 using exceeded.RetryAfter etc.
//		}
//	}
package ratelimit

import "time"

// Scale is the fixed-point multiplier applied to every external integer
// before it is handed to a script, and divided back out of every result.
const Scale = 1000

// Algorithm is the closed set of admission strategies the dispatcher knows
// how to run. It is a tagged variant, not an open string: dispatch is an
// exhaustive switch, never a registry lookup.
type Algorithm string

const (
	AlgorithmFixed   Algorithm = "fixed"
	AlgorithmBucket  Algorithm = "bucket"
	AlgorithmSliding Algorithm = "sliding"

	// AlgorithmAll is accepted only by Reset, which sweeps every
	// algorithm's state. It is never a valid admission algorithm.
	AlgorithmAll Algorithm = "all"
)

func (a Algorithm) valid() bool {
	switch a {
	case AlgorithmFixed, AlgorithmBucket, AlgorithmSliding:
		return true
	}
	return false
}

// standardWindows are the window sizes reset("all") sweeps for the
// fixed-window and sliding-window algorithms, since those algorithms key
// state by window boundary and a caller resetting "all" doesn't necessarily
// know which window size was in effect when the state was written.
var standardWindows = []int64{1, 60, 3600, 86400}

// CheckRequest is the input to one admission decision.
type CheckRequest struct {
	Identifier string
	TenantTag  string
	Rate       RateSpec
	Algorithm  Algorithm
	Cost       int64
}

// CheckResult is the decision and usage snapshot returned by a check. It is
// never stored; it exists only to answer the one call that produced it.
type CheckResult struct {
	Allowed           bool
	Limit             int64
	Remaining         int64
	RetryAfterSeconds int64
	WindowSeconds     int64
}

// FixedWindowUsage is the usage projection get_usage returns for the fixed
// window algorithm.
type FixedWindowUsage struct {
	Current       int64
	Limit         int64
	Remaining     int64
	TTL           time.Duration
	WindowSeconds int64
}

// BucketUsage is the usage projection get_usage returns for the token
// bucket algorithm. Tokens is projected through the refill formula up to
// the moment of the call, not the last time the bucket was written.
type BucketUsage struct {
	Tokens        int64
	Limit         int64
	Remaining     int64
	TTL           time.Duration
	WindowSeconds int64
}

// SlidingWindowUsage is the usage projection get_usage returns for the
// weighted sliding window algorithm. Weight is the integer 0-1000 scale
// used by the script itself, never a float.
type SlidingWindowUsage struct {
	Current         int64
	Limit           int64
	Remaining       int64
	CurrentWindow   int64
	PreviousWindow  int64
	Weight          int64
	WindowSeconds   int64
	TTL             time.Duration
}
