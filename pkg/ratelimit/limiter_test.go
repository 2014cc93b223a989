package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// testEpoch is aligned to every standard window size so window math in the
// tests below starts at an exact boundary. The store clock is pinned to it
// with mr.SetTime, which is what miniredis's TIME command reports.
var testEpoch = time.Unix(1_700_006_400, 0)

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	mr.SetTime(testEpoch)

	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	store := newStoreFromClient(client)
	limiter := New(store, Config{KeyPrefix: "ratelimit-test"})
	return limiter, mr
}

func TestCheck_FixedWindow_AllowsUpToLimitThenDenies(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()
	rate := RateSpec{Count: 3, WindowSeconds: 60}

	for i := 0; i < 3; i++ {
		require.NoError(t, limiter.Check(ctx, "user-1", rate))
	}

	err := limiter.Check(ctx, "user-1", rate)
	require.Error(t, err)
	var exceeded *RateLimitExceeded
	require.ErrorAs(t, err, &exceeded)
	require.Equal(t, int64(0), exceeded.Remaining)
	require.GreaterOrEqual(t, exceeded.RetryAfter.Seconds(), 1.0)
	require.Equal(t, int64(3), exceeded.Limit)
	require.Equal(t, int64(60), exceeded.WindowSeconds)
}

func TestCheckWithInfo_DenialReturnsResultAndError(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()
	rate := RateSpec{Count: 1, WindowSeconds: 60}

	req := CheckRequest{Identifier: "user-1b", Rate: rate, Algorithm: AlgorithmFixed, Cost: 1}
	_, err := limiter.CheckWithInfo(ctx, req)
	require.NoError(t, err)

	res, err := limiter.CheckWithInfo(ctx, req)
	require.Error(t, err)
	require.False(t, res.Allowed)
	require.Equal(t, int64(0), res.Remaining)
	require.GreaterOrEqual(t, res.RetryAfterSeconds, int64(1))
}

func TestCheck_FixedWindow_DenialRollsBackCounter(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()
	rate := RateSpec{Count: 1, WindowSeconds: 60}

	require.NoError(t, limiter.Check(ctx, "user-2", rate))
	require.Error(t, limiter.Check(ctx, "user-2", rate))

	usage, err := limiter.GetUsage(ctx, "user-2", "", rate, AlgorithmFixed)
	require.NoError(t, err)
	fw := usage.(FixedWindowUsage)
	require.Equal(t, int64(1), fw.Current)
}

func TestCheck_FixedWindow_NewWindowStartsFresh(t *testing.T) {
	limiter, mr := newTestLimiter(t)
	ctx := context.Background()
	rate := RateSpec{Count: 2, WindowSeconds: 1}

	require.NoError(t, limiter.Check(ctx, "user-2b", rate))
	require.NoError(t, limiter.Check(ctx, "user-2b", rate))
	require.Error(t, limiter.Check(ctx, "user-2b", rate))

	mr.SetTime(testEpoch.Add(1200 * time.Millisecond))
	require.NoError(t, limiter.Check(ctx, "user-2b", rate))
}

func TestCheck_FixedWindow_DifferentTenantsIsolated(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()
	rate := RateSpec{Count: 1, WindowSeconds: 60}

	req := CheckRequest{Identifier: "user-3", Rate: rate, Algorithm: AlgorithmFixed, Cost: 1}
	req.TenantTag = "tenant-a"
	res, err := limiter.CheckWithInfo(ctx, req)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	req.TenantTag = "tenant-b"
	res, err = limiter.CheckWithInfo(ctx, req)
	require.NoError(t, err)
	require.True(t, res.Allowed)
}

func TestCheck_DifferentIdentifiersIsolated(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()
	rate := RateSpec{Count: 1, WindowSeconds: 60}

	// "a:b" and "a_b" must not share a counter just because ':' doubles
	// as the key separator.
	require.NoError(t, limiter.Check(ctx, "a:b", rate))
	require.NoError(t, limiter.Check(ctx, "a_b", rate))
	require.Error(t, limiter.Check(ctx, "a:b", rate))
}

func TestCheckWithInfo_TokenBucket_RefillsOverTime(t *testing.T) {
	limiter, mr := newTestLimiter(t)
	ctx := context.Background()
	rate := RateSpec{Count: 60, WindowSeconds: 60} // 1 token/sec

	req := CheckRequest{Identifier: "user-4", Rate: rate, Algorithm: AlgorithmBucket, Cost: 60}
	res, err := limiter.CheckWithInfo(ctx, req)
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.Equal(t, int64(0), res.Remaining)

	req.Cost = 1
	res, err = limiter.CheckWithInfo(ctx, req)
	require.Error(t, err)
	require.False(t, res.Allowed)

	mr.SetTime(testEpoch.Add(2 * time.Second))

	res, err = limiter.CheckWithInfo(ctx, req)
	require.NoError(t, err)
	require.True(t, res.Allowed)
}

func TestCheckWithInfo_TokenBucket_DenialDoesNotDeduct(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()
	rate := RateSpec{Count: 10, WindowSeconds: 60}

	req := CheckRequest{Identifier: "user-4b", Rate: rate, Algorithm: AlgorithmBucket, Cost: 8}
	_, err := limiter.CheckWithInfo(ctx, req)
	require.NoError(t, err)

	_, err = limiter.CheckWithInfo(ctx, req)
	require.Error(t, err)

	usage, err := limiter.GetUsage(ctx, "user-4b", "", rate, AlgorithmBucket)
	require.NoError(t, err)
	bu := usage.(BucketUsage)
	require.Equal(t, int64(2), bu.Tokens, "a denied check must not deduct tokens")
}

func TestCheckWithInfo_SlidingWindow_WeightsPreviousBucket(t *testing.T) {
	limiter, mr := newTestLimiter(t)
	ctx := context.Background()
	rate := RateSpec{Count: 10, WindowSeconds: 60}

	req := CheckRequest{Identifier: "user-5", Rate: rate, Algorithm: AlgorithmSliding, Cost: 10}
	res, err := limiter.CheckWithInfo(ctx, req)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	// Right at the rollover the previous window still weighs in fully.
	mr.SetTime(testEpoch.Add(60 * time.Second))
	req.Cost = 5
	res, err = limiter.CheckWithInfo(ctx, req)
	require.Error(t, err)
	require.False(t, res.Allowed)

	// Halfway through the new window the previous bucket's weight has
	// decayed to 500/1000, leaving exactly enough capacity for cost 5.
	mr.SetTime(testEpoch.Add(90 * time.Second))
	res, err = limiter.CheckWithInfo(ctx, req)
	require.NoError(t, err)
	require.True(t, res.Allowed)
}

func TestCheckWithInfo_SlidingWindow_DenialDoesNotIncrement(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()
	rate := RateSpec{Count: 3, WindowSeconds: 60}

	req := CheckRequest{Identifier: "user-5b", Rate: rate, Algorithm: AlgorithmSliding, Cost: 3}
	_, err := limiter.CheckWithInfo(ctx, req)
	require.NoError(t, err)

	req.Cost = 1
	_, err = limiter.CheckWithInfo(ctx, req)
	require.Error(t, err)

	usage, err := limiter.GetUsage(ctx, "user-5b", "", rate, AlgorithmSliding)
	require.NoError(t, err)
	sw := usage.(SlidingWindowUsage)
	require.Equal(t, int64(3), sw.CurrentWindow, "a denied check must not commit to the window counter")
}

func TestCheckWithInfo_CostExceedsLimit_ImmediateDenial(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()
	rate := RateSpec{Count: 10, WindowSeconds: 60}

	req := CheckRequest{Identifier: "user-5c", Rate: rate, Algorithm: AlgorithmFixed, Cost: 15}
	res, err := limiter.CheckWithInfo(ctx, req)
	require.Error(t, err)
	require.False(t, res.Allowed)
	require.Equal(t, int64(0), res.Remaining)

	usage, err := limiter.GetUsage(ctx, "user-5c", "", rate, AlgorithmFixed)
	require.NoError(t, err)
	require.Equal(t, int64(0), usage.(FixedWindowUsage).Current)
}

func TestCheck_Concurrent_AdmitsExactlyLimit(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()
	rate := RateSpec{Count: 50, WindowSeconds: 1}

	const attempts = 200
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- limiter.Check(ctx, "user-6", rate)
		}()
	}
	wg.Wait()
	close(results)

	var admitted, denied int
	for err := range results {
		if err == nil {
			admitted++
			continue
		}
		var exceeded *RateLimitExceeded
		require.ErrorAs(t, err, &exceeded)
		denied++
	}
	require.Equal(t, 50, admitted)
	require.Equal(t, 150, denied)
}

func TestCheckWithInfo_BackendUnavailable_NeverAdmits(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	client := goredis.NewClient(&goredis.Options{Addr: addr})
	limiter := New(newStoreFromClient(client), Config{})

	res, err := limiter.CheckWithInfo(context.Background(), CheckRequest{
		Identifier: "user-7",
		Rate:       RateSpec{Count: 100, WindowSeconds: 60},
	})
	require.Error(t, err)
	var backendErr *BackendError
	require.ErrorAs(t, err, &backendErr)
	require.False(t, res.Allowed)
}

func TestReset_ClearsFixedWindowState(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()
	rate := RateSpec{Count: 1, WindowSeconds: 60}

	require.NoError(t, limiter.Check(ctx, "user-8", rate))
	require.Error(t, limiter.Check(ctx, "user-8", rate))

	require.NoError(t, limiter.Reset(ctx, "user-8", "", AlgorithmFixed))
	require.NoError(t, limiter.Check(ctx, "user-8", rate))
}

func TestReset_All_ClearsEveryAlgorithm(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()
	rate := RateSpec{Count: 1, WindowSeconds: 60}

	for _, alg := range []Algorithm{AlgorithmFixed, AlgorithmBucket, AlgorithmSliding} {
		req := CheckRequest{Identifier: "user-9", Rate: rate, Algorithm: alg, Cost: 1}
		_, err := limiter.CheckWithInfo(ctx, req)
		require.NoError(t, err, alg)
		_, err = limiter.CheckWithInfo(ctx, req)
		require.Error(t, err, alg)
	}

	require.NoError(t, limiter.Reset(ctx, "user-9", "", AlgorithmAll))

	for _, alg := range []Algorithm{AlgorithmFixed, AlgorithmBucket, AlgorithmSliding} {
		_, err := limiter.CheckWithInfo(ctx, CheckRequest{Identifier: "user-9", Rate: rate, Algorithm: alg, Cost: 1})
		require.NoError(t, err, alg)
	}
}

func TestCheck_UsesConfiguredDefaultAlgorithm(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	mr.SetTime(testEpoch)

	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	limiter := New(newStoreFromClient(client), Config{DefaultAlgorithm: "bucket"})
	ctx := context.Background()
	rate := RateSpec{Count: 10, WindowSeconds: 60}

	require.NoError(t, limiter.Check(ctx, "user-10", rate))

	usage, err := limiter.GetUsage(ctx, "user-10", "", rate, AlgorithmBucket)
	require.NoError(t, err)
	require.Equal(t, int64(9), usage.(BucketUsage).Tokens)
}

func TestGetUsage_SlidingReportsWeight(t *testing.T) {
	limiter, mr := newTestLimiter(t)
	ctx := context.Background()
	rate := RateSpec{Count: 10, WindowSeconds: 60}

	req := CheckRequest{Identifier: "user-11", Rate: rate, Algorithm: AlgorithmSliding, Cost: 4}
	_, err := limiter.CheckWithInfo(ctx, req)
	require.NoError(t, err)

	mr.SetTime(testEpoch.Add(90 * time.Second))

	usage, err := limiter.GetUsage(ctx, "user-11", "", rate, AlgorithmSliding)
	require.NoError(t, err)
	sw := usage.(SlidingWindowUsage)
	require.Equal(t, int64(500), sw.Weight)
	require.Equal(t, int64(4), sw.PreviousWindow)
	require.Equal(t, int64(0), sw.CurrentWindow)
	require.Equal(t, int64(2), sw.Current)
	require.Equal(t, int64(8), sw.Remaining)
}

func TestHealth_ReturnsNilWhenStoreReachable(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	require.NoError(t, limiter.Health(context.Background()))
}

func TestCheckWithInfo_RejectsUnknownAlgorithm(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	_, err := limiter.CheckWithInfo(context.Background(), CheckRequest{
		Identifier: "user-12",
		Rate:       RateSpec{Count: 1, WindowSeconds: 60},
		Algorithm:  "nonexistent",
	})
	require.Error(t, err)
	var cfgErr *RateLimitConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestCheckWithInfo_RejectsEmptyIdentifier(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	_, err := limiter.CheckWithInfo(context.Background(), CheckRequest{
		Rate:      RateSpec{Count: 1, WindowSeconds: 60},
		Algorithm: AlgorithmFixed,
	})
	require.Error(t, err)
	var cfgErr *RateLimitConfigError
	require.ErrorAs(t, err, &cfgErr)
}
