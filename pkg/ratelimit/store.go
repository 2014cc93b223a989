package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chris-alexander-pop/ratelimit-core/pkg/logger"
	goredis "github.com/redis/go-redis/v9"
)

// Store wraps a Redis client with the two pieces of behavior the
// algorithms actually need on top of a bare Cmdable: idempotent
// connection lifecycle, and script execution that survives a cache flush
// without the caller ever seeing a NOSCRIPT error.
type Store struct {
	opts   *goredis.Options
	rawURL string

	client goredis.UniversalClient

	connectOnce sync.Once
	connectErr  error

	closeOnce sync.Once
	closeErr  error
}

// NewStore parses a Redis connection URL ("redis://", "rediss://", or
// "unix://") into client options but does not dial: Connect does that, and
// only once regardless of how many goroutines call it concurrently.
func NewStore(redisURL string, connectTimeout, socketTimeout time.Duration, maxConnections int) (*Store, error) {
	opts, err := parseRedisURL(redisURL)
	if err != nil {
		return nil, &RateLimitConfigError{Message: fmt.Sprintf("invalid redis url: %v", err)}
	}
	opts.DialTimeout = connectTimeout
	opts.ReadTimeout = socketTimeout
	opts.WriteTimeout = socketTimeout
	opts.PoolSize = maxConnections

	return &Store{opts: opts, rawURL: redisURL}, nil
}

// newStoreFromClient wraps an already-constructed client, used by tests
// that hand Store a miniredis-backed client directly instead of a URL.
func newStoreFromClient(client goredis.UniversalClient) *Store {
	s := &Store{client: client}
	s.connectOnce.Do(func() {})
	return s
}

func parseRedisURL(raw string) (*goredis.Options, error) {
	if strings.HasPrefix(raw, "unix://") {
		return &goredis.Options{Network: "unix", Addr: strings.TrimPrefix(raw, "unix://")}, nil
	}
	return goredis.ParseURL(raw)
}

// Connect dials the pool, verifies it with a ping and uploads every script
// once. Concurrent callers all block on the same dial and receive the same
// result; only one pool is ever opened.
func (s *Store) Connect(ctx context.Context) error {
	s.connectOnce.Do(func() {
		client := goredis.NewClient(s.opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			s.connectErr = &BackendError{Err: err}
			return
		}
		for _, script := range []*goredis.Script{fixedWindowScript, tokenBucketScript, slidingWindowScript, healthScript} {
			if err := script.Load(ctx, client).Err(); err != nil {
				_ = client.Close()
				s.connectErr = &BackendError{Err: err}
				return
			}
		}
		s.client = client
		logger.L().Info("ratelimit store connected", "addr", logger.Redact(s.rawURL))
	})
	return s.connectErr
}

// Close tears down the pool exactly once.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		if closer, ok := s.client.(interface{ Close() error }); ok && closer != nil {
			s.closeErr = closer.Close()
		}
	})
	return s.closeErr
}

// Ping verifies connectivity and scripting capability in a single round
// trip.
func (s *Store) Ping(ctx context.Context) error {
	if _, err := s.runScript(ctx, healthScript, nil); err != nil {
		return err
	}
	return nil
}

// TimeMillis returns the store's wall clock in milliseconds. It is the
// now_ms every admission script receives, and the clock Go-side usage
// projections and resets align to.
func (s *Store) TimeMillis(ctx context.Context) (int64, error) {
	res, err := s.client.Time(ctx).Result()
	if err != nil {
		return 0, &BackendError{Err: err}
	}
	return res.UnixMilli(), nil
}

// Del removes the given keys, ignoring a missing key. Used by reset.
func (s *Store) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return &BackendError{Err: err}
	}
	return nil
}

// Get reads a raw counter value, returning 0 if the key is absent. Used by
// get_usage to project fixed-window and sliding-window state without
// running a script.
func (s *Store) Get(ctx context.Context, key string) (int64, error) {
	v, err := s.client.Get(ctx, key).Result()
	if err == goredis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, &BackendError{Err: err}
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, &BackendError{Err: err}
	}
	return n, nil
}

// PTTL returns the remaining TTL of a key in milliseconds, or 0 if the key
// has no TTL or does not exist.
func (s *Store) PTTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, &BackendError{Err: err}
	}
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

// HGetAll reads a hash, used by get_usage to project token bucket state.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, &BackendError{Err: err}
	}
	return m, nil
}

// runScript executes a *goredis.Script via EVALSHA, transparently
// re-uploading and retrying exactly once if the store reports the script
// is no longer cached. This is deliberately not goredis.Script.Run's own
// EVALSHA-falls-back-to-EVAL behavior: that path re-sends the full script
// body on every cache miss, whereas this one re-registers the hash so
// subsequent calls stay on EVALSHA.
func (s *Store) runScript(ctx context.Context, script *goredis.Script, keys []string, args ...interface{}) (interface{}, error) {
	res, err := script.EvalSha(ctx, s.client, keys, args...).Result()
	if err == nil {
		return res, nil
	}
	if !isNoScript(err) {
		return nil, &BackendError{Err: err}
	}

	if _, loadErr := script.Load(ctx, s.client).Result(); loadErr != nil {
		return nil, &BackendError{Err: loadErr}
	}
	res, err = script.EvalSha(ctx, s.client, keys, args...).Result()
	if err != nil {
		return nil, &BackendError{Err: err}
	}
	return res, nil
}

func isNoScript(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "NOSCRIPT")
}

// admissionResultLen is the fixed shape every admission script must
// return: (allowed, remaining_scaled, retry_after_ms). Anything else is a
// backend failure, not a decision.
const admissionResultLen = 3

// runScriptInt64Slice is a convenience wrapper for the three admission
// scripts, all of which return the triple (allowed, remaining, retry_after_ms).
func (s *Store) runScriptInt64Slice(ctx context.Context, script *goredis.Script, keys []string, args ...interface{}) ([]int64, error) {
	res, err := s.runScript(ctx, script, keys, args...)
	if err != nil {
		return nil, err
	}
	raw, ok := res.([]interface{})
	if !ok || len(raw) != admissionResultLen {
		return nil, &BackendError{Err: fmt.Errorf("unexpected script result shape %T (want %d-element array)", res, admissionResultLen)}
	}
	out := make([]int64, len(raw))
	for i, v := range raw {
		n, ok := v.(int64)
		if !ok {
			return nil, &BackendError{Err: fmt.Errorf("unexpected script result element %T at %d", v, i)}
		}
		out[i] = n
	}
	return out, nil
}
