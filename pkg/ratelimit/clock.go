package ratelimit

import "context"

// ClockSource supplies the wall-clock time an admission decision is judged
// against. Every algorithm reads time through this interface rather than
// time.Now so that every application instance, regardless of host clock
// skew, agrees on the same window boundaries: each check reads this clock
// once and hands the reading to the script as now_ms, and the Go-side
// helpers (usage projection, reset) read the same clock.
type ClockSource interface {
	// NowMillis returns the current time in milliseconds, sourced from the
	// shared store, not the local host.
	NowMillis(ctx context.Context) (int64, error)
}

// storeClock is the production ClockSource, backed by the Redis TIME
// command via Store.
type storeClock struct {
	store *Store
}

func newStoreClock(store *Store) ClockSource {
	return &storeClock{store: store}
}

func (c *storeClock) NowMillis(ctx context.Context) (int64, error) {
	return c.store.TimeMillis(ctx)
}
