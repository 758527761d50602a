// Package cache stores the two pieces of short-lived state the routing
// engine must share across requests without going back to either database:
// deferred stage-1 sub-plans ("lateroute/stage1-...") and per-extension
// in-progress call counters consulted for call-waiting decisions.
package cache

import (
	"context"
	"time"
)

// RoutingCache stores the intermediate routing results a Tree computed for
// its deferred sub-plans, so the switch's second pass through
// "lateroute/stage1-..." doesn't have to recompute the whole tree.
type RoutingCache interface {
	// Put stores value under key for the given lifetime.
	Put(ctx context.Context, key string, value []byte, lifetime time.Duration) error

	// Get returns the value stored under key, or ErrCacheMiss if absent or
	// expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes key, if present.
	Delete(ctx context.Context, key string) error
}

// BusyCache counts concurrent in-progress calls per extension, driven by
// call-detail-record events (see CDRHandler): initialize increments,
// finalize decrements, and an extension is busy while its counter is
// positive.
type BusyCache interface {
	// Increment records one more in-progress call for extension.
	Increment(ctx context.Context, extension string) error

	// Decrement records the end of one in-progress call for extension.
	// The counter never goes below zero.
	Decrement(ctx context.Context, extension string) error

	// IsBusy reports whether extension's counter is currently positive.
	IsBusy(ctx context.Context, extension string) (bool, error)

	// BusyStatus returns the full counter map.
	BusyStatus(ctx context.Context) (map[string]int, error)

	// Flush clears every counter.
	Flush(ctx context.Context) error
}

// ErrCacheMiss is returned by RoutingCache.Get when key is absent or expired.
var ErrCacheMiss = cacheMissError{}

type cacheMissError struct{}

func (cacheMissError) Error() string { return "cache: key not found" }
