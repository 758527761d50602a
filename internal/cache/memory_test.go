package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryRoutingCachePutGet(t *testing.T) {
	c := NewMemoryRoutingCache()
	ctx := context.Background()

	if err := c.Put(ctx, "lateroute/stage1-abc", []byte("payload"), time.Minute); err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	got, err := c.Get(ctx, "lateroute/stage1-abc")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if string(got) != "payload" {
		t.Errorf("Get() = %q, want %q", got, "payload")
	}
}

func TestMemoryRoutingCacheMiss(t *testing.T) {
	c := NewMemoryRoutingCache()
	_, err := c.Get(context.Background(), "missing")
	if !errors.Is(err, ErrCacheMiss) {
		t.Errorf("expected ErrCacheMiss, got %v", err)
	}
}

func TestMemoryRoutingCacheExpiry(t *testing.T) {
	c := NewMemoryRoutingCache()
	ctx := context.Background()

	if err := c.Put(ctx, "key", []byte("value"), -time.Second); err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	_, err := c.Get(ctx, "key")
	if !errors.Is(err, ErrCacheMiss) {
		t.Errorf("expected ErrCacheMiss for an already-expired entry, got %v", err)
	}
}

func TestMemoryRoutingCacheDelete(t *testing.T) {
	c := NewMemoryRoutingCache()
	ctx := context.Background()

	if err := c.Put(ctx, "key", []byte("value"), time.Minute); err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	if err := c.Delete(ctx, "key"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if _, err := c.Get(ctx, "key"); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("expected ErrCacheMiss after delete, got %v", err)
	}
}

func TestMemoryRoutingCacheCleanup(t *testing.T) {
	c := NewMemoryRoutingCache()
	ctx := context.Background()

	c.Put(ctx, "expired", []byte("x"), -time.Second)
	c.Put(ctx, "fresh", []byte("y"), time.Minute)

	c.Cleanup()

	c.mu.Lock()
	_, expiredStillPresent := c.entries["expired"]
	_, freshStillPresent := c.entries["fresh"]
	c.mu.Unlock()

	if expiredStillPresent {
		t.Errorf("Cleanup() should have removed the expired entry")
	}
	if !freshStillPresent {
		t.Errorf("Cleanup() should not remove a fresh entry")
	}
}

func TestMemoryBusyCache(t *testing.T) {
	c := NewMemoryBusyCache()
	ctx := context.Background()

	busy, err := c.IsBusy(ctx, "1000")
	if err != nil {
		t.Fatalf("IsBusy() error: %v", err)
	}
	if busy {
		t.Errorf("an extension with no counter should not be busy")
	}

	if err := c.Increment(ctx, "1000"); err != nil {
		t.Fatalf("Increment() error: %v", err)
	}
	busy, err = c.IsBusy(ctx, "1000")
	if err != nil {
		t.Fatalf("IsBusy() error: %v", err)
	}
	if !busy {
		t.Errorf("extension should be busy after Increment()")
	}

	if err := c.Decrement(ctx, "1000"); err != nil {
		t.Fatalf("Decrement() error: %v", err)
	}
	busy, err = c.IsBusy(ctx, "1000")
	if err != nil {
		t.Fatalf("IsBusy() error: %v", err)
	}
	if busy {
		t.Errorf("extension should no longer be busy after its only call finalizes")
	}
}

func TestMemoryBusyCacheConcurrentCalls(t *testing.T) {
	c := NewMemoryBusyCache()
	ctx := context.Background()

	c.Increment(ctx, "1000")
	c.Increment(ctx, "1000")

	status, err := c.BusyStatus(ctx)
	if err != nil {
		t.Fatalf("BusyStatus() error: %v", err)
	}
	if status["1000"] != 2 {
		t.Fatalf("counter = %d, want 2 after two concurrent initializes", status["1000"])
	}

	c.Decrement(ctx, "1000")
	busy, _ := c.IsBusy(ctx, "1000")
	if !busy {
		t.Errorf("extension with one call still in progress should remain busy")
	}
}

func TestMemoryBusyCacheDecrementNeverGoesNegative(t *testing.T) {
	c := NewMemoryBusyCache()
	ctx := context.Background()

	if err := c.Decrement(ctx, "1000"); err != nil {
		t.Fatalf("Decrement() error: %v", err)
	}
	status, _ := c.BusyStatus(ctx)
	if status["1000"] != 0 {
		t.Errorf("counter = %d, want 0 (never negative)", status["1000"])
	}
}

func TestMemoryBusyCacheFlush(t *testing.T) {
	c := NewMemoryBusyCache()
	ctx := context.Background()

	c.Increment(ctx, "1000")
	c.Increment(ctx, "2000")
	if err := c.Flush(ctx); err != nil {
		t.Fatalf("Flush() error: %v", err)
	}
	status, _ := c.BusyStatus(ctx)
	if len(status) != 0 {
		t.Errorf("BusyStatus() after Flush() = %+v, want empty", status)
	}
}
