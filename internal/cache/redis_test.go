package cache

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// requireRedisAddr skips the test unless a live Redis instance is configured
// via REDIS_ADDR, since these tests exercise the real client rather than a
// fake.
func requireRedisAddr(t *testing.T) string {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set, skipping redis integration test")
	}
	return addr
}

func TestRedisRoutingCachePutGet(t *testing.T) {
	addr := requireRedisAddr(t)
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	c := NewRedisRoutingCache(client, "routingengine-test:")
	ctx := context.Background()
	defer c.Delete(ctx, "stage1-xyz")

	if err := c.Put(ctx, "stage1-xyz", []byte("payload"), time.Minute); err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	got, err := c.Get(ctx, "stage1-xyz")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if string(got) != "payload" {
		t.Errorf("Get() = %q, want %q", got, "payload")
	}
}

func TestRedisRoutingCacheMiss(t *testing.T) {
	addr := requireRedisAddr(t)
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	c := NewRedisRoutingCache(client, "routingengine-test:")
	_, err := c.Get(context.Background(), "definitely-missing-key")
	if !errors.Is(err, ErrCacheMiss) {
		t.Errorf("expected ErrCacheMiss, got %v", err)
	}
}

func TestRedisBusyCache(t *testing.T) {
	addr := requireRedisAddr(t)
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	c := NewRedisBusyCache(client, "routingengine-test:")
	ctx := context.Background()
	defer c.Flush(ctx)

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
