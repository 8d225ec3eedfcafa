package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

// newTestShared starts a miniredis server and returns a SharedCache backed by
// it plus the server handle for clock/lifecycle control.
func newTestShared(t *testing.T) (*SharedCache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	c, err := NewSharedCacheFromURL(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("NewSharedCacheFromURL: %v", err)
	}

	t.Cleanup(func() { _ = c.Close() })

	return c, mr
}

func TestSharedCache_Roundtrip(t *testing.T) {
	c, _ := newTestShared(t)
	ctx := context.Background()

	if data, ok := c.Get(ctx, "nonexistent"); ok || data != nil {
		t.Fatalf("expected (nil,false) on miss, got (%v,%v)", data, ok)
	}

	want := []byte(`{"id":"resp-1"}`)
	if err := c.Set(ctx, "k", want, time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok := c.Get(ctx, "k")
	if !ok || string(got) != string(want) {
		t.Fatalf("Get = %q/%v, want %q/true", got, ok, want)
	}
}

func TestSharedCache_TTLExpires(t *testing.T) {
	c, mr := newTestShared(t)
	ctx := context.Background()

	if err := c.Set(ctx, "ttl-key", []byte("payload"), 10*time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, ok := c.Get(ctx, "ttl-key"); !ok {
		t.Fatal("key should exist before TTL expires")
	}

	mr.FastForward(11 * time.Second)

	if _, ok := c.Get(ctx, "ttl-key"); ok {
		t.Fatal("key should have expired after TTL")
	}
}

func TestSharedCache_Delete(t *testing.T) {
	c, _ := newTestShared(t)
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("v"), time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatal("key should be gone after Delete")
	}
	if err := c.Delete(ctx, "ghost"); err != nil {
		t.Fatalf("Delete of missing key returned error: %v", err)
	}
}

// A store outage must read as a forced miss, never as a request failure.
func TestSharedCache_DegradesWhenStoreDown(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := NewSharedCacheFromURL(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("NewSharedCacheFromURL: %v", err)
	}
	defer func() { _ = c.Close() }()

	mr.Close()

	if data, ok := c.Get(context.Background(), "any"); ok || data != nil {
		t.Fatalf("expected (nil,false) when store is down, got (%v,%v)", data, ok)
	}
	if err := c.Set(context.Background(), "any", []byte("v"), time.Hour); err != nil {
		t.Fatalf("Set must return nil on store error, got: %v", err)
	}
}

func TestSharedCache_InvalidURLRejected(t *testing.T) {
	if _, err := NewSharedCacheFromURL(context.Background(), "not-a-valid-url"); err == nil {
		t.Fatal("expected error for invalid URL")
	}
}

// Compile-time assertions that both tiers satisfy the Cache interface.
func TestCacheImplementations(t *testing.T) {
	var _ Cache = (*SharedCache)(nil)
	var _ Cache = (*BoundedCache)(nil)
}
