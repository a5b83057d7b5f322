package cache

import (
	"context"
	"testing"
	"time"
)

func TestMemoryCacheRoundTrip(t *testing.T) {
	c := NewMemoryCache(time.Hour)
	ctx := context.Background()

	if _, ok, err := c.Get(ctx, "u1"); ok || err != nil {
		t.Fatalf("expected miss on empty cache, got ok=%v err=%v", ok, err)
	}

	at := time.Now().Truncate(time.Second)
	if err := c.Set(ctx, "u1", at); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	got, ok, err := c.Get(ctx, "u1")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if !got.Equal(at) {
		t.Errorf("expected %v, got %v", at, got)
	}

	if err := c.Invalidate(ctx, "u1"); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	if _, ok, _ := c.Get(ctx, "u1"); ok {
		t.Error("expected miss after invalidate")
	}
}

func TestMemoryCacheTTL(t *testing.T) {
	c := NewMemoryCache(10 * time.Millisecond)
	ctx := context.Background()
	if err := c.Set(ctx, "u1", time.Now()); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	time.Sleep(25 * time.Millisecond)
	if _, ok, _ := c.Get(ctx, "u1"); ok {
		t.Error("expected entry to expire after TTL")
	}
}

func TestMemoryCacheZeroTTLKeepsEntries(t *testing.T) {
	c := NewMemoryCache(0)
	ctx := context.Background()
	if err := c.Set(ctx, "u1", time.Now()); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if _, ok, _ := c.Get(ctx, "u1"); !ok {
		t.Error("zero TTL should keep entries")
	}
}
