package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestGetSetDel(t *testing.T) {
	kv := NewMemoryKV()
	ctx := context.Background()

	if _, err := kv.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := kv.Set(ctx, "k", "v", 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, err := kv.Get(ctx, "k")
	if err != nil || v != "v" {
		t.Errorf("expected v, got %q err=%v", v, err)
	}

	if err := kv.Del(ctx, "k"); err != nil {
		t.Fatalf("del: %v", err)
	}
	if _, err := kv.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestSetTTLExpires(t *testing.T) {
	kv := NewMemoryKV()
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	kv.Clock = func() time.Time { return now }
	ctx := context.Background()

	kv.Set(ctx, "k", "v", time.Minute)
	if _, err := kv.Get(ctx, "k"); err != nil {
		t.Fatalf("value should exist before expiry: %v", err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := kv.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected expiry, got %v", err)
	}
}

func TestHGetDelIsExactlyOnce(t *testing.T) {
	kv := NewMemoryKV()
	ctx := context.Background()

	kv.HSet(ctx, "h", "f", "v")

	v, err := kv.HGetDel(ctx, "h", "f")
	if err != nil || v != "v" {
		t.Fatalf("expected v, got %q err=%v", v, err)
	}
	if _, err := kv.HGetDel(ctx, "h", "f"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second fetch-and-delete must miss, got %v", err)
	}
}

func TestZPopMinOrdering(t *testing.T) {
	kv := NewMemoryKV()
	ctx := context.Background()

	kv.ZAdd(ctx, "z", "late", 300)
	kv.ZAdd(ctx, "z", "early", 100)
	kv.ZAdd(ctx, "z", "mid", 200)

	for _, want := range []string{"early", "mid", "late"} {
		m, err := kv.ZPopMin(ctx, "z")
		if err != nil {
			t.Fatalf("pop: %v", err)
		}
		if m.Member != want {
			t.Errorf("expected %s, got %s", want, m.Member)
		}
	}
	if _, err := kv.ZPopMin(ctx, "z"); !errors.Is(err, ErrNotFound) {
		t.Errorf("empty pop should be ErrNotFound, got %v", err)
	}
}

func TestZAddUpdatesScoreInPlace(t *testing.T) {
	kv := NewMemoryKV()
	ctx := context.Background()

	kv.ZAdd(ctx, "z", "a", 100)
	kv.ZAdd(ctx, "z", "b", 200)
	kv.ZAdd(ctx, "z", "a", 300) // moves a behind b, no duplicate

	members, err := kv.ZRange(ctx, "z")
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(members) != 2 || members[0] != "b" || members[1] != "a" {
		t.Errorf("unexpected order: %v", members)
	}
}

func TestLockMutualExclusion(t *testing.T) {
	kv := NewMemoryKV()
	ctx := context.Background()

	l1 := kv.Lock("res", time.Minute)
	if err := l1.Acquire(ctx, 10*time.Millisecond); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	l2 := kv.Lock("res", time.Minute)
	if err := l2.Acquire(ctx, 10*time.Millisecond); !errors.Is(err, ErrLockNotAcquired) {
		t.Errorf("second acquire should time out, got %v", err)
	}

	if err := l1.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := l2.Acquire(ctx, 10*time.Millisecond); err != nil {
		t.Errorf("acquire after release: %v", err)
	}
}

func TestLockLeaseExpires(t *testing.T) {
	kv := NewMemoryKV()
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	kv.Clock = func() time.Time { return now }
	ctx := context.Background()

	l1 := kv.Lock("res", time.Second)
	if err := l1.Acquire(ctx, 10*time.Millisecond); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// Holder stalls past its lease; another worker may take over
	now = now.Add(2 * time.Second)
	l2 := kv.Lock("res", time.Second)
	if err := l2.Acquire(ctx, 10*time.Millisecond); err != nil {
		t.Fatalf("acquire after lease expiry: %v", err)
	}

	// The stale holder's release must not free the new holder's lease
	if err := l1.Release(ctx); err != nil {
		t.Fatalf("stale release: %v", err)
	}
	l3 := kv.Lock("res", time.Second)
	if err := l3.Acquire(ctx, 10*time.Millisecond); !errors.Is(err, ErrLockNotAcquired) {
		t.Errorf("lease should still be held by the new owner, got %v", err)
	}
}
