package queue

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/telroute/acd/internal/store"
	"github.com/telroute/acd/internal/types"
)

func newTestQueue(t *testing.T) (*Availability, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)}
	kv := store.NewMemoryKV()
	kv.Clock = clk.Now
	return NewAvailability(kv, zerolog.Nop()).WithClock(clk.Now), clk
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestDequeueFIFOOrder(t *testing.T) {
	q, clk := newTestQueue(t)
	ctx := context.Background()

	for _, id := range []string{"agent-a", "agent-b", "agent-c"} {
		if err := q.Enqueue(ctx, types.TeamSales, id); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
		clk.Advance(time.Second)
	}

	for _, want := range []string{"agent-a", "agent-b", "agent-c"} {
		got, ok, err := q.DequeueOldest(ctx, types.TeamSales)
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if !ok || got != want {
			t.Errorf("expected %s, got %s (ok=%v)", want, got, ok)
		}
	}
}

func TestDequeueEmptyQueue(t *testing.T) {
	q, _ := newTestQueue(t)

	got, ok, err := q.DequeueOldest(context.Background(), types.TeamSupport)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok || got != "" {
		t.Errorf("expected empty result, got %q (ok=%v)", got, ok)
	}
}

func TestEnqueueIdempotent(t *testing.T) {
	q, clk := newTestQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, types.TeamSales, "agent-a"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	clk.Advance(time.Minute)
	// Re-enqueueing the same agent must not duplicate the membership
	if err := q.Enqueue(ctx, types.TeamSales, "agent-a"); err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}

	depth, err := q.Depth(ctx, types.TeamSales)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 1 {
		t.Errorf("expected depth 1, got %d", depth)
	}
}

func TestTeamsAreIsolated(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, types.TeamSales, "agent-sales"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	_, ok, err := q.DequeueOldest(ctx, types.TeamSupport)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if ok {
		t.Error("support dequeue should not see a sales agent")
	}
}

func TestRemoveDropsMembership(t *testing.T) {
	q, clk := newTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, types.TeamSales, "agent-a")
	clk.Advance(time.Second)
	q.Enqueue(ctx, types.TeamSales, "agent-b")

	if err := q.Remove(ctx, types.TeamSales, "agent-a"); err != nil {
		t.Fatalf("remove: %v", err)
	}

	got, ok, err := q.DequeueOldest(ctx, types.TeamSales)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if !ok || got != "agent-b" {
		t.Errorf("expected agent-b, got %q (ok=%v)", got, ok)
	}
}

func TestEqualScoreTieBreakIsDeterministic(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	// Same clock instant: order falls back to member name
	q.Enqueue(ctx, types.TeamSales, "zeta")
	q.Enqueue(ctx, types.TeamSales, "alpha")

	got, ok, err := q.DequeueOldest(ctx, types.TeamSales)
	if err != nil || !ok {
		t.Fatalf("dequeue: %v (ok=%v)", err, ok)
	}
	if got != "alpha" {
		t.Errorf("expected alpha first at equal score, got %s", got)
	}
}
