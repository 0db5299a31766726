package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/telroute/acd/internal/store"
	"github.com/telroute/acd/internal/types"
)

func testCall(id string) types.CallContext {
	return types.CallContext{
		CallID:    id,
		Team:      types.TeamSales,
		Direction: types.DirectionOutbound,
		ChannelID: "chan-" + id,
		CreatedAt: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestPutGetRemove(t *testing.T) {
	r := NewActiveCalls(store.NewMemoryKV(), zerolog.Nop())
	ctx := context.Background()

	if err := r.Put(ctx, testCall("call-1")); err != nil {
		t.Fatalf("put: %v", err)
	}

	cc, found, err := r.Get(ctx, types.TeamSales, "call-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !found || cc.ChannelID != "chan-call-1" {
		t.Errorf("unexpected call context: %+v (found=%v)", cc, found)
	}

	removed, err := r.Remove(ctx, types.TeamSales, "call-1")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if removed.CallID != "call-1" {
		t.Errorf("expected call-1, got %s", removed.CallID)
	}

	if _, err := r.Remove(ctx, types.TeamSales, "call-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second remove should return ErrNotFound, got %v", err)
	}
}

func TestRemoveExactlyOnceUnderConcurrency(t *testing.T) {
	r := NewActiveCalls(store.NewMemoryKV(), zerolog.Nop())
	ctx := context.Background()

	if err := r.Put(ctx, testCall("call-1")); err != nil {
		t.Fatalf("put: %v", err)
	}

	const workers = 16
	var wg sync.WaitGroup
	winners := make(chan string, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cc, err := r.Remove(ctx, types.TeamSales, "call-1")
			if err == nil {
				winners <- cc.CallID
			}
		}()
	}
	wg.Wait()
	close(winners)

	count := 0
	for range winners {
		count++
	}
	if count != 1 {
		t.Errorf("expected exactly one successful remove, got %d", count)
	}
}

func TestSnapshotSkipsCorruptEntries(t *testing.T) {
	kv := store.NewMemoryKV()
	r := NewActiveCalls(kv, zerolog.Nop())
	ctx := context.Background()

	r.Put(ctx, testCall("call-1"))
	kv.HSet(ctx, store.ActiveCallsKey(types.TeamSales), "call-bad", "{not json")

	calls, err := r.Snapshot(ctx, types.TeamSales)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(calls) != 1 || calls[0].CallID != "call-1" {
		t.Errorf("expected only call-1, got %+v", calls)
	}
}

func TestActiveCallIDsSpansTeams(t *testing.T) {
	r := NewActiveCalls(store.NewMemoryKV(), zerolog.Nop())
	ctx := context.Background()

	sales := testCall("call-s")
	support := testCall("call-t")
	support.Team = types.TeamSupport
	r.Put(ctx, sales)
	r.Put(ctx, support)

	ids, err := r.ActiveCallIDs(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !ids["call-s"] || !ids["call-t"] || len(ids) != 2 {
		t.Errorf("unexpected id set: %v", ids)
	}
}
