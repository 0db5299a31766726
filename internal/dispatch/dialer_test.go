package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/telroute/acd/internal/agentstate"
	"github.com/telroute/acd/internal/queue"
	"github.com/telroute/acd/internal/store"
	"github.com/telroute/acd/internal/types"
)

func newDialerFixture(t *testing.T) (*Dialer, *agentstate.Manager, *queue.Availability, *fakeClockSource) {
	t.Helper()
	logger := zerolog.Nop()
	clk := &fakeClockSource{now: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)}
	kv := store.NewMemoryKV()
	kv.Clock = clk.Now
	queues := queue.NewAvailability(kv, logger).WithClock(clk.Now)
	agents := agentstate.NewManager(kv, queues, logger).WithClock(clk.Now)

	d := NewDialer(agents, queues, logger)
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	t.Cleanup(cancel)
	return d, agents, queues, clk
}

type fakeClockSource struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClockSource) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClockSource) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestAssignHandsOutOldestAgentFirst(t *testing.T) {
	d, agents, _, clk := newDialerFixture(t)
	ctx := context.Background()

	require.NoError(t, agents.Register(ctx, types.Agent{AgentID: "old", Team: types.TeamSales}))
	clk.Advance(time.Minute)
	require.NoError(t, agents.Register(ctx, types.Agent{AgentID: "new", Team: types.TeamSales}))

	res := d.Assign(ctx, types.TeamSales, "call-1")
	require.NoError(t, res.Err)
	require.True(t, res.OK)
	assert.Equal(t, "old", res.AgentID)

	res = d.Assign(ctx, types.TeamSales, "call-2")
	require.NoError(t, res.Err)
	require.True(t, res.OK)
	assert.Equal(t, "new", res.AgentID)
}

func TestAssignEmptyTeam(t *testing.T) {
	d, _, _, _ := newDialerFixture(t)

	res := d.Assign(context.Background(), types.TeamSales, "call-1")
	require.NoError(t, res.Err)
	assert.False(t, res.OK)
}

func TestAssignNeverHandsOutSameAgentTwice(t *testing.T) {
	d, agents, _, _ := newDialerFixture(t)
	ctx := context.Background()

	require.NoError(t, agents.Register(ctx, types.Agent{AgentID: "a1", Team: types.TeamSales}))

	const callers = 8
	var wg sync.WaitGroup
	winners := make(chan string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := d.Assign(ctx, types.TeamSales, "call")
			if res.Err == nil && res.OK {
				winners <- res.AgentID
			}
		}()
	}
	wg.Wait()
	close(winners)

	count := 0
	for range winners {
		count++
	}
	assert.Equal(t, 1, count, "one agent can satisfy exactly one assignment")
}

func TestAssignSkipsStaleQueueMembership(t *testing.T) {
	d, agents, queues, _ := newDialerFixture(t)
	ctx := context.Background()

	// Queue membership without a backing record (agent logged off but
	// the queue entry survived)
	require.NoError(t, queues.Enqueue(ctx, types.TeamSales, "ghost"))
	require.NoError(t, agents.Register(ctx, types.Agent{AgentID: "real", Team: types.TeamSales}))

	res := d.Assign(ctx, types.TeamSales, "call-1")
	require.NoError(t, res.Err)
	require.True(t, res.OK)
	assert.Equal(t, "real", res.AgentID)
}

// flakyHGetKV fails agent record reads a fixed number of times
type flakyHGetKV struct {
	store.KV
	fail int
}

func (f *flakyHGetKV) HGet(ctx context.Context, key, field string) (string, error) {
	if f.fail > 0 && key == store.KeyAgentStates {
		f.fail--
		return "", store.ErrUnavailable
	}
	return f.KV.HGet(ctx, key, field)
}

func TestAssignRequeuesAgentOnStoreError(t *testing.T) {
	logger := zerolog.Nop()
	flaky := &flakyHGetKV{KV: store.NewMemoryKV()}
	queues := queue.NewAvailability(flaky, logger)
	agents := agentstate.NewManager(flaky, queues, logger)
	d := NewDialer(agents, queues, logger)
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	t.Cleanup(cancel)

	require.NoError(t, agents.Register(ctx, types.Agent{AgentID: "a1", Team: types.TeamSales}))
	flaky.fail = 1

	res := d.Assign(ctx, types.TeamSales, "call-1")
	require.Error(t, res.Err)

	// The popped agent went back on the queue, not into limbo
	ids, err := queues.PeekAll(ctx, types.TeamSales)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, ids)

	res = d.Assign(ctx, types.TeamSales, "call-2")
	require.NoError(t, res.Err)
	require.True(t, res.OK)
	assert.Equal(t, "a1", res.AgentID)
}

func TestAssignRespectsCancelledContext(t *testing.T) {
	d, _, _, _ := newDialerFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := d.Assign(ctx, types.TeamSales, "call-1")
	assert.Error(t, res.Err)
}
