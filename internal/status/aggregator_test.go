package status

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshdash/internal/api"
	"meshdash/internal/gateway"
)

type fakeSource struct {
	mu          sync.Mutex
	circuitFail map[string]*gateway.Failure
	costFail    map[string]*gateway.Failure
	cost        map[string]string
	status      map[string]api.CircuitStatus
	calls       map[string]int
	quiet       atomic.Int32
	block       chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		circuitFail: map[string]*gateway.Failure{},
		costFail:    map[string]*gateway.Failure{},
		cost:        map[string]string{},
		status:      map[string]api.CircuitStatus{},
		calls:       map[string]int{},
	}
}

func (f *fakeSource) record(kind, id string, opts []gateway.CallOption) {
	f.mu.Lock()
	f.calls[kind+":"+id]++
	f.mu.Unlock()
	if len(opts) > 0 {
		f.quiet.Add(1)
	}
}

func (f *fakeSource) AgentCircuit(ctx context.Context, id string, opts ...gateway.CallOption) (api.CircuitBreakerState, *gateway.Failure) {
	f.record("circuit", id, opts)
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if fail := f.circuitFail[id]; fail != nil {
		return api.CircuitBreakerState{}, fail
	}
	status := f.status[id]
	if status == "" {
		status = api.CircuitClosed
	}
	return api.CircuitBreakerState{
		AgentID:           id,
		Status:            status,
		BudgetLimitUSD:    decimal.NewFromInt(5),
		BudgetConsumedUSD: decimal.RequireFromString("1.25"),
	}, nil
}

func (f *fakeSource) AgentCost(ctx context.Context, id string, opts ...gateway.CallOption) (api.AgentCost, *gateway.Failure) {
	f.record("cost", id, opts)
	f.mu.Lock()
	defer f.mu.Unlock()
	if fail := f.costFail[id]; fail != nil {
		return api.AgentCost{}, fail
	}
	amount := f.cost[id]
	if amount == "" {
		amount = "0"
	}
	return api.AgentCost{AgentID: id, TotalCostUSD: decimal.RequireFromString(amount)}, nil
}

func (f *fakeSource) set(fn func(*fakeSource)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

var agents = []string{"coordinator", "researcher", "coder"}

func TestRefresh_PartialPairDiscarded(t *testing.T) {
	src := newFakeSource()
	src.cost["researcher"] = "0.10"
	agg := New(src, agents, quietLogger())

	first := agg.Refresh(context.Background())
	require.True(t, first.Online)
	require.Len(t, first.Agents, 3)
	before := first.Agents["researcher"]

	src.set(func(f *fakeSource) {
		f.circuitFail["researcher"] = &gateway.Failure{Kind: gateway.KindHTTPStatus, Status: 500, Message: "Server error. Please try again later."}
		f.cost["researcher"] = "0.90"
		f.cost["coder"] = "0.42"
		f.status["coordinator"] = api.CircuitHalfOpen
	})

	second := agg.Refresh(context.Background())
	assert.True(t, second.Online)
	assert.Equal(t, before, second.Agents["researcher"], "researcher keeps its prior snapshot")
	assert.Equal(t, "0.42", second.Agents["coder"].TotalCost.String())
	assert.Equal(t, api.CircuitHalfOpen, second.Agents["coordinator"].Status)

	require.NotNil(t, second.LastCycle)
	assert.Equal(t, []string{"coder", "coordinator"}, second.LastCycle.Succeeded)
	require.Contains(t, second.LastCycle.Failed, "researcher")
	assert.Equal(t, gateway.KindHTTPStatus, second.LastCycle.Failed["researcher"].Kind)
}

func TestRefresh_CostFailureAlsoDiscards(t *testing.T) {
	src := newFakeSource()
	src.costFail["coder"] = &gateway.Failure{Kind: gateway.KindTimeout, Message: "Request timed out after 10s"}
	agg := New(src, agents, quietLogger())

	snap := agg.Refresh(context.Background())
	assert.NotContains(t, snap.Agents, "coder")
	assert.Len(t, snap.Agents, 2)
	assert.True(t, snap.Online)
}

func TestRefresh_SuccessCountProperty(t *testing.T) {
	ids := []string{"a1", "a2", "a3", "a4", "a5"}
	for k := 0; k <= len(ids); k++ {
		t.Run(fmt.Sprintf("k=%d", k), func(t *testing.T) {
			src := newFakeSource()
			agg := New(src, ids, quietLogger())
			agg.Refresh(context.Background())
			stale := agg.Snapshot()

			src.set(func(f *fakeSource) {
				for i, id := range ids {
					f.cost[id] = "1.5"
					if i >= k {
						f.circuitFail[id] = &gateway.Failure{Kind: gateway.KindTransport, Message: "down"}
					}
				}
			})
			snap := agg.Refresh(context.Background())

			assert.Equal(t, k >= 1, snap.Online)
			fresh := 0
			for _, id := range ids {
				if snap.Agents[id].TotalCost.Equal(decimal.RequireFromString("1.5")) {
					fresh++
				} else {
					assert.Equal(t, stale.Agents[id], snap.Agents[id])
				}
			}
			assert.Equal(t, k, fresh)
		})
	}
}

func TestRefresh_AllFailedIsOffline(t *testing.T) {
	src := newFakeSource()
	for _, id := range agents {
		src.circuitFail[id] = &gateway.Failure{Kind: gateway.KindTransport, Message: "Cannot reach backend"}
	}
	agg := New(src, agents, quietLogger())
	assert.True(t, agg.Online(), "optimistic before the first cycle")

	snap := agg.Refresh(context.Background())
	assert.False(t, snap.Online)
	assert.Empty(t, snap.Agents)
	assert.Len(t, snap.LastCycle.Failed, 3)
}

func TestRefresh_IgnoresUntrackedAgents(t *testing.T) {
	src := newFakeSource()
	agg := New(src, agents, quietLogger())

	snap := agg.Refresh(context.Background(), "coder", "intruder", "coder")
	assert.Equal(t, []string{"coder"}, snap.LastCycle.Succeeded)
	assert.NotContains(t, snap.Agents, "intruder")

	src.mu.Lock()
	defer src.mu.Unlock()
	assert.Equal(t, 1, src.calls["circuit:coder"])
	assert.Zero(t, src.calls["circuit:intruder"])
}

func TestRefresh_PollsQuietly(t *testing.T) {
	src := newFakeSource()
	agg := New(src, agents, quietLogger())
	agg.Refresh(context.Background())
	assert.Equal(t, int32(6), src.quiet.Load())
}

func TestRefresh_LoadingUntilFirstCycle(t *testing.T) {
	src := newFakeSource()
	src.block = make(chan struct{})
	agg := New(src, agents, quietLogger())

	done := make(chan Snapshot)
	go func() { done <- agg.Refresh(context.Background()) }()

	require.Eventually(t, agg.Loading, time.Second, 5*time.Millisecond)
	assert.True(t, agg.Snapshot().Loading)
	close(src.block)

	snap := <-done
	assert.False(t, snap.Loading)
	assert.False(t, agg.Loading())
	assert.Equal(t, 1, snap.Cycles)
}

func TestRefresh_NotifiesSubscribers(t *testing.T) {
	src := newFakeSource()
	src.status["coder"] = api.CircuitOpen
	src.cost["coder"] = "2.5"
	src.cost["researcher"] = "0.5"
	agg := New(src, agents, quietLogger())

	got := make(chan Snapshot, 1)
	agg.OnChange(func(s Snapshot) { got <- s })
	agg.Refresh(context.Background())

	snap := <-got
	assert.Equal(t, 1, snap.OpenBreakers)
	assert.Equal(t, "3", snap.TotalCost.String())
	ordered := snap.Ordered()
	require.Len(t, ordered, 3)
	assert.Equal(t, "coordinator", ordered[0].AgentID)
	assert.Equal(t, "coder", ordered[2].AgentID)
}

func TestSnapshot_IsACopy(t *testing.T) {
	agg := New(newFakeSource(), agents, quietLogger())
	agg.Refresh(context.Background())

	snap := agg.Snapshot()
	delete(snap.Agents, "coder")
	snap.LastCycle.Failed["coder"] = &gateway.Failure{}

	again := agg.Snapshot()
	assert.Contains(t, again.Agents, "coder")
	assert.Empty(t, again.LastCycle.Failed)
}

func TestBudgetRatio(t *testing.T) {
	tests := []struct {
		limit, consumed string
		want            float64
	}{
		{"5", "1.25", 0.25},
		{"5", "7", 1},
		{"0", "1", 0},
		{"5", "-1", 0},
	}
	for _, tt := range tests {
		snap := AgentSnapshot{BudgetLimit: decimal.RequireFromString(tt.limit), BudgetConsumed: decimal.RequireFromString(tt.consumed)}
		assert.InDelta(t, tt.want, snap.BudgetRatio(), 1e-9)
	}
}

func TestNew_DedupsTracked(t *testing.T) {
	agg := New(newFakeSource(), []string{"coder", "", "coder", "researcher"}, quietLogger())
	assert.Equal(t, []string{"coder", "researcher"}, agg.Tracked())
}

func TestTracks(t *testing.T) {
	agg := New(newFakeSource(), []string{"coder"}, quietLogger())
	assert.True(t, agg.Tracks("coder"))
	assert.False(t, agg.Tracks("researcher"))
	assert.False(t, agg.Tracks(""))
}
