// Package status polls per-agent circuit and cost endpoints and folds the
// results into one snapshot plus a connectivity verdict.
package status

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"meshdash/internal/api"
	"meshdash/internal/gateway"
)

// Source is the slice of the API client the aggregator polls.
type Source interface {
	AgentCircuit(ctx context.Context, agentID string, opts ...gateway.CallOption) (api.CircuitBreakerState, *gateway.Failure)
	AgentCost(ctx context.Context, agentID string, opts ...gateway.CallOption) (api.AgentCost, *gateway.Failure)
}

// AgentSnapshot is the last fully successful circuit+cost pair for one agent.
type AgentSnapshot struct {
	AgentID         string            `json:"agent_id"`
	Status          api.CircuitStatus `json:"status"`
	FailureCount    int               `json:"failure_count"`
	BudgetLimit     decimal.Decimal   `json:"budget_limit"`
	BudgetConsumed  decimal.Decimal   `json:"budget_consumed"`
	TotalCost       decimal.Decimal   `json:"total_cost"`
	FallbackModel   string            `json:"fallback_model,omitempty"`
	LastFailureTime *time.Time        `json:"last_failure_time,omitempty"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// BudgetRatio is consumed/limit clamped to [0, 1]; zero when no limit is set.
func (a AgentSnapshot) BudgetRatio() float64 {
	if !a.BudgetLimit.IsPositive() {
		return 0
	}
	ratio, _ := a.BudgetConsumed.Div(a.BudgetLimit).Float64()
	switch {
	case ratio < 0:
		return 0
	case ratio > 1:
		return 1
	default:
		return ratio
	}
}

// Cycle records the outcome of one refresh.
type Cycle struct {
	StartedAt  time.Time                   `json:"started_at"`
	FinishedAt time.Time                   `json:"finished_at"`
	Succeeded  []string                    `json:"succeeded"`
	Failed     map[string]*gateway.Failure `json:"failed,omitempty"`
}

func (c Cycle) Duration() time.Duration { return c.FinishedAt.Sub(c.StartedAt) }

// Snapshot is a point-in-time copy of the aggregator state.
type Snapshot struct {
	Tracked      []string                 `json:"tracked"`
	Agents       map[string]AgentSnapshot `json:"agents"`
	Online       bool                     `json:"online"`
	Loading      bool                     `json:"loading"`
	Cycles       int                      `json:"cycles"`
	LastCycle    *Cycle                   `json:"last_cycle,omitempty"`
	TotalCost    decimal.Decimal          `json:"total_cost"`
	OpenBreakers int                      `json:"open_breakers"`
}

// Ordered returns the known snapshots in tracked order. Agents that have never
// had a successful pair are skipped.
func (s Snapshot) Ordered() []AgentSnapshot {
	out := make([]AgentSnapshot, 0, len(s.Agents))
	for _, id := range s.Tracked {
		if agent, ok := s.Agents[id]; ok {
			out = append(out, agent)
		}
	}
	return out
}

type Aggregator struct {
	source  Source
	tracked []string
	allowed map[string]struct{}
	logger  *logrus.Logger
	now     func() time.Time

	mu          sync.RWMutex
	agents      map[string]AgentSnapshot
	online      bool
	inflight    int
	cycles      int
	lastCycle   *Cycle
	subscribers []func(Snapshot)
}

// New tracks the given agent ids. The set is fixed for the aggregator's life.
func New(source Source, tracked []string, logger *logrus.Logger) *Aggregator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	ids := make([]string, 0, len(tracked))
	allowed := make(map[string]struct{}, len(tracked))
	for _, id := range tracked {
		if _, dup := allowed[id]; dup || id == "" {
			continue
		}
		allowed[id] = struct{}{}
		ids = append(ids, id)
	}
	return &Aggregator{
		source:  source,
		tracked: ids,
		allowed: allowed,
		logger:  logger,
		now:     time.Now,
		agents:  make(map[string]AgentSnapshot, len(ids)),
		// Optimistic until the first cycle says otherwise.
		online: true,
	}
}

func (a *Aggregator) Tracked() []string {
	return append([]string(nil), a.tracked...)
}

func (a *Aggregator) Tracks(agentID string) bool {
	_, ok := a.allowed[agentID]
	return ok
}

// OnChange registers fn to receive a snapshot after every cycle. fn runs on
// the refreshing goroutine and must not block.
func (a *Aggregator) OnChange(fn func(Snapshot)) {
	if fn == nil {
		return
	}
	a.mu.Lock()
	a.subscribers = append(a.subscribers, fn)
	a.mu.Unlock()
}

type pairResult struct {
	agentID string
	circuit api.CircuitBreakerState
	cost    api.AgentCost
	failure *gateway.Failure
}

// Refresh polls every requested agent (all tracked agents when ids is empty)
// and overlays the fully successful pairs onto the snapshot map. Ids outside
// the tracked set are ignored.
func (a *Aggregator) Refresh(ctx context.Context, ids ...string) Snapshot {
	targets := a.targets(ids)

	a.mu.Lock()
	a.inflight++
	a.mu.Unlock()

	started := a.now()
	results := make([]pairResult, len(targets))

	var g errgroup.Group
	for i, id := range targets {
		i, id := i, id
		g.Go(func() error {
			results[i] = a.poll(ctx, id)
			return nil
		})
	}
	_ = g.Wait()

	cycle := &Cycle{StartedAt: started, FinishedAt: a.now(), Failed: map[string]*gateway.Failure{}}

	a.mu.Lock()
	for _, res := range results {
		if res.failure != nil {
			cycle.Failed[res.agentID] = res.failure
			continue
		}
		cycle.Succeeded = append(cycle.Succeeded, res.agentID)
		a.agents[res.agentID] = toSnapshot(res.circuit, res.cost, res.agentID, cycle.FinishedAt)
	}
	a.online = len(cycle.Succeeded) >= 1
	a.inflight--
	a.cycles++
	a.lastCycle = cycle
	snap := a.snapshotLocked()
	subscribers := append([]func(Snapshot){}, a.subscribers...)
	a.mu.Unlock()

	entry := a.logger.WithFields(logrus.Fields{
		"succeeded": len(cycle.Succeeded),
		"failed":    len(cycle.Failed),
		"online":    snap.Online,
		"latency":   cycle.Duration(),
	})
	if len(cycle.Failed) > 0 {
		for id, f := range cycle.Failed {
			entry = entry.WithField("agent."+id, f.Kind.String())
		}
		entry.Info("Status refresh finished with failures")
	} else {
		entry.Debug("Status refresh finished")
	}

	for _, fn := range subscribers {
		fn(snap)
	}
	return snap
}

// poll issues the circuit and cost calls for one agent concurrently. The pair
// only counts when both succeed; the first failure observed is kept.
func (a *Aggregator) poll(ctx context.Context, agentID string) pairResult {
	res := pairResult{agentID: agentID}
	var circuitFailure, costFailure *gateway.Failure

	var pair errgroup.Group
	pair.Go(func() error {
		res.circuit, circuitFailure = a.source.AgentCircuit(ctx, agentID, gateway.Quiet())
		return nil
	})
	pair.Go(func() error {
		res.cost, costFailure = a.source.AgentCost(ctx, agentID, gateway.Quiet())
		return nil
	})
	_ = pair.Wait()

	switch {
	case circuitFailure != nil:
		res.failure = circuitFailure
	case costFailure != nil:
		res.failure = costFailure
	}
	return res
}

func (a *Aggregator) targets(ids []string) []string {
	if len(ids) == 0 {
		return a.Tracked()
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := a.allowed[id]; !ok {
			a.logger.WithField("agent", id).Debug("Ignoring untracked agent")
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func toSnapshot(circuit api.CircuitBreakerState, cost api.AgentCost, agentID string, at time.Time) AgentSnapshot {
	snap := AgentSnapshot{
		AgentID:        agentID,
		Status:         circuit.Status,
		FailureCount:   circuit.FailureCount,
		BudgetLimit:    circuit.BudgetLimitUSD,
		BudgetConsumed: circuit.BudgetConsumedUSD,
		TotalCost:      cost.TotalCostUSD,
		FallbackModel:  circuit.FallbackModel,
		UpdatedAt:      at,
	}
	if circuit.LastFailureTime != nil && !circuit.LastFailureTime.IsZero() {
		t := circuit.LastFailureTime.Time
		snap.LastFailureTime = &t
	}
	return snap
}

func (a *Aggregator) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.snapshotLocked()
}

func (a *Aggregator) Online() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.online
}

// Loading reports whether a refresh is running before anything is known.
func (a *Aggregator) Loading() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.inflight > 0 && len(a.agents) == 0
}

func (a *Aggregator) snapshotLocked() Snapshot {
	snap := Snapshot{
		Tracked:   append([]string(nil), a.tracked...),
		Agents:    make(map[string]AgentSnapshot, len(a.agents)),
		Online:    a.online,
		Loading:   a.inflight > 0 && len(a.agents) == 0,
		Cycles:    a.cycles,
		TotalCost: decimal.Zero,
	}
	for id, agent := range a.agents {
		snap.Agents[id] = agent
		snap.TotalCost = snap.TotalCost.Add(agent.TotalCost)
		if agent.Status == api.CircuitOpen {
			snap.OpenBreakers++
		}
	}
	if a.lastCycle != nil {
		cycle := *a.lastCycle
		cycle.Succeeded = append([]string(nil), a.lastCycle.Succeeded...)
		sort.Strings(cycle.Succeeded)
		cycle.Failed = make(map[string]*gateway.Failure, len(a.lastCycle.Failed))
		for id, f := range a.lastCycle.Failed {
			cycle.Failed[id] = f
		}
		snap.LastCycle = &cycle
	}
	return snap
}
