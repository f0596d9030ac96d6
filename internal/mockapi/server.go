// Package mockapi is an in-memory stand-in for the Circuit Breaker Mesh
// backend. It serves the same HTTP contract with canned answers and lets
// callers inject failures per endpoint and agent.
package mockapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"meshdash/internal/api"
)

// Endpoint names a route for fault injection.
type Endpoint string

const (
	EndpointHealth      Endpoint = "health"
	EndpointAgents      Endpoint = "agents"
	EndpointCostEvents  Endpoint = "cost-events"
	EndpointCost        Endpoint = "cost"
	EndpointCircuit     Endpoint = "circuit"
	EndpointCheckBudget Endpoint = "check-budget"
	EndpointAgentChat   Endpoint = "agent-chat"
	EndpointChat        Endpoint = "chat"
	EndpointQuery       Endpoint = "query"
)

const (
	defaultBudget         = "5.00"
	defaultFallbackModel  = "ollama-mistral"
	defaultResetTimeout   = 60
	failureTripThreshold  = 3
	cannedCompletionToken = 64
)

// Fault makes matching requests fail or stall. A zero Status with a Delay
// only slows the request down. EmptyBody sends the status with no JSON
// detail, the way a proxy in front of the backend would.
type Fault struct {
	Status    int
	Detail    string
	EmptyBody bool
	Delay     time.Duration
}

type faultKey struct {
	endpoint Endpoint
	agentID  string
}

type agentRecord struct {
	circuit  api.CircuitBreakerState
	total    decimal.Decimal
	metrics  api.AgentMetrics
	events   []api.CostEvent
	created  time.Time
	updated  time.Time
	lastTask string
}

type Server struct {
	echo   *echo.Echo
	logger *logrus.Logger
	now    func() time.Time

	mu     sync.Mutex
	agents map[string]*agentRecord
	order  []string
	faults map[faultKey]Fault
	hits   map[Endpoint]int
}

// New builds the stub and seeds records for the given agents so that
// GET /api/agents is not empty.
var numericUSD sync.Once

func New(logger *logrus.Logger, seed ...string) *Server {
	// The real backend writes USD amounts as JSON numbers.
	numericUSD.Do(func() { decimal.MarshalJSONWithoutQuotes = true })
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Server{
		logger: logger,
		now:    time.Now,
		agents: map[string]*agentRecord{},
		faults: map[faultKey]Fault{},
		hits:   map[Endpoint]int{},
	}
	for _, id := range seed {
		s.mu.Lock()
		s.agentLocked(id)
		s.mu.Unlock()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.WithFields(logrus.Fields{
				"method":    v.Method,
				"uri":       v.URI,
				"status":    v.Status,
				"latency":   v.Latency,
				"requestID": v.RequestID,
			}).Debug("Mock request served")
			return nil
		},
	}))
	s.echo = e
	s.registerRoutes(e)
	return s
}

// Handler exposes the router for httptest servers.
func (s *Server) Handler() http.Handler { return s.echo }

// Start listens on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.logger.WithField("addr", addr).Info("Starting mock backend")
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("mock backend on %s: %w", addr, err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Inject registers a fault. An empty agentID applies to every agent on that
// endpoint; an agent-specific fault wins over the wildcard.
func (s *Server) Inject(endpoint Endpoint, agentID string, fault Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[faultKey{endpoint, agentID}] = fault
}

func (s *Server) Clear(endpoint Endpoint, agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.faults, faultKey{endpoint, agentID})
}

func (s *Server) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = map[faultKey]Fault{}
}

// Hits counts requests that reached endpoint, faulted or not.
func (s *Server) Hits(endpoint Endpoint) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[endpoint]
}

// SetCircuit overrides an agent's breaker status.
func (s *Server) SetCircuit(agentID string, status api.CircuitStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.agentLocked(agentID)
	rec.circuit.Status = status
	rec.updated = s.now()
}

// SetBudget overrides an agent's budget limit.
func (s *Server) SetBudget(agentID string, limit decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agentLocked(agentID).circuit.BudgetLimitUSD = limit
}

// TotalCost is the agent's accumulated spend.
func (s *Server) TotalCost(agentID string) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.agents[agentID]; ok {
		return rec.total
	}
	return decimal.Zero
}

func (s *Server) agentLocked(agentID string) *agentRecord {
	if rec, ok := s.agents[agentID]; ok {
		return rec
	}
	now := s.now()
	rec := &agentRecord{
		circuit: api.CircuitBreakerState{
			AgentID:             agentID,
			Status:              api.CircuitClosed,
			BudgetLimitUSD:      decimal.RequireFromString(defaultBudget),
			BudgetConsumedUSD:   decimal.Zero,
			FallbackModel:       defaultFallbackModel,
			ResetTimeoutSeconds: defaultResetTimeout,
		},
		total:   decimal.Zero,
		metrics: api.AgentMetrics{AgentID: agentID, CostUSD: decimal.Zero},
		created: now,
		updated: now,
	}
	s.agents[agentID] = rec
	s.order = append(s.order, agentID)
	return rec
}

// guard applies any matching fault. When stop is true the handler must
// return err immediately; the response has already been written or the
// client has gone away.
func (s *Server) guard(c echo.Context, endpoint Endpoint, agentID string) (stop bool, err error) {
	s.mu.Lock()
	s.hits[endpoint]++
	fault, ok := s.faults[faultKey{endpoint, agentID}]
	if !ok {
		fault, ok = s.faults[faultKey{endpoint, ""}]
	}
	s.mu.Unlock()
	if !ok {
		return false, nil
	}

	if fault.Delay > 0 {
		select {
		case <-time.After(fault.Delay):
		case <-c.Request().Context().Done():
			return true, c.Request().Context().Err()
		}
	}
	if fault.Status == 0 {
		return false, nil
	}
	if fault.EmptyBody {
		return true, c.NoContent(fault.Status)
	}
	detail := fault.Detail
	if detail == "" {
		detail = http.StatusText(fault.Status)
	}
	return true, c.JSON(fault.Status, map[string]string{"detail": detail})
}
