// Package api mirrors the Circuit Breaker Mesh HTTP contract: request and
// response shapes plus a typed client over the gateway.
package api

import (
	"github.com/shopspring/decimal"
)

const (
	DefaultQueryAgentID = "user_agent"
	DefaultChatAgentID  = "default_agent"
)

type CircuitStatus string

const (
	CircuitClosed   CircuitStatus = "closed"
	CircuitHalfOpen CircuitStatus = "half_open"
	CircuitOpen     CircuitStatus = "open"
)

func (s CircuitStatus) Valid() bool {
	switch s {
	case CircuitClosed, CircuitHalfOpen, CircuitOpen:
		return true
	default:
		return false
	}
}

type AgentType string

const (
	AgentCoordinator AgentType = "coordinator"
	AgentResearch    AgentType = "research"
	AgentCode        AgentType = "code"
)

type AgentStatus string

const (
	StatusIdle          AgentStatus = "idle"
	StatusThinking      AgentStatus = "thinking"
	StatusExecutingTool AgentStatus = "executing_tool"
	StatusBlocked       AgentStatus = "blocked"
	StatusCompleted     AgentStatus = "completed"
	StatusFailed        AgentStatus = "failed"
)

type CircuitBreakerState struct {
	AgentID             string          `json:"agent_id"`
	Status              CircuitStatus   `json:"status"`
	FailureCount        int             `json:"failure_count"`
	BudgetLimitUSD      decimal.Decimal `json:"budget_limit_usd"`
	BudgetConsumedUSD   decimal.Decimal `json:"budget_consumed_usd"`
	FallbackModel       string          `json:"fallback_model"`
	LastFailureTime     *Timestamp      `json:"last_failure_time"`
	ResetTimeoutSeconds int             `json:"reset_timeout_seconds"`
}

type AgentCost struct {
	AgentID      string          `json:"agent_id"`
	TotalCostUSD decimal.Decimal `json:"total_cost_usd"`
}

type AgentMetrics struct {
	AgentID        string          `json:"agent_id"`
	TokensConsumed int             `json:"tokens_consumed"`
	CostUSD        decimal.Decimal `json:"cost_usd"`
	APICallsTotal  int             `json:"api_calls_total"`
	APICallsFailed int             `json:"api_calls_failed"`
	LatencyMS      float64         `json:"latency_ms"`
	LatencyP95MS   float64         `json:"latency_p95_ms"`
}

type AgentState struct {
	AgentID        string              `json:"agent_id"`
	AgentType      AgentType           `json:"agent_type"`
	Status         AgentStatus         `json:"status"`
	CurrentTask    *string             `json:"current_task"`
	Progress       float64             `json:"progress"`
	Position3D     [3]float64          `json:"position_3d"`
	Metrics        AgentMetrics        `json:"metrics"`
	CircuitBreaker CircuitBreakerState `json:"circuit_breaker"`
	CreatedAt      Timestamp           `json:"created_at"`
	UpdatedAt      Timestamp           `json:"updated_at"`
}

type CostEvent struct {
	EventID          string          `json:"event_id"`
	AgentID          string          `json:"agent_id"`
	ModelUsed        string          `json:"model_used"`
	TokensPrompt     int             `json:"tokens_prompt"`
	TokensCompletion int             `json:"tokens_completion"`
	CostUSD          decimal.Decimal `json:"cost_usd"`
	Timestamp        Timestamp       `json:"timestamp"`
}

type CreateCostEventRequest struct {
	AgentID          string `json:"agent_id"`
	Model            string `json:"model"`
	TokensPrompt     int    `json:"tokens_prompt"`
	TokensCompletion int    `json:"tokens_completion"`
}

type Health struct {
	Status   string   `json:"status"`
	Phase    string   `json:"phase"`
	Features []string `json:"features"`
}

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type AgentChatRequest struct {
	Messages []ChatMessage `json:"messages"`
}

type AgentChatResponse struct {
	Response  string    `json:"response"`
	CostEvent CostEvent `json:"cost_event"`
}

type SimpleChatRequest struct {
	Query   string `json:"query"`
	AgentID string `json:"agent_id,omitempty"`
}

type SimpleChatResponse struct {
	Response  string          `json:"response"`
	CostUSD   decimal.Decimal `json:"cost_usd"`
	ModelUsed string          `json:"model_used"`
	AgentID   string          `json:"agent_id"`
}

type QueryRequest struct {
	Query          string `json:"query"`
	AgentID        string `json:"agent_id,omitempty"`
	ForceAllAgents bool   `json:"force_all_agents,omitempty"`
}

type RoutingDecision struct {
	Reason   string `json:"reason"`
	Research bool   `json:"research"`
	Code     bool   `json:"code"`
}

type QueryResponse struct {
	CoordinatorAnalysis string          `json:"coordinator_analysis"`
	ResearcherResponse  *string         `json:"researcher_response"`
	CoderResponse       *string         `json:"coder_response"`
	FinalAnswer         string          `json:"final_answer"`
	TotalCost           decimal.Decimal `json:"total_cost"`
	AgentsUsed          []string        `json:"agents_used"`
	RoutingDecision     RoutingDecision `json:"routing_decision"`
}

// ValidationErrorItem is one element of a 422 `detail` list.
type ValidationErrorItem struct {
	Loc  []any  `json:"loc"`
	Msg  string `json:"msg"`
	Type string `json:"type"`
}

// ValidationError is the 422 body the backend sends for a malformed request.
type ValidationError struct {
	Detail []ValidationErrorItem `json:"detail"`
}
