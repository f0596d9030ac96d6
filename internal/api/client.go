package api

import (
	"context"
	"net/url"

	"meshdash/internal/gateway"
)

const (
	PathHealth     = "/health"
	PathAgents     = "/api/agents"
	PathCostEvents = "/api/cost-events"
	PathChat       = "/api/chat"
	PathQuery      = "/api/query"
)

func AgentCostPath(agentID string) string {
	return "/api/agents/" + url.PathEscape(agentID) + "/cost"
}

func AgentCircuitPath(agentID string) string {
	return "/api/agents/" + url.PathEscape(agentID) + "/circuit"
}

func CheckBudgetPath(agentID string) string {
	return AgentCircuitPath(agentID) + "/check-budget"
}

func AgentChatPath(agentID string) string {
	return "/api/agents/" + url.PathEscape(agentID) + "/chat"
}

// Client is the typed contract client. Every method returns either a value or
// a gateway failure, never both.
type Client struct {
	gw *gateway.Gateway
}

func NewClient(gw *gateway.Gateway) *Client {
	return &Client{gw: gw}
}

func (c *Client) Health(ctx context.Context, opts ...gateway.CallOption) (Health, *gateway.Failure) {
	return gateway.Decode[Health](c.gw.Get(ctx, PathHealth, opts...))
}

func (c *Client) ListAgents(ctx context.Context) ([]AgentState, *gateway.Failure) {
	return gateway.Decode[[]AgentState](c.gw.Get(ctx, PathAgents))
}

func (c *Client) RecordCostEvent(ctx context.Context, req CreateCostEventRequest) (CostEvent, *gateway.Failure) {
	return gateway.Decode[CostEvent](c.gw.Post(ctx, PathCostEvents, req))
}

func (c *Client) AgentCost(ctx context.Context, agentID string, opts ...gateway.CallOption) (AgentCost, *gateway.Failure) {
	return gateway.Decode[AgentCost](c.gw.Get(ctx, AgentCostPath(agentID), opts...))
}

func (c *Client) AgentCircuit(ctx context.Context, agentID string, opts ...gateway.CallOption) (CircuitBreakerState, *gateway.Failure) {
	return gateway.Decode[CircuitBreakerState](c.gw.Get(ctx, AgentCircuitPath(agentID), opts...))
}

func (c *Client) CheckBudget(ctx context.Context, agentID string) (CircuitBreakerState, *gateway.Failure) {
	return gateway.Decode[CircuitBreakerState](c.gw.Post(ctx, CheckBudgetPath(agentID), nil))
}

func (c *Client) AgentChat(ctx context.Context, agentID string, messages []ChatMessage) (AgentChatResponse, *gateway.Failure) {
	return gateway.Decode[AgentChatResponse](c.gw.Post(ctx, AgentChatPath(agentID), AgentChatRequest{Messages: messages}))
}

func (c *Client) Chat(ctx context.Context, req SimpleChatRequest) (SimpleChatResponse, *gateway.Failure) {
	return gateway.Decode[SimpleChatResponse](c.gw.Post(ctx, PathChat, req))
}

func (c *Client) Query(ctx context.Context, req QueryRequest) (QueryResponse, *gateway.Failure) {
	return gateway.Decode[QueryResponse](c.gw.Post(ctx, PathQuery, req))
}
