package mockapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshdash/internal/api"
	"meshdash/internal/gateway"
)

func newStub(t *testing.T, timeout time.Duration, seed ...string) (*Server, *api.Client, string) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	stub := New(logger, seed...)
	server := httptest.NewServer(stub.Handler())
	t.Cleanup(server.Close)
	gw := gateway.New(gateway.Options{BaseURL: server.URL, Timeout: timeout})
	return stub, api.NewClient(gw), server.URL
}

func TestHealth(t *testing.T) {
	_, client, _ := newStub(t, time.Second)
	health, f := client.Health(context.Background())
	require.Nil(t, f)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "3_orchestrator", health.Phase)
	assert.Contains(t, health.Features, "circuit_breaker")
}

func TestCircuit_DefaultState(t *testing.T) {
	_, client, _ := newStub(t, time.Second)
	state, f := client.AgentCircuit(context.Background(), "coder")
	require.Nil(t, f)
	assert.Equal(t, api.CircuitClosed, state.Status)
	assert.Equal(t, "5", state.BudgetLimitUSD.String())
	assert.Equal(t, "ollama-mistral", state.FallbackModel)
	assert.Equal(t, 60, state.ResetTimeoutSeconds)
	assert.Nil(t, state.LastFailureTime)
}

func TestCostEvents_AccumulateAndTripBudget(t *testing.T) {
	stub, client, _ := newStub(t, time.Second)
	stub.SetBudget("coder", decimal.RequireFromString("0.001"))

	ev, f := client.RecordCostEvent(context.Background(), api.CreateCostEventRequest{
		AgentID: "coder", Model: ModelPrimary, TokensPrompt: 1000, TokensCompletion: 1000,
	})
	require.Nil(t, f)
	assert.Equal(t, "0.00138", ev.CostUSD.String())
	assert.NotEmpty(t, ev.EventID)
	assert.False(t, ev.Timestamp.IsZero())

	cost, f := client.AgentCost(context.Background(), "coder")
	require.Nil(t, f)
	assert.True(t, cost.TotalCostUSD.Equal(ev.CostUSD))

	state, f := client.CheckBudget(context.Background(), "coder")
	require.Nil(t, f)
	assert.Equal(t, api.CircuitOpen, state.Status)
	assert.True(t, state.BudgetConsumedUSD.Equal(ev.CostUSD))

	reply, f := client.Chat(context.Background(), api.SimpleChatRequest{Query: "hi", AgentID: "coder"})
	require.Nil(t, f)
	assert.Equal(t, ModelFallback, reply.ModelUsed, "open breaker falls back to the free model")
	assert.True(t, reply.CostUSD.IsZero())
}

func TestCostEvents_Validation(t *testing.T) {
	_, _, baseURL := newStub(t, time.Second)
	gw := gateway.New(gateway.Options{BaseURL: baseURL, Timeout: time.Second})

	env := gw.Post(context.Background(), api.PathCostEvents, map[string]any{"agent_id": "coder"})
	require.NotNil(t, env.Failure)
	assert.Equal(t, gateway.KindValidation, env.Failure.Kind)
	require.Len(t, env.Failure.Fields, 3)
	assert.Equal(t, []string{"body", "model"}, env.Failure.Fields[0].Location)
	assert.Equal(t, "Validation error: body.model: field required", env.Failure.Message)

	env = gw.Post(context.Background(), api.PathCostEvents, map[string]any{"agent_id": "coder", "model": "m", "tokens_prompt": "many", "tokens_completion": 1})
	require.NotNil(t, env.Failure)
	assert.Equal(t, gateway.KindValidation, env.Failure.Kind)
}

func TestQuery_Routing(t *testing.T) {
	tests := []struct {
		name     string
		req      api.QueryRequest
		reason   string
		used     []string
		research bool
		code     bool
	}{
		{"direct", api.QueryRequest{Query: "hello there"}, "coordinator_analysis", []string{"coordinator"}, false, false},
		{"research only", api.QueryRequest{Query: "find facts about Go"}, "coordinator_analysis", []string{"coordinator", "researcher"}, true, false},
		{"code only", api.QueryRequest{Query: "write a python function"}, "coordinator_analysis", []string{"coordinator", "coder"}, false, true},
		{"forced", api.QueryRequest{Query: "hello", ForceAllAgents: true}, "forced_all_agents", []string{"coordinator", "researcher", "coder"}, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, client, _ := newStub(t, time.Second)
			resp, f := client.Query(context.Background(), tt.req)
			require.Nil(t, f)
			assert.Equal(t, tt.used, resp.AgentsUsed)
			assert.Equal(t, api.RoutingDecision{Reason: tt.reason, Research: tt.research, Code: tt.code}, resp.RoutingDecision)
			assert.Equal(t, tt.research, resp.ResearcherResponse != nil)
			assert.Equal(t, tt.code, resp.CoderResponse != nil)
			assert.True(t, resp.TotalCost.IsPositive())
			assert.NotEmpty(t, resp.FinalAnswer)
		})
	}
}

func TestQuery_ChargesSpecialists(t *testing.T) {
	stub, client, _ := newStub(t, time.Second)
	_, f := client.Query(context.Background(), api.QueryRequest{Query: "x", ForceAllAgents: true})
	require.Nil(t, f)
	for _, id := range []string{"coordinator", "researcher", "coder"} {
		assert.True(t, stub.TotalCost(id).IsPositive(), id)
	}
	assert.True(t, stub.TotalCost("user_agent").IsZero())
}

func TestAgentChat(t *testing.T) {
	_, client, _ := newStub(t, time.Second)
	resp, f := client.AgentChat(context.Background(), "researcher", []api.ChatMessage{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "what is a circuit breaker"},
	})
	require.Nil(t, f)
	assert.Contains(t, resp.Response, "what is a circuit breaker")
	assert.Equal(t, "researcher", resp.CostEvent.AgentID)
	assert.Equal(t, ModelPrimary, resp.CostEvent.ModelUsed)
}

func TestListAgents(t *testing.T) {
	stub, client, _ := newStub(t, time.Second, "coordinator", "researcher")
	stub.SetCircuit("researcher", api.CircuitOpen)

	agents, f := client.ListAgents(context.Background())
	require.Nil(t, f)
	require.Len(t, agents, 2)
	assert.Equal(t, "coordinator", agents[0].AgentID)
	assert.Equal(t, api.AgentCoordinator, agents[0].AgentType)
	assert.Equal(t, api.AgentResearch, agents[1].AgentType)
	assert.Equal(t, api.StatusBlocked, agents[1].Status)
}

func TestFaults(t *testing.T) {
	stub, client, _ := newStub(t, 100*time.Millisecond)

	stub.Inject(EndpointCircuit, "researcher", Fault{Status: http.StatusServiceUnavailable, Detail: "breaker store down"})
	_, f := client.AgentCircuit(context.Background(), "researcher")
	require.NotNil(t, f)
	assert.Equal(t, http.StatusServiceUnavailable, f.Status)
	assert.Equal(t, "breaker store down", f.Message)

	_, f = client.AgentCircuit(context.Background(), "coder")
	assert.Nil(t, f, "agent-specific fault does not leak")

	stub.Inject(EndpointCost, "", Fault{Delay: time.Second})
	_, f = client.AgentCost(context.Background(), "coder")
	require.NotNil(t, f)
	assert.Equal(t, gateway.KindTimeout, f.Kind)

	stub.Clear(EndpointCost, "")
	_, f = client.AgentCost(context.Background(), "coder")
	assert.Nil(t, f)

	stub.Inject(EndpointQuery, "", Fault{Status: http.StatusInternalServerError})
	_, f = client.Query(context.Background(), api.QueryRequest{Query: "q"})
	require.NotNil(t, f)
	assert.Equal(t, "Internal Server Error", f.Message)

	stub.ClearAll()
	_, f = client.Query(context.Background(), api.QueryRequest{Query: "q"})
	assert.Nil(t, f)
	assert.Equal(t, 2, stub.Hits(EndpointQuery))
}

func TestFaults_EmptyBodyUsesFallbackMessage(t *testing.T) {
	stub, client, _ := newStub(t, time.Second)
	stub.Inject(EndpointQuery, "", Fault{Status: http.StatusBadGateway, EmptyBody: true})

	_, f := client.Query(context.Background(), api.QueryRequest{Query: "q"})
	require.NotNil(t, f)
	assert.Equal(t, gateway.KindHTTPStatus, f.Kind)
	assert.Equal(t, http.StatusBadGateway, f.Status)
	assert.Equal(t, "Server error. Please try again later.", f.Message)
}

func TestAgentRoutes_UnescapeAgentID(t *testing.T) {
	stub, client, _ := newStub(t, time.Second)
	id := "team a/b"

	state, f := client.AgentCircuit(context.Background(), id)
	require.Nil(t, f)
	assert.Equal(t, id, state.AgentID)

	cost, f := client.AgentCost(context.Background(), id)
	require.Nil(t, f)
	assert.Equal(t, id, cost.AgentID)

	_, f = client.AgentChat(context.Background(), id, []api.ChatMessage{{Role: "user", Content: "hi"}})
	require.Nil(t, f)
	assert.True(t, stub.TotalCost(id).IsPositive())
	assert.True(t, stub.TotalCost("team%20a%2Fb").IsZero())
}

func TestUSDAmountsAreJSONNumbers(t *testing.T) {
	_, _, baseURL := newStub(t, time.Second)
	resp, err := http.Get(baseURL + "/api/agents/coder/circuit")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"budget_limit_usd":5`)
	assert.NotContains(t, string(body), `"budget_limit_usd":"`)
}

func TestValidationBodyShape(t *testing.T) {
	_, _, baseURL := newStub(t, time.Second)
	resp, err := http.Post(baseURL+"/api/query", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	var body api.ValidationError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Detail, 1)
	assert.Equal(t, []any{"body", "query"}, body.Detail[0].Loc)
	assert.Equal(t, "value_error.missing", body.Detail[0].Type)
}

func TestRequestIDEchoed(t *testing.T) {
	_, _, baseURL := newStub(t, time.Second)
	req, err := http.NewRequest(http.MethodGet, baseURL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set(gateway.RequestIDHeader, "abc-123")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "abc-123", resp.Header.Get(gateway.RequestIDHeader))
}

func TestCost(t *testing.T) {
	assert.Equal(t, "0.00138", Cost(ModelPrimary, 1000, 1000).String())
	assert.Equal(t, "0.00013", Cost("groq/"+ModelInstant, 1000, 1000).String())
	assert.True(t, Cost(ModelFallback, 5000, 5000).IsZero())
	assert.Equal(t, "0.00138", Cost("mystery-model", 1000, 1000).String())
}

func TestSummarize(t *testing.T) {
	assert.Equal(t, "(empty prompt)", summarize("  "))
	long := strings.Repeat("a", 100)
	assert.Len(t, summarize(long), 80)
}
