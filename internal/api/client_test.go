package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshdash/internal/gateway"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(gateway.New(gateway.Options{BaseURL: server.URL, Timeout: time.Second}))
}

func TestQuery_RoundTrip(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, PathQuery, r.URL.Path)

		var got map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		assert.Equal(t, map[string]any{
			"query":            "X",
			"agent_id":         "user_agent",
			"force_all_agents": true,
		}, got)

		_, _ = w.Write([]byte(`{
			"coordinator_analysis": "needs both",
			"researcher_response": "facts",
			"coder_response": null,
			"final_answer": "done",
			"total_cost": 0.000123,
			"agents_used": ["coordinator", "researcher"],
			"routing_decision": {"reason": "forced_all_agents", "research": true, "code": false}
		}`))
	})

	resp, f := client.Query(context.Background(), QueryRequest{Query: "X", AgentID: DefaultQueryAgentID, ForceAllAgents: true})
	require.Nil(t, f)
	assert.Equal(t, []string{"coordinator", "researcher"}, resp.AgentsUsed)
	assert.Equal(t, RoutingDecision{Reason: "forced_all_agents", Research: true, Code: false}, resp.RoutingDecision)
	require.NotNil(t, resp.ResearcherResponse)
	assert.Equal(t, "facts", *resp.ResearcherResponse)
	assert.Nil(t, resp.CoderResponse)
	assert.True(t, decimal.RequireFromString("0.000123").Equal(resp.TotalCost))
}

func TestQueryRequest_OmitsDefaults(t *testing.T) {
	buf, err := json.Marshal(QueryRequest{Query: "hello"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"query":"hello"}`, string(buf))

	buf, err = json.Marshal(SimpleChatRequest{Query: "hi", AgentID: "coder"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"query":"hi","agent_id":"coder"}`, string(buf))
}

func TestAgentCircuit_DecodesNaiveTimestamp(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/agents/coder/circuit", r.URL.Path)
		_, _ = w.Write([]byte(`{
			"agent_id": "coder",
			"status": "open",
			"failure_count": 3,
			"budget_limit_usd": 5.0,
			"budget_consumed_usd": 5.25,
			"fallback_model": "ollama-mistral",
			"last_failure_time": "2024-05-01T12:00:00.123456",
			"reset_timeout_seconds": 60
		}`))
	})

	state, f := client.AgentCircuit(context.Background(), "coder")
	require.Nil(t, f)
	assert.Equal(t, CircuitOpen, state.Status)
	assert.True(t, state.Status.Valid())
	require.NotNil(t, state.LastFailureTime)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 123456000, time.UTC), state.LastFailureTime.Time)
	assert.Equal(t, "5.25", state.BudgetConsumedUSD.String())
}

func TestAgentCost_Failure(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"detail":"Agent ghost not found"}`))
	})

	_, f := client.AgentCost(context.Background(), "ghost", gateway.Quiet())
	require.NotNil(t, f)
	assert.Equal(t, gateway.KindHTTPStatus, f.Kind)
	assert.Equal(t, "Agent ghost not found", f.Message)
}

func TestPaths_EscapeAgentID(t *testing.T) {
	assert.Equal(t, "/api/agents/a%2Fb/cost", AgentCostPath("a/b"))
	assert.Equal(t, "/api/agents/coder/circuit/check-budget", CheckBudgetPath("coder"))
	assert.Equal(t, "/api/agents/my%20agent/chat", AgentChatPath("my agent"))
}

func TestTimestamp(t *testing.T) {
	var ts Timestamp
	require.NoError(t, json.Unmarshal([]byte(`"2024-05-01T12:00:00Z"`), &ts))
	assert.Equal(t, 2024, ts.Year())

	var ptr *Timestamp
	require.NoError(t, json.Unmarshal([]byte(`null`), &ptr))
	assert.Nil(t, ptr)

	assert.Error(t, json.Unmarshal([]byte(`"yesterday"`), &ts))

	out, err := json.Marshal(Timestamp{})
	require.NoError(t, err)
	assert.Equal(t, "null", string(out))
}
