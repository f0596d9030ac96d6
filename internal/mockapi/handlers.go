package mockapi

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"meshdash/internal/api"
)

var healthFeatures = []string{
	"cost_tracking",
	"circuit_breaker",
	"llm_routing",
	"multi_agent_orchestration",
	"simple_chat",
}

var (
	researchKeywords = []string{"research", "information", "facts", "data", "search"}
	codeKeywords     = []string{"code", "function", "python", "script", "program", "implement"}
)

func (s *Server) registerRoutes(e *echo.Echo) {
	e.GET(api.PathHealth, s.handleHealth)
	e.GET(api.PathAgents, s.handleListAgents)
	e.POST(api.PathCostEvents, s.handleCostEvent)
	e.GET("/api/agents/:agent_id/cost", s.handleAgentCost)
	e.GET("/api/agents/:agent_id/circuit", s.handleAgentCircuit)
	e.POST("/api/agents/:agent_id/circuit/check-budget", s.handleCheckBudget)
	e.POST("/api/agents/:agent_id/chat", s.handleAgentChat)
	e.POST(api.PathChat, s.handleChat)
	e.POST(api.PathQuery, s.handleQuery)
}

func (s *Server) handleHealth(c echo.Context) error {
	if stop, err := s.guard(c, EndpointHealth, ""); stop {
		return err
	}
	return c.JSON(http.StatusOK, api.Health{Status: "ok", Phase: "3_orchestrator", Features: healthFeatures})
}

func (s *Server) handleListAgents(c echo.Context) error {
	if stop, err := s.guard(c, EndpointAgents, ""); stop {
		return err
	}
	s.mu.Lock()
	out := make([]api.AgentState, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.agents[id].state())
	}
	s.mu.Unlock()
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleCostEvent(c echo.Context) error {
	if stop, err := s.guard(c, EndpointCostEvents, ""); stop {
		return err
	}
	var req struct {
		AgentID          *string `json:"agent_id"`
		Model            *string `json:"model"`
		TokensPrompt     *int    `json:"tokens_prompt"`
		TokensCompletion *int    `json:"tokens_completion"`
	}
	if err := c.Bind(&req); err != nil {
		return invalidBody(c, err)
	}
	var missing []string
	if req.AgentID == nil {
		missing = append(missing, "agent_id")
	}
	if req.Model == nil {
		missing = append(missing, "model")
	}
	if req.TokensPrompt == nil {
		missing = append(missing, "tokens_prompt")
	}
	if req.TokensCompletion == nil {
		missing = append(missing, "tokens_completion")
	}
	if len(missing) > 0 {
		return missingFields(c, missing...)
	}

	s.mu.Lock()
	ev := s.recordLocked(*req.AgentID, *req.Model, *req.TokensPrompt, *req.TokensCompletion)
	s.mu.Unlock()
	return c.JSON(http.StatusOK, ev)
}

func (s *Server) handleAgentCost(c echo.Context) error {
	agentID, err := agentParam(c)
	if err != nil {
		return err
	}
	if stop, err := s.guard(c, EndpointCost, agentID); stop {
		return err
	}
	total := s.TotalCost(agentID)
	return c.JSON(http.StatusOK, api.AgentCost{AgentID: agentID, TotalCostUSD: total})
}

func (s *Server) handleAgentCircuit(c echo.Context) error {
	agentID, err := agentParam(c)
	if err != nil {
		return err
	}
	if stop, err := s.guard(c, EndpointCircuit, agentID); stop {
		return err
	}
	s.mu.Lock()
	state := s.agentLocked(agentID).circuit
	s.mu.Unlock()
	return c.JSON(http.StatusOK, state)
}

func (s *Server) handleCheckBudget(c echo.Context) error {
	agentID, err := agentParam(c)
	if err != nil {
		return err
	}
	if stop, err := s.guard(c, EndpointCheckBudget, agentID); stop {
		return err
	}
	s.mu.Lock()
	rec := s.agentLocked(agentID)
	rec.syncBudget(s.now())
	state := rec.circuit
	s.mu.Unlock()
	return c.JSON(http.StatusOK, state)
}

func (s *Server) handleAgentChat(c echo.Context) error {
	agentID, err := agentParam(c)
	if err != nil {
		return err
	}
	if stop, err := s.guard(c, EndpointAgentChat, agentID); stop {
		return err
	}
	var req struct {
		Messages []api.ChatMessage `json:"messages"`
	}
	if err := c.Bind(&req); err != nil {
		return invalidBody(c, err)
	}
	if req.Messages == nil {
		return missingFields(c, "messages")
	}
	prompt := ""
	if n := len(req.Messages); n > 0 {
		prompt = req.Messages[n-1].Content
	}

	s.mu.Lock()
	content, ev := s.invokeLocked(agentID, prompt)
	s.mu.Unlock()
	return c.JSON(http.StatusOK, api.AgentChatResponse{Response: content, CostEvent: ev})
}

func (s *Server) handleChat(c echo.Context) error {
	var req struct {
		Query   *string `json:"query"`
		AgentID string  `json:"agent_id"`
	}
	if err := c.Bind(&req); err != nil {
		return invalidBody(c, err)
	}
	if req.AgentID == "" {
		req.AgentID = api.DefaultChatAgentID
	}
	if stop, err := s.guard(c, EndpointChat, req.AgentID); stop {
		return err
	}
	if req.Query == nil {
		return missingFields(c, "query")
	}

	s.mu.Lock()
	content, ev := s.invokeLocked(req.AgentID, *req.Query)
	s.mu.Unlock()
	return c.JSON(http.StatusOK, api.SimpleChatResponse{
		Response:  content,
		CostUSD:   ev.CostUSD,
		ModelUsed: ev.ModelUsed,
		AgentID:   req.AgentID,
	})
}

func (s *Server) handleQuery(c echo.Context) error {
	var req struct {
		Query          *string `json:"query"`
		AgentID        string  `json:"agent_id"`
		ForceAllAgents bool    `json:"force_all_agents"`
	}
	if err := c.Bind(&req); err != nil {
		return invalidBody(c, err)
	}
	if req.AgentID == "" {
		req.AgentID = api.DefaultQueryAgentID
	}
	if stop, err := s.guard(c, EndpointQuery, req.AgentID); stop {
		return err
	}
	if req.Query == nil {
		return missingFields(c, "query")
	}
	query := *req.Query

	s.mu.Lock()
	defer s.mu.Unlock()

	resp := api.QueryResponse{AgentsUsed: []string{"coordinator"}}
	routing := api.RoutingDecision{Reason: "forced_all_agents", Research: true, Code: true}
	if !req.ForceAllAgents {
		lower := strings.ToLower(query)
		routing = api.RoutingDecision{
			Reason:   "coordinator_analysis",
			Research: containsAny(lower, researchKeywords),
			Code:     containsAny(lower, codeKeywords),
		}
	}
	resp.RoutingDecision = routing

	analysis, ev := s.invokeLocked("coordinator", query)
	resp.CoordinatorAnalysis = fmt.Sprintf("%s (research=%t, code=%t)", analysis, routing.Research, routing.Code)
	total := ev.CostUSD

	if routing.Research {
		answer, ev := s.invokeLocked("researcher", query)
		resp.ResearcherResponse = &answer
		resp.AgentsUsed = append(resp.AgentsUsed, "researcher")
		total = total.Add(ev.CostUSD)
	}
	if routing.Code {
		answer, ev := s.invokeLocked("coder", query)
		resp.CoderResponse = &answer
		resp.AgentsUsed = append(resp.AgentsUsed, "coder")
		total = total.Add(ev.CostUSD)
	}

	if routing.Research || routing.Code {
		final, ev := s.invokeLocked("coordinator", "synthesize: "+query)
		resp.FinalAnswer = final
		total = total.Add(ev.CostUSD)
	} else {
		resp.FinalAnswer = "Direct answer: " + analysis
	}
	resp.TotalCost = total
	return c.JSON(http.StatusOK, resp)
}

// invokeLocked plays one model call for agentID: sync the budget, pick the
// model the breaker allows, charge for it.
func (s *Server) invokeLocked(agentID, prompt string) (string, api.CostEvent) {
	rec := s.agentLocked(agentID)
	rec.syncBudget(s.now())
	model := ModelPrimary
	if rec.circuit.Status == api.CircuitOpen {
		model = ModelFallback
	}
	promptTokens := len(prompt)/4 + 1
	ev := s.recordLocked(agentID, model, promptTokens, cannedCompletionToken)
	rec.lastTask = prompt
	return fmt.Sprintf("[%s/%s] %s", agentID, model, summarize(prompt)), ev
}

func (s *Server) recordLocked(agentID, model string, promptTokens, completionTokens int) api.CostEvent {
	rec := s.agentLocked(agentID)
	now := s.now()
	ev := api.CostEvent{
		EventID:          uuid.NewString(),
		AgentID:          agentID,
		ModelUsed:        model,
		TokensPrompt:     promptTokens,
		TokensCompletion: completionTokens,
		CostUSD:          Cost(model, promptTokens, completionTokens),
		Timestamp:        api.Timestamp{Time: now.UTC()},
	}
	rec.events = append(rec.events, ev)
	rec.total = rec.total.Add(ev.CostUSD)
	rec.metrics.TokensConsumed += promptTokens + completionTokens
	rec.metrics.CostUSD = rec.total
	rec.metrics.APICallsTotal++
	rec.updated = now
	return ev
}

func (r *agentRecord) syncBudget(now time.Time) {
	r.circuit.BudgetConsumedUSD = r.total
	if r.circuit.BudgetConsumedUSD.GreaterThanOrEqual(r.circuit.BudgetLimitUSD) {
		r.circuit.Status = api.CircuitOpen
	}
	r.updated = now
}

func (r *agentRecord) state() api.AgentState {
	st := api.AgentState{
		AgentID:        r.circuit.AgentID,
		AgentType:      agentType(r.circuit.AgentID),
		Status:         api.StatusIdle,
		Metrics:        r.metrics,
		CircuitBreaker: r.circuit,
		CreatedAt:      api.Timestamp{Time: r.created.UTC()},
		UpdatedAt:      api.Timestamp{Time: r.updated.UTC()},
	}
	if r.lastTask != "" {
		task := r.lastTask
		st.CurrentTask = &task
		st.Status = api.StatusCompleted
		st.Progress = 1
	}
	if r.circuit.Status == api.CircuitOpen {
		st.Status = api.StatusBlocked
	}
	return st
}

func agentType(agentID string) api.AgentType {
	switch {
	case strings.Contains(agentID, "research"):
		return api.AgentResearch
	case strings.Contains(agentID, "cod"):
		return api.AgentCode
	default:
		return api.AgentCoordinator
	}
}

func containsAny(text string, words []string) bool {
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}

func summarize(prompt string) string {
	prompt = strings.Join(strings.Fields(prompt), " ")
	if len(prompt) > 80 {
		return prompt[:77] + "..."
	}
	if prompt == "" {
		return "(empty prompt)"
	}
	return prompt
}

// agentParam returns the decoded :agent_id segment. Echo matches on the raw
// path, so ids with escaped slashes or spaces arrive still escaped.
func agentParam(c echo.Context) (string, error) {
	raw := c.Param("agent_id")
	id, err := url.PathUnescape(raw)
	if err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid agent id %q", raw))
	}
	return id, nil
}

func missingFields(c echo.Context, fields ...string) error {
	body := api.ValidationError{Detail: make([]api.ValidationErrorItem, 0, len(fields))}
	for _, f := range fields {
		body.Detail = append(body.Detail, api.ValidationErrorItem{Loc: []any{"body", f}, Msg: "field required", Type: "value_error.missing"})
	}
	return c.JSON(http.StatusUnprocessableEntity, body)
}

func invalidBody(c echo.Context, err error) error {
	msg := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg = fmt.Sprint(he.Message)
	}
	return c.JSON(http.StatusUnprocessableEntity, api.ValidationError{Detail: []api.ValidationErrorItem{
		{Loc: []any{"body"}, Msg: msg, Type: "value_error.jsondecode"},
	}})
}
