package chat

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"meshdash/internal/api"
	"meshdash/internal/gateway"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Routing is the orchestrator's explanation of which specialists ran.
type Routing struct {
	Reason   string `json:"reason"`
	Research bool   `json:"research"`
	Code     bool   `json:"code"`
}

func (r Routing) String() string {
	reason := strings.TrimSpace(r.Reason)
	if reason == "" {
		reason = "unspecified"
	}
	return fmt.Sprintf("%s: research=%s code=%s", reason, yesNo(r.Research), yesNo(r.Code))
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

// Entry is one timeline item. Entries are never mutated once appended.
type Entry struct {
	ID         string           `json:"id"`
	Role       Role             `json:"role"`
	Mode       string           `json:"mode,omitempty"`
	Content    string           `json:"content"`
	Cost       *decimal.Decimal `json:"cost,omitempty"`
	Model      string           `json:"model,omitempty"`
	AgentsUsed []string         `json:"agents_used,omitempty"`
	Routing    *Routing         `json:"routing,omitempty"`
	AgentID    string           `json:"agent_id,omitempty"`
	Error      bool             `json:"error,omitempty"`
	Kind       gateway.Kind     `json:"kind,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

// Reply is a decoded backend answer. Each variant builds its own entry so the
// two response shapes never mix.
type Reply interface {
	entry() Entry
}

type QueryReply struct {
	api.QueryResponse
}

func (r QueryReply) entry() Entry {
	cost := r.TotalCost
	return Entry{
		Role:       RoleAssistant,
		Mode:       ModeMultiAgent,
		Content:    r.FinalAnswer,
		Cost:       &cost,
		AgentsUsed: append([]string(nil), r.AgentsUsed...),
		Routing: &Routing{
			Reason:   r.RoutingDecision.Reason,
			Research: r.RoutingDecision.Research,
			Code:     r.RoutingDecision.Code,
		},
	}
}

type ChatReply struct {
	api.SimpleChatResponse
}

func (r ChatReply) entry() Entry {
	cost := r.CostUSD
	return Entry{
		Role:    RoleAssistant,
		Mode:    ModeSimple,
		Content: r.Response,
		Cost:    &cost,
		Model:   r.ModelUsed,
		AgentID: r.AgentID,
	}
}

func errorEntry(mode, message string, kind gateway.Kind) Entry {
	return Entry{
		Role:    RoleAssistant,
		Mode:    mode,
		Content: message,
		Error:   true,
		Kind:    kind,
	}
}
