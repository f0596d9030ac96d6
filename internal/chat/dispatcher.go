// Package chat routes user messages to the multi-agent or direct chat
// endpoint and keeps the session timeline.
package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"meshdash/internal/api"
	"meshdash/internal/gateway"
	"meshdash/internal/status"
)

const (
	ModeMultiAgent = "multi-agent"
	ModeSimple     = "simple"

	msgProcessingFailed = "Failed to process your request."
)

// Request selects the backend workflow for one send.
type Request interface {
	Mode() string
	isRequest()
}

// MultiAgent sends through the orchestrator (/api/query).
type MultiAgent struct {
	ForceAllAgents bool
	AgentID        string
}

func (MultiAgent) Mode() string { return ModeMultiAgent }
func (MultiAgent) isRequest()   {}

// Simple sends straight to one agent (/api/chat).
type Simple struct {
	AgentID string
}

func (Simple) Mode() string { return ModeSimple }
func (Simple) isRequest()   {}

type State int

const (
	StateIdle State = iota
	StateSending
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateSending:
		return "sending"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "idle"
	}
}

// Backend is the slice of the API client the dispatcher calls.
type Backend interface {
	Query(ctx context.Context, req api.QueryRequest) (api.QueryResponse, *gateway.Failure)
	Chat(ctx context.Context, req api.SimpleChatRequest) (api.SimpleChatResponse, *gateway.Failure)
}

// Refresher is refreshed once after every exchange.
type Refresher interface {
	Refresh(ctx context.Context, ids ...string) status.Snapshot
}

type Options struct {
	Backend   Backend
	Refresher Refresher
	Notifier  gateway.Notifier
	Logger    *logrus.Logger
}

type Dispatcher struct {
	backend   Backend
	refresher Refresher
	notifier  gateway.Notifier
	logger    *logrus.Logger
	now       func() time.Time

	mu      sync.RWMutex
	entries []Entry
	state   State
}

func New(opts Options) *Dispatcher {
	notifier := opts.Notifier
	if notifier == nil {
		notifier = gateway.NotifierFunc(func(gateway.Notice) {})
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Dispatcher{
		backend:   opts.Backend,
		refresher: opts.Refresher,
		notifier:  notifier,
		logger:    logger,
		now:       time.Now,
	}
}

// Send appends the user entry, performs one backend call for req's mode and
// appends one assistant entry. It reports false (and does nothing) when text
// is blank. A status refresh follows every exchange, successful or not.
func (d *Dispatcher) Send(ctx context.Context, text string, req Request) (Entry, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Entry{}, false
	}
	if req == nil {
		req = MultiAgent{}
	}

	d.append(Entry{Role: RoleUser, Mode: req.Mode(), Content: text, AgentID: requestAgent(req)})
	d.setState(StateSending)

	reply := d.exchange(ctx, text, req)
	reply = d.append(reply)
	if reply.Error {
		d.setState(StateFailed)
	} else {
		d.setState(StateSucceeded)
	}

	d.refresh(ctx)
	d.setState(StateIdle)
	return reply, true
}

// exchange performs the backend call and converts the outcome into the
// assistant entry. Panics are contained here.
func (d *Dispatcher) exchange(ctx context.Context, text string, req Request) (out Entry) {
	entry := d.logger.WithFields(logrus.Fields{"mode": req.Mode(), "agent": requestAgent(req)})
	defer func() {
		if r := recover(); r != nil {
			entry.WithField("panic", fmt.Sprint(r)).Error("Recovered while processing chat reply")
			d.notifier.Notify(gateway.Notice{Level: gateway.LevelError, Message: msgProcessingFailed})
			out = errorEntry(req.Mode(), msgProcessingFailed, gateway.KindApplication)
		}
	}()

	var (
		reply   Reply
		failure *gateway.Failure
	)
	switch r := req.(type) {
	case MultiAgent:
		d.notifier.Notify(gateway.Notice{Level: gateway.LevelLoading, Message: "Querying agents..."})
		agentID := r.AgentID
		if agentID == "" {
			agentID = api.DefaultQueryAgentID
		}
		var resp api.QueryResponse
		resp, failure = d.backend.Query(ctx, api.QueryRequest{Query: text, AgentID: agentID, ForceAllAgents: r.ForceAllAgents})
		reply = QueryReply{resp}
	case Simple:
		agentID := r.AgentID
		if agentID == "" {
			agentID = api.DefaultChatAgentID
		}
		d.notifier.Notify(gateway.Notice{Level: gateway.LevelLoading, Message: "Sending to " + agentID + "..."})
		var resp api.SimpleChatResponse
		resp, failure = d.backend.Chat(ctx, api.SimpleChatRequest{Query: text, AgentID: agentID})
		reply = ChatReply{resp}
	default:
		panic(fmt.Sprintf("unknown request type %T", req))
	}

	if failure != nil {
		entry.WithFields(logrus.Fields{"kind": failure.Kind.String(), "error": failure.Message}).Warn("Chat request failed")
		return errorEntry(req.Mode(), failure.Message, failure.Kind)
	}

	out = reply.entry()
	entry.WithFields(logrus.Fields{"cost": out.Cost, "agents_used": out.AgentsUsed}).Info("Chat reply received")
	d.notifier.Notify(gateway.Notice{Level: gateway.LevelSuccess, Message: "Response received"})
	return out
}

func (d *Dispatcher) refresh(ctx context.Context) {
	if d.refresher == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.WithField("panic", fmt.Sprint(r)).Error("Recovered from status refresh after chat")
		}
	}()
	d.refresher.Refresh(ctx)
}

func (d *Dispatcher) append(e Entry) Entry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = d.now()
	}
	d.mu.Lock()
	d.entries = append(d.entries, e)
	d.mu.Unlock()
	return e
}

func (d *Dispatcher) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

func (d *Dispatcher) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// Entries returns a copy of the timeline in append order.
func (d *Dispatcher) Entries() []Entry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Entry(nil), d.entries...)
}

func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

// Clear starts a new session.
func (d *Dispatcher) Clear() {
	d.mu.Lock()
	d.entries = nil
	d.mu.Unlock()
}

func requestAgent(req Request) string {
	switch r := req.(type) {
	case MultiAgent:
		return r.AgentID
	case Simple:
		return r.AgentID
	default:
		return ""
	}
}
