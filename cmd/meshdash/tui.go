package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"meshdash/internal/api"
	"meshdash/internal/chat"
	"meshdash/internal/gateway"
	"meshdash/internal/logging"
	"meshdash/internal/status"
)

const (
	timelineMaxLines = 40
	timelineMaxChars = 4000
	activityMaxLines = 50
	inboundBuffer    = 64
)

var pollIntervalOptions = []int{1, 2, 3, 5, 10, 15, 30, 60}

type tabID int

const (
	tabChat tabID = iota
	tabAgents
	tabSettings
	tabHelp
	tabCount
)

type runtimeSettings struct {
	mode           string
	agentID        string
	forceAllAgents bool
	pollInterval   time.Duration
	autoRefresh    bool
}

// request builds the dispatcher request for the current settings. The target
// agent only applies to simple mode; the orchestrator picks its own.
func (s runtimeSettings) request() chat.Request {
	if s.mode == chat.ModeSimple {
		return chat.Simple{AgentID: s.agentID}
	}
	return chat.MultiAgent{ForceAllAgents: s.forceAllAgents}
}

type model struct {
	rt       *runtime
	settings runtimeSettings
	inbound  chan tea.Msg

	snapshot   status.Snapshot
	entries    []chat.Entry
	lastBudget *api.CircuitBreakerState

	statusLine    string
	logs          []string
	activeTab     tabID
	settingsIndex int
	agentIndex    int
	inflight      bool
	refreshing    bool
	lastRefresh   time.Time
	quitConfirm   bool

	width  int
	height int

	input    textinput.Model
	timeline viewport.Model
	sidebar  viewport.Model
	detail   viewport.Model
	spinner  spinner.Model

	theme uiTheme
}

type tickMsg time.Time

type refreshDoneMsg struct {
	snap status.Snapshot
}

type snapshotMsg struct {
	snap status.Snapshot
}

type noticeMsg struct {
	notice gateway.Notice
}

type sendDoneMsg struct {
	entry chat.Entry
	ok    bool
}

type budgetDoneMsg struct {
	agentID string
	state   api.CircuitBreakerState
	failure *gateway.Failure
}

func runTUI(cmd *cobra.Command, args []string) error {
	inbound := make(chan tea.Msg, inboundBuffer)
	rt, err := setup(cmd, logging.SinkFile, inboundNotifier(inbound))
	if err != nil {
		return err
	}
	rt.aggregator.OnChange(func(snap status.Snapshot) {
		forward(inbound, snapshotMsg{snap: snap})
	})

	rt.logger.Info("Starting dashboard")
	p := tea.NewProgram(newModel(rt, inbound), tea.WithAltScreen(), tea.WithMouseCellMotion())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("dashboard failed: %w", err)
	}
	rt.logger.Info("Dashboard closed")
	return nil
}

// inboundNotifier turns gateway and dispatcher notices into program messages.
func inboundNotifier(ch chan tea.Msg) gateway.Notifier {
	return gateway.NotifierFunc(func(n gateway.Notice) {
		forward(ch, noticeMsg{notice: n})
	})
}

// forward drops msg when the program is not keeping up.
func forward(ch chan tea.Msg, msg tea.Msg) {
	select {
	case ch <- msg:
	default:
	}
}

func newModel(rt *runtime, inbound chan tea.Msg) model {
	input := textinput.New()
	input.Prompt = "❯ "
	input.CharLimit = 4000
	input.Placeholder = "Ask the mesh. Slash commands: /mode /agent /force /retry /clear /help"
	input.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Points
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#05ffa1"))

	newPane := func() viewport.Model {
		vp := viewport.New(0, 0)
		vp.MouseWheelEnabled = true
		vp.MouseWheelDelta = 4
		return vp
	}

	return model{
		rt: rt,
		settings: runtimeSettings{
			mode:           rt.cfg.Chat.Mode,
			agentID:        rt.cfg.Chat.AgentID,
			forceAllAgents: rt.cfg.Chat.ForceAllAgents,
			pollInterval:   rt.cfg.Poll.Interval,
			autoRefresh:    true,
		},
		inbound:    inbound,
		snapshot:   rt.aggregator.Snapshot(),
		statusLine: "connecting to " + rt.cfg.API.BaseURL + "...",
		logs:       []string{},
		activeTab:  tabChat,
		// Init always starts a refresh.
		refreshing: true,
		input:      input,
		timeline:   newPane(),
		sidebar:    newPane(),
		detail:     newPane(),
		spinner:    sp,
		theme:      newTheme(),
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		m.refreshCmd(),
		tickEvery(m.settings.pollInterval),
		waitInbound(m.inbound),
	)
}

func tickEvery(interval time.Duration) tea.Cmd {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func waitInbound(ch <-chan tea.Msg) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return nil
		}
		return msg
	}
}

func (m model) refreshCmd(ids ...string) tea.Cmd {
	agg := m.rt.aggregator
	timeout := m.rt.cfg.API.Timeout + time.Second
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return refreshDoneMsg{snap: agg.Refresh(ctx, ids...)}
	}
}

func (m model) sendCmd(text string) tea.Cmd {
	dispatcher := m.rt.dispatcher
	req := m.settings.request()
	// One backend call plus the follow-up status refresh.
	timeout := 2*m.rt.cfg.API.Timeout + time.Second
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		entry, ok := dispatcher.Send(ctx, text, req)
		return sendDoneMsg{entry: entry, ok: ok}
	}
}

func (m model) budgetCmd(agentID string) tea.Cmd {
	client := m.rt.client
	timeout := m.rt.cfg.API.Timeout + time.Second
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		state, failure := client.CheckBudget(ctx, agentID)
		return budgetDoneMsg{agentID: agentID, state: state, failure: failure}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	switch msg := msg.(type) {
	case refreshDoneMsg:
		m.refreshing = false
		m.lastRefresh = time.Now()
		m.applySnapshot(msg.snap)
		m.renderPanes()
	case snapshotMsg:
		m.applySnapshot(msg.snap)
		m.renderPanes()
		cmds = append(cmds, waitInbound(m.inbound))
	case noticeMsg:
		m.applyNotice(msg.notice)
		cmds = append(cmds, waitInbound(m.inbound))
	case sendDoneMsg:
		m.inflight = false
		m.entries = m.rt.dispatcher.Entries()
		if msg.ok {
			if msg.entry.Error {
				m.statusLine = "request failed: " + compactSingleLine(msg.entry.Content, 160)
			} else {
				m.statusLine = fmt.Sprintf("reply received · %s", nullCoalesce(entryMeta(msg.entry), msg.entry.Mode))
			}
			m.appendLog(compactSingleLine(m.statusLine, 160))
		}
		m.renderPanes()
	case budgetDoneMsg:
		m.inflight = false
		if msg.failure != nil {
			m.statusLine = "budget check failed for " + msg.agentID + ": " + msg.failure.Message
			m.appendLog(m.statusLine)
			break
		}
		state := msg.state
		m.lastBudget = &state
		m.statusLine = fmt.Sprintf("budget checked · %s circuit=%s %s/%s",
			state.AgentID, state.Status, formatUSD(state.BudgetConsumedUSD), formatUSD(state.BudgetLimitUSD))
		m.appendLog(m.statusLine)
		m.renderPanes()
		if m.rt.aggregator.Tracks(msg.agentID) {
			cmds = append(cmds, m.refreshCmd(msg.agentID))
		}
	case tickMsg:
		if m.settings.autoRefresh && !m.refreshing && !m.inflight {
			m.refreshing = true
			cmds = append(cmds, m.refreshCmd())
		}
		cmds = append(cmds, tickEvery(m.settings.pollInterval))
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		m.renderPanes()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		// The user entry lands before the reply; show it while waiting.
		if m.inflight && m.rt.dispatcher.Len() != len(m.entries) {
			m.entries = m.rt.dispatcher.Entries()
		}
		if m.inflight {
			m.renderPanes()
		}
		cmds = append(cmds, cmd)
	case tea.MouseMsg:
		if m.quitConfirm {
			break
		}
		var cmd tea.Cmd
		switch m.activeTab {
		case tabChat:
			m.timeline, cmd = m.timeline.Update(msg)
		case tabAgents:
			m.detail, cmd = m.detail.Update(msg)
		}
		cmds = append(cmds, cmd)
	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, tea.Batch(cmds...)
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	key := msg.String()
	if key == "ctrl+c" {
		return m, tea.Quit
	}
	if m.quitConfirm {
		switch key {
		case "y", "Y", "enter":
			return m, tea.Quit
		case "n", "N", "esc":
			m.quitConfirm = false
			m.statusLine = "quit canceled"
			m.renderPanes()
		}
		return m, nil
	}

	switch key {
	case "esc":
		if m.activeTab == tabChat {
			m.beginQuitConfirm()
			return m, nil
		}
		m.switchTab(tabChat)
		return m, nil
	case "tab":
		m.switchTab((m.activeTab + 1) % tabCount)
		return m, nil
	case "shift+tab":
		m.switchTab((m.activeTab + tabCount - 1) % tabCount)
		return m, nil
	case "ctrl+r":
		return m, m.retry()
	case "ctrl+l":
		m.clearTimeline()
		return m, nil
	}

	switch m.activeTab {
	case tabChat:
		empty := strings.TrimSpace(m.input.Value()) == ""
		switch key {
		case "enter":
			if m.inflight || empty {
				return m, nil
			}
			raw := strings.TrimSpace(m.input.Value())
			m.input.SetValue("")
			if strings.HasPrefix(raw, "/") {
				return m, m.handleSlash(raw)
			}
			m.inflight = true
			m.statusLine = "sending..."
			return m, m.sendCmd(raw)
		case "r":
			if empty && m.offline() {
				return m, m.retry()
			}
		case "pgup", "ctrl+b":
			m.timeline.LineUp(8)
			return m, nil
		case "pgdown", "ctrl+f":
			m.timeline.LineDown(8)
			return m, nil
		case "up":
			if empty {
				m.timeline.LineUp(4)
				return m, nil
			}
		case "down":
			if empty {
				m.timeline.LineDown(4)
				return m, nil
			}
		case "home":
			m.timeline.GotoTop()
			return m, nil
		case "end":
			m.timeline.GotoBottom()
			return m, nil
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		cmds = append(cmds, cmd)
	case tabAgents:
		tracked := m.rt.aggregator.Tracked()
		switch key {
		case "up", "k":
			m.agentIndex = maxInt(0, m.agentIndex-1)
		case "down", "j":
			if m.agentIndex < len(tracked)-1 {
				m.agentIndex++
			}
		case "pgup", "-":
			m.detail.LineUp(4)
		case "pgdown", "+", "=":
			m.detail.LineDown(4)
		case "b":
			if !m.inflight && m.agentIndex < len(tracked) {
				m.inflight = true
				m.statusLine = "checking budget for " + tracked[m.agentIndex] + "..."
				cmds = append(cmds, m.budgetCmd(tracked[m.agentIndex]))
			}
		case "r":
			cmds = append(cmds, m.retry())
		}
		m.renderPanes()
	case tabSettings:
		switch key {
		case "up", "k":
			m.settingsIndex = maxInt(0, m.settingsIndex-1)
		case "down", "j":
			m.settingsIndex = minInt(m.maxSettingsIndex(), m.settingsIndex+1)
		case "left", "h", "-":
			m.adjustSetting(-1)
		case "right", "l", "+":
			m.adjustSetting(1)
		case "r":
			cmds = append(cmds, m.retry())
		}
		m.renderPanes()
	case tabHelp:
		if key == "r" {
			cmds = append(cmds, m.retry())
		}
	}
	return m, tea.Batch(cmds...)
}

func (m *model) handleSlash(raw string) tea.Cmd {
	parts := strings.Fields(strings.TrimSpace(raw))
	if len(parts) == 0 {
		return nil
	}
	cmd := strings.ToLower(parts[0])
	tail := parts[1:]
	switch cmd {
	case "/help":
		m.switchTab(tabHelp)
		return nil
	case "/quit", "/exit":
		m.beginQuitConfirm()
		return nil
	case "/retry", "/refresh":
		return m.retry()
	case "/clear":
		m.clearTimeline()
		return nil
	case "/mode":
		if len(tail) == 0 {
			m.statusLine = "chat mode: " + m.settings.mode
			return nil
		}
		switch strings.ToLower(tail[0]) {
		case "multi", "multi-agent", "multiagent":
			m.settings.mode = chat.ModeMultiAgent
		case "simple", "single":
			m.settings.mode = chat.ModeSimple
		default:
			m.statusLine = "usage: /mode multi|simple"
			return nil
		}
		m.statusLine = "chat mode set: " + m.settings.mode
		m.renderPanes()
		return nil
	case "/agent":
		if len(tail) == 0 {
			m.statusLine = "target agent: " + m.settings.agentID
			return nil
		}
		m.settings.agentID = strings.ToLower(strings.TrimSpace(tail[0]))
		m.statusLine = "target agent set: " + m.settings.agentID
		if m.settings.mode != chat.ModeSimple {
			m.statusLine += " (used in simple mode)"
		}
		m.renderPanes()
		return nil
	case "/force":
		if len(tail) == 0 {
			m.settings.forceAllAgents = !m.settings.forceAllAgents
		} else {
			switch strings.ToLower(tail[0]) {
			case "on", "true", "yes", "1":
				m.settings.forceAllAgents = true
			case "off", "false", "no", "0":
				m.settings.forceAllAgents = false
			default:
				m.statusLine = "usage: /force on|off"
				return nil
			}
		}
		m.statusLine = "force all agents: " + onOff(m.settings.forceAllAgents)
		m.renderPanes()
		return nil
	case "/budget":
		if len(tail) == 0 {
			m.statusLine = "usage: /budget <agent>"
			return nil
		}
		if m.inflight {
			return nil
		}
		agentID := strings.TrimSpace(tail[0])
		m.inflight = true
		m.statusLine = "checking budget for " + agentID + "..."
		return m.budgetCmd(agentID)
	default:
		m.statusLine = "unknown command: " + cmd
		return nil
	}
}

// retry starts a manual refresh unless one is already running.
func (m *model) retry() tea.Cmd {
	if m.refreshing {
		m.statusLine = "refresh already in progress"
		return nil
	}
	m.refreshing = true
	m.statusLine = "refreshing agent status..."
	return m.refreshCmd()
}

func (m *model) applySnapshot(snap status.Snapshot) {
	if snap.Cycles < m.snapshot.Cycles {
		return
	}
	prev := m.snapshot
	m.snapshot = snap
	if snap.Cycles == 0 {
		return
	}
	switch {
	case prev.Cycles == 0 && snap.Online:
		m.statusLine = fmt.Sprintf("connected · %d/%d agents reporting", len(snap.LastCycle.Succeeded), len(snap.Tracked))
		m.appendLog(m.statusLine)
	case prev.Online && !snap.Online, prev.Cycles == 0 && !snap.Online:
		m.statusLine = "error: backend unavailable at " + m.rt.cfg.API.BaseURL
		m.appendLog("backend went offline")
	case !prev.Online && snap.Online:
		m.statusLine = "backend back online"
		m.appendLog(m.statusLine)
	}
	if snap.OpenBreakers > prev.OpenBreakers {
		m.appendLog(fmt.Sprintf("%d circuit breaker(s) open", snap.OpenBreakers))
	}
}

func (m *model) applyNotice(n gateway.Notice) {
	switch n.Level {
	case gateway.LevelError:
		m.statusLine = "error: " + compactSingleLine(n.Message, 160)
	case gateway.LevelSuccess:
		m.statusLine = "✓ " + n.Message
	case gateway.LevelLoading:
		m.statusLine = n.Message
	default:
		m.statusLine = n.Message
	}
	m.appendLog(n.Level.String() + ": " + n.Message)
}

func (m *model) switchTab(tab tabID) {
	m.activeTab = tab
	if tab == tabChat {
		m.input.Focus()
	} else {
		m.input.Blur()
	}
	m.renderPanes()
}

func (m *model) clearTimeline() {
	if m.inflight {
		m.statusLine = "wait for the reply before clearing"
		return
	}
	m.rt.dispatcher.Clear()
	m.entries = nil
	m.statusLine = "conversation cleared"
	m.renderPanes()
}

func (m *model) beginQuitConfirm() {
	m.quitConfirm = true
	m.statusLine = "ARE YOU SURE YOU WANT TO QUIT?"
}

// offline is true once a completed cycle found no agent reachable.
func (m *model) offline() bool {
	return m.snapshot.Cycles > 0 && !m.snapshot.Online
}

func (m *model) maxSettingsIndex() int {
	return 4
}

// agentOptions lists the configured chat agent followed by the tracked ones.
func (m *model) agentOptions() []string {
	options := []string{m.rt.cfg.Chat.AgentID}
	for _, id := range m.rt.aggregator.Tracked() {
		if id != m.rt.cfg.Chat.AgentID {
			options = append(options, id)
		}
	}
	return options
}

func (m *model) adjustSetting(delta int) {
	if delta == 0 {
		return
	}
	switch m.settingsIndex {
	case 0:
		m.settings.mode = cycleString([]string{chat.ModeMultiAgent, chat.ModeSimple}, m.settings.mode, delta)
	case 1:
		m.settings.agentID = cycleString(m.agentOptions(), m.settings.agentID, delta)
	case 2:
		m.settings.forceAllAgents = !m.settings.forceAllAgents
	case 3:
		seconds := cycleInt(pollIntervalOptions, int(m.settings.pollInterval/time.Second), delta)
		m.settings.pollInterval = time.Duration(seconds) * time.Second
	case 4:
		m.settings.autoRefresh = !m.settings.autoRefresh
	}
	m.statusLine = "settings updated"
}

func (m *model) appendLog(line string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}
	m.logs = append(m.logs, fmt.Sprintf("%s %s", time.Now().Format("15:04:05"), compactSingleLine(trimmed, 220)))
	if len(m.logs) > activityMaxLines {
		m.logs = m.logs[len(m.logs)-activityMaxLines:]
	}
}
