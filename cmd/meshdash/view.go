package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"meshdash/internal/api"
	"meshdash/internal/chat"
	"meshdash/internal/gateway"
	"meshdash/internal/status"
)

const bannerHeight = 3

type uiTheme struct {
	root         lipgloss.Style
	header       lipgloss.Style
	tabActive    lipgloss.Style
	tabInactive  lipgloss.Style
	panel        lipgloss.Style
	panelTitle   lipgloss.Style
	footer       lipgloss.Style
	status       lipgloss.Style
	errorStatus  lipgloss.Style
	inputPanel   lipgloss.Style
	banner       lipgloss.Style
	modalFrame   lipgloss.Style
	accent       lipgloss.Style
	chatRole     map[string]lipgloss.Style
	circuit      map[api.CircuitStatus]lipgloss.Style
	helpText     lipgloss.Style
	settingKey   lipgloss.Style
	settingValue lipgloss.Style
	settingPick  lipgloss.Style
	barLow       lipgloss.Style
	barMid       lipgloss.Style
	barHigh      lipgloss.Style
}

func newTheme() uiTheme {
	pink := lipgloss.Color("#ff71ce")
	blue := lipgloss.Color("#01cdfe")
	mint := lipgloss.Color("#05ffa1")
	yellow := lipgloss.Color("#ffd166")
	bg := lipgloss.Color("#120924")
	panelBg := lipgloss.Color("#1b0f35")
	text := lipgloss.Color("#f3f3ff")
	muted := lipgloss.Color("#9ca3d8")

	return uiTheme{
		root: lipgloss.NewStyle().
			Background(bg).
			Foreground(text).
			Padding(0, 1),
		header: lipgloss.NewStyle().
			Background(panelBg).
			Foreground(text).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(blue).
			Padding(0, 1),
		tabActive: lipgloss.NewStyle().
			Background(pink).
			Foreground(lipgloss.Color("#22062f")).
			Bold(true).
			Padding(0, 1),
		tabInactive: lipgloss.NewStyle().
			Background(lipgloss.Color("#2a184a")).
			Foreground(muted).
			Padding(0, 1),
		panel: lipgloss.NewStyle().
			Background(panelBg).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(blue).
			Padding(0, 1),
		panelTitle: lipgloss.NewStyle().
			Foreground(mint).
			Bold(true),
		footer: lipgloss.NewStyle().
			Background(panelBg).
			Foreground(muted).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(pink).
			Padding(0, 1),
		status:      lipgloss.NewStyle().Foreground(blue).Bold(true),
		errorStatus: lipgloss.NewStyle().Foreground(pink).Bold(true),
		inputPanel: lipgloss.NewStyle().
			Background(panelBg).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(mint).
			Padding(0, 1),
		banner: lipgloss.NewStyle().
			Background(lipgloss.Color("#3a0d2e")).
			Foreground(pink).
			Bold(true).
			BorderStyle(lipgloss.ThickBorder()).
			BorderForeground(pink).
			Padding(0, 1),
		modalFrame: lipgloss.NewStyle().
			Background(panelBg).
			BorderStyle(lipgloss.ThickBorder()).
			BorderForeground(blue).
			Padding(1, 2),
		accent:       lipgloss.NewStyle().Foreground(mint).Bold(true),
		helpText:     lipgloss.NewStyle().Foreground(muted),
		settingKey:   lipgloss.NewStyle().Foreground(blue),
		settingValue: lipgloss.NewStyle().Foreground(text),
		settingPick:  lipgloss.NewStyle().Foreground(pink).Bold(true),
		barLow:       lipgloss.NewStyle().Foreground(mint),
		barMid:       lipgloss.NewStyle().Foreground(yellow),
		barHigh:      lipgloss.NewStyle().Foreground(pink),
		chatRole: map[string]lipgloss.Style{
			"user":      lipgloss.NewStyle().Foreground(mint).Bold(true),
			"assistant": lipgloss.NewStyle().Foreground(blue).Bold(true),
			"error":     lipgloss.NewStyle().Foreground(pink).Bold(true),
		},
		circuit: map[api.CircuitStatus]lipgloss.Style{
			api.CircuitClosed:   lipgloss.NewStyle().Foreground(mint).Bold(true),
			api.CircuitHalfOpen: lipgloss.NewStyle().Foreground(yellow).Bold(true),
			api.CircuitOpen:     lipgloss.NewStyle().Foreground(pink).Bold(true),
		},
	}
}

func (m model) View() string {
	if m.quitConfirm {
		return m.theme.root.Render(m.renderQuitModal())
	}
	sections := []string{m.renderHeader()}
	if m.offline() {
		sections = append(sections, m.renderBanner())
	}
	sections = append(sections, m.renderContent(), m.renderInput(), m.renderFooter())
	return m.theme.root.Render(lipgloss.JoinVertical(lipgloss.Left, sections...))
}

func (m *model) contentWidth() int {
	return maxInt(40, m.width-4)
}

func (m *model) contentHeight() int {
	height := maxInt(8, m.height-12)
	if m.offline() {
		height = maxInt(8, height-bannerHeight)
	}
	return height
}

func (m *model) renderHeader() string {
	tabs := []struct {
		id    tabID
		label string
	}{
		{tabChat, "Chat"},
		{tabAgents, "Agents"},
		{tabSettings, "Settings"},
		{tabHelp, "Help"},
	}
	segments := make([]string, 0, len(tabs)+1)
	for _, tab := range tabs {
		style := m.theme.tabInactive
		if tab.id == m.activeTab {
			style = m.theme.tabActive
		}
		segments = append(segments, style.Render(tab.label))
	}
	meta := fmt.Sprintf(" %s · %s · mode=%s", m.rt.cfg.API.BaseURL, m.connectionLabel(), m.settings.mode)
	segments = append(segments, m.theme.helpText.Render(meta))
	joined := lipgloss.JoinHorizontal(lipgloss.Left, segments...)
	return m.theme.header.Width(m.contentWidth()).Render(joined)
}

func (m *model) connectionLabel() string {
	switch {
	case m.snapshot.Cycles == 0:
		return "connecting"
	case m.rt.aggregator.Loading():
		return "loading"
	case m.snapshot.Online:
		return "online"
	default:
		return "offline"
	}
}

func (m *model) renderBanner() string {
	line := fmt.Sprintf("Backend unavailable at %s. No agent answered the last poll.", m.rt.cfg.API.BaseURL)
	hint := "Press r (or /retry) to try again."
	if m.refreshing {
		hint = m.spinner.View() + " retrying..."
	}
	return m.theme.banner.Width(m.contentWidth()).Render(compactSingleLine(line, m.contentWidth()-len(hint)-6) + "  " + hint)
}

func (m *model) renderContent() string {
	contentHeight := m.contentHeight()
	contentWidth := m.contentWidth()

	switch m.activeTab {
	case tabChat:
		mainPanelHeight, activityHeight := chatPanelHeights(contentHeight)
		leftWidth, rightWidth := chatPanelWidths(contentWidth)
		left := m.theme.panel.Width(leftWidth).Height(mainPanelHeight).Render(
			m.theme.panelTitle.Render("Conversation") + "\n" + m.timeline.View(),
		)
		right := m.theme.panel.Width(rightWidth).Height(mainPanelHeight).Render(
			m.theme.panelTitle.Render("Agents") + "\n" + m.sidebar.View(),
		)
		top := lipgloss.JoinHorizontal(lipgloss.Top, left, right)
		activity := m.theme.panel.Width(contentWidth).Height(activityHeight).Render(
			m.theme.panelTitle.Render("Recent Activity") + "\n" + m.renderActivity(activityHeight-2),
		)
		return lipgloss.JoinVertical(lipgloss.Left, top, activity)
	case tabAgents:
		panel := m.theme.panel.Width(contentWidth).Height(contentHeight)
		return panel.Render(m.theme.panelTitle.Render("Circuit Breakers & Spend") + "\n" + m.detail.View())
	case tabSettings:
		panel := m.theme.panel.Width(contentWidth).Height(contentHeight)
		return panel.Render(m.theme.panelTitle.Render("Session Settings") + "\n" + m.renderSettings())
	case tabHelp:
		panel := m.theme.panel.Width(contentWidth).Height(contentHeight)
		return panel.Render(m.theme.panelTitle.Render("meshdash Help") + "\n" + m.renderHelp())
	default:
		return ""
	}
}

func (m *model) renderInput() string {
	contentWidth := m.contentWidth()
	if m.activeTab != tabChat {
		return m.theme.inputPanel.Width(contentWidth).Render(m.theme.helpText.Render("Input disabled outside Chat tab. Press Tab or Esc to return."))
	}
	inputView := m.input.View()
	if m.inflight {
		inputView = m.spinner.View() + " processing... " + inputView
	}
	return m.theme.inputPanel.Width(contentWidth).Render(inputView)
}

func (m *model) renderFooter() string {
	statusStyle := m.theme.status
	lower := strings.ToLower(m.statusLine)
	if strings.Contains(lower, "failed") || strings.Contains(lower, "error") {
		statusStyle = m.theme.errorStatus
	}
	line := statusStyle.Render(compactSingleLine(m.statusLine, 180))
	hints := m.theme.helpText.Render("Keys: Tab switch view · Enter send · Ctrl+R refresh · Ctrl+L clear · PgUp/PgDn or Up/Down (input empty) scroll · Esc back/quit prompt · Ctrl+C quit")
	return m.theme.footer.Width(m.contentWidth()).Render(line + "\n" + hints)
}

func (m *model) renderQuitModal() string {
	canvasWidth := maxInt(40, m.width-4)
	canvasHeight := maxInt(12, m.height-4)
	modalWidth := clampInt(int(float64(canvasWidth)*0.56), 42, 78)
	if modalWidth > canvasWidth-2 {
		modalWidth = canvasWidth - 2
	}
	if modalWidth < 32 {
		modalWidth = 32
	}

	summary := fmt.Sprintf("%d messages this session · spend %s across %d agents",
		len(m.entries), formatUSD(m.snapshot.TotalCost), len(m.snapshot.Agents))
	body := strings.Join([]string{
		m.theme.errorStatus.Render("LEAVE THE MESH?"),
		m.theme.helpText.Render("Are you sure you want to quit meshdash?"),
		"",
		m.theme.accent.Render(strings.Repeat("=", 40)),
		m.theme.helpText.Render(summary),
		m.theme.helpText.Render("The conversation is not saved."),
		m.theme.accent.Render(strings.Repeat("=", 40)),
		"",
		m.theme.settingPick.Render("[Y / Enter] Quit") + "    " + m.theme.helpText.Render("[N / Esc] Return"),
	}, "\n")
	panel := m.theme.modalFrame.Width(modalWidth).Render(body)
	return lipgloss.Place(
		canvasWidth,
		canvasHeight,
		lipgloss.Center,
		lipgloss.Center,
		panel,
		lipgloss.WithWhitespaceBackground(lipgloss.Color("#120924")),
	)
}

// renderPanes refreshes viewport contents, keeping the reader's scroll
// position unless they were already at the bottom.
func (m *model) renderPanes() {
	prevTimelineYOffset := m.timeline.YOffset
	prevTimelineAtBottom := m.timeline.AtBottom()
	prevDetailYOffset := m.detail.YOffset

	contentHeight := m.contentHeight()
	mainPanelHeight, _ := chatPanelHeights(contentHeight)
	leftWidth, rightWidth := chatPanelWidths(m.contentWidth())

	m.timeline.Width = maxInt(20, leftWidth-4)
	m.timeline.Height = maxInt(5, mainPanelHeight-3)
	m.sidebar.Width = maxInt(20, rightWidth-4)
	m.sidebar.Height = maxInt(5, mainPanelHeight-3)
	m.detail.Width = maxInt(20, m.contentWidth()-4)
	m.detail.Height = maxInt(5, contentHeight-3)

	m.timeline.SetContent(m.renderTimeline())
	if prevTimelineAtBottom {
		m.timeline.GotoBottom()
	} else {
		m.timeline.SetYOffset(prevTimelineYOffset)
	}
	m.sidebar.SetContent(m.renderSidebar())
	m.detail.SetContent(m.renderAgentDetail())
	m.detail.SetYOffset(prevDetailYOffset)
}

func chatPanelHeights(contentHeight int) (mainPanelHeight int, activityHeight int) {
	mainPanelHeight = maxInt(6, contentHeight-7)
	activityHeight = maxInt(5, contentHeight-mainPanelHeight)
	if mainPanelHeight+activityHeight > contentHeight {
		mainPanelHeight = maxInt(5, contentHeight-activityHeight)
	}
	return mainPanelHeight, activityHeight
}

func chatPanelWidths(contentWidth int) (leftWidth int, rightWidth int) {
	leftWidth = int(float64(contentWidth) * 0.66)
	rightWidth = contentWidth - leftWidth - 1
	if rightWidth < 28 {
		rightWidth = 28
		leftWidth = contentWidth - rightWidth - 1
	}
	return leftWidth, rightWidth
}

func (m *model) resize() {
	m.input.Width = maxInt(20, m.contentWidth()-6)
}

func (m *model) renderTimeline() string {
	if len(m.entries) == 0 && !m.inflight {
		return "No messages yet. Type a question and press Enter."
	}
	width := maxInt(24, m.timeline.Width-2)
	var b strings.Builder
	for _, entry := range m.entries {
		label, styleKey := "you", "user"
		if entry.Role == chat.RoleAssistant {
			label = nullCoalesce(entry.AgentID, "mesh") + "/" + entry.Mode
			styleKey = "assistant"
			if entry.Error {
				styleKey = "error"
			}
		}
		b.WriteString(m.theme.chatRole[styleKey].Render(fmt.Sprintf("%s [%s]", shortTime(entry.CreatedAt), label)))
		b.WriteString("\n")
		b.WriteString(wrapText(compactTimelineMessage(entry.Content, timelineMaxLines, timelineMaxChars), width))
		if meta := entryMeta(entry); meta != "" {
			b.WriteString("\n")
			b.WriteString(m.theme.helpText.Render(wrapText(meta, width)))
		}
		b.WriteString("\n\n")
	}
	if m.inflight {
		b.WriteString(m.spinner.View() + " waiting for " + m.waitingOn() + "...")
	}
	return strings.TrimSpace(b.String())
}

func (m *model) waitingOn() string {
	if m.settings.mode == chat.ModeSimple {
		return m.settings.agentID
	}
	return "the orchestrator"
}

func (m *model) renderSidebar() string {
	snap := m.snapshot
	if snap.Cycles == 0 || (len(snap.Agents) == 0 && m.rt.aggregator.Loading()) {
		return m.spinner.View() + " loading agent status..."
	}
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Backend  %s · cycle %d\n", m.connectionLabel(), snap.Cycles))
	b.WriteString(fmt.Sprintf("Spend    %s · open %d\n\n", formatUSD(snap.TotalCost), snap.OpenBreakers))
	barWidth := clampInt(m.sidebar.Width-24, 6, 20)
	for _, id := range snap.Tracked {
		agent, ok := snap.Agents[id]
		if !ok {
			b.WriteString(fmt.Sprintf("%-12s %s\n", truncate(id, 12), m.theme.helpText.Render("no data")))
			continue
		}
		b.WriteString(fmt.Sprintf("%-12s %s\n", truncate(id, 12), m.circuitLabel(agent.Status)))
		b.WriteString(fmt.Sprintf("  %s %s/%s\n", m.renderBar(agent.BudgetRatio(), barWidth), formatUSD(agent.BudgetConsumed), formatUSD(agent.BudgetLimit)))
		b.WriteString(m.theme.helpText.Render(fmt.Sprintf("  failures %d · spent %s", agent.FailureCount, formatUSD(agent.TotalCost))) + "\n")
	}
	return strings.TrimSpace(b.String())
}

func (m *model) renderActivity(lines int) string {
	if len(m.logs) == 0 {
		return m.theme.helpText.Render("Nothing yet.")
	}
	lines = maxInt(1, lines)
	start := maxInt(0, len(m.logs)-lines)
	return m.theme.helpText.Render(strings.Join(m.logs[start:], "\n"))
}

func (m *model) circuitLabel(s api.CircuitStatus) string {
	style, ok := m.theme.circuit[s]
	if !ok {
		return m.theme.helpText.Render(nullCoalesce(string(s), "unknown"))
	}
	return style.Render(strings.ToUpper(string(s)))
}

func (m *model) renderBar(ratio float64, width int) string {
	style := m.theme.barLow
	switch {
	case ratio >= 0.9:
		style = m.theme.barHigh
	case ratio >= 0.6:
		style = m.theme.barMid
	}
	return style.Render(budgetBar(ratio, width))
}

func (m *model) renderAgentDetail() string {
	snap := m.snapshot
	if snap.Cycles == 0 {
		return "Waiting for the first poll..."
	}
	now := time.Now()
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Backend %s · %d cycles · last refresh %s", m.connectionLabel(), snap.Cycles, ago(m.lastRefresh, now)))
	if snap.LastCycle != nil {
		b.WriteString(fmt.Sprintf(" · took %s", snap.LastCycle.Duration().Round(time.Millisecond)))
	}
	b.WriteString(fmt.Sprintf("\nTotal spend %s · open breakers %d\n", formatUSD(snap.TotalCost), snap.OpenBreakers))
	b.WriteString(m.theme.helpText.Render("↑/↓ select · b check budget · r refresh · PgUp/PgDn scroll"))
	b.WriteString("\n\n")

	barWidth := clampInt(m.detail.Width-40, 10, 40)
	for i, id := range snap.Tracked {
		prefix := "  "
		title := m.theme.settingKey.Render(id)
		if i == m.agentIndex {
			prefix = "▶ "
			title = m.theme.settingPick.Render(id)
		}
		agent, ok := snap.Agents[id]
		if !ok {
			b.WriteString(prefix + title + "  " + m.theme.helpText.Render("never reported") + "\n")
		} else {
			b.WriteString(prefix + title + "  " + m.circuitLabel(agent.Status) + "\n")
			b.WriteString(fmt.Sprintf("   failures %d · fallback %s\n", agent.FailureCount, nullCoalesce(agent.FallbackModel, "-")))
			b.WriteString(fmt.Sprintf("   budget   %s %3.0f%% %s / %s\n",
				m.renderBar(agent.BudgetRatio(), barWidth), agent.BudgetRatio()*100, formatUSD(agent.BudgetConsumed), formatUSD(agent.BudgetLimit)))
			b.WriteString(fmt.Sprintf("   spent    %s\n", formatUSD(agent.TotalCost)))
			lastFailure := "never"
			if agent.LastFailureTime != nil {
				lastFailure = agent.LastFailureTime.Local().Format("2006-01-02 15:04:05")
			}
			b.WriteString(fmt.Sprintf("   last failure %s · updated %s\n", lastFailure, ago(agent.UpdatedAt, now)))
		}
		if f, failed := lastCycleFailure(snap, id); failed {
			b.WriteString(m.theme.errorStatus.Render(fmt.Sprintf("   last poll failed (%s): %s", f.Kind, compactSingleLine(f.Message, 80))) + "\n")
		}
		b.WriteString("\n")
	}
	if m.lastBudget != nil {
		lb := m.lastBudget
		b.WriteString(m.theme.panelTitle.Render("Last budget check") + "\n")
		b.WriteString(fmt.Sprintf("%s %s · %s / %s · reset %ds\n",
			lb.AgentID, m.circuitLabel(lb.Status), formatUSD(lb.BudgetConsumedUSD), formatUSD(lb.BudgetLimitUSD), lb.ResetTimeoutSeconds))
	}
	return strings.TrimSpace(b.String())
}

func lastCycleFailure(snap status.Snapshot, agentID string) (*gateway.Failure, bool) {
	if snap.LastCycle == nil {
		return nil, false
	}
	f, ok := snap.LastCycle.Failed[agentID]
	return f, ok && f != nil
}

func (m *model) renderSettings() string {
	rows := []struct {
		label string
		value string
		help  string
	}{
		{"Chat Mode", m.settings.mode, "multi-agent routes through the orchestrator; simple talks to one agent"},
		{"Target Agent", m.settings.agentID, "agent used in simple mode"},
		{"Force All Agents", onOff(m.settings.forceAllAgents), "multi-agent only: invoke researcher and coder regardless of routing"},
		{"Poll Interval", fmt.Sprintf("%ds", int(m.settings.pollInterval/time.Second)), "agent status refresh interval"},
		{"Auto Refresh", onOff(m.settings.autoRefresh), "periodic agent status polling"},
	}
	var b strings.Builder
	b.WriteString(m.theme.helpText.Render("Use ↑/↓ to select and ←/→ (or -/+) to change values."))
	b.WriteString("\n\n")
	for i, row := range rows {
		labelStyle := m.theme.settingKey
		valueStyle := m.theme.settingValue
		prefix := "  "
		if i == m.settingsIndex {
			labelStyle = m.theme.settingPick
			valueStyle = m.theme.settingPick
			prefix = "▶ "
		}
		b.WriteString(prefix + labelStyle.Render(fmt.Sprintf("%-18s", row.label)) + " " + valueStyle.Render(row.value) + "\n")
		b.WriteString("   " + m.theme.helpText.Render(row.help) + "\n")
	}
	b.WriteString(fmt.Sprintf("\nBackend: %s · timeout %s · tracking %s",
		m.rt.cfg.API.BaseURL, m.rt.cfg.API.Timeout, strings.Join(m.rt.aggregator.Tracked(), ", ")))
	return strings.TrimSpace(b.String())
}

func (m *model) renderHelp() string {
	lines := []string{
		"Core Keys",
		"- Tab / Shift+Tab: switch views",
		"- Enter: send message (Chat tab)",
		"- Ctrl+R: refresh agent status now; r works too outside the chat input or while offline",
		"- Ctrl+L: clear the conversation",
		"- Esc: from other tabs return to Chat; in Chat show the quit prompt",
		"- Timeline scroll: PgUp/PgDn, Up/Down (input empty), Home/End",
		"- Agents tab: Up/Down select, b runs a budget check for the selected agent",
		"- Ctrl+C: quit",
		"",
		"Slash Commands",
		"- /mode multi|simple",
		"- /agent <id>           target for simple mode",
		"- /force on|off         invoke every specialist in multi-agent mode",
		"- /budget <agent>       force a budget check",
		"- /retry                refresh agent status",
		"- /clear",
		"- /help",
		"- /quit",
		"",
		"Reading the Agents panel",
		"- CLOSED: normal operation; HALF_OPEN: probing; OPEN: budget exhausted, fallback model in use",
		"- Budget bars turn yellow at 60% and pink at 90% of the limit",
		"- An agent that failed the last poll keeps its previous values until a full poll succeeds",
	}
	return m.theme.helpText.Render(strings.Join(lines, "\n"))
}
