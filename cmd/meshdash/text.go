package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"meshdash/internal/chat"
)

var centThreshold = decimal.New(1, -2)

// formatUSD prints sub-cent spend with enough precision to be non-zero.
func formatUSD(amount decimal.Decimal) string {
	if !amount.IsZero() && amount.Abs().LessThan(centThreshold) {
		return "$" + amount.StringFixed(6)
	}
	return "$" + amount.StringFixed(2)
}

func budgetBar(ratio float64, width int) string {
	if width <= 0 {
		return ""
	}
	filled := int(ratio*float64(width) + 0.5)
	filled = clampInt(filled, 0, width)
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

// entryMeta is the one-line footer shown under an assistant reply.
func entryMeta(e chat.Entry) string {
	if e.Role != chat.RoleAssistant {
		return ""
	}
	if e.Error {
		return "failed · " + e.Kind.String()
	}
	parts := make([]string, 0, 4)
	if e.Cost != nil {
		parts = append(parts, "cost "+formatUSD(*e.Cost))
	}
	if e.Model != "" {
		parts = append(parts, "model "+e.Model)
	}
	if e.AgentID != "" {
		parts = append(parts, "agent "+e.AgentID)
	}
	if len(e.AgentsUsed) > 0 {
		parts = append(parts, "agents "+strings.Join(e.AgentsUsed, ","))
	}
	meta := strings.Join(parts, " · ")
	if e.Routing != nil {
		if meta != "" {
			meta += "\n"
		}
		meta += "routing " + e.Routing.String()
	}
	return meta
}

func shortTime(t time.Time) string {
	if t.IsZero() {
		return "--:--:--"
	}
	return t.Local().Format("15:04:05")
}

func ago(t time.Time, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := now.Sub(t).Round(time.Second)
	if d < time.Second {
		return "just now"
	}
	return d.String() + " ago"
}

func wrapText(text string, width int) string {
	if width <= 0 {
		return text
	}
	lines := strings.Split(text, "\n")
	wrapped := make([]string, 0, len(lines))
	for _, line := range lines {
		words := strings.Fields(line)
		if len(words) == 0 {
			wrapped = append(wrapped, "")
			continue
		}
		current := words[0]
		for _, word := range words[1:] {
			if len(current)+1+len(word) <= width {
				current += " " + word
				continue
			}
			wrapped = append(wrapped, current)
			current = word
		}
		wrapped = append(wrapped, current)
	}
	return strings.Join(wrapped, "\n")
}

func compactTimelineMessage(text string, maxLines int, maxChars int) string {
	normalized := strings.TrimSpace(strings.ReplaceAll(text, "\r\n", "\n"))
	if normalized == "" {
		return ""
	}

	rawLines := strings.Split(normalized, "\n")
	lines := make([]string, 0, len(rawLines))
	lastBlank := false
	for _, line := range rawLines {
		trimmed := strings.TrimRight(line, " \t")
		isBlank := strings.TrimSpace(trimmed) == ""
		if isBlank && lastBlank {
			continue
		}
		lines = append(lines, trimmed)
		lastBlank = isBlank
	}

	if maxLines > 0 && len(lines) > maxLines {
		hidden := len(lines) - maxLines
		lines = append(lines[:maxLines], fmt.Sprintf("[... %d lines hidden]", hidden))
	}

	joined := strings.TrimSpace(strings.Join(lines, "\n"))
	if maxChars > 0 && len(joined) > maxChars {
		return strings.TrimSpace(truncate(joined, maxChars-18) + "\n[... truncated]")
	}
	return joined
}

func truncate(text string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if len(text) <= limit {
		return text
	}
	if limit <= 3 {
		return text[:limit]
	}
	return text[:limit-3] + "..."
}

func compactSingleLine(text string, limit int) string {
	return truncate(strings.Join(strings.Fields(text), " "), limit)
}

func cycleString(options []string, current string, delta int) string {
	if len(options) == 0 {
		return current
	}
	idx := 0
	for i, option := range options {
		if option == current {
			idx = i
			break
		}
	}
	idx = (idx + delta) % len(options)
	if idx < 0 {
		idx += len(options)
	}
	return options[idx]
}

func cycleInt(options []int, current int, delta int) int {
	if len(options) == 0 {
		return current
	}
	idx := 0
	for i, option := range options {
		if option == current {
			idx = i
			break
		}
	}
	idx = (idx + delta) % len(options)
	if idx < 0 {
		idx += len(options)
	}
	return options[idx]
}

func onOff(value bool) string {
	if value {
		return "on"
	}
	return "off"
}

func nullCoalesce(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func clampInt(value, min, max int) int {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
