package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"octopilot/internal/domain"
)

var outcomeOrder = []domain.Outcome{
	domain.OutcomeHit,
	domain.OutcomeMiss,
	domain.OutcomeTimeout,
	domain.OutcomeAborted,
}

func renderArenasTable(table *tview.Table, snaps []domain.SessionSnapshot, selectedArenaID string) {
	table.Clear()
	headers := []string{"Arena", "Phase", "Trial", "State", "Outcomes", "Session"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, s := range snaps {
		row := i + 1
		table.SetCell(row, 0, tview.NewTableCell(s.ArenaID))
		table.SetCell(row, 1, tview.NewTableCell(string(s.Phase)).SetTextColor(phaseColor(s.Phase)))
		table.SetCell(row, 2, tview.NewTableCell(fmt.Sprintf("%d", s.TrialIndex)))
		table.SetCell(row, 3, tview.NewTableCell(string(s.TrialState)))
		table.SetCell(row, 4, tview.NewTableCell(outcomeSummary(s.Outcomes)))
		table.SetCell(row, 5, tview.NewTableCell(shortID(s.SessionID)))
		if s.ArenaID == selectedArenaID {
			table.Select(row, 0)
		}
	}
}

func phaseColor(phase domain.SessionPhase) tcell.Color {
	switch phase {
	case domain.PhaseRunning:
		return tcell.ColorGreen
	case domain.PhasePaused:
		return tcell.ColorYellow
	case domain.PhaseStalled:
		return tcell.ColorRed
	default:
		return tview.Styles.PrimaryTextColor
	}
}

// outcomeSummary renders counts in a fixed outcome order.
func outcomeSummary(counts map[domain.Outcome]int) string {
	parts := make([]string, 0, len(outcomeOrder))
	for _, o := range outcomeOrder {
		parts = append(parts, fmt.Sprintf("%s=%d", o, counts[o]))
	}
	return strings.Join(parts, " ")
}

func renderAgents(snap domain.SessionSnapshot, now time.Time) string {
	if snap.ArenaID == "" {
		return "No arena selected"
	}
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Arena: %s  phase=%s", snap.ArenaID, snap.Phase))
	if snap.Reason != "" {
		b.WriteString("  reason: " + trimLine(snap.Reason, 80))
	}
	b.WriteString("\n")
	if len(snap.Agents) == 0 {
		b.WriteString("No agents\n")
		return b.String()
	}
	for _, a := range snap.Agents {
		seen := "never"
		if !a.LastSeen.IsZero() {
			seen = now.Sub(a.LastSeen).Truncate(100*time.Millisecond).String() + " ago"
		}
		status := string(a.Status)
		if a.Faulted {
			status += " [red]faulted[-]"
		}
		line := fmt.Sprintf("%-10s %-20s last_seen=%s", a.AgentID, status, seen)
		if a.PendingCommands > 0 {
			line += fmt.Sprintf(" pending=%d", a.PendingCommands)
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}

// renderTrials lists the newest trials first, at most limit of them.
func renderTrials(items []domain.TrialRecord, limit int) string {
	if len(items) == 0 {
		return "No trials"
	}
	var b strings.Builder
	for i := len(items) - 1; i >= 0 && len(items)-i <= limit; i-- {
		t := items[i]
		b.WriteString(fmt.Sprintf(
			"#%-4d [%s] %-7s goal=%s rewarded=%s pokes=%d %s\n",
			t.Trial,
			t.EndedAt.Format("15:04:05"),
			t.Outcome,
			t.GoalPort,
			strings.Join(t.RewardedPorts, ","),
			len(t.Pokes),
			durationLabel(t.EndedAt.Sub(t.StartedAt)),
		))
		if t.Reason != "" {
			b.WriteString("  reason: " + trimLine(t.Reason, 100) + "\n")
		}
	}
	return b.String()
}

func durationLabel(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	return d.Truncate(time.Millisecond).String()
}

func renderDecisions(items []domain.DecisionLog) string {
	if len(items) == 0 {
		return "No decisions"
	}
	var b strings.Builder
	for _, d := range items {
		b.WriteString(fmt.Sprintf(
			"[%s] %s %s\n  reason: %s\n",
			d.CreatedAt.Format("15:04:05"),
			d.Actor,
			d.Action,
			trimLine(d.Reason, 100),
		))
		if detail := decisionPayloadSummary(d.Payload); detail != "" {
			b.WriteString("  payload: " + trimLine(detail, 160) + "\n")
		}
	}
	return b.String()
}

func decisionPayloadSummary(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" || trimmed == "{}" {
		return ""
	}

	var kv map[string]any
	if err := json.Unmarshal(payload, &kv); err == nil {
		keys := make([]string, 0, len(kv))
		for k := range kv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, kv[k]))
		}
		return strings.Join(parts, ", ")
	}
	return trimmed
}

func trimLine(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

func shortID(v string) string {
	if len(v) <= 8 {
		return v
	}
	return v[:8]
}
