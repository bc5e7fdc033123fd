package tui

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"github.com/0x6d61/cagebridge/internal/redteam"
	"github.com/0x6d61/cagebridge/internal/report"
	"github.com/0x6d61/cagebridge/pkg/schema"
)

// eventTags は種別ごとの固定幅タグ
var eventTags = map[schema.EventType]string{
	schema.EventStep:     "[STEP]",
	schema.EventRed:      "[RED ]",
	schema.EventDiscover: "[DISC]",
	schema.EventDetect:   "[IOC ]",
	schema.EventBlue:     "[BLUE]",
	schema.EventError:    "[ERR ]",
	schema.EventComplete: "[DONE]",
}

// renderEventLine はイベント1件を1行にする。
// Format: 15:04:05 [RED ] #3 exploit contractor-network-user-0 S→U ✓
func renderEventLine(e schema.Event, width int) string {
	ts := lipgloss.NewStyle().Foreground(colorMuted).Render(e.Time.Format("15:04:05"))
	tag, ok := eventTags[e.Type]
	if !ok {
		tag = fmt.Sprintf("[%s]", e.Type)
	}
	step := lipgloss.NewStyle().Foreground(colorMuted).Render(fmt.Sprintf("#%-3d", e.Step))

	// 8 (時刻) + 1 + 6 (タグ) + 1 + 4 (ステップ) + 2
	msgW := width - 22
	if msgW < 10 {
		msgW = 10
	}
	msg := e.Message
	if e.Type == schema.EventStep {
		msg = "── " + msg + " ──"
	}
	return fmt.Sprintf("%s %s %s  %s", ts, eventStyle(e.Type).Render(tag), step,
		runewidth.Truncate(strings.ReplaceAll(msg, "\n", " "), msgW, "…"))
}

// renderFSMCounts は K/S/U/R の件数を並べる。
func renderFSMCounts(counts map[redteam.State]int) string {
	parts := make([]string, 0, len(redteam.States))
	for _, st := range redteam.States {
		parts = append(parts, fmt.Sprintf("%s:%d", st, counts[st]))
	}
	return strings.Join(parts, " ")
}

// loadReport はレポートを読み、glamour で整形して保持する。
// レンダリングに失敗した場合はプレーンテキストで表示する。
func (m *Model) loadReport(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		m.reportText = eventErrorStyle.Render(fmt.Sprintf("failed to read report %s: %v", path, err))
		return
	}
	width := m.viewport.Width
	if width <= 0 {
		width = 80
	}
	rendered, err := report.Render(string(data), width)
	if err != nil {
		rendered = string(data)
	}
	m.reportText = rendered
}
