package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"github.com/0x6d61/cagebridge/pkg/schema"
)

// View implements tea.Model and renders the full console layout.
func (m Model) View() string {
	if !m.ready {
		return "\n  ⚡ Starting cagebridge console...\n"
	}

	// ── Status bar (1 line) ──────────────────────────────────────────────────
	statusBar := m.renderStatusBar()

	// ── Left pane: host list ─────────────────────────────────────────────────
	var leftStyle lipgloss.Style
	if m.focus == FocusList {
		leftStyle = leftPaneActiveStyle.Width(leftPaneOuterWidth - 2)
	} else {
		leftStyle = leftPaneStyle.Width(leftPaneOuterWidth - 2)
	}
	leftPane := leftStyle.Render(m.list.View())

	// ── Right pane: event log / report ───────────────────────────────────────
	rightContentW := m.width - leftPaneOuterWidth - 2 // subtract left+right borders
	var rightStyle lipgloss.Style
	if m.focus == FocusViewport {
		rightStyle = rightPaneActiveStyle.Width(rightContentW)
	} else {
		rightStyle = rightPaneStyle.Width(rightContentW)
	}
	rightPane := rightStyle.Render(m.viewport.View())

	panesRow := lipgloss.JoinHorizontal(lipgloss.Top, leftPane, rightPane)
	footer := m.renderFooter()

	base := lipgloss.JoinVertical(lipgloss.Left, statusBar, panesRow, footer)

	// Overlay quit confirmation dialog in the center of the screen.
	if m.confirmQuit {
		base = m.overlayCenter(base, m.renderConfirmQuit())
	}
	return base
}

// renderStatusBar renders the single-line header: run, step/max, FSM counts, red phase and label totals.
func (m Model) renderStatusBar() string {
	appName := lipgloss.NewStyle().
		Foreground(colorPrimary).
		Bold(true).
		Render("⚡ CAGEBRIDGE")
	muted := lipgloss.NewStyle().Foreground(colorMuted)

	var info string
	if st := m.state; st != nil {
		runID := st.RunID
		if len(runID) > 8 {
			runID = runID[:8]
		}
		progress := fmt.Sprintf("step %d/%d", st.Step, st.MaxSteps)
		if st.Done {
			progress += " " + eventCompleteStyle.Render("DONE")
		}
		redPhase := "-"
		if st.Phase != "" {
			redPhase = string(st.Phase)
		}
		info = fmt.Sprintf("run %s  %s  %s  %s  %s",
			lipgloss.NewStyle().Foreground(colorWarning).Render(runID),
			progress,
			muted.Render("FSM")+" "+renderFSMCounts(st.FSMCounts),
			muted.Render("red")+" "+redPhase,
			labelCompromisedStyle.Render(fmt.Sprintf("%s %d", schema.LabelCompromised.Icon(), st.Count(schema.LabelCompromised))),
		)
	} else {
		info = muted.Render("waiting for loop state")
	}

	hint := "[Tab] Switch pane  [q] Quit"
	if m.reportText != "" {
		hint = "[r] Report  " + hint
	}
	hint = muted.Render(hint)

	left := appName + "  " + info
	gap := strings.Repeat(" ", max(0, m.width-lipgloss.Width(left)-lipgloss.Width(hint)-2))
	return statusBarStyle.Width(m.width).Render(left + gap + hint)
}

// renderFooter shows the last red and blue actions.
func (m Model) renderFooter() string {
	w := m.width - 2
	inner := w - 2
	if inner < 10 {
		inner = 10
	}
	red := "-"
	blue := "-"
	if st := m.state; st != nil {
		if a := st.LastRed; a != nil {
			mark := "✓"
			if !a.Success {
				mark = "✗"
			}
			red = fmt.Sprintf("%s %s %s→%s %s", a.Action, a.Target, a.From, a.To, mark)
		}
		if r := st.LastBlue; r != nil {
			target := r.Target
			if r.Interface != "" {
				target += ":" + r.Interface
			}
			blue = fmt.Sprintf("%s(%s) ", r.Action, target)
			if r.Success {
				blue += "✓ " + r.Message
			} else {
				blue += "✗ " + r.Error
			}
		}
	}
	lines := eventRedStyle.Render("RED  ") + runewidth.Truncate(red, inner-5, "…") + "\n" +
		eventBlueStyle.Render("BLUE ") + runewidth.Truncate(blue, inner-5, "…")
	return footerStyle.Width(w).Render(lines)
}

// renderConfirmQuit renders the centered quit confirmation dialog.
func (m Model) renderConfirmQuit() string {
	title := lipgloss.NewStyle().
		Foreground(colorWarning).
		Bold(true).
		Render("Quit console?")
	note := "The loop keeps running until it finishes or is interrupted."
	if m.statePath != "" {
		note = "The watched run is not affected."
	}
	hint := lipgloss.NewStyle().
		Foreground(colorMuted).
		Render("[Y] Yes  [N] No  [Esc] Cancel")

	content := fmt.Sprintf("\n  %s\n  %s\n\n  %s\n", title, note, hint)
	return confirmQuitBoxStyle.Render(content)
}

// overlayCenter places the overlay string in the center of the base string.
func (m Model) overlayCenter(base, overlay string) string {
	baseLines := strings.Split(base, "\n")
	overlayLines := strings.Split(overlay, "\n")

	overlayH := len(overlayLines)
	overlayW := 0
	for _, line := range overlayLines {
		if w := lipgloss.Width(line); w > overlayW {
			overlayW = w
		}
	}

	startRow := max(0, (m.height-overlayH)/2)
	startCol := max(0, (m.width-overlayW)/2)

	for len(baseLines) < startRow+overlayH {
		baseLines = append(baseLines, strings.Repeat(" ", m.width))
	}

	for i, oLine := range overlayLines {
		row := startRow + i
		baseLine := baseLines[row]
		for lipgloss.Width(baseLine) < startCol {
			baseLine += " "
		}

		// 表示幅でスライスする
		left := truncateVisual(baseLine, startCol)
		rightStart := startCol + lipgloss.Width(oLine)
		right := ""
		if lipgloss.Width(baseLine) > rightStart {
			right = skipVisual(baseLine, rightStart)
		}
		baseLines[row] = left + oLine + right
	}
	return strings.Join(baseLines, "\n")
}

// truncateVisual returns the first n visual columns of a string, padded with spaces.
func truncateVisual(s string, n int) string {
	w := 0
	for i, r := range s {
		rw := runewidth.RuneWidth(r)
		if w+rw > n {
			return s[:i] + strings.Repeat(" ", n-w)
		}
		w += rw
	}
	return s + strings.Repeat(" ", n-w)
}

// skipVisual returns everything after the first n visual columns.
func skipVisual(s string, n int) string {
	w := 0
	for i, r := range s {
		if w >= n {
			return s[i:]
		}
		w += runewidth.RuneWidth(r)
	}
	return ""
}
