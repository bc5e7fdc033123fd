package tui

import (
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/0x6d61/cagebridge/internal/agent"
)

// Update implements tea.Model and routes all incoming messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.handleResize(msg.Width, msg.Height)
		m.ready = true
		m.rebuildViewport()
		return m, nil

	// ループからの Update を処理する。
	case UpdateMsg:
		u := agent.Update(msg)
		m.appendEvents(u.Events)
		m.applyState(u.State)
		m.rebuildViewport()
		// 次の Update を待つコマンドを再登録（Bubble Tea の非同期ループパターン）
		if m.updates != nil && !m.closed {
			return m, WaitForUpdate(m.updates)
		}
		return m, nil

	case updatesClosedMsg:
		m.closed = true
		return m, nil

	// watch モード: ファイルの内容で置き換える（ファイル側が直近のイベントを保持している）
	case snapshotMsg:
		m.loadErr = msg.err
		if msg.err == nil && msg.state != nil {
			m.events = append(m.events[:0], msg.state.Events...)
			m.applyState(msg.state)
		}
		m.rebuildViewport()
		if m.state != nil && m.state.Done {
			return m, nil
		}
		return m, pollState(m.statePath, m.interval)

	case tea.KeyMsg:
		// Quit confirmation dialog intercepts all keys when active.
		if m.confirmQuit {
			return m.handleConfirmQuitKey(msg)
		}

		switch msg.String() {
		case "ctrl+c", "q":
			m.confirmQuit = true
			return m, nil
		case "tab":
			m.cycleFocus()
			m.rebuildViewport()
			return m, nil
		case "r":
			// レポートが届いていれば表示を切り替える
			if m.reportText != "" {
				m.showReport = !m.showReport
				m.rebuildViewport()
			}
			return m, nil
		}

		switch m.focus {
		case FocusList:
			m.list, cmd = m.list.Update(msg)
			cmds = append(cmds, cmd)
			m.rebuildViewport()
		case FocusViewport:
			m.viewport, cmd = m.viewport.Update(msg)
			cmds = append(cmds, cmd)
		}
	}

	return m, tea.Batch(cmds...)
}

// handleResize recomputes all component dimensions to fit the new terminal size.
func (m *Model) handleResize(w, h int) {
	m.width = w
	m.height = h

	const (
		statusBarH  = 1
		footerH     = 4 // 2 lines + rounded border top + bottom
		paneVBorder = 2 // top + bottom borders for panes
	)

	paneH := h - statusBarH - footerH - paneVBorder
	if paneH < 4 {
		paneH = 4
	}

	m.list.SetSize(leftPaneOuterWidth-4, paneH)

	vpW := w - leftPaneOuterWidth - 4 // subtract 2 borders + 2 side margins
	if vpW < 10 {
		vpW = 10
	}
	if !m.ready {
		m.viewport = viewport.New(vpW, paneH)
	} else {
		m.viewport.Width = vpW
		m.viewport.Height = paneH
	}
}

// cycleFocus toggles focus between the host list and the log.
func (m *Model) cycleFocus() {
	if m.focus == FocusList {
		m.focus = FocusViewport
	} else {
		m.focus = FocusList
	}
}

// handleConfirmQuitKey processes key events in the quit confirmation dialog.
func (m Model) handleConfirmQuitKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "y", "Y":
		return m, tea.Quit
	case "n", "N", "esc":
		m.confirmQuit = false
		return m, nil
	}
	// Other keys: ignore, stay in confirmation dialog.
	return m, nil
}
