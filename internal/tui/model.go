// Package tui implements the Bubble Tea watch console for cagebridge runs.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/0x6d61/cagebridge/internal/agent"
	"github.com/0x6d61/cagebridge/internal/snapshot"
	"github.com/0x6d61/cagebridge/pkg/schema"
)

// FocusState tracks which pane has keyboard focus.
type FocusState int

const (
	FocusList     FocusState = iota // left pane: host list
	FocusViewport                   // right pane: event log / report
)

// leftPaneOuterWidth is the total rendered width of the left pane (borders included).
const leftPaneOuterWidth = 38

// maxLogEvents は TUI が保持するイベント数
const maxLogEvents = 500

// UpdateMsg は Loop から届く Bubble Tea メッセージ。
type UpdateMsg agent.Update

// updatesClosedMsg は Loop のチャネルが閉じられたことを示す。
type updatesClosedMsg struct{}

// snapshotMsg は watch モードで状態ファイルを読んだ結果。
type snapshotMsg struct {
	state *snapshot.LoopState
	err   error
}

// Model is the root Bubble Tea model for the watch console.
type Model struct {
	width    int
	height   int
	ready    bool
	focus    FocusState
	list     list.Model
	viewport viewport.Model

	state  *snapshot.LoopState
	events []schema.Event

	// ループ直結（run -tui）
	updates <-chan agent.Update
	closed  bool

	// ファイル監視（watch）
	statePath string
	interval  time.Duration
	loadErr   error

	// 終了時のレポート
	reportText string // glamour 適用済み
	showReport bool

	confirmQuit bool
}

// WaitForUpdate は次の Update を待つ Bubble Tea コマンド。
func WaitForUpdate(ch <-chan agent.Update) tea.Cmd {
	return func() tea.Msg {
		u, ok := <-ch
		if !ok {
			return updatesClosedMsg{}
		}
		return UpdateMsg(u)
	}
}

// readState は状態ファイルを1回読むコマンド。
func readState(path string) tea.Cmd {
	return func() tea.Msg {
		st, err := snapshot.ReadFile(path)
		return snapshotMsg{state: st, err: err}
	}
}

// pollState は interval 後に状態ファイルを読むコマンド。
func pollState(path string, interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(time.Time) tea.Msg {
		st, err := snapshot.ReadFile(path)
		return snapshotMsg{state: st, err: err}
	})
}

// hostListItem wraps a host label to satisfy the list.Item interface.
type hostListItem struct {
	name  string
	label schema.HostLabel
}

func (i hostListItem) Title() string {
	icon := labelStyle(i.label).Render(i.label.Icon())
	return fmt.Sprintf("%s %s", icon, truncateVisual(i.name, leftPaneOuterWidth-8))
}

func (i hostListItem) Description() string {
	return labelStyle(i.label).Render(fmt.Sprintf("[%s]", i.label))
}

func (i hostListItem) FilterValue() string { return i.name }

func newModel() Model {
	d := list.NewDefaultDelegate()
	d.ShowDescription = true
	d.Styles.SelectedTitle = d.Styles.SelectedTitle.Foreground(colorPrimary)
	d.Styles.SelectedDesc = d.Styles.SelectedDesc.Foreground(colorSecondary)

	l := list.New(nil, d, leftPaneOuterWidth-4, 20)
	l.Title = "HOSTS"
	l.SetShowHelp(false)
	l.SetFilteringEnabled(false)
	l.SetShowStatusBar(false)
	l.Styles.Title = lipgloss.NewStyle().
		Foreground(colorTitle).
		Bold(true).
		Padding(0, 1)

	return Model{list: l, focus: FocusViewport}
}

// NewWithUpdates はループの Update チャネルに接続した Model を返す。
func NewWithUpdates(ch <-chan agent.Update) Model {
	m := newModel()
	m.updates = ch
	return m
}

// NewWatcher は状態ファイルを interval ごとに読む Model を返す。
func NewWatcher(path string, interval time.Duration) Model {
	if interval <= 0 {
		interval = time.Second
	}
	m := newModel()
	m.statePath = path
	m.interval = interval
	return m
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	switch {
	case m.updates != nil:
		return WaitForUpdate(m.updates)
	case m.statePath != "":
		return readState(m.statePath)
	}
	return nil
}

// applyState は新しい LoopState を表示に反映する。
func (m *Model) applyState(st *snapshot.LoopState) {
	if st == nil {
		return
	}
	m.state = st
	m.syncListItems()
	if st.Done && st.Report != "" && m.reportText == "" {
		m.loadReport(st.Report)
	}
}

// appendEvents はイベントを追加して古いものから捨てる。
func (m *Model) appendEvents(events []schema.Event) {
	m.events = append(m.events, events...)
	if len(m.events) > maxLogEvents {
		m.events = append([]schema.Event(nil), m.events[len(m.events)-maxLogEvents:]...)
	}
}

// syncListItems refreshes list items to reflect the current host labels.
func (m *Model) syncListItems() {
	if m.state == nil {
		return
	}
	names := m.state.HostNames()
	items := make([]list.Item, len(names))
	for i, n := range names {
		items[i] = hostListItem{name: n, label: m.state.Hosts[n]}
	}
	m.list.SetItems(items)
}

// selectedHost returns the host under the list cursor, or "" if none.
func (m *Model) selectedHost() string {
	if it, ok := m.list.SelectedItem().(hostListItem); ok {
		return it.name
	}
	return ""
}

// rebuildViewport regenerates the right pane: the rendered report when toggled,
// otherwise the event log (filtered by the selected host when the list has focus).
func (m *Model) rebuildViewport() {
	if !m.ready {
		return
	}
	if m.showReport && m.reportText != "" {
		m.viewport.SetContent(m.reportText)
		m.viewport.GotoTop()
		return
	}

	filter := ""
	if m.focus == FocusList {
		filter = m.selectedHost()
	}

	var sb strings.Builder
	if m.loadErr != nil {
		sb.WriteString(eventErrorStyle.Render("  "+m.loadErr.Error()) + "\n\n")
	}
	if len(m.events) == 0 && m.loadErr == nil {
		sb.WriteString(lipgloss.NewStyle().Foreground(colorMuted).Render("  waiting for the first step..."))
	}
	for _, e := range m.events {
		if filter != "" && e.Target != filter {
			continue
		}
		sb.WriteString(renderEventLine(e, m.viewport.Width))
		sb.WriteString("\n")
	}
	m.viewport.SetContent(sb.String())
	m.viewport.GotoBottom()
}
