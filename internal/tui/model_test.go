package tui

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/0x6d61/cagebridge/internal/agent"
	"github.com/0x6d61/cagebridge/internal/redteam"
	"github.com/0x6d61/cagebridge/internal/snapshot"
	"github.com/0x6d61/cagebridge/pkg/schema"
)

func key(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func sampleState(step int) *snapshot.LoopState {
	return &snapshot.LoopState{
		RunID:    "3f2a9c1e-0000-4000-8000-000000000000",
		Step:     step,
		MaxSteps: 10,
		Hosts: map[string]schema.HostLabel{
			"contractor-network-user-0": schema.LabelCompromised,
			"office-network-user-0":     schema.LabelClean,
		},
		FSMCounts: map[redteam.State]int{redteam.StateKnown: 1, redteam.StateUser: 1},
		Phase:     redteam.StateUser,
		LastRed:   &redteam.Attack{Action: redteam.ActionExploit, Target: "contractor-network-user-0", From: redteam.StateScanned, To: redteam.StateUser, Success: true},
		LastBlue:  &schema.ActionResult{Action: schema.ActionMonitor, Target: "office-network-user-0", Interface: "eth1", Success: true, Message: "monitoring"},
	}
}

func sampleEvents(step int) []schema.Event {
	now := time.Now()
	return []schema.Event{
		{Step: step, Time: now, Type: schema.EventRed, Target: "contractor-network-user-0", Message: "exploit contractor-network-user-0 S→U ✓"},
		{Step: step, Time: now, Type: schema.EventBlue, Target: "office-network-user-0", Message: "Monitor(office-network-user-0:eth1) ✓"},
	}
}

func readyModel(m Model) Model {
	next, _ := m.Update(tea.WindowSizeMsg{Width: 140, Height: 40})
	return next.(Model)
}

func TestView_NotReady(t *testing.T) {
	m := NewWithUpdates(make(chan agent.Update))
	if out := m.View(); !strings.Contains(out, "Starting cagebridge") {
		t.Errorf("expected loading message when not ready, got %q", out)
	}
}

func TestUpdate_UpdateMsgAppliesState(t *testing.T) {
	ch := make(chan agent.Update, 1)
	m := readyModel(NewWithUpdates(ch))

	next, cmd := m.Update(UpdateMsg{Events: sampleEvents(2), State: sampleState(2)})
	m = next.(Model)
	if cmd == nil {
		t.Error("expected a command waiting for the next update")
	}
	if len(m.list.Items()) != 2 {
		t.Errorf("list items = %d, want 2", len(m.list.Items()))
	}
	if len(m.events) != 2 {
		t.Errorf("events = %d", len(m.events))
	}

	out := m.View()
	for _, want := range []string{"CAGEBRIDGE", "step 2/10", "3f2a9c1e", "K:1", "U:1", "red U", "exploit contractor-network-user-0"} {
		if !strings.Contains(out, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestWaitForUpdate_Closed(t *testing.T) {
	ch := make(chan agent.Update)
	close(ch)
	if _, ok := WaitForUpdate(ch)().(updatesClosedMsg); !ok {
		t.Error("closed channel should produce updatesClosedMsg")
	}

	m := readyModel(NewWithUpdates(ch))
	next, cmd := m.Update(updatesClosedMsg{})
	m = next.(Model)
	if !m.closed || cmd != nil {
		t.Errorf("closed=%v cmd=%v", m.closed, cmd)
	}
}

func TestAppendEvents_Bounded(t *testing.T) {
	m := NewWithUpdates(nil)
	for i := 0; i < maxLogEvents+20; i++ {
		m.appendEvents([]schema.Event{{Step: i, Type: schema.EventStep}})
	}
	if len(m.events) != maxLogEvents {
		t.Fatalf("events = %d, want %d", len(m.events), maxLogEvents)
	}
	if m.events[0].Step != 20 {
		t.Errorf("oldest event step = %d, want 20", m.events[0].Step)
	}
}

func TestWatcher_ReadsStateFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	st := sampleState(4)
	st.Events = sampleEvents(4)
	if err := snapshot.NewFileSink(path).Publish(context.Background(), st); err != nil {
		t.Fatal(err)
	}

	m := readyModel(NewWatcher(path, 10*time.Millisecond))
	msg := m.Init()()
	next, cmd := m.Update(msg)
	m = next.(Model)

	if m.loadErr != nil {
		t.Fatalf("loadErr = %v", m.loadErr)
	}
	if m.state == nil || m.state.Step != 4 || len(m.events) != 2 {
		t.Fatalf("state not applied: %+v", m.state)
	}
	if cmd == nil {
		t.Error("watcher should keep polling while the run is not done")
	}
}

func TestWatcher_StopsWhenDone(t *testing.T) {
	m := readyModel(NewWatcher("unused.json", time.Second))
	st := sampleState(10)
	st.Done = true
	next, cmd := m.Update(snapshotMsg{state: st})
	if cmd != nil {
		t.Error("watcher should stop polling after the run is done")
	}
	if !strings.Contains(next.(Model).View(), "DONE") {
		t.Error("status bar should show DONE")
	}
}

func TestWatcher_MissingFile(t *testing.T) {
	m := readyModel(NewWatcher(filepath.Join(t.TempDir(), "missing.json"), time.Second))
	next, cmd := m.Update(m.Init()())
	m = next.(Model)
	if m.loadErr == nil {
		t.Fatal("expected load error")
	}
	if cmd == nil {
		t.Error("watcher should retry after a read error")
	}
	if !strings.Contains(m.View(), "missing.json") {
		t.Error("view should show the load error")
	}
}

func TestReportToggle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.md")
	if err := os.WriteFile(path, []byte("# cagebridge run test\n\n- **Outcome**: completed\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	m := readyModel(NewWithUpdates(make(chan agent.Update)))

	// レポート前の r は無視
	next, _ := m.Update(key("r"))
	m = next.(Model)
	if m.showReport {
		t.Fatal("r without a report should do nothing")
	}

	st := sampleState(10)
	st.Done = true
	st.Report = path
	next, _ = m.Update(UpdateMsg{State: st})
	m = next.(Model)
	if m.reportText == "" {
		t.Fatal("report should be loaded when the run is done")
	}

	next, _ = m.Update(key("r"))
	m = next.(Model)
	if !m.showReport {
		t.Error("r should show the report")
	}
	if !strings.Contains(m.View(), "Outcome") {
		t.Error("view should contain the rendered report")
	}
}

func TestConfirmQuit(t *testing.T) {
	m := readyModel(NewWithUpdates(make(chan agent.Update)))

	next, _ := m.Update(key("q"))
	m = next.(Model)
	if !m.confirmQuit {
		t.Fatal("q should open the quit dialog")
	}
	if !strings.Contains(m.View(), "Quit console?") {
		t.Error("dialog should be rendered")
	}

	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyEsc})
	m = next.(Model)
	if m.confirmQuit {
		t.Error("esc should close the dialog")
	}

	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	m = next.(Model)
	_, cmd := m.Update(key("y"))
	if cmd == nil {
		t.Fatal("y should quit")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("expected tea.QuitMsg")
	}
}

func TestFocus_FiltersBySelectedHost(t *testing.T) {
	m := readyModel(NewWithUpdates(make(chan agent.Update)))
	next, _ := m.Update(UpdateMsg{Events: sampleEvents(1), State: sampleState(1)})
	m = next.(Model)

	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyTab})
	m = next.(Model)
	if m.focus != FocusList {
		t.Fatalf("focus = %v, want list", m.focus)
	}
	// 名前順で先頭は contractor-network-user-0
	view := m.viewport.View()
	if !strings.Contains(view, "exploit") {
		t.Error("selected host events should be shown")
	}
	if strings.Contains(view, "Monitor(") {
		t.Error("other host events should be filtered out")
	}
}

func TestRenderEventLine(t *testing.T) {
	e := schema.Event{Step: 3, Time: time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC), Type: schema.EventRed, Message: "scan office-network-user-0 K→S ✓"}
	line := renderEventLine(e, 120)
	for _, want := range []string{"10:00:00", "[RED ]", "#3", "scan office-network-user-0"} {
		if !strings.Contains(line, want) {
			t.Errorf("line missing %q: %q", want, line)
		}
	}

	long := e
	long.Message = strings.Repeat("x", 300)
	if got := renderEventLine(long, 60); strings.Contains(got, strings.Repeat("x", 100)) {
		t.Error("long messages should be truncated")
	}
}

func TestTruncateVisual_WideRunes(t *testing.T) {
	// 全角は2桁
	if got := truncateVisual("侵害ホスト", 5); got != "侵害 " {
		t.Errorf("truncateVisual = %q", got)
	}
	if got := skipVisual("侵害ホスト", 4); got != "ホスト" {
		t.Errorf("skipVisual = %q", got)
	}
}
