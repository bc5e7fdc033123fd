package agent_test

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/0x6d61/cagebridge/internal/agent"
	"github.com/0x6d61/cagebridge/internal/config"
	"github.com/0x6d61/cagebridge/internal/graph"
	"github.com/0x6d61/cagebridge/internal/metrics"
	"github.com/0x6d61/cagebridge/internal/policy"
	"github.com/0x6d61/cagebridge/internal/redteam"
	"github.com/0x6d61/cagebridge/internal/report"
	"github.com/0x6d61/cagebridge/internal/runtime/runtimetest"
	"github.com/0x6d61/cagebridge/internal/snapshot"
	"github.com/0x6d61/cagebridge/pkg/schema"
)

// mockPolicy は Policy インターフェースのモック。
type mockPolicy struct {
	shape   graph.Shape
	indices []int
	errs    []error // non-nil entries cause Decide() to return error
	calls   int
	graphs  []*graph.ObservationGraph
}

func (m *mockPolicy) Describe(_ context.Context) (graph.Shape, error) { return m.shape, nil }

func (m *mockPolicy) Decide(_ context.Context, g *graph.ObservationGraph) (int, error) {
	i := m.calls
	m.calls++
	m.graphs = append(m.graphs, g)
	if i < len(m.errs) && m.errs[i] != nil {
		return 0, m.errs[i]
	}
	if i < len(m.indices) {
		return m.indices[i], nil
	}
	return policy.NoAction, nil
}

func (m *mockPolicy) Close() error { return nil }

// recordingPublisher は publish された LoopState を記録する。
type recordingPublisher struct {
	mu     sync.Mutex
	states []*snapshot.LoopState
}

func (p *recordingPublisher) Publish(_ context.Context, st *snapshot.LoopState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states = append(p.states, st.Clone())
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) last() *snapshot.LoopState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.states[len(p.states)-1]
}

type recordingHistory struct {
	events []schema.Event
}

func (h *recordingHistory) Write(_ string, events ...schema.Event) {
	h.events = append(h.events, events...)
}

// 進入サブネット2台 + 隣接サブネット1台
func testConfig(t *testing.T) *config.AppConfig {
	t.Helper()
	cfg := config.Default()
	cfg.Topology = config.TopologyConfig{
		Subnets: []config.SubnetConfig{
			{Name: "entry", Router: "entry-router", Hosts: []config.HostEntry{
				{Name: "entry-user-0", Role: config.RoleUser},
				{Name: "entry-user-1", Role: config.RoleUser},
			}},
			{Name: "inner", Router: "inner-router", Hosts: []config.HostEntry{
				{Name: "inner-server-0", Role: config.RoleServer},
			}},
		},
		RouterLinks:   [][]string{{"entry-router", "inner-router"}},
		ActionRouters: []config.RouterPort{{Router: "entry-router", Interface: "eth2"}, {Router: "inner-router", Interface: "eth2"}},
	}
	cfg.Red = config.RedConfig{EntrySubnet: "entry", Adjacency: map[string][]string{"entry": {"inner"}}}
	cfg.Policy.Shape = config.ShapeConfig{FeatureWidth: graph.CanonicalWidth, MaxServers: 6, MaxUsers: 10, NumRouters: 2}
	cfg.Loop.MaxSteps = 3
	cfg.Loop.StepDelay = 0
	cfg.Loop.AttackProbability = 1
	cfg.State.SideStateFile = filepath.Join(t.TempDir(), "action_state.json")
	return cfg
}

func testShape() graph.Shape {
	return graph.Shape{FeatureWidth: graph.CanonicalWidth, MaxServers: 6, MaxUsers: 10, NumRouters: 2}
}

func newLab() *runtimetest.Lab {
	return runtimetest.NewLab("entry-user-0", "entry-user-1", "inner-server-0")
}

func hasEvent(events []schema.Event, typ schema.EventType, target string) bool {
	for _, e := range events {
		if e.Type == typ && (target == "" || e.Target == target) {
			return true
		}
	}
	return false
}

func TestLoop_Run_CompletesAndPublishes(t *testing.T) {
	cfg := testConfig(t)
	lab := newLab()
	pol := &mockPolicy{shape: testShape(), indices: []int{policy.MonitorIndex, policy.MonitorIndex, policy.MonitorIndex}}
	pub := &recordingPublisher{}
	hist := &recordingHistory{}
	updates := make(chan agent.Update, 16)
	reportDir := t.TempDir()

	loop := agent.NewLoop(cfg, lab, pol, rand.New(rand.NewSource(1)), agent.Options{
		Publisher: pub,
		Metrics:   metrics.New(),
		History:   hist,
		Reports:   report.NewStore(reportDir),
		Updates:   updates,
	})
	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// 3 ステップ + 終了時
	if len(pub.states) != 4 {
		t.Fatalf("expected 4 publishes, got %d", len(pub.states))
	}
	for i, st := range pub.states[:3] {
		if st.Step != i+1 || st.Done {
			t.Errorf("publish %d: step=%d done=%v", i, st.Step, st.Done)
		}
		if st.LastBlue == nil || st.LastBlue.Action != schema.ActionMonitor {
			t.Errorf("publish %d: LastBlue = %+v", i, st.LastBlue)
		}
		if st.LastRed == nil {
			t.Errorf("publish %d: probability 1 should attack every step", i)
		}
	}

	final := pub.last()
	if !final.Done || final.RunID != loop.RunID() {
		t.Errorf("final state: done=%v run=%s", final.Done, final.RunID)
	}
	if len(final.Hosts) != 3 {
		t.Errorf("expected 3 labelled hosts, got %v", final.Hosts)
	}

	// scan, scan, exploit の順に進み、3 ステップ目の exploit は同じステップで検出される
	log := loop.RedAgent().Log()
	if len(log) != 3 || log[2].Action != redteam.ActionExploit || !log[2].Success {
		t.Fatalf("unexpected attack log: %+v", log)
	}
	victim := log[2].Target
	if final.Hosts[victim] != schema.LabelCompromised {
		t.Errorf("%s label = %s, want compromised", victim, final.Hosts[victim])
	}
	if final.Count(schema.LabelCompromised) != 1 {
		t.Errorf("compromised count = %d", final.Count(schema.LabelCompromised))
	}
	if !hasEvent(final.Events, schema.EventDetect, victim) {
		t.Error("missing detect event")
	}
	if !hasEvent(final.Events, schema.EventDiscover, "inner-server-0") {
		t.Error("missing discover event for the adjacent subnet")
	}
	if !hasEvent(final.Events, schema.EventComplete, "") {
		t.Error("missing complete event")
	}
	if final.FSMCounts[redteam.StateUser] != 1 || final.FSMCounts[redteam.StateKnown] != 1 {
		t.Errorf("FSM counts = %v", final.FSMCounts)
	}
	if final.Phase != redteam.StateUser {
		t.Errorf("phase = %q, want %q", final.Phase, redteam.StateUser)
	}

	if final.Report == "" {
		t.Fatal("report path not set")
	}
	if _, err := os.Stat(final.Report); err != nil {
		t.Errorf("report not written: %v", err)
	}
	if len(hist.events) == 0 || !hasEvent(hist.events, schema.EventBlue, "") {
		t.Errorf("history missing events: %d", len(hist.events))
	}
	if len(updates) != 4 {
		t.Errorf("expected 4 updates, got %d", len(updates))
	}
	if pol.calls != 3 {
		t.Errorf("Decide called %d times", pol.calls)
	}
	for _, g := range pol.graphs {
		if g.NumNodes() != 5 {
			t.Errorf("graph has %d nodes, want 3 hosts + 2 routers", g.NumNodes())
		}
	}
}

func TestLoop_RestoreClearsCompromise(t *testing.T) {
	cfg := testConfig(t)
	cfg.Loop.MaxSteps = 1
	cfg.Loop.AttackProbability = 0
	lab := newLab()
	lab.Plant("entry-user-0", "/tmp/pwned")

	// Restore (2) × 16 + ユーザースロット 0（MaxServers=6 の後ろ）
	restoreUser0 := 2*policy.HostSlots + 6
	pol := &mockPolicy{shape: testShape(), indices: []int{restoreUser0}}
	pub := &recordingPublisher{}

	loop := agent.NewLoop(cfg, lab, pol, rand.New(rand.NewSource(1)), agent.Options{Publisher: pub})
	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	st := pub.states[0]
	if st.LastBlue == nil || st.LastBlue.Action != schema.ActionRestore || st.LastBlue.Target != "entry-user-0" {
		t.Fatalf("LastBlue = %+v", st.LastBlue)
	}
	if !st.LastBlue.Success {
		t.Fatalf("restore failed: %s", st.LastBlue.Error)
	}
	if st.Hosts["entry-user-0"] != schema.LabelRestored {
		t.Errorf("label = %s, want restored", st.Hosts["entry-user-0"])
	}
	if !hasEvent(st.Events, schema.EventDetect, "entry-user-0") {
		t.Error("compromise should be detected before the restore")
	}
	if lab.Has("entry-user-0", "/tmp/pwned") {
		t.Error("restore should remove the flag")
	}
	if got := lab.Restarts(); len(got) != 1 || got[0] != "entry-user-0" {
		t.Errorf("restarts = %v", got)
	}
}

func TestLoop_DecideErrorFallsBackToMonitor(t *testing.T) {
	cfg := testConfig(t)
	cfg.Loop.MaxSteps = 1
	pol := &mockPolicy{shape: testShape(), errs: []error{errors.New("policy crashed")}}
	pub := &recordingPublisher{}

	loop := agent.NewLoop(cfg, newLab(), pol, rand.New(rand.NewSource(1)), agent.Options{Publisher: pub})
	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	st := pub.states[0]
	if st.LastBlue == nil || st.LastBlue.Action != schema.ActionMonitor || !st.LastBlue.Success {
		t.Errorf("LastBlue = %+v, want successful Monitor", st.LastBlue)
	}
	if !hasEvent(st.Events, schema.EventError, "") {
		t.Error("missing error event")
	}
}

func TestLoop_ShapeMismatchIsFatal(t *testing.T) {
	cfg := testConfig(t)
	shape := testShape()
	shape.NumRouters = 5
	pol := &mockPolicy{shape: shape}
	pub := &recordingPublisher{}
	reports := report.NewStore(t.TempDir())

	loop := agent.NewLoop(cfg, newLab(), pol, rand.New(rand.NewSource(1)), agent.Options{Publisher: pub, Reports: reports})
	err := loop.Run(context.Background())
	if !errors.Is(err, graph.ErrShapeMismatch) {
		t.Fatalf("Run error = %v, want ErrShapeMismatch", err)
	}
	if pol.calls != 0 {
		t.Errorf("Decide should not be called, got %d calls", pol.calls)
	}
	final := pub.last()
	if !final.Done || final.Step != 1 {
		t.Errorf("final state: done=%v step=%d", final.Done, final.Step)
	}
	if got := reports.Read(loop.RunID()); got == "" {
		t.Error("report should be written on failure")
	}
}

// 宣言されたホスト数がアクション空間のスロットを超えたら最初のステップ前に止まる
func TestLoop_ShapeExceedsHostSlots(t *testing.T) {
	cfg := testConfig(t)
	shape := testShape()
	shape.MaxServers = 8
	shape.MaxUsers = 10
	pol := &mockPolicy{shape: shape}
	pub := &recordingPublisher{}
	lab := newLab()

	loop := agent.NewLoop(cfg, lab, pol, rand.New(rand.NewSource(1)), agent.Options{Publisher: pub})
	err := loop.Run(context.Background())
	if !errors.Is(err, graph.ErrShapeMismatch) {
		t.Fatalf("Run error = %v, want ErrShapeMismatch", err)
	}
	if pol.calls != 0 {
		t.Errorf("Decide should not be called, got %d calls", pol.calls)
	}
	if n := len(lab.Calls()); n != 0 {
		t.Errorf("no host should be touched, got %d exec calls", n)
	}
	final := pub.last()
	if !final.Done || final.Step != 0 {
		t.Errorf("final state: done=%v step=%d", final.Done, final.Step)
	}
}

func TestLoop_CollectFailuresAbort(t *testing.T) {
	cfg := testConfig(t)
	cfg.Loop.MaxSteps = 10
	cfg.Loop.MaxCollectFailures = 2
	cfg.Loop.AttackProbability = 0
	lab := newLab()
	lab.ListErr = errors.New("docker daemon unreachable")
	pub := &recordingPublisher{}

	loop := agent.NewLoop(cfg, lab, &mockPolicy{shape: testShape()}, rand.New(rand.NewSource(1)), agent.Options{Publisher: pub})
	err := loop.Run(context.Background())
	if !errors.Is(err, agent.ErrRuntimeUnavailable) {
		t.Fatalf("Run error = %v, want ErrRuntimeUnavailable", err)
	}
	if st := loop.State(); st.Step != 3 || !st.Done {
		t.Errorf("state: step=%d done=%v, want abort on step 3", st.Step, st.Done)
	}
}

func TestLoop_CollectFailureRecovers(t *testing.T) {
	cfg := testConfig(t)
	cfg.Loop.MaxSteps = 1
	cfg.Loop.AttackProbability = 0
	lab := newLab()
	lab.ListErr = errors.New("temporary")
	pol := &mockPolicy{shape: testShape()}

	loop := agent.NewLoop(cfg, lab, pol, rand.New(rand.NewSource(1)), agent.Options{})
	if err := loop.Step(context.Background(), 1); err != nil {
		t.Fatalf("single collect failure should not abort: %v", err)
	}
	if pol.calls != 0 {
		t.Error("policy should not run without observations")
	}

	lab.ListErr = nil
	if err := loop.Step(context.Background(), 2); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if pol.calls != 1 {
		t.Errorf("Decide calls = %d", pol.calls)
	}
}

func TestLoop_CancelledBeforeStart(t *testing.T) {
	cfg := testConfig(t)
	pub := &recordingPublisher{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	loop := agent.NewLoop(cfg, newLab(), &mockPolicy{shape: testShape()}, rand.New(rand.NewSource(1)), agent.Options{Publisher: pub})
	if err := loop.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}
	final := pub.last()
	if !final.Done || final.Step != 0 {
		t.Errorf("final state: done=%v step=%d", final.Done, final.Step)
	}
}

func TestLoop_DecoyLabel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Loop.MaxSteps = 2
	cfg.Loop.AttackProbability = 0
	// DeployDecoy (3) × 16 + サーバースロット 0、次のステップは Monitor
	decoyServer0 := 3 * policy.HostSlots
	pol := &mockPolicy{shape: testShape(), indices: []int{decoyServer0, policy.MonitorIndex}}
	pub := &recordingPublisher{}

	loop := agent.NewLoop(cfg, newLab(), pol, rand.New(rand.NewSource(1)), agent.Options{Publisher: pub})
	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for i, st := range pub.states[:2] {
		if st.Hosts["inner-server-0"] != schema.LabelDecoy {
			t.Errorf("step %d: label = %s, want decoy", i+1, st.Hosts["inner-server-0"])
		}
	}
}
