package agent

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/0x6d61/cagebridge/internal/collector"
	"github.com/0x6d61/cagebridge/internal/config"
	"github.com/0x6d61/cagebridge/internal/detect"
	"github.com/0x6d61/cagebridge/internal/executor"
	"github.com/0x6d61/cagebridge/internal/graph"
	"github.com/0x6d61/cagebridge/internal/logging"
	"github.com/0x6d61/cagebridge/internal/metrics"
	"github.com/0x6d61/cagebridge/internal/policy"
	"github.com/0x6d61/cagebridge/internal/redteam"
	"github.com/0x6d61/cagebridge/internal/report"
	"github.com/0x6d61/cagebridge/internal/runtime"
	"github.com/0x6d61/cagebridge/internal/snapshot"
	"github.com/0x6d61/cagebridge/pkg/schema"
)

// ErrRuntimeUnavailable はホスト一覧の取得が連続して失敗し、ループを打ち切ったことを示す。
var ErrRuntimeUnavailable = errors.New("agent: container runtime unavailable")

// HistoryWriter はイベントの永続化先。history.EventWriter が満たす。
type HistoryWriter interface {
	Write(runID string, events ...schema.Event)
}

// Options はループの任意の出力先。nil のものは使わない。
type Options struct {
	Publisher snapshot.Publisher
	Metrics   *metrics.Recorder
	History   HistoryWriter
	Reports   *report.Store
	// Updates は TUI へのチャネル。ループは閉じない
	Updates chan<- Update
	Logger  *zap.SugaredLogger
}

// Loop は Red Agent・観測・ポリシー・Executor を1ステップずつ直列に回すオーケストレーター。
//
// ステップの流れ:
//
//	Red Agent.Attack → Collect → Detect → Encode → Shape.Validate
//	  → Policy.Decide → Decode → Execute → LoopState を publish
//
// 形状不一致とランタイムの喪失だけがループを止める。それ以外の失敗はイベントとして記録して続行する。
type Loop struct {
	cfg   *config.AppConfig
	runID string
	log   *zap.SugaredLogger

	policy    policy.Policy
	red       *redteam.Agent
	collector *collector.Collector
	detector  *detect.Detector
	executor  *executor.Executor

	// Describe の応答で確定する
	shape   graph.Shape
	encoder *graph.Encoder
	decoder *policy.Decoder

	publisher snapshot.Publisher
	metrics   *metrics.Recorder
	history   HistoryWriter
	reports   *report.Store
	updates   chan<- Update

	targets         map[string]*Target
	state           *snapshot.LoopState
	pending         []schema.Event
	blue            []report.BlueStep
	collectFailures int
	started         time.Time
}

// NewLoop は設定からループを構築する。rng は Red Agent と Executor で共有する。
func NewLoop(cfg *config.AppConfig, rt runtime.Runtime, pol policy.Policy, rng *rand.Rand, opts Options) *Loop {
	log := logging.OrNop(opts.Logger)
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	runID := uuid.NewString()
	l := &Loop{
		cfg:       cfg,
		runID:     runID,
		log:       log.Named("loop").With("run_id", runID),
		policy:    pol,
		red:       redteam.New(rt, cfg.Topology, cfg.Red, rng, log),
		collector: collector.New(rt, log),
		detector:  detect.New(rt, log),
		executor:  executor.New(rt, executor.NewStore(cfg.State.SideStateFile), cfg.Runtime.RestartTimeout, rng, log),
		publisher: opts.Publisher,
		metrics:   opts.Metrics,
		history:   opts.History,
		reports:   opts.Reports,
		updates:   opts.Updates,
		targets:   make(map[string]*Target),
	}
	l.state = &snapshot.LoopState{
		RunID:     runID,
		MaxSteps:  cfg.Loop.MaxSteps,
		Hosts:     make(map[string]schema.HostLabel),
		FSMCounts: l.red.Summary(),
	}
	return l
}

// RunID はこの実行の識別子。
func (l *Loop) RunID() string { return l.runID }

// State は最後に組み立てた LoopState のコピー。
func (l *Loop) State() *snapshot.LoopState { return l.state.Clone() }

// Targets は防御対象ホストを名前順で返す。
func (l *Loop) Targets() []*Target { return sortedTargets(l.targets) }

// RedAgent はこのループの攻撃者。
func (l *Loop) RedAgent() *redteam.Agent { return l.red }

// Run は MaxSteps までループを回す。ctx のキャンセルはステップの間で検知し ctx.Err() を返す。
// 終了時は理由にかかわらずレポートを書き、Done の LoopState を publish する。
func (l *Loop) Run(ctx context.Context) error {
	l.started = time.Now()
	if err := l.prepare(ctx); err != nil {
		l.finish(report.OutcomeFailed, err)
		return err
	}
	l.log.Infow("loop started", "max_steps", l.cfg.Loop.MaxSteps, "policy", l.cfg.Policy.Driver,
		"attack_probability", l.cfg.Loop.AttackProbability)

	for step := 1; step <= l.cfg.Loop.MaxSteps; step++ {
		if err := ctx.Err(); err != nil {
			l.finish(report.OutcomeCancelled, nil)
			return err
		}
		if err := l.Step(ctx, step); err != nil {
			if ctx.Err() != nil {
				l.finish(report.OutcomeCancelled, nil)
				return ctx.Err()
			}
			l.finish(report.OutcomeFailed, err)
			return err
		}
		if step < l.cfg.Loop.MaxSteps {
			if err := sleep(ctx, l.cfg.Loop.StepDelay); err != nil {
				l.finish(report.OutcomeCancelled, nil)
				return err
			}
		}
	}
	l.finish(report.OutcomeCompleted, nil)
	return nil
}

// prepare はポリシーの宣言形状を取得し、エンコーダとデコーダを作る。
// 宣言に無いフィールドは設定値で補う。
func (l *Loop) prepare(ctx context.Context) error {
	shape, err := l.policy.Describe(ctx)
	if err != nil {
		return fmt.Errorf("agent: describe policy: %w", err)
	}
	fallback := l.cfg.Policy.Shape
	if shape.FeatureWidth == 0 {
		shape.FeatureWidth = fallback.FeatureWidth
	}
	if shape.MaxServers == 0 {
		shape.MaxServers = fallback.MaxServers
	}
	if shape.MaxUsers == 0 {
		shape.MaxUsers = fallback.MaxUsers
	}
	if shape.NumRouters == 0 {
		shape.NumRouters = fallback.NumRouters
	}

	// アクション空間のホストスロットを超える宣言は一部のホストに届かない
	if n := shape.MaxServers + shape.MaxUsers; n > policy.HostSlots {
		return fmt.Errorf("agent: %w: %d servers + %d users exceed %d host action slots",
			graph.ErrShapeMismatch, shape.MaxServers, shape.MaxUsers, policy.HostSlots)
	}

	enc, err := graph.NewEncoder(l.cfg.Topology, shape.FeatureWidth)
	if err != nil {
		return fmt.Errorf("agent: %w", err)
	}
	l.shape = shape
	l.encoder = enc
	l.decoder = policy.NewDecoder(shape, l.cfg.Topology.ActionRouters, l.cfg.Loop.MonitorInterface)
	l.log.Infow("policy shape", "feature_width", shape.FeatureWidth, "max_servers", shape.MaxServers,
		"max_users", shape.MaxUsers, "num_routers", shape.NumRouters)
	return nil
}

// Step は1ステップを実行する。返すエラーはループを止めるもののみ。
func (l *Loop) Step(ctx context.Context, step int) error {
	if l.encoder == nil {
		if err := l.prepare(ctx); err != nil {
			return err
		}
	}
	l.pending = l.pending[:0]
	l.record(step, schema.EventStep, "", "step %d/%d", step, l.cfg.Loop.MaxSteps)

	// 1. Red
	var lastRed *redteam.Attack
	if atk, ok := l.red.Attack(ctx, l.cfg.Loop.AttackProbability); ok {
		lastRed = &atk
		l.record(step, schema.EventRed, atk.Target, "%s", redMessage(atk))
		for _, h := range atk.Discovered {
			l.record(step, schema.EventDiscover, h, "discovered %s from %s", h, atk.Target)
		}
		if l.metrics != nil {
			l.metrics.RedAction(atk)
		}
	}

	// 2. Observe
	snaps, err := l.collector.Collect(ctx)
	if err != nil {
		l.collectFailures++
		l.log.Warnw("collect failed", "step", step, "consecutive", l.collectFailures, "error", err)
		l.record(step, schema.EventError, "", "collect failed (%d/%d): %v",
			l.collectFailures, l.cfg.Loop.MaxCollectFailures, err)
		l.publishStep(ctx, step, lastRed, nil)
		if l.collectFailures > l.cfg.Loop.MaxCollectFailures {
			return fmt.Errorf("%w: %d consecutive failures: %v", ErrRuntimeUnavailable, l.collectFailures, err)
		}
		return nil
	}
	l.collectFailures = 0

	// 3. Detect
	for i := range snaps {
		if !snaps[i].Running() {
			continue
		}
		if _, known := l.cfg.Topology.SubnetOf(snaps[i].Name); !known {
			continue
		}
		rep := l.detector.Inspect(ctx, snaps[i].Name)
		snaps[i].Compromised = rep.Compromised
		snaps[i].Indicators = rep.Indicators
	}
	l.observe(step, snaps)

	// 4. Encode
	g, err := l.encoder.Encode(snaps)
	if err != nil {
		return fmt.Errorf("agent: step %d: %w", step, err)
	}
	if err := l.shape.Validate(g); err != nil {
		l.record(step, schema.EventError, "", "%v", err)
		l.publishStep(ctx, step, lastRed, nil)
		return fmt.Errorf("agent: step %d: %w", step, err)
	}

	// 5. Decide
	index, err := l.policy.Decide(ctx, g)
	if err != nil {
		l.log.Warnw("policy decide failed, falling back to monitor", "step", step, "error", err)
		l.record(step, schema.EventError, "", "policy: %v", err)
		index = policy.NoAction
	}

	// 6. Decode / Execute
	first := ""
	if len(snaps) > 0 {
		first = snaps[0].Name
	}
	act := l.decoder.Decode(index, policy.OrderingFromGraph(g, first))
	node, ok := g.NodeIndex(act.Target)
	if !ok {
		node = -1
	}
	l.log.Debugw("policy decision", "step", step, "index", index, "action", act.Kind,
		"target", act.Target, "interface", act.Interface, "node", node)
	res := l.executor.Execute(ctx, act)
	l.blue = append(l.blue, report.BlueStep{Step: step, Result: res})
	l.record(step, schema.EventBlue, act.Target, "%s", blueMessage(act, res))
	if l.metrics != nil {
		l.metrics.BlueAction(res)
	}

	l.publishStep(ctx, step, lastRed, &res)
	return nil
}

// observe は検出結果を Target に反映し、新たに侵害されたホストをイベントにする。
func (l *Loop) observe(step int, snaps []schema.HostSnapshot) {
	for _, s := range snaps {
		if _, known := l.cfg.Topology.SubnetOf(s.Name); !known {
			continue
		}
		t, ok := l.targets[s.Name]
		if !ok {
			t = NewTarget(s.Name)
			l.targets[s.Name] = t
		}
		was := t.Compromised
		t.Observe(s)
		if t.Compromised && !was {
			l.record(step, schema.EventDetect, s.Name, "compromise detected on %s %v", s.Name, s.Indicators)
		}
	}
}

// publishStep は LoopState を組み立てて全出力先へ送る。
func (l *Loop) publishStep(ctx context.Context, step int, lastRed *redteam.Attack, res *schema.ActionResult) {
	side, err := l.executor.State()
	if err != nil {
		l.log.Warnw("failed to read side state", "error", err)
	}
	hosts := make(map[string]schema.HostLabel, len(l.targets))
	compromised := 0
	for name, t := range l.targets {
		t.Apply(res, len(side.DecoysOn(name)))
		hosts[name] = t.Label
		if t.Label == schema.LabelCompromised {
			compromised++
		}
	}

	st := l.state
	st.Step = step
	st.Hosts = hosts
	st.LastRed = lastRed
	st.LastBlue = res
	st.FSMCounts = l.red.Summary()
	st.Phase = l.red.Phase()
	st.AppendEvents(l.pending...)
	st.UpdatedAt = time.Now()

	if l.metrics != nil {
		l.metrics.Step()
		l.metrics.Compromised(compromised)
		l.metrics.FSM(st.FSMCounts)
	}
	l.flush(ctx)
}

// flush は溜めたイベントと現在の LoopState を出力先へ送る。
func (l *Loop) flush(ctx context.Context) {
	if l.publisher != nil {
		if err := l.publisher.Publish(ctx, l.state); err != nil {
			l.log.Warnw("publish failed", "step", l.state.Step, "error", err)
		}
	}
	events := append([]schema.Event(nil), l.pending...)
	if l.history != nil && len(events) > 0 {
		l.history.Write(l.runID, events...)
	}
	l.emit(Update{Events: events, State: l.state.Clone()})
	l.pending = l.pending[:0]
}

// finish はレポートを書き、Done の LoopState を送る。
func (l *Loop) finish(outcome report.Outcome, cause error) {
	run := report.Run{
		RunID:    l.runID,
		Started:  l.started,
		Finished: time.Now(),
		Steps:    l.state.Step,
		MaxSteps: l.cfg.Loop.MaxSteps,
		Outcome:  outcome,
		Hosts:    l.state.Hosts,
		Red:      l.red.Hosts(),
		FSM:      l.red.Summary(),
		Attacks:  l.red.Log(),
		Blue:     l.blue,
	}
	if cause != nil {
		run.Error = cause.Error()
	}

	step := l.state.Step
	if l.reports != nil {
		path, err := l.reports.Write(run)
		if err != nil {
			l.log.Warnw("failed to write report", "error", err)
			l.record(step, schema.EventError, "", "report: %v", err)
		} else {
			l.state.Report = path
		}
	}

	if cause != nil {
		l.record(step, schema.EventComplete, "", "run %s after %d steps: %v", outcome, step, cause)
	} else {
		l.record(step, schema.EventComplete, "", "run %s after %d steps", outcome, step)
	}
	l.state.Done = true
	l.state.FSMCounts = run.FSM
	l.state.Phase = l.red.Phase()
	l.state.AppendEvents(l.pending...)
	l.state.UpdatedAt = time.Now()

	// キャンセル後でも最終状態は書き出す
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	l.flush(ctx)

	l.log.Infow("loop finished", "outcome", outcome, "steps", step, "report", l.state.Report,
		"compromised", l.state.Count(schema.LabelCompromised))
}

// sleep は d だけ待つ。ctx がキャンセルされたら ctx.Err() を返す。
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
