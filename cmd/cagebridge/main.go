package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/0x6d61/cagebridge/internal/agent"
	"github.com/0x6d61/cagebridge/internal/config"
	"github.com/0x6d61/cagebridge/internal/feed"
	"github.com/0x6d61/cagebridge/internal/graph"
	"github.com/0x6d61/cagebridge/internal/history"
	"github.com/0x6d61/cagebridge/internal/logging"
	"github.com/0x6d61/cagebridge/internal/metrics"
	"github.com/0x6d61/cagebridge/internal/policy"
	"github.com/0x6d61/cagebridge/internal/report"
	"github.com/0x6d61/cagebridge/internal/runtime"
	"github.com/0x6d61/cagebridge/internal/snapshot"
	"github.com/0x6d61/cagebridge/internal/tui"
)

const usage = `⚡ cagebridge: CAGE4 blue-policy bridge for live container networks

Usage:
  cagebridge run    [-config path] [-steps N] [-seed N] [-policy random|stdio] [-tui]
  cagebridge watch  [-state path] [-interval 1s]
  cagebridge report <report.md>

Environment:
  CAGEBRIDGE_REDIS     Redis URL for the snapshot sink
  CAGEBRIDGE_DATABASE  Postgres URL for the event history
  CAGEBRIDGE_LISTEN    feed server address (websocket / state / metrics)
  DOCKER_HOST          Docker Engine endpoint

Examples:
  cagebridge run                                  # random policy, config/cagebridge.yaml
  cagebridge run -policy stdio -steps 50 -tui     # external policy with the console
  cagebridge watch -state state.json              # follow a running loop
  cagebridge report reports/<run-id>.md
`

func main() {
	// .env は任意
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = runCmd(os.Args[2:])
	case "watch":
		err = watchCmd(os.Args[2:])
	case "report":
		err = reportCmd(os.Args[2:])
	case "-h", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "cagebridge:", err)
		os.Exit(1)
	}
}

func runCmd(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	var (
		configPath = fs.String("config", "config/cagebridge.yaml", "設定ファイル")
		steps      = fs.Int("steps", 0, "最大ステップ数（0 なら設定値）")
		seed       = fs.Int64("seed", 0, "乱数シード（0 なら設定値、設定も 0 なら時刻）")
		policyName = fs.String("policy", "", "ポリシー: random | stdio（空なら設定値）")
		useTUI     = fs.Bool("tui", false, "コンソールを表示する")
	)
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	// flag > env > yaml
	if *steps > 0 {
		cfg.Loop.MaxSteps = *steps
	}
	if *seed != 0 {
		cfg.Loop.Seed = *seed
	}
	if *policyName != "" {
		cfg.Policy.Driver = *policyName
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// TUI 表示中は端末にログを出さない
	logOutput := cfg.Logging.Output
	if *useTUI && (logOutput == "stdout" || logOutput == "stderr") {
		logOutput = "cagebridge.log"
	}
	log, closeLog, err := logging.New(cfg.Logging.Level, cfg.Logging.Format, logOutput)
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Loop.Seed == 0 {
		cfg.Loop.Seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(cfg.Loop.Seed))
	log.Infow("starting cagebridge",
		"runtime", cfg.Runtime.Driver,
		"policy", cfg.Policy.Driver,
		"max_steps", cfg.Loop.MaxSteps,
		"seed", cfg.Loop.Seed,
	)

	// --- Runtime ---
	rt, closeRT, err := newRuntime(ctx, cfg.Runtime)
	if err != nil {
		return err
	}
	defer closeRT()

	// --- Policy ---
	pol, err := newPolicy(cfg.Policy, rng)
	if err != nil {
		return err
	}
	defer func() { _ = pol.Close() }()

	// --- Sinks ---
	rec := metrics.New()
	sinks := []snapshot.Publisher{snapshot.NewFileSink(cfg.State.SnapshotFile)}
	if cfg.Sinks.RedisURL != "" {
		rs, err := snapshot.NewRedisSink(ctx, cfg.Sinks.RedisURL, cfg.Sinks.RedisKey, cfg.Sinks.RedisChannel)
		if err != nil {
			return err
		}
		sinks = append(sinks, rs)
	}
	if cfg.Sinks.ListenAddr != "" {
		hub := feed.NewHub(log)
		srv := feed.NewServer(cfg.Sinks.ListenAddr, hub, rec.Handler(), log)
		if err := srv.Start(ctx); err != nil {
			return err
		}
		sinks = append(sinks, hub)
	}
	pub := snapshot.NewMulti(log, sinks...)
	defer func() { _ = pub.Close() }()

	opts := agent.Options{
		Publisher: pub,
		Metrics:   rec,
		Reports:   report.NewStore(cfg.State.ReportDir),
		Logger:    log,
	}
	if cfg.Sinks.DatabaseURL != "" {
		hw, err := history.Open(ctx, cfg.Sinks.DatabaseURL, log)
		if err != nil {
			return err
		}
		hw.Start()
		defer hw.Stop()
		opts.History = hw
	}

	if !*useTUI {
		loop := agent.NewLoop(cfg, rt, pol, rng, opts)
		return finishRun(log, loop, loop.Run(ctx))
	}

	// --- TUI ---
	updates := make(chan agent.Update, 64)
	opts.Updates = updates
	loop := agent.NewLoop(cfg, rt, pol, rng, opts)

	loopCtx, cancelLoop := context.WithCancel(ctx)
	defer cancelLoop()
	done := make(chan error, 1)
	go func() {
		done <- loop.Run(loopCtx)
		close(updates)
	}()

	p := tea.NewProgram(tui.NewWithUpdates(updates), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("tui: %w", err)
	}
	// コンソールを閉じたらループも止める
	cancelLoop()
	return finishRun(log, loop, <-done)
}

// finishRun はキャンセルを正常終了として扱う。
func finishRun(log *zap.SugaredLogger, loop *agent.Loop, err error) error {
	if errors.Is(err, context.Canceled) {
		log.Infow("run cancelled", "run_id", loop.RunID())
		return nil
	}
	if err != nil {
		return err
	}
	st := loop.State()
	fmt.Printf("run %s finished: step %d/%d\n", st.RunID, st.Step, st.MaxSteps)
	if st.Report != "" {
		fmt.Printf("report: %s\n", st.Report)
	}
	return nil
}

func newRuntime(ctx context.Context, rc config.RuntimeConfig) (runtime.Runtime, func(), error) {
	switch rc.Driver {
	case "cli":
		c := runtime.NewCLI(rc.Binary, rc.Prefix, rc.ExecTimeout)
		if !c.Available(ctx) {
			return nil, nil, fmt.Errorf("runtime: %s is not available", rc.Binary)
		}
		return c, func() {}, nil
	default:
		d, err := runtime.NewDocker(rc.Host, rc.Prefix, rc.ExecTimeout)
		if err != nil {
			return nil, nil, err
		}
		if err := d.Ping(ctx); err != nil {
			_ = d.Close()
			return nil, nil, err
		}
		return d, func() { _ = d.Close() }, nil
	}
}

func newPolicy(pc config.PolicyConfig, rng *rand.Rand) (policy.Policy, error) {
	switch pc.Driver {
	case "stdio":
		return policy.NewStdio(pc.Command, pc.Args, pc.Env, pc.Timeout)
	default:
		shape := graph.Shape{
			FeatureWidth: pc.Shape.FeatureWidth,
			MaxServers:   pc.Shape.MaxServers,
			MaxUsers:     pc.Shape.MaxUsers,
			NumRouters:   pc.Shape.NumRouters,
		}
		return policy.NewRandom(shape, rng), nil
	}
}

func watchCmd(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	var (
		statePath = fs.String("state", "state.json", "ループの状態ファイル")
		interval  = fs.Duration("interval", time.Second, "読み込み間隔")
	)
	_ = fs.Parse(args)

	p := tea.NewProgram(tui.NewWatcher(*statePath, *interval), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("tui: %w", err)
	}
	return nil
}

func reportCmd(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: cagebridge report <report.md>")
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("report: %w", err)
	}
	out, err := report.Render(string(data), 100)
	if err != nil {
		return err
	}
	fmt.Print(out)
	return nil
}
