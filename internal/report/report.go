// Package report はループ終了時の結果を Markdown ファイルに書き出す。
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/0x6d61/cagebridge/internal/redteam"
	"github.com/0x6d61/cagebridge/pkg/schema"
)

// Outcome はループの終わり方。
type Outcome string

const (
	OutcomeCompleted Outcome = "completed" // MaxSteps に到達
	OutcomeCancelled Outcome = "cancelled" // シグナル等でキャンセル
	OutcomeFailed    Outcome = "failed"    // 形状不一致・ランタイム喪失
)

// BlueStep は1ステップ分の Blue の結果。
type BlueStep struct {
	Step   int
	Result schema.ActionResult
}

// Run はレポートの元になる1回分の実行記録。
type Run struct {
	RunID    string
	Started  time.Time
	Finished time.Time
	Steps    int
	MaxSteps int
	Outcome  Outcome
	Error    string

	Hosts   map[string]schema.HostLabel
	Red     map[string]redteam.HostState
	FSM     map[redteam.State]int
	Attacks []redteam.Attack
	Blue    []BlueStep
}

// Store はレポートファイルの読み書きを管理する。
type Store struct {
	dir string
}

// NewStore は指定ディレクトリを使う Store を返す。ディレクトリは Write 時に作成する。
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Path は runID のレポートファイルのパス。
func (s *Store) Path(runID string) string {
	return filepath.Join(s.dir, sanitizeFilename(runID)+".md")
}

// Write はレポートを書き出してパスを返す。同じ runID は上書きする。
func (s *Store) Write(run Run) (string, error) {
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return "", fmt.Errorf("report: mkdir: %w", err)
	}
	path := s.Path(run.RunID)
	if err := os.WriteFile(path, []byte(Build(run)), 0o600); err != nil {
		return "", fmt.Errorf("report: write %s: %w", path, err)
	}
	return path, nil
}

// Read は runID のレポート全文を返す。ファイルが無ければ空文字列。
func (s *Store) Read(runID string) string {
	data, err := os.ReadFile(s.Path(runID))
	if err != nil {
		return ""
	}
	return string(data)
}

// Build は Run を Markdown に変換する。
func Build(run Run) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# cagebridge run %s\n\n", run.RunID)
	fmt.Fprintf(&b, "- **Outcome**: %s\n", run.Outcome)
	if run.Error != "" {
		fmt.Fprintf(&b, "- **Error**: %s\n", run.Error)
	}
	fmt.Fprintf(&b, "- **Steps**: %d / %d\n", run.Steps, run.MaxSteps)
	if !run.Started.IsZero() {
		fmt.Fprintf(&b, "- **Started**: %s\n", run.Started.Format("2006-01-02 15:04:05"))
	}
	if !run.Started.IsZero() && !run.Finished.IsZero() {
		fmt.Fprintf(&b, "- **Duration**: %s\n", run.Finished.Sub(run.Started).Round(time.Second))
	}
	b.WriteString("\n")

	writeHosts(&b, run)
	writeFSM(&b, run.FSM)
	writeBlueTally(&b, run.Blue)
	writeAttacks(&b, run.Attacks)
	writeBlueLog(&b, run.Blue)
	return b.String()
}

func writeHosts(b *strings.Builder, run Run) {
	b.WriteString("## Hosts\n\n")
	if len(run.Hosts) == 0 {
		b.WriteString("_no hosts observed_\n\n")
		return
	}
	names := make([]string, 0, len(run.Hosts))
	for h := range run.Hosts {
		names = append(names, h)
	}
	sort.Strings(names)

	b.WriteString("| Host | Status | Red state |\n|------|--------|-----------|\n")
	for _, h := range names {
		red := "-"
		if hs, ok := run.Red[h]; ok {
			red = hs.State.Label()
		}
		fmt.Fprintf(b, "| %s | %s %s | %s |\n", h, run.Hosts[h].Icon(), run.Hosts[h], red)
	}
	b.WriteString("\n")
}

func writeFSM(b *strings.Builder, counts map[redteam.State]int) {
	b.WriteString("## Red FSM\n\n| State | Hosts |\n|-------|-------|\n")
	for _, st := range redteam.States {
		fmt.Fprintf(b, "| %s (%s) | %d |\n", st, st.Label(), counts[st])
	}
	b.WriteString("\n")
}

func writeBlueTally(b *strings.Builder, blue []BlueStep) {
	type tally struct{ total, ok int }
	counts := make(map[schema.ActionKind]*tally)
	for _, s := range blue {
		t, found := counts[s.Result.Action]
		if !found {
			t = &tally{}
			counts[s.Result.Action] = t
		}
		t.total++
		if s.Result.Success {
			t.ok++
		}
	}

	b.WriteString("## Blue actions\n\n| Action | Executed | Succeeded |\n|--------|----------|-----------|\n")
	for _, k := range schema.ActionKinds {
		t := counts[k]
		if t == nil {
			t = &tally{}
		}
		fmt.Fprintf(b, "| %s | %d | %d |\n", k, t.total, t.ok)
	}
	b.WriteString("\n")
}

func writeAttacks(b *strings.Builder, attacks []redteam.Attack) {
	b.WriteString("## Attack log\n\n")
	if len(attacks) == 0 {
		b.WriteString("_no attacks_\n\n")
		return
	}
	b.WriteString("| # | Action | Target | Transition | Result |\n|---|--------|--------|------------|--------|\n")
	for _, a := range attacks {
		result := "✓"
		if !a.Success {
			result = "✗"
		}
		if len(a.Discovered) > 0 {
			result += fmt.Sprintf(" (+%d hosts)", len(a.Discovered))
		}
		fmt.Fprintf(b, "| %d | %s | %s | %s→%s | %s |\n", a.Seq, a.Action, a.Target, a.From, a.To, result)
	}
	b.WriteString("\n")
}

func writeBlueLog(b *strings.Builder, blue []BlueStep) {
	b.WriteString("## Blue log\n\n")
	if len(blue) == 0 {
		b.WriteString("_no actions_\n")
		return
	}
	b.WriteString("| Step | Action | Target | Result |\n|------|--------|--------|--------|\n")
	for _, s := range blue {
		r := s.Result
		target := r.Target
		if r.Interface != "" {
			target += ":" + r.Interface
		}
		msg := r.Message
		if !r.Success {
			msg = "✗ " + r.Error
		}
		fmt.Fprintf(b, "| %d | %s | %s | %s |\n", s.Step, r.Action, target, escapeCell(msg))
	}
}

func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, "|", "\\|")
}

// sanitizeFilename は runID をファイル名として安全な形式に変換する。
// パストラバーサルを防ぐため / と \ と .. を除去する。
func sanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.ReplaceAll(name, "..", "_")
	if name == "" {
		name = "unknown"
	}
	return name
}
