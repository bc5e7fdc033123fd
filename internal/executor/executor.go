// Package executor applies decoded blue actions to the defended hosts.
//
// Execute never returns a Go error: every outcome, including a missing host or a
// failed command, is reported as a schema.ActionResult.
package executor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/0x6d61/cagebridge/internal/collector"
	"github.com/0x6d61/cagebridge/internal/logging"
	"github.com/0x6d61/cagebridge/internal/runtime"
	"github.com/0x6d61/cagebridge/pkg/schema"
)

const (
	decoyPortMin = 8000
	decoyPortMax = 9999

	// RulePrefix は iptables ルールのコメント接頭辞
	RulePrefix = "CAGEBRIDGE_BLOCK_"

	// capturePath は Monitor の tcpdump の出力先。Analyse はこのプロセスを数えない
	capturePath = "/tmp/capture.pcap"
)

// analysePatterns は Analyse が不審とみなすコマンド断片（小文字で比較）
var analysePatterns = []string{
	"nc ", "ncat", "netcat",
	"meterpreter", "msf",
	"reverse", "shell",
	"/tmp/", ".sh",
	"python -c", "perl -e",
	"base64",
}

// killPatterns は Remove が停止するプロセスのコマンド断片
var killPatterns = []string{"nc ", "ncat", "netcat", "meterpreter", "reverse"}

// artifacts は Remove / Restore が削除する攻撃の痕跡
var artifacts = []string{
	"/tmp/pwned",
	"/tmp/pwned_root",
	"/tmp/exfil_*",
	"/tmp/backdoor_*.log",
	"/etc/periodic/15min/backdoor.sh",
}

var ifacePattern = regexp.MustCompile(`^[A-Za-z0-9_.@-]{1,15}$`)

// Executor は DecodedAction をホスト上のコマンドに変換して実行する。
type Executor struct {
	rt             runtime.Runtime
	store          *Store
	restartTimeout time.Duration
	log            *zap.SugaredLogger

	rngMu sync.Mutex
	rng   *rand.Rand
	now   func() time.Time
}

// New は Executor を作る。rng はおとりのポート選択に使う。
func New(rt runtime.Runtime, store *Store, restartTimeout time.Duration, rng *rand.Rand, log *zap.SugaredLogger) *Executor {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Executor{
		rt:             rt,
		store:          store,
		restartTimeout: restartTimeout,
		log:            logging.OrNop(log).Named("executor"),
		rng:            rng,
		now:            time.Now,
	}
}

// State は現在の SideState を返す。
func (e *Executor) State() (SideState, error) {
	return e.store.Load()
}

// Execute はアクションを実行する。失敗は ActionResult の Success=false で表す。
func (e *Executor) Execute(ctx context.Context, a schema.DecodedAction) schema.ActionResult {
	res := schema.ActionResult{Action: a.Kind, Target: a.Target, Interface: a.Interface}
	if a.Target == "" {
		return invalid(res, "no target host")
	}

	var out schema.ActionResult
	switch a.Kind {
	case schema.ActionMonitor:
		out = e.monitor(ctx, res, a.Interface)
	case schema.ActionAnalyse:
		out = e.analyse(ctx, res)
	case schema.ActionRemove:
		out = e.remove(ctx, res)
	case schema.ActionRestore:
		out = e.restore(ctx, res)
	case schema.ActionDeployDecoy:
		out = e.deployDecoy(ctx, res)
	case schema.ActionBlockTrafficZone:
		out = e.block(ctx, res, a.Interface)
	case schema.ActionAllowTrafficZone:
		out = e.allow(ctx, res, a.Interface)
	default:
		out = invalid(res, fmt.Sprintf("unknown action kind %q", a.Kind))
	}

	if out.Success {
		e.log.Infow("action executed", "action", a.Kind, "target", a.Target, "message", out.Message)
	} else {
		e.log.Warnw("action failed", "action", a.Kind, "target", a.Target, "error", out.Error, "kind", out.ErrorKind)
	}
	return out
}

func (e *Executor) sh(ctx context.Context, host, script string) (runtime.ExecResult, error) {
	return e.rt.Exec(ctx, host, runtime.Shell(script))
}

// failed は Go のエラーを結果レコードに落とす。
func failed(res schema.ActionResult, err error) schema.ActionResult {
	res.Success = false
	res.Error = err.Error()
	res.ErrorKind = schema.ErrorExec
	if errors.Is(err, runtime.ErrHostNotFound) {
		res.ErrorKind = schema.ErrorNotFound
	}
	return res
}

func failedExit(res schema.ActionResult, what string, r runtime.ExecResult) schema.ActionResult {
	return failed(res, fmt.Errorf("%s exited %d: %s", what, r.ExitCode, strings.TrimSpace(r.Output)))
}

func invalid(res schema.ActionResult, msg string) schema.ActionResult {
	res.Success = false
	res.Error = msg
	res.ErrorKind = schema.ErrorInvalid
	return res
}

// monitor はバックグラウンドで tcpdump を起動する。
// ホストが無い場合だけ失敗で、キャプチャを起動できなくても成功扱い。
func (e *Executor) monitor(ctx context.Context, res schema.ActionResult, iface string) schema.ActionResult {
	if iface == "" || !ifacePattern.MatchString(iface) {
		iface = "eth1"
		res.Interface = iface
	}
	script := fmt.Sprintf("tcpdump -i %s -w %s -c 100 >/dev/null 2>&1 &", iface, capturePath)
	if _, err := e.sh(ctx, res.Target, script); err != nil {
		if errors.Is(err, runtime.ErrHostNotFound) {
			return failed(res, err)
		}
		res.Success = true
		res.Message = fmt.Sprintf("monitoring requested on %s:%s (capture not started: %v)", res.Target, iface, err)
		return res
	}
	res.Success = true
	res.Message = fmt.Sprintf("monitoring %s:%s", res.Target, iface)
	return res
}

// processes は ps の結果からおとりと Monitor のキャプチャを除いて返す。
func (e *Executor) processes(ctx context.Context, host string) ([]schema.Process, error) {
	r, err := e.sh(ctx, host, "ps aux 2>/dev/null || ps")
	if err != nil {
		return nil, err
	}
	if !r.OK() {
		return nil, fmt.Errorf("ps exited %d", r.ExitCode)
	}

	decoys := map[int]bool{}
	if st, err := e.store.Load(); err != nil {
		e.log.Warnw("side-state unavailable, decoys not excluded", "error", err)
	} else {
		decoys = st.DecoyPIDs(host)
	}

	var procs []schema.Process
	for _, p := range collector.ParsePS(r.Output) {
		if decoys[p.PID] || strings.Contains(p.Command, capturePath) {
			continue
		}
		procs = append(procs, p)
	}
	return procs, nil
}

func (e *Executor) analyse(ctx context.Context, res schema.ActionResult) schema.ActionResult {
	procs, err := e.processes(ctx, res.Target)
	if err != nil {
		return failed(res, err)
	}

	var all strings.Builder
	for _, p := range procs {
		all.WriteString(strings.ToLower(p.Command))
		all.WriteByte('\n')
	}
	text := all.String()
	for _, pat := range analysePatterns {
		if strings.Contains(text, pat) {
			res.Patterns = append(res.Patterns, pat)
		}
	}

	res.Success = true
	res.ProcessCount = len(procs)
	res.Suspicious = len(res.Patterns) > 0
	verdict := "CLEAN"
	if res.Suspicious {
		verdict = "SUSPICIOUS"
	}
	res.Message = fmt.Sprintf("analysis complete: %s (%d processes)", verdict, len(procs))
	return res
}

// cleanArtifacts は存在した痕跡だけを削除し、そのパスを返す。
func (e *Executor) cleanArtifacts(ctx context.Context, host string) ([]string, error) {
	script := "for f in " + strings.Join(artifacts, " ") +
		`; do if [ -e "$f" ]; then rm -f "$f" && echo "$f"; fi; done; true`
	r, err := e.sh(ctx, host, script)
	if err != nil {
		return nil, err
	}
	var cleaned []string
	for _, line := range strings.Split(r.Output, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			cleaned = append(cleaned, line)
		}
	}
	return cleaned, nil
}

// remove は悪性プロセスを止めて痕跡を消す。再起動はしない。
func (e *Executor) remove(ctx context.Context, res schema.ActionResult) schema.ActionResult {
	procs, err := e.processes(ctx, res.Target)
	if err != nil {
		if errors.Is(err, runtime.ErrHostNotFound) {
			return failed(res, err)
		}
		e.log.Warnw("process listing failed, cleaning artifacts only", "host", res.Target, "error", err)
	}

	var pids []string
	for _, p := range procs {
		cmd := strings.ToLower(p.Command)
		for _, pat := range killPatterns {
			if strings.Contains(cmd, pat) {
				pids = append(pids, strconv.Itoa(p.PID))
				res.Cleaned = append(res.Cleaned, fmt.Sprintf("PID %d (%s)", p.PID, strings.TrimSpace(pat)))
				break
			}
		}
	}
	if len(pids) > 0 {
		if _, err := e.sh(ctx, res.Target, "kill -9 "+strings.Join(pids, " ")+" 2>/dev/null; true"); err != nil {
			return failed(res, err)
		}
	}

	cleaned, err := e.cleanArtifacts(ctx, res.Target)
	if err != nil {
		return failed(res, err)
	}
	res.Cleaned = append(res.Cleaned, cleaned...)
	res.Success = true
	res.Message = fmt.Sprintf("removed %d artifacts from %s (no restart)", len(res.Cleaned), res.Target)
	return res
}

// restore は痕跡を消して再起動し、稼働を確認してから Block / Decoy 記録を破棄する。
// 再起動に失敗した場合は iptables もおとりも残っているので記録も残す。
func (e *Executor) restore(ctx context.Context, res schema.ActionResult) schema.ActionResult {
	cleaned, err := e.cleanArtifacts(ctx, res.Target)
	if err != nil {
		return failed(res, err)
	}
	res.Cleaned = cleaned

	if err := e.rt.Restart(ctx, res.Target, e.restartTimeout); err != nil {
		return failed(res, err)
	}
	info, err := e.rt.Inspect(ctx, res.Target)
	if err != nil {
		return failed(res, err)
	}
	if info.Status != schema.HostRunning {
		return failed(res, fmt.Errorf("%s is %s after restart", res.Target, info.Status))
	}

	var blocks, decoys int
	err = e.store.Update(func(st *SideState) (bool, error) {
		blocks, decoys = st.ClearHost(res.Target)
		return blocks+decoys > 0, nil
	})
	if err != nil {
		return failed(res, err)
	}
	res.Success = true
	res.Message = fmt.Sprintf("restored %s (%d artifacts, %d blocks, %d decoys cleared)",
		res.Target, len(cleaned), blocks, decoys)
	return res
}

func (e *Executor) pickPort(used map[int]bool) (int, bool) {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	span := decoyPortMax - decoyPortMin + 1
	if len(used) >= span {
		return 0, false
	}
	for i := 0; i < 32; i++ {
		p := decoyPortMin + e.rng.Intn(span)
		if !used[p] {
			return p, true
		}
	}
	// 混んでいる場合は乱数の位置から線形に探す
	start := e.rng.Intn(span)
	for i := 0; i < span; i++ {
		p := decoyPortMin + (start+i)%span
		if !used[p] {
			return p, true
		}
	}
	return 0, false
}

// deployDecoy は未使用ポートで nc のリスナーを起動し、記録する。
func (e *Executor) deployDecoy(ctx context.Context, res schema.ActionResult) schema.ActionResult {
	err := e.store.Update(func(st *SideState) (bool, error) {
		used := make(map[int]bool)
		for _, d := range st.DecoysOn(res.Target) {
			used[d.Port] = true
		}
		port, ok := e.pickPort(used)
		if !ok {
			return false, fmt.Errorf("no free decoy port on %s", res.Target)
		}

		script := fmt.Sprintf("nc -l -p %d > /tmp/decoy_%d.log 2>&1 & echo $!", port, port)
		r, err := e.sh(ctx, res.Target, script)
		if err != nil {
			return false, err
		}
		if !r.OK() {
			return false, fmt.Errorf("nc exited %d: %s", r.ExitCode, strings.TrimSpace(r.Output))
		}
		pid := lastInt(r.Output)

		st.DeployedDecoys = append(st.DeployedDecoys, DecoyRecord{
			Host: res.Target, Port: port, PID: pid, Timestamp: e.now(),
		})
		res.Port = port
		res.PID = pid
		return true, nil
	})
	if err != nil {
		return failed(res, err)
	}
	res.Success = true
	res.Message = fmt.Sprintf("deployed decoy on %s:%d", res.Target, res.Port)
	return res
}

// block はインターフェースへの着信を遮断する。同じ (host, iface) への2回目以降は何もしない。
func (e *Executor) block(ctx context.Context, res schema.ActionResult, iface string) schema.ActionResult {
	if !ifacePattern.MatchString(iface) {
		return invalid(res, fmt.Sprintf("invalid interface %q", iface))
	}
	ruleID := RulePrefix + iface

	already := false
	err := e.store.Update(func(st *SideState) (bool, error) {
		if i := st.FindBlock(res.Target, iface); i >= 0 {
			already = true
			res.Method = st.BlockedZones[i].Method
			return false, nil
		}

		method, err := e.applyBlock(ctx, res.Target, iface, ruleID)
		if err != nil {
			return false, err
		}
		res.Method = method
		st.BlockedZones = append(st.BlockedZones, BlockRecord{
			Host: res.Target, Interface: iface, Method: method, RuleID: ruleID, Timestamp: e.now(),
		})
		return true, nil
	})
	if err != nil {
		return failed(res, err)
	}

	res.Success = true
	if already {
		res.Message = fmt.Sprintf("%s:%s already blocked", res.Target, iface)
	} else {
		res.Message = fmt.Sprintf("blocked %s:%s via %s", res.Target, iface, res.Method)
	}
	return res
}

// applyBlock は iptables を優先し、使えなければインターフェースを落とす。
func (e *Executor) applyBlock(ctx context.Context, host, iface, ruleID string) (string, error) {
	check := "which iptables >/dev/null 2>&1 || apk add --no-cache iptables >/dev/null 2>&1; which iptables >/dev/null 2>&1"
	r, err := e.sh(ctx, host, check)
	if err != nil {
		return "", err
	}
	if r.OK() {
		rule := fmt.Sprintf("iptables -A INPUT -i %s -j DROP -m comment --comment %s", iface, ruleID)
		r, err = e.sh(ctx, host, rule)
		if err != nil {
			return "", err
		}
		if r.OK() {
			return MethodIPTables, nil
		}
		e.log.Warnw("iptables rule failed, falling back to ip link", "host", host, "interface", iface,
			"output", strings.TrimSpace(r.Output))
	}

	r, err = e.sh(ctx, host, fmt.Sprintf("ip link set %s down", iface))
	if err != nil {
		return "", err
	}
	if !r.OK() {
		return "", fmt.Errorf("both iptables and ip link failed on %s:%s", host, iface)
	}
	return MethodIPLink, nil
}

// allow は記録された方法で Block を取り消す。記録が無ければ何もせず成功。
// 取り消しに失敗した場合は記録を残す。
func (e *Executor) allow(ctx context.Context, res schema.ActionResult, iface string) schema.ActionResult {
	if !ifacePattern.MatchString(iface) {
		return invalid(res, fmt.Sprintf("invalid interface %q", iface))
	}

	found := false
	err := e.store.Update(func(st *SideState) (bool, error) {
		i := st.FindBlock(res.Target, iface)
		if i < 0 {
			return false, nil
		}
		found = true
		rec := st.BlockedZones[i]
		res.Method = rec.Method

		var script string
		switch rec.Method {
		case MethodIPTables:
			ruleID := rec.RuleID
			if ruleID == "" {
				ruleID = RulePrefix + iface
			}
			script = fmt.Sprintf("iptables -D INPUT -i %s -j DROP -m comment --comment %s", iface, ruleID)
		default:
			script = fmt.Sprintf("ip link set %s up", iface)
		}
		r, err := e.sh(ctx, res.Target, script)
		if err != nil {
			return false, err
		}
		if !r.OK() {
			return false, fmt.Errorf("unblock via %s exited %d: %s", rec.Method, r.ExitCode, strings.TrimSpace(r.Output))
		}
		st.BlockedZones = append(st.BlockedZones[:i], st.BlockedZones[i+1:]...)
		return true, nil
	})
	if err != nil {
		return failed(res, err)
	}

	res.Success = true
	if !found {
		res.Message = fmt.Sprintf("%s:%s already allowed", res.Target, iface)
	} else {
		res.Message = fmt.Sprintf("allowed %s:%s (%s reverted)", res.Target, iface, res.Method)
	}
	return res
}

// lastInt は出力の最後の行を整数として読む。読めなければ 0。
func lastInt(out string) int {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	n, err := strconv.Atoi(strings.TrimSpace(lines[len(lines)-1]))
	if err != nil {
		return 0
	}
	return n
}
