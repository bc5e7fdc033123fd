// Package redteam implements the scripted finite-state-machine attacker.
package redteam

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/0x6d61/cagebridge/internal/config"
	"github.com/0x6d61/cagebridge/internal/logging"
	"github.com/0x6d61/cagebridge/internal/runtime"
)

// maxAttackLog は保持する攻撃記録の上限。
const maxAttackLog = 500

// Agent は K→S→U→R の FSM で攻撃を進める。
//
// ホストは進入サブネットか、U に到達したホストからの横展開でのみ追加される。
// 対象は進行度が最も低い段階から選び、その中では一様ランダム。
type Agent struct {
	rt        runtime.Runtime
	topo      config.TopologyConfig
	adjacency map[string][]string
	log       *zap.SugaredLogger

	mu      sync.Mutex
	rng     *rand.Rand
	hosts   map[string]*HostState
	order   []string // 発見順
	attacks []Attack
	seq     int
}

// New は進入サブネットのホストを K で登録した Agent を作る。
func New(rt runtime.Runtime, topo config.TopologyConfig, red config.RedConfig, rng *rand.Rand, log *zap.SugaredLogger) *Agent {
	a := &Agent{
		rt:        rt,
		topo:      topo,
		adjacency: red.Adjacency,
		log:       logging.OrNop(log).Named("redteam"),
		rng:       rng,
		hosts:     make(map[string]*HostState),
	}
	for _, h := range topo.HostsIn(red.EntrySubnet) {
		a.add(h, red.EntrySubnet)
	}
	return a
}

func (a *Agent) add(host, subnet string) bool {
	if _, ok := a.hosts[host]; ok {
		return false
	}
	a.hosts[host] = &HostState{State: StateKnown, Subnet: subnet, DiscoveredAt: a.seq}
	a.order = append(a.order, host)
	return true
}

// Attack は確率 probability で1回だけ行動する。行動しなかった場合は ok=false。
// Attack(ctx, 0) は何もせず、Attack(ctx, 1) は必ず1回試行する。
func (a *Agent) Attack(ctx context.Context, probability float64) (Attack, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.rng.Float64() >= probability {
		return Attack{}, false
	}
	target, ok := a.pickTarget()
	if !ok {
		return Attack{}, false
	}

	a.seq++
	hs := a.hosts[target]
	act, script, next := a.plan(hs.State)
	rec := Attack{
		Seq:    a.seq,
		Action: act,
		Target: target,
		Subnet: hs.Subnet,
		From:   hs.State,
		To:     hs.State,
		Time:   time.Now(),
	}

	res, err := a.rt.Exec(ctx, target, runtime.Shell(script))
	switch {
	case err != nil:
		rec.Detail = err.Error()
	case !res.OK():
		rec.Detail = fmt.Sprintf("exit %d: %s", res.ExitCode, firstLine(res.Output))
	default:
		rec.Success = true
		rec.Detail = firstLine(res.Output)
	}

	if rec.Success {
		hs.State = next
		rec.To = next
		// 横展開は U に遷移した後、ホストのサブネットから行う
		if act == ActionExploit {
			rec.Discovered = a.discoverFrom(hs.Subnet)
		}
		a.log.Infow("attack succeeded", "action", act, "target", target, "from", rec.From, "to", rec.To,
			"discovered", len(rec.Discovered))
	} else {
		a.log.Warnw("attack failed", "action", act, "target", target, "detail", rec.Detail)
	}

	a.attacks = append(a.attacks, rec)
	if len(a.attacks) > maxAttackLog {
		a.attacks = a.attacks[len(a.attacks)-maxAttackLog:]
	}
	return rec, true
}

// pickTarget は最も低い段階のバケットから一様に選ぶ。
func (a *Agent) pickTarget() (string, bool) {
	for _, st := range States {
		var bucket []string
		for _, h := range a.order {
			if a.hosts[h].State == st {
				bucket = append(bucket, h)
			}
		}
		if len(bucket) > 0 {
			return bucket[a.rng.Intn(len(bucket))], true
		}
	}
	return "", false
}

// plan は現在の状態から行動・ペイロード・成功時の遷移先を決める。
func (a *Agent) plan(st State) (Action, string, State) {
	if t, ok := transitions[st]; ok {
		return t.action, payloadFor(t.action, a.rng), t.next
	}
	// R: 影響を与える行動のみ
	if a.rng.Intn(2) == 0 {
		return ActionImpact, payloadFor(ActionImpact, a.rng), st
	}
	return ActionDegrade, payloadFor(ActionDegrade, a.rng), st
}

// discoverFrom は隣接サブネットの未発見ホストを K で追加する。
func (a *Agent) discoverFrom(subnet string) []string {
	var found []string
	for _, adj := range a.adjacency[subnet] {
		for _, h := range a.topo.HostsIn(adj) {
			if a.add(h, adj) {
				found = append(found, h)
			}
		}
	}
	if len(found) > 0 {
		a.log.Infow("lateral discovery", "from", subnet, "hosts", found)
	}
	return found
}

// Summary は状態ごとのホスト数を返す。全状態のキーを含む。
func (a *Agent) Summary() map[State]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[State]int, len(States))
	for _, st := range States {
		out[st] = 0
	}
	for _, hs := range a.hosts {
		out[hs.State]++
	}
	return out
}

// Hosts は状態表のコピーを返す。
func (a *Agent) Hosts() map[string]HostState {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]HostState, len(a.hosts))
	for h, hs := range a.hosts {
		out[h] = *hs
	}
	return out
}

// Phase は最も進んだホストの状態。ホストが無ければ K。
func (a *Agent) Phase() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	best := StateKnown
	for _, hs := range a.hosts {
		if hs.State.Rank() > best.Rank() {
			best = hs.State
		}
	}
	return best
}

// Log は攻撃記録のコピーを古い順で返す。
func (a *Agent) Log() []Attack {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Attack, len(a.attacks))
	copy(out, a.attacks)
	return out
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
