// Package agent runs the red / observe / decide / execute loop against the live hosts.
package agent

import (
	"sort"

	"github.com/0x6d61/cagebridge/pkg/schema"
)

// Target はループ側から見た防御対象ホスト1台の表示状態。毎ステップ更新する。
type Target struct {
	Name        string
	Running     bool
	Compromised bool
	Indicators  []string
	Decoys      int
	Label       schema.HostLabel
	// LastAction はこのホストを対象にした直近の Blue の結果
	LastAction *schema.ActionResult
}

// NewTarget creates a new Target in the clean state.
func NewTarget(name string) *Target {
	return &Target{Name: name, Label: schema.LabelClean}
}

// Observe は検出結果を反映する。
func (t *Target) Observe(snap schema.HostSnapshot) {
	t.Running = snap.Running()
	t.Compromised = snap.Compromised
	t.Indicators = snap.Indicators
}

// Apply はこのステップの Blue の結果を反映し、ラベルを決める。
// Remove / Restore が成功したホストは痕跡が消えたので侵害扱いを外す（次の検出で再判定）。
func (t *Target) Apply(res *schema.ActionResult, decoys int) {
	t.Decoys = decoys
	var acted *schema.ActionResult
	if res != nil && res.Target == t.Name {
		acted = res
		t.LastAction = res
		if res.Success && (res.Action == schema.ActionRemove || res.Action == schema.ActionRestore) {
			t.Compromised = false
			t.Indicators = nil
		}
	}
	t.Label = Classify(t.Compromised, acted, decoys > 0)
}

// Classify はホストの表示ラベルを決める。
// 優先順位: compromised > このステップで restored > 稼働中の decoy > このステップで analysed > clean
func Classify(compromised bool, acted *schema.ActionResult, hasDecoy bool) schema.HostLabel {
	succeeded := func(k schema.ActionKind) bool {
		return acted != nil && acted.Success && acted.Action == k
	}
	switch {
	case compromised:
		return schema.LabelCompromised
	case succeeded(schema.ActionRestore):
		return schema.LabelRestored
	case hasDecoy:
		return schema.LabelDecoy
	case succeeded(schema.ActionAnalyse):
		return schema.LabelAnalysed
	default:
		return schema.LabelClean
	}
}

// sortedTargets は名前順の一覧を返す。
func sortedTargets(m map[string]*Target) []*Target {
	out := make([]*Target, 0, len(m))
	for _, t := range m {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
