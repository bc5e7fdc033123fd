// Package snapshot publishes the per-step loop state for dashboards and the watch console.
//
// Consumers only read snapshots; the loop is the single writer.
package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/0x6d61/cagebridge/internal/redteam"
	"github.com/0x6d61/cagebridge/pkg/schema"
)

// MaxEvents は LoopState が保持するイベント数
const MaxEvents = 50

// LoopState は1ステップ分のループの外形。
type LoopState struct {
	RunID    string                      `json:"run_id"`
	Step     int                         `json:"step"`
	MaxSteps int                         `json:"max_steps"`
	Hosts    map[string]schema.HostLabel `json:"hosts"`
	LastBlue *schema.ActionResult        `json:"last_blue,omitempty"`
	LastRed  *redteam.Attack             `json:"last_red,omitempty"`
	// FSMCounts は K/S/U/R ごとのホスト数
	FSMCounts map[redteam.State]int `json:"fsm_counts"`
	// Phase は Red Agent が到達した最も進んだ段階
	Phase     redteam.State  `json:"phase,omitempty"`
	Events    []schema.Event `json:"events"`
	Done      bool           `json:"done"`
	Report    string         `json:"report,omitempty"` // 終了時のレポートファイル
	UpdatedAt time.Time      `json:"updated_at"`
}

// AppendEvents は新しいイベントを追加し、古いものから捨てて MaxEvents 件に保つ。
func (s *LoopState) AppendEvents(events ...schema.Event) {
	s.Events = append(s.Events, events...)
	if len(s.Events) > MaxEvents {
		s.Events = append([]schema.Event(nil), s.Events[len(s.Events)-MaxEvents:]...)
	}
}

// Count は label のホスト数。
func (s *LoopState) Count(label schema.HostLabel) int {
	n := 0
	for _, l := range s.Hosts {
		if l == label {
			n++
		}
	}
	return n
}

// HostNames はホスト名を昇順で返す。
func (s *LoopState) HostNames() []string {
	names := make([]string, 0, len(s.Hosts))
	for h := range s.Hosts {
		names = append(names, h)
	}
	sort.Strings(names)
	return names
}

// Clone は共有せずに渡せる深いコピーを返す。
func (s *LoopState) Clone() *LoopState {
	c := *s
	c.Hosts = make(map[string]schema.HostLabel, len(s.Hosts))
	for k, v := range s.Hosts {
		c.Hosts[k] = v
	}
	c.FSMCounts = make(map[redteam.State]int, len(s.FSMCounts))
	for k, v := range s.FSMCounts {
		c.FSMCounts[k] = v
	}
	c.Events = append([]schema.Event(nil), s.Events...)
	if s.LastBlue != nil {
		b := *s.LastBlue
		c.LastBlue = &b
	}
	if s.LastRed != nil {
		r := *s.LastRed
		c.LastRed = &r
	}
	return &c
}

// ReadFile は FileSink が書いたスナップショットを読む。
func ReadFile(path string) (*LoopState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("snapshot: failed to read %s: %w", path, err)
	}
	var st LoopState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("snapshot: failed to parse %s: %w", path, err)
	}
	return &st, nil
}
