package redteam

import "time"

// State は Red Agent から見たホストの攻略段階。前進のみ。
type State string

const (
	// StateKnown は発見済みだが未偵察。
	StateKnown State = "K"
	// StateScanned は偵察済み。
	StateScanned State = "S"
	// StateUser は一般ユーザー権限を取得済み。横展開の起点になる。
	StateUser State = "U"
	// StateRoot は root 権限を取得済み。
	StateRoot State = "R"
)

// States は進行順に並べた全状態。
var States = []State{StateKnown, StateScanned, StateUser, StateRoot}

// Rank は進行度（K=0 ... R=3）。未知の値は -1。
func (s State) Rank() int {
	for i, v := range States {
		if v == s {
			return i
		}
	}
	return -1
}

// Label は表示用の名前。
func (s State) Label() string {
	switch s {
	case StateKnown:
		return "known"
	case StateScanned:
		return "scanned"
	case StateUser:
		return "user"
	case StateRoot:
		return "root"
	default:
		return "unknown"
	}
}

// Action は Red Agent の行動種別。
type Action string

const (
	ActionScan     Action = "scan"
	ActionExploit  Action = "exploit"
	ActionEscalate Action = "escalate"
	ActionImpact   Action = "impact"
	ActionDegrade  Action = "degrade"
)

// transitions は成功時の遷移表。R からの行動（impact / degrade）は状態を変えない。
var transitions = map[State]struct {
	action Action
	next   State
}{
	StateKnown:   {ActionScan, StateScanned},
	StateScanned: {ActionExploit, StateUser},
	StateUser:    {ActionEscalate, StateRoot},
}

// HostState は1ホスト分の FSM 状態。
type HostState struct {
	State        State  `json:"state"`
	Subnet       string `json:"subnet"`
	DiscoveredAt int    `json:"discovered_at"` // 何回目の攻撃で発見したか（0 は初期足場）
}

// Attack は試行した行動1件の記録。
type Attack struct {
	Seq        int       `json:"seq"`
	Action     Action    `json:"action"`
	Target     string    `json:"target"`
	Subnet     string    `json:"subnet"`
	From       State     `json:"from"`
	To         State     `json:"to"`
	Success    bool      `json:"success"`
	Detail     string    `json:"detail,omitempty"`
	Discovered []string  `json:"discovered,omitempty"`
	Time       time.Time `json:"time"`
}
