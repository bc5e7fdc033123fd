// Package schema defines the shared JSON types exchanged between the loop, the executor and the snapshot consumers.
package schema

import "fmt"

// ActionKind defines the kind of remediation the blue side applies.
// 値の集合は閉じており、Executor はこの7種を網羅的に扱う。
type ActionKind string

const (
	// ActionAnalyse はプロセス一覧を走査して不審なプロセスを報告する。
	ActionAnalyse ActionKind = "Analyse"

	// ActionRemove は悪性プロセスを停止し、攻撃アーティファクトを削除する（再起動なし）。
	ActionRemove ActionKind = "Remove"

	// ActionRestore はアーティファクトを削除してホストを再起動する。
	// そのホストの Block / Decoy 記録も消える。
	ActionRestore ActionKind = "Restore"

	// ActionDeployDecoy はランダムなポートでおとりリスナーを起動する。
	ActionDeployDecoy ActionKind = "DeployDecoy"

	// ActionMonitor はパケットキャプチャを起動するだけ。常に成功する。
	ActionMonitor ActionKind = "Monitor"

	// ActionBlockTrafficZone はルーターのインターフェースで通信を遮断する。
	ActionBlockTrafficZone ActionKind = "BlockTrafficZone"

	// ActionAllowTrafficZone は Block を取り消す。
	ActionAllowTrafficZone ActionKind = "AllowTrafficZone"
)

// ActionKinds is the closed set of blue actions, in decoder order.
var ActionKinds = []ActionKind{
	ActionAnalyse,
	ActionRemove,
	ActionRestore,
	ActionDeployDecoy,
	ActionMonitor,
	ActionBlockTrafficZone,
	ActionAllowTrafficZone,
}

// Valid は k が既知のアクション種別かを返す。
func (k ActionKind) Valid() bool {
	for _, v := range ActionKinds {
		if v == k {
			return true
		}
	}
	return false
}

// IsEdgeAction はルーターのインターフェースを対象とするアクションかを返す。
func (k ActionKind) IsEdgeAction() bool {
	return k == ActionBlockTrafficZone || k == ActionAllowTrafficZone
}

// DecodedAction はポリシーの出力インデックスを具体的な対象へ解決した結果。
//
//	{"kind": "BlockTrafficZone", "target": "contractor-network-router", "interface": "eth2", "index": 76}
type DecodedAction struct {
	Kind      ActionKind `json:"kind"`
	Target    string     `json:"target"`
	Interface string     `json:"interface,omitempty"` // Block / Allow / Monitor
	Index     int        `json:"index"`               // 元のインデックス。ポリシーが何も返さなかった場合は -1
}

func (a DecodedAction) String() string {
	if a.Interface != "" {
		return fmt.Sprintf("%s(%s:%s)", a.Kind, a.Target, a.Interface)
	}
	return fmt.Sprintf("%s(%s)", a.Kind, a.Target)
}

// ErrorKind は ActionResult の失敗分類。
type ErrorKind string

const (
	ErrorNone     ErrorKind = ""
	ErrorNotFound ErrorKind = "not_found" // 対象ホストが存在しない
	ErrorExec     ErrorKind = "exec"      // 実行失敗（タイムアウト含む）
	ErrorInvalid  ErrorKind = "invalid"   // 未知のアクション種別
)

// ActionResult は Executor が返す構造化された結果。
// 失敗もエラー値ではなくこのレコードで表現する。
type ActionResult struct {
	Action    ActionKind `json:"action"`
	Target    string     `json:"target"`
	Interface string     `json:"interface,omitempty"`
	Success   bool       `json:"success"`
	Message   string     `json:"message,omitempty"`
	Error     string     `json:"error,omitempty"`
	ErrorKind ErrorKind  `json:"error_kind,omitempty"`

	// Analyse
	Suspicious   bool     `json:"suspicious,omitempty"`
	Patterns     []string `json:"patterns,omitempty"`
	ProcessCount int      `json:"process_count,omitempty"`

	// Remove / Restore
	Cleaned []string `json:"cleaned,omitempty"`

	// DeployDecoy
	Port int `json:"port,omitempty"`
	PID  int `json:"pid,omitempty"`

	// Block / Allow
	Method string `json:"method,omitempty"`
}
