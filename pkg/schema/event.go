package schema

import "time"

// EventType はループが発行するイベントの種別。
type EventType string

const (
	// EventStep はステップの開始と終了。
	EventStep EventType = "step"
	// EventRed は Red Agent の行動。
	EventRed EventType = "red"
	// EventDiscover は横展開で新しいホストが見つかったとき。
	EventDiscover EventType = "discover"
	// EventDetect は IOC により侵害が検出されたとき。
	EventDetect EventType = "detect"
	// EventBlue は Blue のアクション結果。
	EventBlue EventType = "blue"
	// EventError はステップ内で回復可能なエラーが起きたとき。
	EventError EventType = "error"
	// EventComplete はループが終了したとき。
	EventComplete EventType = "complete"
)

// Event はループからダッシュボード・履歴・TUI へ送るメッセージ。
type Event struct {
	Step    int       `json:"step"`
	Time    time.Time `json:"time"`
	Type    EventType `json:"type"`
	Target  string    `json:"target,omitempty"`
	Message string    `json:"message"`
}

// HostLabel は外部表示用のホスト状態。
type HostLabel string

const (
	LabelClean       HostLabel = "clean"
	LabelCompromised HostLabel = "compromised"
	LabelDecoy       HostLabel = "decoy"
	LabelRestored    HostLabel = "restored"
	LabelAnalysed    HostLabel = "analysed"
)

// Icon returns the single-character icon used in the console host list.
func (l HostLabel) Icon() string {
	switch l {
	case LabelClean:
		return "○"
	case LabelCompromised:
		return "⚡"
	case LabelDecoy:
		return "◎"
	case LabelRestored:
		return "↺"
	case LabelAnalysed:
		return "?"
	default:
		return "·"
	}
}
