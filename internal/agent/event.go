package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/0x6d61/cagebridge/internal/redteam"
	"github.com/0x6d61/cagebridge/internal/snapshot"
	"github.com/0x6d61/cagebridge/pkg/schema"
)

// Update は Loop から TUI へ送るメッセージ。1ステップにつき1回送る。
type Update struct {
	Events []schema.Event
	State  *snapshot.LoopState // 送信時点のコピー
}

// emit は Update を TUI に送る（ノンブロッキング、バッファが溢れたら捨てる）。
func (l *Loop) emit(u Update) {
	if l.updates == nil {
		return
	}
	select {
	case l.updates <- u:
	default:
		// TUI が処理しきれない場合は捨てる。次のステップで最新の State が届く
	}
}

// record はステップ内のイベントを溜める。
func (l *Loop) record(step int, typ schema.EventType, target, format string, args ...any) {
	l.pending = append(l.pending, schema.Event{
		Step:    step,
		Time:    time.Now(),
		Type:    typ,
		Target:  target,
		Message: fmt.Sprintf(format, args...),
	})
}

func redMessage(a redteam.Attack) string {
	mark := "✓"
	if !a.Success {
		mark = "✗"
	}
	msg := fmt.Sprintf("%s %s %s→%s %s", a.Action, a.Target, a.From, a.To, mark)
	if !a.Success && a.Detail != "" {
		msg += ": " + a.Detail
	}
	return msg
}

func blueMessage(a schema.DecodedAction, res schema.ActionResult) string {
	if !res.Success {
		return fmt.Sprintf("%s ✗ %s", a, res.Error)
	}
	msg := fmt.Sprintf("%s ✓", a)
	if res.Message != "" {
		msg += " " + res.Message
	}
	if len(res.Patterns) > 0 {
		msg += " [" + strings.Join(res.Patterns, ", ") + "]"
	}
	return msg
}
