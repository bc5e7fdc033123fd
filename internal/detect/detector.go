// Package detect infers host compromise from attacker side effects.
package detect

import (
	"context"

	"go.uber.org/zap"

	"github.com/0x6d61/cagebridge/internal/logging"
	"github.com/0x6d61/cagebridge/internal/runtime"
)

// Indicator は1つの IOC チェック。Script の終了コード 0 で「存在」とみなす。
type Indicator struct {
	Name   string
	Script string
}

// DefaultIndicators は Red Agent の痕跡に対応する4種の IOC。
var DefaultIndicators = []Indicator{
	{Name: "flag", Script: "test -f /tmp/pwned"},
	{Name: "exfil", Script: "ls /tmp/exfil_* >/dev/null 2>&1"},
	{Name: "backdoor", Script: "ls /tmp/backdoor_*.log >/dev/null 2>&1"},
	{Name: "persist", Script: "test -f /etc/periodic/15min/backdoor.sh"},
}

// Report は1ホスト分の判定結果。
type Report struct {
	Host        string
	Indicators  []string // 検出された IOC 名
	Failed      []string // 実行に失敗した IOC 名（不在として扱った）
	Compromised bool
}

// Detector は読み取り専用のチェックだけを行い、状態を持たない。
type Detector struct {
	rt         runtime.Runtime
	indicators []Indicator
	log        *zap.SugaredLogger
}

// New は DefaultIndicators を使う Detector を作る。
func New(rt runtime.Runtime, log *zap.SugaredLogger) *Detector {
	return &Detector{rt: rt, indicators: DefaultIndicators, log: logging.OrNop(log).Named("detect")}
}

// Inspect は全 IOC を評価する。どれか1つでも存在すれば侵害と判定する（OR）。
// 個々のチェックの失敗は「不在」に落として続行する。
func (d *Detector) Inspect(ctx context.Context, host string) Report {
	rep := Report{Host: host}
	for _, ind := range d.indicators {
		res, err := d.rt.Exec(ctx, host, runtime.Shell(ind.Script))
		if err != nil {
			d.log.Warnw("indicator check failed", "host", host, "indicator", ind.Name, "error", err)
			rep.Failed = append(rep.Failed, ind.Name)
			continue
		}
		if res.OK() {
			rep.Indicators = append(rep.Indicators, ind.Name)
		}
	}
	rep.Compromised = len(rep.Indicators) > 0
	if rep.Compromised {
		d.log.Debugw("host compromised", "host", host, "indicators", rep.Indicators)
	}
	return rep
}

// CheckCompromise は侵害されているかだけを返す。
func (d *Detector) CheckCompromise(ctx context.Context, host string) bool {
	return d.Inspect(ctx, host).Compromised
}
