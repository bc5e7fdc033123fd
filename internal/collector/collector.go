// Package collector observes the live hosts once per step.
package collector

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/0x6d61/cagebridge/internal/logging"
	"github.com/0x6d61/cagebridge/internal/runtime"
	"github.com/0x6d61/cagebridge/pkg/schema"
)

const (
	psScript     = "ps aux 2>/dev/null || ps"
	socketScript = "ss -tuln 2>/dev/null || netstat -tuln 2>/dev/null"
)

// Collector はランタイムからホストの状態を読み取る。
type Collector struct {
	rt  runtime.Runtime
	log *zap.SugaredLogger
}

// New は Collector を作る。
func New(rt runtime.Runtime, log *zap.SugaredLogger) *Collector {
	return &Collector{rt: rt, log: logging.OrNop(log).Named("collector")}
}

// Collect は全ホストのスナップショットをランタイムの列挙順で返す。
// ホスト単位の失敗はそのホストのプロセス・ポートを空にするだけで、
// エラーを返すのはホスト一覧自体が取れないときのみ。
func (c *Collector) Collect(ctx context.Context) ([]schema.HostSnapshot, error) {
	hosts, err := c.rt.ListHosts(ctx)
	if err != nil {
		return nil, fmt.Errorf("collector: %w", err)
	}

	snaps := make([]schema.HostSnapshot, 0, len(hosts))
	for _, h := range hosts {
		snaps = append(snaps, c.CollectHost(ctx, h))
	}
	return snaps, nil
}

// CollectHost は1台分のスナップショットを作る。停止中のホストには exec しない。
func (c *Collector) CollectHost(ctx context.Context, h runtime.Host) schema.HostSnapshot {
	snap := schema.HostSnapshot{
		Name:      h.Name,
		IP:        h.IP,
		Status:    h.Status,
		Image:     h.Image,
		Processes: []schema.Process{},
		OpenPorts: []int{},
	}
	if !snap.Running() {
		return snap
	}

	if res, err := c.rt.Exec(ctx, h.Name, runtime.Shell(psScript)); err != nil {
		c.log.Warnw("process listing failed", "host", h.Name, "error", err)
	} else if procs := ParsePS(res.Output); procs != nil {
		snap.Processes = procs
	}

	if res, err := c.rt.Exec(ctx, h.Name, runtime.Shell(socketScript)); err != nil {
		c.log.Warnw("socket listing failed", "host", h.Name, "error", err)
	} else {
		snap.OpenPorts = ParseListening(res.Output)
	}
	return snap
}
