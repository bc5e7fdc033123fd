// Package runtime is the boundary to the container runtime that hosts the defended network.
//
// Drivers map the short host names used throughout cagebridge (e.g. "contractor-network-user-0")
// onto container names by prepending the configured prefix.
package runtime

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrHostNotFound はコンテナが存在しないことを示す。呼び出し側は errors.Is で判定する。
var ErrHostNotFound = errors.New("runtime: host not found")

// Host はランタイムが把握しているコンテナ1台。
type Host struct {
	Name   string // 接頭辞を除いた短い名前
	ID     string
	Image  string
	Status string // schema.HostRunning / schema.HostStopped
	IP     string // 不明なら空
}

// ExecResult はコンテナ内コマンドの実行結果。
type ExecResult struct {
	ExitCode int
	Output   string // stdout + stderr
}

// OK は終了コードが 0 かを返す。
func (r ExecResult) OK() bool {
	return r.ExitCode == 0
}

// NetworkAttachment はコンテナが接続しているネットワーク1つ。
type NetworkAttachment struct {
	Network string
	IP      string
}

// HostInfo は Inspect の結果。
type HostInfo struct {
	Name     string
	Status   string
	Networks []NetworkAttachment
}

// Runtime はループが必要とするランタイム操作の集合。
// すべての呼び出しはドライバ側の呼び出し単位タイムアウトで打ち切られる。
type Runtime interface {
	ListHosts(ctx context.Context) ([]Host, error)
	Exec(ctx context.Context, host string, cmd []string) (ExecResult, error)
	Restart(ctx context.Context, host string, timeout time.Duration) error
	Inspect(ctx context.Context, host string) (HostInfo, error)
}

// Shell は sh -c で実行するコマンド列を作る。
func Shell(script string) []string {
	return []string{"/bin/sh", "-c", script}
}

// naming は短い名前とコンテナ名の相互変換。
type naming struct {
	prefix string
}

func (n naming) full(host string) string {
	if n.prefix == "" || strings.HasPrefix(host, n.prefix) {
		return host
	}
	return n.prefix + host
}

// short は接頭辞付きのコンテナ名を短い名前に戻す。接頭辞が合わなければ false。
func (n naming) short(container string) (string, bool) {
	container = strings.TrimPrefix(container, "/")
	if n.prefix == "" {
		return container, true
	}
	if !strings.HasPrefix(container, n.prefix) {
		return "", false
	}
	return strings.TrimPrefix(container, n.prefix), true
}

// callTimeout はゼロ値のときのデフォルトを補う。
func callTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return 10 * time.Second
	}
	return d
}
