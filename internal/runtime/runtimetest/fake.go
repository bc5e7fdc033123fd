// Package runtimetest provides an in-memory runtime for tests.
package runtimetest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/0x6d61/cagebridge/internal/runtime"
	"github.com/0x6d61/cagebridge/pkg/schema"
)

// Call は Fake に対する1回の Exec 呼び出し記録。
type Call struct {
	Host   string
	Script string // sh -c の引数（それ以外は空白連結）
}

// Fake は Handler でコマンド結果を決めるテスト用ランタイム。
// Handler が nil なら全コマンドが終了コード 0・空出力で成功する。
type Fake struct {
	Hosts   []runtime.Host
	Handler func(host, script string) (runtime.ExecResult, error)

	// ListErr が非 nil なら ListHosts はこのエラーを返す。
	ListErr    error
	RestartErr error

	mu       sync.Mutex
	calls    []Call
	restarts []string
}

// NewFake は稼働中のホストを並べた Fake を作る。
func NewFake(names ...string) *Fake {
	f := &Fake{}
	for _, n := range names {
		f.Hosts = append(f.Hosts, runtime.Host{Name: n, ID: "id-" + n, Status: schema.HostRunning})
	}
	return f
}

func (f *Fake) has(host string) bool {
	for _, h := range f.Hosts {
		if h.Name == host {
			return true
		}
	}
	return false
}

// ListHosts implements runtime.Runtime.
func (f *Fake) ListHosts(ctx context.Context) ([]runtime.Host, error) {
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	out := make([]runtime.Host, len(f.Hosts))
	copy(out, f.Hosts)
	return out, nil
}

// Exec implements runtime.Runtime.
func (f *Fake) Exec(ctx context.Context, host string, cmd []string) (runtime.ExecResult, error) {
	script := strings.Join(cmd, " ")
	if len(cmd) == 3 && cmd[1] == "-c" {
		script = cmd[2]
	}
	f.mu.Lock()
	f.calls = append(f.calls, Call{Host: host, Script: script})
	f.mu.Unlock()

	if !f.has(host) {
		return runtime.ExecResult{}, fmt.Errorf("%w: %s", runtime.ErrHostNotFound, host)
	}
	if err := ctx.Err(); err != nil {
		return runtime.ExecResult{}, err
	}
	if f.Handler == nil {
		return runtime.ExecResult{}, nil
	}
	return f.Handler(host, script)
}

// Restart implements runtime.Runtime.
func (f *Fake) Restart(ctx context.Context, host string, timeout time.Duration) error {
	if !f.has(host) {
		return fmt.Errorf("%w: %s", runtime.ErrHostNotFound, host)
	}
	if f.RestartErr != nil {
		return f.RestartErr
	}
	f.mu.Lock()
	f.restarts = append(f.restarts, host)
	f.mu.Unlock()
	return nil
}

// Inspect implements runtime.Runtime.
func (f *Fake) Inspect(ctx context.Context, host string) (runtime.HostInfo, error) {
	for _, h := range f.Hosts {
		if h.Name == host {
			return runtime.HostInfo{Name: h.Name, Status: h.Status}, nil
		}
	}
	return runtime.HostInfo{}, fmt.Errorf("%w: %s", runtime.ErrHostNotFound, host)
}

// Calls は記録された Exec 呼び出しのコピーを返す。
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsTo は特定ホストへのスクリプトを返す。
func (f *Fake) CallsTo(host string) []string {
	var out []string
	for _, c := range f.Calls() {
		if c.Host == host {
			out = append(out, c.Script)
		}
	}
	return out
}

// Restarts は再起動されたホストを順に返す。
func (f *Fake) Restarts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.restarts))
	copy(out, f.restarts)
	return out
}

// Reset は呼び出し記録を消す。
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
	f.restarts = nil
}
