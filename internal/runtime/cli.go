package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/0x6d61/cagebridge/pkg/schema"
)

// CLI は docker コマンドを子プロセスとして呼び出すドライバ。
// Engine API ソケットに直接触れられない環境（リモートの containerlab ホスト等）で使う。
type CLI struct {
	binary  string
	names   naming
	timeout time.Duration
}

// NewCLI は CLI ドライバを作る。binary は PATH 上のコマンド名。
func NewCLI(binary, prefix string, timeout time.Duration) *CLI {
	if binary == "" {
		binary = "docker"
	}
	return &CLI{binary: binary, names: naming{prefix: prefix}, timeout: callTimeout(timeout)}
}

// Available は docker コマンドとデーモンが利用可能かを確認する。
func (c *CLI) Available(ctx context.Context) bool {
	path, err := resolveBinary(c.binary)
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return exec.CommandContext(ctx, path, "info").Run() == nil // nosemgrep: go.lang.security.audit.dangerous-exec-command.dangerous-exec-command -- path は LookPath で検証済み
}

// ListHosts は docker ps の出力からコンテナ一覧を作る。
func (c *CLI) ListHosts(ctx context.Context) ([]Host, error) {
	args := []string{"ps", "-a", "--no-trunc", "--format", "{{.Names}}\t{{.ID}}\t{{.Image}}\t{{.State}}"}
	if c.names.prefix != "" {
		args = append(args, "--filter", "name="+c.names.prefix)
	}
	out, errOut, code, err := c.run(ctx, c.timeout, args...)
	if err != nil {
		return nil, fmt.Errorf("runtime: docker ps: %w", err)
	}
	if code != 0 {
		return nil, fmt.Errorf("runtime: docker ps exited %d: %s", code, strings.TrimSpace(errOut))
	}
	return c.parsePS(out), nil
}

func (c *CLI) parsePS(out string) []Host {
	var hosts []Host
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Split(strings.TrimSpace(line), "\t")
		if len(fields) < 4 {
			continue
		}
		name, ok := c.names.short(fields[0])
		if !ok {
			continue
		}
		h := Host{Name: name, ID: fields[1], Image: fields[2], Status: schema.HostStopped}
		if fields[3] == "running" {
			h.Status = schema.HostRunning
		}
		hosts = append(hosts, h)
	}
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].Name < hosts[j].Name })
	return hosts
}

// Exec は docker exec でコマンドを実行する。
// docker exec はコンテナ内コマンドの終了コードをそのまま返すため、
// コンテナ不在は stderr のメッセージで判別する。
func (c *CLI) Exec(ctx context.Context, host string, cmd []string) (ExecResult, error) {
	args := append([]string{"exec", c.names.full(host)}, cmd...)
	out, errOut, code, err := c.run(ctx, c.timeout, args...)
	if err != nil {
		return ExecResult{}, fmt.Errorf("runtime: exec on %s: %w", host, err)
	}
	if isNotFound(errOut) {
		return ExecResult{}, fmt.Errorf("%w: %s", ErrHostNotFound, host)
	}
	return ExecResult{ExitCode: code, Output: out + errOut}, nil
}

// Restart は docker restart を実行する。
func (c *CLI) Restart(ctx context.Context, host string, timeout time.Duration) error {
	secs := strconv.Itoa(int(timeout.Seconds()))
	_, errOut, code, err := c.run(ctx, c.timeout+timeout, "restart", "-t", secs, c.names.full(host))
	if err != nil {
		return fmt.Errorf("runtime: restart %s: %w", host, err)
	}
	if isNotFound(errOut) {
		return fmt.Errorf("%w: %s", ErrHostNotFound, host)
	}
	if code != 0 {
		return fmt.Errorf("runtime: restart %s exited %d: %s", host, code, strings.TrimSpace(errOut))
	}
	return nil
}

// Inspect は docker inspect から状態とネットワーク接続を読む。
func (c *CLI) Inspect(ctx context.Context, host string) (HostInfo, error) {
	out, errOut, code, err := c.run(ctx, c.timeout, "inspect", "--format",
		"{{.State.Status}}\t{{json .NetworkSettings.Networks}}", c.names.full(host))
	if err != nil {
		return HostInfo{}, fmt.Errorf("runtime: inspect %s: %w", host, err)
	}
	if isNotFound(errOut) {
		return HostInfo{}, fmt.Errorf("%w: %s", ErrHostNotFound, host)
	}
	if code != 0 {
		return HostInfo{}, fmt.Errorf("runtime: inspect %s exited %d: %s", host, code, strings.TrimSpace(errOut))
	}
	return parseInspect(host, out)
}

func parseInspect(host, out string) (HostInfo, error) {
	status, netJSON, _ := strings.Cut(strings.TrimSpace(out), "\t")
	hi := HostInfo{Name: host, Status: schema.HostStopped}
	if status == "running" {
		hi.Status = schema.HostRunning
	}
	if netJSON == "" || netJSON == "null" {
		return hi, nil
	}

	var nets map[string]struct {
		IPAddress string `json:"IPAddress"`
	}
	if err := json.Unmarshal([]byte(netJSON), &nets); err != nil {
		return HostInfo{}, fmt.Errorf("runtime: parse networks of %s: %w", host, err)
	}
	for name, ep := range nets {
		hi.Networks = append(hi.Networks, NetworkAttachment{Network: name, IP: ep.IPAddress})
	}
	sort.Slice(hi.Networks, func(i, j int) bool { return hi.Networks[i].Network < hi.Networks[j].Network })
	return hi, nil
}

// run はタイムアウト付きで docker コマンドを実行する。
// 非ゼロ終了は err ではなく exitCode で返す。
func (c *CLI) run(ctx context.Context, timeout time.Duration, args ...string) (stdout, stderr string, exitCode int, err error) {
	path, err := resolveBinary(c.binary)
	if err != nil {
		return "", "", 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, path, args...) // nosemgrep: go.lang.security.audit.dangerous-exec-command.dangerous-exec-command -- path は LookPath で検証済み
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	// 孫プロセスがパイプを握ったままでも打ち切る
	cmd.WaitDelay = 500 * time.Millisecond

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", "", 0, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return outBuf.String(), errBuf.String(), exitErr.ExitCode(), nil
		}
		return "", "", 0, err
	}
	return outBuf.String(), errBuf.String(), 0, nil
}

func isNotFound(stderr string) bool {
	return strings.Contains(stderr, "No such container") || strings.Contains(stderr, "No such object")
}

// resolveBinary は binary 名を PATH から絶対パスに解決する。
// パス区切り文字を含む名前は拒否する。
func resolveBinary(name string) (string, error) {
	if strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("binary name must not contain path separators: %q", name)
	}
	if strings.TrimSpace(name) == "" {
		return "", errors.New("binary name must not be empty")
	}
	absPath, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("binary %q not found in PATH: %w", name, err)
	}
	if !filepath.IsAbs(absPath) {
		return "", fmt.Errorf("resolved path is not absolute: %q", absPath)
	}
	return absPath, nil
}
