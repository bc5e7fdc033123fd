package runtime

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/0x6d61/cagebridge/pkg/schema"
)

// Docker は Docker Engine API を直接使うドライバ。
type Docker struct {
	cli     *client.Client
	names   naming
	timeout time.Duration
}

// NewDocker は Docker Engine クライアントを作る。host が空なら DOCKER_HOST 等の環境変数に従う。
func NewDocker(host, prefix string, timeout time.Duration) (*Docker, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("runtime: failed to create docker client: %w", err)
	}
	return &Docker{cli: cli, names: naming{prefix: prefix}, timeout: callTimeout(timeout)}, nil
}

// Ping はデーモンとの疎通を確認する。
func (d *Docker) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("runtime: docker ping: %w", err)
	}
	return nil
}

// Close はクライアントを閉じる。
func (d *Docker) Close() error {
	return d.cli.Close()
}

// ListHosts は接頭辞に一致するコンテナを停止中も含めて返す。
func (d *Docker) ListHosts(ctx context.Context) ([]Host, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	opts := container.ListOptions{All: true}
	if d.names.prefix != "" {
		opts.Filters = filters.NewArgs(filters.Arg("name", d.names.prefix))
	}
	containers, err := d.cli.ContainerList(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("runtime: list containers: %w", err)
	}

	hosts := make([]Host, 0, len(containers))
	for _, c := range containers {
		if len(c.Names) == 0 {
			continue
		}
		name, ok := d.names.short(c.Names[0])
		if !ok {
			continue
		}
		h := Host{Name: name, ID: c.ID, Image: c.Image, Status: schema.HostStopped}
		if c.State == "running" {
			h.Status = schema.HostRunning
		}
		if c.NetworkSettings != nil {
			nets := make([]string, 0, len(c.NetworkSettings.Networks))
			for n := range c.NetworkSettings.Networks {
				nets = append(nets, n)
			}
			sort.Strings(nets)
			for _, n := range nets {
				if ep := c.NetworkSettings.Networks[n]; ep != nil && ep.IPAddress != "" {
					h.IP = ep.IPAddress
					break
				}
			}
		}
		hosts = append(hosts, h)
	}
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].Name < hosts[j].Name })
	return hosts, nil
}

// Exec はコンテナ内でコマンドを実行し、終了コードと出力を返す。
func (d *Docker) Exec(ctx context.Context, host string, cmd []string) (ExecResult, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	created, err := d.cli.ContainerExecCreate(ctx, d.names.full(host), container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, d.wrap(host, "exec create", err)
	}

	attach, err := d.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return ExecResult{}, d.wrap(host, "exec attach", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		done <- err
	}()

	select {
	case <-ctx.Done():
		return ExecResult{}, fmt.Errorf("runtime: exec on %s: %w", host, ctx.Err())
	case err := <-done:
		if err != nil {
			return ExecResult{}, fmt.Errorf("runtime: exec on %s: read output: %w", host, err)
		}
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return ExecResult{}, d.wrap(host, "exec inspect", err)
	}
	return ExecResult{ExitCode: inspect.ExitCode, Output: stdout.String() + stderr.String()}, nil
}

// Restart はコンテナを再起動する。timeout は停止待ちの猶予。
func (d *Docker) Restart(ctx context.Context, host string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout+timeout)
	defer cancel()

	secs := int(timeout.Seconds())
	if err := d.cli.ContainerRestart(ctx, d.names.full(host), container.StopOptions{Timeout: &secs}); err != nil {
		return d.wrap(host, "restart", err)
	}
	return nil
}

// Inspect はコンテナの状態とネットワーク接続を返す。
func (d *Docker) Inspect(ctx context.Context, host string) (HostInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	info, err := d.cli.ContainerInspect(ctx, d.names.full(host))
	if err != nil {
		return HostInfo{}, d.wrap(host, "inspect", err)
	}

	hi := HostInfo{Name: host, Status: schema.HostStopped}
	if info.State != nil && info.State.Running {
		hi.Status = schema.HostRunning
	}
	if info.NetworkSettings != nil {
		for name, ep := range info.NetworkSettings.Networks {
			att := NetworkAttachment{Network: name}
			if ep != nil {
				att.IP = ep.IPAddress
			}
			hi.Networks = append(hi.Networks, att)
		}
		sort.Slice(hi.Networks, func(i, j int) bool { return hi.Networks[i].Network < hi.Networks[j].Network })
	}
	return hi, nil
}

func (d *Docker) wrap(host, op string, err error) error {
	if client.IsErrNotFound(err) {
		return fmt.Errorf("%w: %s", ErrHostNotFound, host)
	}
	return fmt.Errorf("runtime: %s %s: %w", op, host, err)
}
