package runtime_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/0x6d61/cagebridge/internal/runtime"
	"github.com/0x6d61/cagebridge/pkg/schema"
)

func TestNaming(t *testing.T) {
	const prefix = "clab-cage4-defense-network-"
	if got := runtime.FullNameForTest(prefix, "admin-network-user-0"); got != prefix+"admin-network-user-0" {
		t.Errorf("full = %q", got)
	}
	// 既に接頭辞付きなら二重に付けない
	if got := runtime.FullNameForTest(prefix, prefix+"admin-network-user-0"); got != prefix+"admin-network-user-0" {
		t.Errorf("full (prefixed) = %q", got)
	}
	short, ok := runtime.ShortNameForTest(prefix, "/"+prefix+"office-network-user-1")
	if !ok || short != "office-network-user-1" {
		t.Errorf("short = %q, %v", short, ok)
	}
	if _, ok := runtime.ShortNameForTest(prefix, "/unrelated"); ok {
		t.Error("container without prefix should be rejected")
	}
}

func TestShell(t *testing.T) {
	cmd := runtime.Shell("test -f /tmp/pwned")
	if len(cmd) != 3 || cmd[0] != "/bin/sh" || cmd[1] != "-c" || cmd[2] != "test -f /tmp/pwned" {
		t.Errorf("Shell = %v", cmd)
	}
}

func TestParseInspect(t *testing.T) {
	hi, err := runtime.ParseInspectForTest("web", "running\t{\"b_net\":{\"IPAddress\":\"10.0.1.2\"},\"a_net\":{\"IPAddress\":\"10.0.0.2\"}}\n")
	if err != nil {
		t.Fatalf("parseInspect: %v", err)
	}
	if hi.Status != schema.HostRunning {
		t.Errorf("status = %q", hi.Status)
	}
	if len(hi.Networks) != 2 || hi.Networks[0].Network != "a_net" || hi.Networks[0].IP != "10.0.0.2" {
		t.Errorf("networks = %+v", hi.Networks)
	}

	hi, err = runtime.ParseInspectForTest("web", "exited\tnull")
	if err != nil {
		t.Fatalf("parseInspect: %v", err)
	}
	if hi.Status != schema.HostStopped || len(hi.Networks) != 0 {
		t.Errorf("unexpected info: %+v", hi)
	}

	if _, err := runtime.ParseInspectForTest("web", "running\t{broken"); err == nil {
		t.Error("expected JSON error")
	}
}

// fakeDocker は PATH 上に docker 互換のシェルスクリプトを置く。
func fakeDocker(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	script := `#!/bin/sh
case "$1" in
  ps)
    printf 'lab-web-0\tabc\talpine\trunning\nlab-db-0\tdef\tpostgres\texited\nother\tzzz\tbusybox\trunning\n'
    ;;
  exec)
    shift
    if [ "$1" = "lab-missing" ]; then
      echo "Error response from daemon: No such container: lab-missing" >&2
      exit 1
    fi
    shift
    "$@"
    ;;
  restart)
    if [ "$4" = "lab-missing" ]; then
      echo "Error response from daemon: No such container: lab-missing" >&2
      exit 1
    fi
    echo "$4"
    ;;
  inspect)
    printf 'running\t{"lab_net":{"IPAddress":"10.0.0.5"}}\n'
    ;;
  info)
    exit 0
    ;;
esac
`
	if err := os.WriteFile(filepath.Join(dir, "docker"), []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

func TestCLI_ListHosts(t *testing.T) {
	fakeDocker(t)
	cli := runtime.NewCLI("docker", "lab-", time.Second)

	hosts, err := cli.ListHosts(context.Background())
	if err != nil {
		t.Fatalf("ListHosts: %v", err)
	}
	if len(hosts) != 2 {
		t.Fatalf("expected 2 hosts, got %d: %+v", len(hosts), hosts)
	}
	// 名前順にソートされる
	if hosts[0].Name != "db-0" || hosts[0].Status != schema.HostStopped {
		t.Errorf("hosts[0] = %+v", hosts[0])
	}
	if hosts[1].Name != "web-0" || hosts[1].Status != schema.HostRunning || hosts[1].Image != "alpine" {
		t.Errorf("hosts[1] = %+v", hosts[1])
	}
}

func TestCLI_Exec(t *testing.T) {
	fakeDocker(t)
	cli := runtime.NewCLI("docker", "lab-", time.Second)
	ctx := context.Background()

	res, err := cli.Exec(ctx, "web-0", runtime.Shell("echo hello"))
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if !res.OK() || strings.TrimSpace(res.Output) != "hello" {
		t.Errorf("unexpected result: %+v", res)
	}

	res, err = cli.Exec(ctx, "web-0", runtime.Shell("exit 3"))
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}

	_, err = cli.Exec(ctx, "missing", runtime.Shell("true"))
	if !errors.Is(err, runtime.ErrHostNotFound) {
		t.Errorf("expected ErrHostNotFound, got %v", err)
	}
}

func TestCLI_ExecTimeout(t *testing.T) {
	fakeDocker(t)
	cli := runtime.NewCLI("docker", "lab-", 100*time.Millisecond)

	_, err := cli.Exec(context.Background(), "web-0", runtime.Shell("sleep 5"))
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if errors.Is(err, runtime.ErrHostNotFound) {
		t.Error("timeout should not be reported as not found")
	}
}

func TestCLI_Restart(t *testing.T) {
	fakeDocker(t)
	cli := runtime.NewCLI("docker", "lab-", time.Second)

	if err := cli.Restart(context.Background(), "web-0", time.Second); err != nil {
		t.Errorf("Restart: %v", err)
	}
	err := cli.Restart(context.Background(), "missing", time.Second)
	if !errors.Is(err, runtime.ErrHostNotFound) {
		t.Errorf("expected ErrHostNotFound, got %v", err)
	}
}

func TestCLI_Inspect(t *testing.T) {
	fakeDocker(t)
	cli := runtime.NewCLI("docker", "lab-", time.Second)

	hi, err := cli.Inspect(context.Background(), "web-0")
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if len(hi.Networks) != 1 || hi.Networks[0].IP != "10.0.0.5" {
		t.Errorf("networks = %+v", hi.Networks)
	}
	if !cli.Available(context.Background()) {
		t.Error("fake docker should be available")
	}
}

func TestCLI_BinaryNotFound(t *testing.T) {
	cli := runtime.NewCLI("definitely-not-a-docker-binary", "lab-", time.Second)
	if _, err := cli.ListHosts(context.Background()); err == nil {
		t.Error("expected error for missing binary")
	}
	if cli.Available(context.Background()) {
		t.Error("missing binary should not be available")
	}
}
