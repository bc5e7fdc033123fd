package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/0x6d61/cagebridge/internal/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cagebridge.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Valid(t *testing.T) {
	path := writeConfig(t, `runtime:
  driver: cli
  prefix: "lab-"
  exec_timeout: 5s
loop:
  max_steps: 50
  attack_probability: 0.4
  seed: 7
policy:
  driver: stdio
  command: python3
  args: ["serve_policy.py"]
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Runtime.Driver != "cli" {
		t.Errorf("expected driver 'cli', got '%s'", cfg.Runtime.Driver)
	}
	if cfg.Runtime.Prefix != "lab-" {
		t.Errorf("expected prefix 'lab-', got '%s'", cfg.Runtime.Prefix)
	}
	if cfg.Runtime.ExecTimeout != 5*time.Second {
		t.Errorf("expected exec timeout 5s, got %v", cfg.Runtime.ExecTimeout)
	}
	if cfg.Loop.MaxSteps != 50 {
		t.Errorf("expected max_steps 50, got %d", cfg.Loop.MaxSteps)
	}
	if cfg.Loop.AttackProbability != 0.4 {
		t.Errorf("expected attack_probability 0.4, got %v", cfg.Loop.AttackProbability)
	}
	if cfg.Policy.Command != "python3" || len(cfg.Policy.Args) != 1 {
		t.Errorf("unexpected policy config: %+v", cfg.Policy)
	}
	// 未指定のトポロジーは CAGE4 構成になる
	if len(cfg.Topology.Subnets) != 9 {
		t.Errorf("expected 9 default subnets, got %d", len(cfg.Topology.Subnets))
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_CAGEBRIDGE_HOME", "/var/lib/cagebridge")
	path := writeConfig(t, `state:
  side_state_file: "${TEST_CAGEBRIDGE_HOME}/action_state.json"
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.State.SideStateFile != "/var/lib/cagebridge/action_state.json" {
		t.Errorf("expected expanded path, got '%s'", cfg.State.SideStateFile)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("CAGEBRIDGE_REDIS", "redis://cache:6379/0")
	path := writeConfig(t, `sinks:
  redis_url: "redis://localhost:6379/0"
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Sinks.RedisURL != "redis://cache:6379/0" {
		t.Errorf("expected env override, got '%s'", cfg.Sinks.RedisURL)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	cfg, err := config.Load("/nonexistent/path/cagebridge.yaml")
	if err != nil {
		t.Fatalf("expected nil error for missing file, got: %v", err)
	}
	if cfg == nil {
		t.Fatal("expected non-nil default config")
	}
	if cfg.Runtime.Prefix != config.DefaultContainerPrefix {
		t.Errorf("expected default prefix, got '%s'", cfg.Runtime.Prefix)
	}
	if cfg.Loop.MaxSteps != 20 {
		t.Errorf("expected default max_steps 20, got %d", cfg.Loop.MaxSteps)
	}
	if cfg.Policy.Shape.FeatureWidth != 192 || cfg.Policy.Shape.NumRouters != 9 {
		t.Errorf("unexpected default shape: %+v", cfg.Policy.Shape)
	}
	if cfg.Loop.AttackProbability != config.DefaultAttackProbability {
		t.Errorf("expected default attack_probability, got %v", cfg.Loop.AttackProbability)
	}
}

// 明示的な 0 は既定値で上書きされない
func TestLoad_ZeroProbability(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, "loop:\n  attack_probability: 0\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Loop.AttackProbability != 0 {
		t.Errorf("expected 0, got %v", cfg.Loop.AttackProbability)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "loop: [unclosed")
	if _, err := config.Load(path); err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"unknown runtime", "runtime:\n  driver: podman\n", "runtime driver"},
		{"unknown policy", "policy:\n  driver: oracle\n", "policy driver"},
		{"stdio without command", "policy:\n  driver: stdio\n", "policy.command"},
		{"probability", "loop:\n  attack_probability: 1.5\n", "attack_probability"},
		{"entry subnet", "red:\n  entry_subnet: nowhere\n", "entry subnet"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q should mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_DuplicateHost(t *testing.T) {
	cfg := config.Default()
	cfg.Topology.Subnets[1].Hosts = append(cfg.Topology.Subnets[1].Hosts,
		config.HostEntry{Name: "restricted-zone-a-server-0", Role: config.RoleServer})
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected duplicate host error")
	}
}

func TestDefaultTopology_Roles(t *testing.T) {
	topo := config.DefaultTopology()
	servers, users := 0, 0
	for _, sn := range topo.Subnets {
		for _, h := range sn.Hosts {
			switch h.Role {
			case config.RoleServer:
				servers++
			case config.RoleUser:
				users++
			}
		}
	}
	if servers != 6 || users != 10 {
		t.Errorf("servers=%d users=%d, want 6 and 10", servers, users)
	}
	if len(topo.ActionRouters) != 8 {
		t.Errorf("expected 8 action routers, got %d", len(topo.ActionRouters))
	}
}

func TestTopology_Lookup(t *testing.T) {
	topo := config.DefaultTopology()
	sn, ok := topo.SubnetOf("office-network-user-1")
	if !ok || sn != "office_network" {
		t.Errorf("SubnetOf = %q, %v", sn, ok)
	}
	if _, ok := topo.SubnetOf("unknown-host"); ok {
		t.Error("unknown host should not resolve")
	}
	hosts := topo.HostsIn("contractor_network")
	if len(hosts) != 3 || hosts[0] != "contractor-network-server-0" {
		t.Errorf("HostsIn = %v", hosts)
	}
}
