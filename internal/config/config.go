package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// unsetProbability は attack_probability が未指定であることを示す。0 は「攻撃しない」として有効な値。
const unsetProbability = -1

// DefaultAttackProbability は1ステップあたりの攻撃確率の既定値
const DefaultAttackProbability = 0.3

// Host roles used by the topology.
const (
	RoleServer = "server"
	RoleUser   = "user"
)

// RuntimeConfig はコンテナランタイムへの接続設定
type RuntimeConfig struct {
	Driver         string        `yaml:"driver"` // docker | cli
	Host           string        `yaml:"host"`   // DOCKER_HOST 相当（空なら環境変数）
	Binary         string        `yaml:"binary"` // cli ドライバの docker バイナリ
	Prefix         string        `yaml:"prefix"` // コンテナ名の接頭辞
	ExecTimeout    time.Duration `yaml:"exec_timeout"`
	RestartTimeout time.Duration `yaml:"restart_timeout"`
}

// LoopConfig はオーケストレーションループの設定
type LoopConfig struct {
	MaxSteps           int           `yaml:"max_steps"`
	StepDelay          time.Duration `yaml:"step_delay"`
	AttackProbability  float64       `yaml:"attack_probability"`
	Seed               int64         `yaml:"seed"` // 0 なら時刻から生成
	MaxCollectFailures int           `yaml:"max_collect_failures"`
	MonitorInterface   string        `yaml:"monitor_interface"`
}

// RedConfig は Red Agent の進入点と横展開テーブル
type RedConfig struct {
	EntrySubnet string              `yaml:"entry_subnet"`
	Adjacency   map[string][]string `yaml:"adjacency"`
}

// HostEntry は防御対象ホスト1台
type HostEntry struct {
	Name       string `yaml:"name"`
	Role       string `yaml:"role"` // server | user
	CrownJewel bool   `yaml:"crown_jewel"`
}

// SubnetConfig はサブネットとそのルーター、所属ホスト。
// 並び順がサブネット one-hot の位置になる。
type SubnetConfig struct {
	Name   string      `yaml:"name"`
	Router string      `yaml:"router"`
	Hosts  []HostEntry `yaml:"hosts"`
}

// RouterPort は Block/Allow の対象となるルーターのインターフェース
type RouterPort struct {
	Router    string `yaml:"router"`
	Interface string `yaml:"interface"`
}

// TopologyConfig は静的なネットワーク構成
type TopologyConfig struct {
	Subnets       []SubnetConfig `yaml:"subnets"`
	RouterLinks   [][]string     `yaml:"router_links"`   // ルーター同士の接続 [a, b]
	ActionRouters []RouterPort   `yaml:"action_routers"` // エッジアクションのスロット順
}

// ShapeConfig はポリシーが期待する入力形状。stdio ポリシーでは describe の応答で上書きされる。
type ShapeConfig struct {
	FeatureWidth int `yaml:"feature_width"`
	MaxServers   int `yaml:"max_servers"`
	MaxUsers     int `yaml:"max_users"`
	NumRouters   int `yaml:"num_routers"`
}

// PolicyConfig はポリシーの起動設定
type PolicyConfig struct {
	Driver  string        `yaml:"driver"` // random | stdio
	Command string        `yaml:"command"`
	Args    []string      `yaml:"args"`
	Env     []string      `yaml:"env"`
	Timeout time.Duration `yaml:"timeout"`
	Shape   ShapeConfig   `yaml:"shape"`
}

// StateConfig は永続化ファイルの配置
type StateConfig struct {
	SideStateFile string `yaml:"side_state_file"`
	SnapshotFile  string `yaml:"snapshot_file"`
	ReportDir     string `yaml:"report_dir"`
}

// SinksConfig はスナップショット・イベントの外部出力先（すべて任意）
type SinksConfig struct {
	RedisURL     string `yaml:"redis_url"`
	RedisKey     string `yaml:"redis_key"`
	RedisChannel string `yaml:"redis_channel"`
	DatabaseURL  string `yaml:"database_url"`
	ListenAddr   string `yaml:"listen_addr"`
}

// LoggingConfig はログ出力設定
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | console
	Output string `yaml:"output"` // stdout | stderr | ファイルパス
}

// AppConfig は config/cagebridge.yaml の統合設定構造
type AppConfig struct {
	Runtime  RuntimeConfig  `yaml:"runtime"`
	Loop     LoopConfig     `yaml:"loop"`
	Red      RedConfig      `yaml:"red"`
	Topology TopologyConfig `yaml:"topology"`
	Policy   PolicyConfig   `yaml:"policy"`
	State    StateConfig    `yaml:"state"`
	Sinks    SinksConfig    `yaml:"sinks"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// applyDefaults はゼロ値のフィールドにデフォルト値を適用する
func (c *AppConfig) applyDefaults() {
	if c.Runtime.Driver == "" {
		c.Runtime.Driver = "docker"
	}
	if c.Runtime.Binary == "" {
		c.Runtime.Binary = "docker"
	}
	if c.Runtime.Prefix == "" {
		c.Runtime.Prefix = DefaultContainerPrefix
	}
	if c.Runtime.ExecTimeout == 0 {
		c.Runtime.ExecTimeout = 10 * time.Second
	}
	if c.Runtime.RestartTimeout == 0 {
		c.Runtime.RestartTimeout = 10 * time.Second
	}

	if c.Loop.MaxSteps == 0 {
		c.Loop.MaxSteps = 20
	}
	if c.Loop.StepDelay == 0 {
		c.Loop.StepDelay = 2 * time.Second
	}
	if c.Loop.AttackProbability == unsetProbability {
		c.Loop.AttackProbability = DefaultAttackProbability
	}
	if c.Loop.MaxCollectFailures == 0 {
		c.Loop.MaxCollectFailures = 3
	}
	if c.Loop.MonitorInterface == "" {
		c.Loop.MonitorInterface = "eth1"
	}

	// トポロジー未指定なら CAGE4 構成
	if len(c.Topology.Subnets) == 0 {
		c.Topology = DefaultTopology()
	}
	if c.Red.EntrySubnet == "" {
		c.Red.EntrySubnet = DefaultEntrySubnet
	}
	if c.Red.Adjacency == nil {
		c.Red.Adjacency = DefaultAdjacency()
	}

	if c.Policy.Driver == "" {
		c.Policy.Driver = "random"
	}
	if c.Policy.Timeout == 0 {
		c.Policy.Timeout = 30 * time.Second
	}
	if c.Policy.Shape.FeatureWidth == 0 {
		c.Policy.Shape.FeatureWidth = 192
	}
	if c.Policy.Shape.MaxServers == 0 {
		c.Policy.Shape.MaxServers = 6
	}
	if c.Policy.Shape.MaxUsers == 0 {
		c.Policy.Shape.MaxUsers = 10
	}
	if c.Policy.Shape.NumRouters == 0 {
		c.Policy.Shape.NumRouters = len(c.Topology.Subnets)
	}

	if c.State.SideStateFile == "" {
		c.State.SideStateFile = "action_state.json"
	}
	if c.State.SnapshotFile == "" {
		c.State.SnapshotFile = "state.json"
	}
	if c.State.ReportDir == "" {
		c.State.ReportDir = "reports"
	}

	if c.Sinks.RedisKey == "" {
		c.Sinks.RedisKey = "cagebridge:state"
	}
	if c.Sinks.RedisChannel == "" {
		c.Sinks.RedisChannel = "cagebridge:steps"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stderr"
	}
}

// applyEnv は環境変数で接続先を上書きする（flag > env > yaml の順）
func (c *AppConfig) applyEnv() {
	if v := os.Getenv("CAGEBRIDGE_REDIS"); v != "" {
		c.Sinks.RedisURL = v
	}
	if v := os.Getenv("CAGEBRIDGE_DATABASE"); v != "" {
		c.Sinks.DatabaseURL = v
	}
	if v := os.Getenv("CAGEBRIDGE_LISTEN"); v != "" {
		c.Sinks.ListenAddr = v
	}
	if v := os.Getenv("DOCKER_HOST"); v != "" && c.Runtime.Host == "" {
		c.Runtime.Host = v
	}
}

// Default returns the configuration used when no file exists.
func Default() *AppConfig {
	cfg := &AppConfig{Loop: LoopConfig{AttackProbability: unsetProbability}}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg
}

// Load は config/cagebridge.yaml を読み込む。
// ${VAR} 環境変数を展開する。
// ファイルが存在しない場合はデフォルトの AppConfig を返す。
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	cfg := AppConfig{Loop: LoopConfig{AttackProbability: unsetProbability}}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}

	// 環境変数を展開（パス・接続先の ${VAR}）
	cfg.State.SideStateFile = expandEnvString(cfg.State.SideStateFile)
	cfg.State.SnapshotFile = expandEnvString(cfg.State.SnapshotFile)
	cfg.State.ReportDir = expandEnvString(cfg.State.ReportDir)
	cfg.Sinks.RedisURL = expandEnvString(cfg.Sinks.RedisURL)
	cfg.Sinks.DatabaseURL = expandEnvString(cfg.Sinks.DatabaseURL)
	cfg.Policy.Command = expandEnvString(cfg.Policy.Command)
	for i := range cfg.Policy.Args {
		cfg.Policy.Args[i] = expandEnvString(cfg.Policy.Args[i])
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate は設定の整合性を検査する
func (c *AppConfig) Validate() error {
	switch c.Runtime.Driver {
	case "docker", "cli":
	default:
		return fmt.Errorf("unknown runtime driver %q", c.Runtime.Driver)
	}
	switch c.Policy.Driver {
	case "random":
	case "stdio":
		if c.Policy.Command == "" {
			return errors.New("policy driver stdio requires policy.command")
		}
	default:
		return fmt.Errorf("unknown policy driver %q", c.Policy.Driver)
	}
	if c.Loop.AttackProbability < 0 || c.Loop.AttackProbability > 1 {
		return fmt.Errorf("loop.attack_probability %v out of [0,1]", c.Loop.AttackProbability)
	}
	if c.Loop.MaxSteps < 0 {
		return fmt.Errorf("loop.max_steps %d is negative", c.Loop.MaxSteps)
	}

	seen := make(map[string]string)
	subnets := make(map[string]bool)
	routers := make(map[string]bool)
	for _, sn := range c.Topology.Subnets {
		if sn.Name == "" {
			return errors.New("topology: subnet without name")
		}
		if sn.Router == "" {
			return fmt.Errorf("topology: subnet %s has no router", sn.Name)
		}
		subnets[sn.Name] = true
		routers[sn.Router] = true
		for _, h := range sn.Hosts {
			if prev, ok := seen[h.Name]; ok {
				return fmt.Errorf("topology: host %s listed in both %s and %s", h.Name, prev, sn.Name)
			}
			seen[h.Name] = sn.Name
			if h.Role != RoleServer && h.Role != RoleUser {
				return fmt.Errorf("topology: host %s has unknown role %q", h.Name, h.Role)
			}
		}
	}
	for _, link := range c.Topology.RouterLinks {
		if len(link) != 2 {
			return fmt.Errorf("topology: router link %v must have two ends", link)
		}
		for _, r := range link {
			if !routers[r] {
				return fmt.Errorf("topology: router link references unknown router %s", r)
			}
		}
	}
	if !subnets[c.Red.EntrySubnet] {
		return fmt.Errorf("red: entry subnet %s not in topology", c.Red.EntrySubnet)
	}
	for from, tos := range c.Red.Adjacency {
		if !subnets[from] {
			return fmt.Errorf("red: adjacency references unknown subnet %s", from)
		}
		for _, to := range tos {
			if !subnets[to] {
				return fmt.Errorf("red: adjacency references unknown subnet %s", to)
			}
		}
	}
	return nil
}

// SubnetOf はホストが所属するサブネット名を返す
func (t TopologyConfig) SubnetOf(host string) (string, bool) {
	for _, sn := range t.Subnets {
		for _, h := range sn.Hosts {
			if h.Name == host {
				return sn.Name, true
			}
		}
	}
	return "", false
}

// HostsIn はサブネットに所属するホスト名を定義順で返す
func (t TopologyConfig) HostsIn(subnet string) []string {
	for _, sn := range t.Subnets {
		if sn.Name != subnet {
			continue
		}
		names := make([]string, 0, len(sn.Hosts))
		for _, h := range sn.Hosts {
			names = append(names, h.Name)
		}
		return names
	}
	return nil
}

// expandEnvString は文字列内の ${VAR} をホスト環境変数で展開する
func expandEnvString(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}
