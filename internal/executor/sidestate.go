package executor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Block の実施方法
const (
	MethodIPTables = "iptables"
	MethodIPLink   = "ip_link"
)

// BlockRecord は適用中の BlockTrafficZone 1件。
type BlockRecord struct {
	Host      string    `json:"host"`
	Interface string    `json:"interface"`
	Method    string    `json:"method"`
	RuleID    string    `json:"rule_id"`
	Timestamp time.Time `json:"timestamp"`
}

// DecoyRecord は起動したおとりリスナー1件。
type DecoyRecord struct {
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	PID       int       `json:"pid"`
	Timestamp time.Time `json:"timestamp"`
}

// SideState は action_state.json の内容。
// Block / Allow と Restore が一貫して振る舞うために実行をまたいで保持する。
type SideState struct {
	BlockedZones   []BlockRecord `json:"blocked_zones"`
	DeployedDecoys []DecoyRecord `json:"deployed_decoys"`
}

// FindBlock は (host, iface) の記録の位置を返す。無ければ -1。
func (s *SideState) FindBlock(host, iface string) int {
	for i, b := range s.BlockedZones {
		if b.Host == host && b.Interface == iface {
			return i
		}
	}
	return -1
}

// BlocksOn はホストに適用中の Block を返す。
func (s *SideState) BlocksOn(host string) []BlockRecord {
	var out []BlockRecord
	for _, b := range s.BlockedZones {
		if b.Host == host {
			out = append(out, b)
		}
	}
	return out
}

// DecoysOn はホスト上のおとりを返す。
func (s *SideState) DecoysOn(host string) []DecoyRecord {
	var out []DecoyRecord
	for _, d := range s.DeployedDecoys {
		if d.Host == host {
			out = append(out, d)
		}
	}
	return out
}

// DecoyPIDs はホスト上のおとりプロセスの PID 集合。
func (s *SideState) DecoyPIDs(host string) map[int]bool {
	pids := make(map[int]bool)
	for _, d := range s.DecoysOn(host) {
		if d.PID > 0 {
			pids[d.PID] = true
		}
	}
	return pids
}

// ClearHost はホストの Block / Decoy 記録をすべて消し、消した件数を返す。
func (s *SideState) ClearHost(host string) (blocks, decoys int) {
	keptBlocks := s.BlockedZones[:0]
	for _, b := range s.BlockedZones {
		if b.Host == host {
			blocks++
			continue
		}
		keptBlocks = append(keptBlocks, b)
	}
	s.BlockedZones = keptBlocks

	keptDecoys := s.DeployedDecoys[:0]
	for _, d := range s.DeployedDecoys {
		if d.Host == host {
			decoys++
			continue
		}
		keptDecoys = append(keptDecoys, d)
	}
	s.DeployedDecoys = keptDecoys
	return blocks, decoys
}

// Store は SideState を JSON ファイルに読み書きする。
// 操作のたびに全体を読み、変更があれば全体を書き戻す。書き込みは1プロセスのみを想定。
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore は path を使う Store を返す。ファイルは最初の書き込みで作成される。
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path は保存先のパス。
func (s *Store) Path() string {
	return s.path
}

// Load は現在の SideState を返す。ファイルが無ければ空の状態。
func (s *Store) Load() (SideState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Update は SideState を読み込んで fn に渡し、fn が changed=true を返したときだけ書き戻す。
// fn がエラーを返した場合は書き戻さない。
func (s *Store) Update(fn func(st *SideState) (changed bool, err error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.load()
	if err != nil {
		return err
	}
	changed, err := fn(&st)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	return s.save(st)
}

func (s *Store) load() (SideState, error) {
	var st SideState
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return st, nil
		}
		return st, fmt.Errorf("executor: failed to read side-state %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return st, nil
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("executor: failed to parse side-state %s: %w", s.path, err)
	}
	return st, nil
}

// save は一時ファイルに書いてから rename する。
func (s *Store) save(st SideState) error {
	if st.BlockedZones == nil {
		st.BlockedZones = []BlockRecord{}
	}
	if st.DeployedDecoys == nil {
		st.DeployedDecoys = []DecoyRecord{}
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("executor: failed to marshal side-state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("executor: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".action_state-*.json")
	if err != nil {
		return fmt.Errorf("executor: failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("executor: failed to write side-state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("executor: failed to write side-state: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("executor: failed to replace side-state: %w", err)
	}
	return nil
}
