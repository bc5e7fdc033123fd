package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/0x6d61/cagebridge/internal/logging"
)

// Publisher はスナップショットの出力先。
type Publisher interface {
	Publish(ctx context.Context, st *LoopState) error
	Close() error
}

// FileSink はスナップショットを JSON ファイルに書く。読み手が途中の内容を見ないよう rename で置き換える。
type FileSink struct {
	path string
}

// NewFileSink は path に書き込む FileSink を返す。
func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

// Path は出力先のパス。
func (f *FileSink) Path() string {
	return f.path
}

// Publish implements Publisher.
func (f *FileSink) Publish(_ context.Context, st *LoopState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("snapshot: marshal: %w", err)
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("snapshot: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("snapshot: create temp: %w", err)
	}
	name := tmp.Name()
	_, werr := tmp.Write(append(data, '\n'))
	cerr := tmp.Close()
	if err := errors.Join(werr, cerr); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("snapshot: write: %w", err)
	}
	if err := os.Rename(name, f.path); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("snapshot: rename: %w", err)
	}
	return nil
}

// Close implements Publisher.
func (f *FileSink) Close() error { return nil }

// Multi は複数の Publisher に順に配る。個々の失敗はログに残し、ループは止めない。
type Multi struct {
	sinks []Publisher
	log   *zap.SugaredLogger
}

// NewMulti は nil を除いた sinks をまとめる。
func NewMulti(log *zap.SugaredLogger, sinks ...Publisher) *Multi {
	m := &Multi{log: logging.OrNop(log).Named("snapshot")}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Len は登録されている Publisher 数。
func (m *Multi) Len() int {
	return len(m.sinks)
}

// Publish implements Publisher. エラーは返すが、すべての sink への配信を試みる。
func (m *Multi) Publish(ctx context.Context, st *LoopState) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Publish(ctx, st); err != nil {
			m.log.Warnw("snapshot publish failed", "sink", fmt.Sprintf("%T", s), "step", st.Step, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close implements Publisher.
func (m *Multi) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
