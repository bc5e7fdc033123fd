// Package history persists loop events to PostgreSQL with batched inserts.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/0x6d61/cagebridge/internal/logging"
	"github.com/0x6d61/cagebridge/pkg/schema"
)

const (
	batchSize     = 50
	batchInterval = 2 * time.Second
	queueSize     = 10000
)

// Schema は履歴テーブルの DDL。Open 時に適用する。
const Schema = `CREATE TABLE IF NOT EXISTS cagebridge_events (
	id         BIGSERIAL PRIMARY KEY,
	run_id     TEXT        NOT NULL,
	step       INTEGER     NOT NULL,
	kind       TEXT        NOT NULL,
	target     TEXT        NOT NULL DEFAULT '',
	message    TEXT        NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS cagebridge_events_run_idx ON cagebridge_events (run_id, step);`

const insertSQL = `INSERT INTO cagebridge_events (run_id, step, kind, target, message, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`

// Row は1イベント分の行。
type Row struct {
	RunID string
	Event schema.Event
}

// DB はバッチ書き込みに必要な操作。*sql.DB が満たす。
type DB interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
	Close() error
}

// batchFunc は1バッチを書き込む。テストで差し替える。
type batchFunc func(ctx context.Context, rows []Row) error

// EventWriter はイベントをキューに積み、件数か時間で区切ってまとめて INSERT する。
// キューが満杯のときは捨てて件数だけ数える。
type EventWriter struct {
	db    DB
	write batchFunc
	log   *zap.SugaredLogger

	queue chan Row
	done  chan struct{}
	wg    sync.WaitGroup

	mu      sync.Mutex
	running bool

	written atomic.Uint64
	dropped atomic.Uint64
	batches atomic.Uint64
}

// Open は databaseURL に接続し、テーブルを作成して EventWriter を返す。
func Open(ctx context.Context, databaseURL string, log *zap.SugaredLogger) (*EventWriter, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("history: open: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: create table: %w", err)
	}
	w := newWriter(db, log)
	w.write = w.insertBatch
	return w, nil
}

func newWriter(db DB, log *zap.SugaredLogger) *EventWriter {
	return &EventWriter{
		db:    db,
		log:   logging.OrNop(log).Named("history"),
		queue: make(chan Row, queueSize),
		done:  make(chan struct{}),
	}
}

// Start は書き込みゴルーチンを起動する。二重起動は無視する。
func (w *EventWriter) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.wg.Add(1)
	go w.writerLoop()
}

// Stop は残りを書き出してから停止し、接続を閉じる。
func (w *EventWriter) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	w.wg.Wait()
	if w.db != nil {
		_ = w.db.Close()
	}
	w.log.Infow("history writer stopped",
		"written", w.written.Load(), "dropped", w.dropped.Load(), "batches", w.batches.Load())
}

// Write はイベントをキューに積む。ブロックしない。
func (w *EventWriter) Write(runID string, events ...schema.Event) {
	for _, e := range events {
		select {
		case w.queue <- Row{RunID: runID, Event: e}:
		default:
			if n := w.dropped.Add(1); n%1000 == 1 {
				w.log.Warnw("history queue full, dropping events", "dropped", n)
			}
		}
	}
}

// Stats は書き込み統計。
func (w *EventWriter) Stats() map[string]uint64 {
	return map[string]uint64{
		"events_written":  w.written.Load(),
		"events_dropped":  w.dropped.Load(),
		"batches_written": w.batches.Load(),
	}
}

func (w *EventWriter) writerLoop() {
	defer w.wg.Done()

	batch := make([]Row, 0, batchSize)
	ticker := time.NewTicker(batchInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case row := <-w.queue:
			batch = append(batch, row)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-w.done:
			// 残りを書き出す
			for {
				select {
				case row := <-w.queue:
					batch = append(batch, row)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (w *EventWriter) flush(batch []Row) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.write(ctx, batch); err != nil {
		w.log.Warnw("failed to write event batch", "rows", len(batch), "error", err)
		return
	}
	w.written.Add(uint64(len(batch)))
	w.batches.Add(1)
}

func (w *EventWriter) insertBatch(ctx context.Context, rows []Row) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, insertSQL)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		e := r.Event
		if _, err := stmt.ExecContext(ctx, r.RunID, e.Step, string(e.Type), e.Target, e.Message, e.Time); err != nil {
			return fmt.Errorf("insert: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
