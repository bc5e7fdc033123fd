package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/0x6d61/cagebridge/internal/logging"
)

// Server は /ws, /state, /metrics, /healthz を提供する。
type Server struct {
	hub     *Hub
	metrics http.Handler
	log     *zap.SugaredLogger
	srv     *http.Server
}

// NewServer は Server を作る。metrics が nil なら /metrics は 404。
func NewServer(addr string, hub *Hub, metrics http.Handler, log *zap.SugaredLogger) *Server {
	s := &Server{hub: hub, metrics: metrics, log: logging.OrNop(log).Named("feed")}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler は HTTP ルーティング。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.hub.ServeWS)
	mux.HandleFunc("/state", s.handleState)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	st := s.hub.Latest()
	if st == nil {
		http.Error(w, "no snapshot yet", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(st); err != nil {
		s.log.Warnw("failed to encode state", "error", err)
	}
}

// Start はリスナーを開き、バックグラウンドで配信を始める。ctx のキャンセルで停止する。
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("feed: listen %s: %w", s.srv.Addr, err)
	}
	s.log.Infow("feed server listening", "addr", ln.Addr().String())

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Errorw("feed server stopped", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		_ = s.Shutdown()
	}()
	return nil
}

// Shutdown は接続を閉じて停止する。
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
