// Package feed serves loop snapshots over HTTP and websocket.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/0x6d61/cagebridge/internal/logging"
	"github.com/0x6d61/cagebridge/internal/snapshot"
)

const (
	sendBuffer   = 16
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// 読み取り専用。Origin は検査しない
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsMessage はクライアントへ送るメッセージ。
type wsMessage struct {
	Type string              `json:"type"`
	Data *snapshot.LoopState `json:"data"`
}

type client struct {
	send chan []byte
}

// Hub は接続中のクライアントへスナップショットを配る。snapshot.Publisher を満たす。
// 送信が追いつかないクライアントにはそのメッセージを捨てる。
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	latest  *snapshot.LoopState
	dropped uint64
	log     *zap.SugaredLogger
}

// NewHub は空の Hub を返す。
func NewHub(log *zap.SugaredLogger) *Hub {
	return &Hub{clients: make(map[*client]struct{}), log: logging.OrNop(log).Named("feed")}
}

// Publish implements snapshot.Publisher.
func (h *Hub) Publish(_ context.Context, st *snapshot.LoopState) error {
	msg, err := json.Marshal(wsMessage{Type: "snapshot", Data: st})
	if err != nil {
		return fmt.Errorf("feed: marshal: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.latest = st.Clone()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.dropped++
		}
	}
	return nil
}

// Close implements snapshot.Publisher. 全クライアントの送信チャネルを閉じる。
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
	return nil
}

// Latest は最後に配ったスナップショット。まだ無ければ nil。
func (h *Hub) Latest() *snapshot.LoopState {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.latest == nil {
		return nil
	}
	return h.latest.Clone()
}

// Clients は接続中のクライアント数。
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) register() (*client, []byte) {
	c := &client{send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	var first []byte
	if h.latest != nil {
		first, _ = json.Marshal(wsMessage{Type: "snapshot", Data: h.latest})
	}
	return c, first
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// ServeWS は websocket に昇格し、接続時点の最新スナップショットとその後の更新を送る。
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debugw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	c, first := h.register()
	defer h.unregister(c)
	h.log.Debugw("client connected", "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// 切断検知用の読み取り
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if first != nil {
		if err := write(conn, first); err != nil {
			return
		}
	}

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"),
					time.Now().Add(writeTimeout))
				return
			}
			if err := write(conn, msg); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

func write(conn *websocket.Conn, msg []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, msg)
}
