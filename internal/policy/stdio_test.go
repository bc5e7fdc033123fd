package policy

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/0x6d61/cagebridge/internal/graph"
)

// mockPolicyServer はパイプ越しにポリシーサーバーを模擬する。
type mockPolicyServer struct {
	clientStdinReader  io.ReadCloser
	clientStdoutWriter io.WriteCloser
	scanner            *bufio.Scanner
}

func newMockPolicyServer(t *testing.T, timeout time.Duration) (*mockPolicyServer, *Stdio) {
	t.Helper()
	stdinReader, stdinWriter := io.Pipe()
	stdoutReader, stdoutWriter := io.Pipe()

	mock := &mockPolicyServer{
		clientStdinReader:  stdinReader,
		clientStdoutWriter: stdoutWriter,
		scanner:            bufio.NewScanner(stdinReader),
	}
	mock.scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	client := newStdioFromPipes(stdinWriter, stdoutReader, timeout)
	t.Cleanup(func() { _ = client.Close() })
	return mock, client
}

func (m *mockPolicyServer) readRequest() (jsonRPCRequest, map[string]json.RawMessage, bool) {
	if !m.scanner.Scan() {
		return jsonRPCRequest{}, nil, false
	}
	var req jsonRPCRequest
	if err := json.Unmarshal(m.scanner.Bytes(), &req); err != nil {
		return jsonRPCRequest{}, nil, false
	}
	var raw struct {
		Params map[string]json.RawMessage `json:"params"`
	}
	_ = json.Unmarshal(m.scanner.Bytes(), &raw)
	return req, raw.Params, true
}

func (m *mockPolicyServer) writeLine(line string) {
	_, _ = m.clientStdoutWriter.Write([]byte(line + "\n"))
}

func (m *mockPolicyServer) writeResult(id int64, result any) {
	data, _ := json.Marshal(result)
	resp, _ := json.Marshal(jsonRPCResponse{JSONRPC: "2.0", ID: id, Result: data})
	m.writeLine(string(resp))
}

func testGraph() *graph.ObservationGraph {
	row := make([]float32, 192)
	return &graph.ObservationGraph{
		Nodes:   [][]float32{row, row, row},
		Edges:   []graph.Edge{{Src: 0, Dst: 2}, {Src: 2, Dst: 0}, {Src: 1, Dst: 2}, {Src: 2, Dst: 1}},
		Servers: []string{"srv"},
		Users:   []string{"usr"},
		Routers: []string{"rtr"},
		Width:   192,
	}
}

func TestStdio_Describe(t *testing.T) {
	mock, client := newMockPolicyServer(t, time.Second)

	go func() {
		req, _, ok := mock.readRequest()
		if !ok || req.Method != "describe" {
			t.Errorf("unexpected request: %+v", req)
			return
		}
		// バナー等の非 JSON 行は無視される
		mock.writeLine("loading checkpoint...")
		mock.writeResult(req.ID, map[string]any{
			"feature_width": 192, "max_servers": 6, "max_users": 10, "num_routers": 9,
		})
	}()

	shape, err := client.Describe(context.Background())
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	want := graph.Shape{FeatureWidth: 192, MaxServers: 6, MaxUsers: 10, NumRouters: 9}
	if shape != want {
		t.Errorf("shape = %+v, want %+v", shape, want)
	}
}

func TestStdio_Decide(t *testing.T) {
	mock, client := newMockPolicyServer(t, time.Second)

	go func() {
		req, params, ok := mock.readRequest()
		if !ok || req.Method != "decide" {
			t.Errorf("unexpected request: %+v", req)
			return
		}
		var global []int
		_ = json.Unmarshal(params["global"], &global)
		if len(global) != 3 || global[0] != 1 || global[1] != 1 || global[2] != 1 {
			t.Errorf("global = %v", global)
		}
		var users []int
		_ = json.Unmarshal(params["users"], &users)
		if len(users) != 1 || users[0] != 1 {
			t.Errorf("users = %v", users)
		}
		mock.writeResult(req.ID, map[string]any{"action": 17})
	}()

	idx, err := client.Decide(context.Background(), testGraph())
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if idx != 17 {
		t.Errorf("action = %d, want 17", idx)
	}
}

func TestStdio_DecideNull(t *testing.T) {
	mock, client := newMockPolicyServer(t, time.Second)

	go func() {
		req, _, ok := mock.readRequest()
		if !ok {
			return
		}
		mock.writeResult(req.ID, map[string]any{"action": nil})
	}()

	idx, err := client.Decide(context.Background(), testGraph())
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if idx != NoAction {
		t.Errorf("action = %d, want NoAction", idx)
	}
}

func TestStdio_RPCError(t *testing.T) {
	mock, client := newMockPolicyServer(t, time.Second)

	go func() {
		req, _, ok := mock.readRequest()
		if !ok {
			return
		}
		resp, _ := json.Marshal(jsonRPCResponse{JSONRPC: "2.0", ID: req.ID, Error: &jsonRPCError{Code: -32000, Message: "model not loaded"}})
		mock.writeLine(string(resp))
	}()

	_, err := client.Decide(context.Background(), testGraph())
	if err == nil || !strings.Contains(err.Error(), "model not loaded") {
		t.Errorf("expected RPC error, got %v", err)
	}
}

func TestStdio_Timeout(t *testing.T) {
	mock, client := newMockPolicyServer(t, 100*time.Millisecond)

	// 読むだけで応答しない
	go func() { _, _, _ = mock.readRequest() }()

	start := time.Now()
	_, err := client.Decide(context.Background(), testGraph())
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > 2*time.Second {
		t.Error("timeout took too long")
	}
}

// 遅れて届いた古い応答は次のリクエストの結果にならない
func TestStdio_StaleResponseSkipped(t *testing.T) {
	mock, client := newMockPolicyServer(t, time.Second)

	go func() {
		req, _, ok := mock.readRequest()
		if !ok {
			return
		}
		mock.writeResult(req.ID-1, map[string]any{"action": 3})
		mock.writeResult(req.ID, map[string]any{"action": 42})
	}()

	idx, err := client.Decide(context.Background(), testGraph())
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if idx != 42 {
		t.Errorf("action = %d, want 42", idx)
	}
}

func TestStdio_ClosedClient(t *testing.T) {
	_, client := newMockPolicyServer(t, time.Second)
	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := client.Decide(context.Background(), testGraph()); err == nil {
		t.Error("closed client should fail")
	}
	// 二重 Close は no-op
	if err := client.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
