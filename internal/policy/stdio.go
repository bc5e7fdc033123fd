package policy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/0x6d61/cagebridge/internal/graph"
)

// JSON-RPC 2.0 メッセージ型

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// decideParams は decide リクエストの引数。
// x はノード特徴、edge_index は COO、servers / users / routers は各ブロックのノード位置、
// global は [servers, users, routers] の数。
type decideParams struct {
	X         [][]float32 `json:"x"`
	EdgeIndex [2][]int    `json:"edge_index"`
	Servers   []int       `json:"servers"`
	Users     []int       `json:"users"`
	Routers   []int       `json:"routers"`
	Global    []int       `json:"global"`
}

type decideResult struct {
	Action *int `json:"action"`
}

// Stdio は外部のポリシーサーバーを子プロセスとして起動し、
// JSON-RPC 2.0 over stdio で describe / decide を呼ぶ。
type Stdio struct {
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	scanner *bufio.Scanner
	cmd     *exec.Cmd // サブプロセスモード時のみ非 nil
	timeout time.Duration

	responses chan scanResult // readLoop が読んだ応答
	done      chan struct{}

	mu     sync.Mutex // stdin 書き込みと応答待ちの排他制御
	nextID atomic.Int64
	closed atomic.Bool
}

type scanResult struct {
	resp     jsonRPCResponse
	err      error
	terminal bool // stdout が閉じた。以降の応答は来ない
}

// NewStdio はポリシーサーバーを起動する。env は "KEY=VALUE" 形式の追加環境変数。
func NewStdio(command string, args, env []string, timeout time.Duration) (*Stdio, error) {
	cmd := exec.Command(command, args...) // nosemgrep: go.lang.security.audit.dangerous-exec-command.dangerous-exec-command -- command は管理者が設定した YAML から読み込まれる
	if len(env) > 0 {
		cmd.Env = append(cmd.Environ(), env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("policy: failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("policy: failed to create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("policy: failed to start %s: %w", command, err)
	}

	s := newStdioFromPipes(stdin, stdout, timeout)
	s.cmd = cmd
	return s, nil
}

// newStdioFromPipes はテスト用に io.Pipe ベースのクライアントを作成する
func newStdioFromPipes(stdin io.WriteCloser, stdout io.ReadCloser, timeout time.Duration) *Stdio {
	scanner := bufio.NewScanner(stdout)
	// 特徴行列を含む応答は既定の 64KiB を超えうる
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	s := &Stdio{
		stdin:     stdin,
		stdout:    stdout,
		scanner:   scanner,
		timeout:   timeout,
		responses: make(chan scanResult, 16),
		done:      make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// readLoop は stdout を1行ずつ読み、JSON 応答を responses に送る。
// 読み取りはこのゴルーチンだけが行う。
func (s *Stdio) readLoop() {
	for s.scanner.Scan() {
		line := s.scanner.Bytes()
		// 非 JSON 行（フレームワークのログ出力等）をスキップ
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var sr scanResult
		if err := json.Unmarshal(line, &sr.resp); err != nil {
			sr = scanResult{err: fmt.Errorf("failed to parse response: %w", err)}
		}
		select {
		case s.responses <- sr:
		case <-s.done:
			return
		}
	}
	err := s.scanner.Err()
	if err == nil {
		err = fmt.Errorf("unexpected EOF")
	}
	select {
	case s.responses <- scanResult{err: err, terminal: true}:
	case <-s.done:
	}
}

// Describe はポリシー成果物のメタデータから入力形状を取得する。
func (s *Stdio) Describe(ctx context.Context) (graph.Shape, error) {
	if s.closed.Load() {
		return graph.Shape{}, fmt.Errorf("policy: client is closed")
	}
	result, err := s.sendRequest(ctx, "describe", nil)
	if err != nil {
		return graph.Shape{}, fmt.Errorf("policy: describe failed: %w", err)
	}
	var shape graph.Shape
	if err := json.Unmarshal(result, &shape); err != nil {
		return graph.Shape{}, fmt.Errorf("policy: failed to parse describe response: %w", err)
	}
	if shape.FeatureWidth <= 0 {
		return graph.Shape{}, fmt.Errorf("policy: describe returned no feature_width")
	}
	return shape, nil
}

// Decide はグラフを送り、選ばれたアクションのインデックスを返す。
// ポリシーが null を返した場合は NoAction。
func (s *Stdio) Decide(ctx context.Context, g *graph.ObservationGraph) (int, error) {
	if s.closed.Load() {
		return NoAction, fmt.Errorf("policy: client is closed")
	}

	params := decideParams{
		X:         g.Nodes,
		EdgeIndex: g.EdgeIndex(),
		Global:    []int{g.NumServers(), g.NumUsers(), g.NumRouters()},
	}
	for i := 0; i < g.NumServers(); i++ {
		params.Servers = append(params.Servers, i)
	}
	for i := 0; i < g.NumUsers(); i++ {
		params.Users = append(params.Users, g.NumServers()+i)
	}
	for i := 0; i < g.NumRouters(); i++ {
		params.Routers = append(params.Routers, g.NumServers()+g.NumUsers()+i)
	}

	result, err := s.sendRequest(ctx, "decide", params)
	if err != nil {
		return NoAction, fmt.Errorf("policy: decide failed: %w", err)
	}
	var res decideResult
	if err := json.Unmarshal(result, &res); err != nil {
		return NoAction, fmt.Errorf("policy: failed to parse decide response: %w", err)
	}
	if res.Action == nil {
		return NoAction, nil
	}
	return *res.Action, nil
}

// Close はクライアントを閉じ、サブプロセスを終了させる
func (s *Stdio) Close() error {
	if s.closed.Swap(true) {
		return nil // 既に閉じている
	}

	close(s.done)
	// stdin を閉じてサーバーに EOF を通知
	_ = s.stdin.Close()
	_ = s.stdout.Close()

	if s.cmd != nil {
		done := make(chan error, 1)
		go func() {
			done <- s.cmd.Wait()
		}()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			_ = s.cmd.Process.Kill()
			<-done
		}
	}
	return nil
}

// sendRequest は JSON-RPC リクエストを送信し、レスポンスを待つ
func (s *Stdio) sendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	id := s.nextID.Add(1)
	data, err := json.Marshal(jsonRPCRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	data = append(data, '\n')
	if _, err := s.stdin.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write request: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case sr := <-s.responses:
			if sr.err != nil {
				// EOF は後続のリクエストでも返す
				if sr.terminal {
					s.pushBack(sr)
				}
				return nil, sr.err
			}
			// 以前タイムアウトしたリクエストへの遅延応答は読み捨てる
			if sr.resp.ID != id {
				continue
			}
			if sr.resp.Error != nil {
				return nil, fmt.Errorf("JSON-RPC error %d: %s", sr.resp.Error.Code, sr.resp.Error.Message)
			}
			return sr.resp.Result, nil
		}
	}
}

func (s *Stdio) pushBack(sr scanResult) {
	select {
	case s.responses <- sr:
	default:
	}
}
