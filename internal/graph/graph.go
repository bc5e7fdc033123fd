// Package graph serialises the observed network into the fixed-shape graph the policy consumes.
package graph

import (
	"errors"
	"fmt"
)

// ErrShapeMismatch はグラフがポリシーの期待する形状に合わないことを示す。ループはこれで停止する。
var ErrShapeMismatch = errors.New("graph: shape mismatch")

// Edge は有向エッジ。無向の接続は2本で表す。
type Edge struct {
	Src int `json:"src"`
	Dst int `json:"dst"`
}

// ObservationGraph はエンコード済みのグラフ。
// ノードの並びは servers, users, routers の順で、各ブロックの名前を保持する。
type ObservationGraph struct {
	Nodes   [][]float32 `json:"x"`
	Edges   []Edge      `json:"edges"`
	Servers []string    `json:"servers"`
	Users   []string    `json:"users"`
	Routers []string    `json:"routers"`
	Width   int         `json:"width"`
}

func (g *ObservationGraph) NumServers() int { return len(g.Servers) }
func (g *ObservationGraph) NumUsers() int   { return len(g.Users) }
func (g *ObservationGraph) NumRouters() int { return len(g.Routers) }
func (g *ObservationGraph) NumNodes() int   { return len(g.Nodes) }

// NodeIndex はノード名からグラフ上の位置を返す。
func (g *ObservationGraph) NodeIndex(name string) (int, bool) {
	for i, n := range g.Servers {
		if n == name {
			return i, true
		}
	}
	for i, n := range g.Users {
		if n == name {
			return len(g.Servers) + i, true
		}
	}
	for i, n := range g.Routers {
		if n == name {
			return len(g.Servers) + len(g.Users) + i, true
		}
	}
	return 0, false
}

// EdgeIndex は COO 形式 [sources, targets] を返す。
func (g *ObservationGraph) EdgeIndex() [2][]int {
	src := make([]int, len(g.Edges))
	dst := make([]int, len(g.Edges))
	for i, e := range g.Edges {
		src[i] = e.Src
		dst[i] = e.Dst
	}
	return [2][]int{src, dst}
}

// Shape はポリシーが宣言する入力形状。0 のフィールドは検査しない（FeatureWidth を除く）。
type Shape struct {
	FeatureWidth int `json:"feature_width"`
	MaxServers   int `json:"max_servers"`
	MaxUsers     int `json:"max_users"`
	NumRouters   int `json:"num_routers"`
	NumNodes     int `json:"num_nodes,omitempty"`
	NumEdges     int `json:"num_edges,omitempty"`
}

// Validate はグラフが形状に一致するかを検査する。不足分を埋めることはしない。
func (s Shape) Validate(g *ObservationGraph) error {
	if g == nil {
		return fmt.Errorf("%w: nil graph", ErrShapeMismatch)
	}
	if s.FeatureWidth <= 0 {
		return fmt.Errorf("%w: policy declares no feature width", ErrShapeMismatch)
	}
	for i, row := range g.Nodes {
		if len(row) != s.FeatureWidth {
			return fmt.Errorf("%w: node %d has width %d, policy expects %d", ErrShapeMismatch, i, len(row), s.FeatureWidth)
		}
	}
	if want := g.NumServers() + g.NumUsers() + g.NumRouters(); want != g.NumNodes() {
		return fmt.Errorf("%w: %d node rows for %d named nodes", ErrShapeMismatch, g.NumNodes(), want)
	}
	if s.MaxServers > 0 && g.NumServers() > s.MaxServers {
		return fmt.Errorf("%w: %d servers exceed %d", ErrShapeMismatch, g.NumServers(), s.MaxServers)
	}
	if s.MaxUsers > 0 && g.NumUsers() > s.MaxUsers {
		return fmt.Errorf("%w: %d users exceed %d", ErrShapeMismatch, g.NumUsers(), s.MaxUsers)
	}
	if s.NumRouters > 0 && g.NumRouters() != s.NumRouters {
		return fmt.Errorf("%w: %d routers, policy expects %d", ErrShapeMismatch, g.NumRouters(), s.NumRouters)
	}
	if s.NumNodes > 0 && g.NumNodes() != s.NumNodes {
		return fmt.Errorf("%w: %d nodes, policy expects %d", ErrShapeMismatch, g.NumNodes(), s.NumNodes)
	}
	if s.NumEdges > 0 && len(g.Edges) != s.NumEdges {
		return fmt.Errorf("%w: %d edges, policy expects %d", ErrShapeMismatch, len(g.Edges), s.NumEdges)
	}
	for _, e := range g.Edges {
		if e.Src < 0 || e.Src >= g.NumNodes() || e.Dst < 0 || e.Dst >= g.NumNodes() {
			return fmt.Errorf("%w: edge %d->%d out of range", ErrShapeMismatch, e.Src, e.Dst)
		}
	}
	return nil
}
