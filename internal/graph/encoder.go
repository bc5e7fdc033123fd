package graph

import (
	"fmt"

	"github.com/0x6d61/cagebridge/internal/config"
	"github.com/0x6d61/cagebridge/pkg/schema"
)

type hostMeta struct {
	role       string
	subnet     int
	crownJewel bool
}

// Encoder は静的トポロジーと毎ステップの観測からグラフを作る。
type Encoder struct {
	width   int
	hosts   map[string]hostMeta
	routers []string       // サブネット順
	links   [][2]int       // routers 内の位置の組
	subnets map[string]int // ルーター名 → サブネット位置
}

// NewEncoder はトポロジーを検査して Encoder を作る。
func NewEncoder(topo config.TopologyConfig, width int) (*Encoder, error) {
	if width < CanonicalWidth {
		return nil, fmt.Errorf("%w: feature width %d below %d", ErrShapeMismatch, width, CanonicalWidth)
	}
	if len(topo.Subnets) > NumSubnetSlots {
		return nil, fmt.Errorf("graph: %d subnets exceed %d one-hot slots", len(topo.Subnets), NumSubnetSlots)
	}

	e := &Encoder{
		width:   width,
		hosts:   make(map[string]hostMeta),
		subnets: make(map[string]int),
	}
	for i, sn := range topo.Subnets {
		e.routers = append(e.routers, sn.Router)
		e.subnets[sn.Router] = i
		for _, h := range sn.Hosts {
			e.hosts[h.Name] = hostMeta{role: h.Role, subnet: i, crownJewel: h.CrownJewel}
		}
	}
	for _, link := range topo.RouterLinks {
		if len(link) != 2 {
			return nil, fmt.Errorf("graph: router link %v must have two ends", link)
		}
		a, okA := e.subnets[link[0]]
		b, okB := e.subnets[link[1]]
		if !okA || !okB {
			return nil, fmt.Errorf("graph: router link %v references unknown router", link)
		}
		e.links = append(e.links, [2]int{a, b})
	}
	return e, nil
}

// Width はノード特徴の幅を返す。
func (e *Encoder) Width() int { return e.width }

// Encode はスナップショットをグラフに変換する。
//
// ホストはトポロジー上の役割で servers / users に振り分け、入力順を保つ。
// トポロジーに無いホスト（ルーターのコンテナ等）はホストノードにしない。
// エッジはホストと所属サブネットのルーター、ルーター同士のリンクのみ。
func (e *Encoder) Encode(snaps []schema.HostSnapshot) (*ObservationGraph, error) {
	g := &ObservationGraph{Width: e.width}
	var servers, users []schema.HostSnapshot
	seen := make(map[string]bool)
	for _, s := range snaps {
		meta, ok := e.hosts[s.Name]
		if !ok || seen[s.Name] {
			continue
		}
		seen[s.Name] = true
		switch meta.role {
		case config.RoleServer:
			servers = append(servers, s)
		case config.RoleUser:
			users = append(users, s)
		}
	}

	hostSubnets := make([]int, 0, len(servers)+len(users))
	for _, block := range [][]schema.HostSnapshot{servers, users} {
		for _, s := range block {
			meta := e.hosts[s.Name]
			f := NodeFeatures{
				Type:         NodeSystem,
				Arch:         ArchX86,
				Distribution: DistributionFromImage(s.Image),
				OSType:       OSLinux,
				CrownJewel:   meta.crownJewel,
				User:         meta.role == config.RoleUser,
				Server:       meta.role == config.RoleServer,
				Subnet:       meta.subnet,
				Compromised:  s.Compromised,
			}
			row, err := f.Flatten(e.width)
			if err != nil {
				return nil, fmt.Errorf("graph: encode %s: %w", s.Name, err)
			}
			g.Nodes = append(g.Nodes, row)
			hostSubnets = append(hostSubnets, meta.subnet)
			if meta.role == config.RoleServer {
				g.Servers = append(g.Servers, s.Name)
			} else {
				g.Users = append(g.Users, s.Name)
			}
		}
	}

	routerBase := len(g.Nodes)
	for i, r := range e.routers {
		f := NodeFeatures{
			Type:         NodeSystem,
			Arch:         ArchX86,
			Distribution: DistUnknown,
			OSType:       OSLinux,
			Router:       true,
			Subnet:       i,
		}
		row, err := f.Flatten(e.width)
		if err != nil {
			return nil, fmt.Errorf("graph: encode router %s: %w", r, err)
		}
		g.Nodes = append(g.Nodes, row)
		g.Routers = append(g.Routers, r)
	}

	for i, subnet := range hostSubnets {
		r := routerBase + subnet
		g.Edges = append(g.Edges, Edge{Src: i, Dst: r}, Edge{Src: r, Dst: i})
	}
	for _, l := range e.links {
		a, b := routerBase+l[0], routerBase+l[1]
		g.Edges = append(g.Edges, Edge{Src: a, Dst: b}, Edge{Src: b, Dst: a})
	}
	return g, nil
}
