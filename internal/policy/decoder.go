package policy

import (
	"github.com/0x6d61/cagebridge/internal/config"
	"github.com/0x6d61/cagebridge/internal/graph"
	"github.com/0x6d61/cagebridge/pkg/schema"
)

// アクション空間のレイアウト。
//
//	[0, 64)   ノードアクション: 種別 = idx/16, ホストスロット = idx%16
//	[64, 80)  エッジアクション: 種別 = (idx-64)/8 (0=Allow, 1=Block), ルータースロット = (idx-64)%8
//	80        Monitor
const (
	HostSlots       = 16
	NodeActionCount = 64
	RouterSlots     = 8
	EdgeActionBase  = NodeActionCount
	MonitorIndex    = EdgeActionBase + 2*RouterSlots
	ActionSpace     = MonitorIndex + 1
)

var nodeActionKinds = [...]schema.ActionKind{
	schema.ActionAnalyse,
	schema.ActionRemove,
	schema.ActionRestore,
	schema.ActionDeployDecoy,
}

var edgeActionKinds = [...]schema.ActionKind{
	schema.ActionAllowTrafficZone,
	schema.ActionBlockTrafficZone,
}

// Ordering はエンコード時のホスト並び。Fallback は全ホストの先頭。
type Ordering struct {
	Servers  []string
	Users    []string
	Fallback string
}

// OrderingFromGraph はグラフのブロック順から Ordering を作る。
func OrderingFromGraph(g *graph.ObservationGraph, fallback string) Ordering {
	ord := Ordering{Fallback: fallback}
	if g != nil {
		ord.Servers = g.Servers
		ord.Users = g.Users
	}
	if ord.Fallback == "" {
		switch {
		case len(ord.Servers) > 0:
			ord.Fallback = ord.Servers[0]
		case len(ord.Users) > 0:
			ord.Fallback = ord.Users[0]
		}
	}
	return ord
}

// Decoder はインデックスを DecodedAction に変換する。状態を持たない。
type Decoder struct {
	maxServers       int
	maxUsers         int
	routers          []config.RouterPort
	monitorInterface string
}

// NewDecoder は形状の MaxServers / MaxUsers とルーター表から Decoder を作る。
func NewDecoder(shape graph.Shape, routers []config.RouterPort, monitorInterface string) *Decoder {
	return &Decoder{
		maxServers:       shape.MaxServers,
		maxUsers:         shape.MaxUsers,
		routers:          routers,
		monitorInterface: monitorInterface,
	}
}

// Decode はインデックスを解決する。範囲外・NoAction は Monitor に落とす。
func (d *Decoder) Decode(index int, ord Ordering) schema.DecodedAction {
	switch {
	case index >= 0 && index < NodeActionCount:
		kind := nodeActionKinds[index/HostSlots]
		return schema.DecodedAction{Kind: kind, Target: d.resolveSlot(index%HostSlots, ord), Index: index}

	case index >= EdgeActionBase && index < MonitorIndex:
		e := index - EdgeActionBase
		slot := e % RouterSlots
		if slot >= len(d.routers) {
			return d.monitor(index, ord)
		}
		rp := d.routers[slot]
		return schema.DecodedAction{
			Kind:      edgeActionKinds[e/RouterSlots],
			Target:    rp.Router,
			Interface: rp.Interface,
			Index:     index,
		}

	default:
		return d.monitor(index, ord)
	}
}

func (d *Decoder) monitor(index int, ord Ordering) schema.DecodedAction {
	if index < 0 || index >= ActionSpace {
		index = NoAction
	}
	return schema.DecodedAction{
		Kind:      schema.ActionMonitor,
		Target:    ord.Fallback,
		Interface: d.monitorInterface,
		Index:     index,
	}
}

// resolveSlot はホストスロットを名前に変換する。
// スロットがそのロールの範囲外なら、そのロールの先頭、ロールが空なら Fallback。
func (d *Decoder) resolveSlot(slot int, ord Ordering) string {
	if slot < d.maxServers {
		if slot < len(ord.Servers) {
			return ord.Servers[slot]
		}
		if len(ord.Servers) > 0 {
			return ord.Servers[0]
		}
		return ord.Fallback
	}

	u := slot - d.maxServers
	if u < d.maxUsers && u < len(ord.Users) {
		return ord.Users[u]
	}
	if len(ord.Users) > 0 {
		return ord.Users[0]
	}
	return ord.Fallback
}
