// Package policy is the boundary to the trained defender policy and the decoding of its output.
package policy

import (
	"context"

	"github.com/0x6d61/cagebridge/internal/graph"
)

// NoAction はポリシーが行動を返さなかったことを表すインデックス。デコード結果は Monitor。
const NoAction = -1

// Policy はグラフから離散アクションのインデックスを選ぶ。
//
// Describe はポリシー成果物が宣言する入力形状を返す。ループはこの形状で毎ステップの
// グラフを検査し、一致しなければ停止する。
type Policy interface {
	Describe(ctx context.Context) (graph.Shape, error)
	Decide(ctx context.Context, g *graph.ObservationGraph) (int, error)
	Close() error
}
