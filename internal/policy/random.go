package policy

import (
	"context"
	"math/rand"
	"sync"

	"github.com/0x6d61/cagebridge/internal/graph"
)

// Random はアクション空間から一様に選ぶポリシー。学習済みポリシーが無いときのデモ・比較用。
type Random struct {
	shape graph.Shape

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandom は宣言形状と乱数源を受け取る。
func NewRandom(shape graph.Shape, rng *rand.Rand) *Random {
	return &Random{shape: shape, rng: rng}
}

// Describe implements Policy.
func (r *Random) Describe(ctx context.Context) (graph.Shape, error) {
	return r.shape, nil
}

// Decide implements Policy.
func (r *Random) Decide(ctx context.Context, g *graph.ObservationGraph) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Intn(ActionSpace), nil
}

// Close implements Policy.
func (r *Random) Close() error { return nil }
