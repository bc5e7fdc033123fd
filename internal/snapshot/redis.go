package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisTTL は最新スナップショットキーの有効期限
const redisTTL = 24 * time.Hour

// RedisSink は最新スナップショットを key に SET し、channel に PUBLISH する。
type RedisSink struct {
	client  *redis.Client
	key     string
	channel string
}

// NewRedisSink は URL から接続し、Ping で疎通を確認する。
func NewRedisSink(ctx context.Context, url, key, channel string) (*RedisSink, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("snapshot: invalid redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("snapshot: redis connection failed: %w", err)
	}
	return NewRedisSinkFromClient(client, key, channel), nil
}

// NewRedisSinkFromClient は既存のクライアントを使う。
func NewRedisSinkFromClient(client *redis.Client, key, channel string) *RedisSink {
	return &RedisSink{client: client, key: key, channel: channel}
}

// Publish implements Publisher.
func (r *RedisSink) Publish(ctx context.Context, st *LoopState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("snapshot: marshal: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.key, data, redisTTL)
	if r.channel != "" {
		pipe.Publish(ctx, r.channel, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("snapshot: redis publish: %w", err)
	}
	return nil
}

// Close implements Publisher.
func (r *RedisSink) Close() error {
	return r.client.Close()
}
