package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"mcphub/internal/config"
)

// RedisAdapter stores membership under <prefix>:nodes (a hash of nodeId to
// JSON node state) and sessions under <prefix>:session:<id>, optionally with
// a TTL. The client is created lazily and shared process-wide.
type RedisAdapter struct {
	cfg    config.RedisConfig
	client *redis.Client
}

// NewRedisAdapter builds the adapter; the connection is dialed on first use.
func NewRedisAdapter(cfg config.RedisConfig) *RedisAdapter {
	return &RedisAdapter{
		cfg: cfg,
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Username: cfg.Username,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
	}
}

func (r *RedisAdapter) nodesKey() string {
	return r.cfg.Prefix + ":nodes"
}

func (r *RedisAdapter) sessionKey(sessionID string) string {
	return r.cfg.Prefix + ":session:" + sessionID
}

func (r *RedisAdapter) UpsertNode(ctx context.Context, state NodeState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal node state: %w", err)
	}
	if err := r.client.HSet(ctx, r.nodesKey(), state.NodeID, payload).Err(); err != nil {
		return fmt.Errorf("failed to upsert node %s: %w", state.NodeID, err)
	}
	return nil
}

func (r *RedisAdapter) GetNode(ctx context.Context, nodeID string) (*NodeState, error) {
	raw, err := r.client.HGet(ctx, r.nodesKey(), nodeID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node %s: %w", nodeID, err)
	}

	var state NodeState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("failed to parse node %s: %w", nodeID, err)
	}
	return &state, nil
}

func (r *RedisAdapter) ListNodes(ctx context.Context) ([]NodeState, error) {
	entries, err := r.client.HGetAll(ctx, r.nodesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	out := make([]NodeState, 0, len(entries))
	for nodeID, raw := range entries {
		var state NodeState
		if err := json.Unmarshal([]byte(raw), &state); err != nil {
			return nil, fmt.Errorf("failed to parse node %s: %w", nodeID, err)
		}
		out = append(out, state)
	}
	return out, nil
}

func (r *RedisAdapter) RemoveNode(ctx context.Context, nodeID string) error {
	return r.client.HDel(ctx, r.nodesKey(), nodeID).Err()
}

func (r *RedisAdapter) PutSession(ctx context.Context, rec SessionRecord, ttl time.Duration) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal session record: %w", err)
	}
	if err := r.client.Set(ctx, r.sessionKey(rec.SessionID), payload, ttl).Err(); err != nil {
		return fmt.Errorf("failed to record session %s: %w", rec.SessionID, err)
	}
	return nil
}

func (r *RedisAdapter) GetSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	raw, err := r.client.Get(ctx, r.sessionKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", sessionID, err)
	}

	var rec SessionRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("failed to parse session %s: %w", sessionID, err)
	}
	return &rec, nil
}

func (r *RedisAdapter) DeleteSession(ctx context.Context, sessionID string) error {
	return r.client.Del(ctx, r.sessionKey(sessionID)).Err()
}

// Close quits the shared client.
func (r *RedisAdapter) Close() error {
	return r.client.Close()
}
