package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const progressKeyPrefix = "scholar:progress:"

// RedisMirror stores the latest step snapshot of each task in redis.
type RedisMirror struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisMirror returns a mirror whose keys expire after ttl; zero keeps
// keys forever.
func NewRedisMirror(client *redis.Client, ttl time.Duration) *RedisMirror {
	return &RedisMirror{client: client, ttl: ttl}
}

func progressKey(taskID string) string {
	return progressKeyPrefix + taskID
}

func (m *RedisMirror) Publish(ctx context.Context, taskID string, steps []StepRecord) error {
	data, err := json.Marshal(steps)
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	if err := m.client.Set(ctx, progressKey(taskID), data, m.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (m *RedisMirror) Load(ctx context.Context, taskID string) ([]StepRecord, bool, error) {
	data, err := m.client.Get(ctx, progressKey(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	var steps []StepRecord
	if err := json.Unmarshal(data, &steps); err != nil {
		return nil, false, fmt.Errorf("decode progress: %w", err)
	}
	for i := range steps {
		if steps[i].Substeps == nil {
			steps[i].Substeps = []Substep{}
		}
	}
	return steps, true, nil
}
