package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/linkpellow/chimera/telemetry"
)

// ErrNoMission reports that the blocking pop timed out with no work.
var ErrNoMission = errors.New("no mission available")

// ErrNoResult reports that no result arrived within the wait window.
var ErrNoResult = errors.New("no result available")

// DefaultQueue is the mission list name when none is configured.
const DefaultQueue = "chimera:missions"

// minPopWait is the floor on the blocking pop timeout; shorter waits churn
// Redis connections without picking up more work.
const minPopWait = 10 * time.Second

type (
	// Queue is the shared mission channel. Producers push left, workers pop
	// right, results ride a per-mission list.
	Queue struct {
		rdb     *redis.Client
		name    string
		logger  telemetry.Logger
		metrics telemetry.Metrics
	}

	// QueueConfig configures a Queue.
	QueueConfig struct {
		// Redis is required.
		Redis *redis.Client
		// Name is the mission list. Defaults to DefaultQueue.
		Name string
		// Logger defaults to noop.
		Logger telemetry.Logger
		// Metrics defaults to noop.
		Metrics telemetry.Metrics
	}
)

// NewQueue creates a Queue.
func NewQueue(cfg QueueConfig) (*Queue, error) {
	if cfg.Redis == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	name := cfg.Name
	if name == "" {
		name = DefaultQueue
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Queue{rdb: cfg.Redis, name: name, logger: logger, metrics: metrics}, nil
}

// Push enqueues a mission. Non-blocking; the queue has no intrinsic bound.
func (q *Queue) Push(ctx context.Context, m Mission) error {
	if m.MissionID == "" {
		return fmt.Errorf("mission id is required")
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode mission: %w", err)
	}
	if err := q.rdb.LPush(ctx, q.name, string(data)).Err(); err != nil {
		return fmt.Errorf("push mission: %w", err)
	}
	q.metrics.IncCounter("dispatch.missions_pushed", 1)
	return nil
}

// Pop blocks until a mission is available or the wait elapses. Waits below
// ten seconds are raised to the floor.
func (q *Queue) Pop(ctx context.Context, wait time.Duration) (Mission, error) {
	if wait < minPopWait {
		wait = minPopWait
	}
	vals, err := q.rdb.BRPop(ctx, wait, q.name).Result()
	if errors.Is(err, redis.Nil) {
		return Mission{}, ErrNoMission
	}
	if err != nil {
		return Mission{}, fmt.Errorf("pop mission: %w", err)
	}
	var m Mission
	if err := json.Unmarshal([]byte(vals[1]), &m); err != nil {
		return Mission{}, fmt.Errorf("decode mission: %w", err)
	}
	q.metrics.IncCounter("dispatch.missions_claimed", 1)
	return m, nil
}

// PublishResult writes the mission's single terminal result. Callers must
// publish exactly once per mission.
func (q *Queue) PublishResult(ctx context.Context, missionID string, res Result) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if err := q.rdb.LPush(ctx, resultKey(missionID), string(data)).Err(); err != nil {
		return fmt.Errorf("publish result: %w", err)
	}
	q.metrics.IncCounter("dispatch.results_published", 1, "status", res.Status)
	return nil
}

// AwaitResult blocks until the mission's result arrives or the wait elapses.
func (q *Queue) AwaitResult(ctx context.Context, missionID string, wait time.Duration) (Result, error) {
	vals, err := q.rdb.BRPop(ctx, wait, resultKey(missionID)).Result()
	if errors.Is(err, redis.Nil) {
		return Result{}, fmt.Errorf("mission %s: %w", missionID, ErrNoResult)
	}
	if err != nil {
		return Result{}, fmt.Errorf("await result: %w", err)
	}
	var res Result
	if err := json.Unmarshal([]byte(vals[1]), &res); err != nil {
		return Result{}, fmt.Errorf("decode result: %w", err)
	}
	return res, nil
}

// Depth returns the number of queued missions.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, q.name).Result()
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

func resultKey(missionID string) string { return "chimera:results:" + missionID }
