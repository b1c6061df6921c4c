package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tutorgo/internal/models"
	"tutorgo/internal/redis"
)

const (
	redisTaskChannel = "tutor:tasks"
	redisTaskTTL     = 30 * time.Minute
)

// TaskMirror keeps a redis snapshot of every task and announces transitions on a channel.
type TaskMirror struct {
	client *redis.Client
	logger *slog.Logger
}

func NewTaskMirror(client *redis.Client, logger *slog.Logger) *TaskMirror {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskMirror{client: client, logger: logger.With("component", "task_mirror")}
}

func taskKey(id string) string {
	return fmt.Sprintf("tutor:task:%s", id)
}

// TaskChanged stores the snapshot and publishes it.
func (m *TaskMirror) TaskChanged(ctx context.Context, task models.Task) error {
	if m == nil || m.client == nil {
		return nil
	}
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := m.client.Set(ctx, taskKey(task.ID), data, redisTaskTTL); err != nil {
		return fmt.Errorf("cache task: %w", err)
	}
	if err := m.client.Publish(ctx, redisTaskChannel, data); err != nil {
		return fmt.Errorf("publish task: %w", err)
	}
	return nil
}

// LoadTask reads a mirrored snapshot, used for tasks this process does not hold.
func (m *TaskMirror) LoadTask(ctx context.Context, id string) (models.Task, bool) {
	if m == nil || m.client == nil {
		return models.Task{}, false
	}
	raw, err := m.client.Get(ctx, taskKey(id))
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			m.logger.Warn("load task from redis", "task_id", id, "error", err)
		}
		return models.Task{}, false
	}
	var task models.Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		m.logger.Warn("decode task from redis", "task_id", id, "error", err)
		return models.Task{}, false
	}
	return task, true
}

// Listen delivers published task snapshots to handler until ctx ends. It returns once
// the subscription is confirmed.
func (m *TaskMirror) Listen(ctx context.Context, handler func(models.Task)) error {
	if m == nil || m.client == nil || handler == nil {
		return nil
	}
	raw := m.client.Raw()
	if raw == nil {
		return nil
	}
	pubsub := raw.Subscribe(ctx, redisTaskChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", redisTaskChannel, err)
	}
	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var task models.Task
				if err := json.Unmarshal([]byte(msg.Payload), &task); err != nil {
					m.logger.Warn("task event decode failed", "error", err)
					continue
				}
				handler(task)
			}
		}
	}()
	return nil
}
