package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	taskKeyPrefix  = "task:"
	queueKeyPrefix = "taskqueue:"
	delayedKey     = "tasks:delayed"
	indexKey       = "tasks:index"

	listBatchSize = 100
)

// RedisStore keeps task state in hashes, queues in lists, and delayed
// retries in a sorted set scored by due time.
type RedisStore struct {
	client *redis.Client
	log    zerolog.Logger
}

func NewRedisStore(client *redis.Client, logger zerolog.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		log:    logger.With().Str("component", "task_store").Logger(),
	}
}

func taskKey(id string) string     { return taskKeyPrefix + id }
func queueKey(name string) string  { return queueKeyPrefix + name }
func msScore(t time.Time) float64  { return float64(t.UnixMilli()) }
func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func (s *RedisStore) SaveTask(ctx context.Context, task *Task) error {
	fields := map[string]interface{}{
		"id":           task.ID,
		"kind":         task.Kind,
		"queue":        task.Queue,
		"state":        string(task.State),
		"payload":      string(task.Payload),
		"creator":      task.Creator.String(),
		"attempts":     task.Attempts,
		"max_attempts": task.MaxAttempts,
		"created_at":   formatTime(task.CreatedAt),
		"started_at":   formatTimePtr(task.StartedAt),
		"finished_at":  formatTimePtr(task.FinishedAt),
		"result":       string(task.Result),
		"error":        task.Error,
		"worker_id":    task.WorkerID,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, taskKey(task.ID), fields)
	pipe.SAdd(ctx, indexKey, task.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save task %s: %w", task.ID, err)
	}
	return nil
}

func (s *RedisStore) GetTask(ctx context.Context, id string) (*Task, error) {
	fields, err := s.client.HGetAll(ctx, taskKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, ErrTaskNotFound
	}
	return taskFromHash(fields)
}

func (s *RedisStore) Enqueue(ctx context.Context, queue, id string) error {
	if err := s.client.LPush(ctx, queueKey(queue), id).Err(); err != nil {
		return fmt.Errorf("enqueue task %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) Dequeue(ctx context.Context, queue string, timeout time.Duration) (string, error) {
	vals, err := s.client.BRPop(ctx, timeout, queueKey(queue)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("dequeue from %s: %w", queue, err)
	}
	// BRPOP replies [key, value].
	return vals[1], nil
}

func (s *RedisStore) ScheduleRetry(ctx context.Context, id string, at time.Time) error {
	err := s.client.ZAdd(ctx, delayedKey, &redis.Z{Score: msScore(at), Member: id}).Err()
	if err != nil {
		return fmt.Errorf("schedule retry for %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.client.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("list due retries: %w", err)
	}

	var moved int
	for _, id := range ids {
		task, err := s.GetTask(ctx, id)
		if errors.Is(err, ErrTaskNotFound) {
			s.client.ZRem(ctx, delayedKey, id)
			continue
		}
		if err != nil {
			return moved, err
		}

		pipe := s.client.Pipeline()
		pipe.LPush(ctx, queueKey(task.Queue), id)
		pipe.ZRem(ctx, delayedKey, id)
		if _, err := pipe.Exec(ctx); err != nil {
			return moved, fmt.Errorf("promote task %s: %w", id, err)
		}
		moved++
	}
	return moved, nil
}

func (s *RedisStore) ListByState(ctx context.Context, states ...State) ([]Task, error) {
	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list task index: %w", err)
	}

	wanted := make(map[State]bool, len(states))
	for _, st := range states {
		wanted[st] = true
	}

	var out []Task
	for start := 0; start < len(ids); start += listBatchSize {
		end := start + listBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]

		pipe := s.client.Pipeline()
		cmds := make([]*redis.StringStringMapCmd, len(batch))
		for i, id := range batch {
			cmds[i] = pipe.HGetAll(ctx, taskKey(id))
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("load task batch: %w", err)
		}

		for i, cmd := range cmds {
			fields := cmd.Val()
			if len(fields) == 0 {
				// Hash gone but index entry survived; drop it.
				s.client.SRem(ctx, indexKey, batch[i])
				continue
			}
			task, err := taskFromHash(fields)
			if err != nil {
				s.log.Warn().Err(err).Str("task_id", batch[i]).Msg("unreadable task hash")
				continue
			}
			if wanted[task.State] {
				out = append(out, *task)
			}
		}
	}
	return out, nil
}

func (s *RedisStore) DeleteTask(ctx context.Context, id string) error {
	pipe := s.client.Pipeline()
	pipe.Del(ctx, taskKey(id))
	pipe.SRem(ctx, indexKey, id)
	pipe.ZRem(ctx, delayedKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}

func taskFromHash(fields map[string]string) (*Task, error) {
	task := &Task{
		ID:       fields["id"],
		Kind:     fields["kind"],
		Queue:    fields["queue"],
		State:    State(fields["state"]),
		Error:    fields["error"],
		WorkerID: fields["worker_id"],
	}
	if task.ID == "" {
		return nil, fmt.Errorf("task hash missing id")
	}

	if raw := fields["payload"]; raw != "" {
		task.Payload = json.RawMessage(raw)
	}
	if raw := fields["result"]; raw != "" {
		task.Result = json.RawMessage(raw)
	}
	if raw := fields["creator"]; raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("task %s: bad creator: %w", task.ID, err)
		}
		task.Creator = id
	}

	var err error
	if task.Attempts, err = strconv.Atoi(fields["attempts"]); err != nil {
		return nil, fmt.Errorf("task %s: bad attempts: %w", task.ID, err)
	}
	if task.MaxAttempts, err = strconv.Atoi(fields["max_attempts"]); err != nil {
		return nil, fmt.Errorf("task %s: bad max_attempts: %w", task.ID, err)
	}

	if task.CreatedAt, err = time.Parse(time.RFC3339Nano, fields["created_at"]); err != nil {
		return nil, fmt.Errorf("task %s: bad created_at: %w", task.ID, err)
	}
	if raw := fields["started_at"]; raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("task %s: bad started_at: %w", task.ID, err)
		}
		task.StartedAt = &t
	}
	if raw := fields["finished_at"]; raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("task %s: bad finished_at: %w", task.ID, err)
		}
		task.FinishedAt = &t
	}
	return task, nil
}
