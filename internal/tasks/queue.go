package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"catalogsearch/indexer/internal/metrics"
)

// promoteScript moves delayed tasks whose time has come onto the ready list.
var promoteScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
for _, payload in ipairs(due) do
	redis.call("ZREM", KEYS[1], payload)
	redis.call("LPUSH", KEYS[2], payload)
end
return #due
`)

const promoteBatch = 100

// Queue is a Redis list of ready tasks with a sorted set of delayed ones and a
// dead-letter list. Tasks are taken from the list tail, so delivery is FIFO.
type Queue struct {
	client     *redis.Client
	readyKey   string
	delayedKey string
	deadKey    string
	metrics    *metrics.Metrics
	now        func() time.Time
}

func NewQueue(client *redis.Client, name string, m *metrics.Metrics) *Queue {
	return &Queue{
		client:     client,
		readyKey:   name,
		delayedKey: name + ":delayed",
		deadKey:    name + ":dead",
		metrics:    m,
		now:        time.Now,
	}
}

// Enqueue makes t ready to run. It fills in ID and EnqueuedAt when they are empty.
func (q *Queue) Enqueue(ctx context.Context, t *Task) error {
	payload, err := q.encode(t)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.readyKey, payload).Err(); err != nil {
		return fmt.Errorf("enqueue %s task: %w", t.Kind, err)
	}
	q.count(t)
	return nil
}

// EnqueueAfter makes t ready once delay has passed.
func (q *Queue) EnqueueAfter(ctx context.Context, t *Task, delay time.Duration) error {
	payload, err := q.encode(t)
	if err != nil {
		return err
	}
	due := q.now().Add(delay).UnixMilli()
	if err := q.client.ZAdd(ctx, q.delayedKey, redis.Z{Score: float64(due), Member: payload}).Err(); err != nil {
		return fmt.Errorf("schedule %s task: %w", t.Kind, err)
	}
	return nil
}

// Dequeue waits up to timeout for a ready task. It returns nil when none arrived.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Task, error) {
	if err := q.promote(ctx); err != nil {
		return nil, err
	}
	res, err := q.client.BRPop(ctx, timeout, q.readyKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	// res is [key, payload].
	var t Task
	if err := json.Unmarshal([]byte(res[1]), &t); err != nil {
		_ = q.client.LPush(ctx, q.deadKey, res[1]).Err()
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &t, nil
}

// DeadLetter parks a task that will not be retried.
func (q *Queue) DeadLetter(ctx context.Context, t *Task) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	if err := q.client.LPush(ctx, q.deadKey, payload).Err(); err != nil {
		return fmt.Errorf("dead-letter %s task: %w", t.Kind, err)
	}
	return nil
}

// Stats reports the number of ready, delayed and dead tasks.
func (q *Queue) Stats(ctx context.Context) (ready, delayed, dead int64, err error) {
	pipe := q.client.Pipeline()
	r := pipe.LLen(ctx, q.readyKey)
	d := pipe.ZCard(ctx, q.delayedKey)
	x := pipe.LLen(ctx, q.deadKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, 0, fmt.Errorf("queue stats: %w", err)
	}
	return r.Val(), d.Val(), x.Val(), nil
}

func (q *Queue) promote(ctx context.Context) error {
	now := strconv.FormatInt(q.now().UnixMilli(), 10)
	err := promoteScript.Run(ctx, q.client, []string{q.delayedKey, q.readyKey}, now, promoteBatch).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("promote delayed tasks: %w", err)
	}
	return nil
}

func (q *Queue) encode(t *Task) ([]byte, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = q.now().UTC()
	}
	payload, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode task: %w", err)
	}
	return payload, nil
}

func (q *Queue) count(t *Task) {
	if q.metrics == nil {
		return
	}
	source := t.Source
	if source == "" {
		source = "unknown"
	}
	q.metrics.TasksEnqueued.WithLabelValues(string(t.Kind), source).Inc()
}
