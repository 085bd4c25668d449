package redisqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/ShipRadar/internal/queue"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	defaultMaxAttempts       = 3
	defaultRetryBase         = 2 * time.Second
	defaultPollInterval      = 250 * time.Millisecond
	defaultVisibilityTimeout = 5 * time.Minute
	// Страховочный TTL на дедуп-ключ: если консьюмер умер, не сняв его,
	// джоба снова станет ставимой через этот срок.
	dedupTTL = 30 * time.Minute
)

// Queue — очередь на redis: ready-zset с приоритетным скорингом,
// delayed-zset для отложенных джоб и processing-zset как lease на время
// выполнения (недоделанные джобы возвращаются в ready).
type Queue struct {
	c *redis.Client

	maxAttempts       int
	retryBase         time.Duration
	pollInterval      time.Duration
	visibilityTimeout time.Duration

	seq atomic.Int64
}

func New(addr string) *Queue {
	return &Queue{
		c:                 redis.NewClient(&redis.Options{Addr: addr}),
		maxAttempts:       defaultMaxAttempts,
		retryBase:         defaultRetryBase,
		pollInterval:      defaultPollInterval,
		visibilityTimeout: defaultVisibilityTimeout,
	}
}

func (q *Queue) WithRetry(maxAttempts int, base time.Duration) *Queue {
	if maxAttempts > 0 {
		q.maxAttempts = maxAttempts
	}
	if base > 0 {
		q.retryBase = base
	}
	return q
}

func (q *Queue) WithPollInterval(d time.Duration) *Queue {
	if d > 0 {
		q.pollInterval = d
	}
	return q
}

func (q *Queue) Close() error {
	return q.c.Close()
}

// Payload — произвольные байты, не обязательно JSON.
type envelope struct {
	JobID    string         `json:"job_id"`
	Payload  []byte         `json:"payload"`
	Priority queue.Priority `json:"priority"`
	Attempts int            `json:"attempts"`
}

func readyKey(name string) string      { return "q:" + name + ":ready" }
func delayedKey(name string) string    { return "q:" + name + ":delayed" }
func processingKey(name string) string { return "q:" + name + ":processing" }
func jobsKey(name string) string       { return "q:" + name + ":jobs" }
func dedupKey(name, jobID string) string {
	return "q:" + name + ":dedup:" + jobID
}

// score готовой джобы: приоритет в старших разрядах, время постановки —
// в младших (FIFO внутри приоритета).
func readyScore(p queue.Priority, enqueuedAtMs int64) float64 {
	if p <= 0 {
		p = queue.PriorityNormal
	}
	return float64(int64(p)*1e13 + enqueuedAtMs)
}

func (q *Queue) Enqueue(ctx context.Context, queueName string, payload []byte, opts queue.Options) (bool, error) {
	jobID := opts.JobID
	if jobID == "" {
		jobID = fmt.Sprintf("j-%d-%d", time.Now().UnixNano(), q.seq.Add(1))
	} else {
		ok, err := q.c.SetNX(ctx, dedupKey(queueName, jobID), "1", dedupTTL).Result()
		if err != nil {
			return false, errors.Wrap(err, "dedup setnx")
		}
		if !ok {
			return false, nil
		}
	}

	env := envelope{
		JobID:    jobID,
		Payload:  payload,
		Priority: opts.Priority,
	}
	b, err := json.Marshal(env)
	if err != nil {
		q.releaseDedup(ctx, queueName, opts.JobID)
		return false, errors.Wrap(err, "marshal envelope")
	}

	now := time.Now().UTC()
	pipe := q.c.TxPipeline()
	pipe.HSet(ctx, jobsKey(queueName), jobID, b)
	if opts.Delay > 0 {
		pipe.ZAdd(ctx, delayedKey(queueName), redis.Z{
			Score:  float64(now.Add(opts.Delay).UnixMilli()),
			Member: jobID,
		})
	} else {
		pipe.ZAdd(ctx, readyKey(queueName), redis.Z{
			Score:  readyScore(opts.Priority, now.UnixMilli()),
			Member: jobID,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		q.releaseDedup(ctx, queueName, opts.JobID)
		return false, errors.Wrap(err, "enqueue pipeline")
	}
	return true, nil
}

// releaseDedup снимает дедуп-ключ неудавшегося Enqueue: иначе до истечения
// dedupTTL джоба выглядела бы поставленной, не существуя.
func (q *Queue) releaseDedup(ctx context.Context, queueName, jobID string) {
	if jobID == "" {
		return
	}
	_ = q.c.Del(ctx, dedupKey(queueName, jobID)).Err()
}

func (q *Queue) Consume(ctx context.Context, queueName string, concurrency int, h queue.Handler) error {
	if concurrency <= 0 {
		concurrency = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.consumeLoop(ctx, queueName, h)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (q *Queue) consumeLoop(ctx context.Context, queueName string, h queue.Handler) {
	for {
		if ctx.Err() != nil {
			return
		}

		q.promote(ctx, queueName)

		jobID, ok := q.pop(ctx, queueName)
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(q.pollInterval):
			}
			continue
		}

		q.runOne(ctx, queueName, jobID, h)
	}
}

// promote переносит созревшие отложенные джобы в ready и возвращает туда же
// джобы с истёкшим processing-lease (воркер умер, не доделав).
func (q *Queue) promote(ctx context.Context, queueName string) {
	nowMs := time.Now().UTC().UnixMilli()
	rangeBy := &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%d", nowMs), Count: 100}

	for _, src := range []string{delayedKey(queueName), processingKey(queueName)} {
		ids, err := q.c.ZRangeByScore(ctx, src, rangeBy).Result()
		if err != nil || len(ids) == 0 {
			continue
		}
		for _, id := range ids {
			// ZRem как арбитр: переносит ровно один из конкурирующих консьюмеров.
			removed, err := q.c.ZRem(ctx, src, id).Result()
			if err != nil || removed == 0 {
				continue
			}
			env, ok := q.loadEnvelope(ctx, queueName, id)
			pri := queue.PriorityNormal
			if ok {
				pri = env.Priority
			}
			_ = q.c.ZAdd(ctx, readyKey(queueName), redis.Z{
				Score:  readyScore(pri, nowMs),
				Member: id,
			}).Err()
		}
	}
}

func (q *Queue) pop(ctx context.Context, queueName string) (string, bool) {
	zs, err := q.c.ZPopMin(ctx, readyKey(queueName), 1).Result()
	if err != nil || len(zs) == 0 {
		return "", false
	}
	jobID, _ := zs[0].Member.(string)
	if jobID == "" {
		return "", false
	}
	// Lease на время выполнения.
	leaseUntil := time.Now().UTC().Add(q.visibilityTimeout).UnixMilli()
	_ = q.c.ZAdd(ctx, processingKey(queueName), redis.Z{
		Score:  float64(leaseUntil),
		Member: jobID,
	}).Err()
	return jobID, true
}

func (q *Queue) runOne(ctx context.Context, queueName, jobID string, h queue.Handler) {
	env, ok := q.loadEnvelope(ctx, queueName, jobID)
	if !ok {
		_ = q.c.ZRem(ctx, processingKey(queueName), jobID).Err()
		return
	}

	err := h(ctx, env.Payload)
	_ = q.c.ZRem(ctx, processingKey(queueName), jobID).Err()

	if err == nil {
		q.finish(ctx, queueName, jobID)
		return
	}

	env.Attempts++
	if env.Attempts >= q.maxAttempts {
		slog.Error("job dropped after retries",
			"queue", queueName, "job_id", jobID, "attempts", env.Attempts, "error", err.Error())
		q.finish(ctx, queueName, jobID)
		return
	}

	backoff := q.retryBase << (env.Attempts - 1)
	slog.Warn("job failed, retrying",
		"queue", queueName, "job_id", jobID, "attempt", env.Attempts, "backoff", backoff.String(), "error", err.Error())

	b, merr := json.Marshal(env)
	if merr != nil {
		q.finish(ctx, queueName, jobID)
		return
	}
	pipe := q.c.TxPipeline()
	pipe.HSet(ctx, jobsKey(queueName), jobID, b)
	pipe.ZAdd(ctx, delayedKey(queueName), redis.Z{
		Score:  float64(time.Now().UTC().Add(backoff).UnixMilli()),
		Member: jobID,
	})
	_, _ = pipe.Exec(ctx)
}

// finish снимает джобу целиком: payload и дедуп-ключ. С этого момента
// Enqueue с тем же job id снова возможен.
func (q *Queue) finish(ctx context.Context, queueName, jobID string) {
	pipe := q.c.TxPipeline()
	pipe.HDel(ctx, jobsKey(queueName), jobID)
	pipe.Del(ctx, dedupKey(queueName, jobID))
	_, _ = pipe.Exec(ctx)
}

func (q *Queue) loadEnvelope(ctx context.Context, queueName, jobID string) (envelope, bool) {
	b, err := q.c.HGet(ctx, jobsKey(queueName), jobID).Bytes()
	if err != nil {
		return envelope{}, false
	}
	var env envelope
	if json.Unmarshal(b, &env) != nil {
		return envelope{}, false
	}
	return env, true
}
