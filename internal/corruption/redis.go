package corruption

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/bitloss-labs/bitloss/internal/retry"
)

// RedisQueue is a reliable list queue. Workers move a job atomically from
// the pending list to a processing list and remove it once handled, so a
// crash leaves the job in processing for Reclaim to requeue.
type RedisQueue struct {
	client     redis.UniversalClient
	pending    string
	processing string
	workers    int
	wait       time.Duration
	policy     retry.Policy
	log        *logrus.Entry
}

var _ Queue = (*RedisQueue)(nil)

// RedisOptions configures a RedisQueue.
type RedisOptions struct {
	// Key names the pending list; the processing list is Key + ":processing".
	Key     string
	Workers int
	// Wait bounds each blocking pop so workers notice cancellation.
	Wait   time.Duration
	Policy retry.Policy
}

// NewRedisQueue wraps an existing client.
func NewRedisQueue(client redis.UniversalClient, opts RedisOptions, log *logrus.Entry) *RedisQueue {
	if opts.Key == "" {
		opts.Key = "bitloss:corruption"
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Wait <= 0 {
		opts.Wait = 5 * time.Second
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	policy := opts.Policy
	policy.Retryable = func(err error) bool { return !errors.Is(err, redis.Nil) }
	return &RedisQueue{
		client:     client,
		pending:    opts.Key,
		processing: opts.Key + ":processing",
		workers:    opts.Workers,
		wait:       opts.Wait,
		policy:     policy,
		log:        log,
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	return q.policy.Do(ctx, func(ctx context.Context) error {
		return q.client.LPush(ctx, q.pending, payload).Err()
	})
}

func (q *RedisQueue) Run(ctx context.Context, handler Handler) error {
	var wg sync.WaitGroup
	for i := 0; i < q.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			q.consume(ctx, worker, handler)
		}(i)
	}
	wg.Wait()
	return ctx.Err()
}

func (q *RedisQueue) consume(ctx context.Context, worker int, handler Handler) {
	log := q.log.WithField("worker", worker)
	for ctx.Err() == nil {
		payload, err := q.client.BRPopLPush(ctx, q.pending, q.processing, q.wait).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("corruption queue pop failed")
			sleep(ctx, time.Second)
			continue
		}

		var job Job
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			log.WithError(err).Error("discarding malformed corruption job")
		} else if err := handler(ctx, job); err != nil {
			log.WithError(err).WithField("artifact_id", job.ArtifactID).Warn("corruption job failed")
		}

		if err := q.ack(context.WithoutCancel(ctx), payload); err != nil {
			log.WithError(err).Warn("corruption job ack failed")
		}
	}
}

func (q *RedisQueue) ack(ctx context.Context, payload string) error {
	return q.policy.Do(ctx, func(ctx context.Context) error {
		return q.client.LRem(ctx, q.processing, 1, payload).Err()
	})
}

// Reclaim moves every job left in the processing list back to pending and
// returns how many were moved. Jobs still running elsewhere may be delivered
// twice, which applying tolerates.
func (q *RedisQueue) Reclaim(ctx context.Context) (int, error) {
	moved := 0
	for {
		err := q.client.RPopLPush(ctx, q.processing, q.pending).Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("reclaim corruption jobs: %w", err)
		}
		moved++
	}
}

// Len reports the pending and processing list lengths.
func (q *RedisQueue) Len(ctx context.Context) (pending, processing int64, err error) {
	pipe := q.client.Pipeline()
	p := pipe.LLen(ctx, q.pending)
	r := pipe.LLen(ctx, q.processing)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, err
	}
	return p.Val(), r.Val(), nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
