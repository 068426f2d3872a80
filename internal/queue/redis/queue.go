// Package redis implements a reliable task queue on Redis lists.
//
// Tasks are pushed onto a main list. Dequeue atomically moves a task onto a
// processing list, where it stays until it is acknowledged. A worker that dies
// mid-task leaves the payload in the processing list, where Requeue can recover it.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	r "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/ingestion-pipeline/internal/queue"
	"github.com/JakeFAU/ingestion-pipeline/internal/resource"
)

// Config controls list names and blocking behavior.
type Config struct {
	Key   string
	Block time.Duration
}

// Queue is a resource.Queue backed by a Redis list pair.
type Queue struct {
	rdb        r.UniversalClient
	key        string
	processing string
	block      time.Duration
}

// New creates a Queue on the provided client.
func New(rdb r.UniversalClient, cfg Config) (*Queue, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.Key == "" {
		cfg.Key = "ingest:tasks"
	}
	// Redis blocking timeouts have whole-second resolution.
	if cfg.Block < time.Second {
		cfg.Block = time.Second
	}
	return &Queue{
		rdb:        rdb,
		key:        cfg.Key,
		processing: cfg.Key + ":processing",
		block:      cfg.Block,
	}, nil
}

// Enqueue pushes a task onto the main list.
func (q *Queue) Enqueue(ctx context.Context, task resource.Task) error {
	payload, err := queue.Encode(task)
	if err != nil {
		return err
	}
	if err := q.rdb.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("lpush %s: %w", q.key, err)
	}
	return nil
}

// Dequeue blocks until a task is available or ctx ends.
// Payloads that cannot be decoded are dropped from the processing list.
func (q *Queue) Dequeue(ctx context.Context) (resource.Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return resource.Delivery{}, fmt.Errorf("dequeue canceled: %w", err)
		}
		payload, err := q.rdb.BRPopLPush(ctx, q.key, q.processing, q.block).Result()
		if errors.Is(err, r.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return resource.Delivery{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
			}
			return resource.Delivery{}, fmt.Errorf("brpoplpush %s: %w", q.key, err)
		}

		task, err := queue.Decode([]byte(payload))
		if err != nil {
			if remErr := q.rdb.LRem(ctx, q.processing, 1, payload).Err(); remErr != nil {
				return resource.Delivery{}, fmt.Errorf("drop malformed task: %w", remErr)
			}
			continue
		}
		return q.delivery(task, payload), nil
	}
}

func (q *Queue) delivery(task resource.Task, payload string) resource.Delivery {
	return resource.Delivery{
		Task: task,
		Ack: func(ctx context.Context) error {
			if err := q.rdb.LRem(ctx, q.processing, 1, payload).Err(); err != nil {
				return fmt.Errorf("ack task: %w", err)
			}
			return nil
		},
		Nack: func(ctx context.Context) error {
			retry, err := queue.Encode(queue.Retry(task))
			if err != nil {
				return err
			}
			pipe := q.rdb.TxPipeline()
			pipe.LRem(ctx, q.processing, 1, payload)
			pipe.LPush(ctx, q.key, retry)
			if _, err := pipe.Exec(ctx); err != nil {
				return fmt.Errorf("nack task: %w", err)
			}
			return nil
		},
	}
}

// Requeue moves every task left on the processing list back onto the main list.
// Run it only when no worker is consuming, or live deliveries will be duplicated.
func (q *Queue) Requeue(ctx context.Context) (int, error) {
	moved := 0
	for {
		err := q.rdb.RPopLPush(ctx, q.processing, q.key).Err()
		if errors.Is(err, r.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("requeue orphaned tasks: %w", err)
		}
		moved++
	}
}

// Depth reports the number of tasks waiting and in flight.
func (q *Queue) Depth(ctx context.Context) (waiting, inFlight int64, err error) {
	pipe := q.rdb.Pipeline()
	w := pipe.LLen(ctx, q.key)
	f := pipe.LLen(ctx, q.processing)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("queue depth: %w", err)
	}
	return w.Val(), f.Val(), nil
}
