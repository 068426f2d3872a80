// Package pubsub implements the task queue on Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/JakeFAU/ingestion-pipeline/internal/queue"
	"github.com/JakeFAU/ingestion-pipeline/internal/resource"
)

// Queue publishes tasks to a topic and receives them from a subscription.
// Receiving starts on the first Dequeue and runs until Close.
type Queue struct {
	topic *pubsub.Topic
	sub   *pubsub.Subscription

	startOnce  sync.Once
	closeOnce  sync.Once
	cancel     context.CancelFunc
	done       chan struct{}
	receiveErr error
	deliveries chan resource.Delivery
}

// New creates a Queue. sub may be nil for publish-only processes.
func New(topic *pubsub.Topic, sub *pubsub.Subscription) (*Queue, error) {
	if topic == nil {
		return nil, fmt.Errorf("pubsub topic is required")
	}
	return &Queue{
		topic:      topic,
		sub:        sub,
		done:       make(chan struct{}),
		deliveries: make(chan resource.Delivery),
	}, nil
}

// Enqueue publishes a task and waits for the server to accept it.
func (q *Queue) Enqueue(ctx context.Context, task resource.Task) error {
	data, err := queue.Encode(task)
	if err != nil {
		return err
	}
	msg := &pubsub.Message{Data: data, Attributes: map[string]string{"consumer": task.Consumer}}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(msg.Attributes))
	if _, err := q.topic.Publish(ctx, msg).Get(ctx); err != nil {
		return fmt.Errorf("publish task: %w", err)
	}
	return nil
}

// Dequeue returns the next received task.
func (q *Queue) Dequeue(ctx context.Context) (resource.Delivery, error) {
	if q.sub == nil {
		return resource.Delivery{}, fmt.Errorf("pubsub subscription is not configured")
	}
	q.startOnce.Do(q.start)
	select {
	case <-ctx.Done():
		return resource.Delivery{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case d := <-q.deliveries:
		return d, nil
	case <-q.done:
		if q.receiveErr != nil {
			return resource.Delivery{}, fmt.Errorf("receive: %w", q.receiveErr)
		}
		return resource.Delivery{}, queue.ErrClosed
	}
}

func (q *Queue) start() {
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	go func() {
		defer close(q.done)
		q.receiveErr = q.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
			task, err := queue.Decode(msg.Data)
			if err != nil {
				// Undecodable payloads would redeliver forever.
				msg.Ack()
				return
			}
			select {
			case q.deliveries <- q.delivery(task, msg):
			case <-ctx.Done():
				msg.Nack()
			}
		})
	}()
}

func (q *Queue) delivery(task resource.Task, msg *pubsub.Message) resource.Delivery {
	return resource.Delivery{
		Task: task,
		Ack: func(context.Context) error {
			msg.Ack()
			return nil
		},
		// Nack republishes with the next attempt number so the retry bound holds across redeliveries.
		Nack: func(ctx context.Context) error {
			if err := q.Enqueue(ctx, queue.Retry(task)); err != nil {
				msg.Nack()
				return err
			}
			msg.Ack()
			return nil
		},
	}
}

// Close stops receiving and flushes pending publishes.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.startOnce.Do(func() { close(q.done) })
		if q.cancel != nil {
			q.cancel()
			<-q.done
		}
		q.topic.Stop()
	})
}
