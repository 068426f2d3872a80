// Package memory keeps completion events in process, for local runs without Pub/Sub and for tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// PublishedMessage is one completion event as handed to Publish.
type PublishedMessage struct {
	ID      string
	Topic   string
	Payload any
}

// Publisher records completion events. With a limit it keeps only the newest events.
type Publisher struct {
	mu     sync.RWMutex
	events []PublishedMessage
	seq    int
	limit  int
	err    error
	logger *zap.Logger
}

// New returns a Publisher that keeps every event.
func New() *Publisher {
	return NewBounded(0, nil)
}

// NewBounded returns a Publisher holding at most limit events and logging each one at debug level.
// A non-positive limit keeps everything.
func NewBounded(limit int, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{limit: limit, logger: logger}
}

// FailWith makes subsequent publishes return err. Pass nil to recover.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Publish records the event under a sequential ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.seq++
	msg := PublishedMessage{ID: fmt.Sprintf("memory-%d", p.seq), Topic: topic, Payload: payload}
	p.events = append(p.events, msg)
	if p.limit > 0 && len(p.events) > p.limit {
		p.events = append(p.events[:0:0], p.events[len(p.events)-p.limit:]...)
	}
	p.logger.Debug("completion event", zap.String("id", msg.ID), zap.String("topic", topic), zap.Any("event", payload))
	return msg.ID, nil
}

// Messages returns a copy of the retained events, oldest first.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.events))
	copy(out, p.events)
	return out
}
