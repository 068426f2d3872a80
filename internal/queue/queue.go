// Package queue holds transport-agnostic helpers shared by the task queue implementations.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/JakeFAU/ingestion-pipeline/internal/resource"
)

// ErrClosed is returned by Dequeue once a queue has been shut down.
var ErrClosed = errors.New("queue closed")

// ErrFull is returned when a bounded queue cannot take a redelivery without blocking.
var ErrFull = errors.New("queue full")

// Encode serializes a task for transports that carry bytes.
func Encode(task resource.Task) ([]byte, error) {
	if task.URL == "" || task.Consumer == "" {
		return nil, fmt.Errorf("task requires url and consumer")
	}
	data, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}
	return data, nil
}

// Decode parses a task produced by Encode. Tasks without an attempt count are treated as first attempts.
func Decode(data []byte) (resource.Task, error) {
	var task resource.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return resource.Task{}, fmt.Errorf("unmarshal task: %w", err)
	}
	if task.URL == "" || task.Consumer == "" {
		return resource.Task{}, fmt.Errorf("task requires url and consumer")
	}
	if _, err := resource.ParseKind(string(task.Kind)); err != nil {
		return resource.Task{}, err
	}
	if task.Attempt < 1 {
		task.Attempt = 1
	}
	return task, nil
}

// Retry returns the task as it should be redelivered after a failed attempt.
func Retry(task resource.Task) resource.Task {
	task.Attempt++
	return task
}
