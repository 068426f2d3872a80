package resource

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Kind classifies a submitted URL.
type Kind string

// Resource kinds recorded at creation time.
const (
	KindDocument Kind = "document"
	KindPage     Kind = "page"
)

// ParseKind converts a persisted or wire value into a Kind.
func ParseKind(raw string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(raw))) {
	case KindDocument:
		return KindDocument, nil
	case KindPage:
		return KindPage, nil
	default:
		return "", fmt.Errorf("unknown resource kind %q", raw)
	}
}

// Status is the processing state of a record.
type Status string

// Record status values persisted in the store.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// ParseStatus converts a persisted value into a Status.
func ParseStatus(raw string) (Status, error) {
	switch s := Status(raw); s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return s, nil
	default:
		return "", fmt.Errorf("unknown resource status %q", raw)
	}
}

// Terminal reports whether no automatic transition leaves the status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Key identifies a record. The pair is unique for the lifetime of the store.
type Key struct {
	URL      string
	Consumer string
}

// Record is the unit of work tracked from intake to a terminal outcome.
type Record struct {
	URL         string    `json:"url"`
	Consumer    string    `json:"consumer"`
	Kind        Kind      `json:"resource_kind"`
	Status      Status    `json:"status"`
	Embedded    bool      `json:"embedded"`
	ErrorDetail *string   `json:"error_detail,omitempty"`
	ArtifactURI *string   `json:"artifact_uri,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Key returns the record identity.
func (r Record) Key() Key {
	return Key{URL: r.URL, Consumer: r.Consumer}
}

// NewPending builds a record in its only legal initial state.
func NewPending(consumer, url string, kind Kind, now time.Time) Record {
	return Record{
		URL:         url,
		Consumer:    consumer,
		Kind:        kind,
		Status:      StatusPending,
		SubmittedAt: now,
		UpdatedAt:   now,
	}
}

// Task is the descriptor placed on the transport for one record.
type Task struct {
	URL      string `json:"url"`
	Consumer string `json:"consumer"`
	Kind     Kind   `json:"resource_kind"`
	Attempt  int    `json:"attempt"`
}

// TaskFor builds the first-attempt task descriptor for a record.
func TaskFor(r Record) Task {
	return Task{URL: r.URL, Consumer: r.Consumer, Kind: r.Kind, Attempt: 1}
}

// Outcome is what a successful processing call produced.
type Outcome struct {
	ArtifactURI string
	ContentHash string
	Dimensions  int
}

// Delivery wraps a dequeued task with its transport acknowledgement hooks.
// Ack removes the task; Nack asks the transport to deliver it again.
type Delivery struct {
	Task Task
	Ack  func(ctx context.Context) error
	Nack func(ctx context.Context) error
}
