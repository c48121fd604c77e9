package logging

import (
	"context"
	"encoding/json"
	"time"
)

// Record is an opaque telemetry log handed to the channel by a producer.
// Payload is schema-agnostic JSON; the pipeline never inspects it.
type Record struct {
	ID        string          `json:"id"`
	Group     string          `json:"group"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"data,omitempty"`
}

// Sender delivers one batch of records. Implementations block until the
// batch is definitively accepted or rejected, or ctx is done.
type Sender interface {
	SendBatch(ctx context.Context, batch []Record) error
}

// SenderFunc adapts a plain function to Sender.
type SenderFunc func(ctx context.Context, batch []Record) error

func (f SenderFunc) SendBatch(ctx context.Context, batch []Record) error {
	return f(ctx, batch)
}

// GroupListener receives per-record delivery outcomes. Every record that
// reaches OnBeforeSending gets at most one OnSuccess or OnFailure, and
// exactly one unless its group is removed or the channel shut down first.
type GroupListener interface {
	OnBeforeSending(rec Record)
	OnSuccess(rec Record)
	OnFailure(rec Record, err error)
}

// Enqueuer is the producer-facing side of the channel.
type Enqueuer interface {
	Enqueue(rec Record, group string)
}

type Config struct {
	TriggerCount        int
	TriggerInterval     time.Duration
	MaxParallelRequests int
}
