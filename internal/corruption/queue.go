// Package corruption rewrites an artifact's active image to match its
// integrity. Work arrives as Jobs on a Queue with at-least-once delivery;
// applying a job is idempotent because the output is always derived from
// the untouched original.
package corruption

import (
	"context"
	"errors"
	"time"
)

// ErrQueueFull is returned by Enqueue when a bounded queue has no room. The
// job is dropped; the next view of the artifact enqueues a fresh one.
var ErrQueueFull = errors.New("corruption queue full")

// ErrQueueClosed is returned by Enqueue after Close.
var ErrQueueClosed = errors.New("corruption queue closed")

// Job asks for the active copy of an artifact to be regenerated at the given
// integrity.
type Job struct {
	ArtifactID  string    `json:"artifact_id"`
	ActiveKey   string    `json:"active_key"`
	OriginalKey string    `json:"original_key"`
	Integrity   float64   `json:"integrity"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// Handler processes one job.
type Handler func(ctx context.Context, job Job) error

// Queue carries jobs from feed fetches to workers.
type Queue interface {
	// Enqueue hands a job to the queue without waiting for it to run.
	Enqueue(ctx context.Context, job Job) error
	// Run consumes jobs with handler until ctx is cancelled.
	Run(ctx context.Context, handler Handler) error
	Close() error
}
