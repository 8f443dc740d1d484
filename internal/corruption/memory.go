package corruption

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// MemoryQueue is a bounded in-process queue drained by a fixed worker pool.
// Jobs still buffered at shutdown are lost.
type MemoryQueue struct {
	jobs    chan Job
	workers int
	log     *logrus.Entry

	mu     sync.RWMutex
	closed bool
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue creates a queue holding up to capacity pending jobs.
func NewMemoryQueue(capacity, workers int, log *logrus.Entry) *MemoryQueue {
	if capacity <= 0 {
		capacity = 256
	}
	if workers <= 0 {
		workers = 1
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &MemoryQueue{jobs: make(chan Job, capacity), workers: workers, log: log}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Len is the number of buffered jobs.
func (q *MemoryQueue) Len() int {
	return len(q.jobs)
}

func (q *MemoryQueue) Run(ctx context.Context, handler Handler) error {
	var wg sync.WaitGroup
	for i := 0; i < q.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-q.jobs:
					if !ok {
						return
					}
					if err := handler(ctx, job); err != nil {
						q.log.WithError(err).WithFields(logrus.Fields{
							"worker":      worker,
							"artifact_id": job.ArtifactID,
						}).Warn("corruption job failed")
					}
				}
			}
		}(i)
	}
	wg.Wait()
	return ctx.Err()
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	return nil
}
