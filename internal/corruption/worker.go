package corruption

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/bitloss-labs/bitloss/internal/domain/artifact"
	"github.com/bitloss-labs/bitloss/internal/metrics"
	"github.com/bitloss-labs/bitloss/internal/objectstore"
	"github.com/bitloss-labs/bitloss/internal/store"
)

// MinQuality is the floor passed to the codec so a nearly dead image still
// decodes.
const MinQuality = 0.01

// Result labels for processed jobs.
const (
	ResultApplied = "applied"
	ResultSkipped = "skipped"
	ResultFailed  = "failed"
)

// ArtifactReader is the slice of the record store the worker consults.
type ArtifactReader interface {
	GetArtifact(ctx context.Context, id string) (*artifact.Artifact, error)
}

// Worker applies jobs: it reads the original, runs the codec at the
// artifact's integrity and overwrites the active copy.
type Worker struct {
	objects   objectstore.Store
	codec     Codec
	artifacts ArtifactReader
	log       *logrus.Entry

	mu      sync.Mutex
	applied map[string]float64
}

// NewWorker creates a worker. artifacts may be nil, in which case jobs are
// applied at the integrity they carry without checking the record.
func NewWorker(objects objectstore.Store, codec Codec, artifacts ArtifactReader, log *logrus.Entry) *Worker {
	if codec == nil {
		codec = Passthrough{}
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Worker{
		objects:   objects,
		codec:     codec,
		artifacts: artifacts,
		log:       log,
		applied:   make(map[string]float64),
	}
}

// Quality maps integrity to the codec quality ratio.
func Quality(integrity float64) float64 {
	return math.Max(MinQuality, math.Min(1, integrity/artifact.MaxIntegrity))
}

// Handle is a Handler.
func (w *Worker) Handle(ctx context.Context, job Job) error {
	result, err := w.apply(ctx, job)
	metrics.RecordCorruptionJob(result)
	return err
}

func (w *Worker) apply(ctx context.Context, job Job) (string, error) {
	if !artifact.IsActiveKey(job.ActiveKey) {
		w.forget(job.ActiveKey)
		return ResultSkipped, nil
	}

	integrity := job.Integrity
	if w.artifacts != nil {
		a, err := w.artifacts.GetArtifact(ctx, job.ArtifactID)
		if errors.Is(err, store.ErrNotFound) {
			w.forget(job.ActiveKey)
			return ResultSkipped, nil
		}
		if err != nil {
			return ResultFailed, fmt.Errorf("load artifact %s: %w", job.ArtifactID, err)
		}
		// Destroyed artifacts belong to the reaper, and a job that arrives
		// late must not undo a newer one.
		if a.Status != artifact.StatusActive || a.AssetKey != job.ActiveKey {
			w.forget(job.ActiveKey)
			return ResultSkipped, nil
		}
		integrity = a.Integrity
	}
	if w.alreadyApplied(job.ActiveKey, integrity) {
		return ResultSkipped, nil
	}

	originalKey := job.OriginalKey
	if originalKey == "" {
		originalKey = artifact.OriginalKeyFor(job.ActiveKey)
	}
	original, err := w.objects.Get(ctx, originalKey)
	if errors.Is(err, objectstore.ErrNotFound) {
		return ResultSkipped, nil
	}
	if err != nil {
		return ResultFailed, fmt.Errorf("read original %s: %w", originalKey, err)
	}

	contentType := ContentTypeFor(job.ActiveKey)
	out := original
	// A full heal restores the original bytes.
	if integrity < artifact.MaxIntegrity {
		out, err = w.codec.Corrupt(ctx, original, contentType, Quality(integrity))
		if err != nil {
			return ResultFailed, fmt.Errorf("corrupt %s: %w", job.ArtifactID, err)
		}
	}
	if err := w.objects.Put(ctx, job.ActiveKey, out, contentType); err != nil {
		return ResultFailed, fmt.Errorf("write %s: %w", job.ActiveKey, err)
	}

	w.markApplied(job.ActiveKey, integrity)
	w.log.WithFields(logrus.Fields{
		"artifact_id": job.ArtifactID,
		"integrity":   integrity,
	}).Debug("corruption applied")
	return ResultApplied, nil
}

func (w *Worker) alreadyApplied(key string, integrity float64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	last, ok := w.applied[key]
	return ok && last == integrity
}

// forget drops the record for a key that will not be written again.
func (w *Worker) forget(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.applied, key)
}

// tracked reports how many active keys the worker remembers.
func (w *Worker) tracked() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.applied)
}

func (w *Worker) markApplied(key string, integrity float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.applied[key] = integrity
}

// ContentTypeFor guesses the stored content type from a key's extension.
func ContentTypeFor(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return "image/jpeg"
	}
}
