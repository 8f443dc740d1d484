// Package reaper finalizes destroyed artifacts into the archive.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bitloss-labs/bitloss/internal/config"
	"github.com/bitloss-labs/bitloss/internal/domain/artifact"
	"github.com/bitloss-labs/bitloss/internal/events"
	"github.com/bitloss-labs/bitloss/internal/ledger"
	"github.com/bitloss-labs/bitloss/internal/lifecycle"
	"github.com/bitloss-labs/bitloss/internal/metrics"
	"github.com/bitloss-labs/bitloss/internal/objectstore"
	"github.com/bitloss-labs/bitloss/internal/store"
)

// Deps are the collaborators a Reaper needs.
type Deps struct {
	Store   store.ArtifactStore
	Objects objectstore.Store
	Ledger  *ledger.Manager
	Events  events.Publisher
	Rules   config.Rules
	Log     *logrus.Entry
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Scanned  int
	Archived int
	Failed   int
	Duration time.Duration
}

// Reaper periodically archives destroyed artifacts. Every per-artifact step
// is idempotent, so an interrupted sweep is simply finished by the next one.
type Reaper struct {
	store    store.ArtifactStore
	objects  objectstore.Store
	ledger   *ledger.Manager
	events   events.Publisher
	rules    config.Rules
	interval time.Duration
	log      *logrus.Entry

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New creates a reaper that sweeps every rules.ReaperInterval.
func New(deps Deps) *Reaper {
	r := &Reaper{
		store:    deps.Store,
		objects:  deps.Objects,
		ledger:   deps.Ledger,
		events:   deps.Events,
		rules:    deps.Rules,
		interval: deps.Rules.ReaperInterval,
		log:      deps.Log,
	}
	if r.events == nil {
		r.events = events.Discard{}
	}
	if r.log == nil {
		r.log = logrus.NewEntry(logrus.StandardLogger()).WithField("component", "reaper")
	}
	if r.interval <= 0 {
		r.interval = time.Minute
	}
	return r
}

func (r *Reaper) Name() string { return "reaper" }

// Run sweeps immediately and then on every tick until ctx is cancelled. A
// sweep in progress at cancellation is abandoned part way, which the next
// run tolerates.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.log.WithError(err).Warn("sweep failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Start runs the loop in the background.
func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		_ = r.Run(runCtx)
	}()

	r.log.WithField("interval", r.interval).Info("reaper started")
	return nil
}

// Stop cancels the loop and waits for it, or for ctx.
func (r *Reaper) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep archives every destroyed artifact. Failures are per artifact: the
// artifact stays destroyed and is retried next time. Only a failure to list
// is returned.
func (r *Reaper) Sweep(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	var res SweepResult

	dead, err := r.store.ListArtifacts(ctx, artifact.Filter{
		Status: artifact.StatusDestroyed,
		Order:  artifact.OrderCreatedDesc,
	})
	if err != nil {
		return res, fmt.Errorf("list destroyed artifacts: %w", err)
	}
	res.Scanned = len(dead)

	for _, a := range dead {
		if ctx.Err() != nil {
			break
		}
		archived, err := r.finalize(ctx, a)
		switch {
		case err != nil:
			res.Failed++
			r.log.WithError(err).WithField("artifact_id", a.ID).Warn("archival failed; retrying next sweep")
		case archived:
			res.Archived++
		}
	}

	res.Duration = time.Since(start)
	metrics.RecordSweep(res.Duration, res.Archived, res.Failed)
	if res.Scanned > 0 {
		r.log.WithFields(logrus.Fields{
			"scanned":  res.Scanned,
			"archived": res.Archived,
			"failed":   res.Failed,
		}).Info("sweep complete")
	}
	return res, nil
}

// finalize runs the archival steps for one artifact, in order. It reports
// false without error when another sweep archived the artifact first.
func (r *Reaper) finalize(ctx context.Context, a *artifact.Artifact) (bool, error) {
	killer := ""
	if a.KillerID != nil {
		killer = *a.KillerID
	}
	// Rewards go first: once archived the artifact is never seen again.
	if err := lifecycle.SettleRewards(ctx, r.ledger, r.rules, a.ID, a.OwnerID, killer); err != nil {
		return false, fmt.Errorf("settle rewards: %w", err)
	}

	if err := r.store.DeleteComments(ctx, a.ID); err != nil {
		return false, fmt.Errorf("delete comments: %w", err)
	}
	if err := r.store.DeleteSecret(ctx, a.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, fmt.Errorf("delete secret: %w", err)
	}
	if a.HasActiveAsset() {
		if err := r.objects.Delete(ctx, a.AssetKey); err != nil {
			return false, fmt.Errorf("delete active asset: %w", err)
		}
	}

	archived := artifact.StatusArchived
	original := a.ArchiveKey()
	witnesses := 0
	cleared := false
	ok, err := r.store.UpdateArtifactIf(ctx, a.ID, artifact.StatusDestroyed, artifact.Patch{
		Status:    &archived,
		AssetKey:  &original,
		Witnesses: &witnesses,
		HasSecret: &cleared,
	})
	if err != nil {
		return false, fmt.Errorf("archive: %w", err)
	}
	if !ok {
		return false, nil
	}

	r.events.Publish(ctx, events.Event{
		Type:       events.ArtifactArchived,
		ArtifactID: a.ID,
		UserID:     killer,
	})
	return true, nil
}
