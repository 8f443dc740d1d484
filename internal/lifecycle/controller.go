// Package lifecycle drives artifacts through active → destroyed → archived.
//
// A feed fetch decays every active artifact, pays the viewer for the
// integrity they witnessed, purges secrets that fall below the threshold and
// settles deaths. Death is a compare-and-set on the artifact status; only
// the caller that wins it hands out the owner and kill bonuses.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/bitloss-labs/bitloss/internal/config"
	"github.com/bitloss-labs/bitloss/internal/corruption"
	"github.com/bitloss-labs/bitloss/internal/decay"
	"github.com/bitloss-labs/bitloss/internal/domain/account"
	"github.com/bitloss-labs/bitloss/internal/domain/artifact"
	svcerrors "github.com/bitloss-labs/bitloss/internal/errors"
	"github.com/bitloss-labs/bitloss/internal/events"
	"github.com/bitloss-labs/bitloss/internal/ledger"
	"github.com/bitloss-labs/bitloss/internal/logging"
	"github.com/bitloss-labs/bitloss/internal/metrics"
	"github.com/bitloss-labs/bitloss/internal/objectstore"
	"github.com/bitloss-labs/bitloss/internal/retry"
	"github.com/bitloss-labs/bitloss/internal/store"
	"github.com/bitloss-labs/bitloss/supabase/client"
)

// Viewer is the authenticated caller. A nil *Viewer is an anonymous one.
type Viewer struct {
	UserID      string
	DisplayName string
}

// Deps are the collaborators a Controller needs.
type Deps struct {
	Store   store.ArtifactStore
	Ledger  *ledger.Manager
	Objects objectstore.Store
	Queue   corruption.Queue
	Events  events.Publisher
	Rules   config.Rules
	Log     *logrus.Entry
}

// Controller implements the artifact lifecycle.
type Controller struct {
	store   store.ArtifactStore
	ledger  *ledger.Manager
	objects objectstore.Store
	queue   corruption.Queue
	events  events.Publisher
	engine  *decay.Engine
	rules   config.Rules
	log     *logrus.Entry
	now     func() time.Time
	newID   func() string
}

// Option customizes a Controller.
type Option func(*Controller)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithIDGenerator replaces the record id generator, for tests.
func WithIDGenerator(gen func() string) Option {
	return func(c *Controller) { c.newID = gen }
}

// New validates the rules and wires a controller.
func New(deps Deps, opts ...Option) (*Controller, error) {
	if deps.Store == nil || deps.Ledger == nil || deps.Objects == nil {
		return nil, fmt.Errorf("lifecycle: store, ledger and objects are required")
	}
	if err := deps.Rules.Validate(); err != nil {
		return nil, fmt.Errorf("lifecycle rules: %w", err)
	}
	engine, err := decay.New(deps.Rules.Decay)
	if err != nil {
		return nil, err
	}

	c := &Controller{
		store:   deps.Store,
		ledger:  deps.Ledger,
		objects: deps.Objects,
		queue:   deps.Queue,
		events:  deps.Events,
		engine:  engine,
		rules:   deps.Rules,
		log:     deps.Log,
		now:     time.Now,
		newID:   uuid.NewString,
	}
	if c.events == nil {
		c.events = events.Discard{}
	}
	if c.log == nil {
		c.log = logrus.NewEntry(logrus.StandardLogger())
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Engine exposes the decay engine, mostly for diagnostics.
func (c *Controller) Engine() *decay.Engine {
	return c.engine
}

// Rules returns the rules in force.
func (c *Controller) Rules() config.Rules {
	return c.rules
}

func (c *Controller) logFor(ctx context.Context) *logrus.Entry {
	entry := c.log.WithContext(ctx)
	if traceID := logging.GetTraceID(ctx); traceID != "" {
		entry = entry.WithField("trace_id", traceID)
	}
	return entry
}

// toServiceError maps collaborator failures onto the service error codes.
func toServiceError(err error, resource, id string) error {
	if err == nil {
		return nil
	}
	var se *svcerrors.ServiceError
	if errors.As(err, &se) {
		return err
	}
	var funds *ledger.InsufficientFundsError
	switch {
	case errors.As(err, &funds):
		return svcerrors.InsufficientFunds(funds.Available, funds.Requested)
	case errors.Is(err, store.ErrNotFound), errors.Is(err, objectstore.ErrNotFound):
		return svcerrors.NotFound(resource, id)
	case errors.Is(err, retry.ErrExhausted),
		errors.Is(err, client.ErrCircuitOpen),
		errors.Is(err, ledger.ErrContention),
		errors.Is(err, context.DeadlineExceeded):
		return svcerrors.Unavailable("storage temporarily unavailable", err)
	default:
		return svcerrors.Internal("unexpected storage failure", err)
	}
}

// =============================================================================
// Death and rewards
// =============================================================================

// deathPatch adds the destroyed status, and the killer when there is one, to
// patch.
func deathPatch(patch artifact.Patch, a *artifact.Artifact, actor *Viewer) artifact.Patch {
	destroyed := artifact.StatusDestroyed
	patch.Status = &destroyed
	if killer := killerFor(a, actor); killer != "" {
		patch.KillerID = &killer
	}
	return patch
}

// killerFor is the actor unless the actor is anonymous or the owner.
func killerFor(a *artifact.Artifact, actor *Viewer) string {
	if actor == nil || actor.UserID == "" || actor.UserID == a.OwnerID {
		return ""
	}
	return actor.UserID
}

// settleDeath pays the owner and killer of an artifact this caller just
// destroyed. Grants are keyed per artifact, so the reaper can safely call
// SettleRewards again for anything that failed here.
func (c *Controller) settleDeath(ctx context.Context, a *artifact.Artifact, killer string) {
	metrics.RecordDeath()
	c.events.Publish(ctx, events.Event{
		Type:       events.ArtifactDestroyed,
		ArtifactID: a.ID,
		UserID:     killer,
		Integrity:  0,
	})
	if err := SettleRewards(ctx, c.ledger, c.rules, a.ID, a.OwnerID, killer); err != nil {
		c.logFor(ctx).WithError(err).WithField("artifact_id", a.ID).
			Warn("death rewards incomplete; the reaper will retry")
	}
}

// SettleRewards grants the owner bonus and the kill bonus for a destroyed
// artifact. Each grant happens at most once per artifact however often this
// runs.
func SettleRewards(ctx context.Context, l *ledger.Manager, rules config.Rules, artifactID, ownerID, killerID string) error {
	var errs []error
	if ownerID != "" {
		applied, err := l.GrantOwnerBonus(ctx, ownerID, artifactID, rules.OwnerBonus)
		if err != nil {
			errs = append(errs, fmt.Errorf("owner bonus: %w", err))
		} else if applied {
			metrics.RecordGrant(string(account.EntryOwnerBonus))
		}
	}
	if killerID != "" && killerID != ownerID {
		applied, err := l.RecordKill(ctx, killerID, artifactID, rules.KillBonus)
		if err != nil {
			errs = append(errs, fmt.Errorf("kill bonus: %w", err))
		} else if applied {
			metrics.RecordGrant(string(account.EntryKillBonus))
		}
	}
	return errors.Join(errs...)
}

// purgeSecret deletes the secret of an artifact whose has_secret flag was
// already cleared. A failed delete leaves an unreachable row that the reaper
// removes at archival.
func (c *Controller) purgeSecret(ctx context.Context, a *artifact.Artifact, integrity float64) {
	if err := c.store.DeleteSecret(ctx, a.ID); err != nil {
		c.logFor(ctx).WithError(err).WithField("artifact_id", a.ID).Warn("secret purge failed")
		return
	}
	metrics.RecordSecretPurge()
	c.events.Publish(ctx, events.Event{
		Type:       events.SecretPurged,
		ArtifactID: a.ID,
		Integrity:  integrity,
	})
}

// scheduleCorruption enqueues a corruption job without waiting for it.
func (c *Controller) scheduleCorruption(ctx context.Context, a *artifact.Artifact, integrity float64) {
	if c.queue == nil || !a.HasActiveAsset() {
		return
	}
	job := corruption.Job{
		ArtifactID:  a.ID,
		ActiveKey:   a.AssetKey,
		OriginalKey: a.ArchiveKey(),
		Integrity:   integrity,
		EnqueuedAt:  c.now().UTC(),
	}
	if err := c.queue.Enqueue(ctx, job); err != nil {
		c.logFor(ctx).WithError(err).WithField("artifact_id", a.ID).Debug("corruption job dropped")
	}
}
