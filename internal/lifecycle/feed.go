package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/bitloss-labs/bitloss/internal/decay"
	"github.com/bitloss-labs/bitloss/internal/domain/account"
	"github.com/bitloss-labs/bitloss/internal/domain/artifact"
	"github.com/bitloss-labs/bitloss/internal/ledger"
	"github.com/bitloss-labs/bitloss/internal/metrics"
	"github.com/bitloss-labs/bitloss/internal/store"
)

// FeedFetch decays every active artifact on behalf of viewer (nil when
// anonymous) and returns the feed. The viewer is paid once, after the whole
// pass, for the integrity points they witnessed.
//
// Artifacts are processed one at a time. The first storage failure stops
// the pass; whatever the viewer had earned up to that point is still paid.
func (c *Controller) FeedFetch(ctx context.Context, viewer *Viewer) ([]ArtifactView, error) {
	now := c.now().UTC()
	log := c.logFor(ctx)

	if viewer != nil {
		if _, err := c.ledger.EnsureAccount(ctx, viewer.UserID, viewer.DisplayName); err != nil {
			log.WithError(err).Warn("could not ensure viewer account")
		}
	}

	active, err := c.store.ListArtifacts(ctx, artifact.Filter{
		Status: artifact.StatusActive,
		Order:  artifact.OrderCreatedDesc,
	})
	if err != nil {
		return nil, toServiceError(err, "artifact", "")
	}

	var (
		earned   int64
		seen     = make([]*artifact.Artifact, 0, len(active))
		fetchErr error
	)
	for _, a := range active {
		credit, current, err := c.witness(ctx, a, viewer, now)
		if err != nil {
			fetchErr = err
			break
		}
		earned += credit
		if current != nil {
			seen = append(seen, current)
		}
	}

	c.payWitness(ctx, viewer, earned)

	if fetchErr != nil {
		return nil, toServiceError(fetchErr, "artifact", "")
	}
	return c.render(ctx, seen, renderOptions{comments: true})
}

// witness applies one view to a. It returns the credit the viewer earned
// and the artifact as it now stands, or nil if it vanished meanwhile.
func (c *Controller) witness(ctx context.Context, a *artifact.Artifact, viewer *Viewer, now time.Time) (int64, *artifact.Artifact, error) {
	res := c.engine.Apply(decay.SnapshotOf(a), now)
	if !res.Applied {
		return 0, a, nil
	}
	metrics.RecordDecay()

	generations := a.Generations + 1
	witnesses := a.Witnesses + 1
	patch := artifact.Patch{
		Integrity:    &res.New,
		Generations:  &generations,
		Witnesses:    &witnesses,
		LastViewedAt: &now,
	}

	purge := a.HasSecret && c.engine.BelowPurge(res.New)
	if purge {
		cleared := false
		patch.HasSecret = &cleared
	}
	dies := res.New == 0
	if dies {
		patch = deathPatch(patch, a, viewer)
	}

	ok, err := c.store.UpdateArtifactIf(ctx, a.ID, artifact.StatusActive, patch)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return 0, nil, nil
	case err != nil:
		return 0, nil, err
	case !ok:
		// Someone else moved it out of active first. Show what they left
		// and pay nothing for it.
		current, err := c.store.GetArtifact(ctx, a.ID)
		if errors.Is(err, store.ErrNotFound) {
			return 0, nil, nil
		}
		return 0, current, err
	}

	patch.Apply(a)
	if purge {
		c.purgeSecret(ctx, a, res.New)
	}
	if dies {
		c.settleDeath(ctx, a, killerFor(a, viewer))
	} else if res.Changed() {
		c.scheduleCorruption(ctx, a, res.New)
	}

	return c.witnessCredit(a, viewer, res), a, nil
}

func (c *Controller) witnessCredit(a *artifact.Artifact, viewer *Viewer, res decay.Result) int64 {
	if viewer == nil || viewer.UserID == "" {
		return 0
	}
	if viewer.UserID == a.OwnerID && !c.rules.OwnerEarnsPassiveCredit {
		return 0
	}
	return decay.CreditDelta(res.Old, res.New)
}

func (c *Controller) payWitness(ctx context.Context, viewer *Viewer, earned int64) {
	if viewer == nil || earned <= 0 {
		return
	}
	_, _, err := c.ledger.ApplyCredit(ctx, viewer.UserID, earned, ledger.Credit{Kind: account.EntryWitness})
	if err != nil {
		c.logFor(ctx).WithError(err).WithField("amount", earned).Warn("witness credit not applied")
		return
	}
	metrics.RecordGrant(string(account.EntryWitness))
}
