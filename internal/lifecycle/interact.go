package lifecycle

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/bitloss-labs/bitloss/internal/decay"
	"github.com/bitloss-labs/bitloss/internal/domain/account"
	"github.com/bitloss-labs/bitloss/internal/domain/artifact"
	svcerrors "github.com/bitloss-labs/bitloss/internal/errors"
	"github.com/bitloss-labs/bitloss/internal/ledger"
)

// Action is a paid manual change to an artifact's integrity.
type Action string

const (
	ActionHeal    Action = "heal"
	ActionCorrupt Action = "corrupt"
)

// InteractResult is the state after an interaction.
type InteractResult struct {
	Integrity float64 `json:"integrity"`
	Credits   int64   `json:"credits"`
}

// Interact charges the viewer the interaction cost and moves the artifact's
// integrity by one step. Healing a fully intact artifact still costs.
//
// The step applies to the integrity the artifact has decayed to by now, and
// that decay is persisted with it. A corrupt that reaches zero destroys the
// artifact through the same conditional write as a feed fetch. If the write
// fails after the debit the cost is refunded.
func (c *Controller) Interact(ctx context.Context, viewer *Viewer, artifactID string, action Action) (*InteractResult, error) {
	if viewer == nil || viewer.UserID == "" {
		return nil, svcerrors.Unauthorized("Authentication required")
	}

	var step float64
	switch action {
	case ActionHeal:
		step = c.rules.HealStep
	case ActionCorrupt:
		step = -c.rules.CorruptStep
	default:
		return nil, svcerrors.BadRequest("action must be heal or corrupt").WithDetails("action", string(action))
	}

	a, err := c.store.GetArtifact(ctx, artifactID)
	if err != nil {
		return nil, toServiceError(err, "artifact", artifactID)
	}
	if a.Status != artifact.StatusActive {
		return nil, svcerrors.NotActive(artifactID)
	}

	if _, err := c.ledger.EnsureAccount(ctx, viewer.UserID, viewer.DisplayName); err != nil {
		return nil, toServiceError(err, "account", viewer.UserID)
	}
	acct, err := c.ledger.Debit(ctx, viewer.UserID, c.rules.InteractionCost, ledger.Credit{
		Kind:       account.EntryInteraction,
		ArtifactID: artifactID,
	})
	if err != nil {
		return nil, toServiceError(err, "account", viewer.UserID)
	}

	now := c.now().UTC()
	base := c.engine.Apply(decay.SnapshotOf(a), now).New
	next := decay.Clamp(base + step)

	patch := artifact.Patch{Integrity: &next, LastViewedAt: &now}
	purge := a.HasSecret && (c.engine.BelowPurge(base) || c.engine.BelowPurge(next))
	if purge {
		cleared := false
		patch.HasSecret = &cleared
	}
	dies := next == 0
	if dies {
		patch = deathPatch(patch, a, viewer)
	}

	ok, err := c.store.UpdateArtifactIf(ctx, a.ID, artifact.StatusActive, patch)
	if err != nil || !ok {
		c.refund(ctx, viewer.UserID, artifactID)
		if err != nil {
			return nil, toServiceError(err, "artifact", artifactID)
		}
		return nil, svcerrors.NotActive(artifactID)
	}

	previous := a.Integrity
	patch.Apply(a)
	if purge {
		c.purgeSecret(ctx, a, next)
	}
	if dies {
		c.settleDeath(ctx, a, killerFor(a, viewer))
	} else if next != previous {
		c.scheduleCorruption(ctx, a, next)
	}

	c.logFor(ctx).WithFields(logrus.Fields{
		"artifact_id": a.ID,
		"action":      action,
		"integrity":   next,
	}).Info("artifact interaction")

	return &InteractResult{Integrity: next, Credits: acct.Credits}, nil
}

func (c *Controller) refund(ctx context.Context, userID, artifactID string) {
	if c.rules.InteractionCost == 0 {
		return
	}
	// The request may already be cancelled; the refund must still land.
	ctx = context.WithoutCancel(ctx)
	_, _, err := c.ledger.ApplyCredit(ctx, userID, c.rules.InteractionCost, ledger.Credit{
		Kind:       account.EntryRefund,
		ArtifactID: artifactID,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		c.logFor(ctx).WithError(err).WithField("user_id", userID).Error("interaction refund failed")
	}
}
