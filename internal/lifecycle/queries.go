package lifecycle

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/bitloss-labs/bitloss/internal/decay"
	"github.com/bitloss-labs/bitloss/internal/domain/account"
	"github.com/bitloss-labs/bitloss/internal/domain/artifact"
	svcerrors "github.com/bitloss-labs/bitloss/internal/errors"
	"github.com/bitloss-labs/bitloss/internal/store"
)

// MaxCommentLength is the longest comment accepted, in characters.
const MaxCommentLength = 500

// CommentRequest is a new comment, optionally replying to another one on the
// same artifact.
type CommentRequest struct {
	ArtifactID string
	Content    string
	ParentID   string
}

// Comment appends a comment that records the integrity the artifact has
// decayed to at this moment. Nothing is persisted on the artifact itself.
func (c *Controller) Comment(ctx context.Context, viewer *Viewer, req CommentRequest) (*CommentView, error) {
	if viewer == nil || viewer.UserID == "" {
		return nil, svcerrors.Unauthorized("Authentication required")
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, svcerrors.BadRequest("comment content is required")
	}
	if utf8.RuneCountInString(content) > MaxCommentLength {
		return nil, svcerrors.BadRequest("comment is too long").WithDetails("max_length", MaxCommentLength)
	}

	a, err := c.store.GetArtifact(ctx, req.ArtifactID)
	if err != nil {
		return nil, toServiceError(err, "artifact", req.ArtifactID)
	}
	if a.Status != artifact.StatusActive {
		return nil, svcerrors.NotActive(a.ID)
	}

	var parentID *string
	if req.ParentID != "" {
		parent, err := c.store.GetComment(ctx, req.ParentID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && parent.ArtifactID != a.ID) {
			return nil, svcerrors.BadRequest("parent comment does not belong to this artifact").
				WithDetails("parent_id", req.ParentID)
		}
		if err != nil {
			return nil, toServiceError(err, "comment", req.ParentID)
		}
		parentID = &parent.ID
	}

	comment := &artifact.Comment{
		ID:                c.newID(),
		ArtifactID:        a.ID,
		AuthorID:          viewer.UserID,
		AuthorName:        viewer.DisplayName,
		Content:           content,
		IntegritySnapshot: c.engine.Apply(decay.SnapshotOf(a), c.now()).New,
		ParentID:          parentID,
		CreatedAt:         c.now().UTC(),
	}
	if err := c.store.CreateComment(ctx, comment); err != nil {
		return nil, toServiceError(err, "comment", comment.ID)
	}
	return ThreadComments([]*artifact.Comment{comment})[0], nil
}

// Revelation is the answer to a reveal: the secret, or Dead.
type Revelation struct {
	Dead   bool   `json:"dead"`
	Secret string `json:"secret,omitempty"`
}

// Reveal returns the artifact's secret while it is still intact enough.
// Integrity is projected to now without persisting anything, so a secret
// that would be purged by the next view is already dead. Once purged a
// secret is gone for good, whatever later heals do to integrity.
func (c *Controller) Reveal(ctx context.Context, artifactID string) (*Revelation, error) {
	a, err := c.store.GetArtifact(ctx, artifactID)
	if err != nil {
		return nil, toServiceError(err, "artifact", artifactID)
	}
	if a.Status != artifact.StatusActive || !a.HasSecret {
		return &Revelation{Dead: true}, nil
	}
	if c.engine.BelowPurge(c.engine.Apply(decay.SnapshotOf(a), c.now()).New) {
		return &Revelation{Dead: true}, nil
	}

	secret, err := c.store.GetSecret(ctx, a.ID)
	if errors.Is(err, store.ErrNotFound) {
		return &Revelation{Dead: true}, nil
	}
	if err != nil {
		return nil, toServiceError(err, "secret", a.ID)
	}
	return &Revelation{Secret: secret.Text}, nil
}

// Graveyard lists the most recently created archived artifacts.
func (c *Controller) Graveyard(ctx context.Context) ([]ArtifactView, error) {
	return c.list(ctx, artifact.Filter{
		Status: artifact.StatusArchived,
		Order:  artifact.OrderCreatedDesc,
		Limit:  c.rules.GraveyardLimit,
	}, renderOptions{})
}

// Archive lists every archived artifact, newest first.
func (c *Controller) Archive(ctx context.Context) ([]ArtifactView, error) {
	return c.list(ctx, artifact.Filter{
		Status: artifact.StatusArchived,
		Order:  artifact.OrderCreatedDesc,
	}, renderOptions{comments: true})
}

// Trending lists the most viewed artifacts that are not archived yet, with
// their decay rate.
func (c *Controller) Trending(ctx context.Context) ([]ArtifactView, error) {
	return c.list(ctx, artifact.Filter{
		NotStatus: artifact.StatusArchived,
		Order:     artifact.OrderGenerationsDesc,
		Limit:     c.rules.TrendingLimit,
	}, renderOptions{rate: true})
}

func (c *Controller) list(ctx context.Context, filter artifact.Filter, opts renderOptions) ([]ArtifactView, error) {
	list, err := c.store.ListArtifacts(ctx, filter)
	if err != nil {
		return nil, toServiceError(err, "artifact", "")
	}
	return c.render(ctx, list, opts)
}

// Leaderboard returns the richest accounts.
func (c *Controller) Leaderboard(ctx context.Context) ([]*account.Account, error) {
	top, err := c.ledger.Leaderboard(ctx, c.rules.LeaderboardLimit)
	if err != nil {
		return nil, toServiceError(err, "account", "")
	}
	return top, nil
}

// Me returns the viewer's account, opening it on first sight.
func (c *Controller) Me(ctx context.Context, viewer *Viewer) (*account.Account, error) {
	if viewer == nil || viewer.UserID == "" {
		return nil, svcerrors.Unauthorized("Authentication required")
	}
	acct, err := c.ledger.EnsureAccount(ctx, viewer.UserID, viewer.DisplayName)
	if err != nil {
		return nil, toServiceError(err, "account", viewer.UserID)
	}
	return acct, nil
}
