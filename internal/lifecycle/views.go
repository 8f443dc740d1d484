package lifecycle

import (
	"context"
	"time"

	"github.com/bitloss-labs/bitloss/internal/decay"
	"github.com/bitloss-labs/bitloss/internal/domain/artifact"
)

// ArtifactView is an artifact as the feed and the read-only listings show it.
type ArtifactView struct {
	ID           string          `json:"id"`
	OwnerID      string          `json:"owner_id,omitempty"`
	OwnerName    string          `json:"owner_name,omitempty"`
	Caption      string          `json:"caption,omitempty"`
	Integrity    float64         `json:"integrity"`
	Generations  int             `json:"generations"`
	Witnesses    int             `json:"witnesses"`
	Status       artifact.Status `json:"status"`
	HasSecret    bool            `json:"has_secret"`
	ImageURL     string          `json:"image_url"`
	KillerID     *string         `json:"killer_id,omitempty"`
	DecayRate    string          `json:"decay_rate,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	LastViewedAt *time.Time      `json:"last_viewed_at,omitempty"`
	Comments     []*CommentView  `json:"comments"`
}

// CommentView is a comment with its replies nested beneath it.
type CommentView struct {
	ID                string         `json:"id"`
	AuthorID          string         `json:"author_id,omitempty"`
	AuthorName        string         `json:"author_name"`
	Content           string         `json:"content"`
	IntegritySnapshot float64        `json:"integrity_snapshot"`
	ParentID          *string        `json:"parent_id,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	Replies           []*CommentView `json:"replies"`
}

// ThreadComments nests comments under their parents. Input order is kept at
// every level; the store lists comments oldest first. A reply whose parent
// is missing is shown at the top level.
func ThreadComments(comments []*artifact.Comment) []*CommentView {
	byID := make(map[string]*CommentView, len(comments))
	for _, c := range comments {
		byID[c.ID] = &CommentView{
			ID:                c.ID,
			AuthorID:          c.AuthorID,
			AuthorName:        c.AuthorName,
			Content:           c.Content,
			IntegritySnapshot: c.IntegritySnapshot,
			ParentID:          c.ParentID,
			CreatedAt:         c.CreatedAt,
			Replies:           []*CommentView{},
		}
	}

	roots := make([]*CommentView, 0, len(comments))
	for _, c := range comments {
		view := byID[c.ID]
		if c.ParentID != nil && *c.ParentID != c.ID {
			if parent, ok := byID[*c.ParentID]; ok {
				parent.Replies = append(parent.Replies, view)
				continue
			}
		}
		roots = append(roots, view)
	}
	return roots
}

type renderOptions struct {
	comments bool
	rate     bool
}

func (c *Controller) view(a *artifact.Artifact, opts renderOptions) ArtifactView {
	v := ArtifactView{
		ID:           a.ID,
		OwnerID:      a.OwnerID,
		OwnerName:    a.OwnerName,
		Caption:      a.Caption,
		Integrity:    a.Integrity,
		Generations:  a.Generations,
		Witnesses:    a.Witnesses,
		Status:       a.Status,
		HasSecret:    a.HasSecret,
		ImageURL:     c.objects.URL(a.AssetKey),
		KillerID:     a.KillerID,
		CreatedAt:    a.CreatedAt,
		LastViewedAt: a.LastViewedAt,
		Comments:     []*CommentView{},
	}
	if opts.rate {
		v.DecayRate = decay.RateLabel(a.Generations)
	}
	return v
}

func (c *Controller) render(ctx context.Context, list []*artifact.Artifact, opts renderOptions) ([]ArtifactView, error) {
	out := make([]ArtifactView, 0, len(list))
	for _, a := range list {
		v := c.view(a, opts)
		if opts.comments {
			comments, err := c.store.ListComments(ctx, a.ID)
			if err != nil {
				return nil, toServiceError(err, "artifact", a.ID)
			}
			v.Comments = ThreadComments(comments)
		}
		out = append(out, v)
	}
	return out, nil
}
