// Package artifact defines the records that make up a decaying artifact:
// the artifact itself, its optional secret and its comments.
package artifact

import (
	"strings"
	"time"
)

// Status is the lifecycle state of an artifact.
type Status string

const (
	StatusActive    Status = "active"
	StatusDestroyed Status = "destroyed"
	StatusArchived  Status = "archived"
)

// Asset key prefixes inside the object store.
const (
	ActivePrefix   = "active/"
	OriginalPrefix = "originals/"
)

// MaxIntegrity is the integrity of a freshly uploaded artifact.
const MaxIntegrity = 100.0

// Artifact is an uploaded image whose integrity decays over time.
type Artifact struct {
	ID               string     `json:"id" db:"id"`
	OwnerID          string     `json:"owner_id" db:"owner_id"`
	OwnerName        string     `json:"owner_name" db:"owner_name"`
	Caption          string     `json:"caption" db:"caption"`
	Integrity        float64    `json:"integrity" db:"integrity"`
	Generations      int        `json:"generations" db:"generations"`
	Witnesses        int        `json:"witnesses" db:"witnesses"`
	Status           Status     `json:"status" db:"status"`
	HasSecret        bool       `json:"has_secret" db:"has_secret"`
	AssetKey         string     `json:"asset_key" db:"asset_key"`
	OriginalAssetKey string     `json:"original_asset_key" db:"original_asset_key"`
	KillerID         *string    `json:"killer_id,omitempty" db:"killer_id"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	LastViewedAt     *time.Time `json:"last_viewed_at,omitempty" db:"last_viewed_at"`
}

// DecayReference is the instant decay is measured from: the last view, or
// creation if the artifact was never viewed.
func (a *Artifact) DecayReference() time.Time {
	if a.LastViewedAt != nil {
		return *a.LastViewedAt
	}
	return a.CreatedAt
}

// HasActiveAsset reports whether the asset key still points at the
// corruptible copy.
func (a *Artifact) HasActiveAsset() bool {
	return IsActiveKey(a.AssetKey)
}

// ArchiveKey returns the key the asset reference is rewritten to at
// archival. Rows created before the original key was recorded derive it
// from the active key.
func (a *Artifact) ArchiveKey() string {
	if a.OriginalAssetKey != "" {
		return a.OriginalAssetKey
	}
	return OriginalKeyFor(a.AssetKey)
}

// IsActiveKey reports whether key lives under the active prefix.
func IsActiveKey(key string) bool {
	return strings.HasPrefix(key, ActivePrefix)
}

// OriginalKeyFor maps an active key to its original counterpart.
func OriginalKeyFor(key string) string {
	if IsActiveKey(key) {
		return OriginalPrefix + strings.TrimPrefix(key, ActivePrefix)
	}
	return key
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	Integrity    *float64   `json:"integrity,omitempty"`
	Generations  *int       `json:"generations,omitempty"`
	Witnesses    *int       `json:"witnesses,omitempty"`
	Status       *Status    `json:"status,omitempty"`
	HasSecret    *bool      `json:"has_secret,omitempty"`
	AssetKey     *string    `json:"asset_key,omitempty"`
	KillerID     *string    `json:"killer_id,omitempty"`
	LastViewedAt *time.Time `json:"last_viewed_at,omitempty"`
}

// Apply copies the non-nil fields of p onto a.
func (p Patch) Apply(a *Artifact) {
	if p.Integrity != nil {
		a.Integrity = *p.Integrity
	}
	if p.Generations != nil {
		a.Generations = *p.Generations
	}
	if p.Witnesses != nil {
		a.Witnesses = *p.Witnesses
	}
	if p.Status != nil {
		a.Status = *p.Status
	}
	if p.HasSecret != nil {
		a.HasSecret = *p.HasSecret
	}
	if p.AssetKey != nil {
		a.AssetKey = *p.AssetKey
	}
	if p.KillerID != nil {
		killer := *p.KillerID
		a.KillerID = &killer
	}
	if p.LastViewedAt != nil {
		t := *p.LastViewedAt
		a.LastViewedAt = &t
	}
}

// Order selects the sort order of a listing.
type Order string

const (
	OrderCreatedDesc     Order = "created_desc"
	OrderGenerationsDesc Order = "generations_desc"
)

// Filter narrows an artifact listing. Zero values mean "no constraint".
type Filter struct {
	Status    Status
	NotStatus Status
	Order     Order
	Limit     int
}

// Secret is text that can only be revealed while integrity is high enough.
type Secret struct {
	ArtifactID string `json:"artifact_id" db:"artifact_id"`
	Text       string `json:"secret_text" db:"secret_text"`
}

// Comment is a remark left on an artifact, with the integrity it had when
// the comment was written.
type Comment struct {
	ID                string    `json:"id" db:"id"`
	ArtifactID        string    `json:"artifact_id" db:"artifact_id"`
	AuthorID          string    `json:"author_id" db:"author_id"`
	AuthorName        string    `json:"author_name" db:"author_name"`
	Content           string    `json:"content" db:"content"`
	IntegritySnapshot float64   `json:"integrity_snapshot" db:"integrity_snapshot"`
	ParentID          *string   `json:"parent_id,omitempty" db:"parent_id"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
}
