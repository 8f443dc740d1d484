package lifecycle

import (
	"bytes"
	"context"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"net/http"
	"strings"
	"unicode/utf8"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/bitloss-labs/bitloss/internal/domain/artifact"
	svcerrors "github.com/bitloss-labs/bitloss/internal/errors"
	"github.com/bitloss-labs/bitloss/internal/events"
)

// Upload limits.
const (
	MaxUploadBytes   = 10 << 20
	MaxCaptionLength = 280
	MaxSecretLength  = 500
)

var imageExtensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// UploadRequest is a new artifact.
type UploadRequest struct {
	Data    []byte
	Caption string
	// Secret, when set, is only revealed while integrity stays at or above
	// the purge threshold.
	Secret string
}

// Upload stores the image twice (a corruptible active copy and an untouched
// original) and creates the artifact at full integrity. Anonymous uploads
// have no owner and earn no owner bonus.
//
// Images carrying a secret are stored as PNG so the original is lossless.
// Any failure removes what was already written.
func (c *Controller) Upload(ctx context.Context, viewer *Viewer, req UploadRequest) (*ArtifactView, error) {
	caption := strings.TrimSpace(req.Caption)
	secret := strings.TrimSpace(req.Secret)
	switch {
	case len(req.Data) == 0:
		return nil, svcerrors.BadRequest("image is required")
	case len(req.Data) > MaxUploadBytes:
		return nil, svcerrors.BadRequest("image is too large").WithDetails("max_bytes", MaxUploadBytes)
	case utf8.RuneCountInString(caption) > MaxCaptionLength:
		return nil, svcerrors.BadRequest("caption is too long").WithDetails("max_length", MaxCaptionLength)
	case utf8.RuneCountInString(secret) > MaxSecretLength:
		return nil, svcerrors.BadRequest("secret is too long").WithDetails("max_length", MaxSecretLength)
	}

	data := req.Data
	contentType := http.DetectContentType(data)
	ext, ok := imageExtensions[contentType]
	if !ok {
		return nil, svcerrors.BadRequest("unsupported image type").WithDetails("content_type", contentType)
	}
	if secret != "" && contentType != "image/png" {
		converted, err := toPNG(data)
		if err != nil {
			return nil, svcerrors.BadRequest("image could not be decoded")
		}
		data, contentType, ext = converted, "image/png", ".png"
	}

	name, err := gonanoid.New()
	if err != nil {
		return nil, svcerrors.Internal("could not name asset", err)
	}
	activeKey := artifact.ActivePrefix + name + ext
	originalKey := artifact.OriginalPrefix + name + ext

	cleanup := func() {
		ctx := context.WithoutCancel(ctx)
		for _, key := range []string{activeKey, originalKey} {
			if err := c.objects.Delete(ctx, key); err != nil {
				c.logFor(ctx).WithError(err).WithField("key", key).Warn("upload cleanup failed")
			}
		}
	}

	if err := c.objects.Put(ctx, originalKey, data, contentType); err != nil {
		cleanup()
		return nil, toServiceError(err, "object", originalKey)
	}
	if err := c.objects.Put(ctx, activeKey, data, contentType); err != nil {
		cleanup()
		return nil, toServiceError(err, "object", activeKey)
	}

	a := &artifact.Artifact{
		ID:               c.newID(),
		Caption:          caption,
		Integrity:        artifact.MaxIntegrity,
		Status:           artifact.StatusActive,
		AssetKey:         activeKey,
		OriginalAssetKey: originalKey,
		CreatedAt:        c.now().UTC(),
	}
	if viewer != nil {
		a.OwnerID = viewer.UserID
		a.OwnerName = viewer.DisplayName
	}

	if err := c.store.CreateArtifact(ctx, a); err != nil {
		cleanup()
		return nil, toServiceError(err, "artifact", a.ID)
	}

	if secret != "" {
		if err := c.attachSecret(ctx, a, secret); err != nil {
			if delErr := c.store.DeleteArtifact(context.WithoutCancel(ctx), a.ID); delErr != nil {
				c.logFor(ctx).WithError(delErr).WithField("artifact_id", a.ID).Error("upload rollback failed")
			}
			cleanup()
			return nil, toServiceError(err, "artifact", a.ID)
		}
	}

	c.events.Publish(ctx, events.Event{
		Type:       events.ArtifactUploaded,
		ArtifactID: a.ID,
		UserID:     a.OwnerID,
		Integrity:  a.Integrity,
	})
	c.logFor(ctx).WithField("artifact_id", a.ID).Info("artifact uploaded")

	v := c.view(a, renderOptions{})
	return &v, nil
}

// attachSecret stores the secret before raising the flag, so a visible flag
// always has a secret behind it.
func (c *Controller) attachSecret(ctx context.Context, a *artifact.Artifact, text string) error {
	if err := c.store.CreateSecret(ctx, &artifact.Secret{ArtifactID: a.ID, Text: text}); err != nil {
		return err
	}
	flag := true
	ok, err := c.store.UpdateArtifactIf(ctx, a.ID, artifact.StatusActive, artifact.Patch{HasSecret: &flag})
	if err != nil {
		return err
	}
	if !ok {
		return svcerrors.NotActive(a.ID)
	}
	a.HasSecret = true
	return nil
}

func toPNG(data []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
