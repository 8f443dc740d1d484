package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	svcerrors "github.com/bitloss-labs/bitloss/internal/errors"
	"github.com/bitloss-labs/bitloss/internal/httputil"
	"github.com/bitloss-labs/bitloss/internal/lifecycle"
	"github.com/bitloss-labs/bitloss/internal/middleware"
)

// multipart framing allowance on top of the image itself
const uploadOverhead = 1 << 20

// =============================================================================
// Request Types
// =============================================================================

// InteractRequest is the body of POST /interact.
type InteractRequest struct {
	ArtifactID string `json:"artifact_id"`
	Action     string `json:"action"`
}

// CommentRequest is the body of POST /comment.
type CommentRequest struct {
	ArtifactID string `json:"artifact_id"`
	Content    string `json:"content"`
	ParentID   string `json:"parent_id,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

func viewerFrom(r *http.Request) *lifecycle.Viewer {
	id := middleware.IdentityFrom(r.Context())
	if id == nil {
		return nil
	}
	return &lifecycle.Viewer{UserID: id.UserID, DisplayName: id.DisplayName}
}

// =============================================================================
// HTTP Handlers
// =============================================================================

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if a.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.health.Ping(ctx); err != nil {
			a.logger.WithContext(r.Context()).WithError(err).Warn("Health check failed")
			httputil.WriteServiceError(w, r, svcerrors.Unavailable("store unavailable", err))
			return
		}
	}
	httputil.WriteJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Timestamp: time.Now().UTC()})
}

func (a *API) handleFeed(w http.ResponseWriter, r *http.Request) {
	views, err := a.ctrl.FeedFetch(r.Context(), viewerFrom(r))
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	writeList(w, views)
}

func (a *API) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, lifecycle.MaxUploadBytes+uploadOverhead)
	if err := r.ParseMultipartForm(lifecycle.MaxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.WriteServiceError(w, r, svcerrors.BadRequest("image exceeds the upload limit"))
			return
		}
		httputil.WriteServiceError(w, r, svcerrors.BadRequest("expected a multipart form"))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, _, err := r.FormFile("image")
	if err != nil {
		httputil.WriteServiceError(w, r, svcerrors.BadRequest("image is required"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, lifecycle.MaxUploadBytes+1))
	if err != nil {
		httputil.WriteServiceError(w, r, svcerrors.BadRequest("failed to read image"))
		return
	}

	view, err := a.ctrl.Upload(r.Context(), viewerFrom(r), lifecycle.UploadRequest{
		Data:    data,
		Caption: r.FormValue("caption"),
		Secret:  r.FormValue("secret"),
	})
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, view)
}

func (a *API) handleInteract(w http.ResponseWriter, r *http.Request) {
	var req InteractRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	if req.ArtifactID == "" {
		httputil.WriteServiceError(w, r, svcerrors.BadRequest("artifact_id is required"))
		return
	}

	result, err := a.ctrl.Interact(r.Context(), viewerFrom(r), req.ArtifactID, lifecycle.Action(req.Action))
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

func (a *API) handleComment(w http.ResponseWriter, r *http.Request) {
	var req CommentRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	if req.ArtifactID == "" {
		httputil.WriteServiceError(w, r, svcerrors.BadRequest("artifact_id is required"))
		return
	}

	comment, err := a.ctrl.Comment(r.Context(), viewerFrom(r), lifecycle.CommentRequest{
		ArtifactID: req.ArtifactID,
		Content:    req.Content,
		ParentID:   req.ParentID,
	})
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, comment)
}

func (a *API) handleReveal(w http.ResponseWriter, r *http.Request) {
	rev, err := a.ctrl.Reveal(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rev)
}

func (a *API) handleGraveyard(w http.ResponseWriter, r *http.Request) {
	views, err := a.ctrl.Graveyard(r.Context())
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	writeList(w, views)
}

func (a *API) handleArchive(w http.ResponseWriter, r *http.Request) {
	views, err := a.ctrl.Archive(r.Context())
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	writeList(w, views)
}

func (a *API) handleTrending(w http.ResponseWriter, r *http.Request) {
	views, err := a.ctrl.Trending(r.Context())
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	writeList(w, views)
}

func (a *API) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	accounts, err := a.ctrl.Leaderboard(r.Context())
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	if accounts == nil {
		httputil.WriteJSON(w, http.StatusOK, []any{})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, accounts)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	acct, err := a.ctrl.Me(r.Context(), viewerFrom(r))
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, acct)
}

// writeList encodes empty results as [] rather than null.
func writeList(w http.ResponseWriter, views []lifecycle.ArtifactView) {
	if views == nil {
		views = []lifecycle.ArtifactView{}
	}
	httputil.WriteJSON(w, http.StatusOK, views)
}
