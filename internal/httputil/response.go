// Package httputil holds the JSON request and response helpers shared by the
// HTTP handlers and middleware.
package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	svcerrors "github.com/bitloss-labs/bitloss/internal/errors"
	"github.com/bitloss-labs/bitloss/internal/logging"
)

// MaxJSONBody bounds JSON request bodies.
const MaxJSONBody = 1 << 20

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	TraceID string         `json:"trace_id,omitempty"`
}

// WriteJSON writes data with the given status.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteErrorResponse writes an ErrorResponse carrying the request's trace ID.
func WriteErrorResponse(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	resp := ErrorResponse{Code: code, Message: message, Details: details}
	if r != nil {
		resp.TraceID = logging.GetTraceID(r.Context())
	}
	WriteJSON(w, status, resp)
}

// WriteServiceError writes err, mapping anything that is not a ServiceError
// to an internal error so no detail of it leaks to the client.
func WriteServiceError(w http.ResponseWriter, r *http.Request, err error) {
	se := svcerrors.GetServiceError(err)
	if se == nil {
		se = svcerrors.Internal("Internal server error", err)
	}
	WriteErrorResponse(w, r, se.HTTPStatus, string(se.Code), se.Message, se.Details)
}

// Unauthorized writes a 401 with an optional message.
func Unauthorized(w http.ResponseWriter, r *http.Request, message string) {
	if message == "" {
		message = "Authentication required"
	}
	WriteServiceError(w, r, svcerrors.Unauthorized(message))
}

// DecodeJSON reads a bounded JSON body into v, rejecting unknown fields and
// trailing data.
func DecodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return svcerrors.BadRequest("request body is required")
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, MaxJSONBody+1))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return svcerrors.BadRequest("request body is required")
		}
		return svcerrors.BadRequest(fmt.Sprintf("invalid JSON: %s", strings.TrimPrefix(err.Error(), "json: ")))
	}
	if dec.More() {
		return svcerrors.BadRequest("request body must contain a single JSON object")
	}
	return nil
}

// BearerToken extracts the token from an Authorization header. ok is false
// when the header is absent; a present but malformed header yields an
// empty token with ok true.
func BearerToken(r *http.Request) (token string, ok bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", true
	}
	return strings.TrimSpace(parts[1]), true
}
