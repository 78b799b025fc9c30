package handler

// Every error response has the same shape:
//
//	{"error": "not_found", "message": "identity not found with id abc123"}
//
// Conflicts add structured data so a client can offer a way forward:
//
//	{"error": "merge_required", "merge_required": true, "existing_user_id": "..."}
//	{"error": "ambiguous", "ambiguous": true}

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/sakif/userbase/internal/apperror"
)

// maxBodyBytes caps request bodies; every body here is a handful of fields.
const maxBodyBytes = 64 << 10

// ErrorResponse is the error body returned by every endpoint.
type ErrorResponse struct {
	Error          string `json:"error"`
	Message        string `json:"message"`
	Field          string `json:"field,omitempty"`
	MergeRequired  bool   `json:"merge_required,omitempty"`
	ExistingUserID string `json:"existing_user_id,omitempty"`
	Ambiguous      bool   `json:"ambiguous,omitempty"`
	// Detail carries the internal error text. Only set in development.
	Detail string `json:"detail,omitempty"`
}

// writeJSON sends data with the given status. Headers go out before the body.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			// Headers are already sent; all we can do is log.
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

// errorStatus maps the apperror taxonomy to HTTP. This is the only place
// that knows about status codes.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, apperror.ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, apperror.ErrInvalidSignature):
		return http.StatusBadRequest, "invalid_signature"
	case errors.Is(err, apperror.ErrSignatureMismatch):
		return http.StatusBadRequest, "signature_mismatch"
	case errors.Is(err, apperror.ErrNoActiveChallenge):
		return http.StatusBadRequest, "no_active_challenge"
	case errors.Is(err, apperror.ErrChallengeExpired):
		return http.StatusBadRequest, "challenge_expired"
	case errors.Is(err, apperror.ErrUnauthenticated):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, apperror.ErrSessionExpired):
		return http.StatusUnauthorized, "session_expired"
	case errors.Is(err, apperror.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, apperror.ErrVouchingIdentityMissing):
		return http.StatusForbidden, "vouching_identity_missing"
	case errors.Is(err, apperror.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, apperror.ErrMergeRequired):
		return http.StatusConflict, "merge_required"
	case errors.Is(err, apperror.ErrAmbiguous):
		return http.StatusConflict, "ambiguous"
	case errors.Is(err, apperror.ErrConflict), errors.Is(err, apperror.ErrDuplicateIdentity):
		return http.StatusConflict, "conflict"
	case errors.Is(err, apperror.ErrBackendUnavailable):
		return http.StatusServiceUnavailable, "backend_unavailable"
	case errors.Is(err, apperror.ErrLinkFailed):
		return http.StatusInternalServerError, "link_failed"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// writeError translates err into an ErrorResponse. With debug set the
// internal error text is included; in production it never is.
func writeError(w http.ResponseWriter, err error, debug bool) {
	status, code := errorStatus(err)
	writeErrorStatus(w, status, code, err, debug)
}

func writeErrorStatus(w http.ResponseWriter, status int, code string, err error, debug bool) {
	resp := ErrorResponse{Error: code}

	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		resp.Message = appErr.Message
		resp.Field = appErr.Field
		resp.ExistingUserID = appErr.ExistingUserID
	}
	switch code {
	case "merge_required":
		resp.MergeRequired = true
	case "ambiguous":
		resp.Ambiguous = true
	}

	// Store and unexpected failures get a generic message: their text names
	// internal operations.
	if status >= http.StatusInternalServerError || resp.Message == "" {
		resp.Message = genericMessage(status)
	}
	if debug {
		resp.Detail = err.Error()
	}

	writeJSON(w, status, resp)
}

func genericMessage(status int) string {
	if status == http.StatusServiceUnavailable {
		return "service temporarily unavailable, try again"
	}
	return "an internal error occurred"
}

// decodeJSON reads a JSON body into dst. Malformed input becomes ErrValidation.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apperror.ValidationFailed("body", "request body is required")
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return apperror.ValidationFailed("body", "request body too large")
		}
		return apperror.ValidationFailed("body", "request body is not valid JSON")
	}
	return nil
}

// flexibleID accepts a JSON string or number. Provider ids such as Farcaster
// FIDs arrive as either depending on the client.
type flexibleID string

func (f *flexibleID) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		*f = flexibleID(str)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexibleID(n.String())
	return nil
}
