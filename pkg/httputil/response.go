package httputil

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	apperrors "github.com/megashop/citysearch/pkg/errors"
	"github.com/megashop/citysearch/pkg/logger"
	"github.com/megashop/citysearch/pkg/validator"
)

// ErrorBody is the JSON error payload. Client errors use Detail, upstream
// failures use Error together with Upstream.
type ErrorBody struct {
	Detail     string            `json:"detail,omitempty"`
	Error      string            `json:"error,omitempty"`
	Code       string            `json:"code,omitempty"`
	Upstream   string            `json:"upstream,omitempty"`
	RetryAfter int               `json:"retry_after,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
}

// WriteJSON marshals v and writes it with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		WriteRaw(w, http.StatusInternalServerError, []byte(`{"detail":"internal server error"}`))
		return
	}
	WriteRaw(w, status, body)
}

// WriteRaw writes an already encoded JSON body.
func WriteRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Headers are already sent; nothing meaningful can be done if the write fails.
	_, _ = w.Write(body)
}

// WriteDetail writes {"detail": detail} with the given status.
func WriteDetail(w http.ResponseWriter, status int, detail string) {
	WriteJSON(w, status, ErrorBody{Detail: detail})
}

// ErrorPayload classifies err and returns the AppError it maps to together
// with the body sent to the client.
func ErrorPayload(err error) (*apperrors.AppError, ErrorBody) {
	appErr, ok := apperrors.As(err)
	if !ok {
		switch apperrors.HTTPStatus(err) {
		case http.StatusNotFound:
			appErr = apperrors.NotFound("resource", "")
			appErr.Message = "Not found."
		case http.StatusBadRequest:
			appErr = apperrors.InvalidInput(err.Error())
		case http.StatusServiceUnavailable:
			appErr = apperrors.Upstream("upstream", err)
		default:
			appErr = apperrors.Internal(err)
		}
	}

	body := ErrorBody{Code: appErr.Code}
	if appErr.Upstream != "" {
		body.Error = appErr.Message
		body.Upstream = appErr.Upstream
	} else {
		body.Detail = appErr.Message
	}
	if appErr.RetryAfter > 0 {
		body.RetryAfter = int(math.Ceil(appErr.RetryAfter.Seconds()))
	}
	return appErr, body
}

// WriteError renders err according to its AppError classification. Errors
// that map to 5xx are logged in full and reported opaquely. The request
// scoped logger from context is preferred over fallback.
func WriteError(w http.ResponseWriter, r *http.Request, err error, fallback *slog.Logger) {
	l := logger.FromContext(r.Context())
	if l == slog.Default() && fallback != nil {
		l = fallback
	}

	appErr, body := ErrorPayload(err)
	if appErr.Status >= http.StatusInternalServerError {
		l.ErrorContext(r.Context(), "request failed",
			slog.String("error", err.Error()),
			slog.String("code", appErr.Code),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
		)
	}
	if body.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(body.RetryAfter))
	}
	WriteJSON(w, appErr.Status, body)
}

// WriteValidationError writes a 400 with field-level messages when err comes
// from the validator package.
func WriteValidationError(w http.ResponseWriter, err error) {
	var valErr *validator.ValidationError
	if errors.As(err, &valErr) {
		WriteJSON(w, http.StatusBadRequest, ErrorBody{
			Detail: "request validation failed",
			Code:   "VALIDATION_ERROR",
			Fields: valErr.Fields(),
		})
		return
	}
	WriteJSON(w, http.StatusBadRequest, ErrorBody{Detail: err.Error(), Code: "BAD_REQUEST"})
}

// ParseID parses a positive integer path parameter. On failure it writes a
// 400 response and returns false.
func ParseID(w http.ResponseWriter, param string) (int64, bool) {
	id, err := strconv.ParseInt(param, 10, 64)
	if err != nil || id <= 0 {
		WriteJSON(w, http.StatusBadRequest, ErrorBody{
			Detail: "invalid id: " + param,
			Code:   "INVALID_PARAMETER",
		})
		return 0, false
	}
	return id, true
}
