package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/artpar/utter/app"
)

// errorStatus maps app error kinds to HTTP status codes. First match wins.
var errorStatus = []struct {
	kind   error
	status int
}{
	{app.ErrValidation, http.StatusBadRequest},
	{app.ErrNotCancellable, http.StatusBadRequest},
	{app.ErrUnauthorized, http.StatusUnauthorized},
	{app.ErrInsufficientCredits, http.StatusPaymentRequired},
	{app.ErrNotFound, http.StatusNotFound},
	{app.ErrConflict, http.StatusConflict},
	{app.ErrRateLimited, http.StatusTooManyRequests},
	{app.ErrProviderRejected, http.StatusUnprocessableEntity},
	{app.ErrProviderUnavailable, http.StatusServiceUnavailable},
	{app.ErrRateLimiterDown, http.StatusServiceUnavailable},
	{app.ErrPaymentsDisabled, http.StatusServiceUnavailable},
	{app.ErrProviderTimeout, http.StatusGatewayTimeout},
}

// StatusFor returns the HTTP status of err.
func StatusFor(err error) int {
	for _, m := range errorStatus {
		if errors.Is(err, m.kind) {
			return m.status
		}
	}
	return http.StatusInternalServerError
}

// writeError writes {"detail": ...}. Internal errors are logged and their
// text never reaches the client.
func writeError(w http.ResponseWriter, r *http.Request, logger zerolog.Logger, err error) {
	status := StatusFor(err)
	detail := app.Detail(err)

	if status == http.StatusInternalServerError || detail == "" {
		logger.Error().Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request failed")
		status, detail = http.StatusInternalServerError, "Internal server error."
	} else if status >= 500 {
		logger.Warn().Err(err).Str("path", r.URL.Path).Msg("upstream failure")
	}
	writeDetail(w, status, detail)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return &app.Error{Kind: app.ErrValidation, Detail: "Request body is required."}
		case errors.As(err, &tooLarge):
			return &app.Error{Kind: app.ErrValidation, Detail: "Request body too large.", Err: err}
		default:
			return &app.Error{Kind: app.ErrValidation, Detail: "Invalid JSON body.", Err: err}
		}
	}
	return nil
}
