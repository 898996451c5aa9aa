package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"convorag/internal/apperrors"
	"convorag/internal/logging"
)

// errorBody is the wire shape of every error response. Messages never carry
// stack traces or internal identifiers beyond the correlation id.
type errorBody struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
		TraceID string `json:"trace_id,omitempty"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, r *http.Request, logger zerolog.Logger, err error) {
	status := apperrors.HTTPStatus(err)
	kind := apperrors.KindOf(err)

	event := logger.Warn()
	if status >= 500 {
		event = logger.Error()
	}
	event.Err(err).Str("path", r.URL.Path).Int("status", status).Msg("request failed")

	var body errorBody
	body.Error.Kind = string(kind)
	body.Error.Message = publicMessage(err, kind)
	body.Error.TraceID = logging.TraceID(r.Context())
	writeJSON(w, status, body)
}

// publicMessage keeps validation and not-found details, which are safe and
// actionable, and hides everything else behind a generic message.
func publicMessage(err error, kind apperrors.Kind) string {
	switch kind {
	case apperrors.KindValidation, apperrors.KindNotFound:
		var ae *apperrors.Error
		if errors.As(err, &ae) {
			return ae.Message
		}
		return "invalid request"
	case apperrors.KindStorage, apperrors.KindEmbedding, apperrors.KindEmbeddingDimension, apperrors.KindLLM:
		return "a backing service is unavailable, try again later"
	default:
		return "internal error"
	}
}
