package rest

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/arcanahq/turnstile/internal/chain"
	"github.com/arcanahq/turnstile/internal/ledger"
	"github.com/arcanahq/turnstile/internal/payments"
	"github.com/arcanahq/turnstile/internal/tasks"
)

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	// Encoding failures past WriteHeader cannot be reported to the client.
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

// projectError maps component errors to HTTP statuses. Internal details
// never reach the body; the log carries them.
func (h *Handler) projectError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrUnavailable):
		h.log.Error().Err(err).Msg("ledger unavailable")
		writeError(w, http.StatusServiceUnavailable, "service temporarily unavailable")

	case errors.Is(err, chain.ErrProviderUnavailable):
		h.log.Error().Err(err).Msg("chain provider unavailable")
		writeError(w, http.StatusBadGateway, "payment provider temporarily unavailable")

	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, "user not found")

	case errors.Is(err, tasks.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "task not found")

	case errors.Is(err, tasks.ErrAdminOnly):
		writeError(w, http.StatusForbidden, "administrator access required")

	case errors.Is(err, tasks.ErrUnknownKind),
		errors.Is(err, payments.ErrUnknownVariant):
		writeError(w, http.StatusBadRequest, err.Error())

	default:
		h.log.Error().Err(err).Msg("unhandled error")
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
