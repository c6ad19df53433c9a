package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ramiqadoumi/audio-task-dispatch/internal/domain"
)

// errorResponse is the error envelope required by spec §6/§7.
type errorResponse struct {
	Detail string `json:"detail"`
}

func writeError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Detail: detail})
}

// writeDomainError maps a domain error to its HTTP status code and a safe
// message, per §7's error-kind table. Unrecognized errors become a generic
// 500 with no internal detail disclosed.
func writeDomainError(w http.ResponseWriter, err error) {
	var notFound *domain.NotFoundError
	var forbidden *domain.ForbiddenError
	var invalid *domain.InvalidArgumentError
	var rangeErr *domain.RangeNotSatisfiableError
	var unavailable *domain.UnavailableError

	switch {
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, notFound.Error())
	case errors.As(err, &forbidden):
		writeError(w, http.StatusForbidden, "access denied")
	case errors.As(err, &invalid):
		writeError(w, http.StatusBadRequest, invalid.Error())
	case errors.As(err, &rangeErr):
		writeError(w, http.StatusRequestedRangeNotSatisfiable, rangeErr.Error())
	case errors.As(err, &unavailable):
		switch unavailable.Backend {
		case domain.KindUpstream:
			writeError(w, http.StatusBadGateway, "upstream annotation store unavailable")
		default:
			writeError(w, http.StatusInternalServerError, string(unavailable.Backend)+" backend unavailable")
		}
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
