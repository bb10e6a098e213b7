package routes

import (
	"encoding/json"
	"errors"
	"net/http"

	"nhbvault/native/common"
	"nhbvault/native/custody"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError maps engine errors onto the HTTP surface. Rail and oracle
// failures surface as 502 because the gateway acted as a proxy to an upstream
// that misbehaved; everything the caller can fix is a 4xx.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusForError(err), errorEnvelope{Error: errorBody{
		Code:    custody.ErrorClass(err),
		Message: err.Error(),
	}})
}

func statusForError(err error) int {
	var capErr *custody.CapError
	var balErr *custody.BalanceError
	switch {
	case errors.As(err, &capErr):
		return http.StatusConflict
	case errors.As(err, &balErr):
		return http.StatusConflict
	case errors.Is(err, custody.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, custody.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, custody.ErrUnsupportedAsset):
		return http.StatusUnprocessableEntity
	case errors.Is(err, common.ErrModulePaused):
		return http.StatusLocked
	case errors.Is(err, custody.ErrReentrancyBlocked):
		return http.StatusConflict
	case errors.Is(err, custody.ErrOracleFailed),
		errors.Is(err, custody.ErrTransferFailed),
		errors.Is(err, custody.ErrSwapFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
