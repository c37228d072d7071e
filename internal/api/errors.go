package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/pkg/errors"
	"github.com/xtrntr/energymarket/internal/auth"
	"github.com/xtrntr/energymarket/internal/exchange"
	"github.com/xtrntr/energymarket/internal/models"
	"github.com/xtrntr/energymarket/internal/wallet"
)

var (
	errTradeNotFound = fmt.Errorf("%w: trade not found", exchange.ErrNotFound)
	errInvalidLimit  = fmt.Errorf("%w: limit must be a positive integer", exchange.ErrInvalidInput)
	errUnauthorized  = errors.New("authorization header required")
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// decode reads a JSON body; malformed bodies are invalid input
func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", exchange.ErrInvalidInput, err)
	}
	return nil
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, exchange.ErrInvalidInput),
		errors.Is(err, auth.ErrInvalidInput),
		errors.Is(err, wallet.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, exchange.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, exchange.ErrInsufficientQuantity):
		return http.StatusConflict, "insufficient_quantity"
	case errors.Is(err, exchange.ErrAlreadyFilled):
		return http.StatusConflict, "already_filled"
	case errors.Is(err, models.ErrUsernameTaken):
		return http.StatusConflict, "username_taken"
	case errors.Is(err, exchange.ErrSettlementFailure):
		return http.StatusBadGateway, "settlement_failed"
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, errUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	}
	return http.StatusInternalServerError, "internal"
}

// writeError maps err onto a status and writes {"error", "code"}. Internal
// errors are logged and hidden from the client.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		h.Log.ErrorContext(r.Context(), errors.WithStack(err))
		if status == http.StatusInternalServerError {
			msg = "internal server error"
		}
	}
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}
