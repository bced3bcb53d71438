package api

import (
	"errors"
	"net/http"

	"github.com/abkawan/ledger-engine/internal/ledger"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// errorResponse carries the error kind plus whatever detail the caller
// needs to correct the request
type errorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Limit     string `json:"limit,omitempty"`
	Available string `json:"available,omitempty"`
	Requested string `json:"requested,omitempty"`
	Used      string `json:"used,omitempty"`
}

// statusFor maps every validation kind to an HTTP status
func statusFor(kind ledger.Kind) int {
	switch kind {
	case ledger.KindInvalidAmount, ledger.KindInvalidOperation:
		return http.StatusBadRequest
	case ledger.KindNotFound:
		return http.StatusNotFound
	case ledger.KindAccountNotActive, ledger.KindInsufficientBalance:
		return http.StatusConflict
	case ledger.KindDailyLimitExceeded:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *ledger.Error
	if errors.As(err, &verr) {
		respondJSON(w, statusFor(verr.Kind), errorResponse{
			Error:     verr.Kind.String(),
			Message:   verr.Message,
			Limit:     fixed(verr.Limit),
			Available: fixed(verr.Available),
			Requested: fixed(verr.Requested),
			Used:      fixed(verr.Used),
		})
		return
	}

	if errors.Is(err, ledger.ErrLockTimeout) || errors.Is(err, ledger.ErrConflict) {
		w.Header().Set("Retry-After", "1")
		respondJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "BUSY", Message: "account is busy, retry the request"})
		return
	}

	h.logger.Error("Request failed",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Error(err))
	respondJSON(w, http.StatusInternalServerError, errorResponse{Error: "INTERNAL_ERROR", Message: "internal error"})
}

func fixed(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	return d.StringFixed(2)
}
