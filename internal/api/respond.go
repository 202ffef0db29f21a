package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"cashbridge/internal/domain"
	"cashbridge/internal/storage"
)

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	Step  string `json:"step,omitempty"`
}

// StatusFor maps an error to its HTTP status.
func StatusFor(err error) int {
	var verrs validator.ValidationErrors
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &verrs):
		return http.StatusBadRequest
	}

	switch domain.KindOf(err) {
	case domain.KindInvalidInput:
		return http.StatusBadRequest
	case domain.KindStateConflict:
		return http.StatusConflict
	case domain.KindVerificationMismatch:
		return http.StatusUnprocessableEntity
	case domain.KindExternalService, domain.KindSettlementFailed:
		return http.StatusBadGateway
	case domain.KindInsufficientFunds:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, code int, msg string) {
	respondJSON(w, code, errorBody{Error: msg})
}

// respondErr writes err classified by its kind. Upstream and system errors
// answer with their reason only; the cause is logged.
func (h *Handler) respondErr(w http.ResponseWriter, err error) {
	code := StatusFor(err)
	body := errorBody{Error: err.Error()}

	var verrs validator.ValidationErrors
	switch {
	case code == http.StatusNotFound:
		body.Error = "not found"
	case errors.As(err, &verrs):
		body.Error = validationMessage(verrs)
		body.Kind = domain.KindInvalidInput.String()
	default:
		kind := domain.KindOf(err)
		body.Kind = kind.String()
		body.Step = domain.StepOf(err).String()
		switch kind {
		case domain.KindSystem, domain.KindExternalService, domain.KindSettlementFailed:
			body.Error = domain.Reason(err)
			h.logger.Warn("request failed",
				zap.String("kind", body.Kind),
				zap.String("step", body.Step),
				zap.Error(err),
			)
		}
	}
	respondJSON(w, code, body)
}

func validationMessage(verrs validator.ValidationErrors) string {
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "numeric":
		return fe.Field() + " must be a number"
	}
	return fe.Field() + " is invalid"
}
