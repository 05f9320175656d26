package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"reminders/internal/domain"
)

const (
	ErrInvalidJSON = "invalid json"
	ErrInternal    = "internal error"
)

type errorBody struct {
	Error  errorDetail `json:"error"`
	Report any         `json:"report,omitempty"`
}

type errorDetail struct {
	Kind    string              `json:"kind"`
	Message string              `json:"message"`
	Fields  []domain.FieldError `json:"fields,omitempty"`
}

// classify maps an engine error to its HTTP status and error kind.
func classify(err error) (int, string) {
	var ve *domain.ValidationError
	var de *domain.DeliveryError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrNotAllowed):
		return http.StatusForbidden, "not_allowed"
	case errors.As(err, &de):
		return http.StatusBadGateway, "delivery"
	case errors.Is(err, domain.ErrConcurrency):
		return http.StatusConflict, "conflict"
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, domain.ErrDuplicate):
		return http.StatusConflict, "duplicate"
	}
	return http.StatusInternalServerError, "internal"
}

func writeError(w http.ResponseWriter, log *slog.Logger, err error) {
	writeErrorReport(w, log, err, nil)
}

// writeErrorReport writes err with report attached next to it.
func writeErrorReport(w http.ResponseWriter, log *slog.Logger, err error, report any) {
	status, kind := classify(err)
	body := errorBody{Error: errorDetail{Kind: kind, Message: err.Error()}, Report: report}
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		body.Error.Fields = ve.Fields
	}
	if status == http.StatusInternalServerError {
		log.Error("request failed", "err", err)
		body.Error.Message = ErrInternal
	}
	writeJSON(w, status, body)
}

func writeBadRequest(w http.ResponseWriter, kind, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: errorDetail{Kind: kind, Message: msg}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
