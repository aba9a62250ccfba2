package apihttp

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"torrentvault/internal/domain"
	"torrentvault/internal/usecase"
)

type errorEnvelope struct {
	Error errorPayload `json:"error"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// lifecycleStatus maps a lifecycle error to an HTTP status and error code.
func lifecycleStatus(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, usecase.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, usecase.ErrTimeout):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, usecase.ErrEngine):
		return http.StatusBadGateway, "engine_error"
	case errors.Is(err, usecase.ErrRepository):
		return http.StatusInternalServerError, "repository_error"
	case errors.Is(err, usecase.ErrIO):
		return http.StatusInternalServerError, "io_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func writeLifecycleError(w http.ResponseWriter, err error) {
	status, code := lifecycleStatus(err)
	message := err.Error()
	if code == "internal_error" {
		message = "internal server error"
	}
	if code == "not_found" {
		message = "torrent not found"
	}
	writeError(w, status, code, message)
}

type actionResponse struct {
	Success bool   `json:"success"`
	Paused  *bool  `json:"paused,omitempty"`
	Message string `json:"message,omitempty"`
}

// writeActionResult answers the command endpoints, which report failure as
// success:false with a message rather than the error envelope.
func writeActionResult(w http.ResponseWriter, err error, paused *bool) {
	if err != nil {
		status, _ := lifecycleStatus(err)
		writeJSON(w, status, actionResponse{Success: false, Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, actionResponse{Success: true, Paused: paused})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorPayload{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func parseTorrentID(raw string) (domain.TorrentID, bool) {
	id := domain.NormalizeTorrentID(raw)
	return id, id.Valid()
}

func parseBoolQuery(value string) (bool, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return false, nil
	}
	switch strings.ToLower(value) {
	case "true", "1":
		return true, nil
	case "false", "0":
		return false, nil
	default:
		return false, errors.New("invalid bool")
	}
}
