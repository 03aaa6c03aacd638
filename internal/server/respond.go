package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/qshield/internal/auth"
	"github.com/thebtf/qshield/internal/ingress"
)

const maxBodyBytes = 1 << 20

// statusFor maps an action error to its HTTP status.
func statusFor(err error) int {
	var denied *ingress.PolicyDeniedError
	switch {
	case errors.As(err, &denied):
		return http.StatusForbidden
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, ingress.ErrUnknownConnection):
		return http.StatusUnauthorized
	case errors.Is(err, ingress.ErrUnknownSession), errors.Is(err, ingress.ErrUnknownRecord):
		return http.StatusNotFound
	case errors.Is(err, ingress.ErrSimulatorTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ingress.ErrSimulatorUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, ingress.ErrGenerationInProgress), errors.Is(err, ingress.ErrNoActiveKey):
		return http.StatusConflict
	case errors.Is(err, ingress.ErrInvalidAction):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	body := ingress.NewErrorBody(err)
	if errors.Is(err, auth.ErrInvalidToken) {
		body.Kind = "invalid_token"
	}
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("Request failed")
	}
	writeJSON(w, status, body)
}

// decodeBody reads a JSON body into v. An empty body leaves v unchanged.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("%w: invalid body: %v", ingress.ErrInvalidAction, err)
}

func invalidInput(err error) error {
	return fmt.Errorf("%w: %v", ingress.ErrInvalidAction, err)
}
