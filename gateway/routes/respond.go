package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	chainerrors "chainid/core/errors"
)

const maxBodyBytes = 64 << 10

type errorResponse struct {
	Error       string `json:"error"`
	Kind        string `json:"kind,omitempty"`
	Recoverable bool   `json:"recoverable"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		writeInternalError(w, fmt.Errorf("marshal response: %w", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

func writeBadRequest(w http.ResponseWriter, err error) {
	writeJSONError(w, http.StatusBadRequest, err)
}

func writeInternalError(w http.ResponseWriter, err error) {
	writeJSONError(w, http.StatusInternalServerError, err)
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	message := strings.TrimSpace(err.Error())
	if message == "" {
		message = http.StatusText(status)
	}
	kind := chainerrors.Kind(err)
	if kind == "unknown" {
		kind = ""
	}
	writeJSON(w, status, errorResponse{Error: message, Kind: kind, Recoverable: chainerrors.Recoverable(err)})
}

// writeActionError maps the error taxonomy onto HTTP status codes.
func writeActionError(w http.ResponseWriter, err error) {
	if err == nil {
		writeInternalError(w, errors.New("unknown action error"))
		return
	}
	writeJSONError(w, statusFor(err), err)
}

func statusFor(err error) int {
	switch chainerrors.Kind(err) {
	case "busy":
		return http.StatusConflict
	case "validation", "parse", "precondition":
		return http.StatusBadRequest
	case "timeout":
		return http.StatusGatewayTimeout
	case "operation", "deployment":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}
