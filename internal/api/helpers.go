package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/odvcencio/forgesim/internal/service"
)

// envelope is the body of every tool response.
type envelope struct {
	Success   bool   `json:"success"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
}

const (
	errorKindAuthentication = "authentication"
	errorKindInternal       = "internal"
)

func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, message string, status int) {
	kind := string(service.KindValidation)
	switch status {
	case http.StatusUnauthorized:
		kind = errorKindAuthentication
	case http.StatusNotFound:
		kind = string(service.KindReference)
	case http.StatusInternalServerError, http.StatusServiceUnavailable:
		kind = errorKindInternal
	}
	jsonResponse(w, status, envelope{Error: message, ErrorKind: kind})
}

func writeResult(w http.ResponseWriter, status int, result any) {
	jsonResponse(w, status, envelope{Success: true, Result: result})
}

// statusForError maps a service failure onto an HTTP status. Anything that
// is not a service error is an internal failure.
func statusForError(err error) (int, string) {
	switch service.KindOf(err) {
	case service.KindValidation:
		return http.StatusBadRequest, string(service.KindValidation)
	case service.KindReference:
		return http.StatusNotFound, string(service.KindReference)
	case service.KindForbidden:
		return http.StatusForbidden, string(service.KindForbidden)
	case service.KindState:
		return http.StatusConflict, string(service.KindState)
	default:
		return http.StatusInternalServerError, errorKindInternal
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	status, kind := statusForError(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	jsonResponse(w, status, envelope{Error: msg, ErrorKind: kind})
}

// decodeBody strictly decodes a JSON object from body into dst. An empty
// body leaves dst untouched.
func decodeBody(body io.Reader, dst any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errBodyTooLarge
		}
		return badRequest("invalid request body: " + strings.TrimPrefix(err.Error(), "json: "))
	}
	if dec.More() {
		return badRequest("invalid request body: trailing data")
	}
	return nil
}

var errBodyTooLarge = errors.New("request body too large")

// badRequest wraps message as a validation error so it travels through the
// same reporting path as service failures.
func badRequest(message string) error {
	return &service.Error{Kind: service.KindValidation, Message: message}
}
