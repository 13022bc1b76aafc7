// Package server provides HTTP and WebSocket helpers for the monitor API.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/otomoni/machinemon/internal/types"
)

// maxBodyBytes limits request bodies.
const maxBodyBytes = 1 << 20

// ErrorResponse is the body of every failed API call.
type ErrorResponse struct {
	Error  string             `json:"error"`
	Fields []types.FieldError `json:"fields,omitempty"`
}

// DecodeAndValidate decodes the JSON body into data and validates it.
// Returns true if successful, false if an error response was already sent.
func DecodeAndValidate[T any](w http.ResponseWriter, r *http.Request, data *T) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(data); err != nil {
		SendError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return false
	}

	if err := types.ValidateStruct(data); err != nil {
		SendError(w, http.StatusBadRequest, err)
		return false
	}

	return true
}

// HandleRequest decodes, validates and processes a request, answering with
// the result or the error's status.
func HandleRequest[T any](w http.ResponseWriter, r *http.Request, process func(*T) (any, error)) {
	var data T
	if !DecodeAndValidate(w, r, &data) {
		return
	}

	result, err := process(&data)
	if err != nil {
		SendError(w, StatusFor(err), err)
		return
	}
	SendJSON(w, http.StatusOK, result)
}

// --- Response helpers ---

// SendJSON writes data as a JSON response.
func SendJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// SendError writes err as a JSON error response. Validation errors carry
// their field list.
func SendError(w http.ResponseWriter, status int, err error) {
	resp := ErrorResponse{Error: err.Error()}
	var verr *types.ValidationError
	if errors.As(err, &verr) {
		resp.Error = "validation failed"
		resp.Fields = verr.Errors
		status = http.StatusBadRequest
	}
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "status", status, "error", err)
	}
	SendJSON(w, status, resp)
}

// statusCoder lets domain errors choose their HTTP status.
type statusCoder interface {
	HTTPStatus() int
}

// StatusFor maps an error to an HTTP status.
func StatusFor(err error) int {
	var verr *types.ValidationError
	if errors.As(err, &verr) {
		return http.StatusBadRequest
	}
	var sc statusCoder
	if errors.As(err, &sc) {
		return sc.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// BadRequest wraps err so StatusFor reports 400.
func BadRequest(err error) error {
	return &httpError{status: http.StatusBadRequest, err: err}
}

// NotFound wraps err so StatusFor reports 404.
func NotFound(err error) error {
	return &httpError{status: http.StatusNotFound, err: err}
}

// Conflict wraps err so StatusFor reports 409.
func Conflict(err error) error {
	return &httpError{status: http.StatusConflict, err: err}
}

type httpError struct {
	status int
	err    error
}

func (e *httpError) Error() string   { return e.err.Error() }
func (e *httpError) Unwrap() error   { return e.err }
func (e *httpError) HTTPStatus() int { return e.status }
