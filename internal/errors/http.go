// Package errors maps gostep errors onto the JSON error envelope served by
// the HTTP API.
package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/3leaps/gostep/pkg/jobregistry"
	"github.com/3leaps/gostep/pkg/manifest"
	"github.com/3leaps/gostep/pkg/process"
)

// Error codes carried in HTTPError.Code.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeValidationFailed   = "VALIDATION_FAILED"
	CodeNotFound           = "NOT_FOUND"
	CodeStepNotFound       = "STEP_NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeConflict           = "CONFLICT"
	CodeInvalidTransition  = "INVALID_TRANSITION"
	CodeAlreadyProcessing  = "ALREADY_PROCESSING"
	CodeTimeout            = "TIMEOUT"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeInternal           = "INTERNAL_ERROR"
)

// HTTPError is the body of an error response.
type HTTPError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// HTTPErrorResponse wraps HTTPError as {"error": {...}}.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

// StatusError is an error that already knows its HTTP status and code.
type StatusError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
	Err     error
}

// New returns a StatusError without a cause.
func New(status int, code, message string) *StatusError {
	return &StatusError{Status: status, Code: code, Message: message}
}

// Wrap returns a StatusError that unwraps to err.
func Wrap(err error, status int, code, message string) *StatusError {
	return &StatusError{Status: status, Code: code, Message: message, Err: err}
}

func (e *StatusError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *StatusError) Unwrap() error { return e.Err }

// WithDetails returns a copy of e carrying details.
func (e *StatusError) WithDetails(details map[string]any) *StatusError {
	cp := *e
	cp.Details = details
	return &cp
}

// Classify maps err onto a status, code and client-safe message.
func Classify(err error) *StatusError {
	var se *StatusError
	if stderrors.As(err, &se) {
		return se
	}

	var verrs manifest.ValidationErrors
	switch {
	case stderrors.As(err, &verrs):
		return Wrap(err, http.StatusBadRequest, CodeValidationFailed, "manifest validation failed").
			WithDetails(map[string]any{"errors": verrs})
	case stderrors.Is(err, manifest.ErrValidationFailed):
		return Wrap(err, http.StatusBadRequest, CodeValidationFailed, err.Error())
	case stderrors.Is(err, jobregistry.ErrInvalidJobID):
		return Wrap(err, http.StatusBadRequest, CodeBadRequest, err.Error())
	case stderrors.Is(err, jobregistry.ErrStepNotFound):
		return Wrap(err, http.StatusNotFound, CodeStepNotFound, err.Error())
	case stderrors.Is(err, jobregistry.ErrNotFound):
		return Wrap(err, http.StatusNotFound, CodeNotFound, err.Error())
	case stderrors.Is(err, jobregistry.ErrJobExists):
		return Wrap(err, http.StatusConflict, CodeConflict, err.Error())
	case stderrors.Is(err, process.ErrAlreadyProcessing):
		return Wrap(err, http.StatusConflict, CodeAlreadyProcessing, "a run is already in progress")
	case stderrors.Is(err, jobregistry.ErrInvalidTransition):
		return Wrap(err, http.StatusConflict, CodeInvalidTransition, err.Error())
	case stderrors.Is(err, context.DeadlineExceeded):
		return Wrap(err, http.StatusGatewayTimeout, CodeTimeout, "timed out waiting for the runner")
	default:
		return Wrap(err, http.StatusInternalServerError, CodeInternal, "internal server error")
	}
}

// RespondWithError writes the envelope for err.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	se := Classify(err)
	WriteError(w, r, se.Status, se.Code, se.Message, se.Details)
}

// WriteError writes an error envelope with the request id taken from r.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	var requestID string
	if r != nil {
		requestID = chimw.GetReqID(r.Context())
	}
	WriteJSON(w, status, HTTPErrorResponse{Error: HTTPError{
		Code:      code,
		Message:   message,
		RequestID: requestID,
		Details:   details,
	}})
}

// WriteJSON writes v as a JSON response body.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
