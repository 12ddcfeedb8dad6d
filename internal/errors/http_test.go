package errors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gostep/pkg/jobregistry"
	"github.com/3leaps/gostep/pkg/manifest"
	"github.com/3leaps/gostep/pkg/process"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not found", &jobregistry.JobError{Op: "get", JobID: "a", Err: jobregistry.ErrNotFound}, http.StatusNotFound, CodeNotFound},
		{"step not found", fmt.Errorf("x: %w", jobregistry.ErrStepNotFound), http.StatusNotFound, CodeStepNotFound},
		{"exists", jobregistry.ErrJobExists, http.StatusConflict, CodeConflict},
		{"invalid id", jobregistry.ErrInvalidJobID, http.StatusBadRequest, CodeBadRequest},
		{"transition", jobregistry.ErrInvalidTransition, http.StatusConflict, CodeInvalidTransition},
		{"no steps", jobregistry.ErrNoSteps, http.StatusConflict, CodeInvalidTransition},
		{"busy", process.ErrAlreadyProcessing, http.StatusConflict, CodeAlreadyProcessing},
		{"manifest", manifest.ValidationErrors{{Path: "/steps", Message: "bad"}}, http.StatusBadRequest, CodeValidationFailed},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout, CodeTimeout},
		{"explicit", New(http.StatusTeapot, "TEAPOT", "short and stout"), http.StatusTeapot, "TEAPOT"},
		{"unknown", fmt.Errorf("disk on fire"), http.StatusInternalServerError, CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			se := Classify(tt.err)
			assert.Equal(t, tt.status, se.Status)
			assert.Equal(t, tt.code, se.Code)
		})
	}
}

func TestClassifyHidesInternalMessages(t *testing.T) {
	se := Classify(fmt.Errorf("open /secret/path: permission denied"))
	assert.Equal(t, "internal server error", se.Message)
	assert.ErrorContains(t, se, "/secret/path")
}

func TestRespondWithError(t *testing.T) {
	var handler http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		RespondWithError(w, r, jobregistry.ErrNotFound)
	})
	handler = chimw.RequestID(handler)

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/x", nil)
	req.Header.Set("X-Request-Id", "req-123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, CodeNotFound, body.Error.Code)
	assert.Equal(t, "req-123", body.Error.RequestID)
}

func TestStatusErrorUnwrap(t *testing.T) {
	se := Wrap(jobregistry.ErrNotFound, http.StatusNotFound, CodeNotFound, "missing")
	assert.ErrorIs(t, se, jobregistry.ErrNotFound)
	assert.Equal(t, "missing: "+jobregistry.ErrNotFound.Error(), se.Error())

	withDetails := se.WithDetails(map[string]any{"id": "a"})
	assert.Nil(t, se.Details)
	assert.Equal(t, "a", withDetails.Details["id"])
}
