package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateConflict(t *testing.T) {
	err := StateConflict("case is not awaiting a response", "matched", "accepted")

	assert.Equal(t, "STATE_CONFLICT", err.Code)
	assert.Equal(t, http.StatusConflict, err.HTTPStatus)
	assert.Equal(t, "matched", err.Details["expected"])
	assert.Equal(t, "accepted", err.Details["actual"])
	assert.True(t, Is(err, ErrStateConflict))
}

func TestInvalidRequest(t *testing.T) {
	err := InvalidRequest("unknown tag", map[string]string{"tags": "teleportation"})

	assert.Equal(t, "INVALID_REQUEST", err.Code)
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(err))
	assert.True(t, Is(err, ErrInvalidRequest))
}

func TestWrapKeepsKind(t *testing.T) {
	inner := StateConflict("stale", "matched", "cancelled")
	wrapped := Wrap(fmt.Errorf("respond: %w", inner), "respond to match")

	require.True(t, Is(wrapped, ErrStateConflict))
	assert.Equal(t, http.StatusConflict, wrapped.HTTPStatus)
	assert.Equal(t, "STATE_CONFLICT", wrapped.Code)
	// the original is not mutated
	assert.Equal(t, "stale", inner.Message)
}

func TestWrapPlainError(t *testing.T) {
	wrapped := Wrap(New("connection refused"), "failed to load case")

	assert.Equal(t, "INTERNAL_ERROR", wrapped.Code)
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(wrapped))
	assert.Contains(t, wrapped.Error(), "connection refused")
}

func TestHTTPStatusDefault(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(New("boom")))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(NotFound("case", "x")))
}
