package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()

	err := WriteJSON(w, http.StatusOK, map[string]string{"message": "success"})

	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "success")
}

func TestErrorWriters(t *testing.T) {
	tests := []struct {
		name   string
		write  func(http.ResponseWriter)
		status int
		msg    string
	}{
		{"WriteError", func(w http.ResponseWriter) { WriteError(w, http.StatusConflict, errors.New("conflict")) }, http.StatusConflict, "conflict"},
		{"WriteBadRequest", func(w http.ResponseWriter) { WriteBadRequest(w, "bad input") }, http.StatusBadRequest, "bad input"},
		{"WriteUnauthorized", func(w http.ResponseWriter) { WriteUnauthorized(w, "invalid signature") }, http.StatusUnauthorized, "invalid signature"},
		{"WriteNotFoundError", func(w http.ResponseWriter) { WriteNotFoundError(w, "subscription not found") }, http.StatusNotFound, "subscription not found"},
		{"WriteInternalError", func(w http.ResponseWriter) { WriteInternalError(w, errors.New("db down")) }, http.StatusInternalServerError, "db down"},
		{"WriteServiceUnavailable", func(w http.ResponseWriter) { WriteServiceUnavailable(w, "not ready") }, http.StatusServiceUnavailable, "not ready"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.write(w)

			assert.Equal(t, tt.status, w.Code)
			var body ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.msg, body.Error)
		})
	}
}

func TestWriteDetailedError(t *testing.T) {
	w := httptest.NewRecorder()

	WriteDetailedError(w, http.StatusBadRequest, errors.New("invalid subscription"), map[string]string{"field": "secret"})

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "secret", body.Details["field"])
}

func TestSuccessWriters(t *testing.T) {
	tests := []struct {
		name   string
		write  func(http.ResponseWriter) error
		status int
	}{
		{"WriteSuccess", func(w http.ResponseWriter) error { return WriteSuccess(w, map[string]int{"n": 1}) }, http.StatusOK},
		{"WriteCreated", func(w http.ResponseWriter) error { return WriteCreated(w, map[string]int{"n": 1}) }, http.StatusCreated},
		{"WriteAccepted", func(w http.ResponseWriter) error { return WriteAccepted(w, map[string]int{"n": 1}) }, http.StatusAccepted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			assert.NoError(t, tt.write(w))
			assert.Equal(t, tt.status, w.Code)
			assert.JSONEq(t, `{"n":1}`, w.Body.String())
		})
	}
}

func TestWriteNoContent(t *testing.T) {
	w := httptest.NewRecorder()
	WriteNoContent(w)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Body.String())
}
