package utils

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSON(t *testing.T) {
	t.Run("successful write", func(t *testing.T) {
		w := httptest.NewRecorder()

		err := WriteJSON(w, http.StatusOK, map[string]string{"message": "test"})
		require.NoError(t, err)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

		var response map[string]string
		require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
		assert.Equal(t, "test", response["message"])
	})

	t.Run("nil data", func(t *testing.T) {
		w := httptest.NewRecorder()

		require.NoError(t, WriteJSON(w, http.StatusNoContent, nil))
		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Empty(t, w.Body.String())
	})
}

func TestWriteCreated(t *testing.T) {
	w := httptest.NewRecorder()
	require.NoError(t, WriteCreated(w, map[string]string{"id": "123"}))

	assert.Equal(t, http.StatusCreated, w.Code)
	var response SuccessResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "123", response.Data.(map[string]interface{})["id"])
}

func TestWritePage(t *testing.T) {
	w := httptest.NewRecorder()
	require.NoError(t, WritePage(w, []string{"a"}, PageMeta{Page: 2, PageSize: 1, Total: 3, TotalPages: 3, HasNext: true, HasPrev: true}))

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	meta := body["meta"].(map[string]interface{})
	assert.Equal(t, float64(2), meta["page"])
	assert.Equal(t, true, meta["has_next"])
	assert.Equal(t, []interface{}{"a"}, body["data"])
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		status int
		code   string
		want   string
	}{
		{http.StatusBadRequest, "", "bad_request"},
		{http.StatusUnauthorized, "", "unauthorized"},
		{http.StatusForbidden, "boundary_violation", "boundary_violation"},
		{http.StatusNotFound, "", "not_found"},
		{http.StatusConflict, "", "conflict"},
		{http.StatusTooManyRequests, "", "quota_exceeded"},
		{http.StatusTeapot, "", "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			w := httptest.NewRecorder()
			require.NoError(t, WriteError(w, tt.status, tt.code, "msg", "req-1", map[string]interface{}{"k": "v"}))

			assert.Equal(t, tt.status, w.Code)
			var response ErrorResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
			assert.Equal(t, tt.want, response.Error)
			assert.Equal(t, "msg", response.Message)
			assert.Equal(t, "req-1", response.RequestID)
			assert.Equal(t, "v", response.Details["k"])
		})
	}
}

func TestWriteHelpersDefaultMessages(t *testing.T) {
	w := httptest.NewRecorder()
	require.NoError(t, WriteUnauthorized(w, ""))
	assert.Contains(t, w.Body.String(), "Authentication required")

	w = httptest.NewRecorder()
	require.NoError(t, WriteForbidden(w, ""))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = httptest.NewRecorder()
	require.NoError(t, WriteNotFound(w, ""))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	require.NoError(t, WriteInternalServerError(w, ""))
	assert.Contains(t, w.Body.String(), "internal_error")

	w = httptest.NewRecorder()
	WriteNoContent(w)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestDecodeJSON(t *testing.T) {
	decode := func(body string) (map[string]interface{}, error) {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		var dst map[string]interface{}
		err := DecodeJSON(httptest.NewRecorder(), r, &dst)
		return dst, err
	}

	dst, err := decode(`{"title":"VPN","count":3}`)
	require.NoError(t, err)
	assert.Equal(t, "VPN", dst["title"])
	assert.Equal(t, json.Number("3"), dst["count"])

	_, err = decode(``)
	assert.EqualError(t, err, "request body is required")

	_, err = decode(`{"title":`)
	assert.ErrorContains(t, err, "invalid JSON body")

	_, err = decode(`{} {}`)
	assert.ErrorContains(t, err, "single JSON value")

	_, err = decode(`{"blob":"` + strings.Repeat("x", MaxBodyBytes) + `"}`)
	assert.Error(t, err)
}

func TestQueryInt(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/?page=3&size=abc", nil)

	v, err := QueryInt(r, "page", 1)
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	v, err = QueryInt(r, "missing", 7)
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	_, err = QueryInt(r, "size", 1)
	assert.EqualError(t, err, "size must be an integer")
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.1.2.3:5555"
	assert.Equal(t, "10.1.2.3", ClientIP(r))

	r.RemoteAddr = "10.1.2.3"
	assert.Equal(t, "10.1.2.3", ClientIP(r))
}
