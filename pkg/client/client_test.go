package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient(t *testing.T) {
	testCases := []struct {
		name        string
		baseURL     string
		expectError bool
	}{
		{"valid", "http://localhost:8090", false},
		{"trailing slash", "http://localhost:8090/", false},
		{"missing scheme", "localhost:8090", true},
		{"empty", "", true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c, err := NewClient(tc.baseURL, nil)
			if tc.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "http://localhost:8090", c.baseURL)
		})
	}
}

func TestClient(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var req SubmitRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if len(req.Payload) == 0 {
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, `{"error":"job payload is empty","retryable":false}`)
			return
		}
		assert.Equal(t, "high", req.Priority)
		assert.Equal(t, []uint64{1}, req.Deps)
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"id":2}`)
	})
	mux.HandleFunc("GET /v1/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("timeout") == "1.5s" {
			io.WriteString(w, `{"id":2,"state":"completed","result":"success","queue":0}`)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		io.WriteString(w, `{"id":2,"state":"running","result":"none","queue":0}`)
	})
	mux.HandleFunc("DELETE /v1/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		io.WriteString(w, `{"error":"job is running","retryable":false}`)
	})
	mux.HandleFunc("POST /v1/reset", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		io.WriteString(w, `{"started":true}`)
	})
	mux.HandleFunc("GET /v1/stats", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		io.WriteString(w, `{"error":"device reset in progress","retryable":true}`)
	})
	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		io.WriteString(w, `{"healthy":false,"degraded":true}`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	c, err := NewClient(server.URL, server.Client())
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("submit", func(t *testing.T) {
		id, err := c.Submit(ctx, SubmitRequest{Priority: "high", Payload: []uint32{0x100}, Deps: []uint64{1}})
		require.NoError(t, err)
		assert.Equal(t, uint64(2), id)
	})

	t.Run("submit rejected", func(t *testing.T) {
		_, err := c.Submit(ctx, SubmitRequest{})
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
		assert.Equal(t, "job payload is empty", apiErr.Message)
		assert.False(t, IsRetryable(err))
	})

	t.Run("get and wait", func(t *testing.T) {
		st, err := c.Get(ctx, 2)
		require.NoError(t, err)
		assert.False(t, st.Done())

		st, err = c.Wait(ctx, 2, 1500*time.Millisecond)
		require.NoError(t, err)
		assert.True(t, st.Done())
		assert.Equal(t, "success", st.Result)
	})

	t.Run("cancel running", func(t *testing.T) {
		err := c.Cancel(ctx, 2)
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	})

	t.Run("reset", func(t *testing.T) {
		started, err := c.Reset(ctx)
		require.NoError(t, err)
		assert.True(t, started)
	})

	t.Run("stats retryable", func(t *testing.T) {
		_, err := c.Stats(ctx)
		assert.True(t, IsRetryable(err))
	})

	t.Run("unhealthy is not an error", func(t *testing.T) {
		raw, err := c.Health(ctx)
		require.NoError(t, err)
		assert.JSONEq(t, `{"healthy":false,"degraded":true}`, string(raw))
	})
}
