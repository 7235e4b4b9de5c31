package tasks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmiyazaki/taskchain/internal/chain"
	"github.com/kmiyazaki/taskchain/internal/task"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok": true, "source": "json"}`))
	})
	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var payload any
		_ = json.Unmarshal(body, &payload)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"echo": payload, "method": r.Method})
	})
	mux.HandleFunc("/fail", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPGetJSON(t *testing.T) {
	srv := newTestServer(t)
	c := buildChain(t, chain.Config{
		Name: "http-get",
		Tasks: []map[string]any{
			{"http": map[string]any{
				"name":      "fetch",
				"url":       srv.URL + "/json",
				"result_as": "resp",
			}},
		},
	})
	require.NoError(t, c.Run(context.Background()))

	resp, ok := c.Variables().Get("resp")
	require.True(t, ok)
	m := resp.(map[string]any)
	assert.Equal(t, 200, m["status_code"])

	body := m["body"].(map[string]any)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "json", body["source"])
}

func TestHTTPPostBody(t *testing.T) {
	srv := newTestServer(t)
	c := buildChain(t, chain.Config{
		Name: "http-post",
		Tasks: []map[string]any{
			{"http": map[string]any{
				"name":      "send",
				"url":       srv.URL + "/echo",
				"method":    "post",
				"data":      map[string]any{"greeting": "hello"},
				"result_as": "resp",
			}},
		},
	})
	require.NoError(t, c.Run(context.Background()))

	resp, _ := c.Variables().Get("resp")
	body := resp.(map[string]any)["body"].(map[string]any)
	assert.Equal(t, "POST", body["method"])
	assert.Equal(t, map[string]any{"greeting": "hello"}, body["echo"])
}

func TestHTTPErrorStatus(t *testing.T) {
	srv := newTestServer(t)
	c := buildChain(t, chain.Config{
		Name: "http-fail",
		Tasks: []map[string]any{
			{"http": map[string]any{"name": "fetch", "url": srv.URL + "/fail"}},
		},
	})

	err := c.Run(context.Background())
	require.Error(t, err)
	failed := c.FindTaskByName("fetch")
	require.NotNil(t, failed)
	assert.Contains(t, failed.Meta().Errors[0], "500")
}

func TestHTTPExpectStatusOverridesErrorCheck(t *testing.T) {
	srv := newTestServer(t)
	c := buildChain(t, chain.Config{
		Name: "http-expect",
		Tasks: []map[string]any{
			{"http": map[string]any{
				"name":          "fetch",
				"url":           srv.URL + "/fail",
				"expect_status": 500,
				"result_as":     "resp",
			}},
		},
	})
	require.NoError(t, c.Run(context.Background()))

	resp, _ := c.Variables().Get("resp")
	assert.Equal(t, 500, resp.(map[string]any)["status_code"])
}

func TestHTTPInvalidMethod(t *testing.T) {
	c := buildChain(t, chain.Config{
		Name: "http-badmethod",
		Tasks: []map[string]any{
			{"http": map[string]any{"name": "fetch", "url": "http://localhost/x", "method": "BREW"}},
		},
	})

	err := c.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, task.ErrConfiguration)
}
