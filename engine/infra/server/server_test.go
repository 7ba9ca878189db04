package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fmtd/fmtd/engine/adapter"
	"github.com/fmtd/fmtd/engine/cache"
	"github.com/fmtd/fmtd/engine/core"
	"github.com/fmtd/fmtd/engine/dispatch"
	"github.com/fmtd/fmtd/engine/executor"
	"github.com/fmtd/fmtd/engine/format"
	"github.com/fmtd/fmtd/engine/profile"
	"github.com/fmtd/fmtd/pkg/config"
	"github.com/fmtd/fmtd/pkg/logger"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dataRoot := t.TempDir()

	scriptPath := filepath.Join(t.TempDir(), "formatter")
	script := "#!/bin/sh\ntr -d ' '\n"
	require.NoError(t, os.WriteFile(scriptPath, []byte(script), 0o755))

	registry, err := profile.NewRegistry([]config.FormatterConfig{{
		ID:         "js-fake",
		Language:   "javascript",
		Binary:     scriptPath,
		Mode:       "stdin",
		Extensions: []string{".js"},
	}})
	require.NoError(t, err)

	adp := adapter.New(config.ExecConfig{
		Timeout:   5 * time.Second,
		KillGrace: time.Second,
		MaxStdout: 1 << 20,
		MaxStderr: 1 << 20,
	})
	exec, err := executor.New(adp, registry, dataRoot)
	require.NoError(t, err)
	store, err := cache.New(t.Context(), config.CacheConfig{
		MaxBytes:   1 << 20,
		HotEntries: 64,
		HotBytes:   1 << 20,
	}, dataRoot)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close(context.Background()) })

	dispatcher := dispatch.New(config.DispatchConfig{Workers: 2, QueueSize: 16}, exec, store)
	require.NoError(t, dispatcher.Start(t.Context()))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = dispatcher.Stop(stopCtx)
	})

	cfg := config.Default()
	cfg.Data.Root = dataRoot
	svc := format.NewService(registry, dispatcher)
	return NewServer(cfg, svc, logger.NewLogger(logger.TestConfig()))
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestFormatEndpoint(t *testing.T) {
	t.Run("Should format inline content synchronously", func(t *testing.T) {
		srv := newTestServer(t)
		rec := doJSON(t, srv, http.MethodPost, "/api/v0/format", map[string]any{
			"content":  "const x = 1 ;",
			"filename": "main.js",
		})
		require.Equal(t, http.StatusOK, rec.Code)
		var resp formatResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "constx=1;", resp.Output)
		assert.NotEmpty(t, resp.Key)
	})
	t.Run("Should reject content without a detectable profile", func(t *testing.T) {
		srv := newTestServer(t)
		rec := doJSON(t, srv, http.MethodPost, "/api/v0/format", map[string]any{
			"content":  "plain words only",
			"filename": "notes.xyz",
		})
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
		var problem map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
		assert.Equal(t, core.CodeNoProfileFound, problem["code"])
	})
	t.Run("Should reject malformed JSON bodies", func(t *testing.T) {
		srv := newTestServer(t)
		req := httptest.NewRequest(http.MethodPost, "/api/v0/format", bytes.NewReader([]byte("{not json")))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})
	t.Run("Should reject oversized bodies", func(t *testing.T) {
		srv := newTestServer(t)
		srv.cfg.Server.MaxBodyBytes = 64
		// routes capture the config pointer, so the limit applies to a
		// freshly registered engine
		rebuilt := NewServer(srv.cfg, srv.svc, logger.NewLogger(logger.TestConfig()))
		rec := doJSON(t, rebuilt, http.MethodPost, "/api/v0/format", map[string]any{
			"content":  string(bytes.Repeat([]byte("x"), 4096)),
			"filename": "main.js",
		})
		require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})
}

func TestJobEndpoints(t *testing.T) {
	t.Run("Should submit a job and retrieve its result", func(t *testing.T) {
		srv := newTestServer(t)
		rec := doJSON(t, srv, http.MethodPost, "/api/v0/jobs", map[string]any{
			"content":  "let y = 2 ;",
			"filename": "y.js",
		})
		require.Equal(t, http.StatusAccepted, rec.Code)
		var view dispatch.View
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
		require.NotEmpty(t, view.ID)

		status := doJSON(t, srv, http.MethodGet, fmt.Sprintf("/api/v0/jobs/%s?wait=true", view.ID), nil)
		require.Equal(t, http.StatusOK, status.Code)
		var snapshot jobStatusResponse
		require.NoError(t, json.Unmarshal(status.Body.Bytes(), &snapshot))
		assert.Equal(t, core.StatusSucceeded, snapshot.Status)
		require.NotNil(t, snapshot.Result)
		assert.Equal(t, "lety=2;", snapshot.Result.Output)
	})
	t.Run("Should return 404 for unknown job IDs", func(t *testing.T) {
		srv := newTestServer(t)
		rec := doJSON(t, srv, http.MethodGet, "/api/v0/jobs/does-not-exist", nil)
		require.Equal(t, http.StatusNotFound, rec.Code)
		var problem map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
		assert.Equal(t, core.CodeJobNotFound, problem["code"])
	})
	t.Run("Should report a failed job inside the snapshot", func(t *testing.T) {
		failing := filepath.Join(t.TempDir(), "formatter")
		script := "#!/bin/sh\necho 'syntax error' >&2\nexit 2\n"
		require.NoError(t, os.WriteFile(failing, []byte(script), 0o755))
		registry, err := profile.NewRegistry([]config.FormatterConfig{{
			ID:         "js-fail",
			Language:   "javascript",
			Binary:     failing,
			Mode:       "stdin",
			Extensions: []string{".js"},
		}})
		require.NoError(t, err)
		srv2 := newServerWithRegistry(t, registry)

		rec := doJSON(t, srv2, http.MethodPost, "/api/v0/jobs", map[string]any{
			"content":  "broken",
			"filename": "bad.js",
		})
		require.Equal(t, http.StatusAccepted, rec.Code)
		var view dispatch.View
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))

		status := doJSON(t, srv2, http.MethodGet, fmt.Sprintf("/api/v0/jobs/%s?wait=true", view.ID), nil)
		require.Equal(t, http.StatusOK, status.Code)
		var snapshot jobStatusResponse
		require.NoError(t, json.Unmarshal(status.Body.Bytes(), &snapshot))
		assert.Equal(t, core.StatusFailed, snapshot.Status)
		require.NotNil(t, snapshot.Error)
		assert.Equal(t, core.CodeFormattingFailed, snapshot.Error.Code)
		assert.Nil(t, snapshot.Result)
	})
	t.Run("Should cancel a queued job", func(t *testing.T) {
		slow := filepath.Join(t.TempDir(), "formatter")
		script := "#!/bin/sh\nsleep 30\n"
		require.NoError(t, os.WriteFile(slow, []byte(script), 0o755))
		registry, err := profile.NewRegistry([]config.FormatterConfig{{
			ID:         "js-slow",
			Language:   "javascript",
			Binary:     slow,
			Mode:       "stdin",
			Extensions: []string{".js"},
		}})
		require.NoError(t, err)
		srv2 := newServerWithRegistry(t, registry)

		rec := doJSON(t, srv2, http.MethodPost, "/api/v0/jobs", map[string]any{
			"content":  "anything",
			"filename": "slow.js",
		})
		require.Equal(t, http.StatusAccepted, rec.Code)
		var view dispatch.View
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))

		del := doJSON(t, srv2, http.MethodDelete, fmt.Sprintf("/api/v0/jobs/%s", view.ID), nil)
		require.Equal(t, http.StatusNoContent, del.Code)

		status := doJSON(t, srv2, http.MethodGet, fmt.Sprintf("/api/v0/jobs/%s?wait=true", view.ID), nil)
		require.Equal(t, http.StatusOK, status.Code)
		var snapshot jobStatusResponse
		require.NoError(t, json.Unmarshal(status.Body.Bytes(), &snapshot))
		assert.Equal(t, core.StatusCancelled, snapshot.Status)
	})
}

func TestInfoEndpoints(t *testing.T) {
	t.Run("Should list configured profiles", func(t *testing.T) {
		srv := newTestServer(t)
		rec := doJSON(t, srv, http.MethodGet, "/api/v0/profiles", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var body struct {
			Profiles []profile.Profile `json:"profiles"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Len(t, body.Profiles, 1)
		assert.Equal(t, "js-fake", body.Profiles[0].ID)
	})
	t.Run("Should report health with dispatch stats", func(t *testing.T) {
		srv := newTestServer(t)
		rec := doJSON(t, srv, http.MethodGet, "/healthz", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "ok", body["status"])
	})
	t.Run("Should echo the request ID header", func(t *testing.T) {
		srv := newTestServer(t)
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.Header.Set("X-Request-ID", "trace-123")
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		assert.Equal(t, "trace-123", rec.Header().Get("X-Request-ID"))
	})
}

func newServerWithRegistry(t *testing.T, registry *profile.Registry) *Server {
	t.Helper()
	dataRoot := t.TempDir()
	adp := adapter.New(config.ExecConfig{
		Timeout:   5 * time.Second,
		KillGrace: time.Second,
		MaxStdout: 1 << 20,
		MaxStderr: 1 << 20,
	})
	exec, err := executor.New(adp, registry, dataRoot)
	require.NoError(t, err)
	store, err := cache.New(t.Context(), config.CacheConfig{
		MaxBytes:   1 << 20,
		HotEntries: 64,
		HotBytes:   1 << 20,
	}, dataRoot)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close(context.Background()) })
	dispatcher := dispatch.New(config.DispatchConfig{Workers: 1, QueueSize: 16}, exec, store)
	require.NoError(t, dispatcher.Start(t.Context()))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = dispatcher.Stop(stopCtx)
	})
	cfg := config.Default()
	cfg.Data.Root = dataRoot
	svc := format.NewService(registry, dispatcher)
	return NewServer(cfg, svc, logger.NewLogger(logger.TestConfig()))
}
