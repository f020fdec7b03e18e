package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strata/strata/internal/config"
	strataerrors "github.com/strata/strata/internal/errors"
	"github.com/strata/strata/internal/lifecycle"
	"github.com/strata/strata/internal/restore"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.Notify.Type = "bus"
	cfg.Regions = []config.RegionConfig{{Name: "eu-west-1"}, {Name: "us-east-1"}}
	cfg.Tenants = map[string]config.TenantConfig{"acme": {Plan: "pro", Region: "us-east-1"}}
	return cfg
}

func TestNewWiresEveryJob(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), discard)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close(context.Background()) })

	assert.Equal(t, []string{
		lifecycle.JobRetentionMarker,
		lifecycle.JobArchivalPacker,
		lifecycle.JobArchiveVerifier,
		lifecycle.JobColdMarker,
		restore.JobInitiator,
		restore.JobPoller,
		restore.JobExpiry,
	}, a.Jobs())
	assert.Equal(t, "us-east-1", a.regions.ForTenant("acme").Name)
	assert.Equal(t, "eu-west-1", a.regions.ForTenant("globex").Name)

	for _, job := range a.Jobs() {
		assert.NoError(t, a.RunJob(context.Background(), job, ""), job)
	}
	err = a.RunJob(context.Background(), "compaction", "")
	assert.Equal(t, strataerrors.CodeJobNotFound, strataerrors.GetCode(err))
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Tenants["acme"] = config.TenantConfig{Region: "mars"}
	_, err := New(context.Background(), cfg, discard)
	assert.Error(t, err)
}

func TestHandlerServesHealthAndMetrics(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), discard)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close(context.Background()) })
	h := a.Handler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"eu-west-1"`)

	body := strings.NewReader(`{"workspace_id":"prod","category":"auth","action":"login",` +
		`"actor":{"id":"u1"},"resource":{"type":"session","id":"s1"}}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/events", body)
	req.Header.Set("X-Tenant-ID", "acme")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"region":"us-east-1"`)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "strata_events_appended_total")
}

func TestRunStopsOnCancel(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), discard)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close(context.Background()) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
