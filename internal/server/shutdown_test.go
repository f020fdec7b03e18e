package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestShutdownClosesInReverseOrder(t *testing.T) {
	sm := NewShutdownManager(time.Second, discard)
	var order []string
	sm.RegisterCloser("store", CloserFunc(func() error { order = append(order, "store"); return nil }))
	sm.RegisterCloser("notifier", CloserFunc(func() error { order = append(order, "notifier"); return errors.New("broker gone") }))
	sm.RegisterCloser("http", CloserFunc(func() error { order = append(order, "http"); return nil }))

	err := sm.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "close notifier")
	assert.Equal(t, []string{"http", "notifier", "store"}, order)

	assert.Equal(t, err, sm.Shutdown(context.Background()), "second call returns the first result")
	assert.Len(t, order, 3)
	assert.True(t, sm.IsShuttingDown())

	select {
	case <-sm.ShutdownCh():
	default:
		t.Fatal("shutdown channel not closed")
	}
}

func TestShutdownMiddlewareRejectsAfterShutdown(t *testing.T) {
	sm := NewShutdownManager(time.Second, discard)
	h := ShutdownMiddleware(sm)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, int64(1), sm.InFlightCount())
		w.WriteHeader(http.StatusNoContent)
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, int64(0), sm.InFlightCount())

	require.NoError(t, sm.Shutdown(context.Background()))
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestShutdownDrainTimeout(t *testing.T) {
	sm := NewShutdownManager(150*time.Millisecond, discard)
	require.True(t, sm.TrackRequest())

	err := sm.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 in-flight")
}
