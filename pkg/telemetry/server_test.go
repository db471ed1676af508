package telemetry_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ynop/vespene/pkg/telemetry"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestRouter_Healthz(t *testing.T) {
	h := telemetry.NewRouter(discardLogger, nil)
	assert.Equal(t, http.StatusOK, get(t, h, "/healthz").Code)
}

func TestRouter_Metrics_ExposesWorkerNamespace(t *testing.T) {
	telemetry.WorkerTicksTotal.WithLabelValues("general", "idle").Inc()
	h := telemetry.NewRouter(discardLogger, nil)

	rec := get(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "vespene_worker_ticks_total")
}

func TestRouter_Readyz_AllChecksPass(t *testing.T) {
	h := telemetry.NewRouter(discardLogger, map[string]telemetry.ReadinessCheck{
		"postgres": func(context.Context) error { return nil },
	})
	assert.Equal(t, http.StatusOK, get(t, h, "/readyz").Code)
}

func TestRouter_Readyz_FailingCheck(t *testing.T) {
	h := telemetry.NewRouter(discardLogger, map[string]telemetry.ReadinessCheck{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	})

	rec := get(t, h, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "redis")
}
