package runtime

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/vozfin/vozfin-core/internal/config"
	"go.opentelemetry.io/otel"
)

func TestTelemetryServesMetrics(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default()
	cfg.RuntimeName = "vozfin-test"

	shutdown, handler, err := setupTelemetry(cfg, logger)
	if err != nil {
		t.Fatalf("setup telemetry: %v", err)
	}
	t.Cleanup(func() { _ = shutdown(context.Background()) })
	if handler == nil {
		t.Fatal("expected metrics handler")
	}

	counter, err := otel.Meter("vozfin-test").Int64Counter("vozfin.telemetry.check")
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	counter.Add(context.Background(), 3)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"vozfin_telemetry_check", "go_goroutines", `service_namespace="vozfin"`} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q", want)
		}
	}
}

func TestSpanExporterSelection(t *testing.T) {
	ctx := context.Background()
	if exp, name, err := spanExporter(ctx, config.TelemetryConfig{}); err != nil || exp != nil || name != "none" {
		t.Fatalf("expected no exporter, got %v %q %v", exp, name, err)
	}
	exp, name, err := spanExporter(ctx, config.TelemetryConfig{StdoutTraces: true})
	if err != nil || exp == nil || name != "stdout" {
		t.Fatalf("expected stdout exporter, got %v %q %v", exp, name, err)
	}
	_ = exp.Shutdown(ctx)
}
