package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/ent0n29/divevoice/internal/config"
	"github.com/ent0n29/divevoice/internal/recorder"
)

func testConfig(namespace string) config.Config {
	return config.Config{
		MetricsNamespace: namespace,
		SessionBudget:    180 * time.Second,
		SessionRetention: 10 * time.Minute,
		VoiceTransport:   "auto",
		GeminiLiveModel:  "gemini-2.0-flash-live-001",
		LiveProfile:      config.DefaultLiveProfile(),
		RecorderBackend:  recorder.BackendMemory,
		RedactPII:        true,
	}
}

func TestBuildWithoutExternalServices(t *testing.T) {
	ctx := context.Background()
	res, err := Build(ctx, testConfig("test_app_build"), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer res.Cleanup(ctx)

	if res.Info.Name != "mock" {
		t.Fatalf("transport = %q, want mock fallback without an API key", res.Info.Name)
	}
	if _, ok := res.Recorder.(*recorder.Redacting); !ok {
		t.Fatalf("recorder = %T, want redacting wrapper", res.Recorder)
	}

	rec := httptest.NewRecorder()
	res.API.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("readyz = %d, want 200", rec.Code)
	}
}

func TestResolveTransportModes(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	cfg := testConfig("unused")
	cfg.VoiceTransport = "mock"
	cfg.GeminiAPIKey = "test-key"
	setup, err := resolveTransport(ctx, cfg, logger)
	if err != nil || setup.name != "mock" {
		t.Fatalf("mock mode = %q, %v", setup.name, err)
	}

	cfg.VoiceTransport = "auto"
	setup, err = resolveTransport(ctx, cfg, logger)
	if err != nil || setup.name != "gemini" {
		t.Fatalf("auto with key = %q, %v; want gemini", setup.name, err)
	}

	cfg.VoiceTransport = "telegraph"
	if _, err := resolveTransport(ctx, cfg, logger); err == nil {
		t.Fatalf("unknown mode should fail")
	}
}

func TestBuildRejectsPostgresBackendWithoutDatabase(t *testing.T) {
	cfg := testConfig("test_app_build_pg")
	cfg.RecorderBackend = recorder.BackendPostgres
	if _, err := Build(context.Background(), cfg, zaptest.NewLogger(t)); err == nil {
		t.Fatalf("Build() should fail without DATABASE_URL")
	}
}
