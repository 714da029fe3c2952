package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ent0n29/divevoice/internal/config"
	"github.com/ent0n29/divevoice/internal/transport"
)

type transportSetup struct {
	transport transport.Transport
	name      string
	detail    string
}

// resolveTransport picks the remote speech endpoint. Auto uses Gemini Live
// when an API key is present and falls back to the scripted mock otherwise.
func resolveTransport(ctx context.Context, cfg config.Config, logger *zap.Logger) (transportSetup, error) {
	mode := cfg.VoiceTransport
	if mode == "" {
		mode = "auto"
	}

	tryGemini := func() (transportSetup, error) {
		t, err := transport.NewGeminiTransport(ctx, cfg.GeminiAPIKey, cfg.GeminiLiveModel, logger)
		if err != nil {
			return transportSetup{}, fmt.Errorf("gemini transport init failed: %w", err)
		}
		return transportSetup{
			transport: t,
			name:      "gemini",
			detail:    "gemini live " + cfg.GeminiLiveModel,
		}, nil
	}
	mock := transportSetup{
		transport: transport.NewMockTransport(transport.MockOptions{Scripted: true}),
		name:      "mock",
		detail:    "scripted mock (no remote endpoint)",
	}

	switch mode {
	case "gemini":
		return tryGemini()
	case "mock":
		return mock, nil
	case "auto":
		if cfg.GeminiAPIKey == "" {
			logger.Warn("GEMINI_API_KEY not set; using scripted mock transport")
			return mock, nil
		}
		return tryGemini()
	default:
		return transportSetup{}, fmt.Errorf("unknown VOICE_TRANSPORT %q", cfg.VoiceTransport)
	}
}

// NewTransport resolves the configured transport for callers that run a
// session outside the HTTP service.
func NewTransport(ctx context.Context, cfg config.Config, logger *zap.Logger) (transport.Transport, TransportInfo, error) {
	setup, err := resolveTransport(ctx, cfg, logger)
	if err != nil {
		return nil, TransportInfo{}, err
	}
	return setup.transport, TransportInfo{Name: setup.name, Detail: setup.detail}, nil
}
