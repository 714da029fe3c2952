package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ent0n29/divevoice/internal/auth"
	"github.com/ent0n29/divevoice/internal/config"
	"github.com/ent0n29/divevoice/internal/httpapi"
	"github.com/ent0n29/divevoice/internal/observability"
	"github.com/ent0n29/divevoice/internal/quota"
	"github.com/ent0n29/divevoice/internal/recorder"
	"github.com/ent0n29/divevoice/internal/session"
	"github.com/ent0n29/divevoice/internal/store"
	"github.com/ent0n29/divevoice/internal/transport"
)

type TransportInfo struct {
	Name   string
	Detail string
}

type BuildResult struct {
	Config    config.Config
	API       *httpapi.Server
	Sessions  *session.Manager
	Gate      quota.Gate
	Recorder  recorder.Recorder
	Transport transport.Transport
	Metrics   *observability.Metrics
	Info      TransportInfo

	// Cleanup should be called on shutdown to release external resources (DB pool, Mongo client).
	Cleanup func(ctx context.Context) error
}

// Build wires the service from cfg. Postgres is used for quota and session
// entries when DATABASE_URL is set; MongoDB may hold entries instead.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	clk := clock.New()

	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		p, err := store.OpenPostgres(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, fmt.Errorf("postgres init failed: %w", err)
		}
		pool = p
	}
	closePool := func() {
		if pool != nil {
			pool.Close()
		}
	}

	recOpts := recorder.Options{
		Backend:       cfg.RecorderBackend,
		Pool:          pool,
		MongoURI:      cfg.MongoURI,
		MongoDatabase: cfg.MongoDatabase,
	}
	entries, err := recorder.Open(ctx, recOpts, logger)
	if err != nil {
		closePool()
		return nil, fmt.Errorf("recorder init failed: %w", err)
	}
	var rec recorder.Recorder = entries
	if cfg.RedactPII {
		rec = recorder.NewRedacting(entries)
	}

	setup, err := resolveTransport(ctx, cfg, logger)
	if err != nil {
		_ = entries.Close(ctx)
		closePool()
		return nil, err
	}

	gate := quota.NewGate(pool, cfg.QuotaDailyVoiceLimit, clk)

	profile := cfg.LiveProfile
	sessions := session.NewManager(session.Config{
		Budget: cfg.SessionBudget,
		Transport: transport.Config{
			Model:             cfg.GeminiLiveModel,
			SystemInstruction: profile.SystemInstruction,
			VoiceName:         profile.VoiceName,
			LanguageCode:      profile.LanguageCode,
		},
		TransportName: setup.name,
	}, session.Deps{
		Gate:      gate,
		Recorder:  rec,
		Transport: setup.transport,
		Clock:     clk,
		Logger:    logger,
		Metrics:   metrics,
	}, cfg.SessionRetention)
	sessions.SetEvictHook(func(s session.Session) {
		metrics.SessionEvent("evicted")
		logger.Debug("evicted idle session controller", zap.String("subject_id", s.SubjectID))
	})

	var ready func(context.Context) error
	if pool != nil {
		ready = pool.Ping
	}
	api := httpapi.New(cfg, httpapi.Deps{
		Sessions: sessions,
		Gate:     gate,
		Verifier: auth.NewVerifier(cfg.AuthJWTSecret),
		Metrics:  metrics,
		Logger:   logger,
		Ready:    ready,
		Backends: httpapi.Backends{
			Transport:       setup.name,
			TransportDetail: setup.detail,
			Recorder:        recorder.ResolveBackend(recOpts),
		},
	})

	cleanup := func(ctx context.Context) error {
		var errs []error
		if err := sessions.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("sessions: %w", err))
		}
		if err := entries.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("recorder: %w", err))
		}
		closePool()
		return errors.Join(errs...)
	}

	return &BuildResult{
		Config:    cfg,
		API:       api,
		Sessions:  sessions,
		Gate:      gate,
		Recorder:  rec,
		Transport: setup.transport,
		Metrics:   metrics,
		Info:      TransportInfo{Name: setup.name, Detail: setup.detail},
		Cleanup:   cleanup,
	}, nil
}
