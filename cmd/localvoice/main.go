// localvoice runs one voice session against the default microphone and
// speaker. Transcript lines are printed as they finalize; Ctrl-C stops the
// session early.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/ent0n29/divevoice/internal/app"
	"github.com/ent0n29/divevoice/internal/config"
	"github.com/ent0n29/divevoice/internal/localaudio"
	"github.com/ent0n29/divevoice/internal/protocol"
	"github.com/ent0n29/divevoice/internal/quota"
	"github.com/ent0n29/divevoice/internal/recorder"
	"github.com/ent0n29/divevoice/internal/session"
	"github.com/ent0n29/divevoice/internal/transport"
)

func main() {
	subject := flag.String("subject", "local-diver", "subject id the session is charged to")
	verbose := flag.Bool("v", false, "log at debug level")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("env file ignored: %v", err)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	if !*verbose {
		logger = logger.WithOptions(zap.IncreaseLevel(zap.InfoLevel))
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *subject, os.Stdout, logger); err != nil {
		logger.Fatal("session failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, subject string, out io.Writer, logger *zap.Logger) error {
	tr, info, err := app.NewTransport(ctx, cfg, logger)
	if err != nil {
		return err
	}
	logger.Info("voice transport selected", zap.String("transport", info.Name), zap.String("detail", info.Detail))

	mic, err := localaudio.NewMicrophone(64, logger)
	if err != nil {
		return err
	}
	defer mic.Close()
	speaker, err := localaudio.NewSpeaker()
	if err != nil {
		return err
	}

	clk := clock.New()
	profile := cfg.LiveProfile
	ctrl, err := session.NewController(session.Config{
		SubjectID: subject,
		Budget:    cfg.SessionBudget,
		Transport: transport.Config{
			Model:             cfg.GeminiLiveModel,
			SystemInstruction: profile.SystemInstruction,
			VoiceName:         profile.VoiceName,
			LanguageCode:      profile.LanguageCode,
		},
		TransportName: info.Name,
	}, session.Deps{
		Gate:      quota.NewGate(nil, cfg.QuotaDailyVoiceLimit, clk),
		Recorder:  recorder.NewMemoryStore(),
		Device:    mic,
		Transport: tr,
		NewOutput: speaker.NewOutput,
		Notify:    printer(out),
		Clock:     clk,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	if _, err := ctrl.Start(ctx); err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		ctrl.Stop()
	}()

	final, err := ctrl.Wait(context.Background())
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "session %s %s (%s)\n", final.ID, final.Status, final.Reason)
	return nil
}

func printer(out io.Writer) func(any) {
	return func(msg any) {
		switch m := msg.(type) {
		case protocol.TranscriptMessage:
			fmt.Fprintf(out, "%s: %s\n", m.Role, m.Text)
		case protocol.Countdown:
			if m.RemainingSeconds > 0 && m.RemainingSeconds%30 == 0 {
				fmt.Fprintf(out, "-- %ds left\n", m.RemainingSeconds)
			}
		case protocol.SessionStatus:
			fmt.Fprintf(out, "-- %s\n", m.Status)
		case protocol.QuotaDenied:
			fmt.Fprintf(out, "-- quota denied: %s\n", m.Reason)
		case protocol.ErrorEvent:
			fmt.Fprintf(out, "-- error %s: %s\n", m.Code, m.Detail)
		}
	}
}
