package main

import (
	"bytes"
	"context"
	"math"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap/zaptest"

	"github.com/ent0n29/divevoice/internal/audio"
	"github.com/ent0n29/divevoice/internal/config"
	"github.com/ent0n29/divevoice/internal/httpapi"
	"github.com/ent0n29/divevoice/internal/observability"
	"github.com/ent0n29/divevoice/internal/quota"
	"github.com/ent0n29/divevoice/internal/session"
	"github.com/ent0n29/divevoice/internal/transport"
)

func TestWSURLFor(t *testing.T) {
	got, err := wsURLFor(options{baseURL: "https://dive.example.com/api", subjectID: "d 1"})
	if err != nil {
		t.Fatalf("wsURLFor() error = %v", err)
	}
	if got != "wss://dive.example.com/api/v1/voice/session/ws?subject_id=d+1" {
		t.Fatalf("wsURLFor() = %q", got)
	}

	got, _ = wsURLFor(options{baseURL: "http://127.0.0.1:8080", subjectID: "x", token: "t"})
	if strings.Contains(got, "subject_id") {
		t.Fatalf("subject_id sent alongside a token: %q", got)
	}
	if _, err := wsURLFor(options{baseURL: "ftp://host"}); err == nil {
		t.Fatalf("expected error for ftp scheme")
	}
}

func TestToneAndResample(t *testing.T) {
	samples := tone(440, 0.5, audio.CaptureSampleRate)
	if len(samples) != audio.CaptureSampleRate/2 {
		t.Fatalf("len(tone) = %d, want %d", len(samples), audio.CaptureSampleRate/2)
	}
	for _, s := range samples {
		if math.Abs(float64(s)) > 0.31 {
			t.Fatalf("tone sample %f exceeds amplitude", s)
		}
	}

	up := resampleLinear([]float32{0, 1}, 8000, 16000)
	if len(up) != 4 || up[1] != 0.5 {
		t.Fatalf("resampleLinear() = %v", up)
	}
	same := resampleLinear(samples, audio.CaptureSampleRate, audio.CaptureSampleRate)
	if len(same) != len(samples) {
		t.Fatalf("same-rate resample changed length")
	}
}

func TestLoadSamplesFromWAV(t *testing.T) {
	pcm := audio.FloatToPCM16LE(tone(200, 0.25, 24000))
	path := filepath.Join(t.TempDir(), "clip.wav")
	if err := audio.WriteWAVPCM16LEFile(path, pcm, 24000); err != nil {
		t.Fatalf("WriteWAVPCM16LEFile() error = %v", err)
	}

	got, err := loadSamples(options{wavPath: path})
	if err != nil {
		t.Fatalf("loadSamples() error = %v", err)
	}
	if want := audio.CaptureSampleRate / 4; len(got) != want {
		t.Fatalf("len(samples) = %d, want %d", len(got), want)
	}

	if _, err := loadSamples(options{wavPath: filepath.Join(t.TempDir(), "missing.wav")}); !os.IsNotExist(err) {
		t.Fatalf("missing file error = %v", err)
	}
}

func TestRunAgainstMockServer(t *testing.T) {
	logger := zaptest.NewLogger(t)
	metrics := observability.NewMetrics("test_voiceprobe_run")
	gate := quota.NewMemoryGate(0, clock.New())
	sessions := session.NewManager(session.Config{}, session.Deps{
		Gate:      gate,
		Transport: transport.NewMockTransport(transport.MockOptions{Scripted: true}),
		Metrics:   metrics,
		Logger:    logger,
	}, time.Minute)
	srv := httpapi.New(config.Config{VoiceTransport: "mock"}, httpapi.Deps{
		Sessions: sessions,
		Gate:     gate,
		Metrics:  metrics,
		Logger:   logger,
	})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var out bytes.Buffer
	rep, err := run(ctx, options{
		baseURL:   ts.URL,
		subjectID: "probe",
		toneHz:    440,
		seconds:   3,
		realtime:  50,
		tail:      300 * time.Millisecond,
		verbose:   true,
	}, &out)
	if err != nil {
		t.Fatalf("run() error = %v\n%s", err, out.String())
	}
	if rep.SessionID == "" || rep.FinalStatus != "ended" || rep.FinalReason != "stopped" {
		t.Fatalf("report = %+v", rep)
	}
	if rep.FramesSent != 12 {
		t.Fatalf("FramesSent = %d, want 12", rep.FramesSent)
	}
	if rep.ChunksReceived != 1 || rep.AudioReceived != 250*time.Millisecond {
		t.Fatalf("audio received = %d chunks %s", rep.ChunksReceived, rep.AudioReceived)
	}
	if len(rep.Transcript) != 2 || rep.Transcript[0] != "user: simulated voice input" {
		t.Fatalf("transcript = %v", rep.Transcript)
	}
}
