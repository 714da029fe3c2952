package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/divevoice/internal/audio"
	"github.com/ent0n29/divevoice/internal/protocol"
)

type options struct {
	baseURL   string
	subjectID string
	token     string
	wavPath   string
	toneHz    float64
	seconds   float64
	realtime  float64
	tail      time.Duration
	timeout   time.Duration
	verbose   bool
}

type wsEnvelope struct {
	Type       string `json:"type"`
	SessionID  string `json:"session_id,omitempty"`
	Status     string `json:"status,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Code       string `json:"code,omitempty"`
	Detail     string `json:"detail,omitempty"`
	Role       string `json:"role,omitempty"`
	Text       string `json:"text,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	Remaining  int    `json:"remaining_seconds,omitempty"`
}

type quotaPreview struct {
	Allowed   bool   `json:"allowed"`
	Reason    string `json:"reason,omitempty"`
	Remaining int    `json:"remaining"`
}

type report struct {
	SessionID      string
	ConnectLatency time.Duration
	FramesSent     int
	ChunksReceived int
	AudioReceived  time.Duration
	Transcript     []string
	FinalStatus    string
	FinalReason    string
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "voiceprobe: %v\n", err)
		os.Exit(2)
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	defer cancel()

	rep, err := run(ctx, cfg, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voiceprobe: %v\n", err)
		os.Exit(1)
	}
	printReport(os.Stdout, rep)
}

func parseFlags() (options, error) {
	var cfg options
	var tailMS int
	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "divevoice base URL")
	flag.StringVar(&cfg.subjectID, "subject-id", "voiceprobe", "subject used when the server runs without auth")
	flag.StringVar(&cfg.token, "token", "", "bearer token (when AUTH_JWT_SECRET is set on the server)")
	flag.StringVar(&cfg.wavPath, "wav", "", "PCM16 WAV file to stream (default: a sine tone)")
	flag.Float64Var(&cfg.toneHz, "tone-hz", 440, "tone frequency when no WAV is given")
	flag.Float64Var(&cfg.seconds, "seconds", 3, "tone length in seconds")
	flag.Float64Var(&cfg.realtime, "realtime", 1.0, "block pacing multiplier (1.0=realtime, 2.0=2x)")
	flag.IntVar(&tailMS, "tail-ms", 2000, "time to keep listening after the last block")
	flag.DurationVar(&cfg.timeout, "timeout", 2*time.Minute, "overall probe timeout")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print messages as they arrive")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.realtime <= 0 {
		return options{}, fmt.Errorf("realtime must be > 0")
	}
	if cfg.wavPath == "" && (cfg.seconds <= 0 || cfg.toneHz <= 0) {
		return options{}, fmt.Errorf("seconds and tone-hz must be > 0")
	}
	if tailMS < 0 {
		tailMS = 0
	}
	cfg.tail = time.Duration(tailMS) * time.Millisecond
	return cfg, nil
}

func run(ctx context.Context, cfg options, out io.Writer) (report, error) {
	var rep report
	logf := func(format string, args ...any) {
		if cfg.verbose {
			fmt.Fprintf(out, "voiceprobe: "+format+"\n", args...)
		}
	}

	samples, err := loadSamples(cfg)
	if err != nil {
		return rep, fmt.Errorf("prepare capture audio: %w", err)
	}

	httpClient := &http.Client{Timeout: 15 * time.Second}
	q, err := fetchQuota(ctx, httpClient, cfg)
	if err != nil {
		return rep, fmt.Errorf("quota preview: %w", err)
	}
	if !q.Allowed {
		return rep, fmt.Errorf("quota denied: %s", q.Reason)
	}
	logf("quota ok remaining=%d", q.Remaining)

	wsURL, err := wsURLFor(cfg)
	if err != nil {
		return rep, fmt.Errorf("build ws URL: %w", err)
	}
	header := http.Header{}
	if cfg.token != "" {
		header.Set("Authorization", "Bearer "+cfg.token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return rep, fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	msgs := make(chan wsEnvelope, 256)
	readErrCh := make(chan error, 1)
	go readLoop(conn, msgs, readErrCh)

	startedAt := time.Now()
	if err := conn.WriteJSON(protocol.ClientControl{Type: protocol.TypeClientControl, Action: protocol.ActionStart}); err != nil {
		return rep, fmt.Errorf("send start: %w", err)
	}

	// Answer the capture request and wait for connected. Statuses seen before
	// our own connecting belong to an earlier session.
	connecting := false
	for rep.SessionID == "" {
		env, err := next(ctx, msgs, readErrCh)
		if err != nil {
			return rep, fmt.Errorf("await connected: %w", err)
		}
		switch env.Type {
		case string(protocol.TypeCaptureRequest):
			res := protocol.CaptureResult{Type: protocol.TypeCaptureResult, Granted: true}
			if err := conn.WriteJSON(res); err != nil {
				return rep, fmt.Errorf("send capture_result: %w", err)
			}
		case string(protocol.TypeSessionStatus):
			switch env.Status {
			case "connecting":
				connecting = true
			case "connected":
				rep.SessionID = env.SessionID
				rep.ConnectLatency = time.Since(startedAt)
			case "error", "ended":
				if connecting {
					return rep, fmt.Errorf("session %s before connecting: %s", env.Status, env.Reason)
				}
			}
		case string(protocol.TypeQuotaDenied):
			return rep, fmt.Errorf("quota denied: %s", env.Reason)
		case string(protocol.TypeErrorEvent):
			logf("error_event code=%s detail=%s", env.Code, env.Detail)
		}
	}
	logf("connected session=%s latency=%s", rep.SessionID, rep.ConnectLatency.Round(time.Millisecond))

	blockDur := time.Duration(float64(audio.FrameSamples) / float64(audio.CaptureSampleRate) / cfg.realtime * float64(time.Second))
	ticker := time.NewTicker(blockDur)
	defer ticker.Stop()
	for off := 0; off < len(samples); off += audio.FrameSamples {
		end := off + audio.FrameSamples
		if end > len(samples) {
			end = len(samples)
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, audio.Float32ToLE(samples[off:end])); err != nil {
			return rep, fmt.Errorf("send block: %w", err)
		}
		rep.FramesSent++
		if err := drain(ctx, ticker.C, msgs, readErrCh, &rep, logf); err != nil {
			return rep, err
		}
	}

	tail := time.NewTimer(cfg.tail)
	defer tail.Stop()
	if err := drain(ctx, tail.C, msgs, readErrCh, &rep, logf); err != nil {
		return rep, err
	}

	if err := conn.WriteJSON(protocol.ClientControl{Type: protocol.TypeClientControl, Action: protocol.ActionStop}); err != nil {
		return rep, fmt.Errorf("send stop: %w", err)
	}
	for rep.FinalStatus == "" {
		env, err := next(ctx, msgs, readErrCh)
		if err != nil {
			return rep, fmt.Errorf("await end: %w", err)
		}
		record(env, &rep, logf)
	}
	return rep, nil
}

// drain records incoming messages until until fires. A terminal status ends
// the probe early with an error.
func drain(ctx context.Context, until <-chan time.Time, msgs <-chan wsEnvelope, readErrCh <-chan error, rep *report, logf func(string, ...any)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErrCh:
			return fmt.Errorf("ws read: %w", err)
		case <-until:
			return nil
		case env := <-msgs:
			record(env, rep, logf)
			if rep.FinalStatus != "" {
				return fmt.Errorf("session %s early: %s", rep.FinalStatus, rep.FinalReason)
			}
		}
	}
}

func record(env wsEnvelope, rep *report, logf func(string, ...any)) {
	switch env.Type {
	case string(protocol.TypeAssistantAudio):
		rep.ChunksReceived++
		rep.AudioReceived += time.Duration(env.DurationMs) * time.Millisecond
	case string(protocol.TypeTranscriptMsg):
		line := env.Role + ": " + env.Text
		rep.Transcript = append(rep.Transcript, line)
		logf("%s", line)
	case string(protocol.TypeSessionStatus):
		if env.SessionID == rep.SessionID && (env.Status == "ended" || env.Status == "error") {
			rep.FinalStatus = env.Status
			rep.FinalReason = env.Reason
		}
	case string(protocol.TypeCountdown):
		logf("countdown remaining=%ds", env.Remaining)
	case string(protocol.TypeErrorEvent):
		logf("error_event code=%s detail=%s", env.Code, env.Detail)
	}
}

func next(ctx context.Context, msgs <-chan wsEnvelope, readErrCh <-chan error) (wsEnvelope, error) {
	select {
	case <-ctx.Done():
		return wsEnvelope{}, ctx.Err()
	case err := <-readErrCh:
		return wsEnvelope{}, err
	case env := <-msgs:
		return env, nil
	}
}

func readLoop(conn *websocket.Conn, msgs chan<- wsEnvelope, readErrCh chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}
		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		select {
		case msgs <- env:
		default:
		}
	}
}

func fetchQuota(ctx context.Context, client *http.Client, cfg options) (quotaPreview, error) {
	u := cfg.baseURL + "/v1/voice/quota"
	if cfg.token == "" {
		u += "?subject_id=" + url.QueryEscape(cfg.subjectID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return quotaPreview{}, err
	}
	if cfg.token != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.token)
	}
	res, err := client.Do(req)
	if err != nil {
		return quotaPreview{}, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return quotaPreview{}, err
	}
	if res.StatusCode != http.StatusOK {
		return quotaPreview{}, fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	var out quotaPreview
	if err := json.Unmarshal(body, &out); err != nil {
		return quotaPreview{}, err
	}
	return out, nil
}

func wsURLFor(cfg options) (string, error) {
	u, err := url.Parse(strings.TrimSpace(cfg.baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/voice/session/ws"
	q := u.Query()
	if cfg.token == "" {
		q.Set("subject_id", cfg.subjectID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func loadSamples(cfg options) ([]float32, error) {
	if cfg.wavPath == "" {
		return tone(cfg.toneHz, cfg.seconds, audio.CaptureSampleRate), nil
	}
	f, err := os.Open(cfg.wavPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	pcm, rate, err := audio.ReadWAVPCM16LE(f)
	if err != nil {
		return nil, err
	}
	if len(pcm) == 0 {
		return nil, fmt.Errorf("%s has no samples", cfg.wavPath)
	}
	return resampleLinear(audio.PCM16ToFloat32(pcm), rate, audio.CaptureSampleRate), nil
}

func tone(hz, seconds float64, sampleRate int) []float32 {
	n := int(seconds * float64(sampleRate))
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.3 * math.Sin(2*math.Pi*hz*float64(i)/float64(sampleRate)))
	}
	return out
}

// resampleLinear converts between sample rates by linear interpolation. Good
// enough for probe input; the endpoint only needs intelligible speech.
func resampleLinear(in []float32, from, to int) []float32 {
	if from <= 0 || from == to || len(in) == 0 {
		return in
	}
	n := int(int64(len(in)) * int64(to) / int64(from))
	out := make([]float32, n)
	ratio := float64(from) / float64(to)
	for i := range out {
		pos := float64(i) * ratio
		j := int(pos)
		if j >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := float32(pos - float64(j))
		out[i] = in[j]*(1-frac) + in[j+1]*frac
	}
	return out
}

func printReport(w io.Writer, rep report) {
	fmt.Fprintf(w, "session:         %s\n", rep.SessionID)
	fmt.Fprintf(w, "connect latency: %s\n", rep.ConnectLatency.Round(time.Millisecond))
	fmt.Fprintf(w, "frames sent:     %d\n", rep.FramesSent)
	fmt.Fprintf(w, "audio received:  %d chunks, %s\n", rep.ChunksReceived, rep.AudioReceived)
	fmt.Fprintf(w, "final status:    %s %s\n", rep.FinalStatus, rep.FinalReason)
	for _, line := range rep.Transcript {
		fmt.Fprintf(w, "  %s\n", line)
	}
}
