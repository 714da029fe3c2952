package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"github.com/ent0n29/divevoice/internal/audio"
	"github.com/ent0n29/divevoice/internal/auth"
	"github.com/ent0n29/divevoice/internal/config"
	"github.com/ent0n29/divevoice/internal/observability"
	"github.com/ent0n29/divevoice/internal/quota"
	"github.com/ent0n29/divevoice/internal/recorder"
	"github.com/ent0n29/divevoice/internal/session"
	"github.com/ent0n29/divevoice/internal/transcript"
	"github.com/ent0n29/divevoice/internal/transport"
)

var namespaceSeq atomic.Int64

type testEnv struct {
	ts       *httptest.Server
	tr       *transport.MockTransport
	gate     *quota.MemoryGate
	rec      *recorder.MemoryStore
	sessions *session.Manager
}

func newTestEnv(t *testing.T, limit int, secret string) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)
	metrics := observability.NewMetrics(fmt.Sprintf("test_httpapi_%d", namespaceSeq.Add(1)))
	env := &testEnv{
		tr:   transport.NewMockTransport(transport.MockOptions{}),
		gate: quota.NewMemoryGate(limit, clock.New()),
		rec:  recorder.NewMemoryStore(),
	}
	env.sessions = session.NewManager(session.Config{}, session.Deps{
		Gate:      env.gate,
		Recorder:  env.rec,
		Transport: env.tr,
		Metrics:   metrics,
		Logger:    logger,
	}, time.Minute)

	srv := New(config.Config{VoiceTransport: "mock"}, Deps{
		Sessions: env.sessions,
		Gate:     env.gate,
		Verifier: auth.NewVerifier(secret),
		Metrics:  metrics,
		Logger:   logger,
		Backends: Backends{Transport: "mock", Recorder: "memory"},
	})
	env.ts = httptest.NewServer(srv.Router())
	t.Cleanup(env.ts.Close)
	return env
}

func (e *testEnv) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/v1/voice/session/ws?" + query
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	res, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s error = %v", url, err)
	}
	defer res.Body.Close()
	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return res.StatusCode
}

// readUntil skips messages until one of type msgType arrives.
func readUntil(t *testing.T, conn *websocket.Conn, msgType string, match func(map[string]any) bool) map[string]any {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %s: %v", msgType, err)
		}
		if msg["type"] != msgType {
			continue
		}
		if match == nil || match(msg) {
			return msg
		}
	}
}

func statusIs(status string) func(map[string]any) bool {
	return func(m map[string]any) bool { return m["status"] == status }
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write error = %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHealthAndIdleSession(t *testing.T) {
	env := newTestEnv(t, 0, "")

	var health map[string]any
	if code := getJSON(t, env.ts.URL+"/healthz", &health); code != http.StatusOK {
		t.Fatalf("healthz status = %d", code)
	}
	if health["status"] != "ok" {
		t.Fatalf("healthz body = %+v", health)
	}

	var s session.Session
	if code := getJSON(t, env.ts.URL+"/v1/voice/session?subject_id=diver-1", &s); code != http.StatusOK {
		t.Fatalf("session status = %d", code)
	}
	if s.Status != session.StatusIdle || s.SubjectID != "diver-1" {
		t.Fatalf("session = %+v, want idle diver-1", s)
	}

	res, err := http.Post(env.ts.URL+"/v1/voice/session/stop?subject_id=diver-1", "application/json", nil)
	if err != nil {
		t.Fatalf("stop error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("stop status = %d, want 404", res.StatusCode)
	}
}

func TestQuotaPreview(t *testing.T) {
	env := newTestEnv(t, 1, "")

	var q quotaResponse
	getJSON(t, env.ts.URL+"/v1/voice/quota?subject_id=diver-1", &q)
	if !q.Allowed || q.Remaining != 1 {
		t.Fatalf("quota = %+v, want allowed with 1 remaining", q)
	}

	if err := env.gate.Debit(context.Background(), "diver-1", quota.ActionVoice); err != nil {
		t.Fatalf("Debit() error = %v", err)
	}
	getJSON(t, env.ts.URL+"/v1/voice/quota?subject_id=diver-1", &q)
	if q.Allowed || q.Reason != quota.ReasonDailyLimit {
		t.Fatalf("quota = %+v, want denied", q)
	}
}

func TestAuthRequiredWhenSecretSet(t *testing.T) {
	env := newTestEnv(t, 0, "s3cret")

	if code := getJSON(t, env.ts.URL+"/v1/voice/quota", nil); code != http.StatusUnauthorized {
		t.Fatalf("no token status = %d, want 401", code)
	}

	token, err := auth.NewVerifier("s3cret").Issue("diver-2", time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	req, _ := http.NewRequest(http.MethodGet, env.ts.URL+"/v1/voice/quota", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	defer res.Body.Close()
	var q quotaResponse
	_ = json.NewDecoder(res.Body).Decode(&q)
	if res.StatusCode != http.StatusOK || q.SubjectID != "diver-2" {
		t.Fatalf("status = %d body = %+v", res.StatusCode, q)
	}
}

func TestWebsocketSessionFlow(t *testing.T) {
	env := newTestEnv(t, 0, "")
	conn := env.dial(t, "subject_id=diver-1")

	readUntil(t, conn, "session_status", statusIs("idle"))
	sendJSON(t, conn, map[string]any{"type": "client_control", "action": "start"})

	req := readUntil(t, conn, "capture_request", nil)
	if req["sample_rate"] != float64(audio.CaptureSampleRate) || req["block_size"] != float64(audio.FrameSamples) {
		t.Fatalf("capture_request = %+v", req)
	}
	sendJSON(t, conn, map[string]any{"type": "capture_result", "granted": true})

	connected := readUntil(t, conn, "session_status", statusIs("connected"))
	sessionID, _ := connected["session_id"].(string)
	if sessionID == "" {
		t.Fatalf("connected status without session id: %+v", connected)
	}
	readUntil(t, conn, "countdown", nil)

	block := make([]float32, audio.FrameSamples)
	if err := conn.WriteMessage(websocket.BinaryMessage, audio.Float32ToLE(block)); err != nil {
		t.Fatalf("write binary error = %v", err)
	}
	mc := env.tr.LastConn()
	waitFor(t, "outbound frame", func() bool { return len(mc.Frames()) == 1 })

	mc.Emit(transport.Event{Type: transport.EventTranscript, Transcript: transcript.Event{Source: transcript.SourceCallee, Text: "Where did you dive?"}})
	mc.Emit(transport.Event{Type: transport.EventChunk, Chunk: make([]byte, 4800), SampleRate: audio.PlaybackSampleRate})

	partial := readUntil(t, conn, "transcript_partial", nil)
	if partial["role"] != "model" || partial["text"] != "Where did you dive?" {
		t.Fatalf("transcript_partial = %+v", partial)
	}
	chunk := readUntil(t, conn, "assistant_audio_chunk", nil)
	if chunk["session_id"] != sessionID || chunk["duration_ms"] != float64(100) || chunk["audio_base64"] == "" {
		t.Fatalf("assistant_audio_chunk = %+v", chunk)
	}

	sendJSON(t, conn, map[string]any{"type": "client_control", "action": "stop"})
	msg := readUntil(t, conn, "transcript_message", nil)
	if msg["index"] != float64(0) || msg["text"] != "Where did you dive?" {
		t.Fatalf("transcript_message = %+v", msg)
	}
	ended := readUntil(t, conn, "session_status", statusIs("ended"))
	if ended["reason"] != "stopped" {
		t.Fatalf("ended = %+v, want reason stopped", ended)
	}

	var s session.Session
	getJSON(t, env.ts.URL+"/v1/voice/session?subject_id=diver-1", &s)
	if s.ID != sessionID || s.Status != session.StatusEnded || s.Messages != 1 {
		t.Fatalf("session = %+v", s)
	}
	entries := env.rec.Entries()
	if len(entries) != 1 || entries[0].Status != recorder.StatusCompleted {
		t.Fatalf("entries = %+v", entries)
	}

	var perf observability.StageSnapshot
	getJSON(t, env.ts.URL+"/v1/perf/connect", &perf)
	if len(perf.Stages) == 0 {
		t.Fatalf("no connect stages recorded")
	}
}

func TestWebsocketCaptureDenied(t *testing.T) {
	env := newTestEnv(t, 0, "")
	conn := env.dial(t, "subject_id=diver-3")

	sendJSON(t, conn, map[string]any{"type": "client_control", "action": "start"})
	readUntil(t, conn, "capture_request", nil)
	sendJSON(t, conn, map[string]any{"type": "capture_result", "granted": false, "detail": "NotAllowedError"})

	failed := readUntil(t, conn, "session_status", statusIs("error"))
	if failed["reason"] != "permission_denied" {
		t.Fatalf("status = %+v, want permission_denied", failed)
	}
	if env.tr.Opens() != 0 {
		t.Fatalf("transport opened without microphone access")
	}
}

func TestWebsocketQuotaDeniedOnConnect(t *testing.T) {
	env := newTestEnv(t, 1, "")
	if err := env.gate.Debit(context.Background(), "diver-4", quota.ActionVoice); err != nil {
		t.Fatalf("Debit() error = %v", err)
	}
	conn := env.dial(t, "subject_id=diver-4")
	readUntil(t, conn, "quota_denied", nil)

	sendJSON(t, conn, map[string]any{"type": "client_control", "action": "start"})
	denied := readUntil(t, conn, "quota_denied", nil)
	if denied["reason"] != quota.ReasonDailyLimit {
		t.Fatalf("quota_denied = %+v", denied)
	}
}

func TestWebsocketRejectsInvalidMessages(t *testing.T) {
	env := newTestEnv(t, 0, "")
	conn := env.dial(t, "subject_id=diver-5")

	sendJSON(t, conn, map[string]any{"type": "client_control", "action": "dance"})
	ev := readUntil(t, conn, "error_event", nil)
	if ev["code"] != "invalid_client_message" {
		t.Fatalf("error_event = %+v", ev)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, 0, "")
	res, err := http.Get(env.ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", res.StatusCode)
	}
}

func TestDiagnosticsFlagsDevelopmentBackends(t *testing.T) {
	env := newTestEnv(t, 0, "")

	var got diagnosticsResponse
	if code := getJSON(t, env.ts.URL+"/v1/diagnostics", &got); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if got.Transport != "mock" || got.Recorder != "memory" {
		t.Fatalf("backends = %q/%q", got.Transport, got.Recorder)
	}
	status := map[string]string{}
	for _, c := range got.Checks {
		status[c.ID] = c.Status
	}
	for _, id := range []string{"voice_transport", "entry_store", "voice_quota", "auth", "redaction"} {
		if status[id] != "warn" {
			t.Fatalf("check %s = %q, want warn (all: %v)", id, status[id], status)
		}
	}
}

func TestWebsocketOlderTabCannotStart(t *testing.T) {
	env := newTestEnv(t, 0, "")
	older := env.dial(t, "subject_id=diver-6")
	readUntil(t, older, "session_status", nil)
	newer := env.dial(t, "subject_id=diver-6")
	readUntil(t, newer, "session_status", nil)

	sendJSON(t, older, map[string]any{"type": "client_control", "action": "start"})
	ev := readUntil(t, older, "error_event", nil)
	if ev["code"] != "session_detached" {
		t.Fatalf("error_event = %+v, want session_detached", ev)
	}
	if env.tr.Opens() != 0 {
		t.Fatalf("older tab opened a transport")
	}
}
