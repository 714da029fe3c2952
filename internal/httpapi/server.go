package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/divevoice/internal/audio"
	"github.com/ent0n29/divevoice/internal/auth"
	"github.com/ent0n29/divevoice/internal/capture"
	"github.com/ent0n29/divevoice/internal/config"
	"github.com/ent0n29/divevoice/internal/observability"
	"github.com/ent0n29/divevoice/internal/playback"
	"github.com/ent0n29/divevoice/internal/protocol"
	"github.com/ent0n29/divevoice/internal/quota"
	"github.com/ent0n29/divevoice/internal/session"
)

const (
	outboundQueue   = 512
	captureBuffer   = 64
	readIdleTimeout = 120 * time.Second
	writeTimeout    = 10 * time.Second
	drainTimeout    = 10 * time.Second
	// How long an audio chunk may wait for room in the outbound queue.
	audioSendTimeout = 2 * time.Second
)

// Deps are the collaborators the API serves.
type Deps struct {
	Sessions *session.Manager
	Gate     quota.Gate
	Verifier *auth.Verifier
	Metrics  *observability.Metrics
	Logger   *zap.Logger
	// Ready reports backing store health for /readyz. Nil means always ready.
	Ready    func(ctx context.Context) error
	Backends Backends
}

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	gate     quota.Gate
	verifier *auth.Verifier
	metrics  *observability.Metrics
	logger   *zap.Logger
	ready    func(ctx context.Context) error
	backends Backends
	upgrader websocket.Upgrader
}

func New(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	verifier := deps.Verifier
	if verifier == nil {
		verifier = auth.NewVerifier("")
	}
	return &Server{
		cfg:      cfg,
		sessions: deps.Sessions,
		gate:     deps.Gate,
		verifier: verifier,
		metrics:  deps.Metrics,
		logger:   logger,
		ready:    deps.Ready,
		backends: deps.Backends,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may drive a diver's microphone.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/v1/perf/connect", s.handlePerfConnect)
	r.Get("/v1/diagnostics", s.handleDiagnostics)

	r.Get("/v1/voice/quota", s.handleQuota)
	r.Get("/v1/voice/session", s.handleGetSession)
	r.Post("/v1/voice/session/stop", s.handleStopSession)
	r.Get("/v1/voice/session/ws", s.handleSessionWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			respondError(w, http.StatusServiceUnavailable, "not_ready", err.Error())
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "ready",
		"auth":      s.verifier.Enabled(),
		"transport": s.cfg.VoiceTransport,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		http.NotFound(w, r)
		return
	}
	s.metrics.Handler().ServeHTTP(w, r)
}

type quotaResponse struct {
	SubjectID string `json:"subject_id"`
	Allowed   bool   `json:"allowed"`
	Reason    string `json:"reason,omitempty"`
	Remaining int    `json:"remaining"`
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	subject, ok := s.subject(w, r)
	if !ok {
		return
	}
	d, err := s.gate.Authorize(r.Context(), subject, quota.ActionVoice)
	if err != nil {
		s.logger.Warn("quota preview failed", zap.String("subject_id", subject), zap.Error(err))
		respondError(w, http.StatusBadGateway, "quota_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, quotaResponse{
		SubjectID: subject,
		Allowed:   d.Allowed,
		Reason:    d.Reason,
		Remaining: d.Remaining,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	subject, ok := s.subject(w, r)
	if !ok {
		return
	}
	snap, err := s.sessions.Snapshot(subject)
	if errors.Is(err, session.ErrNotFound) {
		respondJSON(w, http.StatusOK, session.Session{SubjectID: subject, Status: session.StatusIdle})
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	subject, ok := s.subject(w, r)
	if !ok {
		return
	}
	if err := s.sessions.Stop(subject); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	snap, _ := s.sessions.Snapshot(subject)
	respondJSON(w, http.StatusAccepted, snap)
}

func (s *Server) subject(w http.ResponseWriter, r *http.Request) (string, bool) {
	subject, err := s.verifier.Subject(r)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return "", false
	}
	return subject, true
}

// handleSessionWS bridges one browser tab to the subject's session
// controller. The browser is the capture device (binary frames in) and the
// playback output (assistant_audio_chunk out).
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	subject, ok := s.subject(w, r)
	if !ok {
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	logger := s.logger.With(zap.String("subject_id", subject))
	s.metrics.SessionEvent("ws_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	writerCtx, stopWriter := context.WithCancel(context.Background())
	defer stopWriter()

	outbound := make(chan any, outboundQueue)
	emit := func(msg any) {
		select {
		case outbound <- msg:
		default:
			// Keep websocket writes single-threaded; drop if the queue is saturated.
			if t, ok := messageTypeOf(msg); ok {
				s.metrics.WSMessage("dropped", string(t))
			}
		}
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-writerCtx.Done():
				return
			case msg := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					logger.Debug("websocket write failed", zap.Error(err))
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.metrics.WSMessage("outbound", string(t))
				}
			}
		}
	}()

	// Audio waits for the writer instead of being dropped; a dropped chunk
	// would leave a gap the scheduler cannot see.
	sendAudio := func(msg any) bool {
		select {
		case outbound <- msg:
			return true
		default:
		}
		timer := time.NewTimer(audioSendTimeout)
		defer timer.Stop()
		select {
		case outbound <- msg:
			return true
		case <-timer.C:
		case <-writerDone:
		}
		if t, ok := messageTypeOf(msg); ok {
			s.metrics.WSMessage("dropped", string(t))
		}
		return false
	}

	device := capture.NewRemoteDevice(emit, captureBuffer)
	newOutput := func(sessionID string, origin time.Time) (playback.Output, error) {
		return playback.NewStreamOutput(sessionID, origin, sendAudio), nil
	}
	ctrl, err := s.sessions.Attach(subject, device, emit, newOutput)
	if err != nil {
		emit(protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			Code:      "session_active",
			Source:    "gateway",
			Retryable: true,
			Detail:    err.Error(),
		})
		s.closeWriter(stopWriter, writerDone, outbound, conn)
		return
	}

	snap := ctrl.Snapshot()
	emit(protocol.SessionStatus{
		Type:      protocol.TypeSessionStatus,
		SessionID: snap.ID,
		Status:    string(snap.Status),
		Reason:    snap.Reason,
	})
	if d, err := ctrl.Quota(ctx); err == nil && !d.Allowed {
		emit(protocol.QuotaDenied{Type: protocol.TypeQuotaDenied, Reason: d.Reason})
	}

	var starts sync.WaitGroup
	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(readIdleTimeout))

		if msgType == websocket.BinaryMessage {
			if len(data)%4 != 0 {
				continue
			}
			device.Push(audio.Float32FromLE(data))
			continue
		}

		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			emit(protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: ctrl.Snapshot().ID,
				Code:      "invalid_client_message",
				Source:    "gateway",
				Retryable: false,
				Detail:    err.Error(),
			})
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.WSMessage("inbound", string(t))
		}

		switch msg := parsed.(type) {
		case protocol.ClientControl:
			switch msg.Action {
			case protocol.ActionStart:
				starts.Add(1)
				go func() {
					defer starts.Done()
					if _, err := ctrl.Start(ctx); err != nil {
						s.reportStartError(logger, emit, err)
					}
				}()
			case protocol.ActionStop:
				ctrl.Stop()
			}
		case protocol.CaptureResult:
			device.Resolve(msg)
		case protocol.CaptureState:
			device.SetActive(msg.Active)
		}
	}

	// The tab is gone: stop gracefully first so the transcript is kept, then
	// drop the device.
	cancel()
	ctrl.Stop()
	starts.Wait()
	waitCtx, waitCancel := context.WithTimeout(context.Background(), drainTimeout)
	if _, err := ctrl.Wait(waitCtx); err != nil {
		logger.Warn("session did not finish after disconnect", zap.Error(err))
	}
	waitCancel()
	device.Disconnect()

	stopWriter()
	<-writerDone
	s.metrics.SessionEvent("ws_disconnected")
}

// reportStartError surfaces Start failures that the controller has not
// already published.
func (s *Server) reportStartError(logger *zap.Logger, emit func(any), err error) {
	switch {
	case errors.Is(err, session.ErrSessionActive):
		emit(protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			Code:      "session_active",
			Source:    "session",
			Retryable: true,
			Detail:    err.Error(),
		})
	case errors.Is(err, session.ErrDetached):
		emit(protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			Code:      "session_detached",
			Source:    "session",
			Retryable: false,
			Detail:    err.Error(),
		})
	case errors.Is(err, session.ErrQuotaDenied), errors.Is(err, session.ErrStopped):
	default:
		logger.Info("voice session start failed", zap.Error(err))
	}
}

// closeWriter flushes whatever is queued and stops the writer.
func (s *Server) closeWriter(stop context.CancelFunc, done <-chan struct{}, outbound chan any, conn *websocket.Conn) {
	deadline := time.Now().Add(time.Second)
	for len(outbound) > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	stop()
	<-done
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "session active elsewhere"),
		time.Now().Add(time.Second))
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientControl:
		return m.Type, true
	case protocol.CaptureResult:
		return m.Type, true
	case protocol.CaptureState:
		return m.Type, true
	case protocol.SessionStatus:
		return m.Type, true
	case protocol.Countdown:
		return m.Type, true
	case protocol.CaptureRequest:
		return m.Type, true
	case protocol.AssistantAudioChunk:
		return m.Type, true
	case protocol.PlaybackFlush:
		return m.Type, true
	case protocol.TranscriptPartial:
		return m.Type, true
	case protocol.TranscriptMessage:
		return m.Type, true
	case protocol.QuotaDenied:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
