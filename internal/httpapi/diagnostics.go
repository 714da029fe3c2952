package httpapi

import (
	"fmt"
	"net/http"
	"strings"
)

// Backends describes what the service resolved at startup.
type Backends struct {
	Transport       string
	TransportDetail string
	Recorder        string
}

type diagnosticCheck struct {
	ID     string `json:"id"`
	Status string `json:"status"` // ok|warn|error
	Label  string `json:"label"`
	Detail string `json:"detail,omitempty"`
	Fix    string `json:"fix,omitempty"`
}

type diagnosticsResponse struct {
	Transport     string            `json:"transport"`
	Recorder      string            `json:"recorder"`
	ActiveSession int               `json:"active_sessions"`
	Checks        []diagnosticCheck `json:"checks"`
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, _ *http.Request) {
	transport := strings.TrimSpace(s.backends.Transport)
	if transport == "" {
		transport = "unknown"
	}
	recorderBackend := strings.TrimSpace(s.backends.Recorder)
	if recorderBackend == "" {
		recorderBackend = "unknown"
	}

	checks := make([]diagnosticCheck, 0, 6)
	switch transport {
	case "gemini":
		checks = append(checks, diagnosticCheck{
			ID:     "voice_transport",
			Status: "ok",
			Label:  "Voice transport",
			Detail: s.backends.TransportDetail,
		})
	case "mock":
		checks = append(checks, diagnosticCheck{
			ID:     "voice_transport",
			Status: "warn",
			Label:  "Voice transport is mock",
			Detail: "Replies are scripted; no speech model is reached.",
			Fix:    "Set GEMINI_API_KEY or VOICE_TRANSPORT=gemini.",
		})
	default:
		checks = append(checks, diagnosticCheck{
			ID:     "voice_transport",
			Status: "warn",
			Label:  "Voice transport",
			Detail: transport,
		})
	}

	switch recorderBackend {
	case "postgres", "mongo":
		checks = append(checks, diagnosticCheck{
			ID:     "entry_store",
			Status: "ok",
			Label:  "Log entry persistence",
			Detail: recorderBackend,
		})
	default:
		checks = append(checks, diagnosticCheck{
			ID:     "entry_store",
			Status: "warn",
			Label:  "Log entry persistence",
			Detail: "in-memory only",
			Fix:    "Set DATABASE_URL or MONGODB_URI to keep dive log entries across restarts.",
		})
	}

	if s.cfg.QuotaDailyVoiceLimit > 0 {
		checks = append(checks, diagnosticCheck{
			ID:     "voice_quota",
			Status: "ok",
			Label:  "Daily voice quota",
			Detail: fmt.Sprintf("%d sessions per subject", s.cfg.QuotaDailyVoiceLimit),
		})
	} else {
		checks = append(checks, diagnosticCheck{
			ID:     "voice_quota",
			Status: "warn",
			Label:  "Daily voice quota",
			Detail: "unlimited",
			Fix:    "Set QUOTA_DAILY_VOICE_LIMIT to cap sessions per subject.",
		})
	}

	if s.verifier.Enabled() {
		checks = append(checks, diagnosticCheck{ID: "auth", Status: "ok", Label: "Bearer auth", Detail: "required"})
	} else {
		checks = append(checks, diagnosticCheck{
			ID:     "auth",
			Status: "warn",
			Label:  "Bearer auth",
			Detail: "disabled; every caller shares the anonymous subject",
			Fix:    "Set AUTH_JWT_SECRET.",
		})
	}

	if !s.cfg.RedactPII {
		checks = append(checks, diagnosticCheck{
			ID:     "redaction",
			Status: "warn",
			Label:  "Transcript redaction",
			Detail: "disabled",
			Fix:    "Set RECORDER_REDACT_PII=true.",
		})
	}

	active := 0
	if s.sessions != nil {
		active = s.sessions.ActiveCount()
	}
	respondJSON(w, http.StatusOK, diagnosticsResponse{
		Transport:     transport,
		Recorder:      recorderBackend,
		ActiveSession: active,
		Checks:        checks,
	})
}
