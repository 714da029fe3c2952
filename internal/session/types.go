package session

import (
	"errors"
	"time"

	"github.com/ent0n29/divevoice/internal/quota"
)

type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusEnded      Status = "ended"
	StatusError      Status = "error"
)

// Terminal reports whether a new session may be started from this status.
func (s Status) Terminal() bool {
	return s == StatusIdle || s == StatusEnded || s == StatusError
}

// Reasons attached to graceful endings. Error endings carry a
// reliability.Code instead.
const (
	ReasonStopped = "stopped"
	ReasonTimeout = "timeout"
)

var (
	ErrNotFound      = errors.New("session not found")
	ErrSessionActive = errors.New("a voice session is already in progress")
	ErrStopped       = errors.New("session stopped before it connected")
	ErrDetached      = errors.New("session controller was replaced by a newer client")
	ErrQuotaDenied   = quota.ErrDenied
)

// Session is a point-in-time view of one voice session.
type Session struct {
	ID                    string    `json:"session_id"`
	SubjectID             string    `json:"subject_id"`
	Status                Status    `json:"status"`
	Reason                string    `json:"reason,omitempty"`
	EntryID               string    `json:"entry_id,omitempty"`
	StartedAt             time.Time `json:"started_at"`
	ConnectedAt           time.Time `json:"connected_at"`
	EndedAt               time.Time `json:"ended_at"`
	QuotaSecondsRemaining int       `json:"quota_seconds_remaining"`
	Messages              int       `json:"messages"`

	generation uint64
}
