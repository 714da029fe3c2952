package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientControl  MessageType = "client_control"
	TypeCaptureResult  MessageType = "capture_result"
	TypeCaptureState   MessageType = "capture_state"
	TypeSessionStatus  MessageType = "session_status"
	TypeCountdown      MessageType = "countdown"
	TypeCaptureRequest MessageType = "capture_request"
	TypeAssistantAudio MessageType = "assistant_audio_chunk"
	TypePlaybackFlush  MessageType = "playback_flush"
	TypeTranscriptPart MessageType = "transcript_partial"
	TypeTranscriptMsg  MessageType = "transcript_message"
	TypeQuotaDenied    MessageType = "quota_denied"
	TypeErrorEvent     MessageType = "error_event"
)

const (
	ActionStart = "start"
	ActionStop  = "stop"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientControl struct {
	Type   MessageType `json:"type"`
	Action string      `json:"action"`
}

// CaptureResult answers a CaptureRequest once the browser has asked the user
// for microphone access.
type CaptureResult struct {
	Type    MessageType `json:"type"`
	Granted bool        `json:"granted"`
	Detail  string      `json:"detail,omitempty"`
}

type CaptureState struct {
	Type   MessageType `json:"type"`
	Active bool        `json:"active"`
}

type SessionStatus struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Status    string      `json:"status"`
	Reason    string      `json:"reason,omitempty"`
	StartedAt int64       `json:"started_at_ms,omitempty"`
}

type Countdown struct {
	Type             MessageType `json:"type"`
	SessionID        string      `json:"session_id"`
	ElapsedSeconds   int         `json:"elapsed_seconds"`
	RemainingSeconds int         `json:"remaining_seconds"`
}

type CaptureRequest struct {
	Type       MessageType `json:"type"`
	SampleRate int         `json:"sample_rate"`
	BlockSize  int         `json:"block_size"`
}

type AssistantAudioChunk struct {
	Type          MessageType `json:"type"`
	SessionID     string      `json:"session_id"`
	Seq           int         `json:"seq"`
	Format        string      `json:"format"`
	AudioBase64   string      `json:"audio_base64"`
	StartOffsetMs int64       `json:"start_offset_ms"`
	DurationMs    int64       `json:"duration_ms"`
}

type PlaybackFlush struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

type TranscriptPartial struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Role      string      `json:"role"`
	Text      string      `json:"text"`
}

type TranscriptMessage struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Index     int         `json:"index"`
	Role      string      `json:"role"`
	Text      string      `json:"text"`
}

type QuotaDenied struct {
	Type   MessageType `json:"type"`
	Reason string      `json:"reason"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Action != ActionStart && msg.Action != ActionStop {
			return nil, fmt.Errorf("invalid client_control action %q", msg.Action)
		}
		return msg, nil
	case TypeCaptureResult:
		var msg CaptureResult
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeCaptureState:
		var msg CaptureState
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
