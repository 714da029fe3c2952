package reliability

import (
	"context"
	"errors"

	"github.com/ent0n29/divevoice/internal/audio"
	"github.com/ent0n29/divevoice/internal/capture"
	"github.com/ent0n29/divevoice/internal/playback"
	"github.com/ent0n29/divevoice/internal/quota"
	"github.com/ent0n29/divevoice/internal/transport"
)

// Code is a stable, client-facing error class.
type Code string

const (
	CodePermissionDenied Code = "permission_denied"
	CodeQuotaDenied      Code = "quota_denied"
	CodeTransportError   Code = "transport_error"
	CodeDeviceLost       Code = "device_lost"
	CodeDecodeError      Code = "decode_error"
	CodeCancelled        Code = "cancelled"
	CodeInternal         Code = "internal"
)

// Classify maps an error chain onto a Code. Nil maps to the empty code.
func Classify(err error) Code {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, capture.ErrPermissionDenied):
		return CodePermissionDenied
	case errors.Is(err, quota.ErrDenied):
		return CodeQuotaDenied
	case errors.Is(err, capture.ErrDeviceLost):
		return CodeDeviceLost
	case errors.Is(err, audio.ErrDecode):
		return CodeDecodeError
	case errors.Is(err, transport.ErrRemoteClosed), errors.Is(err, transport.ErrClosed), errors.Is(err, playback.ErrStalled):
		return CodeTransportError
	case errors.Is(err, context.Canceled):
		return CodeCancelled
	default:
		return CodeInternal
	}
}

// IsRetryable reports whether a user-initiated retry may succeed without
// changing anything first.
func IsRetryable(code Code) bool {
	switch code {
	case CodeTransportError, CodeDeviceLost, CodeCancelled, CodeInternal:
		return true
	default:
		return false
	}
}

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}
