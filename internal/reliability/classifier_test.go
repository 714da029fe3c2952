package reliability

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/ent0n29/divevoice/internal/audio"
	"github.com/ent0n29/divevoice/internal/capture"
	"github.com/ent0n29/divevoice/internal/playback"
	"github.com/ent0n29/divevoice/internal/quota"
	"github.com/ent0n29/divevoice/internal/transport"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Code
	}{
		{nil, ""},
		{fmt.Errorf("acquire: %w", capture.ErrPermissionDenied), CodePermissionDenied},
		{quota.ErrDenied, CodeQuotaDenied},
		{capture.ErrDeviceLost, CodeDeviceLost},
		{fmt.Errorf("chunk: %w", audio.ErrDecode), CodeDecodeError},
		{fmt.Errorf("%w: eof", transport.ErrRemoteClosed), CodeTransportError},
		{fmt.Errorf("schedule chunk 4: %w", playback.ErrStalled), CodeTransportError},
		{context.Canceled, CodeCancelled},
		{errors.New("boom"), CodeInternal},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Fatalf("Classify(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(CodePermissionDenied) || IsRetryable(CodeQuotaDenied) {
		t.Fatalf("permission and quota denials must not be retryable")
	}
	if !IsRetryable(CodeTransportError) {
		t.Fatalf("transport errors should be retryable")
	}
}

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tc := range cases {
		got := IsRetryableHTTPStatus(tc.code)
		if got != tc.want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}
