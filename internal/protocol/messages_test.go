package protocol

import (
	"errors"
	"testing"
)

func TestParseClientMessageControl(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"client_control","action":"stop"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	control, ok := msg.(ClientControl)
	if !ok {
		t.Fatalf("message type = %T, want ClientControl", msg)
	}
	if control.Action != ActionStop {
		t.Fatalf("Action = %q, want %q", control.Action, ActionStop)
	}
}

func TestParseClientMessageRejectsUnknownAction(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"client_control","action":"pause"}`))
	if err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageCaptureResult(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"capture_result","granted":false,"detail":"NotAllowedError"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	res, ok := msg.(CaptureResult)
	if !ok {
		t.Fatalf("message type = %T, want CaptureResult", msg)
	}
	if res.Granted || res.Detail != "NotAllowedError" {
		t.Fatalf("unexpected capture result: %+v", res)
	}
}

func TestParseClientMessageCaptureState(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"capture_state","active":false}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	if st, ok := msg.(CaptureState); !ok || st.Active {
		t.Fatalf("message = %#v, want inactive CaptureState", msg)
	}
}

func TestParseClientMessageInvalidJSON(t *testing.T) {
	if _, err := ParseClientMessage([]byte(`{`)); err == nil {
		t.Fatalf("expected envelope error")
	}
}

func BenchmarkParseClientMessageControl(b *testing.B) {
	raw := []byte(`{"type":"client_control","action":"start"}`)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		msg, err := ParseClientMessage(raw)
		if err != nil {
			b.Fatalf("ParseClientMessage() error = %v", err)
		}
		if _, ok := msg.(ClientControl); !ok {
			b.Fatalf("message type = %T, want ClientControl", msg)
		}
	}
}
