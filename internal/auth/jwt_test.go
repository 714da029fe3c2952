package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSubjectFromBearerHeader(t *testing.T) {
	v := NewVerifier("s3cret")
	token, err := v.Issue("diver-7", time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	r := httptest.NewRequest("GET", "/v1/voice/quota", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	got, err := v.Subject(r)
	if err != nil {
		t.Fatalf("Subject() error = %v", err)
	}
	if got != "diver-7" {
		t.Fatalf("Subject() = %q, want diver-7", got)
	}
}

func TestSubjectFromQueryToken(t *testing.T) {
	v := NewVerifier("s3cret")
	token, _ := v.Issue("diver-8", time.Hour)
	r := httptest.NewRequest("GET", "/v1/voice/session/ws?token="+token, nil)
	got, err := v.Subject(r)
	if err != nil || got != "diver-8" {
		t.Fatalf("Subject() = %q, %v; want diver-8", got, err)
	}
}

func TestSubjectRejectsBadTokens(t *testing.T) {
	v := NewVerifier("s3cret")
	other := NewVerifier("other")
	foreign, _ := other.Issue("diver-9", time.Hour)

	expired := NewVerifier("s3cret")
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	stale, _ := expired.Issue("diver-9", time.Hour)

	r := httptest.NewRequest("GET", "/", nil)
	if _, err := v.Subject(r); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("no token error = %v, want ErrMissingToken", err)
	}
	for name, token := range map[string]string{"foreign": foreign, "expired": stale, "garbage": "abc.def.ghi"} {
		r := httptest.NewRequest("GET", "/?token="+token, nil)
		if _, err := v.Subject(r); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s token error = %v, want ErrInvalidToken", name, err)
		}
	}
}

func TestSubjectWithoutSecret(t *testing.T) {
	v := NewVerifier("")
	if v.Enabled() {
		t.Fatalf("verifier enabled without secret")
	}
	got, _ := v.Subject(httptest.NewRequest("GET", "/?subject_id=local-diver", nil))
	if got != "local-diver" {
		t.Fatalf("Subject() = %q, want local-diver", got)
	}
	got, _ = v.Subject(httptest.NewRequest("GET", "/", nil))
	if got != AnonymousSubject {
		t.Fatalf("Subject() = %q, want %q", got, AnonymousSubject)
	}
	if _, err := v.Issue("x", time.Minute); err == nil {
		t.Fatalf("Issue() without secret should fail")
	}
}
