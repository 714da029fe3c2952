package recorder

import (
	"context"
	"regexp"

	"github.com/ent0n29/divevoice/internal/transcript"
)

type maskRule struct {
	pattern *regexp.Regexp
	mask    string
}

// Applied in order. Card numbers go before phone numbers so a long digit run
// is not half-masked as a phone.
var maskRules = []maskRule{
	{regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[REDACTED_EMAIL]"},
	{regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), "[REDACTED_CARD]"},
	{regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), "[REDACTED_PHONE]"},
}

// MaskPII replaces emails, card numbers and phone numbers in text. It
// reports whether anything was replaced.
func MaskPII(text string) (string, bool) {
	changed := false
	for _, rule := range maskRules {
		next := rule.pattern.ReplaceAllString(text, rule.mask)
		if next != text {
			changed = true
			text = next
		}
	}
	return text, changed
}

// Redacting masks PII in transcripts before they reach the wrapped Recorder.
type Redacting struct {
	next Recorder
}

func NewRedacting(next Recorder) *Redacting {
	return &Redacting{next: next}
}

func (r *Redacting) CreatePendingEntry(ctx context.Context, subjectID string) (string, error) {
	return r.next.CreatePendingEntry(ctx, subjectID)
}

func (r *Redacting) FinalizeEntry(ctx context.Context, entryID string, result Result) error {
	if len(result.Transcript) > 0 {
		masked := make([]transcript.Message, len(result.Transcript))
		for i, msg := range result.Transcript {
			text, changed := MaskPII(msg.Text)
			masked[i] = transcript.Message{Role: msg.Role, Text: text}
			result.PIIRedacted = result.PIIRedacted || changed
		}
		result.Transcript = masked
	}
	return r.next.FinalizeEntry(ctx, entryID, result)
}
