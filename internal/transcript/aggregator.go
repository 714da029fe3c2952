package transcript

import "strings"

// Source identifies which side of the call produced a transcript fragment.
type Source string

const (
	SourceCaller Source = "caller"
	SourceCallee Source = "callee"
)

// Role is the durable speaker label of a finalized message.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Event is one incremental transcript fragment from the remote endpoint.
type Event struct {
	Source         Source
	Text           string
	IsFinalForTurn bool
}

// Message is a finalized utterance.
type Message struct {
	Role Role   `json:"role" bson:"role"`
	Text string `json:"text" bson:"text"`
}

func (s Source) Role() Role {
	if s == SourceCallee {
		return RoleModel
	}
	return RoleUser
}

// Aggregator folds interleaved fragments into an ordered message log. An
// utterance is finalized when the other source speaks or on Flush; the
// IsFinalForTurn marker is recorded but never relied upon.
//
// Aggregator is not safe for concurrent use; the session loop owns it.
type Aggregator struct {
	messages []Message
	current  Source
	pending  []byte
	open     bool
}

func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// Add appends a fragment. When it closes the previous utterance, the
// finalized message is returned with ok=true. Blank fragments never open or
// close an utterance; they are only kept as spacing inside one.
func (a *Aggregator) Add(ev Event) (finalized Message, ok bool) {
	if ev.Text == "" {
		return Message{}, false
	}
	if strings.TrimSpace(ev.Text) == "" && (!a.open || ev.Source != a.current) {
		return Message{}, false
	}
	if a.open && ev.Source != a.current {
		finalized, ok = a.finalize()
	}
	a.current = ev.Source
	a.open = true
	a.pending = append(a.pending, ev.Text...)
	return finalized, ok
}

// Flush finalizes the in-progress utterance, if any.
func (a *Aggregator) Flush() (Message, bool) {
	if !a.open {
		return Message{}, false
	}
	return a.finalize()
}

// Pending returns the text accumulated for the in-progress utterance.
func (a *Aggregator) Pending() (Source, string, bool) {
	if !a.open {
		return "", "", false
	}
	return a.current, string(a.pending), true
}

// Messages returns a copy of the finalized log.
func (a *Aggregator) Messages() []Message {
	out := make([]Message, len(a.messages))
	copy(out, a.messages)
	return out
}

func (a *Aggregator) Len() int { return len(a.messages) }

func (a *Aggregator) finalize() (Message, bool) {
	msg := Message{Role: a.current.Role(), Text: string(a.pending)}
	a.messages = append(a.messages, msg)
	a.pending = a.pending[:0]
	a.open = false
	return msg, true
}
