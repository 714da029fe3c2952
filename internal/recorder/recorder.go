package recorder

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/divevoice/internal/transcript"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

var (
	ErrEntryNotFound = errors.New("session entry not found or already finalized")
	ErrInvalidStatus = errors.New("invalid final status")
)

// Result is the durable outcome of one voice session.
type Result struct {
	Status      Status
	Transcript  []transcript.Message
	PIIRedacted bool
}

// Entry is a recorded session log entry.
type Entry struct {
	ID          string               `json:"id" bson:"_id"`
	SubjectID   string               `json:"subject_id" bson:"subject_id"`
	Status      Status               `json:"status" bson:"status"`
	Transcript  []transcript.Message `json:"transcript" bson:"transcript"`
	PIIRedacted bool                 `json:"pii_redacted" bson:"pii_redacted"`
	CreatedAt   time.Time            `json:"created_at" bson:"created_at"`
	FinalizedAt *time.Time           `json:"finalized_at,omitempty" bson:"finalized_at,omitempty"`
}

// Recorder receives session log entries. An entry is created pending and
// finalized exactly once.
type Recorder interface {
	CreatePendingEntry(ctx context.Context, subjectID string) (string, error)
	FinalizeEntry(ctx context.Context, entryID string, result Result) error
}

// Store is a Recorder that can also read entries back.
type Store interface {
	Recorder
	Get(ctx context.Context, entryID string) (Entry, error)
	Close(ctx context.Context) error
}

func validFinal(s Status) bool {
	return s == StatusCompleted || s == StatusFailed
}

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
	order   []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) CreatePendingEntry(_ context.Context, subjectID string) (string, error) {
	id := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[id] = Entry{
		ID:        id,
		SubjectID: subjectID,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	s.order = append(s.order, id)
	return id, nil
}

func (s *MemoryStore) FinalizeEntry(_ context.Context, entryID string, result Result) error {
	if !validFinal(result.Status) {
		return ErrInvalidStatus
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[entryID]
	if !ok || e.Status != StatusPending {
		return ErrEntryNotFound
	}
	now := time.Now().UTC()
	e.Status = result.Status
	e.Transcript = append([]transcript.Message(nil), result.Transcript...)
	e.PIIRedacted = result.PIIRedacted
	e.FinalizedAt = &now
	s.entries[entryID] = e
	return nil
}

func (s *MemoryStore) Get(_ context.Context, entryID string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[entryID]
	if !ok {
		return Entry{}, ErrEntryNotFound
	}
	return e, nil
}

// Entries returns every entry in creation order.
func (s *MemoryStore) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.entries[id])
	}
	return out
}

func (s *MemoryStore) Close(context.Context) error { return nil }
