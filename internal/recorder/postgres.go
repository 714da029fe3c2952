package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/divevoice/internal/transcript"
)

// PostgresStore persists entries in voice_session_entries. The schema is
// owned by the store package migrations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) CreatePendingEntry(ctx context.Context, subjectID string) (string, error) {
	id := uuid.NewString()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO voice_session_entries (id, subject_id, status, created_at) VALUES ($1, $2, $3, $4)`,
		id, subjectID, string(StatusPending), time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("create pending entry: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) FinalizeEntry(ctx context.Context, entryID string, result Result) error {
	if !validFinal(result.Status) {
		return ErrInvalidStatus
	}
	msgs := result.Transcript
	if msgs == nil {
		msgs = []transcript.Message{}
	}
	raw, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE voice_session_entries
		 SET status=$2, transcript=$3::jsonb, pii_redacted=$4, finalized_at=$5
		 WHERE id=$1 AND status='pending'`,
		entryID, string(result.Status), string(raw), result.PIIRedacted, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("finalize entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEntryNotFound
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, entryID string) (Entry, error) {
	var (
		e      Entry
		status string
		raw    []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, subject_id, status, transcript, pii_redacted, created_at, finalized_at
		 FROM voice_session_entries WHERE id=$1`,
		entryID,
	).Scan(&e.ID, &e.SubjectID, &status, &raw, &e.PIIRedacted, &e.CreatedAt, &e.FinalizedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrEntryNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get entry: %w", err)
	}
	e.Status = Status(status)
	if err := json.Unmarshal(raw, &e.Transcript); err != nil {
		return Entry{}, fmt.Errorf("decode transcript: %w", err)
	}
	return e, nil
}

// Close is a no-op; the pool belongs to the caller.
func (s *PostgresStore) Close(context.Context) error { return nil }
