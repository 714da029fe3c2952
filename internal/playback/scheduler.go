package playback

import (
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/ent0n29/divevoice/internal/audio"
)

var (
	ErrClosed = errors.New("playback output closed")
	// ErrStalled means the output could not take a chunk in time. Audio after
	// it would play with a gap, so the session should not continue.
	ErrStalled = errors.New("playback output stalled")
)

// Scheduled is one decoded chunk pinned to a start time on the output
// timeline.
type Scheduled struct {
	Seq        int
	StartAt    time.Time
	Duration   time.Duration
	PCM        []byte
	SampleRate int
}

func (s Scheduled) EndAt() time.Time { return s.StartAt.Add(s.Duration) }

// Output is an audio output context. Close drops anything not yet played.
type Output interface {
	Schedule(Scheduled) error
	Flush() error
	Close() error
}

// Scheduler keeps a single cursor and lays inbound chunks end to end on it.
// A chunk starts at max(cursor, now); the cursor then advances by the chunk's
// duration. Bursts queue back to back and stalls snap the cursor forward to
// now.
//
// Scheduler is owned by one session loop and is not safe for concurrent use.
type Scheduler struct {
	clock  clock.Clock
	out    Output
	logger *zap.Logger

	next    time.Time
	primed  bool
	seq     int
	dropped int
	closed  bool
}

func NewScheduler(clk clock.Clock, out Output, logger *zap.Logger) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{clock: clk, out: out, logger: logger}
}

// Enqueue decodes chunk and hands it to the output. Undecodable chunks are
// logged and dropped without moving the cursor; the decode error is returned
// so callers can count it.
func (s *Scheduler) Enqueue(chunk []byte, sampleRate int) (Scheduled, error) {
	if s.closed {
		return Scheduled{}, ErrClosed
	}
	dec, err := audio.DecodePCM16(chunk, sampleRate)
	if err != nil {
		s.dropped++
		s.logger.Warn("dropping inbound chunk", zap.Int("bytes", len(chunk)), zap.Error(err))
		return Scheduled{}, err
	}

	now := s.clock.Now()
	if !s.primed {
		s.next = now
		s.primed = true
	}
	start := s.next
	if start.Before(now) {
		start = now
	}

	s.seq++
	item := Scheduled{
		Seq:        s.seq,
		StartAt:    start,
		Duration:   dec.Duration,
		PCM:        dec.PCM,
		SampleRate: dec.SampleRate,
	}
	if err := s.out.Schedule(item); err != nil {
		return item, fmt.Errorf("schedule chunk %d: %w", item.Seq, err)
	}
	s.next = item.EndAt()
	return item, nil
}

// Interrupt discards queued audio and resets the cursor so the next chunk
// starts immediately.
func (s *Scheduler) Interrupt() error {
	if s == nil || s.closed {
		return nil
	}
	s.primed = false
	return s.out.Flush()
}

// NextStart reports the cursor. The zero time means no chunk was scheduled
// since the last reset.
func (s *Scheduler) NextStart() time.Time {
	if !s.primed {
		return time.Time{}
	}
	return s.next
}

func (s *Scheduler) Dropped() int { return s.dropped }

// Close releases the output context. Safe to call more than once.
func (s *Scheduler) Close() error {
	if s == nil || s.closed {
		return nil
	}
	s.closed = true
	if s.out == nil {
		return nil
	}
	return s.out.Close()
}
