package playback

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap/zaptest"

	"github.com/ent0n29/divevoice/internal/audio"
	"github.com/ent0n29/divevoice/internal/protocol"
)

func chunkOf(d time.Duration) []byte {
	samples := int(d * audio.PlaybackSampleRate / time.Second)
	return make([]byte, samples*2)
}

func TestSchedulerBackToBackBurst(t *testing.T) {
	mock := clock.NewMock()
	out := NewMemoryOutput()
	s := NewScheduler(mock, out, zaptest.NewLogger(t))
	t0 := mock.Now()

	for _, d := range []time.Duration{time.Second, 500 * time.Millisecond, 2 * time.Second} {
		if _, err := s.Enqueue(chunkOf(d), audio.PlaybackSampleRate); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	items := out.Items()
	want := []time.Duration{0, time.Second, 1500 * time.Millisecond}
	if len(items) != len(want) {
		t.Fatalf("scheduled = %d, want %d", len(items), len(want))
	}
	for i, w := range want {
		if got := items[i].StartAt.Sub(t0); got != w {
			t.Fatalf("chunk %d start = %v, want %v", i, got, w)
		}
	}
	if got := s.NextStart().Sub(t0); got != 3500*time.Millisecond {
		t.Fatalf("NextStart() = %v, want 3.5s", got)
	}
}

func TestSchedulerCatchesUpAfterStall(t *testing.T) {
	mock := clock.NewMock()
	out := NewMemoryOutput()
	s := NewScheduler(mock, out, nil)

	s.Enqueue(chunkOf(time.Second), audio.PlaybackSampleRate)
	mock.Add(3 * time.Second)
	item, err := s.Enqueue(chunkOf(time.Second), audio.PlaybackSampleRate)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if !item.StartAt.Equal(mock.Now()) {
		t.Fatalf("StartAt = %v, want now %v", item.StartAt, mock.Now())
	}
}

func TestSchedulerDropsUndecodableChunkWithoutAdvancing(t *testing.T) {
	mock := clock.NewMock()
	out := NewMemoryOutput()
	s := NewScheduler(mock, out, zaptest.NewLogger(t))

	s.Enqueue(chunkOf(time.Second), audio.PlaybackSampleRate)
	before := s.NextStart()
	if _, err := s.Enqueue([]byte{1, 2, 3}, audio.PlaybackSampleRate); !errors.Is(err, audio.ErrDecode) {
		t.Fatalf("Enqueue() error = %v, want ErrDecode", err)
	}
	if !s.NextStart().Equal(before) {
		t.Fatalf("cursor moved on dropped chunk: %v -> %v", before, s.NextStart())
	}
	if s.Dropped() != 1 || len(out.Items()) != 1 {
		t.Fatalf("dropped=%d scheduled=%d, want 1 and 1", s.Dropped(), len(out.Items()))
	}
}

func TestSchedulerNeverOverlapsOrStartsInPast(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for iter := 0; iter < 50; iter++ {
		mock := clock.NewMock()
		out := NewMemoryOutput()
		s := NewScheduler(mock, out, nil)

		var prevEnd time.Time
		for i := 0; i < 60; i++ {
			mock.Add(time.Duration(rng.Intn(1500)) * time.Millisecond)
			d := time.Duration(20+rng.Intn(800)) * time.Millisecond
			now := mock.Now()
			item, err := s.Enqueue(chunkOf(d), audio.PlaybackSampleRate)
			if err != nil {
				t.Fatalf("Enqueue() error = %v", err)
			}
			if item.StartAt.Before(now) {
				t.Fatalf("iteration %d chunk %d starts %v before now %v", iter, i, item.StartAt, now)
			}
			if i > 0 && item.StartAt.Before(prevEnd) {
				t.Fatalf("iteration %d chunk %d overlaps previous (start %v < end %v)", iter, i, item.StartAt, prevEnd)
			}
			if i > 0 && item.StartAt.After(prevEnd) && !item.StartAt.Equal(now) {
				t.Fatalf("iteration %d chunk %d left a gap without stalling", iter, i)
			}
			prevEnd = item.EndAt()
		}
	}
}

func TestSchedulerInterruptResetsCursor(t *testing.T) {
	mock := clock.NewMock()
	out := NewMemoryOutput()
	s := NewScheduler(mock, out, nil)

	s.Enqueue(chunkOf(5*time.Second), audio.PlaybackSampleRate)
	mock.Add(time.Second)
	if err := s.Interrupt(); err != nil {
		t.Fatalf("Interrupt() error = %v", err)
	}
	if out.Flushes() != 1 {
		t.Fatalf("Flushes() = %d, want 1", out.Flushes())
	}
	item, _ := s.Enqueue(chunkOf(time.Second), audio.PlaybackSampleRate)
	if !item.StartAt.Equal(mock.Now()) {
		t.Fatalf("StartAt after interrupt = %v, want %v", item.StartAt, mock.Now())
	}
}

func TestSchedulerCloseIsIdempotent(t *testing.T) {
	out := NewMemoryOutput()
	s := NewScheduler(clock.NewMock(), out, nil)
	s.Close()
	s.Close()
	if out.Closes() != 1 {
		t.Fatalf("Closes() = %d, want 1", out.Closes())
	}
	if _, err := s.Enqueue(chunkOf(time.Second), audio.PlaybackSampleRate); !errors.Is(err, ErrClosed) {
		t.Fatalf("Enqueue() after Close error = %v, want ErrClosed", err)
	}

	var nilScheduler *Scheduler
	if err := nilScheduler.Close(); err != nil {
		t.Fatalf("nil Close() error = %v", err)
	}
}

func TestStreamOutputEmitsOffsets(t *testing.T) {
	mock := clock.NewMock()
	var sent []any
	out := NewStreamOutput("s1", mock.Now(), func(msg any) bool { sent = append(sent, msg); return true })
	s := NewScheduler(mock, out, nil)

	s.Enqueue(chunkOf(time.Second), audio.PlaybackSampleRate)
	s.Enqueue(chunkOf(time.Second), audio.PlaybackSampleRate)
	s.Close()

	if len(sent) != 3 {
		t.Fatalf("sent = %d messages, want 3", len(sent))
	}
	second, ok := sent[1].(protocol.AssistantAudioChunk)
	if !ok {
		t.Fatalf("sent[1] = %T, want AssistantAudioChunk", sent[1])
	}
	if second.StartOffsetMs != 1000 || second.DurationMs != 1000 || second.Seq != 2 {
		t.Fatalf("unexpected chunk: offset=%d dur=%d seq=%d", second.StartOffsetMs, second.DurationMs, second.Seq)
	}
	if second.Format != "audio/pcm;rate=24000" {
		t.Fatalf("Format = %q", second.Format)
	}
	if _, ok := sent[2].(protocol.PlaybackFlush); !ok {
		t.Fatalf("sent[2] = %T, want PlaybackFlush", sent[2])
	}
}

func TestStreamOutputRefusedChunkStalls(t *testing.T) {
	mock := clock.NewMock()
	accept := true
	out := NewStreamOutput("s1", mock.Now(), func(any) bool { return accept })
	s := NewScheduler(mock, out, nil)

	if _, err := s.Enqueue(chunkOf(time.Second), audio.PlaybackSampleRate); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	accept = false
	if _, err := s.Enqueue(chunkOf(time.Second), audio.PlaybackSampleRate); !errors.Is(err, ErrStalled) {
		t.Fatalf("Enqueue() error = %v, want ErrStalled", err)
	}
	if got := s.NextStart(); !got.Equal(mock.Now().Add(time.Second)) {
		t.Fatalf("cursor moved past undelivered chunk: %v", got)
	}
}
