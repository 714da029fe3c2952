package localaudio

import (
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/ent0n29/divevoice/internal/audio"
	"github.com/ent0n29/divevoice/internal/playback"
)

// Speaker owns the process-wide oto context. Outputs created from it play
// 24kHz mono PCM16 in the order it is scheduled.
type Speaker struct {
	ctx *oto.Context
}

func NewSpeaker() (*Speaker, error) {
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   audio.PlaybackSampleRate,
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   100 * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("init speaker: %w", err)
	}
	<-ready
	return &Speaker{ctx: ctx}, nil
}

// NewOutput matches the session output factory signature.
func (s *Speaker) NewOutput(string, time.Time) (playback.Output, error) {
	if err := s.ctx.Err(); err != nil {
		return nil, err
	}
	return &speakerOutput{ctx: s.ctx, queue: playback.NewPCMQueue()}, nil
}

type speakerOutput struct {
	ctx   *oto.Context
	queue *playback.PCMQueue

	mu     sync.Mutex
	player *oto.Player
	closed bool
}

func (o *speakerOutput) Schedule(item playback.Scheduled) error {
	if item.SampleRate != 0 && item.SampleRate != audio.PlaybackSampleRate {
		return fmt.Errorf("%w: speaker runs at %d Hz, chunk is %d Hz", audio.ErrDecode, audio.PlaybackSampleRate, item.SampleRate)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return playback.ErrClosed
	}
	o.queue.Write(item.PCM)
	if o.player == nil {
		o.player = o.ctx.NewPlayer(o.queue)
		o.player.Play()
	}
	return nil
}

// Flush drops queued audio. The player is torn down with its queue so a
// reader still blocked on the old queue cannot pick up later chunks.
func (o *speakerOutput) Flush() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.queue.Close()
	o.queue = playback.NewPCMQueue()
	if o.player == nil {
		return nil
	}
	player := o.player
	o.player = nil
	player.Pause()
	return player.Close()
}

func (o *speakerOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true
	o.queue.Close()
	if o.player != nil {
		return o.player.Close()
	}
	return nil
}
