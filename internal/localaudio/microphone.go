package localaudio

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"
	"go.uber.org/zap"

	"github.com/ent0n29/divevoice/internal/audio"
	"github.com/ent0n29/divevoice/internal/capture"
)

// Microphone is the default system capture device, opened through miniaudio.
// Each RequestAccess initializes a fresh 16kHz mono float device; only one
// stream may be live at a time.
type Microphone struct {
	ctx    *malgo.AllocatedContext
	buffer int
	logger *zap.Logger

	mu   sync.Mutex
	feed *capture.Feed
}

func NewMicrophone(buffer int, logger *zap.Logger) (*Microphone, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctxConfig := malgo.ContextConfig{}
	ctxConfig.ThreadPriority = malgo.ThreadPriorityRealtime
	mctx, err := malgo.InitContext(nil, ctxConfig, func(msg string) {
		logger.Debug("miniaudio", zap.String("message", msg))
	})
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}
	return &Microphone{ctx: mctx, buffer: buffer, logger: logger}, nil
}

func (m *Microphone) RequestAccess(ctx context.Context) (capture.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.feed != nil && !m.feed.Released() {
		return nil, capture.ErrBusy
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = 1
	cfg.SampleRate = audio.CaptureSampleRate
	cfg.PeriodSizeInMilliseconds = 20

	var (
		feed     *capture.Feed
		stopping atomic.Bool
		blocks   = audio.NewBlocker(audio.FrameSamples)
	)
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			blocks.Write(audio.Float32FromLE(input), func(b []float32) { feed.Push(b) })
		},
		Stop: func() {
			if !stopping.Load() {
				m.logger.Warn("capture device stopped unexpectedly")
				feed.Lose()
			}
		},
	}

	dev, err := malgo.InitDevice(m.ctx.Context, cfg, callbacks)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", capture.ErrPermissionDenied, err)
	}
	feed = capture.NewFeed(m.buffer, capture.FeedHooks{
		StopTracks: func() error {
			stopping.Store(true)
			return dev.Stop()
		},
		Release: func() error {
			stopping.Store(true)
			dev.Uninit()
			return nil
		},
	})
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("%w: %v", capture.ErrPermissionDenied, err)
	}
	m.feed = feed
	return feed, nil
}

// Close releases the audio context. Any live stream must be closed first.
func (m *Microphone) Close() error {
	m.mu.Lock()
	feed := m.feed
	m.mu.Unlock()
	if feed != nil {
		_ = feed.Close()
	}
	err := m.ctx.Uninit()
	m.ctx.Free()
	return err
}
