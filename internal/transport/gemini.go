package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/ent0n29/divevoice/internal/audio"
	"github.com/ent0n29/divevoice/internal/transcript"
)

const DefaultGeminiModel = "gemini-2.0-flash-live-001"

// GeminiTransport talks to the Gemini Live API.
type GeminiTransport struct {
	client *genai.Client
	model  string
	logger *zap.Logger
}

func NewGeminiTransport(ctx context.Context, apiKey, model string, logger *zap.Logger) (*GeminiTransport, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	if strings.TrimSpace(model) == "" {
		model = DefaultGeminiModel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GeminiTransport{client: client, model: model, logger: logger}, nil
}

func (t *GeminiTransport) Open(ctx context.Context, cfg Config) (Conn, error) {
	model := cfg.Model
	if model == "" {
		model = t.model
	}
	session, err := t.client.Live.Connect(ctx, model, liveConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("connect live session: %w", err)
	}

	c := &geminiConn{
		session: session,
		events:  make(chan Event, 128),
		done:    make(chan struct{}),
		logger:  t.logger.With(zap.String("session_id", cfg.SessionID), zap.String("model", model)),
	}
	go c.readLoop()
	return c, nil
}

func liveConfig(cfg Config) *genai.LiveConnectConfig {
	lc := &genai.LiveConnectConfig{
		ResponseModalities:       []genai.Modality{genai.ModalityAudio},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
	if s := strings.TrimSpace(cfg.SystemInstruction); s != "" {
		lc.SystemInstruction = genai.NewContentFromText(s, genai.RoleUser)
	}
	if cfg.VoiceName != "" || cfg.LanguageCode != "" {
		lc.SpeechConfig = &genai.SpeechConfig{LanguageCode: cfg.LanguageCode}
		if cfg.VoiceName != "" {
			lc.SpeechConfig.VoiceConfig = &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.VoiceName},
			}
		}
	}
	return lc
}

type geminiConn struct {
	session *genai.Session
	events  chan Event
	done    chan struct{}
	logger  *zap.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	mu        sync.Mutex
	closing   bool
}

func (c *geminiConn) SendFrame(frame audio.Frame) error {
	if c.isClosing() {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.session.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{Data: frame.Data, MIMEType: frame.MIMEType},
	})
}

func (c *geminiConn) Events() <-chan Event { return c.events }

func (c *geminiConn) Close() error {
	var retErr error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		c.mu.Unlock()
		close(c.done)
		retErr = c.session.Close()
	})
	return retErr
}

func (c *geminiConn) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

func (c *geminiConn) readLoop() {
	defer close(c.events)
	for {
		msg, err := c.session.Receive()
		if err != nil {
			if c.isClosing() {
				c.emit(Event{Type: EventClose})
				return
			}
			c.logger.Warn("live session receive failed", zap.Error(err))
			c.emit(Event{Type: EventError, Err: fmt.Errorf("%w: %v", ErrRemoteClosed, err)})
			return
		}
		for _, ev := range translate(msg) {
			if !c.emit(ev) {
				return
			}
		}
		if msg.GoAway != nil {
			c.logger.Info("live session going away", zap.Duration("time_left", msg.GoAway.TimeLeft))
		}
	}
}

func (c *geminiConn) emit(ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

// translate flattens one server message into transport events, in the order
// open, transcripts, audio, interruption, turn end.
func translate(msg *genai.LiveServerMessage) []Event {
	if msg == nil {
		return nil
	}
	var out []Event
	if msg.SetupComplete != nil {
		out = append(out, Event{Type: EventOpen})
	}
	sc := msg.ServerContent
	if sc == nil {
		return out
	}
	if tr := sc.InputTranscription; tr != nil && tr.Text != "" {
		out = append(out, Event{Type: EventTranscript, Transcript: transcript.Event{
			Source: transcript.SourceCaller, Text: tr.Text, IsFinalForTurn: tr.Finished,
		}})
	}
	if tr := sc.OutputTranscription; tr != nil && tr.Text != "" {
		out = append(out, Event{Type: EventTranscript, Transcript: transcript.Event{
			Source: transcript.SourceCallee, Text: tr.Text, IsFinalForTurn: tr.Finished,
		}})
	}
	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			if !strings.HasPrefix(part.InlineData.MIMEType, "audio/") {
				continue
			}
			out = append(out, Event{
				Type:       EventChunk,
				Chunk:      part.InlineData.Data,
				SampleRate: audio.RateFromMIME(part.InlineData.MIMEType, audio.PlaybackSampleRate),
			})
		}
	}
	if sc.Interrupted {
		out = append(out, Event{Type: EventInterrupted})
	}
	if sc.TurnComplete {
		out = append(out, Event{Type: EventTurnComplete})
	}
	return out
}
