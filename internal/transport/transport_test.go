package transport

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/genai"

	"github.com/ent0n29/divevoice/internal/audio"
	"github.com/ent0n29/divevoice/internal/transcript"
)

func TestTranslateServerContent(t *testing.T) {
	msg := &genai.LiveServerMessage{
		ServerContent: &genai.LiveServerContent{
			InputTranscription:  &genai.Transcription{Text: "where did I dive"},
			OutputTranscription: &genai.Transcription{Text: "At Blue Hole", Finished: true},
			ModelTurn: &genai.Content{Parts: []*genai.Part{
				{InlineData: &genai.Blob{Data: []byte{1, 0, 2, 0}, MIMEType: "audio/pcm;rate=24000"}},
				{Text: "ignored"},
			}},
			TurnComplete: true,
		},
	}
	events := translate(msg)
	wantTypes := []EventType{EventTranscript, EventTranscript, EventChunk, EventTurnComplete}
	if len(events) != len(wantTypes) {
		t.Fatalf("len(events) = %d, want %d", len(events), len(wantTypes))
	}
	for i, w := range wantTypes {
		if events[i].Type != w {
			t.Fatalf("events[%d].Type = %s, want %s", i, events[i].Type, w)
		}
	}
	if events[0].Transcript.Source != transcript.SourceCaller {
		t.Fatalf("input transcription source = %s, want caller", events[0].Transcript.Source)
	}
	if !events[1].Transcript.IsFinalForTurn || events[1].Transcript.Source != transcript.SourceCallee {
		t.Fatalf("output transcription = %+v", events[1].Transcript)
	}
	if events[2].SampleRate != 24000 || len(events[2].Chunk) != 4 {
		t.Fatalf("chunk = %d bytes @ %d", len(events[2].Chunk), events[2].SampleRate)
	}
}

func TestTranslateSetupAndInterrupt(t *testing.T) {
	if got := translate(&genai.LiveServerMessage{SetupComplete: &genai.LiveServerSetupComplete{}}); len(got) != 1 || got[0].Type != EventOpen {
		t.Fatalf("setup events = %+v, want one open", got)
	}
	got := translate(&genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{Interrupted: true}})
	if len(got) != 1 || got[0].Type != EventInterrupted {
		t.Fatalf("interrupt events = %+v, want one interrupted", got)
	}
	if translate(nil) != nil {
		t.Fatalf("translate(nil) != nil")
	}
}

func TestLiveConfigVoice(t *testing.T) {
	lc := liveConfig(Config{SystemInstruction: "be brief", VoiceName: "Puck", LanguageCode: "en-US"})
	if lc.SpeechConfig == nil || lc.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName != "Puck" {
		t.Fatalf("voice not configured: %+v", lc.SpeechConfig)
	}
	if lc.SystemInstruction == nil {
		t.Fatalf("system instruction missing")
	}
	if bare := liveConfig(Config{}); bare.SpeechConfig != nil || bare.SystemInstruction != nil {
		t.Fatalf("empty config should not set speech or instruction")
	}
}

func TestMockConnLifecycle(t *testing.T) {
	tr := NewMockTransport(MockOptions{Scripted: true, ReplyEvery: 2})
	conn, err := tr.Open(context.Background(), Config{SessionID: "s1"})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if ev := <-conn.Events(); ev.Type != EventOpen {
		t.Fatalf("first event = %s, want open", ev.Type)
	}
	enc := audio.NewFrameEncoder(0)
	conn.SendFrame(enc.Encode(make([]float32, 8)))
	conn.SendFrame(enc.Encode(make([]float32, 8)))
	if ev := <-conn.Events(); ev.Type != EventTranscript {
		t.Fatalf("scripted reply = %s, want transcript", ev.Type)
	}

	conn.Close()
	conn.Close()
	mc := tr.LastConn()
	if mc.Closes() != 2 || !mc.Closed() {
		t.Fatalf("Closes()=%d Closed()=%v", mc.Closes(), mc.Closed())
	}
	if err := conn.SendFrame(enc.Encode(nil)); !errors.Is(err, ErrClosed) {
		t.Fatalf("SendFrame() after Close error = %v, want ErrClosed", err)
	}
	if mc.Emit(Event{Type: EventChunk}) {
		t.Fatalf("Emit() after Close = true")
	}
}

func TestMockOpenError(t *testing.T) {
	boom := errors.New("dial failed")
	tr := NewMockTransport(MockOptions{OpenErr: boom})
	if _, err := tr.Open(context.Background(), Config{}); !errors.Is(err, boom) {
		t.Fatalf("Open() error = %v, want %v", err, boom)
	}
	if tr.Opens() != 1 {
		t.Fatalf("Opens() = %d, want 1", tr.Opens())
	}
}
