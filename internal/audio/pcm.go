package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrDecode = errors.New("undecodable audio chunk")

// Decoded is an inbound chunk ready for playback.
type Decoded struct {
	PCM        []byte
	SampleRate int
	Duration   time.Duration
}

// DecodePCM16 validates an inbound PCM16LE chunk and computes its duration.
func DecodePCM16(chunk []byte, sampleRate int) (Decoded, error) {
	if sampleRate <= 0 {
		return Decoded{}, fmt.Errorf("%w: sample rate %d", ErrDecode, sampleRate)
	}
	if len(chunk) == 0 {
		return Decoded{}, fmt.Errorf("%w: empty chunk", ErrDecode)
	}
	if len(chunk)%2 != 0 {
		return Decoded{}, fmt.Errorf("%w: odd byte count %d", ErrDecode, len(chunk))
	}
	return Decoded{
		PCM:        chunk,
		SampleRate: sampleRate,
		Duration:   PCM16Duration(len(chunk), sampleRate),
	}, nil
}

// PCM16Duration is the play time of n bytes of mono PCM16 at sampleRate.
func PCM16Duration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := int64(n / 2)
	return time.Duration(samples * int64(time.Second) / int64(sampleRate))
}

// PCM16ToFloat32 unpacks PCM16LE bytes to floats in [-1, 1).
func PCM16ToFloat32(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 0x8000
	}
	return out
}

// RateFromMIME extracts the rate parameter of an "audio/pcm;rate=N" tag,
// falling back when it is absent or malformed.
func RateFromMIME(mime string, fallback int) int {
	for _, part := range strings.Split(mime, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || !strings.EqualFold(k, "rate") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
