package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	// CaptureSampleRate is the rate outbound frames are declared at.
	CaptureSampleRate = 16000
	// PlaybackSampleRate is the rate inbound chunks arrive at.
	PlaybackSampleRate = 24000
	// FrameSamples is the capture block size (~256ms at 16kHz).
	FrameSamples = 4096
)

// Frame is one block of outbound PCM16LE audio.
type Frame struct {
	Seq        int
	Data       []byte
	SampleRate int
	Channels   int
	MIMEType   string
}

func (f Frame) Samples() int { return len(f.Data) / 2 }

// MIMEType returns the format tag for linear PCM at the given rate.
func MIMEType(sampleRate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", sampleRate)
}

// FrameEncoder turns float capture blocks into outbound frames. It holds no
// audio across blocks; each call produces exactly one frame.
type FrameEncoder struct {
	sampleRate int
	seq        int
}

func NewFrameEncoder(sampleRate int) *FrameEncoder {
	if sampleRate <= 0 {
		sampleRate = CaptureSampleRate
	}
	return &FrameEncoder{sampleRate: sampleRate}
}

// Encode converts one capture block to a tagged frame.
func (e *FrameEncoder) Encode(block []float32) Frame {
	e.seq++
	return Frame{
		Seq:        e.seq,
		Data:       FloatToPCM16LE(block),
		SampleRate: e.sampleRate,
		Channels:   1,
		MIMEType:   MIMEType(e.sampleRate),
	}
}

// Sent reports how many frames have been produced.
func (e *FrameEncoder) Sent() int { return e.seq }

// FloatToPCM16LE clamps samples to [-1, 1] and packs them as signed 16-bit
// little-endian PCM. Negative values scale by 0x8000 and positive by 0x7FFF
// so both ends of the range are reachable.
func FloatToPCM16LE(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(floatToInt16(s)))
	}
	return out
}

func floatToInt16(s float32) int16 {
	if math.IsNaN(float64(s)) {
		return 0
	}
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	if s < 0 {
		return int16(s * 0x8000)
	}
	return int16(s * 0x7FFF)
}

// Float32FromLE decodes little-endian float32 samples, as sent by browser
// capture worklets. A trailing partial sample is ignored.
func Float32FromLE(raw []byte) []float32 {
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out
}

// Float32ToLE is the inverse of Float32FromLE.
func Float32ToLE(samples []float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
	}
	return out
}
