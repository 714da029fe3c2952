package audio

// Blocker cuts an arbitrary sample stream into fixed-size capture blocks.
// Device callbacks deliver whatever period the backend picked; the session
// wants blocks of a known size.
type Blocker struct {
	size int
	buf  []float32
}

func NewBlocker(size int) *Blocker {
	if size <= 0 {
		size = 1
	}
	return &Blocker{size: size, buf: make([]float32, 0, size)}
}

// Write appends samples and calls emit once per completed block. Each
// emitted block is a fresh slice the receiver may keep.
func (b *Blocker) Write(samples []float32, emit func([]float32)) {
	for len(samples) > 0 {
		n := b.size - len(b.buf)
		if n > len(samples) {
			n = len(samples)
		}
		b.buf = append(b.buf, samples[:n]...)
		samples = samples[n:]
		if len(b.buf) == b.size {
			block := make([]float32, b.size)
			copy(block, b.buf)
			b.buf = b.buf[:0]
			emit(block)
		}
	}
}

// Pending is the number of buffered samples not yet emitted.
func (b *Blocker) Pending() int { return len(b.buf) }
