package audio

import (
	"time"

	"github.com/harunnryd/snapvoice/pkg/frames"
)

const DefaultFrameDuration = 100 * time.Millisecond

// Framer slices an arbitrary stream of float blocks into fixed-size frames.
// It is not safe for concurrent use.
type Framer struct {
	size    int
	pending []float32
	seq     int64
}

// NewFramer builds a framer emitting frames of d at 16 kHz. Non-positive
// durations fall back to DefaultFrameDuration.
func NewFramer(d time.Duration) *Framer {
	if d <= 0 {
		d = DefaultFrameDuration
	}
	size := int(int64(frames.SampleRate) * int64(d) / int64(time.Second))
	if size < 1 {
		size = 1
	}
	return &Framer{size: size, pending: make([]float32, 0, size)}
}

// FrameSize is the number of samples per emitted frame.
func (f *Framer) FrameSize() int { return f.size }

// Push appends samples and calls emit for every complete frame.
func (f *Framer) Push(samples []float32, emit func(frames.AudioFrame)) {
	for len(samples) > 0 {
		n := f.size - len(f.pending)
		if n > len(samples) {
			n = len(samples)
		}
		f.pending = append(f.pending, samples[:n]...)
		samples = samples[n:]
		if len(f.pending) == f.size {
			f.seq++
			emit(frames.NewAudioFrame(f.seq, ToPCM16(f.pending), RMS(f.pending)))
			f.pending = f.pending[:0]
		}
	}
}

// Flush emits any buffered partial frame.
func (f *Framer) Flush(emit func(frames.AudioFrame)) {
	if len(f.pending) == 0 {
		return
	}
	f.seq++
	emit(frames.NewAudioFrame(f.seq, ToPCM16(f.pending), RMS(f.pending)))
	f.pending = f.pending[:0]
}

// Reset drops buffered samples and restarts sequence numbering.
func (f *Framer) Reset() {
	f.pending = f.pending[:0]
	f.seq = 0
}
