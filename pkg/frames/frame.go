// Package frames holds the values that flow between the sampler, the
// transcription session and the reconciler.
package frames

import (
	"encoding/binary"
	"strings"
	"sync"
	"time"
)

const (
	SampleRate = 16000
	Channels   = 1
)

// AudioFrame is a block of 16 kHz mono PCM16 samples. It is never mutated
// after capture; ownership passes to the transport on send.
type AudioFrame struct {
	seq     int64
	samples []int16
	volume  float64
}

func NewAudioFrame(seq int64, samples []int16, volume float64) AudioFrame {
	return AudioFrame{seq: seq, samples: samples, volume: volume}
}

func (a AudioFrame) Seq() int64 { return a.seq }

// Samples returns a copy of the frame's PCM samples.
func (a AudioFrame) Samples() []int16 { return append([]int16(nil), a.samples...) }

// Volume is the block's RMS level in [0,1].
func (a AudioFrame) Volume() float64 { return a.volume }

func (a AudioFrame) Len() int { return len(a.samples) }

// Duration is the playback time the frame covers.
func (a AudioFrame) Duration() time.Duration {
	return time.Duration(len(a.samples)) * time.Second / SampleRate
}

// AppendPCM16LE appends the frame as little-endian PCM16 to dst.
func (a AudioFrame) AppendPCM16LE(dst []byte) []byte {
	for _, s := range a.samples {
		dst = binary.LittleEndian.AppendUint16(dst, uint16(s))
	}
	return dst
}

// TranscriptEvent is one hypothesis pushed by the transcription service.
// Confidence is nil when the service did not report one.
type TranscriptEvent struct {
	Text       string
	IsFinal    bool
	Confidence *float64
	ReceivedAt time.Time
}

func (e TranscriptEvent) Empty() bool { return strings.TrimSpace(e.Text) == "" }

// SeqGen hands out increasing frame sequence numbers per stream.
type SeqGen struct {
	mu    sync.Mutex
	value map[string]int64
}

func NewSeqGen() *SeqGen {
	return &SeqGen{value: make(map[string]int64)}
}

func (g *SeqGen) Next(streamID string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	v := g.value[streamID] + 1
	g.value[streamID] = v
	return v
}

func (g *SeqGen) Reset(streamID string) {
	g.mu.Lock()
	delete(g.value, streamID)
	g.mu.Unlock()
}

var pcmBufPool = sync.Pool{
	New: func() any {
		return make([]byte, 0, 4096)
	},
}

// AcquirePCMBuf returns an empty byte slice with at least size capacity.
func AcquirePCMBuf(size int) []byte {
	b := pcmBufPool.Get().([]byte)
	if cap(b) < size {
		return make([]byte, 0, size)
	}
	return b[:0]
}

func ReleasePCMBuf(b []byte) {
	pcmBufPool.Put(b[:0])
}
