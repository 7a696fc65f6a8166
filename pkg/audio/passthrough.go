package audio

import (
	"context"
	"sync"
	"time"

	"github.com/harunnryd/snapvoice/pkg/errorsx"
	"github.com/harunnryd/snapvoice/pkg/frames"
)

// Passthrough is the sampler used when capture is owned by a native or
// out-of-process component. It owns no device; the external component pushes
// audio into it and Passthrough frames and forwards it.
type Passthrough struct {
	mu      sync.Mutex
	framer  *Framer
	onFrame FrameFunc
	seq     int64
	running bool
	stopCh  chan struct{}
}

func NewPassthrough(frameDuration time.Duration) *Passthrough {
	return &Passthrough{framer: NewFramer(frameDuration)}
}

func (p *Passthrough) Name() string { return "passthrough" }

func (p *Passthrough) Start(ctx context.Context, onFrame FrameFunc) error {
	if onFrame == nil {
		return errorsx.New(errorsx.ReasonConfigInvalid, "passthrough: frame callback required")
	}
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return errorsx.New(errorsx.ReasonBusy, "passthrough: already running")
	}
	p.running = true
	p.onFrame = onFrame
	p.framer.Reset()
	p.seq = 0
	stopCh := make(chan struct{})
	p.stopCh = stopCh
	p.mu.Unlock()

	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				_ = p.Stop()
			case <-stopCh:
			}
		}()
	}
	return nil
}

func (p *Passthrough) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopCh != nil {
		close(p.stopCh)
		p.stopCh = nil
	}
	p.running = false
	p.onFrame = nil
	p.framer.Reset()
	return nil
}

// Running reports whether pushed audio is currently forwarded.
func (p *Passthrough) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Push frames float samples in [-1,1]. Audio pushed while stopped is dropped.
func (p *Passthrough) Push(samples []float32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.framer.Push(samples, p.onFrame)
}

// PushPCM forwards an already-encoded PCM16 block as a single frame.
func (p *Passthrough) PushPCM(samples []int16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running || len(samples) == 0 {
		return
	}
	p.seq++
	p.onFrame(frames.NewAudioFrame(p.seq, append([]int16(nil), samples...), RMS16(samples)))
}
