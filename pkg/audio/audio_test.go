package audio

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/harunnryd/snapvoice/pkg/errorsx"
	"github.com/harunnryd/snapvoice/pkg/frames"
)

func TestSampleToPCM16WithinOneAndMonotonic(t *testing.T) {
	prev := SampleToPCM16(-1)
	if prev != -32767 {
		t.Fatalf("expected -32767 at -1, got %d", prev)
	}
	const steps = 200000
	for i := 0; i <= steps; i++ {
		x := float32(-1 + 2*float64(i)/steps)
		got := SampleToPCM16(x)
		want := math.Round(float64(x) * 32767)
		if math.Abs(float64(got)-want) > 1 {
			t.Fatalf("x=%v: got %d want %v", x, got, want)
		}
		if got < prev {
			t.Fatalf("not monotonic at x=%v: %d < %d", x, got, prev)
		}
		prev = got
	}
	if SampleToPCM16(1) != 32767 {
		t.Fatalf("expected 32767 at 1")
	}
}

func TestSampleToPCM16Clamps(t *testing.T) {
	if SampleToPCM16(1.7) != 32767 || SampleToPCM16(-3) != -32767 {
		t.Fatalf("expected clamping")
	}
	if SampleToPCM16(float32(math.NaN())) != 0 {
		t.Fatalf("expected NaN to map to silence")
	}
}

func TestRMS(t *testing.T) {
	if RMS(nil) != 0 {
		t.Fatalf("expected zero for empty block")
	}
	if got := RMS([]float32{0.5, -0.5, 0.5, -0.5}); math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("expected 0.5, got %v", got)
	}
	if got := RMS16([]int16{32767, -32767}); math.Abs(got-1) > 1e-9 {
		t.Fatalf("expected full scale, got %v", got)
	}
}

func TestEncodeDecodePCM16LE(t *testing.T) {
	in := []int16{0, 1, -1, 32767, -32768}
	b := EncodePCM16LE(in)
	if len(b) != 10 || b[2] != 0x01 || b[3] != 0x00 || b[4] != 0xff {
		t.Fatalf("unexpected encoding %x", b)
	}
	out := DecodePCM16LE(append(b, 0x7f))
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("sample %d: %d != %d", i, out[i], in[i])
		}
	}
}

func TestFramerEmitsFixedFrames(t *testing.T) {
	f := NewFramer(10 * time.Millisecond)
	if f.FrameSize() != 160 {
		t.Fatalf("expected 160 samples per frame, got %d", f.FrameSize())
	}
	var got []frames.AudioFrame
	emit := func(a frames.AudioFrame) { got = append(got, a) }

	f.Push(make([]float32, 100), emit)
	if len(got) != 0 {
		t.Fatalf("expected no frame yet")
	}
	f.Push(make([]float32, 300), emit)
	if len(got) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(got))
	}
	f.Flush(emit)
	if len(got) != 3 || got[2].Len() != 80 {
		t.Fatalf("expected trailing 80-sample frame, got %d frames", len(got))
	}
	for i, a := range got {
		if a.Seq() != int64(i+1) {
			t.Fatalf("frame %d has seq %d", i, a.Seq())
		}
	}
}

func TestPassthroughForwardsOnlyWhileRunning(t *testing.T) {
	p := NewPassthrough(10 * time.Millisecond)
	var got []frames.AudioFrame
	p.Push(make([]float32, 160))

	if err := p.Start(context.Background(), func(a frames.AudioFrame) { got = append(got, a) }); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := p.Start(context.Background(), func(frames.AudioFrame) {}); !errorsx.HasReason(err, errorsx.ReasonBusy) {
		t.Fatalf("expected busy on second start, got %v", err)
	}
	block := make([]float32, 160)
	for i := range block {
		block[i] = 0.25
	}
	p.Push(block)
	p.PushPCM([]int16{100, -100})
	if len(got) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(got))
	}
	if math.Abs(got[0].Volume()-0.25) > 1e-6 {
		t.Fatalf("expected volume 0.25, got %v", got[0].Volume())
	}

	_ = p.Stop()
	_ = p.Stop()
	p.Push(block)
	if len(got) != 2 || p.Running() {
		t.Fatalf("expected no frames after stop")
	}
}

func TestPassthroughStopsWithContext(t *testing.T) {
	p := NewPassthrough(0)
	ctx, cancel := context.WithCancel(context.Background())
	if err := p.Start(ctx, func(frames.AudioFrame) {}); err != nil {
		t.Fatalf("start: %v", err)
	}
	cancel()
	deadline := time.Now().Add(time.Second)
	for p.Running() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if p.Running() {
		t.Fatalf("expected passthrough to stop on context cancel")
	}
}

func TestPermissionError(t *testing.T) {
	err := NewPermissionError("Built-in Mic", nil)
	if !IsPermissionError(err) {
		t.Fatalf("expected permission error")
	}
	if !errorsx.HasReason(err, errorsx.ReasonPermissionDenied) {
		t.Fatalf("expected permission_denied reason")
	}
	if IsPermissionError(ErrUnsupportedPlatform) {
		t.Fatalf("unsupported platform is not a permission error")
	}
}

func TestResamplerIdentityAndDownsample(t *testing.T) {
	id, err := NewResampler(frames.SampleRate)
	if err != nil {
		t.Fatalf("resampler: %v", err)
	}
	in := []int16{1, 2, 3}
	if out := id.Resample(in); len(out) != 3 {
		t.Fatalf("identity resampler changed length")
	}
	r, err := NewResampler(48000)
	if err != nil {
		t.Fatalf("resampler: %v", err)
	}
	out := r.Resample(make([]int16, 4800))
	if len(out) < 1500 || len(out) > 1700 {
		t.Fatalf("expected ~1600 samples after 48k->16k, got %d", len(out))
	}
	if _, err := NewResampler(0); err == nil {
		t.Fatalf("expected error for zero rate")
	}
}
