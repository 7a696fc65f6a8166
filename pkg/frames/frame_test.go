package frames

import (
	"testing"
	"time"
)

func TestAudioFrameEncodesLittleEndian(t *testing.T) {
	f := NewAudioFrame(1, []int16{1, -1, 0x1234}, 0.5)
	got := f.AppendPCM16LE(nil)
	want := []byte{0x01, 0x00, 0xff, 0xff, 0x34, 0x12}
	if string(got) != string(want) {
		t.Fatalf("expected %x, got %x", want, got)
	}
}

func TestAudioFrameSamplesAreCopied(t *testing.T) {
	src := []int16{1, 2, 3}
	f := NewAudioFrame(1, src, 0)
	out := f.Samples()
	out[0] = 99
	if f.Samples()[0] != 1 {
		t.Fatalf("frame mutated through Samples copy")
	}
}

func TestAudioFrameDuration(t *testing.T) {
	f := NewAudioFrame(1, make([]int16, 1600), 0)
	if f.Duration() != 100*time.Millisecond {
		t.Fatalf("expected 100ms, got %s", f.Duration())
	}
}

func TestSeqGen(t *testing.T) {
	g := NewSeqGen()
	if g.Next("a") != 1 || g.Next("a") != 2 || g.Next("b") != 1 {
		t.Fatalf("unexpected sequence")
	}
	g.Reset("a")
	if g.Next("a") != 1 {
		t.Fatalf("expected reset sequence")
	}
}
