package reconcile

import (
	"math"
	"testing"
	"time"

	"github.com/harunnryd/snapvoice/pkg/frames"
	"github.com/harunnryd/snapvoice/pkg/metrics"
)

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func final(text string, at time.Duration) frames.TranscriptEvent {
	return frames.TranscriptEvent{Text: text, IsFinal: true, ReceivedAt: base.Add(at)}
}

func partial(text string, at time.Duration) frames.TranscriptEvent {
	return frames.TranscriptEvent{Text: text, ReceivedAt: base.Add(at)}
}

func TestSimilarity(t *testing.T) {
	cases := []struct {
		a, b string
		want float64
	}{
		{"Turn on  the light", "turn on the light", 1},
		{"turn on the light", "turn on the lights", 17.0 / 18.0},
		{"turn on the light", "what time is it", 0},
		{"hi there", "hi", 2.0 / 3.0},
		{"", "", 1},
	}
	for _, tc := range cases {
		if got := Similarity(tc.a, tc.b); math.Abs(got-tc.want) > 1e-9 {
			t.Fatalf("Similarity(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestIdenticalFinalWithinWindowEmittedOnce(t *testing.T) {
	obs := metrics.NewMemoryObserver()
	r := New(Config{}, obs)
	if _, ok := r.Ingest(final("take a picture", 0)); !ok {
		t.Fatalf("expected first final emitted")
	}
	if _, ok := r.Ingest(final("Take a picture", 500*time.Millisecond)); ok {
		t.Fatalf("expected duplicate suppressed")
	}
	if obs.Count(metrics.EventDuplicateSuppressed) != 1 {
		t.Fatalf("expected suppression recorded")
	}
}

func TestIdenticalFinalAfterWindowEmittedTwice(t *testing.T) {
	r := New(Config{}, nil)
	if _, ok := r.Ingest(final("take a picture", 0)); !ok {
		t.Fatalf("expected first final emitted")
	}
	if _, ok := r.Ingest(final("take a picture", 2500*time.Millisecond)); !ok {
		t.Fatalf("expected final after window emitted")
	}
}

func TestNearDuplicateSuppressedDistinctEmitted(t *testing.T) {
	r := New(Config{}, nil)
	r.Ingest(final("turn on the light", 0))
	if _, ok := r.Ingest(final("turn on the lights", time.Second)); ok {
		t.Fatalf("expected near-duplicate suppressed")
	}

	r.Reset()
	r.Ingest(final("turn on the light", 0))
	got, ok := r.Ingest(final("what time is it", time.Second))
	if !ok || got.Text != "what time is it" || !got.IsFinal {
		t.Fatalf("expected distinct final emitted, got %+v ok=%v", got, ok)
	}
}

func TestSuppressedFinalDoesNotExtendWindow(t *testing.T) {
	r := New(Config{}, nil)
	r.Ingest(final("take a picture", 0))
	r.Ingest(final("take a picture", 1500*time.Millisecond))
	if _, ok := r.Ingest(final("take a picture", 2100*time.Millisecond)); !ok {
		t.Fatalf("window should be measured from the last emitted final")
	}
}

func TestPartialsDropEmptyAndRepeats(t *testing.T) {
	r := New(Config{}, nil)
	var emitted []string
	for i, text := range []string{"take", "take", "", "take a", "take a", "take a pic"} {
		if ev, ok := r.Ingest(partial(text, time.Duration(i)*time.Millisecond)); ok {
			emitted = append(emitted, ev.Text)
		}
	}
	want := []string{"take", "take a", "take a pic"}
	if len(emitted) != len(want) {
		t.Fatalf("expected %v, got %v", want, emitted)
	}
	for i := range want {
		if emitted[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, emitted)
		}
	}
}

func TestEmptyFinalDropped(t *testing.T) {
	r := New(Config{}, nil)
	if _, ok := r.Ingest(final("   ", 0)); ok {
		t.Fatalf("expected empty final dropped")
	}
}

func TestResetClearsDedupState(t *testing.T) {
	r := New(Config{}, nil)
	r.Ingest(final("take a picture", 0))
	r.Reset()
	if _, ok := r.Ingest(final("take a picture", 100*time.Millisecond)); !ok {
		t.Fatalf("expected emission after reset")
	}
}

func TestCustomThreshold(t *testing.T) {
	r := New(Config{Threshold: 0.99}, nil)
	r.Ingest(final("turn on the light", 0))
	if _, ok := r.Ingest(final("turn on the lights", time.Second)); !ok {
		t.Fatalf("expected emission with strict threshold")
	}
}
