package snapvoice

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/snapvoice/pkg/audio"
	"github.com/harunnryd/snapvoice/pkg/metrics"
	"github.com/harunnryd/snapvoice/pkg/supervisor"
)

func mockConfig() Config {
	return Config{
		Transcription: TranscriptionConfig{
			Provider: "mock",
			Settings: map[string]any{"transcript": "take a picture", "after": "200ms"},
		},
		Audio:   AudioConfig{Provider: "passthrough", FrameDuration: 100 * time.Millisecond},
		Trigger: TriggerConfig{Phrases: []string{"Take a picture"}},
	}
}

func TestRegistryUnknownProvider(t *testing.T) {
	cfg := mockConfig()
	cfg.Transcription.Provider = "carrier-pigeon"
	if _, err := NewDefaultRegistry().BuildSession(cfg, BuildDeps{}); err == nil {
		t.Fatalf("expected unknown provider error")
	}
	cfg = mockConfig()
	cfg.Audio.Provider = "microphone"
	if _, err := NewDefaultRegistry().BuildSampler(cfg, BuildDeps{}); err == nil {
		t.Fatalf("expected microphone to need registration")
	}
}

func TestRegistryRejectsUnknownSettings(t *testing.T) {
	cfg := mockConfig()
	cfg.Transcription.Settings = map[string]any{"bogus": 1}
	if _, err := NewDefaultRegistry().BuildSession(cfg, BuildDeps{}); err == nil {
		t.Fatalf("expected settings validation error")
	}
	cfg = mockConfig()
	cfg.Transcription.Provider = "websocket"
	cfg.Transcription.Settings = nil
	if _, err := NewDefaultRegistry().BuildSession(cfg, BuildDeps{}); err == nil {
		t.Fatalf("expected websocket provider to require a host")
	}
	cfg.Transcription.Host = "speech.example.test"
	cfg.Transcription.Settings = map[string]any{"queue_size": "64", "write_timeout": "2s"}
	s, err := NewDefaultRegistry().BuildSession(cfg, BuildDeps{})
	if err != nil || s.Name() != "websocket" {
		t.Fatalf("expected websocket session, got %v", err)
	}
	cfg.Transcription.Provider = "Deepgram"
	cfg.Transcription.Settings = map[string]any{"utterance_end_ms": 9000}
	if _, err := NewDefaultRegistry().BuildSession(cfg, BuildDeps{}); err == nil {
		t.Fatalf("expected utterance_end_ms range error")
	}
}

func TestAppRunsMockSessionAndFiresTrigger(t *testing.T) {
	mem := metrics.NewMemoryObserver()
	var (
		mu    sync.Mutex
		fired []string
	)
	firedCh := make(chan struct{}, 1)
	app, err := New(Options{
		Config:    mockConfig(),
		Observers: []metrics.Observer{mem},
		OnTrigger: func(text string) {
			mu.Lock()
			fired = append(fired, text)
			mu.Unlock()
			select {
			case firedCh <- struct{}{}:
			default:
			}
		},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	events, cancel := app.Supervisor().Events(64)
	defer cancel()

	if err := app.Supervisor().Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if app.Supervisor().State() != supervisor.StateStreaming {
		t.Fatalf("expected streaming, got %s", app.Supervisor().State())
	}
	pt, ok := app.Sampler().(*audio.Passthrough)
	if !ok {
		t.Fatalf("expected passthrough sampler, got %T", app.Sampler())
	}
	pt.Push(make([]float32, 16000/2))

	select {
	case <-firedCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("trigger did not fire")
	}
	gotFinal := false
	deadline := time.After(2 * time.Second)
	for !gotFinal {
		select {
		case ev := <-events:
			if ev.Type == supervisor.EventSpeechResults && ev.Text == "take a picture" {
				gotFinal = true
			}
		case <-deadline:
			t.Fatalf("no SpeechResults event")
		}
	}
	if err := app.Supervisor().Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := app.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(fired) != 1 {
		t.Fatalf("expected trigger once, got %v", fired)
	}
	if mem.Count(metrics.EventTrigger) != 1 {
		t.Fatalf("expected trigger metric after flush")
	}
}

func TestAppMetricsHandler(t *testing.T) {
	app, err := New(Options{Config: mockConfig()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := app.Supervisor().Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	_ = app.Supervisor().Stop()
	_ = app.Close()

	rec := httptest.NewRecorder()
	app.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "snapvoice_") {
		t.Fatalf("unexpected metrics output: %d", rec.Code)
	}
}

func TestAppPreflightAgainstAuthEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok","region":"us-phoenix-1"}`))
	}))
	defer srv.Close()
	cfg := mockConfig()
	cfg.Auth.BaseURL = srv.URL
	app, err := New(Options{Config: cfg})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer app.Close()
	if err := app.Preflight(context.Background()); err != nil {
		t.Fatalf("preflight: %v", err)
	}
}
