// Package mock provides a scripted transcription.Session for offline runs
// and tests. It emits a fixed transcript once enough audio has been sent.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/harunnryd/snapvoice/pkg/credential"
	"github.com/harunnryd/snapvoice/pkg/errorsx"
	"github.com/harunnryd/snapvoice/pkg/frames"
	"github.com/harunnryd/snapvoice/pkg/transcription"
)

type Config struct {
	Transcript string `mapstructure:"transcript"`
	// Partials are emitted in order before the final.
	Partials []string `mapstructure:"partials"`
	// After is the amount of audio that triggers the script.
	After time.Duration `mapstructure:"after"`
	// Repeat replays the script for every After worth of audio.
	Repeat bool `mapstructure:"repeat"`
	// FailOpen makes Open return a dial error.
	FailOpen bool `mapstructure:"fail_open"`
}

type Session struct {
	cfg Config

	mu      sync.Mutex
	state   transcription.State
	handler transcription.Handler
	heard   time.Duration
	played  bool
	opened  int
}

func New(cfg Config) *Session {
	if cfg.Transcript == "" {
		cfg.Transcript = "mock transcript"
	}
	if cfg.After <= 0 {
		cfg.After = 500 * time.Millisecond
	}
	return &Session{cfg: cfg}
}

func (s *Session) Name() string { return "mock" }

func (s *Session) State() transcription.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Opened reports how many times Open succeeded.
func (s *Session) Opened() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

func (s *Session) Open(ctx context.Context, cred credential.Credential, h transcription.Handler) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return transcription.NewTransportError(errorsx.ReasonTransportClosed, 0, "open cancelled", err)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != transcription.StateIdle && s.state != transcription.StateError {
		return errorsx.New(errorsx.ReasonBusy, "mock: session is "+s.state.String())
	}
	if s.cfg.FailOpen || cred.Token == "" {
		s.state = transcription.StateError
		return transcription.NewTransportError(errorsx.ReasonTransportDial, 0, "mock dial refused", nil)
	}
	if h == nil {
		h = transcription.Callbacks{}
	}
	s.state = transcription.StateStreaming
	s.handler = h
	s.heard = 0
	s.played = false
	s.opened++
	return nil
}

func (s *Session) SendFrame(f frames.AudioFrame) bool {
	s.mu.Lock()
	if s.state != transcription.StateStreaming {
		s.mu.Unlock()
		return false
	}
	s.heard += f.Duration()
	fire := s.heard >= s.cfg.After && (!s.played || s.cfg.Repeat)
	if fire {
		s.heard = 0
		s.played = true
	}
	h := s.handler
	s.mu.Unlock()

	if fire {
		s.play(h)
	}
	return true
}

func (s *Session) play(h transcription.Handler) {
	for _, p := range s.cfg.Partials {
		h.OnResult(frames.TranscriptEvent{Text: p, ReceivedAt: time.Now()})
	}
	confidence := 1.0
	h.OnResult(frames.TranscriptEvent{Text: s.cfg.Transcript, IsFinal: true, Confidence: &confidence, ReceivedAt: time.Now()})
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = transcription.StateIdle
	s.handler = nil
	return nil
}

var _ transcription.Session = (*Session)(nil)
