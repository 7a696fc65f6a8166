// Package supervisor is the public face of a speech session. It sequences
// credential fetch, channel open, audio capture and result reconciliation,
// and turns every failure into one event with a recoverability verdict.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/snapvoice/pkg/audio"
	"github.com/harunnryd/snapvoice/pkg/credential"
	"github.com/harunnryd/snapvoice/pkg/errorsx"
	"github.com/harunnryd/snapvoice/pkg/frames"
	"github.com/harunnryd/snapvoice/pkg/logging"
	"github.com/harunnryd/snapvoice/pkg/metrics"
	"github.com/harunnryd/snapvoice/pkg/reconcile"
	"github.com/harunnryd/snapvoice/pkg/redact"
	"github.com/harunnryd/snapvoice/pkg/resilience"
	"github.com/harunnryd/snapvoice/pkg/transcription"
)

const (
	DefaultCooldown     = 2 * time.Second
	DefaultRetries      = 2
	DefaultRetryBackoff = 250 * time.Millisecond
)

var (
	// ErrAlreadyListening is returned by Start when the supervisor is not Idle.
	ErrAlreadyListening = errorsx.New(errorsx.ReasonBusy, "supervisor: already listening")
	// ErrStopped is returned by a Start that was interrupted by Stop.
	ErrStopped = errorsx.New(errorsx.ReasonTransportClosed, "supervisor: stopped during start")
	// ErrCircuitOpen is returned by Start while repeated failures hold the
	// breaker open.
	ErrCircuitOpen = errorsx.New(errorsx.ReasonCircuitOpen, "supervisor: too many consecutive failures")
)

type Config struct {
	Cooldown         time.Duration `mapstructure:"cooldown"`
	Retries          int           `mapstructure:"retries"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
	EventBuffer      int           `mapstructure:"event_buffer"`
}

func (c Config) withDefaults() Config {
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.Retries < 0 {
		c.Retries = 0
	} else if c.Retries == 0 {
		c.Retries = DefaultRetries
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	return c
}

// CredentialSource is the part of credential.Provider the supervisor uses.
type CredentialSource interface {
	Token(ctx context.Context) (credential.Credential, error)
	Invalidate()
}

type Deps struct {
	Credentials CredentialSource
	Sampler     audio.Sampler
	Session     transcription.Session
	Reconciler  *reconcile.Reconciler
	Logger      *slog.Logger
	Observer    metrics.Observer
}

// Supervisor owns at most one session at a time. It is safe for concurrent
// use; Start calls while not Idle are rejected.
type Supervisor struct {
	cfg        Config
	creds      CredentialSource
	sampler    audio.Sampler
	session    transcription.Session
	reconciler *reconcile.Reconciler
	logger     *slog.Logger
	obs        metrics.Observer
	retry      resilience.RetryPolicy
	breaker    *resilience.CircuitBreaker
	events     *bus

	releaseMu sync.Mutex
	// resultMu keeps results in arrival order across the switch to Streaming.
	resultMu sync.Mutex

	mu          sync.Mutex
	state       State
	cycle       uint64
	sessionID   string
	started     bool
	ended       bool
	cancelStart context.CancelFunc
	startDone   chan struct{}
	cooldown    *time.Timer
	lastErr     error

	// Session output that arrives between Open and the sampler starting is
	// held here and replayed once the cycle is Streaming.
	early    []frames.TranscriptEvent
	earlyErr error
	earlyEnd bool
}

func New(cfg Config, deps Deps) (*Supervisor, error) {
	if deps.Credentials == nil || deps.Sampler == nil || deps.Session == nil {
		return nil, errorsx.New(errorsx.ReasonConfigInvalid, "supervisor: credentials, sampler and session are required")
	}
	cfg = cfg.withDefaults()
	if deps.Reconciler == nil {
		deps.Reconciler = reconcile.New(reconcile.Config{}, deps.Observer)
	}
	if deps.Observer == nil {
		deps.Observer = metrics.NoopObserver{}
	}
	retry := resilience.NewRetryPolicy(cfg.Retries, cfg.RetryBackoff)
	retry.Retryable = credential.Retryable
	return &Supervisor{
		cfg:        cfg,
		creds:      deps.Credentials,
		sampler:    deps.Sampler,
		session:    deps.Session,
		reconciler: deps.Reconciler,
		logger:     logging.NewComponentLogger(deps.Logger, "supervisor"),
		obs:        deps.Observer,
		retry:      retry,
		breaker:    resilience.NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown, func(err error) bool { return Classify(err) == Recoverable }),
		events:     newBus(cfg.EventBuffer),
	}, nil
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError is the error that moved the supervisor to Error, if any.
func (s *Supervisor) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Subscribe registers l for every event. Events are delivered in order on a
// single goroutine, so a listener that wants to Start, Stop or Restart must
// hand that off to another goroutine. The returned func unsubscribes.
func (s *Supervisor) Subscribe(l Listener) func() {
	return s.events.subscribe(l)
}

// Events returns a channel subscription. Events are dropped when the channel
// is full.
func (s *Supervisor) Events(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	var mu sync.Mutex
	closed := false
	unsub := s.events.subscribe(ListenerFunc(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- ev:
		default:
		}
	}))
	return ch, func() {
		unsub()
		mu.Lock()
		if !closed {
			closed = true
			close(ch)
		}
		mu.Unlock()
	}
}

// Start authenticates, opens the session and starts capture. It returns once
// the service acknowledged the connection and onSpeechStart was published,
// or with the error that stopped it.
func (s *Supervisor) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrAlreadyListening
	}
	if !s.breaker.Allow() {
		s.mu.Unlock()
		s.logger.Warn("speech_start_rejected", slog.Duration("retry_after", s.breaker.RetryAfter()))
		return ErrCircuitOpen
	}
	s.cycle++
	cycle := s.cycle
	s.state = StateAuthenticating
	s.started, s.ended = false, false
	s.lastErr = nil
	s.early, s.earlyErr, s.earlyEnd = nil, nil, false
	opCtx, cancel := context.WithCancel(ctx)
	s.cancelStart = cancel
	done := make(chan struct{})
	s.startDone = done
	s.mu.Unlock()

	defer close(done)
	defer cancel()

	err := s.start(opCtx, cycle)
	if err != nil {
		if !s.current(cycle) {
			return ErrStopped
		}
		s.fail(cycle, err)
		return err
	}
	return nil
}

func (s *Supervisor) start(ctx context.Context, cycle uint64) error {
	s.reconciler.Reset()

	var cred credential.Credential
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		cred, err = s.creds.Token(ctx)
		return err
	})
	if err != nil {
		return err
	}

	if !s.advance(cycle, StateConnecting) {
		return ErrStopped
	}
	s.mu.Lock()
	s.sessionID = cred.SessionID
	s.mu.Unlock()

	err = s.session.Open(ctx, cred, &sessionHandler{s: s, cycle: cycle})
	// The token is single use; once offered to the service it is spent.
	s.creds.Invalidate()
	if err != nil {
		return err
	}
	metrics.Record(s.obs, metrics.EventSessionConnected, 1, map[string]string{metrics.TagSessionID: cred.SessionID})

	if !s.current(cycle) {
		return ErrStopped
	}
	if err := s.sampler.Start(context.WithoutCancel(ctx), func(f frames.AudioFrame) { s.onFrame(cycle, f) }); err != nil {
		return err
	}

	s.resultMu.Lock()
	s.mu.Lock()
	if s.cycle != cycle || s.state != StateConnecting {
		s.mu.Unlock()
		s.resultMu.Unlock()
		return ErrStopped
	}
	s.state = StateStreaming
	s.started = true
	sessionID := s.sessionID
	early, earlyErr, earlyEnd := s.early, s.earlyErr, s.earlyEnd
	s.early, s.earlyErr, s.earlyEnd = nil, nil, false
	s.mu.Unlock()

	s.breaker.OnSuccess()
	s.logger.Info("speech_started", slog.String("session_id", sessionID), slog.String("sampler", s.sampler.Name()), slog.String("session", s.session.Name()))
	s.publish(Event{Type: EventSpeechStart, SessionID: sessionID})
	for _, ev := range early {
		s.ingest(sessionID, ev)
	}
	s.resultMu.Unlock()

	switch {
	case earlyErr != nil:
		s.fail(cycle, earlyErr)
	case earlyEnd:
		s.endByService(cycle)
	}
	return nil
}

// Stop releases the sampler and session, invalidates the consumed
// credential and returns to Idle. It is a no-op when Idle and safe in any
// other state, including mid-handshake. It publishes events and must not be
// called from a listener.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if s.state == StateIdle || s.state == StateStopping {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	s.cycle++
	cancel := s.cancelStart
	done := s.startDone
	s.stopCooldownLocked()
	sessionID := s.sessionID
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	err := s.release()

	s.mu.Lock()
	s.state = StateIdle
	fireEnd := s.started && !s.ended
	s.ended = true
	s.cancelStart, s.startDone = nil, nil
	s.mu.Unlock()

	s.logger.Info("speech_stopped", slog.String("session_id", sessionID))
	if fireEnd {
		s.publish(Event{Type: EventSpeechEnd, SessionID: sessionID})
	}
	return err
}

// Restart stops the current session and starts a fresh one with a new
// credential. Like Stop, it must not be called from a listener.
func (s *Supervisor) Restart(ctx context.Context) error {
	if err := s.Stop(); err != nil {
		s.logger.Warn("restart_stop_failed", slog.String("error", err.Error()))
	}
	s.creds.Invalidate()
	return s.Start(ctx)
}

// Close stops any session and shuts down event delivery. It must not be
// called from a listener.
func (s *Supervisor) Close() error {
	err := s.Stop()
	s.events.close()
	return err
}

// release stops capture before closing the channel so no frame is sent on
// a closing connection.
func (s *Supervisor) release() error {
	s.releaseMu.Lock()
	defer s.releaseMu.Unlock()
	var firstErr error
	if err := s.sampler.Stop(); err != nil {
		firstErr = err
	}
	if err := s.session.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	s.creds.Invalidate()
	s.reconciler.Reset()
	return firstErr
}

// fail cleans up after a failure in cycle and publishes exactly one error
// event. Recoverable errors schedule the return to Idle.
func (s *Supervisor) fail(cycle uint64, err error) {
	failedAt := time.Now()
	s.mu.Lock()
	if s.cycle != cycle || s.state == StateStopping || s.state == StateError || s.state == StateIdle {
		s.mu.Unlock()
		return
	}
	s.state = StateError
	s.lastErr = err
	sessionID := s.sessionID
	fireEnd := s.started && !s.ended
	s.ended = true
	s.mu.Unlock()

	if rerr := s.release(); rerr != nil {
		s.logger.Debug("release_after_error_failed", slog.String("error", rerr.Error()))
	}

	verdict := Classify(err)
	reason := string(errorsx.Reason(err))
	metrics.Record(s.obs, metrics.EventError, 1, map[string]string{metrics.TagReason: reason, metrics.TagOutcome: verdict.String()})
	s.logger.Warn("speech_error",
		slog.String("session_id", sessionID),
		slog.String("error", err.Error()),
		slog.String("reason_code", reason),
		slog.String("recoverability", verdict.String()))
	if s.breaker.OnError(err) {
		metrics.Record(s.obs, metrics.EventBreakerOpen, 1, nil)
		s.logger.Warn("speech_breaker_open", slog.Duration("cooldown", s.cfg.BreakerCooldown))
	}

	// A Stop racing this failure owns the return to Idle, but the error is
	// still reported.
	s.mu.Lock()
	if s.cycle == cycle && verdict == Recoverable {
		wait := s.cfg.Cooldown - time.Since(failedAt)
		if wait < 0 {
			wait = 0
		}
		s.cooldown = time.AfterFunc(wait, func() { s.recover(cycle) })
	}
	s.mu.Unlock()

	s.publish(Event{Type: EventSpeechError, SessionID: sessionID, Err: err, Recoverability: verdict})
	if fireEnd {
		s.publish(Event{Type: EventSpeechEnd, SessionID: sessionID})
	}
}

func (s *Supervisor) recover(cycle uint64) {
	s.mu.Lock()
	if s.cycle != cycle || s.state != StateError {
		s.mu.Unlock()
		return
	}
	s.state = StateIdle
	s.cooldown = nil
	s.mu.Unlock()
	metrics.Record(s.obs, metrics.EventRecovered, 1, nil)
	s.logger.Info("speech_recovered")
}

// endByService handles a normal close initiated by the service.
func (s *Supervisor) endByService(cycle uint64) {
	s.mu.Lock()
	if s.cycle != cycle || s.state != StateStreaming {
		s.mu.Unlock()
		return
	}
	s.state = StateStopping
	s.mu.Unlock()

	_ = s.release()

	s.mu.Lock()
	if s.cycle != cycle {
		s.mu.Unlock()
		return
	}
	s.cycle++
	s.state = StateIdle
	fireEnd := s.started && !s.ended
	s.ended = true
	sessionID := s.sessionID
	s.mu.Unlock()
	if fireEnd {
		s.publish(Event{Type: EventSpeechEnd, SessionID: sessionID})
	}
}

func (s *Supervisor) onFrame(cycle uint64, f frames.AudioFrame) {
	if !s.current(cycle) {
		return
	}
	s.session.SendFrame(f)
	s.publish(Event{Type: EventSpeechVolumeChanged, Volume: f.Volume()})
}

func (s *Supervisor) onResult(cycle uint64, ev frames.TranscriptEvent) {
	s.resultMu.Lock()
	defer s.resultMu.Unlock()
	s.mu.Lock()
	if s.cycle != cycle {
		s.mu.Unlock()
		return
	}
	switch s.state {
	case StateConnecting:
		if s.earlyErr == nil && !s.earlyEnd {
			s.early = append(s.early, ev)
		}
		s.mu.Unlock()
		return
	case StateStreaming:
	default:
		s.mu.Unlock()
		return
	}
	sessionID := s.sessionID
	s.mu.Unlock()
	s.ingest(sessionID, ev)
}

// ingest reconciles ev and publishes the result. Callers hold resultMu.
func (s *Supervisor) ingest(sessionID string, ev frames.TranscriptEvent) {
	out, ok := s.reconciler.Ingest(ev)
	if !ok {
		return
	}
	typ := EventSpeechPartialResults
	if out.IsFinal {
		typ = EventSpeechResults
		s.logger.Info("speech_final", slog.String("session_id", sessionID), slog.String("text", redact.Text(out.Text)))
	}
	s.publish(Event{Type: typ, SessionID: sessionID, Text: out.Text, Confidence: out.Confidence, At: out.ReceivedAt})
}

// holdEarly records a session failure or close that arrived before the
// cycle reached Streaming. It reports false when the caller should handle
// it right away.
func (s *Supervisor) holdEarly(cycle uint64, err error, closed bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cycle != cycle || s.state != StateConnecting {
		return false
	}
	if s.earlyErr == nil && !s.earlyEnd {
		s.earlyErr, s.earlyEnd = err, closed
	}
	return true
}

func (s *Supervisor) advance(cycle uint64, to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cycle != cycle {
		return false
	}
	s.state = to
	return true
}

func (s *Supervisor) current(cycle uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cycle == cycle
}

func (s *Supervisor) stopCooldownLocked() {
	if s.cooldown != nil {
		s.cooldown.Stop()
		s.cooldown = nil
	}
}

// cooldownPending reports whether an automatic return to Idle is scheduled.
func (s *Supervisor) cooldownPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cooldown != nil
}

func (s *Supervisor) publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	s.events.publish(ev)
}

// sessionHandler routes session callbacks into the supervisor. Failures are
// handled off the session's reader goroutine because cleanup closes the
// session and waits for that goroutine.
type sessionHandler struct {
	s     *Supervisor
	cycle uint64
}

func (h *sessionHandler) OnResult(ev frames.TranscriptEvent) { h.s.onResult(h.cycle, ev) }

func (h *sessionHandler) OnError(err error) {
	if h.s.holdEarly(h.cycle, err, false) {
		return
	}
	go h.s.fail(h.cycle, err)
}

func (h *sessionHandler) OnClose(int) {
	if h.s.holdEarly(h.cycle, nil, true) {
		return
	}
	go h.s.endByService(h.cycle)
}
