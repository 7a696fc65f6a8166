package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/snapvoice/pkg/audio"
	"github.com/harunnryd/snapvoice/pkg/credential"
	"github.com/harunnryd/snapvoice/pkg/errorsx"
	"github.com/harunnryd/snapvoice/pkg/frames"
	"github.com/harunnryd/snapvoice/pkg/transcription"
	"github.com/harunnryd/snapvoice/pkg/transports"
	"github.com/harunnryd/snapvoice/pkg/transports/mock"
)

type fakeCreds struct {
	mu            sync.Mutex
	fetches       int
	errs          []error
	invalidations int
	cached        *credential.Credential
}

func (f *fakeCreds) Token(ctx context.Context) (credential.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cached != nil {
		return *f.cached, nil
	}
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return credential.Credential{}, err
	}
	f.fetches++
	c := credential.Credential{
		Token:         fmt.Sprintf("tok-%d", f.fetches),
		SessionID:     fmt.Sprintf("session-%d", f.fetches),
		CompartmentID: "ocid1.compartment",
	}
	f.cached = &c
	return c, nil
}

func (f *fakeCreds) Invalidate() {
	f.mu.Lock()
	f.cached = nil
	f.invalidations++
	f.mu.Unlock()
}

func (f *fakeCreds) Fetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

type fakeSampler struct {
	mu       sync.Mutex
	startErr error
	onFrame  audio.FrameFunc
	running  bool
	starts   int
	// startDelay mimics a device that takes a while to open.
	startDelay time.Duration
	// stopGate, when set, holds the next Stop until it is closed.
	stopGate    chan struct{}
	stopEntered chan struct{}
}

func (f *fakeSampler) Name() string { return "fake" }

func (f *fakeSampler) Start(ctx context.Context, onFrame audio.FrameFunc) error {
	if f.startDelay > 0 {
		time.Sleep(f.startDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	if f.running {
		return errorsx.New(errorsx.ReasonBusy, "device busy")
	}
	f.running = true
	f.onFrame = onFrame
	f.starts++
	return nil
}

func (f *fakeSampler) Stop() error {
	f.mu.Lock()
	gate, entered := f.stopGate, f.stopEntered
	f.stopGate, f.stopEntered = nil, nil
	f.mu.Unlock()
	if gate != nil {
		close(entered)
		<-gate
	}
	f.mu.Lock()
	f.running = false
	f.mu.Unlock()
	return nil
}

func (f *fakeSampler) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeSampler) push(fr frames.AudioFrame) {
	f.mu.Lock()
	fn, running := f.onFrame, f.running
	f.mu.Unlock()
	if running && fn != nil {
		fn(fr)
	}
}

// fakeService plays the streaming endpoint on the server end of a mock pipe.
type fakeService struct {
	noAck   bool
	tokens  chan string
	servers chan *mock.Conn
}

func newFakeService() *fakeService {
	return &fakeService{tokens: make(chan string, 16), servers: make(chan *mock.Conn, 16)}
}

func (f *fakeService) handle(_ string, _ http.Header, server *mock.Conn) {
	msg, err := server.ReadMessage()
	if err != nil {
		return
	}
	var auth map[string]string
	_ = json.Unmarshal(msg.Data, &auth)
	f.tokens <- auth["token"]
	if !f.noAck {
		_ = server.WriteMessage(transports.Message{Type: transports.TextMessage, Data: []byte(`{"event":"CONNECT"}`)})
	}
	f.servers <- server
	for {
		if _, err := server.ReadMessage(); err != nil {
			return
		}
	}
}

func (f *fakeService) server(t *testing.T) *mock.Conn {
	t.Helper()
	select {
	case s := <-f.servers:
		return s
	case <-time.After(2 * time.Second):
		t.Fatalf("no connection reached the service")
		return nil
	}
}

func sendResult(server *mock.Conn, text string, final bool) {
	body := fmt.Sprintf(`{"event":"RESULT","transcriptions":[{"transcription":%q,"isFinal":%t}]}`, text, final)
	_ = server.WriteMessage(transports.Message{Type: transports.TextMessage, Data: []byte(body)})
}

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) OnEvent(ev Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *collector) count(typ EventType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ev := range c.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func (c *collector) of(typ EventType) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, ev := range c.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (c *collector) waitFor(t *testing.T, typ EventType, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for c.count(typ) < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d %s events, got %d", n, typ, c.count(typ))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type harness struct {
	sup     *Supervisor
	creds   *fakeCreds
	sampler *fakeSampler
	service *fakeService
	events  *collector
}

func newHarness(t *testing.T, cfg Config, tcfg transcription.Config) *harness {
	t.Helper()
	h := &harness{
		creds:   &fakeCreds{},
		sampler: &fakeSampler{},
		service: newFakeService(),
		events:  &collector{},
	}
	if tcfg.Host == "" {
		tcfg.Host = "speech.test"
	}
	session := transcription.NewClient(tcfg, &mock.Dialer{Handler: h.service.handle})
	sup, err := New(cfg, Deps{Credentials: h.creds, Sampler: h.sampler, Session: session})
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	sup.Subscribe(h.events)
	h.sup = sup
	t.Cleanup(func() { _ = sup.Close() })
	return h
}

func waitState(t *testing.T, s *Supervisor, want State, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for s.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("expected state %s within %s, got %s", want, within, s.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStartStreamsAndStopEnds(t *testing.T) {
	h := newHarness(t, Config{}, transcription.Config{})
	if err := h.sup.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if h.sup.State() != StateStreaming || !h.sampler.Running() {
		t.Fatalf("expected streaming with sampler running, got %s", h.sup.State())
	}
	if got := <-h.service.tokens; got != "tok-1" {
		t.Fatalf("unexpected token %q", got)
	}
	h.events.waitFor(t, EventSpeechStart, 1)

	if err := h.sup.Start(context.Background()); !errors.Is(err, ErrAlreadyListening) {
		t.Fatalf("expected already listening, got %v", err)
	}

	if err := h.sup.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	_ = h.sup.Stop()
	if h.sup.State() != StateIdle || h.sampler.Running() {
		t.Fatalf("expected idle with sampler released")
	}
	h.events.waitFor(t, EventSpeechEnd, 1)
	time.Sleep(20 * time.Millisecond)
	if h.events.count(EventSpeechEnd) != 1 || h.events.count(EventSpeechStart) != 1 {
		t.Fatalf("expected one start and one end")
	}
}

func TestStopOnIdleIsNoop(t *testing.T) {
	h := newHarness(t, Config{}, transcription.Config{})
	if err := h.sup.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if h.events.count(EventSpeechEnd) != 0 {
		t.Fatalf("stop on idle must not fire speech end")
	}
}

func TestConsumedTokenNeverReused(t *testing.T) {
	h := newHarness(t, Config{}, transcription.Config{})
	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		if err := h.sup.Start(context.Background()); err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
		tok := <-h.service.tokens
		if seen[tok] {
			t.Fatalf("token %s reused", tok)
		}
		seen[tok] = true
		if err := h.sup.Stop(); err != nil {
			t.Fatalf("stop: %v", err)
		}
	}
	if h.creds.Fetches() != 3 {
		t.Fatalf("expected a cold fetch per start, got %d", h.creds.Fetches())
	}
}

func TestRestartUsesFreshCredential(t *testing.T) {
	h := newHarness(t, Config{}, transcription.Config{})
	if err := h.sup.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	first := <-h.service.tokens
	if err := h.sup.Restart(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	second := <-h.service.tokens
	if first == second {
		t.Fatalf("restart reused token %s", first)
	}
	h.events.waitFor(t, EventSpeechStart, 2)
	h.events.waitFor(t, EventSpeechEnd, 1)
}

func TestRecoverableErrorReturnsToIdle(t *testing.T) {
	h := newHarness(t, Config{Cooldown: 100 * time.Millisecond}, transcription.Config{})
	if err := h.sup.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	server := h.service.server(t)
	_ = server.Close(1011, "server error")

	h.events.waitFor(t, EventSpeechError, 1)
	errEv := h.events.of(EventSpeechError)[0]
	if errEv.Recoverability != Recoverable {
		t.Fatalf("expected recoverable, got %s", errEv.Recoverability)
	}
	var te *transcription.TranscriptionError
	if !errors.As(errEv.Err, &te) || te.Code != 1011 {
		t.Fatalf("expected transport error with code 1011, got %v", errEv.Err)
	}
	if h.sampler.Running() {
		t.Fatalf("sampler must be released after error")
	}
	waitState(t, h.sup, StateIdle, 2*time.Second)

	if err := h.sup.Start(context.Background()); err != nil {
		t.Fatalf("start after recovery: %v", err)
	}
	h.events.waitFor(t, EventSpeechStart, 2)
	if h.events.count(EventSpeechEnd) != 1 {
		t.Fatalf("expected the failed session to end once, got %d", h.events.count(EventSpeechEnd))
	}
}

func TestPermissionDenialIsUnfixable(t *testing.T) {
	h := newHarness(t, Config{Cooldown: 20 * time.Millisecond}, transcription.Config{})
	h.sampler.startErr = audio.NewPermissionError("default", errors.New("denied by user"))

	err := h.sup.Start(context.Background())
	if !audio.IsPermissionError(err) {
		t.Fatalf("expected permission error, got %v", err)
	}
	h.events.waitFor(t, EventSpeechError, 1)
	if h.sup.cooldownPending() {
		t.Fatalf("no recovery timer may be scheduled for unfixable errors")
	}
	time.Sleep(100 * time.Millisecond)
	if h.sup.State() != StateError {
		t.Fatalf("expected persistent ERROR, got %s", h.sup.State())
	}
	if n := h.events.count(EventSpeechError); n != 1 {
		t.Fatalf("expected exactly one error event, got %d", n)
	}
	if ev := h.events.of(EventSpeechError)[0]; ev.Recoverability != Unfixable {
		t.Fatalf("expected unfixable verdict")
	}
	if h.events.count(EventSpeechStart) != 0 {
		t.Fatalf("speech start must not fire")
	}
	if err := h.sup.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if h.sup.State() != StateIdle {
		t.Fatalf("expected stop to clear the error state")
	}
}

func TestResultsAreReconciledInOrder(t *testing.T) {
	h := newHarness(t, Config{}, transcription.Config{})
	if err := h.sup.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	server := h.service.server(t)
	sendResult(server, "take", false)
	sendResult(server, "take", false)
	sendResult(server, "take a picture", true)
	sendResult(server, "take a picture", true)
	sendResult(server, "what time is it", true)

	h.events.waitFor(t, EventSpeechResults, 2)
	time.Sleep(20 * time.Millisecond)
	partials := h.events.of(EventSpeechPartialResults)
	finals := h.events.of(EventSpeechResults)
	if len(partials) != 1 || partials[0].Text != "take" {
		t.Fatalf("unexpected partials %+v", partials)
	}
	if len(finals) != 2 || finals[0].Text != "take a picture" || finals[1].Text != "what time is it" {
		t.Fatalf("unexpected finals %+v", finals)
	}
}

func TestTriggerFiresOncePerUtterance(t *testing.T) {
	h := newHarness(t, Config{}, transcription.Config{})
	var mu sync.Mutex
	fired := 0
	h.sup.Subscribe(NewTrigger([]string{"Take a picture"}, 0, func(string) {
		mu.Lock()
		fired++
		mu.Unlock()
	}, nil))
	if err := h.sup.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	server := h.service.server(t)
	sendResult(server, "take a", false)
	sendResult(server, "please take a picture", true)
	sendResult(server, "please take a picture", true)
	sendResult(server, "hello", true)

	h.events.waitFor(t, EventSpeechResults, 2)
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if fired != 1 {
		t.Fatalf("expected trigger to fire once, fired %d", fired)
	}
}

func TestVolumeEventsFromFrames(t *testing.T) {
	h := newHarness(t, Config{}, transcription.Config{})
	if err := h.sup.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.sampler.push(frames.NewAudioFrame(1, []int16{1000, -1000}, 0.42))
	h.events.waitFor(t, EventSpeechVolumeChanged, 1)
	if v := h.events.of(EventSpeechVolumeChanged)[0].Volume; v != 0.42 {
		t.Fatalf("unexpected volume %v", v)
	}
}

func TestStopDuringHandshake(t *testing.T) {
	h := newHarness(t, Config{}, transcription.Config{HandshakeTimeout: 5 * time.Second})
	h.service.noAck = true

	result := make(chan error, 1)
	go func() { result <- h.sup.Start(context.Background()) }()
	h.service.server(t)
	if err := h.sup.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case err := <-result:
		if !errors.Is(err, ErrStopped) {
			t.Fatalf("expected ErrStopped, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("start did not return after stop")
	}
	if h.sup.State() != StateIdle || h.sampler.Running() {
		t.Fatalf("expected idle with no capture")
	}
	time.Sleep(20 * time.Millisecond)
	if h.events.count(EventSpeechStart) != 0 || h.events.count(EventSpeechEnd) != 0 || h.events.count(EventSpeechError) != 0 {
		t.Fatalf("no events expected for a cancelled start")
	}
}

func TestHandshakeTimeoutIsRecoverable(t *testing.T) {
	h := newHarness(t, Config{Cooldown: 50 * time.Millisecond}, transcription.Config{HandshakeTimeout: 50 * time.Millisecond})
	h.service.noAck = true
	err := h.sup.Start(context.Background())
	if !errorsx.HasReason(err, errorsx.ReasonTransportTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	h.events.waitFor(t, EventSpeechError, 1)
	waitState(t, h.sup, StateIdle, time.Second)
}

func TestCredentialFetchRetried(t *testing.T) {
	h := newHarness(t, Config{RetryBackoff: time.Millisecond}, transcription.Config{})
	h.creds.errs = []error{errorsx.Wrap(&credential.AuthError{Status: http.StatusServiceUnavailable}, errorsx.ReasonAuthStatus)}
	if err := h.sup.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if h.creds.Fetches() != 1 {
		t.Fatalf("expected one successful fetch after retry")
	}
}

func TestAuthRejectionNotRetried(t *testing.T) {
	h := newHarness(t, Config{RetryBackoff: time.Millisecond, Cooldown: 10 * time.Millisecond}, transcription.Config{})
	h.creds.errs = []error{
		errorsx.Wrap(&credential.AuthError{Status: http.StatusUnauthorized, Body: "bad key"}, errorsx.ReasonAuthStatus),
		errors.New("should not be reached"),
	}
	err := h.sup.Start(context.Background())
	var ae *credential.AuthError
	if !errors.As(err, &ae) || ae.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401 auth error, got %v", err)
	}
	h.events.waitFor(t, EventSpeechError, 1)
	if ev := h.events.of(EventSpeechError)[0]; ev.Recoverability != Recoverable {
		t.Fatalf("auth errors are recoverable")
	}
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	h := newHarness(t, Config{Cooldown: time.Millisecond, BreakerThreshold: 2, Retries: -1}, transcription.Config{})
	h.creds.errs = []error{
		errorsx.Wrap(&credential.AuthError{Status: 500}, errorsx.ReasonAuthStatus),
		errorsx.Wrap(&credential.AuthError{Status: 500}, errorsx.ReasonAuthStatus),
	}
	for i := 0; i < 2; i++ {
		if err := h.sup.Start(context.Background()); err == nil {
			t.Fatalf("expected failure %d", i)
		}
		waitState(t, h.sup, StateIdle, time.Second)
	}
	if err := h.sup.Start(context.Background()); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected circuit open, got %v", err)
	}
}

func TestEventsChannel(t *testing.T) {
	h := newHarness(t, Config{}, transcription.Config{})
	ch, cancel := h.sup.Events(8)
	defer cancel()
	if err := h.sup.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case ev := <-ch:
		if ev.Type != EventSpeechStart || ev.SessionID != "session-1" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no event on channel")
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Recoverability
	}{
		{audio.NewPermissionError("mic", nil), Unfixable},
		{audio.ErrUnsupportedPlatform, Unfixable},
		{errorsx.New(errorsx.ReasonConfigInvalid, "bad"), Unfixable},
		{errorsx.New(errorsx.ReasonTransportTimeout, "slow"), Recoverable},
		{&credential.AuthError{Status: 401}, Recoverable},
		{errors.New("boom"), Recoverable},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Fatalf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := New(Config{}, Deps{}); !errorsx.HasReason(err, errorsx.ReasonConfigInvalid) {
		t.Fatalf("expected config_invalid, got %v", err)
	}
}

func TestResultBeforeSamplerStartedIsDelivered(t *testing.T) {
	h := newHarness(t, Config{}, transcription.Config{})
	h.sampler.startDelay = 50 * time.Millisecond
	go func() {
		server := <-h.service.servers
		sendResult(server, "take a picture", true)
	}()
	if err := h.sup.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.events.waitFor(t, EventSpeechResults, 1)
	if got := h.events.of(EventSpeechResults)[0].Text; got != "take a picture" {
		t.Fatalf("unexpected final %q", got)
	}
	h.events.mu.Lock()
	first := h.events.events[0].Type
	h.events.mu.Unlock()
	if first != EventSpeechStart {
		t.Fatalf("expected speech_start before results, got %s", first)
	}
}

func TestServiceCloseBeforeSamplerStartedEndsSession(t *testing.T) {
	h := newHarness(t, Config{}, transcription.Config{})
	h.sampler.startDelay = 50 * time.Millisecond
	go func() {
		server := <-h.service.servers
		_ = server.Close(transports.CloseNormalClosure, "")
	}()
	if err := h.sup.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.events.waitFor(t, EventSpeechEnd, 1)
	waitState(t, h.sup, StateIdle, time.Second)
	if h.sampler.Running() {
		t.Fatalf("expected sampler released after the service closed")
	}
	if h.events.count(EventSpeechError) != 0 {
		t.Fatalf("normal close must not surface an error")
	}
}

func TestErrorStillReportedWhenStopRacesFailure(t *testing.T) {
	h := newHarness(t, Config{}, transcription.Config{})
	if err := h.sup.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	server := h.service.server(t)
	gate, entered := make(chan struct{}), make(chan struct{})
	h.sampler.mu.Lock()
	h.sampler.stopGate, h.sampler.stopEntered = gate, entered
	h.sampler.mu.Unlock()

	_ = server.Close(1011, "internal error")
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("failure never released the sampler")
	}
	stopped := make(chan error, 1)
	go func() { stopped <- h.sup.Stop() }()
	waitState(t, h.sup, StateStopping, time.Second)
	close(gate)
	<-stopped

	h.events.waitFor(t, EventSpeechError, 1)
	h.events.waitFor(t, EventSpeechEnd, 1)
	time.Sleep(20 * time.Millisecond)
	if h.events.count(EventSpeechError) != 1 || h.events.count(EventSpeechEnd) != 1 {
		t.Fatalf("expected one error and one end, got %d and %d",
			h.events.count(EventSpeechError), h.events.count(EventSpeechEnd))
	}
	if h.sup.State() != StateIdle {
		t.Fatalf("expected IDLE after stop, got %s", h.sup.State())
	}
}

func TestListenerHandsOffStop(t *testing.T) {
	h := newHarness(t, Config{EventBuffer: 1}, transcription.Config{})
	stopped := make(chan error, 1)
	h.sup.Subscribe(ListenerFunc(func(ev Event) {
		if ev.Type == EventSpeechStart {
			go func() { stopped <- h.sup.Stop() }()
		}
	}))
	if err := h.sup.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("stop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("stop from a listener hand-off never completed")
	}
	h.events.waitFor(t, EventSpeechEnd, 1)
}
