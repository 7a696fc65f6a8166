// Package deepgram streams audio to Deepgram's live transcription API as an
// alternate transcription.Session. The session credential's token is used as
// the API key, so the auth endpoint is expected to issue short-lived keys.
package deepgram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/harunnryd/snapvoice/pkg/credential"
	"github.com/harunnryd/snapvoice/pkg/errorsx"
	"github.com/harunnryd/snapvoice/pkg/frames"
	"github.com/harunnryd/snapvoice/pkg/logging"
	"github.com/harunnryd/snapvoice/pkg/metrics"
	"github.com/harunnryd/snapvoice/pkg/transcription"
)

type Config struct {
	Host           string `mapstructure:"host"`
	Model          string `mapstructure:"model"`
	Language       string `mapstructure:"language"`
	Interim        bool   `mapstructure:"interim"`
	UtteranceEndMS int    `mapstructure:"utterance_end_ms"`
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = "nova-2"
	}
	if c.Language == "" {
		c.Language = "en-US"
	}
	return c
}

// Session is a transcription.Session over the Deepgram SDK. Audio is always
// 16 kHz mono linear16.
type Session struct {
	cfg    Config
	logger *slog.Logger
	obs    metrics.Observer
	now    func() time.Time

	// cbMu is held for reading while a callback is delivered so Close can
	// wait out in-flight callbacks.
	cbMu sync.RWMutex

	mu         sync.Mutex
	state      transcription.State
	handler    transcription.Handler
	dgClient   *client.WSCallback
	cancel     context.CancelFunc
	pipeWriter *io.PipeWriter
	metaLogged bool
}

func New(cfg Config, logger *slog.Logger, obs metrics.Observer) *Session {
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	return &Session{
		cfg:    cfg.withDefaults(),
		logger: logging.NewComponentLogger(logger, "deepgram"),
		obs:    obs,
		now:    time.Now,
	}
}

func (s *Session) Name() string { return "deepgram" }

func (s *Session) State() transcription.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(to transcription.State) {
	if s.state.CanTransitionTo(to) {
		s.state = to
	}
}

func (s *Session) Open(ctx context.Context, cred credential.Credential, h transcription.Handler) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if h == nil {
		h = transcription.Callbacks{}
	}
	s.mu.Lock()
	if s.state != transcription.StateIdle && s.state != transcription.StateError {
		state := s.state
		s.mu.Unlock()
		return errorsx.New(errorsx.ReasonBusy, "deepgram: session is "+state.String())
	}
	s.setState(transcription.StateConnecting)
	s.handler = h
	s.metaLogged = false
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.mu.Unlock()

	clientOptions := &interfaces.ClientOptions{EnableKeepAlive: true}
	if s.cfg.Host != "" {
		clientOptions.Host = s.cfg.Host
	}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          s.cfg.Model,
		Language:       s.cfg.Language,
		Encoding:       "linear16",
		SampleRate:     frames.SampleRate,
		Channels:       frames.Channels,
		InterimResults: s.cfg.Interim,
	}
	if s.cfg.UtteranceEndMS > 0 {
		transcriptOptions.UtteranceEndMs = fmt.Sprintf("%d", s.cfg.UtteranceEndMS)
	}

	s.logger.Info("deepgram_connecting", slog.String("session_id", cred.SessionID), slog.String("model", s.cfg.Model))
	dg, err := client.NewWSUsingCallback(runCtx, cred.Token, clientOptions, transcriptOptions, &callback{parent: s})
	if err != nil {
		return s.failOpen(NewDialError(err))
	}

	connected := make(chan bool, 1)
	go func() { connected <- dg.Connect() }()
	select {
	case ok := <-connected:
		if !ok {
			dg.Stop()
			return s.failOpen(NewDialError(fmt.Errorf("deepgram connection failed")))
		}
	case <-ctx.Done():
		dg.Stop()
		return s.failOpen(transcription.NewTransportError(errorsx.ReasonTransportTimeout, 0, "deepgram connect interrupted", ctx.Err()))
	}

	pr, pw := io.Pipe()
	s.mu.Lock()
	if s.state != transcription.StateConnecting {
		s.mu.Unlock()
		dg.Stop()
		_ = pw.Close()
		return transcription.NewTransportError(errorsx.ReasonTransportClosed, 0, "closed during open", context.Canceled)
	}
	s.setState(transcription.StateAuthenticating)
	s.setState(transcription.StateStreaming)
	s.dgClient = dg
	s.pipeWriter = pw
	s.mu.Unlock()

	go func() {
		if err := dg.Stream(pr); err != nil && runCtx.Err() == nil {
			s.logger.Warn("deepgram_stream_error", slog.String("error", err.Error()))
			s.deliverError(transcription.NewTransportError(errorsx.ReasonTransportClosed, 0, "deepgram stream ended", err))
		}
	}()

	metrics.Record(s.obs, metrics.EventSessionConnected, 1, map[string]string{metrics.TagProvider: s.Name()})
	s.logger.Info("deepgram_connected", slog.String("session_id", cred.SessionID))
	return nil
}

// NewDialError wraps a connection failure as a transport error.
func NewDialError(err error) error {
	return transcription.NewTransportError(errorsx.ReasonTransportDial, 0, "deepgram dial", err)
}

func (s *Session) failOpen(err error) error {
	s.mu.Lock()
	s.setState(transcription.StateError)
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()
	metrics.Record(s.obs, metrics.EventError, 1, map[string]string{metrics.TagProvider: s.Name(), metrics.TagReason: string(errorsx.Reason(err))})
	s.logger.Warn("deepgram_open_failed", slog.String("error", err.Error()))
	return err
}

func (s *Session) SendFrame(f frames.AudioFrame) bool {
	s.mu.Lock()
	pw := s.pipeWriter
	streaming := s.state == transcription.StateStreaming
	s.mu.Unlock()
	if !streaming || pw == nil || f.Len() == 0 {
		metrics.Record(s.obs, metrics.EventFrameDropped, 1, map[string]string{metrics.TagProvider: s.Name()})
		return false
	}
	buf := f.AppendPCM16LE(frames.AcquirePCMBuf(f.Len() * 2))
	defer frames.ReleasePCMBuf(buf)
	if _, err := pw.Write(buf); err != nil {
		s.logger.Debug("deepgram_write_failed", slog.String("error", err.Error()))
		return false
	}
	metrics.Record(s.obs, metrics.EventFrameSent, float64(len(buf)), map[string]string{metrics.TagProvider: s.Name()})
	return true
}

// Close stops the stream and waits for any callback in flight.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == transcription.StateIdle || s.state == transcription.StateClosing {
		s.mu.Unlock()
		return nil
	}
	s.setState(transcription.StateClosing)
	dg, pw, cancel := s.dgClient, s.pipeWriter, s.cancel
	s.dgClient, s.pipeWriter, s.cancel = nil, nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if pw != nil {
		_ = pw.Close()
	}
	if dg != nil {
		dg.Stop()
	}

	s.cbMu.Lock()
	s.mu.Lock()
	s.state = transcription.StateIdle
	s.handler = nil
	s.mu.Unlock()
	s.cbMu.Unlock()
	s.logger.Info("deepgram_closed")
	return nil
}

// live returns the handler when callbacks may be delivered. The caller must
// hold cbMu for reading.
func (s *Session) live() transcription.Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != transcription.StateStreaming {
		return nil
	}
	return s.handler
}

func (s *Session) deliverResult(ev frames.TranscriptEvent) {
	s.cbMu.RLock()
	defer s.cbMu.RUnlock()
	if h := s.live(); h != nil {
		h.OnResult(ev)
	}
}

func (s *Session) deliverError(err error) {
	s.cbMu.RLock()
	defer s.cbMu.RUnlock()
	h := s.live()
	if h == nil {
		return
	}
	s.mu.Lock()
	s.setState(transcription.StateError)
	s.mu.Unlock()
	metrics.Record(s.obs, metrics.EventError, 1, map[string]string{metrics.TagProvider: s.Name(), metrics.TagReason: string(errorsx.Reason(err))})
	h.OnError(err)
}

func (s *Session) deliverClose() {
	s.cbMu.RLock()
	defer s.cbMu.RUnlock()
	h := s.live()
	if h == nil {
		return
	}
	s.mu.Lock()
	s.setState(transcription.StateClosing)
	s.setState(transcription.StateIdle)
	s.mu.Unlock()
	h.OnClose(1000)
}

type callback struct {
	parent *Session
}

func (c *callback) Open(*msginterfaces.OpenResponse) error {
	c.parent.logger.Debug("deepgram_connection_opened")
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if mr == nil || len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	alt := mr.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return nil
	}
	confidence := alt.Confidence
	isFinal := mr.IsFinal || mr.SpeechFinal
	if isFinal {
		metrics.Record(c.parent.obs, metrics.EventFinal, 1, map[string]string{metrics.TagProvider: c.parent.Name()})
	} else {
		metrics.Record(c.parent.obs, metrics.EventPartial, 1, map[string]string{metrics.TagProvider: c.parent.Name()})
	}
	c.parent.deliverResult(frames.TranscriptEvent{
		Text:       alt.Transcript,
		IsFinal:    isFinal,
		Confidence: &confidence,
		ReceivedAt: c.parent.now(),
	})
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	c.parent.mu.Lock()
	logged := c.parent.metaLogged
	c.parent.metaLogged = true
	c.parent.mu.Unlock()
	if !logged && md != nil {
		c.parent.logger.Info("deepgram_metadata_received", slog.String("request_id", md.RequestID))
	}
	return nil
}

func (c *callback) SpeechStarted(*msginterfaces.SpeechStartedResponse) error {
	c.parent.logger.Debug("deepgram_speech_started")
	return nil
}

func (c *callback) UtteranceEnd(*msginterfaces.UtteranceEndResponse) error {
	c.parent.logger.Debug("deepgram_utterance_end")
	return nil
}

func (c *callback) Close(*msginterfaces.CloseResponse) error {
	c.parent.logger.Info("deepgram_connection_closed")
	c.parent.deliverClose()
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	msg := "deepgram error"
	if er != nil {
		msg = er.ErrCode + ": " + er.ErrMsg
	}
	c.parent.logger.Warn("deepgram_error", slog.String("error", msg))
	c.parent.deliverError(transcription.NewProtocolError(msg))
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event", slog.Int("bytes", len(byData)))
	return nil
}

var _ transcription.Session = (*Session)(nil)
