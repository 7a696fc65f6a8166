package transcription

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harunnryd/snapvoice/pkg/credential"
	"github.com/harunnryd/snapvoice/pkg/errorsx"
	"github.com/harunnryd/snapvoice/pkg/frames"
	"github.com/harunnryd/snapvoice/pkg/logging"
	"github.com/harunnryd/snapvoice/pkg/metrics"
	"github.com/harunnryd/snapvoice/pkg/redact"
	"github.com/harunnryd/snapvoice/pkg/transports"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultPrebuffer        = 3 * time.Second
)

type Config struct {
	Host             string        `mapstructure:"host"`
	Path             string        `mapstructure:"path"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	// Prebuffer caps the audio held while waiting for the connect ack.
	Prebuffer time.Duration `mapstructure:"prebuffer"`
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Prebuffer < 0 {
		c.Prebuffer = 0
	} else if c.Prebuffer == 0 {
		c.Prebuffer = DefaultPrebuffer
	}
	return c
}

// Client is the Session implementation for the service's websocket
// protocol. It is reusable: Open may be called again after Close.
type Client struct {
	cfg    Config
	dialer transports.Dialer
	logger *slog.Logger
	obs    metrics.Observer
	now    func() time.Time

	mu         sync.Mutex
	state      State
	epoch      uint64
	sessionID  string
	conn       transports.Conn
	handler    Handler
	cancelOpen context.CancelFunc
	readerDone chan struct{}
	pending    []frames.AudioFrame
	pendingDur time.Duration
}

type Option func(*Client)

func WithObserver(obs metrics.Observer) Option {
	return func(c *Client) {
		if obs != nil {
			c.obs = obs
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = logging.NewComponentLogger(l, "transcription")
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

func NewClient(cfg Config, dialer transports.Dialer, opts ...Option) *Client {
	c := &Client{
		cfg:    cfg.withDefaults(),
		dialer: dialer,
		logger: logging.NewComponentLogger(slog.Default(), "transcription"),
		obs:    metrics.NoopObserver{},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Name() string { return "websocket" }

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// URL is the endpoint Open dials.
func (c *Client) URL() string { return BuildURL(c.cfg.Host, c.cfg.Path) }

// transition must be called with c.mu held.
func (c *Client) transition(to State) error {
	if !c.state.CanTransitionTo(to) {
		return &InvalidTransitionError{From: c.state, To: to}
	}
	c.logger.Debug("transcription_state",
		slog.String("session_id", c.sessionID),
		slog.String("from", c.state.String()),
		slog.String("to", to.String()))
	c.state = to
	return nil
}

func (c *Client) Open(ctx context.Context, cred credential.Credential, h Handler) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if h == nil {
		h = Callbacks{}
	}
	if c.cfg.Host == "" {
		return errorsx.New(errorsx.ReasonConfigInvalid, "transcription: host is not configured")
	}

	c.mu.Lock()
	if c.state != StateIdle && c.state != StateError {
		state := c.state
		c.mu.Unlock()
		return errorsx.New(errorsx.ReasonBusy, "transcription: session is "+state.String())
	}
	if err := c.transition(StateConnecting); err != nil {
		c.mu.Unlock()
		return err
	}
	c.epoch++
	epoch := c.epoch
	c.sessionID = uuid.NewString()
	c.handler = h
	c.pending = nil
	c.pendingDur = 0
	openCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	c.cancelOpen = cancel
	sessionID := c.sessionID
	c.mu.Unlock()
	defer cancel()

	logger := c.logger.With(slog.String("session_id", sessionID))
	tags := map[string]string{metrics.TagSessionID: sessionID, metrics.TagProvider: c.Name()}
	metrics.Record(c.obs, metrics.EventSessionOpen, 1, tags)
	logger.Info("transcription_connecting", slog.String("host", c.cfg.Host))

	conn, err := c.dialer.Dial(openCtx, c.URL(), nil)
	if err != nil {
		return c.failOpen(epoch, nil, openCtx, err)
	}

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		_ = conn.Close(transports.CloseNormalClosure, "")
		return NewTransportError(errorsx.ReasonTransportClosed, 0, "closed during open", context.Canceled)
	}
	_ = c.transition(StateAuthenticating)
	c.conn = conn
	auth, err := encodeAuth(cred.Token, cred.CompartmentID)
	if err == nil {
		// The auth message is always the first write on a connection.
		err = conn.WriteMessage(transports.Message{Type: transports.TextMessage, Data: auth})
	}
	if err != nil {
		c.mu.Unlock()
		return c.failOpen(epoch, conn, openCtx, err)
	}
	ack := make(chan struct{})
	handshakeErr := make(chan error, 1)
	done := make(chan struct{})
	c.readerDone = done
	c.mu.Unlock()

	go c.readLoop(epoch, conn, ack, handshakeErr, done, logger)

	select {
	case <-ack:
	case err := <-handshakeErr:
		return c.failOpen(epoch, conn, openCtx, err)
	case <-openCtx.Done():
		select {
		case <-ack:
		default:
			return c.failOpen(epoch, conn, openCtx, openCtx.Err())
		}
	}

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return NewTransportError(errorsx.ReasonTransportClosed, 0, "closed during open", context.Canceled)
	}
	c.cancelOpen = nil
	state := c.state
	c.mu.Unlock()

	metrics.Record(c.obs, metrics.EventSessionConnected, 1, tags)
	// A failure or close right behind the ack has already reached h.
	logger.Info("transcription_connected", slog.String("state", state.String()))
	return nil
}

// promote moves an acknowledged session to Streaming and flushes the audio
// held during the handshake. It runs on the reader before the next inbound
// message is handled.
func (c *Client) promote(epoch uint64, logger *slog.Logger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch || c.state != StateAuthenticating {
		return
	}
	_ = c.transition(StateStreaming)
	pending := c.pending
	c.pending, c.pendingDur = nil, 0
	for _, f := range pending {
		c.writeFrameLocked(f)
	}
	if len(pending) > 0 {
		logger.Debug("transcription_prebuffer_flushed", slog.Int("frames", len(pending)))
	}
}

// failOpen moves the session to Error, releases the connection and turns err
// into a TranscriptionError.
func (c *Client) failOpen(epoch uint64, conn transports.Conn, openCtx context.Context, err error) error {
	var out error
	switch {
	case errors.Is(openCtx.Err(), context.DeadlineExceeded):
		out = NewTransportError(errorsx.ReasonTransportTimeout, 0, "handshake not acknowledged within "+c.cfg.HandshakeTimeout.String(), err)
	case errors.Is(err, context.Canceled):
		out = NewTransportError(errorsx.ReasonTransportClosed, 0, "open canceled", err)
	default:
		var te *TranscriptionError
		if errors.As(err, &te) {
			out = err
		} else if ce, ok := transports.AsCloseError(err); ok {
			out = NewTransportError(errorsx.ReasonTransportClosed, ce.Code, "closed during handshake", err)
		} else {
			out = NewTransportError(errorsx.ReasonTransportDial, 0, "handshake failed", err)
		}
	}

	c.mu.Lock()
	var done chan struct{}
	if c.epoch == epoch {
		done = c.readerDone
		_ = c.transition(StateError)
		c.conn = nil
		c.readerDone = nil
		c.cancelOpen = nil
		c.pending, c.pendingDur = nil, 0
	}
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close(transports.CloseNormalClosure, "")
	}
	if done != nil {
		<-done
	}
	metrics.Record(c.obs, metrics.EventError, 1, map[string]string{metrics.TagReason: string(errorsx.Reason(out))})
	c.logger.Warn("transcription_open_failed", slog.String("error", out.Error()), slog.String("reason_code", string(errorsx.Reason(out))))
	return out
}

func (c *Client) SendFrame(f frames.AudioFrame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateStreaming:
		return c.writeFrameLocked(f)
	case StateConnecting, StateAuthenticating:
		c.pending = append(c.pending, f)
		c.pendingDur += f.Duration()
		for c.pendingDur > c.cfg.Prebuffer && len(c.pending) > 0 {
			c.pendingDur -= c.pending[0].Duration()
			c.pending = c.pending[1:]
			metrics.Record(c.obs, metrics.EventFrameDropped, 1, map[string]string{metrics.TagReason: "prebuffer_full"})
		}
		return len(c.pending) > 0
	default:
		metrics.Record(c.obs, metrics.EventFrameDropped, 1, map[string]string{metrics.TagReason: "not_streaming"})
		return false
	}
}

func (c *Client) writeFrameLocked(f frames.AudioFrame) bool {
	if c.conn == nil || f.Len() == 0 {
		return false
	}
	data := f.AppendPCM16LE(make([]byte, 0, f.Len()*2))
	if err := c.conn.WriteMessage(transports.Message{Type: transports.BinaryMessage, Data: data}); err != nil {
		metrics.Record(c.obs, metrics.EventFrameDropped, 1, map[string]string{metrics.TagReason: string(errorsx.Reason(err))})
		return false
	}
	metrics.Record(c.obs, metrics.EventFrameSent, float64(len(data)), nil)
	return true
}

func (c *Client) readLoop(epoch uint64, conn transports.Conn, ack chan struct{}, handshakeErr chan<- error, done chan struct{}, logger *slog.Logger) {
	defer close(done)
	acked := false
	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			c.handleReadError(epoch, acked, err, handshakeErr, logger)
			return
		}
		if msg.Type != transports.TextMessage {
			continue
		}
		in, err := decodeInbound(msg.Data)
		if err != nil {
			logger.Warn("transcription_bad_message", slog.String("error", err.Error()))
			continue
		}
		switch in.Event {
		case eventConnect:
			if !acked {
				acked = true
				c.promote(epoch, logger)
				close(ack)
			}
		case eventResult:
			h, ok := c.deliverable(epoch)
			if !ok {
				continue
			}
			for _, ev := range in.events(c.now()) {
				if ev.IsFinal {
					metrics.Record(c.obs, metrics.EventFinal, 1, nil)
					logger.Debug("transcription_final", slog.String("text", redact.Text(ev.Text)))
				} else {
					metrics.Record(c.obs, metrics.EventPartial, 1, nil)
				}
				h.OnResult(ev)
			}
		case eventError:
			perr := NewProtocolError(in.Message)
			if !acked {
				handshakeErr <- perr
				return
			}
			c.fail(epoch, conn, perr, logger)
			return
		default:
			logger.Debug("transcription_unhandled_event", slog.String("event", in.Event))
		}
	}
}

func (c *Client) handleReadError(epoch uint64, acked bool, err error, handshakeErr chan<- error, logger *slog.Logger) {
	c.mu.Lock()
	stale := c.epoch != epoch || c.state == StateClosing
	conn := c.conn
	c.mu.Unlock()
	if stale || errors.Is(err, transports.ErrClosed) {
		return
	}
	if !acked {
		handshakeErr <- err
		return
	}
	if ce, ok := transports.AsCloseError(err); ok && ce.Normal() {
		c.mu.Lock()
		h := c.handler
		if c.epoch == epoch {
			_ = c.transition(StateClosing)
			_ = c.transition(StateIdle)
			c.conn = nil
		}
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close(transports.CloseNormalClosure, "")
		}
		metrics.Record(c.obs, metrics.EventSessionClosed, 1, map[string]string{metrics.TagOutcome: "remote"})
		logger.Info("transcription_closed_by_service")
		if h != nil {
			h.OnClose(ce.Code)
		}
		return
	}
	code := transports.CloseAbnormalClosure
	if ce, ok := transports.AsCloseError(err); ok {
		code = ce.Code
	}
	c.fail(epoch, conn, NewTransportError(errorsx.ReasonTransportClosed, code, "connection lost", err), logger)
}

// fail moves a streaming session to Error and reports err once.
func (c *Client) fail(epoch uint64, conn transports.Conn, err error, logger *slog.Logger) {
	c.mu.Lock()
	if c.epoch != epoch || c.state != StateStreaming {
		c.mu.Unlock()
		return
	}
	_ = c.transition(StateError)
	h := c.handler
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(transports.CloseNormalClosure, "")
	}
	metrics.Record(c.obs, metrics.EventError, 1, map[string]string{metrics.TagReason: string(errorsx.Reason(err))})
	logger.Warn("transcription_error", slog.String("error", err.Error()), slog.String("reason_code", string(errorsx.Reason(err))))
	if h != nil {
		h.OnError(err)
	}
}

func (c *Client) deliverable(epoch uint64) (Handler, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch || c.state != StateStreaming || c.handler == nil {
		return nil, false
	}
	return c.handler, true
}

// Close closes the channel with code 1000 and waits for the reader to exit.
// It is safe in any state, including mid-handshake.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == StateIdle || c.state == StateClosing {
		c.mu.Unlock()
		return nil
	}
	_ = c.transition(StateClosing)
	c.epoch++
	conn := c.conn
	done := c.readerDone
	cancel := c.cancelOpen
	sessionID := c.sessionID
	c.conn = nil
	c.readerDone = nil
	c.cancelOpen = nil
	c.pending, c.pendingDur = nil, 0
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if conn != nil {
		err = conn.Close(transports.CloseNormalClosure, "client closing")
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(c.cfg.HandshakeTimeout):
			c.logger.Warn("transcription_reader_stuck", slog.String("session_id", sessionID))
		}
	}

	c.mu.Lock()
	if c.state == StateClosing {
		_ = c.transition(StateIdle)
	}
	c.handler = nil
	c.mu.Unlock()

	metrics.Record(c.obs, metrics.EventSessionClosed, 1, map[string]string{metrics.TagOutcome: "local"})
	c.logger.Info("transcription_closed", slog.String("session_id", sessionID))
	return err
}
