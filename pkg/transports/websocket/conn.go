// Package websocket implements transports.Conn over gorilla/websocket.
package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/snapvoice/pkg/errorsx"
	"github.com/harunnryd/snapvoice/pkg/logging"
	"github.com/harunnryd/snapvoice/pkg/transports"
)

type Config struct {
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	QueueSize        int           `mapstructure:"queue_size"`
	ReadLimit        int64         `mapstructure:"read_limit"`
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1 << 20
	}
	return c
}

// Dialer dials websocket connections.
type Dialer struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *slog.Logger
}

func NewDialer(cfg Config, logger *slog.Logger) *Dialer {
	cfg = cfg.withDefaults()
	return &Dialer{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		logger: logging.NewComponentLogger(logger, "websocket"),
	}
}

func (d *Dialer) Dial(ctx context.Context, url string, header http.Header) (transports.Conn, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ws, resp, err := d.dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, errorsx.Wrapf(err, errorsx.ReasonTransportDial, "websocket: dial status %d", resp.StatusCode)
		}
		return nil, errorsx.Wrapf(err, errorsx.ReasonTransportDial, "websocket: dial")
	}
	return newConn(ws, d.cfg, d.logger), nil
}

// Wrap adapts an already established connection, such as one accepted by
// an upgrader.
func Wrap(ws *websocket.Conn, cfg Config, logger *slog.Logger) transports.Conn {
	return newConn(ws, cfg.withDefaults(), logging.NewComponentLogger(logger, "websocket"))
}

// conn serializes all data writes through one goroutine; gorilla allows a
// single concurrent writer.
type conn struct {
	ws     *websocket.Conn
	cfg    Config
	logger *slog.Logger

	mu      sync.RWMutex
	closed  bool
	sendCh  chan transports.Message
	done    chan struct{}
	errMu   sync.Mutex
	lastErr error
	once    sync.Once
}

func newConn(ws *websocket.Conn, cfg Config, logger *slog.Logger) *conn {
	ws.SetReadLimit(cfg.ReadLimit)
	c := &conn{
		ws:     ws,
		cfg:    cfg,
		logger: logger,
		sendCh: make(chan transports.Message, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	go c.loop()
	return c
}

func (c *conn) WriteMessage(msg transports.Message) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return transports.ErrClosed
	}
	if err := c.writeErr(); err != nil {
		return err
	}
	select {
	case c.sendCh <- msg:
		return nil
	default:
		return errorsx.Wrap(transports.ErrQueueFull, errorsx.ReasonBusy)
	}
}

func (c *conn) loop() {
	defer close(c.done)
	for msg := range c.sendCh {
		if c.writeErr() != nil {
			continue
		}
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
		if err := c.ws.WriteMessage(int(msg.Type), msg.Data); err != nil {
			c.setWriteErr(errorsx.Wrapf(err, errorsx.ReasonTransportSend, "websocket: write"))
			c.logger.Warn("websocket_write_failed", slog.String("error", err.Error()))
		}
	}
}

func (c *conn) ReadMessage() (transports.Message, error) {
	mt, data, err := c.ws.ReadMessage()
	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return transports.Message{}, &transports.CloseError{Code: ce.Code, Text: ce.Text}
		}
		c.mu.RLock()
		closed := c.closed
		c.mu.RUnlock()
		if closed {
			return transports.Message{}, transports.ErrClosed
		}
		return transports.Message{}, errorsx.Wrapf(err, errorsx.ReasonTransportClosed, "websocket: read")
	}
	return transports.Message{Type: transports.MessageType(mt), Data: data}, nil
}

// Close drains queued writes, sends the close frame and closes the socket.
func (c *conn) Close(code int, text string) error {
	var err error
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.sendCh)
		c.mu.Unlock()

		select {
		case <-c.done:
		case <-time.After(c.cfg.WriteTimeout):
		}
		deadline := time.Now().Add(time.Second)
		if werr := c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline); werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
			c.logger.Debug("websocket_close_frame_failed", slog.String("error", werr.Error()))
		}
		err = c.ws.Close()
	})
	return err
}

func (c *conn) writeErr() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.lastErr
}

func (c *conn) setWriteErr(err error) {
	c.errMu.Lock()
	if c.lastErr == nil {
		c.lastErr = err
	}
	c.errMu.Unlock()
}
