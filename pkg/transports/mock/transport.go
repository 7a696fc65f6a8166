// Package mock provides an in-memory transports.Conn pair for tests.
package mock

import (
	"context"
	"net/http"
	"sync"

	"github.com/harunnryd/snapvoice/pkg/transports"
)

// Conn is one end of an in-memory pipe.
type Conn struct {
	in   chan transports.Message
	peer *Conn

	once     sync.Once
	done     chan struct{}
	closeErr *transports.CloseError

	mu  sync.Mutex
	log []transports.Message
}

// Pipe returns two connected ends.
func Pipe() (*Conn, *Conn) {
	a := &Conn{in: make(chan transports.Message, 1024), done: make(chan struct{})}
	b := &Conn{in: make(chan transports.Message, 1024), done: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (c *Conn) WriteMessage(msg transports.Message) error {
	select {
	case <-c.done:
		return transports.ErrClosed
	case <-c.peer.done:
		return c.peer.closeErr
	default:
	}
	c.mu.Lock()
	c.log = append(c.log, msg)
	c.mu.Unlock()
	select {
	case c.peer.in <- msg:
		return nil
	default:
		return transports.ErrQueueFull
	}
}

// ReadMessage returns queued messages before reporting a peer close.
func (c *Conn) ReadMessage() (transports.Message, error) {
	select {
	case msg := <-c.in:
		return msg, nil
	default:
	}
	select {
	case msg := <-c.in:
		return msg, nil
	case <-c.done:
		return transports.Message{}, transports.ErrClosed
	case <-c.peer.done:
		select {
		case msg := <-c.in:
			return msg, nil
		default:
		}
		return transports.Message{}, c.peer.closeErr
	}
}

func (c *Conn) Close(code int, text string) error {
	c.once.Do(func() {
		c.closeErr = &transports.CloseError{Code: code, Text: text}
		close(c.done)
	})
	return nil
}

// Closed reports the close frame this end sent, if any.
func (c *Conn) Closed() (*transports.CloseError, bool) {
	select {
	case <-c.done:
		return c.closeErr, true
	default:
		return nil, false
	}
}

// Written returns every message written on this end, in order.
func (c *Conn) Written() []transports.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transports.Message(nil), c.log...)
}

// Dialer hands the server end of a fresh pipe to Handler on every dial.
type Dialer struct {
	Handler func(url string, header http.Header, server *Conn)
	Err     error

	mu    sync.Mutex
	urls  []string
	conns []*Conn
}

func (d *Dialer) Dial(ctx context.Context, url string, header http.Header) (transports.Conn, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	d.mu.Lock()
	d.urls = append(d.urls, url)
	err := d.Err
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	client, server := Pipe()
	d.mu.Lock()
	d.conns = append(d.conns, client)
	d.mu.Unlock()
	if d.Handler != nil {
		go d.Handler(url, header, server)
	}
	return client, nil
}

// URLs lists every dialed URL.
func (d *Dialer) URLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}

// Conns lists the client ends handed out.
func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.conns...)
}
