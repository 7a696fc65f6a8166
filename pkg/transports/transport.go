// Package transports defines the message-oriented connection the
// transcription session streams over. Implementations own their network
// lifecycle.
package transports

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

type MessageType int

// Values match the websocket opcodes.
const (
	TextMessage   MessageType = 1
	BinaryMessage MessageType = 2
)

// Close codes used by the session.
const (
	CloseNormalClosure   = 1000
	CloseGoingAway       = 1001
	CloseAbnormalClosure = 1006
)

type Message struct {
	Type MessageType
	Data []byte
}

// Conn is an ordered, message-framed duplex channel. WriteMessage may be
// called from any goroutine; ReadMessage from a single reader.
type Conn interface {
	WriteMessage(msg Message) error
	ReadMessage() (Message, error)
	// Close sends a close frame with code and text, then releases the
	// connection. Calling it more than once is a no-op.
	Close(code int, text string) error
}

// Dialer opens a Conn to url.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// CloseError reports the close frame received from the peer.
type CloseError struct {
	Code int
	Text string
}

func (e *CloseError) Error() string {
	if e.Text == "" {
		return fmt.Sprintf("connection closed: code %d", e.Code)
	}
	return fmt.Sprintf("connection closed: code %d (%s)", e.Code, e.Text)
}

// Normal reports whether the peer closed with 1000.
func (e *CloseError) Normal() bool { return e.Code == CloseNormalClosure }

// ErrClosed is returned by operations on a connection closed locally.
var ErrClosed = errors.New("transport: connection closed")

// ErrQueueFull is returned when the outbound queue cannot take a message.
var ErrQueueFull = errors.New("transport: outbound queue full")

// AsCloseError extracts a CloseError from err.
func AsCloseError(err error) (*CloseError, bool) {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
