// Package transcription owns the streaming connection to the speech service:
// connect, authenticate on open, stream PCM frames, surface results, close.
package transcription

import (
	"context"
	"fmt"

	"github.com/harunnryd/snapvoice/pkg/credential"
	"github.com/harunnryd/snapvoice/pkg/errorsx"
	"github.com/harunnryd/snapvoice/pkg/frames"
)

// Session is one streaming transcription channel. Implementations never
// restart themselves; the supervisor decides what happens after a failure.
type Session interface {
	Name() string
	// Open connects, authenticates with cred and returns once the service
	// acknowledged the connection. Anything the service sends after its
	// acknowledgement goes to h, possibly before Open returns.
	Open(ctx context.Context, cred credential.Credential, h Handler) error
	// SendFrame transmits audio while streaming. It never fails loudly; it
	// reports whether the frame was accepted.
	SendFrame(frame frames.AudioFrame) bool
	// Close closes with a normal-closure code. No handler callback fires
	// after Close returns.
	Close() error
	State() State
}

// Handler receives inbound events once the service acknowledged the
// connection. Callbacks run on the session's reader goroutine and must not
// call Close synchronously.
type Handler interface {
	OnResult(ev frames.TranscriptEvent)
	OnError(err error)
	// OnClose reports a normal close initiated by the service.
	OnClose(code int)
}

// Callbacks adapts plain functions to Handler. Nil fields are skipped.
type Callbacks struct {
	Result func(frames.TranscriptEvent)
	Error  func(error)
	Closed func(code int)
}

func (c Callbacks) OnResult(ev frames.TranscriptEvent) {
	if c.Result != nil {
		c.Result(ev)
	}
}

func (c Callbacks) OnError(err error) {
	if c.Error != nil {
		c.Error(err)
	}
}

func (c Callbacks) OnClose(code int) {
	if c.Closed != nil {
		c.Closed(code)
	}
}

type ErrorKind string

const (
	KindTransport ErrorKind = "transport"
	KindProtocol  ErrorKind = "protocol"
)

// TranscriptionError is surfaced for handshake failures, abnormal closes,
// timeouts and ERROR events. Code carries the close code when there is one.
type TranscriptionError struct {
	Kind    ErrorKind
	Message string
	Code    int
	Err     error
}

func (e *TranscriptionError) Error() string {
	msg := fmt.Sprintf("transcription %s error", e.Kind)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Code != 0 {
		msg += fmt.Sprintf(" (code %d)", e.Code)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TranscriptionError) Unwrap() error { return e.Err }

// NewTransportError builds a reasoned transport-kind TranscriptionError.
func NewTransportError(reason errorsx.ReasonCode, code int, msg string, err error) error {
	return errorsx.Wrap(&TranscriptionError{Kind: KindTransport, Message: msg, Code: code, Err: err}, reason)
}

// NewProtocolError builds the error for a service-reported ERROR event.
func NewProtocolError(msg string) error {
	return errorsx.Wrap(&TranscriptionError{Kind: KindProtocol, Message: msg}, errorsx.ReasonProtocol)
}
