package audio

import (
	"context"
	"errors"
	"fmt"

	"github.com/harunnryd/snapvoice/pkg/errorsx"
	"github.com/harunnryd/snapvoice/pkg/frames"
)

// FrameFunc receives every captured frame. It is called from the sampler's
// capture goroutine and must not block for long.
type FrameFunc func(frames.AudioFrame)

// Sampler captures audio and delivers 16 kHz mono PCM16 frames.
type Sampler interface {
	Name() string
	// Start acquires the input device and begins delivering frames.
	Start(ctx context.Context, onFrame FrameFunc) error
	// Stop releases the device. It is idempotent.
	Stop() error
}

// PermissionError reports that access to the input device was denied.
type PermissionError struct {
	Device string
	Err    error
}

func (e *PermissionError) Error() string {
	msg := "microphone permission denied"
	if e.Device != "" {
		msg = fmt.Sprintf("microphone permission denied for %q", e.Device)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PermissionError) Unwrap() error { return e.Err }

// ErrUnsupportedPlatform is returned by samplers that cannot capture audio
// on the current platform.
var ErrUnsupportedPlatform = errorsx.New(errorsx.ReasonUnsupportedPlatform, "audio capture is not supported on this platform")

// NewPermissionError wraps err as a reasoned PermissionError.
func NewPermissionError(device string, err error) error {
	return errorsx.Wrap(&PermissionError{Device: device, Err: err}, errorsx.ReasonPermissionDenied)
}

// IsPermissionError reports whether err carries a PermissionError.
func IsPermissionError(err error) bool {
	var pe *PermissionError
	return errors.As(err, &pe)
}
