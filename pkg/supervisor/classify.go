package supervisor

import (
	"errors"

	"github.com/harunnryd/snapvoice/pkg/audio"
	"github.com/harunnryd/snapvoice/pkg/errorsx"
)

// Recoverability decides what the supervisor does after a failure.
type Recoverability int

const (
	// Recoverable errors revert to Idle after the cooldown.
	Recoverable Recoverability = iota
	// Unfixable errors hold the Error state until the caller acts.
	Unfixable
)

func (r Recoverability) String() string {
	if r == Unfixable {
		return "unfixable"
	}
	return "recoverable"
}

// Classify marks permission denials, unsupported platforms and invalid
// configuration as unfixable; everything else is recoverable.
func Classify(err error) Recoverability {
	if err == nil {
		return Recoverable
	}
	if audio.IsPermissionError(err) || errors.Is(err, audio.ErrUnsupportedPlatform) {
		return Unfixable
	}
	switch errorsx.Reason(err) {
	case errorsx.ReasonPermissionDenied, errorsx.ReasonUnsupportedPlatform, errorsx.ReasonConfigInvalid:
		return Unfixable
	}
	return Recoverable
}
