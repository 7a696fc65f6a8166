// Package credential fetches and caches the short-lived, single-use session
// credential that authorizes one streaming transcription connection.
package credential

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/harunnryd/snapvoice/pkg/errorsx"
)

// Credential is an issued session token. Values are replaced on refresh,
// never mutated.
type Credential struct {
	Token         string
	SessionID     string
	CompartmentID string
	IssuedAt      time.Time
	ExpiresAt     time.Time
}

// ValidAt reports whether the credential may still be handed out at now,
// keeping margin in reserve before expiry.
func (c Credential) ValidAt(now time.Time, margin time.Duration) bool {
	return c.Token != "" && now.Before(c.ExpiresAt.Add(-margin))
}

// AuthError reports a failed credential fetch. Status is zero when the
// request never produced an HTTP response.
type AuthError struct {
	Status int
	Body   string
	Err    error
}

func (e *AuthError) Error() string {
	switch {
	case e.Status != 0 && e.Body != "":
		return fmt.Sprintf("auth: status %d: %s", e.Status, e.Body)
	case e.Status != 0:
		return fmt.Sprintf("auth: status %d", e.Status)
	case e.Err != nil:
		return "auth: " + e.Err.Error()
	default:
		return "auth: failed"
	}
}

func (e *AuthError) Unwrap() error { return e.Err }

// Retryable reports whether a credential failure is worth retrying:
// transport failures, 429 and 5xx responses.
func Retryable(err error) bool {
	var ae *AuthError
	if !errors.As(err, &ae) {
		return false
	}
	if errorsx.HasReason(err, errorsx.ReasonAuthDecode) {
		return false
	}
	return ae.Status == 0 || ae.Status == http.StatusTooManyRequests || ae.Status >= 500
}
