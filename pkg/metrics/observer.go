package metrics

import "time"

// Event names recorded by the credential, transcription and supervisor packages.
const (
	EventCredentialFetch     = "credential_fetch"
	EventCredentialReuse     = "credential_reuse"
	EventSessionOpen         = "session_open"
	EventSessionConnected    = "session_connected"
	EventSessionClosed       = "session_closed"
	EventFrameSent           = "frame_sent"
	EventFrameDropped        = "frame_dropped"
	EventPartial             = "transcript_partial"
	EventFinal               = "transcript_final"
	EventDuplicateSuppressed = "transcript_duplicate_suppressed"
	EventError               = "session_error"
	EventRecovered           = "session_recovered"
	EventBreakerOpen         = "breaker_open"
	EventTrigger             = "voice_trigger"
)

// Tag keys shared across events.
const (
	TagSessionID = "session_id"
	TagProvider  = "provider"
	TagReason    = "reason"
	TagOutcome   = "outcome"
)

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type Flusher interface {
	Flush() error
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// Record is a convenience for emitting a named event with tags to obs.
// A nil observer is ignored.
func Record(obs Observer, name string, value float64, tags map[string]string) {
	if obs == nil {
		return
	}
	obs.RecordEvent(MetricsEvent{Name: name, Time: time.Now(), Value: value, Tags: tags})
}
