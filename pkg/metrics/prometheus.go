package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "snapvoice"

// PrometheusObserver maps session events onto Prometheus collectors held in
// its own registry, so several supervisors (or tests) never collide.
type PrometheusObserver struct {
	registry *prometheus.Registry

	credentialFetches *prometheus.CounterVec
	sessionsOpened    prometheus.Counter
	connectLatency    prometheus.Histogram
	sessionDuration   prometheus.Histogram
	audioBytes        prometheus.Counter
	framesDropped     prometheus.Counter
	partials          prometheus.Counter
	finals            prometheus.Counter
	duplicates        prometheus.Counter
	errors            *prometheus.CounterVec
	recoveries        prometheus.Counter
	breakerOpens      prometheus.Counter
	triggers          prometheus.Counter
}

func NewPrometheusObserver() *PrometheusObserver {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &PrometheusObserver{
		registry: reg,
		credentialFetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_requests_total",
			Help:      "Credential lookups by outcome (fetched, reused, failed)",
		}, []string{TagOutcome}),
		sessionsOpened: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_opened_total",
			Help:      "Streaming sessions opened",
		}),
		connectLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_connect_seconds",
			Help:      "Time from dial to server acknowledgement",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		sessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of streaming sessions",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}),
		audioBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_sent_total",
			Help:      "PCM bytes written to the streaming channel",
		}),
		framesDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_dropped_total",
			Help:      "Audio frames dropped because the channel was not streaming",
		}),
		partials: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_partial_total",
			Help:      "Partial transcripts delivered",
		}),
		finals: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_final_total",
			Help:      "Reconciled final transcripts delivered",
		}),
		duplicates: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_duplicate_total",
			Help:      "Final transcripts suppressed as duplicates",
		}),
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_errors_total",
			Help:      "Session errors by reason code",
		}, []string{TagReason}),
		recoveries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_recoveries_total",
			Help:      "Automatic returns to idle after recoverable errors",
		}),
		breakerOpens: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_open_total",
			Help:      "Times the start circuit breaker opened",
		}),
		triggers: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_triggers_total",
			Help:      "Voice triggered actions fired",
		}),
	}
}

func (p *PrometheusObserver) RecordEvent(ev MetricsEvent) {
	switch ev.Name {
	case EventCredentialFetch:
		outcome := ev.Tags[TagOutcome]
		if outcome == "" {
			outcome = "fetched"
		}
		p.credentialFetches.WithLabelValues(outcome).Inc()
	case EventCredentialReuse:
		p.credentialFetches.WithLabelValues("reused").Inc()
	case EventSessionOpen:
		p.sessionsOpened.Inc()
	case EventSessionConnected:
		p.connectLatency.Observe(ev.Value)
	case EventSessionClosed:
		p.sessionDuration.Observe(ev.Value)
	case EventFrameSent:
		p.audioBytes.Add(ev.Value)
	case EventFrameDropped:
		p.framesDropped.Inc()
	case EventPartial:
		p.partials.Inc()
	case EventFinal:
		p.finals.Inc()
	case EventDuplicateSuppressed:
		p.duplicates.Inc()
	case EventError:
		reason := ev.Tags[TagReason]
		if reason == "" {
			reason = "unknown"
		}
		p.errors.WithLabelValues(reason).Inc()
	case EventRecovered:
		p.recoveries.Inc()
	case EventBreakerOpen:
		p.breakerOpens.Inc()
	case EventTrigger:
		p.triggers.Inc()
	}
}

// Registry exposes the collectors for custom exposition.
func (p *PrometheusObserver) Registry() *prometheus.Registry { return p.registry }

// Handler serves the registry in the Prometheus text format.
func (p *PrometheusObserver) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
