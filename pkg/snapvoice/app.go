// Package snapvoice wires configuration, providers and the supervisor into
// a runnable voice session.
package snapvoice

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/snapvoice/pkg/audio"
	"github.com/harunnryd/snapvoice/pkg/credential"
	"github.com/harunnryd/snapvoice/pkg/logging"
	"github.com/harunnryd/snapvoice/pkg/metrics"
	"github.com/harunnryd/snapvoice/pkg/reconcile"
	"github.com/harunnryd/snapvoice/pkg/redact"
	"github.com/harunnryd/snapvoice/pkg/supervisor"
	"github.com/harunnryd/snapvoice/pkg/transcription"
)

type Options struct {
	Config    Config
	Providers *ProviderRegistry
	Logger    *slog.Logger
	// Credentials overrides the HTTP credential provider built from
	// Config.Auth.
	Credentials supervisor.CredentialSource
	// Observers receive every metrics event next to the built-in sinks.
	Observers []metrics.Observer
	// OnTrigger runs when a final result contains a Config.Trigger phrase.
	OnTrigger func(text string)
}

// App is a configured supervisor plus the resources it owns.
type App struct {
	cfg        Config
	logger     *slog.Logger
	creds      supervisor.CredentialSource
	sampler    audio.Sampler
	session    transcription.Session
	supervisor *supervisor.Supervisor
	prom       *metrics.PrometheusObserver
	async      *metrics.AsyncObserver
	jsonl      *os.File
	sinks      *metrics.MultiObserver
	metricsSrv *http.Server
	unsub      func()
}

func New(opts Options) (*App, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	redact.SetEnabled(cfg.Privacy.RedactTranscripts)
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	providers := opts.Providers
	if providers == nil {
		providers = NewDefaultRegistry()
	}

	logger.Info("snapvoice_init",
		slog.String("environment", cfg.Environment),
		slog.String("transcription_provider", cfg.Transcription.Provider),
		slog.String("audio_provider", cfg.Audio.Provider),
	)

	app := &App{cfg: cfg, logger: logger, prom: metrics.NewPrometheusObserver()}
	obsList := append([]metrics.Observer{app.prom}, opts.Observers...)
	if cfg.Observability.LogEvents {
		obsList = append(obsList, metrics.NewLoggerObserver(logging.NewComponentLogger(logger, "metrics")))
	}
	if path := strings.TrimSpace(cfg.Observability.MetricsJSONL); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open metrics jsonl: %w", err)
		}
		app.jsonl = f
		obsList = append(obsList, metrics.NewJSONLObserver(f))
	}
	app.sinks = metrics.NewMultiObserver(obsList...)
	app.async = metrics.NewAsyncObserver(app.sinks, cfg.Observability.AsyncBuffer)
	deps := BuildDeps{Logger: logger, Observer: app.async}

	app.creds = opts.Credentials
	if app.creds == nil {
		if strings.EqualFold(strings.TrimSpace(cfg.Transcription.Provider), "mock") && strings.TrimSpace(cfg.Auth.BaseURL) == "" {
			app.creds = &offlineCredentials{ttl: credential.DefaultTokenTTL}
		} else {
			app.creds = credential.NewProvider(cfg.Auth,
				credential.WithLogger(logger),
				credential.WithObserver(app.async),
			)
		}
	}

	var err error
	if app.session, err = providers.BuildSession(cfg, deps); err != nil {
		app.closeSinks()
		return nil, err
	}
	if app.sampler, err = providers.BuildSampler(cfg, deps); err != nil {
		app.closeSinks()
		return nil, err
	}
	app.supervisor, err = supervisor.New(cfg.Supervisor, supervisor.Deps{
		Credentials: app.creds,
		Sampler:     app.sampler,
		Session:     app.session,
		Reconciler:  reconcile.New(cfg.Reconcile, app.async),
		Logger:      logger,
		Observer:    app.async,
	})
	if err != nil {
		app.closeSinks()
		return nil, err
	}
	if opts.OnTrigger != nil && len(cfg.Trigger.Phrases) > 0 {
		trigger := supervisor.NewTrigger(cfg.Trigger.Phrases, cfg.Trigger.Guard, opts.OnTrigger, app.async)
		app.unsub = app.supervisor.Subscribe(trigger)
	}
	return app, nil
}

func (a *App) Supervisor() *supervisor.Supervisor { return a.supervisor }

func (a *App) Sampler() audio.Sampler { return a.sampler }

func (a *App) Session() transcription.Session { return a.session }

// MetricsHandler serves the app's Prometheus registry.
func (a *App) MetricsHandler() http.Handler { return a.prom.Handler() }

// Preflight checks that the auth endpoint is reachable. It is a no-op when
// credentials do not come from the HTTP provider.
func (a *App) Preflight(ctx context.Context) error {
	p, ok := a.creds.(*credential.Provider)
	if !ok {
		return nil
	}
	health, err := p.Health(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("auth_preflight_ok", slog.String("region", health.Region), slog.String("status", health.Status))
	return nil
}

// ServeMetrics exposes /metrics on Observability.MetricsAddr until Close.
func (a *App) ServeMetrics() {
	addr := strings.TrimSpace(a.cfg.Observability.MetricsAddr)
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.MetricsHandler())
	a.metricsSrv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := a.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Warn("metrics_server_failed", slog.String("error", err.Error()))
		}
	}()
	a.logger.Info("metrics_listening", slog.String("addr", addr))
}

// Drain stops the session and closes the app, giving up when ctx expires.
func (a *App) Drain(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- a.Close() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the supervisor and flushes every metrics sink.
func (a *App) Close() error {
	if a.unsub != nil {
		a.unsub()
	}
	err := a.supervisor.Close()
	if a.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = a.metricsSrv.Shutdown(ctx)
		cancel()
	}
	a.closeSinks()
	return err
}

func (a *App) closeSinks() {
	if a.async != nil {
		a.async.Close()
	}
	if a.sinks != nil {
		if err := a.sinks.Flush(); err != nil {
			a.logger.Warn("metrics_flush_failed", slog.String("error", err.Error()))
		}
	}
	if a.jsonl != nil {
		_ = a.jsonl.Close()
		a.jsonl = nil
	}
}

// offlineCredentials issues random tokens for the mock provider so a run
// needs no auth endpoint.
type offlineCredentials struct {
	ttl time.Duration
}

func (o *offlineCredentials) Token(context.Context) (credential.Credential, error) {
	now := time.Now()
	return credential.Credential{
		Token:     "offline-" + uuid.NewString(),
		SessionID: uuid.NewString(),
		IssuedAt:  now,
		ExpiresAt: now.Add(o.ttl),
	}, nil
}

func (o *offlineCredentials) Invalidate() {}
