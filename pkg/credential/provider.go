package credential

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/harunnryd/snapvoice/pkg/errorsx"
	"github.com/harunnryd/snapvoice/pkg/logging"
	"github.com/harunnryd/snapvoice/pkg/metrics"
	"github.com/harunnryd/snapvoice/pkg/redact"
)

const (
	// DefaultTokenTTL is the assumed credential lifetime. The auth endpoint
	// does not report expiry, so this is a conservative estimate.
	DefaultTokenTTL     = 55 * time.Minute
	DefaultSafetyMargin = 5 * time.Minute
	DefaultTimeout      = 10 * time.Second

	maxErrorBody = 4 << 10
)

type Config struct {
	BaseURL      string        `mapstructure:"base_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	TokenTTL     time.Duration `mapstructure:"token_ttl"`
	SafetyMargin time.Duration `mapstructure:"safety_margin"`
}

func (c Config) withDefaults() Config {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = DefaultTokenTTL
	}
	if c.SafetyMargin < 0 || c.SafetyMargin >= c.TokenTTL {
		c.SafetyMargin = DefaultSafetyMargin
	}
	return c
}

// Provider hands out cached credentials and refetches them from the auth
// endpoint when the cache is empty, expiring, or invalidated. It never retries
// on its own; retry policy belongs to the caller.
type Provider struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
	obs    metrics.Observer
	now    func() time.Time

	cached  atomic.Pointer[Credential]
	fetchMu sync.Mutex
}

type Option func(*Provider)

func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		if c != nil {
			p.client = c
		}
	}
}

func WithObserver(obs metrics.Observer) Option {
	return func(p *Provider) {
		if obs != nil {
			p.obs = obs
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Provider) {
		if now != nil {
			p.now = now
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) {
		if l != nil {
			p.logger = logging.NewComponentLogger(l, "credential")
		}
	}
}

func NewProvider(cfg Config, opts ...Option) *Provider {
	cfg = cfg.withDefaults()
	p := &Provider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logging.NewComponentLogger(slog.Default(), "credential"),
		obs:    metrics.NoopObserver{},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Token returns the cached credential while it is outside the safety margin,
// otherwise fetches a new one. Concurrent callers share a single fetch.
func (p *Provider) Token(ctx context.Context) (Credential, error) {
	if c, ok := p.fresh(); ok {
		metrics.Record(p.obs, metrics.EventCredentialReuse, 1, nil)
		return c, nil
	}

	p.fetchMu.Lock()
	defer p.fetchMu.Unlock()
	if c, ok := p.fresh(); ok {
		metrics.Record(p.obs, metrics.EventCredentialReuse, 1, nil)
		return c, nil
	}

	c, err := p.fetch(ctx)
	if err != nil {
		metrics.Record(p.obs, metrics.EventCredentialFetch, 1, map[string]string{
			metrics.TagOutcome: "failed",
			metrics.TagReason:  string(errorsx.Reason(err)),
		})
		return Credential{}, err
	}
	p.cached.Store(&c)
	metrics.Record(p.obs, metrics.EventCredentialFetch, 1, map[string]string{metrics.TagOutcome: "fetched"})
	p.logger.Info("credential_refreshed",
		slog.String("session_id", c.SessionID),
		slog.String("token", redact.Secret(c.Token)),
		slog.Time("expires_at", c.ExpiresAt))
	return c, nil
}

// Invalidate drops the cached credential so the next Token call refetches.
// Called once a credential has been consumed by a streaming connection, or
// after the service rejected it.
func (p *Provider) Invalidate() {
	if old := p.cached.Swap(nil); old != nil {
		p.logger.Debug("credential_invalidated", slog.String("session_id", old.SessionID))
	}
}

// Cached returns the cached credential, if any, without touching the network.
func (p *Provider) Cached() (Credential, bool) {
	c := p.cached.Load()
	if c == nil {
		return Credential{}, false
	}
	return *c, true
}

func (p *Provider) fresh() (Credential, bool) {
	c := p.cached.Load()
	if c == nil || !c.ValidAt(p.now(), p.cfg.SafetyMargin) {
		return Credential{}, false
	}
	return *c, true
}

type authenticateResponse struct {
	Token         string `json:"token"`
	SessionID     string `json:"sessionId"`
	CompartmentID string `json:"compartmentId"`
}

func (p *Provider) fetch(ctx context.Context) (Credential, error) {
	var body authenticateResponse
	if err := p.getJSON(ctx, "/authenticate", &body); err != nil {
		return Credential{}, err
	}
	if strings.TrimSpace(body.Token) == "" {
		return Credential{}, errorsx.Wrap(&AuthError{Status: http.StatusOK, Body: "response carried no token"}, errorsx.ReasonAuthDecode)
	}
	issued := p.now()
	return Credential{
		Token:         body.Token,
		SessionID:     body.SessionID,
		CompartmentID: body.CompartmentID,
		IssuedAt:      issued,
		ExpiresAt:     issued.Add(p.cfg.TokenTTL),
	}, nil
}

// Region returns the region the auth endpoint issues credentials for.
func (p *Provider) Region(ctx context.Context) (string, error) {
	var body struct {
		Region string `json:"region"`
	}
	if err := p.getJSON(ctx, "/region", &body); err != nil {
		return "", err
	}
	return body.Region, nil
}

// HealthStatus mirrors the auth endpoint's /health payload.
type HealthStatus struct {
	Status        string `json:"status"`
	Timestamp     string `json:"timestamp"`
	Region        string `json:"region"`
	CompartmentID string `json:"compartmentId"`
}

// Health performs a pre-flight reachability check against the auth endpoint.
func (p *Provider) Health(ctx context.Context) (HealthStatus, error) {
	var body HealthStatus
	err := p.getJSON(ctx, "/health", &body)
	return body, err
}

func (p *Provider) getJSON(ctx context.Context, path string, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if p.cfg.BaseURL == "" {
		return errorsx.Wrap(&AuthError{Body: "auth base url is not configured"}, errorsx.ReasonConfigInvalid)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL+path, nil)
	if err != nil {
		return errorsx.Wrap(&AuthError{Err: err}, errorsx.ReasonAuthFetch)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Warn("auth_request_failed", slog.String("path", path), slog.String("error", err.Error()))
		return errorsx.Wrap(&AuthError{Err: err}, errorsx.ReasonAuthFetch)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		p.logger.Warn("auth_request_rejected", slog.String("path", path), slog.Int("status", resp.StatusCode))
		return errorsx.Wrap(&AuthError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}, errorsx.ReasonAuthStatus)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errorsx.Wrap(&AuthError{Status: resp.StatusCode, Err: err}, errorsx.ReasonAuthDecode)
	}
	return nil
}
