// Package authproxy is the credential-issuing endpoint the session manager
// talks to. It holds the long-lived signing key and exchanges it upstream for
// short-lived, single-use session tokens.
package authproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/harunnryd/snapvoice/pkg/errorsx"
	"github.com/harunnryd/snapvoice/pkg/logging"
	"github.com/harunnryd/snapvoice/pkg/metrics"
	"github.com/harunnryd/snapvoice/pkg/redact"
	"github.com/harunnryd/snapvoice/pkg/signer"
)

const maxUpstreamBody = 64 << 10

// TokenResponse is the /authenticate payload.
type TokenResponse struct {
	Token         string `json:"token"`
	SessionID     string `json:"sessionId"`
	CompartmentID string `json:"compartmentId"`
}

// ErrorResponse is returned for every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// UpstreamError carries a non-2xx answer from the token service.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return "upstream token request failed: " + http.StatusText(e.Status) + " " + e.Body
}

type Server struct {
	cfg     Config
	signer  *signer.Signer
	client  *http.Client
	echo    *echo.Echo
	logger  *slog.Logger
	obs     metrics.Observer
	metrics http.Handler
	now     func() time.Time
}

type Option func(*Server)

func WithHTTPClient(c *http.Client) Option {
	return func(s *Server) {
		if c != nil {
			s.client = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = logging.NewComponentLogger(l, "authproxy") }
}

func WithObserver(obs metrics.Observer) Option {
	return func(s *Server) {
		if obs != nil {
			s.obs = obs
		}
	}
}

// WithMetricsHandler exposes h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// New validates cfg and loads the signing key. It refuses to build a server
// around missing or placeholder credentials.
func New(cfg Config, opts ...Option) (*Server, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sg, err := cfg.loadSigner()
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:    cfg,
		signer: sg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logging.NewComponentLogger(nil, "authproxy"),
		obs:    metrics.NoopObserver{},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.echo = s.routes()
	return s, nil
}

func (s *Server) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Debug("http_request",
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.String("request_id", v.RequestID),
			)
			return nil
		},
	}))

	e.GET("/authenticate", s.handleAuthenticate)
	e.GET("/region", s.handleRegion)
	e.GET("/health", s.handleHealth)
	if s.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(s.metrics))
	}
	return e
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler { return s.echo }

// Addr is the configured listen address.
func (s *Server) Addr() string { return s.cfg.Addr }

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("authproxy_listening", slog.String("addr", s.cfg.Addr), slog.String("region", s.cfg.Region))
	if err := s.echo.Start(s.cfg.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) handleAuthenticate(c echo.Context) error {
	tok, err := s.IssueToken(c.Request().Context())
	if err != nil {
		status := http.StatusBadGateway
		var upstream *UpstreamError
		if errors.As(err, &upstream) && (upstream.Status == http.StatusUnauthorized || upstream.Status == http.StatusForbidden) {
			status = http.StatusUnauthorized
		}
		return c.JSON(status, ErrorResponse{Error: string(errorsx.Reason(err)), Message: err.Error()})
	}
	return c.JSON(http.StatusOK, tok)
}

func (s *Server) handleRegion(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"region": s.cfg.Region})
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":        "ok",
		"timestamp":     s.now().UTC().Format(time.RFC3339),
		"region":        s.cfg.Region,
		"compartmentId": s.cfg.CompartmentID,
	})
}

type upstreamTokenResponse struct {
	Token     string `json:"token"`
	SessionID string `json:"sessionId"`
}

// IssueToken performs one signed upstream request for a fresh session token.
func (s *Server) IssueToken(ctx context.Context) (TokenResponse, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	body, err := json.Marshal(map[string]string{"compartmentId": s.cfg.CompartmentID})
	if err != nil {
		return TokenResponse{}, errorsx.Wrap(err, errorsx.ReasonAuthFetch)
	}
	url := s.cfg.UpstreamScheme + "://" + s.cfg.UpstreamHost + s.cfg.UpstreamPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return TokenResponse{}, errorsx.Wrap(err, errorsx.ReasonAuthFetch)
	}
	requestID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("opc-request-id", requestID)
	req.Header.Set("Date", s.now().UTC().Format(http.TimeFormat))
	if err := s.signer.SignRequest(req); err != nil {
		return TokenResponse{}, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.record("failed", errorsx.ReasonAuthFetch)
		s.logger.Warn("upstream_request_failed", slog.String("request_id", requestID), slog.String("error", err.Error()))
		return TokenResponse{}, errorsx.Wrap(err, errorsx.ReasonAuthFetch)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	if err != nil {
		s.record("failed", errorsx.ReasonAuthFetch)
		return TokenResponse{}, errorsx.Wrap(err, errorsx.ReasonAuthFetch)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		s.record("failed", errorsx.ReasonAuthStatus)
		s.logger.Warn("upstream_request_rejected", slog.String("request_id", requestID), slog.Int("status", resp.StatusCode))
		return TokenResponse{}, errorsx.Wrap(&UpstreamError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}, errorsx.ReasonAuthStatus)
	}
	var out upstreamTokenResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		s.record("failed", errorsx.ReasonAuthDecode)
		return TokenResponse{}, errorsx.Wrapf(err, errorsx.ReasonAuthDecode, "decode upstream token")
	}
	if strings.TrimSpace(out.Token) == "" {
		s.record("failed", errorsx.ReasonAuthDecode)
		return TokenResponse{}, errorsx.New(errorsx.ReasonAuthDecode, "upstream response carried no token")
	}
	s.record("issued", "")
	s.logger.Info("token_issued",
		slog.String("request_id", requestID),
		slog.String("session_id", out.SessionID),
		slog.String("token", redact.Secret(out.Token)),
	)
	return TokenResponse{Token: out.Token, SessionID: out.SessionID, CompartmentID: s.cfg.CompartmentID}, nil
}

func (s *Server) record(outcome string, reason errorsx.ReasonCode) {
	tags := map[string]string{metrics.TagOutcome: outcome}
	metrics.Record(s.obs, metrics.EventCredentialFetch, 1, tags)
	if reason != "" {
		metrics.Record(s.obs, metrics.EventError, 1, map[string]string{metrics.TagReason: string(reason)})
	}
}
