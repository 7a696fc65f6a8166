package snapvoice

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/snapvoice/pkg/audio"
	"github.com/harunnryd/snapvoice/pkg/configutil"
	"github.com/harunnryd/snapvoice/pkg/errorsx"
	"github.com/harunnryd/snapvoice/pkg/metrics"
	"github.com/harunnryd/snapvoice/pkg/providers/deepgram"
	"github.com/harunnryd/snapvoice/pkg/providers/mock"
	"github.com/harunnryd/snapvoice/pkg/transcription"
	"github.com/harunnryd/snapvoice/pkg/transports/websocket"
)

// BuildDeps are handed to every provider factory.
type BuildDeps struct {
	Logger   *slog.Logger
	Observer metrics.Observer
}

type SessionFactory func(cfg Config, deps BuildDeps) (transcription.Session, error)
type SamplerFactory func(cfg Config, deps BuildDeps) (audio.Sampler, error)

// ProviderRegistry maps provider names from the config to constructors.
// Names are matched case-insensitively.
type ProviderRegistry struct {
	mu       sync.RWMutex
	sessions map[string]SessionFactory
	samplers map[string]SamplerFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		sessions: make(map[string]SessionFactory),
		samplers: make(map[string]SamplerFactory),
	}
}

// NewDefaultRegistry registers every session provider and the passthrough
// sampler. Hardware samplers are registered by the binary that links them.
func NewDefaultRegistry() *ProviderRegistry {
	r := NewProviderRegistry()
	r.RegisterSession("websocket", buildWebsocketSession)
	r.RegisterSession("deepgram", buildDeepgramSession)
	r.RegisterSession("mock", buildMockSession)
	r.RegisterSampler("passthrough", buildPassthroughSampler)
	return r
}

func providerKey(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

func (r *ProviderRegistry) RegisterSession(name string, factory SessionFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[providerKey(name)] = factory
}

func (r *ProviderRegistry) RegisterSampler(name string, factory SamplerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samplers[providerKey(name)] = factory
}

func (r *ProviderRegistry) BuildSession(cfg Config, deps BuildDeps) (transcription.Session, error) {
	r.mu.RLock()
	fn := r.sessions[providerKey(cfg.Transcription.Provider)]
	r.mu.RUnlock()
	if fn == nil {
		return nil, errorsx.New(errorsx.ReasonConfigInvalid, "transcription provider not registered: "+cfg.Transcription.Provider)
	}
	return fn(cfg, deps)
}

func (r *ProviderRegistry) BuildSampler(cfg Config, deps BuildDeps) (audio.Sampler, error) {
	r.mu.RLock()
	fn := r.samplers[providerKey(cfg.Audio.Provider)]
	r.mu.RUnlock()
	if fn == nil {
		return nil, errorsx.New(errorsx.ReasonConfigInvalid, "audio provider not registered: "+cfg.Audio.Provider)
	}
	return fn(cfg, deps)
}

type websocketSettings struct {
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	QueueSize    int           `mapstructure:"queue_size"`
	ReadLimit    int64         `mapstructure:"read_limit"`
}

func buildWebsocketSession(cfg Config, deps BuildDeps) (transcription.Session, error) {
	var settings websocketSettings
	if err := configutil.Decode("transcription.settings", cfg.Transcription.Settings, configutil.Schema{
		Optional: []string{"write_timeout", "queue_size", "read_limit"},
	}, &settings); err != nil {
		return nil, err
	}
	if err := configutil.RequireString(cfg.Transcription.Host, "transcription.host"); err != nil {
		return nil, err
	}
	dialer := websocket.NewDialer(websocket.Config{
		HandshakeTimeout: cfg.Transcription.HandshakeTimeout,
		WriteTimeout:     settings.WriteTimeout,
		QueueSize:        settings.QueueSize,
		ReadLimit:        settings.ReadLimit,
	}, deps.Logger)
	return transcription.NewClient(transcription.Config{
		Host:             cfg.Transcription.Host,
		Path:             cfg.Transcription.Path,
		HandshakeTimeout: cfg.Transcription.HandshakeTimeout,
		Prebuffer:        cfg.Transcription.Prebuffer,
	}, dialer, transcription.WithLogger(deps.Logger), transcription.WithObserver(deps.Observer)), nil
}

type deepgramSettings struct {
	Host           string `mapstructure:"host"`
	Model          string `mapstructure:"model"`
	Language       string `mapstructure:"language"`
	Interim        *bool  `mapstructure:"interim"`
	UtteranceEndMS *int   `mapstructure:"utterance_end_ms"`
}

func buildDeepgramSession(cfg Config, deps BuildDeps) (transcription.Session, error) {
	var settings deepgramSettings
	if err := configutil.Decode("transcription.settings", cfg.Transcription.Settings, configutil.Schema{
		Optional: []string{"host", "model", "language", "interim", "utterance_end_ms"},
	}, &settings); err != nil {
		return nil, err
	}
	utteranceEnd := configutil.IntValue(settings.UtteranceEndMS, 1000)
	if utteranceEnd < 0 || utteranceEnd > 5000 {
		return nil, errorsx.New(errorsx.ReasonConfigInvalid, fmt.Sprintf("transcription.settings.utterance_end_ms must be between 0 and 5000, got %d", utteranceEnd))
	}
	interim := configutil.BoolValue(settings.Interim, true)
	return deepgram.New(deepgram.Config{
		Host:           settings.Host,
		Model:          settings.Model,
		Language:       settings.Language,
		Interim:        interim,
		UtteranceEndMS: utteranceEnd,
	}, deps.Logger, deps.Observer), nil
}

func buildMockSession(cfg Config, _ BuildDeps) (transcription.Session, error) {
	var settings mock.Config
	if err := configutil.Decode("transcription.settings", cfg.Transcription.Settings, configutil.Schema{
		Optional: []string{"transcript", "partials", "after", "repeat", "fail_open"},
	}, &settings); err != nil {
		return nil, err
	}
	return mock.New(settings), nil
}

func buildPassthroughSampler(cfg Config, _ BuildDeps) (audio.Sampler, error) {
	if err := configutil.ValidateSettings(cfg.Audio.Settings, configutil.Schema{}); err != nil {
		return nil, err
	}
	return audio.NewPassthrough(cfg.Audio.FrameDuration), nil
}
