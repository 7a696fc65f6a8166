package snapvoice

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/harunnryd/snapvoice/pkg/authproxy"
	"github.com/harunnryd/snapvoice/pkg/credential"
	"github.com/harunnryd/snapvoice/pkg/errorsx"
	"github.com/harunnryd/snapvoice/pkg/reconcile"
	"github.com/harunnryd/snapvoice/pkg/supervisor"
)

type Config struct {
	Auth          credential.Config   `mapstructure:"auth"`
	Transcription TranscriptionConfig `mapstructure:"transcription"`
	Audio         AudioConfig         `mapstructure:"audio"`
	Reconcile     reconcile.Config    `mapstructure:"reconcile"`
	Supervisor    supervisor.Config   `mapstructure:"supervisor"`
	Trigger       TriggerConfig       `mapstructure:"trigger"`
	Proxy         authproxy.Config    `mapstructure:"proxy"`
	Environment   string              `mapstructure:"environment"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
}

type TranscriptionConfig struct {
	Provider         string         `mapstructure:"provider"`
	Settings         map[string]any `mapstructure:"settings"`
	Host             string         `mapstructure:"host"`
	Path             string         `mapstructure:"path"`
	HandshakeTimeout time.Duration  `mapstructure:"handshake_timeout"`
	Prebuffer        time.Duration  `mapstructure:"prebuffer"`
}

type AudioConfig struct {
	Provider      string         `mapstructure:"provider"`
	Settings      map[string]any `mapstructure:"settings"`
	FrameDuration time.Duration  `mapstructure:"frame_duration"`
}

type TriggerConfig struct {
	Phrases []string      `mapstructure:"phrases"`
	Guard   time.Duration `mapstructure:"guard"`
}

type ObservabilityConfig struct {
	MetricsAddr  string `mapstructure:"metrics_addr"`
	MetricsJSONL string `mapstructure:"metrics_jsonl"`
	AsyncBuffer  int    `mapstructure:"async_buffer"`
	LogEvents    bool   `mapstructure:"log_events"`
}

type PrivacyConfig struct {
	RedactTranscripts bool `mapstructure:"redact_transcripts"`
}

// SetDefaults registers every default LoadConfig applies.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("auth.timeout", credential.DefaultTimeout)
	v.SetDefault("auth.token_ttl", credential.DefaultTokenTTL)
	v.SetDefault("auth.safety_margin", credential.DefaultSafetyMargin)
	v.SetDefault("transcription.provider", "websocket")
	v.SetDefault("transcription.path", "/ws/transcribe/stream")
	v.SetDefault("transcription.handshake_timeout", 10*time.Second)
	v.SetDefault("transcription.prebuffer", 3*time.Second)
	v.SetDefault("audio.provider", "microphone")
	v.SetDefault("audio.frame_duration", 100*time.Millisecond)
	v.SetDefault("reconcile.window", reconcile.DefaultWindow)
	v.SetDefault("reconcile.threshold", reconcile.DefaultThreshold)
	v.SetDefault("supervisor.cooldown", supervisor.DefaultCooldown)
	v.SetDefault("supervisor.retries", supervisor.DefaultRetries)
	v.SetDefault("supervisor.retry_backoff", supervisor.DefaultRetryBackoff)
	v.SetDefault("supervisor.breaker_threshold", 5)
	v.SetDefault("supervisor.breaker_cooldown", 30*time.Second)
	v.SetDefault("supervisor.event_buffer", 256)
	v.SetDefault("trigger.guard", reconcile.DefaultWindow)
	v.SetDefault("proxy.addr", authproxy.DefaultAddr)
	v.SetDefault("proxy.upstream_path", authproxy.DefaultUpstreamPath)
	v.SetDefault("proxy.timeout", authproxy.DefaultTimeout)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("observability.async_buffer", 2048)
	v.SetDefault("privacy.redact_transcripts", true)
}

// LoadConfig reads a YAML file, applies defaults, expands ${ENV}
// references and validates the result.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	SetDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return decode(v)
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	expandEnvStrings(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks the fields every client run needs. Proxy settings are
// validated by authproxy.New when the proxy is started.
func (c *Config) Validate() error {
	provider := strings.ToLower(strings.TrimSpace(c.Transcription.Provider))
	switch {
	case provider == "":
		return errorsx.New(errorsx.ReasonConfigInvalid, "transcription.provider is required")
	case strings.TrimSpace(c.Audio.Provider) == "":
		return errorsx.New(errorsx.ReasonConfigInvalid, "audio.provider is required")
	case provider != "mock" && strings.TrimSpace(c.Auth.BaseURL) == "":
		return errorsx.New(errorsx.ReasonConfigInvalid, "auth.base_url is required")
	case c.Reconcile.Threshold < 0 || c.Reconcile.Threshold > 1:
		return errorsx.New(errorsx.ReasonConfigInvalid, fmt.Sprintf("reconcile.threshold must be within [0, 1], got %v", c.Reconcile.Threshold))
	case c.Auth.SafetyMargin > 0 && c.Auth.TokenTTL > 0 && c.Auth.SafetyMargin >= c.Auth.TokenTTL:
		return errorsx.New(errorsx.ReasonConfigInvalid, "auth.safety_margin must be shorter than auth.token_ttl")
	}
	return nil
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Transcription.Settings = expandSettings(cfg.Transcription.Settings)
	cfg.Audio.Settings = expandSettings(cfg.Audio.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	}
}
