package authproxy

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/harunnryd/snapvoice/pkg/configutil"
	"github.com/harunnryd/snapvoice/pkg/errorsx"
	"github.com/harunnryd/snapvoice/pkg/signer"
)

const (
	DefaultAddr         = ":8450"
	DefaultUpstreamPath = "/20220101/actions/realtimeSessionToken"
	DefaultTimeout      = 10 * time.Second
)

// Config describes the upstream identity the proxy signs requests with.
type Config struct {
	Addr           string        `mapstructure:"addr"`
	Region         string        `mapstructure:"region"`
	CompartmentID  string        `mapstructure:"compartment_id"`
	Tenancy        string        `mapstructure:"tenancy"`
	User           string        `mapstructure:"user"`
	Fingerprint    string        `mapstructure:"fingerprint"`
	KeyFile        string        `mapstructure:"key_file"`
	KeyPEM         string        `mapstructure:"key_pem"`
	UpstreamScheme string        `mapstructure:"upstream_scheme"`
	UpstreamHost   string        `mapstructure:"upstream_host"`
	UpstreamPath   string        `mapstructure:"upstream_path"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.UpstreamScheme == "" {
		c.UpstreamScheme = "https"
	}
	if c.UpstreamHost == "" && c.Region != "" {
		c.UpstreamHost = "speech." + c.Region + ".oci.oraclecloud.com"
	}
	if c.UpstreamPath == "" {
		c.UpstreamPath = DefaultUpstreamPath
	}
	c.Timeout = configutil.DurationValue(c.Timeout, DefaultTimeout)
	return c
}

// ConfigError reports a credential setting the proxy refuses to start with.
type ConfigError struct {
	Field   string
	Problem string
	Err     error
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("authproxy config: %s %s", e.Field, e.Problem)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

func configError(field, problem string, err error) error {
	return errorsx.ReasonedError{Err: &ConfigError{Field: field, Problem: problem, Err: err}, Reason: errorsx.ReasonConfigInvalid}
}

var placeholderMarkers = []string{"<", ">", "your_", "your-", "changeme", "placeholder", "xxxx"}

func isPlaceholder(v string) bool {
	lower := strings.ToLower(strings.TrimSpace(v))
	for _, m := range placeholderMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// Validate checks required values and rejects obvious placeholders.
func (c Config) Validate() error {
	fields := []struct{ name, value string }{
		{"region", c.Region},
		{"compartment_id", c.CompartmentID},
		{"tenancy", c.Tenancy},
		{"user", c.User},
		{"fingerprint", c.Fingerprint},
	}
	for _, f := range fields {
		if err := configutil.RequireString(f.value, f.name); err != nil {
			return configError(f.name, "is required", nil)
		}
		if isPlaceholder(f.value) {
			return configError(f.name, "holds a placeholder value", nil)
		}
	}
	if strings.TrimSpace(c.KeyFile) == "" && strings.TrimSpace(c.KeyPEM) == "" {
		return configError("key_file", "is required", nil)
	}
	return nil
}

func (c Config) keyID() signer.KeyID {
	return signer.KeyID{Tenancy: c.Tenancy, User: c.User, Fingerprint: c.Fingerprint}
}

// loadSigner reads the private key and builds the request signer.
func (c Config) loadSigner() (*signer.Signer, error) {
	pemBytes := []byte(c.KeyPEM)
	if len(pemBytes) == 0 {
		raw, err := os.ReadFile(c.KeyFile)
		if err != nil {
			return nil, configError("key_file", "cannot be read", err)
		}
		pemBytes = raw
	}
	s, err := signer.NewFromPEM(c.keyID(), pemBytes)
	if err != nil {
		return nil, configError("key_file", "is not a valid RSA private key", err)
	}
	return s, nil
}
