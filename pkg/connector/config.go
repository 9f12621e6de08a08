// Copyright 2024-2026 Aiku AI

package connector

import (
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// Compiled-in routing defaults.
const (
	DefaultKodeSatker   = "DEFAULT-SATKER"
	DefaultTeachTopic   = "grup"
	DefaultAdminAPIAddr = ":29320"
)

// ErrMissingBackendURL is returned when neither the config file nor the
// BACKEND_URL environment variable names the backend.
var ErrMissingBackendURL = errors.New("backend url is required (set BACKEND_URL)")

// Config holds the whole bridge configuration.
type Config struct {
	Backend   BackendConfig   `yaml:"backend"`
	Routing   RoutingConfig   `yaml:"routing"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	WhatsApp  WhatsAppConfig  `yaml:"whatsapp"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`

	// ConvertMarkdown rewrites markdown in backend replies to WhatsApp
	// markup before sending.
	ConvertMarkdown bool `yaml:"convert_markdown" env:"BOB_CONVERT_MARKDOWN"`
	// AdminAPIAddr is the listen address for the status API. Empty disables it.
	AdminAPIAddr string `yaml:"admin_api_addr" env:"BRIDGE_API_ADDR"`

	Logging zeroconfig.Config `yaml:"logging" env:"-"`
}

// BackendConfig describes the Bob application server.
type BackendConfig struct {
	URL string `yaml:"url" env:"BACKEND_URL"`
	// Timeout bounds each backend request. Zero disables the timeout.
	Timeout time.Duration `yaml:"timeout" env:"BACKEND_TIMEOUT"`
}

// RoutingConfig is the allow list and kode_satker table.
type RoutingConfig struct {
	AllowedSenders    []string          `yaml:"allowed_senders" env:"BOB_ALLOWED_SENDERS"`
	KodeSatker        map[string]string `yaml:"kode_satker" env:"BOB_KODE_SATKER"`
	DefaultKodeSatker string            `yaml:"default_kode_satker" env:"BOB_DEFAULT_KODE_SATKER"`
	TeachTopic        string            `yaml:"teach_topic"`
}

// ReconnectConfig controls the backoff between reconnect attempts.
type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       float64       `yaml:"jitter"`
	// MaxAttempts is the number of consecutive failed reconnects after
	// which the bridge gives up. Zero means retry forever.
	MaxAttempts int `yaml:"max_attempts" env:"RECONNECT_MAX_ATTEMPTS"`
}

// WhatsAppConfig configures the session transport.
type WhatsAppConfig struct {
	Database  DatabaseConfig `yaml:"database"`
	QRPNGPath string         `yaml:"qr_png_path" env:"WHATSAPP_QR_PNG"`
	OSName    string         `yaml:"os_name"`
}

// DatabaseConfig points at the credential store.
type DatabaseConfig struct {
	Type string `yaml:"type" env:"WHATSAPP_DB_TYPE"`
	URI  string `yaml:"uri" env:"WHATSAPP_DB_URI"`
}

// DispatchConfig controls how inbound batches are scheduled.
type DispatchConfig struct {
	SerializePerSender bool `yaml:"serialize_per_sender"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// ApplyEnv overlays environment variables onto the config. A nil environ
// reads the process environment.
func (c *Config) ApplyEnv(environ map[string]string) error {
	if err := env.ParseWithOptions(c, env.Options{Environment: environ}); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}
	return nil
}

// PostProcess fills defaults and validates the config.
func (c *Config) PostProcess() error {
	c.Backend.URL = strings.TrimRight(strings.TrimSpace(c.Backend.URL), "/")
	if c.Backend.URL == "" {
		return ErrMissingBackendURL
	}
	parsed, err := url.Parse(c.Backend.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("invalid backend url %q", c.Backend.URL)
	}
	if c.Backend.Timeout < 0 {
		return fmt.Errorf("backend timeout must not be negative")
	}
	if c.Routing.DefaultKodeSatker == "" {
		c.Routing.DefaultKodeSatker = DefaultKodeSatker
	}
	if c.Routing.TeachTopic == "" {
		c.Routing.TeachTopic = DefaultTeachTopic
	}
	if c.Reconnect.InitialDelay <= 0 {
		c.Reconnect.InitialDelay = time.Second
	}
	if c.Reconnect.MaxDelay < c.Reconnect.InitialDelay {
		c.Reconnect.MaxDelay = c.Reconnect.InitialDelay
	}
	if c.Reconnect.Multiplier < 1 {
		c.Reconnect.Multiplier = 2
	}
	if c.Reconnect.Jitter < 0 || c.Reconnect.Jitter > 1 {
		return fmt.Errorf("reconnect jitter must be between 0 and 1")
	}
	if c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("reconnect max_attempts must not be negative")
	}
	if c.WhatsApp.Database.Type == "" {
		c.WhatsApp.Database.Type = "sqlite3"
	}
	return nil
}

// LoadConfig reads the config file at path, upgrading it in place against
// the embedded example, then overlays the environment and validates.
func LoadConfig(path string, environ map[string]string) (*Config, error) {
	data, _, err := up.Do(path, true, &up.StructUpgrader{
		SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
		Base:           ExampleConfig,
	})
	if err != nil {
		return nil, err
	}
	return ParseConfig(data, environ)
}

// ParseConfig decodes a YAML document, overlays the environment and
// validates the result.
func ParseConfig(data []byte, environ map[string]string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.ApplyEnv(environ); err != nil {
		return nil, err
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "backend", "url")
	helper.Copy(up.Str, "backend", "timeout")
	helper.Copy(up.List, "routing", "allowed_senders")
	helper.Copy(up.Map, "routing", "kode_satker")
	helper.Copy(up.Str, "routing", "default_kode_satker")
	helper.Copy(up.Str, "routing", "teach_topic")
	helper.Copy(up.Str, "reconnect", "initial_delay")
	helper.Copy(up.Str, "reconnect", "max_delay")
	helper.Copy(up.Float|up.Int, "reconnect", "multiplier")
	helper.Copy(up.Float|up.Int, "reconnect", "jitter")
	helper.Copy(up.Int, "reconnect", "max_attempts")
	helper.Copy(up.Str, "whatsapp", "database", "type")
	helper.Copy(up.Str, "whatsapp", "database", "uri")
	helper.Copy(up.Str|up.Null, "whatsapp", "qr_png_path")
	helper.Copy(up.Str, "whatsapp", "os_name")
	helper.Copy(up.Bool, "dispatch", "serialize_per_sender")
	helper.Copy(up.Bool, "convert_markdown")
	helper.Copy(up.Str, "admin_api_addr")
	helper.Copy(up.Map, "logging")
}
