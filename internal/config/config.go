// Package config handles configuration loading with environment variable
// expansion. JSON is the canonical syntax; files with a .yaml or .yml
// extension parse against the same schema.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"

	throttle "github.com/throttleproxy/throttle/internal"
)

// Config is the top-level proxy configuration.
type Config struct {
	Mode             string                     `json:"mode" yaml:"mode"`
	Providers        map[string]*ProviderConfig `json:"providers" yaml:"providers"`
	Aliases          map[string]string          `json:"aliases" yaml:"aliases"`
	Classifier       ClassifierConfig           `json:"classifier" yaml:"classifier"`
	ModelCatalogPath string                     `json:"modelCatalogPath" yaml:"modelCatalogPath"`
	RoutingTablePath string                     `json:"routingTablePath" yaml:"routingTablePath"`
	Logging          LoggingConfig              `json:"logging" yaml:"logging"`
	HTTP             HTTPConfig                 `json:"http" yaml:"http"`
	Session          SessionConfig              `json:"session" yaml:"session"`
	Dedup            DedupConfig                `json:"dedup" yaml:"dedup"`
	RateLimit        RateLimitConfig            `json:"rateLimit" yaml:"rateLimit"`
	Telemetry        TelemetryConfig            `json:"telemetry" yaml:"telemetry"`
}

// ProviderConfig binds one provider tag to its endpoint and credentials.
// SetupToken, PreferSetupToken and AuthType apply to the Anthropic
// provider only.
type ProviderConfig struct {
	APIKey           string `json:"apiKey" yaml:"apiKey"`
	BaseURL          string `json:"baseUrl" yaml:"baseUrl"`
	SetupToken       string `json:"setupToken,omitempty" yaml:"setupToken"`
	PreferSetupToken bool   `json:"preferSetupToken,omitempty" yaml:"preferSetupToken"`
	AuthType         string `json:"authType,omitempty" yaml:"authType"` // api-key, bearer, auto
}

// ClassifierConfig holds the scorer's tunables.
type ClassifierConfig struct {
	WeightsPath string     `json:"weightsPath" yaml:"weightsPath"` // empty = built-in defaults
	Thresholds  Thresholds `json:"thresholds" yaml:"thresholds"`
}

// Thresholds are the tier boundaries on the composite score.
type Thresholds struct {
	SimpleMax  float64 `json:"simpleMax" yaml:"simpleMax"`
	ComplexMin float64 `json:"complexMin" yaml:"complexMin"`
}

// LoggingConfig controls the server log level and the routing-log path.
type LoggingConfig struct {
	Level       string `json:"level" yaml:"level"`
	LogFilePath string `json:"logFilePath" yaml:"logFilePath"`
}

// HTTPConfig holds listener settings. The proxy binds loopback unless a
// host is set explicitly.
type HTTPConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Host    string `json:"host" yaml:"host"`
	Port    int    `json:"port" yaml:"port"`
}

// Addr returns the host:port bind address.
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// SessionConfig holds session-pin expiry settings.
type SessionConfig struct {
	IdleTimeoutMinutes int `json:"idleTimeoutMinutes" yaml:"idleTimeoutMinutes"`
}

// IdleTimeout returns the idle interval after which a pin expires.
func (s SessionConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutMinutes) * time.Minute
}

// DedupConfig holds completed-entry cache settings.
type DedupConfig struct {
	TTLSeconds int `json:"ttlSeconds" yaml:"ttlSeconds"`
}

// TTL returns how long a completed response stays replayable.
func (d DedupConfig) TTL() time.Duration {
	return time.Duration(d.TTLSeconds) * time.Second
}

// RateLimitConfig holds the per-model cooldown applied on upstream 429s.
type RateLimitConfig struct {
	CooldownSeconds int `json:"cooldownSeconds" yaml:"cooldownSeconds"`
}

// Cooldown returns the duration a 429'd model sits out of routing.
func (r RateLimitConfig) Cooldown() time.Duration {
	return time.Duration(r.CooldownSeconds) * time.Second
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `json:"enabled" yaml:"enabled"`
	Endpoint   string  `json:"endpoint" yaml:"endpoint"`     // OTLP gRPC endpoint
	SampleRate float64 `json:"sampleRate" yaml:"sampleRate"` // 0.0 to 1.0
}

// RoutingMode returns the canonical routing mode. Load has already
// validated and normalized the field.
func (c *Config) RoutingMode() throttle.Mode {
	return throttle.Mode(c.Mode)
}

// Provider returns the configuration block for the given tag, or nil.
func (c *Config) Provider(tag throttle.ProviderTag) *ProviderConfig {
	return c.Providers[string(tag)]
}

// Configured reports whether a provider can serve traffic: a base URL
// plus a credential for backends that require one. Anthropic counts as
// configured with either its API key or its setup token.
func (c *Config) Configured(tag throttle.ProviderTag) bool {
	p := c.Providers[string(tag)]
	if p == nil || p.BaseURL == "" {
		return false
	}
	if !tag.RequiresKey() {
		return true
	}
	if tag == throttle.ProviderAnthropic {
		return p.APIKey != "" || p.SetupToken != ""
	}
	return p.APIKey != ""
}

// defaultBaseURLs fill in provider endpoints when the file omits them.
var defaultBaseURLs = map[throttle.ProviderTag]string{
	throttle.ProviderAnthropic: "https://api.anthropic.com",
	throttle.ProviderGoogle:    "https://generativelanguage.googleapis.com",
	throttle.ProviderOpenAI:    "https://api.openai.com",
	throttle.ProviderDeepSeek:  "https://api.deepseek.com",
	throttle.ProviderXAI:       "https://api.x.ai",
	throttle.ProviderMoonshot:  "https://api.moonshot.ai",
	throttle.ProviderMistral:   "https://api.mistral.ai",
	throttle.ProviderOllama:    "http://localhost:11434",
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a config file, expanding environment variables
// and applying env-var overrides for mode and provider credentials.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := Default()

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when the file omits a field.
func Default() *Config {
	return &Config{
		Mode:      "standard",
		Providers: map[string]*ProviderConfig{},
		Aliases:   map[string]string{},
		Classifier: ClassifierConfig{
			Thresholds: Thresholds{SimpleMax: 0.30, ComplexMin: 0.65},
		},
		Logging: LoggingConfig{
			Level:       "info",
			LogFilePath: "throttle.jsonl",
		},
		HTTP: HTTPConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8484,
		},
		Session:   SessionConfig{IdleTimeoutMinutes: 30},
		Dedup:     DedupConfig{TTLSeconds: 30},
		RateLimit: RateLimitConfig{CooldownSeconds: 60},
	}
}

// envKeyOverrides maps provider tags to the env vars that supply their
// API key, in precedence order.
var envKeyOverrides = map[throttle.ProviderTag][]string{
	throttle.ProviderAnthropic: {"ANTHROPIC_API_KEY"},
	throttle.ProviderGoogle:    {"GOOGLE_API_KEY", "GEMINI_API_KEY"},
	throttle.ProviderOpenAI:    {"OPENAI_API_KEY"},
	throttle.ProviderDeepSeek:  {"DEEPSEEK_API_KEY"},
	throttle.ProviderXAI:       {"XAI_API_KEY"},
	throttle.ProviderMoonshot:  {"MOONSHOT_API_KEY"},
	throttle.ProviderMistral:   {"MISTRAL_API_KEY"},
	throttle.ProviderOllama:    {"OLLAMA_API_KEY"},
}

// applyEnvOverrides lets THROTTLE_MODE and per-provider key vars beat the
// file, creating provider blocks that exist only in the environment.
func (c *Config) applyEnvOverrides() {
	if v, ok := os.LookupEnv("THROTTLE_MODE"); ok && v != "" {
		c.Mode = v
	}
	for tag, names := range envKeyOverrides {
		for _, name := range names {
			v, ok := os.LookupEnv(name)
			if !ok || v == "" {
				continue
			}
			p := c.Providers[string(tag)]
			if p == nil {
				p = &ProviderConfig{}
				c.Providers[string(tag)] = p
			}
			p.APIKey = v
			break
		}
	}
	if v, ok := os.LookupEnv("ANTHROPIC_SETUP_TOKEN"); ok && v != "" {
		p := c.Providers[string(throttle.ProviderAnthropic)]
		if p == nil {
			p = &ProviderConfig{}
			c.Providers[string(throttle.ProviderAnthropic)] = p
		}
		p.SetupToken = v
	}
}

// normalize validates enumerations, canonicalizes the mode name, fills
// default base URLs, and clears credentials left as unexpanded ${VAR}
// placeholders so they never count as configured.
func (c *Config) normalize() error {
	mode, ok := throttle.ParseMode(c.Mode)
	if !ok {
		return fmt.Errorf("config: unknown mode %q", c.Mode)
	}
	c.Mode = string(mode)

	for name, p := range c.Providers {
		tag, ok := throttle.ParseProviderTag(name)
		if !ok {
			return fmt.Errorf("config: unknown provider %q", name)
		}
		if p == nil {
			p = &ProviderConfig{}
			c.Providers[name] = p
		}
		if envPattern.MatchString(p.APIKey) {
			p.APIKey = ""
		}
		if envPattern.MatchString(p.SetupToken) {
			p.SetupToken = ""
		}
		if p.BaseURL == "" {
			p.BaseURL = defaultBaseURLs[tag]
		}
		p.BaseURL = strings.TrimRight(p.BaseURL, "/")
		if tag == throttle.ProviderAnthropic {
			switch p.AuthType {
			case "":
				p.AuthType = "auto"
			case "api-key", "bearer", "auto":
			default:
				return fmt.Errorf("config: anthropic authType %q not one of api-key, bearer, auto", p.AuthType)
			}
		}
	}

	t := c.Classifier.Thresholds
	if t.SimpleMax < 0 || t.ComplexMin > 1 || t.SimpleMax >= t.ComplexMin {
		return fmt.Errorf("config: classifier thresholds simpleMax=%v complexMin=%v must satisfy 0 <= simpleMax < complexMin <= 1", t.SimpleMax, t.ComplexMin)
	}

	if c.HTTP.Enabled && (c.HTTP.Port < 1 || c.HTTP.Port > 65535) {
		return fmt.Errorf("config: http port %d out of range", c.HTTP.Port)
	}
	if c.Session.IdleTimeoutMinutes <= 0 {
		c.Session.IdleTimeoutMinutes = 30
	}
	if c.Dedup.TTLSeconds <= 0 {
		c.Dedup.TTLSeconds = 30
	}
	if c.RateLimit.CooldownSeconds <= 0 {
		c.RateLimit.CooldownSeconds = 60
	}
	if c.Telemetry.Tracing.SampleRate < 0 || c.Telemetry.Tracing.SampleRate > 1 {
		return fmt.Errorf("config: tracing sampleRate %v out of range", c.Telemetry.Tracing.SampleRate)
	}
	return nil
}
