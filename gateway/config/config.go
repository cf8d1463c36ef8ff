package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Route groups the gateway applies rate limits to.
const (
	LimitIdentity = "identity"
	LimitRewards  = "rewards"
	LimitActions  = "actions"
)

type RateLimitConfig struct {
	ID                string  `yaml:"id" toml:"id"`
	RequestsPerMinute float64 `yaml:"requestsPerMinute" toml:"requests_per_minute"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

type ObservabilityConfig struct {
	ServiceName   string `yaml:"serviceName" toml:"service_name"`
	Metrics       bool   `yaml:"metrics" toml:"metrics"`
	Tracing       bool   `yaml:"tracing" toml:"tracing"`
	LogRequests   bool   `yaml:"logRequests" toml:"log_requests"`
	MetricsPrefix string `yaml:"metricsPrefix" toml:"metrics_prefix"`
}

// NotificationsConfig sizes the websocket fan-out of action outcomes.
type NotificationsConfig struct {
	BufferSize   int           `yaml:"bufferSize" toml:"buffer_size"`
	WriteTimeout time.Duration `yaml:"writeTimeout" toml:"write_timeout"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowedOrigins" toml:"allowed_origins"`
}

type Config struct {
	ListenAddress string              `yaml:"listen" toml:"listen"`
	ReadTimeout   time.Duration       `yaml:"readTimeout" toml:"read_timeout"`
	WriteTimeout  time.Duration       `yaml:"writeTimeout" toml:"write_timeout"`
	IdleTimeout   time.Duration       `yaml:"idleTimeout" toml:"idle_timeout"`
	RateLimits    []RateLimitConfig   `yaml:"rateLimits" toml:"rate_limits"`
	Observability ObservabilityConfig `yaml:"observability" toml:"observability"`
	Notifications NotificationsConfig `yaml:"notifications" toml:"notifications"`
	CORS          CORSConfig          `yaml:"cors" toml:"cors"`
	Auth          AuthConfig          `yaml:"auth" toml:"auth"`
	Security      SecurityConfig      `yaml:"security" toml:"security"`
}

type AuthConfig struct {
	Enabled           bool          `yaml:"enabled" toml:"enabled"`
	HMACSecret        string        `yaml:"hmacSecret" toml:"hmac_secret"`
	Issuer            string        `yaml:"issuer" toml:"issuer"`
	Audience          string        `yaml:"audience" toml:"audience"`
	ScopeClaim        string        `yaml:"scopeClaim" toml:"scope_claim"`
	OptionalPaths     []string      `yaml:"optionalPaths" toml:"optional_paths"`
	AllowAnonymous    bool          `yaml:"allowAnonymous" toml:"allow_anonymous"`
	ClockSkew         time.Duration `yaml:"clockSkew" toml:"clock_skew"`
	allowAnonymousSet bool
	enabledSet        bool
}

func (a *AuthConfig) UnmarshalYAML(node *yaml.Node) error {
	type rawAuthConfig struct {
		Enabled        *bool         `yaml:"enabled"`
		HMACSecret     string        `yaml:"hmacSecret"`
		Issuer         string        `yaml:"issuer"`
		Audience       string        `yaml:"audience"`
		ScopeClaim     string        `yaml:"scopeClaim"`
		OptionalPaths  []string      `yaml:"optionalPaths"`
		AllowAnonymous *bool         `yaml:"allowAnonymous"`
		ClockSkew      time.Duration `yaml:"clockSkew"`
	}
	var raw rawAuthConfig
	if err := node.Decode(&raw); err != nil {
		return err
	}
	a.setEnabled(raw.Enabled)
	a.setAllowAnonymous(raw.AllowAnonymous)
	a.HMACSecret = raw.HMACSecret
	a.Issuer = raw.Issuer
	a.Audience = raw.Audience
	a.ScopeClaim = raw.ScopeClaim
	a.OptionalPaths = raw.OptionalPaths
	a.ClockSkew = raw.ClockSkew
	return nil
}

// UnmarshalTOML decodes the [gateway.auth] table, remembering which of the
// security-relevant switches were written explicitly.
func (a *AuthConfig) UnmarshalTOML(data any) error {
	table, ok := data.(map[string]any)
	if !ok {
		return fmt.Errorf("auth: expected a table, got %T", data)
	}
	var enabled, anonymous *bool
	for key, value := range table {
		var err error
		switch key {
		case "enabled":
			enabled, err = tomlBool(key, value)
		case "allow_anonymous":
			anonymous, err = tomlBool(key, value)
		case "hmac_secret":
			a.HMACSecret, err = tomlString(key, value)
		case "issuer":
			a.Issuer, err = tomlString(key, value)
		case "audience":
			a.Audience, err = tomlString(key, value)
		case "scope_claim":
			a.ScopeClaim, err = tomlString(key, value)
		case "optional_paths":
			a.OptionalPaths, err = tomlStrings(key, value)
		case "clock_skew":
			a.ClockSkew, err = tomlDuration(key, value)
		default:
			err = fmt.Errorf("auth: unknown key %q", key)
		}
		if err != nil {
			return err
		}
	}
	a.setEnabled(enabled)
	a.setAllowAnonymous(anonymous)
	return nil
}

func (a *AuthConfig) setEnabled(v *bool) {
	if v != nil {
		a.Enabled = *v
		a.enabledSet = true
		return
	}
	a.Enabled = false
	a.enabledSet = false
}

func (a *AuthConfig) setAllowAnonymous(v *bool) {
	if v != nil {
		a.AllowAnonymous = *v
		a.allowAnonymousSet = true
		return
	}
	a.AllowAnonymous = false
	a.allowAnonymousSet = false
}

type SecurityConfig struct {
	TLSCertFile string `yaml:"tlsCertFile" toml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tlsKeyFile" toml:"tls_key_file"`
}

// Default returns the gateway settings used when no file overrides them.
func Default() Config {
	return Config{
		ListenAddress: ":8080",
		ReadTimeout:   30 * time.Second,
		WriteTimeout:  30 * time.Second,
		IdleTimeout:   120 * time.Second,
		RateLimits: []RateLimitConfig{
			{ID: LimitIdentity, RequestsPerMinute: 30, Burst: 5},
			{ID: LimitRewards, RequestsPerMinute: 30, Burst: 5},
			{ID: LimitActions, RequestsPerMinute: 240, Burst: 40},
		},
		Observability: ObservabilityConfig{
			ServiceName:   "chainid-gateway",
			Metrics:       true,
			Tracing:       true,
			LogRequests:   true,
			MetricsPrefix: "chainid_gateway",
		},
		Notifications: NotificationsConfig{
			BufferSize:   32,
			WriteTimeout: 5 * time.Second,
		},
		Auth: AuthConfig{
			Enabled:        true,
			ScopeClaim:     "scope",
			AllowAnonymous: false,
			ClockSkew:      2 * time.Minute,
			enabledSet:     true,
		},
	}
}

// Load reads a standalone YAML gateway file over Default.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		cfg.ApplyDefaults()
		if err := cfg.Validate(); err != nil {
			return Config{}, fmt.Errorf("validate config: %w", err)
		}
		return cfg, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills zero values left by a partial file.
func (cfg *Config) ApplyDefaults() {
	if cfg == nil {
		return
	}
	def := Default()
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = def.ListenAddress
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.Notifications.BufferSize <= 0 {
		cfg.Notifications.BufferSize = def.Notifications.BufferSize
	}
	if cfg.Notifications.WriteTimeout <= 0 {
		cfg.Notifications.WriteTimeout = def.Notifications.WriteTimeout
	}
	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = def.Observability.ServiceName
	}
	if cfg.Observability.MetricsPrefix == "" {
		cfg.Observability.MetricsPrefix = def.Observability.MetricsPrefix
	}
	cfg.applyAuthDefaults()
}

func (cfg *Config) applyAuthDefaults() {
	if !cfg.Auth.enabledSet {
		cfg.Auth.Enabled = true
		cfg.Auth.enabledSet = true
	}
	if cfg.Auth.ClockSkew <= 0 {
		cfg.Auth.ClockSkew = 2 * time.Minute
	}
	if cfg.Auth.ScopeClaim == "" {
		cfg.Auth.ScopeClaim = "scope"
	}
	if !cfg.Auth.allowAnonymousSet {
		cfg.Auth.AllowAnonymous = false
	}
}

var ErrAuthEnabledNotConfigured = errors.New("auth.enabled must be explicitly set for sensitive deployments")

func (cfg *Config) Validate() error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.isSensitiveDeployment() && !cfg.Auth.enabledSet {
		return ErrAuthEnabledNotConfigured
	}
	if cfg.Auth.AllowAnonymous && !cfg.Auth.allowAnonymousSet {
		return fmt.Errorf("auth.allowAnonymous must be explicitly set to true to enable anonymous access")
	}
	trimmed := make([]string, len(cfg.Auth.OptionalPaths))
	for i, path := range cfg.Auth.OptionalPaths {
		trimmedPath := strings.TrimSpace(path)
		if trimmedPath == "" {
			return fmt.Errorf("auth.optionalPaths[%d] cannot be empty", i)
		}
		if !strings.HasPrefix(trimmedPath, "/") {
			return fmt.Errorf("auth.optionalPaths[%d] must start with '/'", i)
		}
		trimmed[i] = trimmedPath
	}
	cfg.Auth.OptionalPaths = trimmed
	if cfg.Auth.Enabled && cfg.Auth.AllowAnonymous && len(cfg.Auth.OptionalPaths) == 0 {
		return fmt.Errorf("auth.optionalPaths must list at least one entry when auth.allowAnonymous is true")
	}
	seen := make(map[string]struct{}, len(cfg.RateLimits))
	for i, rl := range cfg.RateLimits {
		id := strings.TrimSpace(rl.ID)
		if id == "" {
			return fmt.Errorf("rateLimits[%d].id cannot be empty", i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("rateLimits[%d]: duplicate id %q", i, id)
		}
		seen[id] = struct{}{}
		if rl.RequestsPerMinute < 0 || rl.Burst < 0 {
			return fmt.Errorf("rateLimits[%d]: limits must not be negative", i)
		}
	}
	if (cfg.Security.TLSCertFile == "") != (cfg.Security.TLSKeyFile == "") {
		return fmt.Errorf("security.tlsCertFile and security.tlsKeyFile must be set together")
	}
	return nil
}

// RequireSecret reports whether the configuration can authenticate requests
// at all. Serving with auth enabled and no secret rejects every call.
func (cfg Config) RequireSecret() error {
	if cfg.Auth.Enabled && strings.TrimSpace(cfg.Auth.HMACSecret) == "" {
		return fmt.Errorf("auth.hmacSecret is required when auth is enabled")
	}
	return nil
}

func (cfg *Config) isSensitiveDeployment() bool {
	if cfg == nil {
		return false
	}
	return strings.TrimSpace(cfg.Security.TLSCertFile) != "" ||
		strings.TrimSpace(cfg.Security.TLSKeyFile) != ""
}

// EnforceSecureScheme ensures the supplied URL uses HTTPS outside of the dev environment.
// If autoUpgrade is enabled, insecure HTTP URLs are transparently upgraded to HTTPS.
// The returned boolean indicates whether an upgrade occurred.
func EnforceSecureScheme(env string, target *url.URL, autoUpgrade bool) (*url.URL, bool, error) {
	if target == nil {
		return nil, false, fmt.Errorf("target URL is nil")
	}
	scheme := strings.ToLower(strings.TrimSpace(target.Scheme))
	switch scheme {
	case "https":
		return target, false, nil
	case "http":
		if isDevEnv(env) {
			return target, false, nil
		}
		if autoUpgrade {
			upgraded := *target
			upgraded.Scheme = "https"
			return &upgraded, true, nil
		}
		if strings.TrimSpace(env) == "" {
			env = "(unset)"
		}
		return nil, false, fmt.Errorf("plaintext HTTP endpoints are not permitted for environment %s", env)
	case "":
		return nil, false, fmt.Errorf("URL scheme is required")
	default:
		return nil, false, fmt.Errorf("unsupported URL scheme %q", target.Scheme)
	}
}

func isDevEnv(env string) bool {
	return strings.EqualFold(strings.TrimSpace(env), "dev")
}

func tomlBool(key string, v any) (*bool, error) {
	b, ok := v.(bool)
	if !ok {
		return nil, fmt.Errorf("auth.%s: expected a boolean, got %T", key, v)
	}
	return &b, nil
}

func tomlString(key string, v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("auth.%s: expected a string, got %T", key, v)
	}
	return s, nil
}

func tomlStrings(key string, v any) ([]string, error) {
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("auth.%s: expected an array, got %T", key, v)
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, err := tomlString(key, item)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func tomlDuration(key string, v any) (time.Duration, error) {
	switch val := v.(type) {
	case string:
		d, err := time.ParseDuration(val)
		if err != nil {
			return 0, fmt.Errorf("auth.%s: %w", key, err)
		}
		return d, nil
	case int64:
		return time.Duration(val), nil
	default:
		return 0, fmt.Errorf("auth.%s: expected a duration, got %T", key, v)
	}
}
