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

// Config is the market gateway configuration. It is loaded from YAML with a
// handful of deploy-time environment overrides (MARKET_GATEWAY_LISTEN,
// MARKET_GATEWAY_NODE_URL, MARKET_GATEWAY_NODE_TOKEN, MARKET_GATEWAY_DB_PATH,
// MARKET_GATEWAY_ENV) applied after decoding.
type Config struct {
	ListenAddress string        `yaml:"listen"`
	Environment   string        `yaml:"environment"`
	ReadTimeout   time.Duration `yaml:"readTimeout"`
	WriteTimeout  time.Duration `yaml:"writeTimeout"`
	IdleTimeout   time.Duration `yaml:"idleTimeout"`
	DatabasePath  string        `yaml:"databasePath"`

	Node          NodeConfig                 `yaml:"node"`
	APIKeys       []APIKeyConfig             `yaml:"apiKeys"`
	Signing       SigningConfig              `yaml:"signing"`
	AdminAuth     AdminAuthConfig            `yaml:"adminAuth"`
	RateLimits    map[string]RateLimitConfig `yaml:"rateLimits"`
	Webhooks      WebhookConfig              `yaml:"webhooks"`
	Watcher       WatcherConfig              `yaml:"watcher"`
	Observability ObservabilityConfig        `yaml:"observability"`
	CORS          CORSConfig                 `yaml:"cors"`
	Security      SecurityConfig             `yaml:"security"`
}

// NodeConfig locates the node RPC endpoint the gateway fronts.
type NodeConfig struct {
	URL       string        `yaml:"url"`
	AuthToken string        `yaml:"authToken"`
	Timeout   time.Duration `yaml:"timeout"`
}

// APIKeyConfig binds a merchant API key to its signing secret and the
// principal the gateway submits listings as.
type APIKeyConfig struct {
	Key       string `yaml:"key"`
	Secret    string `yaml:"secret"`
	Principal string `yaml:"principal"`
}

// SigningConfig tunes the HMAC replay-protection windows.
type SigningConfig struct {
	TimestampSkew time.Duration `yaml:"timestampSkew"`
	NonceTTL      time.Duration `yaml:"nonceTTL"`
	NonceCapacity int           `yaml:"nonceCapacity"`
}

// AdminAuthConfig controls JWT access to the operator console routes.
type AdminAuthConfig struct {
	Enabled        bool          `yaml:"enabled"`
	HMACSecret     string        `yaml:"hmacSecret"`
	Issuer         string        `yaml:"issuer"`
	Audience       string        `yaml:"audience"`
	ScopeClaim     string        `yaml:"scopeClaim"`
	OptionalPaths  []string      `yaml:"optionalPaths"`
	AllowAnonymous bool          `yaml:"allowAnonymous"`
	ClockSkew      time.Duration `yaml:"clockSkew"`

	enabledSet        bool `yaml:"-"`
	allowAnonymousSet bool `yaml:"-"`
}

// UnmarshalYAML tracks which security booleans were spelled out in the file so
// validation can insist on explicit choices for sensitive deployments.
func (a *AdminAuthConfig) UnmarshalYAML(node *yaml.Node) error {
	type rawAdminAuth struct {
		Enabled        *bool         `yaml:"enabled"`
		HMACSecret     string        `yaml:"hmacSecret"`
		Issuer         string        `yaml:"issuer"`
		Audience       string        `yaml:"audience"`
		ScopeClaim     string        `yaml:"scopeClaim"`
		OptionalPaths  []string      `yaml:"optionalPaths"`
		AllowAnonymous *bool         `yaml:"allowAnonymous"`
		ClockSkew      time.Duration `yaml:"clockSkew"`
	}
	var raw rawAdminAuth
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if raw.Enabled != nil {
		a.Enabled = *raw.Enabled
		a.enabledSet = true
	}
	a.HMACSecret = raw.HMACSecret
	a.Issuer = raw.Issuer
	a.Audience = raw.Audience
	a.ScopeClaim = raw.ScopeClaim
	a.OptionalPaths = raw.OptionalPaths
	if raw.AllowAnonymous != nil {
		a.AllowAnonymous = *raw.AllowAnonymous
		a.allowAnonymousSet = true
	}
	a.ClockSkew = raw.ClockSkew
	return nil
}

// RateLimitConfig mirrors middleware.RateLimit for YAML decoding.
type RateLimitConfig struct {
	RatePerSecond     float64        `yaml:"ratePerSecond"`
	RequestsPerMinute float64        `yaml:"requestsPerMinute"`
	Burst             int            `yaml:"burst"`
	DefaultTokens     int            `yaml:"defaultTokens"`
	Tokens            map[string]int `yaml:"tokens"`
}

// WebhookConfig bounds the delivery queue.
type WebhookConfig struct {
	QueueCapacity   int           `yaml:"queueCapacity"`
	HistoryCapacity int           `yaml:"historyCapacity"`
	TTL             time.Duration `yaml:"ttl"`
}

// WatcherConfig tunes the node event poller.
type WatcherConfig struct {
	PollInterval time.Duration `yaml:"pollInterval"`
	BatchSize    int           `yaml:"batchSize"`
}

// ObservabilityConfig toggles request telemetry.
type ObservabilityConfig struct {
	ServiceName string `yaml:"serviceName"`
	Enabled     bool   `yaml:"enabled"`
	LogRequests bool   `yaml:"logRequests"`
}

// CORSConfig mirrors middleware.CORSConfig for YAML decoding.
type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowedOrigins"`
	AllowedMethods   []string `yaml:"allowedMethods"`
	AllowedHeaders   []string `yaml:"allowedHeaders"`
	AllowCredentials bool     `yaml:"allowCredentials"`
}

// SecurityConfig carries the TLS material and scheme policy.
type SecurityConfig struct {
	AutoUpgradeHTTP bool   `yaml:"autoUpgradeHTTP"`
	TLSCertFile     string `yaml:"tlsCertFile"`
	TLSKeyFile      string `yaml:"tlsKeyFile"`
}

// Load reads the configuration file at path, applies defaults and environment
// overrides, and validates the result. An empty path loads defaults plus
// overrides only.
func Load(path string) (Config, error) {
	cfg := defaultConfig()
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	}
	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		ListenAddress: ":8081",
		Environment:   "dev",
		ReadTimeout:   30 * time.Second,
		WriteTimeout:  30 * time.Second,
		IdleTimeout:   120 * time.Second,
		DatabasePath:  "market-gateway.db",
		Node: NodeConfig{
			Timeout: 10 * time.Second,
		},
		Signing: SigningConfig{
			TimestampSkew: 2 * time.Minute,
			NonceCapacity: 4096,
		},
		AdminAuth: AdminAuthConfig{
			Enabled:    true,
			ScopeClaim: "scope",
			ClockSkew:  2 * time.Minute,
			enabledSet: true,
		},
		Webhooks: WebhookConfig{
			QueueCapacity:   1024,
			HistoryCapacity: 256,
			TTL:             15 * time.Minute,
		},
		Watcher: WatcherConfig{
			PollInterval: 5 * time.Second,
			BatchSize:    100,
		},
		Observability: ObservabilityConfig{
			ServiceName: "agora-market-gateway",
			Enabled:     true,
			LogRequests: true,
		},
	}
}

func (cfg *Config) applyEnvOverrides() {
	if v := strings.TrimSpace(os.Getenv("MARKET_GATEWAY_LISTEN")); v != "" {
		cfg.ListenAddress = v
	}
	if v := strings.TrimSpace(os.Getenv("MARKET_GATEWAY_NODE_URL")); v != "" {
		cfg.Node.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("MARKET_GATEWAY_NODE_TOKEN")); v != "" {
		cfg.Node.AuthToken = v
	}
	if v := strings.TrimSpace(os.Getenv("MARKET_GATEWAY_DB_PATH")); v != "" {
		cfg.DatabasePath = v
	}
	if v := strings.TrimSpace(os.Getenv("MARKET_GATEWAY_ENV")); v != "" {
		cfg.Environment = v
	}
}

func (cfg *Config) applyDefaults() {
	if cfg.Node.Timeout <= 0 {
		cfg.Node.Timeout = 10 * time.Second
	}
	if cfg.Signing.TimestampSkew <= 0 {
		cfg.Signing.TimestampSkew = 2 * time.Minute
	}
	if cfg.Signing.NonceTTL <= 0 {
		cfg.Signing.NonceTTL = 2 * cfg.Signing.TimestampSkew
	}
	if cfg.Signing.NonceTTL < cfg.Signing.TimestampSkew {
		cfg.Signing.NonceTTL = cfg.Signing.TimestampSkew
	}
	if !cfg.AdminAuth.enabledSet {
		cfg.AdminAuth.Enabled = true
		cfg.AdminAuth.enabledSet = true
	}
	if cfg.AdminAuth.ScopeClaim == "" {
		cfg.AdminAuth.ScopeClaim = "scope"
	}
	if cfg.AdminAuth.ClockSkew <= 0 {
		cfg.AdminAuth.ClockSkew = 2 * time.Minute
	}
	if !cfg.AdminAuth.allowAnonymousSet {
		cfg.AdminAuth.AllowAnonymous = false
	}
	if cfg.Webhooks.QueueCapacity <= 0 {
		cfg.Webhooks.QueueCapacity = 1024
	}
	if cfg.Webhooks.HistoryCapacity <= 0 {
		cfg.Webhooks.HistoryCapacity = 256
	}
	if cfg.Webhooks.TTL <= 0 {
		cfg.Webhooks.TTL = 15 * time.Minute
	}
	if cfg.Watcher.PollInterval <= 0 {
		cfg.Watcher.PollInterval = 5 * time.Second
	}
	if cfg.Watcher.BatchSize <= 0 {
		cfg.Watcher.BatchSize = 100
	}
}

// ErrAuthEnabledNotConfigured is returned when a TLS-bearing deployment leaves
// adminAuth.enabled implicit.
var ErrAuthEnabledNotConfigured = errors.New("adminAuth.enabled must be explicitly set for sensitive deployments")

func (cfg *Config) Validate() error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.Node.URL) == "" {
		return fmt.Errorf("node.url is required")
	}
	if _, err := url.Parse(cfg.Node.URL); err != nil {
		return fmt.Errorf("parse node.url: %w", err)
	}
	if len(cfg.APIKeys) == 0 {
		return fmt.Errorf("at least one API key is required")
	}
	seen := make(map[string]struct{}, len(cfg.APIKeys))
	for i, key := range cfg.APIKeys {
		switch {
		case strings.TrimSpace(key.Key) == "":
			return fmt.Errorf("apiKeys[%d].key cannot be empty", i)
		case strings.TrimSpace(key.Secret) == "":
			return fmt.Errorf("apiKeys[%d].secret cannot be empty", i)
		case strings.TrimSpace(key.Principal) == "":
			return fmt.Errorf("apiKeys[%d].principal cannot be empty", i)
		}
		if _, dup := seen[key.Key]; dup {
			return fmt.Errorf("apiKeys[%d].key %q duplicated", i, key.Key)
		}
		seen[key.Key] = struct{}{}
	}
	if cfg.isSensitiveDeployment() && !cfg.AdminAuth.enabledSet {
		return ErrAuthEnabledNotConfigured
	}
	if cfg.AdminAuth.AllowAnonymous && !cfg.AdminAuth.allowAnonymousSet {
		return fmt.Errorf("adminAuth.allowAnonymous must be explicitly set to true to enable anonymous access")
	}
	trimmed := make([]string, len(cfg.AdminAuth.OptionalPaths))
	for i, path := range cfg.AdminAuth.OptionalPaths {
		p := strings.TrimSpace(path)
		if p == "" {
			return fmt.Errorf("adminAuth.optionalPaths[%d] cannot be empty", i)
		}
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("adminAuth.optionalPaths[%d] must start with '/'", i)
		}
		trimmed[i] = p
	}
	cfg.AdminAuth.OptionalPaths = trimmed
	if cfg.AdminAuth.Enabled && cfg.AdminAuth.AllowAnonymous && len(cfg.AdminAuth.OptionalPaths) == 0 {
		return fmt.Errorf("adminAuth.optionalPaths must list at least one entry when adminAuth.allowAnonymous is true")
	}
	return nil
}

// NodeURL parses the node endpoint and applies the HTTPS policy for the
// configured environment.
func (cfg *Config) NodeURL() (*url.URL, error) {
	parsed, err := url.Parse(cfg.Node.URL)
	if err != nil {
		return nil, fmt.Errorf("parse node.url: %w", err)
	}
	secured, _, err := EnforceSecureScheme(cfg.Environment, parsed, cfg.Security.AutoUpgradeHTTP)
	if err != nil {
		return nil, err
	}
	return secured, nil
}

// Secrets returns the API key to secret map consumed by the HMAC
// authenticator.
func (cfg *Config) Secrets() map[string]string {
	out := make(map[string]string, len(cfg.APIKeys))
	for _, key := range cfg.APIKeys {
		out[key.Key] = key.Secret
	}
	return out
}

// Principals returns the API key to acting-principal map.
func (cfg *Config) Principals() map[string]string {
	out := make(map[string]string, len(cfg.APIKeys))
	for _, key := range cfg.APIKeys {
		out[key.Key] = key.Principal
	}
	return out
}

func (cfg *Config) isSensitiveDeployment() bool {
	if cfg.Security.AutoUpgradeHTTP {
		return true
	}
	if strings.TrimSpace(cfg.Security.TLSCertFile) != "" {
		return true
	}
	if strings.TrimSpace(cfg.Security.TLSKeyFile) != "" {
		return true
	}
	return false
}

// EnforceSecureScheme requires HTTPS for the supplied URL outside the dev
// environment. With autoUpgrade set, plain HTTP URLs are transparently
// rewritten to HTTPS; the returned boolean reports whether that happened.
func EnforceSecureScheme(env string, target *url.URL, autoUpgrade bool) (*url.URL, bool, error) {
	if target == nil {
		return nil, false, fmt.Errorf("target URL is nil")
	}
	switch strings.ToLower(strings.TrimSpace(target.Scheme)) {
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
