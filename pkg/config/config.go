package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultRequestTemplate frames a DoH POST over HTTP/1.1. {{host}}, {{path}} and
// {{length}} are substituted per request; the DNS message follows the blank line.
const DefaultRequestTemplate = "POST {{path}} HTTP/1.1\r\n" +
	"Host: {{host}}\r\n" +
	"Accept: application/dns-message\r\n" +
	"Content-Type: application/dns-message\r\n" +
	"Content-Length: {{length}}\r\n" +
	"\r\n"

// Config holds the application configuration
type Config struct {
	// Server settings
	Server ServerConfig `yaml:"server"`

	// Encrypted upstream resolver
	Upstream UpstreamConfig `yaml:"upstream"`

	// Trust anchor for the upstream session
	TLS TLSConfig `yaml:"tls"`

	// Plaintext resolvers used when the encrypted session is unavailable
	FallbackServers []string `yaml:"fallback_servers"`
	FallbackOnly    bool     `yaml:"fallback_only"`

	// Resolvers used to look up upstream and blocklist host names
	BootstrapServers []string `yaml:"bootstrap_servers"`

	// Filtering
	Filter FilterConfig `yaml:"filter"`

	// Conditional plaintext forwarding
	Forwarders []ForwardingRule `yaml:"forwarders"`

	// Cache settings
	Cache CacheConfig `yaml:"cache"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Telemetry (OTEL)
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds the local listener settings
type ServerConfig struct {
	ListenAddress string          `yaml:"listen_address"`
	Workers       int             `yaml:"workers"`
	QueueSize     int             `yaml:"queue_size"`
	StatsInterval time.Duration   `yaml:"stats_interval"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitAction is what happens to a query over its client's limit.
type RateLimitAction string

const (
	// RateLimitActionDrop discards the query silently.
	RateLimitActionDrop RateLimitAction = "drop"
	// RateLimitActionNXDOMAIN answers with a synthetic NXDOMAIN.
	RateLimitActionNXDOMAIN RateLimitAction = "nxdomain"
)

// RateLimitConfig throttles queries per client address.
type RateLimitConfig struct {
	Enabled           bool                `yaml:"enabled"`
	RequestsPerSecond float64             `yaml:"requests_per_second"`
	Burst             int                 `yaml:"burst"`
	Action            RateLimitAction     `yaml:"action"`
	CleanupInterval   time.Duration       `yaml:"cleanup_interval"`
	MaxTrackedClients int                 `yaml:"max_tracked_clients"`
	Overrides         []RateLimitOverride `yaml:"overrides"`
}

// RateLimitOverride replaces the limits for specific clients or networks.
// Unset fields inherit the global values.
type RateLimitOverride struct {
	Name              string   `yaml:"name"`
	Clients           []string `yaml:"clients"`
	CIDRs             []string `yaml:"cidrs"`
	RequestsPerSecond *float64 `yaml:"requests_per_second"`
	Burst             *int     `yaml:"burst"`
}

// UpstreamConfig describes the DoH resolver a session connects to.
type UpstreamConfig struct {
	Name              string        `yaml:"name"`
	Address           string        `yaml:"address"` // host:port dialed for the TLS session
	Host              string        `yaml:"host"`    // HTTP Host and certificate name
	Path              string        `yaml:"path"`
	SNI               bool          `yaml:"sni"`
	RequestTemplate   string        `yaml:"request_template"`
	IOTimeout         time.Duration `yaml:"io_timeout"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// TLSConfig holds trust anchor settings
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
}

// FilterConfig holds the admission policy flags and domain lists
type FilterConfig struct {
	AllowAllQueries bool              `yaml:"allow_all_queries"`
	IPv6            bool              `yaml:"ipv6"`
	NoFilter        bool              `yaml:"no_filter"`
	Whitelist       []string          `yaml:"whitelist"`
	Blocklists      []BlocklistSource `yaml:"blocklists"`
	Patterns        []string          `yaml:"patterns"`
	Rules           []Rule            `yaml:"rules"`
	UpdateInterval  time.Duration     `yaml:"update_interval"`
	AutoUpdate      bool              `yaml:"auto_update"`
}

// BlocklistSource is a labelled blocklist, fetched over http(s) or read from a local file.
type BlocklistSource struct {
	Label string `yaml:"label"`
	URL   string `yaml:"url"`
}

// Rule is an expression evaluated against every admitted query name.
type Rule struct {
	Name    string `yaml:"name"`
	Logic   string `yaml:"logic"`
	Action  string `yaml:"action"` // BLOCK (default) or ALLOW
	Enabled bool   `yaml:"enabled"`
}

// CacheConfig holds cache settings
type CacheConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxEntries  int           `yaml:"max_entries"`
	Shards      int           `yaml:"shards"` // lock stripes, 1 disables sharding
	TTL         time.Duration `yaml:"ttl"`
	NegativeTTL time.Duration `yaml:"negative_ttl"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level     string `yaml:"level"`      // debug, info, warn, error
	Format    string `yaml:"format"`     // json, text
	Output    string `yaml:"output"`     // stdout, stderr, file
	FilePath  string `yaml:"file_path"`  // if output=file
	AddSource bool   `yaml:"add_source"` // include source file/line
}

// TelemetryConfig holds OpenTelemetry settings
type TelemetryConfig struct {
	Enabled           bool   `yaml:"enabled"`
	ServiceName       string `yaml:"service_name"`
	ServiceVersion    string `yaml:"service_version"`
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	PrometheusPort    int    `yaml:"prometheus_port"`
	TracingEnabled    bool   `yaml:"tracing_enabled"`
}

// Load reads path, fills in defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML document. Unknown keys are rejected so typos do not
// silently fall back to defaults.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{Cache: CacheConfig{Enabled: true}}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadWithDefaults returns the built-in configuration.
func LoadWithDefaults() *Config {
	cfg := &Config{Cache: CacheConfig{Enabled: true}}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults sets default values for unset configuration fields
func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = "127.1.1.1:53"
	}
	if c.Server.Workers == 0 {
		c.Server.Workers = 4
	}
	if c.Server.QueueSize == 0 {
		c.Server.QueueSize = 64
	}
	if c.Server.StatsInterval == 0 {
		c.Server.StatsInterval = 5 * time.Minute
	}
	if c.Server.RateLimit.RequestsPerSecond == 0 {
		c.Server.RateLimit.RequestsPerSecond = 50
	}
	if c.Server.RateLimit.Burst == 0 {
		c.Server.RateLimit.Burst = 100
	}
	if c.Server.RateLimit.Action == "" {
		c.Server.RateLimit.Action = RateLimitActionDrop
	}
	if c.Server.RateLimit.CleanupInterval == 0 {
		c.Server.RateLimit.CleanupInterval = 5 * time.Minute
	}
	if c.Server.RateLimit.MaxTrackedClients == 0 {
		c.Server.RateLimit.MaxTrackedClients = 10000
	}

	// Upstream defaults (Cloudflare)
	if c.Upstream.Address == "" {
		c.Upstream.Name = "cloudflare"
		c.Upstream.Address = "1.1.1.1:443"
		c.Upstream.Host = "cloudflare-dns.com"
		c.Upstream.SNI = true
	}
	if c.Upstream.Name == "" {
		c.Upstream.Name = c.Upstream.Host
	}
	if c.Upstream.Path == "" {
		c.Upstream.Path = "/dns-query"
	}
	if c.Upstream.RequestTemplate == "" {
		c.Upstream.RequestTemplate = DefaultRequestTemplate
	}
	if c.Upstream.IOTimeout == 0 {
		c.Upstream.IOTimeout = 5 * time.Second
	}
	if c.Upstream.KeepaliveInterval == 0 {
		c.Upstream.KeepaliveInterval = 30 * time.Second
	}
	if c.Upstream.ReconnectInterval == 0 {
		c.Upstream.ReconnectInterval = 10 * time.Second
	}

	if len(c.FallbackServers) == 0 {
		c.FallbackServers = []string{"9.9.9.9:53"}
	}

	// Filter defaults
	if c.Filter.UpdateInterval == 0 {
		c.Filter.UpdateInterval = 24 * time.Hour
	}

	// Cache defaults
	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = 10000
	}
	if c.Cache.Shards == 0 {
		c.Cache.Shards = 16
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = 40 * time.Minute
	}
	if c.Cache.NegativeTTL == 0 {
		c.Cache.NegativeTTL = 10 * time.Minute
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	// Telemetry defaults
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "doh-gateway"
	}
	if c.Telemetry.ServiceVersion == "" {
		c.Telemetry.ServiceVersion = "dev"
	}
	if c.Telemetry.PrometheusPort == 0 {
		c.Telemetry.PrometheusPort = 9090
	}
}

// Validate returns the first invalid setting as a *ConfigError.
func (c *Config) Validate() error {
	if c.Server.ListenAddress == "" {
		return &ConfigError{Field: "server.listen_address", Message: "cannot be empty"}
	}
	if c.Server.Workers < 1 {
		return &ConfigError{Field: "server.workers", Message: "at least one worker is required"}
	}

	switch c.Server.RateLimit.Action {
	case RateLimitActionDrop, RateLimitActionNXDOMAIN:
	default:
		return &ConfigError{Field: "server.rate_limit.action", Message: "must be drop or nxdomain"}
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return &ConfigError{Field: "server.rate_limit.requests_per_second", Message: "must be positive"}
	}

	if c.Upstream.Address == "" {
		return &ConfigError{Field: "upstream.address", Message: "cannot be empty"}
	}
	if c.Upstream.Host == "" {
		return &ConfigError{Field: "upstream.host", Message: "cannot be empty"}
	}
	if !strings.Contains(c.Upstream.RequestTemplate, "{{length}}") {
		return &ConfigError{Field: "upstream.request_template", Message: "must embed {{length}}"}
	}
	if !strings.HasSuffix(c.Upstream.RequestTemplate, "\r\n\r\n") {
		return &ConfigError{Field: "upstream.request_template", Message: "must end with an empty line"}
	}

	if len(c.FallbackServers) == 0 && c.FallbackOnly {
		return &ConfigError{Field: "fallback_servers", Message: "required in fallback-only mode"}
	}

	for i := range c.Filter.Blocklists {
		if c.Filter.Blocklists[i].URL == "" {
			return &ConfigError{Field: "filter.blocklists", Message: "blocklist url cannot be empty"}
		}
	}
	for i := range c.Filter.Rules {
		if c.Filter.Rules[i].Name == "" || c.Filter.Rules[i].Logic == "" {
			return &ConfigError{Field: "filter.rules", Message: "rule name and logic are required"}
		}
		switch strings.ToUpper(c.Filter.Rules[i].Action) {
		case "", "BLOCK", "ALLOW":
		default:
			return &ConfigError{Field: "filter.rules", Message: "action must be BLOCK or ALLOW"}
		}
	}

	for i := range c.Forwarders {
		if err := c.Forwarders[i].Validate(); err != nil {
			return err
		}
	}

	if c.Cache.MaxEntries < 1 {
		return &ConfigError{Field: "cache.max_entries", Message: "must be positive"}
	}
	if c.Cache.Shards < 1 {
		return &ConfigError{Field: "cache.shards", Message: "must be positive"}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return &ConfigError{Field: "logging.level", Message: fmt.Sprintf("%q is not debug, info, warn or error", c.Logging.Level)}
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return &ConfigError{Field: "logging.format", Message: fmt.Sprintf("%q is not json or text", c.Logging.Format)}
	}
	switch c.Logging.Output {
	case "stdout", "stderr":
	case "file":
		if c.Logging.FilePath == "" {
			return &ConfigError{Field: "logging.file_path", Message: "required when output is file"}
		}
	default:
		return &ConfigError{Field: "logging.output", Message: fmt.Sprintf("%q is not stdout, stderr or file", c.Logging.Output)}
	}

	return nil
}
