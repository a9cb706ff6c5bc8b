// Package config handles configuration loading for nettrace-guardian.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"nettrace-guardian/internal/archive"
	"nettrace-guardian/internal/blocklist"
	"nettrace-guardian/internal/detection"
	"nettrace-guardian/internal/dispatch"
	"nettrace-guardian/internal/firewall"
	"nettrace-guardian/internal/kafka"
	"nettrace-guardian/internal/response"
	"nettrace-guardian/internal/schema"
	"nettrace-guardian/internal/storage"
)

// DefaultPath is read when GUARDIAN_CONFIG_PATH is unset.
const DefaultPath = "configs/config.yaml"

// Config holds the complete application configuration.
type Config struct {
	Detection DetectionConfig `yaml:"detection"`
	Response  ResponseConfig  `yaml:"response"`
	Dispatch  dispatch.Config `yaml:"dispatch"`
	Ingest    IngestConfig    `yaml:"ingest" validate:"-"`
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging"`

	// Optional integrations are validated only when enabled.
	Kafka    KafkaConfig    `yaml:"kafka" validate:"-"`
	Redis    RedisConfig    `yaml:"redis" validate:"-"`
	Storage  StorageConfig  `yaml:"storage" validate:"-"`
	Archive  ArchiveConfig  `yaml:"archive" validate:"-"`
	Firewall FirewallConfig `yaml:"firewall" validate:"-"`
}

// ThresholdConfig is the file form of one detection rule.
type ThresholdConfig struct {
	Type     string        `yaml:"type" validate:"required,oneof=syn udp icmp other"`
	Scope    string        `yaml:"scope" validate:"omitempty,oneof=source aggregate"`
	MaxRate  float64       `yaml:"max_rate" validate:"gt=0"`
	Window   time.Duration `yaml:"window" validate:"gt=0"`
	Capacity int           `yaml:"capacity" validate:"gte=0"`
}

// DetectionConfig holds detection engine settings.
type DetectionConfig struct {
	Thresholds     []ThresholdConfig `yaml:"thresholds" validate:"required,min=1,dive"`
	RecoveryWindow time.Duration     `yaml:"recovery_window" validate:"gte=0"`
	IdleTTL        time.Duration     `yaml:"idle_ttl" validate:"gt=0"`
	SweepInterval  time.Duration     `yaml:"sweep_interval" validate:"gt=0"`
	Shards         int               `yaml:"shards" validate:"gte=0"`
}

// ResponseConfig holds response pipeline settings.
type ResponseConfig struct {
	response.PipelineConfig `yaml:",inline"`

	// Handlers are run in order for every dispatched event.
	Handlers   []string         `yaml:"handlers" validate:"required,min=1,unique,dive,oneof=log rate_limit block archive"`
	Directives DirectivesConfig `yaml:"directives"`
}

// DirectivesConfig holds directive handler settings.
type DirectivesConfig struct {
	RateLimitTTL    time.Duration `yaml:"rate_limit_ttl" validate:"gt=0"`
	RateLimitFactor float64       `yaml:"rate_limit_factor" validate:"gt=0"`
	BlockTTL        time.Duration `yaml:"block_ttl" validate:"gt=0"`
	// Sinks receive every directive.
	Sinks []string `yaml:"sinks" validate:"unique,dive,oneof=log kafka redis firewall"`
}

// RateLimit returns the rate_limit directive handler configuration.
func (d DirectivesConfig) RateLimit() response.DirectiveConfig {
	return response.DirectiveConfig{Kind: response.KindRateLimit, TTL: d.RateLimitTTL, LimitFactor: d.RateLimitFactor}
}

// Block returns the block directive handler configuration.
func (d DirectivesConfig) Block() response.DirectiveConfig {
	return response.DirectiveConfig{Kind: response.KindBlock, TTL: d.BlockTTL}
}

// ServerConfig holds ops HTTP server settings.
type ServerConfig struct {
	HTTPPort     int           `yaml:"http_port" validate:"min=1,max=65535"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	ShutdownWait time.Duration `yaml:"shutdown_wait" validate:"gt=0"`
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	APIKeyHeader string   `yaml:"api_key_header"`
	APIKeys      []string `yaml:"api_keys"`
	Enabled      bool     `yaml:"enabled"`
}

// RateLimitConfig holds rate limiting settings for the ops API.
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled"`
	RequestsPerIP int           `yaml:"requests_per_ip" validate:"gte=0"` // Max requests per IP per window
	WindowSize    time.Duration `yaml:"window_size"`                      // Time window for rate limiting
	BurstSize     int           `yaml:"burst_size" validate:"gte=0"`      // Allow burst above limit temporarily
	CleanupPeriod time.Duration `yaml:"cleanup_period"`                   // How often to clean old entries
	ExemptPaths   []string      `yaml:"exempt_paths"`                     // Paths exempt from rate limiting
	TrustProxy    bool          `yaml:"trust_proxy"`                      // Trust X-Forwarded-For header
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json text"`
}

// KafkaConfig enables the Kafka directive sink and ingest consumer.
type KafkaConfig struct {
	Enabled      bool `yaml:"enabled"`
	kafka.Config `yaml:",inline"`
}

// RedisConfig enables the Redis blocklist sink.
type RedisConfig struct {
	Enabled          bool `yaml:"enabled"`
	blocklist.Config `yaml:",inline"`
}

// StorageConfig enables the ClickHouse response recorder.
type StorageConfig struct {
	Enabled     bool                      `yaml:"enabled"`
	Migrate     bool                      `yaml:"migrate"`
	ClickHouse  storage.ClickHouseConfig  `yaml:"clickhouse"`
	BatchWriter storage.BatchWriterConfig `yaml:"batch_writer"`
}

// ArchiveConfig enables the S3 evidence archive handler.
type ArchiveConfig struct {
	Enabled        bool `yaml:"enabled"`
	archive.Config `yaml:",inline"`
}

// FirewallConfig enables the firewall directive sink.
type FirewallConfig struct {
	Enabled         bool          `yaml:"enabled"`
	PruneInterval   time.Duration `yaml:"prune_interval"`
	firewall.Config `yaml:",inline"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	det := detection.DefaultConfig()
	thresholds := make([]ThresholdConfig, 0, len(det.Thresholds))
	for _, t := range det.Thresholds {
		thresholds = append(thresholds, ThresholdConfig{
			Type:    t.PacketType.String(),
			Scope:   string(t.Scope),
			MaxRate: t.MaxRatePerSecond,
			Window:  t.Window,
		})
	}

	return &Config{
		Detection: DetectionConfig{
			Thresholds:     thresholds,
			RecoveryWindow: det.RecoveryWindow,
			IdleTTL:        det.IdleTTL,
			SweepInterval:  det.SweepInterval,
		},
		Response: ResponseConfig{
			PipelineConfig: response.DefaultPipelineConfig(),
			Handlers:       []string{"log", "rate_limit"},
			Directives: DirectivesConfig{
				RateLimitTTL:    5 * time.Minute,
				RateLimitFactor: 0.5,
				BlockTTL:        15 * time.Minute,
				Sinks:           []string{"log"},
			},
		},
		Dispatch: dispatch.DefaultConfig(),
		Ingest:   DefaultIngestConfig(),
		Server: ServerConfig{
			HTTPPort:     8090,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			ShutdownWait: 30 * time.Second,
		},
		Auth: AuthConfig{
			APIKeyHeader: "X-API-Key",
			Enabled:      false,
		},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			RequestsPerIP: 600,
			WindowSize:    time.Minute,
			BurstSize:     50,
			CleanupPeriod: 5 * time.Minute,
			ExemptPaths:   []string{"/health", "/metrics"},
			TrustProxy:    false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Kafka: KafkaConfig{Config: *kafka.DefaultConfig()},
		Redis: RedisConfig{Config: blocklist.DefaultConfig()},
		Storage: StorageConfig{
			Migrate:     true,
			ClickHouse:  storage.DefaultClickHouseConfig(),
			BatchWriter: storage.DefaultBatchWriterConfig(),
		},
		Archive: ArchiveConfig{Config: archive.DefaultConfig()},
		Firewall: FirewallConfig{
			PruneInterval: 30 * time.Second,
			Config:        firewall.DefaultConfig(),
		},
	}
}

// Path returns the configuration file location.
func Path() string {
	if p := os.Getenv("GUARDIAN_CONFIG_PATH"); p != "" {
		return p
	}
	return DefaultPath
}

// Load loads configuration from Path() or returns defaults when the file
// does not exist. Environment overrides are applied in both cases.
func Load() (*Config, error) {
	return LoadFile(Path())
}

// LoadFile loads configuration from path.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() error {
	if port := os.Getenv("GUARDIAN_HTTP_PORT"); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			return schema.NewConfigError("GUARDIAN_HTTP_PORT", "not a number: %q", port)
		}
		c.Server.HTTPPort = n
	}

	if level := os.Getenv("GUARDIAN_LOG_LEVEL"); level != "" {
		c.Logging.Level = strings.ToLower(level)
	}
	if format := os.Getenv("GUARDIAN_LOG_FORMAT"); format != "" {
		c.Logging.Format = strings.ToLower(format)
	}

	if apiKey := os.Getenv("GUARDIAN_API_KEY"); apiKey != "" {
		c.Auth.APIKeys = append(c.Auth.APIKeys, apiKey)
		c.Auth.Enabled = true
	}

	if cooldown := os.Getenv("GUARDIAN_COOLDOWN"); cooldown != "" {
		d, err := time.ParseDuration(cooldown)
		if err != nil {
			return schema.NewConfigError("GUARDIAN_COOLDOWN", "invalid duration %q", cooldown)
		}
		c.Response.Cooldown = d
		if c.Response.RecordTTL < d {
			c.Response.RecordTTL = d
		}
	}

	if handlers := os.Getenv("GUARDIAN_HANDLERS"); handlers != "" {
		c.Response.Handlers = splitAndTrim(handlers, ",")
	}
	if sinks := os.Getenv("GUARDIAN_DIRECTIVE_SINKS"); sinks != "" {
		c.Response.Directives.Sinks = splitAndTrim(sinks, ",")
	}

	if brokers := os.Getenv("GUARDIAN_KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = splitAndTrim(brokers, ",")
		c.Kafka.Enabled = true
	}
	if pass := os.Getenv("GUARDIAN_KAFKA_SASL_PASSWORD"); pass != "" {
		c.Kafka.SASLPassword = pass
	}

	if addr := os.Getenv("GUARDIAN_REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
		c.Redis.Enabled = true
	}
	if pass := os.Getenv("GUARDIAN_REDIS_PASSWORD"); pass != "" {
		c.Redis.Password = pass
	}

	if host := os.Getenv("GUARDIAN_CLICKHOUSE_HOST"); host != "" {
		c.Storage.ClickHouse.Hosts = []string{host}
		c.Storage.Enabled = true
	}
	if db := os.Getenv("GUARDIAN_CLICKHOUSE_DATABASE"); db != "" {
		c.Storage.ClickHouse.Database = db
	}
	if user := os.Getenv("GUARDIAN_CLICKHOUSE_USER"); user != "" {
		c.Storage.ClickHouse.Username = user
	}
	if pass := os.Getenv("GUARDIAN_CLICKHOUSE_PASSWORD"); pass != "" {
		c.Storage.ClickHouse.Password = pass
	}

	if bucket := os.Getenv("GUARDIAN_S3_BUCKET"); bucket != "" {
		c.Archive.Bucket = bucket
		c.Archive.Enabled = true
	}
	if endpoint := os.Getenv("GUARDIAN_S3_ENDPOINT"); endpoint != "" {
		c.Archive.Endpoint = endpoint
	}

	if url := os.Getenv("GUARDIAN_NATS_URL"); url != "" {
		c.Ingest.NATS.URL = url
		c.Ingest.NATS.Enabled = true
	}

	if apply := os.Getenv("GUARDIAN_FIREWALL_APPLY"); apply != "" {
		b, err := strconv.ParseBool(apply)
		if err != nil {
			return schema.NewConfigError("GUARDIAN_FIREWALL_APPLY", "not a boolean: %q", apply)
		}
		c.Firewall.Apply = b
	}

	return nil
}

// splitAndTrim splits a string by separator and trims whitespace from each part.
func splitAndTrim(s, sep string) []string {
	parts := make([]string, 0)
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// Validate checks struct tags, every enabled integration, and the
// cross-field rules the tags cannot express. Failures are *schema.ConfigError.
func (c *Config) Validate() error {
	v := newValidator()

	if err := validateStruct(v, "", c); err != nil {
		return err
	}

	if err := c.Response.PipelineConfig.Validate(); err != nil {
		return err
	}

	det, err := c.Detection.EngineConfig()
	if err != nil {
		return err
	}
	if err := det.Validate(); err != nil {
		return err
	}

	if err := c.Ingest.validate(v); err != nil {
		return err
	}

	if c.Kafka.Enabled {
		if err := c.Kafka.Config.Validate(); err != nil {
			return schema.NewConfigError("kafka", "%v", err)
		}
	}
	if c.Redis.Enabled {
		if err := validateStruct(v, "redis", c.Redis.Config); err != nil {
			return err
		}
	}
	if c.Storage.Enabled {
		if err := validateStruct(v, "storage.clickhouse", c.Storage.ClickHouse); err != nil {
			return err
		}
		if err := validateStruct(v, "storage.batch_writer", c.Storage.BatchWriter); err != nil {
			return err
		}
	}
	if c.Archive.Enabled {
		if err := c.Archive.Config.Validate(); err != nil {
			return schema.NewConfigError("archive", "%v", err)
		}
	}
	if c.Firewall.Enabled {
		if err := validateStruct(v, "firewall", c.Firewall.Config); err != nil {
			return err
		}
		if c.Firewall.PruneInterval <= 0 {
			return schema.NewConfigError("firewall.prune_interval", "must be positive, got %v", c.Firewall.PruneInterval)
		}
	}

	// Handlers and sinks that name an integration need it enabled.
	for _, h := range c.Response.Handlers {
		if h == "archive" && !c.Archive.Enabled {
			return schema.NewConfigError("response.handlers", "archive handler requires archive.enabled")
		}
	}
	usesDirectives := false
	for _, h := range c.Response.Handlers {
		if h == string(response.KindRateLimit) || h == string(response.KindBlock) {
			usesDirectives = true
		}
	}
	if usesDirectives && len(c.Response.Directives.Sinks) == 0 {
		return schema.NewConfigError("response.directives.sinks", "directive handlers need at least one sink")
	}
	for _, s := range c.Response.Directives.Sinks {
		enabled := map[string]bool{
			"log":      true,
			"kafka":    c.Kafka.Enabled,
			"redis":    c.Redis.Enabled,
			"firewall": c.Firewall.Enabled,
		}[s]
		if !enabled {
			return schema.NewConfigError("response.directives.sinks", "sink %q requires %s.enabled", s, s)
		}
	}

	if c.Auth.Enabled && len(c.Auth.APIKeys) == 0 {
		return schema.NewConfigError("auth.api_keys", "auth is enabled but no keys are configured")
	}

	return nil
}

// EngineConfig converts the file form into a detection.Config.
func (d DetectionConfig) EngineConfig() (detection.Config, error) {
	out := detection.Config{
		Thresholds:     make([]detection.ThresholdConfig, 0, len(d.Thresholds)),
		RecoveryWindow: d.RecoveryWindow,
		IdleTTL:        d.IdleTTL,
		SweepInterval:  d.SweepInterval,
	}
	for i, t := range d.Thresholds {
		pt, ok := schema.LookupPacketType(t.Type)
		if !ok {
			return detection.Config{}, schema.NewConfigError(fmt.Sprintf("detection.thresholds[%d].type", i), "unknown packet type %q", t.Type)
		}
		scope := schema.Scope(t.Scope)
		if scope == "" {
			scope = schema.ScopeSource
		}
		out.Thresholds = append(out.Thresholds, detection.ThresholdConfig{
			PacketType:       pt,
			Scope:            scope,
			MaxRatePerSecond: t.MaxRate,
			Window:           t.Window,
			Capacity:         t.Capacity,
		})
	}
	return out, nil
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})
	return v
}

// validateStruct runs tag validation and reports the first failure as a
// ConfigError named by its yaml path.
func validateStruct(v *validator.Validate, prefix string, s any) error {
	err := v.Struct(s)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return schema.NewConfigError(prefix, "%v", err)
	}
	fe := verrs[0]

	// Drop the root type name; inline structs show up under their Go name.
	parts := strings.Split(fe.Namespace(), ".")[1:]
	kept := parts[:0]
	for _, p := range parts {
		if p == "PipelineConfig" || p == "Config" {
			continue
		}
		kept = append(kept, p)
	}
	field := strings.Join(kept, ".")
	if prefix != "" {
		field = prefix + "." + field
	}

	reason := fe.Tag()
	if fe.Param() != "" {
		reason += "=" + fe.Param()
	}
	return schema.NewConfigError(field, "failed %q validation (value %v)", reason, fe.Value())
}
