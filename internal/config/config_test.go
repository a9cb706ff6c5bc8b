package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"nettrace-guardian/internal/schema"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}

	if cfg.Server.HTTPPort != 8090 {
		t.Errorf("expected HTTPPort 8090, got %d", cfg.Server.HTTPPort)
	}
	if len(cfg.Detection.Thresholds) != 6 {
		t.Errorf("expected 6 default thresholds, got %d", len(cfg.Detection.Thresholds))
	}
	if cfg.Detection.Thresholds[0].Type != "syn" || cfg.Detection.Thresholds[0].MaxRate != 100 {
		t.Errorf("unexpected first threshold %+v", cfg.Detection.Thresholds[0])
	}
	if cfg.Response.Cooldown != 60*time.Second {
		t.Errorf("expected cooldown 60s, got %v", cfg.Response.Cooldown)
	}
	if strings.Join(cfg.Response.Handlers, ",") != "log,rate_limit" {
		t.Errorf("unexpected handlers %v", cfg.Response.Handlers)
	}
	if !cfg.Ingest.UDP.Enabled || cfg.Ingest.DTLS.Enabled || cfg.Ingest.NATS.Enabled {
		t.Error("only the UDP and HTTP feeds should be enabled by default")
	}
	if cfg.Kafka.Enabled || cfg.Redis.Enabled || cfg.Storage.Enabled || cfg.Archive.Enabled || cfg.Firewall.Enabled {
		t.Error("integrations should be disabled by default")
	}
	if cfg.Firewall.Apply {
		t.Error("firewall must default to dry-run")
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("unexpected logging defaults %+v", cfg.Logging)
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultConfig should be valid, got error: %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantField string
	}{
		{"zero port", func(c *Config) { c.Server.HTTPPort = 0 }, "server.http_port"},
		{"too high port", func(c *Config) { c.Server.HTTPPort = 65536 }, "server.http_port"},
		{"unknown packet type", func(c *Config) { c.Detection.Thresholds[0].Type = "tcp" }, "detection.thresholds[0].type"},
		{"zero rate", func(c *Config) { c.Detection.Thresholds[1].MaxRate = 0 }, "detection.thresholds[1].max_rate"},
		{"bad scope", func(c *Config) { c.Detection.Thresholds[2].Scope = "global" }, "detection.thresholds[2].scope"},
		{"duplicate rule", func(c *Config) {
			c.Detection.Thresholds = append(c.Detection.Thresholds, ThresholdConfig{Type: "syn", MaxRate: 1, Window: time.Second})
		}, "thresholds[6]"},
		{"zero queue", func(c *Config) { c.Dispatch.QueueSize = 0 }, "dispatch.queue_size"},
		{"unknown handler", func(c *Config) { c.Response.Handlers = []string{"log", "email"} }, "response.handlers[1]"},
		{"record ttl below cooldown", func(c *Config) { c.Response.RecordTTL = time.Second }, "response.record_ttl"},
		{"archive handler without archive", func(c *Config) { c.Response.Handlers = []string{"archive"} }, "response.handlers"},
		{"redis sink without redis", func(c *Config) { c.Response.Directives.Sinks = []string{"redis"} }, "response.directives.sinks"},
		{"directives without sinks", func(c *Config) { c.Response.Directives.Sinks = nil }, "response.directives.sinks"},
		{"zero batch", func(c *Config) { c.Ingest.MaxBatchSize = 0 }, "ingest.max_batch_size"},
		{"dtls without cert", func(c *Config) { c.Ingest.DTLS.Enabled = true }, "ingest.dtls.cert_file"},
		{"dtls address collision", func(c *Config) {
			c.Ingest.DTLS.Enabled = true
			c.Ingest.DTLS.AllowInsecure = true
			c.Ingest.DTLS.Address = c.Ingest.UDP.Address
		}, "ingest.dtls.address"},
		{"tcp tls without cert", func(c *Config) {
			c.Ingest.TCP.Enabled = true
			c.Ingest.TCP.TLSEnabled = true
		}, "ingest.tcp.tls_cert_file"},
		{"nats bad url", func(c *Config) {
			c.Ingest.NATS.Enabled = true
			c.Ingest.NATS.URL = "not a url"
		}, "ingest.nats.url"},
		{"redis bad addr", func(c *Config) {
			c.Redis.Enabled = true
			c.Redis.Addr = "localhost"
		}, "redis.addr"},
		{"clickhouse without hosts", func(c *Config) {
			c.Storage.Enabled = true
			c.Storage.ClickHouse.Hosts = nil
		}, "storage.clickhouse.hosts"},
		{"firewall bad network", func(c *Config) {
			c.Firewall.Enabled = true
			c.Firewall.TrustedNetworks = []string{"10.0.0.0/33"}
		}, "firewall.trusted_networks[0]"},
		{"auth without keys", func(c *Config) { c.Auth.Enabled = true }, "auth.api_keys"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			var ce *schema.ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("error %T is not a *schema.ConfigError: %v", err, err)
			}
			if !strings.Contains(ce.Field, tt.wantField) {
				t.Errorf("Field = %q, want it to contain %q", ce.Field, tt.wantField)
			}
		})
	}
}

func TestValidate_EnabledIntegrations(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Kafka.Enabled = true
	cfg.Redis.Enabled = true
	cfg.Storage.Enabled = true
	cfg.Archive.Enabled = true
	cfg.Firewall.Enabled = true
	cfg.Response.Handlers = []string{"log", "rate_limit", "block", "archive"}
	cfg.Response.Directives.Sinks = []string{"log", "kafka", "redis", "firewall"}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestDetectionConfig_EngineConfig(t *testing.T) {
	d := DetectionConfig{
		Thresholds: []ThresholdConfig{
			{Type: "SYN", MaxRate: 5, Window: time.Second},
			{Type: "udp", Scope: "aggregate", MaxRate: 50, Window: 2 * time.Second, Capacity: 0},
		},
		RecoveryWindow: time.Second,
		IdleTTL:        time.Minute,
		SweepInterval:  time.Second,
	}

	cfg, err := d.EngineConfig()
	if err != nil {
		t.Fatalf("EngineConfig() error = %v", err)
	}
	if len(cfg.Thresholds) != 2 {
		t.Fatalf("thresholds = %d, want 2", len(cfg.Thresholds))
	}
	if cfg.Thresholds[0].PacketType != schema.PacketSYN || cfg.Thresholds[0].Scope != schema.ScopeSource {
		t.Errorf("first threshold = %+v", cfg.Thresholds[0])
	}
	if cfg.Thresholds[1].Scope != schema.ScopeAggregate || cfg.Thresholds[1].Window != 2*time.Second {
		t.Errorf("second threshold = %+v", cfg.Thresholds[1])
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("converted config invalid: %v", err)
	}

	d.Thresholds[0].Type = "arp"
	if _, err := d.EngineConfig(); !schema.IsConfigError(err) {
		t.Errorf("EngineConfig() error = %v, want ConfigError", err)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
detection:
  thresholds:
    - type: syn
      max_rate: 5
      window: 1s
    - type: icmp
      scope: aggregate
      max_rate: 100
      window: 2s
  recovery_window: 3s
  idle_ttl: 1m
  sweep_interval: 10s
response:
  cooldown: 30s
  record_ttl: 5m
  handler_timeout: 2s
  prune_interval: 1m
  handlers: [log, block]
  directives:
    block_ttl: 10m
    rate_limit_ttl: 1m
    rate_limit_factor: 1
    sinks: [log, redis]
redis:
  enabled: true
  addr: redis.internal:6379
  key_prefix: "edge:"
server:
  http_port: 9000
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	if len(cfg.Detection.Thresholds) != 2 {
		t.Errorf("thresholds = %d, want 2", len(cfg.Detection.Thresholds))
	}
	if cfg.Response.Cooldown != 30*time.Second {
		t.Errorf("cooldown = %v, want 30s", cfg.Response.Cooldown)
	}
	if cfg.Response.Directives.BlockTTL != 10*time.Minute {
		t.Errorf("block ttl = %v, want 10m", cfg.Response.Directives.BlockTTL)
	}
	if !cfg.Redis.Enabled || cfg.Redis.Addr != "redis.internal:6379" || cfg.Redis.KeyPrefix != "edge:" {
		t.Errorf("redis = %+v", cfg.Redis)
	}
	if cfg.Server.HTTPPort != 9000 {
		t.Errorf("port = %d, want 9000", cfg.Server.HTTPPort)
	}
	// Untouched sections keep their defaults.
	if cfg.Dispatch.QueueSize != 1024 {
		t.Errorf("queue size = %d, want default 1024", cfg.Dispatch.QueueSize)
	}
}

func TestLoadFile_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if cfg.Server.HTTPPort != DefaultConfig().Server.HTTPPort {
		t.Error("missing file should yield defaults")
	}
}

func TestLoadFile_Malformed(t *testing.T) {
	path := writeConfig(t, "detection: [unterminated")
	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoad_ConfigPathFromEnv(t *testing.T) {
	path := writeConfig(t, "server:\n  http_port: 9100\n")
	t.Setenv("GUARDIAN_CONFIG_PATH", path)

	if Path() != path {
		t.Fatalf("Path() = %q, want %q", Path(), path)
	}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPPort != 9100 {
		t.Errorf("port = %d, want 9100", cfg.Server.HTTPPort)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("GUARDIAN_HTTP_PORT", "9200")
	t.Setenv("GUARDIAN_LOG_LEVEL", "DEBUG")
	t.Setenv("GUARDIAN_API_KEY", "secret-key")
	t.Setenv("GUARDIAN_COOLDOWN", "20m")
	t.Setenv("GUARDIAN_KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("GUARDIAN_REDIS_ADDR", "r1:6379")
	t.Setenv("GUARDIAN_CLICKHOUSE_HOST", "ch:9000")
	t.Setenv("GUARDIAN_S3_BUCKET", "evidence-bucket")
	t.Setenv("GUARDIAN_NATS_URL", "nats://probe:4222")
	t.Setenv("GUARDIAN_FIREWALL_APPLY", "true")

	cfg := DefaultConfig()
	if err := cfg.applyEnvOverrides(); err != nil {
		t.Fatalf("applyEnvOverrides() error = %v", err)
	}

	if cfg.Server.HTTPPort != 9200 {
		t.Errorf("port = %d", cfg.Server.HTTPPort)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q", cfg.Logging.Level)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKeys[0] != "secret-key" {
		t.Errorf("auth = %+v", cfg.Auth)
	}
	if cfg.Response.Cooldown != 20*time.Minute || cfg.Response.RecordTTL < cfg.Response.Cooldown {
		t.Errorf("cooldown = %v record_ttl = %v", cfg.Response.Cooldown, cfg.Response.RecordTTL)
	}
	if !cfg.Kafka.Enabled || len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Errorf("kafka = %v %v", cfg.Kafka.Enabled, cfg.Kafka.Brokers)
	}
	if !cfg.Redis.Enabled || cfg.Redis.Addr != "r1:6379" {
		t.Errorf("redis = %+v", cfg.Redis)
	}
	if !cfg.Storage.Enabled || cfg.Storage.ClickHouse.Hosts[0] != "ch:9000" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if !cfg.Archive.Enabled || cfg.Archive.Bucket != "evidence-bucket" {
		t.Errorf("archive = %+v", cfg.Archive)
	}
	if !cfg.Ingest.NATS.Enabled || cfg.Ingest.NATS.URL != "nats://probe:4222" {
		t.Errorf("nats = %+v", cfg.Ingest.NATS)
	}
	if !cfg.Firewall.Apply {
		t.Error("firewall apply override ignored")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("overridden config invalid: %v", err)
	}
}

func TestApplyEnvOverrides_BadValues(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"GUARDIAN_HTTP_PORT", "eighty"},
		{"GUARDIAN_COOLDOWN", "soon"},
		{"GUARDIAN_FIREWALL_APPLY", "maybe"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			err := DefaultConfig().applyEnvOverrides()
			if !schema.IsConfigError(err) {
				t.Errorf("applyEnvOverrides() error = %v, want ConfigError", err)
			}
		})
	}
}

func TestSplitAndTrim(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{"simple split", "a,b,c", []string{"a", "b", "c"}},
		{"with spaces", "a , b , c", []string{"a", "b", "c"}},
		{"empty parts", "a,,b,", []string{"a", "b"}},
		{"empty string", "", []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitAndTrim(tt.input, ",")
			if strings.Join(got, "|") != strings.Join(tt.expected, "|") || len(got) != len(tt.expected) {
				t.Errorf("splitAndTrim(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestShippedConfigIsValid(t *testing.T) {
	cfg, err := LoadFile(filepath.Join("..", "..", DefaultPath))
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("shipped config invalid: %v", err)
	}
}

// ---- Helpers ----

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
