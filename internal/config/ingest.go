package config

import (
	"time"

	"github.com/go-playground/validator/v10"

	"nettrace-guardian/internal/ingest"
	"nettrace-guardian/internal/schema"
)

// IngestConfig holds the packet feed settings.
type IngestConfig struct {
	MaxBatchSize int              `yaml:"max_batch_size" validate:"gte=1"`
	Validation   ValidationConfig `yaml:"validation"`
	HTTP         HTTPIngestConfig `yaml:"http"`
	UDP          UDPConfig        `yaml:"udp"`
	DTLS         DTLSConfig       `yaml:"dtls"`
	TCP          TCPConfig        `yaml:"tcp"`
	NATS         NATSConfig       `yaml:"nats"`
}

// ValidationConfig holds raw record timestamp bounds.
type ValidationConfig struct {
	MaxAge    time.Duration `yaml:"max_age" validate:"gte=0"`
	MaxFuture time.Duration `yaml:"max_future" validate:"gte=0"`
}

// HTTPIngestConfig controls POST /v1/packets on the ops server.
type HTTPIngestConfig struct {
	Enabled        bool  `yaml:"enabled"`
	MaxPayloadSize int64 `yaml:"max_payload_size" validate:"gte=0"`
}

// UDPConfig holds UDP listener settings.
type UDPConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Address        string `yaml:"address" validate:"required"`
	BufferSize     int    `yaml:"buffer_size" validate:"gte=0"`
	Workers        int    `yaml:"workers" validate:"gte=1"`
	MaxMessageSize int    `yaml:"max_message_size" validate:"gte=1,lte=65535"`
}

// DTLSConfig holds DTLS listener settings.
type DTLSConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Address           string        `yaml:"address" validate:"required"`
	CertFile          string        `yaml:"cert_file"`
	KeyFile           string        `yaml:"key_file"`
	CAFile            string        `yaml:"ca_file"`
	RequireClientCert bool          `yaml:"require_client_cert"`
	Workers           int           `yaml:"workers" validate:"gte=1"`
	MaxMessageSize    int           `yaml:"max_message_size" validate:"gte=1,lte=65535"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	AllowInsecure     bool          `yaml:"allow_insecure"`
}

// TCPConfig holds line-delimited TCP listener settings.
type TCPConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Address        string        `yaml:"address" validate:"required"`
	TLSEnabled     bool          `yaml:"tls_enabled"`
	TLSCertFile    string        `yaml:"tls_cert_file" validate:"required_if=TLSEnabled true"`
	TLSKeyFile     string        `yaml:"tls_key_file" validate:"required_if=TLSEnabled true"`
	MaxConnections int           `yaml:"max_connections" validate:"gte=1"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MaxLineLength  int           `yaml:"max_line_length" validate:"gte=1"`
}

// NATSConfig holds NATS subscription settings.
type NATSConfig struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url" validate:"required,url"`
	Subject       string        `yaml:"subject" validate:"required"`
	Queue         string        `yaml:"queue"`
	Name          string        `yaml:"name"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
	MaxReconnects int           `yaml:"max_reconnects"`
	DrainTimeout  time.Duration `yaml:"drain_timeout"`
}

// DefaultIngestConfig returns the ingest defaults. Only the HTTP feed and
// the UDP listener are enabled.
func DefaultIngestConfig() IngestConfig {
	udp := ingest.DefaultUDPServerConfig()
	dtls := ingest.DefaultDTLSServerConfig()
	tcp := ingest.DefaultTCPServerConfig()
	nats := ingest.DefaultNATSConfig()
	val := schema.DefaultValidatorConfig()

	return IngestConfig{
		MaxBatchSize: ingest.DefaultMaxBatch,
		Validation: ValidationConfig{
			MaxAge:    val.MaxAge,
			MaxFuture: val.MaxFuture,
		},
		HTTP: HTTPIngestConfig{
			Enabled:        true,
			MaxPayloadSize: 4 * 1024 * 1024,
		},
		UDP: UDPConfig{
			Enabled:        true,
			Address:        udp.Address,
			BufferSize:     udp.BufferSize,
			Workers:        udp.Workers,
			MaxMessageSize: udp.MaxMessageSize,
		},
		DTLS: DTLSConfig{
			Address:           dtls.Address,
			Workers:           dtls.Workers,
			MaxMessageSize:    dtls.MaxMessageSize,
			ConnectionTimeout: dtls.ConnectionTimeout,
			IdleTimeout:       dtls.IdleTimeout,
		},
		TCP: TCPConfig{
			Address:        tcp.Address,
			MaxConnections: tcp.MaxConnections,
			IdleTimeout:    tcp.IdleTimeout,
			MaxLineLength:  tcp.MaxLineLength,
		},
		NATS: NATSConfig{
			URL:           nats.URL,
			Subject:       nats.Subject,
			Name:          nats.Name,
			ReconnectWait: nats.ReconnectWait,
			MaxReconnects: nats.MaxReconnects,
			DrainTimeout:  nats.DrainTimeout,
		},
	}
}

// ingestLimits is the always-validated part of IngestConfig.
type ingestLimits struct {
	MaxBatchSize int              `yaml:"max_batch_size" validate:"gte=1"`
	Validation   ValidationConfig `yaml:"validation"`
	HTTP         HTTPIngestConfig `yaml:"http"`
}

func (c IngestConfig) validate(v *validator.Validate) error {
	if err := validateStruct(v, "ingest", ingestLimits{c.MaxBatchSize, c.Validation, c.HTTP}); err != nil {
		return err
	}
	if c.UDP.Enabled {
		if err := validateStruct(v, "ingest.udp", c.UDP); err != nil {
			return err
		}
	}
	if c.DTLS.Enabled {
		if err := validateStruct(v, "ingest.dtls", c.DTLS); err != nil {
			return err
		}
		if !c.DTLS.AllowInsecure && (c.DTLS.CertFile == "" || c.DTLS.KeyFile == "") {
			return schema.NewConfigError("ingest.dtls.cert_file", "a certificate is required unless allow_insecure is set")
		}
		if c.DTLS.RequireClientCert && c.DTLS.CAFile == "" {
			return schema.NewConfigError("ingest.dtls.ca_file", "require_client_cert needs a CA file")
		}
	}
	if c.TCP.Enabled {
		if err := validateStruct(v, "ingest.tcp", c.TCP); err != nil {
			return err
		}
	}
	if c.NATS.Enabled {
		if err := validateStruct(v, "ingest.nats", c.NATS); err != nil {
			return err
		}
	}
	if c.UDP.Enabled && c.DTLS.Enabled && c.UDP.Address == c.DTLS.Address {
		return schema.NewConfigError("ingest.dtls.address", "collides with ingest.udp.address %s", c.UDP.Address)
	}
	return nil
}

// ValidatorConfig returns the raw record validator settings.
func (c IngestConfig) ValidatorConfig() schema.ValidatorConfig {
	return schema.ValidatorConfig{MaxAge: c.Validation.MaxAge, MaxFuture: c.Validation.MaxFuture}
}

// ServerConfig converts to the UDP server configuration.
func (c UDPConfig) ServerConfig() ingest.UDPServerConfig {
	return ingest.UDPServerConfig{
		Address:        c.Address,
		BufferSize:     c.BufferSize,
		Workers:        c.Workers,
		MaxMessageSize: c.MaxMessageSize,
	}
}

// ServerConfig converts to the DTLS server configuration.
func (c DTLSConfig) ServerConfig() ingest.DTLSServerConfig {
	return ingest.DTLSServerConfig{
		Address:           c.Address,
		CertFile:          c.CertFile,
		KeyFile:           c.KeyFile,
		CAFile:            c.CAFile,
		RequireClientCert: c.RequireClientCert,
		Workers:           c.Workers,
		MaxMessageSize:    c.MaxMessageSize,
		ConnectionTimeout: c.ConnectionTimeout,
		IdleTimeout:       c.IdleTimeout,
		AllowInsecure:     c.AllowInsecure,
	}
}

// ServerConfig converts to the TCP server configuration.
func (c TCPConfig) ServerConfig() ingest.TCPServerConfig {
	return ingest.TCPServerConfig{
		Address:        c.Address,
		TLSEnabled:     c.TLSEnabled,
		TLSCertFile:    c.TLSCertFile,
		TLSKeyFile:     c.TLSKeyFile,
		MaxConnections: c.MaxConnections,
		IdleTimeout:    c.IdleTimeout,
		MaxLineLength:  c.MaxLineLength,
	}
}

// SourceConfig converts to the NATS source configuration.
func (c NATSConfig) SourceConfig() ingest.NATSConfig {
	return ingest.NATSConfig{
		URL:           c.URL,
		Subject:       c.Subject,
		Queue:         c.Queue,
		Name:          c.Name,
		ReconnectWait: c.ReconnectWait,
		MaxReconnects: c.MaxReconnects,
		DrainTimeout:  c.DrainTimeout,
	}
}
