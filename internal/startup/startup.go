// Package startup runs preflight diagnostics before the guardian binds its
// listeners and touches the firewall.
package startup

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"strconv"
	"time"

	"nettrace-guardian/internal/config"
)

// DiagnosticResult represents the result of a diagnostic check
type DiagnosticResult struct {
	Name    string
	Status  Status
	Message string
	Details map[string]string
}

// Status represents the status of a diagnostic check
type Status int

const (
	StatusOK Status = iota
	StatusWarning
	StatusError
	StatusSkipped
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusWarning:
		return "WARNING"
	case StatusError:
		return "ERROR"
	case StatusSkipped:
		return "SKIPPED"
	default:
		return "UNKNOWN"
	}
}

// Summary counts results by status.
type Summary struct {
	Passed   int
	Warnings int
	Errors   int
	Skipped  int
}

// Diagnostics runs the preflight checks for one configuration.
type Diagnostics struct {
	cfg         *config.Config
	configPath  string
	results     []DiagnosticResult
	logger      *slog.Logger
	dialTimeout time.Duration
}

// NewDiagnostics creates a diagnostics runner for cfg, loaded from
// configPath.
func NewDiagnostics(cfg *config.Config, configPath string, logger *slog.Logger) *Diagnostics {
	if logger == nil {
		logger = slog.Default()
	}
	return &Diagnostics{
		cfg:         cfg,
		configPath:  configPath,
		logger:      logger,
		dialTimeout: 3 * time.Second,
	}
}

// RunAll runs every check and returns the accumulated results. Listener
// checks bind and release each configured port, so RunAll must run before
// the servers start.
func (d *Diagnostics) RunAll(ctx context.Context) []DiagnosticResult {
	d.results = nil
	d.logger.Info("running startup diagnostics")

	d.checkSystem()
	d.checkConfiguration()
	d.checkPorts()
	d.checkSecurity()
	d.checkFirewall()
	d.checkModules()
	d.checkDependencies(ctx)

	d.logSummary()
	return d.results
}

// Results returns the results of the last run.
func (d *Diagnostics) Results() []DiagnosticResult {
	return d.results
}

func (d *Diagnostics) addResult(result DiagnosticResult) {
	d.results = append(d.results, result)

	attrs := []any{
		"check", result.Name,
		"status", result.Status.String(),
	}
	if result.Message != "" {
		attrs = append(attrs, "message", result.Message)
	}
	for k, v := range result.Details {
		attrs = append(attrs, k, v)
	}

	switch result.Status {
	case StatusOK:
		d.logger.Debug("diagnostic check passed", attrs...)
	case StatusWarning:
		d.logger.Warn("diagnostic check warning", attrs...)
	case StatusError:
		d.logger.Error("diagnostic check failed", attrs...)
	case StatusSkipped:
		d.logger.Debug("diagnostic check skipped", attrs...)
	}
}

func (d *Diagnostics) checkSystem() {
	d.addResult(DiagnosticResult{
		Name:    "runtime",
		Status:  StatusOK,
		Message: "Go runtime detected",
		Details: map[string]string{
			"go_version": runtime.Version(),
			"os":         runtime.GOOS,
			"arch":       runtime.GOARCH,
			"cpus":       strconv.Itoa(runtime.NumCPU()),
		},
	})
}

func (d *Diagnostics) checkConfiguration() {
	switch {
	case d.configPath == "":
		d.addResult(DiagnosticResult{
			Name:    "config_file",
			Status:  StatusSkipped,
			Message: "No config file given, using defaults",
		})
	case !fileExists(d.configPath):
		d.addResult(DiagnosticResult{
			Name:    "config_file",
			Status:  StatusWarning,
			Message: "Config file not found, using defaults",
			Details: map[string]string{"path": d.configPath},
		})
	default:
		d.addResult(DiagnosticResult{
			Name:    "config_file",
			Status:  StatusOK,
			Message: "Config file found",
			Details: map[string]string{"path": d.configPath},
		})
	}

	if err := d.cfg.Validate(); err != nil {
		d.addResult(DiagnosticResult{
			Name:    "config_validation",
			Status:  StatusError,
			Message: fmt.Sprintf("Configuration validation failed: %s", err),
		})
		return
	}
	d.addResult(DiagnosticResult{
		Name:    "config_validation",
		Status:  StatusOK,
		Message: "Configuration is valid",
		Details: map[string]string{"thresholds": strconv.Itoa(len(d.cfg.Detection.Thresholds))},
	})
}

type listener struct {
	name    string
	network string
	address string
	enabled bool
}

func (d *Diagnostics) listeners() []listener {
	in := d.cfg.Ingest
	return []listener{
		{"http", "tcp", fmt.Sprintf(":%d", d.cfg.Server.HTTPPort), true},
		{"udp_ingest", "udp", in.UDP.Address, in.UDP.Enabled},
		{"dtls_ingest", "udp", in.DTLS.Address, in.DTLS.Enabled},
		{"tcp_ingest", "tcp", in.TCP.Address, in.TCP.Enabled},
	}
}

func (d *Diagnostics) checkPorts() {
	for _, l := range d.listeners() {
		name := "port_" + l.name
		if !l.enabled {
			d.addResult(DiagnosticResult{
				Name:    name,
				Status:  StatusSkipped,
				Message: "Listener disabled",
			})
			continue
		}

		details := map[string]string{"address": l.address, "network": l.network}
		if err := probeListen(l.network, l.address); err != nil {
			d.addResult(DiagnosticResult{
				Name:    name,
				Status:  StatusError,
				Message: fmt.Sprintf("Address %s is not available: %s", l.address, err),
				Details: details,
			})
			continue
		}
		d.addResult(DiagnosticResult{
			Name:    name,
			Status:  StatusOK,
			Message: fmt.Sprintf("Address %s is available", l.address),
			Details: details,
		})
	}
}

func probeListen(network, address string) error {
	if network == "udp" {
		pc, err := net.ListenPacket(network, address)
		if err != nil {
			return err
		}
		return pc.Close()
	}
	ln, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return ln.Close()
}

func (d *Diagnostics) checkSecurity() {
	if !d.cfg.Auth.Enabled {
		d.addResult(DiagnosticResult{
			Name:    "auth",
			Status:  StatusWarning,
			Message: "Authentication is DISABLED - enable for production",
			Details: map[string]string{"recommendation": "Set auth.enabled=true"},
		})
	} else {
		d.addResult(DiagnosticResult{
			Name:    "auth",
			Status:  StatusOK,
			Message: "Authentication is enabled",
			Details: map[string]string{"keys": strconv.Itoa(len(d.cfg.Auth.APIKeys))},
		})
	}

	if !d.cfg.RateLimit.Enabled {
		d.addResult(DiagnosticResult{
			Name:    "rate_limiting",
			Status:  StatusWarning,
			Message: "Rate limiting is DISABLED",
		})
	} else {
		d.addResult(DiagnosticResult{
			Name:    "rate_limiting",
			Status:  StatusOK,
			Message: "Rate limiting is enabled",
			Details: map[string]string{
				"requests_per_ip": strconv.Itoa(d.cfg.RateLimit.RequestsPerIP),
				"window":          d.cfg.RateLimit.WindowSize.String(),
			},
		})
	}

	in := d.cfg.Ingest
	if in.UDP.Enabled {
		d.addResult(DiagnosticResult{
			Name:    "udp_ingest_security",
			Status:  StatusWarning,
			Message: "Plain UDP ingest is unauthenticated",
			Details: map[string]string{
				"recommendation": "Use DTLS ingest across untrusted networks",
				"risk":           "Spoofed records can trigger mitigations",
			},
		})
	}

	if in.TCP.Enabled {
		switch {
		case !in.TCP.TLSEnabled:
			d.addResult(DiagnosticResult{
				Name:    "tcp_ingest_security",
				Status:  StatusWarning,
				Message: "TCP ingest is running WITHOUT TLS",
			})
		case !fileExists(in.TCP.TLSCertFile) || !fileExists(in.TCP.TLSKeyFile):
			d.addResult(DiagnosticResult{
				Name:    "tcp_ingest_security",
				Status:  StatusError,
				Message: "TLS enabled but certificate files missing",
				Details: map[string]string{
					"cert_file": in.TCP.TLSCertFile,
					"key_file":  in.TCP.TLSKeyFile,
				},
			})
		default:
			d.addResult(DiagnosticResult{
				Name:    "tcp_ingest_security",
				Status:  StatusOK,
				Message: "TCP TLS is configured",
			})
		}
	}

	if in.DTLS.Enabled {
		switch {
		case in.DTLS.CertFile == "" && in.DTLS.AllowInsecure:
			d.addResult(DiagnosticResult{
				Name:    "dtls_ingest_security",
				Status:  StatusWarning,
				Message: "DTLS will fall back to plain UDP",
			})
		case !fileExists(in.DTLS.CertFile) || !fileExists(in.DTLS.KeyFile):
			d.addResult(DiagnosticResult{
				Name:    "dtls_ingest_security",
				Status:  StatusError,
				Message: "DTLS certificate files missing",
				Details: map[string]string{
					"cert_file": in.DTLS.CertFile,
					"key_file":  in.DTLS.KeyFile,
				},
			})
		case in.DTLS.RequireClientCert && !fileExists(in.DTLS.CAFile):
			d.addResult(DiagnosticResult{
				Name:    "dtls_ingest_security",
				Status:  StatusError,
				Message: "Client certificates required but CA file missing",
				Details: map[string]string{"ca_file": in.DTLS.CAFile},
			})
		default:
			d.addResult(DiagnosticResult{
				Name:    "dtls_ingest_security",
				Status:  StatusOK,
				Message: "DTLS is configured",
			})
		}
	}
}

func (d *Diagnostics) checkFirewall() {
	fw := d.cfg.Firewall
	if !fw.Enabled {
		d.addResult(DiagnosticResult{
			Name:    "firewall",
			Status:  StatusSkipped,
			Message: "Firewall sink disabled",
		})
		return
	}
	if !fw.Apply {
		d.addResult(DiagnosticResult{
			Name:    "firewall",
			Status:  StatusWarning,
			Message: "Firewall sink is in dry-run mode, rules are only logged",
			Details: map[string]string{"recommendation": "Set firewall.apply=true to enforce blocks"},
		})
		return
	}

	binary := fw.NftablesPath
	if fw.Backend == "iptables" {
		binary = fw.IptablesPath
	}
	if !fileExists(binary) {
		d.addResult(DiagnosticResult{
			Name:    "firewall",
			Status:  StatusError,
			Message: "Firewall binary not found",
			Details: map[string]string{"backend": string(fw.Backend), "path": binary},
		})
		return
	}
	if fw.RulesFile != "" && !fileExists(fw.RulesFile) {
		d.addResult(DiagnosticResult{
			Name:    "firewall",
			Status:  StatusError,
			Message: "Firewall rules file not found",
			Details: map[string]string{"rules_file": fw.RulesFile},
		})
		return
	}
	d.addResult(DiagnosticResult{
		Name:    "firewall",
		Status:  StatusOK,
		Message: "Firewall sink will apply rules",
		Details: map[string]string{"backend": string(fw.Backend), "path": binary},
	})
}

func (d *Diagnostics) checkModules() {
	modules := []struct {
		name    string
		enabled bool
	}{
		{"http_ingest", d.cfg.Ingest.HTTP.Enabled},
		{"udp_ingest", d.cfg.Ingest.UDP.Enabled},
		{"dtls_ingest", d.cfg.Ingest.DTLS.Enabled},
		{"tcp_ingest", d.cfg.Ingest.TCP.Enabled},
		{"nats_ingest", d.cfg.Ingest.NATS.Enabled},
		{"kafka", d.cfg.Kafka.Enabled},
		{"redis", d.cfg.Redis.Enabled},
		{"storage", d.cfg.Storage.Enabled},
		{"archive", d.cfg.Archive.Enabled},
		{"firewall", d.cfg.Firewall.Enabled},
	}

	enabled := 0
	for _, m := range modules {
		status, message := StatusSkipped, "Disabled"
		if m.enabled {
			status, message = StatusOK, "Enabled"
			enabled++
		}
		d.addResult(DiagnosticResult{
			Name:    "module_" + m.name,
			Status:  status,
			Message: message,
		})
	}

	d.logger.Info("modules summary", "enabled", enabled, "total", len(modules))
}

// checkDependencies dials the first endpoint of each enabled backend. An
// unreachable backend is a warning: the clients retry on their own.
func (d *Diagnostics) checkDependencies(ctx context.Context) {
	var deps []struct{ name, address string }
	if d.cfg.Storage.Enabled && len(d.cfg.Storage.ClickHouse.Hosts) > 0 {
		deps = append(deps, struct{ name, address string }{"clickhouse", d.cfg.Storage.ClickHouse.Hosts[0]})
	}
	if d.cfg.Redis.Enabled && d.cfg.Redis.Addr != "" {
		deps = append(deps, struct{ name, address string }{"redis", d.cfg.Redis.Addr})
	}
	if d.cfg.Kafka.Enabled && len(d.cfg.Kafka.Brokers) > 0 {
		deps = append(deps, struct{ name, address string }{"kafka", d.cfg.Kafka.Brokers[0]})
	}

	dialer := net.Dialer{Timeout: d.dialTimeout}
	for _, dep := range deps {
		name := dep.name + "_connectivity"
		details := map[string]string{"address": dep.address}
		conn, err := dialer.DialContext(ctx, "tcp", dep.address)
		if err != nil {
			d.addResult(DiagnosticResult{
				Name:    name,
				Status:  StatusWarning,
				Message: fmt.Sprintf("Cannot reach %s: %s", dep.name, err),
				Details: details,
			})
			continue
		}
		conn.Close()
		d.addResult(DiagnosticResult{
			Name:    name,
			Status:  StatusOK,
			Message: dep.name + " is reachable",
			Details: details,
		})
	}
}

// Summary counts the results of the last run.
func (d *Diagnostics) Summary() Summary {
	var s Summary
	for _, r := range d.results {
		switch r.Status {
		case StatusOK:
			s.Passed++
		case StatusWarning:
			s.Warnings++
		case StatusError:
			s.Errors++
		case StatusSkipped:
			s.Skipped++
		}
	}
	return s
}

func (d *Diagnostics) logSummary() {
	s := d.Summary()
	d.logger.Info("diagnostics summary",
		"passed", s.Passed,
		"warnings", s.Warnings,
		"errors", s.Errors,
		"skipped", s.Skipped,
	)

	if s.Errors > 0 {
		d.logger.Error("startup diagnostics found critical errors - guardian may not function correctly")
	} else if s.Warnings > 0 {
		d.logger.Warn("startup diagnostics found warnings - review before production")
	}
}

// HasErrors returns true if any diagnostic check failed
func (d *Diagnostics) HasErrors() bool {
	for _, r := range d.results {
		if r.Status == StatusError {
			return true
		}
	}
	return false
}

// HasWarnings returns true if any diagnostic check has warnings
func (d *Diagnostics) HasWarnings() bool {
	for _, r := range d.results {
		if r.Status == StatusWarning {
			return true
		}
	}
	return false
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
