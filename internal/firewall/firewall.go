// Package firewall turns mitigation directives into nftables or iptables
// commands. Commands are only executed when Apply is set; otherwise they
// are logged.
package firewall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"nettrace-guardian/internal/response"
	"nettrace-guardian/internal/schema"
)

// Backend represents the firewall backend type.
type Backend string

const (
	BackendNftables Backend = "nftables"
	BackendIptables Backend = "iptables"
)

var (
	// ErrUnsupportedBackend is returned for a backend other than nftables
	// or iptables.
	ErrUnsupportedBackend = errors.New("firewall: unsupported backend")

	// ErrProtectedAddress is returned for loopback, unspecified and
	// trusted addresses, which are never blocked.
	ErrProtectedAddress = errors.New("firewall: refusing to act on protected address")
)

// Config holds firewall configuration.
type Config struct {
	Backend         Backend  `yaml:"backend" validate:"omitempty,oneof=nftables iptables"`
	Apply           bool     `yaml:"apply"`
	NftablesPath    string   `yaml:"nftables_path"`
	IptablesPath    string   `yaml:"iptables_path"`
	Ip6tablesPath   string   `yaml:"ip6tables_path"`
	Table           string   `yaml:"table"`
	Chain           string   `yaml:"chain"`
	RulesFile       string   `yaml:"rules_file"`
	TrustedNetworks []string `yaml:"trusted_networks" validate:"dive,cidr"`
}

// DefaultConfig returns default firewall configuration. Apply is off, so
// a fresh install only logs what it would do.
func DefaultConfig() Config {
	return Config{
		Backend:       BackendNftables,
		Apply:         false,
		NftablesPath:  "/usr/sbin/nft",
		IptablesPath:  "/sbin/iptables",
		Ip6tablesPath: "/sbin/ip6tables",
		Table:         "guardian",
		Chain:         "INPUT",
		RulesFile:     "/etc/nftables.d/guardian.nft",
	}
}

// Command is one firewall invocation.
type Command struct {
	Path string
	Args []string
}

func (c Command) String() string {
	return c.Path + " " + strings.Join(c.Args, " ")
}

// Runner executes a command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, cmd Command) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, cmd Command) ([]byte, error) {
	return exec.CommandContext(ctx, cmd.Path, cmd.Args...).CombinedOutput()
}

// Option configures a Sink.
type Option func(*Sink)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sink) { s.logger = l }
}

// WithRunner replaces the command runner.
func WithRunner(r Runner) Option {
	return func(s *Sink) { s.runner = r }
}

// WithClock sets the time source used for rule expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Sink) { s.now = now }
}

// installed is an iptables rule set that must be deleted on expiry.
// nftables set elements carry their own timeout.
type installed struct {
	undo    []Command
	expires time.Time
}

// Sink applies directives to the host firewall.
type Sink struct {
	config  Config
	trusted []netip.Prefix
	runner  Runner
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	rules map[string]installed
}

// NewSink validates cfg and creates a firewall sink.
func NewSink(cfg Config, opts ...Option) (*Sink, error) {
	def := DefaultConfig()
	if cfg.Backend == "" {
		cfg.Backend = def.Backend
	}
	if cfg.Backend != BackendNftables && cfg.Backend != BackendIptables {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedBackend, cfg.Backend)
	}
	if cfg.NftablesPath == "" {
		cfg.NftablesPath = def.NftablesPath
	}
	if cfg.IptablesPath == "" {
		cfg.IptablesPath = def.IptablesPath
	}
	if cfg.Ip6tablesPath == "" {
		cfg.Ip6tablesPath = def.Ip6tablesPath
	}
	if cfg.Table == "" {
		cfg.Table = def.Table
	}
	if cfg.Chain == "" {
		cfg.Chain = def.Chain
	}

	s := &Sink{
		config: cfg,
		runner: ExecRunner{},
		logger: slog.Default(),
		now:    time.Now,
		rules:  make(map[string]installed),
	}
	for _, cidr := range cfg.TrustedNetworks {
		p, err := netip.ParsePrefix(cidr)
		if err != nil {
			return nil, schema.NewConfigError("firewall.trusted_networks", "invalid CIDR %q: %v", cidr, err)
		}
		s.trusted = append(s.trusted, p.Masked())
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Name implements response.DirectiveSink.
func (s *Sink) Name() string { return "firewall" }

// Setup loads the rules file that defines the guardian table, sets and
// rate-limit rules. It is a no-op for iptables and in dry-run mode.
func (s *Sink) Setup(ctx context.Context) error {
	if s.config.Backend != BackendNftables || s.config.RulesFile == "" {
		return nil
	}
	cmd := Command{Path: s.config.NftablesPath, Args: []string{"-f", s.config.RulesFile}}
	if !s.config.Apply {
		s.logger.Info("firewall dry-run", "command", cmd.String())
		return nil
	}
	if out, err := s.runner.Run(ctx, cmd); err != nil {
		return fmt.Errorf("firewall: load %s: %s: %w", s.config.RulesFile, strings.TrimSpace(string(out)), err)
	}
	s.logger.Info("nftables rules loaded", "file", s.config.RulesFile)
	return nil
}

// Apply implements response.DirectiveSink.
func (s *Sink) Apply(ctx context.Context, d response.Directive) error {
	if d.Scope == schema.ScopeAggregate {
		s.logger.Debug("aggregate directive has no source to match", "directive_id", d.ID)
		return nil
	}

	addr, err := netip.ParseAddr(d.SourceIP)
	if err != nil {
		return fmt.Errorf("firewall: invalid source %q: %w", d.SourceIP, err)
	}
	addr = addr.Unmap()
	if s.protected(addr) {
		return fmt.Errorf("%w: %s", ErrProtectedAddress, addr)
	}

	cmds, undo, err := s.Render(d, addr)
	if err != nil {
		return err
	}

	for _, cmd := range cmds {
		if !s.config.Apply {
			s.logger.Info("firewall dry-run", "command", cmd.String(), "directive_id", d.ID)
			continue
		}
		if out, err := s.runner.Run(ctx, cmd); err != nil {
			return fmt.Errorf("firewall: %s: %s: %w", cmd, strings.TrimSpace(string(out)), err)
		}
	}

	if s.config.Apply && len(undo) > 0 {
		s.mu.Lock()
		s.rules[string(d.Kind)+"|"+d.PacketType.String()+"|"+addr.String()] = installed{undo: undo, expires: d.ExpiresAt}
		s.mu.Unlock()
	}

	s.logger.Warn("firewall directive applied",
		"kind", d.Kind,
		"source_ip", addr.String(),
		"packet_type", d.PacketType.String(),
		"ttl", d.TTL(),
		"dry_run", !s.config.Apply,
	)
	return nil
}

// Render returns the commands for d and, for iptables, the commands that
// remove them again.
func (s *Sink) Render(d response.Directive, addr netip.Addr) (cmds, undo []Command, err error) {
	switch s.config.Backend {
	case BackendNftables:
		cmds, err = s.renderNftables(d, addr)
		return cmds, nil, err
	case BackendIptables:
		return s.renderIptables(d, addr)
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnsupportedBackend, s.config.Backend)
	}
}

// renderNftables adds the source to a timed set. The rules file matches the
// sets: blocked_ips drops everything, ratelimit_<type> applies a limit.
func (s *Sink) renderNftables(d response.Directive, addr netip.Addr) ([]Command, error) {
	var set string
	switch d.Kind {
	case response.KindBlock:
		set = "blocked_ips"
	case response.KindRateLimit:
		set = "ratelimit_" + d.PacketType.String()
	default:
		return nil, fmt.Errorf("firewall: unsupported directive kind %q", d.Kind)
	}
	if addr.Is6() {
		set += "_v6"
	}

	return []Command{{
		Path: s.config.NftablesPath,
		Args: []string{"add", "element", "inet", s.config.Table, set,
			fmt.Sprintf("{ %s timeout %ds }", addr, ttlSeconds(d.TTL()))},
	}}, nil
}

// renderIptables inserts rules at the top of the chain. A rate limit is an
// ACCEPT under the limit followed by a DROP, so both go in as a pair.
func (s *Sink) renderIptables(d response.Directive, addr netip.Addr) (cmds, undo []Command, err error) {
	path := s.config.IptablesPath
	if addr.Is6() {
		path = s.config.Ip6tablesPath
	}
	comment := []string{"-m", "comment", "--comment", "guardian-" + string(d.Kind)}
	match := append([]string{"-s", addr.String()}, protocolMatch(d.PacketType, addr.Is6())...)

	rule := func(op string, extra ...string) Command {
		args := []string{op, s.config.Chain}
		if op == "-I" {
			args = append(args, "1")
		}
		args = append(args, match...)
		args = append(args, extra...)
		args = append(args, comment...)
		return Command{Path: path, Args: args}
	}

	switch d.Kind {
	case response.KindBlock:
		cmds = []Command{rule("-I", "-j", "DROP")}
		undo = []Command{rule("-D", "-j", "DROP")}
	case response.KindRateLimit:
		limit := []string{"-m", "limit",
			"--limit", fmt.Sprintf("%d/second", limitPerSecond(d.LimitPerSecond)),
			"--limit-burst", strconv.Itoa(limitPerSecond(d.LimitPerSecond)),
			"-j", "ACCEPT"}
		// DROP first, so the ACCEPT ends up above it.
		cmds = []Command{rule("-I", "-j", "DROP"), rule("-I", limit...)}
		undo = []Command{rule("-D", limit...), rule("-D", "-j", "DROP")}
	default:
		return nil, nil, fmt.Errorf("firewall: unsupported directive kind %q", d.Kind)
	}
	return cmds, undo, nil
}

func protocolMatch(pt schema.PacketType, v6 bool) []string {
	switch pt {
	case schema.PacketSYN:
		return []string{"-p", "tcp", "--syn"}
	case schema.PacketUDP:
		return []string{"-p", "udp"}
	case schema.PacketICMP:
		if v6 {
			return []string{"-p", "ipv6-icmp"}
		}
		return []string{"-p", "icmp"}
	default:
		return nil
	}
}

// Prune removes iptables rules whose directive has expired.
func (s *Sink) Prune(ctx context.Context) int {
	now := s.now()

	s.mu.Lock()
	var expired []installed
	for key, r := range s.rules {
		if !now.Before(r.expires) {
			expired = append(expired, r)
			delete(s.rules, key)
		}
	}
	s.mu.Unlock()

	for _, r := range expired {
		for _, cmd := range r.undo {
			if out, err := s.runner.Run(ctx, cmd); err != nil {
				s.logger.Warn("failed to remove expired firewall rule",
					"command", cmd.String(),
					"output", strings.TrimSpace(string(out)),
					"error", err,
				)
			}
		}
	}
	return len(expired)
}

// Run prunes expired rules every interval until ctx is done.
func (s *Sink) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Prune(ctx); n > 0 {
				s.logger.Info("expired firewall rules removed", "count", n)
			}
		}
	}
}

// Installed returns the number of iptables rule sets awaiting expiry.
func (s *Sink) Installed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rules)
}

func (s *Sink) protected(addr netip.Addr) bool {
	if addr.IsLoopback() || addr.IsUnspecified() {
		return true
	}
	for _, p := range s.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func ttlSeconds(d time.Duration) int {
	return max(int(d.Seconds()), 1)
}

func limitPerSecond(v float64) int {
	return max(int(v), 1)
}

var _ response.DirectiveSink = (*Sink)(nil)
