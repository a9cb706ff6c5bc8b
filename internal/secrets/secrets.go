// Package secrets resolves credential references in the configuration.
// A value of the form "env:NAME" or "file:name" is looked up through the
// matching provider; anything else is a literal.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

var (
	// ErrSecretNotFound is returned when a secret is not found in any provider.
	ErrSecretNotFound = errors.New("secret not found")

	// ErrNoProvider is returned when no secret providers are configured.
	ErrNoProvider = errors.New("no secret provider configured")

	// ErrUnknownProvider is returned for a reference naming a provider the
	// manager does not have.
	ErrUnknownProvider = errors.New("unknown secret provider")
)

// Secret represents a retrieved secret with metadata.
type Secret struct {
	Value    string
	Metadata map[string]string
}

// Provider looks secrets up by key.
type Provider interface {
	// Name is also the reference scheme, e.g. "env" for "env:NAME".
	Name() string
	Get(ctx context.Context, key string) (*Secret, error)
}

// Manager resolves secrets across providers with a short-lived cache.
type Manager struct {
	providers []Provider
	cache     map[string]cachedSecret
	cacheMu   sync.RWMutex
	cacheTTL  time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

type cachedSecret struct {
	secret    *Secret
	fetchedAt time.Time
}

// Config holds configuration for the secrets manager.
type Config struct {
	EnableEnv bool
	EnvPrefix string

	EnableFile bool
	FileDir    string

	CacheTTL time.Duration
	Logger   *slog.Logger
}

// DefaultConfig returns default secrets manager configuration.
func DefaultConfig() *Config {
	return &Config{
		EnableEnv:  true,
		EnvPrefix:  DefaultEnvPrefix,
		EnableFile: true,
		FileDir:    "/run/secrets",
		CacheTTL:   5 * time.Minute,
		Logger:     slog.Default(),
	}
}

// NewManager creates a new secrets manager with the given configuration.
func NewManager(cfg *Config) (*Manager, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &Manager{
		cache:    make(map[string]cachedSecret),
		cacheTTL: cfg.CacheTTL,
		logger:   cfg.Logger,
		now:      time.Now,
	}

	if cfg.EnableEnv {
		m.providers = append(m.providers, NewEnvProvider(cfg.EnvPrefix, cfg.Logger))
	}
	if cfg.EnableFile {
		m.providers = append(m.providers, NewFileProvider(cfg.FileDir, cfg.Logger))
	}

	if len(m.providers) == 0 {
		return nil, ErrNoProvider
	}
	return m, nil
}

// Get retrieves a secret, trying each provider in order until found.
func (m *Manager) Get(ctx context.Context, key string) (string, error) {
	var lastErr error
	for _, p := range m.providers {
		value, err := m.getFrom(ctx, p, key)
		if err == nil {
			return value, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = ErrSecretNotFound
	}
	return "", fmt.Errorf("secret %q: %w", key, lastErr)
}

func (m *Manager) getFrom(ctx context.Context, p Provider, key string) (string, error) {
	cacheKey := p.Name() + ":" + key
	if s := m.getFromCache(cacheKey); s != nil {
		return s.Value, nil
	}

	s, err := p.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrSecretNotFound) {
			m.logger.Warn("secret provider error", "provider", p.Name(), "key", key, "error", err)
		}
		return "", err
	}

	m.cacheSecret(cacheKey, s)
	m.logger.Debug("secret retrieved", "key", key, "provider", p.Name())
	return s.Value, nil
}

// ParseSecretRef splits a reference into provider and key. A value without
// a recognised scheme is a literal; URLs such as "redis://..." stay literal.
func ParseSecretRef(ref string) (provider, key string) {
	scheme, rest, ok := strings.Cut(ref, ":")
	if !ok || strings.HasPrefix(rest, "//") {
		return "literal", ref
	}
	switch scheme {
	case "env", "file":
		return scheme, rest
	default:
		return "literal", ref
	}
}

// ResolveSecret resolves a secret reference. Literals are returned as-is.
func (m *Manager) ResolveSecret(ctx context.Context, ref string) (string, error) {
	provider, key := ParseSecretRef(ref)
	if provider == "literal" {
		return key, nil
	}

	for _, p := range m.providers {
		if p.Name() != provider {
			continue
		}
		value, err := m.getFrom(ctx, p, key)
		if err != nil {
			return "", fmt.Errorf("secret %s:%s: %w", provider, key, err)
		}
		return value, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
}

func (m *Manager) getFromCache(key string) *Secret {
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()

	cached, ok := m.cache[key]
	if !ok || m.now().Sub(cached.fetchedAt) > m.cacheTTL {
		return nil
	}
	return cached.secret
}

func (m *Manager) cacheSecret(key string, s *Secret) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	m.cache[key] = cachedSecret{secret: s, fetchedAt: m.now()}
}

// ClearCache drops every cached secret so rotated values are re-read.
func (m *Manager) ClearCache() {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()

	m.cache = make(map[string]cachedSecret)
	m.logger.Debug("secret cache cleared")
}
