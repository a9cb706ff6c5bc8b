package secrets

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// DefaultEnvPrefix is prepended to environment keys that lack it.
const DefaultEnvPrefix = "GUARDIAN_"

// EnvProvider retrieves secrets from environment variables.
type EnvProvider struct {
	prefix string
	logger *slog.Logger
}

// NewEnvProvider creates a new environment variable provider.
func NewEnvProvider(prefix string, logger *slog.Logger) *EnvProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &EnvProvider{prefix: prefix, logger: logger}
}

// Name returns the provider name.
func (e *EnvProvider) Name() string {
	return "env"
}

// Get looks up the prefixed, normalised key first and the raw key second.
func (e *EnvProvider) Get(_ context.Context, key string) (*Secret, error) {
	envKey := e.normalizeKey(key)

	value := os.Getenv(envKey)
	if value == "" {
		envKey = key
		value = os.Getenv(key)
	}
	if value == "" {
		return nil, ErrSecretNotFound
	}

	return &Secret{
		Value:    value,
		Metadata: map[string]string{"source": "env", "variable": envKey},
	}, nil
}

// normalizeKey converts a key to upper-case environment variable form:
//
//	"redis.password" -> "GUARDIAN_REDIS_PASSWORD"
//	"GUARDIAN_REDIS_PASSWORD" -> "GUARDIAN_REDIS_PASSWORD"
func (e *EnvProvider) normalizeKey(key string) string {
	normalized := strings.ToUpper(key)
	normalized = strings.NewReplacer(".", "_", "-", "_", "/", "_").Replace(normalized)
	if e.prefix != "" && !strings.HasPrefix(normalized, e.prefix) {
		normalized = e.prefix + normalized
	}
	return normalized
}
