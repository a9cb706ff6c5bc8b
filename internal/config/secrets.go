package config

import (
	"context"
	"fmt"
)

// SecretResolver turns a credential reference such as "env:NAME" or
// "file:/run/secrets/x" into its value. Literals come back unchanged.
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// ResolveSecrets replaces every credential field with its resolved value.
func (c *Config) ResolveSecrets(ctx context.Context, r SecretResolver) error {
	fields := []struct {
		name string
		ptr  *string
	}{
		{"kafka.sasl_password", &c.Kafka.SASLPassword},
		{"redis.password", &c.Redis.Password},
		{"storage.clickhouse.password", &c.Storage.ClickHouse.Password},
		{"archive.access_key_id", &c.Archive.AccessKeyID},
		{"archive.secret_access_key", &c.Archive.SecretAccessKey},
		{"archive.session_token", &c.Archive.SessionToken},
	}
	for i := range c.Auth.APIKeys {
		fields = append(fields, struct {
			name string
			ptr  *string
		}{fmt.Sprintf("auth.api_keys[%d]", i), &c.Auth.APIKeys[i]})
	}

	for _, f := range fields {
		if *f.ptr == "" {
			continue
		}
		v, err := r.ResolveSecret(ctx, *f.ptr)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", f.name, err)
		}
		*f.ptr = v
	}
	return nil
}
