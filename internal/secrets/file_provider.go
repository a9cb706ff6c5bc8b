package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// FileProvider retrieves secrets from files, such as Docker or Kubernetes
// secrets mounted into the container.
type FileProvider struct {
	baseDir string
	logger  *slog.Logger
}

// NewFileProvider creates a provider reading from baseDir. Absolute keys
// are read as-is.
func NewFileProvider(baseDir string, logger *slog.Logger) *FileProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileProvider{baseDir: baseDir, logger: logger}
}

// Name returns the provider name.
func (f *FileProvider) Name() string {
	return "file"
}

// Get reads the secret file for key, trimming the trailing newline.
func (f *FileProvider) Get(_ context.Context, key string) (*Secret, error) {
	path := f.path(key)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSecretNotFound
		}
		return nil, fmt.Errorf("read secret file: %w", err)
	}

	return &Secret{
		Value:    strings.TrimRight(string(data), "\n\r"),
		Metadata: map[string]string{"source": "file", "path": path},
	}, nil
}

func (f *FileProvider) path(key string) string {
	if filepath.IsAbs(key) {
		return filepath.Clean(key)
	}
	return filepath.Join(f.baseDir, keyToFilename(key))
}

// keyToFilename converts a relative key to a flat file name:
//
//	"redis/password" -> "redis_password"
//	"kafka.sasl-password" -> "kafka_sasl_password"
func keyToFilename(key string) string {
	name := strings.NewReplacer("/", "_", ".", "_", "-", "_").Replace(key)
	return strings.ToLower(name)
}
