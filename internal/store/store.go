// Package store provides the key/value blob persistence used by natgate to
// keep the port map table across restarts. Every backend stages writes with
// Set and makes them durable with Commit; a crash between the two loses the
// staged value but never leaves a partially written blob visible to Get.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// ErrNotFound is returned by Get when the key has never been committed.
var ErrNotFound = errors.New("key not found")

// Store is a key/value blob store with explicit commit.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Commit(ctx context.Context) error
	Close() error
}

// Supported backend names.
const (
	BackendFile      = "file"
	BackendRedis     = "redis"
	BackendConfigMap = "configmap"
)

// Config selects and parameterises a backend.
type Config struct {
	Backend string `mapstructure:"backend"`

	// file
	Dir string `mapstructure:"dir"`

	// redis
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	RedisPrefix   string `mapstructure:"redis_prefix"`

	// configmap
	Namespace     string `mapstructure:"namespace"`
	ConfigMapName string `mapstructure:"configmap_name"`
}

// Open builds the backend named by cfg.Backend.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	if backend == "" {
		backend = BackendFile
	}

	logger.Info("opening persistence store", slog.String("backend", backend))

	switch backend {
	case BackendFile:
		return NewFileStore(cfg.Dir)
	case BackendRedis:
		return NewRedisStore(ctx, RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		})
	case BackendConfigMap:
		clientset, err := NewInClusterClient()
		if err != nil {
			return nil, err
		}
		namespace := cfg.Namespace
		if namespace == "" {
			namespace = os.Getenv("POD_NAMESPACE")
		}
		return NewConfigMapStore(clientset, namespace, cfg.ConfigMapName)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// staged holds uncommitted writes. Callers synchronise access.
type staged map[string][]byte

func (s staged) put(key string, value []byte) {
	s[key] = append([]byte(nil), value...)
}

func (s staged) lookup(key string) ([]byte, bool) {
	v, ok := s[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("store key cannot be empty")
	}
	if strings.ContainsAny(key, "/\\") || key == "." || key == ".." {
		return fmt.Errorf("store key %q contains unsupported characters", key)
	}
	return nil
}
