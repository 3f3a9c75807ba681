package schema

import (
	"errors"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// ServiceConfig defines defaults and limits for the session gateway.
type ServiceConfig struct {
	// RootDir is the container root every client path resolves under.
	RootDir string
	// UserDir is the working directory of the shell and the root of tree snapshots.
	UserDir string
	// OpTimeout bounds each file and tree operation.
	OpTimeout time.Duration
}

const (
	// DefaultRootDir is the container root used when none is configured.
	DefaultRootDir = "/app"
	// DefaultUserDirName is the user directory below the root.
	DefaultUserDirName = "user"
	// DefaultOpTimeout bounds file and tree operations.
	DefaultOpTimeout = 10 * time.Second
)

// NormalizeServiceConfig applies defaults and validates the config.
func NormalizeServiceConfig(cfg ServiceConfig) (ServiceConfig, error) {
	cfg.RootDir = strings.TrimSpace(cfg.RootDir)
	if cfg.RootDir == "" {
		cfg.RootDir = DefaultRootDir
	}
	if !filepath.IsAbs(cfg.RootDir) {
		return ServiceConfig{}, errors.New("root dir must be absolute")
	}
	cfg.RootDir = filepath.Clean(cfg.RootDir)
	cfg.UserDir = strings.TrimSpace(cfg.UserDir)
	if cfg.UserDir == "" {
		cfg.UserDir = filepath.Join(cfg.RootDir, DefaultUserDirName)
	}
	cfg.UserDir = filepath.Clean(cfg.UserDir)
	if !WithinRoot(cfg.RootDir, cfg.UserDir) {
		return ServiceConfig{}, errors.New("user dir must be inside root dir")
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = DefaultOpTimeout
	}
	return cfg, nil
}

// WithinRoot reports whether target equals root or lies below it.
func WithinRoot(root, target string) bool {
	root = filepath.Clean(root)
	target = filepath.Clean(target)
	if root == target {
		return true
	}
	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(target, prefix)
}

// CleanClientPath normalizes a slash-separated client path to an absolute slash path.
func CleanClientPath(p string) string {
	p = strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	return path.Clean("/" + p)
}
