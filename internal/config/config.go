package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Target is one sweep target.
type Target struct {
	Path     string `yaml:"path" json:"path"`
	KeepRoot bool   `yaml:"keep_root" json:"keep_root"` // remove contents, keep the directory itself
}

type PrometheusCfg struct {
	Port int `yaml:"port" json:"port"`
}

type APICfg struct {
	Port          int     `yaml:"port" json:"port"`
	JWTSecretFile string  `yaml:"jwt_secret_file" json:"jwt_secret_file"`
	RateLimit     float64 `yaml:"rate_limit" json:"rate_limit"` // requests per second per client
	Burst         int     `yaml:"burst" json:"burst"`
	MaxBodyBytes  int64   `yaml:"max_body_bytes" json:"max_body_bytes"`
}

type LoggingCfg struct {
	Level        string `yaml:"level" json:"level"`
	Format       string `yaml:"format" json:"format"` // console or json
	File         string `yaml:"file" json:"file"`
	RotationDays int    `yaml:"rotation_days" json:"rotation_days"` // Days to keep logs before rotation
}

type Config struct {
	Targets           []Target      `yaml:"targets" json:"targets"`
	AllowedRoots      []string      `yaml:"allowed_roots" json:"allowed_roots"`
	ProtectedPaths    []string      `yaml:"protected_paths" json:"protected_paths"`
	IntervalMinutes   int           `yaml:"interval_minutes" json:"interval_minutes"`
	DryRun            bool          `yaml:"dry_run" json:"dry_run"`
	Workers           int           `yaml:"workers" json:"workers"` // targets swept concurrently
	MaxOpsPerSecond   float64       `yaml:"max_ops_per_second" json:"max_ops_per_second"`
	StaleMountTimeout int           `yaml:"stale_mount_timeout_seconds" json:"stale_mount_timeout_seconds"`
	DatabasePath      string        `yaml:"database_path" json:"database_path"`
	Prometheus        PrometheusCfg `yaml:"prometheus" json:"prometheus"`
	API               APICfg        `yaml:"api" json:"api"`
	Logging           LoggingCfg    `yaml:"logging" json:"logging"`
}

const DefaultDatabasePath = "/var/lib/rmtree/history.db"

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid config")

var (
	ErrNoTargets          = fmt.Errorf("%w: no targets configured", ErrInvalid)
	ErrInvalidPath        = fmt.Errorf("%w: path must be absolute", ErrInvalid)
	ErrNegative           = fmt.Errorf("%w: value cannot be negative", ErrInvalid)
	ErrInvalidLevel       = fmt.Errorf("%w: unknown log level", ErrInvalid)
	ErrInvalidFormat      = fmt.Errorf("%w: log format must be console or json", ErrInvalid)
	ErrTargetOutsideRoots = fmt.Errorf("%w: target outside allowed_roots", ErrInvalid)
	ErrRootTarget         = fmt.Errorf("%w: target is an allowed root; set keep_root", ErrInvalid)
	ErrDuplicateTarget    = fmt.Errorf("%w: duplicate target", ErrInvalid)
)

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg, err := decode(f)
	if err != nil {
		return nil, err
	}
	if err := cfg.validateAndDefault(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	// an empty config always validates
	_ = cfg.validateAndDefault()
	return cfg
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return cfg, nil
		}
		return nil, fmt.Errorf("%w: decode yaml: %v", ErrInvalid, err)
	}
	return cfg, nil
}

func (c *Config) validateAndDefault() error {
	if c.IntervalMinutes < 0 || c.Workers < 0 || c.MaxOpsPerSecond < 0 || c.StaleMountTimeout < 0 {
		return ErrNegative
	}
	if c.API.RateLimit < 0 || c.API.Burst < 0 || c.API.MaxBodyBytes < 0 {
		return fmt.Errorf("api: %w", ErrNegative)
	}

	if c.IntervalMinutes == 0 {
		c.IntervalMinutes = 15
	}
	if c.Workers == 0 {
		c.Workers = 2
	}
	if c.StaleMountTimeout == 0 {
		c.StaleMountTimeout = 5
	}
	if c.DatabasePath == "" {
		c.DatabasePath = DefaultDatabasePath
	}
	if c.Prometheus.Port == 0 {
		c.Prometheus.Port = 9191
	}
	if c.API.Port == 0 {
		c.API.Port = 8181
	}
	if c.API.RateLimit == 0 {
		c.API.RateLimit = 10
	}
	if c.API.Burst == 0 {
		c.API.Burst = 20
	}
	if c.API.MaxBodyBytes == 0 {
		c.API.MaxBodyBytes = 1 << 20
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidLevel, c.Logging.Level)
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("%w: %q", ErrInvalidFormat, c.Logging.Format)
	}
	if c.Logging.RotationDays <= 0 {
		c.Logging.RotationDays = 30
	}
	if c.Logging.File != "" {
		p, err := cleanAbsolute(c.Logging.File)
		if err != nil {
			return fmt.Errorf("logging.file: %w", err)
		}
		c.Logging.File = p
	}

	roots, err := cleanAll(c.AllowedRoots)
	if err != nil {
		return fmt.Errorf("allowed_roots: %w", err)
	}
	c.AllowedRoots = roots

	protected, err := cleanAll(c.ProtectedPaths)
	if err != nil {
		return fmt.Errorf("protected_paths: %w", err)
	}
	c.ProtectedPaths = protected

	seen := make(map[string]bool, len(c.Targets))
	for i := range c.Targets {
		p, err := cleanAbsolute(c.Targets[i].Path)
		if err != nil {
			return fmt.Errorf("targets[%d]: %w", i, err)
		}
		if seen[p] {
			return fmt.Errorf("%w: %s", ErrDuplicateTarget, p)
		}
		seen[p] = true
		c.Targets[i].Path = p

		if len(c.AllowedRoots) == 0 {
			continue
		}
		root, ok := containingRoot(c.AllowedRoots, p)
		if !ok {
			return fmt.Errorf("%w: %s", ErrTargetOutsideRoots, p)
		}
		if root == p && !c.Targets[i].KeepRoot {
			return fmt.Errorf("%w: %s", ErrRootTarget, p)
		}
	}

	return nil
}

// RequireTargets reports ErrNoTargets for a config the daemon cannot sweep.
func (c *Config) RequireTargets() error {
	if len(c.Targets) == 0 {
		return ErrNoTargets
	}
	return nil
}

func cleanAll(paths []string) ([]string, error) {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		cp, err := cleanAbsolute(p)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

func cleanAbsolute(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", ErrInvalidPath
	}
	cp := filepath.Clean(p)
	if !filepath.IsAbs(cp) {
		return "", fmt.Errorf("%w: %s", ErrInvalidPath, p)
	}
	return cp, nil
}

func containingRoot(roots []string, p string) (string, bool) {
	for _, r := range roots {
		if p == r {
			return r, true
		}
		prefix := r
		if !strings.HasSuffix(prefix, string(filepath.Separator)) {
			prefix += string(filepath.Separator)
		}
		if strings.HasPrefix(p, prefix) {
			return r, true
		}
	}
	return "", false
}

// Marshal renders the effective configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

func (c *Config) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

func (c *Config) StaleTimeout() time.Duration {
	return time.Duration(c.StaleMountTimeout) * time.Second
}

func (c *Config) PrometheusAddress() string {
	return fmt.Sprintf(":%d", c.Prometheus.Port)
}

func (c *Config) APIAddress() string {
	return fmt.Sprintf(":%d", c.API.Port)
}
