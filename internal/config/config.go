// Package config handles configuration loading and validation for interlock.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mistakeknot/interlock/internal/audit"
	"github.com/mistakeknot/interlock/internal/coord"
	"github.com/mistakeknot/interlock/internal/lease"
	"github.com/mistakeknot/interlock/internal/project"
	"github.com/mistakeknot/interlock/internal/registry"
)

const (
	// EnvConfig overrides the default config path.
	EnvConfig = "INTERLOCK_CONFIG"
	// DefaultPath is used when neither --config nor INTERLOCK_CONFIG is set.
	DefaultPath = "interlock.yaml"

	DefaultListen = "127.0.0.1:7390"
)

// Storage backends.
const (
	BackendYAML   = "yaml"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Duration is a time.Duration written as a Go duration string ("10m").
type Duration time.Duration

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type StorageConfig struct {
	// FailOpen quarantines corrupt state files instead of failing. Nil means
	// the default (true).
	FailOpen *bool `yaml:"fail_open,omitempty"`
	// BusyRetries bounds how often the sqlite backend retries a locked
	// database. Zero keeps the backend default.
	BusyRetries int `yaml:"busy_retries,omitempty"`
}

type Config struct {
	Listen         string            `yaml:"listen"`
	SocketPath     string            `yaml:"socket_path,omitempty"`
	LogLevel       string            `yaml:"log_level"`
	Backend        string            `yaml:"backend"`
	DefaultProject string            `yaml:"default_project,omitempty"`
	Projects       map[string]string `yaml:"projects,omitempty"` // id -> project directory
	ProjectsDir    string            `yaml:"projects_dir,omitempty"`

	LeaseTTL           Duration `yaml:"lease_ttl"`
	StaleAfter         Duration `yaml:"stale_after"`
	LogLimit           int      `yaml:"log_limit"`
	MaxLogLimit        int      `yaml:"max_log_limit"`
	ReapInterval       Duration `yaml:"reap_interval"`
	NamespaceCacheSize int      `yaml:"namespace_cache_size"`

	Storage StorageConfig `yaml:"storage"`
}

// Default returns a config with every default applied.
func Default() Config {
	var c Config
	c.applyDefaults()
	return c
}

// Path picks the config file: flag, then $INTERLOCK_CONFIG, then DefaultPath.
func Path(flag string) string {
	if p := strings.TrimSpace(flag); p != "" {
		return expandHome(p)
	}
	if p := strings.TrimSpace(os.Getenv(EnvConfig)); p != "" {
		return expandHome(p)
	}
	return DefaultPath
}

// Load reads path. A missing file yields the defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML document.
func Parse(data []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Backend == "" {
		c.Backend = BackendYAML
	}
	if c.LeaseTTL == 0 {
		c.LeaseTTL = Duration(lease.DefaultTTL)
	}
	if c.StaleAfter == 0 {
		c.StaleAfter = Duration(registry.DefaultStaleAfter)
	}
	if c.LogLimit == 0 {
		c.LogLimit = audit.DefaultLimit
	}
	if c.MaxLogLimit == 0 {
		c.MaxLogLimit = audit.MaxLimit
	}
	if c.NamespaceCacheSize == 0 {
		c.NamespaceCacheSize = coord.DefaultCacheSize
	}
	if c.Storage.FailOpen == nil {
		v := true
		c.Storage.FailOpen = &v
	}
	c.SocketPath = expandHome(c.SocketPath)
	c.ProjectsDir = expandHome(c.ProjectsDir)
	for id, dir := range c.Projects {
		c.Projects[id] = expandHome(dir)
	}
}

func (c *Config) Validate() error {
	switch c.Backend {
	case BackendYAML, BackendSQLite, BackendMemory:
	default:
		return fmt.Errorf("backend must be yaml, sqlite or memory, got %q", c.Backend)
	}
	if c.LeaseTTL < 0 || c.StaleAfter < 0 || c.ReapInterval < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if c.LogLimit < 0 || c.MaxLogLimit < 0 || c.NamespaceCacheSize < 0 || c.Storage.BusyRetries < 0 {
		return fmt.Errorf("limits must not be negative")
	}
	if c.LogLimit > c.MaxLogLimit {
		return fmt.Errorf("log_limit %d exceeds max_log_limit %d", c.LogLimit, c.MaxLogLimit)
	}
	for id, dir := range c.Projects {
		if strings.TrimSpace(id) == "" || strings.TrimSpace(dir) == "" {
			return fmt.Errorf("project entries need an id and a directory")
		}
	}
	if c.DefaultProject != "" && c.ProjectsDir == "" {
		if _, ok := c.Projects[c.DefaultProject]; !ok {
			return fmt.Errorf("default_project %q is not listed in projects", c.DefaultProject)
		}
	}
	return nil
}

// FailOpen reports the effective storage.fail_open setting.
func (c Config) FailOpen() bool {
	return c.Storage.FailOpen == nil || *c.Storage.FailOpen
}

// Roots maps each configured project to its storage root.
func (c Config) Roots() map[string]string {
	out := make(map[string]string, len(c.Projects))
	for id, dir := range c.Projects {
		out[id] = filepath.Join(dir, project.StateDir)
	}
	return out
}

// Resolver builds the project resolver. The returned Static holds the
// explicit project map so a reload can update it in place.
func (c Config) Resolver() (*project.Static, project.Resolver) {
	static := project.NewStatic(c.Roots(), c.DefaultProject)
	if c.ProjectsDir == "" {
		return static, static
	}
	return static, project.Chain{static, project.NewDir(c.ProjectsDir)}
}

// CoordOptions translates the tunables into service options.
func (c Config) CoordOptions() []coord.Option {
	return []coord.Option{
		coord.WithLeaseTTL(c.LeaseTTL.Std()),
		coord.WithStaleAfter(c.StaleAfter.Std()),
		coord.WithLogLimits(c.LogLimit, c.MaxLogLimit),
		coord.WithCacheSize(c.NamespaceCacheSize),
	}
}

// Save writes c to path atomically.
func Save(path string, c Config) error {
	data, err := yaml.Marshal(&c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".interlock-config-*.yaml")
	if err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}
