package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"groupcal/internal/model"
)

// Store backends accepted in store.backend.
const (
	BackendBolt   = "bolt"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendFile   = "file"
	BackendMemory = "memory"
)

var backends = []string{BackendBolt, BackendSQLite, BackendRedis, BackendFile, BackendMemory}

const (
	defaultListen   = "127.0.0.1:8080"
	defaultTimezone = "UTC"
	defaultRefresh  = "*/15 * * * *"
	defaultLogLevel = "INFO"
	defaultCalName  = "Group events"
)

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// StoreConfig selects and configures the record store backend.
type StoreConfig struct {
	// Backend is one of bolt, sqlite, redis, file or memory.
	Backend string `yaml:"backend" json:"backend"`
	// Path is the database file (bolt, sqlite) or directory (file).
	Path string `yaml:"path" json:"path"`

	RedisAddr     string `yaml:"redis_addr,omitempty" json:"redis_addr,omitempty"`
	RedisPassword string `yaml:"redis_password,omitempty" json:"-"`
	RedisDB       int    `yaml:"redis_db,omitempty" json:"redis_db,omitempty"`
	RedisPrefix   string `yaml:"redis_prefix,omitempty" json:"redis_prefix,omitempty"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone used when presenting event times.
	Timezone string `yaml:"timezone" json:"timezone"`

	// RefreshCron is a cron-style schedule (e.g. "*/15 * * * *") for
	// periodic snapshot refresh. "off" disables it.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	LogLevel string `yaml:"log_level" json:"log_level"`

	Store StoreConfig `yaml:"store" json:"store"`

	// Palette overrides the display colors assigned by position.
	Palette []string `yaml:"palette,omitempty" json:"palette,omitempty"`

	// TitleNameFallback enables extracting group names from event titles
	// when the directory has no entry. Defaults to true.
	TitleNameFallback *bool `yaml:"title_name_fallback,omitempty" json:"title_name_fallback,omitempty"`

	// CalendarName is the name of the exported iCalendar feed.
	CalendarName string `yaml:"calendar_name" json:"calendar_name"`

	// Groups seeds the static group directory.
	Groups []model.Group `yaml:"groups" json:"groups"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// endpoints except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"-"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:       defaultListen,
		Timezone:     defaultTimezone,
		RefreshCron:  defaultRefresh,
		LogLevel:     defaultLogLevel,
		Store:        StoreConfig{Backend: BackendBolt, Path: "/var/lib/groupcal/groupcal.db"},
		CalendarName: defaultCalName,
		Groups:       []model.Group{},
	}
}

// Normalize fills in missing/zero values so that partially-filled configs
// still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	if c.RefreshCron == "" {
		c.RefreshCron = defaultRefresh
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	if c.Store.Backend == "" {
		c.Store.Backend = BackendBolt
	}
	if c.CalendarName == "" {
		c.CalendarName = defaultCalName
	}
	if c.Groups == nil {
		c.Groups = []model.Group{}
	}
}

// Validate reports settings that cannot be used as-is.
func (c *Config) Validate() error {
	var errs []error
	if !slices.Contains(backends, c.Store.Backend) {
		errs = append(errs, fmt.Errorf("store.backend %q is not one of %s", c.Store.Backend, strings.Join(backends, ", ")))
	}
	switch c.Store.Backend {
	case BackendBolt, BackendSQLite, BackendFile:
		if strings.TrimSpace(c.Store.Path) == "" {
			errs = append(errs, fmt.Errorf("store.path is required for the %s backend", c.Store.Backend))
		}
	case BackendRedis:
		if strings.TrimSpace(c.Store.RedisAddr) == "" {
			errs = append(errs, errors.New("store.redis_addr is required for the redis backend"))
		}
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Location loads the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// TitleFallback reports whether title-based group names are enabled.
func (c *Config) TitleFallback() bool {
	return c.TitleNameFallback == nil || *c.TitleNameFallback
}

// envOverrides are read from GROUPCAL_* variables; unset ones are ignored.
type envOverrides struct {
	Listen       string `env:"LISTEN"`
	Timezone     string `env:"TIMEZONE"`
	Refresh      string `env:"REFRESH"`
	LogLevel     string `env:"LOG_LEVEL"`
	StoreBackend string `env:"STORE_BACKEND"`
	StorePath    string `env:"STORE_PATH"`
	RedisAddr    string `env:"REDIS_ADDR"`
	RedisPass    string `env:"REDIS_PASSWORD"`
}

// ApplyEnv overrides file settings with GROUPCAL_* environment variables.
func (c *Config) ApplyEnv() error {
	var o envOverrides
	if err := env.ParseWithOptions(&o, env.Options{Prefix: "GROUPCAL_"}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&c.Listen, o.Listen)
	set(&c.Timezone, o.Timezone)
	set(&c.RefreshCron, o.Refresh)
	set(&c.LogLevel, o.LogLevel)
	set(&c.Store.Backend, o.StoreBackend)
	set(&c.Store.Path, o.StorePath)
	set(&c.Store.RedisAddr, o.RedisAddr)
	set(&c.Store.RedisPassword, o.RedisPass)
	c.Normalize()
	return nil
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist, a default config is written with 0600
//     perms and returned.
//   - If the file exists, it is unmarshaled and normalized.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes cfg to path atomically via a temp file + rename, creating the
// parent directory (0700) and leaving the file at 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".groupcal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}

	// Flush and close before chmod/rename.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save delegates to the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
