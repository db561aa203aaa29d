// Package config resolves budget-cli settings from, in increasing priority,
// built-in defaults, the TOML config file, .env and the environment, and
// command-line flags.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const appName = "budget-cli"

// Store backends.
const (
	StoreFile   = "file"
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// Config holds every setting the CLI reads.
type Config struct {
	ServerURL string   `toml:"server_url"`
	Store     string   `toml:"store"`
	TokenFile string   `toml:"token_file,omitempty"`
	Profile   string   `toml:"profile"`
	Timeout   Duration `toml:"timeout"`
	LogLevel  string   `toml:"log_level"`
	LogFile   string   `toml:"log_file,omitempty"`
}

// Duration is a time.Duration written as a Go duration string in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		ServerURL: "http://localhost:8080",
		Store:     StoreFile,
		Profile:   "default",
		Timeout:   Duration{30 * time.Second},
		LogLevel:  "warn",
	}
}

// Dir returns the XDG-compliant config directory.
func Dir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appName)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", appName)
}

// Path returns the default config file location.
func Path() string {
	return filepath.Join(Dir(), "config.toml")
}

// Load reads the TOML file at path over the defaults. A missing file is not
// an error.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config: %w", err)
	}

	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// Save writes cfg to path, creating its directory.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating config file: %w", err)
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

// LoadDotEnv loads .env from the working directory into the environment.
// Variables already set win. A missing file is ignored.
func LoadDotEnv() {
	_ = godotenv.Load()
}

// envKeys maps environment variables onto fields.
var envKeys = []struct {
	key string
	set func(*Config, string) error
}{
	{"SERVER_URL", func(c *Config, v string) error { c.ServerURL = v; return nil }},
	{"TOKEN_STORE", func(c *Config, v string) error { c.Store = v; return nil }},
	{"TOKEN_FILE", func(c *Config, v string) error { c.TokenFile = v; return nil }},
	{"PROFILE", func(c *Config, v string) error { c.Profile = v; return nil }},
	{"TIMEOUT", func(c *Config, v string) error { return c.Timeout.UnmarshalText([]byte(v)) }},
	{"LOG_LEVEL", func(c *Config, v string) error { c.LogLevel = v; return nil }},
	{"LOG_FILE", func(c *Config, v string) error { c.LogFile = v; return nil }},
}

// ApplyEnv overrides fields from the environment, looked up with getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	for _, e := range envKeys {
		v := getenv(e.key)
		if v == "" {
			continue
		}
		if err := e.set(c, v); err != nil {
			return fmt.Errorf("%s: %w", e.key, err)
		}
	}
	return nil
}

// Validate checks cfg and fills the fields whose defaults depend on others.
func (c *Config) Validate() error {
	if err := ValidateServerURL(c.ServerURL); err != nil {
		return fmt.Errorf("invalid server_url: %w", err)
	}
	c.ServerURL = strings.TrimRight(c.ServerURL, "/")

	switch c.Store {
	case StoreFile, StoreSQLite, StoreMemory:
	default:
		return fmt.Errorf("store must be %s, %s or %s, got %q", StoreFile, StoreSQLite, StoreMemory, c.Store)
	}
	if c.Profile == "" {
		return errors.New("profile cannot be empty")
	}
	if c.Timeout.Duration <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	if c.TokenFile == "" {
		c.TokenFile = c.defaultTokenFile()
	}
	return nil
}

func (c *Config) defaultTokenFile() string {
	if c.Store == StoreSQLite {
		return filepath.Join(Dir(), "tokens.db")
	}
	return filepath.Join(Dir(), "tokens.json")
}

// Insecure reports whether tokens would travel over plain HTTP.
func (c Config) Insecure() bool {
	return strings.HasPrefix(strings.ToLower(c.ServerURL), "http://")
}

// ValidateServerURL validates that the server URL is properly formatted.
func ValidateServerURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("server URL cannot be empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got: %s", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("URL must include a host")
	}

	return nil
}
