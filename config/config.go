// Package config loads carbonlog settings from a YAML file, the environment
// and command-line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultAPIURL  = "http://localhost:8000"
	DefaultAuthURL = "http://localhost:8001"
	DefaultFormat  = "flac"
	DefaultTimeout = 30 * time.Second
)

// Config holds all client configuration.
type Config struct {
	APIURL         string        `yaml:"api_url"`
	AuthURL        string        `yaml:"auth_url"`
	Format         string        `yaml:"format"`
	Device         string        `yaml:"device"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MinClip        time.Duration `yaml:"min_clip"`
	Beep           *bool         `yaml:"beep"`
}

func (c *Config) defaults() {
	if c.APIURL == "" {
		c.APIURL = DefaultAPIURL
	}
	if c.AuthURL == "" {
		c.AuthURL = DefaultAuthURL
	}
	if c.Format == "" {
		c.Format = DefaultFormat
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultTimeout
	}
	if c.MinClip < 0 {
		c.MinClip = 0
	}
	if c.Beep == nil {
		on := true
		c.Beep = &on
	}
	c.APIURL = strings.TrimRight(c.APIURL, "/")
	c.AuthURL = strings.TrimRight(c.AuthURL, "/")
}

// BeepEnabled reports whether audible start/stop cues are on.
func (c *Config) BeepEnabled() bool {
	return c.Beep == nil || *c.Beep
}

// Validate rejects settings the client cannot run with.
func (c *Config) Validate() error {
	switch c.Format {
	case "flac", "wav":
	default:
		return fmt.Errorf("unknown format %q (use flac or wav)", c.Format)
	}
	for name, u := range map[string]string{"api_url": c.APIURL, "auth_url": c.AuthURL} {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return fmt.Errorf("%s must be an http(s) URL, got %q", name, u)
		}
	}
	return nil
}

// Dir returns the per-user carbonlog configuration directory.
func Dir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "carbonlog"), nil
}

// DefaultPath returns the config file used when -config is not given.
func DefaultPath() (string, error) {
	d, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, "config.yaml"), nil
}

// LoadFile reads a YAML config file. A missing file yields the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.defaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("CARBONLOG_API_URL"); v != "" {
		c.APIURL = v
	}
	if v := os.Getenv("CARBONLOG_AUTH_URL"); v != "" {
		c.AuthURL = v
	}
}

// Overrides are command-line values; empty fields leave the config untouched.
type Overrides struct {
	APIURL  string
	AuthURL string
	Format  string
	Device  string
}

// Apply layers flag values over the loaded config.
func (c *Config) Apply(o Overrides) {
	if o.APIURL != "" {
		c.APIURL = strings.TrimRight(o.APIURL, "/")
	}
	if o.AuthURL != "" {
		c.AuthURL = strings.TrimRight(o.AuthURL, "/")
	}
	if o.Format != "" {
		c.Format = o.Format
	}
	if o.Device != "" {
		c.Device = o.Device
	}
}
