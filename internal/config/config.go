// Package config loads the host's bridge settings: defaults, then an
// optional YAML file, then environment variables (a .env file in the
// working directory is loaded first).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Approval modes.
const (
	ApprovalTUI     = "tui"
	ApprovalTTY     = "tty"
	ApprovalConsole = "console"
)

// DefaultPort is the bridge port used when nothing else is configured.
const DefaultPort = 9876

// Config holds the host's bridge settings.
type Config struct {
	Port            int           `yaml:"port"`
	AutoStart       bool          `yaml:"auto_start"`
	ApprovalMode    string        `yaml:"approval_mode"`
	ApprovalTimeout time.Duration `yaml:"approval_timeout"`
	ExecTimeout     time.Duration `yaml:"exec_timeout"`
	ConsoleAddr     string        `yaml:"console_addr"`
	AuditDB         string        `yaml:"audit_db"`
	PortFile        string        `yaml:"port_file"`
	SentryDSN       string        `yaml:"sentry_dsn"`
	Debug           bool          `yaml:"debug"`

	// Data seeds the namespace's data dict.
	Data map[string]any `yaml:"data"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Port:         DefaultPort,
		AutoStart:    true,
		ApprovalMode: ApprovalTUI,
		ConsoleAddr:  "127.0.0.1:9877",
		AuditDB:      "livebridge.db",
	}
}

// Dir returns ~/.livebridge.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".livebridge"), nil
}

// GetConfigPath returns LIVEBRIDGE_CONFIG or ~/.livebridge/config.yaml.
func GetConfigPath() (string, error) {
	if p := os.Getenv("LIVEBRIDGE_CONFIG"); p != "" {
		return p, nil
	}
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// LoadConfig loads .env, the config file (if present) and the environment.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	path, err := GetConfigPath()
	if err != nil {
		return nil, err
	}
	cfg, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// LoadFile reads path over the defaults. A missing file yields defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from LIVEBRIDGE_* variables. A variable set to
// the empty string clears string settings, which disables the console or
// the audit database.
func (c *Config) ApplyEnv() error {
	if v, ok := os.LookupEnv("LIVEBRIDGE_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("LIVEBRIDGE_PORT: %w", err)
		}
		c.Port = port
	}
	if v, ok := os.LookupEnv("LIVEBRIDGE_AUTO_START"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("LIVEBRIDGE_AUTO_START: %w", err)
		}
		c.AutoStart = b
	}
	if v, ok := os.LookupEnv("LIVEBRIDGE_APPROVAL_MODE"); ok && v != "" {
		c.ApprovalMode = v
	}
	if err := envDuration("LIVEBRIDGE_APPROVAL_TIMEOUT", &c.ApprovalTimeout); err != nil {
		return err
	}
	if err := envDuration("LIVEBRIDGE_EXEC_TIMEOUT", &c.ExecTimeout); err != nil {
		return err
	}
	if v, ok := os.LookupEnv("LIVEBRIDGE_CONSOLE_ADDR"); ok {
		c.ConsoleAddr = v
	}
	if v, ok := os.LookupEnv("LIVEBRIDGE_AUDIT_DB"); ok {
		c.AuditDB = v
	}
	if v, ok := os.LookupEnv("LIVEBRIDGE_PORT_FILE"); ok && v != "" {
		c.PortFile = v
	}
	if v, ok := os.LookupEnv("SENTRY_DSN"); ok {
		c.SentryDSN = v
	}
	if v := os.Getenv("LIVEBRIDGE_DEBUG"); v != "" {
		c.Debug = v != "0" && v != "false"
	}
	return nil
}

func envDuration(name string, dst *time.Duration) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = d
	return nil
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	switch c.ApprovalMode {
	case ApprovalTUI, ApprovalTTY, ApprovalConsole:
	default:
		return fmt.Errorf("unknown approval mode %q (want tui, tty or console)", c.ApprovalMode)
	}
	if c.ApprovalTimeout < 0 || c.ExecTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	if c.ApprovalMode == ApprovalConsole && c.ConsoleAddr == "" {
		return errors.New("approval mode console needs console_addr")
	}
	return nil
}
