package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"msimdir/models"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Control  ControlConfig  `yaml:"control"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"-"`
	WriteTimeout time.Duration `yaml:"-"`

	ReadTimeoutRaw  string `yaml:"read_timeout"`
	WriteTimeoutRaw string `yaml:"write_timeout"`
}

type DatabaseConfig struct {
	Path   string `yaml:"path"`
	Driver string `yaml:"driver"` // "sqlite3" (cgo) or "sqlite" (pure Go)
}

type ControlConfig struct {
	Socket string `yaml:"socket"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "console"
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            7777,
			ReadTimeoutRaw:  "120s",
			WriteTimeoutRaw: "30s",
		},
		Database: DatabaseConfig{
			Path:   "msimdir.db",
			Driver: "sqlite3",
		},
		Control: ControlConfig{
			Socket: "/tmp/msimdir.sock",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// any) and MSIM_* environment variables, in that order of precedence.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("reading config file: %w", err)
		default:
			if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with the value of VAR, or "" when unset.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func applyEnv(cfg *Config) error {
	if host := os.Getenv("MSIM_HOST"); host != "" {
		cfg.Server.Host = host
	}

	if portStr := os.Getenv("MSIM_PORT"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return fmt.Errorf("MSIM_PORT %q: %w", portStr, err)
		}
		cfg.Server.Port = port
	}

	if timeout := os.Getenv("MSIM_READ_TIMEOUT"); timeout != "" {
		cfg.Server.ReadTimeoutRaw = secondsOrDuration(timeout)
	}

	if timeout := os.Getenv("MSIM_WRITE_TIMEOUT"); timeout != "" {
		cfg.Server.WriteTimeoutRaw = secondsOrDuration(timeout)
	}

	if dbPath := os.Getenv("MSIM_DB_PATH"); dbPath != "" {
		cfg.Database.Path = dbPath
	}

	if driver := os.Getenv("MSIM_DB_DRIVER"); driver != "" {
		cfg.Database.Driver = driver
	}

	if socket := os.Getenv("MSIM_CONTROL_SOCKET"); socket != "" {
		cfg.Control.Socket = socket
	}

	if level := os.Getenv("MSIM_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}

	return nil
}

// secondsOrDuration keeps accepting bare second counts ("120") next to Go
// duration strings ("2m").
func secondsOrDuration(s string) string {
	if _, err := strconv.Atoi(s); err == nil {
		return s + "s"
	}
	return s
}

func parseDurations(cfg *Config) error {
	var err error

	if cfg.Server.ReadTimeoutRaw != "" {
		cfg.Server.ReadTimeout, err = time.ParseDuration(cfg.Server.ReadTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing read_timeout %q: %w", cfg.Server.ReadTimeoutRaw, err)
		}
	}

	if cfg.Server.WriteTimeoutRaw != "" {
		cfg.Server.WriteTimeout, err = time.ParseDuration(cfg.Server.WriteTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing write_timeout %q: %w", cfg.Server.WriteTimeoutRaw, err)
		}
	}

	return nil
}

// Validate checks the fields the server cannot start without.
func (c *Config) Validate() error {
	if _, err := models.NewPort(c.Server.Port); err != nil {
		return fmt.Errorf("server.port: %w", err)
	}

	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be positive")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be positive")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	switch c.Database.Driver {
	case "sqlite3", "sqlite":
	default:
		return fmt.Errorf("database.driver %q is not supported", c.Database.Driver)
	}

	if c.Control.Socket == "" {
		return fmt.Errorf("control.socket is required")
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format %q is not supported", c.Logging.Format)
	}

	return nil
}

// ListenAddr is the host:port the protocol server binds.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}
