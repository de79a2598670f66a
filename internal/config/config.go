package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultServerURL      = "http://localhost:8000/api/v1"
	DefaultRequestTimeout = 30 * time.Second
	DefaultBridgeAddr     = "127.0.0.1:8765"
	DefaultLogFile        = "/tmp/dave.log"
)

// Config holds all configuration values.
type Config struct {
	// Backend
	ServerURL      string
	Token          string
	UserID         string // overrides the token's subject
	Model          string
	RequestTimeout time.Duration
	StallTimeout   time.Duration // zero disables

	// Local durability
	OutboxPath string // empty disables the outbox

	// Bridge
	BridgeAddr string

	// Logging
	LogFile  string
	LogLevel slog.Level
}

// fileConfig mirrors the config file. Durations are strings ("90s").
type fileConfig struct {
	ServerURL      string `yaml:"server_url" toml:"server_url"`
	Token          string `yaml:"token" toml:"token"`
	UserID         string `yaml:"user_id" toml:"user_id"`
	Model          string `yaml:"model" toml:"model"`
	RequestTimeout string `yaml:"request_timeout" toml:"request_timeout"`
	StallTimeout   string `yaml:"stall_timeout" toml:"stall_timeout"`
	OutboxPath     string `yaml:"outbox_path" toml:"outbox_path"`
	BridgeAddr     string `yaml:"bridge_addr" toml:"bridge_addr"`
	LogFile        string `yaml:"log_file" toml:"log_file"`
	LogLevel       string `yaml:"log_level" toml:"log_level"`
}

// Load builds the configuration: defaults, then the config file, then a
// .env file in the working directory, then environment variables.
//
// The config file is DAVE_CONFIG, or ~/.config/dave/config.yaml when that
// exists. Files ending in .toml are parsed as TOML, anything else as YAML.
// When no token is configured it is read from ~/.config/dave/token.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("loading .env: %w", err)
	}

	fc, err := readConfigFile()
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		ServerURL:  getEnv("DAVE_SERVER_URL", orDefault(fc.ServerURL, DefaultServerURL)),
		Token:      getEnv("DAVE_TOKEN", fc.Token),
		UserID:     getEnv("DAVE_USER_ID", fc.UserID),
		Model:      getEnv("DAVE_MODEL", fc.Model),
		OutboxPath: getEnv("DAVE_OUTBOX_PATH", fc.OutboxPath),
		BridgeAddr: getEnv("DAVE_BRIDGE_ADDR", orDefault(fc.BridgeAddr, DefaultBridgeAddr)),
		LogFile:    getEnv("DAVE_LOG_FILE", orDefault(fc.LogFile, DefaultLogFile)),
		LogLevel:   parseLogLevel(getEnv("DAVE_LOG_LEVEL", orDefault(fc.LogLevel, "INFO"))),
	}

	cfg.RequestTimeout, err = parseDuration("request_timeout",
		getEnv("DAVE_REQUEST_TIMEOUT", fc.RequestTimeout), DefaultRequestTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.StallTimeout, err = parseDuration("stall_timeout",
		getEnv("DAVE_STALL_TIMEOUT", fc.StallTimeout), 0)
	if err != nil {
		return Config{}, err
	}

	if cfg.Token == "" {
		cfg.Token, err = readTokenFile()
		if err != nil {
			return Config{}, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Validate checks the values Load cannot default.
func (c Config) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("server_url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("server_url must use http or https scheme")
	}
	if u.Host == "" {
		return fmt.Errorf("server_url has no host")
	}
	if c.RequestTimeout < 0 || c.StallTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	return nil
}

// Dir returns the per-user config directory (~/.config/dave).
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "dave")
	}
	return filepath.Join(home, ".config", "dave")
}

func readConfigFile() (fileConfig, error) {
	var fc fileConfig

	path, explicit := os.LookupEnv("DAVE_CONFIG")
	if !explicit || path == "" {
		path = filepath.Join(Dir(), "config.yaml")
		explicit = false
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return fc, nil
		}
		return fc, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables (${VAR} syntax)
	expanded := expandEnvVars(string(data))

	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &fc); err != nil {
			return fc, fmt.Errorf("parsing config file %s: %w", path, err)
		}
		return fc, nil
	}
	if err := yaml.Unmarshal([]byte(expanded), &fc); err != nil {
		return fc, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return fc, nil
}

func readTokenFile() (string, error) {
	data, err := os.ReadFile(filepath.Join(Dir(), "token"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("reading token file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(varName)
	})
}

func parseDuration(name, raw string, defaultVal time.Duration) (time.Duration, error) {
	if raw == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parsing %s %q: %w", name, raw, err)
	}
	return d, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func orDefault(val, defaultVal string) string {
	if val != "" {
		return val
	}
	return defaultVal
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
