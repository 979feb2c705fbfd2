package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// StalePolicy decides what happens to a query that finishes after a newer
// query was started.
type StalePolicy string

const (
	// LastWriterWins applies every response in completion order
	LastWriterWins StalePolicy = "last-writer-wins"
	// LatestQueryWins drops responses of superseded queries
	LatestQueryWins StalePolicy = "latest-query-wins"
)

type Config struct {
	ServerURL    string      `json:"server_url"`
	HTTPTimeout  Duration    `json:"http_timeout"`
	LogLevel     string      `json:"log_level"`
	HistoryDir   string      `json:"history_dir"`
	PostgresURL  string      `json:"postgres_url"`
	StalePolicy  StalePolicy `json:"stale_policy"`
	StrictRender bool        `json:"strict_render"`
	ClearRemote  bool        `json:"clear_remote"`
	UseCatalog   bool        `json:"use_catalog"`
}

// Duration is a time.Duration that reads "30s" style strings from JSON
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		ServerURL:   "http://localhost:5000",
		HTTPTimeout: Duration(2 * time.Minute),
		LogLevel:    "info",
		HistoryDir:  "output_history",
		StalePolicy: LastWriterWins,
	}
}

// Load builds the configuration from defaults, an optional JSON file and
// VISIONSEARCH_* environment variables, in that order.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file '%s': %w", path, err)
		}
	}

	cfg.ServerURL = getEnv("VISIONSEARCH_SERVER_URL", cfg.ServerURL)
	cfg.LogLevel = getEnv("VISIONSEARCH_LOG_LEVEL", cfg.LogLevel)
	cfg.HistoryDir = getEnv("VISIONSEARCH_HISTORY_DIR", cfg.HistoryDir)
	cfg.PostgresURL = getEnv("VISIONSEARCH_POSTGRES_URL", cfg.PostgresURL)
	cfg.StalePolicy = StalePolicy(getEnv("VISIONSEARCH_STALE_POLICY", string(cfg.StalePolicy)))

	if v := os.Getenv("VISIONSEARCH_HTTP_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid VISIONSEARCH_HTTP_TIMEOUT: %w", err)
		}
		cfg.HTTPTimeout = Duration(d)
	}
	for key, dst := range map[string]*bool{
		"VISIONSEARCH_STRICT_RENDER": &cfg.StrictRender,
		"VISIONSEARCH_CLEAR_REMOTE":  &cfg.ClearRemote,
		"VISIONSEARCH_USE_CATALOG":   &cfg.UseCatalog,
	} {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = b
		}
	}

	return cfg, nil
}

// Validate reports every problem with the configuration at once
func (c *Config) Validate() error {
	var errors []string

	if u, err := url.Parse(c.ServerURL); err != nil || u.Scheme == "" || u.Host == "" {
		errors = append(errors, fmt.Sprintf("server_url %q is not an absolute URL", c.ServerURL))
	}
	if c.HTTPTimeout < 0 {
		errors = append(errors, "http_timeout must not be negative")
	}
	if _, err := c.Level(); err != nil {
		errors = append(errors, err.Error())
	}
	switch c.StalePolicy {
	case LastWriterWins, LatestQueryWins:
	default:
		errors = append(errors, fmt.Sprintf("stale_policy %q must be %q or %q", c.StalePolicy, LastWriterWins, LatestQueryWins))
	}

	if len(errors) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errors, "; "))
	}
	return nil
}

// Level parses LogLevel
func (c *Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log_level %q is not a valid level", c.LogLevel)
	}
	return lvl, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
