// Package config loads runtime settings from defaults, an optional YAML file,
// a .env file and environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables consulted by Load.
const (
	EnvConfigPath  = "CKEXPORT_CONFIG"
	EnvDebuggerURL = "CKEXPORT_DEBUGGER_URL"
	EnvOutputDir   = "CKEXPORT_OUTPUT_DIR"
	EnvLogLevel    = "CKEXPORT_LOG_LEVEL"
	EnvGCSBucket   = "GCS_BUCKET"
	EnvPort        = "PORT"
	EnvAPIKey      = "CKEXPORT_API_KEY"
)

type Config struct {
	API     APIConfig     `yaml:"api"`
	Cookies CookieConfig  `yaml:"cookies"`
	Browser BrowserConfig `yaml:"browser"`
	Fetch   FetchPacing   `yaml:"fetch"`
	Scroll  ScrollPacing  `yaml:"scroll"`
	Export  ExportConfig  `yaml:"export"`
	Log     LogConfig     `yaml:"log"`
	Server  ServerConfig  `yaml:"server"`
}

type APIConfig struct {
	Endpoint      string        `yaml:"endpoint"`
	ClientName    string        `yaml:"client_name"`
	ClientVersion string        `yaml:"client_version"`
	DeviceType    string        `yaml:"device_type"`
	Timeout       time.Duration `yaml:"timeout"`
}

// CookieConfig names the session cookies read by the authenticator.
type CookieConfig struct {
	SiteURL    string `yaml:"site_url"`
	Token      string `yaml:"token"`
	TrackingID string `yaml:"tracking_id"`
	TraceID    string `yaml:"trace_id"`
	// TokenGlobal is the page global consulted when the cookie holds no token.
	TokenGlobal      string        `yaml:"token_global"`
	PageTokenTimeout time.Duration `yaml:"page_token_timeout"`
}

type BrowserConfig struct {
	// DebuggerURL is the DevTools websocket of an already running, logged-in browser.
	DebuggerURL     string `yaml:"debugger_url"`
	TransactionsURL string `yaml:"transactions_url"`
	RowSelector     string `yaml:"row_selector"`
}

// FetchPacing holds the timings of the GraphQL fetcher and enrichment.
type FetchPacing struct {
	GapThresholdDays int           `yaml:"gap_threshold_days"`
	PageDelay        time.Duration `yaml:"page_delay"`
	SkipDelay        time.Duration `yaml:"skip_delay"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"`
	MaxRetries       int           `yaml:"max_retries"`
	DetailInterval   time.Duration `yaml:"detail_interval"`
	DetailProgress   int           `yaml:"detail_progress_every"`
}

// ScrollPacing holds the timings and thresholds of the DOM harvester.
type ScrollPacing struct {
	PollInterval     time.Duration `yaml:"poll_interval"`
	StableChecks     int           `yaml:"stable_checks"`
	StabilizeTimeout time.Duration `yaml:"stabilize_timeout"`
	SlowWait         time.Duration `yaml:"slow_wait"`
	FastWait         time.Duration `yaml:"fast_wait"`
	FastAfter        int           `yaml:"fast_after"`
	MaxUnchanged     int           `yaml:"max_unchanged"`
	OverrunDays      int           `yaml:"overrun_days"`
}

type ExportConfig struct {
	Dir             string `yaml:"dir"`
	GCSBucket       string `yaml:"gcs_bucket"`
	GCSPrefix       string `yaml:"gcs_prefix"`
	CredentialsFile string `yaml:"credentials_file"`
	Workbook        bool   `yaml:"workbook"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	// APIKey, when set, must be sent as a bearer token on /api requests.
	APIKey     string `yaml:"api_key"`
	QueueDepth int    `yaml:"queue_depth"`
}

// Default returns the settings used when nothing overrides them.
func Default() Config {
	return Config{
		API: APIConfig{
			Endpoint:      "https://api.creditkarma.com/graphql",
			ClientName:    "prime_web",
			ClientVersion: "2.0.8",
			DeviceType:    "Desktop",
			Timeout:       30 * time.Second,
		},
		Cookies: CookieConfig{
			SiteURL:          "https://www.creditkarma.com",
			Token:            "CKAT",
			TrackingID:       "CKTRKID",
			TraceID:          "CKTRACEID",
			TokenGlobal:      "_ACCESS_TOKEN",
			PageTokenTimeout: 2 * time.Second,
		},
		Browser: BrowserConfig{
			DebuggerURL:     "ws://127.0.0.1:9222",
			TransactionsURL: "https://www.creditkarma.com/networth/transactions",
			RowSelector:     "[data-index]",
		},
		Fetch: FetchPacing{
			GapThresholdDays: 7,
			PageDelay:        800 * time.Millisecond,
			SkipDelay:        300 * time.Millisecond,
			RetryBackoff:     2 * time.Second,
			MaxRetries:       3,
			DetailInterval:   100 * time.Millisecond,
			DetailProgress:   10,
		},
		Scroll: ScrollPacing{
			PollInterval:     100 * time.Millisecond,
			StableChecks:     3,
			StabilizeTimeout: 2 * time.Second,
			SlowWait:         1500 * time.Millisecond,
			FastWait:         1000 * time.Millisecond,
			FastAfter:        3,
			MaxUnchanged:     5,
			OverrunDays:      14,
		},
		Export: ExportConfig{
			Dir:       ".",
			GCSPrefix: "exports/",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Server: ServerConfig{
			Port:       "8080",
			QueueDepth: 16,
		},
	}
}

// Load reads path (or $CKEXPORT_CONFIG when path is empty) over the defaults,
// loads .env if present, then applies environment overrides. A missing config
// file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	overrides := []struct {
		env    string
		target *string
	}{
		{EnvDebuggerURL, &cfg.Browser.DebuggerURL},
		{EnvOutputDir, &cfg.Export.Dir},
		{EnvGCSBucket, &cfg.Export.GCSBucket},
		{EnvLogLevel, &cfg.Log.Level},
		{EnvPort, &cfg.Server.Port},
		{EnvAPIKey, &cfg.Server.APIKey},
	}
	for _, o := range overrides {
		if v := strings.TrimSpace(os.Getenv(o.env)); v != "" {
			*o.target = v
		}
	}
}

// Validate checks the settings that would otherwise fail deep inside a run.
func (c Config) Validate() error {
	if c.API.Endpoint == "" {
		return fmt.Errorf("config: api.endpoint is required")
	}
	if c.Cookies.Token == "" {
		return fmt.Errorf("config: cookies.token is required")
	}
	if c.Fetch.MaxRetries < 0 {
		return fmt.Errorf("config: fetch.max_retries must not be negative")
	}
	if c.Scroll.StableChecks < 1 || c.Scroll.MaxUnchanged < 1 {
		return fmt.Errorf("config: scroll.stable_checks and scroll.max_unchanged must be positive")
	}
	return nil
}
