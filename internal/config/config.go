package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	Storage StorageConfig
	Scraper ScraperConfig
	Browser BrowserConfig
	Resume  ResumeConfig
	Batch   BatchConfig
	Server  ServerConfig
	Log     LogConfig
}

// StorageConfig locates everything the scraper writes. Empty file paths are
// resolved inside DataDir.
type StorageConfig struct {
	DataDir    string
	ResultsDir string
	CacheFile  string
	InvestorDB string
}

type ScraperConfig struct {
	BaseURL    string
	SearchPath string
	MaxTabs    int
	MaxPages   int
	UserType   string
}

type BrowserConfig struct {
	RemoteURL         string
	Headless          bool
	NavTimeout        string
	ConnectionType    string
	Proxy             string
	ScraperAPIKey     string
	ScraperAPICountry string
	UserAgent         string
}

type ResumeConfig struct {
	Enhanced       bool
	CacheFiltering bool
	CacheDiscovery bool
}

type BatchConfig struct {
	Limit int
}

type ServerConfig struct {
	Port  int
	Token string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Scraper: ScraperConfig{
			BaseURL:    "https://finder.startupnationcentral.org",
			SearchPath: "/investors/search?&fundingtype=VC+and+Private+Equity&status=Active",
			MaxTabs:    7,
			MaxPages:   50,
		},
		Browser: BrowserConfig{
			Headless:          true,
			NavTimeout:        "30s",
			ConnectionType:    "direct",
			ScraperAPICountry: "IL",
		},
		Batch: BatchConfig{
			Limit: 50,
		},
		Server: ServerConfig{
			Port: 4100,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "snc-data"
		}
	}
	return filepath.Join(dir, "snc-scraper")
}

// Load reads configuration from the JSON5 file backend and applies
// environment overrides.
//
// The backend reads $XDG_CONFIG_HOME/snc-scraper/config.json5 and merges
// config.local.json5 from the same directory on top of it. Environment
// variables (SNC_*) override both. The ScraperAPI key is only read from
// SNC_SCRAPERAPI_KEY.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	cfg.resolvePaths()

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) resolvePaths() {
	if c.Storage.ResultsDir == "" {
		c.Storage.ResultsDir = filepath.Join(c.Storage.DataDir, "results")
	}
	if c.Storage.CacheFile == "" {
		c.Storage.CacheFile = filepath.Join(c.Storage.DataDir, "vc_cache.json")
	}
	if c.Storage.InvestorDB == "" {
		c.Storage.InvestorDB = filepath.Join(c.Storage.DataDir, "investor_database.json")
	}
}

func (c Config) validate() error {
	if c.Scraper.MaxTabs < 1 {
		return fmt.Errorf("scraper.max_tabs must be at least 1, got %d", c.Scraper.MaxTabs)
	}
	if c.Scraper.MaxPages < 1 {
		return fmt.Errorf("scraper.max_pages must be at least 1, got %d", c.Scraper.MaxPages)
	}
	if c.Batch.Limit < 1 {
		return fmt.Errorf("batch.limit must be at least 1, got %d", c.Batch.Limit)
	}
	switch c.Scraper.UserType {
	case "", "rate_limited", "fresh":
	default:
		return fmt.Errorf("scraper.user_type must be rate_limited, fresh or empty, got %q", c.Scraper.UserType)
	}
	switch c.Browser.ConnectionType {
	case "direct", "proxy", "scraperapi":
	default:
		return fmt.Errorf("browser.connection_type must be direct, proxy or scraperapi, got %q", c.Browser.ConnectionType)
	}
	if _, err := time.ParseDuration(c.Browser.NavTimeout); err != nil {
		return fmt.Errorf("browser.nav_timeout: %w", err)
	}
	return nil
}

// NavTimeout returns the parsed browser navigation timeout. Load has
// already validated it.
func (c Config) NavTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Browser.NavTimeout)
	return d
}
