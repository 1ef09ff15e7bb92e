package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
)

// keySpec binds a dotted config key to its env var and Config field.
// Secret keys are only read from the environment.
type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "storage.data_dir", typ: kString, env: "SNC_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.results_dir", typ: kString, env: "SNC_STORAGE_RESULTS_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.ResultsDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.ResultsDir },
	},
	{
		key: "storage.cache_file", typ: kString, env: "SNC_STORAGE_CACHE_FILE",
		apply:   func(cfg *Config, v any) { cfg.Storage.CacheFile = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.CacheFile },
	},
	{
		key: "storage.investor_db", typ: kString, env: "SNC_STORAGE_INVESTOR_DB",
		apply:   func(cfg *Config, v any) { cfg.Storage.InvestorDB = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.InvestorDB },
	},
	{
		key: "scraper.base_url", typ: kString, env: "SNC_SCRAPER_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Scraper.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Scraper.BaseURL },
	},
	{
		key: "scraper.search_path", typ: kString, env: "SNC_SCRAPER_SEARCH_PATH",
		apply:   func(cfg *Config, v any) { cfg.Scraper.SearchPath = v.(string) },
		extract: func(cfg Config) any { return cfg.Scraper.SearchPath },
	},
	{
		key: "scraper.max_tabs", typ: kInt, env: "SNC_SCRAPER_MAX_TABS",
		apply:   func(cfg *Config, v any) { cfg.Scraper.MaxTabs = v.(int) },
		extract: func(cfg Config) any { return cfg.Scraper.MaxTabs },
	},
	{
		key: "scraper.max_pages", typ: kInt, env: "SNC_SCRAPER_MAX_PAGES",
		apply:   func(cfg *Config, v any) { cfg.Scraper.MaxPages = v.(int) },
		extract: func(cfg Config) any { return cfg.Scraper.MaxPages },
	},
	{
		key: "scraper.user_type", typ: kString, env: "SNC_SCRAPER_USER_TYPE",
		apply:   func(cfg *Config, v any) { cfg.Scraper.UserType = v.(string) },
		extract: func(cfg Config) any { return cfg.Scraper.UserType },
	},
	{
		key: "browser.remote_url", typ: kString, env: "SNC_BROWSER_REMOTE_URL",
		apply:   func(cfg *Config, v any) { cfg.Browser.RemoteURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Browser.RemoteURL },
	},
	{
		key: "browser.headless", typ: kBool, env: "SNC_BROWSER_HEADLESS",
		apply:   func(cfg *Config, v any) { cfg.Browser.Headless = v.(bool) },
		extract: func(cfg Config) any { return cfg.Browser.Headless },
	},
	{
		key: "browser.nav_timeout", typ: kString, env: "SNC_BROWSER_NAV_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Browser.NavTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Browser.NavTimeout },
	},
	{
		key: "browser.connection_type", typ: kString, env: "SNC_BROWSER_CONNECTION_TYPE",
		apply:   func(cfg *Config, v any) { cfg.Browser.ConnectionType = v.(string) },
		extract: func(cfg Config) any { return cfg.Browser.ConnectionType },
	},
	{
		key: "browser.proxy", typ: kString, env: "SNC_BROWSER_PROXY",
		apply:   func(cfg *Config, v any) { cfg.Browser.Proxy = v.(string) },
		extract: func(cfg Config) any { return cfg.Browser.Proxy },
	},
	{
		key: "browser.scraperapi_key", typ: kString, env: "SNC_SCRAPERAPI_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Browser.ScraperAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Browser.ScraperAPIKey },
	},
	{
		key: "browser.scraperapi_country", typ: kString, env: "SNC_BROWSER_SCRAPERAPI_COUNTRY",
		apply:   func(cfg *Config, v any) { cfg.Browser.ScraperAPICountry = v.(string) },
		extract: func(cfg Config) any { return cfg.Browser.ScraperAPICountry },
	},
	{
		key: "browser.user_agent", typ: kString, env: "SNC_BROWSER_USER_AGENT",
		apply:   func(cfg *Config, v any) { cfg.Browser.UserAgent = v.(string) },
		extract: func(cfg Config) any { return cfg.Browser.UserAgent },
	},
	{
		key: "resume.enhanced", typ: kBool, env: "SNC_RESUME_ENHANCED",
		apply:   func(cfg *Config, v any) { cfg.Resume.Enhanced = v.(bool) },
		extract: func(cfg Config) any { return cfg.Resume.Enhanced },
	},
	{
		key: "resume.cache_filtering", typ: kBool, env: "SNC_RESUME_CACHE_FILTERING",
		apply:   func(cfg *Config, v any) { cfg.Resume.CacheFiltering = v.(bool) },
		extract: func(cfg Config) any { return cfg.Resume.CacheFiltering },
	},
	{
		key: "resume.cache_discovery", typ: kBool, env: "SNC_RESUME_CACHE_DISCOVERY",
		apply:   func(cfg *Config, v any) { cfg.Resume.CacheDiscovery = v.(bool) },
		extract: func(cfg Config) any { return cfg.Resume.CacheDiscovery },
	},
	{
		key: "batch.limit", typ: kInt, env: "SNC_BATCH_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Batch.Limit = v.(int) },
		extract: func(cfg Config) any { return cfg.Batch.Limit },
	},
	{
		key: "server.port", typ: kInt, env: "SNC_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.token", typ: kString, env: "SNC_SERVER_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Token },
	},
	{
		key: "log.level", typ: kString, env: "SNC_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
