package browser

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-resty/resty/v2"
)

// Connection types.
const (
	ConnDirect     = "direct"
	ConnProxy      = "proxy"
	ConnScraperAPI = "scraperapi"
)

const (
	scraperAPIAccountURL = "http://api.scraperapi.com/account"
	scraperAPIProxyHost  = "proxy-server.scraperapi.com:8001"
)

// ProxyConfig selects how the browser reaches the site.
type ProxyConfig struct {
	ConnectionType    string
	Proxy             string
	ScraperAPIKey     string
	ScraperAPICountry string

	// AccountURL overrides the ScraperAPI account endpoint.
	AccountURL string
}

// Route is the resolved network path for a session.
type Route struct {
	ConnectionType string
	Proxy          string
}

// ResolveProxy turns cfg into the proxy the browser should use. A
// ScraperAPI key is checked against the account endpoint once; when the
// check fails, or a proxy type lacks its setting, the session falls back
// to a direct connection.
func ResolveProxy(ctx context.Context, client *resty.Client, cfg ProxyConfig, logger *slog.Logger) Route {
	if logger == nil {
		logger = slog.Default()
	}
	direct := Route{ConnectionType: ConnDirect}

	switch cfg.ConnectionType {
	case "", ConnDirect:
		return direct
	case ConnProxy:
		if cfg.Proxy == "" {
			logger.Warn("proxy connection selected without a proxy, using direct")
			return direct
		}
		logger.Info("using configured proxy")
		return Route{ConnectionType: ConnProxy, Proxy: cfg.Proxy}
	case ConnScraperAPI:
		if cfg.ScraperAPIKey == "" {
			logger.Warn("scraperapi selected without an api key, using direct")
			return direct
		}
		if err := checkScraperAPI(ctx, client, cfg); err != nil {
			logger.Warn("scraperapi check failed, using direct", "error", err)
			return direct
		}
		logger.Info("scraperapi session proxy ready", "country", cfg.ScraperAPICountry)
		return Route{
			ConnectionType: ConnScraperAPI,
			Proxy:          fmt.Sprintf("http://%s:@%s", cfg.ScraperAPIKey, scraperAPIProxyHost),
		}
	default:
		logger.Warn("unknown connection type, using direct", "connection_type", cfg.ConnectionType)
		return direct
	}
}

func checkScraperAPI(ctx context.Context, client *resty.Client, cfg ProxyConfig) error {
	if client == nil {
		client = resty.New()
	}
	endpoint := cfg.AccountURL
	if endpoint == "" {
		endpoint = scraperAPIAccountURL
	}
	params := map[string]string{"api_key": cfg.ScraperAPIKey}
	if cfg.ScraperAPICountry != "" {
		params["country_code"] = cfg.ScraperAPICountry
	}

	res, err := client.R().SetContext(ctx).SetQueryParams(params).Get(endpoint)
	if err != nil {
		return fmt.Errorf("requesting account: %w", err)
	}
	if !res.IsSuccess() {
		return fmt.Errorf("account endpoint returned %d", res.StatusCode())
	}
	return nil
}
