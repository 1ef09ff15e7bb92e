package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/guykatzsedric/snc-scraper/internal/browser"
	"github.com/guykatzsedric/snc-scraper/internal/cache"
	"github.com/guykatzsedric/snc-scraper/internal/config"
	"github.com/guykatzsedric/snc-scraper/internal/progress"
	"github.com/guykatzsedric/snc-scraper/internal/snapshot"
	"github.com/guykatzsedric/snc-scraper/internal/storage"
)

// app bundles the stores every command reads.
type app struct {
	cfg      config.Config
	db       *storage.Store
	snaps    *snapshot.Dir
	progress *progress.Store
	cache    *cache.Index
}

func openApp(cfg config.Config, opts progress.Options) (*app, error) {
	db, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	snaps := snapshot.NewDir(cfg.Storage.ResultsDir)
	return &app{
		cfg:      cfg,
		db:       db,
		snaps:    snaps,
		progress: progress.New(db, snaps, opts),
		cache:    cache.Open(cfg.Storage.CacheFile),
	}, nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		printWarning("closing storage: %v", err)
	}
}

// startBrowser resolves the network route and launches Chrome on it. A
// browser that cannot start is fatal to the run.
func startBrowser(ctx context.Context, cfg config.Config) (*browser.Manager, browser.Route, error) {
	client := resty.New().SetTimeout(15 * time.Second)
	route := browser.ResolveProxy(ctx, client, browser.ProxyConfig{
		ConnectionType:    cfg.Browser.ConnectionType,
		Proxy:             cfg.Browser.Proxy,
		ScraperAPIKey:     cfg.Browser.ScraperAPIKey,
		ScraperAPICountry: cfg.Browser.ScraperAPICountry,
	}, slog.Default())

	mgr := browser.NewManager(browser.Config{
		RemoteURL:  cfg.Browser.RemoteURL,
		Headful:    !cfg.Browser.Headless,
		Proxy:      route.Proxy,
		UserAgent:  cfg.Browser.UserAgent,
		NavTimeout: cfg.NavTimeout(),
	})
	if err := mgr.Start(ctx); err != nil {
		return nil, route, fmt.Errorf("starting browser: %w", err)
	}
	return mgr, route, nil
}
