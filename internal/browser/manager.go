// Package browser drives Chrome through Rod to fetch finder pages, parses
// listing and profile HTML, and runs profile scrapes in fixed-size
// concurrent groups.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// ErrClosed is returned by Fetch after Close.
var ErrClosed = errors.New("browser: manager is closed")

// Config configures the browser manager.
type Config struct {
	// RemoteURL is the WebSocket URL of an external Chrome instance.
	// Empty = launch a local Chrome via launcher.
	RemoteURL string

	// Headful shows the browser window. Local launches only.
	Headful bool

	// Proxy is passed to Chrome as --proxy-server. Credentials in the URL
	// are answered through Rod's auth handler.
	Proxy string

	UserAgent string

	// NavTimeout bounds navigation plus the wait for the ready selector.
	// Default: 30s.
	NavTimeout time.Duration

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.NavTimeout <= 0 {
		c.NavTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Manager owns one Chrome session. Fetch is safe for concurrent use; each
// call opens its own stealth tab.
type Manager struct {
	cfg     Config
	mu      sync.RWMutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	closed  bool
}

// NewManager creates a browser Manager. Call Start to launch Chrome.
func NewManager(cfg Config) *Manager {
	cfg.defaults()
	return &Manager{cfg: cfg}
}

// Start launches Chrome (or connects to a remote instance).
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.browser != nil {
		return nil
	}
	b, err := m.launch(ctx)
	if err != nil {
		return err
	}
	m.browser = b
	return nil
}

func (m *Manager) launch(ctx context.Context) (*rod.Browser, error) {
	log := m.cfg.Logger

	server, user, pass, err := splitProxy(m.cfg.Proxy)
	if err != nil {
		return nil, fmt.Errorf("browser: proxy: %w", err)
	}

	var wsURL string
	if m.cfg.RemoteURL != "" {
		wsURL = m.cfg.RemoteURL
		if server != "" {
			log.Warn("browser: proxy ignored for remote chrome", "remote", wsURL)
		}
		log.Info("browser: connecting to remote", "url", wsURL)
	} else {
		l := launcher.New().Headless(!m.cfg.Headful)
		l = l.Set("disable-blink-features", "AutomationControlled")
		if server != "" {
			l = l.Proxy(server)
		}

		u, err := l.Context(ctx).Launch()
		if err != nil {
			return nil, fmt.Errorf("browser: launch: %w", err)
		}
		wsURL = u
		m.lnch = l
		log.Info("browser: launched local chrome", "headless", !m.cfg.Headful, "proxy", server != "")
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		m.cleanup()
		return nil, fmt.Errorf("browser: connect: %w", err)
	}
	if err := b.IgnoreCertErrors(true); err != nil {
		log.Warn("browser: ignore cert errors failed", "error", err)
	}
	if user != "" {
		wait := b.HandleAuth(user, pass)
		go func() {
			if err := wait(); err != nil {
				log.Debug("browser: proxy auth handler stopped", "error", err)
			}
		}()
	}
	return b, nil
}

// splitProxy separates credentials from a proxy URL so the server part can
// go on the command line.
func splitProxy(raw string) (server, user, pass string, err error) {
	if raw == "" {
		return "", "", "", nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", "", err
	}
	if u.Host == "" {
		return raw, "", "", nil
	}
	if u.User != nil {
		user = u.User.Username()
		pass, _ = u.User.Password()
	}
	server = u.Host
	if u.Scheme != "" {
		server = u.Scheme + "://" + u.Host
	}
	return server, user, pass, nil
}

// Fetch navigates a fresh stealth tab to pageURL and returns the rendered
// document. When ready is set, Fetch also waits for that CSS selector; a
// timeout there is logged and the page returned as is.
func (m *Manager) Fetch(ctx context.Context, pageURL, ready string) (string, error) {
	m.mu.RLock()
	b, closed := m.browser, m.closed
	m.mu.RUnlock()
	if closed {
		return "", ErrClosed
	}
	if b == nil {
		return "", fmt.Errorf("browser: not started")
	}

	page, err := stealth.Page(b)
	if err != nil {
		return "", fmt.Errorf("browser: create tab: %w", err)
	}
	defer page.Close()

	if m.cfg.UserAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: m.cfg.UserAgent}); err != nil {
			m.cfg.Logger.Warn("browser: set user agent failed", "error", err)
		}
	}

	navCtx, cancel := context.WithTimeout(ctx, m.cfg.NavTimeout)
	defer cancel()

	if err := page.Context(navCtx).Navigate(pageURL); err != nil {
		return "", fmt.Errorf("browser: navigate %s: %w", pageURL, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		m.cfg.Logger.Warn("browser: wait load timeout", "url", pageURL, "error", err)
	}
	if ready != "" {
		if _, err := page.Context(navCtx).Element(ready); err != nil {
			m.cfg.Logger.Warn("browser: ready selector not found", "url", pageURL, "selector", ready, "error", err)
		}
	}

	res, err := page.Context(ctx).Eval(`() => document.documentElement.outerHTML`)
	if err != nil {
		return "", fmt.Errorf("browser: get DOM: %w", err)
	}
	return res.Value.Str(), nil
}

// Close shuts down Chrome.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return m.cleanup()
}

func (m *Manager) cleanup() error {
	var err error
	if m.browser != nil {
		err = m.browser.Close()
		m.browser = nil
	}
	if m.lnch != nil {
		m.lnch.Kill()
		m.lnch.Cleanup()
		m.lnch = nil
	}
	return err
}
