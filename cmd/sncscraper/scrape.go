package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/guykatzsedric/snc-scraper/internal/browser"
	"github.com/guykatzsedric/snc-scraper/internal/investordb"
	"github.com/guykatzsedric/snc-scraper/internal/progress"
	"github.com/guykatzsedric/snc-scraper/internal/runner"
)

// --- run ---

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Scrape listing pages from the resume point",
	Long: `Walk the investor listing pages starting at the resume point and scrape
every investor a page still needs. Ctrl-C saves the current page and stops.

Examples:
  snc-scraper run
  snc-scraper run --max-pages 5 --tabs 3
  snc-scraper run --enhanced --cache-filtering`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		flags := cmd.Flags()
		if flags.Changed("max-pages") {
			cfg.Scraper.MaxPages, _ = flags.GetInt("max-pages")
		}
		if flags.Changed("tabs") {
			cfg.Scraper.MaxTabs, _ = flags.GetInt("tabs")
		}
		if flags.Changed("enhanced") {
			cfg.Resume.Enhanced, _ = flags.GetBool("enhanced")
		}
		if flags.Changed("cache-filtering") {
			cfg.Resume.CacheFiltering, _ = flags.GetBool("cache-filtering")
		}
		if flags.Changed("cache-discovery") {
			cfg.Resume.CacheDiscovery, _ = flags.GetBool("cache-discovery")
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		mgr, route, err := startBrowser(ctx, cfg)
		if err != nil {
			return err
		}
		defer mgr.Close()

		a, err := openApp(cfg, progress.Options{
			SessionID:      runner.NewSessionID(time.Now()),
			UserType:       cfg.Scraper.UserType,
			ConnectionType: route.ConnectionType,
		})
		if err != nil {
			return err
		}
		defer a.Close()

		exec := browser.NewExecutor(browser.NewScraper(mgr, nil), nil)
		sess := runner.NewPageSession(runner.PageConfig{
			BaseURL:        cfg.Scraper.BaseURL,
			SearchPath:     cfg.Scraper.SearchPath,
			Width:          cfg.Scraper.MaxTabs,
			MaxPages:       cfg.Scraper.MaxPages,
			UserType:       cfg.Scraper.UserType,
			Enhanced:       cfg.Resume.Enhanced,
			CacheFiltering: cfg.Resume.CacheFiltering,
			CacheDiscovery: cfg.Resume.CacheDiscovery,
		}, mgr, exec, a.progress, runner.WithCache(a.cache), runner.WithRunLog(a.db))

		printStep("Session %s via %s connection", a.progress.SessionID(), route.ConnectionType)
		sum, err := sess.Run(ctx)
		printSummary(os.Stdout, sum)
		return err
	},
}

func init() {
	runCmd.Flags().Int("max-pages", 0, "maximum listing pages to visit")
	runCmd.Flags().Int("tabs", 0, "profiles scraped concurrently")
	runCmd.Flags().Bool("enhanced", false, "look one page behind the in-progress page when resuming")
	runCmd.Flags().Bool("cache-filtering", false, "skip investors the cache reports completed")
	runCmd.Flags().Bool("cache-discovery", false, "add every listed investor to the cache")
}

// --- direct ---

var directCmd = &cobra.Command{
	Use:   "direct",
	Short: "Scrape unscraped investors from the investor database",
	Long: `Scrape a batch of investors the investor database marks as not yet
scraped, without walking listing pages. Results are written back to the
database and to direct_batch_<session>.json in the results directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("limit") {
			cfg.Batch.Limit, _ = cmd.Flags().GetInt("limit")
		}
		if cmd.Flags().Changed("tabs") {
			cfg.Scraper.MaxTabs, _ = cmd.Flags().GetInt("tabs")
		}

		db, err := investordb.Open(cfg.Storage.InvestorDB)
		if err != nil {
			return fmt.Errorf("opening investor database: %w", err)
		}
		st := db.Stats()
		printStatus("Investor database", "%d investors, %d still to scrape", st.Total, st.NotScraped+st.Failed)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		mgr, route, err := startBrowser(ctx, cfg)
		if err != nil {
			return err
		}
		defer mgr.Close()

		a, err := openApp(cfg, progress.Options{
			SessionID:      runner.NewSessionID(time.Now()),
			ConnectionType: route.ConnectionType,
		})
		if err != nil {
			return err
		}
		defer a.Close()

		exec := browser.NewExecutor(browser.NewScraper(mgr, nil), nil)
		sess := runner.NewDirectSession(runner.DirectConfig{
			Limit:      cfg.Batch.Limit,
			Width:      cfg.Scraper.MaxTabs,
			ResultsDir: cfg.Storage.ResultsDir,
		}, db, exec, a.progress, runner.WithDirectCache(a.cache), runner.WithDirectRunLog(a.db))

		sum, err := sess.Run(ctx)
		printSummary(os.Stdout, sum)
		return err
	},
}

func init() {
	directCmd.Flags().Int("limit", 0, "maximum investors in the batch")
	directCmd.Flags().Int("tabs", 0, "profiles scraped concurrently")
}

func printSummary(w io.Writer, sum runner.Summary) {
	t := newTable(w, "Session", "Start page", "Pages", "Processed", "Completed", "Failed", "Inactive", "Limited info")
	start := "-"
	if sum.StartPage > 0 {
		start = fmt.Sprintf("%d", sum.StartPage)
	}
	t.AppendRow([]any{sum.SessionID, start, sum.Pages, sum.Processed, sum.Completed, sum.Failed, sum.Inactive, sum.LimitedInfo})
	t.Render()

	switch {
	case sum.Interrupted:
		printWarning("Interrupted; progress saved, run again to resume")
	case sum.Failed > 0:
		printWarning("%d profiles failed and will be retried on the next run", sum.Failed)
	default:
		printSuccess("Session finished")
	}
}
