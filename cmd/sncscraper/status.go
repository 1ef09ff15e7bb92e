package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/guykatzsedric/snc-scraper/internal/cache"
	"github.com/guykatzsedric/snc-scraper/internal/investor"
	"github.com/guykatzsedric/snc-scraper/internal/investordb"
	"github.com/guykatzsedric/snc-scraper/internal/progress"
	"github.com/guykatzsedric/snc-scraper/internal/resume"
	"github.com/guykatzsedric/snc-scraper/internal/selector"
	"github.com/guykatzsedric/snc-scraper/internal/snapshot"
	"github.com/guykatzsedric/snc-scraper/internal/storage"
)

// withApp loads config and opens the local stores for a read-only command.
func withApp(fn func(a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openApp(cfg, progress.Options{})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show scraping progress",
	RunE: func(cmd *cobra.Command, args []string) error {
		runs, _ := cmd.Flags().GetInt("runs")
		return withApp(func(a *app) error {
			printStatus("Results dir", "%s", a.cfg.Storage.ResultsDir)
			printStatus("Server", "%s", serverState(a.cfg.Server.Port))

			counts, err := a.progress.Summary()
			if err != nil {
				return fmt.Errorf("reading progress: %w", err)
			}
			printStatusCounts(os.Stdout, counts)

			recent, err := a.db.RecentRuns(runs)
			if err != nil {
				return fmt.Errorf("reading runs: %w", err)
			}
			if len(recent) > 0 {
				printRuns(os.Stdout, recent)
			}

			if err := a.cache.Err(); err != nil {
				printWarning("cache unavailable: %v", err)
			} else {
				printCacheStats(os.Stdout, a.cache.Stats())
			}

			if db, err := investordb.Open(a.cfg.Storage.InvestorDB); err == nil && db.Len() > 0 {
				st := db.Stats()
				printStatus("Investor database", "%d investors, %.1f%% complete", st.Total, st.CompletionPercentage)
			}
			return nil
		})
	},
}

func init() {
	statusCmd.Flags().Int("runs", 5, "number of recent sessions to show")
}

func serverState(port int) string {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/health", port))
	if err != nil {
		return "stopped"
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Sprintf("error (HTTP %d)", resp.StatusCode)
	}
	return fmt.Sprintf("running on port %d", port)
}

func printStatusCounts(w io.Writer, counts map[investor.Status]int) {
	t := newTable(w, "Status", "Investors")
	total := 0
	for _, st := range investor.Statuses {
		t.AppendRow([]any{string(st), counts[st]})
		total += counts[st]
	}
	t.AppendFooter([]any{"total", total})
	t.Render()
}

func printRuns(w io.Writer, runs []storage.Run) {
	t := newTable(w, "Session", "Mode", "Start page", "Status", "Processed", "Started", "Error")
	for _, r := range runs {
		start := "-"
		if r.StartUnit > 0 {
			start = strconv.Itoa(r.StartUnit)
		}
		t.AppendRow([]any{r.SessionID, r.Mode, start, r.Status, r.Processed, r.StartedAt.Local().Format(time.DateTime), r.LastError})
	}
	t.Render()
}

func printCacheStats(w io.Writer, st cache.Stats) {
	t := newTable(w, "Cached", "Completed", "Pending", "Failed", "Completion")
	t.AppendRow([]any{st.Total, st.Completed, st.Pending, st.Failed, st.CompletionRate})
	t.Render()
}

// --- plan ---

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show the page the next run resumes from",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			enhanced := a.cfg.Resume.Enhanced
			if cmd.Flags().Changed("enhanced") {
				enhanced, _ = cmd.Flags().GetBool("enhanced")
			}
			sel := selector.New(a.progress)
			page := resume.Resolve(context.Background(), resume.New(enhanced, a.progress, sel))
			fmt.Fprintln(os.Stdout, page)
			return nil
		})
	},
}

func init() {
	planCmd.Flags().Bool("enhanced", false, "use the look-behind planner")
}

// --- pages ---

var pagesCmd = &cobra.Command{
	Use:   "pages",
	Short: "List page snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			snaps, err := a.snaps.List()
			if err != nil {
				return fmt.Errorf("listing snapshots: %w", err)
			}
			printPages(os.Stdout, snaps)
			return nil
		})
	},
}

// printPages shows the authoritative snapshot of each page. List returns
// every file, sorted by page, best first.
func printPages(w io.Writer, snaps []snapshot.Snapshot) {
	t := newTable(w, "Page", "Status", "Scraped", "Total", "Session", "Saved")
	seen := make(map[int]bool)
	for _, s := range snaps {
		if seen[s.Unit] {
			continue
		}
		seen[s.Unit] = true
		session := s.SessionID
		if s.Legacy {
			session = "(legacy)"
		}
		t.AppendRow([]any{s.Unit, string(s.Status), len(selector.ScrapedIDs(s.Items)), s.Total, session, s.SavedAt.Local().Format(time.DateTime)})
	}
	t.Render()
}

// --- items ---

var itemsCmd = &cobra.Command{
	Use:   "items <status>",
	Short: "List investor ids in a status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := investor.ParseStatus(args[0])
		if err != nil {
			return err
		}
		return withApp(func(a *app) error {
			ids, err := a.progress.ListByStatus(status)
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(os.Stdout, id)
			}
			return nil
		})
	},
}

var itemsResetCmd = &cobra.Command{
	Use:   "reset <id>...",
	Short: "Move investors back to pending so the next run retries them",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			var errs []error
			for _, id := range args {
				it, err := a.progress.Item(id)
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", id, err))
					continue
				}
				if err := a.progress.Override(id, investor.StatusPending, it.URL, it.Unit); err != nil {
					errs = append(errs, err)
					continue
				}
				printSuccess("Reset %s (was %s)", id, it.Status)
			}
			return errors.Join(errs...)
		})
	},
}

func init() {
	itemsCmd.AddCommand(itemsResetCmd)
}

// --- cache ---

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or rebuild the completion cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		idx := cache.Open(cfg.Storage.CacheFile)
		if err := idx.Err(); err != nil {
			return err
		}
		printCacheStats(os.Stdout, idx.Stats())
		return nil
	},
}

var cacheImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Seed the cache from completed page snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		idx := cache.Open(cfg.Storage.CacheFile)
		printStep("Importing completed pages from %s", cfg.Storage.ResultsDir)
		added, skipped, err := idx.ImportSnapshots(snapshot.NewDir(cfg.Storage.ResultsDir))
		if err != nil {
			return err
		}
		printSuccess("Added %d investors, %d already cached", added, skipped)
		printCacheStats(os.Stdout, idx.Stats())
		return nil
	},
}

var cacheListCmd = &cobra.Command{
	Use:   "list [status]",
	Short: "List cached investor ids, optionally by cache status",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		idx := cache.Open(cfg.Storage.CacheFile)
		if err := idx.Err(); err != nil {
			return err
		}
		status := ""
		if len(args) == 1 {
			status = args[0]
		}
		for _, id := range idx.IDs(status) {
			fmt.Fprintln(os.Stdout, id)
		}
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheImportCmd)
	cacheCmd.AddCommand(cacheListCmd)
}
