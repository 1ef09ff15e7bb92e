// Package api serves a read-only HTTP view of scraping progress: item
// counts, cache statistics, page snapshots and the next resume point.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/guykatzsedric/snc-scraper/internal/cache"
	"github.com/guykatzsedric/snc-scraper/internal/investor"
	"github.com/guykatzsedric/snc-scraper/internal/progress"
	"github.com/guykatzsedric/snc-scraper/internal/resume"
	"github.com/guykatzsedric/snc-scraper/internal/selector"
	"github.com/guykatzsedric/snc-scraper/internal/storage"
)

const defaultRunLimit = 10

// CacheStats is the part of cache.Index the API reads.
type CacheStats interface {
	Stats() cache.Stats
	Err() error
}

// RunLister lists recent sessions. storage.Store implements it.
type RunLister interface {
	RecentRuns(limit int) ([]storage.Run, error)
}

type Deps struct {
	Progress *progress.Store
	Planner  resume.Planner
	Work     resume.WorkChecker
	Cache    CacheStats // optional
	Runs     RunLister  // optional
	Token    string
}

func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Get("/status", handleStatus(deps))
		r.Get("/items", handleItems(deps))
		r.Get("/cache/stats", handleCacheStats(deps))
		r.Get("/units", handleUnits(deps))
		r.Get("/units/{page}", handleUnit(deps))
		r.Get("/plan", handlePlan(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

type statusResponse struct {
	SessionID string                  `json:"session_id"`
	Items     map[investor.Status]int `json:"items"`
	Runs      []runJSON               `json:"runs,omitempty"`
}

type runJSON struct {
	ID         string `json:"id"`
	SessionID  string `json:"session_id"`
	Mode       string `json:"mode"`
	StartPage  int    `json:"start_page,omitempty"`
	Status     string `json:"status"`
	Processed  int    `json:"processed"`
	LastError  string `json:"last_error,omitempty"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at,omitempty"`
}

func handleStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := deps.Progress.Summary()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading progress: %v", err)
			return
		}
		resp := statusResponse{SessionID: deps.Progress.SessionID(), Items: counts}

		if deps.Runs != nil {
			limit := defaultRunLimit
			if v := r.URL.Query().Get("runs"); v != "" {
				n, err := strconv.Atoi(v)
				if err != nil || n < 0 {
					httpError(w, http.StatusBadRequest, "invalid_request_error", "runs must be a non-negative integer")
					return
				}
				limit = n
			}
			runs, err := deps.Runs.RecentRuns(limit)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "reading runs: %v", err)
				return
			}
			for _, run := range runs {
				resp.Runs = append(resp.Runs, toRunJSON(run))
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func toRunJSON(r storage.Run) runJSON {
	out := runJSON{
		ID:        r.ID,
		SessionID: r.SessionID,
		Mode:      r.Mode,
		StartPage: r.StartUnit,
		Status:    r.Status,
		Processed: r.Processed,
		LastError: r.LastError,
		StartedAt: r.StartedAt.Format(time.RFC3339),
	}
	if !r.FinishedAt.IsZero() {
		out.FinishedAt = r.FinishedAt.Format(time.RFC3339)
	}
	return out
}

func handleItems(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := r.URL.Query().Get("status")
		status, err := investor.ParseStatus(raw)
		if err != nil || raw == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "status must be one of %v", investor.Statuses)
			return
		}
		ids, err := deps.Progress.ListByStatus(status)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing items: %v", err)
			return
		}
		if ids == nil {
			ids = []string{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": status, "count": len(ids), "ids": ids})
	}
}

func handleCacheStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Cache == nil {
			httpError(w, http.StatusNotFound, "not_found_error", "cache is not configured")
			return
		}
		if err := deps.Cache.Err(); err != nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "cache unavailable: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, deps.Cache.Stats())
	}
}

type unitJSON struct {
	Page      int    `json:"page"`
	Status    string `json:"status"`
	Total     int    `json:"total_vcs"`
	Items     int    `json:"items"`
	Scraped   int    `json:"scraped"`
	SessionID string `json:"session_id,omitempty"`
	SavedAt   string `json:"saved_at"`
	Legacy    bool   `json:"legacy,omitempty"`
	NeedsWork *bool  `json:"needs_work,omitempty"`
}

func handleUnits(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snaps, err := deps.Progress.List()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing snapshots: %v", err)
			return
		}
		// One row per page: List returns every file, keep the one Load
		// would pick.
		seen := make(map[int]bool)
		units := []unitJSON{}
		for _, s := range snaps {
			if seen[s.Unit] {
				continue
			}
			seen[s.Unit] = true
			best, ok := deps.Progress.LoadSnapshot(s.Unit)
			if !ok {
				continue
			}
			units = append(units, unitJSON{
				Page:      best.Unit,
				Status:    string(best.Status),
				Total:     best.Total,
				Items:     len(best.Items),
				Scraped:   len(selector.ScrapedIDs(best.Items)),
				SessionID: best.SessionID,
				SavedAt:   best.SavedAt.Format(time.RFC3339),
				Legacy:    best.Legacy,
			})
		}
		writeJSON(w, http.StatusOK, units)
	}
}

func handleUnit(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, err := strconv.Atoi(chi.URLParam(r, "page"))
		if err != nil || page < 1 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "page must be a positive integer")
			return
		}
		snap, ok := deps.Progress.LoadSnapshot(page)
		if !ok {
			httpError(w, http.StatusNotFound, "not_found_error", "no snapshot for page %d", page)
			return
		}
		u := unitJSON{
			Page:      snap.Unit,
			Status:    string(snap.Status),
			Total:     snap.Total,
			Items:     len(snap.Items),
			Scraped:   len(selector.ScrapedIDs(snap.Items)),
			SessionID: snap.SessionID,
			SavedAt:   snap.SavedAt.Format(time.RFC3339),
			Legacy:    snap.Legacy,
		}
		if deps.Work != nil {
			needs := deps.Work.NeedsWork(page)
			u.NeedsWork = &needs
		}
		writeJSON(w, http.StatusOK, u)
	}
}

func handlePlan(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Planner == nil {
			httpError(w, http.StatusNotFound, "not_found_error", "no planner configured")
			return
		}
		page := resume.Resolve(r.Context(), deps.Planner)
		writeJSON(w, http.StatusOK, map[string]int{"next_page": page})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}
