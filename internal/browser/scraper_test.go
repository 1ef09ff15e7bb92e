package browser

import (
	"context"
	"errors"
	"testing"

	"github.com/guykatzsedric/snc-scraper/internal/investor"
)

type fakeFetcher struct {
	pages map[string]string
	errs  map[string]error
	got   []string
}

func (f *fakeFetcher) Fetch(_ context.Context, u, _ string) (string, error) {
	f.got = append(f.got, u)
	if err := f.errs[u]; err != nil {
		return "", err
	}
	return f.pages[u], nil
}

const alphaURL = "https://finder.startupnationcentral.org/investor_page/alpha-ventures"

func TestScrapeMergesInvestments(t *testing.T) {
	f := &fakeFetcher{pages: map[string]string{
		alphaURL:                          profileHTML,
		alphaURL + "?section=investments": investmentsHTML,
	}}
	rec, err := NewScraper(f, nil).Scrape(context.Background(), alphaURL)
	if err != nil {
		t.Fatalf("Scrape: %v", err)
	}
	if got := investor.OutcomeStatus(rec); got != investor.StatusCompleted {
		t.Errorf("OutcomeStatus = %s, want completed", got)
	}
	if !investor.IsScraped(rec) {
		t.Errorf("record not classified as scraped: %v", rec)
	}
	if _, ok := rec["investment_summary"]; !ok {
		t.Error("investment_summary missing")
	}
	if len(f.got) != 2 {
		t.Errorf("fetches = %v, want overview then investments", f.got)
	}
}

func TestScrapeValidationSkipsInvestments(t *testing.T) {
	f := &fakeFetcher{pages: map[string]string{
		alphaURL: "<h1>Alpha</h1><div>This profile has limited information</div>",
	}}
	rec, err := NewScraper(f, nil).Scrape(context.Background(), alphaURL)
	if err != nil {
		t.Fatalf("Scrape: %v", err)
	}
	if rec.ValidationType() != "limited_info" {
		t.Errorf("validation_type = %q, want limited_info", rec.ValidationType())
	}
	if len(f.got) != 1 {
		t.Errorf("fetches = %v, want only the overview", f.got)
	}
}

func TestScrapeInvestmentsFailureKeepsProfile(t *testing.T) {
	f := &fakeFetcher{
		pages: map[string]string{alphaURL: profileHTML},
		errs:  map[string]error{alphaURL + "?section=investments": errors.New("timeout")},
	}
	rec, err := NewScraper(f, nil).Scrape(context.Background(), alphaURL)
	if err != nil {
		t.Fatalf("Scrape: %v", err)
	}
	if rec.Name() != "Alpha Ventures" {
		t.Errorf("name = %q", rec.Name())
	}
	if inv, _ := rec["investments"].([]any); len(inv) != 0 {
		t.Errorf("investments = %v, want empty", inv)
	}
}

func TestScrapeFetchError(t *testing.T) {
	f := &fakeFetcher{errs: map[string]error{alphaURL: errors.New("net::ERR_TIMED_OUT")}}
	if _, err := NewScraper(f, nil).Scrape(context.Background(), alphaURL); err == nil {
		t.Fatal("expected error")
	}
}
