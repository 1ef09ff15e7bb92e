package browser

import (
	"encoding/json"
	"errors"
	"html"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"

	"github.com/guykatzsedric/snc-scraper/internal/investor"
)

// ErrNoProfile is returned when a page has no investor heading.
var ErrNoProfile = errors.New("no investor profile on page")

const (
	investorPath = "/investor_page/"
	notAvailable = "N/A"

	// ListingReady and ProfileReady are the selectors Fetch waits for.
	ListingReady = `a[href*="/investor_page/"]`
	ProfileReady = "h1"
)

// Banner text that marks a profile as not worth scraping.
const (
	inactiveBanner = "presumed inactive no recent investments in israel"
	limitedBanner  = "this profile has limited information"
)

var (
	sectorRe = regexp.MustCompile(`(?s)"investmentRoundsBySector":\[(.*?)\]`)
	typeRe   = regexp.MustCompile(`(?s)"investmentsRoundsByRoundType":\[(.*?)\]`)
	amountRe = regexp.MustCompile(`\$[\d,.]+[KMB]?`)
	spaceRe  = regexp.MustCompile(`\s+`)

	textPolicy = bluemonday.StrictPolicy()
)

// Link is an investor found on a listing page.
type Link struct {
	ID   string
	Name string
	URL  string
}

// ParseListing returns the investor links of a listing page in document
// order, resolved against base and without duplicates.
func ParseListing(base, page string) ([]Link, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	if err != nil {
		return nil, err
	}
	baseURL, _ := url.Parse(base)

	var links []Link
	seen := make(map[string]bool)
	doc.Find("a").Each(func(_ int, a *goquery.Selection) {
		href, ok := a.Attr("href")
		if !ok || !strings.Contains(href, investorPath) {
			return
		}
		abs := href
		if baseURL != nil {
			if ref, err := url.Parse(href); err == nil {
				abs = baseURL.ResolveReference(ref).String()
			}
		}
		if seen[abs] {
			return
		}
		seen[abs] = true
		links = append(links, Link{
			ID:   investor.SlugFromURL(abs),
			Name: cleanText(a.Text()),
			URL:  abs,
		})
	})
	return links, nil
}

// ValidationRecord returns the record for a profile the site flags as
// inactive or limited, or nil when the page carries neither banner.
func ValidationRecord(pageURL, page string) investor.Record {
	lower := strings.ToLower(spaceRe.ReplaceAllString(page, " "))
	id := investor.SlugFromURL(pageURL)

	var kind investor.Status
	var name, reason string
	switch {
	case strings.Contains(lower, inactiveBanner):
		kind, name, reason = investor.StatusInactive, "Inactive VC (Not Scraped)", "PRESUMED INACTIVE No recent investments in Israel"
	case strings.Contains(lower, limitedBanner):
		kind, name, reason = investor.StatusLimitedInfo, "Limited Info VC (Not Scraped)", "This profile has limited information"
	default:
		return nil
	}
	return investor.Record{
		"status":                     string(kind),
		investor.FieldName:           name,
		investor.FieldID:             id,
		investor.FieldURL:            pageURL,
		investor.FieldReason:         reason,
		investor.FieldValidationType: string(kind),
		investor.FieldScrapedAt:      "",
		"overview":                   "",
		investor.FieldInvestments:    []any{},
	}
}

// ParseProfile extracts the overview tab of an investor page.
func ParseProfile(pageURL, page string, now time.Time) (investor.Record, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	if err != nil {
		return nil, err
	}
	name := cleanText(doc.Find("h1").First().Text())
	if name == "" {
		return nil, ErrNoProfile
	}

	rec := investor.Record{
		investor.FieldID:        investor.SlugFromURL(pageURL),
		investor.FieldName:      name,
		investor.FieldURL:       pageURL,
		"overview":              orNA(sanitized(doc.Find("#about").First())),
		"founded":               orNA(founded(doc)),
		investor.FieldScrapedAt: now.Format("2006-01-02 15:04:05"),
	}

	blurred := doc.Find(".blured-for-logged-out-users")
	for i, field := range []string{"israeli_portfolio", "exits", "aum", "funds", "investment_stages"} {
		rec[field] = orNA(cleanText(blurred.Eq(i).Text()))
	}

	rec["web_social_links"] = map[string]any{
		"website":  orNA(attr(doc, "a#social-links-website", "href")),
		"linkedin": orNA(attr(doc, `a[href*="linkedin.com"]`, "href")),
		"facebook": orNA(attr(doc, `a[href*="facebook.com"]`, "href")),
		"twitter":  orNA(attr(doc, `a[href*="twitter.com"]`, "href")),
	}

	var locations []string
	doc.Find("#entity-location-desktop-container .entity-location-address-container").Each(func(_ int, s *goquery.Selection) {
		if t := cleanText(s.Text()); t != "" {
			locations = append(locations, t)
		}
	})
	rec["locations"] = strings.Join(locations, ", ")

	var industries []string
	for _, sector := range embeddedArray(sectorRe, page) {
		if m, ok := sector.(map[string]any); ok {
			if s, _ := m["sector"].(string); s != "" {
				industries = append(industries, s)
			}
		}
	}
	rec["industries"] = strings.Join(industries, ", ")
	return rec, nil
}

// ParseInvestments extracts the investments tab of an investor page as the
// fields merged into the profile record.
func ParseInvestments(page string) (map[string]any, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	if err != nil {
		return nil, err
	}

	investments := []any{}
	doc.Find(`.entity-auto-scroll-data-table a[href*="/company_page/"]`).Each(func(_ int, row *goquery.Selection) {
		investments = append(investments, parseInvestmentRow(row))
	})

	sectors := embeddedArray(sectorRe, page)
	types := embeddedArray(typeRe, page)
	return map[string]any{
		investor.FieldInvestments:               investments,
		"investment_rounds_by_sector_detailed": sectors,
		"investment_rounds_by_type_detailed":   types,
		"investment_summary": map[string]any{
			"total_investments": len(investments),
			"total_sectors":     len(sectors),
			"total_round_types": len(types),
		},
	}, nil
}

func parseInvestmentRow(row *goquery.Selection) map[string]any {
	href, _ := row.Attr("href")
	company := row.Find(".company").First()
	spans := company.Find("span")

	date := notAvailable
	if spans.Length() > 0 {
		date = orNA(cleanText(spans.First().Text()))
	}

	name := ""
	spans.EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if style, _ := s.Attr("style"); strings.Contains(style, "font-weight: 700") {
			name = cleanText(s.Text())
			return false
		}
		return true
	})
	if name == "" && href != "" {
		name = titleFromSlug(investor.SlugFromURL(href))
	}

	round := notAvailable
	spans.EachWithBreak(func(_ int, s *goquery.Selection) bool {
		t := cleanText(s.Text())
		l := strings.ToLower(t)
		if strings.Contains(l, "round") || strings.Contains(l, "series") || strings.Contains(l, "seed") {
			round = t
			return false
		}
		return true
	})

	lead := "No"
	if svg := company.Find(`svg[fill="#00A96E"]`).First(); svg.Length() > 0 {
		if style, _ := svg.Parent().Attr("style"); !hidden(style) {
			lead = "Yes"
		}
	}

	followOn := "No"
	company.Find("div[style]").EachWithBreak(func(_ int, d *goquery.Selection) bool {
		style, _ := d.Attr("style")
		if strings.Contains(style, "width:") && strings.Contains(style, "7%") && !hidden(style) {
			followOn = "Yes"
			return false
		}
		return true
	})

	amount := notAvailable
	if m := amountRe.FindString(company.Text()); m != "" {
		amount = m
	}

	return map[string]any{
		"date":               date,
		"company_name":       orNA(name),
		"round_type":         round,
		"lead_investor":      lead,
		"follow_on":          followOn,
		"total_round_amount": amount,
		"company_url":        href,
	}
}

func hidden(style string) bool {
	return strings.Contains(strings.ReplaceAll(style, " ", ""), "display:none")
}

func founded(doc *goquery.Document) string {
	var out string
	doc.Find("h3").EachWithBreak(func(_ int, h *goquery.Selection) bool {
		if !strings.Contains(h.Text(), "Founded") {
			return true
		}
		out = cleanText(h.Next().Text())
		return false
	})
	return out
}

func attr(doc *goquery.Document, sel, name string) string {
	v, _ := doc.Find(sel).First().Attr(name)
	return strings.TrimSpace(v)
}

// sanitized renders the text of s with all markup stripped.
func sanitized(s *goquery.Selection) string {
	if s.Length() == 0 {
		return ""
	}
	raw, err := s.Html()
	if err != nil {
		return cleanText(s.Text())
	}
	return cleanText(html.UnescapeString(textPolicy.Sanitize(raw)))
}

func embeddedArray(re *regexp.Regexp, page string) []any {
	m := re.FindStringSubmatch(page)
	if m == nil {
		return []any{}
	}
	var out []any
	if err := json.Unmarshal([]byte("["+m[1]+"]"), &out); err != nil || out == nil {
		return []any{}
	}
	return out
}

func cleanText(s string) string {
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

func orNA(s string) string {
	if s == "" {
		return notAvailable
	}
	return s
}

func titleFromSlug(slug string) string {
	words := strings.Fields(strings.ReplaceAll(slug, "-", " "))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
