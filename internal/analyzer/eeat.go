package analyzer

import (
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"geoaudit/internal/model"
)

// freshnessWindow is how old the newest visible date may be before the
// page counts as stale.
const freshnessWindow = 18 * 30 * 24 * time.Hour

// Domains whose outbound links count as authoritative citations.
var authoritativeDomains = map[string]struct{}{
	"wikipedia.org": {}, "nih.gov": {}, "who.int": {}, "nature.com": {},
	"sciencedirect.com": {}, "acm.org": {}, "ieee.org": {}, "un.org": {},
	"europa.eu": {}, "gob.ar": {}, "gov.uk": {},
}

var aboutWords = []string{"about", "acerca", "nosotros", "quienes-somos", "quienes somos", "sobre"}
var contactWords = []string{"contact", "contacto"}
var privacyWords = []string{"privacy", "privacidad"}

func analyzeEEAT(doc *goquery.Document, ld *ldInfo, pageURL string, fetchedAt time.Time) model.EEATReport {
	var r model.EEATReport

	r.AuthorName = findAuthor(doc, ld)
	if r.AuthorName != "" {
		r.AuthorPresence = model.Check{Status: model.CheckPass}
	} else {
		r.AuthorPresence = model.Check{Status: model.CheckFail, Note: "no author attribution found"}
	}

	pageHost := rootDomain(hostOf(pageURL))
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		link, err := url.Parse(strings.TrimSpace(href))
		if err != nil || link.Host == "" {
			return
		}
		host := rootDomain(strings.ToLower(link.Hostname()))
		if host == "" || host == pageHost {
			return
		}
		r.ExternalLinks++
		if isAuthoritative(host) {
			r.AuthoritativeLinks++
		}
	})

	r.NewestDate = newestDate(doc, ld)
	if r.NewestDate != nil && fetchedAt.Sub(*r.NewestDate) > freshnessWindow {
		r.FreshnessStale = true
	}

	r.HasAboutLink = hasLink(doc, aboutWords)
	r.HasContactLink = hasLink(doc, contactWords)
	r.HasPrivacyLink = hasLink(doc, privacyWords)

	r.Score = scoreEEAT(&r)
	return r
}

// findAuthor checks structured data first, then the usual markup spots.
func findAuthor(doc *goquery.Document, ld *ldInfo) string {
	if len(ld.Authors) > 0 {
		return strings.TrimSpace(ld.Authors[0])
	}
	if name, ok := doc.Find(`meta[name="author"]`).Attr("content"); ok {
		if name = strings.TrimSpace(name); name != "" {
			return name
		}
	}
	for _, sel := range []string{`a[rel="author"]`, `[class*="author"]`, `[class*="byline"]`} {
		if name := normalizeSpace(doc.Find(sel).First().Text()); name != "" && len(name) < 80 {
			return name
		}
	}
	return ""
}

func isAuthoritative(host string) bool {
	for domain := range authoritativeDomains {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return strings.HasSuffix(host, ".edu") || strings.HasSuffix(host, ".gov")
}

// newestDate collects dates from JSON-LD and <time datetime> elements and
// keeps the most recent one.
func newestDate(doc *goquery.Document, ld *ldInfo) *time.Time {
	var newest time.Time
	consider := func(t time.Time) {
		if t.After(newest) {
			newest = t
		}
	}
	for _, t := range ld.Dates {
		consider(t)
	}
	doc.Find("time[datetime]").Each(func(_ int, sel *goquery.Selection) {
		if raw, ok := sel.Attr("datetime"); ok {
			if t, ok := parseDate(raw); ok {
				consider(t)
			}
		}
	})
	if newest.IsZero() {
		return nil
	}
	return &newest
}

func hasLink(doc *goquery.Document, words []string) bool {
	found := false
	doc.Find("a[href]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href, _ := sel.Attr("href")
		text := strings.ToLower(normalizeSpace(sel.Text()))
		href = strings.ToLower(href)
		for _, w := range words {
			if strings.Contains(href, w) || strings.Contains(text, w) {
				found = true
				return false
			}
		}
		return true
	})
	return found
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// rootDomain strips the www prefix so internal links are not miscounted
// as external.
func rootDomain(host string) string {
	return strings.TrimPrefix(host, "www.")
}

func scoreEEAT(r *model.EEATReport) float64 {
	var score float64

	if r.AuthorPresence.Status == model.CheckPass {
		score += 30
	}

	links := float64(r.ExternalLinks) * 2
	if links > 10 {
		links = 10
	}
	score += links
	authoritative := float64(r.AuthoritativeLinks) * 5
	if authoritative > 15 {
		authoritative = 15
	}
	score += authoritative

	if r.NewestDate != nil {
		if r.FreshnessStale {
			score += 10
		} else {
			score += 25
		}
	}

	if r.HasAboutLink {
		score += 7
	}
	if r.HasContactLink {
		score += 7
	}
	if r.HasPrivacyLink {
		score += 6
	}

	return clampScore(score)
}
