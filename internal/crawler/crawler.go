// Package crawler walks a site from a seed URL, analyzes every page it
// keeps, and stops at the configured page cap.
package crawler

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	robotstxt "github.com/temoto/robotstxt"

	"geoaudit/internal/analyzer"
	"geoaudit/internal/fault"
	"geoaudit/internal/fetcher"
	"geoaudit/internal/model"
)

// Binary and style assets are never worth analyzing.
var skipExtensions = map[string]struct{}{
	".pdf": {}, ".zip": {}, ".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {},
	".svg": {}, ".ico": {}, ".css": {}, ".js": {}, ".mp3": {}, ".mp4": {},
}

// PageFetcher is the slice of the fetcher the crawler needs.
type PageFetcher interface {
	Fetch(ctx context.Context, rawURL string, opts fetcher.Options) (*fetcher.Result, error)
	Robots(ctx context.Context, base string, mobile bool) (*robotstxt.RobotsData, error)
}

// Options controls one crawl.
type Options struct {
	Seed            string
	Cap             int
	Concurrency     int
	AllowSubdomains bool
	RespectRobots   bool
	Mobile          bool
	Language        string
	UserAgent       string

	// FetchTimeout overrides the fetcher's default per-request timeout
	// when positive.
	FetchTimeout time.Duration

	// OnProgress is called with (analyzed, cap) at most once per tick.
	OnProgress func(analyzed, cap int)
}

// Result is everything one crawl produced.
type Result struct {
	Pages    []model.PageReport
	Errors   []model.StageError
	Seen     int
	Warnings []string
}

type Crawler struct {
	fetch  PageFetcher
	logger *slog.Logger
}

func New(fetch PageFetcher, logger *slog.Logger) *Crawler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Crawler{fetch: fetch, logger: logger}
}

// Crawl fetches and analyzes pages breadth-first from the seed. A seed
// that cannot be fetched fails the whole crawl; every later per-URL
// failure is recorded and skipped.
func (c *Crawler) Crawl(ctx context.Context, opts Options) (*Result, error) {
	if opts.Cap <= 0 {
		opts.Cap = 50
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 5
	}

	seed, err := Normalize(opts.Seed)
	if err != nil {
		return nil, fault.Errorf(fault.InvalidConfig, "crawler", "invalid seed url %q: %v", opts.Seed, err)
	}
	seedURL, err := url.Parse(seed)
	if err != nil {
		return nil, fault.New(fault.InvalidConfig, "crawler", err)
	}
	seedHost := seedURL.Hostname()

	var robots *robotstxt.RobotsData
	if opts.RespectRobots {
		robots, _ = c.fetch.Robots(ctx, seed, opts.Mobile)
	}

	res := &Result{}
	tick := opts.Cap / 20
	if tick < 1 {
		tick = 1
	}

	// The seed is fetched inline so its failure can abort the crawl.
	seedReport, links, err := c.visit(ctx, seed, opts)
	if err != nil {
		return nil, err
	}
	res.Pages = append(res.Pages, *seedReport)

	// A cross-origin seed redirect restricts the crawl to the landing host.
	if finalHost := hostOf(seedReport.FinalURL); finalHost != "" && !SameSite(seedHost, finalHost, opts.AllowSubdomains) {
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("seed redirected off-origin to %s; auditing the destination site", finalHost))
		seedHost = finalHost
	}

	seen := map[string]struct{}{seed: {}}
	var frontier []string
	admit := func(raw string) {
		norm, ok := c.admissible(raw, seedURL, seedHost, robots, opts)
		if !ok {
			return
		}
		if _, dup := seen[norm]; dup {
			return
		}
		seen[norm] = struct{}{}
		frontier = append(frontier, norm)
	}
	for _, l := range links {
		admit(l)
	}
	for _, l := range c.Sitemap(ctx, seed, opts) {
		admit(l)
	}

	var mu sync.Mutex
	sem := make(chan struct{}, opts.Concurrency)
	var wg sync.WaitGroup

	report := func(n int) {
		if opts.OnProgress != nil && (n%tick == 0 || n >= opts.Cap) {
			opts.OnProgress(n, opts.Cap)
		}
	}
	report(1)

	for len(frontier) > 0 && len(res.Pages) < opts.Cap {
		if ctx.Err() != nil {
			return nil, fault.New(fault.Canceled, "crawler", ctx.Err())
		}

		// Dispatch one frontier wave; link discovery feeds the next.
		batch := frontier
		frontier = nil
		var discovered []string

		for _, pageURL := range batch {
			mu.Lock()
			full := len(res.Pages)+len(sem) >= opts.Cap
			mu.Unlock()
			if full {
				break
			}

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				wg.Wait()
				return nil, fault.New(fault.Canceled, "crawler", ctx.Err())
			}

			wg.Add(1)
			go func(pageURL string) {
				defer wg.Done()
				defer func() { <-sem }()

				page, links, err := c.visit(ctx, pageURL, opts)

				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					res.Errors = append(res.Errors, model.StageError{
						Stage:   "crawl",
						Kind:    string(fault.KindOf(err)),
						Host:    hostOf(pageURL),
						Message: err.Error(),
					})
					return
				}
				res.Pages = append(res.Pages, *page)
				discovered = append(discovered, links...)
				report(len(res.Pages))
			}(pageURL)
		}
		wg.Wait()

		mu.Lock()
		for _, l := range discovered {
			admit(l)
		}
		mu.Unlock()
	}

	res.Seen = len(seen)
	c.logger.Info("crawl finished",
		"seed", seed,
		"pages", len(res.Pages),
		"seen", res.Seen,
		"errors", len(res.Errors))
	return res, nil
}

// visit fetches one page, analyzes it, and extracts its outbound links.
func (c *Crawler) visit(ctx context.Context, pageURL string, opts Options) (*model.PageReport, []string, error) {
	start := time.Now()
	fr, err := c.fetch.Fetch(ctx, pageURL, fetcher.Options{
		Mobile:   opts.Mobile,
		Language: opts.Language,
		Timeout:  opts.FetchTimeout,
	})
	if err != nil {
		return nil, nil, err
	}

	report := analyzer.Analyze(analyzer.Input{
		URL:         pageURL,
		FinalURL:    fr.FinalURL,
		Status:      fr.Status,
		ContentType: fr.ContentType,
		Body:        fr.Body,
		FetchedAt:   start,
		Truncated:   fr.Truncated,
	})

	var links []string
	if strings.Contains(fr.ContentType, "text/html") {
		links = extractLinks(fr.Body, fr.FinalURL)
	}
	return &report, links, nil
}

func extractLinks(body []byte, baseURL string) []string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return nil
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil
	}
	var out []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok {
			return
		}
		u, err := base.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}
		out = append(out, u.String())
	})
	return out
}

// admissible filters and normalizes one candidate URL.
func (c *Crawler) admissible(raw string, seedURL *url.URL, seedHost string, robots *robotstxt.RobotsData, opts Options) (string, bool) {
	u, err := seedURL.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	if !SameSite(seedHost, u.Hostname(), opts.AllowSubdomains) {
		return "", false
	}
	if ext := strings.ToLower(pathExt(u.Path)); ext != "" {
		if _, skip := skipExtensions[ext]; skip {
			return "", false
		}
	}
	norm, err := Normalize(u.String())
	if err != nil {
		return "", false
	}
	if robots != nil {
		grp := robots.FindGroup(opts.UserAgent)
		// Robots rules match on path plus query ("Disallow: /search?").
		path := u.Path
		if u.RawQuery != "" {
			path += "?" + u.RawQuery
		}
		if !grp.Test(path) {
			return "", false
		}
	}
	return norm, true
}

func pathExt(path string) string {
	if i := strings.LastIndex(path, "."); i >= 0 && i > strings.LastIndex(path, "/") {
		return path[i:]
	}
	return ""
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
