// Package pipeline orchestrates one audit end to end: validation, seed
// fetch, crawl, classification, competitor discovery and audits,
// performance collection, and report synthesis.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"geoaudit/internal/agents"
	"geoaudit/internal/analyzer"
	"geoaudit/internal/config"
	"geoaudit/internal/crawler"
	"geoaudit/internal/fault"
	"geoaudit/internal/fetcher"
	"geoaudit/internal/metrics"
	"geoaudit/internal/model"
	"geoaudit/internal/search"
	"geoaudit/internal/store"
)

// Stage progress checkpoints. Progress within a stage interpolates up to
// the stage's ceiling and never moves backwards.
const (
	progressValidate    = 5
	progressSeedFetch   = 15
	progressCrawl       = 35
	progressClassify    = 45
	progressDiscovery   = 55
	progressCompetitors = 75
	progressPerformance = 85
	progressSynthesize  = 95
	progressDone        = 100
)

// Emitter receives progress updates during a run. It is an alias so the
// orchestrator satisfies the jobs runner contract directly.
type Emitter = func(stage string, progress int, message string)

// SeedFetcher is the slice of the fetcher the pipeline uses directly.
type SeedFetcher interface {
	GuardURL(ctx context.Context, rawURL string) error
	Fetch(ctx context.Context, rawURL string, opts fetcher.Options) (*fetcher.Result, error)
}

// SiteCrawler runs a bounded crawl.
type SiteCrawler interface {
	Crawl(ctx context.Context, opts crawler.Options) (*crawler.Result, error)
}

// PerfClient fetches lab performance data.
type PerfClient interface {
	FetchPerformance(ctx context.Context, target string) (*model.PagespeedData, error)
	Staleness() time.Duration
}

// Classifier labels the site and proposes discovery queries. A non-nil
// error means the agent degraded to its fallback output.
type Classifier interface {
	Classify(ctx context.Context, host, language string, pageHTML []byte) (model.ExternalIntelligence, error)
}

// Synthesizer writes the final report. A non-nil error means the agent
// degraded to its fallback output.
type Synthesizer interface {
	Synthesize(ctx context.Context, in agents.Input) (agents.Output, error)
}

// Deps wires the orchestrator. Search, Perf, and Rendered may be nil;
// the matching stages then degrade.
type Deps struct {
	Config      *config.Config
	Store       store.Store
	Fetcher     SeedFetcher
	Rendered    *fetcher.RenderedFetcher
	Crawler     SiteCrawler
	Perf        PerfClient
	Search      search.Provider
	Classifier  Classifier
	Synthesizer Synthesizer
	Logger      *slog.Logger
}

type Orchestrator struct {
	deps   Deps
	logger *slog.Logger

	mu      sync.Mutex
	running map[int64]struct{}
}

func New(deps Deps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		deps:    deps,
		logger:  logger,
		running: make(map[int64]struct{}),
	}
}

// acquire guards against concurrent runs of the same audit.
func (o *Orchestrator) acquire(id int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.running[id]; busy {
		return fault.Errorf(fault.Conflict, "pipeline", "audit %d is already running", id)
	}
	o.running[id] = struct{}{}
	return nil
}

func (o *Orchestrator) release(id int64) {
	o.mu.Lock()
	delete(o.running, id)
	o.mu.Unlock()
}

// Run executes the full audit. The returned error is non-nil only for
// fatal failures; degraded audits complete with Incomplete set.
func (o *Orchestrator) Run(ctx context.Context, auditID int64, emit Emitter) error {
	if err := o.acquire(auditID); err != nil {
		return err
	}
	defer o.release(auditID)

	if emit == nil {
		emit = func(string, int, string) {}
	}

	audit, err := o.deps.Store.GetAudit(ctx, auditID)
	if err != nil {
		return err
	}
	if audit.Status.Terminal() {
		return fault.Errorf(fault.Conflict, "pipeline", "audit %d already finished", auditID)
	}

	results, runErr := o.execute(ctx, audit, emit)
	if runErr != nil {
		// The caller owns failure handling: the worker decides whether
		// this attempt is retried or the audit is marked failed.
		o.logger.Error("audit run failed", "audit_id", audit.ID,
			"kind", fault.KindOf(runErr), "err", runErr)
		return runErr
	}

	// Terminal writes must survive the run context being canceled.
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	metrics.RecordAudit("completed")
	if err := o.deps.Store.FinishAudit(storeCtx, audit.ID, model.StatusCompleted, results, ""); err != nil {
		return err
	}
	emit("finalize", progressDone, "audit complete")
	return nil
}

// MarkFailed records the terminal failure state for an audit whose run
// (including any retries) is over.
func (o *Orchestrator) MarkFailed(ctx context.Context, auditID int64, runErr error) {
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	metrics.RecordAudit("failed")
	if err := o.deps.Store.FinishAudit(storeCtx, auditID, model.StatusFailed, nil, runErr.Error()); err != nil {
		o.logger.Error("failed to persist audit failure", "audit_id", auditID, "err", err)
	}
}

func (o *Orchestrator) execute(ctx context.Context, audit *model.Audit, emit Emitter) (*model.AuditResults, error) {
	cfg := o.deps.Config
	results := &model.AuditResults{}
	recordStageErr := func(stage string, err error, host string) {
		results.Incomplete = true
		results.StageErrors = append(results.StageErrors, model.StageError{
			Stage:   stage,
			Kind:    string(fault.KindOf(err)),
			Host:    host,
			Message: err.Error(),
		})
	}

	// Stage 1: validate. An unsafe or unparseable seed never gets fetched.
	stageStart := time.Now()
	seed, err := crawler.Normalize(audit.Config.SeedURL)
	if err != nil {
		return nil, fault.Errorf(fault.InvalidConfig, "pipeline", "invalid seed url: %v", err)
	}
	if err := o.deps.Fetcher.GuardURL(ctx, seed); err != nil {
		return nil, err
	}
	crawlCap := clampCap(audit.Config.CrawlCap, cfg.Crawler.CapDefault, cfg.Crawler.CapMax)
	o.progress(ctx, audit.ID, "validate", progressValidate, "seed validated", emit)
	metrics.RecordStage("validate", time.Since(stageStart).Milliseconds())

	// Stage 2: seed fetch.
	stageStart = time.Now()
	mobile := false
	lang := audit.Config.Language
	fetchTimeout := time.Duration(audit.Config.FetchTimeoutSeconds) * time.Second
	seedRes, err := o.deps.Fetcher.Fetch(ctx, seed, fetcher.Options{Language: lang, Mobile: mobile, Timeout: fetchTimeout})
	if err != nil {
		return nil, err
	}
	if o.deps.Rendered != nil && looksLikeShell(seedRes.Body) {
		if rendered, rerr := o.deps.Rendered.Fetch(ctx, seed, fetcher.Options{Language: lang}); rerr == nil {
			seedRes = rendered
		} else {
			o.logger.Warn("rendered fetch failed, keeping plain HTML", "audit_id", audit.ID, "err", rerr)
		}
	}
	o.progress(ctx, audit.ID, "seed_fetch", progressSeedFetch, "seed page fetched", emit)
	metrics.RecordStage("seed_fetch", time.Since(stageStart).Milliseconds())

	// Stage 3: crawl.
	stageStart = time.Now()
	crawlRes, err := o.deps.Crawler.Crawl(ctx, crawler.Options{
		Seed:            seed,
		Cap:             crawlCap,
		Concurrency:     cfg.Crawler.Concurrency,
		AllowSubdomains: audit.Config.AllowSubdomains,
		RespectRobots:   cfg.Crawler.RespectRobots,
		Language:        lang,
		UserAgent:       fetcher.DesktopUA,
		FetchTimeout:    fetchTimeout,
		OnProgress: func(analyzed, capN int) {
			p := progressSeedFetch + (progressCrawl-progressSeedFetch)*analyzed/capN
			o.progress(ctx, audit.ID, "crawl", p,
				fmt.Sprintf("analyzed %d of up to %d pages", analyzed, capN), emit)
		},
	})
	if err != nil {
		return nil, err
	}
	results.StageErrors = append(results.StageErrors, crawlRes.Errors...)
	metrics.RecordPagesAnalyzed(len(crawlRes.Pages))

	target := pickTarget(crawlRes.Pages)
	results.TargetAudit = target
	warnings := append([]string(nil), crawlRes.Warnings...)
	o.progress(ctx, audit.ID, "crawl", progressCrawl,
		fmt.Sprintf("crawl finished with %d pages", len(crawlRes.Pages)), emit)
	metrics.RecordStage("crawl", time.Since(stageStart).Milliseconds())

	// Stage 4: classification. Degrades to the neutral fallback.
	stageStart = time.Now()
	host := hostOf(seedRes.FinalURL)
	if host == "" {
		host = hostOf(seed)
	}
	intel, cerr := o.deps.Classifier.Classify(ctx, host, lang, seedRes.Body)
	if cerr != nil {
		recordStageErr("classify", cerr, host)
	}
	results.ExternalIntelligence = &intel
	o.progress(ctx, audit.ID, "classify", progressClassify,
		fmt.Sprintf("site classified as %s", intel.Category), emit)
	metrics.RecordStage("classify", time.Since(stageStart).Milliseconds())

	// Stage 5: competitor discovery.
	stageStart = time.Now()
	competitors := o.discover(ctx, audit, intel, host, results, recordStageErr)
	o.progress(ctx, audit.ID, "discovery", progressDiscovery,
		fmt.Sprintf("%d competitor site(s) selected", len(competitors)), emit)
	metrics.RecordStage("discovery", time.Since(stageStart).Milliseconds())

	// Stage 6: competitor audits.
	stageStart = time.Now()
	results.CompetitorAudits = o.auditCompetitors(ctx, competitors, lang, fetchTimeout, recordStageErr)
	o.progress(ctx, audit.ID, "competitors", progressCompetitors,
		fmt.Sprintf("%d competitor page(s) audited", len(results.CompetitorAudits)), emit)
	metrics.RecordStage("competitors", time.Since(stageStart).Milliseconds())

	// Stage 7: performance.
	stageStart = time.Now()
	if o.deps.Perf != nil && target != nil {
		perfTarget := target.FinalURL
		if perfTarget == "" {
			perfTarget = target.URL
		}
		perf, perr := o.deps.Perf.FetchPerformance(ctx, perfTarget)
		if perr != nil {
			recordStageErr("performance", perr, hostOf(perfTarget))
		} else {
			results.PagespeedData = perf
		}
	}
	o.progress(ctx, audit.ID, "performance", progressPerformance, "performance data collected", emit)
	metrics.RecordStage("performance", time.Since(stageStart).Milliseconds())

	if ctx.Err() != nil {
		return results, fault.New(fault.Canceled, "pipeline", ctx.Err())
	}

	// Stage 8: synthesis.
	stageStart = time.Now()
	out, serr := o.deps.Synthesizer.Synthesize(ctx, agents.Input{
		SeedURL:     seed,
		Language:    lang,
		Target:      target,
		Pages:       crawlRes.Pages,
		Competitors: results.CompetitorAudits,
		Intel:       results.ExternalIntelligence,
		Pagespeed:   results.PagespeedData,
		Search:      results.SearchResults,
		Warnings:    warnings,
	})
	if serr != nil {
		recordStageErr("synthesize", serr, host)
	}
	results.ReportMarkdown = out.ReportMarkdown
	results.FixPlan = out.FixPlan
	if out.Degraded {
		results.Incomplete = true
	}
	o.progress(ctx, audit.ID, "synthesize", progressSynthesize, "report synthesized", emit)
	metrics.RecordStage("synthesize", time.Since(stageStart).Milliseconds())

	return results, nil
}

// searchHostCap bounds how many hosts the search oracle contributes.
const searchHostCap = 3

// Platforms that rank for almost any query but are never the business
// being competed with.
var socialHosts = map[string]struct{}{
	"facebook.com":  {},
	"instagram.com": {},
	"twitter.com":   {},
	"x.com":         {},
	"linkedin.com":  {},
	"youtube.com":   {},
	"tiktok.com":    {},
	"pinterest.com": {},
	"reddit.com":    {},
}

// nonCompetitorHost filters search hits that cannot be competitors:
// social platforms and institutional .edu/.gov sites.
func nonCompetitorHost(h string) bool {
	if strings.HasSuffix(h, ".edu") || strings.HasSuffix(h, ".gov") {
		return true
	}
	for social := range socialHosts {
		if h == social || strings.HasSuffix(h, "."+social) {
			return true
		}
	}
	return false
}

// discover merges configured competitors with search oracle hits. Search
// hits are filtered down to plausible rivals and capped at the top three
// unique hosts; explicitly configured competitors bypass the filter.
func (o *Orchestrator) discover(ctx context.Context, audit *model.Audit, intel model.ExternalIntelligence, ownHost string, results *model.AuditResults, recordStageErr func(string, error, string)) []string {
	seen := make(map[string]struct{})
	var competitors []string
	add := func(raw string, fromSearch bool) bool {
		norm, err := crawler.Normalize(raw)
		if err != nil {
			return false
		}
		h := hostOf(norm)
		if h == "" || crawler.SameSite(ownHost, h, true) {
			return false
		}
		if fromSearch && nonCompetitorHost(h) {
			return false
		}
		if _, dup := seen[h]; dup {
			return false
		}
		seen[h] = struct{}{}
		competitors = append(competitors, norm)
		return true
	}

	for _, c := range audit.Config.Competitors {
		add(c, false)
	}

	if o.deps.Search != nil {
		queries := intel.SearchQueries
		if len(queries) > 3 {
			queries = queries[:3]
		}
		added := 0
		for _, q := range queries {
			hits, err := o.deps.Search.Search(ctx, q, 10)
			if err != nil {
				recordStageErr("discovery", err, "")
				break
			}
			results.SearchResults = append(results.SearchResults, hits...)
			for _, hit := range hits {
				if added >= searchHostCap {
					break
				}
				if add(hit.Link, true) {
					added++
				}
			}
		}
	}

	capN := o.deps.Config.Crawler.CompetitorCap
	if capN <= 0 {
		capN = 5
	}
	if len(competitors) > capN {
		competitors = competitors[:capN]
	}
	return competitors
}

// Competitor sites get a shallow crawl with a reduced budget; only the
// best-scoring page per site is kept for the comparison.
const (
	competitorPageCap    = 5
	competitorCrawlConcy = 2
)

// auditCompetitors crawls each competitor site with a bounded fan-out
// and keeps its strongest page. Failures degrade, never abort.
func (o *Orchestrator) auditCompetitors(ctx context.Context, competitors []string, lang string, fetchTimeout time.Duration, recordStageErr func(string, error, string)) []model.PageReport {
	if len(competitors) == 0 {
		return nil
	}
	concurrency := o.deps.Config.Crawler.CompetitorConcurrency
	if concurrency <= 0 {
		concurrency = 3
	}

	var (
		mu      sync.Mutex
		reports []model.PageReport
		wg      sync.WaitGroup
	)
	sem := make(chan struct{}, concurrency)

	for _, comp := range competitors {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return reports
		}
		wg.Add(1)
		go func(comp string) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := o.deps.Fetcher.GuardURL(ctx, comp); err != nil {
				mu.Lock()
				recordStageErr("competitors", err, hostOf(comp))
				mu.Unlock()
				return
			}
			crawlRes, err := o.deps.Crawler.Crawl(ctx, crawler.Options{
				Seed:          comp,
				Cap:           competitorPageCap,
				Concurrency:   competitorCrawlConcy,
				RespectRobots: o.deps.Config.Crawler.RespectRobots,
				Language:      lang,
				UserAgent:     fetcher.DesktopUA,
				FetchTimeout:  fetchTimeout,
			})
			if err != nil {
				mu.Lock()
				recordStageErr("competitors", err, hostOf(comp))
				mu.Unlock()
				return
			}
			if best := pickTarget(crawlRes.Pages); best != nil {
				mu.Lock()
				reports = append(reports, *best)
				mu.Unlock()
			}
		}(comp)
	}
	wg.Wait()

	sort.Slice(reports, func(i, j int) bool { return reports[i].URL < reports[j].URL })
	return reports
}

// progress persists and emits one monotonic progress step.
func (o *Orchestrator) progress(ctx context.Context, auditID int64, stage string, value int, message string, emit Emitter) {
	if err := o.deps.Store.UpdateProgress(ctx, auditID, model.StatusRunning, value, stage); err != nil {
		o.logger.Warn("progress update rejected", "audit_id", auditID, "stage", stage, "err", err)
		return
	}
	emit(stage, value, message)
}

// pickTarget chooses the page whose structure makes it the best audit
// subject. The crawl seed wins ties because it sorts first.
func pickTarget(pages []model.PageReport) *model.PageReport {
	if len(pages) == 0 {
		return nil
	}
	best := 0
	bestScore := analyzer.StructuralCompleteness(&pages[0])
	for i := 1; i < len(pages); i++ {
		if s := analyzer.StructuralCompleteness(&pages[i]); s > bestScore {
			best, bestScore = i, s
		}
	}
	target := pages[best]
	return &target
}

// looksLikeShell detects an SPA document shell with no real content.
func looksLikeShell(body []byte) bool {
	if len(body) > 4096 {
		return false
	}
	lower := strings.ToLower(string(body))
	return strings.Contains(lower, "<script") && !strings.Contains(lower, "<p")
}

func clampCap(requested, def, max int) int {
	if requested <= 0 {
		return def
	}
	if requested > max {
		return max
	}
	return requested
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
