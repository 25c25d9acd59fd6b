package pipeline

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"geoaudit/internal/agents"
	"geoaudit/internal/config"
	"geoaudit/internal/crawler"
	"geoaudit/internal/fault"
	"geoaudit/internal/fetcher"
	"geoaudit/internal/llm"
	"geoaudit/internal/model"
	"geoaudit/internal/store"
)

type stubFetcher struct {
	guardErr   error
	fetchErr   error
	fetchCalls int32
	body       string

	mu   sync.Mutex
	opts []fetcher.Options
}

func (s *stubFetcher) GuardURL(context.Context, string) error { return s.guardErr }

func (s *stubFetcher) Fetch(_ context.Context, rawURL string, opts fetcher.Options) (*fetcher.Result, error) {
	atomic.AddInt32(&s.fetchCalls, 1)
	s.mu.Lock()
	s.opts = append(s.opts, opts)
	s.mu.Unlock()
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	body := s.body
	if body == "" {
		body = "<html><body><h1>Title</h1><p>A perfectly reasonable page body with enough words to audit.</p></body></html>"
	}
	return &fetcher.Result{
		Status:      200,
		ContentType: "text/html",
		Body:        []byte(body),
		FinalURL:    rawURL,
	}, nil
}

type stubCrawler struct {
	res *crawler.Result
	err error

	mu     sync.Mutex
	crawls []crawler.Options
}

// Crawl serves the configured result for the audited site and a small
// synthetic site for any other seed, the way competitor crawls see one.
func (s *stubCrawler) Crawl(_ context.Context, opts crawler.Options) (*crawler.Result, error) {
	s.mu.Lock()
	s.crawls = append(s.crawls, opts)
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if hostOf(opts.Seed) != "example.com" {
		base := strings.TrimRight(opts.Seed, "/")
		return &crawler.Result{Pages: []model.PageReport{
			{
				URL: base + "/contact", FinalURL: base + "/contact", Status: 200,
				GeoScore: 30, Grade: "F", Structure: model.StructureReport{Score: 25},
			},
			{
				URL: base + "/", FinalURL: base + "/", Status: 200,
				GeoScore: 55, Grade: "C", Structure: model.StructureReport{Score: 60},
			},
		}}, nil
	}
	if opts.OnProgress != nil {
		opts.OnProgress(1, opts.Cap)
		opts.OnProgress(len(s.res.Pages), opts.Cap)
	}
	return s.res, nil
}

func (s *stubCrawler) competitorCrawls() []crawler.Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []crawler.Options
	for _, o := range s.crawls {
		if hostOf(o.Seed) != "example.com" {
			out = append(out, o)
		}
	}
	return out
}

type stubPerf struct {
	calls int32
	err   error
}

func (s *stubPerf) FetchPerformance(context.Context, string) (*model.PagespeedData, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.err != nil {
		return nil, s.err
	}
	return &model.PagespeedData{
		Mobile:    &model.PerfReport{Strategy: "mobile", Categories: map[string]float64{"performance": 80}},
		FetchedAt: time.Now(),
	}, nil
}

func (s *stubPerf) Staleness() time.Duration { return 24 * time.Hour }

type stubSearch struct {
	hits []model.SearchResult
	err  error
}

func (s *stubSearch) Search(_ context.Context, query string, _ int) ([]model.SearchResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([]model.SearchResult, len(s.hits))
	copy(out, s.hits)
	for i := range out {
		out[i].Query = query
	}
	return out, nil
}

type stubClassifier struct{}

func (stubClassifier) Classify(_ context.Context, host, _ string, _ []byte) (model.ExternalIntelligence, error) {
	return model.ExternalIntelligence{Category: "Retail", SearchQueries: []string{"best " + host}}, nil
}

func crawledPages() []model.PageReport {
	return []model.PageReport{
		{
			URL: "https://example.com/", Status: 200, GeoScore: 60, Grade: "C",
			Structure: model.StructureReport{Score: 70, H1Check: model.Check{Status: model.CheckPass}},
			Technical: model.TechnicalReport{MetaRobots: "index, follow", Score: 60},
		},
		{
			URL: "https://example.com/thin", Status: 200, GeoScore: 30, Grade: "F",
			Structure: model.StructureReport{Score: 20, H1Check: model.Check{Status: model.CheckFail}},
			Technical: model.TechnicalReport{MetaRobots: "index, follow", Score: 40},
		},
	}
}

func newTestOrchestrator(t *testing.T, mutate func(*Deps)) (*Orchestrator, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	deps := Deps{
		Config:  config.Default(),
		Store:   mem,
		Fetcher: &stubFetcher{},
		Crawler: &stubCrawler{res: &crawler.Result{Pages: crawledPages()}},
		Perf:    &stubPerf{},
		Search: &stubSearch{hits: []model.SearchResult{
			{Link: "https://rival.com/", Title: "Rival"},
		}},
		Classifier:  stubClassifier{},
		Synthesizer: agents.NewSynthesizer(nil, nil),
	}
	if mutate != nil {
		mutate(&deps)
	}
	return New(deps), mem
}

func createAudit(t *testing.T, mem *store.Memory) *model.Audit {
	t.Helper()
	audit := &model.Audit{
		OwnerID: "owner-1",
		Config:  model.AuditConfig{SeedURL: "https://example.com", Language: "en", CrawlCap: 10},
	}
	if err := mem.CreateAudit(context.Background(), audit); err != nil {
		t.Fatalf("create audit: %v", err)
	}
	return audit
}

func TestRunCompletes(t *testing.T) {
	o, mem := newTestOrchestrator(t, nil)
	audit := createAudit(t, mem)

	var mu sync.Mutex
	var progress []int
	emit := func(_ string, p int, _ string) {
		mu.Lock()
		progress = append(progress, p)
		mu.Unlock()
	}

	if err := o.Run(context.Background(), audit.ID, emit); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, _ := mem.GetAudit(context.Background(), audit.ID)
	if got.Status != model.StatusCompleted || got.Progress != 100 {
		t.Fatalf("audit = %s/%d, want completed/100", got.Status, got.Progress)
	}
	if got.Results.TargetAudit == nil || got.Results.TargetAudit.URL != "https://example.com/" {
		t.Fatalf("target = %+v, want the structurally strongest page", got.Results.TargetAudit)
	}
	if !strings.Contains(got.Results.ReportMarkdown, "## Executive Summary") {
		t.Fatalf("report missing sections: %q", got.Results.ReportMarkdown[:80])
	}
	if len(got.Results.CompetitorAudits) != 1 {
		t.Fatalf("competitors = %d, want the discovered rival audited", len(got.Results.CompetitorAudits))
	}
	if got.Results.PagespeedData == nil {
		t.Fatalf("performance data missing")
	}

	for i := 1; i < len(progress); i++ {
		if progress[i] < progress[i-1] {
			t.Fatalf("progress went backwards: %v", progress)
		}
	}
	if progress[len(progress)-1] != 100 {
		t.Fatalf("final progress = %d, want 100", progress[len(progress)-1])
	}
}

func TestRunBlockedSeedNeverFetches(t *testing.T) {
	sf := &stubFetcher{guardErr: fault.Errorf(fault.SSRFBlocked, "fetcher", "resolves to a private address")}
	o, mem := newTestOrchestrator(t, func(d *Deps) { d.Fetcher = sf })
	audit := createAudit(t, mem)

	err := o.Run(context.Background(), audit.ID, nil)
	if fault.KindOf(err) != fault.SSRFBlocked {
		t.Fatalf("want ssrf_blocked, got %v", err)
	}
	if atomic.LoadInt32(&sf.fetchCalls) != 0 {
		t.Fatalf("a blocked seed must never be fetched, got %d fetches", sf.fetchCalls)
	}

	o.MarkFailed(context.Background(), audit.ID, err)
	got, _ := mem.GetAudit(context.Background(), audit.ID)
	if got.Status != model.StatusFailed || got.Error == "" {
		t.Fatalf("audit = %s err=%q, want failed with message", got.Status, got.Error)
	}
}

func TestRunSeedFetchFailureFails(t *testing.T) {
	o, mem := newTestOrchestrator(t, func(d *Deps) {
		d.Fetcher = &stubFetcher{fetchErr: fault.Errorf(fault.Network, "fetcher", "no such host")}
	})
	audit := createAudit(t, mem)

	err := o.Run(context.Background(), audit.ID, nil)
	if fault.KindOf(err) != fault.Network {
		t.Fatalf("want the network fault surfaced, got %v", err)
	}
	got, _ := mem.GetAudit(context.Background(), audit.ID)
	if got.Status.Terminal() {
		t.Fatalf("a retryable failure must leave the audit non-terminal, got %s", got.Status)
	}
}

func TestRunDegradesOnSearchFailure(t *testing.T) {
	o, mem := newTestOrchestrator(t, func(d *Deps) {
		d.Search = &stubSearch{err: fault.Errorf(fault.RateLimited, "search", "quota exhausted")}
	})
	audit := createAudit(t, mem)

	if err := o.Run(context.Background(), audit.ID, nil); err != nil {
		t.Fatalf("search failure must degrade, not fail: %v", err)
	}
	got, _ := mem.GetAudit(context.Background(), audit.ID)
	if got.Status != model.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if !got.Results.Incomplete {
		t.Fatalf("degraded audit must be marked incomplete")
	}
	if len(got.Results.CompetitorAudits) != 0 {
		t.Fatalf("no competitors should be audited when discovery failed and none were configured")
	}
}

func TestDiscoveryFiltersNonCompetitorHosts(t *testing.T) {
	o, mem := newTestOrchestrator(t, func(d *Deps) {
		d.Search = &stubSearch{hits: []model.SearchResult{
			{Link: "https://www.facebook.com/somebrand", Title: "Facebook"},
			{Link: "https://www.usda.gov/topics/food", Title: "USDA"},
			{Link: "https://extension.state.edu/guide", Title: "Extension"},
			{Link: "https://rival.com/", Title: "Rival"},
		}}
	})
	audit := createAudit(t, mem)

	if err := o.Run(context.Background(), audit.ID, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	got, _ := mem.GetAudit(context.Background(), audit.ID)
	if len(got.Results.CompetitorAudits) != 1 {
		t.Fatalf("competitors = %d, want social and institutional hits filtered out", len(got.Results.CompetitorAudits))
	}
	if h := hostOf(got.Results.CompetitorAudits[0].URL); h != "rival.com" {
		t.Fatalf("competitor host = %q, want rival.com", h)
	}
}

func TestDiscoveryCapsSearchHosts(t *testing.T) {
	o, mem := newTestOrchestrator(t, func(d *Deps) {
		d.Search = &stubSearch{hits: []model.SearchResult{
			{Link: "https://one.com/"},
			{Link: "https://two.com/"},
			{Link: "https://three.com/"},
			{Link: "https://four.com/"},
		}}
	})
	audit := createAudit(t, mem)

	if err := o.Run(context.Background(), audit.ID, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	got, _ := mem.GetAudit(context.Background(), audit.ID)
	if len(got.Results.CompetitorAudits) != 3 {
		t.Fatalf("competitors = %d, want the top 3 search hosts", len(got.Results.CompetitorAudits))
	}
}

func TestCompetitorSitesGetShallowCrawl(t *testing.T) {
	sc := &stubCrawler{res: &crawler.Result{Pages: crawledPages()}}
	o, mem := newTestOrchestrator(t, func(d *Deps) { d.Crawler = sc })
	audit := createAudit(t, mem)

	if err := o.Run(context.Background(), audit.ID, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	crawls := sc.competitorCrawls()
	if len(crawls) != 1 {
		t.Fatalf("competitor crawls = %d, want 1", len(crawls))
	}
	if crawls[0].Cap != competitorPageCap || crawls[0].Concurrency != competitorCrawlConcy {
		t.Fatalf("competitor crawl budget = %d pages / %d workers, want %d/%d",
			crawls[0].Cap, crawls[0].Concurrency, competitorPageCap, competitorCrawlConcy)
	}

	got, _ := mem.GetAudit(context.Background(), audit.ID)
	if len(got.Results.CompetitorAudits) != 1 {
		t.Fatalf("competitors = %d, want one page per site", len(got.Results.CompetitorAudits))
	}
	if got.Results.CompetitorAudits[0].GeoScore != 55 {
		t.Fatalf("kept geo score = %v, want the site's best page", got.Results.CompetitorAudits[0].GeoScore)
	}
}

type downLLM struct{}

func (downLLM) Complete(context.Context, llm.Request) (string, error) {
	return "", fault.Errorf(fault.LLMUnavailable, "llm", "all backends down")
}

func TestRunRecordsLLMOutage(t *testing.T) {
	o, mem := newTestOrchestrator(t, func(d *Deps) {
		d.Classifier = agents.NewClassifier(downLLM{}, nil)
		d.Synthesizer = agents.NewSynthesizer(downLLM{}, nil)
	})
	audit := createAudit(t, mem)

	if err := o.Run(context.Background(), audit.ID, nil); err != nil {
		t.Fatalf("llm outage must degrade, not fail: %v", err)
	}
	got, _ := mem.GetAudit(context.Background(), audit.ID)
	if got.Status != model.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.Results.ExternalIntelligence == nil || got.Results.ExternalIntelligence.Category != "General" {
		t.Fatalf("classification = %+v, want the General fallback", got.Results.ExternalIntelligence)
	}
	if !strings.Contains(got.Results.ReportMarkdown, "## Executive Summary") {
		t.Fatalf("fallback report missing executive summary")
	}
	if len(got.Results.FixPlan) == 0 {
		t.Fatalf("fallback fix plan must not be empty")
	}
	if !got.Results.Incomplete {
		t.Fatalf("llm outage must mark the audit incomplete")
	}
	mentioned := false
	for _, w := range got.Warnings {
		if strings.Contains(w, string(fault.LLMUnavailable)) {
			mentioned = true
		}
	}
	if !mentioned {
		t.Fatalf("warnings = %v, want a %s mention", got.Warnings, fault.LLMUnavailable)
	}
}

func TestRunForwardsFetchTimeout(t *testing.T) {
	sf := &stubFetcher{}
	sc := &stubCrawler{res: &crawler.Result{Pages: crawledPages()}}
	o, mem := newTestOrchestrator(t, func(d *Deps) {
		d.Fetcher = sf
		d.Crawler = sc
	})
	audit := &model.Audit{
		OwnerID: "owner-1",
		Config: model.AuditConfig{
			SeedURL: "https://example.com", Language: "en",
			CrawlCap: 10, FetchTimeoutSeconds: 7,
		},
	}
	if err := mem.CreateAudit(context.Background(), audit); err != nil {
		t.Fatalf("create audit: %v", err)
	}

	if err := o.Run(context.Background(), audit.ID, nil); err != nil {
		t.Fatalf("run: %v", err)
	}

	sf.mu.Lock()
	fetches := append([]fetcher.Options(nil), sf.opts...)
	sf.mu.Unlock()
	if len(fetches) == 0 {
		t.Fatalf("seed was never fetched")
	}
	for i, fo := range fetches {
		if fo.Timeout != 7*time.Second {
			t.Fatalf("fetch %d timeout = %v, want 7s", i, fo.Timeout)
		}
	}

	sc.mu.Lock()
	crawls := append([]crawler.Options(nil), sc.crawls...)
	sc.mu.Unlock()
	if len(crawls) == 0 {
		t.Fatalf("site was never crawled")
	}
	for i, c := range crawls {
		if c.FetchTimeout != 7*time.Second {
			t.Fatalf("crawl %d fetch timeout = %v, want 7s", i, c.FetchTimeout)
		}
	}
}

func TestRunConflictWhileRunning(t *testing.T) {
	o, mem := newTestOrchestrator(t, nil)
	audit := createAudit(t, mem)

	if err := o.acquire(audit.ID); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer o.release(audit.ID)

	err := o.Run(context.Background(), audit.ID, nil)
	if fault.KindOf(err) != fault.Conflict {
		t.Fatalf("want conflict, got %v", err)
	}
}

func TestRunCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	o, mem := newTestOrchestrator(t, func(d *Deps) {
		d.Search = &stubSearch{} // no hits
		d.Perf = &stubPerf{}
	})
	audit := createAudit(t, mem)
	cancel()

	err := o.Run(ctx, audit.ID, nil)
	if fault.KindOf(err) != fault.Canceled {
		t.Fatalf("want canceled, got %v", err)
	}
	if _, err := mem.GetAudit(context.Background(), audit.ID); err != nil {
		t.Fatalf("get: %v", err)
	}
}

func TestRegenerateSnapshotsAndReusesFreshPerf(t *testing.T) {
	perf := &stubPerf{}
	o, mem := newTestOrchestrator(t, func(d *Deps) { d.Perf = perf })
	audit := createAudit(t, mem)

	target := crawledPages()[0]
	if err := mem.FinishAudit(context.Background(), audit.ID, model.StatusCompleted, &model.AuditResults{
		TargetAudit:    &target,
		ReportMarkdown: "the first report",
		PagespeedData:  &model.PagespeedData{FetchedAt: time.Now().Add(-1 * time.Hour)},
	}, ""); err != nil {
		t.Fatalf("finish: %v", err)
	}

	if err := o.Regenerate(context.Background(), audit.ID, false); err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if atomic.LoadInt32(&perf.calls) != 0 {
		t.Fatalf("fresh performance data must not trigger a re-run")
	}
	snaps := mem.Snapshots(audit.ID)
	if len(snaps) != 1 || snaps[0] != "the first report" {
		t.Fatalf("snapshots = %v, want the previous report archived", snaps)
	}
	got, _ := mem.GetAudit(context.Background(), audit.ID)
	if got.Results.ReportMarkdown == "the first report" {
		t.Fatalf("report was not regenerated")
	}

	if err := o.Regenerate(context.Background(), audit.ID, true); err != nil {
		t.Fatalf("regenerate forced: %v", err)
	}
	if atomic.LoadInt32(&perf.calls) != 1 {
		t.Fatalf("forced regenerate must re-run performance, calls = %d", perf.calls)
	}
}

func TestRegenerateRerunsErroredPerf(t *testing.T) {
	perf := &stubPerf{}
	o, mem := newTestOrchestrator(t, func(d *Deps) { d.Perf = perf })
	audit := createAudit(t, mem)

	target := crawledPages()[0]
	if err := mem.FinishAudit(context.Background(), audit.ID, model.StatusCompleted, &model.AuditResults{
		TargetAudit:    &target,
		ReportMarkdown: "the first report",
		PagespeedData: &model.PagespeedData{
			FetchedAt: time.Now(),
			Mobile:    &model.PerfReport{Strategy: "mobile", RuntimeError: "NO_FCP"},
		},
	}, ""); err != nil {
		t.Fatalf("finish: %v", err)
	}

	if err := o.Regenerate(context.Background(), audit.ID, false); err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if atomic.LoadInt32(&perf.calls) != 1 {
		t.Fatalf("a report carrying a runtime error must trigger a performance re-run")
	}
}

func TestRegenerateRejectsNonCompleted(t *testing.T) {
	o, mem := newTestOrchestrator(t, nil)
	audit := createAudit(t, mem)

	err := o.Regenerate(context.Background(), audit.ID, false)
	if fault.KindOf(err) != fault.Conflict {
		t.Fatalf("want conflict for a pending audit, got %v", err)
	}
}
