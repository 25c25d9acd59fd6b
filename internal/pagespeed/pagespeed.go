// Package pagespeed calls the performance oracle (a PageSpeed Insights
// compatible API) and projects its Lighthouse payload into the report
// shape the rest of the pipeline consumes.
package pagespeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"

	"geoaudit/internal/config"
	"geoaudit/internal/fault"
	"geoaudit/internal/metrics"
	"geoaudit/internal/model"
)

const defaultBaseURL = "https://www.googleapis.com/pagespeedonline/v5/runPagespeed"

// Lighthouse categories requested on every run.
var categories = []string{"performance", "accessibility", "best-practices", "seo"}

// Core web vital metric audits surfaced in the flat metrics map.
var coreMetrics = []string{
	"first-contentful-paint",
	"largest-contentful-paint",
	"cumulative-layout-shift",
	"total-blocking-time",
	"speed-index",
	"interactive",
	"interaction-to-next-paint",
	"server-response-time",
}

// Client fetches performance reports. A nil redis client disables the
// response cache.
type Client struct {
	baseURL   string
	apiKey    string
	timeout   time.Duration
	staleness time.Duration
	http      *http.Client
	cache     *redis.Client
	logger    *slog.Logger
	now       func() time.Time
}

func New(cfg config.PagespeedConfig, cache *redis.Client, logger *slog.Logger) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	staleness := time.Duration(cfg.StalenessHours) * time.Hour
	if staleness <= 0 {
		staleness = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:   base,
		apiKey:    cfg.APIKey,
		timeout:   timeout,
		staleness: staleness,
		http:      &http.Client{Timeout: timeout},
		cache:     cache,
		logger:    logger,
		now:       time.Now,
	}
}

// Staleness is the configured maximum age before a report needs a re-run.
func (c *Client) Staleness() time.Duration { return c.staleness }

// FetchPerformance runs both strategies against the target URL. One
// failed strategy degrades the result; both failing is an error.
func (c *Client) FetchPerformance(ctx context.Context, target string) (*model.PagespeedData, error) {
	data := &model.PagespeedData{FetchedAt: c.now()}

	var firstErr error
	for _, strategy := range []string{"mobile", "desktop"} {
		report, err := c.run(ctx, target, strategy)
		if err != nil {
			c.logger.Warn("pagespeed strategy failed", "strategy", strategy, "err", err)
			metrics.RecordPagespeedCall(strategy, false)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		metrics.RecordPagespeedCall(strategy, true)
		switch strategy {
		case "mobile":
			data.Mobile = report
		case "desktop":
			data.Desktop = report
		}
	}

	if data.Mobile == nil && data.Desktop == nil {
		return nil, firstErr
	}
	return data, nil
}

// run executes one strategy with retry on transient failures.
func (c *Client) run(ctx context.Context, target, strategy string) (*model.PerfReport, error) {
	if cached := c.fromCache(ctx, target, strategy); cached != nil {
		return cached, nil
	}

	var report *model.PerfReport
	backoff := retry.WithMaxRetries(2, retry.NewExponential(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		r, err := c.call(ctx, target, strategy)
		if err != nil {
			if fault.Retryable(fault.KindOf(err)) {
				return retry.RetryableError(err)
			}
			return err
		}
		report = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.toCache(ctx, target, strategy, report)
	return report, nil
}

func (c *Client) call(ctx context.Context, target, strategy string) (*model.PerfReport, error) {
	values := url.Values{}
	values.Set("url", target)
	values.Set("strategy", strategy)
	for _, cat := range categories {
		values.Add("category", cat)
	}
	if c.apiKey != "" {
		values.Set("key", c.apiKey)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+values.Encode(), nil)
	if err != nil {
		return nil, fault.New(fault.Internal, "pagespeed", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fault.New(fault.KindOf(err), "pagespeed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fault.Errorf(fault.FromStatus(resp.StatusCode), "pagespeed",
			"performance oracle returned status %d for %s", resp.StatusCode, strategy)
	}

	var payload apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fault.New(fault.ParseError, "pagespeed", err)
	}
	return project(&payload, strategy, c.now()), nil
}

// apiResponse models the slice of the runPagespeed payload we keep.
type apiResponse struct {
	LighthouseResult struct {
		FinalURL   string `json:"finalUrl"`
		Categories map[string]struct {
			Score float64 `json:"score"`
		} `json:"categories"`
		Audits map[string]struct {
			Title        string   `json:"title"`
			Score        *float64 `json:"score"`
			DisplayValue string   `json:"displayValue"`
			NumericValue float64  `json:"numericValue"`
			Details      struct {
				Type string `json:"type"`
			} `json:"details"`
		} `json:"audits"`
		RuntimeError struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"runtimeError"`
	} `json:"lighthouseResult"`
}

func project(payload *apiResponse, strategy string, now time.Time) *model.PerfReport {
	lr := payload.LighthouseResult
	report := &model.PerfReport{
		Strategy:   strategy,
		FinalURL:   lr.FinalURL,
		FetchedAt:  now,
		Categories: make(map[string]float64, len(lr.Categories)),
		Audits:     make(map[string]model.PerfAudit, len(lr.Audits)),
	}
	report.RuntimeError = lr.RuntimeError.Code
	for id, cat := range lr.Categories {
		report.Categories[id] = cat.Score * 100
	}
	for id, a := range lr.Audits {
		audit := model.PerfAudit{
			Title:        a.Title,
			Score:        a.Score,
			DisplayValue: a.DisplayValue,
			NumericValue: a.NumericValue,
		}
		report.Audits[id] = audit
		switch a.Details.Type {
		case "opportunity":
			if report.Opportunities == nil {
				report.Opportunities = make(map[string]model.PerfAudit)
			}
			report.Opportunities[id] = audit
		case "diagnostic":
			if report.Diagnostics == nil {
				report.Diagnostics = make(map[string]model.PerfAudit)
			}
			report.Diagnostics[id] = audit
		}
	}
	for _, id := range coreMetrics {
		if a, ok := report.Audits[id]; ok {
			if report.Metrics == nil {
				report.Metrics = make(map[string]float64, len(coreMetrics))
			}
			report.Metrics[id] = a.NumericValue
		}
	}
	return report
}

func cacheKey(target, strategy string) string {
	return fmt.Sprintf("pagespeed:%s:%s", strategy, target)
}

func (c *Client) fromCache(ctx context.Context, target, strategy string) *model.PerfReport {
	if c.cache == nil {
		return nil
	}
	raw, err := c.cache.Get(ctx, cacheKey(target, strategy)).Bytes()
	if err != nil {
		return nil
	}
	var report model.PerfReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil
	}
	return &report
}

func (c *Client) toCache(ctx context.Context, target, strategy string, report *model.PerfReport) {
	if c.cache == nil || report == nil {
		return
	}
	raw, err := json.Marshal(report)
	if err != nil {
		return
	}
	if err := c.cache.Set(ctx, cacheKey(target, strategy), raw, c.staleness).Err(); err != nil {
		c.logger.Warn("pagespeed cache write failed", "err", err)
	}
}
