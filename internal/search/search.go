// Package search queries the search oracle (a Custom Search compatible
// API) for competitor discovery.
package search

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"geoaudit/internal/config"
	"geoaudit/internal/fault"
	"geoaudit/internal/metrics"
	"geoaudit/internal/model"
)

const defaultBaseURL = "https://www.googleapis.com/customsearch/v1"

// Provider is the narrow contract the pipeline depends on, so tests can
// stub discovery without a network.
type Provider interface {
	Search(ctx context.Context, query string, limit int) ([]model.SearchResult, error)
}

// Client implements Provider against a Custom Search compatible endpoint.
type Client struct {
	baseURL  string
	apiKey   string
	engineID string
	http     *http.Client
	logger   *slog.Logger
}

func New(cfg config.SearchConfig, logger *slog.Logger) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:  base,
		apiKey:   cfg.APIKey,
		engineID: cfg.EngineID,
		http:     &http.Client{Timeout: 15 * time.Second},
		logger:   logger,
	}
}

// Configured reports whether the oracle has credentials. An unconfigured
// client is not an error: discovery simply yields nothing.
func (c *Client) Configured() bool { return c.apiKey != "" && c.engineID != "" }

type apiResponse struct {
	Items []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
	} `json:"items"`
}

// Search runs one query. Failures are returned to the caller, which
// treats them as degradation rather than audit failure.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]model.SearchResult, error) {
	if !c.Configured() {
		return nil, nil
	}
	if limit <= 0 || limit > 10 {
		limit = 10
	}

	values := url.Values{}
	values.Set("q", query)
	values.Set("key", c.apiKey)
	values.Set("cx", c.engineID)
	values.Set("num", "10")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+values.Encode(), nil)
	if err != nil {
		return nil, fault.New(fault.Internal, "search", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RecordSearchCall(false)
		return nil, fault.New(fault.KindOf(err), "search", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		metrics.RecordSearchCall(false)
		return nil, fault.Errorf(fault.FromStatus(resp.StatusCode), "search",
			"search oracle returned status %d", resp.StatusCode)
	}

	var payload apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		metrics.RecordSearchCall(false)
		return nil, fault.New(fault.ParseError, "search", err)
	}

	metrics.RecordSearchCall(true)
	out := make([]model.SearchResult, 0, limit)
	for _, item := range payload.Items {
		if strings.TrimSpace(item.Link) == "" {
			continue
		}
		out = append(out, model.SearchResult{
			Query:   query,
			Link:    item.Link,
			Title:   item.Title,
			Snippet: item.Snippet,
		})
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}
