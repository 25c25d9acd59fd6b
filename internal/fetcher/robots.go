package fetcher

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	robotstxt "github.com/temoto/robotstxt"
)

// Robots fetches and parses /robots.txt for the given base URL. A missing,
// unparseable, or 5xx robots.txt yields (nil, nil): no rules. The fetch
// goes through the guarded client, so robots of internal hosts are
// unreachable just like their pages.
func (f *Fetcher) Robots(ctx context.Context, base string, mobile bool) (*robotstxt.RobotsData, error) {
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return nil, nil
	}

	robotsURL := &url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/robots.txt"}
	if robotsURL.Scheme == "" {
		robotsURL.Scheme = "https"
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return nil, nil
	}
	req.Header.Set("User-Agent", userAgent(mobile))

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 512<<10))
	if err != nil {
		return nil, nil
	}

	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, nil
	}
	return data, nil
}
