package fetcher

import (
	"context"
	"net/url"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"geoaudit/internal/fault"
)

// RenderedFetcher renders JS-heavy pages in a real browser (via rod) and
// returns the post-render HTML. It is an optional supplement to the plain
// HTTP fetcher for seeds that serve an almost empty document shell.
type RenderedFetcher struct {
	BrowserURL string
	Timeout    time.Duration
}

func NewRenderedFetcher(browserURL string, timeout time.Duration) *RenderedFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RenderedFetcher{BrowserURL: browserURL, Timeout: timeout}
}

// Fetch navigates to the URL and returns the rendered document. The SSRF
// policy must be enforced by the caller (GuardURL) before a rendered fetch:
// the browser dials on its own.
func (r *RenderedFetcher) Fetch(ctx context.Context, rawURL string, opts Options) (*Result, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fault.New(fault.InvalidConfig, "fetcher.rendered", err)
	}
	if u.Scheme == "" {
		u.Scheme = "https"
	}

	browser := rod.New().Context(ctx).Timeout(r.Timeout)
	if r.BrowserURL != "" {
		browser = browser.ControlURL(r.BrowserURL)
	}
	if err := browser.Connect(); err != nil {
		return nil, fault.New(fault.Network, "fetcher.rendered", err)
	}
	defer browser.MustClose()

	page, err := browser.Page(proto.TargetCreateTarget{URL: u.String()})
	if err != nil {
		return nil, fault.New(fault.Network, "fetcher.rendered", err)
	}
	defer page.MustClose()

	ua := userAgent(opts.Mobile)
	_ = page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
		UserAgent:      ua,
		AcceptLanguage: acceptLanguage(opts.Language),
	})

	if err := page.WaitLoad(); err != nil {
		return nil, classify(err)
	}

	htmlStr, err := page.HTML()
	if err != nil {
		return nil, fault.New(fault.Internal, "fetcher.rendered", err)
	}

	// The devtools protocol does not surface the HTTP status of the main
	// document here; a rendered page is treated as a 200.
	return &Result{
		Status:      200,
		ContentType: "text/html",
		Body:        []byte(htmlStr),
		FinalURL:    page.MustInfo().URL,
	}, nil
}
