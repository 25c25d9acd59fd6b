package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"geoaudit/internal/config"
	"geoaudit/internal/fault"
)

// User agents sent to audited sites. The robots group lookup uses the
// product token, so both resolve to the same crawl rules.
const (
	DesktopUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	MobileUA  = "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Mobile Safari/537.36"
)

// Options selects the device profile and language for one fetch.
type Options struct {
	Mobile   bool
	Language string // "en" or "es"
	Timeout  time.Duration
}

// Result is the outcome of a single fetch.
type Result struct {
	Status      int
	ContentType string
	Body        []byte
	FinalURL    string
	Truncated   bool
}

// Fetcher performs guarded HTTP GETs against audited sites. All requests
// go through a transport whose dialer rejects internal destinations after
// DNS resolution and before the socket connect.
type Fetcher struct {
	cfg    config.FetcherConfig
	client *http.Client
}

var errSSRF = errors.New("destination address is not publicly routable")

func New(cfg config.FetcherConfig) *Fetcher {
	f := &Fetcher{cfg: cfg}

	dialer := &net.Dialer{
		Timeout: 10 * time.Second,
		Control: func(network, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			ip := net.ParseIP(host)
			if ip == nil {
				return errSSRF
			}
			if f.blocked(ip) {
				return errSSRF
			}
			return nil
		},
	}

	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          64,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 0, // wall-clock timeout comes from the request context
	}

	f.client = &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= cfg.MaxRedirects {
				return fmt.Errorf("stopped after %d redirects", cfg.MaxRedirects)
			}
			return nil
		},
	}
	return f
}

// blocked reports whether an IP must never be connected to. Loopback is
// permitted only when explicitly configured (local testing).
func (f *Fetcher) blocked(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsUnspecified() {
		return !f.cfg.AllowLoopback
	}
	if ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	// Carrier-grade NAT (100.64.0.0/10) is internal for our purposes.
	if v4 := ip.To4(); v4 != nil && v4[0] == 100 && v4[1] >= 64 && v4[1] <= 127 {
		return true
	}
	return false
}

// GuardURL resolves a URL's host and applies the SSRF policy without
// opening any connection. Used by the pipeline's validate stage.
func (f *Fetcher) GuardURL(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return fault.Errorf(fault.InvalidConfig, "fetcher.guard", "invalid url %q", rawURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fault.Errorf(fault.InvalidConfig, "fetcher.guard", "unsupported scheme %q", u.Scheme)
	}

	host := u.Hostname()
	if ip := net.ParseIP(host); ip != nil {
		if f.blocked(ip) {
			return fault.Errorf(fault.SSRFBlocked, "fetcher.guard", "address %s is not publicly routable", ip)
		}
		return nil
	}

	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return fault.New(fault.Network, "fetcher.guard", err)
	}
	for _, ip := range ips {
		if f.blocked(ip) {
			return fault.Errorf(fault.SSRFBlocked, "fetcher.guard", "host %s resolves to %s", host, ip)
		}
	}
	return nil
}

// Fetch GETs a URL with the device profile in opts. The timeout covers
// connect plus read. Bodies beyond the configured cap are truncated and
// flagged, not errored. No retries happen at this layer.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, opts Options) (*Result, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fault.New(fault.InvalidConfig, "fetcher.fetch", err)
	}
	if u.Scheme == "" {
		u.Scheme = "https"
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = time.Duration(f.cfg.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fault.New(fault.InvalidConfig, "fetcher.fetch", err)
	}
	req.Header.Set("User-Agent", userAgent(opts.Mobile))
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", acceptLanguage(opts.Language))

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, classify(err)
	}
	defer resp.Body.Close()

	limit := int64(f.cfg.MaxBodyBytes)
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, classify(err)
	}

	res := &Result{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		FinalURL:    resp.Request.URL.String(),
	}
	if int64(len(body)) > limit {
		res.Body = body[:limit]
		res.Truncated = true
	} else {
		res.Body = body
	}
	return res, nil
}

func userAgent(mobile bool) string {
	if mobile {
		return MobileUA
	}
	return DesktopUA
}

func acceptLanguage(language string) string {
	if strings.EqualFold(language, "es") {
		return "es-ES,es;q=0.9,en;q=0.5"
	}
	return "en-US,en;q=0.9"
}

// classify maps transport errors into fault kinds. The SSRF sentinel from
// the dial hook wins over the generic net classification.
func classify(err error) error {
	if errors.Is(err, errSSRF) {
		return fault.New(fault.SSRFBlocked, "fetcher.fetch", err)
	}
	switch kind := fault.KindOf(err); kind {
	case fault.Canceled:
		return fault.New(fault.Canceled, "fetcher.fetch", err)
	case fault.Timeout:
		return fault.New(fault.Timeout, "fetcher.fetch", err)
	default:
		return fault.New(fault.Network, "fetcher.fetch", err)
	}
}
