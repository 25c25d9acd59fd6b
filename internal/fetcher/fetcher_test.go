package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"geoaudit/internal/config"
	"geoaudit/internal/fault"
)

func testConfig() config.FetcherConfig {
	return config.FetcherConfig{
		TimeoutSeconds: 5,
		MaxRedirects:   3,
		MaxBodyBytes:   1 << 20,
		AllowLoopback:  true,
	}
}

func TestGuardURLBlocksInternalAddresses(t *testing.T) {
	f := New(config.FetcherConfig{TimeoutSeconds: 5, MaxRedirects: 3, MaxBodyBytes: 1 << 20})
	ctx := context.Background()

	blocked := []string{
		"http://127.0.0.1/",
		"http://10.0.0.5/admin",
		"http://192.168.1.1/",
		"http://172.16.0.1/",
		"http://169.254.169.254/latest/meta-data",
		"http://100.64.0.1/",
		"http://[::1]/",
		"http://0.0.0.0/",
	}
	for _, raw := range blocked {
		err := f.GuardURL(ctx, raw)
		if fault.KindOf(err) != fault.SSRFBlocked {
			t.Fatalf("%s: expected ssrf_blocked, got %v", raw, err)
		}
	}

	invalid := []string{"ftp://example.com/", "example.com", "http://"}
	for _, raw := range invalid {
		err := f.GuardURL(ctx, raw)
		if fault.KindOf(err) != fault.InvalidConfig {
			t.Fatalf("%s: expected invalid_config, got %v", raw, err)
		}
	}

	// Public literal addresses pass without a DNS lookup.
	if err := f.GuardURL(ctx, "http://93.184.216.34/"); err != nil {
		t.Fatalf("public ip blocked: %v", err)
	}
}

func TestGuardURLAllowsLoopbackWhenConfigured(t *testing.T) {
	f := New(testConfig())
	if err := f.GuardURL(context.Background(), "http://127.0.0.1:8080/"); err != nil {
		t.Fatalf("loopback should be allowed: %v", err)
	}
}

func TestFetchSetsProfileHeaders(t *testing.T) {
	var gotUA, gotLang string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotLang = r.Header.Get("Accept-Language")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte("<html><body><p>hola</p></body></html>"))
	}))
	defer srv.Close()

	f := New(testConfig())
	res, err := f.Fetch(context.Background(), srv.URL, Options{Mobile: true, Language: "es"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Status != 200 || !strings.Contains(res.ContentType, "text/html") {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !strings.Contains(gotUA, "Mobile") {
		t.Fatalf("mobile UA not sent: %q", gotUA)
	}
	if !strings.HasPrefix(gotLang, "es-ES") {
		t.Fatalf("spanish accept-language not sent: %q", gotLang)
	}
}

func TestFetchTruncatesOversizedBodies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("a", 2048)))
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.MaxBodyBytes = 1024
	f := New(cfg)

	res, err := f.Fetch(context.Background(), srv.URL, Options{})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !res.Truncated {
		t.Fatalf("expected truncation flag")
	}
	if len(res.Body) != 1024 {
		t.Fatalf("body length = %d", len(res.Body))
	}
}

func TestFetchFollowsRedirectsUpToLimit(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()
	mux.HandleFunc("/hop", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/final", http.StatusFound)
	})
	mux.HandleFunc("/final", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html></html>"))
	})
	mux.HandleFunc("/loop", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/loop", http.StatusFound)
	})

	f := New(testConfig())

	res, err := f.Fetch(context.Background(), srv.URL+"/hop", Options{})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !strings.HasSuffix(res.FinalURL, "/final") {
		t.Fatalf("final url = %q", res.FinalURL)
	}

	if _, err := f.Fetch(context.Background(), srv.URL+"/loop", Options{}); err == nil {
		t.Fatalf("expected error on redirect loop")
	}
}

func TestFetchTimeoutIsClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer srv.Close()

	f := New(testConfig())
	_, err := f.Fetch(context.Background(), srv.URL, Options{Timeout: 100 * time.Millisecond})
	if kind := fault.KindOf(err); kind != fault.Timeout && kind != fault.Canceled {
		t.Fatalf("expected timeout kind, got %v (%v)", kind, err)
	}
}
