package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if cfg.Server.Port != 8080 {
		t.Fatalf("default port = %d", cfg.Server.Port)
	}
	if cfg.Crawler.CapDefault != 50 || cfg.Crawler.CapMax != 500 {
		t.Fatalf("default crawl caps = %d/%d", cfg.Crawler.CapDefault, cfg.Crawler.CapMax)
	}
	if cfg.Pagespeed.StalenessHours != 24 {
		t.Fatalf("default staleness = %d", cfg.Pagespeed.StalenessHours)
	}
	if cfg.Retention.AuditDays != 90 || cfg.Retention.SnapshotDays != 30 {
		t.Fatalf("default retention = %d/%d", cfg.Retention.AuditDays, cfg.Retention.SnapshotDays)
	}
	if !cfg.Crawler.RespectRobots {
		t.Fatalf("robots must be respected by default")
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
server:
  port: 9090
crawler:
  capDefault: 25
  capMax: 100
llm:
  model: test-model
  primary:
    baseURL: https://llm.internal/v1
retention:
  auditDays: 7
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg := Load(path)
	if cfg.Server.Port != 9090 {
		t.Fatalf("port = %d", cfg.Server.Port)
	}
	if cfg.Crawler.CapDefault != 25 || cfg.Crawler.CapMax != 100 {
		t.Fatalf("caps = %d/%d", cfg.Crawler.CapDefault, cfg.Crawler.CapMax)
	}
	if cfg.LLM.Model != "test-model" || cfg.LLM.Primary.BaseURL != "https://llm.internal/v1" {
		t.Fatalf("llm config not read: %+v", cfg.LLM)
	}
	if cfg.Retention.AuditDays != 7 {
		t.Fatalf("retention = %d", cfg.Retention.AuditDays)
	}
	// Untouched sections keep their defaults.
	if cfg.Fetcher.TimeoutSeconds != 20 {
		t.Fatalf("fetcher timeout = %d", cfg.Fetcher.TimeoutSeconds)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("WORKER_POOL_SIZE", "9")
	t.Setenv("CRAWL_CAP_DEFAULT", "30")
	t.Setenv("LLM_PRIMARY_URL", "https://primary.internal/v1")
	t.Setenv("SSRF_ALLOW_LOOPBACK", "true")
	t.Setenv("PERF_STALENESS_HOURS", "48")

	cfg := Load("")
	if cfg.Worker.PoolSize != 9 {
		t.Fatalf("pool size = %d", cfg.Worker.PoolSize)
	}
	if cfg.Crawler.CapDefault != 30 {
		t.Fatalf("cap default = %d", cfg.Crawler.CapDefault)
	}
	if cfg.LLM.Primary.BaseURL != "https://primary.internal/v1" {
		t.Fatalf("llm url = %q", cfg.LLM.Primary.BaseURL)
	}
	if !cfg.Fetcher.AllowLoopback {
		t.Fatalf("loopback override not applied")
	}
	if cfg.Pagespeed.StalenessHours != 48 {
		t.Fatalf("staleness = %d", cfg.Pagespeed.StalenessHours)
	}
}

func TestClampRepairsInvalidValues(t *testing.T) {
	t.Setenv("WORKER_POOL_SIZE", "-3")
	t.Setenv("CRAWL_CAP_DEFAULT", "0")

	cfg := Load("")
	if cfg.Worker.PoolSize != 4 {
		t.Fatalf("pool size not clamped: %d", cfg.Worker.PoolSize)
	}
	if cfg.Crawler.CapDefault != 50 {
		t.Fatalf("cap default not clamped: %d", cfg.Crawler.CapDefault)
	}

	// capMax below capDefault is raised to match.
	t.Setenv("CRAWL_CAP_DEFAULT", "200")
	t.Setenv("CRAWL_CAP_MAX", "100")
	cfg = Load("")
	if cfg.Crawler.CapMax != 200 {
		t.Fatalf("capMax not raised: %d", cfg.Crawler.CapMax)
	}
}
