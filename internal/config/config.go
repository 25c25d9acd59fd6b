package config

import (
	"log"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type FetcherConfig struct {
	TimeoutSeconds int  `yaml:"timeoutSeconds"`
	MaxRedirects   int  `yaml:"maxRedirects"`
	MaxBodyBytes   int  `yaml:"maxBodyBytes"`
	AllowLoopback  bool `yaml:"allowLoopback"`
}

type CrawlerConfig struct {
	CapDefault            int  `yaml:"capDefault"`
	CapMax                int  `yaml:"capMax"`
	Concurrency           int  `yaml:"concurrency"`
	CompetitorConcurrency int  `yaml:"competitorConcurrency"`
	CompetitorCap         int  `yaml:"competitorCap"`
	RespectRobots         bool `yaml:"respectRobots"`
}

type WorkerConfig struct {
	PoolSize  int `yaml:"poolSize"`
	QueueSize int `yaml:"queueSize"`
}

type EventsConfig struct {
	Buffer             int `yaml:"buffer"`
	HeartbeatSeconds   int `yaml:"heartbeatSeconds"`
	SubscriptionTTLMin int `yaml:"subscriptionTtlMinutes"`
}

// LLMBackendConfig names one chat-completion backend. BaseURL points at an
// OpenAI-compatible API root (the client appends /chat/completions).
type LLMBackendConfig struct {
	BaseURL string `yaml:"baseURL"`
	APIKey  string `yaml:"apiKey"`
}

type LLMConfig struct {
	Primary        LLMBackendConfig `yaml:"primary"`
	Fallback       LLMBackendConfig `yaml:"fallback"`
	Model          string           `yaml:"model"`
	MaxTokens      int              `yaml:"maxTokens"`
	TimeoutSeconds int              `yaml:"timeoutSeconds"`
}

type PagespeedConfig struct {
	BaseURL        string `yaml:"baseURL"`
	APIKey         string `yaml:"apiKey"`
	TimeoutSeconds int    `yaml:"timeoutSeconds"`
	StalenessHours int    `yaml:"stalenessHours"`
}

type SearchConfig struct {
	BaseURL  string `yaml:"baseURL"`
	APIKey   string `yaml:"apiKey"`
	EngineID string `yaml:"engineId"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type RodConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BrowserURL string `yaml:"browserUrl"`
}

// RetentionConfig bounds database growth. Zero disables cleanup.
type RetentionConfig struct {
	AuditDays    int `yaml:"auditDays"`
	SnapshotDays int `yaml:"snapshotDays"`
}

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Fetcher   FetcherConfig   `yaml:"fetcher"`
	Crawler   CrawlerConfig   `yaml:"crawler"`
	Worker    WorkerConfig    `yaml:"worker"`
	Events    EventsConfig    `yaml:"events"`
	LLM       LLMConfig       `yaml:"llm"`
	Pagespeed PagespeedConfig `yaml:"pagespeed"`
	Search    SearchConfig    `yaml:"search"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Rod       RodConfig       `yaml:"rod"`
	Retention RetentionConfig `yaml:"retention"`
}

// Default returns a Config with every tunable at its documented default.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 8080
	cfg.Fetcher.TimeoutSeconds = 20
	cfg.Fetcher.MaxRedirects = 5
	cfg.Fetcher.MaxBodyBytes = 8 << 20
	cfg.Crawler.CapDefault = 50
	cfg.Crawler.CapMax = 500
	cfg.Crawler.Concurrency = 5
	cfg.Crawler.CompetitorConcurrency = 3
	cfg.Crawler.CompetitorCap = 5
	cfg.Crawler.RespectRobots = true
	cfg.Worker.PoolSize = 4
	cfg.Worker.QueueSize = 256
	cfg.Events.Buffer = 64
	cfg.Events.HeartbeatSeconds = 30
	cfg.Events.SubscriptionTTLMin = 10
	cfg.LLM.MaxTokens = 4096
	cfg.LLM.TimeoutSeconds = 120
	cfg.Pagespeed.TimeoutSeconds = 60
	cfg.Pagespeed.StalenessHours = 24
	cfg.Retention.AuditDays = 90
	cfg.Retention.SnapshotDays = 30
	return cfg
}

// Load reads the YAML config at path (a missing file is fine, defaults
// apply) and then layers environment overrides on top.
func Load(path string) *Config {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err == nil {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				log.Fatalf("failed to decode config: %v", err)
			}
		} else if !os.IsNotExist(err) {
			log.Fatalf("failed to open config file: %v", err)
		}
	}

	cfg.applyEnv()
	cfg.clamp()
	return cfg
}

func (c *Config) applyEnv() {
	envInt("WORKER_POOL_SIZE", &c.Worker.PoolSize)
	envInt("CRAWL_CAP_DEFAULT", &c.Crawler.CapDefault)
	envInt("CRAWL_CAP_MAX", &c.Crawler.CapMax)
	envInt("FETCH_TIMEOUT_SECONDS", &c.Fetcher.TimeoutSeconds)
	envInt("PERF_STALENESS_HOURS", &c.Pagespeed.StalenessHours)
	envStr("LLM_PRIMARY_URL", &c.LLM.Primary.BaseURL)
	envStr("LLM_PRIMARY_KEY", &c.LLM.Primary.APIKey)
	envStr("LLM_FALLBACK_URL", &c.LLM.Fallback.BaseURL)
	envStr("LLM_FALLBACK_KEY", &c.LLM.Fallback.APIKey)
	envStr("LLM_MODEL", &c.LLM.Model)
	envStr("PERF_ORACLE_URL", &c.Pagespeed.BaseURL)
	envStr("PERF_ORACLE_KEY", &c.Pagespeed.APIKey)
	envStr("SEARCH_ORACLE_URL", &c.Search.BaseURL)
	envStr("SEARCH_ORACLE_KEY", &c.Search.APIKey)
	envStr("SEARCH_ENGINE_ID", &c.Search.EngineID)
	envStr("DATABASE_DSN", &c.Database.DSN)
	envStr("REDIS_URL", &c.Redis.URL)
	envBool("SSRF_ALLOW_LOOPBACK", &c.Fetcher.AllowLoopback)
}

func (c *Config) clamp() {
	if c.Worker.PoolSize <= 0 {
		c.Worker.PoolSize = 4
	}
	if c.Worker.QueueSize <= 0 {
		c.Worker.QueueSize = 256
	}
	if c.Crawler.CapDefault <= 0 {
		c.Crawler.CapDefault = 50
	}
	if c.Crawler.CapMax < c.Crawler.CapDefault {
		c.Crawler.CapMax = c.Crawler.CapDefault
	}
	if c.Crawler.Concurrency <= 0 {
		c.Crawler.Concurrency = 5
	}
	if c.Crawler.CompetitorConcurrency <= 0 {
		c.Crawler.CompetitorConcurrency = 3
	}
	if c.Crawler.CompetitorCap <= 0 {
		c.Crawler.CompetitorCap = 5
	}
	if c.Fetcher.TimeoutSeconds <= 0 {
		c.Fetcher.TimeoutSeconds = 20
	}
	if c.Fetcher.MaxRedirects <= 0 {
		c.Fetcher.MaxRedirects = 5
	}
	if c.Fetcher.MaxBodyBytes <= 0 {
		c.Fetcher.MaxBodyBytes = 8 << 20
	}
	if c.Events.Buffer <= 0 {
		c.Events.Buffer = 64
	}
	if c.Events.HeartbeatSeconds <= 0 {
		c.Events.HeartbeatSeconds = 30
	}
	if c.Events.SubscriptionTTLMin <= 0 {
		c.Events.SubscriptionTTLMin = 10
	}
	if c.Pagespeed.TimeoutSeconds <= 0 {
		c.Pagespeed.TimeoutSeconds = 60
	}
	if c.Pagespeed.StalenessHours <= 0 {
		c.Pagespeed.StalenessHours = 24
	}
	if c.LLM.TimeoutSeconds <= 0 {
		c.LLM.TimeoutSeconds = 120
	}
	if c.LLM.MaxTokens <= 0 {
		c.LLM.MaxTokens = 4096
	}
}

func envStr(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func envInt(key string, dst *int) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "on":
			*dst = true
		case "0", "false", "no", "off":
			*dst = false
		}
	}
}
