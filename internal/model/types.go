package model

import "time"

// Status is the lifecycle state of an audit. The values match the text
// stored in the audits table.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether a status can never change again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CheckStatus grades a single analyzer check.
type CheckStatus string

const (
	CheckPass CheckStatus = "pass"
	CheckWarn CheckStatus = "warn"
	CheckFail CheckStatus = "fail"
)

// Check is one named analyzer finding with an optional explanatory note.
type Check struct {
	Status CheckStatus `json:"status"`
	Note   string      `json:"note,omitempty"`
}

// Priority orders fix plan items.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// AuditConfig is the submitted configuration for one audit.
type AuditConfig struct {
	SeedURL             string   `json:"seed_url"`
	Language            string   `json:"language"`      // "en" or "es"
	Market              string   `json:"target_market"` // us|latam|emea|ar|none
	Competitors         []string `json:"competitors,omitempty"`
	CrawlCap            int      `json:"crawl_cap"`
	FetchTimeoutSeconds int      `json:"fetch_timeout_seconds"`
	AllowSubdomains     bool     `json:"allow_subdomains,omitempty"`
}

// StageError records a recoverable failure captured during one stage.
type StageError struct {
	Stage   string `json:"stage"`
	Kind    string `json:"kind"`
	Host    string `json:"host,omitempty"`
	Message string `json:"message"`
}

// Audit is the top-level unit of work.
type Audit struct {
	ID         int64        `json:"id"`
	OwnerID    string       `json:"owner_id"`
	OwnerEmail string       `json:"owner_email,omitempty"`
	Config     AuditConfig  `json:"config"`
	Status     Status       `json:"status"`
	Progress   int          `json:"progress"`
	Stage      string       `json:"stage,omitempty"`
	Error      string       `json:"error,omitempty"`
	Warnings   []string     `json:"warnings,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	StartedAt  *time.Time   `json:"started_at,omitempty"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
	Results    AuditResults `json:"results"`
}

// AuditResults groups everything the pipeline produces for one audit.
type AuditResults struct {
	TargetAudit          *PageReport           `json:"target_audit,omitempty"`
	CompetitorAudits     []PageReport          `json:"competitor_audits,omitempty"`
	ExternalIntelligence *ExternalIntelligence `json:"external_intelligence,omitempty"`
	SearchResults        []SearchResult        `json:"search_results,omitempty"`
	PagespeedData        *PagespeedData        `json:"pagespeed_data,omitempty"`
	ReportMarkdown       string                `json:"report_markdown,omitempty"`
	FixPlan              []FixItem             `json:"fix_plan,omitempty"`
	StageErrors          []StageError          `json:"stage_errors,omitempty"`
	Incomplete           bool                  `json:"incomplete,omitempty"`
}

// PageReport is the per-URL score bundle. Immutable once produced.
type PageReport struct {
	URL         string    `json:"url"`
	FinalURL    string    `json:"final_url,omitempty"`
	Status      int       `json:"status"`
	ContentType string    `json:"content_type,omitempty"`
	FetchedAt   time.Time `json:"fetched_at"`
	Truncated   bool      `json:"truncated,omitempty"`

	Structure StructureReport `json:"structure"`
	Content   ContentReport   `json:"content"`
	EEAT      EEATReport      `json:"eeat"`
	Schema    SchemaReport    `json:"schema"`
	Technical TechnicalReport `json:"technical"`
	Citation  CitationReport  `json:"citation_signals"`

	GeoScore float64 `json:"geo_score"`
	Grade    string  `json:"grade"`
}

// StructureReport covers headings, lists, tables, and semantic HTML.
type StructureReport struct {
	H1Check          Check    `json:"h1_check"`
	H1Count          int      `json:"h1_count"`
	HeadingHierarchy Check    `json:"heading_hierarchy"`
	HierarchyIssues  []string `json:"hierarchy_issues,omitempty"`
	ListCount        int      `json:"list_usage"`
	TableCount       int      `json:"table_usage"`
	SemanticTags     []string `json:"semantic_tags,omitempty"`
	SemanticPercent  float64  `json:"semantic_html"`
	Score            float64  `json:"score"`
}

// ContentReport covers answer-shaped writing heuristics.
type ContentReport struct {
	FragmentClarity    int     `json:"fragment_clarity"`    // 0..10
	ConversationalTone int     `json:"conversational_tone"` // 0..10
	QuestionTargeting  Check   `json:"question_targeting"`
	QuestionCount      int     `json:"question_count"`
	InvertedPyramid    Check   `json:"inverted_pyramid_style"`
	WordCount          int     `json:"word_count"`
	Score              float64 `json:"score"`
	Error              string  `json:"error,omitempty"`
}

// EEATReport covers experience/expertise/authoritativeness/trust signals.
type EEATReport struct {
	AuthorPresence     Check      `json:"author_presence"`
	AuthorName         string     `json:"author_name,omitempty"`
	ExternalLinks      int        `json:"external_links"`
	AuthoritativeLinks int        `json:"authoritative_links"`
	NewestDate         *time.Time `json:"newest_date,omitempty"`
	FreshnessStale     bool       `json:"freshness_stale"`
	HasAboutLink       bool       `json:"has_about_link"`
	HasContactLink     bool       `json:"has_contact_link"`
	HasPrivacyLink     bool       `json:"has_privacy_link"`
	Score              float64    `json:"score"`
}

// SchemaReport covers JSON-LD structured data.
type SchemaReport struct {
	Present         bool     `json:"schema_presence"`
	Types           []string `json:"schema_types,omitempty"`
	Errors          []string `json:"errors,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
	Score           float64  `json:"score"`
}

// TechnicalReport covers fetch-level and head-level signals.
type TechnicalReport struct {
	MetaRobots   string  `json:"meta_robots"`
	HasViewport  bool    `json:"viewport"`
	HasCharset   bool    `json:"charset"`
	HasCanonical bool    `json:"canonical"`
	Status       int     `json:"status"`
	ContentType  string  `json:"content_type,omitempty"`
	Score        float64 `json:"score"`
}

// CitationReport is the reserved slot for external visibility probes.
// With no probe data attached it contributes zero to the GEO score.
type CitationReport struct {
	Probes map[string]float64 `json:"probes,omitempty"`
	Note   string             `json:"note,omitempty"`
	Score  float64            `json:"score"`
}

// FixItem is a single prioritized recommendation from the synthesizer.
type FixItem struct {
	Issue            string   `json:"issue"`
	Priority         Priority `json:"priority"`
	Page             string   `json:"page"`
	CurrentValue     string   `json:"current_value,omitempty"`
	RecommendedValue string   `json:"recommended_value"`
	Category         string   `json:"category,omitempty"`
}

// ExternalIntelligence is the classifier agent's output.
type ExternalIntelligence struct {
	IsYMYL        bool     `json:"is_ymyl"`
	Category      string   `json:"category"`
	SearchQueries []string `json:"search_queries"`
	Raw           string   `json:"raw,omitempty"`
}

// SearchResult is one competitor-discovery hit.
type SearchResult struct {
	Query   string `json:"query"`
	Link    string `json:"link"`
	Title   string `json:"title,omitempty"`
	Snippet string `json:"snippet,omitempty"`
}

// ProgressEvent is one state delta streamed to subscribers.
type ProgressEvent struct {
	AuditID   int64     `json:"audit_id"`
	Seq       uint64    `json:"seq"`
	Stage     string    `json:"stage"`
	Progress  int       `json:"progress"`
	Message   string    `json:"message,omitempty"`
	Status    Status    `json:"status,omitempty"`
	Dropped   int       `json:"dropped,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AuditJob is a queue entry handed to the worker pool.
type AuditJob struct {
	AuditID     int64     `json:"audit_id"`
	SubmittedAt time.Time `json:"submitted_at"`
	Attempt     int       `json:"attempt"`
}

// BacklinkSummary, RankSummary, and VisibilitySummary are optional
// auxiliary inputs for the synthesizer.
type BacklinkSummary struct {
	ReferringDomains int    `json:"referring_domains"`
	TotalBacklinks   int    `json:"total_backlinks"`
	Notes            string `json:"notes,omitempty"`
}

type RankSummary struct {
	TrackedKeywords int     `json:"tracked_keywords"`
	AveragePosition float64 `json:"average_position"`
	Notes           string  `json:"notes,omitempty"`
}

type VisibilitySummary struct {
	Engines   map[string]float64 `json:"engines,omitempty"` // engine -> cited fraction
	SampledAt *time.Time         `json:"sampled_at,omitempty"`
}

// AuxiliaryContext carries optional extra data for the synthesizer. A nil
// sub-field means "absent"; empty structs are never used as sentinels.
type AuxiliaryContext struct {
	Keywords           []string           `json:"keywords,omitempty"`
	Backlinks          *BacklinkSummary   `json:"backlinks,omitempty"`
	RankTracking       *RankSummary       `json:"rank_tracking,omitempty"`
	LLMVisibility      *VisibilitySummary `json:"llm_visibility,omitempty"`
	ContentSuggestions []string           `json:"content_suggestions,omitempty"`
}
