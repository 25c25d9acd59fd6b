package model

import "time"

// PagespeedData holds the mobile and desktop performance reports for an
// audit target. Either strategy can be nil when its call failed.
type PagespeedData struct {
	Mobile    *PerfReport `json:"mobile,omitempty"`
	Desktop   *PerfReport `json:"desktop,omitempty"`
	FetchedAt time.Time   `json:"fetched_at"`
}

// PerfReport is the projection of one Lighthouse run. The full audit map
// is preserved so the synthesizer and the dashboard can drill into any
// finding without a re-run; opportunities and diagnostics are the same
// audits sliced by their details type.
type PerfReport struct {
	Strategy      string               `json:"strategy"` // mobile | desktop
	FinalURL      string               `json:"final_url,omitempty"`
	FetchedAt     time.Time            `json:"fetched_at"`
	Categories    map[string]float64   `json:"categories"` // category id -> score 0..100
	Metrics       map[string]float64   `json:"metrics,omitempty"`
	Audits        map[string]PerfAudit `json:"audits"`
	Opportunities map[string]PerfAudit `json:"opportunities,omitempty"`
	Diagnostics   map[string]PerfAudit `json:"diagnostics,omitempty"`

	// RuntimeError is Lighthouse's error code when the run could not
	// audit the page. A report carrying one is never considered fresh.
	RuntimeError string `json:"runtime_error,omitempty"`
}

// PerfAudit is one Lighthouse audit result.
type PerfAudit struct {
	Title        string   `json:"title,omitempty"`
	Score        *float64 `json:"score,omitempty"`
	DisplayValue string   `json:"display_value,omitempty"`
	NumericValue float64  `json:"numeric_value,omitempty"`
}

// Stale reports whether the data is older than maxAge or carries a
// Lighthouse runtime error.
func (p *PagespeedData) Stale(now time.Time, maxAge time.Duration) bool {
	if p == nil {
		return true
	}
	for _, r := range []*PerfReport{p.Mobile, p.Desktop} {
		if r != nil && r.RuntimeError != "" {
			return true
		}
	}
	return now.Sub(p.FetchedAt) > maxAge
}
