package analyzer

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"geoaudit/internal/model"
)

// ldInfo is what the JSON-LD blocks contribute to the other dimensions.
type ldInfo struct {
	Types   []string
	Authors []string
	Dates   []time.Time
	Errors  []string
}

// parseJSONLD decodes every ld+json block on the page. Invalid JSON is
// recorded, never fatal.
func parseJSONLD(doc *goquery.Document) *ldInfo {
	info := &ldInfo{}
	seen := make(map[string]struct{})

	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, sel *goquery.Selection) {
		raw := strings.TrimSpace(sel.Text())
		if raw == "" {
			return
		}
		var payload any
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			info.Errors = append(info.Errors, "invalid JSON-LD block: "+err.Error())
			return
		}
		walkLD(payload, info, seen)
	})
	return info
}

func walkLD(node any, info *ldInfo, seen map[string]struct{}) {
	switch v := node.(type) {
	case []any:
		for _, item := range v {
			walkLD(item, info, seen)
		}
	case map[string]any:
		if t, ok := v["@type"]; ok {
			for _, name := range typeNames(t) {
				if _, dup := seen[name]; !dup {
					seen[name] = struct{}{}
					info.Types = append(info.Types, name)
				}
			}
		}
		if a, ok := v["author"]; ok {
			info.Authors = append(info.Authors, authorNames(a)...)
		}
		for _, key := range []string{"datePublished", "dateModified"} {
			if s, ok := v[key].(string); ok {
				if t, ok := parseDate(s); ok {
					info.Dates = append(info.Dates, t)
				}
			}
		}
		if g, ok := v["@graph"]; ok {
			walkLD(g, info, seen)
		}
		// Nested entities (author objects included) carry their own @type.
		for key, child := range v {
			switch key {
			case "@type", "@graph", "datePublished", "dateModified":
				continue
			}
			switch child.(type) {
			case map[string]any, []any:
				walkLD(child, info, seen)
			}
		}
	}
}

func typeNames(t any) []string {
	switch v := t.(type) {
	case string:
		return []string{v}
	case []any:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func authorNames(a any) []string {
	switch v := a.(type) {
	case string:
		return []string{v}
	case map[string]any:
		if name, ok := v["name"].(string); ok {
			return []string{name}
		}
	case []any:
		var out []string
		for _, item := range v {
			out = append(out, authorNames(item)...)
		}
		return out
	}
	return nil
}

func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func analyzeSchema(doc *goquery.Document, ld *ldInfo, pageURL string, questionCount int) model.SchemaReport {
	r := model.SchemaReport{
		Present: len(ld.Types) > 0,
		Types:   ld.Types,
		Errors:  ld.Errors,
	}

	has := func(name string) bool {
		for _, t := range r.Types {
			if strings.EqualFold(t, name) {
				return true
			}
		}
		return false
	}

	if !has("Organization") {
		r.Recommendations = append(r.Recommendations, "add Organization schema for the publishing entity")
	}
	if blogLike(doc, ld, pageURL) && !has("Article") && !has("BlogPosting") && !has("NewsArticle") {
		r.Recommendations = append(r.Recommendations, "add Article schema to this editorial page")
	}
	if questionCount >= 3 && !has("FAQPage") {
		r.Recommendations = append(r.Recommendations, "add FAQPage schema for the question-and-answer content")
	}

	r.Score = scoreSchema(&r)
	return r
}

// blogLike infers an editorial page from the URL path, an <article>
// element, or a publication date in the structured data.
func blogLike(doc *goquery.Document, ld *ldInfo, pageURL string) bool {
	lower := strings.ToLower(pageURL)
	for _, marker := range []string{"/blog", "/post", "/news", "/article", "/guide"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	if doc.Find("article").Length() > 0 {
		return true
	}
	return len(ld.Dates) > 0
}

func scoreSchema(r *model.SchemaReport) float64 {
	if !r.Present {
		return 0
	}
	score := 40.0
	types := float64(len(r.Types)) * 15
	if types > 45 {
		types = 45
	}
	score += types
	if len(r.Recommendations) == 0 {
		score += 15
	}
	return clampScore(score)
}
