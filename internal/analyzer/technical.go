package analyzer

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"geoaudit/internal/model"
)

// analyzeTechnical reads head-level and fetch-level signals. doc may be
// nil when the body never parsed; the fetch fields still apply.
func analyzeTechnical(doc *goquery.Document, in Input) model.TechnicalReport {
	r := model.TechnicalReport{
		MetaRobots:  "index, follow",
		Status:      in.Status,
		ContentType: in.ContentType,
	}
	if doc == nil {
		r.Score = scoreTechnical(&r)
		return r
	}

	if robots, ok := doc.Find(`meta[name="robots"]`).Attr("content"); ok {
		if robots = strings.TrimSpace(robots); robots != "" {
			r.MetaRobots = strings.ToLower(robots)
		}
	}
	r.HasViewport = doc.Find(`meta[name="viewport"]`).Length() > 0
	r.HasCharset = doc.Find(`meta[charset]`).Length() > 0 ||
		doc.Find(`meta[http-equiv="Content-Type"]`).Length() > 0
	r.HasCanonical = doc.Find(`link[rel="canonical"]`).Length() > 0

	r.Score = scoreTechnical(&r)
	return r
}

func scoreTechnical(r *model.TechnicalReport) float64 {
	var score float64
	if r.HasViewport {
		score += 25
	}
	if r.HasCharset {
		score += 20
	}
	if r.HasCanonical {
		score += 25
	}
	if !strings.Contains(r.MetaRobots, "noindex") {
		score += 10
	}
	if r.Status >= 200 && r.Status < 300 {
		score += 20
	}
	return clampScore(score)
}
