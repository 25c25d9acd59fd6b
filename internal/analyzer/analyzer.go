// Package analyzer scores a single HTML document on the six GEO
// dimensions: structure, content, E-E-A-T, schema, technical, and
// citation signals.
package analyzer

import (
	"bytes"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"geoaudit/internal/model"
)

// Dimension weights for the overall GEO score.
const (
	weightStructure = 0.20
	weightContent   = 0.20
	weightEEAT      = 0.25
	weightSchema    = 0.15
	weightTechnical = 0.10
	weightCitation  = 0.10
)

// Input is everything the analyzer needs about one fetched page.
type Input struct {
	URL         string
	FinalURL    string
	Status      int
	ContentType string
	Body        []byte
	FetchedAt   time.Time
	Truncated   bool
}

// Analyze computes the full PageReport for one document. It never panics
// on malformed HTML: an unparseable document keeps its fetch status and
// scores zero everywhere, with the parse failure noted on the content
// dimension.
func Analyze(in Input) model.PageReport {
	report := model.PageReport{
		URL:         in.URL,
		FinalURL:    in.FinalURL,
		Status:      in.Status,
		ContentType: in.ContentType,
		FetchedAt:   in.FetchedAt,
		Truncated:   in.Truncated,
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(in.Body))
	if err != nil || len(in.Body) == 0 {
		report.Content.Error = "document could not be parsed as HTML"
		report.Technical = analyzeTechnical(nil, in)
		report.Technical.Score = 0
		report.Citation = citationReport(nil)
		report.GeoScore = 0
		report.Grade = Grade(0)
		return report
	}

	ld := parseJSONLD(doc)

	report.Structure = analyzeStructure(doc)
	report.Content = analyzeContent(doc)
	report.EEAT = analyzeEEAT(doc, ld, in.URL, in.FetchedAt)
	report.Schema = analyzeSchema(doc, ld, in.URL, report.Content.QuestionCount)
	report.Technical = analyzeTechnical(doc, in)
	report.Citation = citationReport(nil)

	report.GeoScore = weightedScore(&report)
	report.Grade = Grade(report.GeoScore)
	return report
}

// AttachCitationProbes rescores a report with external visibility data.
// Probes map engine names to cited fractions in [0,1].
func AttachCitationProbes(report *model.PageReport, probes map[string]float64) {
	report.Citation = citationReport(probes)
	report.GeoScore = weightedScore(report)
	report.Grade = Grade(report.GeoScore)
}

func citationReport(probes map[string]float64) model.CitationReport {
	if len(probes) == 0 {
		return model.CitationReport{
			Score: 0,
			Note:  "no external visibility probe configured",
		}
	}
	var sum float64
	for _, v := range probes {
		if v < 0 {
			v = 0
		}
		if v > 1 {
			v = 1
		}
		sum += v
	}
	return model.CitationReport{
		Probes: probes,
		Score:  clampScore(sum / float64(len(probes)) * 100),
	}
}

func weightedScore(r *model.PageReport) float64 {
	total := weightStructure*r.Structure.Score +
		weightContent*r.Content.Score +
		weightEEAT*r.EEAT.Score +
		weightSchema*r.Schema.Score +
		weightTechnical*r.Technical.Score +
		weightCitation*r.Citation.Score
	return clampScore(total)
}

// Grade maps a GEO score onto the letter scale.
func Grade(score float64) string {
	switch {
	case score >= 95:
		return "A+"
	case score >= 90:
		return "A"
	case score >= 85:
		return "A-"
	case score >= 80:
		return "B+"
	case score >= 75:
		return "B"
	case score >= 70:
		return "B-"
	case score >= 60:
		return "C"
	case score >= 50:
		return "D"
	default:
		return "F"
	}
}

// StructuralCompleteness ranks pages when picking the audit target: the
// structure score dominates, the overall GEO score breaks ties.
func StructuralCompleteness(r *model.PageReport) float64 {
	return r.Structure.Score*1000 + r.GeoScore
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// normalizeSpace collapses runs of whitespace, which goquery's Text()
// output is full of.
func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
