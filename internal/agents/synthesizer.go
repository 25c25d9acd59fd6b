package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"geoaudit/internal/llm"
	"geoaudit/internal/model"
)

// reportSections is the canonical section order every report follows,
// whether the synthesizer model or the fallback wrote it.
var reportSections = []string{
	"Executive Summary",
	"Methodology",
	"Content Inventory",
	"Technical & Semantic Diagnostic",
	"Competitive Gaps",
	"Action Plan",
	"RACI",
	"Roadmap",
	"Metrics & KPIs",
}

const synthesizerSystem = `You write GEO (generative engine optimization) audit reports.
Respond with a single JSON object and no extra text:
{"report_markdown": string, "fix_plan": [{"issue": string, "priority": "critical"|"high"|"medium"|"low", "page": string, "current_value": string, "recommended_value": string, "category": string}]}
report_markdown must contain exactly these level-2 sections in order:
%s
Ground every claim in the audit data you were given. Never invent scores or pages.`

// Input is everything the synthesizer can draw on for one audit.
type Input struct {
	SeedURL     string
	Language    string
	Target      *model.PageReport
	Pages       []model.PageReport
	Competitors []model.PageReport
	Intel       *model.ExternalIntelligence
	Pagespeed   *model.PagespeedData
	Search      []model.SearchResult
	Aux         *model.AuxiliaryContext
	Warnings    []string
}

// Output is the synthesized report plus its prioritized fix plan.
type Output struct {
	ReportMarkdown string
	FixPlan        []model.FixItem
	Degraded       bool
}

type Synthesizer struct {
	llm    llm.ChatCompleter
	logger *slog.Logger
}

func NewSynthesizer(c llm.ChatCompleter, logger *slog.Logger) *Synthesizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synthesizer{llm: c, logger: logger}
}

// Synthesize produces the report. The model path and the fallback path
// emit the same section skeleton, so downstream consumers never care
// which one ran. A failed completion call still yields the fallback
// report, alongside the error for the caller to record.
func (s *Synthesizer) Synthesize(ctx context.Context, in Input) (Output, error) {
	if s.llm == nil {
		return s.fallback(in), nil
	}

	out, err := s.llm.Complete(ctx, llm.Request{
		System:      fmt.Sprintf(synthesizerSystem, "## "+strings.Join(reportSections, "\n## ")),
		User:        buildSynthesisPrompt(in),
		MaxTokens:   4096,
		Temperature: 0.2,
	})
	if err != nil {
		s.logger.Warn("synthesizer degraded to deterministic report", "err", err)
		return s.fallback(in), err
	}

	parsed := llm.ParseJSONFields(out)
	if parsed.Structured == nil {
		s.logger.Warn("synthesizer output was not JSON, using deterministic report")
		return s.fallback(in), nil
	}

	markdown, _ := parsed.Structured["report_markdown"].(string)
	if strings.TrimSpace(markdown) == "" {
		return s.fallback(in), nil
	}

	result := Output{ReportMarkdown: markdown, FixPlan: parseFixPlan(parsed.Structured["fix_plan"])}
	if len(result.FixPlan) == 0 {
		result.FixPlan = buildFixPlan(in)
	}
	return result, nil
}

func (s *Synthesizer) fallback(in Input) Output {
	return Output{
		ReportMarkdown: FallbackReport(in),
		FixPlan:        buildFixPlan(in),
		Degraded:       true,
	}
}

// buildSynthesisPrompt serializes the audit evidence for the model.
func buildSynthesisPrompt(in Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Audited site: %s (language: %s)\n\n", in.SeedURL, in.Language)

	if in.Intel != nil {
		fmt.Fprintf(&b, "Classification: category=%s ymyl=%v\n\n", in.Intel.Category, in.Intel.IsYMYL)
	}

	if in.Target != nil {
		b.WriteString("Target page scores:\n")
		writeScores(&b, in.Target)
	}

	if len(in.Pages) > 0 {
		fmt.Fprintf(&b, "\nCrawled pages (%d):\n", len(in.Pages))
		for i, p := range in.Pages {
			if i >= 25 {
				fmt.Fprintf(&b, "... and %d more\n", len(in.Pages)-i)
				break
			}
			fmt.Fprintf(&b, "- %s geo=%.1f grade=%s status=%d\n", p.URL, p.GeoScore, p.Grade, p.Status)
		}
	}

	if len(in.Competitors) > 0 {
		b.WriteString("\nCompetitor pages:\n")
		for _, p := range in.Competitors {
			fmt.Fprintf(&b, "- %s geo=%.1f grade=%s\n", p.URL, p.GeoScore, p.Grade)
		}
	}

	if in.Pagespeed != nil {
		b.WriteString("\nPerformance:\n")
		for _, r := range []*model.PerfReport{in.Pagespeed.Mobile, in.Pagespeed.Desktop} {
			if r == nil {
				continue
			}
			fmt.Fprintf(&b, "- %s performance=%.0f", r.Strategy, r.Categories["performance"])
			for _, metric := range []string{"largest-contentful-paint", "cumulative-layout-shift"} {
				if v, ok := r.Metrics[metric]; ok {
					fmt.Fprintf(&b, " %s=%.0f", metric, v)
				}
			}
			b.WriteString("\n")
		}
	}

	if aux := buildAuxSection(in.Aux); aux != "" {
		b.WriteString("\nAuxiliary data:\n")
		b.WriteString(aux)
	}

	if len(in.Warnings) > 0 {
		b.WriteString("\nWarnings raised during the audit:\n")
		for _, w := range in.Warnings {
			fmt.Fprintf(&b, "- %s\n", w)
		}
	}

	return b.String()
}

// buildAuxSection renders only the auxiliary fields that are present.
func buildAuxSection(aux *model.AuxiliaryContext) string {
	if aux == nil {
		return ""
	}
	var b strings.Builder
	if len(aux.Keywords) > 0 {
		fmt.Fprintf(&b, "- tracked keywords: %s\n", strings.Join(aux.Keywords, ", "))
	}
	if aux.Backlinks != nil {
		fmt.Fprintf(&b, "- backlinks: %d referring domains, %d total\n",
			aux.Backlinks.ReferringDomains, aux.Backlinks.TotalBacklinks)
	}
	if aux.RankTracking != nil {
		fmt.Fprintf(&b, "- rank tracking: %d keywords, average position %.1f\n",
			aux.RankTracking.TrackedKeywords, aux.RankTracking.AveragePosition)
	}
	if aux.LLMVisibility != nil && len(aux.LLMVisibility.Engines) > 0 {
		b.WriteString("- llm visibility:")
		for engine, frac := range aux.LLMVisibility.Engines {
			fmt.Fprintf(&b, " %s=%.0f%%", engine, frac*100)
		}
		b.WriteString("\n")
	}
	if len(aux.ContentSuggestions) > 0 {
		fmt.Fprintf(&b, "- content suggestions: %s\n", strings.Join(aux.ContentSuggestions, "; "))
	}
	return b.String()
}

func writeScores(b *strings.Builder, p *model.PageReport) {
	fmt.Fprintf(b, "- url: %s (grade %s, geo score %.1f)\n", p.URL, p.Grade, p.GeoScore)
	fmt.Fprintf(b, "- structure: %.1f (h1 %s, %d hierarchy issues)\n",
		p.Structure.Score, p.Structure.H1Check.Status, len(p.Structure.HierarchyIssues))
	fmt.Fprintf(b, "- content: %.1f (%d words, %d questions, pyramid %s)\n",
		p.Content.Score, p.Content.WordCount, p.Content.QuestionCount, p.Content.InvertedPyramid.Status)
	fmt.Fprintf(b, "- eeat: %.1f (author %s, %d authoritative links, stale=%v)\n",
		p.EEAT.Score, p.EEAT.AuthorPresence.Status, p.EEAT.AuthoritativeLinks, p.EEAT.FreshnessStale)
	fmt.Fprintf(b, "- schema: %.1f (present=%v types=%s)\n",
		p.Schema.Score, p.Schema.Present, strings.Join(p.Schema.Types, ","))
	fmt.Fprintf(b, "- technical: %.1f (robots=%q status=%d)\n",
		p.Technical.Score, p.Technical.MetaRobots, p.Status)
}

// parseFixPlan decodes the model's fix_plan array, dropping entries that
// do not fit the shape.
func parseFixPlan(raw any) []model.FixItem {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	var plan []model.FixItem
	for _, entry := range items {
		obj, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		blob, err := json.Marshal(obj)
		if err != nil {
			continue
		}
		var item model.FixItem
		if err := json.Unmarshal(blob, &item); err != nil {
			continue
		}
		if item.Issue == "" {
			continue
		}
		switch item.Priority {
		case model.PriorityCritical, model.PriorityHigh, model.PriorityMedium, model.PriorityLow:
		default:
			item.Priority = model.PriorityMedium
		}
		plan = append(plan, item)
	}
	return plan
}
