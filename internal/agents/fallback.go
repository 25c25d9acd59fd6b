package agents

import (
	"fmt"
	"sort"
	"strings"

	"geoaudit/internal/model"
)

// FallbackReport renders the deterministic report used whenever no LLM
// output is available. Same section skeleton, data-driven prose.
func FallbackReport(in Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# GEO Audit: %s\n\n", in.SeedURL)

	for _, section := range reportSections {
		fmt.Fprintf(&b, "## %s\n\n", section)
		switch section {
		case "Executive Summary":
			writeExecutiveSummary(&b, in)
		case "Methodology":
			writeMethodology(&b, in)
		case "Content Inventory":
			writeInventory(&b, in)
		case "Technical & Semantic Diagnostic":
			writeDiagnostic(&b, in)
		case "Competitive Gaps":
			writeCompetitiveGaps(&b, in)
		case "Action Plan":
			writeActionPlan(&b, in)
		case "RACI":
			writeRACI(&b)
		case "Roadmap":
			writeRoadmap(&b, in)
		case "Metrics & KPIs":
			writeKPIs(&b, in)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func writeExecutiveSummary(b *strings.Builder, in Input) {
	if in.Target == nil {
		b.WriteString("The audit could not score a target page; see the diagnostic section for what failed.\n")
		return
	}
	fmt.Fprintf(b, "The audited page %s scores **%.1f/100 (grade %s)** for generative engine visibility.\n\n",
		in.Target.URL, in.Target.GeoScore, in.Target.Grade)
	plan := buildFixPlan(in)
	critical := 0
	for _, item := range plan {
		if item.Priority == model.PriorityCritical {
			critical++
		}
	}
	fmt.Fprintf(b, "The audit surfaced %d prioritized fixes, %d of them critical.\n", len(plan), critical)
	for _, w := range in.Warnings {
		fmt.Fprintf(b, "\n> Note: %s\n", w)
	}
}

func writeMethodology(b *strings.Builder, in Input) {
	fmt.Fprintf(b, "Pages were crawled from %s, scored on six weighted dimensions "+
		"(structure 20%%, content 20%%, E-E-A-T 25%%, structured data 15%%, technical 10%%, citation signals 10%%), "+
		"and compared against discovered competitors.\n", in.SeedURL)
	if in.Pagespeed != nil {
		b.WriteString("Lab performance data comes from a Lighthouse run for mobile and desktop.\n")
	}
}

func writeInventory(b *strings.Builder, in Input) {
	if len(in.Pages) == 0 {
		b.WriteString("No pages beyond the seed were analyzed.\n")
		return
	}
	b.WriteString("| Page | GEO score | Grade | Status |\n|---|---|---|---|\n")
	pages := make([]model.PageReport, len(in.Pages))
	copy(pages, in.Pages)
	sort.Slice(pages, func(i, j int) bool { return pages[i].GeoScore > pages[j].GeoScore })
	for i, p := range pages {
		if i >= 25 {
			fmt.Fprintf(b, "\n...and %d more pages.\n", len(pages)-i)
			break
		}
		fmt.Fprintf(b, "| %s | %.1f | %s | %d |\n", p.URL, p.GeoScore, p.Grade, p.Status)
	}
}

func writeDiagnostic(b *strings.Builder, in Input) {
	t := in.Target
	if t == nil {
		b.WriteString("No target page available.\n")
		return
	}
	fmt.Fprintf(b, "- Structure %.1f: H1 %s, %d hierarchy issue(s), %d list(s), %.0f%% semantic elements.\n",
		t.Structure.Score, t.Structure.H1Check.Status, len(t.Structure.HierarchyIssues),
		t.Structure.ListCount, t.Structure.SemanticPercent)
	fmt.Fprintf(b, "- Content %.1f: %d words, clarity %d/10, tone %d/10, %d question(s), inverted pyramid %s.\n",
		t.Content.Score, t.Content.WordCount, t.Content.FragmentClarity,
		t.Content.ConversationalTone, t.Content.QuestionCount, t.Content.InvertedPyramid.Status)
	fmt.Fprintf(b, "- E-E-A-T %.1f: author %s, %d external link(s) (%d authoritative), stale=%v.\n",
		t.EEAT.Score, t.EEAT.AuthorPresence.Status, t.EEAT.ExternalLinks,
		t.EEAT.AuthoritativeLinks, t.EEAT.FreshnessStale)
	fmt.Fprintf(b, "- Structured data %.1f: present=%v, types: %s.\n",
		t.Schema.Score, t.Schema.Present, strings.Join(t.Schema.Types, ", "))
	fmt.Fprintf(b, "- Technical %.1f: robots=%q, viewport=%v, canonical=%v, HTTP %d.\n",
		t.Technical.Score, t.Technical.MetaRobots, t.Technical.HasViewport,
		t.Technical.HasCanonical, t.Status)
	if in.Pagespeed != nil && in.Pagespeed.Mobile != nil {
		fmt.Fprintf(b, "- Mobile performance %.0f/100.\n", in.Pagespeed.Mobile.Categories["performance"])
	}
}

func writeCompetitiveGaps(b *strings.Builder, in Input) {
	if len(in.Competitors) == 0 {
		b.WriteString("No competitor pages were audited; competitor discovery found nothing usable.\n")
		return
	}
	var targetScore float64
	if in.Target != nil {
		targetScore = in.Target.GeoScore
	}
	for _, c := range in.Competitors {
		verdict := "behind"
		if c.GeoScore <= targetScore {
			verdict = "ahead of"
		}
		fmt.Fprintf(b, "- %s scores %.1f (grade %s); the audited site is %s this competitor.\n",
			c.URL, c.GeoScore, c.Grade, verdict)
	}
}

func writeActionPlan(b *strings.Builder, in Input) {
	plan := buildFixPlan(in)
	if len(plan) == 0 {
		b.WriteString("No blocking issues found.\n")
		return
	}
	for _, item := range plan {
		fmt.Fprintf(b, "- **[%s]** %s (%s). Recommended: %s\n",
			item.Priority, item.Issue, item.Page, item.RecommendedValue)
	}
}

func writeRACI(b *strings.Builder) {
	b.WriteString("| Workstream | Responsible | Accountable | Consulted | Informed |\n|---|---|---|---|---|\n")
	b.WriteString("| Structured data | Web developer | Head of marketing | SEO lead | Content team |\n")
	b.WriteString("| Content rewrites | Content team | Head of marketing | SEO lead | Web developer |\n")
	b.WriteString("| Technical fixes | Web developer | Engineering lead | SEO lead | Marketing |\n")
}

func writeRoadmap(b *strings.Builder, in Input) {
	plan := buildFixPlan(in)
	buckets := map[model.Priority]string{
		model.PriorityCritical: "Weeks 1-2",
		model.PriorityHigh:     "Weeks 3-4",
		model.PriorityMedium:   "Month 2",
		model.PriorityLow:      "Month 3",
	}
	for _, prio := range []model.Priority{model.PriorityCritical, model.PriorityHigh, model.PriorityMedium, model.PriorityLow} {
		var items []string
		for _, item := range plan {
			if item.Priority == prio {
				items = append(items, item.Issue)
			}
		}
		if len(items) > 0 {
			fmt.Fprintf(b, "- **%s**: %s\n", buckets[prio], strings.Join(items, "; "))
		}
	}
	if len(plan) == 0 {
		b.WriteString("Maintain current practices and re-audit quarterly.\n")
	}
}

func writeKPIs(b *strings.Builder, in Input) {
	b.WriteString("- GEO score per audited page (re-audit monthly).\n")
	b.WriteString("- Share of pages with valid structured data.\n")
	b.WriteString("- Citation rate in generative answers once probes are configured.\n")
	if in.Pagespeed != nil {
		b.WriteString("- Core Web Vitals: LCP and CLS on mobile.\n")
	}
}

// buildFixPlan derives the prioritized fix plan from the audit findings.
// Deterministic: the same findings always yield the same plan.
func buildFixPlan(in Input) []model.FixItem {
	t := in.Target
	if t == nil {
		return nil
	}
	page := t.URL
	var plan []model.FixItem
	add := func(prio model.Priority, issue, current, recommended, category string) {
		plan = append(plan, model.FixItem{
			Issue:            issue,
			Priority:         prio,
			Page:             page,
			CurrentValue:     current,
			RecommendedValue: recommended,
			Category:         category,
		})
	}

	if strings.Contains(t.Technical.MetaRobots, "noindex") {
		add(model.PriorityCritical, "Page is excluded from indexing",
			t.Technical.MetaRobots, "remove noindex from the robots meta tag", "technical")
	}
	if !t.Schema.Present {
		add(model.PriorityCritical, "Missing structured data (JSON-LD)",
			"no schema markup", "add Organization plus page-type schema as JSON-LD", "schema")
	}
	if t.Structure.H1Check.Status == model.CheckFail {
		add(model.PriorityHigh, "Page has no H1 heading",
			"0 H1 elements", "add a single H1 stating the page's main answer", "structure")
	}
	if t.EEAT.AuthorPresence.Status == model.CheckFail {
		add(model.PriorityHigh, "No author attribution",
			"no visible author", "add a named author with a byline and author schema", "eeat")
	}
	if in.Pagespeed != nil && in.Pagespeed.Mobile != nil {
		if lcp, ok := in.Pagespeed.Mobile.Metrics["largest-contentful-paint"]; ok && lcp > 2500 {
			add(model.PriorityHigh, "Slow Largest Contentful Paint on mobile",
				fmt.Sprintf("%.0f ms", lcp), "bring LCP under 2500 ms", "performance")
		}
	}
	if t.Content.QuestionTargeting.Status == model.CheckFail {
		add(model.PriorityMedium, "Content does not target questions",
			"no question-styled headings or FAQ block", "address the top user questions directly", "content")
	}
	if t.EEAT.FreshnessStale {
		add(model.PriorityMedium, "Content appears stale",
			"newest visible date is over 18 months old", "refresh the content and update visible dates", "eeat")
	}
	if !t.Technical.HasViewport {
		add(model.PriorityMedium, "Missing viewport meta tag",
			"no viewport tag", "add a responsive viewport meta tag", "technical")
	}
	if !t.Technical.HasCanonical {
		add(model.PriorityLow, "Missing canonical link",
			"no canonical tag", "declare a canonical URL for the page", "technical")
	}
	for _, rec := range t.Schema.Recommendations {
		if t.Schema.Present {
			add(model.PriorityLow, "Structured data can be extended", "", rec, "schema")
		}
	}
	return plan
}
