package pipeline

import (
	"context"
	"time"

	"geoaudit/internal/agents"
	"geoaudit/internal/fault"
	"geoaudit/internal/model"
)

// Regenerate re-runs report synthesis on the stored audit data, without a
// re-crawl. Performance data is refreshed only when stale or forced. The
// previous report is snapshotted before it is overwritten.
func (o *Orchestrator) Regenerate(ctx context.Context, auditID int64, forcePerf bool) error {
	if err := o.acquire(auditID); err != nil {
		return err
	}
	defer o.release(auditID)

	audit, err := o.deps.Store.GetAudit(ctx, auditID)
	if err != nil {
		return err
	}
	if audit.Status != model.StatusCompleted {
		return fault.Errorf(fault.Conflict, "pipeline",
			"audit %d is %s; only completed audits can be regenerated", auditID, audit.Status)
	}
	if audit.Results.TargetAudit == nil {
		return fault.Errorf(fault.Conflict, "pipeline", "audit %d has no stored page data", auditID)
	}

	if err := o.deps.Store.SnapshotReport(ctx, auditID); err != nil {
		return err
	}

	results := audit.Results
	target := results.TargetAudit

	if o.deps.Perf != nil {
		needsRun := forcePerf || results.PagespeedData.Stale(time.Now(), o.deps.Perf.Staleness())
		if needsRun {
			perfTarget := target.FinalURL
			if perfTarget == "" {
				perfTarget = target.URL
			}
			perf, perr := o.deps.Perf.FetchPerformance(ctx, perfTarget)
			if perr != nil {
				o.logger.Warn("regenerate kept stale performance data", "audit_id", auditID, "err", perr)
			} else {
				results.PagespeedData = perf
			}
		}
	}

	out, serr := o.deps.Synthesizer.Synthesize(ctx, agents.Input{
		SeedURL:     audit.Config.SeedURL,
		Language:    audit.Config.Language,
		Target:      target,
		Competitors: results.CompetitorAudits,
		Intel:       results.ExternalIntelligence,
		Pagespeed:   results.PagespeedData,
		Search:      results.SearchResults,
		Warnings:    audit.Warnings,
	})
	if serr != nil {
		o.logger.Warn("regenerate used the deterministic report", "audit_id", auditID, "err", serr)
	}
	results.ReportMarkdown = out.ReportMarkdown
	results.FixPlan = out.FixPlan

	return o.deps.Store.FinishAudit(ctx, auditID, model.StatusCompleted, &results, "")
}
