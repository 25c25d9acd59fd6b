package jobs

import (
	"context"
	"log/slog"
	"time"

	"geoaudit/internal/config"
	"geoaudit/internal/metrics"
	"geoaudit/internal/store"
)

// RetentionStats captures the number of records deleted by TTL cleanup.
type RetentionStats struct {
	AuditsDeleted    int64 `json:"auditsDeleted"`
	SnapshotsDeleted int64 `json:"snapshotsDeleted"`
}

// CleanupExpiredData deletes old terminal audits and report snapshots so
// the database does not grow without bound. A zero retention window
// disables that cleanup.
func CleanupExpiredData(ctx context.Context, cfg config.RetentionConfig, st store.Store, logger *slog.Logger) RetentionStats {
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now().UTC()
	var stats RetentionStats

	if cfg.AuditDays > 0 {
		cutoff := now.AddDate(0, 0, -cfg.AuditDays)
		n, err := st.DeleteAuditsBefore(ctx, cutoff)
		if err != nil {
			logger.Warn("audit retention cleanup failed", "err", err)
		} else if n > 0 {
			stats.AuditsDeleted = n
			metrics.RecordRetentionDeleted("audits", n)
		}
	}

	if cfg.SnapshotDays > 0 {
		cutoff := now.AddDate(0, 0, -cfg.SnapshotDays)
		n, err := st.DeleteSnapshotsBefore(ctx, cutoff)
		if err != nil {
			logger.Warn("snapshot retention cleanup failed", "err", err)
		} else if n > 0 {
			stats.SnapshotsDeleted = n
			metrics.RecordRetentionDeleted("report_snapshots", n)
		}
	}

	return stats
}

// StartRetentionLoop runs cleanup once a day until ctx is canceled.
func StartRetentionLoop(ctx context.Context, cfg config.RetentionConfig, st store.Store, logger *slog.Logger) {
	if cfg.AuditDays <= 0 && cfg.SnapshotDays <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := CleanupExpiredData(ctx, cfg, st, logger)
				if stats.AuditsDeleted > 0 || stats.SnapshotsDeleted > 0 {
					logger.Info("retention cleanup",
						"audits_deleted", stats.AuditsDeleted,
						"snapshots_deleted", stats.SnapshotsDeleted)
				}
			}
		}
	}()
}
