package jobs

import (
	"context"
	"testing"
	"time"

	"geoaudit/internal/config"
	"geoaudit/internal/model"
)

type stubRetentionStore struct {
	auditCutoff    time.Time
	snapshotCutoff time.Time
	auditsDeleted  int64
	snapsDeleted   int64
}

func (s *stubRetentionStore) DeleteAuditsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.auditCutoff = cutoff
	return s.auditsDeleted, nil
}

func (s *stubRetentionStore) DeleteSnapshotsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.snapshotCutoff = cutoff
	return s.snapsDeleted, nil
}

func (s *stubRetentionStore) CreateAudit(context.Context, *model.Audit) error { return nil }
func (s *stubRetentionStore) GetAudit(context.Context, int64) (*model.Audit, error) {
	return nil, nil
}
func (s *stubRetentionStore) ListAudits(context.Context, string, int) ([]model.Audit, error) {
	return nil, nil
}
func (s *stubRetentionStore) UpdateProgress(context.Context, int64, model.Status, int, string) error {
	return nil
}
func (s *stubRetentionStore) FinishAudit(context.Context, int64, model.Status, *model.AuditResults, string) error {
	return nil
}
func (s *stubRetentionStore) SnapshotReport(context.Context, int64) error { return nil }
func (s *stubRetentionStore) Ping(context.Context) error                  { return nil }

func TestCleanupExpiredDataAppliesRetentionWindows(t *testing.T) {
	st := &stubRetentionStore{auditsDeleted: 3, snapsDeleted: 2}
	cfg := config.RetentionConfig{AuditDays: 90, SnapshotDays: 30}

	stats := CleanupExpiredData(context.Background(), cfg, st, testLogger())
	if stats.AuditsDeleted != 3 {
		t.Fatalf("expected 3 audits deleted, got %d", stats.AuditsDeleted)
	}
	if stats.SnapshotsDeleted != 2 {
		t.Fatalf("expected 2 snapshots deleted, got %d", stats.SnapshotsDeleted)
	}

	now := time.Now().UTC()
	if d := now.Sub(st.auditCutoff); d < 89*24*time.Hour || d > 91*24*time.Hour {
		t.Fatalf("audit cutoff not ~90 days back: %s", st.auditCutoff)
	}
	if d := now.Sub(st.snapshotCutoff); d < 29*24*time.Hour || d > 31*24*time.Hour {
		t.Fatalf("snapshot cutoff not ~30 days back: %s", st.snapshotCutoff)
	}
}

func TestCleanupExpiredDataZeroWindowDisables(t *testing.T) {
	st := &stubRetentionStore{auditsDeleted: 3, snapsDeleted: 2}

	stats := CleanupExpiredData(context.Background(), config.RetentionConfig{}, st, testLogger())
	if stats.AuditsDeleted != 0 || stats.SnapshotsDeleted != 0 {
		t.Fatalf("expected no deletions with zero retention, got %+v", stats)
	}
	if !st.auditCutoff.IsZero() || !st.snapshotCutoff.IsZero() {
		t.Fatalf("store must not be called with zero retention")
	}
}
