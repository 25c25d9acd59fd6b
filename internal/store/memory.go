package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"geoaudit/internal/fault"
	"geoaudit/internal/model"
)

// Memory is an in-process Store used by tests and single-binary demos.
type Memory struct {
	mu        sync.RWMutex
	nextID    int64
	audits    map[int64]*model.Audit
	snapshots map[int64][]memorySnapshot
}

type memorySnapshot struct {
	markdown  string
	createdAt time.Time
}

func NewMemory() *Memory {
	return &Memory{
		nextID:    1,
		audits:    make(map[int64]*model.Audit),
		snapshots: make(map[int64][]memorySnapshot),
	}
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) CreateAudit(_ context.Context, audit *model.Audit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	audit.ID = m.nextID
	m.nextID++
	if audit.Status == "" {
		audit.Status = model.StatusPending
	}
	audit.CreatedAt = time.Now().UTC()
	clone := *audit
	m.audits[audit.ID] = &clone
	return nil
}

func (m *Memory) GetAudit(_ context.Context, id int64) (*model.Audit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	audit, ok := m.audits[id]
	if !ok {
		return nil, fault.Errorf(fault.NotFound, "store", "audit %d not found", id)
	}
	clone := *audit
	return &clone, nil
}

func (m *Memory) ListAudits(_ context.Context, ownerID string, limit int) ([]model.Audit, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Audit
	for _, audit := range m.audits {
		if ownerID != "" && audit.OwnerID != ownerID {
			continue
		}
		out = append(out, *audit)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) UpdateProgress(_ context.Context, id int64, status model.Status, progress int, stage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	audit, ok := m.audits[id]
	if !ok || audit.Status.Terminal() {
		return fault.Errorf(fault.Conflict, "store", "audit %d is terminal or missing", id)
	}
	audit.Status = status
	if progress > audit.Progress {
		audit.Progress = progress
	}
	audit.Stage = stage
	if status == model.StatusRunning && audit.StartedAt == nil {
		now := time.Now().UTC()
		audit.StartedAt = &now
	}
	return nil
}

func (m *Memory) FinishAudit(_ context.Context, id int64, status model.Status, results *model.AuditResults, errMsg string) error {
	if !status.Terminal() {
		return fault.Errorf(fault.Internal, "store", "finish called with non-terminal status %s", status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	audit, ok := m.audits[id]
	if !ok {
		return fault.Errorf(fault.NotFound, "store", "audit %d not found", id)
	}
	audit.Status = status
	audit.Progress = 100
	audit.Error = errMsg
	if results != nil {
		audit.Results = *results
		audit.Warnings = warningsOf(results)
	}
	now := time.Now().UTC()
	audit.FinishedAt = &now
	return nil
}

func (m *Memory) SnapshotReport(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	audit, ok := m.audits[id]
	if !ok {
		return fault.Errorf(fault.NotFound, "store", "audit %d not found", id)
	}
	if audit.Results.ReportMarkdown != "" {
		m.snapshots[id] = append(m.snapshots[id], memorySnapshot{
			markdown:  audit.Results.ReportMarkdown,
			createdAt: time.Now().UTC(),
		})
	}
	return nil
}

func (m *Memory) DeleteAuditsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, audit := range m.audits {
		if audit.Status.Terminal() && audit.FinishedAt != nil && audit.FinishedAt.Before(cutoff) {
			delete(m.audits, id)
			delete(m.snapshots, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) DeleteSnapshotsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, snaps := range m.snapshots {
		kept := snaps[:0]
		for _, s := range snaps {
			if s.createdAt.Before(cutoff) {
				n++
				continue
			}
			kept = append(kept, s)
		}
		if len(kept) == 0 {
			delete(m.snapshots, id)
			continue
		}
		m.snapshots[id] = kept
	}
	return n, nil
}

// Snapshots exposes archived reports for assertions.
func (m *Memory) Snapshots(id int64) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.snapshots[id]))
	for _, s := range m.snapshots[id] {
		out = append(out, s.markdown)
	}
	return out
}
