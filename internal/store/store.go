// Package store persists audits and their results.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"geoaudit/internal/fault"
	"geoaudit/internal/model"
)

// Store is the persistence contract the rest of the service depends on.
type Store interface {
	// CreateAudit inserts a pending audit and assigns its ID.
	CreateAudit(ctx context.Context, audit *model.Audit) error
	GetAudit(ctx context.Context, id int64) (*model.Audit, error)
	ListAudits(ctx context.Context, ownerID string, limit int) ([]model.Audit, error)

	// UpdateProgress records in-flight state. It never moves a terminal
	// audit backwards.
	UpdateProgress(ctx context.Context, id int64, status model.Status, progress int, stage string) error

	// FinishAudit atomically writes the results together with the
	// terminal status.
	FinishAudit(ctx context.Context, id int64, status model.Status, results *model.AuditResults, errMsg string) error

	// SnapshotReport archives the current report markdown so a
	// regenerate never destroys the previous report.
	SnapshotReport(ctx context.Context, id int64) error

	// DeleteAuditsBefore removes terminal audits finished before cutoff.
	DeleteAuditsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	// DeleteSnapshotsBefore removes report snapshots taken before cutoff.
	DeleteSnapshotsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	Ping(ctx context.Context) error
}

// Postgres implements Store on a shared *sql.DB.
type Postgres struct {
	DB *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{DB: db}
}

func Open(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fault.New(fault.InvalidConfig, "store", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return NewPostgres(db), nil
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.DB.PingContext(ctx)
}

func (s *Postgres) CreateAudit(ctx context.Context, audit *model.Audit) error {
	cfg, err := json.Marshal(audit.Config)
	if err != nil {
		return fault.New(fault.Internal, "store", err)
	}
	if audit.Status == "" {
		audit.Status = model.StatusPending
	}
	audit.CreatedAt = time.Now().UTC()

	err = s.DB.QueryRowContext(ctx, `
		INSERT INTO audits (owner_id, owner_email, config, status, progress, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		audit.OwnerID, audit.OwnerEmail, cfg, audit.Status, audit.Progress, audit.CreatedAt,
	).Scan(&audit.ID)
	if err != nil {
		return fault.New(fault.Internal, "store", err)
	}
	return nil
}

func (s *Postgres) GetAudit(ctx context.Context, id int64) (*model.Audit, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, owner_id, owner_email, config, status, progress, stage, error,
		       warnings, results, created_at, started_at, finished_at
		FROM audits WHERE id = $1`, id)
	audit, err := scanAudit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.Errorf(fault.NotFound, "store", "audit %d not found", id)
	}
	if err != nil {
		return nil, fault.New(fault.Internal, "store", err)
	}
	return audit, nil
}

func (s *Postgres) ListAudits(ctx context.Context, ownerID string, limit int) ([]model.Audit, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, owner_id, owner_email, config, status, progress, stage, error,
		       warnings, results, created_at, started_at, finished_at
		FROM audits
		WHERE ($1 = '' OR owner_id = $1)
		ORDER BY created_at DESC
		LIMIT $2`, ownerID, limit)
	if err != nil {
		return nil, fault.New(fault.Internal, "store", err)
	}
	defer rows.Close()

	var out []model.Audit
	for rows.Next() {
		audit, err := scanAudit(rows)
		if err != nil {
			return nil, fault.New(fault.Internal, "store", err)
		}
		out = append(out, *audit)
	}
	return out, rows.Err()
}

func (s *Postgres) UpdateProgress(ctx context.Context, id int64, status model.Status, progress int, stage string) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE audits
		SET status = $2, progress = GREATEST(progress, $3), stage = $4,
		    started_at = COALESCE(started_at, CASE WHEN $2 = 'running' THEN now() END)
		WHERE id = $1 AND status NOT IN ('completed', 'failed')`,
		id, status, progress, stage)
	if err != nil {
		return fault.New(fault.Internal, "store", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.Errorf(fault.Conflict, "store", "audit %d is terminal or missing", id)
	}
	return nil
}

func (s *Postgres) FinishAudit(ctx context.Context, id int64, status model.Status, results *model.AuditResults, errMsg string) error {
	if !status.Terminal() {
		return fault.Errorf(fault.Internal, "store", "finish called with non-terminal status %s", status)
	}
	var blob []byte
	if results != nil {
		var err error
		blob, err = json.Marshal(results)
		if err != nil {
			return fault.New(fault.Internal, "store", err)
		}
	}
	warnings, _ := json.Marshal(warningsOf(results))

	_, err := s.DB.ExecContext(ctx, `
		UPDATE audits
		SET status = $2, progress = 100, results = COALESCE($3, results),
		    error = $4, warnings = $5, finished_at = now()
		WHERE id = $1`,
		id, status, nullableJSON(blob), errMsg, warnings)
	if err != nil {
		return fault.New(fault.Internal, "store", err)
	}
	return nil
}

func (s *Postgres) SnapshotReport(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO report_snapshots (audit_id, report_markdown, created_at)
		SELECT id, results->>'report_markdown', now()
		FROM audits
		WHERE id = $1 AND results->>'report_markdown' IS NOT NULL`, id)
	if err != nil {
		return fault.New(fault.Internal, "store", err)
	}
	return nil
}

func (s *Postgres) DeleteAuditsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
		DELETE FROM audits
		WHERE status IN ('completed', 'failed') AND finished_at < $1`, cutoff)
	if err != nil {
		return 0, fault.New(fault.Internal, "store", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Postgres) DeleteSnapshotsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
		DELETE FROM report_snapshots WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fault.New(fault.Internal, "store", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAudit(row rowScanner) (*model.Audit, error) {
	var (
		audit    model.Audit
		cfg      []byte
		warnings []byte
		results  []byte
		stage    sql.NullString
		errMsg   sql.NullString
		started  sql.NullTime
		finished sql.NullTime
	)
	err := row.Scan(&audit.ID, &audit.OwnerID, &audit.OwnerEmail, &cfg, &audit.Status,
		&audit.Progress, &stage, &errMsg, &warnings, &results,
		&audit.CreatedAt, &started, &finished)
	if err != nil {
		return nil, err
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &audit.Config); err != nil {
			return nil, err
		}
	}
	if len(warnings) > 0 {
		_ = json.Unmarshal(warnings, &audit.Warnings)
	}
	if len(results) > 0 {
		if err := json.Unmarshal(results, &audit.Results); err != nil {
			return nil, err
		}
	}
	audit.Stage = stage.String
	audit.Error = errMsg.String
	if started.Valid {
		audit.StartedAt = &started.Time
	}
	if finished.Valid {
		audit.FinishedAt = &finished.Time
	}
	return &audit, nil
}

func warningsOf(results *model.AuditResults) []string {
	if results == nil {
		return nil
	}
	var out []string
	for _, se := range results.StageErrors {
		out = append(out, se.Stage+": "+se.Message)
	}
	return out
}

func nullableJSON(blob []byte) any {
	if len(blob) == 0 {
		return nil
	}
	return blob
}
