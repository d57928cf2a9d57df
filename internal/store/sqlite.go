package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/traceline/bomflow/internal/model"
	"github.com/traceline/bomflow/pkg/catalog"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS bom_jobs (
	id                TEXT PRIMARY KEY,
	tenant_id         TEXT NOT NULL,
	project_id        TEXT NOT NULL,
	name              TEXT NOT NULL,
	status            TEXT NOT NULL DEFAULT 'pending',
	stage             TEXT NOT NULL DEFAULT 'raw_upload',
	stage_progress    REAL NOT NULL DEFAULT 0,
	overall_progress  REAL NOT NULL DEFAULT 0,
	total_items       INTEGER NOT NULL DEFAULT 0,
	enriched_items    INTEGER NOT NULL DEFAULT 0,
	failed_items      INTEGER NOT NULL DEFAULT 0,
	risk_scored_items INTEGER NOT NULL DEFAULT 0,
	archived          INTEGER NOT NULL DEFAULT 0,
	started_at        DATETIME,
	completed_at      DATETIME,
	created_at        DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at        DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS job_events (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id     TEXT NOT NULL REFERENCES bom_jobs(id),
	type       TEXT NOT NULL,
	signal     TEXT,
	old_status TEXT,
	new_status TEXT,
	old_stage  TEXT,
	new_stage  TEXT,
	actor      TEXT,
	detail     TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS line_items (
	id              TEXT PRIMARY KEY,
	job_id          TEXT NOT NULL REFERENCES bom_jobs(id),
	mpn             TEXT NOT NULL,
	manufacturer    TEXT NOT NULL,
	quantity        INTEGER NOT NULL DEFAULT 1,
	ref_designators TEXT,
	criticality     TEXT NOT NULL DEFAULT 'standard',
	status          TEXT NOT NULL DEFAULT 'pending',
	attributes      TEXT,
	attempts        INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT,
	error_class     TEXT,
	claimed_at      DATETIME,
	next_attempt_at DATETIME,
	created_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS risk_profiles (
	tenant_id  TEXT PRIMARY KEY,
	weights    TEXT NOT NULL,
	thresholds TEXT NOT NULL,
	modifiers  TEXT NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS base_risk_scores (
	part_key     TEXT PRIMARY KEY,
	mpn          TEXT NOT NULL,
	manufacturer TEXT NOT NULL,
	factors      TEXT NOT NULL,
	total_score  REAL NOT NULL,
	risk_level   TEXT NOT NULL,
	computed_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS contextual_risk_scores (
	job_id              TEXT NOT NULL REFERENCES bom_jobs(id),
	line_item_id        TEXT NOT NULL REFERENCES line_items(id),
	tenant_id           TEXT NOT NULL,
	base_score          REAL NOT NULL,
	quantity_mod        REAL NOT NULL,
	lead_time_mod       REAL NOT NULL,
	criticality_mod     REAL NOT NULL,
	alternate_reduction REAL NOT NULL,
	score               REAL NOT NULL,
	risk_level          TEXT NOT NULL,
	computed_at         DATETIME NOT NULL,
	PRIMARY KEY (job_id, line_item_id)
);

CREATE TABLE IF NOT EXISTS bom_risk_summaries (
	job_id         TEXT PRIMARY KEY REFERENCES bom_jobs(id),
	tenant_id      TEXT NOT NULL,
	project_id     TEXT NOT NULL,
	level_counts   TEXT NOT NULL,
	average_score  REAL NOT NULL,
	weighted_score REAL NOT NULL,
	max_score      REAL NOT NULL,
	min_score      REAL NOT NULL,
	item_count     INTEGER NOT NULL,
	health_grade   TEXT NOT NULL,
	trend          TEXT NOT NULL,
	computed_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS project_risk_summaries (
	project_id     TEXT PRIMARY KEY,
	tenant_id      TEXT NOT NULL,
	level_counts   TEXT NOT NULL,
	average_score  REAL NOT NULL,
	weighted_score REAL NOT NULL,
	max_score      REAL NOT NULL,
	min_score      REAL NOT NULL,
	job_count      INTEGER NOT NULL,
	item_count     INTEGER NOT NULL,
	health_grade   TEXT NOT NULL,
	trend          TEXT NOT NULL,
	computed_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS risk_history (
	entity_type    TEXT NOT NULL,
	entity_id      TEXT NOT NULL,
	day            TEXT NOT NULL,
	weighted_score REAL NOT NULL,
	health_grade   TEXT NOT NULL,
	created_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (entity_type, entity_id, day)
);

CREATE INDEX IF NOT EXISTS idx_bom_jobs_status ON bom_jobs(status);
CREATE INDEX IF NOT EXISTS idx_bom_jobs_tenant_id ON bom_jobs(tenant_id);
CREATE INDEX IF NOT EXISTS idx_bom_jobs_project_id ON bom_jobs(project_id);
CREATE INDEX IF NOT EXISTS idx_job_events_job_id ON job_events(job_id);
CREATE INDEX IF NOT EXISTS idx_line_items_job_status ON line_items(job_id, status);
CREATE INDEX IF NOT EXISTS idx_contextual_scores_job_id ON contextual_risk_scores(job_id);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const jobColumns = `id, tenant_id, project_id, name, status, stage, stage_progress, overall_progress,
	total_items, enriched_items, failed_items, risk_scored_items, archived,
	started_at, completed_at, created_at, updated_at`

func (s *SQLiteStore) CreateJob(ctx context.Context, tenantID, projectID, name string) (*model.BomJob, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bom_jobs (id, tenant_id, project_id, name, status, stage, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, tenantID, projectID, name, string(model.JobStatusPending), string(model.StageRawUpload), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert job")
	}

	return &model.BomJob{
		ID:        id,
		TenantID:  tenantID,
		ProjectID: projectID,
		Name:      name,
		Status:    model.JobStatusPending,
		Stage:     model.StageRawUpload,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*model.BomJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM bom_jobs WHERE id = ?`, jobID,
	)
	return scanJob(row)
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.BomJob, error) {
	query := `SELECT ` + jobColumns + ` FROM bom_jobs WHERE archived = 0`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.TenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, filter.TenantID)
	}
	if filter.ProjectID != "" {
		query += ` AND project_id = ?`
		args = append(args, filter.ProjectID)
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()
	return collectJobs(rows, "sqlite: list jobs iterate")
}

func (s *SQLiteStore) ListActiveJobs(ctx context.Context) ([]model.BomJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM bom_jobs
		 WHERE status IN (?, ?) AND archived = 0
		 ORDER BY created_at`,
		string(model.JobStatusRunning), string(model.JobStatusPaused),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list active jobs")
	}
	defer rows.Close()
	return collectJobs(rows, "sqlite: list active jobs iterate")
}

func (s *SQLiteStore) UpdateJobTransition(ctx context.Context, job *model.BomJob, event *model.JobEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin transition")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE bom_jobs SET status = ?, stage = ?, stage_progress = ?, overall_progress = ?,
		 started_at = ?, completed_at = ?, updated_at = ? WHERE id = ?`,
		string(job.Status), string(job.Stage), job.StageProgress, job.OverallProgress,
		job.StartedAt, job.CompletedAt, now, job.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update job %s", job.ID)
	}
	if err := checkRowsAffected(res, "job", job.ID); err != nil {
		return err
	}
	if event != nil {
		if err := insertJobEventTx(ctx, tx, event); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return eris.Wrap(err, "sqlite: commit transition")
	}
	job.UpdatedAt = now
	return nil
}

func (s *SQLiteStore) UpdateJobProgress(ctx context.Context, jobID string, stage model.Stage, stageProgress, overallProgress float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE bom_jobs SET stage = ?, stage_progress = ?, overall_progress = ?, updated_at = ? WHERE id = ?`,
		string(stage), stageProgress, overallProgress, time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update job progress %s", jobID)
	}
	return checkRowsAffected(res, "job", jobID)
}

func (s *SQLiteStore) BumpJobCounters(ctx context.Context, jobID string, enrichedDelta, failedDelta, riskScoredDelta int) (*model.BomJob, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE bom_jobs SET enriched_items = enriched_items + ?, failed_items = failed_items + ?,
		 risk_scored_items = risk_scored_items + ?, updated_at = ?
		 WHERE id = ? RETURNING `+jobColumns,
		enrichedDelta, failedDelta, riskScoredDelta, time.Now().UTC(), jobID,
	)
	job, err := scanJob(row)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, eris.Errorf("job not found: %s", jobID)
	}
	return job, nil
}

func (s *SQLiteStore) ResetJob(ctx context.Context, jobID string, event *model.JobEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin reset")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE bom_jobs SET status = ?, stage = ?, stage_progress = 0, overall_progress = 0,
		 enriched_items = 0, failed_items = 0, risk_scored_items = 0,
		 started_at = NULL, completed_at = NULL, updated_at = ? WHERE id = ?`,
		string(model.JobStatusPending), string(model.StageRawUpload), now, jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: reset job %s", jobID)
	}
	if err := checkRowsAffected(res, "job", jobID); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE line_items SET status = ?, attributes = NULL, attempts = 0, last_error = NULL,
		 error_class = NULL, claimed_at = NULL, next_attempt_at = NULL, updated_at = ? WHERE job_id = ?`,
		string(model.ItemStatusPending), now, jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: reset items for job %s", jobID)
	}

	if event != nil {
		if err := insertJobEventTx(ctx, tx, event); err != nil {
			return err
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit reset")
}

func (s *SQLiteStore) ListJobEvents(ctx context.Context, jobID string, afterSeq int64, limit int) ([]model.JobEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, job_id, type, signal, old_status, new_status, old_stage, new_stage, actor, detail, created_at
		 FROM job_events WHERE job_id = ? AND seq > ? ORDER BY seq LIMIT ?`,
		jobID, afterSeq, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list job events")
	}
	defer rows.Close()

	var events []model.JobEvent
	for rows.Next() {
		ev, err := scanJobEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *ev)
	}
	return events, eris.Wrap(rows.Err(), "sqlite: list job events iterate")
}

func (s *SQLiteStore) ArchiveTerminalJobs(ctx context.Context, olderThan time.Duration) (int, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE bom_jobs SET archived = 1, updated_at = ?
		 WHERE archived = 0 AND status IN (?, ?, ?) AND updated_at < ?`,
		now,
		string(model.JobStatusCompleted), string(model.JobStatusFailed), string(model.JobStatusCancelled),
		now.Add(-olderThan),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: archive jobs")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

const itemColumns = `id, job_id, mpn, manufacturer, quantity, ref_designators, criticality, status,
	attributes, attempts, last_error, error_class, claimed_at, next_attempt_at, created_at, updated_at`

func (s *SQLiteStore) CreateLineItems(ctx context.Context, jobID string, items []model.LineItem) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin insert items")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for i := range items {
		it := &items[i]
		if it.ID == "" {
			it.ID = uuid.New().String()
		}
		it.JobID = jobID
		if it.Quantity < 1 {
			it.Quantity = 1
		}
		if it.Criticality == "" {
			it.Criticality = model.CriticalityStandard
		}
		it.Status = model.ItemStatusPending
		it.CreatedAt = now
		it.UpdatedAt = now

		var refs any
		if len(it.RefDesignators) > 0 {
			b, err := json.Marshal(it.RefDesignators)
			if err != nil {
				return 0, eris.Wrap(err, "sqlite: marshal ref designators")
			}
			refs = string(b)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO line_items (id, job_id, mpn, manufacturer, quantity, ref_designators, criticality, status, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			it.ID, jobID, it.MPN, it.Manufacturer, it.Quantity, refs, string(it.Criticality), string(it.Status), now, now,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert item %s", it.MPN)
		}
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE bom_jobs SET total_items = total_items + ?, updated_at = ? WHERE id = ?`,
		len(items), now, jobID,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: bump total items %s", jobID)
	}
	if err := checkRowsAffected(res, "job", jobID); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit insert items")
	}
	return len(items), nil
}

func (s *SQLiteStore) ClaimNextItem(ctx context.Context, jobID string, leaseTTL time.Duration) (*model.LineItem, error) {
	now := time.Now().UTC()
	row := s.db.QueryRowContext(ctx,
		`UPDATE line_items SET claimed_at = ?, updated_at = ?
		 WHERE id = (
			SELECT id FROM line_items
			WHERE job_id = ? AND status = ?
			  AND (claimed_at IS NULL OR claimed_at < ?)
			  AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
			ORDER BY created_at, id LIMIT 1
		 ) RETURNING `+itemColumns,
		now, now, jobID, string(model.ItemStatusPending), now.Add(-leaseTTL), now,
	)
	return scanLineItem(row)
}

func (s *SQLiteStore) CompleteItem(ctx context.Context, itemID string, attrs *catalog.PartData) error {
	attrsJSON, err := json.Marshal(attrs)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal attributes")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE line_items SET status = ?, attributes = ?, last_error = NULL, error_class = NULL,
		 claimed_at = NULL, next_attempt_at = NULL, updated_at = ? WHERE id = ?`,
		string(model.ItemStatusEnriched), string(attrsJSON), time.Now().UTC(), itemID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete item %s", itemID)
	}
	return checkRowsAffected(res, "item", itemID)
}

func (s *SQLiteStore) FailItem(ctx context.Context, itemID, lastError, errorClass string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE line_items SET status = ?, last_error = ?, error_class = ?, claimed_at = NULL, updated_at = ?
		 WHERE id = ?`,
		string(model.ItemStatusFailed), lastError, errorClass, time.Now().UTC(), itemID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail item %s", itemID)
	}
	return checkRowsAffected(res, "item", itemID)
}

func (s *SQLiteStore) RequeueItem(ctx context.Context, itemID string, nextAttemptAt time.Time, lastError string, consumeAttempt bool) error {
	bump := 0
	if consumeAttempt {
		bump = 1
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE line_items SET claimed_at = NULL, next_attempt_at = ?, last_error = ?,
		 attempts = attempts + ?, updated_at = ? WHERE id = ?`,
		nextAttemptAt.UTC(), lastError, bump, time.Now().UTC(), itemID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: requeue item %s", itemID)
	}
	return checkRowsAffected(res, "item", itemID)
}

func (s *SQLiteStore) CountItems(ctx context.Context, jobID string) (pending, enriched, failed int, err error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'enriched' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)
		 FROM line_items WHERE job_id = ?`,
		jobID,
	)
	if err := row.Scan(&pending, &enriched, &failed); err != nil {
		return 0, 0, 0, eris.Wrapf(err, "sqlite: count items %s", jobID)
	}
	return pending, enriched, failed, nil
}

func (s *SQLiteStore) ListItems(ctx context.Context, jobID string) ([]model.LineItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM line_items WHERE job_id = ? ORDER BY created_at, id`,
		jobID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list items")
	}
	defer rows.Close()

	var items []model.LineItem
	for rows.Next() {
		it, err := scanLineItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *it)
	}
	return items, eris.Wrap(rows.Err(), "sqlite: list items iterate")
}

func (s *SQLiteStore) ListQueue(ctx context.Context) ([]model.BomJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM bom_jobs
		 WHERE status IN (?, ?) AND archived = 0
		 ORDER BY CASE status WHEN 'running' THEN 0 ELSE 1 END, created_at`,
		string(model.JobStatusRunning), string(model.JobStatusPending),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list queue")
	}
	defer rows.Close()
	return collectJobs(rows, "sqlite: list queue iterate")
}

func (s *SQLiteStore) GetQueueStats(ctx context.Context) (*QueueStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT started_at, completed_at FROM bom_jobs
		 WHERE status = ? AND started_at IS NOT NULL AND completed_at IS NOT NULL
		 ORDER BY completed_at DESC LIMIT 50`,
		string(model.JobStatusCompleted),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: queue stats")
	}
	defer rows.Close()

	stats := &QueueStats{}
	var totalSecs float64
	for rows.Next() {
		var started, completed time.Time
		if err := rows.Scan(&started, &completed); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan queue stats")
		}
		totalSecs += completed.Sub(started).Seconds()
		stats.CompletedJobs++
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: queue stats iterate")
	}
	if stats.CompletedJobs > 0 {
		avg := totalSecs / float64(stats.CompletedJobs)
		stats.AvgSeconds = &avg
	}

	var oldest sql.NullTime
	err = s.db.QueryRowContext(ctx,
		`SELECT MIN(started_at) FROM bom_jobs WHERE status = ?`,
		string(model.JobStatusRunning),
	).Scan(&oldest)
	if err != nil && err != sql.ErrNoRows {
		return nil, eris.Wrap(err, "sqlite: oldest running")
	}
	if oldest.Valid {
		age := time.Since(oldest.Time).Seconds()
		stats.OldestStartAge = &age
	}
	return stats, nil
}

func (s *SQLiteStore) GetRiskProfile(ctx context.Context, tenantID string) (*model.RiskProfile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, weights, thresholds, modifiers, updated_at FROM risk_profiles WHERE tenant_id = ?`,
		tenantID,
	)

	var p model.RiskProfile
	var weightsJSON, thresholdsJSON, modifiersJSON string
	err := row.Scan(&p.TenantID, &weightsJSON, &thresholdsJSON, &modifiersJSON, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get risk profile")
	}
	if err := json.Unmarshal([]byte(weightsJSON), &p.Weights); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal weights")
	}
	if err := json.Unmarshal([]byte(thresholdsJSON), &p.Thresholds); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal thresholds")
	}
	if err := json.Unmarshal([]byte(modifiersJSON), &p.Modifiers); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal modifiers")
	}
	return &p, nil
}

func (s *SQLiteStore) PutRiskProfile(ctx context.Context, profile *model.RiskProfile) error {
	weightsJSON, err := json.Marshal(profile.Weights)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal weights")
	}
	thresholdsJSON, err := json.Marshal(profile.Thresholds)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal thresholds")
	}
	modifiersJSON, err := json.Marshal(profile.Modifiers)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal modifiers")
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO risk_profiles (tenant_id, weights, thresholds, modifiers, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(tenant_id) DO UPDATE SET
			weights = excluded.weights, thresholds = excluded.thresholds,
			modifiers = excluded.modifiers, updated_at = excluded.updated_at`,
		profile.TenantID, string(weightsJSON), string(thresholdsJSON), string(modifiersJSON), now,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: put risk profile %s", profile.TenantID)
	}
	profile.UpdatedAt = now
	return nil
}

func (s *SQLiteStore) GetBaseScore(ctx context.Context, partKey string) (*model.BaseRiskScore, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT part_key, mpn, manufacturer, factors, total_score, risk_level, computed_at
		 FROM base_risk_scores WHERE part_key = ?`,
		partKey,
	)

	var sc model.BaseRiskScore
	var factorsJSON string
	err := row.Scan(&sc.PartKey, &sc.MPN, &sc.Manufacturer, &factorsJSON, &sc.TotalScore, &sc.RiskLevel, &sc.ComputedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get base score")
	}
	if err := json.Unmarshal([]byte(factorsJSON), &sc.Factors); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal factors")
	}
	return &sc, nil
}

func (s *SQLiteStore) UpsertBaseScores(ctx context.Context, scores []model.BaseRiskScore) error {
	if len(scores) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin upsert base scores")
	}
	defer tx.Rollback()

	for _, sc := range scores {
		factorsJSON, err := json.Marshal(sc.Factors)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal factors")
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO base_risk_scores (part_key, mpn, manufacturer, factors, total_score, risk_level, computed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(part_key) DO UPDATE SET
				mpn = excluded.mpn, manufacturer = excluded.manufacturer, factors = excluded.factors,
				total_score = excluded.total_score, risk_level = excluded.risk_level, computed_at = excluded.computed_at`,
			sc.PartKey, sc.MPN, sc.Manufacturer, string(factorsJSON), sc.TotalScore, string(sc.RiskLevel), sc.ComputedAt.UTC(),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: upsert base score %s", sc.PartKey)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit upsert base scores")
}

func (s *SQLiteStore) UpsertContextualScores(ctx context.Context, scores []model.ContextualRiskScore) error {
	if len(scores) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin upsert contextual scores")
	}
	defer tx.Rollback()

	for _, sc := range scores {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO contextual_risk_scores
				(job_id, line_item_id, tenant_id, base_score, quantity_mod, lead_time_mod,
				 criticality_mod, alternate_reduction, score, risk_level, computed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(job_id, line_item_id) DO UPDATE SET
				base_score = excluded.base_score, quantity_mod = excluded.quantity_mod,
				lead_time_mod = excluded.lead_time_mod, criticality_mod = excluded.criticality_mod,
				alternate_reduction = excluded.alternate_reduction, score = excluded.score,
				risk_level = excluded.risk_level, computed_at = excluded.computed_at`,
			sc.JobID, sc.LineItemID, sc.TenantID, sc.BaseScore, sc.QuantityMod, sc.LeadTimeMod,
			sc.CriticalityMod, sc.AlternateReduction, sc.Score, string(sc.RiskLevel), sc.ComputedAt.UTC(),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: upsert contextual score %s", sc.LineItemID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit upsert contextual scores")
}

func (s *SQLiteStore) ListContextualScores(ctx context.Context, jobID string) ([]model.ContextualRiskScore, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, line_item_id, tenant_id, base_score, quantity_mod, lead_time_mod,
			criticality_mod, alternate_reduction, score, risk_level, computed_at
		 FROM contextual_risk_scores WHERE job_id = ?`,
		jobID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list contextual scores")
	}
	defer rows.Close()

	var scores []model.ContextualRiskScore
	for rows.Next() {
		var sc model.ContextualRiskScore
		err := rows.Scan(&sc.JobID, &sc.LineItemID, &sc.TenantID, &sc.BaseScore, &sc.QuantityMod,
			&sc.LeadTimeMod, &sc.CriticalityMod, &sc.AlternateReduction, &sc.Score, &sc.RiskLevel, &sc.ComputedAt)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan contextual score")
		}
		scores = append(scores, sc)
	}
	return scores, eris.Wrap(rows.Err(), "sqlite: list contextual scores iterate")
}

func (s *SQLiteStore) GetBomSummary(ctx context.Context, jobID string) (*model.BomRiskSummary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT job_id, tenant_id, project_id, level_counts, average_score, weighted_score,
			max_score, min_score, item_count, health_grade, trend, computed_at
		 FROM bom_risk_summaries WHERE job_id = ?`,
		jobID,
	)

	var sum model.BomRiskSummary
	var countsJSON string
	err := row.Scan(&sum.JobID, &sum.TenantID, &sum.ProjectID, &countsJSON, &sum.AverageScore,
		&sum.WeightedScore, &sum.MaxScore, &sum.MinScore, &sum.ItemCount, &sum.HealthGrade, &sum.Trend, &sum.ComputedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get bom summary")
	}
	if err := json.Unmarshal([]byte(countsJSON), &sum.LevelCounts); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal level counts")
	}
	return &sum, nil
}

func (s *SQLiteStore) SaveBomSummary(ctx context.Context, summary *model.BomRiskSummary) error {
	countsJSON, err := json.Marshal(summary.LevelCounts)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal level counts")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO bom_risk_summaries
			(job_id, tenant_id, project_id, level_counts, average_score, weighted_score,
			 max_score, min_score, item_count, health_grade, trend, computed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(job_id) DO UPDATE SET
			level_counts = excluded.level_counts, average_score = excluded.average_score,
			weighted_score = excluded.weighted_score, max_score = excluded.max_score,
			min_score = excluded.min_score, item_count = excluded.item_count,
			health_grade = excluded.health_grade, trend = excluded.trend, computed_at = excluded.computed_at`,
		summary.JobID, summary.TenantID, summary.ProjectID, string(countsJSON), summary.AverageScore,
		summary.WeightedScore, summary.MaxScore, summary.MinScore, summary.ItemCount,
		string(summary.HealthGrade), string(summary.Trend), summary.ComputedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: save bom summary %s", summary.JobID)
}

func (s *SQLiteStore) GetProjectSummary(ctx context.Context, projectID string) (*model.ProjectRiskSummary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT project_id, tenant_id, level_counts, average_score, weighted_score,
			max_score, min_score, job_count, item_count, health_grade, trend, computed_at
		 FROM project_risk_summaries WHERE project_id = ?`,
		projectID,
	)

	var sum model.ProjectRiskSummary
	var countsJSON string
	err := row.Scan(&sum.ProjectID, &sum.TenantID, &countsJSON, &sum.AverageScore, &sum.WeightedScore,
		&sum.MaxScore, &sum.MinScore, &sum.JobCount, &sum.ItemCount, &sum.HealthGrade, &sum.Trend, &sum.ComputedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get project summary")
	}
	if err := json.Unmarshal([]byte(countsJSON), &sum.LevelCounts); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal level counts")
	}
	return &sum, nil
}

func (s *SQLiteStore) SaveProjectSummary(ctx context.Context, summary *model.ProjectRiskSummary) error {
	countsJSON, err := json.Marshal(summary.LevelCounts)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal level counts")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO project_risk_summaries
			(project_id, tenant_id, level_counts, average_score, weighted_score,
			 max_score, min_score, job_count, item_count, health_grade, trend, computed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(project_id) DO UPDATE SET
			level_counts = excluded.level_counts, average_score = excluded.average_score,
			weighted_score = excluded.weighted_score, max_score = excluded.max_score,
			min_score = excluded.min_score, job_count = excluded.job_count,
			item_count = excluded.item_count, health_grade = excluded.health_grade,
			trend = excluded.trend, computed_at = excluded.computed_at`,
		summary.ProjectID, summary.TenantID, string(countsJSON), summary.AverageScore, summary.WeightedScore,
		summary.MaxScore, summary.MinScore, summary.JobCount, summary.ItemCount,
		string(summary.HealthGrade), string(summary.Trend), summary.ComputedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: save project summary %s", summary.ProjectID)
}

func (s *SQLiteStore) UpsertHistoryPoint(ctx context.Context, point *model.RiskHistoryPoint) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO risk_history (entity_type, entity_id, day, weighted_score, health_grade, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(entity_type, entity_id, day) DO UPDATE SET
			weighted_score = excluded.weighted_score, health_grade = excluded.health_grade`,
		point.EntityType, point.EntityID, point.Day, point.WeightedScore, string(point.HealthGrade), time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: upsert history %s/%s", point.EntityType, point.EntityID)
}

func (s *SQLiteStore) ListHistory(ctx context.Context, entityType, entityID string, limit int) ([]model.RiskHistoryPoint, error) {
	if limit <= 0 {
		limit = 90
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_type, entity_id, day, weighted_score, health_grade, created_at
		 FROM risk_history WHERE entity_type = ? AND entity_id = ?
		 ORDER BY day DESC LIMIT ?`,
		entityType, entityID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list history")
	}
	defer rows.Close()

	var points []model.RiskHistoryPoint
	for rows.Next() {
		var p model.RiskHistoryPoint
		if err := rows.Scan(&p.EntityType, &p.EntityID, &p.Day, &p.WeightedScore, &p.HealthGrade, &p.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan history point")
		}
		points = append(points, p)
	}
	return points, eris.Wrap(rows.Err(), "sqlite: list history iterate")
}

func (s *SQLiteStore) CountJobsByStatus(ctx context.Context) (map[model.JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM bom_jobs WHERE archived = 0 GROUP BY status`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count jobs by status")
	}
	defer rows.Close()

	counts := make(map[model.JobStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan status count")
		}
		counts[model.JobStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: count jobs iterate")
}

func (s *SQLiteStore) StalledJobs(ctx context.Context, noProgressFor time.Duration) ([]model.BomJob, error) {
	cutoff := time.Now().UTC().Add(-noProgressFor)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM bom_jobs WHERE status = ? AND updated_at < ?`,
		string(model.JobStatusRunning), cutoff,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: stalled jobs")
	}
	defer rows.Close()
	return collectJobs(rows, "sqlite: stalled jobs iterate")
}

func (s *SQLiteStore) CountFailedItems(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM line_items li
		 JOIN bom_jobs j ON li.job_id = j.id
		 WHERE li.status = ? AND j.status IN (?, ?)`,
		string(model.ItemStatusFailed), string(model.JobStatusRunning), string(model.JobStatusPaused),
	).Scan(&n)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: count failed items")
	}
	return n, nil
}

// helpers

func insertJobEventTx(ctx context.Context, tx *sql.Tx, event *model.JobEvent) error {
	now := event.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO job_events (job_id, type, signal, old_status, new_status, old_stage, new_stage, actor, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.JobID, event.Type, nullString(string(event.Signal)),
		nullString(string(event.OldStatus)), nullString(string(event.NewStatus)),
		nullString(string(event.OldStage)), nullString(string(event.NewStage)),
		nullString(event.Actor), nullString(event.Detail), now,
	)
	return eris.Wrapf(err, "sqlite: insert job event %s", event.JobID)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanJob(row scannable) (*model.BomJob, error) {
	var j model.BomJob
	var startedAt, completedAt sql.NullTime

	err := row.Scan(&j.ID, &j.TenantID, &j.ProjectID, &j.Name, &j.Status, &j.Stage,
		&j.StageProgress, &j.OverallProgress, &j.TotalItems, &j.EnrichedItems,
		&j.FailedItems, &j.RiskScoredItems, &j.Archived, &startedAt, &completedAt,
		&j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan job")
	}

	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	return &j, nil
}

func collectJobs(rows *sql.Rows, wrapMsg string) ([]model.BomJob, error) {
	var jobs []model.BomJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), wrapMsg)
}

func scanLineItem(row scannable) (*model.LineItem, error) {
	var it model.LineItem
	var refsJSON, attrsJSON, lastError, errorClass sql.NullString
	var claimedAt, nextAttemptAt sql.NullTime

	err := row.Scan(&it.ID, &it.JobID, &it.MPN, &it.Manufacturer, &it.Quantity, &refsJSON,
		&it.Criticality, &it.Status, &attrsJSON, &it.Attempts, &lastError, &errorClass,
		&claimedAt, &nextAttemptAt, &it.CreatedAt, &it.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan line item")
	}

	if refsJSON.Valid {
		if err := json.Unmarshal([]byte(refsJSON.String), &it.RefDesignators); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal ref designators")
		}
	}
	if attrsJSON.Valid {
		it.Attributes = &catalog.PartData{}
		if err := json.Unmarshal([]byte(attrsJSON.String), it.Attributes); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal attributes")
		}
	}
	it.LastError = lastError.String
	it.ErrorClass = errorClass.String
	if claimedAt.Valid {
		t := claimedAt.Time
		it.ClaimedAt = &t
	}
	if nextAttemptAt.Valid {
		t := nextAttemptAt.Time
		it.NextAttemptAt = &t
	}
	return &it, nil
}

func scanJobEvent(row scannable) (*model.JobEvent, error) {
	var ev model.JobEvent
	var signal, oldStatus, newStatus, oldStage, newStage, actor, detail sql.NullString

	err := row.Scan(&ev.Seq, &ev.JobID, &ev.Type, &signal, &oldStatus, &newStatus,
		&oldStage, &newStage, &actor, &detail, &ev.CreatedAt)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan job event")
	}

	ev.Signal = model.Signal(signal.String)
	ev.OldStatus = model.JobStatus(oldStatus.String)
	ev.NewStatus = model.JobStatus(newStatus.String)
	ev.OldStage = model.Stage(oldStage.String)
	ev.NewStage = model.Stage(newStage.String)
	ev.Actor = actor.String
	ev.Detail = detail.String
	return &ev, nil
}
