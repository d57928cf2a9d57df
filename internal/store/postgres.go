package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/traceline/bomflow/internal/db"
	"github.com/traceline/bomflow/internal/model"
	"github.com/traceline/bomflow/pkg/catalog"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the most frequently used store operations. The item
// claim and completion paths run once per line item per attempt.
var preparedStatements = map[string]string{
	"get_job": `SELECT ` + pgJobColumns + ` FROM bom_jobs WHERE id = $1`,
	"update_job_progress": `UPDATE bom_jobs SET stage = $1, stage_progress = $2, overall_progress = $3, updated_at = $4 WHERE id = $5`,
	"bump_job_counters": `UPDATE bom_jobs SET enriched_items = enriched_items + $1, failed_items = failed_items + $2,
		risk_scored_items = risk_scored_items + $3, updated_at = $4 WHERE id = $5 RETURNING ` + pgJobColumns,
	"claim_next_item": `UPDATE line_items SET claimed_at = $1, updated_at = $1
		WHERE id = (
			SELECT id FROM line_items
			WHERE job_id = $2 AND status = 'pending'
			  AND (claimed_at IS NULL OR claimed_at < $3)
			  AND (next_attempt_at IS NULL OR next_attempt_at <= $4)
			ORDER BY created_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		) RETURNING ` + pgItemColumns,
	"complete_item": `UPDATE line_items SET status = 'enriched', attributes = $1, last_error = NULL, error_class = NULL,
		claimed_at = NULL, next_attempt_at = NULL, updated_at = $2 WHERE id = $3`,
	"fail_item": `UPDATE line_items SET status = 'failed', last_error = $1, error_class = $2, claimed_at = NULL, updated_at = $3 WHERE id = $4`,
	"requeue_item": `UPDATE line_items SET claimed_at = NULL, next_attempt_at = $1, last_error = $2,
		attempts = attempts + $3, updated_at = $4 WHERE id = $5`,
	"get_base_score": `SELECT part_key, mpn, manufacturer, factors, total_score, risk_level, computed_at
		FROM base_risk_scores WHERE part_key = $1`,
	"count_items": `SELECT
		COUNT(*) FILTER (WHERE status = 'pending'),
		COUNT(*) FILTER (WHERE status = 'enriched'),
		COUNT(*) FILTER (WHERE status = 'failed')
		FROM line_items WHERE job_id = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool for use by subsystems that need
// direct query access (e.g., bulk score upserts).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS bom_jobs (
	id                TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	tenant_id         TEXT NOT NULL,
	project_id        TEXT NOT NULL,
	name              TEXT NOT NULL,
	status            TEXT NOT NULL DEFAULT 'pending',
	stage             TEXT NOT NULL DEFAULT 'raw_upload',
	stage_progress    DOUBLE PRECISION NOT NULL DEFAULT 0,
	overall_progress  DOUBLE PRECISION NOT NULL DEFAULT 0,
	total_items       INTEGER NOT NULL DEFAULT 0,
	enriched_items    INTEGER NOT NULL DEFAULT 0,
	failed_items      INTEGER NOT NULL DEFAULT 0,
	risk_scored_items INTEGER NOT NULL DEFAULT 0,
	archived          BOOLEAN NOT NULL DEFAULT false,
	started_at        TIMESTAMPTZ,
	completed_at      TIMESTAMPTZ,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS job_events (
	seq        BIGSERIAL PRIMARY KEY,
	job_id     TEXT NOT NULL REFERENCES bom_jobs(id),
	type       TEXT NOT NULL,
	signal     TEXT,
	old_status TEXT,
	new_status TEXT,
	old_stage  TEXT,
	new_stage  TEXT,
	actor      TEXT,
	detail     TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS line_items (
	id              TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	job_id          TEXT NOT NULL REFERENCES bom_jobs(id),
	mpn             TEXT NOT NULL,
	manufacturer    TEXT NOT NULL,
	quantity        INTEGER NOT NULL DEFAULT 1,
	ref_designators JSONB,
	criticality     TEXT NOT NULL DEFAULT 'standard',
	status          TEXT NOT NULL DEFAULT 'pending',
	attributes      JSONB,
	attempts        INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT,
	error_class     TEXT,
	claimed_at      TIMESTAMPTZ,
	next_attempt_at TIMESTAMPTZ,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS risk_profiles (
	tenant_id  TEXT PRIMARY KEY,
	weights    JSONB NOT NULL,
	thresholds JSONB NOT NULL,
	modifiers  JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS base_risk_scores (
	part_key     TEXT PRIMARY KEY,
	mpn          TEXT NOT NULL,
	manufacturer TEXT NOT NULL,
	factors      JSONB NOT NULL,
	total_score  DOUBLE PRECISION NOT NULL,
	risk_level   TEXT NOT NULL,
	computed_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS contextual_risk_scores (
	job_id              TEXT NOT NULL REFERENCES bom_jobs(id),
	line_item_id        TEXT NOT NULL REFERENCES line_items(id),
	tenant_id           TEXT NOT NULL,
	base_score          DOUBLE PRECISION NOT NULL,
	quantity_mod        DOUBLE PRECISION NOT NULL,
	lead_time_mod       DOUBLE PRECISION NOT NULL,
	criticality_mod     DOUBLE PRECISION NOT NULL,
	alternate_reduction DOUBLE PRECISION NOT NULL,
	score               DOUBLE PRECISION NOT NULL,
	risk_level          TEXT NOT NULL,
	computed_at         TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (job_id, line_item_id)
);

CREATE TABLE IF NOT EXISTS bom_risk_summaries (
	job_id         TEXT PRIMARY KEY REFERENCES bom_jobs(id),
	tenant_id      TEXT NOT NULL,
	project_id     TEXT NOT NULL,
	level_counts   JSONB NOT NULL,
	average_score  DOUBLE PRECISION NOT NULL,
	weighted_score DOUBLE PRECISION NOT NULL,
	max_score      DOUBLE PRECISION NOT NULL,
	min_score      DOUBLE PRECISION NOT NULL,
	item_count     INTEGER NOT NULL,
	health_grade   TEXT NOT NULL,
	trend          TEXT NOT NULL,
	computed_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS project_risk_summaries (
	project_id     TEXT PRIMARY KEY,
	tenant_id      TEXT NOT NULL,
	level_counts   JSONB NOT NULL,
	average_score  DOUBLE PRECISION NOT NULL,
	weighted_score DOUBLE PRECISION NOT NULL,
	max_score      DOUBLE PRECISION NOT NULL,
	min_score      DOUBLE PRECISION NOT NULL,
	job_count      INTEGER NOT NULL,
	item_count     INTEGER NOT NULL,
	health_grade   TEXT NOT NULL,
	trend          TEXT NOT NULL,
	computed_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS risk_history (
	entity_type    TEXT NOT NULL,
	entity_id      TEXT NOT NULL,
	day            TEXT NOT NULL,
	weighted_score DOUBLE PRECISION NOT NULL,
	health_grade   TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (entity_type, entity_id, day)
);

CREATE INDEX IF NOT EXISTS idx_bom_jobs_status ON bom_jobs(status);
CREATE INDEX IF NOT EXISTS idx_bom_jobs_tenant_id ON bom_jobs(tenant_id);
CREATE INDEX IF NOT EXISTS idx_bom_jobs_project_id ON bom_jobs(project_id);
CREATE INDEX IF NOT EXISTS idx_job_events_job_id ON job_events(job_id);
CREATE INDEX IF NOT EXISTS idx_line_items_job_status ON line_items(job_id, status);
CREATE INDEX IF NOT EXISTS idx_line_items_claim ON line_items(job_id, status, next_attempt_at);
CREATE INDEX IF NOT EXISTS idx_contextual_scores_job_id ON contextual_risk_scores(job_id);
`

const pgJobColumns = `id, tenant_id, project_id, name, status, stage, stage_progress, overall_progress,
	total_items, enriched_items, failed_items, risk_scored_items, archived,
	started_at, completed_at, created_at, updated_at`

const pgItemColumns = `id, job_id, mpn, manufacturer, quantity, ref_designators, criticality, status,
	attributes, attempts, last_error, error_class, claimed_at, next_attempt_at, created_at, updated_at`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, tenantID, projectID, name string) (*model.BomJob, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO bom_jobs (id, tenant_id, project_id, name, status, stage, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		id, tenantID, projectID, name, string(model.JobStatusPending), string(model.StageRawUpload), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert job")
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

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*model.BomJob, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgJobColumns+` FROM bom_jobs WHERE id = $1`, jobID,
	)
	job, err := scanPGJob(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get job %s", jobID)
	}
	return job, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.BomJob, error) {
	query := `SELECT ` + pgJobColumns + ` FROM bom_jobs WHERE NOT archived`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.TenantID != "" {
		query += fmt.Sprintf(` AND tenant_id = $%d`, argIdx)
		args = append(args, filter.TenantID)
		argIdx++
	}
	if filter.ProjectID != "" {
		query += fmt.Sprintf(` AND project_id = $%d`, argIdx)
		args = append(args, filter.ProjectID)
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
		argIdx++
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()
	return collectPGJobs(rows, "postgres: list jobs iterate")
}

func (s *PostgresStore) ListActiveJobs(ctx context.Context) ([]model.BomJob, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgJobColumns+` FROM bom_jobs
		 WHERE status IN ($1, $2) AND NOT archived
		 ORDER BY created_at`,
		string(model.JobStatusRunning), string(model.JobStatusPaused),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list active jobs")
	}
	defer rows.Close()
	return collectPGJobs(rows, "postgres: list active jobs iterate")
}

func (s *PostgresStore) UpdateJobTransition(ctx context.Context, job *model.BomJob, event *model.JobEvent) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin transition")
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx,
		`UPDATE bom_jobs SET status = $1, stage = $2, stage_progress = $3, overall_progress = $4,
		 started_at = $5, completed_at = $6, updated_at = $7 WHERE id = $8`,
		string(job.Status), string(job.Stage), job.StageProgress, job.OverallProgress,
		job.StartedAt, job.CompletedAt, now, job.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update job %s", job.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("job not found: %s", job.ID)
	}
	if event != nil {
		if err := insertPGJobEvent(ctx, tx, event); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "postgres: commit transition")
	}
	job.UpdatedAt = now
	return nil
}

func (s *PostgresStore) UpdateJobProgress(ctx context.Context, jobID string, stage model.Stage, stageProgress, overallProgress float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE bom_jobs SET stage = $1, stage_progress = $2, overall_progress = $3, updated_at = $4 WHERE id = $5`,
		string(stage), stageProgress, overallProgress, time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update job progress %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("job not found: %s", jobID)
	}
	return nil
}

func (s *PostgresStore) BumpJobCounters(ctx context.Context, jobID string, enrichedDelta, failedDelta, riskScoredDelta int) (*model.BomJob, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE bom_jobs SET enriched_items = enriched_items + $1, failed_items = failed_items + $2,
		 risk_scored_items = risk_scored_items + $3, updated_at = $4 WHERE id = $5 RETURNING `+pgJobColumns,
		enrichedDelta, failedDelta, riskScoredDelta, time.Now().UTC(), jobID,
	)
	job, err := scanPGJob(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: bump counters %s", jobID)
	}
	if job == nil {
		return nil, eris.Errorf("job not found: %s", jobID)
	}
	return job, nil
}

func (s *PostgresStore) ResetJob(ctx context.Context, jobID string, event *model.JobEvent) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin reset")
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx,
		`UPDATE bom_jobs SET status = $1, stage = $2, stage_progress = 0, overall_progress = 0,
		 enriched_items = 0, failed_items = 0, risk_scored_items = 0,
		 started_at = NULL, completed_at = NULL, updated_at = $3 WHERE id = $4`,
		string(model.JobStatusPending), string(model.StageRawUpload), now, jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: reset job %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("job not found: %s", jobID)
	}

	_, err = tx.Exec(ctx,
		`UPDATE line_items SET status = $1, attributes = NULL, attempts = 0, last_error = NULL,
		 error_class = NULL, claimed_at = NULL, next_attempt_at = NULL, updated_at = $2 WHERE job_id = $3`,
		string(model.ItemStatusPending), now, jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: reset items for job %s", jobID)
	}

	if event != nil {
		if err := insertPGJobEvent(ctx, tx, event); err != nil {
			return err
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit reset")
}

func (s *PostgresStore) ListJobEvents(ctx context.Context, jobID string, afterSeq int64, limit int) ([]model.JobEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT seq, job_id, type, signal, old_status, new_status, old_stage, new_stage, actor, detail, created_at
		 FROM job_events WHERE job_id = $1 AND seq > $2 ORDER BY seq LIMIT $3`,
		jobID, afterSeq, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list job events")
	}
	defer rows.Close()

	var events []model.JobEvent
	for rows.Next() {
		var ev model.JobEvent
		var signal, oldStatus, newStatus, oldStage, newStage, actor, detail *string

		err := rows.Scan(&ev.Seq, &ev.JobID, &ev.Type, &signal, &oldStatus, &newStatus,
			&oldStage, &newStage, &actor, &detail, &ev.CreatedAt)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan job event")
		}
		if signal != nil {
			ev.Signal = model.Signal(*signal)
		}
		if oldStatus != nil {
			ev.OldStatus = model.JobStatus(*oldStatus)
		}
		if newStatus != nil {
			ev.NewStatus = model.JobStatus(*newStatus)
		}
		if oldStage != nil {
			ev.OldStage = model.Stage(*oldStage)
		}
		if newStage != nil {
			ev.NewStage = model.Stage(*newStage)
		}
		if actor != nil {
			ev.Actor = *actor
		}
		if detail != nil {
			ev.Detail = *detail
		}
		events = append(events, ev)
	}
	return events, eris.Wrap(rows.Err(), "postgres: list job events iterate")
}

func (s *PostgresStore) ArchiveTerminalJobs(ctx context.Context, olderThan time.Duration) (int, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE bom_jobs SET archived = true, updated_at = $1
		 WHERE NOT archived AND status IN ($2, $3, $4) AND updated_at < $5`,
		now,
		string(model.JobStatusCompleted), string(model.JobStatusFailed), string(model.JobStatusCancelled),
		now.Add(-olderThan),
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: archive jobs")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) CreateLineItems(ctx context.Context, jobID string, items []model.LineItem) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	columns := []string{"id", "job_id", "mpn", "manufacturer", "quantity", "ref_designators",
		"criticality", "status", "created_at", "updated_at"}
	rows := make([][]any, 0, len(items))
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

		var refs []byte
		if len(it.RefDesignators) > 0 {
			b, err := json.Marshal(it.RefDesignators)
			if err != nil {
				return 0, eris.Wrap(err, "postgres: marshal ref designators")
			}
			refs = b
		}
		rows = append(rows, []any{it.ID, jobID, it.MPN, it.Manufacturer, it.Quantity, refs,
			string(it.Criticality), string(it.Status), now, now})
	}

	n, err := db.CopyFrom(ctx, s.pool, "line_items", columns, rows)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: copy line items %s", jobID)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE bom_jobs SET total_items = total_items + $1, updated_at = $2 WHERE id = $3`,
		int(n), now, jobID,
	)
	if err != nil {
		return int(n), eris.Wrapf(err, "postgres: bump total items %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return int(n), eris.Errorf("job not found: %s", jobID)
	}
	return int(n), nil
}

func (s *PostgresStore) ClaimNextItem(ctx context.Context, jobID string, leaseTTL time.Duration) (*model.LineItem, error) {
	now := time.Now().UTC()
	row := s.pool.QueryRow(ctx,
		`UPDATE line_items SET claimed_at = $1, updated_at = $1
		 WHERE id = (
			SELECT id FROM line_items
			WHERE job_id = $2 AND status = 'pending'
			  AND (claimed_at IS NULL OR claimed_at < $3)
			  AND (next_attempt_at IS NULL OR next_attempt_at <= $4)
			ORDER BY created_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		 ) RETURNING `+pgItemColumns,
		now, jobID, now.Add(-leaseTTL), now,
	)
	item, err := scanPGItem(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: claim item %s", jobID)
	}
	return item, nil
}

func (s *PostgresStore) CompleteItem(ctx context.Context, itemID string, attrs *catalog.PartData) error {
	attrsJSON, err := json.Marshal(attrs)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal attributes")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE line_items SET status = 'enriched', attributes = $1, last_error = NULL, error_class = NULL,
		 claimed_at = NULL, next_attempt_at = NULL, updated_at = $2 WHERE id = $3`,
		attrsJSON, time.Now().UTC(), itemID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete item %s", itemID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("item not found: %s", itemID)
	}
	return nil
}

func (s *PostgresStore) FailItem(ctx context.Context, itemID, lastError, errorClass string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE line_items SET status = 'failed', last_error = $1, error_class = $2, claimed_at = NULL, updated_at = $3 WHERE id = $4`,
		lastError, errorClass, time.Now().UTC(), itemID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail item %s", itemID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("item not found: %s", itemID)
	}
	return nil
}

func (s *PostgresStore) RequeueItem(ctx context.Context, itemID string, nextAttemptAt time.Time, lastError string, consumeAttempt bool) error {
	bump := 0
	if consumeAttempt {
		bump = 1
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE line_items SET claimed_at = NULL, next_attempt_at = $1, last_error = $2,
		 attempts = attempts + $3, updated_at = $4 WHERE id = $5`,
		nextAttemptAt.UTC(), lastError, bump, time.Now().UTC(), itemID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: requeue item %s", itemID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("item not found: %s", itemID)
	}
	return nil
}

func (s *PostgresStore) CountItems(ctx context.Context, jobID string) (pending, enriched, failed int, err error) {
	err = s.pool.QueryRow(ctx,
		`SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'enriched'),
			COUNT(*) FILTER (WHERE status = 'failed')
		 FROM line_items WHERE job_id = $1`,
		jobID,
	).Scan(&pending, &enriched, &failed)
	if err != nil {
		return 0, 0, 0, eris.Wrapf(err, "postgres: count items %s", jobID)
	}
	return pending, enriched, failed, nil
}

func (s *PostgresStore) ListItems(ctx context.Context, jobID string) ([]model.LineItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgItemColumns+` FROM line_items WHERE job_id = $1 ORDER BY created_at, id`,
		jobID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list items")
	}
	defer rows.Close()

	var items []model.LineItem
	for rows.Next() {
		it, err := scanPGItem(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan line item")
		}
		items = append(items, *it)
	}
	return items, eris.Wrap(rows.Err(), "postgres: list items iterate")
}

func (s *PostgresStore) ListQueue(ctx context.Context) ([]model.BomJob, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgJobColumns+` FROM bom_jobs
		 WHERE status IN ($1, $2) AND NOT archived
		 ORDER BY CASE status WHEN 'running' THEN 0 ELSE 1 END, created_at`,
		string(model.JobStatusRunning), string(model.JobStatusPending),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list queue")
	}
	defer rows.Close()
	return collectPGJobs(rows, "postgres: list queue iterate")
}

func (s *PostgresStore) GetQueueStats(ctx context.Context) (*QueueStats, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT started_at, completed_at FROM bom_jobs
		 WHERE status = $1 AND started_at IS NOT NULL AND completed_at IS NOT NULL
		 ORDER BY completed_at DESC LIMIT 50`,
		string(model.JobStatusCompleted),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: queue stats")
	}
	defer rows.Close()

	stats := &QueueStats{}
	var totalSecs float64
	for rows.Next() {
		var started, completed time.Time
		if err := rows.Scan(&started, &completed); err != nil {
			return nil, eris.Wrap(err, "postgres: scan queue stats")
		}
		totalSecs += completed.Sub(started).Seconds()
		stats.CompletedJobs++
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: queue stats iterate")
	}
	if stats.CompletedJobs > 0 {
		avg := totalSecs / float64(stats.CompletedJobs)
		stats.AvgSeconds = &avg
	}

	var oldest *time.Time
	err = s.pool.QueryRow(ctx,
		`SELECT MIN(started_at) FROM bom_jobs WHERE status = $1`,
		string(model.JobStatusRunning),
	).Scan(&oldest)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrap(err, "postgres: oldest running")
	}
	if oldest != nil {
		age := time.Since(*oldest).Seconds()
		stats.OldestStartAge = &age
	}
	return stats, nil
}

func (s *PostgresStore) GetRiskProfile(ctx context.Context, tenantID string) (*model.RiskProfile, error) {
	var p model.RiskProfile
	var weightsJSON, thresholdsJSON, modifiersJSON []byte

	err := s.pool.QueryRow(ctx,
		`SELECT tenant_id, weights, thresholds, modifiers, updated_at FROM risk_profiles WHERE tenant_id = $1`,
		tenantID,
	).Scan(&p.TenantID, &weightsJSON, &thresholdsJSON, &modifiersJSON, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: get risk profile")
	}
	if err := json.Unmarshal(weightsJSON, &p.Weights); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal weights")
	}
	if err := json.Unmarshal(thresholdsJSON, &p.Thresholds); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal thresholds")
	}
	if err := json.Unmarshal(modifiersJSON, &p.Modifiers); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal modifiers")
	}
	return &p, nil
}

func (s *PostgresStore) PutRiskProfile(ctx context.Context, profile *model.RiskProfile) error {
	weightsJSON, err := json.Marshal(profile.Weights)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal weights")
	}
	thresholdsJSON, err := json.Marshal(profile.Thresholds)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal thresholds")
	}
	modifiersJSON, err := json.Marshal(profile.Modifiers)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal modifiers")
	}

	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx,
		`INSERT INTO risk_profiles (tenant_id, weights, thresholds, modifiers, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (tenant_id) DO UPDATE SET weights = $2, thresholds = $3, modifiers = $4, updated_at = $5`,
		profile.TenantID, weightsJSON, thresholdsJSON, modifiersJSON, now,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: put risk profile %s", profile.TenantID)
	}
	profile.UpdatedAt = now
	return nil
}

func (s *PostgresStore) GetBaseScore(ctx context.Context, partKey string) (*model.BaseRiskScore, error) {
	var sc model.BaseRiskScore
	var factorsJSON []byte

	err := s.pool.QueryRow(ctx,
		`SELECT part_key, mpn, manufacturer, factors, total_score, risk_level, computed_at
		 FROM base_risk_scores WHERE part_key = $1`,
		partKey,
	).Scan(&sc.PartKey, &sc.MPN, &sc.Manufacturer, &factorsJSON, &sc.TotalScore, &sc.RiskLevel, &sc.ComputedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: get base score")
	}
	if err := json.Unmarshal(factorsJSON, &sc.Factors); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal factors")
	}
	return &sc, nil
}

// UpsertBaseScores goes through the temp-table COPY path; a recomputed
// catalog sweep rewrites thousands of part rows at once.
func (s *PostgresStore) UpsertBaseScores(ctx context.Context, scores []model.BaseRiskScore) error {
	if len(scores) == 0 {
		return nil
	}

	columns := []string{"part_key", "mpn", "manufacturer", "factors", "total_score", "risk_level", "computed_at"}
	rows := make([][]any, 0, len(scores))
	for _, sc := range scores {
		factorsJSON, err := json.Marshal(sc.Factors)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal factors")
		}
		rows = append(rows, []any{sc.PartKey, sc.MPN, sc.Manufacturer, factorsJSON,
			sc.TotalScore, string(sc.RiskLevel), sc.ComputedAt.UTC()})
	}

	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "base_risk_scores",
		Columns:      columns,
		ConflictKeys: []string{"part_key"},
	}, rows)
	return eris.Wrap(err, "postgres: upsert base scores")
}

func (s *PostgresStore) UpsertContextualScores(ctx context.Context, scores []model.ContextualRiskScore) error {
	if len(scores) == 0 {
		return nil
	}

	columns := []string{"job_id", "line_item_id", "tenant_id", "base_score", "quantity_mod",
		"lead_time_mod", "criticality_mod", "alternate_reduction", "score", "risk_level", "computed_at"}
	rows := make([][]any, 0, len(scores))
	for _, sc := range scores {
		rows = append(rows, []any{sc.JobID, sc.LineItemID, sc.TenantID, sc.BaseScore, sc.QuantityMod,
			sc.LeadTimeMod, sc.CriticalityMod, sc.AlternateReduction, sc.Score, string(sc.RiskLevel), sc.ComputedAt.UTC()})
	}

	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "contextual_risk_scores",
		Columns:      columns,
		ConflictKeys: []string{"job_id", "line_item_id"},
	}, rows)
	return eris.Wrap(err, "postgres: upsert contextual scores")
}

func (s *PostgresStore) ListContextualScores(ctx context.Context, jobID string) ([]model.ContextualRiskScore, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT job_id, line_item_id, tenant_id, base_score, quantity_mod, lead_time_mod,
			criticality_mod, alternate_reduction, score, risk_level, computed_at
		 FROM contextual_risk_scores WHERE job_id = $1`,
		jobID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list contextual scores")
	}
	defer rows.Close()

	var scores []model.ContextualRiskScore
	for rows.Next() {
		var sc model.ContextualRiskScore
		err := rows.Scan(&sc.JobID, &sc.LineItemID, &sc.TenantID, &sc.BaseScore, &sc.QuantityMod,
			&sc.LeadTimeMod, &sc.CriticalityMod, &sc.AlternateReduction, &sc.Score, &sc.RiskLevel, &sc.ComputedAt)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan contextual score")
		}
		scores = append(scores, sc)
	}
	return scores, eris.Wrap(rows.Err(), "postgres: list contextual scores iterate")
}

func (s *PostgresStore) GetBomSummary(ctx context.Context, jobID string) (*model.BomRiskSummary, error) {
	var sum model.BomRiskSummary
	var countsJSON []byte

	err := s.pool.QueryRow(ctx,
		`SELECT job_id, tenant_id, project_id, level_counts, average_score, weighted_score,
			max_score, min_score, item_count, health_grade, trend, computed_at
		 FROM bom_risk_summaries WHERE job_id = $1`,
		jobID,
	).Scan(&sum.JobID, &sum.TenantID, &sum.ProjectID, &countsJSON, &sum.AverageScore,
		&sum.WeightedScore, &sum.MaxScore, &sum.MinScore, &sum.ItemCount, &sum.HealthGrade, &sum.Trend, &sum.ComputedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: get bom summary")
	}
	if err := json.Unmarshal(countsJSON, &sum.LevelCounts); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal level counts")
	}
	return &sum, nil
}

func (s *PostgresStore) SaveBomSummary(ctx context.Context, summary *model.BomRiskSummary) error {
	countsJSON, err := json.Marshal(summary.LevelCounts)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal level counts")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO bom_risk_summaries
			(job_id, tenant_id, project_id, level_counts, average_score, weighted_score,
			 max_score, min_score, item_count, health_grade, trend, computed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (job_id) DO UPDATE SET
			level_counts = $4, average_score = $5, weighted_score = $6, max_score = $7,
			min_score = $8, item_count = $9, health_grade = $10, trend = $11, computed_at = $12`,
		summary.JobID, summary.TenantID, summary.ProjectID, countsJSON, summary.AverageScore,
		summary.WeightedScore, summary.MaxScore, summary.MinScore, summary.ItemCount,
		string(summary.HealthGrade), string(summary.Trend), summary.ComputedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: save bom summary %s", summary.JobID)
}

func (s *PostgresStore) GetProjectSummary(ctx context.Context, projectID string) (*model.ProjectRiskSummary, error) {
	var sum model.ProjectRiskSummary
	var countsJSON []byte

	err := s.pool.QueryRow(ctx,
		`SELECT project_id, tenant_id, level_counts, average_score, weighted_score,
			max_score, min_score, job_count, item_count, health_grade, trend, computed_at
		 FROM project_risk_summaries WHERE project_id = $1`,
		projectID,
	).Scan(&sum.ProjectID, &sum.TenantID, &countsJSON, &sum.AverageScore, &sum.WeightedScore,
		&sum.MaxScore, &sum.MinScore, &sum.JobCount, &sum.ItemCount, &sum.HealthGrade, &sum.Trend, &sum.ComputedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: get project summary")
	}
	if err := json.Unmarshal(countsJSON, &sum.LevelCounts); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal level counts")
	}
	return &sum, nil
}

func (s *PostgresStore) SaveProjectSummary(ctx context.Context, summary *model.ProjectRiskSummary) error {
	countsJSON, err := json.Marshal(summary.LevelCounts)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal level counts")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO project_risk_summaries
			(project_id, tenant_id, level_counts, average_score, weighted_score,
			 max_score, min_score, job_count, item_count, health_grade, trend, computed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (project_id) DO UPDATE SET
			level_counts = $3, average_score = $4, weighted_score = $5, max_score = $6,
			min_score = $7, job_count = $8, item_count = $9, health_grade = $10,
			trend = $11, computed_at = $12`,
		summary.ProjectID, summary.TenantID, countsJSON, summary.AverageScore, summary.WeightedScore,
		summary.MaxScore, summary.MinScore, summary.JobCount, summary.ItemCount,
		string(summary.HealthGrade), string(summary.Trend), summary.ComputedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: save project summary %s", summary.ProjectID)
}

func (s *PostgresStore) UpsertHistoryPoint(ctx context.Context, point *model.RiskHistoryPoint) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO risk_history (entity_type, entity_id, day, weighted_score, health_grade, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (entity_type, entity_id, day) DO UPDATE SET
			weighted_score = $4, health_grade = $5`,
		point.EntityType, point.EntityID, point.Day, point.WeightedScore, string(point.HealthGrade), time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: upsert history %s/%s", point.EntityType, point.EntityID)
}

func (s *PostgresStore) ListHistory(ctx context.Context, entityType, entityID string, limit int) ([]model.RiskHistoryPoint, error) {
	if limit <= 0 {
		limit = 90
	}
	rows, err := s.pool.Query(ctx,
		`SELECT entity_type, entity_id, day, weighted_score, health_grade, created_at
		 FROM risk_history WHERE entity_type = $1 AND entity_id = $2
		 ORDER BY day DESC LIMIT $3`,
		entityType, entityID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list history")
	}
	defer rows.Close()

	var points []model.RiskHistoryPoint
	for rows.Next() {
		var p model.RiskHistoryPoint
		if err := rows.Scan(&p.EntityType, &p.EntityID, &p.Day, &p.WeightedScore, &p.HealthGrade, &p.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan history point")
		}
		points = append(points, p)
	}
	return points, eris.Wrap(rows.Err(), "postgres: list history iterate")
}

func (s *PostgresStore) CountJobsByStatus(ctx context.Context) (map[model.JobStatus]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM bom_jobs WHERE NOT archived GROUP BY status`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count jobs by status")
	}
	defer rows.Close()

	counts := make(map[model.JobStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan status count")
		}
		counts[model.JobStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "postgres: count jobs iterate")
}

func (s *PostgresStore) StalledJobs(ctx context.Context, noProgressFor time.Duration) ([]model.BomJob, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgJobColumns+` FROM bom_jobs WHERE status = $1 AND updated_at < $2`,
		string(model.JobStatusRunning), time.Now().UTC().Add(-noProgressFor),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: stalled jobs")
	}
	defer rows.Close()
	return collectPGJobs(rows, "postgres: stalled jobs iterate")
}

func (s *PostgresStore) CountFailedItems(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM line_items li
		 JOIN bom_jobs j ON li.job_id = j.id
		 WHERE li.status = $1 AND j.status IN ($2, $3)`,
		string(model.ItemStatusFailed), string(model.JobStatusRunning), string(model.JobStatusPaused),
	).Scan(&n)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: count failed items")
	}
	return n, nil
}

// helpers

func insertPGJobEvent(ctx context.Context, tx pgx.Tx, event *model.JobEvent) error {
	now := event.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO job_events (job_id, type, signal, old_status, new_status, old_stage, new_stage, actor, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		event.JobID, event.Type, nullString(string(event.Signal)),
		nullString(string(event.OldStatus)), nullString(string(event.NewStatus)),
		nullString(string(event.OldStage)), nullString(string(event.NewStage)),
		nullString(event.Actor), nullString(event.Detail), now,
	)
	return eris.Wrapf(err, "postgres: insert job event %s", event.JobID)
}

func scanPGJob(row scannable) (*model.BomJob, error) {
	var j model.BomJob
	var startedAt, completedAt *time.Time

	err := row.Scan(&j.ID, &j.TenantID, &j.ProjectID, &j.Name, &j.Status, &j.Stage,
		&j.StageProgress, &j.OverallProgress, &j.TotalItems, &j.EnrichedItems,
		&j.FailedItems, &j.RiskScoredItems, &j.Archived, &startedAt, &completedAt,
		&j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	j.StartedAt = startedAt
	j.CompletedAt = completedAt
	return &j, nil
}

func collectPGJobs(rows pgx.Rows, wrapMsg string) ([]model.BomJob, error) {
	var jobs []model.BomJob
	for rows.Next() {
		j, err := scanPGJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, wrapMsg)
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), wrapMsg)
}

func scanPGItem(row scannable) (*model.LineItem, error) {
	var it model.LineItem
	var refsJSON, attrsJSON []byte
	var lastError, errorClass *string
	var claimedAt, nextAttemptAt *time.Time

	err := row.Scan(&it.ID, &it.JobID, &it.MPN, &it.Manufacturer, &it.Quantity, &refsJSON,
		&it.Criticality, &it.Status, &attrsJSON, &it.Attempts, &lastError, &errorClass,
		&claimedAt, &nextAttemptAt, &it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	if len(refsJSON) > 0 {
		if err := json.Unmarshal(refsJSON, &it.RefDesignators); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal ref designators")
		}
	}
	if len(attrsJSON) > 0 {
		it.Attributes = &catalog.PartData{}
		if err := json.Unmarshal(attrsJSON, it.Attributes); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal attributes")
		}
	}
	if lastError != nil {
		it.LastError = *lastError
	}
	if errorClass != nil {
		it.ErrorClass = *errorClass
	}
	it.ClaimedAt = claimedAt
	it.NextAttemptAt = nextAttemptAt
	return &it, nil
}
