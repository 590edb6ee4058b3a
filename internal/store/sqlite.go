package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mkrell/foreman/internal/model"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS tenants (
    id                  TEXT PRIMARY KEY,
    name                TEXT NOT NULL,
    max_concurrent_jobs INTEGER NOT NULL,
    max_agents          INTEGER NOT NULL,
    created_at          DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS queues (
    id                  TEXT PRIMARY KEY,
    tenant_id           TEXT NOT NULL,
    name                TEXT NOT NULL,
    status              TEXT NOT NULL,
    max_retries         INTEGER NOT NULL,
    retry_delay_seconds INTEGER NOT NULL,
    timeout_seconds     INTEGER NOT NULL,
    backoff             TEXT NOT NULL,
    version             INTEGER NOT NULL DEFAULT 0,
    created_at          DATETIME NOT NULL,
    updated_at          DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS queue_items (
    id               TEXT PRIMARY KEY,
    tenant_id        TEXT NOT NULL,
    queue_id         TEXT NOT NULL,
    priority         INTEGER NOT NULL,
    payload          BLOB,
    requires         TEXT NOT NULL DEFAULT '[]',
    status           TEXT NOT NULL,
    attempt_count    INTEGER NOT NULL DEFAULT 0,
    next_retry_at    DATETIME,
    execution_id     TEXT,
    result           BLOB,
    error            TEXT NOT NULL DEFAULT '',
    leased_by        TEXT NOT NULL DEFAULT '',
    lease_expires_at DATETIME,
    lease_epoch      INTEGER NOT NULL DEFAULT 0,
    version          INTEGER NOT NULL DEFAULT 0,
    created_at       DATETIME NOT NULL,
    updated_at       DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_items_dispatch ON queue_items (queue_id, status, priority DESC, created_at);

CREATE TABLE IF NOT EXISTS jobs (
    id                  TEXT PRIMARY KEY,
    tenant_id           TEXT NOT NULL,
    name                TEXT NOT NULL,
    package             TEXT NOT NULL,
    parameters          BLOB,
    requires            TEXT NOT NULL DEFAULT '[]',
    schedule            TEXT NOT NULL DEFAULT '',
    priority            INTEGER NOT NULL DEFAULT 0,
    timeout_seconds     INTEGER NOT NULL,
    retry_count         INTEGER NOT NULL,
    retry_delay_seconds INTEGER NOT NULL,
    backoff             TEXT NOT NULL,
    enabled             INTEGER NOT NULL DEFAULT 1,
    version             INTEGER NOT NULL DEFAULT 0,
    created_at          DATETIME NOT NULL,
    updated_at          DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS executions (
    id                  TEXT PRIMARY KEY,
    tenant_id           TEXT NOT NULL,
    job_id              TEXT NOT NULL,
    parent_execution_id TEXT NOT NULL DEFAULT '',
    trigger_source      TEXT NOT NULL,
    parameters          BLOB,
    status              TEXT NOT NULL,
    attempt             INTEGER NOT NULL DEFAULT 1,
    agent_id            TEXT NOT NULL DEFAULT '',
    result              BLOB,
    error               TEXT NOT NULL DEFAULT '',
    leased_by           TEXT NOT NULL DEFAULT '',
    lease_expires_at    DATETIME,
    lease_epoch         INTEGER NOT NULL DEFAULT 0,
    not_before          DATETIME,
    version             INTEGER NOT NULL DEFAULT 0,
    created_at          DATETIME NOT NULL,
    started_at          DATETIME,
    finished_at         DATETIME,
    updated_at          DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_executions_active ON executions (tenant_id, status);

CREATE TABLE IF NOT EXISTS agents (
    id                TEXT PRIMARY KEY,
    tenant_id         TEXT NOT NULL,
    name              TEXT NOT NULL,
    capabilities      TEXT NOT NULL DEFAULT '[]',
    status            TEXT NOT NULL,
    last_heartbeat_at DATETIME NOT NULL,
    last_package      TEXT NOT NULL DEFAULT '',
    version           INTEGER NOT NULL DEFAULT 0,
    created_at        DATETIME NOT NULL,
    updated_at        DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS notification_rules (
    id          TEXT PRIMARY KEY,
    tenant_id   TEXT NOT NULL,
    name        TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    condition   TEXT NOT NULL,
    severity    TEXT NOT NULL,
    channels    BLOB,
    enabled     INTEGER NOT NULL DEFAULT 1,
    created_at  DATETIME NOT NULL
)`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and creates the schema.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// encodeStrings serializes a string slice for storage; nil becomes "[]".
func encodeStrings(ss []string) string {
	if len(ss) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(ss)
	return string(b)
}

func decodeStrings(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var ss []string
	if err := json.Unmarshal([]byte(raw), &ss); err != nil {
		return nil
	}
	return ss
}

func (s *SQLiteStore) CreateTenant(ctx context.Context, t *model.Tenant) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants (id, name, max_concurrent_jobs, max_agents, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.MaxConcurrentJobs, t.MaxAgents, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert tenant: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetTenant(ctx context.Context, id string) (*model.Tenant, error) {
	t := &model.Tenant{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, max_concurrent_jobs, max_agents, created_at FROM tenants WHERE id = ?`, id,
	).Scan(&t.ID, &t.Name, &t.MaxConcurrentJobs, &t.MaxAgents, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) CreateQueue(ctx context.Context, q *model.Queue) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO queues (
			id, tenant_id, name, status, max_retries, retry_delay_seconds,
			timeout_seconds, backoff, version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.ID, q.TenantID, q.Name, q.Status, q.MaxRetries, q.RetryDelaySeconds,
		q.TimeoutSeconds, q.Backoff, q.Version, q.CreatedAt, q.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert queue: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetQueue(ctx context.Context, id string) (*model.Queue, error) {
	q := &model.Queue{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, status, max_retries, retry_delay_seconds,
			timeout_seconds, backoff, version, created_at, updated_at
		FROM queues WHERE id = ?`, id,
	).Scan(&q.ID, &q.TenantID, &q.Name, &q.Status, &q.MaxRetries, &q.RetryDelaySeconds,
		&q.TimeoutSeconds, &q.Backoff, &q.Version, &q.CreatedAt, &q.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get queue: %w", err)
	}
	return q, nil
}

func (s *SQLiteStore) UpdateQueueStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queues SET status = ?, version = version + 1, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update queue status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListQueues(ctx context.Context, tenantID string) ([]*model.Queue, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, name, status, max_retries, retry_delay_seconds,
			timeout_seconds, backoff, version, created_at, updated_at
		FROM queues WHERE tenant_id = ? ORDER BY created_at`, tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}
	defer rows.Close()

	var queues []*model.Queue
	for rows.Next() {
		q := &model.Queue{}
		if err := rows.Scan(&q.ID, &q.TenantID, &q.Name, &q.Status, &q.MaxRetries,
			&q.RetryDelaySeconds, &q.TimeoutSeconds, &q.Backoff, &q.Version,
			&q.CreatedAt, &q.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan queue: %w", err)
		}
		queues = append(queues, q)
	}
	return queues, rows.Err()
}

const itemColumns = `id, tenant_id, queue_id, priority, payload, requires, status,
	attempt_count, next_retry_at, execution_id, result, error,
	leased_by, lease_expires_at, lease_epoch, version, created_at, updated_at`

func scanItem(row interface{ Scan(...any) error }) (*model.QueueItem, error) {
	it := &model.QueueItem{}
	var requires string
	var execID sql.NullString
	var payload, result []byte
	err := row.Scan(&it.ID, &it.TenantID, &it.QueueID, &it.Priority, &payload,
		&requires, &it.Status, &it.AttemptCount, &it.NextRetryAt, &execID,
		&result, &it.Error, &it.LeasedBy, &it.LeaseExpires, &it.LeaseEpoch,
		&it.Version, &it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		return nil, err
	}
	it.Payload = payload
	it.Result = result
	it.Requires = decodeStrings(requires)
	it.ExecutionID = execID.String
	return it, nil
}

func (s *SQLiteStore) CreateItem(ctx context.Context, it *model.QueueItem) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO queue_items (`+itemColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.ID, it.TenantID, it.QueueID, it.Priority, []byte(it.Payload),
		encodeStrings(it.Requires), it.Status, it.AttemptCount, it.NextRetryAt,
		it.ExecutionID, []byte(it.Result), it.Error, it.LeasedBy, it.LeaseExpires,
		it.LeaseEpoch, it.Version, it.CreatedAt, it.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert item: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetItem(ctx context.Context, id string) (*model.QueueItem, error) {
	it, err := scanItem(s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM queue_items WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	return it, nil
}

// UpdateItem writes the item back guarded by its version: the update only
// lands if no other writer touched the row since it was read. On success
// the in-memory Version is advanced to match the stored row.
func (s *SQLiteStore) UpdateItem(ctx context.Context, it *model.QueueItem) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_items SET
			priority = ?, status = ?, attempt_count = ?, next_retry_at = ?,
			execution_id = ?, result = ?, error = ?, leased_by = ?,
			lease_expires_at = ?, lease_epoch = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		it.Priority, it.Status, it.AttemptCount, it.NextRetryAt, it.ExecutionID,
		[]byte(it.Result), it.Error, it.LeasedBy, it.LeaseExpires, it.LeaseEpoch,
		it.UpdatedAt, it.ID, it.Version,
	)
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return s.conflictOrMissing(ctx, "queue_items", it.ID)
	}
	it.Version++
	return nil
}

func (s *SQLiteStore) ListEligibleItems(ctx context.Context, queueID string, now time.Time, limit int) ([]*model.QueueItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM queue_items
		WHERE queue_id = ?
		  AND (status = ? OR (status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?))
		ORDER BY priority DESC, created_at ASC, id ASC
		LIMIT ?`,
		queueID, model.ItemNew, model.ItemRetrying, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list eligible items: %w", err)
	}
	defer rows.Close()
	return collectItems(rows)
}

func (s *SQLiteStore) ListItems(ctx context.Context, queueID, status string, limit, offset int) ([]*model.QueueItem, int, error) {
	where := "queue_id = ?"
	args := []any{queueID}
	if status != "" {
		where += " AND status = ?"
		args = append(args, status)
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM queue_items WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count items: %w", err)
	}

	args = append(args, limit, offset)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM queue_items WHERE `+where+`
		ORDER BY created_at DESC LIMIT ? OFFSET ?`, args...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	items, err := collectItems(rows)
	return items, total, err
}

func (s *SQLiteStore) ListExpiredLeasedItems(ctx context.Context, now time.Time) ([]*model.QueueItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM queue_items
		WHERE status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?`,
		model.ItemProcessing, now,
	)
	if err != nil {
		return nil, fmt.Errorf("list expired leased items: %w", err)
	}
	defer rows.Close()
	return collectItems(rows)
}

func (s *SQLiteStore) ListItemsLeasedBy(ctx context.Context, agentID string) ([]*model.QueueItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM queue_items
		WHERE leased_by = ? AND status = ?`,
		agentID, model.ItemProcessing,
	)
	if err != nil {
		return nil, fmt.Errorf("list items leased by agent: %w", err)
	}
	defer rows.Close()
	return collectItems(rows)
}

func collectItems(rows *sql.Rows) ([]*model.QueueItem, error) {
	var items []*model.QueueItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (s *SQLiteStore) GetQueueStats(ctx context.Context, queueID string) (*QueueStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM queue_items WHERE queue_id = ? GROUP BY status`, queueID,
	)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := &QueueStats{CountByStatus: make(map[string]int)}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan queue stats: %w", err)
		}
		stats.CountByStatus[status] = n
		stats.Total += n
	}
	return stats, rows.Err()
}

func (s *SQLiteStore) CreateJob(ctx context.Context, j *model.Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (
			id, tenant_id, name, package, parameters, requires, schedule, priority,
			timeout_seconds, retry_count, retry_delay_seconds, backoff, enabled,
			version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.TenantID, j.Name, j.Package, []byte(j.Parameters),
		encodeStrings(j.Requires), j.Schedule, j.Priority, j.TimeoutSeconds,
		j.RetryCount, j.RetryDelaySeconds, j.Backoff, j.Enabled, j.Version,
		j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

const jobColumns = `id, tenant_id, name, package, parameters, requires, schedule, priority,
	timeout_seconds, retry_count, retry_delay_seconds, backoff, enabled,
	version, created_at, updated_at`

func scanJob(row interface{ Scan(...any) error }) (*model.Job, error) {
	j := &model.Job{}
	var requires string
	var params []byte
	err := row.Scan(&j.ID, &j.TenantID, &j.Name, &j.Package, &params,
		&requires, &j.Schedule, &j.Priority, &j.TimeoutSeconds, &j.RetryCount,
		&j.RetryDelaySeconds, &j.Backoff, &j.Enabled, &j.Version, &j.CreatedAt,
		&j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.Parameters = params
	j.Requires = decodeStrings(requires)
	return j, nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, tenantID string, enabledOnly bool) ([]*model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE tenant_id = ?`
	args := []any{tenantID}
	if tenantID == "" {
		query = `SELECT ` + jobColumns + ` FROM jobs WHERE 1 = 1`
		args = nil
	}
	if enabledOnly {
		query += ` AND enabled = 1`
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ListScheduledJobs returns every enabled job with a cron schedule,
// across all tenants.
func (s *SQLiteStore) ListScheduledJobs(ctx context.Context) ([]*model.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE enabled = 1 AND schedule != '' ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list scheduled jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

const execColumns = `id, tenant_id, job_id, parent_execution_id, trigger_source, parameters,
	status, attempt, agent_id, result, error, leased_by, lease_expires_at,
	lease_epoch, not_before, version, created_at, started_at, finished_at, updated_at`

func scanExecution(row interface{ Scan(...any) error }) (*model.JobExecution, error) {
	e := &model.JobExecution{}
	var params, result []byte
	err := row.Scan(&e.ID, &e.TenantID, &e.JobID, &e.ParentExecutionID,
		&e.TriggerSource, &params, &e.Status, &e.Attempt, &e.AgentID,
		&result, &e.Error, &e.LeasedBy, &e.LeaseExpires, &e.LeaseEpoch,
		&e.NotBefore, &e.Version, &e.CreatedAt, &e.StartedAt, &e.FinishedAt,
		&e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.Parameters = params
	e.Result = result
	return e, nil
}

func (s *SQLiteStore) CreateExecution(ctx context.Context, e *model.JobExecution) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (`+execColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TenantID, e.JobID, e.ParentExecutionID, e.TriggerSource,
		[]byte(e.Parameters), e.Status, e.Attempt, e.AgentID, []byte(e.Result),
		e.Error, e.LeasedBy, e.LeaseExpires, e.LeaseEpoch, e.NotBefore,
		e.Version, e.CreatedAt, e.StartedAt, e.FinishedAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*model.JobExecution, error) {
	e, err := scanExecution(s.db.QueryRowContext(ctx,
		`SELECT `+execColumns+` FROM executions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return e, nil
}

// UpdateExecution is the CAS counterpart of UpdateItem for executions.
func (s *SQLiteStore) UpdateExecution(ctx context.Context, e *model.JobExecution) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET
			status = ?, attempt = ?, agent_id = ?, result = ?, error = ?,
			leased_by = ?, lease_expires_at = ?, lease_epoch = ?,
			version = version + 1, started_at = ?, finished_at = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		e.Status, e.Attempt, e.AgentID, []byte(e.Result), e.Error, e.LeasedBy,
		e.LeaseExpires, e.LeaseEpoch, e.StartedAt, e.FinishedAt, e.UpdatedAt,
		e.ID, e.Version,
	)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return s.conflictOrMissing(ctx, "executions", e.ID)
	}
	e.Version++
	return nil
}

func (s *SQLiteStore) ListExecutions(ctx context.Context, tenantID, status string, limit, offset int) ([]*model.JobExecution, int, error) {
	where := "tenant_id = ?"
	args := []any{tenantID}
	if status != "" {
		where += " AND status = ?"
		args = append(args, status)
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM executions WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count executions: %w", err)
	}

	args = append(args, limit, offset)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+execColumns+` FROM executions WHERE `+where+`
		ORDER BY created_at DESC LIMIT ? OFFSET ?`, args...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	execs, err := collectExecutions(rows)
	return execs, total, err
}

func (s *SQLiteStore) ListQueuedExecutions(ctx context.Context, now time.Time, limit int) ([]*model.JobExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+execColumns+` FROM executions
		WHERE status = ? AND leased_by = ''
		  AND (not_before IS NULL OR not_before <= ?)
		ORDER BY created_at ASC LIMIT ?`,
		model.ExecQueued, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list queued executions: %w", err)
	}
	defer rows.Close()
	return collectExecutions(rows)
}

func (s *SQLiteStore) ListExpiredLeasedExecutions(ctx context.Context, now time.Time) ([]*model.JobExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+execColumns+` FROM executions
		WHERE status IN (?, ?) AND leased_by != ''
		  AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?`,
		model.ExecQueued, model.ExecRunning, now,
	)
	if err != nil {
		return nil, fmt.Errorf("list expired leased executions: %w", err)
	}
	defer rows.Close()
	return collectExecutions(rows)
}

func (s *SQLiteStore) ListExecutionsLeasedBy(ctx context.Context, agentID string) ([]*model.JobExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+execColumns+` FROM executions
		WHERE leased_by = ? AND status IN (?, ?)`,
		agentID, model.ExecQueued, model.ExecRunning,
	)
	if err != nil {
		return nil, fmt.Errorf("list executions leased by agent: %w", err)
	}
	defer rows.Close()
	return collectExecutions(rows)
}

func collectExecutions(rows *sql.Rows) ([]*model.JobExecution, error) {
	var execs []*model.JobExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

// CountActiveExecutions returns the number of queued+running executions
// per tenant. Used once at startup to seed the admission counters; the
// live counts are maintained in memory afterwards.
func (s *SQLiteStore) CountActiveExecutions(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id, COUNT(*) FROM executions
		WHERE status IN (?, ?) GROUP BY tenant_id`,
		model.ExecQueued, model.ExecRunning,
	)
	if err != nil {
		return nil, fmt.Errorf("count active executions: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var tenant string
		var n int
		if err := rows.Scan(&tenant, &n); err != nil {
			return nil, fmt.Errorf("scan active count: %w", err)
		}
		counts[tenant] = n
	}
	return counts, rows.Err()
}

const agentColumns = `id, tenant_id, name, capabilities, status, last_heartbeat_at,
	last_package, version, created_at, updated_at`

func scanAgent(row interface{ Scan(...any) error }) (*model.Agent, error) {
	a := &model.Agent{}
	var caps string
	err := row.Scan(&a.ID, &a.TenantID, &a.Name, &caps, &a.Status,
		&a.LastHeartbeat, &a.LastPackage, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Capabilities = decodeStrings(caps)
	return a, nil
}

func (s *SQLiteStore) CreateAgent(ctx context.Context, a *model.Agent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (`+agentColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TenantID, a.Name, encodeStrings(a.Capabilities), a.Status,
		a.LastHeartbeat, a.LastPackage, a.Version, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	a, err := scanAgent(s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func (s *SQLiteStore) UpdateAgent(ctx context.Context, a *model.Agent) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET
			capabilities = ?, status = ?, last_heartbeat_at = ?, last_package = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		encodeStrings(a.Capabilities), a.Status, a.LastHeartbeat, a.LastPackage,
		a.UpdatedAt, a.ID, a.Version,
	)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return s.conflictOrMissing(ctx, "agents", a.ID)
	}
	a.Version++
	return nil
}

func (s *SQLiteStore) ListAgents(ctx context.Context, tenantID string) ([]*model.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	var args []any
	if tenantID != "" {
		query += ` WHERE tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()
	return collectAgents(rows)
}

func (s *SQLiteStore) ListIdleAgents(ctx context.Context) ([]*model.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE status = ? ORDER BY last_heartbeat_at DESC`,
		model.AgentOnline,
	)
	if err != nil {
		return nil, fmt.Errorf("list idle agents: %w", err)
	}
	defer rows.Close()
	return collectAgents(rows)
}

func (s *SQLiteStore) ListStaleAgents(ctx context.Context, cutoff time.Time) ([]*model.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents
		WHERE status != ? AND last_heartbeat_at <= ?`,
		model.AgentOffline, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("list stale agents: %w", err)
	}
	defer rows.Close()
	return collectAgents(rows)
}

func collectAgents(rows *sql.Rows) ([]*model.Agent, error) {
	var agents []*model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *SQLiteStore) CountAgents(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agents WHERE tenant_id = ? AND status != ?`,
		tenantID, model.AgentOffline,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count agents: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) CreateRule(ctx context.Context, r *model.NotificationRule) error {
	cond, err := json.Marshal(r.Condition)
	if err != nil {
		return fmt.Errorf("marshal condition: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO notification_rules (
			id, tenant_id, name, entity_type, condition, severity, channels, enabled, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TenantID, r.Name, r.EntityType, string(cond), r.Severity,
		[]byte(r.Channels), r.Enabled, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListEnabledRules(ctx context.Context, entityType string) ([]*model.NotificationRule, error) {
	query := `SELECT id, tenant_id, name, entity_type, condition, severity, channels, enabled, created_at
		FROM notification_rules WHERE enabled = 1`
	var args []any
	if entityType != "" {
		query += ` AND entity_type = ?`
		args = append(args, entityType)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var rules []*model.NotificationRule
	for rows.Next() {
		r := &model.NotificationRule{}
		var cond string
		var channels []byte
		if err := rows.Scan(&r.ID, &r.TenantID, &r.Name, &r.EntityType, &cond,
			&r.Severity, &channels, &r.Enabled, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		r.Channels = channels
		if err := json.Unmarshal([]byte(cond), &r.Condition); err != nil {
			return nil, fmt.Errorf("unmarshal condition: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// conflictOrMissing distinguishes a lost CAS race from a missing row after
// an update matched zero rows.
func (s *SQLiteStore) conflictOrMissing(ctx context.Context, table, id string) error {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM "+table+" WHERE id = ?", id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check %s existence: %w", table, err)
	}
	return ErrVersionConflict
}
