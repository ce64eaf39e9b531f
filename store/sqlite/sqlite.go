// Package sqlite is the primary State Manager backend (spec §4.6):
// a single embedded SQLite database with WAL, single-writer connection
// pool, check-constrained enums, and the named indices spec.md requires.
//
// Grounded on graph/store/sqlite.go's WAL pragma / busy_timeout /
// single-writer-pool / upsert-via-ON-CONFLICT conventions, generalized
// from a single generic JSON-blob checkpoint table to the concrete
// workflows/phases/events/port_allocations relational schema this
// domain needs (daily metrics are computed from workflows on demand,
// not stored).
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/devflow/orchestrator/domain"
	"github.com/devflow/orchestrator/errkind"
	"github.com/devflow/orchestrator/store"
)

// Store is a SQLite-backed store.Store implementation.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex // serializes the single writer path (spec §4.6)
	path   string
	closed bool
}

// New opens (and migrates) the database at path. Use ":memory:" for an
// ephemeral in-process database, matching the teacher's NewSQLiteStore
// convention.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies additive, idempotent migrations in version order,
// recording each in schema_version (spec §4.6).
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return err
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM schema_version WHERE version = ?`, m.version).Scan(&exists)
		if err != nil {
			return err
		}
		if exists > 0 {
			continue
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, m.version); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

type migration struct {
	version int
	sql     string
}

var migrations = []migration{
	{1, `
		CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			kind TEXT NOT NULL CHECK (kind IN ('standard','tdd','plan-only','test-only','review-only')),
			state TEXT NOT NULL CHECK (state IN ('created','initialized','running','paused','completed','failed','cancelled','stuck','archived')),
			created_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			last_activity_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP,
			archived_at TIMESTAMP,
			issue_ref TEXT,
			branch TEXT,
			base_branch TEXT NOT NULL DEFAULT 'main',
			worktree_path TEXT,
			tags TEXT NOT NULL DEFAULT '[]',
			metadata TEXT NOT NULL DEFAULT '{}',
			exit_code INTEGER,
			error_message TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0 CHECK (retry_count >= 0),
			cost_usd REAL NOT NULL DEFAULT 0 CHECK (cost_usd >= 0),
			total_tokens INTEGER NOT NULL DEFAULT 0 CHECK (total_tokens >= 0),
			phase_count INTEGER NOT NULL DEFAULT 0 CHECK (phase_count >= 0),
			backend_port INTEGER CHECK (backend_port IS NULL OR (backend_port BETWEEN 9100 AND 9199)),
			frontend_port INTEGER CHECK (frontend_port IS NULL OR (frontend_port BETWEEN 9200 AND 9299)),
			issue_class TEXT NOT NULL DEFAULT '' CHECK (issue_class IN ('','feature','bug','test','refactor','docs','chore')),
			model_set TEXT NOT NULL DEFAULT 'base' CHECK (model_set IN ('base','fast','powerful')),
			budget_usd REAL,
			CHECK ((archived_at IS NOT NULL) = (state = 'archived'))
		);
		CREATE INDEX IF NOT EXISTS idx_workflows_state ON workflows(state);
		CREATE INDEX IF NOT EXISTS idx_workflows_created_at ON workflows(created_at);
		CREATE INDEX IF NOT EXISTS idx_workflows_last_activity_at ON workflows(last_activity_at);
		CREATE INDEX IF NOT EXISTS idx_workflows_kind ON workflows(kind);
		CREATE INDEX IF NOT EXISTS idx_workflows_state_created_at ON workflows(state, created_at);
		CREATE INDEX IF NOT EXISTS idx_workflows_issue_ref ON workflows(issue_ref);
		CREATE INDEX IF NOT EXISTS idx_workflows_backend_port ON workflows(backend_port);
		CREATE INDEX IF NOT EXISTS idx_workflows_frontend_port ON workflows(frontend_port);
		CREATE INDEX IF NOT EXISTS idx_workflows_issue_class ON workflows(issue_class);
	`},
	{2, `
		CREATE TABLE IF NOT EXISTS phases (
			workflow_id TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
			name TEXT NOT NULL CHECK (name IN ('plan','build','test','review','deploy','generate_tests','verify_red','verify_green','refactor')),
			attempt INTEGER NOT NULL CHECK (attempt >= 1),
			idx INTEGER NOT NULL,
			state TEXT NOT NULL CHECK (state IN ('pending','running','completed','failed','skipped')),
			started_at TIMESTAMP,
			completed_at TIMESTAMP,
			duration_seconds REAL,
			exit_code INTEGER,
			error_message TEXT,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			llm_requests INTEGER NOT NULL DEFAULT 0,
			llm_tokens_in INTEGER NOT NULL DEFAULT 0,
			llm_tokens_out INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0 CHECK (cost_usd >= 0),
			PRIMARY KEY (workflow_id, name, attempt)
		);
		CREATE INDEX IF NOT EXISTS idx_phases_workflow_id ON phases(workflow_id);
	`},
	{3, `
		CREATE TABLE IF NOT EXISTS events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			workflow_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			phase_name TEXT,
			from_state TEXT,
			to_state TEXT,
			message TEXT,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_events_workflow_id_seq ON events(workflow_id, seq);
	`},
	{4, `
		CREATE TABLE IF NOT EXISTS port_allocations (
			workflow_id TEXT PRIMARY KEY,
			kind TEXT NOT NULL CHECK (kind IN ('backend','frontend')),
			port INTEGER NOT NULL,
			UNIQUE(kind, port)
		);
	`},
}

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// --- Workflow operations ---

func (s *Store) CreateWorkflow(ctx context.Context, w *domain.Workflow) error {
	if err := w.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tags, err := json.Marshal(normalizeTags(w.Tags))
	if err != nil {
		return err
	}
	meta, err := json.Marshal(orEmptyMap(w.Metadata))
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflows (
			id, name, kind, state, created_at, started_at, last_activity_at, completed_at,
			archived_at, issue_ref, branch, base_branch, worktree_path, tags, metadata,
			exit_code, error_message, retry_count, cost_usd, total_tokens, phase_count,
			backend_port, frontend_port, issue_class, model_set, budget_usd
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	`,
		w.ID, w.Name, string(w.Kind), string(w.State), w.CreatedAt, nullTime(w.StartedAt), w.LastActivityAt,
		nullTime(w.CompletedAt), nullTime(w.ArchivedAt), w.IssueRef, w.Branch, w.BaseBranch, w.WorktreePath,
		string(tags), string(meta), nullInt(w.ExitCode), w.ErrorMessage, w.RetryCount, w.CostUSD,
		w.TotalTokens, w.PhaseCount, nullInt(w.BackendPort), nullInt(w.FrontendPort), string(w.IssueClass),
		string(w.ModelSet), nullFloat(w.BudgetUSD),
	)
	return err
}

func (s *Store) GetWorkflow(ctx context.Context, id string) (*domain.Workflow, error) {
	row := s.db.QueryRowContext(ctx, workflowSelect+` WHERE id = ?`, id)
	w, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	return w, err
}

const workflowSelect = `
	SELECT id, name, kind, state, created_at, started_at, last_activity_at, completed_at,
		archived_at, issue_ref, branch, base_branch, worktree_path, tags, metadata,
		exit_code, error_message, retry_count, cost_usd, total_tokens, phase_count,
		backend_port, frontend_port, issue_class, model_set, budget_usd
	FROM workflows`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (*domain.Workflow, error) {
	var w domain.Workflow
	var kind, state, issueClass, modelSet string
	var startedAt, completedAt, archivedAt sql.NullTime
	var tags, meta string
	var exitCode, backendPort, frontendPort sql.NullInt64
	var budget sql.NullFloat64

	err := row.Scan(
		&w.ID, &w.Name, &kind, &state, &w.CreatedAt, &startedAt, &w.LastActivityAt, &completedAt,
		&archivedAt, &w.IssueRef, &w.Branch, &w.BaseBranch, &w.WorktreePath, &tags, &meta,
		&exitCode, &w.ErrorMessage, &w.RetryCount, &w.CostUSD, &w.TotalTokens, &w.PhaseCount,
		&backendPort, &frontendPort, &issueClass, &modelSet, &budget,
	)
	if err != nil {
		return nil, err
	}

	w.Kind = domain.WorkflowKind(kind)
	w.State = domain.WorkflowState(state)
	w.IssueClass = domain.IssueClass(issueClass)
	w.ModelSet = domain.ModelSet(modelSet)
	w.StartedAt = timeOrNil(startedAt)
	w.CompletedAt = timeOrNil(completedAt)
	w.ArchivedAt = timeOrNil(archivedAt)
	w.ExitCode = intOrNil(exitCode)
	w.BackendPort = intOrNil(backendPort)
	w.FrontendPort = intOrNil(frontendPort)
	w.BudgetUSD = floatOrNil(budget)

	if tags != "" {
		_ = json.Unmarshal([]byte(tags), &w.Tags)
	}
	if meta != "" {
		_ = json.Unmarshal([]byte(meta), &w.Metadata)
	}
	return &w, nil
}

func (s *Store) ListWorkflows(ctx context.Context, filter store.WorkflowFilter) ([]*domain.Workflow, error) {
	q := workflowSelect
	var args []any
	var clauses []string

	if filter.State != "" {
		clauses = append(clauses, "state = ?")
		args = append(args, string(filter.State))
	}
	if filter.Kind != "" {
		clauses = append(clauses, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.IssueRef != "" {
		clauses = append(clauses, "issue_ref = ?")
		args = append(args, filter.IssueRef)
	}
	if len(clauses) > 0 {
		q += " WHERE " + strings.Join(clauses, " AND ")
	}
	q += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			q += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		if filter.Tag != "" && !containsString(w.Tags, filter.Tag) {
			continue
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// UpdateWorkflowCAS loads the row, applies mutate, and writes it back only
// if the row's state is still expectedState at write time — a single-row
// compare-and-swap guarded by state, per spec §4.6/§9 ("SQL as the sync
// primitive").
func (s *Store) UpdateWorkflowCAS(ctx context.Context, id string, expectedState domain.WorkflowState, mutate func(*domain.Workflow) error) (*domain.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, workflowSelect+` WHERE id = ?`, id)
	w, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if w.State != expectedState {
		return nil, store.ErrCASConflict
	}

	if err := mutate(w); err != nil {
		return nil, err
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}

	tags, err := json.Marshal(normalizeTags(w.Tags))
	if err != nil {
		return nil, err
	}
	meta, err := json.Marshal(orEmptyMap(w.Metadata))
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE workflows SET
			name=?, kind=?, state=?, started_at=?, last_activity_at=?, completed_at=?, archived_at=?,
			issue_ref=?, branch=?, base_branch=?, worktree_path=?, tags=?, metadata=?, exit_code=?,
			error_message=?, retry_count=?, cost_usd=?, total_tokens=?, phase_count=?, backend_port=?,
			frontend_port=?, issue_class=?, model_set=?, budget_usd=?
		WHERE id = ? AND state = ?
	`,
		w.Name, string(w.Kind), string(w.State), nullTime(w.StartedAt), w.LastActivityAt, nullTime(w.CompletedAt),
		nullTime(w.ArchivedAt), w.IssueRef, w.Branch, w.BaseBranch, w.WorktreePath, string(tags), string(meta),
		nullInt(w.ExitCode), w.ErrorMessage, w.RetryCount, w.CostUSD, w.TotalTokens, w.PhaseCount,
		nullInt(w.BackendPort), nullInt(w.FrontendPort), string(w.IssueClass), string(w.ModelSet),
		nullFloat(w.BudgetUSD), id, string(expectedState),
	)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, store.ErrCASConflict
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return w, nil
}

func (s *Store) ArchiveWorkflow(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var state string
	err = tx.QueryRowContext(ctx, `SELECT state FROM workflows WHERE id = ?`, id).Scan(&state)
	if err == sql.ErrNoRows {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	if state == string(domain.WorkflowArchived) {
		return nil // idempotent
	}
	if !domain.CanTransition(domain.WorkflowState(state), domain.WorkflowArchived) {
		return fmt.Errorf("workflow %s: cannot archive from state %s", id, state)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `UPDATE workflows SET state=?, archived_at=? WHERE id=?`,
		string(domain.WorkflowArchived), now, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM phases WHERE workflow_id=?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE workflow_id=?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM port_allocations WHERE workflow_id=?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Phase operations ---

func (s *Store) CreatePhase(ctx context.Context, p *domain.Phase) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO phases (
			workflow_id, name, attempt, idx, state, started_at, completed_at, duration_seconds,
			exit_code, error_message, max_attempts, llm_requests, llm_tokens_in, llm_tokens_out, cost_usd
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	`,
		p.WorkflowID, string(p.Name), p.Attempt, p.Index, string(p.State), nullTime(p.StartedAt),
		nullTime(p.CompletedAt), nullFloat(p.DurationSeconds), nullInt(p.ExitCode), p.ErrorMessage,
		p.MaxAttempts, p.LLMRequests, p.LLMTokensIn, p.LLMTokensOut, p.CostUSD,
	)
	if isUniqueViolation(err) {
		return store.ErrDuplicatePhase
	}
	return err
}

const phaseSelect = `
	SELECT workflow_id, name, attempt, idx, state, started_at, completed_at, duration_seconds,
		exit_code, error_message, max_attempts, llm_requests, llm_tokens_in, llm_tokens_out, cost_usd
	FROM phases`

func scanPhase(row rowScanner) (*domain.Phase, error) {
	var p domain.Phase
	var name, state string
	var startedAt, completedAt sql.NullTime
	var duration sql.NullFloat64
	var exitCode sql.NullInt64

	err := row.Scan(&p.WorkflowID, &name, &p.Attempt, &p.Index, &state, &startedAt, &completedAt,
		&duration, &exitCode, &p.ErrorMessage, &p.MaxAttempts, &p.LLMRequests, &p.LLMTokensIn,
		&p.LLMTokensOut, &p.CostUSD)
	if err != nil {
		return nil, err
	}
	p.Name = domain.PhaseName(name)
	p.State = domain.PhaseState(state)
	p.StartedAt = timeOrNil(startedAt)
	p.CompletedAt = timeOrNil(completedAt)
	p.DurationSeconds = floatOrNil(duration)
	p.ExitCode = intOrNil(exitCode)
	return &p, nil
}

func (s *Store) GetPhase(ctx context.Context, workflowID string, name domain.PhaseName, attempt int) (*domain.Phase, error) {
	row := s.db.QueryRowContext(ctx, phaseSelect+` WHERE workflow_id=? AND name=? AND attempt=?`, workflowID, string(name), attempt)
	p, err := scanPhase(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	return p, err
}

func (s *Store) UpdatePhase(ctx context.Context, p *domain.Phase) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE phases SET state=?, started_at=?, completed_at=?, duration_seconds=?, exit_code=?,
			error_message=?, llm_requests=?, llm_tokens_in=?, llm_tokens_out=?, cost_usd=?
		WHERE workflow_id=? AND name=? AND attempt=?
	`,
		string(p.State), nullTime(p.StartedAt), nullTime(p.CompletedAt), nullFloat(p.DurationSeconds),
		nullInt(p.ExitCode), p.ErrorMessage, p.LLMRequests, p.LLMTokensIn, p.LLMTokensOut, p.CostUSD,
		p.WorkflowID, string(p.Name), p.Attempt,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListPhases(ctx context.Context, workflowID string) ([]*domain.Phase, error) {
	rows, err := s.db.QueryContext(ctx, phaseSelect+` WHERE workflow_id=? ORDER BY idx, attempt`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Phase
	for rows.Next() {
		p, err := scanPhase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Event operations ---

func (s *Store) AppendEvent(ctx context.Context, e *domain.Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := json.Marshal(orEmptyMap(e.Metadata))
	if err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events (workflow_id, event_type, severity, phase_name, from_state, to_state, message, metadata, created_at)
		VALUES (?,?,?,?,?,?,?,?,?)
	`, e.WorkflowID, string(e.EventType), string(e.Severity), string(e.PhaseName), e.FromState, e.ToState,
		e.Message, string(meta), e.CreatedAt)
	if err != nil {
		return 0, err
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	e.Seq = seq
	return seq, nil
}

func (s *Store) RangeEvents(ctx context.Context, workflowID string, sinceSeq int64) ([]domain.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, workflow_id, event_type, severity, phase_name, from_state, to_state, message, metadata, created_at
		FROM events WHERE workflow_id = ? AND seq > ? ORDER BY seq ASC
	`, workflowID, sinceSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		var eventType, severity, phaseName string
		var fromState, toState, message sql.NullString
		var meta string
		if err := rows.Scan(&e.Seq, &e.WorkflowID, &eventType, &severity, &phaseName, &fromState, &toState,
			&message, &meta, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.EventType = domain.EventType(eventType)
		e.Severity = domain.Severity(severity)
		e.PhaseName = domain.PhaseName(phaseName)
		e.FromState = fromState.String
		e.ToState = toState.String
		e.Message = message.String
		if meta != "" {
			_ = json.Unmarshal([]byte(meta), &e.Metadata)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Aggregate ---

func (s *Store) Aggregate(ctx context.Context, date string, kind domain.WorkflowKind) (*domain.MetricsAggregate, error) {
	agg := &domain.MetricsAggregate{Date: date, Kind: kind}

	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN state='completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state='failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state='cancelled' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(cost_usd), 0),
			COALESCE(SUM(CAST(strftime('%s', completed_at) AS REAL) - CAST(strftime('%s', started_at) AS REAL)), 0)
		FROM workflows
		WHERE kind = ? AND date(created_at) = ?
	`, string(kind), date)

	if err := row.Scan(&agg.WorkflowCount, &agg.CompletedCount, &agg.FailedCount, &agg.CancelledCount,
		&agg.TotalCostUSD, &agg.TotalDurationSec); err != nil {
		return nil, err
	}
	if agg.WorkflowCount > 0 {
		agg.SuccessRate = float64(agg.CompletedCount) / float64(agg.WorkflowCount)
	}
	return agg, nil
}

// --- Port allocation ---

func (s *Store) AllocatePort(ctx context.Context, kind string, workflowID string) (int, error) {
	var min, max int
	switch kind {
	case "backend":
		min, max = domain.BackendPortMin, domain.BackendPortMax
	case "frontend":
		min, max = domain.FrontendPortMin, domain.FrontendPortMax
	default:
		return 0, fmt.Errorf("unknown port kind %q", kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT port FROM port_allocations WHERE kind = ?`, kind)
	if err != nil {
		return 0, err
	}
	used := map[int]bool{}
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return 0, err
		}
		used[p] = true
	}
	rows.Close()

	port := -1
	for p := min; p <= max; p++ {
		if !used[p] {
			port = p
			break
		}
	}
	if port == -1 {
		return 0, errkind.ErrResourceExhausted
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO port_allocations (workflow_id, kind, port) VALUES (?,?,?)
		ON CONFLICT(workflow_id) DO UPDATE SET kind=excluded.kind, port=excluded.port
	`, workflowID, kind, port); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return port, nil
}

func (s *Store) ReleasePort(ctx context.Context, workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM port_allocations WHERE workflow_id = ?`, workflowID)
	return err
}

func (s *Store) ReconcilePorts(ctx context.Context, liveWorkflowIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(liveWorkflowIDs) == 0 {
		_, err := s.db.ExecContext(ctx, `DELETE FROM port_allocations`)
		return err
	}

	placeholders := make([]string, len(liveWorkflowIDs))
	args := make([]any, len(liveWorkflowIDs))
	for i, id := range liveWorkflowIDs {
		placeholders[i] = "?"
		args[i] = id
	}
	q := fmt.Sprintf(`DELETE FROM port_allocations WHERE workflow_id NOT IN (%s)`, strings.Join(placeholders, ","))
	_, err := s.db.ExecContext(ctx, q, args...)
	return err
}

// --- helpers ---

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func timeOrNil(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}

func nullInt(i *int) any {
	if i == nil {
		return nil
	}
	return int64(*i)
}

func intOrNil(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func floatOrNil(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func normalizeTags(tags []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range tags {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	if out == nil {
		out = []string{}
	}
	return out
}

func containsString(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique")
}
