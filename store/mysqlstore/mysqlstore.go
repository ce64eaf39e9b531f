// Package mysqlstore is the secondary State Manager backend named in
// SPEC_FULL.md's domain stack: deployments that externalize state to
// MySQL instead of embedded SQLite select this backend via
// `state.driver: mysql` in configuration. It implements the same
// store.Store contract as store/sqlite, adapted to MySQL's dialect
// (AUTO_INCREMENT, ON DUPLICATE KEY UPDATE, no deferred foreign keys).
//
// Grounded on the teacher's otherwise-idle github.com/go-sql-driver/mysql
// dependency, wired here rather than dropped (SPEC_FULL.md §6 domain
// stack), and on graph/store/sqlite.go's transactional-write shape.
package mysqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/devflow/orchestrator/domain"
	"github.com/devflow/orchestrator/errkind"
	"github.com/devflow/orchestrator/store"
)

// Store is a MySQL-backed store.Store implementation.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// New opens a connection pool to dsn (standard go-sql-driver/mysql DSN,
// e.g. "user:pass@tcp(host:3306)/dbname?parseTime=true") and runs
// migrations. parseTime=true is required in the DSN for time.Time
// scanning to work.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	// Unlike SQLite, MySQL supports multiple concurrent writers; the
	// single-writer-lock discipline (spec §4.6) is enforced in-process
	// by s.mu rather than by limiting the pool to one connection.
	db.SetMaxOpenConns(16)

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INT PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS workflows (
			id VARCHAR(64) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			kind VARCHAR(32) NOT NULL,
			state VARCHAR(32) NOT NULL,
			created_at DATETIME NOT NULL,
			started_at DATETIME NULL,
			last_activity_at DATETIME NOT NULL,
			completed_at DATETIME NULL,
			archived_at DATETIME NULL,
			issue_ref VARCHAR(255),
			branch VARCHAR(255),
			base_branch VARCHAR(255) NOT NULL DEFAULT 'main',
			worktree_path VARCHAR(1024),
			tags JSON NOT NULL,
			metadata JSON NOT NULL,
			exit_code INT NULL,
			error_message TEXT,
			retry_count INT NOT NULL DEFAULT 0,
			cost_usd DOUBLE NOT NULL DEFAULT 0,
			total_tokens BIGINT NOT NULL DEFAULT 0,
			phase_count INT NOT NULL DEFAULT 0,
			backend_port INT NULL,
			frontend_port INT NULL,
			issue_class VARCHAR(32) NOT NULL DEFAULT '',
			model_set VARCHAR(32) NOT NULL DEFAULT 'base',
			budget_usd DOUBLE NULL,
			INDEX idx_state (state),
			INDEX idx_created_at (created_at),
			INDEX idx_last_activity_at (last_activity_at),
			INDEX idx_kind (kind),
			INDEX idx_state_created_at (state, created_at),
			INDEX idx_issue_ref (issue_ref),
			INDEX idx_backend_port (backend_port),
			INDEX idx_frontend_port (frontend_port),
			INDEX idx_issue_class (issue_class)
		)`,
		`CREATE TABLE IF NOT EXISTS phases (
			workflow_id VARCHAR(64) NOT NULL,
			name VARCHAR(32) NOT NULL,
			attempt INT NOT NULL,
			idx INT NOT NULL,
			state VARCHAR(32) NOT NULL,
			started_at DATETIME NULL,
			completed_at DATETIME NULL,
			duration_seconds DOUBLE NULL,
			exit_code INT NULL,
			error_message TEXT,
			max_attempts INT NOT NULL DEFAULT 3,
			llm_requests INT NOT NULL DEFAULT 0,
			llm_tokens_in BIGINT NOT NULL DEFAULT 0,
			llm_tokens_out BIGINT NOT NULL DEFAULT 0,
			cost_usd DOUBLE NOT NULL DEFAULT 0,
			PRIMARY KEY (workflow_id, name, attempt)
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			seq BIGINT AUTO_INCREMENT PRIMARY KEY,
			workflow_id VARCHAR(64) NOT NULL,
			event_type VARCHAR(64) NOT NULL,
			severity VARCHAR(16) NOT NULL,
			phase_name VARCHAR(32),
			from_state VARCHAR(32),
			to_state VARCHAR(32),
			message TEXT,
			metadata JSON NOT NULL,
			created_at DATETIME NOT NULL,
			INDEX idx_workflow_seq (workflow_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS port_allocations (
			workflow_id VARCHAR(64) PRIMARY KEY,
			kind VARCHAR(16) NOT NULL,
			port INT NOT NULL,
			UNIQUE KEY uq_kind_port (kind, port)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *Store) Close() error                   { return s.db.Close() }

func (s *Store) CreateWorkflow(ctx context.Context, w *domain.Workflow) error {
	if err := w.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tags, _ := json.Marshal(w.Tags)
	meta, _ := json.Marshal(orEmptyMap(w.Metadata))

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflows (
			id, name, kind, state, created_at, started_at, last_activity_at, completed_at, archived_at,
			issue_ref, branch, base_branch, worktree_path, tags, metadata, exit_code, error_message,
			retry_count, cost_usd, total_tokens, phase_count, backend_port, frontend_port, issue_class,
			model_set, budget_usd
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	`,
		w.ID, w.Name, string(w.Kind), string(w.State), w.CreatedAt, w.StartedAt, w.LastActivityAt,
		w.CompletedAt, w.ArchivedAt, w.IssueRef, w.Branch, w.BaseBranch, w.WorktreePath, string(tags),
		string(meta), w.ExitCode, w.ErrorMessage, w.RetryCount, w.CostUSD, w.TotalTokens, w.PhaseCount,
		w.BackendPort, w.FrontendPort, string(w.IssueClass), string(w.ModelSet), w.BudgetUSD,
	)
	if isDuplicateKey(err) {
		return store.ErrCASConflict
	}
	return err
}

const workflowSelect = `
	SELECT id, name, kind, state, created_at, started_at, last_activity_at, completed_at, archived_at,
		issue_ref, branch, base_branch, worktree_path, tags, metadata, exit_code, error_message,
		retry_count, cost_usd, total_tokens, phase_count, backend_port, frontend_port, issue_class,
		model_set, budget_usd
	FROM workflows`

func scanWorkflow(row interface{ Scan(...any) error }) (*domain.Workflow, error) {
	var w domain.Workflow
	var kind, state, issueClass, modelSet, tags, meta string
	err := row.Scan(
		&w.ID, &w.Name, &kind, &state, &w.CreatedAt, &w.StartedAt, &w.LastActivityAt, &w.CompletedAt,
		&w.ArchivedAt, &w.IssueRef, &w.Branch, &w.BaseBranch, &w.WorktreePath, &tags, &meta, &w.ExitCode,
		&w.ErrorMessage, &w.RetryCount, &w.CostUSD, &w.TotalTokens, &w.PhaseCount, &w.BackendPort,
		&w.FrontendPort, &issueClass, &modelSet, &w.BudgetUSD,
	)
	if err != nil {
		return nil, err
	}
	w.Kind = domain.WorkflowKind(kind)
	w.State = domain.WorkflowState(state)
	w.IssueClass = domain.IssueClass(issueClass)
	w.ModelSet = domain.ModelSet(modelSet)
	if tags != "" {
		_ = json.Unmarshal([]byte(tags), &w.Tags)
	}
	if meta != "" {
		_ = json.Unmarshal([]byte(meta), &w.Metadata)
	}
	return &w, nil
}

func (s *Store) GetWorkflow(ctx context.Context, id string) (*domain.Workflow, error) {
	row := s.db.QueryRowContext(ctx, workflowSelect+` WHERE id = ?`, id)
	w, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	return w, err
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
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *Store) UpdateWorkflowCAS(ctx context.Context, id string, expectedState domain.WorkflowState, mutate func(*domain.Workflow) error) (*domain.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, workflowSelect+` WHERE id = ? FOR UPDATE`, id)
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

	tags, _ := json.Marshal(w.Tags)
	meta, _ := json.Marshal(orEmptyMap(w.Metadata))

	res, err := tx.ExecContext(ctx, `
		UPDATE workflows SET name=?, kind=?, state=?, started_at=?, last_activity_at=?, completed_at=?,
			archived_at=?, issue_ref=?, branch=?, base_branch=?, worktree_path=?, tags=?, metadata=?,
			exit_code=?, error_message=?, retry_count=?, cost_usd=?, total_tokens=?, phase_count=?,
			backend_port=?, frontend_port=?, issue_class=?, model_set=?, budget_usd=?
		WHERE id=? AND state=?
	`, w.Name, string(w.Kind), string(w.State), w.StartedAt, w.LastActivityAt, w.CompletedAt, w.ArchivedAt,
		w.IssueRef, w.Branch, w.BaseBranch, w.WorktreePath, string(tags), string(meta), w.ExitCode,
		w.ErrorMessage, w.RetryCount, w.CostUSD, w.TotalTokens, w.PhaseCount, w.BackendPort, w.FrontendPort,
		string(w.IssueClass), string(w.ModelSet), w.BudgetUSD, id, string(expectedState))
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
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
	err = tx.QueryRowContext(ctx, `SELECT state FROM workflows WHERE id = ? FOR UPDATE`, id).Scan(&state)
	if err == sql.ErrNoRows {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	if state == string(domain.WorkflowArchived) {
		return nil
	}
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `UPDATE workflows SET state=?, archived_at=? WHERE id=?`, string(domain.WorkflowArchived), now, id); err != nil {
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

func (s *Store) CreatePhase(ctx context.Context, p *domain.Phase) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO phases (workflow_id, name, attempt, idx, state, started_at, completed_at,
			duration_seconds, exit_code, error_message, max_attempts, llm_requests, llm_tokens_in,
			llm_tokens_out, cost_usd)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	`, p.WorkflowID, string(p.Name), p.Attempt, p.Index, string(p.State), p.StartedAt, p.CompletedAt,
		p.DurationSeconds, p.ExitCode, p.ErrorMessage, p.MaxAttempts, p.LLMRequests, p.LLMTokensIn,
		p.LLMTokensOut, p.CostUSD)
	if isDuplicateKey(err) {
		return store.ErrDuplicatePhase
	}
	return err
}

const phaseSelect = `
	SELECT workflow_id, name, attempt, idx, state, started_at, completed_at, duration_seconds,
		exit_code, error_message, max_attempts, llm_requests, llm_tokens_in, llm_tokens_out, cost_usd
	FROM phases`

func scanPhase(row interface{ Scan(...any) error }) (*domain.Phase, error) {
	var p domain.Phase
	var name, state string
	if err := row.Scan(&p.WorkflowID, &name, &p.Attempt, &p.Index, &state, &p.StartedAt, &p.CompletedAt,
		&p.DurationSeconds, &p.ExitCode, &p.ErrorMessage, &p.MaxAttempts, &p.LLMRequests, &p.LLMTokensIn,
		&p.LLMTokensOut, &p.CostUSD); err != nil {
		return nil, err
	}
	p.Name = domain.PhaseName(name)
	p.State = domain.PhaseState(state)
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
	`, string(p.State), p.StartedAt, p.CompletedAt, p.DurationSeconds, p.ExitCode, p.ErrorMessage,
		p.LLMRequests, p.LLMTokensIn, p.LLMTokensOut, p.CostUSD, p.WorkflowID, string(p.Name), p.Attempt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
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

func (s *Store) AppendEvent(ctx context.Context, e *domain.Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, _ := json.Marshal(orEmptyMap(e.Metadata))
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
		FROM events WHERE workflow_id=? AND seq > ? ORDER BY seq ASC
	`, workflowID, sinceSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		var eventType, severity, phaseName, fromState, toState, message, meta sql.NullString
		if err := rows.Scan(&e.Seq, &e.WorkflowID, &eventType, &severity, &phaseName, &fromState, &toState,
			&message, &meta, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.EventType = domain.EventType(eventType.String)
		e.Severity = domain.Severity(severity.String)
		e.PhaseName = domain.PhaseName(phaseName.String)
		e.FromState = fromState.String
		e.ToState = toState.String
		e.Message = message.String
		if meta.String != "" {
			_ = json.Unmarshal([]byte(meta.String), &e.Metadata)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) Aggregate(ctx context.Context, date string, kind domain.WorkflowKind) (*domain.MetricsAggregate, error) {
	agg := &domain.MetricsAggregate{Date: date, Kind: kind}
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN state='completed' THEN 1 ELSE 0 END),0),
			COALESCE(SUM(CASE WHEN state='failed' THEN 1 ELSE 0 END),0),
			COALESCE(SUM(CASE WHEN state='cancelled' THEN 1 ELSE 0 END),0),
			COALESCE(SUM(cost_usd),0),
			COALESCE(SUM(TIMESTAMPDIFF(SECOND, started_at, completed_at)),0)
		FROM workflows WHERE kind=? AND DATE(created_at)=?
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

	rows, err := tx.QueryContext(ctx, `SELECT port FROM port_allocations WHERE kind=? FOR UPDATE`, kind)
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
		ON DUPLICATE KEY UPDATE kind=VALUES(kind), port=VALUES(port)
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
	_, err := s.db.ExecContext(ctx, `DELETE FROM port_allocations WHERE workflow_id=?`, workflowID)
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

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func isDuplicateKey(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "duplicate")
}
