package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/beamflow/beamflow/faults"
)

// dialect captures the handful of places SQLite and MySQL syntax diverge.
// Everything else — schema shape, query text, JSON encoding of the
// map/slice-valued columns — is shared, following the teacher's choice to
// give SQLite and MySQL separate store types (graph/store/sqlite.go,
// graph/store/mysql.go) while keeping both backed by database/sql and
// JSON-serialized payload columns.
type dialect int

const (
	dialectSQLite dialect = iota
	dialectMySQL
)

func (d dialect) upsertSuffix(table string, conflictCol string, cols []string) string {
	switch d {
	case dialectMySQL:
		sets := make([]string, 0, len(cols))
		for _, c := range cols {
			sets = append(sets, fmt.Sprintf("%s=VALUES(%s)", c, c))
		}
		return "ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
	default:
		sets := make([]string, 0, len(cols))
		for _, c := range cols {
			sets = append(sets, fmt.Sprintf("%s=excluded.%s", c, c))
		}
		return fmt.Sprintf("ON CONFLICT(%s) DO UPDATE SET %s", conflictCol, strings.Join(sets, ", "))
	}
}

// SQLStore is a database/sql-backed Store shared by the SQLite and MySQL
// constructors. Both backends use the same four tables (workflows, events,
// idempotency, dlq) and the same JSON-encoded payload columns; only
// connection setup and upsert syntax differ (see dialect).
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// conn is satisfied by both *sql.DB and *sql.Tx, letting every query method
// run unmodified whether or not it's inside Transaction.
type conn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewSQLiteStore opens (and, if necessary, creates) a SQLite-backed store at
// path. Mirrors the teacher's NewSQLiteStore (graph/store/sqlite.go): WAL
// mode, a single-writer connection pool, and busy_timeout so concurrent
// callers block briefly instead of failing outright.
func NewSQLiteStore(path string) (*SQLStore, error) {
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
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLStore{db: db, dialect: dialectSQLite}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewMySQLStore opens a MySQL-backed store using dsn (as consumed by
// github.com/go-sql-driver/mysql), for deployments that need a shared,
// network-accessible store rather than SQLite's single-file model.
func NewMySQLStore(dsn string) (*SQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &SQLStore{db: db, dialect: dialectMySQL}
	if err := s.createTables(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying connection pool.
func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			current_node_id TEXT,
			executed_nodes TEXT NOT NULL,
			executed_saga_nodes TEXT NOT NULL,
			state TEXT NOT NULL,
			total_steps INTEGER NOT NULL,
			current_step_index INTEGER NOT NULL,
			error TEXT,
			started_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_status ON workflows(status)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_kind ON workflows(kind)`,
		`CREATE TABLE IF NOT EXISTS events (
			workflow_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			type TEXT NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			metadata TEXT NOT NULL,
			PRIMARY KEY(workflow_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS idempotency (
			idem_key TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP,
			result TEXT,
			error TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS dlq (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			entry_type TEXT NOT NULL,
			error TEXT,
			context TEXT NOT NULL,
			original_params TEXT NOT NULL,
			retry_count INTEGER NOT NULL,
			max_retries INTEGER NOT NULL,
			next_retry_at TIMESTAMP NOT NULL,
			status TEXT NOT NULL,
			resolution TEXT,
			notes TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dlq_status_retry ON dlq(status, next_retry_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "null", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func nullableJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (s *SQLStore) exec() conn { return s.db }

func (s *SQLStore) PutWorkflow(ctx context.Context, w *WorkflowRecord) error {
	return putWorkflow(ctx, s.exec(), s.dialect, w)
}

func putWorkflow(ctx context.Context, c conn, d dialect, w *WorkflowRecord) error {
	executedNodes, err := marshalJSON(w.ExecutedNodes)
	if err != nil {
		return err
	}
	executedSaga, err := marshalJSON(w.ExecutedSagaNodes)
	if err != nil {
		return err
	}
	state, err := marshalJSON(w.State)
	if err != nil {
		return err
	}
	werr, err := nullableJSON(w.Error)
	if err != nil {
		return err
	}

	cols := []string{"kind", "status", "current_node_id", "executed_nodes", "executed_saga_nodes",
		"state", "total_steps", "current_step_index", "error", "started_at", "updated_at", "completed_at"}
	query := fmt.Sprintf(`INSERT INTO workflows
		(id, kind, status, current_node_id, executed_nodes, executed_saga_nodes, state,
		 total_steps, current_step_index, error, started_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		%s`, d.upsertSuffix("workflows", "id", cols))

	_, err = c.ExecContext(ctx, query, w.ID, w.Kind, w.Status, w.CurrentNodeID, executedNodes,
		executedSaga, state, w.TotalSteps, w.CurrentStepIndex, werr, w.StartedAt, w.UpdatedAt, w.CompletedAt)
	return err
}

func (s *SQLStore) GetWorkflow(ctx context.Context, id string) (*WorkflowRecord, error) {
	return getWorkflow(ctx, s.exec(), id)
}

func getWorkflow(ctx context.Context, c conn, id string) (*WorkflowRecord, error) {
	row := c.QueryRowContext(ctx, `SELECT id, kind, status, current_node_id, executed_nodes,
		executed_saga_nodes, state, total_steps, current_step_index, error, started_at,
		updated_at, completed_at FROM workflows WHERE id = ?`, id)
	w, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, faults.ErrNotFound
	}
	return w, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (*WorkflowRecord, error) {
	var (
		w                                    WorkflowRecord
		executedNodes, executedSaga, state   string
		werr                                 sql.NullString
		completedAt                          sql.NullTime
	)
	if err := row.Scan(&w.ID, &w.Kind, &w.Status, &w.CurrentNodeID, &executedNodes, &executedSaga,
		&state, &w.TotalSteps, &w.CurrentStepIndex, &werr, &w.StartedAt, &w.UpdatedAt, &completedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(executedNodes), &w.ExecutedNodes); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(executedSaga), &w.ExecutedSagaNodes); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(state), &w.State); err != nil {
		return nil, err
	}
	if werr.Valid {
		var e WorkflowError
		if err := json.Unmarshal([]byte(werr.String), &e); err != nil {
			return nil, err
		}
		w.Error = &e
	}
	if completedAt.Valid {
		w.CompletedAt = &completedAt.Time
	}
	return &w, nil
}

func (s *SQLStore) ListWorkflows(ctx context.Context, filter ListFilters, limit int) ([]*WorkflowRecord, error) {
	return listWorkflowsWith(ctx, s.exec(), filter, limit)
}

func (s *SQLStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.exec().QueryContext(ctx, `SELECT status, COUNT(*) FROM workflows GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (s *SQLStore) AppendEvent(ctx context.Context, workflowID string, ev *EventRecord) error {
	return appendEvent(ctx, s.exec(), workflowID, ev)
}

func appendEvent(ctx context.Context, c conn, workflowID string, ev *EventRecord) error {
	var maxSeq sql.NullInt64
	if err := c.QueryRowContext(ctx, `SELECT MAX(seq) FROM events WHERE workflow_id = ?`, workflowID).Scan(&maxSeq); err != nil {
		return err
	}
	ev.WorkflowID = workflowID
	ev.Seq = int(maxSeq.Int64) + 1

	metadata, err := marshalJSON(ev.Metadata)
	if err != nil {
		return err
	}
	_, err = c.ExecContext(ctx, `INSERT INTO events (workflow_id, seq, type, timestamp, metadata)
		VALUES (?, ?, ?, ?, ?)`, ev.WorkflowID, ev.Seq, ev.Type, ev.Timestamp, metadata)
	return err
}

func (s *SQLStore) GetEvents(ctx context.Context, workflowID string) ([]*EventRecord, error) {
	rows, err := s.exec().QueryContext(ctx, `SELECT workflow_id, seq, type, timestamp, metadata
		FROM events WHERE workflow_id = ? ORDER BY seq ASC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*EventRecord
	for rows.Next() {
		var ev EventRecord
		var metadata string
		if err := rows.Scan(&ev.WorkflowID, &ev.Seq, &ev.Type, &ev.Timestamp, &metadata); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(metadata), &ev.Metadata); err != nil {
			return nil, err
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func (s *SQLStore) PutIdem(ctx context.Context, e *IdempotencyEntry) error {
	return putIdem(ctx, s.exec(), s.dialect, e)
}

func putIdem(ctx context.Context, c conn, d dialect, e *IdempotencyEntry) error {
	result, err := nullableJSON(e.Result)
	if err != nil {
		return err
	}
	werr, err := nullableJSON(e.Error)
	if err != nil {
		return err
	}
	cols := []string{"status", "started_at", "completed_at", "result", "error"}
	query := fmt.Sprintf(`INSERT INTO idempotency (idem_key, status, started_at, completed_at, result, error)
		VALUES (?, ?, ?, ?, ?, ?) %s`, d.upsertSuffix("idempotency", "idem_key", cols))
	_, err = c.ExecContext(ctx, query, e.Key, e.Status, e.StartedAt, e.CompletedAt, result, werr)
	return err
}

func (s *SQLStore) GetIdem(ctx context.Context, key string) (*IdempotencyEntry, error) {
	return getIdem(ctx, s.exec(), key)
}

func getIdem(ctx context.Context, c conn, key string) (*IdempotencyEntry, error) {
	row := c.QueryRowContext(ctx, `SELECT idem_key, status, started_at, completed_at, result, error
		FROM idempotency WHERE idem_key = ?`, key)
	e, err := scanIdem(row)
	if err == sql.ErrNoRows {
		return nil, faults.ErrNotFound
	}
	return e, err
}

func scanIdem(row rowScanner) (*IdempotencyEntry, error) {
	var e IdempotencyEntry
	var completedAt sql.NullTime
	var result, werr sql.NullString
	if err := row.Scan(&e.Key, &e.Status, &e.StartedAt, &completedAt, &result, &werr); err != nil {
		return nil, err
	}
	if completedAt.Valid {
		e.CompletedAt = &completedAt.Time
	}
	if result.Valid {
		if err := json.Unmarshal([]byte(result.String), &e.Result); err != nil {
			return nil, err
		}
	}
	if werr.Valid {
		var fe WorkflowError
		if err := json.Unmarshal([]byte(werr.String), &fe); err != nil {
			return nil, err
		}
		e.Error = &fe
	}
	return &e, nil
}

func (s *SQLStore) UpdateIdem(ctx context.Context, key string, fn func(*IdempotencyEntry) error) error {
	return s.Transaction(ctx, func(tx Store) error {
		e, err := tx.GetIdem(ctx, key)
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
		return tx.PutIdem(ctx, e)
	})
}

func (s *SQLStore) PutDLQ(ctx context.Context, e *DLQEntry) error {
	return putDLQ(ctx, s.exec(), s.dialect, e)
}

func putDLQ(ctx context.Context, c conn, d dialect, e *DLQEntry) error {
	werr, err := nullableJSON(e.Error)
	if err != nil {
		return err
	}
	ctxJSON, err := marshalJSON(e.Context)
	if err != nil {
		return err
	}
	params, err := marshalJSON(e.OriginalParams)
	if err != nil {
		return err
	}
	cols := []string{"workflow_id", "kind", "entry_type", "error", "context", "original_params",
		"retry_count", "max_retries", "next_retry_at", "status", "resolution", "notes", "updated_at"}
	query := fmt.Sprintf(`INSERT INTO dlq (id, workflow_id, kind, entry_type, error, context,
		original_params, retry_count, max_retries, next_retry_at, status, resolution, notes,
		created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) %s`,
		d.upsertSuffix("dlq", "id", cols))
	_, err = c.ExecContext(ctx, query, e.ID, e.WorkflowID, e.Kind, e.EntryType, werr, ctxJSON, params,
		e.RetryCount, e.MaxRetries, e.NextRetryAt, e.Status, e.Resolution, e.Notes, e.CreatedAt, e.UpdatedAt)
	return err
}

func (s *SQLStore) GetDLQ(ctx context.Context, id string) (*DLQEntry, error) {
	return getDLQ(ctx, s.exec(), id)
}

func getDLQ(ctx context.Context, c conn, id string) (*DLQEntry, error) {
	row := c.QueryRowContext(ctx, `SELECT id, workflow_id, kind, entry_type, error, context,
		original_params, retry_count, max_retries, next_retry_at, status, resolution, notes,
		created_at, updated_at FROM dlq WHERE id = ?`, id)
	e, err := scanDLQ(row)
	if err == sql.ErrNoRows {
		return nil, faults.ErrNotFound
	}
	return e, err
}

func scanDLQ(row rowScanner) (*DLQEntry, error) {
	var e DLQEntry
	var werr sql.NullString
	var resolution, notes sql.NullString
	var ctxJSON, params string
	if err := row.Scan(&e.ID, &e.WorkflowID, &e.Kind, &e.EntryType, &werr, &ctxJSON, &params,
		&e.RetryCount, &e.MaxRetries, &e.NextRetryAt, &e.Status, &resolution, &notes,
		&e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	if werr.Valid {
		var fe WorkflowError
		if err := json.Unmarshal([]byte(werr.String), &fe); err != nil {
			return nil, err
		}
		e.Error = &fe
	}
	if err := json.Unmarshal([]byte(ctxJSON), &e.Context); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(params), &e.OriginalParams); err != nil {
		return nil, err
	}
	e.Resolution = resolution.String
	e.Notes = notes.String
	return &e, nil
}

func (s *SQLStore) ListDLQ(ctx context.Context, filter DLQFilter, limit int) ([]*DLQEntry, error) {
	return listDLQWith(ctx, s.exec(), filter, limit)
}

func (s *SQLStore) UpdateDLQ(ctx context.Context, id string, fn func(*DLQEntry) error) error {
	return s.Transaction(ctx, func(tx Store) error {
		e, err := tx.GetDLQ(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
		return tx.PutDLQ(ctx, e)
	})
}

func (s *SQLStore) ListDueDLQ(ctx context.Context, now time.Time, limit int) ([]*DLQEntry, error) {
	query := `SELECT id, workflow_id, kind, entry_type, error, context, original_params, retry_count,
		max_retries, next_retry_at, status, resolution, notes, created_at, updated_at FROM dlq
		WHERE status IN (?, ?) AND next_retry_at <= ? ORDER BY next_retry_at ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.exec().QueryContext(ctx, query, DLQPending, DLQRetrying, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DLQEntry
	for rows.Next() {
		e, err := scanDLQ(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Transaction begins a *sql.Tx and hands fn a Store implementation scoped to
// it, committing on success and rolling back on any error — the SQL
// analogue of the teacher's save/load pairing, now made atomic across all
// four tables at once (spec §4.1 "Guarantees").
func (s *SQLStore) Transaction(ctx context.Context, fn func(Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(&sqlTx{tx: tx, dialect: s.dialect}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// sqlTx implements Store against an in-flight *sql.Tx.
type sqlTx struct {
	tx      *sql.Tx
	dialect dialect
}

func (t *sqlTx) PutWorkflow(ctx context.Context, w *WorkflowRecord) error {
	return putWorkflow(ctx, t.tx, t.dialect, w)
}
func (t *sqlTx) GetWorkflow(ctx context.Context, id string) (*WorkflowRecord, error) {
	return getWorkflow(ctx, t.tx, id)
}
func (t *sqlTx) ListWorkflows(ctx context.Context, filter ListFilters, limit int) ([]*WorkflowRecord, error) {
	return listWorkflowsWith(ctx, t.tx, filter, limit)
}
func (t *sqlTx) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT status, COUNT(*) FROM workflows GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[Status]int)
	for rows.Next() {
		var status Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
func (t *sqlTx) AppendEvent(ctx context.Context, workflowID string, ev *EventRecord) error {
	return appendEvent(ctx, t.tx, workflowID, ev)
}
func (t *sqlTx) GetEvents(ctx context.Context, workflowID string) ([]*EventRecord, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT workflow_id, seq, type, timestamp, metadata
		FROM events WHERE workflow_id = ? ORDER BY seq ASC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*EventRecord
	for rows.Next() {
		var ev EventRecord
		var metadata string
		if err := rows.Scan(&ev.WorkflowID, &ev.Seq, &ev.Type, &ev.Timestamp, &metadata); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(metadata), &ev.Metadata); err != nil {
			return nil, err
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}
func (t *sqlTx) PutIdem(ctx context.Context, e *IdempotencyEntry) error {
	return putIdem(ctx, t.tx, t.dialect, e)
}
func (t *sqlTx) GetIdem(ctx context.Context, key string) (*IdempotencyEntry, error) {
	return getIdem(ctx, t.tx, key)
}
func (t *sqlTx) UpdateIdem(ctx context.Context, key string, fn func(*IdempotencyEntry) error) error {
	e, err := getIdem(ctx, t.tx, key)
	if err != nil {
		return err
	}
	if err := fn(e); err != nil {
		return err
	}
	return putIdem(ctx, t.tx, t.dialect, e)
}
func (t *sqlTx) PutDLQ(ctx context.Context, e *DLQEntry) error {
	return putDLQ(ctx, t.tx, t.dialect, e)
}
func (t *sqlTx) GetDLQ(ctx context.Context, id string) (*DLQEntry, error) {
	return getDLQ(ctx, t.tx, id)
}
func (t *sqlTx) ListDLQ(ctx context.Context, filter DLQFilter, limit int) ([]*DLQEntry, error) {
	return listDLQWith(ctx, t.tx, filter, limit)
}
func (t *sqlTx) UpdateDLQ(ctx context.Context, id string, fn func(*DLQEntry) error) error {
	e, err := getDLQ(ctx, t.tx, id)
	if err != nil {
		return err
	}
	if err := fn(e); err != nil {
		return err
	}
	return putDLQ(ctx, t.tx, t.dialect, e)
}
func (t *sqlTx) ListDueDLQ(ctx context.Context, now time.Time, limit int) ([]*DLQEntry, error) {
	query := `SELECT id, workflow_id, kind, entry_type, error, context, original_params, retry_count,
		max_retries, next_retry_at, status, resolution, notes, created_at, updated_at FROM dlq
		WHERE status IN (?, ?) AND next_retry_at <= ? ORDER BY next_retry_at ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := t.tx.QueryContext(ctx, query, DLQPending, DLQRetrying, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*DLQEntry
	for rows.Next() {
		e, err := scanDLQ(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
func (t *sqlTx) Transaction(_ context.Context, fn func(Store) error) error {
	return fn(t)
}

func listWorkflowsWith(ctx context.Context, c conn, filter ListFilters, limit int) ([]*WorkflowRecord, error) {
	query := `SELECT id, kind, status, current_node_id, executed_nodes, executed_saga_nodes, state,
		total_steps, current_step_index, error, started_at, updated_at, completed_at FROM workflows WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.Kind != "" {
		query += " AND kind = ?"
		args = append(args, filter.Kind)
	}
	if !filter.DateFrom.IsZero() {
		query += " AND started_at >= ?"
		args = append(args, filter.DateFrom)
	}
	if !filter.DateTo.IsZero() {
		query += " AND started_at <= ?"
		args = append(args, filter.DateTo)
	}
	if filter.Search != "" {
		query += " AND id LIKE ?"
		args = append(args, "%"+filter.Search+"%")
	}
	query += " ORDER BY started_at DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := c.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*WorkflowRecord
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func listDLQWith(ctx context.Context, c conn, filter DLQFilter, limit int) ([]*DLQEntry, error) {
	query := `SELECT id, workflow_id, kind, entry_type, error, context, original_params, retry_count,
		max_retries, next_retry_at, status, resolution, notes, created_at, updated_at FROM dlq WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.Kind != "" {
		query += " AND kind = ?"
		args = append(args, filter.Kind)
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := c.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*DLQEntry
	for rows.Next() {
		e, err := scanDLQ(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
