package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the durable Store backend. Task records and context blobs
// are JSON-encoded, so results survive a process restart as generic values
// (maps, slices, strings, float64) rather than their original Go types.
type SQLiteStore struct {
	conn *sql.DB
	path string
	// the sqlite driver serializes writes anyway; the mutex keeps a
	// read-modify-write of one task record atomic at the application level
	mu sync.Mutex
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (and migrates) a SQLite-backed store at the given path,
// creating parent directories as needed. WAL mode is enabled for concurrent
// reads.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create store directory")
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "enable WAL mode")
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "enable foreign keys")
	}

	s := &SQLiteStore{conn: conn, path: path}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection
func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS executions (
	id          TEXT PRIMARY KEY,
	graph_id    TEXT NOT NULL,
	graph_name  TEXT NOT NULL,
	status      TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	checkpoint_id TEXT NOT NULL DEFAULT '',
	context     TEXT NOT NULL DEFAULT '{}',
	started_at  TIMESTAMP NOT NULL,
	finished_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS tasks (
	execution_id TEXT NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
	task_id      TEXT NOT NULL,
	status       TEXT NOT NULL,
	result       TEXT,
	attempts     INTEGER NOT NULL DEFAULT 0,
	last_error   TEXT NOT NULL DEFAULT '',
	started_at   TIMESTAMP,
	finished_at  TIMESTAMP,
	PRIMARY KEY (execution_id, task_id)
);

CREATE TABLE IF NOT EXISTS checkpoints (
	id           TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL,
	graph_id     TEXT NOT NULL,
	graph_name   TEXT NOT NULL,
	status       TEXT NOT NULL,
	tasks        TEXT NOT NULL,
	context      TEXT NOT NULL,
	created_at   TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_checkpoints_execution ON checkpoints(execution_id, created_at);
`
	_, err := s.conn.Exec(schema)
	return errors.Wrap(err, "migrate schema")
}

func (s *SQLiteStore) Initialize(ctx context.Context, executionID, graphID, graphName string, taskIDs []string, input map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	contextJSON, err := marshalJSON(input)
	if err != nil {
		return err
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO executions (id, graph_id, graph_name, status, context, started_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		executionID, graphID, graphName, string(ExecutionRunning), contextJSON, time.Now().UTC())
	if err != nil {
		return errors.Wrap(err, "insert execution")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrap(ErrExecutionExists, executionID)
	}

	for _, taskID := range taskIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tasks (execution_id, task_id, status) VALUES (?, ?, ?)`,
			executionID, taskID, string(TaskPending)); err != nil {
			return errors.Wrapf(err, "insert task %s", taskID)
		}
	}

	return errors.Wrap(tx.Commit(), "commit")
}

func (s *SQLiteStore) Execution(ctx context.Context, executionID string) (*Execution, error) {
	exec := &Execution{ID: executionID, Tasks: make(map[string]TaskRecord)}

	var contextJSON string
	var status string
	var finishedAt sql.NullTime
	err := s.conn.QueryRowContext(ctx,
		`SELECT graph_id, graph_name, status, error, checkpoint_id, context, started_at, finished_at
		 FROM executions WHERE id = ?`, executionID).
		Scan(&exec.GraphID, &exec.GraphName, &status, &exec.Error, &exec.CheckpointID, &contextJSON, &exec.StartedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return nil, errors.Wrap(ErrExecutionNotFound, executionID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "query execution")
	}
	exec.Status = ExecutionStatus(status)
	if finishedAt.Valid {
		exec.FinishedAt = finishedAt.Time
	}
	if err := json.Unmarshal([]byte(contextJSON), &exec.Context); err != nil {
		return nil, errors.Wrap(err, "decode context")
	}

	rows, err := s.conn.QueryContext(ctx,
		`SELECT task_id, status, result, attempts, last_error, started_at, finished_at
		 FROM tasks WHERE execution_id = ?`, executionID)
	if err != nil {
		return nil, errors.Wrap(err, "query tasks")
	}
	defer rows.Close()

	for rows.Next() {
		var taskID, taskStatus string
		var resultJSON sql.NullString
		var rec TaskRecord
		var started, finished sql.NullTime
		if err := rows.Scan(&taskID, &taskStatus, &resultJSON, &rec.Attempts, &rec.LastError, &started, &finished); err != nil {
			return nil, errors.Wrap(err, "scan task")
		}
		rec.Status = TaskStatus(taskStatus)
		if resultJSON.Valid && resultJSON.String != "" {
			if err := json.Unmarshal([]byte(resultJSON.String), &rec.Result); err != nil {
				return nil, errors.Wrapf(err, "decode result for task %s", taskID)
			}
		}
		if started.Valid {
			rec.StartedAt = started.Time
		}
		if finished.Valid {
			rec.FinishedAt = finished.Time
		}
		exec.Tasks[taskID] = rec
	}
	return exec, rows.Err()
}

func (s *SQLiteStore) Context(ctx context.Context, executionID string) (map[string]any, error) {
	var contextJSON string
	err := s.conn.QueryRowContext(ctx,
		`SELECT context FROM executions WHERE id = ?`, executionID).Scan(&contextJSON)
	if err == sql.ErrNoRows {
		return nil, errors.Wrap(ErrExecutionNotFound, executionID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "query context")
	}

	snapshot := make(map[string]any)
	if err := json.Unmarshal([]byte(contextJSON), &snapshot); err != nil {
		return nil, errors.Wrap(err, "decode context")
	}
	return snapshot, nil
}

func (s *SQLiteStore) UpdateTask(ctx context.Context, executionID, taskID string, update TaskUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	var resultJSON any
	if update.Result != nil {
		encoded, err := marshalJSON(update.Result)
		if err != nil {
			return err
		}
		resultJSON = encoded
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET
			status = ?,
			result = COALESCE(?, result),
			attempts = MAX(attempts, ?),
			last_error = ?,
			started_at = COALESCE(?, started_at),
			finished_at = COALESCE(?, finished_at)
		 WHERE execution_id = ? AND task_id = ?`,
		string(update.Status), resultJSON, update.Attempts, update.Err,
		nullTime(update.StartedAt), nullTime(update.FinishedAt),
		executionID, taskID)
	if err != nil {
		return errors.Wrapf(err, "update task %s", taskID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Errorf("unknown task %s in execution %s", taskID, executionID)
	}

	if len(update.ContextUpdates) > 0 {
		var contextJSON string
		if err := tx.QueryRowContext(ctx,
			`SELECT context FROM executions WHERE id = ?`, executionID).Scan(&contextJSON); err != nil {
			return errors.Wrap(err, "query context")
		}
		merged := make(map[string]any)
		if err := json.Unmarshal([]byte(contextJSON), &merged); err != nil {
			return errors.Wrap(err, "decode context")
		}
		for k, v := range update.ContextUpdates {
			merged[k] = v
		}
		encoded, err := marshalJSON(merged)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE executions SET context = ? WHERE id = ?`, encoded, executionID); err != nil {
			return errors.Wrap(err, "update context")
		}
	}

	return errors.Wrap(tx.Commit(), "commit")
}

func (s *SQLiteStore) SetStatus(ctx context.Context, executionID string, status ExecutionStatus, execErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current string
	err := s.conn.QueryRowContext(ctx,
		`SELECT status FROM executions WHERE id = ?`, executionID).Scan(&current)
	if err == sql.ErrNoRows {
		return errors.Wrap(ErrExecutionNotFound, executionID)
	}
	if err != nil {
		return errors.Wrap(err, "query status")
	}
	if ExecutionStatus(current).Terminal() {
		return errors.Errorf("execution %s already terminal (%s)", executionID, current)
	}

	var finishedAt any
	if status.Terminal() || status == ExecutionPaused {
		finishedAt = time.Now().UTC()
	}
	_, err = s.conn.ExecContext(ctx,
		`UPDATE executions SET status = ?, error = ?, finished_at = COALESCE(?, finished_at) WHERE id = ?`,
		string(status), execErr, finishedAt, executionID)
	return errors.Wrap(err, "update status")
}

func (s *SQLiteStore) Checkpoint(ctx context.Context, executionID string) (string, error) {
	exec, err := s.Execution(ctx, executionID)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tasksJSON, err := marshalJSON(exec.Tasks)
	if err != nil {
		return "", err
	}
	contextJSON, err := marshalJSON(exec.Context)
	if err != nil {
		return "", err
	}

	id := uuid.New().String()
	_, err = s.conn.ExecContext(ctx,
		`INSERT INTO checkpoints (id, execution_id, graph_id, graph_name, status, tasks, context, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, executionID, exec.GraphID, exec.GraphName, string(exec.Status), tasksJSON, contextJSON, time.Now().UTC())
	if err != nil {
		return "", errors.Wrap(err, "insert checkpoint")
	}
	if _, err := s.conn.ExecContext(ctx,
		`UPDATE executions SET checkpoint_id = ? WHERE id = ?`, id, executionID); err != nil {
		return "", errors.Wrap(err, "record checkpoint id")
	}
	return id, nil
}

func (s *SQLiteStore) LoadCheckpoint(ctx context.Context, checkpointID string) (*Checkpoint, error) {
	cp := &Checkpoint{ID: checkpointID}

	var status, tasksJSON, contextJSON string
	err := s.conn.QueryRowContext(ctx,
		`SELECT execution_id, graph_id, graph_name, status, tasks, context, created_at
		 FROM checkpoints WHERE id = ?`, checkpointID).
		Scan(&cp.ExecutionID, &cp.GraphID, &cp.GraphName, &status, &tasksJSON, &contextJSON, &cp.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.Wrap(ErrCheckpointNotFound, checkpointID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "query checkpoint")
	}

	cp.Status = ExecutionStatus(status)
	if err := json.Unmarshal([]byte(tasksJSON), &cp.Tasks); err != nil {
		return nil, errors.Wrap(err, "decode tasks")
	}
	if err := json.Unmarshal([]byte(contextJSON), &cp.Context); err != nil {
		return nil, errors.Wrap(err, "decode context")
	}
	return cp, nil
}

func (s *SQLiteStore) Restore(ctx context.Context, checkpointID string) (string, error) {
	cp, err := s.LoadCheckpoint(ctx, checkpointID)
	if err != nil {
		return "", err
	}

	newID := uuid.New().String()
	taskIDs := make([]string, 0, len(cp.Tasks))
	for id := range cp.Tasks {
		taskIDs = append(taskIDs, id)
	}

	if err := s.Initialize(ctx, newID, cp.GraphID, cp.GraphName, taskIDs, cp.Context); err != nil {
		return "", err
	}

	for id, rec := range cp.Tasks {
		restored := restoreTask(rec)
		if restored.Status == TaskPending {
			continue
		}
		update := TaskUpdate{
			Status:     restored.Status,
			Result:     restored.Result,
			Attempts:   restored.Attempts,
			StartedAt:  restored.StartedAt,
			FinishedAt: restored.FinishedAt,
		}
		if err := s.UpdateTask(ctx, newID, id, update); err != nil {
			return "", err
		}
	}
	return newID, nil
}

func (s *SQLiteStore) Checkpoints(ctx context.Context, executionID string) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id FROM checkpoints WHERE execution_id = ? ORDER BY created_at`, executionID)
	if err != nil {
		return nil, errors.Wrap(err, "query checkpoints")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan checkpoint id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func marshalJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", errors.Wrap(err, "encode json")
	}
	return string(data), nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
