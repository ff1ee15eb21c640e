package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a Store backed by SQLite. It suits single-node deployments
// where sleeping executions must survive a restart without Redis.
type SQLiteStore struct {
	db        *sql.DB
	retention time.Duration
	owned     bool
}

var _ Store = (*SQLiteStore)(nil)
var _ Store = (*RedisStore)(nil)

// OpenSQLiteStore opens (or creates) the database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite path required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	store, err := NewSQLiteStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	store.owned = true
	return store, nil
}

// NewSQLiteStore initializes the schema in db and returns a store over it.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithRetention deletes finished executions older than d. Zero keeps them.
func (s *SQLiteStore) WithRetention(d time.Duration) *SQLiteStore {
	s.retention = d
	return s
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			definition_id TEXT NOT NULL,
			state TEXT NOT NULL,
			wake_at INTEGER,
			updated_at INTEGER NOT NULL,
			doc BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS executions_state ON executions (state, updated_at);
		CREATE INDEX IF NOT EXISTS executions_wake ON executions (state, wake_at);
		CREATE TABLE IF NOT EXISTS execution_timeline (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			execution_id TEXT NOT NULL,
			doc BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS execution_timeline_exec ON execution_timeline (execution_id, seq);`,
	)
	return err
}

// Close closes the database when the store opened it.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil || !s.owned {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) CreateExecution(ctx context.Context, exec *Execution) error {
	if exec == nil || exec.ID == "" || exec.DefinitionID == "" {
		return fmt.Errorf("execution id and definition id required")
	}
	now := time.Now().UTC()
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = now
	}
	exec.UpdatedAt = now
	if exec.State == "" {
		exec.State = StateRunning
	}
	doc, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (id, definition_id, state, wake_at, updated_at, doc)
		VALUES (?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.DefinitionID, string(exec.State), wakeMillis(exec), exec.UpdatedAt.UnixMilli(), doc,
	)
	if err != nil {
		return fmt.Errorf("insert execution %s: %w", exec.ID, err)
	}
	return nil
}

func (s *SQLiteStore) SaveExecution(ctx context.Context, exec *Execution) error {
	if exec == nil || exec.ID == "" || exec.DefinitionID == "" {
		return fmt.Errorf("execution id and definition id required")
	}
	exec.UpdatedAt = time.Now().UTC()
	doc, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET definition_id = ?, state = ?, wake_at = ?, updated_at = ?, doc = ?
		WHERE id = ?`,
		exec.DefinitionID, string(exec.State), wakeMillis(exec), exec.UpdatedAt.UnixMilli(), doc, exec.ID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	if exec.State.Terminal() && s.retention > 0 {
		s.prune(ctx, exec.UpdatedAt.Add(-s.retention))
	}
	return nil
}

func (s *SQLiteStore) prune(ctx context.Context, cutoff time.Time) {
	_, _ = s.db.ExecContext(ctx, `
		DELETE FROM execution_timeline WHERE execution_id IN (
			SELECT id FROM executions WHERE state IN (?, ?) AND updated_at < ?
		)`, string(StateCompleted), string(StateFailed), cutoff.UnixMilli())
	_, _ = s.db.ExecContext(ctx, `
		DELETE FROM executions WHERE state IN (?, ?) AND updated_at < ?`,
		string(StateCompleted), string(StateFailed), cutoff.UnixMilli())
}

func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	if id == "" {
		return nil, fmt.Errorf("execution id required")
	}
	var doc []byte
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM executions WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var exec Execution
	if err := json.Unmarshal(doc, &exec); err != nil {
		return nil, fmt.Errorf("unmarshal execution: %w", err)
	}
	if exec.Steps == nil {
		exec.Steps = map[string]*StepState{}
	}
	return &exec, nil
}

func (s *SQLiteStore) ListDue(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return s.queryIDs(ctx, `
		SELECT id FROM executions
		WHERE state = ? AND wake_at IS NOT NULL AND wake_at <= ?
		ORDER BY wake_at ASC LIMIT ?`,
		string(StateSleeping), now.UnixMilli(), limit)
}

func (s *SQLiteStore) ListByState(ctx context.Context, state ExecutionState, limit int64) ([]string, error) {
	if state == "" {
		return nil, fmt.Errorf("state required")
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	return s.queryIDs(ctx, `
		SELECT id FROM executions WHERE state = ?
		ORDER BY updated_at DESC LIMIT ?`,
		string(state), limit)
}

func (s *SQLiteStore) ListStale(ctx context.Context, cutoff time.Time, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return s.queryIDs(ctx, `
		SELECT id FROM executions
		WHERE state = ? AND updated_at <= ?
		ORDER BY updated_at ASC LIMIT ?`,
		string(StateRunning), cutoff.UnixMilli(), limit)
}

func (s *SQLiteStore) queryIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) AppendTimeline(ctx context.Context, id string, event TimelineEvent) error {
	if id == "" {
		return fmt.Errorf("execution id required")
	}
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	doc, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal timeline event: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO execution_timeline (execution_id, doc) VALUES (?, ?)`, id, doc); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		DELETE FROM execution_timeline
		WHERE execution_id = ? AND seq NOT IN (
			SELECT seq FROM execution_timeline WHERE execution_id = ? ORDER BY seq DESC LIMIT ?
		)`, id, id, timelineMaxEntries)
	return err
}

func (s *SQLiteStore) ListTimeline(ctx context.Context, id string, limit int64) ([]TimelineEvent, error) {
	if id == "" {
		return nil, fmt.Errorf("execution id required")
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc FROM execution_timeline WHERE execution_id = ?
		ORDER BY seq ASC LIMIT ?`, id, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []TimelineEvent{}
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var evt TimelineEvent
		if err := json.Unmarshal(doc, &evt); err != nil {
			continue
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

func wakeMillis(exec *Execution) any {
	if exec.State != StateSleeping || exec.WakeAt == nil {
		return nil
	}
	return exec.WakeAt.UnixMilli()
}
