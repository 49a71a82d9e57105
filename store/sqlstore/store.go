// Package sqlstore persists sagas in SQLite through database/sql.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	saga "github.com/goliatone/go-saga"
)

const defaultTable = "sagas"

// Store implements saga.Store on a SQL table. Conditional updates run in a
// transaction and are guarded by status and version in the WHERE clause.
type Store struct {
	db    *sql.DB
	table string

	mu    sync.Mutex
	ready bool
}

var _ saga.Store = (*Store)(nil)

// New builds a store over db. An empty table name defaults to "sagas".
func New(db *sql.DB, table string) (*Store, error) {
	table = strings.TrimSpace(table)
	if table == "" {
		table = defaultTable
	}
	if !validIdentifier(table) {
		return nil, fmt.Errorf("sqlstore: invalid table name %q", table)
	}
	return &Store{db: db, table: table}, nil
}

type sqlExecContext interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) Create(ctx context.Context, state *saga.SagaState) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	if err := saga.ValidateNew(state); err != nil {
		return err
	}
	row, err := encodeRow(state)
	if err != nil {
		return err
	}

	q := fmt.Sprintf(`INSERT OR IGNORE INTO %s (
		saga_id, saga_type, status, current_step, data, snapshots, metadata, error_message,
		started_at, updated_at, timeout_at, completed_at, version
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)
	result, err := s.db.ExecContext(ctx, q,
		state.SagaID,
		state.SagaType,
		string(state.Status),
		state.CurrentStep,
		state.Data,
		row.snapshots,
		row.metadata,
		row.errorMessage,
		unixNano(state.StartedAtUTC),
		unixNano(state.UpdatedAtUTC),
		nullableUnixNano(state.TimeoutAtUTC),
		nullableUnixNano(state.CompletedAtUTC),
		state.Version,
	)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return saga.NewDuplicate(state.SagaID)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, sagaID string) (*saga.SagaState, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	state, err := scanState(s.db.QueryRowContext(ctx, s.selectByID(), sagaID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, saga.NewNotFound(sagaID)
	}
	return state, err
}

func (s *Store) Update(ctx context.Context, sagaID string, expected saga.Status, mutate func(*saga.SagaState)) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := s.update(ctx, tx, sagaID, expected, mutate); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) update(ctx context.Context, tx *sql.Tx, sagaID string, expected saga.Status, mutate func(*saga.SagaState)) error {
	current, err := scanState(tx.QueryRowContext(ctx, s.selectByID(), sagaID))
	if errors.Is(err, sql.ErrNoRows) {
		return saga.NewNotFound(sagaID)
	}
	if err != nil {
		return err
	}

	next, err := saga.PrepareUpdate(current, expected, mutate)
	if err != nil {
		return err
	}
	row, err := encodeRow(next)
	if err != nil {
		return err
	}

	q := fmt.Sprintf(`UPDATE %s SET
		status=?, current_step=?, data=?, snapshots=?, metadata=?, error_message=?,
		updated_at=?, timeout_at=?, completed_at=?, version=?
	WHERE saga_id=? AND status=? AND version=?`, s.table)
	result, err := tx.ExecContext(ctx, q,
		string(next.Status),
		next.CurrentStep,
		next.Data,
		row.snapshots,
		row.metadata,
		row.errorMessage,
		unixNano(next.UpdatedAtUTC),
		nullableUnixNano(next.TimeoutAtUTC),
		nullableUnixNano(next.CompletedAtUTC),
		next.Version,
		sagaID,
		string(expected),
		current.Version,
	)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return saga.NewConcurrencyConflict(sagaID, expected, current.Status)
	}
	return nil
}

// GetExpired returns Running sagas whose deadline is before asOf, oldest
// deadline first.
func (s *Store) GetExpired(ctx context.Context, asOf time.Time, batchSize int) ([]*saga.SagaState, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	limit := batchSize
	if limit <= 0 {
		limit = -1
	}
	q := fmt.Sprintf(`SELECT %s FROM %s
		WHERE status = ? AND timeout_at IS NOT NULL AND timeout_at < ?
		ORDER BY timeout_at, saga_id
		LIMIT ?`, columns, s.table)
	rows, err := s.db.QueryContext(ctx, q, string(saga.StatusRunning), unixNano(asOf), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*saga.SagaState
	for rows.Next() {
		state, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, state)
	}
	return out, rows.Err()
}

// List returns every saga of the given status, or all sagas when status is
// empty, ordered by start time.
func (s *Store) List(ctx context.Context, status saga.Status) ([]*saga.SagaState, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE (? = '' OR status = ?) ORDER BY started_at, saga_id`, columns, s.table)
	rows, err := s.db.QueryContext(ctx, q, string(status), string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*saga.SagaState
	for rows.Next() {
		state, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, state)
	}
	return out, rows.Err()
}

const columns = `saga_id, saga_type, status, current_step, data, snapshots, metadata, error_message,
	started_at, updated_at, timeout_at, completed_at, version`

func (s *Store) selectByID() string {
	return fmt.Sprintf(`SELECT %s FROM %s WHERE saga_id = ?`, columns, s.table)
}

func (s *Store) ensureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("sqlstore: database not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return nil
	}
	if err := createSchema(ctx, s.db, s.table); err != nil {
		return err
	}
	s.ready = true
	return nil
}

func createSchema(ctx context.Context, exec sqlExecContext, table string) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		saga_id TEXT PRIMARY KEY,
		saga_type TEXT NOT NULL,
		status TEXT NOT NULL,
		current_step INTEGER NOT NULL,
		data BLOB,
		snapshots TEXT,
		metadata TEXT,
		error_message TEXT,
		started_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		timeout_at INTEGER,
		completed_at INTEGER,
		version INTEGER NOT NULL
	)`, table)
	if _, err := exec.ExecContext(ctx, ddl); err != nil {
		return err
	}
	index := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_expiry ON %s (status, timeout_at)`, table, table)
	_, err := exec.ExecContext(ctx, index)
	return err
}

type encodedRow struct {
	snapshots    string
	metadata     string
	errorMessage sql.NullString
}

func encodeRow(state *saga.SagaState) (encodedRow, error) {
	var row encodedRow
	snapshots, err := json.Marshal(state.Snapshots)
	if err != nil {
		return row, err
	}
	metadata, err := json.Marshal(state.Metadata)
	if err != nil {
		return row, err
	}
	row.snapshots = string(snapshots)
	row.metadata = string(metadata)
	if state.ErrorMessage != nil {
		row.errorMessage = sql.NullString{String: *state.ErrorMessage, Valid: true}
	}
	return row, nil
}

func scanState(row rowScanner) (*saga.SagaState, error) {
	var (
		state        saga.SagaState
		status       string
		snapshots    sql.NullString
		metadata     sql.NullString
		errorMessage sql.NullString
		startedAt    int64
		updatedAt    int64
		timeoutAt    sql.NullInt64
		completedAt  sql.NullInt64
	)
	err := row.Scan(
		&state.SagaID,
		&state.SagaType,
		&status,
		&state.CurrentStep,
		&state.Data,
		&snapshots,
		&metadata,
		&errorMessage,
		&startedAt,
		&updatedAt,
		&timeoutAt,
		&completedAt,
		&state.Version,
	)
	if err != nil {
		return nil, err
	}

	state.Status = saga.Status(status)
	state.StartedAtUTC = fromUnixNano(startedAt)
	state.UpdatedAtUTC = fromUnixNano(updatedAt)
	if timeoutAt.Valid {
		t := fromUnixNano(timeoutAt.Int64)
		state.TimeoutAtUTC = &t
	}
	if completedAt.Valid {
		t := fromUnixNano(completedAt.Int64)
		state.CompletedAtUTC = &t
	}
	if errorMessage.Valid {
		msg := errorMessage.String
		state.ErrorMessage = &msg
	}
	if snapshots.Valid && snapshots.String != "" {
		if err := json.Unmarshal([]byte(snapshots.String), &state.Snapshots); err != nil {
			return nil, fmt.Errorf("sqlstore: decode snapshots of %s: %w", state.SagaID, err)
		}
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &state.Metadata); err != nil {
			return nil, fmt.Errorf("sqlstore: decode metadata of %s: %w", state.SagaID, err)
		}
	}
	return &state, nil
}

func unixNano(t time.Time) int64 { return t.UTC().UnixNano() }

func nullableUnixNano(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: unixNano(*t), Valid: true}
}

func fromUnixNano(n int64) time.Time { return time.Unix(0, n).UTC() }

func validIdentifier(name string) bool {
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return name != ""
}
