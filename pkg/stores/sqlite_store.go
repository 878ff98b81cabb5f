package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	return &SQLiteStore{
		path: cfg.Path,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
}

const actionColumns = `id, name, target_id, target_scope, verb, cause, status, status_reason,
	signal, inputs, outputs, owner, timeout_seconds, created_at, started_at, ended_at`

func scanAction(row interface {
	Scan(dest ...interface{}) error
}) (*Action, error) {
	a := &Action{}
	err := row.Scan(
		&a.ID,
		&a.Name,
		&a.TargetID,
		&a.TargetScope,
		&a.Verb,
		&a.Cause,
		&a.Status,
		&a.StatusReason,
		&a.Signal,
		&a.Inputs,
		&a.Outputs,
		&a.Owner,
		&a.TimeoutSeconds,
		&a.CreatedAt,
		&a.StartedAt,
		&a.EndedAt,
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// loadActionDeps fills DependsOn and DependedBy for an action.
func (s *SQLiteStore) loadActionDeps(ctx context.Context, a *Action) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT depended FROM action_deps WHERE dependent = ? ORDER BY depended`, a.ID)
	if err != nil {
		return fmt.Errorf("failed to load dependencies: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("failed to scan dependency: %w", err)
		}
		a.DependsOn = append(a.DependsOn, id)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating dependencies: %w", err)
	}

	rows2, err := s.db.QueryContext(ctx,
		`SELECT dependent FROM action_deps WHERE depended = ? ORDER BY dependent`, a.ID)
	if err != nil {
		return fmt.Errorf("failed to load dependents: %w", err)
	}
	defer rows2.Close()
	for rows2.Next() {
		var id string
		if err := rows2.Scan(&id); err != nil {
			return fmt.Errorf("failed to scan dependent: %w", err)
		}
		a.DependedBy = append(a.DependedBy, id)
	}
	return rows2.Err()
}

// CreateAction inserts an action and its dependency edges in one transaction.
func (s *SQLiteStore) CreateAction(ctx context.Context, action *Action) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO actions (` + actionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = tx.ExecContext(ctx, query,
		action.ID,
		action.Name,
		action.TargetID,
		action.TargetScope,
		action.Verb,
		action.Cause,
		action.Status,
		action.StatusReason,
		action.Signal,
		action.Inputs,
		action.Outputs,
		action.Owner,
		action.TimeoutSeconds,
		dbTime(action.CreatedAt),
		nullableTime(action.StartedAt),
		nullableTime(action.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create action: %w", err)
	}

	for _, dep := range action.DependsOn {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO action_deps (depended, dependent) VALUES (?, ?)`, dep, action.ID); err != nil {
			return fmt.Errorf("failed to record dependency: %w", err)
		}
	}

	return tx.Commit()
}

// GetAction retrieves an action by ID, including its dependency edges.
func (s *SQLiteStore) GetAction(ctx context.Context, id string) (*Action, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+actionColumns+` FROM actions WHERE id = ?`, id)

	a, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("action %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get action: %w", err)
	}

	if err := s.loadActionDeps(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// UpdateAction rewrites the mutable fields of an action record.
func (s *SQLiteStore) UpdateAction(ctx context.Context, action *Action) error {
	query := `
		UPDATE actions
		SET name = ?, status = ?, status_reason = ?, signal = ?, inputs = ?,
			outputs = ?, owner = ?, timeout_seconds = ?, started_at = ?, ended_at = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		action.Name,
		action.Status,
		action.StatusReason,
		action.Signal,
		action.Inputs,
		action.Outputs,
		action.Owner,
		action.TimeoutSeconds,
		nullableTime(action.StartedAt),
		nullableTime(action.EndedAt),
		action.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update action: %w", err)
	}
	return requireRow(result, "action", action.ID)
}

// DeleteAction deletes an action and its dependency edges.
func (s *SQLiteStore) DeleteAction(ctx context.Context, id string) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM action_deps WHERE depended = ? OR dependent = ?`, id, id); err != nil {
		return fmt.Errorf("failed to delete dependency edges: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM actions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete action: %w", err)
	}
	if err := requireRow(result, "action", id); err != nil {
		return err
	}
	return tx.Commit()
}

// ListActions lists actions, optionally filtered by status, oldest first.
func (s *SQLiteStore) ListActions(ctx context.Context, status *ActionStatus, limit, offset int) ([]*Action, error) {
	query := `
		SELECT ` + actionColumns + `
		FROM actions
		WHERE (? IS NULL OR status = ?)
		ORDER BY created_at ASC
		LIMIT ? OFFSET ?
	`
	rows, err := s.db.QueryContext(ctx, query, status, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	defer rows.Close()

	actions := []*Action{}
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating actions: %w", err)
	}
	return actions, nil
}

// AcquireAction atomically claims a READY action for an engine. The status
// check and owner write are a single UPDATE so two engines can never both
// succeed.
func (s *SQLiteStore) AcquireAction(ctx context.Context, id, engineID string, now time.Time) (*Action, error) {
	query := `
		UPDATE actions
		SET status = ?, owner = ?, started_at = ?
		WHERE id = ? AND status = ? AND owner IS NULL
	`
	result, err := s.db.ExecContext(ctx, query,
		ActionStatusRunning, engineID, dbTime(now), id, ActionStatusReady)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire action: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return nil, ErrNotAcquired
	}

	return s.GetAction(ctx, id)
}

// AcquireFirstReady claims the oldest READY action that has no dependency in
// a non-SUCCEEDED state. Selection and claim happen in one statement.
func (s *SQLiteStore) AcquireFirstReady(ctx context.Context, engineID string, now time.Time) (*Action, error) {
	query := `
		UPDATE actions
		SET status = ?, owner = ?, started_at = ?
		WHERE id = (
			SELECT a.id FROM actions a
			WHERE a.status = ? AND a.owner IS NULL
			  AND NOT EXISTS (
				SELECT 1 FROM action_deps d
				JOIN actions b ON b.id = d.depended
				WHERE d.dependent = a.id AND b.status != ?
			  )
			ORDER BY a.created_at ASC
			LIMIT 1
		)
		RETURNING id
	`
	var id string
	err := s.db.QueryRowContext(ctx, query,
		ActionStatusRunning, engineID, dbTime(now),
		ActionStatusReady, ActionStatusSucceeded).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire first ready action: %w", err)
	}

	return s.GetAction(ctx, id)
}

// FinishAction records a terminal status. Terminal statuses already in place
// are never overwritten.
func (s *SQLiteStore) FinishAction(ctx context.Context, id string, status ActionStatus, reason, outputs string, now time.Time) error {
	query := `
		UPDATE actions
		SET status = ?, status_reason = ?, outputs = ?, owner = NULL, signal = '', ended_at = ?
		WHERE id = ? AND status NOT IN (?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		status, reason, outputs, dbTime(now), id,
		ActionStatusSucceeded, ActionStatusFailed, ActionStatusCancelled)
	if err != nil {
		return fmt.Errorf("failed to finish action: %w", err)
	}
	// Zero rows means a terminal status was already recorded, for example by
	// the timeout sweep. That earlier terminal status wins.
	return nil
}

// MarkReadyDependents promotes WAITING dependents of id whose dependencies
// are now all SUCCEEDED.
func (s *SQLiteStore) MarkReadyDependents(ctx context.Context, id string) ([]string, error) {
	query := `
		UPDATE actions
		SET status = ?
		WHERE status = ?
		  AND id IN (SELECT dependent FROM action_deps WHERE depended = ?)
		  AND NOT EXISTS (
			SELECT 1 FROM action_deps d
			JOIN actions b ON b.id = d.depended
			WHERE d.dependent = actions.id AND b.status != ?
		  )
		RETURNING id
	`
	rows, err := s.db.QueryContext(ctx, query,
		ActionStatusReady, ActionStatusWaiting, id, ActionStatusSucceeded)
	if err != nil {
		return nil, fmt.Errorf("failed to mark dependents ready: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var readyID string
		if err := rows.Scan(&readyID); err != nil {
			return nil, fmt.Errorf("failed to scan dependent id: %w", err)
		}
		ids = append(ids, readyID)
	}
	return ids, rows.Err()
}

// SetActionSignal records a pending signal on a RUNNING or SUSPENDED action.
func (s *SQLiteStore) SetActionSignal(ctx context.Context, id string, signal ActionSignal) error {
	query := `
		UPDATE actions
		SET signal = ?
		WHERE id = ? AND status IN (?, ?)
	`
	result, err := s.db.ExecContext(ctx, query,
		signal, id, ActionStatusRunning, ActionStatusSuspended)
	if err != nil {
		return fmt.Errorf("failed to set action signal: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotAcquired
	}
	return nil
}

// GetActionSignal reads the pending signal slot.
func (s *SQLiteStore) GetActionSignal(ctx context.Context, id string) (ActionSignal, error) {
	var signal ActionSignal
	err := s.db.QueryRowContext(ctx,
		`SELECT signal FROM actions WHERE id = ?`, id).Scan(&signal)
	if errors.Is(err, sql.ErrNoRows) {
		return SignalNone, fmt.Errorf("action %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return SignalNone, fmt.Errorf("failed to get action signal: %w", err)
	}
	return signal, nil
}

// ClearActionSignal empties the pending signal slot.
func (s *SQLiteStore) ClearActionSignal(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE actions SET signal = '' WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to clear action signal: %w", err)
	}
	return requireRow(result, "action", id)
}

// UpdateActionStatus moves a non-terminal action to the given status.
func (s *SQLiteStore) UpdateActionStatus(ctx context.Context, id string, status ActionStatus, reason string) error {
	query := `
		UPDATE actions
		SET status = ?, status_reason = ?
		WHERE id = ? AND status NOT IN (?, ?, ?)
	`
	result, err := s.db.ExecContext(ctx, query,
		status, reason, id,
		ActionStatusSucceeded, ActionStatusFailed, ActionStatusCancelled)
	if err != nil {
		return fmt.Errorf("failed to update action status: %w", err)
	}
	return requireRow(result, "action", id)
}

// MarkTimedOutActions fails RUNNING actions whose timeout elapsed.
func (s *SQLiteStore) MarkTimedOutActions(ctx context.Context, now time.Time) ([]string, error) {
	query := `
		UPDATE actions
		SET status = ?, status_reason = 'action timed out', owner = NULL, signal = '', ended_at = ?
		WHERE status = ?
		  AND timeout_seconds > 0
		  AND started_at IS NOT NULL
		  AND ? - CAST(strftime('%s', started_at) AS INTEGER) > timeout_seconds
		RETURNING id
	`
	rows, err := s.db.QueryContext(ctx, query,
		ActionStatusFailed, dbTime(now), ActionStatusRunning, now.UTC().Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to mark timed out actions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan timed out id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AcquireLock acquires a target lock. Exclusive acquisition succeeds only as
// a fresh insert; shared acquisition also joins an existing shared holder set
// bounded by maxShared. Acquisition never blocks and never queues.
func (s *SQLiteStore) AcquireLock(ctx context.Context, targetID, actionID, engineID string, scope LockScope, maxShared int) error {
	owners, err := json.Marshal([]string{actionID})
	if err != nil {
		return fmt.Errorf("failed to encode lock owners: %w", err)
	}
	now := dbTime(time.Now())

	result, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO locks (target_id, scope, owners, engine_id, generation, created_at, updated_at)
		VALUES (?, ?, ?, ?, 1, ?, ?)
	`, targetID, scope, string(owners), engineID, now, now)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 1 {
		return nil
	}

	if scope == LockScopeExclusive {
		return ErrLockConflict
	}

	// Join an existing shared holder set if there is room.
	result, err = s.db.ExecContext(ctx, `
		UPDATE locks
		SET owners = json_insert(owners, '$[#]', ?), updated_at = ?
		WHERE target_id = ? AND scope = ?
		  AND json_array_length(owners) < ?
		  AND NOT EXISTS (SELECT 1 FROM json_each(owners) WHERE value = ?)
	`, actionID, now, targetID, LockScopeShared, maxShared, actionID)
	if err != nil {
		return fmt.Errorf("failed to join shared lock: %w", err)
	}
	rows, err = result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrLockConflict
	}
	return nil
}

// ReleaseLock removes an action from the lock's owner set and deletes the
// record when the set becomes empty. Releasing a lock not held by the caller
// is a no-op.
func (s *SQLiteStore) ReleaseLock(ctx context.Context, targetID, actionID, engineID string) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var ownersJSON string
	var generation int64
	err = tx.QueryRowContext(ctx,
		`SELECT owners, generation FROM locks WHERE target_id = ?`, targetID).
		Scan(&ownersJSON, &generation)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read lock: %w", err)
	}

	var owners []string
	if err := json.Unmarshal([]byte(ownersJSON), &owners); err != nil {
		return fmt.Errorf("failed to decode lock owners: %w", err)
	}

	remaining := make([]string, 0, len(owners))
	found := false
	for _, o := range owners {
		if o == actionID {
			found = true
			continue
		}
		remaining = append(remaining, o)
	}
	if !found {
		return nil
	}

	if len(remaining) == 0 {
		// Delete rather than mark free so the next acquire is a fresh insert.
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM locks WHERE target_id = ? AND generation = ?`, targetID, generation); err != nil {
			return fmt.Errorf("failed to delete lock: %w", err)
		}
	} else {
		encoded, err := json.Marshal(remaining)
		if err != nil {
			return fmt.Errorf("failed to encode lock owners: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE locks SET owners = ?, updated_at = ?
			WHERE target_id = ? AND generation = ?
		`, string(encoded), dbTime(time.Now()), targetID, generation); err != nil {
			return fmt.Errorf("failed to update lock owners: %w", err)
		}
	}

	return tx.Commit()
}

// StealLock replaces the lock's owning engine and owner set, fenced by the
// generation the caller observed. A concurrent steal or release invalidates
// the generation and the caller receives ErrStaleGeneration instead of a
// second ownership.
func (s *SQLiteStore) StealLock(ctx context.Context, targetID, actionID, engineID string, observedGeneration int64) (int64, error) {
	owners, err := json.Marshal([]string{actionID})
	if err != nil {
		return 0, fmt.Errorf("failed to encode lock owners: %w", err)
	}

	var generation int64
	err = s.db.QueryRowContext(ctx, `
		UPDATE locks
		SET engine_id = ?, owners = ?, generation = generation + 1, updated_at = ?
		WHERE target_id = ? AND generation = ?
		RETURNING generation
	`, engineID, string(owners), dbTime(time.Now()), targetID, observedGeneration).Scan(&generation)
	if errors.Is(err, sql.ErrNoRows) {
		// Distinguish a vanished lock from a lost fence.
		if _, gerr := s.GetLock(ctx, targetID); errors.Is(gerr, ErrNotFound) {
			return 0, fmt.Errorf("lock %s: %w", targetID, ErrNotFound)
		}
		return 0, ErrStaleGeneration
	}
	if err != nil {
		return 0, fmt.Errorf("failed to steal lock: %w", err)
	}
	return generation, nil
}

// GetLock retrieves a lock record by target ID.
func (s *SQLiteStore) GetLock(ctx context.Context, targetID string) (*Lock, error) {
	l := &Lock{}
	var ownersJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT target_id, scope, owners, engine_id, generation, created_at, updated_at
		FROM locks WHERE target_id = ?
	`, targetID).Scan(
		&l.TargetID,
		&l.Scope,
		&ownersJSON,
		&l.EngineID,
		&l.Generation,
		&l.CreatedAt,
		&l.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lock %s: %w", targetID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lock: %w", err)
	}
	if err := json.Unmarshal([]byte(ownersJSON), &l.Owners); err != nil {
		return nil, fmt.Errorf("failed to decode lock owners: %w", err)
	}
	return l, nil
}

// RegisterEngine inserts the engine's process-lifetime identity record.
func (s *SQLiteStore) RegisterEngine(ctx context.Context, engine *Engine) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO engines (id, address, started_at, heartbeat_at)
		VALUES (?, ?, ?, ?)
	`, engine.ID, engine.Address, dbTime(engine.StartedAt), dbTime(engine.HeartbeatAt))
	if err != nil {
		return fmt.Errorf("failed to register engine: %w", err)
	}
	return nil
}

// HeartbeatEngine refreshes the engine's liveness timestamp.
func (s *SQLiteStore) HeartbeatEngine(ctx context.Context, id string, now time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE engines SET heartbeat_at = ? WHERE id = ?`, dbTime(now), id)
	if err != nil {
		return fmt.Errorf("failed to heartbeat engine: %w", err)
	}
	return requireRow(result, "engine", id)
}

// RemoveEngine deletes the engine's identity record.
func (s *SQLiteStore) RemoveEngine(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM engines WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to remove engine: %w", err)
	}
	return requireRow(result, "engine", id)
}

// GetEngine retrieves an engine record by ID.
func (s *SQLiteStore) GetEngine(ctx context.Context, id string) (*Engine, error) {
	e := &Engine{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, address, started_at, heartbeat_at FROM engines WHERE id = ?
	`, id).Scan(&e.ID, &e.Address, &e.StartedAt, &e.HeartbeatAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("engine %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get engine: %w", err)
	}
	return e, nil
}

// ListLiveEngines returns engines whose heartbeat is fresher than aliveSince.
func (s *SQLiteStore) ListLiveEngines(ctx context.Context, aliveSince time.Time) ([]*Engine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, address, started_at, heartbeat_at
		FROM engines
		WHERE heartbeat_at > ?
		ORDER BY started_at ASC
	`, dbTime(aliveSince))
	if err != nil {
		return nil, fmt.Errorf("failed to list live engines: %w", err)
	}
	defer rows.Close()

	engines := []*Engine{}
	for rows.Next() {
		e := &Engine{}
		if err := rows.Scan(&e.ID, &e.Address, &e.StartedAt, &e.HeartbeatAt); err != nil {
			return nil, fmt.Errorf("failed to scan engine: %w", err)
		}
		engines = append(engines, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating engines: %w", err)
	}
	return engines, nil
}

const healthColumns = `cluster_id, check_type, interval_seconds, params, engine_id, enabled, created_at, updated_at`

func scanHealthEntry(row interface {
	Scan(dest ...interface{}) error
}) (*HealthEntry, error) {
	h := &HealthEntry{}
	err := row.Scan(
		&h.ClusterID,
		&h.CheckType,
		&h.IntervalSeconds,
		&h.Params,
		&h.EngineID,
		&h.Enabled,
		&h.CreatedAt,
		&h.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// CreateHealthEntry registers health monitoring for a cluster.
func (s *SQLiteStore) CreateHealthEntry(ctx context.Context, entry *HealthEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO health_registry (`+healthColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ClusterID, entry.CheckType, entry.IntervalSeconds, entry.Params,
		entry.EngineID, entry.Enabled, dbTime(entry.CreatedAt), dbTime(entry.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to create health entry: %w", err)
	}
	return nil
}

// GetHealthEntry retrieves the health entry for a cluster.
func (s *SQLiteStore) GetHealthEntry(ctx context.Context, clusterID string) (*HealthEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+healthColumns+` FROM health_registry WHERE cluster_id = ?`, clusterID)
	h, err := scanHealthEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("health entry %s: %w", clusterID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get health entry: %w", err)
	}
	return h, nil
}

// UpdateHealthEntry rewrites a health entry.
func (s *SQLiteStore) UpdateHealthEntry(ctx context.Context, entry *HealthEntry) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE health_registry
		SET check_type = ?, interval_seconds = ?, params = ?, engine_id = ?, enabled = ?, updated_at = ?
		WHERE cluster_id = ?
	`, entry.CheckType, entry.IntervalSeconds, entry.Params, entry.EngineID,
		entry.Enabled, dbTime(time.Now()), entry.ClusterID)
	if err != nil {
		return fmt.Errorf("failed to update health entry: %w", err)
	}
	return requireRow(result, "health entry", entry.ClusterID)
}

// SetHealthEntryEnabled flips the enabled flag for a cluster's health entry.
func (s *SQLiteStore) SetHealthEntryEnabled(ctx context.Context, clusterID string, enabled bool) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE health_registry SET enabled = ?, updated_at = ? WHERE cluster_id = ?
	`, enabled, dbTime(time.Now()), clusterID)
	if err != nil {
		return fmt.Errorf("failed to set health entry enabled: %w", err)
	}
	return requireRow(result, "health entry", clusterID)
}

// DeleteHealthEntry removes health monitoring for a cluster.
func (s *SQLiteStore) DeleteHealthEntry(ctx context.Context, clusterID string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM health_registry WHERE cluster_id = ?`, clusterID)
	if err != nil {
		return fmt.Errorf("failed to delete health entry: %w", err)
	}
	return requireRow(result, "health entry", clusterID)
}

// ListHealthEntriesByEngine lists entries currently owned by an engine.
func (s *SQLiteStore) ListHealthEntriesByEngine(ctx context.Context, engineID string) ([]*HealthEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+healthColumns+` FROM health_registry WHERE engine_id = ? ORDER BY cluster_id`, engineID)
	if err != nil {
		return nil, fmt.Errorf("failed to list health entries: %w", err)
	}
	defer rows.Close()

	entries := []*HealthEntry{}
	for rows.Next() {
		h, err := scanHealthEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan health entry: %w", err)
		}
		entries = append(entries, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating health entries: %w", err)
	}
	return entries, nil
}

// ClaimHealthEntries reassigns every enabled entry whose owner is absent or
// dead to engineID in a single statement and returns the claimed set.
func (s *SQLiteStore) ClaimHealthEntries(ctx context.Context, engineID string, aliveEngineIDs []string) ([]*HealthEntry, error) {
	var sb strings.Builder
	sb.WriteString(`
		UPDATE health_registry
		SET engine_id = ?, updated_at = ?
		WHERE enabled = 1 AND (engine_id IS NULL`)
	args := []interface{}{engineID, dbTime(time.Now())}
	if len(aliveEngineIDs) > 0 {
		sb.WriteString(" OR engine_id NOT IN (")
		for i, id := range aliveEngineIDs {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("?")
			args = append(args, id)
		}
		sb.WriteString(")")
	} else {
		sb.WriteString(" OR 1 = 1")
	}
	sb.WriteString(`)
		RETURNING ` + healthColumns)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to claim health entries: %w", err)
	}
	defer rows.Close()

	claimed := []*HealthEntry{}
	for rows.Next() {
		h, err := scanHealthEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan claimed entry: %w", err)
		}
		claimed = append(claimed, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating claimed entries: %w", err)
	}
	return claimed, nil
}

const policyColumns = `cluster_id, policy_id, policy_name, policy_type, enabled, priority, data, last_op`

func scanClusterPolicy(row interface {
	Scan(dest ...interface{}) error
}) (*ClusterPolicy, error) {
	cp := &ClusterPolicy{}
	err := row.Scan(
		&cp.ClusterID,
		&cp.PolicyID,
		&cp.PolicyName,
		&cp.PolicyType,
		&cp.Enabled,
		&cp.Priority,
		&cp.Data,
		&cp.LastOp,
	)
	if err != nil {
		return nil, err
	}
	return cp, nil
}

// CreateClusterPolicy attaches a policy to a cluster.
func (s *SQLiteStore) CreateClusterPolicy(ctx context.Context, binding *ClusterPolicy) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cluster_policies (`+policyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, binding.ClusterID, binding.PolicyID, binding.PolicyName, binding.PolicyType,
		binding.Enabled, binding.Priority, binding.Data, nullableTime(binding.LastOp))
	if err != nil {
		return fmt.Errorf("failed to create cluster policy: %w", err)
	}
	return nil
}

// GetClusterPolicy retrieves one policy binding.
func (s *SQLiteStore) GetClusterPolicy(ctx context.Context, clusterID, policyID string) (*ClusterPolicy, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+policyColumns+` FROM cluster_policies
		WHERE cluster_id = ? AND policy_id = ?
	`, clusterID, policyID)
	cp, err := scanClusterPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("cluster policy %s/%s: %w", clusterID, policyID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cluster policy: %w", err)
	}
	return cp, nil
}

// ListClusterPolicies lists a cluster's bindings ordered by priority.
func (s *SQLiteStore) ListClusterPolicies(ctx context.Context, clusterID string) ([]*ClusterPolicy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+policyColumns+` FROM cluster_policies
		WHERE cluster_id = ?
		ORDER BY priority ASC, policy_id ASC
	`, clusterID)
	if err != nil {
		return nil, fmt.Errorf("failed to list cluster policies: %w", err)
	}
	defer rows.Close()

	bindings := []*ClusterPolicy{}
	for rows.Next() {
		cp, err := scanClusterPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cluster policy: %w", err)
		}
		bindings = append(bindings, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cluster policies: %w", err)
	}
	return bindings, nil
}

// UpdateClusterPolicy rewrites a policy binding.
func (s *SQLiteStore) UpdateClusterPolicy(ctx context.Context, binding *ClusterPolicy) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE cluster_policies
		SET policy_name = ?, policy_type = ?, enabled = ?, priority = ?, data = ?
		WHERE cluster_id = ? AND policy_id = ?
	`, binding.PolicyName, binding.PolicyType, binding.Enabled, binding.Priority,
		binding.Data, binding.ClusterID, binding.PolicyID)
	if err != nil {
		return fmt.Errorf("failed to update cluster policy: %w", err)
	}
	return requireRow(result, "cluster policy", binding.ClusterID+"/"+binding.PolicyID)
}

// DeleteClusterPolicy detaches a policy from a cluster.
func (s *SQLiteStore) DeleteClusterPolicy(ctx context.Context, clusterID, policyID string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM cluster_policies WHERE cluster_id = ? AND policy_id = ?
	`, clusterID, policyID)
	if err != nil {
		return fmt.Errorf("failed to delete cluster policy: %w", err)
	}
	return requireRow(result, "cluster policy", clusterID+"/"+policyID)
}

// TouchClusterPolicy updates the cooldown anchor timestamp.
func (s *SQLiteStore) TouchClusterPolicy(ctx context.Context, clusterID, policyID string, now time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE cluster_policies SET last_op = ? WHERE cluster_id = ? AND policy_id = ?
	`, dbTime(now), clusterID, policyID)
	if err != nil {
		return fmt.Errorf("failed to touch cluster policy: %w", err)
	}
	return requireRow(result, "cluster policy", clusterID+"/"+policyID)
}

// AppendEvent appends a new event to the log
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO events (action_id, level, message, timestamp)
		VALUES (?, ?, ?, ?)
	`, event.ActionID, event.Level, event.Message, dbTime(event.Timestamp))
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}
	event.ID = id
	return nil
}

// ListEvents retrieves events, optionally filtered by action, newest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, actionID *string, limit, offset int) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action_id, level, message, timestamp
		FROM events
		WHERE (? IS NULL OR action_id = ?)
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`, actionID, actionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		e := &Event{}
		if err := rows.Scan(&e.ID, &e.ActionID, &e.Level, &e.Message, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// dbTime normalizes a timestamp for storage. SQLite's date functions parse
// at most three fractional-second digits, so values are truncated to
// milliseconds; anything finer would make strftime on the stored text
// silently return NULL.
func dbTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return dbTime(*t)
}

func requireRow(result sql.Result, kind, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}
