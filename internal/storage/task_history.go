package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/agent-planner/internal/model"
)

// ErrHistoryNotFound is returned when a history record id is unknown
var ErrHistoryNotFound = errors.New("task history not found")

// TaskHistory represents one execution of a task
type TaskHistory struct {
	ID          string           `json:"id"`
	PlanID      string           `json:"plan_id"`
	TaskID      string           `json:"task_id"`
	Title       string           `json:"title"`
	Type        model.TaskType   `json:"type"`
	Status      model.TaskStatus `json:"status"`
	Result      json.RawMessage  `json:"result,omitempty"`
	Error       string           `json:"error,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Duration    time.Duration    `json:"duration,omitempty"`
}

// TaskHistoryStorage defines the interface for task history storage
type TaskHistoryStorage interface {
	// Store stores a task execution record
	Store(ctx context.Context, history *TaskHistory) error

	// Update updates an existing task execution record
	Update(ctx context.Context, history *TaskHistory) error

	// Get retrieves a task execution record by ID
	Get(ctx context.Context, id string) (*TaskHistory, error)

	// List retrieves task execution records with pagination and filters.
	// Filter keys are column names: plan_id, task_id, type, status.
	List(ctx context.Context, filters map[string]interface{}, offset, limit int) ([]*TaskHistory, error)

	// Count returns the total number of records matching the filters
	Count(ctx context.Context, filters map[string]interface{}) (int, error)

	// DeleteBefore deletes records older than the specified time
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

var filterColumns = map[string]bool{
	"plan_id": true,
	"task_id": true,
	"type":    true,
	"status":  true,
}

// SQLiteTaskHistory implements TaskHistoryStorage using SQLite
type SQLiteTaskHistory struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteTaskHistory opens (or creates) the history database at dbPath.
// Use ":memory:" for a throwaway database.
func NewSQLiteTaskHistory(logger *zap.Logger, dbPath string) (*SQLiteTaskHistory, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)

	storage := &SQLiteTaskHistory{
		logger: logger.Named("task-history"),
		db:     db,
	}

	if err := storage.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return storage, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteTaskHistory) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS task_history (
			id TEXT PRIMARY KEY,
			plan_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			title TEXT NOT NULL,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			result TEXT,
			error TEXT,
			started_at DATETIME NOT NULL,
			completed_at DATETIME,
			duration INTEGER,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_task_history_plan_id ON task_history(plan_id);
		CREATE INDEX IF NOT EXISTS idx_task_history_task_id ON task_history(task_id);
		CREATE INDEX IF NOT EXISTS idx_task_history_status ON task_history(status);
		CREATE INDEX IF NOT EXISTS idx_task_history_started_at ON task_history(started_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Store implements TaskHistoryStorage.Store
func (s *SQLiteTaskHistory) Store(ctx context.Context, history *TaskHistory) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_history (
			id, plan_id, task_id, title, type, status, started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		history.ID,
		history.PlanID,
		history.TaskID,
		history.Title,
		history.Type,
		history.Status,
		history.StartedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to store task history: %w", err)
	}
	return nil
}

// Update implements TaskHistoryStorage.Update
func (s *SQLiteTaskHistory) Update(ctx context.Context, history *TaskHistory) error {
	completedAt := sql.NullTime{}
	if history.CompletedAt != nil {
		completedAt = sql.NullTime{Time: history.CompletedAt.UTC(), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE task_history SET
			status = ?,
			result = ?,
			error = ?,
			completed_at = ?,
			duration = ?
		WHERE id = ?`,
		history.Status,
		sql.NullString{String: string(history.Result), Valid: len(history.Result) > 0},
		sql.NullString{String: history.Error, Valid: history.Error != ""},
		completedAt,
		sql.NullInt64{Int64: int64(history.Duration), Valid: history.Duration != 0},
		history.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update task history: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrHistoryNotFound, history.ID)
	}
	return nil
}

const historyColumns = "id, plan_id, task_id, title, type, status, result, error, started_at, completed_at, duration"

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanHistory(row rowScanner) (*TaskHistory, error) {
	var history TaskHistory
	var result, errorStr sql.NullString
	var completedAt sql.NullTime
	var durationNanos sql.NullInt64

	if err := row.Scan(
		&history.ID,
		&history.PlanID,
		&history.TaskID,
		&history.Title,
		&history.Type,
		&history.Status,
		&result,
		&errorStr,
		&history.StartedAt,
		&completedAt,
		&durationNanos,
	); err != nil {
		return nil, err
	}

	if result.Valid && result.String != "" {
		history.Result = json.RawMessage(result.String)
	}
	if errorStr.Valid {
		history.Error = errorStr.String
	}
	if completedAt.Valid {
		history.CompletedAt = &completedAt.Time
	}
	if durationNanos.Valid {
		history.Duration = time.Duration(durationNanos.Int64)
	}
	return &history, nil
}

// Get implements TaskHistoryStorage.Get
func (s *SQLiteTaskHistory) Get(ctx context.Context, id string) (*TaskHistory, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+historyColumns+" FROM task_history WHERE id = ?", id)
	history, err := scanHistory(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrHistoryNotFound, id)
		}
		return nil, fmt.Errorf("failed to scan task history: %w", err)
	}
	return history, nil
}

// whereClause builds a WHERE clause from filters in a stable key order
func whereClause(filters map[string]interface{}) (string, []interface{}, error) {
	if len(filters) == 0 {
		return "", nil, nil
	}

	keys := make([]string, 0, len(filters))
	for key := range filters {
		if !filterColumns[key] {
			return "", nil, fmt.Errorf("unsupported history filter %q", key)
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	conds := make([]string, len(keys))
	args := make([]interface{}, len(keys))
	for i, key := range keys {
		conds[i] = key + " = ?"
		args[i] = filters[key]
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

// List implements TaskHistoryStorage.List
func (s *SQLiteTaskHistory) List(ctx context.Context, filters map[string]interface{}, offset, limit int) ([]*TaskHistory, error) {
	where, args, err := whereClause(filters)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}

	query := "SELECT " + historyColumns + " FROM task_history" + where + " ORDER BY started_at DESC, rowid DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list task history: %w", err)
	}
	defer rows.Close()

	var histories []*TaskHistory
	for rows.Next() {
		history, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task history: %w", err)
		}
		histories = append(histories, history)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return histories, nil
}

// Count implements TaskHistoryStorage.Count
func (s *SQLiteTaskHistory) Count(ctx context.Context, filters map[string]interface{}) (int, error) {
	where, args, err := whereClause(filters)
	if err != nil {
		return 0, err
	}

	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM task_history"+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count task history: %w", err)
	}
	return count, nil
}

// DeleteBefore implements TaskHistoryStorage.DeleteBefore
func (s *SQLiteTaskHistory) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM task_history WHERE started_at < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete task history: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old task history records",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return affected, nil
}

// Close closes the database connection
func (s *SQLiteTaskHistory) Close() error {
	return s.db.Close()
}
