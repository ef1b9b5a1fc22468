// Package repository persists task history.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/compose-paas/backend/internal/model"
)

// DefaultListLimit caps history queries without an explicit limit.
const DefaultListLimit = 100

// TaskRepository provides data access for finished tasks. Output is not
// stored.
type TaskRepository struct {
	db *sql.DB
}

// NewTaskRepository creates a new TaskRepository.
func NewTaskRepository(db *sql.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

// RecordTask inserts or updates the history row of a task. A task may be
// recorded again when its final state changes.
func (r *TaskRepository) RecordTask(ctx context.Context, details model.TaskDetails) error {
	var warnings sql.NullString
	if len(details.Warnings) > 0 {
		data, err := json.Marshal(details.Warnings)
		if err != nil {
			return fmt.Errorf("failed to serialize warnings: %w", err)
		}
		warnings = sql.NullString{String: string(data), Valid: true}
	}

	query := `
		INSERT INTO task_history (id, app_name, command, state, exit_code, cancelled, warnings, start_time, finish_time, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			exit_code = excluded.exit_code,
			cancelled = excluded.cancelled,
			warnings = excluded.warnings,
			finish_time = excluded.finish_time,
			recorded_at = excluded.recorded_at
	`

	_, err := r.db.ExecContext(ctx, query,
		details.ID,
		details.AppName,
		details.Command,
		details.State,
		details.ExitCode,
		details.Cancelled,
		warnings,
		details.StartTime.UTC(),
		nullTime(details.FinishTime),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record task: %w", err)
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

const selectColumns = `SELECT id, app_name, command, state, exit_code, cancelled, warnings, start_time, finish_time FROM task_history`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row scanner) (model.TaskDetails, error) {
	var (
		d          model.TaskDetails
		exitCode   sql.NullInt64
		warnings   sql.NullString
		finishTime sql.NullTime
	)
	err := row.Scan(
		&d.ID,
		&d.AppName,
		&d.Command,
		&d.State,
		&exitCode,
		&d.Cancelled,
		&warnings,
		&d.StartTime,
		&finishTime,
	)
	if err != nil {
		return d, err
	}

	if exitCode.Valid {
		code := int(exitCode.Int64)
		d.ExitCode = &code
	}
	if finishTime.Valid {
		t := finishTime.Time
		d.FinishTime = &t
	}
	if warnings.Valid {
		if err := json.Unmarshal([]byte(warnings.String), &d.Warnings); err != nil {
			return d, fmt.Errorf("failed to parse warnings: %w", err)
		}
	}
	return d, nil
}

// GetByID retrieves a task by its ID.
func (r *TaskRepository) GetByID(ctx context.Context, id string) (model.TaskDetails, error) {
	d, err := scanTask(r.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return d, model.NotFound("task", id)
	}
	if err != nil {
		return d, fmt.Errorf("failed to get task: %w", err)
	}
	return d, nil
}

// List returns the most recent tasks, newest first. An empty appName lists
// every app.
func (r *TaskRepository) List(ctx context.Context, appName string, limit int) ([]model.TaskDetails, error) {
	if limit <= 0 || limit > DefaultListLimit {
		limit = DefaultListLimit
	}

	var (
		rows *sql.Rows
		err  error
	)
	if appName == "" {
		rows, err = r.db.QueryContext(ctx, selectColumns+` ORDER BY start_time DESC LIMIT ?`, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, selectColumns+` WHERE app_name = ? ORDER BY start_time DESC LIMIT ?`, appName, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	tasks := make([]model.TaskDetails, 0)
	for rows.Next() {
		d, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

// DeleteFinishedBefore removes tasks that finished before the given time.
func (r *TaskRepository) DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM task_history WHERE finish_time < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune task history: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}
