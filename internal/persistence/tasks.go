package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusDone       TaskStatus = "done"
	TaskStatusFailed     TaskStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusDone || s == TaskStatusFailed
}

var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskStatusQueued: {
		TaskStatusProcessing: {},
		TaskStatusFailed:     {}, // saturation, reconciliation
	},
	TaskStatusProcessing: {
		TaskStatusDone:   {},
		TaskStatusFailed: {},
	},
}

func canTransition(from, to TaskStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// ErrTaskNotFound is returned when a task id has no row.
var ErrTaskNotFound = errors.New("task not found")

// Task is one unit of agent work: a message bound to an agent, moving
// queued -> processing -> done/failed. Rows are never deleted by the
// engine; retention sweeps prune old terminal tasks.
type Task struct {
	ID           string     `json:"id"`
	AgentID      string     `json:"agent_id"`
	SenderID     string     `json:"sender_id"`
	SenderName   string     `json:"sender_name,omitempty"`
	Channel      string     `json:"channel"`
	GroupID      string     `json:"group_id,omitempty"`
	RawMessage   string     `json:"raw_message"`
	Status       TaskStatus `json:"status"`
	Result       string     `json:"result,omitempty"`
	Error        string     `json:"error,omitempty"`
	ParentTaskID string     `json:"parent_task_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// TaskParams are the caller-supplied fields of a new task.
type TaskParams struct {
	AgentID      string
	SenderID     string
	SenderName   string
	Channel      string
	GroupID      string
	RawMessage   string
	ParentTaskID string
}

const taskColumns = `id, agent_id, sender_id, sender_name, channel, group_id,
	raw_message, status, result, error, parent_task_id, created_at, updated_at`

func scanTask(scan func(dest ...any) error, t *Task) error {
	return scan(
		&t.ID, &t.AgentID, &t.SenderID, &t.SenderName, &t.Channel, &t.GroupID,
		&t.RawMessage, &t.Status, &t.Result, &t.Error, &t.ParentTaskID,
		&t.CreatedAt, &t.UpdatedAt,
	)
}

// CreateTask persists a new queued task and returns it.
func (s *Store) CreateTask(ctx context.Context, p TaskParams) (Task, error) {
	if p.AgentID == "" {
		return Task{}, errors.New("create task: agent_id required")
	}
	id := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (id, agent_id, sender_id, sender_name, channel, group_id, raw_message, status, parent_task_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, id, p.AgentID, p.SenderID, p.SenderName, p.Channel, p.GroupID, p.RawMessage, TaskStatusQueued, p.ParentTaskID)
		return err
	})
	if err != nil {
		return Task{}, fmt.Errorf("create task: %w", err)
	}
	return s.GetTask(ctx, id)
}

// GetTask fetches one task by id.
func (s *Store) GetTask(ctx context.Context, id string) (Task, error) {
	var t Task
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id)
	if err := scanTask(row.Scan, &t); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Task{}, ErrTaskNotFound
		}
		return Task{}, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasks returns the newest tasks first, optionally filtered by agent.
func (s *Store) ListTasks(ctx context.Context, agentID string, limit int) ([]Task, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var (
		rows *sql.Rows
		err  error
	)
	if agentID != "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+taskColumns+` FROM tasks WHERE agent_id = ?
			ORDER BY created_at DESC, id DESC LIMIT ?;
		`, agentID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+taskColumns+` FROM tasks
			ORDER BY created_at DESC, id DESC LIMIT ?;
		`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		if err := scanTask(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) transitionTask(ctx context.Context, id string, to TaskStatus, result, errMsg *string) (Task, error) {
	var t Task
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current TaskStatus
		if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?;`, id).Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrTaskNotFound
			}
			return fmt.Errorf("select task status: %w", err)
		}
		if !canTransition(current, to) {
			return fmt.Errorf("illegal task transition %s -> %s", current, to)
		}

		res := sql.NullString{}
		if result != nil {
			res = sql.NullString{String: *result, Valid: true}
		}
		e := sql.NullString{}
		if errMsg != nil {
			e = sql.NullString{String: *errMsg, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?,
				result = CASE WHEN ? THEN ? ELSE result END,
				error = CASE WHEN ? THEN ? ELSE error END,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, to, res.Valid, res.String, e.Valid, e.String, id, current); err != nil {
			return fmt.Errorf("update task status: %w", err)
		}

		row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id)
		if err := scanTask(row.Scan, &t); err != nil {
			return fmt.Errorf("reload task: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return Task{}, err
	}
	return t, nil
}

// MarkTaskProcessing moves a queued task to processing.
func (s *Store) MarkTaskProcessing(ctx context.Context, id string) (Task, error) {
	return s.transitionTask(ctx, id, TaskStatusProcessing, nil, nil)
}

// CompleteTask moves a processing task to done with its result text.
func (s *Store) CompleteTask(ctx context.Context, id, result string) (Task, error) {
	return s.transitionTask(ctx, id, TaskStatusDone, &result, nil)
}

// FailTask moves a non-terminal task to failed with an error string.
func (s *Store) FailTask(ctx context.Context, id, errMsg string) (Task, error) {
	return s.transitionTask(ctx, id, TaskStatusFailed, nil, &errMsg)
}

// ReconcileInterrupted marks every non-terminal task failed. Runs once at
// startup, before any worker, so tasks stranded by a crash or restart do
// not report queued/processing forever.
func (s *Store) ReconcileInterrupted(ctx context.Context, reason string) (int64, error) {
	if reason == "" {
		reason = "interrupted: process restarted"
	}
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, error = ?, updated_at = CURRENT_TIMESTAMP
			WHERE status IN (?, ?);
		`, TaskStatusFailed, reason, TaskStatusQueued, TaskStatusProcessing)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("reconcile interrupted tasks: %w", err)
	}
	return affected, nil
}

// TaskDepth counts the ancestors of the given task by walking the
// parent_task_id chain. A top-level task has depth 0.
func (s *Store) TaskDepth(ctx context.Context, id string) (int, error) {
	depth := 0
	current := id
	for {
		var parent string
		err := s.db.QueryRowContext(ctx, `SELECT parent_task_id FROM tasks WHERE id = ?;`, current).Scan(&parent)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return 0, ErrTaskNotFound
			}
			return 0, fmt.Errorf("walk task chain: %w", err)
		}
		if parent == "" {
			return depth, nil
		}
		depth++
		current = parent
		if depth > 100 {
			return 0, fmt.Errorf("task %s: parent chain too deep, possible cycle", id)
		}
	}
}

// PruneTasks deletes terminal tasks last touched before the cutoff.
// Returns the number of rows removed.
func (s *Store) PruneTasks(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UTC()
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM tasks
			WHERE status IN (?, ?) AND updated_at < ?;
		`, TaskStatusDone, TaskStatusFailed, cutoff)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("prune tasks: %w", err)
	}
	return affected, nil
}
