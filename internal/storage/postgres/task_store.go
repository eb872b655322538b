package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/scrypster/conductor/internal/storage"
	"github.com/scrypster/conductor/pkg/types"
)

// taskColumns is the column list shared by every task SELECT.
const taskColumns = `id, conversation_id, parent_task_id, task_type, description,
	status, priority, dependencies, result, error_message, retry_count,
	metadata, next_attempt_at, started_at, completed_at, created_at, updated_at`

// CreateTask inserts a new task and assigns its ID.
func (s *Store) CreateTask(ctx context.Context, task *types.Task) error {
	if task == nil {
		return storage.ErrInvalidInput
	}
	if task.ConversationID == 0 {
		return fmt.Errorf("%w: conversation_id is required", storage.ErrInvalidInput)
	}
	if !types.ValidTaskType(task.TaskType) {
		return fmt.Errorf("%w: unknown task_type %q", storage.ErrInvalidInput, task.TaskType)
	}
	if task.Description == "" {
		return fmt.Errorf("%w: description is required", storage.ErrInvalidInput)
	}
	if task.Status == "" {
		task.Status = types.StatusPending
	}

	if task.ParentTaskID != nil {
		if err := s.checkSameConversation(ctx, []int64{*task.ParentTaskID}, task.ConversationID, "parent_task_id"); err != nil {
			return err
		}
	}
	if len(task.Dependencies) > 0 {
		if err := s.checkSameConversation(ctx, task.Dependencies, task.ConversationID, "dependency"); err != nil {
			return err
		}
	}

	depsJSON, err := marshalIDs(task.Dependencies)
	if err != nil {
		return err
	}
	metaJSON, err := marshalJSON(task.Metadata)
	if err != nil {
		return err
	}

	now := s.now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO tasks (
			conversation_id, parent_task_id, task_type, description, status,
			priority, dependencies, result, error_message, retry_count,
			metadata, next_attempt_at, started_at, completed_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id`,
		task.ConversationID, task.ParentTaskID, string(task.TaskType), task.Description,
		string(task.Status), task.Priority, depsJSON, nullString(task.Result),
		nullString(task.ErrorMessage), task.RetryCount, metaJSON,
		nullTime(task.NextAttemptAt), nullTime(task.StartedAt), nullTime(task.CompletedAt),
		task.CreatedAt, task.UpdatedAt,
	).Scan(&task.ID)
	if err != nil {
		return fmt.Errorf("postgres: failed to insert task: %w", err)
	}
	return nil
}

// checkSameConversation verifies that every referenced task exists and lives
// in the given conversation. Dependencies never cross conversations.
func (s *Store) checkSameConversation(ctx context.Context, ids []int64, conversationID int64, kind string) error {
	for _, id := range ids {
		var cid int64
		err := s.db.QueryRowContext(ctx, `SELECT conversation_id FROM tasks WHERE id = $1`, id).Scan(&cid)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: %s %d does not exist", storage.ErrInvalidInput, kind, id)
		}
		if err != nil {
			return fmt.Errorf("postgres: failed to check %s %d: %w", kind, id, err)
		}
		if cid != conversationID {
			return fmt.Errorf("%w: %s %d belongs to conversation %d, not %d",
				storage.ErrInvalidInput, kind, id, cid, conversationID)
		}
	}
	return nil
}

// GetTask returns the task with the given ID, or ErrNotFound.
func (s *Store) GetTask(ctx context.Context, id int64) (*types.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to get task %d: %w", id, err)
	}
	return task, nil
}

// ListTasks returns a conversation's tasks matching the filter, ordered
// priority descending then created_at ascending.
func (s *Store) ListTasks(ctx context.Context, conversationID int64, filter storage.TaskFilter) ([]*types.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE conversation_id = $1`
	args := []interface{}{conversationID}

	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	if filter.TaskType != "" {
		args = append(args, string(filter.TaskType))
		query += fmt.Sprintf(` AND task_type = $%d`, len(args))
	}
	query += ` ORDER BY priority DESC, created_at ASC, id ASC`

	return s.queryTasks(ctx, query, args...)
}

// Subtasks returns the direct children of a task, in scheduling order.
func (s *Store) Subtasks(ctx context.Context, parentTaskID int64) ([]*types.Task, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE parent_task_id = $1
		 ORDER BY priority DESC, created_at ASC, id ASC`, parentTaskID)
}

// NonTerminal returns the pending and running tasks of a conversation plus
// the IDs of its completed tasks.
func (s *Store) NonTerminal(ctx context.Context, conversationID int64) ([]*types.Task, []int64, error) {
	open, err := s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE conversation_id = $1 AND status IN ('pending', 'running')
		 ORDER BY priority DESC, created_at ASC, id ASC`, conversationID)
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM tasks WHERE conversation_id = $1 AND status = 'completed'`, conversationID)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: failed to list completed tasks: %w", err)
	}
	defer rows.Close()

	var completed []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, nil, fmt.Errorf("postgres: failed to scan completed id: %w", err)
		}
		completed = append(completed, id)
	}
	return open, completed, rows.Err()
}

// MarkRunning transitions pending→running. The status guard in the WHERE
// clause makes this a compare-and-swap: at most one caller wins.
func (s *Store) MarkRunning(ctx context.Context, id int64) error {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'running', started_at = $1, next_attempt_at = NULL, updated_at = $2
		WHERE id = $3 AND status = 'pending'`, now, now, id)
	if err != nil {
		return fmt.Errorf("postgres: failed to mark task %d running: %w", id, err)
	}
	return s.checkTransition(ctx, res, id, "pending")
}

// MarkCompleted transitions running→completed with the result.
func (s *Store) MarkCompleted(ctx context.Context, id int64, result string) error {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'completed', result = $1, error_message = NULL, completed_at = $2, updated_at = $3
		WHERE id = $4 AND status = 'running'`, result, now, now, id)
	if err != nil {
		return fmt.Errorf("postgres: failed to mark task %d completed: %w", id, err)
	}
	return s.checkTransition(ctx, res, id, "running")
}

// MarkFailed transitions running→failed, recording the error. The retry
// counter is bumped by Requeue when a retry is actually scheduled, so a task
// that exhausts its budget ends with retry_count equal to the ceiling.
func (s *Store) MarkFailed(ctx context.Context, id int64, errorMessage string) error {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'failed', error_message = $1, result = NULL,
		    completed_at = $2, updated_at = $3
		WHERE id = $4 AND status = 'running'`, errorMessage, now, now, id)
	if err != nil {
		return fmt.Errorf("postgres: failed to mark task %d failed: %w", id, err)
	}
	return s.checkTransition(ctx, res, id, "running")
}

// Requeue transitions failed→pending for a retry, incrementing retry_count
// and recording the backoff deadline.
func (s *Store) Requeue(ctx context.Context, id int64, nextAttemptAt time.Time) error {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'pending', retry_count = retry_count + 1, next_attempt_at = $1,
		    started_at = NULL, completed_at = NULL, updated_at = $2
		WHERE id = $3 AND status = 'failed'`, nextAttemptAt.UTC(), now, id)
	if err != nil {
		return fmt.Errorf("postgres: failed to requeue task %d: %w", id, err)
	}
	return s.checkTransition(ctx, res, id, "failed")
}

// checkTransition classifies a zero-row UPDATE: the task either does not
// exist (ErrNotFound) or was not in the required state (ErrInvalidInput).
func (s *Store) checkTransition(ctx context.Context, res sql.Result, id int64, want string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: failed to read rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = $1`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("postgres: failed to check task %d status: %w", id, err)
	}
	return fmt.Errorf("%w: task %d is %s, not %s", storage.ErrInvalidInput, id, status, want)
}

// AddDependency appends dependsOn to a pending task's dependency set.
func (s *Store) AddDependency(ctx context.Context, id, dependsOn int64) error {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if !task.IsPending() {
		return fmt.Errorf("%w: task %d is %s, dependencies may only be added while pending",
			storage.ErrInvalidInput, id, task.Status)
	}
	if err := s.checkSameConversation(ctx, []int64{dependsOn}, task.ConversationID, "dependency"); err != nil {
		return err
	}
	for _, dep := range task.Dependencies {
		if dep == dependsOn {
			return nil // already present
		}
	}

	depsJSON, err := marshalIDs(append(task.Dependencies, dependsOn))
	if err != nil {
		return err
	}
	now := s.now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET dependencies = $1, updated_at = $2 WHERE id = $3`,
		depsJSON, now, id); err != nil {
		return fmt.Errorf("postgres: failed to add dependency %d to task %d: %w", dependsOn, id, err)
	}
	return nil
}

// CancelTree cancels a task and all its descendants in one transaction.
func (s *Store) CancelTree(ctx context.Context, id int64) ([]int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to begin cancel transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = $1`, id).Scan(&exists); err != nil {
		if err == sql.ErrNoRows {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: failed to check task %d: %w", id, err)
	}

	// Walk the subtree via the parent index, cancelling every task that has
	// not already reached a terminal state.
	rows, err := tx.QueryContext(ctx, `
		WITH RECURSIVE subtree(id) AS (
			SELECT id FROM tasks WHERE id = $1
			UNION ALL
			SELECT t.id FROM tasks t JOIN subtree s ON t.parent_task_id = s.id
		)
		SELECT id FROM subtree`, id)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to collect subtree of task %d: %w", id, err)
	}
	var subtree []int64
	for rows.Next() {
		var tid int64
		if err := rows.Scan(&tid); err != nil {
			rows.Close()
			return nil, fmt.Errorf("postgres: failed to scan subtree id: %w", err)
		}
		subtree = append(subtree, tid)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	var cancelled []int64
	for _, tid := range subtree {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = 'cancelled', completed_at = $1, updated_at = $2
			WHERE id = $3 AND status IN ('pending', 'running', 'failed')`, now, now, tid)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to cancel task %d: %w", tid, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			cancelled = append(cancelled, tid)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("postgres: failed to commit cancel: %w", err)
	}
	return cancelled, nil
}

// DeleteTask removes a task; the parent_task_id foreign key cascades the
// delete to every descendant.
func (s *Store) DeleteTask(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: failed to delete task %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// TaskStatistics returns per-status counts for a conversation.
func (s *Store) TaskStatistics(ctx context.Context, conversationID int64) (*storage.TaskStatistics, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM tasks WHERE conversation_id = $1 GROUP BY status`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to count tasks: %w", err)
	}
	defer rows.Close()

	stats := &storage.TaskStatistics{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan task count: %w", err)
		}
		stats.Total += count
		switch types.TaskStatus(status) {
		case types.StatusPending:
			stats.Pending = count
		case types.StatusRunning:
			stats.Running = count
		case types.StatusCompleted:
			stats.Completed = count
		case types.StatusFailed:
			stats.Failed = count
		case types.StatusCancelled:
			stats.Cancelled = count
		}
	}
	return stats, rows.Err()
}

// queryTasks runs a task SELECT and scans all rows.
func (s *Store) queryTasks(ctx context.Context, query string, args ...interface{}) ([]*types.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: task query failed: %w", err)
	}
	defer rows.Close()

	var tasks []*types.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func scanTask(row rowScanner) (*types.Task, error) {
	var (
		task                 types.Task
		parentID             sql.NullInt64
		deps, result, errMsg sql.NullString
		metadata             sql.NullString
		nextAttempt, started sql.NullTime
		completed            sql.NullTime
		taskType, status     string
	)
	err := row.Scan(
		&task.ID, &task.ConversationID, &parentID, &taskType, &task.Description,
		&status, &task.Priority, &deps, &result, &errMsg, &task.RetryCount,
		&metadata, &nextAttempt, &started, &completed, &task.CreatedAt, &task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	task.TaskType = types.TaskType(taskType)
	task.Status = types.TaskStatus(status)
	if parentID.Valid {
		task.ParentTaskID = &parentID.Int64
	}
	if result.Valid {
		task.Result = result.String
	}
	if errMsg.Valid {
		task.ErrorMessage = errMsg.String
	}
	task.NextAttemptAt = timePtr(nextAttempt)
	task.StartedAt = timePtr(started)
	task.CompletedAt = timePtr(completed)
	task.CreatedAt = task.CreatedAt.UTC()
	task.UpdatedAt = task.UpdatedAt.UTC()

	if deps.Valid && deps.String != "" {
		if err := json.Unmarshal([]byte(deps.String), &task.Dependencies); err != nil {
			return nil, fmt.Errorf("bad dependencies column: %w", err)
		}
	}
	task.Metadata, err = unmarshalJSON(metadata)
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// marshalIDs serialises a dependency list, returning NULL for empty sets.
func marshalIDs(ids []int64) (interface{}, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to marshal id list: %w", err)
	}
	return string(b), nil
}

// nullString binds empty strings as NULL so result/error stay mutually
// exclusive at the column level.
func nullString(v string) interface{} {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
