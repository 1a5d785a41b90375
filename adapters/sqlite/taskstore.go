package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/artpar/utter/domain/provider"
	"github.com/artpar/utter/domain/task"
	"github.com/artpar/utter/ports"
)

// TaskStore implements ports.TaskStore using SQLite.
// Transitions are single UPDATE statements guarded on the active statuses.
type TaskStore struct {
	db *DB
}

// NewTaskStore creates a new SQLite task store.
func NewTaskStore(db *DB) *TaskStore {
	return &TaskStore{db: db}
}

const activeGuard = `status IN ('pending', 'processing')`

const taskColumns = `id, actor_id, type, status, provider, execution_mode, provider_status,
	job_handle, generation_id, voice_id, cancellation_requested, charge_key, charge_amount,
	used_trial, result, error, poll_count, metadata, created_at, updated_at, completed_at`

// Create inserts a task. Returns ErrDuplicate when the actor already has an
// active task of the same type.
func (s *TaskStore) Create(ctx context.Context, t task.Task) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	result, err := encodeJSON(t.Result)
	if err != nil {
		return err
	}
	meta, err := encodeJSON(t.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Actor, string(t.Type), string(t.Status), t.Provider, string(t.Mode),
		nullString(t.ProviderStatus), nullString(t.JobHandle), nullString(t.GenerationID), nullString(t.VoiceID),
		boolInt(t.CancellationRequested), t.Charge.Key, t.Charge.Amount, boolInt(t.Charge.UsedTrial),
		nullString(resultOrEmpty(result)), nullString(t.Error), t.PollCount, meta,
		t.CreatedAt.UTC(), t.UpdatedAt.UTC(), nullTime(t.CompletedAt),
	)
	if err != nil && isUniqueConstraintError(err) {
		return ErrDuplicate
	}
	return err
}

// Get retrieves a task by id.
func (s *TaskStore) Get(ctx context.Context, id string) (task.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// FindActive returns the actor's active task of a type, if any.
func (s *TaskStore) FindActive(ctx context.Context, actor string, typ task.Type) (task.Task, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE actor_id = ? AND type = ? AND `+activeGuard+`
		LIMIT 1`, actor, string(typ))
	t, err := scanTask(row)
	if errors.Is(err, ErrNotFound) {
		return task.Task{}, false, nil
	}
	if err != nil {
		return task.Task{}, false, err
	}
	return t, true, nil
}

// Start moves pending -> processing and records the remote job handle.
func (s *TaskStore) Start(ctx context.Context, id, jobHandle, providerStatus string, at time.Time) (bool, error) {
	return s.guardedExec(ctx, `
		UPDATE tasks
		SET status = 'processing', job_handle = COALESCE(?, job_handle),
		    provider_status = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'`,
		nullString(jobHandle), nullString(providerStatus), at.UTC(), id)
}

// Checkpoint records provider progress on an active task.
func (s *TaskStore) Checkpoint(ctx context.Context, id, providerStatus string, at time.Time) error {
	_, err := s.guardedExec(ctx, `
		UPDATE tasks SET provider_status = ?, updated_at = ?
		WHERE id = ? AND `+activeGuard,
		providerStatus, at.UTC(), id)
	return err
}

// Touch increments the poll counter of an active task. It leaves updated_at
// alone so polling does not hide a stuck task from the sweeper.
func (s *TaskStore) Touch(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET poll_count = poll_count + 1
		WHERE id = ? AND `+activeGuard, id)
	return err
}

// RequestCancellation sets the cooperative cancel flag on an active task.
func (s *TaskStore) RequestCancellation(ctx context.Context, id string, at time.Time) (bool, error) {
	return s.guardedExec(ctx, `
		UPDATE tasks SET cancellation_requested = 1, updated_at = ?
		WHERE id = ? AND `+activeGuard,
		at.UTC(), id)
}

// Finish moves an active task to a terminal status. Reports false when the
// task was already terminal. A completion carrying an Output sets the
// generation's output in the same transaction.
func (s *TaskStore) Finish(ctx context.Context, id string, fin task.Finish) (bool, error) {
	if !fin.Status.IsTerminal() {
		return false, fmt.Errorf("finish task %s: %q is not terminal", id, fin.Status)
	}
	if fin.Output != nil && fin.Status != task.StatusCompleted {
		return false, fmt.Errorf("finish task %s: output on a %s task", id, fin.Status)
	}
	result, err := encodeJSON(fin.Result)
	if err != nil {
		return false, err
	}
	at := fin.At.UTC()
	const update = `
		UPDATE tasks
		SET status = ?, result = COALESCE(?, result), error = ?,
		    provider_status = COALESCE(?, provider_status),
		    updated_at = ?, completed_at = ?
		WHERE id = ? AND ` + activeGuard
	args := []any{
		string(fin.Status), nullString(resultOrEmpty(result)), nullString(fin.Error),
		nullString(fin.ProviderStatus), at, at, id,
	}
	if fin.Output == nil {
		return s.guardedExec(ctx, update, args...)
	}

	var won bool
	err = s.db.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, update, args...)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil || n != 1 {
			return err
		}
		res, err = tx.ExecContext(ctx, `
			UPDATE generations
			SET output_key = ?, status = 'completed', generation_seconds = ?, completed_at = ?
			WHERE id = ? AND output_key IS NULL AND status = 'processing'`,
			fin.Output.Key, fin.Output.Seconds, at, fin.Output.GenerationID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n != 1 {
			return fmt.Errorf("generation %s is not awaiting output", fin.Output.GenerationID)
		}
		won = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("complete task %s: %w", id, err)
	}
	return won, nil
}

// UpdateResult replaces the result of a completed task.
func (s *TaskStore) UpdateResult(ctx context.Context, id string, result map[string]any, at time.Time) error {
	encoded, err := encodeJSON(result)
	if err != nil {
		return err
	}
	ok, err := s.guardedExec(ctx, `
		UPDATE tasks SET result = ?, updated_at = ?
		WHERE id = ? AND status = 'completed'`,
		encoded, at.UTC(), id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// Delete removes a terminal task owned by actor. Reports false when no such
// terminal task exists.
func (s *TaskStore) Delete(ctx context.Context, actor, id string) (bool, error) {
	return s.guardedExec(ctx, `
		DELETE FROM tasks
		WHERE id = ? AND actor_id = ? AND status IN ('completed', 'failed', 'cancelled')`,
		id, actor)
}

// ListStale returns active tasks of a mode not updated since before.
func (s *TaskStore) ListStale(ctx context.Context, mode provider.Mode, before time.Time, limit int) ([]task.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE execution_mode = ? AND `+activeGuard+` AND updated_at < ?
		ORDER BY updated_at
		LIMIT ?`, string(mode), before.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale tasks: %w", err)
	}
	defer rows.Close()

	var tasks []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *TaskStore) guardedExec(ctx context.Context, query string, args ...any) (bool, error) {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (task.Task, error) {
	var t task.Task
	var typ, status, mode string
	var providerStatus, jobHandle, generationID, voiceID, result, errMsg, meta sql.NullString
	var cancelReq, usedTrial int
	var completedAt sql.NullTime

	err := row.Scan(
		&t.ID, &t.Actor, &typ, &status, &t.Provider, &mode, &providerStatus,
		&jobHandle, &generationID, &voiceID, &cancelReq, &t.Charge.Key, &t.Charge.Amount,
		&usedTrial, &result, &errMsg, &t.PollCount, &meta, &t.CreatedAt, &t.UpdatedAt, &completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return task.Task{}, ErrNotFound
	}
	if err != nil {
		return task.Task{}, err
	}

	t.Type = task.Type(typ)
	t.Status = task.Status(status)
	t.Mode = provider.Mode(mode)
	t.ProviderStatus = providerStatus.String
	t.JobHandle = jobHandle.String
	t.GenerationID = generationID.String
	t.VoiceID = voiceID.String
	t.CancellationRequested = cancelReq == 1
	t.Charge.UsedTrial = usedTrial == 1
	t.Result = decodeJSON(result)
	t.Error = errMsg.String
	t.Metadata = decodeJSON(meta)
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return t, nil
}

func resultOrEmpty(encoded string) string {
	if encoded == "{}" {
		return ""
	}
	return encoded
}

// Ensure interface compliance.
var _ ports.TaskStore = (*TaskStore)(nil)
