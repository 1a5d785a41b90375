package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/artpar/utter/domain/task"
	"github.com/artpar/utter/ports"
)

// GenerationStore implements ports.GenerationStore using SQLite.
type GenerationStore struct {
	db *DB
}

// NewGenerationStore creates a new SQLite generation store.
func NewGenerationStore(db *DB) *GenerationStore {
	return &GenerationStore{db: db}
}

// Create stores a new generation.
func (s *GenerationStore) Create(ctx context.Context, g task.Generation) error {
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO generations (
			id, actor_id, voice_id, text, language, status,
			output_key, error, generation_seconds, created_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.Actor, g.VoiceID, g.Text, g.Language, string(g.Status),
		nullString(g.OutputKey), nullString(g.Error), g.GenerationSeconds,
		g.CreatedAt.UTC(), nullTime(g.CompletedAt),
	)
	if err != nil && isUniqueConstraintError(err) {
		return ErrDuplicate
	}
	return err
}

// Get retrieves a generation by id.
func (s *GenerationStore) Get(ctx context.Context, id string) (task.Generation, error) {
	var g task.Generation
	var status string
	var outputKey, errMsg sql.NullString
	var completedAt sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT id, actor_id, voice_id, text, language, status,
		       output_key, error, generation_seconds, created_at, completed_at
		FROM generations WHERE id = ?`, id,
	).Scan(&g.ID, &g.Actor, &g.VoiceID, &g.Text, &g.Language, &status,
		&outputKey, &errMsg, &g.GenerationSeconds, &g.CreatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return task.Generation{}, ErrNotFound
	}
	if err != nil {
		return task.Generation{}, err
	}

	g.Status = task.GenerationStatus(status)
	g.OutputKey = outputKey.String
	g.Error = errMsg.String
	if completedAt.Valid {
		g.CompletedAt = &completedAt.Time
	}
	return g, nil
}

// Finish marks a processing generation failed or cancelled.
func (s *GenerationStore) Finish(ctx context.Context, id string, status task.GenerationStatus, errMsg string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE generations SET status = ?, error = ?, completed_at = ?
		WHERE id = ? AND status = 'processing'`,
		string(status), nullString(errMsg), at.UTC(), id)
	return err
}

// Ensure interface compliance.
var _ ports.GenerationStore = (*GenerationStore)(nil)
