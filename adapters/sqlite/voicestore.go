package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/artpar/utter/domain/voice"
	"github.com/artpar/utter/ports"
)

// VoiceStore implements ports.VoiceStore using SQLite.
type VoiceStore struct {
	db *DB
}

// NewVoiceStore creates a new SQLite voice store.
func NewVoiceStore(db *DB) *VoiceStore {
	return &VoiceStore{db: db}
}

const voiceColumns = `id, actor_id, name, source, provider, language, description, reference_key,
	reference_transcript, instruct, provider_voice_id, provider_target_model, created_at`

// Create stores a new voice.
func (s *VoiceStore) Create(ctx context.Context, v voice.Voice) error {
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO voices (`+voiceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.Actor, v.Name, string(v.Source), v.Provider, v.Language,
		nullString(v.Description), nullString(v.ReferenceKey), nullString(v.ReferenceTranscript),
		nullString(v.Instruct), nullString(v.ProviderVoiceID), nullString(v.ProviderTargetModel),
		v.CreatedAt.UTC(),
	)
	if err != nil && isUniqueConstraintError(err) {
		return ErrDuplicate
	}
	return err
}

// Get retrieves a voice owned by actor.
func (s *VoiceStore) Get(ctx context.Context, actor, id string) (voice.Voice, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+voiceColumns+` FROM voices WHERE id = ? AND actor_id = ?`, id, actor)
	return scanVoice(row)
}

// List returns an actor's voices, newest first.
func (s *VoiceStore) List(ctx context.Context, actor string) ([]voice.Voice, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+voiceColumns+` FROM voices WHERE actor_id = ? ORDER BY created_at DESC`, actor)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var voices []voice.Voice
	for rows.Next() {
		v, err := scanVoice(rows)
		if err != nil {
			return nil, err
		}
		voices = append(voices, v)
	}
	return voices, rows.Err()
}

func scanVoice(row rowScanner) (voice.Voice, error) {
	var v voice.Voice
	var source string
	var description, refKey, transcript, instruct, providerVoice, targetModel sql.NullString

	err := row.Scan(&v.ID, &v.Actor, &v.Name, &source, &v.Provider, &v.Language,
		&description, &refKey, &transcript, &instruct, &providerVoice, &targetModel, &v.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return voice.Voice{}, ErrNotFound
	}
	if err != nil {
		return voice.Voice{}, err
	}

	v.Source = voice.Source(source)
	v.Description = description.String
	v.ReferenceKey = refKey.String
	v.ReferenceTranscript = transcript.String
	v.Instruct = instruct.String
	v.ProviderVoiceID = providerVoice.String
	v.ProviderTargetModel = targetModel.String
	return v, nil
}

// Ensure interface compliance.
var _ ports.VoiceStore = (*VoiceStore)(nil)
