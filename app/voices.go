package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/artpar/utter/domain/credit"
	"github.com/artpar/utter/domain/ledger"
	"github.com/artpar/utter/domain/provider"
	"github.com/artpar/utter/domain/task"
	"github.com/artpar/utter/domain/voice"
	"github.com/artpar/utter/ports"
)

// VoiceService manages cloned and designed voices.
type VoiceService struct {
	voices    ports.VoiceStore
	tasks     ports.TaskStore
	blobs     ports.BlobStore
	ledger    *LedgerService
	gateways  ports.GatewayResolver
	ids       ports.IDGenerator
	clock     ports.Clock
	logger    zerolog.Logger
	uploadTTL time.Duration
	urlTTL    time.Duration
}

// VoiceConfig wires a VoiceService.
type VoiceConfig struct {
	Voices    ports.VoiceStore
	Tasks     ports.TaskStore
	Blobs     ports.BlobStore
	Ledger    *LedgerService
	Gateways  ports.GatewayResolver
	IDs       ports.IDGenerator
	Clock     ports.Clock
	Logger    zerolog.Logger
	UploadTTL time.Duration
	URLTTL    time.Duration
}

// NewVoiceService creates a voice service.
func NewVoiceService(cfg VoiceConfig) *VoiceService {
	if cfg.UploadTTL <= 0 {
		cfg.UploadTTL = 15 * time.Minute
	}
	if cfg.URLTTL <= 0 {
		cfg.URLTTL = time.Hour
	}
	return &VoiceService{
		voices:    cfg.Voices,
		tasks:     cfg.Tasks,
		blobs:     cfg.Blobs,
		ledger:    cfg.Ledger,
		gateways:  cfg.Gateways,
		ids:       cfg.IDs,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		uploadTTL: cfg.UploadTTL,
		urlTTL:    cfg.URLTTL,
	}
}

// CloneRequest names a voice being cloned from an uploaded sample.
type CloneRequest struct {
	VoiceID    string `json:"voice_id"`
	Name       string `json:"name"`
	Language   string `json:"language"`
	Transcript string `json:"transcript"`
}

// UploadTicket tells the client where to PUT the reference sample.
type UploadTicket struct {
	VoiceID   string `json:"voice_id"`
	ObjectKey string `json:"object_key"`
	UploadURL string `json:"upload_url"`
}

// CreateUploadURL reserves a voice id and returns a presigned upload URL.
func (s *VoiceService) CreateUploadURL(ctx context.Context, actor string, req CloneRequest) (UploadTicket, error) {
	if err := validateClone(req); err != nil {
		return UploadTicket{}, err
	}
	voiceID := s.ids.New()
	key := voice.ReferenceKey(actor, voiceID)
	url, err := s.blobs.UploadURL(ctx, key, "audio/wav", s.uploadTTL)
	if err != nil {
		return UploadTicket{}, fmt.Errorf("create upload url: %w", err)
	}
	return UploadTicket{VoiceID: voiceID, ObjectKey: key, UploadURL: url}, nil
}

// FinalizeClone charges a clone trial or credits and saves the voice.
// Repeating it for the same voice id returns the saved voice.
func (s *VoiceService) FinalizeClone(ctx context.Context, actor string, req CloneRequest) (voice.View, error) {
	voiceID := strings.TrimSpace(req.VoiceID)
	if voiceID == "" {
		return voice.View{}, invalid("voice_id is required.")
	}
	if _, err := uuid.Parse(voiceID); err != nil {
		return voice.View{}, invalid("Invalid voice_id")
	}
	if err := validateClone(req); err != nil {
		return voice.View{}, err
	}

	if existing, err := s.voices.Get(ctx, actor, voiceID); err == nil {
		return existing.ToView(), nil
	} else if !errors.Is(err, ports.ErrNotFound) {
		return voice.View{}, fmt.Errorf("load voice: %w", err)
	}

	key := voice.ReferenceKey(actor, voiceID)
	ok, err := s.blobs.Exists(ctx, key)
	if err != nil {
		return voice.View{}, fmt.Errorf("check reference audio: %w", err)
	}
	if !ok {
		return voice.View{}, invalid("Audio file not uploaded.")
	}

	chargeKey := ledger.ChargeKey(ledger.OpClone, voiceID)
	charged, err := s.ledger.TrialOrDebit(ctx, ledger.TrialRequest{
		Actor:          actor,
		Operation:      ledger.OpClone,
		Amount:         credit.CloneCredits,
		ReferenceType:  ledger.RefVoice,
		ReferenceID:    voiceID,
		IdempotencyKey: chargeKey,
		Metadata:       map[string]any{"reason": "clone_finalize"},
	})
	if err != nil {
		return voice.View{}, err
	}
	undo := Compensation{
		Actor:         actor,
		Operation:     ledger.OpClone,
		ChargeKey:     chargeKey,
		RefundKey:     ledger.RefundKey(ledger.OpClone, voiceID),
		Amount:        credit.CloneCredits,
		UsedTrial:     charged.UsedTrial,
		ReferenceType: ledger.RefVoice,
		ReferenceID:   voiceID,
	}

	active := s.gateways.Active()
	v := voice.Voice{
		ID:                  voiceID,
		Actor:               actor,
		Name:                strings.TrimSpace(req.Name),
		Source:              voice.SourceUploaded,
		Provider:            active,
		Language:            strings.TrimSpace(req.Language),
		ReferenceKey:        key,
		ReferenceTranscript: strings.TrimSpace(req.Transcript),
		CreatedAt:           s.clock.Now(),
	}

	if enroller, ok := s.gateways.Enroller(active); ok {
		refURL, err := s.blobs.SignedURL(ctx, key, s.urlTTL)
		if err != nil {
			undo.Reason = "clone_sign_failed"
			s.undo(ctx, undo)
			return voice.View{}, fmt.Errorf("sign reference url: %w", err)
		}
		enrolled, err := enroller.Enroll(ctx, provider.Enrollment{
			Name:         v.Name,
			ReferenceURL: refURL,
			Transcript:   v.ReferenceTranscript,
			Language:     v.Language,
		})
		if err != nil {
			undo.Reason = "clone_enroll_failed"
			s.undo(ctx, undo)
			return voice.View{}, providerError(err)
		}
		v.ProviderVoiceID = enrolled.VoiceID
		v.ProviderTargetModel = enrolled.TargetModel
	}

	if err := s.voices.Create(ctx, v); err != nil {
		if errors.Is(err, ports.ErrDuplicate) {
			if existing, gerr := s.voices.Get(ctx, actor, voiceID); gerr == nil {
				return existing.ToView(), nil
			}
		}
		undo.Reason = "voice_insert_failed"
		s.undo(ctx, undo)
		return voice.View{}, fmt.Errorf("create voice: %w", err)
	}

	s.logger.Info().
		Str("voice_id", voiceID).
		Str("actor", actor).
		Str("provider", active).
		Bool("used_trial", charged.UsedTrial).
		Msg("voice cloned")
	return v.ToView(), nil
}

// SaveDesignRequest saves a completed design preview as a voice.
type SaveDesignRequest struct {
	TaskID string `json:"task_id"`
	Name   string `json:"name"`
}

// SaveDesign turns a completed preview into a voice. Saving the same
// preview twice returns the first voice.
func (s *VoiceService) SaveDesign(ctx context.Context, actor string, req SaveDesignRequest) (voice.View, error) {
	taskID := strings.TrimSpace(req.TaskID)
	if taskID == "" {
		return voice.View{}, invalid("task_id is required.")
	}
	if _, err := uuid.Parse(taskID); err != nil {
		return voice.View{}, notFound("Preview task not found.")
	}
	t, err := s.tasks.Get(ctx, taskID)
	if errors.Is(err, ports.ErrNotFound) || (err == nil && t.Actor != actor) {
		return voice.View{}, notFound("Preview task not found.")
	}
	if err != nil {
		return voice.View{}, fmt.Errorf("load task: %w", err)
	}
	if t.Type != task.TypeDesignPreview {
		return voice.View{}, conflict("Invalid preview task for design save.")
	}
	if t.Status != task.StatusCompleted {
		return voice.View{}, conflict("Preview task is not completed yet.")
	}

	if saved, _ := t.Result["saved_voice_id"].(string); saved != "" {
		v, err := s.voices.Get(ctx, actor, saved)
		if err == nil {
			return s.withPreview(ctx, v), nil
		}
		if !errors.Is(err, ports.ErrNotFound) {
			return voice.View{}, fmt.Errorf("load saved voice: %w", err)
		}
	}

	objectKey, _ := t.Result["object_key"].(string)
	voiceID, _ := t.Result["provider_voice_id"].(string)
	targetModel, _ := t.Result["provider_target_model"].(string)
	if objectKey == "" || (t.Provider == provider.Qwen && (voiceID == "" || targetModel == "")) {
		return voice.View{}, conflict("Preview task is missing provider metadata. Generate preview again.")
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = t.MetaString("name")
	}
	if err := voice.ValidateName(name); err != nil {
		return voice.View{}, invalid("Name must be 1-100 characters.")
	}

	v := voice.Voice{
		ID:                  s.ids.New(),
		Actor:               actor,
		Name:                name,
		Source:              voice.SourceDesigned,
		Provider:            t.Provider,
		Language:            t.MetaString("language"),
		Description:         t.MetaString("instruct"),
		ReferenceKey:        objectKey,
		ReferenceTranscript: t.MetaString("text"),
		Instruct:            t.MetaString("instruct"),
		ProviderVoiceID:     voiceID,
		ProviderTargetModel: targetModel,
		CreatedAt:           s.clock.Now(),
	}
	if err := s.voices.Create(ctx, v); err != nil {
		return voice.View{}, fmt.Errorf("create voice: %w", err)
	}
	if err := s.tasks.UpdateResult(ctx, t.ID, withValue(t.Result, "saved_voice_id", v.ID), s.clock.Now()); err != nil {
		s.logger.Warn().Err(err).Str("task_id", t.ID).Msg("record saved voice on preview task")
	}

	s.logger.Info().Str("voice_id", v.ID).Str("task_id", t.ID).Str("actor", actor).Msg("designed voice saved")
	return s.withPreview(ctx, v), nil
}

// List returns the actor's voices, newest first.
func (s *VoiceService) List(ctx context.Context, actor string) ([]voice.View, error) {
	voices, err := s.voices.List(ctx, actor)
	if err != nil {
		return nil, fmt.Errorf("list voices: %w", err)
	}
	out := make([]voice.View, 0, len(voices))
	for _, v := range voices {
		out = append(out, v.ToView())
	}
	return out, nil
}

func (s *VoiceService) withPreview(ctx context.Context, v voice.Voice) voice.View {
	view := v.ToView()
	if v.ReferenceKey != "" {
		if url, err := s.blobs.SignedURL(ctx, v.ReferenceKey, s.urlTTL); err == nil {
			view.PreviewURL = url
		}
	}
	return view
}

func (s *VoiceService) undo(ctx context.Context, c Compensation) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if err := s.ledger.Compensate(ctx, c); err != nil {
		s.logger.Error().Err(err).Str("voice_id", c.ReferenceID).Msg("clone compensation failed")
	}
}

func validateClone(req CloneRequest) error {
	switch {
	case voice.ValidateName(req.Name) != nil:
		return invalid("Name must be 1-100 characters.")
	case strings.TrimSpace(req.Language) == "":
		return invalid("Language is required.")
	case strings.TrimSpace(req.Transcript) == "":
		return invalid("Transcript is required.")
	}
	return nil
}
