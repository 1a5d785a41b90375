package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/artpar/utter/domain/credit"
	"github.com/artpar/utter/domain/ledger"
	"github.com/artpar/utter/domain/provider"
	"github.com/artpar/utter/domain/task"
	"github.com/artpar/utter/domain/voice"
	"github.com/artpar/utter/ports"
)

const (
	maxDesignChars     = 500
	maxReferenceBytes  = 10 << 20
	defaultMaxChars    = 10000
	defaultPreviewTTL  = time.Hour
	writeTimeout       = 30 * time.Second
	defaultFailMessage = "Generation failed. Please try again."
	cancelledMessage   = "Cancelled by user"
	finalizingStatus   = "finalizing"
	statusErrorStatus  = "status_error"
)

// Orchestrator runs the task state machine: charge, create, dispatch, then
// finalize or compensate.
type Orchestrator struct {
	tasks       ports.TaskStore
	generations ports.GenerationStore
	voices      ports.VoiceStore
	blobs       ports.BlobStore
	ledger      *LedgerService
	gateways    ports.GatewayResolver
	runner      *Runner
	ids         ports.IDGenerator
	clock       ports.Clock
	metrics     ports.Metrics
	logger      zerolog.Logger
	maxChars    map[string]int
	previewTTL  time.Duration
}

// OrchestratorConfig wires an Orchestrator.
type OrchestratorConfig struct {
	Tasks       ports.TaskStore
	Generations ports.GenerationStore
	Voices      ports.VoiceStore
	Blobs       ports.BlobStore
	Ledger      *LedgerService
	Gateways    ports.GatewayResolver
	Runner      *Runner
	IDs         ports.IDGenerator
	Clock       ports.Clock
	Metrics     ports.Metrics
	Logger      zerolog.Logger

	// MaxChars bounds generate text per provider.
	MaxChars   map[string]int
	PreviewTTL time.Duration
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	if cfg.PreviewTTL <= 0 {
		cfg.PreviewTTL = defaultPreviewTTL
	}
	return &Orchestrator{
		tasks:       cfg.Tasks,
		generations: cfg.Generations,
		voices:      cfg.Voices,
		blobs:       cfg.Blobs,
		ledger:      cfg.Ledger,
		gateways:    cfg.Gateways,
		runner:      cfg.Runner,
		ids:         cfg.IDs,
		clock:       cfg.Clock,
		metrics:     orNop(cfg.Metrics),
		logger:      cfg.Logger,
		maxChars:    cfg.MaxChars,
		previewTTL:  cfg.PreviewTTL,
	}
}

// GenerateRequest asks for speech in a saved voice.
type GenerateRequest struct {
	VoiceID  string `json:"voice_id"`
	Text     string `json:"text"`
	Language string `json:"language"`
}

// DesignPreviewRequest asks for a preview of a voice described in words.
type DesignPreviewRequest struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Instruct string `json:"instruct"`
	Name     string `json:"name"`
}

// Created is the response to a task creation.
type Created struct {
	TaskID           string      `json:"task_id"`
	Status           task.Status `json:"status"`
	GenerationID     string      `json:"generation_id,omitempty"`
	IsLongRunning    bool        `json:"is_long_running"`
	EstimatedMinutes float64     `json:"estimated_duration_minutes,omitempty"`
}

// MaxChars returns the generate text limit of a provider.
func (o *Orchestrator) MaxChars(providerName string) int {
	if n := o.maxChars[providerName]; n > 0 {
		return n
	}
	return defaultMaxChars
}

// -----------------------------------------------------------------------------
// Creation
// -----------------------------------------------------------------------------

// CreateGeneration charges for text and starts synthesis.
func (o *Orchestrator) CreateGeneration(ctx context.Context, actor string, req GenerateRequest) (Created, error) {
	active := o.gateways.Active()
	gw, ok := o.gateways.Gateway(active, task.TypeGenerate)
	if !ok {
		return Created{}, fmt.Errorf("no generate gateway for provider %q", active)
	}

	voiceID := strings.TrimSpace(req.VoiceID)
	text := strings.TrimSpace(req.Text)
	language := strings.TrimSpace(req.Language)
	if language == "" {
		language = "Auto"
	}
	if voiceID == "" {
		return Created{}, invalid("Please select a voice")
	}
	if _, err := uuid.Parse(voiceID); err != nil {
		return Created{}, invalid("Invalid voice_id")
	}
	if text == "" {
		return Created{}, invalid("Please enter text to speak")
	}
	if limit := o.MaxChars(active); utf8.RuneCountInString(text) > limit {
		return Created{}, invalid(fmt.Sprintf("Text cannot exceed %d characters", limit))
	}

	v, err := o.voices.Get(ctx, actor, voiceID)
	if errors.Is(err, ports.ErrNotFound) {
		return Created{}, notFound("Voice not found")
	}
	if err != nil {
		return Created{}, fmt.Errorf("load voice: %w", err)
	}
	if err := o.checkVoice(ctx, active, v); err != nil {
		return Created{}, err
	}

	if _, busy, err := o.tasks.FindActive(ctx, actor, task.TypeGenerate); err != nil {
		return Created{}, fmt.Errorf("check active tasks: %w", err)
	} else if busy {
		return Created{}, conflict("A generation is already in progress. Please wait for it to finish before starting another.")
	}

	now := o.clock.Now()
	genID := o.ids.New()
	taskID := o.ids.New()
	amount := credit.ForGenerateText(text)
	chargeKey := ledger.ChargeKey(ledger.OpGenerate, genID)
	minutes := estimateMinutes(text)

	charged, err := o.ledger.Debit(ctx, ledger.ApplyRequest{
		Actor:          actor,
		Operation:      ledger.OpGenerate,
		Amount:         amount,
		ReferenceType:  ledger.RefGeneration,
		ReferenceID:    genID,
		IdempotencyKey: chargeKey,
		Metadata: map[string]any{
			"reason":      "generate_request",
			"text_length": utf8.RuneCountInString(text),
			"voice_id":    voiceID,
		},
	})
	if err != nil {
		return Created{}, err
	}

	t := task.Task{
		ID:             taskID,
		Actor:          actor,
		Type:           task.TypeGenerate,
		Status:         task.StatusPending,
		Provider:       active,
		Mode:           gw.Mode(),
		ProviderStatus: task.ProviderQueued,
		GenerationID:   genID,
		VoiceID:        voiceID,
		Charge:         task.Charge{Key: chargeKey, Amount: amount},
		Metadata: map[string]any{
			"voice_id":                      voiceID,
			"voice_name":                    v.Name,
			"text_length":                   utf8.RuneCountInString(text),
			"text_preview":                  preview(text, 50),
			"language":                      language,
			"estimated_duration_minutes":    minutes,
			"credits_debited":               amount,
			"credits_remaining_after_debit": charged.BalanceAfter,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := o.generations.Create(ctx, task.Generation{
		ID:        genID,
		Actor:     actor,
		VoiceID:   voiceID,
		Text:      text,
		Language:  language,
		Status:    task.GenerationProcessing,
		CreatedAt: now,
	}); err != nil {
		o.compensate(ctx, t, "generation_insert_failed")
		return Created{}, fmt.Errorf("create generation: %w", err)
	}

	if err := o.tasks.Create(ctx, t); err != nil {
		o.compensate(ctx, t, "task_insert_failed")
		o.finishGeneration(ctx, t, task.GenerationFailed, "Failed to create task.")
		if errors.Is(err, ports.ErrDuplicate) {
			return Created{}, conflict("A generation is already in progress. Please wait for it to finish before starting another.")
		}
		return Created{}, fmt.Errorf("create task: %w", err)
	}

	status, err := o.dispatch(ctx, t, gw)
	if err != nil {
		return Created{}, err
	}

	o.logger.Info().
		Str("task_id", taskID).
		Str("generation_id", genID).
		Str("actor", actor).
		Str("provider", active).
		Int64("credits", amount).
		Msg("generation created")

	return Created{
		TaskID:           taskID,
		Status:           status,
		GenerationID:     genID,
		IsLongRunning:    true,
		EstimatedMinutes: minutes,
	}, nil
}

// CreateDesignPreview charges a trial or credits and starts a voice design.
func (o *Orchestrator) CreateDesignPreview(ctx context.Context, actor string, req DesignPreviewRequest) (Created, error) {
	active := o.gateways.Active()
	gw, ok := o.gateways.Gateway(active, task.TypeDesignPreview)
	if !ok {
		return Created{}, fmt.Errorf("no design gateway for provider %q", active)
	}

	text := strings.TrimSpace(req.Text)
	language := strings.TrimSpace(req.Language)
	instruct := strings.TrimSpace(req.Instruct)
	name := strings.TrimSpace(req.Name)
	switch {
	case text == "":
		return Created{}, invalid("Preview text is required.")
	case utf8.RuneCountInString(text) > maxDesignChars:
		return Created{}, invalid(fmt.Sprintf("Preview text must be %d characters or less.", maxDesignChars))
	case instruct == "":
		return Created{}, invalid("Voice description is required.")
	case utf8.RuneCountInString(instruct) > maxDesignChars:
		return Created{}, invalid(fmt.Sprintf("Voice description must be %d characters or less.", maxDesignChars))
	case language == "":
		return Created{}, invalid("Language is required.")
	}
	if name == "" {
		name = "design_" + strings.ReplaceAll(o.ids.New(), "-", "")[:8]
	} else if err := voice.ValidateName(name); err != nil {
		return Created{}, invalid("Name must be 1-100 characters.")
	}

	if _, busy, err := o.tasks.FindActive(ctx, actor, task.TypeDesignPreview); err != nil {
		return Created{}, fmt.Errorf("check active tasks: %w", err)
	} else if busy {
		return Created{}, conflict("A voice design preview is already in progress. Please wait for it to finish.")
	}

	now := o.clock.Now()
	taskID := o.ids.New()
	chargeKey := ledger.ChargeKey(ledger.OpDesignPreview, taskID)
	charged, err := o.ledger.TrialOrDebit(ctx, ledger.TrialRequest{
		Actor:          actor,
		Operation:      ledger.OpDesignPreview,
		Amount:         credit.DesignPreviewCredits,
		ReferenceType:  ledger.RefTask,
		ReferenceID:    taskID,
		IdempotencyKey: chargeKey,
		Metadata:       map[string]any{"reason": "design_preview_request"},
	})
	if err != nil {
		return Created{}, err
	}

	amount := int64(credit.DesignPreviewCredits)
	if charged.UsedTrial {
		amount = 0
	}
	t := task.Task{
		ID:             taskID,
		Actor:          actor,
		Type:           task.TypeDesignPreview,
		Status:         task.StatusPending,
		Provider:       active,
		Mode:           gw.Mode(),
		ProviderStatus: task.ProviderQueued,
		Charge:         task.Charge{Key: chargeKey, Amount: amount, UsedTrial: charged.UsedTrial},
		Metadata: map[string]any{
			"text":       text,
			"language":   language,
			"instruct":   instruct,
			"name":       name,
			"used_trial": charged.UsedTrial,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.tasks.Create(ctx, t); err != nil {
		o.compensate(ctx, t, "task_insert_failed")
		if errors.Is(err, ports.ErrDuplicate) {
			return Created{}, conflict("A voice design preview is already in progress. Please wait for it to finish.")
		}
		return Created{}, fmt.Errorf("create task: %w", err)
	}

	status, err := o.dispatch(ctx, t, gw)
	if err != nil {
		return Created{}, err
	}

	o.logger.Info().
		Str("task_id", taskID).
		Str("actor", actor).
		Str("provider", active).
		Bool("used_trial", charged.UsedTrial).
		Msg("design preview created")

	return Created{TaskID: taskID, Status: status, IsLongRunning: true}, nil
}

func (o *Orchestrator) checkVoice(ctx context.Context, active string, v voice.Voice) error {
	if active == provider.Modal {
		if strings.TrimSpace(v.ReferenceTranscript) == "" {
			return invalid("This voice has no reference transcript. Re-clone with a transcript to use it.")
		}
		if v.ReferenceKey == "" {
			return invalid("Voice has no reference audio.")
		}
		return nil
	}
	if !v.UsableBy(active) {
		return invalid("This voice is not available on the current provider. Re-create it to use it.")
	}
	return nil
}

// dispatch hands a created task to its gateway. Async tasks are submitted
// now; sync tasks are queued on the runner and return pending.
func (o *Orchestrator) dispatch(ctx context.Context, t task.Task, gw ports.ProviderGateway) (task.Status, error) {
	if gw.Mode() == provider.ModeSyncBackground {
		err := o.runner.Submit(Unit{Name: "task:" + t.ID, Run: func(ctx context.Context) { o.execute(ctx, t.ID) }})
		if err != nil {
			o.logger.Error().Err(err).Str("task_id", t.ID).Msg("background runner rejected task")
			o.failTask(ctx, t, "Server is busy. Please try again.", task.ProviderFailed)
			return "", &Error{Kind: ErrProviderUnavailable, Detail: "Server is busy. Please try again.", Err: err}
		}
		return task.StatusPending, nil
	}

	job, err := o.buildJob(ctx, t)
	if err != nil {
		o.failTask(ctx, t, "Failed to prepare generation job.", task.ProviderFailed)
		return "", err
	}
	h, err := gw.Submit(ctx, job)
	if err != nil {
		pe := provider.Normalize(err)
		o.logger.Warn().Err(err).Str("task_id", t.ID).Str("category", string(pe.Category)).Msg("provider submit failed")
		o.failTask(ctx, t, provider.DetailMessage(pe), task.ProviderFailed)
		return "", providerError(err)
	}
	started, err := o.tasks.Start(ctx, t.ID, h.ID, task.ProviderProcessing, o.clock.Now())
	if err != nil {
		return "", fmt.Errorf("start task: %w", err)
	}
	if !started {
		// Cancelled or failed before the handle was stored: nobody else can
		// reach the remote job.
		if err := gw.Cancel(context.WithoutCancel(ctx), h); err != nil {
			o.logger.Warn().Err(err).Str("task_id", t.ID).Str("job_id", h.ID).Msg("remote cancel after lost start failed")
		}
		cur, err := o.tasks.Get(ctx, t.ID)
		if err != nil {
			return "", fmt.Errorf("reload task: %w", err)
		}
		return cur.Status, nil
	}
	return task.StatusProcessing, nil
}

// buildJob loads what the gateway needs to run a task.
func (o *Orchestrator) buildJob(ctx context.Context, t task.Task) (provider.Job, error) {
	if t.Type == task.TypeDesignPreview {
		return provider.Job{
			Operation: provider.OpDesignPreview,
			Text:      t.MetaString("text"),
			Language:  t.MetaString("language"),
			Instruct:  t.MetaString("instruct"),
			VoiceName: t.MetaString("name"),
		}, nil
	}

	gen, err := o.generations.Get(ctx, t.GenerationID)
	if err != nil {
		return provider.Job{}, fmt.Errorf("load generation: %w", err)
	}
	v, err := o.voices.Get(ctx, t.Actor, t.VoiceID)
	if err != nil {
		return provider.Job{}, fmt.Errorf("load voice: %w", err)
	}
	job := provider.Job{
		Operation:           provider.OpSynthesize,
		Text:                gen.Text,
		Language:            gen.Language,
		ReferenceTranscript: v.ReferenceTranscript,
		ProviderVoiceID:     v.ProviderVoiceID,
		TargetModel:         v.ProviderTargetModel,
	}
	if t.Provider == provider.Modal {
		data, err := o.blobs.Get(ctx, v.ReferenceKey)
		if err != nil {
			return provider.Job{}, invalid("Voice has no reference audio.")
		}
		if len(data) > maxReferenceBytes {
			return provider.Job{}, invalid("Reference audio too large for generation. Re-clone with a shorter clip.")
		}
		job.ReferenceAudio = data
	}
	return job, nil
}

// -----------------------------------------------------------------------------
// Background execution
// -----------------------------------------------------------------------------

// execute runs a sync-background task to completion. It observes the
// cooperative cancel flag between steps.
func (o *Orchestrator) execute(ctx context.Context, taskID string) {
	log := o.logger.With().Str("task_id", taskID).Logger()

	t, err := o.tasks.Get(ctx, taskID)
	if err != nil {
		log.Error().Err(err).Msg("load task for execution")
		return
	}
	if t.Status.IsTerminal() {
		return
	}
	if t.CancellationRequested {
		o.cancelTask(ctx, t)
		return
	}
	started, err := o.tasks.Start(ctx, t.ID, "", task.ProviderSubmitting, o.clock.Now())
	if err != nil {
		log.Error().Err(err).Msg("start task")
		return
	}
	if !started {
		return
	}

	gw, ok := o.gateways.Gateway(t.Provider, t.Type)
	if !ok {
		o.failTask(ctx, t, "Provider is not configured.", task.ProviderFailed)
		return
	}
	job, err := o.buildJob(ctx, t)
	if err != nil {
		detail := Detail(err)
		if detail == "" {
			detail = "Failed to prepare job."
		}
		log.Error().Err(err).Msg("build job")
		o.failTask(ctx, t, detail, task.ProviderFailed)
		return
	}

	h, err := gw.Submit(ctx, job)
	if err != nil {
		o.failFromProvider(ctx, t, err)
		return
	}
	if o.cancelled(ctx, t) {
		return
	}

	if err := o.tasks.Checkpoint(ctx, t.ID, task.ProviderDownloading, o.clock.Now()); err != nil {
		log.Warn().Err(err).Msg("checkpoint")
	}
	art, err := gw.FetchResult(ctx, h)
	if err != nil {
		o.failFromProvider(ctx, t, err)
		return
	}
	if o.cancelled(ctx, t) {
		return
	}

	if err := o.tasks.Checkpoint(ctx, t.ID, task.ProviderPersisting, o.clock.Now()); err != nil {
		log.Warn().Err(err).Msg("checkpoint")
	}
	if t.Type == task.TypeDesignPreview {
		err = o.finalizePreview(ctx, t, h, art)
	} else {
		err = o.finalizeGeneration(ctx, t, art)
	}
	if err != nil {
		log.Error().Err(err).Msg("persist task output")
		o.failTask(ctx, t, "Failed to save audio. Please try again.", task.ProviderFailed)
	}
}

// cancelled reloads the task and compensates when a cancel was requested.
func (o *Orchestrator) cancelled(ctx context.Context, t task.Task) bool {
	cur, err := o.tasks.Get(ctx, t.ID)
	if err != nil {
		return false
	}
	if cur.Status.IsTerminal() {
		return true
	}
	if cur.CancellationRequested {
		o.cancelTask(ctx, cur)
		return true
	}
	return false
}

func (o *Orchestrator) failFromProvider(ctx context.Context, t task.Task, err error) {
	pe := provider.Normalize(err)
	if pe.Category == provider.CategoryCancelled && ctx.Err() != nil {
		o.logger.Warn().Str("task_id", t.ID).Msg("runner stopped mid-task, leaving it to the sweeper")
		return
	}
	o.logger.Warn().Err(err).
		Str("task_id", t.ID).
		Str("provider", t.Provider).
		Str("category", string(pe.Category)).
		Str("request_id", pe.RequestID).
		Msg("provider call failed")
	o.failTask(ctx, t, provider.DetailMessage(pe), task.ProviderFailed)
}

// finalizeGeneration uploads the audio and completes the task. The output is
// recorded on the generation only by the caller that wins the completion, so
// a task cancelled or failed meanwhile never exposes audio it refunded.
func (o *Orchestrator) finalizeGeneration(ctx context.Context, t task.Task, art provider.Artifact) error {
	gen, err := o.generations.Get(ctx, t.GenerationID)
	if err != nil {
		return fmt.Errorf("load generation: %w", err)
	}
	if gen.OutputKey != "" {
		return nil
	}

	key := task.OutputKey(t.Actor, gen.ID, art.Format)
	contentType := art.ContentType
	if contentType == "" {
		contentType = provider.ContentTypeFor(art.Format)
	}
	if err := o.blobs.Put(ctx, key, art.Data, contentType); err != nil {
		return fmt.Errorf("upload generation audio: %w", err)
	}

	now := o.clock.Now()
	won := o.completeTask(ctx, t, map[string]any{"audio_url": task.AudioURL(gen.ID)}, &task.Output{
		GenerationID: gen.ID,
		Key:          key,
		Seconds:      math.Max(0, now.Sub(gen.CreatedAt).Seconds()),
	})
	if !won {
		o.discardOutput(ctx, gen.ID, key)
	}
	return nil
}

// discardOutput removes an uploaded artifact the generation did not keep.
func (o *Orchestrator) discardOutput(ctx context.Context, generationID, key string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	if gen, err := o.generations.Get(ctx, generationID); err != nil || gen.OutputKey == key {
		return
	}
	if err := o.blobs.Delete(ctx, key); err != nil {
		o.logger.Warn().Err(err).Str("generation_id", generationID).Str("key", key).Msg("delete orphaned audio")
	}
}

// finalizePreview stores the preview audio and completes the task with the
// metadata a later save needs.
func (o *Orchestrator) finalizePreview(ctx context.Context, t task.Task, h provider.Handle, art provider.Artifact) error {
	key := task.PreviewKey(t.Actor, t.ID, art.Format)
	contentType := art.ContentType
	if contentType == "" {
		contentType = provider.ContentTypeFor(art.Format)
	}
	if err := o.blobs.Put(ctx, key, art.Data, contentType); err != nil {
		return fmt.Errorf("upload preview audio: %w", err)
	}
	url, err := o.blobs.SignedURL(ctx, key, o.previewTTL)
	if err != nil {
		return fmt.Errorf("sign preview url: %w", err)
	}
	result := map[string]any{
		"audio_url":  url,
		"object_key": key,
		"name":       t.MetaString("name"),
	}
	if h.VoiceID != "" {
		result["provider_voice_id"] = h.VoiceID
		result["provider_target_model"] = h.TargetModel
	}
	o.completeTask(ctx, t, result, nil)
	return nil
}

// -----------------------------------------------------------------------------
// Poll, cancel, delete
// -----------------------------------------------------------------------------

// Poll returns the task view. Async tasks are advanced here: a finished
// remote job is finalized, a failed one compensated.
func (o *Orchestrator) Poll(ctx context.Context, actor, taskID string) (task.View, error) {
	t, err := o.owned(ctx, actor, taskID)
	if err != nil {
		return task.View{}, err
	}
	if t.Status.IsTerminal() {
		return o.view(ctx, t), nil
	}

	if err := o.tasks.Touch(ctx, t.ID); err != nil {
		o.logger.Warn().Err(err).Str("task_id", t.ID).Msg("increment poll count")
	} else {
		t.PollCount++
	}
	if t.Mode != provider.ModeAsyncPoll || t.JobHandle == "" {
		return o.view(ctx, t), nil
	}

	gw, ok := o.gateways.Gateway(t.Provider, t.Type)
	if !ok {
		return o.view(ctx, t), nil
	}
	h := provider.Handle{ID: t.JobHandle}

	remote, err := gw.Poll(ctx, h)
	if err != nil {
		v := o.view(ctx, t)
		status := statusErrorStatus
		msg := provider.DetailMessage(provider.Normalize(err))
		v.ProviderStatus, v.Error = &status, &msg
		return v, nil
	}

	if remote.Failed() {
		msg := strings.TrimSpace(remote.Message)
		if msg == "" {
			msg = defaultFailMessage
		}
		o.failTask(ctx, t, msg, task.ProviderFailed)
		return o.reload(ctx, t), nil
	}
	if !remote.Ready {
		if err := o.tasks.Checkpoint(ctx, t.ID, task.ProviderProcessing, o.clock.Now()); err != nil {
			o.logger.Warn().Err(err).Str("task_id", t.ID).Msg("checkpoint")
		}
		t.ProviderStatus = task.ProviderProcessing
		return o.view(ctx, t), nil
	}

	art, err := gw.FetchResult(ctx, h)
	if err != nil {
		v := o.view(ctx, t)
		status := finalizingStatus
		v.Status, v.ProviderStatus = task.StatusProcessing, &status
		if !errors.Is(err, provider.ErrNotReady) {
			msg := provider.DetailMessage(provider.Normalize(err))
			v.Error = &msg
		}
		return v, nil
	}
	if err := o.finalizeGeneration(ctx, t, art); err != nil {
		return task.View{}, err
	}
	return o.reload(ctx, t), nil
}

// Cancel stops an active task. Async jobs are cancelled remotely and
// compensated now; background units observe the flag at their next step.
func (o *Orchestrator) Cancel(ctx context.Context, actor, taskID string) (task.View, error) {
	t, err := o.owned(ctx, actor, taskID)
	if err != nil {
		return task.View{}, err
	}
	if t.Status.IsTerminal() {
		return task.View{}, newError(ErrNotCancellable, fmt.Sprintf("Cannot cancel task with status: %s", t.Status))
	}

	if t.Mode == provider.ModeAsyncPoll {
		if gw, ok := o.gateways.Gateway(t.Provider, t.Type); ok && t.JobHandle != "" {
			if err := gw.Cancel(ctx, provider.Handle{ID: t.JobHandle}); err != nil {
				o.logger.Warn().Err(err).Str("task_id", t.ID).Msg("remote cancel failed")
			}
		}
		o.cancelTask(ctx, t)
		return o.reload(ctx, t), nil
	}

	if _, err := o.tasks.RequestCancellation(ctx, t.ID, o.clock.Now()); err != nil {
		return task.View{}, fmt.Errorf("request cancellation: %w", err)
	}
	if t.Status == task.StatusPending {
		o.cancelTask(ctx, t)
	}
	return o.reload(ctx, t), nil
}

// Delete removes a finished task.
func (o *Orchestrator) Delete(ctx context.Context, actor, taskID string) error {
	t, err := o.owned(ctx, actor, taskID)
	if err != nil {
		return err
	}
	if !t.Status.IsTerminal() {
		return conflict("Task is still running. Cancel it first.")
	}
	ok, err := o.tasks.Delete(ctx, actor, t.ID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if !ok {
		return notFound("Task not found.")
	}
	return nil
}

// GenerationAudioURL returns a signed URL for a completed generation.
func (o *Orchestrator) GenerationAudioURL(ctx context.Context, actor, generationID string) (string, error) {
	if _, err := uuid.Parse(generationID); err != nil {
		return "", notFound("Generation not found.")
	}
	gen, err := o.generations.Get(ctx, generationID)
	if errors.Is(err, ports.ErrNotFound) || (err == nil && gen.Actor != actor) {
		return "", notFound("Generation not found.")
	}
	if err != nil {
		return "", fmt.Errorf("load generation: %w", err)
	}
	if gen.OutputKey == "" || gen.Status != task.GenerationCompleted {
		return "", notFound("Audio is not ready yet.")
	}
	return o.blobs.SignedURL(ctx, gen.OutputKey, o.previewTTL)
}

func (o *Orchestrator) owned(ctx context.Context, actor, taskID string) (task.Task, error) {
	if _, err := uuid.Parse(taskID); err != nil {
		return task.Task{}, notFound("Task not found.")
	}
	t, err := o.tasks.Get(ctx, taskID)
	if errors.Is(err, ports.ErrNotFound) || (err == nil && t.Actor != actor) {
		return task.Task{}, notFound("Task not found.")
	}
	if err != nil {
		return task.Task{}, fmt.Errorf("load task: %w", err)
	}
	return t, nil
}

func (o *Orchestrator) reload(ctx context.Context, t task.Task) task.View {
	if cur, err := o.tasks.Get(ctx, t.ID); err == nil {
		t = cur
	}
	return o.view(ctx, t)
}

// view projects a task, re-signing expired preview URLs.
func (o *Orchestrator) view(ctx context.Context, t task.Task) task.View {
	v := t.ToView()
	if t.Status != task.StatusCompleted {
		return v
	}
	switch t.Type {
	case task.TypeGenerate:
		if t.GenerationID != "" {
			v.Result = withValue(t.Result, "audio_url", task.AudioURL(t.GenerationID))
		}
	case task.TypeDesignPreview:
		if key, _ := t.Result["object_key"].(string); key != "" {
			if url, err := o.blobs.SignedURL(ctx, key, o.previewTTL); err == nil {
				v.Result = withValue(t.Result, "audio_url", url)
			}
		}
	}
	return v
}

// -----------------------------------------------------------------------------
// Guarded transitions
// -----------------------------------------------------------------------------

// completeTask finishes a task as completed and reports whether this caller
// won. Losing the guard means the task was cancelled or failed by someone who
// already compensated.
func (o *Orchestrator) completeTask(ctx context.Context, t task.Task, result map[string]any, out *task.Output) bool {
	ok, err := o.tasks.Finish(ctx, t.ID, task.Finish{
		Status:         task.StatusCompleted,
		Result:         result,
		ProviderStatus: task.ProviderCompleted,
		At:             o.clock.Now(),
		Output:         out,
	})
	if err != nil {
		o.logger.Error().Err(err).Str("task_id", t.ID).Msg("complete task")
		return false
	}
	if ok {
		o.metrics.TaskFinished(string(t.Type), string(task.StatusCompleted))
		o.logger.Info().Str("task_id", t.ID).Str("type", string(t.Type)).Msg("task completed")
	}
	return ok
}

// failTask fails a task and, if this caller won the transition, undoes its charge.
func (o *Orchestrator) failTask(ctx context.Context, t task.Task, msg, providerStatus string) bool {
	return o.finish(ctx, t, task.StatusFailed, msg, providerStatus, "task_failed")
}

func (o *Orchestrator) cancelTask(ctx context.Context, t task.Task) bool {
	return o.finish(ctx, t, task.StatusCancelled, cancelledMessage, task.ProviderCancelled, "task_cancelled")
}

func (o *Orchestrator) finish(ctx context.Context, t task.Task, status task.Status, msg, providerStatus, reason string) bool {
	// Compensation must land even when the caller's context is gone.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	ok, err := o.tasks.Finish(ctx, t.ID, task.Finish{
		Status:         status,
		Error:          msg,
		ProviderStatus: providerStatus,
		At:             o.clock.Now(),
	})
	if err != nil {
		o.logger.Error().Err(err).Str("task_id", t.ID).Msg("finish task")
		return false
	}
	if !ok {
		return false
	}

	genStatus := task.GenerationFailed
	if status == task.StatusCancelled {
		genStatus = task.GenerationCancelled
	}
	o.finishGeneration(ctx, t, genStatus, msg)
	o.compensate(ctx, t, reason)
	o.metrics.TaskFinished(string(t.Type), string(status))
	o.logger.Info().
		Str("task_id", t.ID).
		Str("type", string(t.Type)).
		Str("status", string(status)).
		Str("error", msg).
		Msg("task finished without output")
	return true
}

func (o *Orchestrator) finishGeneration(ctx context.Context, t task.Task, status task.GenerationStatus, msg string) {
	if t.GenerationID == "" {
		return
	}
	if err := o.generations.Finish(ctx, t.GenerationID, status, msg, o.clock.Now()); err != nil {
		o.logger.Warn().Err(err).Str("generation_id", t.GenerationID).Msg("finish generation")
	}
}

// compensate undoes the charge of t. Keys make it safe to call twice.
func (o *Orchestrator) compensate(ctx context.Context, t task.Task, reason string) {
	err := o.ledger.Compensate(ctx, Compensation{
		Actor:         t.Actor,
		Operation:     t.Type.Operation(),
		ChargeKey:     t.Charge.Key,
		RefundKey:     t.RefundKey(),
		Amount:        t.Charge.Amount,
		UsedTrial:     t.Charge.UsedTrial,
		ReferenceType: t.ReferenceType(),
		ReferenceID:   t.ReferenceID(),
		Reason:        reason,
	})
	if err != nil {
		o.logger.Error().Err(err).
			Str("task_id", t.ID).
			Str("actor", t.Actor).
			Str("charge_key", t.Charge.Key).
			Msg("compensation failed")
	}
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func estimateMinutes(text string) float64 {
	minutes := math.Round(float64(utf8.RuneCountInString(text))/375*10) / 10
	return math.Max(0.1, minutes)
}

func preview(text string, n int) string {
	if utf8.RuneCountInString(text) <= n {
		return text
	}
	return string([]rune(text)[:n]) + "..."
}

func withValue(m map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	out[key] = value
	return out
}
