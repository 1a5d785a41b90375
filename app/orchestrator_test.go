package app_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/utter/adapters/tts/modal"
	"github.com/artpar/utter/app"
	"github.com/artpar/utter/domain/ledger"
	"github.com/artpar/utter/domain/provider"
	"github.com/artpar/utter/domain/task"
)

// modalServer fakes the Modal job API.
type modalServer struct {
	*httptest.Server

	mu        sync.Mutex
	status    string
	ready     bool
	errMsg    string
	submitted []map[string]any
	cancelled []string
}

func newModalServer(t *testing.T) *modalServer {
	t.Helper()
	m := &modalServer{status: provider.StatusQueued}
	mux := http.NewServeMux()
	mux.HandleFunc("/submit", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		m.mu.Lock()
		m.submitted = append(m.submitted, body)
		m.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{"job_id": "job-1"})
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		defer m.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{
			"job_id":       r.URL.Query().Get("job_id"),
			"status":       m.status,
			"result_ready": m.ready,
			"error":        m.errMsg,
		})
	})
	mux.HandleFunc("/result", func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		ready := m.ready
		m.mu.Unlock()
		if !ready {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.Header().Set("Content-Type", "audio/wav")
		w.Write([]byte("RIFFgenerated"))
	})
	mux.HandleFunc("/cancel", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		m.mu.Lock()
		m.cancelled = append(m.cancelled, body["job_id"])
		m.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	m.Server = httptest.NewServer(mux)
	t.Cleanup(m.Close)
	return m
}

func (m *modalServer) set(status string, ready bool, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status, m.ready, m.errMsg = status, ready, errMsg
}

func (m *modalServer) submissions() []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]map[string]any(nil), m.submitted...)
}

func (m *modalServer) cancels() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.cancelled...)
}

func (m *modalServer) gateway() *modal.JobGateway {
	return modal.New(modal.Config{
		SubmitURL: m.URL + "/submit",
		StatusURL: m.URL + "/status",
		ResultURL: m.URL + "/result",
		CancelURL: m.URL + "/cancel",
		Timeout:   5 * time.Second,
	}, m.Client()).Jobs()
}

func newModalHarness(t *testing.T, opts ...harnessOption) (*harness, *modalServer) {
	t.Helper()
	srv := newModalServer(t)
	opts = append([]harnessOption{
		withGateway(task.TypeGenerate, srv.gateway()),
		withGateway(task.TypeDesignPreview, newFakeDesigner()),
	}, opts...)
	return newHarness(t, opts...), srv
}

// -----------------------------------------------------------------------------
// Async generate lifecycle
// -----------------------------------------------------------------------------

func TestOrchestrator_GenerateAsyncLifecycle(t *testing.T) {
	h, srv := newModalHarness(t)
	ctx := context.Background()
	h.grant(t, alice, 1000)
	v := h.clonedVoice(t, alice)

	created, err := h.orch.CreateGeneration(ctx, alice, app.GenerateRequest{VoiceID: v.ID, Text: "Hello world"})
	require.NoError(t, err)
	assert.Equal(t, task.StatusProcessing, created.Status)
	assert.True(t, created.IsLongRunning)
	assert.Equal(t, 0.1, created.EstimatedMinutes)
	assert.Equal(t, int64(989), h.balance(t, alice))

	submitted := srv.submissions()
	require.Len(t, submitted, 1)
	assert.Equal(t, "Hello world", submitted[0]["text"])
	assert.Equal(t, "Auto", submitted[0]["language"])
	assert.Equal(t, v.ReferenceTranscript, submitted[0]["ref_text"])

	srv.set(provider.StatusProcessing, false, "")
	view, err := h.orch.Poll(ctx, alice, created.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusProcessing, view.Status)
	assert.Equal(t, 1, view.PollCount)

	srv.set(provider.StatusCompleted, true, "")
	view, err = h.orch.Poll(ctx, alice, created.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, view.Status)
	assert.Equal(t, task.AudioURL(created.GenerationID), view.Result["audio_url"])

	gen, err := h.generations.Get(ctx, created.GenerationID)
	require.NoError(t, err)
	assert.Equal(t, task.GenerationCompleted, gen.Status)
	data, err := h.blobs.Get(ctx, gen.OutputKey)
	require.NoError(t, err)
	assert.Equal(t, "RIFFgenerated", string(data))

	url, err := h.orch.GenerationAudioURL(ctx, alice, created.GenerationID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "http://blobs.test/"))

	_, err = h.orch.GenerationAudioURL(ctx, bob, created.GenerationID)
	requireKind(t, err, app.ErrNotFound)

	// A completed task is not re-finalized or refunded by later polls.
	view, err = h.orch.Poll(ctx, alice, created.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, view.Status)
	assert.Equal(t, int64(989), h.balance(t, alice))
	h.audit(t, alice)
}

func TestOrchestrator_GenerateRemoteFailureRefunds(t *testing.T) {
	h, srv := newModalHarness(t)
	ctx := context.Background()
	h.grant(t, alice, 1000)
	v := h.clonedVoice(t, alice)

	created, err := h.orch.CreateGeneration(ctx, alice, app.GenerateRequest{VoiceID: v.ID, Text: "Hello world"})
	require.NoError(t, err)

	srv.set(provider.StatusFailed, false, "CUDA out of memory")
	view, err := h.orch.Poll(ctx, alice, created.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, view.Status)
	require.NotNil(t, view.Error)
	assert.Equal(t, "CUDA out of memory", *view.Error)
	assert.Equal(t, int64(1000), h.balance(t, alice))

	// Failure is terminal; polling again must not refund twice.
	_, err = h.orch.Poll(ctx, alice, created.TaskID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), h.balance(t, alice))

	gen, err := h.generations.Get(ctx, created.GenerationID)
	require.NoError(t, err)
	assert.Equal(t, task.GenerationFailed, gen.Status)
	h.audit(t, alice)
}

func TestOrchestrator_GenerateFailedWithoutMessage(t *testing.T) {
	h, srv := newModalHarness(t)
	ctx := context.Background()
	h.grant(t, alice, 100)
	v := h.clonedVoice(t, alice)

	created, err := h.orch.CreateGeneration(ctx, alice, app.GenerateRequest{VoiceID: v.ID, Text: "Hi"})
	require.NoError(t, err)

	srv.set(provider.StatusFailed, false, "")
	view, err := h.orch.Poll(ctx, alice, created.TaskID)
	require.NoError(t, err)
	require.NotNil(t, view.Error)
	assert.Equal(t, "Generation failed. Please try again.", *view.Error)
}

func TestOrchestrator_PollStatusErrorKeepsTask(t *testing.T) {
	h, srv := newModalHarness(t)
	ctx := context.Background()
	h.grant(t, alice, 100)
	v := h.clonedVoice(t, alice)

	created, err := h.orch.CreateGeneration(ctx, alice, app.GenerateRequest{VoiceID: v.ID, Text: "Hi"})
	require.NoError(t, err)

	srv.Close()
	view, err := h.orch.Poll(ctx, alice, created.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusProcessing, view.Status)
	require.NotNil(t, view.ProviderStatus)
	assert.Equal(t, "status_error", *view.ProviderStatus)

	stored, err := h.tasks.Get(ctx, created.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusProcessing, stored.Status)
	assert.Equal(t, int64(98), h.balance(t, alice))
}

func TestOrchestrator_CancelAsync(t *testing.T) {
	h, srv := newModalHarness(t)
	ctx := context.Background()
	h.grant(t, alice, 1000)
	v := h.clonedVoice(t, alice)

	created, err := h.orch.CreateGeneration(ctx, alice, app.GenerateRequest{VoiceID: v.ID, Text: "Hello world"})
	require.NoError(t, err)

	view, err := h.orch.Cancel(ctx, alice, created.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, view.Status)
	assert.Equal(t, []string{"job-1"}, srv.cancels())
	assert.Equal(t, int64(1000), h.balance(t, alice))

	_, err = h.orch.Cancel(ctx, alice, created.TaskID)
	requireKind(t, err, app.ErrNotCancellable)
	assert.Equal(t, "Cannot cancel task with status: cancelled", app.Detail(err))

	// A late remote completion cannot resurrect the task or double-refund.
	srv.set(provider.StatusCompleted, true, "")
	view, err = h.orch.Poll(ctx, alice, created.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, view.Status)
	assert.Equal(t, int64(1000), h.balance(t, alice))
	h.audit(t, alice)

	require.NoError(t, h.orch.Delete(ctx, alice, created.TaskID))
	_, err = h.orch.Poll(ctx, alice, created.TaskID)
	requireKind(t, err, app.ErrNotFound)
}

func TestOrchestrator_DeleteActiveTask(t *testing.T) {
	h, _ := newModalHarness(t)
	ctx := context.Background()
	h.grant(t, alice, 100)
	v := h.clonedVoice(t, alice)

	created, err := h.orch.CreateGeneration(ctx, alice, app.GenerateRequest{VoiceID: v.ID, Text: "Hi"})
	require.NoError(t, err)

	err = h.orch.Delete(ctx, alice, created.TaskID)
	requireKind(t, err, app.ErrConflict)

	err = h.orch.Delete(ctx, bob, created.TaskID)
	requireKind(t, err, app.ErrNotFound)
}

// -----------------------------------------------------------------------------
// Admission
// -----------------------------------------------------------------------------

func TestOrchestrator_GenerateValidation(t *testing.T) {
	h, _ := newModalHarness(t, withMaxChars(provider.Modal, 20))
	ctx := context.Background()
	h.grant(t, alice, 1000)
	v := h.clonedVoice(t, alice)

	tests := []struct {
		name   string
		req    app.GenerateRequest
		kind   error
		detail string
	}{
		{"no voice", app.GenerateRequest{Text: "Hi"}, app.ErrValidation, "Please select a voice"},
		{"bad voice id", app.GenerateRequest{VoiceID: "nope", Text: "Hi"}, app.ErrValidation, "Invalid voice_id"},
		{"no text", app.GenerateRequest{VoiceID: v.ID, Text: "   "}, app.ErrValidation, "Please enter text to speak"},
		{"too long", app.GenerateRequest{VoiceID: v.ID, Text: strings.Repeat("a", 21)}, app.ErrValidation, "Text cannot exceed 20 characters"},
		{"unknown voice", app.GenerateRequest{VoiceID: h.ids.New(), Text: "Hi"}, app.ErrNotFound, "Voice not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.orch.CreateGeneration(ctx, alice, tt.req)
			requireKind(t, err, tt.kind)
			assert.Equal(t, tt.detail, app.Detail(err))
		})
	}
	assert.Equal(t, int64(1000), h.balance(t, alice))
}

func TestOrchestrator_GenerateInsufficientCredits(t *testing.T) {
	h, srv := newModalHarness(t)
	ctx := context.Background()
	h.grant(t, alice, 5)
	v := h.clonedVoice(t, alice)

	_, err := h.orch.CreateGeneration(ctx, alice, app.GenerateRequest{VoiceID: v.ID, Text: "Hello world"})
	requireKind(t, err, app.ErrInsufficientCredits)
	assert.Contains(t, app.Detail(err), "need 11, have 5")
	assert.Empty(t, srv.submissions())
	assert.Equal(t, int64(5), h.balance(t, alice))

	_, active, err := h.tasks.FindActive(ctx, alice, task.TypeGenerate)
	require.NoError(t, err)
	assert.False(t, active)
}

func TestOrchestrator_GenerateConflict(t *testing.T) {
	h, _ := newModalHarness(t)
	ctx := context.Background()
	h.grant(t, alice, 1000)
	v := h.clonedVoice(t, alice)

	_, err := h.orch.CreateGeneration(ctx, alice, app.GenerateRequest{VoiceID: v.ID, Text: "first"})
	require.NoError(t, err)

	_, err = h.orch.CreateGeneration(ctx, alice, app.GenerateRequest{VoiceID: v.ID, Text: "second"})
	requireKind(t, err, app.ErrConflict)
	assert.Equal(t, int64(995), h.balance(t, alice))
}

func TestOrchestrator_SubmitFailureRefunds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"gpu pool exhausted"}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	gw := modal.New(modal.Config{SubmitURL: srv.URL, StatusURL: srv.URL, ResultURL: srv.URL}, srv.Client()).Jobs()

	h := newHarness(t, withGateway(task.TypeGenerate, gw))
	ctx := context.Background()
	h.grant(t, alice, 100)
	v := h.clonedVoice(t, alice)

	_, err := h.orch.CreateGeneration(ctx, alice, app.GenerateRequest{VoiceID: v.ID, Text: "Hello"})
	requireKind(t, err, app.ErrProviderUnavailable)
	assert.Equal(t, int64(100), h.balance(t, alice))

	_, active, err := h.tasks.FindActive(ctx, alice, task.TypeGenerate)
	require.NoError(t, err)
	assert.False(t, active, "failed submit must not leave an active task")
	h.audit(t, alice)
}

// -----------------------------------------------------------------------------
// Sync-background design previews
// -----------------------------------------------------------------------------

func designRequest() app.DesignPreviewRequest {
	return app.DesignPreviewRequest{
		Text:     "Welcome to the show.",
		Language: "English",
		Instruct: "A warm, deep radio host voice",
		Name:     "Host",
	}
}

func TestOrchestrator_DesignPreviewUsesTrial(t *testing.T) {
	designer := newFakeDesigner()
	h := newHarness(t, withGateway(task.TypeDesignPreview, designer))
	ctx := context.Background()

	created, err := h.orch.CreateDesignPreview(ctx, alice, designRequest())
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, created.Status)

	done := h.waitStatus(t, created.TaskID, task.StatusCompleted)
	key, _ := done.Result["object_key"].(string)
	require.NotEmpty(t, key)
	assert.Equal(t, "Host", done.Result["name"])

	data, err := h.blobs.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "RIFFpreview", string(data))

	assert.Equal(t, 1, h.trials(t, alice, ledger.OpDesignPreview))
	assert.Equal(t, int64(0), h.balance(t, alice))

	view, err := h.orch.Poll(ctx, alice, created.TaskID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(view.Result["audio_url"].(string), "http://blobs.test/"))
}

func TestOrchestrator_DesignPreviewChargesAfterTrials(t *testing.T) {
	h := newHarness(t, withGateway(task.TypeDesignPreview, newFakeDesigner()))
	ctx := context.Background()
	h.grant(t, alice, 6000)

	for i := 0; i < 2; i++ {
		created, err := h.orch.CreateDesignPreview(ctx, alice, designRequest())
		require.NoError(t, err)
		h.waitStatus(t, created.TaskID, task.StatusCompleted)
	}
	assert.Equal(t, int64(6000), h.balance(t, alice))

	created, err := h.orch.CreateDesignPreview(ctx, alice, designRequest())
	require.NoError(t, err)
	h.waitStatus(t, created.TaskID, task.StatusCompleted)
	assert.Equal(t, int64(1000), h.balance(t, alice))

	_, err = h.orch.CreateDesignPreview(ctx, alice, designRequest())
	requireKind(t, err, app.ErrInsufficientCredits)
	h.audit(t, alice)
}

func TestOrchestrator_DesignPreviewFailureRestoresTrial(t *testing.T) {
	designer := newFakeDesigner()
	designer.submitErr = &provider.Error{Category: provider.CategoryUnavailable, Status: 503, SafeMessage: "Voice design is temporarily unavailable."}
	h := newHarness(t, withGateway(task.TypeDesignPreview, designer))
	ctx := context.Background()

	created, err := h.orch.CreateDesignPreview(ctx, alice, designRequest())
	require.NoError(t, err)

	failed := h.waitStatus(t, created.TaskID, task.StatusFailed)
	assert.NotEmpty(t, failed.Error)
	assert.Equal(t, 2, h.trials(t, alice, ledger.OpDesignPreview))
}

func TestOrchestrator_DesignPreviewValidation(t *testing.T) {
	h := newHarness(t, withGateway(task.TypeDesignPreview, newFakeDesigner()))
	ctx := context.Background()

	long := strings.Repeat("x", 501)
	tests := []struct {
		name   string
		mutate func(*app.DesignPreviewRequest)
		detail string
	}{
		{"no text", func(r *app.DesignPreviewRequest) { r.Text = "" }, "Preview text is required."},
		{"long text", func(r *app.DesignPreviewRequest) { r.Text = long }, "Preview text must be 500 characters or less."},
		{"no instruct", func(r *app.DesignPreviewRequest) { r.Instruct = " " }, "Voice description is required."},
		{"long instruct", func(r *app.DesignPreviewRequest) { r.Instruct = long }, "Voice description must be 500 characters or less."},
		{"no language", func(r *app.DesignPreviewRequest) { r.Language = "" }, "Language is required."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := designRequest()
			tt.mutate(&req)
			_, err := h.orch.CreateDesignPreview(ctx, alice, req)
			requireKind(t, err, app.ErrValidation)
			assert.Equal(t, tt.detail, app.Detail(err))
		})
	}
	assert.Equal(t, 2, h.trials(t, alice, ledger.OpDesignPreview))
}

func TestOrchestrator_CancelSyncWhileRunning(t *testing.T) {
	designer := newFakeDesigner()
	designer.release = make(chan struct{})
	h := newHarness(t, withGateway(task.TypeDesignPreview, designer))
	ctx := context.Background()

	created, err := h.orch.CreateDesignPreview(ctx, alice, designRequest())
	require.NoError(t, err)
	h.waitStatus(t, created.TaskID, task.StatusProcessing)
	require.Eventually(t, func() bool { return designer.submitCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	view, err := h.orch.Cancel(ctx, alice, created.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusProcessing, view.Status, "running unit observes the flag at its next step")

	close(designer.release)
	h.waitStatus(t, created.TaskID, task.StatusCancelled)
	assert.Equal(t, 2, h.trials(t, alice, ledger.OpDesignPreview))

	stored, err := h.tasks.Get(ctx, created.TaskID)
	require.NoError(t, err)
	assert.Nil(t, stored.Result["object_key"], "cancelled preview keeps no output")
}

func TestOrchestrator_RunnerFullFailsTask(t *testing.T) {
	h := newHarness(t,
		withGateway(task.TypeDesignPreview, newFakeDesigner()),
		withStoppedRunner(1),
	)
	ctx := context.Background()

	first, err := h.orch.CreateDesignPreview(ctx, alice, designRequest())
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, first.Status)

	_, err = h.orch.CreateDesignPreview(ctx, bob, designRequest())
	requireKind(t, err, app.ErrProviderUnavailable)
	assert.Equal(t, "Server is busy. Please try again.", app.Detail(err))
	assert.Equal(t, 2, h.trials(t, bob, ledger.OpDesignPreview))

	// Pending tasks cancel immediately; nothing is running them yet.
	view, err := h.orch.Cancel(ctx, alice, first.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, view.Status)
	assert.Equal(t, 2, h.trials(t, alice, ledger.OpDesignPreview))
}

// -----------------------------------------------------------------------------
// Sweeper
// -----------------------------------------------------------------------------

func TestSweeper_FailsStaleTasks(t *testing.T) {
	h, srv := newModalHarness(t)
	ctx := context.Background()
	h.grant(t, alice, 1000)
	v := h.clonedVoice(t, alice)

	created, err := h.orch.CreateGeneration(ctx, alice, app.GenerateRequest{VoiceID: v.ID, Text: "Hello world"})
	require.NoError(t, err)

	sweeper := app.NewSweeper(h.orch, app.SweeperConfig{StaleAfter: time.Minute, AsyncStaleAfter: time.Hour}, zerolog.Nop())

	n, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	h.clock.Advance(2 * time.Hour)
	n, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := h.tasks.Get(ctx, created.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, stored.Status)
	assert.Equal(t, "Task timed out. Please try again.", stored.Error)
	assert.Equal(t, []string{"job-1"}, srv.cancels())
	assert.Equal(t, int64(1000), h.balance(t, alice))

	n, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, int64(1000), h.balance(t, alice))
	h.audit(t, alice)
}

// -----------------------------------------------------------------------------
// Concurrent finalizers
// -----------------------------------------------------------------------------

func TestOrchestrator_CancelBetweenUploadAndCompletion(t *testing.T) {
	blobs := &hookedBlobs{}
	h, srv := newModalHarness(t, withBlobHook(blobs))
	ctx := context.Background()
	h.grant(t, alice, 1000)
	v := h.clonedVoice(t, alice)

	created, err := h.orch.CreateGeneration(ctx, alice, app.GenerateRequest{VoiceID: v.ID, Text: "Hello world"})
	require.NoError(t, err)
	assert.Equal(t, int64(989), h.balance(t, alice))

	blobs.onNextPut(func(string) {
		view, err := h.orch.Cancel(ctx, alice, created.TaskID)
		require.NoError(t, err)
		assert.Equal(t, task.StatusCancelled, view.Status)
	})
	srv.set(provider.StatusCompleted, true, "")
	view, err := h.orch.Poll(ctx, alice, created.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, view.Status)

	gen, err := h.generations.Get(ctx, created.GenerationID)
	require.NoError(t, err)
	assert.Equal(t, task.GenerationCancelled, gen.Status)
	assert.Empty(t, gen.OutputKey, "refunded generation keeps no output")
	assert.Equal(t, int64(1000), h.balance(t, alice))

	_, err = h.orch.GenerationAudioURL(ctx, alice, created.GenerationID)
	requireKind(t, err, app.ErrNotFound)

	keys := blobs.uploaded()
	require.Len(t, keys, 1)
	exists, err := h.blobs.Exists(ctx, keys[0])
	require.NoError(t, err)
	assert.False(t, exists, "orphaned upload is removed")
	h.audit(t, alice)
}

func TestOrchestrator_CancelAfterCompletionKeepsCharge(t *testing.T) {
	h, srv := newModalHarness(t)
	ctx := context.Background()
	h.grant(t, alice, 1000)
	v := h.clonedVoice(t, alice)

	created, err := h.orch.CreateGeneration(ctx, alice, app.GenerateRequest{VoiceID: v.ID, Text: "Hello world"})
	require.NoError(t, err)
	srv.set(provider.StatusCompleted, true, "")
	_, err = h.orch.Poll(ctx, alice, created.TaskID)
	require.NoError(t, err)

	_, err = h.orch.Cancel(ctx, alice, created.TaskID)
	requireKind(t, err, app.ErrNotCancellable)
	assert.Equal(t, int64(989), h.balance(t, alice))

	url, err := h.orch.GenerationAudioURL(ctx, alice, created.GenerationID)
	require.NoError(t, err)
	assert.NotEmpty(t, url)
}

func TestOrchestrator_CancelBeforeStartCancelsRemoteJob(t *testing.T) {
	hook := &hookedTasks{}
	h, srv := newModalHarness(t, withTaskHook(hook))
	ctx := context.Background()
	h.grant(t, alice, 1000)
	v := h.clonedVoice(t, alice)

	hook.beforeStart = func(id string) {
		view, err := h.orch.Cancel(ctx, alice, id)
		require.NoError(t, err)
		assert.Equal(t, task.StatusCancelled, view.Status)
	}

	created, err := h.orch.CreateGeneration(ctx, alice, app.GenerateRequest{VoiceID: v.ID, Text: "Hello world"})
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, created.Status)
	assert.Len(t, srv.submissions(), 1)
	assert.Equal(t, []string{"job-1"}, srv.cancels(), "submitted job is cancelled remotely")

	stored, err := h.tasks.Get(ctx, created.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, stored.Status)
	assert.Empty(t, stored.JobHandle)
	assert.Equal(t, int64(1000), h.balance(t, alice))
	h.audit(t, alice)
}

func TestOrchestrator_SweeperBetweenUploadAndCompletion(t *testing.T) {
	blobs := &hookedBlobs{}
	h := newHarness(t,
		withGateway(task.TypeGenerate, newFakeSynth()),
		withGateway(task.TypeDesignPreview, newFakeDesigner()),
		withBlobHook(blobs),
	)
	ctx := context.Background()
	h.grant(t, alice, 1000)
	v := h.clonedVoice(t, alice)
	sweeper := app.NewSweeper(h.orch, app.SweeperConfig{StaleAfter: time.Minute, AsyncStaleAfter: time.Hour}, zerolog.Nop())

	swept := make(chan int, 1)
	blobs.onNextPut(func(string) {
		h.clock.Advance(2 * time.Minute)
		n, err := sweeper.Sweep(context.Background())
		assert.NoError(t, err)
		swept <- n
	})

	created, err := h.orch.CreateGeneration(ctx, alice, app.GenerateRequest{VoiceID: v.ID, Text: "Hello world"})
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, created.Status)

	select {
	case n := <-swept:
		assert.Equal(t, 1, n)
	case <-time.After(5 * time.Second):
		t.Fatal("background unit never uploaded")
	}
	stored := h.waitStatus(t, created.TaskID, task.StatusFailed)
	assert.Equal(t, "Task timed out. Please try again.", stored.Error)

	gen, err := h.generations.Get(ctx, created.GenerationID)
	require.NoError(t, err)
	assert.Equal(t, task.GenerationFailed, gen.Status)
	assert.Empty(t, gen.OutputKey)
	assert.Equal(t, int64(1000), h.balance(t, alice))

	keys := blobs.uploaded()
	require.Len(t, keys, 1)
	require.Eventually(t, func() bool {
		exists, err := h.blobs.Exists(ctx, keys[0])
		return err == nil && !exists
	}, 5*time.Second, 10*time.Millisecond, "orphaned upload is removed")
	h.audit(t, alice)
}
