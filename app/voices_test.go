package app_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/utter/app"
	"github.com/artpar/utter/domain/ledger"
	"github.com/artpar/utter/domain/provider"
	"github.com/artpar/utter/domain/task"
	"github.com/artpar/utter/domain/voice"
)

func cloneRequest() app.CloneRequest {
	return app.CloneRequest{Name: "Narrator", Language: "English", Transcript: "The quick brown fox."}
}

func TestVoiceService_CloneFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ticket, err := h.voices.CreateUploadURL(ctx, alice, cloneRequest())
	require.NoError(t, err)
	assert.Equal(t, voice.ReferenceKey(alice, ticket.VoiceID), ticket.ObjectKey)
	assert.True(t, strings.HasPrefix(ticket.UploadURL, "http://blobs.test/"))

	req := cloneRequest()
	req.VoiceID = ticket.VoiceID

	_, err = h.voices.FinalizeClone(ctx, alice, req)
	requireKind(t, err, app.ErrValidation)
	assert.Equal(t, "Audio file not uploaded.", app.Detail(err))
	assert.Equal(t, 2, h.trials(t, alice, ledger.OpClone))

	require.NoError(t, h.blobs.Put(ctx, ticket.ObjectKey, []byte("RIFFsample"), "audio/wav"))
	v, err := h.voices.FinalizeClone(ctx, alice, req)
	require.NoError(t, err)
	assert.Equal(t, ticket.VoiceID, v.ID)
	assert.Equal(t, voice.SourceUploaded, v.Source)
	assert.Equal(t, provider.Modal, v.Provider)
	assert.Equal(t, 1, h.trials(t, alice, ledger.OpClone))

	again, err := h.voices.FinalizeClone(ctx, alice, req)
	require.NoError(t, err)
	assert.Equal(t, v.ID, again.ID)
	assert.Equal(t, 1, h.trials(t, alice, ledger.OpClone), "finalizing twice charges once")

	list, err := h.voices.List(ctx, alice)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestVoiceService_CloneValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*app.CloneRequest)
		detail string
	}{
		{"no name", func(r *app.CloneRequest) { r.Name = "" }, "Name must be 1-100 characters."},
		{"long name", func(r *app.CloneRequest) { r.Name = strings.Repeat("n", 101) }, "Name must be 1-100 characters."},
		{"no language", func(r *app.CloneRequest) { r.Language = " " }, "Language is required."},
		{"no transcript", func(r *app.CloneRequest) { r.Transcript = "" }, "Transcript is required."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := cloneRequest()
			tt.mutate(&req)
			_, err := h.voices.CreateUploadURL(ctx, alice, req)
			requireKind(t, err, app.ErrValidation)
			assert.Equal(t, tt.detail, app.Detail(err))
		})
	}

	_, err := h.voices.FinalizeClone(ctx, alice, cloneRequest())
	requireKind(t, err, app.ErrValidation)
	assert.Equal(t, "voice_id is required.", app.Detail(err))
}

func TestVoiceService_CloneEnrollFailureRestoresTrial(t *testing.T) {
	enroller := &fakeEnroller{err: &provider.Error{Category: provider.CategoryRejected, Status: 403, SafeMessage: "Qwen rejected the request."}}
	h := newHarness(t, withActive(provider.Qwen), withEnroller(enroller))
	ctx := context.Background()

	ticket, err := h.voices.CreateUploadURL(ctx, alice, cloneRequest())
	require.NoError(t, err)
	require.NoError(t, h.blobs.Put(ctx, ticket.ObjectKey, []byte("RIFFsample"), "audio/wav"))

	req := cloneRequest()
	req.VoiceID = ticket.VoiceID
	_, err = h.voices.FinalizeClone(ctx, alice, req)
	requireKind(t, err, app.ErrProviderRejected)
	assert.Equal(t, 2, h.trials(t, alice, ledger.OpClone))

	require.Len(t, enroller.seen, 1)
	assert.Equal(t, "Narrator", enroller.seen[0].Name)
	assert.True(t, strings.HasPrefix(enroller.seen[0].ReferenceURL, "http://blobs.test/"))
}

func TestVoiceService_CloneEnrollsOnQwen(t *testing.T) {
	enroller := &fakeEnroller{}
	h := newHarness(t, withActive(provider.Qwen), withEnroller(enroller))
	ctx := context.Background()

	ticket, err := h.voices.CreateUploadURL(ctx, alice, cloneRequest())
	require.NoError(t, err)
	require.NoError(t, h.blobs.Put(ctx, ticket.ObjectKey, []byte("RIFFsample"), "audio/wav"))

	req := cloneRequest()
	req.VoiceID = ticket.VoiceID
	_, err = h.voices.FinalizeClone(ctx, alice, req)
	require.NoError(t, err)

	stored, err := h.voiceStore.Get(ctx, alice, ticket.VoiceID)
	require.NoError(t, err)
	assert.Equal(t, "qwen-tts-vc-narrator", stored.ProviderVoiceID)
	assert.True(t, stored.UsableBy(provider.Qwen))
}

func TestVoiceService_SaveDesign(t *testing.T) {
	h := newHarness(t, withGateway(task.TypeDesignPreview, newFakeDesigner()))
	ctx := context.Background()

	created, err := h.orch.CreateDesignPreview(ctx, alice, designRequest())
	require.NoError(t, err)
	h.waitStatus(t, created.TaskID, task.StatusCompleted)

	v, err := h.voices.SaveDesign(ctx, alice, app.SaveDesignRequest{TaskID: created.TaskID})
	require.NoError(t, err)
	assert.Equal(t, "Host", v.Name)
	assert.Equal(t, voice.SourceDesigned, v.Source)
	assert.NotEmpty(t, v.PreviewURL)

	again, err := h.voices.SaveDesign(ctx, alice, app.SaveDesignRequest{TaskID: created.TaskID, Name: "Other"})
	require.NoError(t, err)
	assert.Equal(t, v.ID, again.ID, "saving a preview twice returns the first voice")

	stored, err := h.voiceStore.Get(ctx, alice, v.ID)
	require.NoError(t, err)
	assert.Equal(t, "Welcome to the show.", stored.ReferenceTranscript)
	assert.Equal(t, "A warm, deep radio host voice", stored.Instruct)

	// The saved voice can generate on Modal.
	assert.True(t, stored.UsableBy(provider.Modal))

	_, err = h.voices.SaveDesign(ctx, bob, app.SaveDesignRequest{TaskID: created.TaskID})
	requireKind(t, err, app.ErrNotFound)
	assert.Equal(t, "Preview task not found.", app.Detail(err))
}

func TestVoiceService_SaveDesignRequiresCompletedPreview(t *testing.T) {
	designer := newFakeDesigner()
	designer.release = make(chan struct{})
	h := newHarness(t, withGateway(task.TypeDesignPreview, designer))
	ctx := context.Background()

	created, err := h.orch.CreateDesignPreview(ctx, alice, designRequest())
	require.NoError(t, err)

	_, err = h.voices.SaveDesign(ctx, alice, app.SaveDesignRequest{TaskID: created.TaskID})
	requireKind(t, err, app.ErrConflict)
	assert.Equal(t, "Preview task is not completed yet.", app.Detail(err))

	close(designer.release)
	h.waitStatus(t, created.TaskID, task.StatusCompleted)
}
