package qwen

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/utter/domain/provider"
)

func newTestClient(srv *httptest.Server) *Client {
	return New(Config{
		APIKey:          "sk-test",
		BaseURL:         srv.URL,
		Timeout:         2 * time.Second,
		DownloadTimeout: time.Second,
		DownloadRetries: 2,
		RetryBackoff:    time.Millisecond,
	}, srv.Client())
}

func TestSynthesis(t *testing.T) {
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc(synthesisPath, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		var body synthesisRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "qwen3-tts-vc-2026-01-22", body.Model)
		assert.Equal(t, "voice-1", body.Input.Voice)
		assert.Equal(t, "German", body.Input.LanguageType)
		w.Write([]byte(`{"request_id":"req-1","output":{"audio":{"url":"` + srv.URL + `/audio.wav","id":"a1"}}}`))
	})
	mux.HandleFunc("/audio.wav", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write([]byte("ID3mp3"))
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	g := newTestClient(srv).Synthesizer()
	ctx := context.Background()
	assert.Equal(t, provider.ModeSyncBackground, g.Mode())
	assert.Equal(t, provider.Qwen, g.Name())

	h, err := g.Submit(ctx, provider.Job{
		Operation: provider.OpSynthesize, Text: "hallo", Language: "German",
		ProviderVoiceID: "voice-1", TargetModel: "qwen3-tts-vc-2026-01-22",
	})
	require.NoError(t, err)
	assert.Equal(t, "req-1", h.RequestID)

	p, err := g.Poll(ctx, h)
	require.NoError(t, err)
	assert.True(t, p.Ready)

	art, err := g.FetchResult(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, []byte("ID3mp3"), art.Data)
	assert.Equal(t, "audio/mpeg", art.ContentType)
	assert.Equal(t, "mp3", art.Format)
}

func TestSynthesis_RequiresProviderVoice(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := newTestClient(srv).Synthesizer().Submit(context.Background(), provider.Job{Text: "x"})
	var pe *provider.Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, provider.CategoryValidation, pe.Category)
}

func TestSynthesis_MissingAudioURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"request_id":"req-2","output":{}}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).Synthesizer().Submit(context.Background(), provider.Job{Text: "x", ProviderVoiceID: "v", TargetModel: "m"})
	var pe *provider.Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, http.StatusBadGateway, pe.Status)
	assert.Equal(t, "req-2", pe.RequestID)
}

func TestSynthesis_ProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":"InvalidParameter","message":"voice not found","request_id":"req-3"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).Synthesizer().Submit(context.Background(), provider.Job{Text: "x", ProviderVoiceID: "v", TargetModel: "m"})
	var pe *provider.Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, provider.CategoryValidation, pe.Category)
	assert.Equal(t, "req-3", pe.RequestID)
}

func TestDownload_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("RIFF"))
	}))
	defer srv.Close()

	art, err := newTestClient(srv).download(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, "wav", art.Format)
}

func TestDownload_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).download(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDesign(t *testing.T) {
	preview := base64.StdEncoding.EncodeToString([]byte("RIFFpreview"))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, customizationPath, r.URL.Path)
		var body customizationRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "qwen-voice-design", body.Model)
		assert.Equal(t, "create", body.Input["action"])
		assert.Equal(t, "qwen3-tts-vd-2026-01-26", body.Input["target_model"])
		assert.Equal(t, "warm storyteller", body.Input["voice_prompt"])
		assert.Equal(t, "ja", body.Input["language"])
		assert.Equal(t, "Grandpa_Joe", body.Input["preferred_name"])
		json.NewEncoder(w).Encode(map[string]any{
			"request_id": "req-d",
			"output": map[string]any{
				"voice":        "qwen-tts-vd-abc",
				"target_model": "qwen3-tts-vd-2026-01-26",
				"preview_audio": map[string]any{
					"data": "data:audio/wav;base64," + preview, "sample_rate": 24000, "response_format": "wav",
				},
			},
		})
	}))
	defer srv.Close()

	g := newTestClient(srv).Designer()
	ctx := context.Background()
	h, err := g.Submit(ctx, provider.Job{
		Operation: provider.OpDesignPreview, Text: "once upon a time", Language: "Japanese",
		Instruct: "warm storyteller", VoiceName: "Grandpa Joe",
	})
	require.NoError(t, err)
	assert.Equal(t, "qwen-tts-vd-abc", h.VoiceID)
	assert.Equal(t, "qwen3-tts-vd-2026-01-26", h.TargetModel)
	assert.Equal(t, 24000, h.SampleRate)

	art, err := g.FetchResult(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, []byte("RIFFpreview"), art.Data)
	assert.Equal(t, "audio/wav", art.ContentType)
}

func TestDesign_MissingFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"output":{"voice":"v"}}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).Designer().Submit(context.Background(), provider.Job{Text: "x", Instruct: "y"})
	var pe *provider.Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, http.StatusBadGateway, pe.Status)
}

func TestEnroll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body customizationRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "qwen-voice-enrollment", body.Model)
		assert.Equal(t, "qwen3-tts-vc-2026-01-22", body.Input["target_model"])
		assert.Equal(t, map[string]any{"data": "https://blob/ref.wav"}, body.Input["audio"])
		assert.Equal(t, "hello there", body.Input["text"])
		assert.Equal(t, "en", body.Input["language"])
		w.Write([]byte(`{"request_id":"req-e","output":{"voice":"qwen-tts-vc-1","target_model":"qwen3-tts-vc-2026-01-22"}}`))
	}))
	defer srv.Close()

	v, err := newTestClient(srv).Enroll(context.Background(), provider.Enrollment{
		Name: "me", ReferenceURL: "https://blob/ref.wav", Transcript: "hello there", Language: "English",
	})
	require.NoError(t, err)
	assert.Equal(t, "qwen-tts-vc-1", v.VoiceID)
	assert.Equal(t, "req-e", v.RequestID)
}

func TestPreferredName(t *testing.T) {
	assert.Equal(t, "my_voice_", preferredName("my voice!", "clone_"))
	assert.Equal(t, "abcdefghijklmnop", preferredName("abcdefghijklmnopqrstuvwxyz", "clone_"))

	short := preferredName("a", "design_")
	assert.Len(t, short, 15)
	assert.Regexp(t, `^design_[0-9a-f]{8}$`, short)
}

func TestLanguageMapping(t *testing.T) {
	tests := []struct {
		in       string
		wantType string
		wantTag  string
	}{
		{"English", "English", "en"},
		{"auto", "Auto", "en"},
		{"Chinese", "Chinese", "zh"},
		{"Klingon", "Auto", ""},
		{"", "", ""},
	}
	for _, tt := range tests {
		if got := languageType(tt.in); got != tt.wantType {
			t.Errorf("languageType(%q) = %q, want %q", tt.in, got, tt.wantType)
		}
		if got := languageTag(tt.in); got != tt.wantTag {
			t.Errorf("languageTag(%q) = %q, want %q", tt.in, got, tt.wantTag)
		}
	}
}
