// Package qwen talks to the DashScope Qwen TTS API.
//
// Every call is a blocking request; the caller runs them in the background.
// Synthesis returns a short-lived audio URL that is downloaded with retries.
// Voice design and enrollment create provider-side voices.
package qwen

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/artpar/utter/adapters/tts/internal/wire"
	"github.com/artpar/utter/domain/provider"
	"github.com/artpar/utter/ports"
)

const (
	synthesisPath     = "/api/v1/services/aigc/multimodal-generation/generation"
	customizationPath = "/api/v1/services/audio/tts/customization"

	DefaultBaseURL           = "https://dashscope-intl.aliyuncs.com"
	DefaultCloneTargetModel  = "qwen3-tts-vc-2026-01-22"
	DefaultDesignTargetModel = "qwen3-tts-vd-2026-01-26"
)

// Config holds DashScope credentials and models.
type Config struct {
	APIKey            string
	BaseURL           string
	CloneTargetModel  string
	DesignTargetModel string

	Timeout         time.Duration // synthesis and customization calls
	DownloadTimeout time.Duration // per download attempt
	DownloadRetries int
	RetryBackoff    time.Duration // multiplied by the attempt number
}

// Client is a DashScope HTTP client.
type Client struct {
	cfg  Config
	http *http.Client
}

// New creates a client.
func New(cfg Config, httpClient *http.Client) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.CloneTargetModel == "" {
		cfg.CloneTargetModel = DefaultCloneTargetModel
	}
	if cfg.DesignTargetModel == "" {
		cfg.DesignTargetModel = DefaultDesignTargetModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = 60 * time.Second
	}
	if cfg.DownloadRetries < 0 {
		cfg.DownloadRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 300 * time.Millisecond
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{cfg: cfg, http: httpClient}
}

// Synthesizer returns the synthesis gateway.
func (c *Client) Synthesizer() *SynthesisGateway { return &SynthesisGateway{c: c} }

// Designer returns the voice design gateway.
func (c *Client) Designer() *DesignGateway { return &DesignGateway{c: c} }

func (c *Client) post(ctx context.Context, path string, body any, out any, fallback string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := wire.NewJSONRequest(ctx, http.MethodPost, c.cfg.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := wire.Do(c.http, req)
	if err != nil {
		return err
	}
	defer wire.Drain(resp)
	if resp.StatusCode/100 != 2 {
		return wire.StatusError(resp, fallback)
	}
	return wire.DecodeJSON(resp, out)
}

// download fetches url, retrying 5xx and transport failures.
func (c *Client) download(ctx context.Context, url string) (provider.Artifact, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.DownloadRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return provider.Artifact{}, provider.Normalize(ctx.Err())
			case <-time.After(c.cfg.RetryBackoff * time.Duration(attempt)):
			}
		}

		art, retry, err := c.downloadOnce(ctx, url)
		if err == nil {
			return art, nil
		}
		lastErr = err
		if !retry {
			break
		}
	}
	return provider.Artifact{}, lastErr
}

func (c *Client) downloadOnce(ctx context.Context, url string) (provider.Artifact, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.DownloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return provider.Artifact{}, false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return provider.Artifact{}, true, wire.Transport(err)
	}
	defer wire.Drain(resp)

	if resp.StatusCode/100 != 2 {
		return provider.Artifact{}, resp.StatusCode >= 500, wire.StatusError(resp, "Failed to download provider audio")
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return provider.Artifact{}, true, wire.Transport(err)
	}
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "audio/wav"
	}
	return provider.Artifact{Data: data, ContentType: ct, Format: formatFor(ct)}, false, nil
}

// -----------------------------------------------------------------------------
// Synthesis
// -----------------------------------------------------------------------------

type synthesisRequest struct {
	Model string         `json:"model"`
	Input synthesisInput `json:"input"`
}

type synthesisInput struct {
	Text         string `json:"text"`
	Voice        string `json:"voice"`
	LanguageType string `json:"language_type,omitempty"`
}

type synthesisResponse struct {
	RequestID string `json:"request_id"`
	Output    struct {
		Audio struct {
			URL       string `json:"url"`
			ID        string `json:"id"`
			ExpiresAt int64  `json:"expires_at"`
		} `json:"audio"`
	} `json:"output"`
}

// SynthesisGateway synthesizes with a provider-side voice.
type SynthesisGateway struct {
	c *Client
}

var _ ports.ProviderGateway = (*SynthesisGateway)(nil)

func (g *SynthesisGateway) Name() string        { return provider.Qwen }
func (g *SynthesisGateway) Mode() provider.Mode { return provider.ModeSyncBackground }

// Submit runs synthesis and returns the audio URL to download.
func (g *SynthesisGateway) Submit(ctx context.Context, job provider.Job) (provider.Handle, error) {
	if job.ProviderVoiceID == "" || job.TargetModel == "" {
		return provider.Handle{}, &provider.Error{Category: provider.CategoryValidation, SafeMessage: "Voice is not available for this provider"}
	}
	var out synthesisResponse
	err := g.c.post(ctx, synthesisPath, synthesisRequest{
		Model: job.TargetModel,
		Input: synthesisInput{
			Text:         job.Text,
			Voice:        job.ProviderVoiceID,
			LanguageType: languageType(job.Language),
		},
	}, &out, "Qwen synthesis request failed")
	if err != nil {
		return provider.Handle{}, err
	}
	if out.Output.Audio.URL == "" {
		return provider.Handle{}, &provider.Error{
			Category: provider.CategoryUnavailable, Status: http.StatusBadGateway, RequestID: out.RequestID,
			SafeMessage: "Qwen synthesis response missing audio url",
		}
	}
	return provider.Handle{ID: out.Output.Audio.ID, URL: out.Output.Audio.URL, RequestID: out.RequestID}, nil
}

// Poll reports ready: the work finished inside Submit.
func (g *SynthesisGateway) Poll(ctx context.Context, h provider.Handle) (provider.PollResult, error) {
	return provider.PollResult{Status: provider.StatusCompleted, Ready: true}, nil
}

// FetchResult downloads the synthesized audio.
func (g *SynthesisGateway) FetchResult(ctx context.Context, h provider.Handle) (provider.Artifact, error) {
	if h.URL == "" {
		return provider.Artifact{}, fmt.Errorf("qwen: handle carries no audio url")
	}
	return g.c.download(ctx, h.URL)
}

// Cancel is a no-op; the caller checks its own cancellation flag.
func (g *SynthesisGateway) Cancel(ctx context.Context, h provider.Handle) error { return nil }

// -----------------------------------------------------------------------------
// Voice design and enrollment
// -----------------------------------------------------------------------------

type customizationRequest struct {
	Model      string         `json:"model"`
	Input      map[string]any `json:"input"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

type customizationResponse struct {
	RequestID string `json:"request_id"`
	Output    struct {
		Voice        string `json:"voice"`
		TargetModel  string `json:"target_model"`
		PreviewAudio struct {
			Data           string `json:"data"`
			SampleRate     int    `json:"sample_rate"`
			ResponseFormat string `json:"response_format"`
		} `json:"preview_audio"`
	} `json:"output"`
}

// DesignGateway creates a designed voice and returns its preview audio.
type DesignGateway struct {
	c *Client
}

var _ ports.ProviderGateway = (*DesignGateway)(nil)

func (g *DesignGateway) Name() string        { return provider.Qwen }
func (g *DesignGateway) Mode() provider.Mode { return provider.ModeSyncBackground }

// Submit creates the voice; the preview audio arrives inline.
func (g *DesignGateway) Submit(ctx context.Context, job provider.Job) (provider.Handle, error) {
	lang := languageTag(job.Language)
	if lang == "" {
		lang = "en"
	}
	var out customizationResponse
	err := g.c.post(ctx, customizationPath, customizationRequest{
		Model: "qwen-voice-design",
		Input: map[string]any{
			"action":         "create",
			"target_model":   g.c.cfg.DesignTargetModel,
			"voice_prompt":   job.Instruct,
			"preview_text":   job.Text,
			"preferred_name": preferredName(job.VoiceName, "design_"),
			"language":       lang,
		},
		Parameters: map[string]any{
			"sample_rate":     24000,
			"response_format": "wav",
		},
	}, &out, "Qwen customization request failed")
	if err != nil {
		return provider.Handle{}, err
	}

	o := out.Output
	if o.Voice == "" || o.TargetModel == "" || o.PreviewAudio.Data == "" {
		return provider.Handle{}, &provider.Error{
			Category: provider.CategoryUnavailable, Status: http.StatusBadGateway, RequestID: out.RequestID,
			SafeMessage: "Qwen design response missing required fields",
		}
	}
	audio, err := decodeAudio(o.PreviewAudio.Data)
	if err != nil {
		return provider.Handle{}, &provider.Error{
			Category: provider.CategoryUnavailable, Status: http.StatusBadGateway, RequestID: out.RequestID,
			SafeMessage: "Qwen design preview audio is not valid base64", Err: err,
		}
	}
	format := strings.ToLower(o.PreviewAudio.ResponseFormat)
	if format == "" {
		format = "wav"
	}
	return provider.Handle{
		Inline:      audio,
		Format:      format,
		RequestID:   out.RequestID,
		VoiceID:     o.Voice,
		TargetModel: o.TargetModel,
		SampleRate:  o.PreviewAudio.SampleRate,
	}, nil
}

// Poll reports ready: the work finished inside Submit.
func (g *DesignGateway) Poll(ctx context.Context, h provider.Handle) (provider.PollResult, error) {
	return provider.PollResult{Status: provider.StatusCompleted, Ready: true}, nil
}

// FetchResult returns the preview decoded by Submit.
func (g *DesignGateway) FetchResult(ctx context.Context, h provider.Handle) (provider.Artifact, error) {
	if len(h.Inline) == 0 {
		return provider.Artifact{}, fmt.Errorf("qwen: design handle carries no audio")
	}
	return provider.Artifact{Data: h.Inline, ContentType: provider.ContentTypeFor(h.Format), Format: h.Format}, nil
}

// Cancel is a no-op; the caller checks its own cancellation flag.
func (g *DesignGateway) Cancel(ctx context.Context, h provider.Handle) error { return nil }

// Enroll registers reference audio as a cloned voice.
func (c *Client) Enroll(ctx context.Context, e provider.Enrollment) (provider.EnrolledVoice, error) {
	input := map[string]any{
		"action":         "create",
		"target_model":   c.cfg.CloneTargetModel,
		"preferred_name": preferredName(e.Name, "clone_"),
		"audio":          map[string]string{"data": e.ReferenceURL},
	}
	if e.Transcript != "" {
		input["text"] = e.Transcript
	}
	if tag := languageTag(e.Language); tag != "" {
		input["language"] = tag
	}

	var out customizationResponse
	if err := c.post(ctx, customizationPath, customizationRequest{
		Model: "qwen-voice-enrollment",
		Input: input,
	}, &out, "Qwen customization request failed"); err != nil {
		return provider.EnrolledVoice{}, err
	}
	if out.Output.Voice == "" || out.Output.TargetModel == "" {
		return provider.EnrolledVoice{}, &provider.Error{
			Category: provider.CategoryUnavailable, Status: http.StatusBadGateway, RequestID: out.RequestID,
			SafeMessage: "Qwen clone response missing voice metadata",
		}
	}
	return provider.EnrolledVoice{VoiceID: out.Output.Voice, TargetModel: out.Output.TargetModel, RequestID: out.RequestID}, nil
}

var _ ports.VoiceEnroller = (*Client)(nil)

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

var languageTypes = map[string]string{
	"auto": "Auto", "english": "English", "chinese": "Chinese", "german": "German",
	"italian": "Italian", "portuguese": "Portuguese", "spanish": "Spanish",
	"japanese": "Japanese", "korean": "Korean", "french": "French", "russian": "Russian",
}

var languageTags = map[string]string{
	"auto": "en", "english": "en", "chinese": "zh", "german": "de", "italian": "it",
	"portuguese": "pt", "spanish": "es", "japanese": "ja", "korean": "ko", "french": "fr", "russian": "ru",
}

func languageType(language string) string {
	l := strings.ToLower(strings.TrimSpace(language))
	if l == "" {
		return ""
	}
	if t, ok := languageTypes[l]; ok {
		return t
	}
	return "Auto"
}

func languageTag(language string) string {
	return languageTags[strings.ToLower(strings.TrimSpace(language))]
}

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// preferredName makes a DashScope-safe voice name of 3..16 characters.
func preferredName(name, fallbackPrefix string) string {
	cleaned := unsafeName.ReplaceAllString(strings.TrimSpace(name), "_")
	if len(cleaned) > 16 {
		cleaned = cleaned[:16]
	}
	if len(cleaned) >= 3 {
		return cleaned
	}
	fallback := fallbackPrefix + uuid.NewString()[:8]
	if len(fallback) > 16 {
		fallback = fallback[:16]
	}
	return fallback
}

func decodeAudio(data string) ([]byte, error) {
	if strings.HasPrefix(data, "data:") {
		if i := strings.IndexByte(data, ','); i >= 0 {
			data = data[i+1:]
		}
	}
	data = strings.Join(strings.Fields(data), "")
	return base64.StdEncoding.DecodeString(data)
}

func formatFor(contentType string) string {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "mpeg"), strings.Contains(ct, "mp3"):
		return "mp3"
	case strings.Contains(ct, "ogg"), strings.Contains(ct, "opus"):
		return "opus"
	}
	return "wav"
}
