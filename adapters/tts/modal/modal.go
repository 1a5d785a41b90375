// Package modal talks to the Modal-hosted TTS endpoints.
//
// Synthesis is an async job API (submit, status, result, cancel). Voice
// design is one long blocking call that may answer with a redirect to a
// result URL which is then polled until the audio is ready.
package modal

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/artpar/utter/adapters/tts/internal/wire"
	"github.com/artpar/utter/domain/provider"
	"github.com/artpar/utter/ports"
)

// Config holds the Modal endpoints.
type Config struct {
	SubmitURL string
	StatusURL string
	ResultURL string
	CancelURL string // optional
	DesignURL string

	Timeout       time.Duration // job API calls
	DesignTimeout time.Duration // whole design call, including redirect polling
	DesignPoll    time.Duration // first redirect poll delay
	MaxNewTokens  int
}

// Client is a Modal HTTP client.
type Client struct {
	cfg    Config
	http   *http.Client
	design *http.Client
}

// New creates a client.
func New(cfg Config, httpClient *http.Client) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.DesignTimeout <= 0 {
		cfg.DesignTimeout = 180 * time.Second
	}
	if cfg.DesignPoll <= 0 {
		cfg.DesignPoll = time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	design := *httpClient
	design.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	return &Client{cfg: cfg, http: httpClient, design: &design}
}

// Jobs returns the async job gateway used for synthesis.
func (c *Client) Jobs() *JobGateway { return &JobGateway{c: c} }

// Designer returns the blocking gateway used for design previews.
func (c *Client) Designer() *DesignGateway { return &DesignGateway{c: c} }

// -----------------------------------------------------------------------------
// Async job API
// -----------------------------------------------------------------------------

type submitRequest struct {
	Text           string `json:"text"`
	Language       string `json:"language"`
	RefAudioBase64 string `json:"ref_audio_base64"`
	RefText        string `json:"ref_text"`
	MaxNewTokens   int    `json:"max_new_tokens,omitempty"`
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

type statusResponse struct {
	JobID          string  `json:"job_id"`
	Status         string  `json:"status"`
	ResultReady    bool    `json:"result_ready"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	Error          string  `json:"error"`
}

// JobGateway is the async-poll synthesis gateway.
type JobGateway struct {
	c *Client
}

var _ ports.ProviderGateway = (*JobGateway)(nil)

func (g *JobGateway) Name() string        { return provider.Modal }
func (g *JobGateway) Mode() provider.Mode { return provider.ModeAsyncPoll }

// Submit starts a synthesis job and returns its id.
func (g *JobGateway) Submit(ctx context.Context, job provider.Job) (provider.Handle, error) {
	if len(job.ReferenceAudio) == 0 {
		return provider.Handle{}, &provider.Error{Category: provider.CategoryValidation, SafeMessage: "Voice has no reference audio"}
	}
	ctx, cancel := context.WithTimeout(ctx, g.c.cfg.Timeout)
	defer cancel()

	req, err := wire.NewJSONRequest(ctx, http.MethodPost, g.c.cfg.SubmitURL, submitRequest{
		Text:           job.Text,
		Language:       job.Language,
		RefAudioBase64: base64.StdEncoding.EncodeToString(job.ReferenceAudio),
		RefText:        job.ReferenceTranscript,
		MaxNewTokens:   g.c.cfg.MaxNewTokens,
	})
	if err != nil {
		return provider.Handle{}, err
	}
	resp, err := wire.Do(g.c.http, req)
	if err != nil {
		return provider.Handle{}, err
	}
	defer wire.Drain(resp)
	if resp.StatusCode/100 != 2 {
		return provider.Handle{}, wire.StatusError(resp, "Modal submit failed")
	}

	var out submitResponse
	if err := wire.DecodeJSON(resp, &out); err != nil {
		return provider.Handle{}, err
	}
	if out.JobID == "" {
		return provider.Handle{}, &provider.Error{Category: provider.CategoryUnknown, SafeMessage: "Modal submit returned no job_id"}
	}
	return provider.Handle{ID: out.JobID, Format: "wav"}, nil
}

// Poll reports the remote job status.
func (g *JobGateway) Poll(ctx context.Context, h provider.Handle) (provider.PollResult, error) {
	ctx, cancel := context.WithTimeout(ctx, g.c.cfg.Timeout)
	defer cancel()

	req, err := wire.NewJSONRequest(ctx, http.MethodGet, withJobID(g.c.cfg.StatusURL, h.ID), nil)
	if err != nil {
		return provider.PollResult{}, err
	}
	resp, err := wire.Do(g.c.http, req)
	if err != nil {
		return provider.PollResult{}, err
	}
	defer wire.Drain(resp)
	if resp.StatusCode/100 != 2 {
		return provider.PollResult{}, wire.StatusError(resp, "Modal status failed")
	}

	var out statusResponse
	if err := wire.DecodeJSON(resp, &out); err != nil {
		return provider.PollResult{}, err
	}
	status := strings.ToLower(strings.TrimSpace(out.Status))
	if status == "" {
		status = provider.StatusProcessing
	}
	return provider.PollResult{
		Status:         status,
		Ready:          status == provider.StatusCompleted && out.ResultReady,
		ElapsedSeconds: out.ElapsedSeconds,
		Message:        out.Error,
	}, nil
}

// FetchResult downloads the finished audio. Returns provider.ErrNotReady on 202.
func (g *JobGateway) FetchResult(ctx context.Context, h provider.Handle) (provider.Artifact, error) {
	ctx, cancel := context.WithTimeout(ctx, g.c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, withJobID(g.c.cfg.ResultURL, h.ID), nil)
	if err != nil {
		return provider.Artifact{}, err
	}
	resp, err := wire.Do(g.c.http, req)
	if err != nil {
		return provider.Artifact{}, err
	}
	defer wire.Drain(resp)

	if resp.StatusCode == http.StatusAccepted {
		return provider.Artifact{}, provider.ErrNotReady
	}
	if resp.StatusCode/100 != 2 {
		return provider.Artifact{}, wire.StatusError(resp, "Modal result failed")
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return provider.Artifact{}, wire.Transport(err)
	}
	return provider.Artifact{Data: data, ContentType: "audio/wav", Format: "wav"}, nil
}

// Cancel asks Modal to stop the job. Best effort; failures are ignored.
func (g *JobGateway) Cancel(ctx context.Context, h provider.Handle) error {
	if g.c.cfg.CancelURL == "" || h.ID == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, g.c.cfg.Timeout)
	defer cancel()

	req, err := wire.NewJSONRequest(ctx, http.MethodPost, g.c.cfg.CancelURL, map[string]string{"job_id": h.ID})
	if err != nil {
		return nil
	}
	if resp, err := g.c.http.Do(req); err == nil {
		wire.Drain(resp)
	}
	return nil
}

func withJobID(endpoint, jobID string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	q := u.Query()
	q.Set("job_id", jobID)
	u.RawQuery = q.Encode()
	return u.String()
}

// -----------------------------------------------------------------------------
// Voice design
// -----------------------------------------------------------------------------

type designRequest struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Instruct string `json:"instruct"`
}

// DesignGateway runs a design preview as one blocking call.
type DesignGateway struct {
	c *Client
}

var _ ports.ProviderGateway = (*DesignGateway)(nil)

func (g *DesignGateway) Name() string        { return provider.Modal }
func (g *DesignGateway) Mode() provider.Mode { return provider.ModeSyncBackground }

// Submit blocks until the preview audio is produced.
func (g *DesignGateway) Submit(ctx context.Context, job provider.Job) (provider.Handle, error) {
	ctx, cancel := context.WithTimeout(ctx, g.c.cfg.DesignTimeout)
	defer cancel()

	req, err := wire.NewJSONRequest(ctx, http.MethodPost, g.c.cfg.DesignURL, designRequest{
		Text:     job.Text,
		Language: job.Language,
		Instruct: job.Instruct,
	})
	if err != nil {
		return provider.Handle{}, err
	}
	resp, err := wire.Do(g.c.design, req)
	if err != nil {
		return provider.Handle{}, err
	}

	next := g.c.cfg.DesignURL
	delay := g.c.cfg.DesignPoll
	for {
		switch {
		case resp.StatusCode/100 == 2 && resp.StatusCode != http.StatusAccepted:
			data, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			if err != nil {
				return provider.Handle{}, wire.Transport(err)
			}
			return provider.Handle{Inline: data, Format: "wav"}, nil

		case isRedirect(resp.StatusCode):
			loc := resp.Header.Get("Location")
			wire.Drain(resp)
			if loc == "" {
				return provider.Handle{}, &provider.Error{Category: provider.CategoryUnknown, SafeMessage: "Modal voice design redirect missing location"}
			}
			if next, err = resolve(next, loc); err != nil {
				return provider.Handle{}, err
			}

		case resp.StatusCode == http.StatusAccepted:
			wire.Drain(resp)

		default:
			defer wire.Drain(resp)
			return provider.Handle{}, wire.StatusError(resp, "Modal voice design failed")
		}

		select {
		case <-ctx.Done():
			return provider.Handle{}, provider.Timeout("Modal voice design timed out")
		case <-time.After(delay):
		}
		delay = min(10*time.Second, delay*3/2)

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, next, nil)
		if err != nil {
			return provider.Handle{}, err
		}
		if resp, err = wire.Do(g.c.design, req); err != nil {
			return provider.Handle{}, err
		}
	}
}

// Poll reports ready: the work finished inside Submit.
func (g *DesignGateway) Poll(ctx context.Context, h provider.Handle) (provider.PollResult, error) {
	return provider.PollResult{Status: provider.StatusCompleted, Ready: true}, nil
}

// FetchResult returns the audio produced by Submit.
func (g *DesignGateway) FetchResult(ctx context.Context, h provider.Handle) (provider.Artifact, error) {
	if len(h.Inline) == 0 {
		return provider.Artifact{}, errors.New("modal: design handle carries no audio")
	}
	return provider.Artifact{Data: h.Inline, ContentType: "audio/wav", Format: "wav"}, nil
}

// Cancel is a no-op; the caller checks its own cancellation flag.
func (g *DesignGateway) Cancel(ctx context.Context, h provider.Handle) error { return nil }

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func resolve(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("modal: bad url %q: %w", base, err)
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("modal: bad redirect %q: %w", ref, err)
	}
	return b.ResolveReference(r).String(), nil
}
