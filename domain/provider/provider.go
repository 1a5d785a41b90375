// Package provider defines the value types exchanged with TTS execution backends.
package provider

import "errors"

// Mode is how a backend executes a job.
type Mode string

const (
	// ModeAsyncPoll returns a remote job handle at submit time; progress is
	// observed by polling.
	ModeAsyncPoll Mode = "async_poll"
	// ModeSyncBackground runs one blocking remote call inside a background
	// unit that outlives the originating request.
	ModeSyncBackground Mode = "sync_background"
)

// Provider names.
const (
	Modal = "modal"
	Qwen  = "qwen"
)

// Operation is what a job asks the backend to produce.
type Operation string

const (
	OpSynthesize    Operation = "synthesize"
	OpDesignPreview Operation = "design_preview"
)

// Job is the submit input, shared by both execution modes.
type Job struct {
	Operation Operation
	Text      string
	Language  string

	// Synthesize with a cloned reference (Modal).
	ReferenceAudio      []byte
	ReferenceTranscript string

	// Synthesize with a provider-side voice (Qwen).
	ProviderVoiceID string
	TargetModel     string

	// Design preview.
	Instruct  string
	VoiceName string
}

// Handle identifies submitted work.
// Async backends only populate ID; sync backends carry the produced output.
type Handle struct {
	ID          string
	URL         string
	Inline      []byte
	Format      string
	RequestID   string
	VoiceID     string
	TargetModel string
	SampleRate  int
}

// Remote job states reported by Poll.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// PollResult is the observed remote job state.
type PollResult struct {
	Status         string
	Ready          bool
	ElapsedSeconds float64
	Message        string
}

// Failed reports whether the remote job ended in failure.
func (p PollResult) Failed() bool {
	return p.Status == StatusFailed || p.Status == StatusCancelled
}

// Artifact is fetched output.
type Artifact struct {
	Data        []byte
	ContentType string
	Format      string
}

// Enrollment registers an uploaded reference sample as a provider-side voice.
type Enrollment struct {
	Name         string
	ReferenceURL string
	Transcript   string
	Language     string
}

// EnrolledVoice is the provider-side identity of an enrolled voice.
type EnrolledVoice struct {
	VoiceID     string
	TargetModel string
	RequestID   string
}

// ErrNotReady is returned by FetchResult while the job is still running.
var ErrNotReady = errors.New("provider: result not ready")

// ContentTypeFor maps an audio format to its MIME type.
func ContentTypeFor(format string) string {
	switch format {
	case "mp3":
		return "audio/mpeg"
	case "opus", "ogg":
		return "audio/ogg"
	default:
		return "audio/wav"
	}
}
