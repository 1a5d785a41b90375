// Package task defines the task state machine and the generation record.
package task

import (
	"time"

	"github.com/artpar/utter/domain/ledger"
	"github.com/artpar/utter/domain/provider"
)

// Type is the kind of work a task represents.
type Type string

const (
	TypeGenerate      Type = "generate"
	TypeDesignPreview Type = "design_preview"
)

// Operation returns the ledger operation charged for this task type.
func (t Type) Operation() ledger.Operation {
	if t == TypeDesignPreview {
		return ledger.OpDesignPreview
	}
	return ledger.OpGenerate
}

// Status is a task lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// ActiveStatuses are the statuses a guarded transition may start from.
var ActiveStatuses = []Status{StatusPending, StatusProcessing}

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	switch to {
	case StatusProcessing:
		return from == StatusPending
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Provider progress checkpoints recorded on the task.
const (
	ProviderQueued      = "provider_queued"
	ProviderSubmitting  = "provider_submitting"
	ProviderProcessing  = "provider_processing"
	ProviderDownloading = "provider_downloading"
	ProviderPersisting  = "provider_persisting"
	ProviderCompleted   = "completed"
	ProviderFailed      = "failed"
	ProviderCancelled   = "cancelled"
)

// Charge records how a task was paid for, so compensation can undo it.
type Charge struct {
	Key       string
	Amount    int64
	UsedTrial bool
}

// Finish is the terminal write of a guarded transition.
type Finish struct {
	Status         Status
	Result         map[string]any
	Error          string
	ProviderStatus string
	At             time.Time

	// Output, when set on a completion, is recorded on the task's generation
	// in the same write. A task that loses the transition records nothing.
	Output *Output
}

// Output is the stored audio of a completed generation.
type Output struct {
	GenerationID string
	Key          string
	Seconds      float64
}

// Task is the orchestrated unit of work.
type Task struct {
	ID                    string
	Actor                 string
	Type                  Type
	Status                Status
	Provider              string
	Mode                  provider.Mode
	ProviderStatus        string
	JobHandle             string
	GenerationID          string
	VoiceID               string
	CancellationRequested bool
	Charge                Charge
	Result                map[string]any
	Error                 string
	PollCount             int
	Metadata              map[string]any
	CreatedAt             time.Time
	UpdatedAt             time.Time
	CompletedAt           *time.Time
}

// ReferenceID is the id the charge and refund keys are built from.
func (t Task) ReferenceID() string {
	if t.Type == TypeGenerate && t.GenerationID != "" {
		return t.GenerationID
	}
	return t.ID
}

// ReferenceType is the ledger reference type of the charge.
func (t Task) ReferenceType() ledger.ReferenceType {
	if t.Type == TypeGenerate {
		return ledger.RefGeneration
	}
	return ledger.RefTask
}

// RefundKey is the idempotency key for compensating this task's charge.
func (t Task) RefundKey() string {
	return ledger.RefundKey(t.Type.Operation(), t.ReferenceID())
}

// MetaString returns a string metadata value or "".
func (t Task) MetaString(key string) string {
	if t.Metadata == nil {
		return ""
	}
	if s, ok := t.Metadata[key].(string); ok {
		return s
	}
	return ""
}

// View is the client-facing poll response.
type View struct {
	ID             string         `json:"id"`
	Type           Type           `json:"type"`
	Status         Status         `json:"status"`
	Result         map[string]any `json:"result,omitempty"`
	Error          *string        `json:"error"`
	Provider       string         `json:"provider"`
	ProviderStatus *string        `json:"provider_status"`
	PollCount      int            `json:"poll_count"`
}

// ToView projects a task onto its poll response.
func (t Task) ToView() View {
	v := View{
		ID:        t.ID,
		Type:      t.Type,
		Status:    t.Status,
		Result:    t.Result,
		Provider:  t.Provider,
		PollCount: t.PollCount,
	}
	if t.Error != "" {
		e := t.Error
		v.Error = &e
	}
	if t.ProviderStatus != "" {
		ps := t.ProviderStatus
		v.ProviderStatus = &ps
	}
	return v
}

// -----------------------------------------------------------------------------
// Generation
// -----------------------------------------------------------------------------

// GenerationStatus is the state of an output artifact.
type GenerationStatus string

const (
	GenerationProcessing GenerationStatus = "processing"
	GenerationCompleted  GenerationStatus = "completed"
	GenerationFailed     GenerationStatus = "failed"
	GenerationCancelled  GenerationStatus = "cancelled"
)

// Generation is the output artifact metadata owned by a generate task.
type Generation struct {
	ID                string
	Actor             string
	VoiceID           string
	Text              string
	Language          string
	Status            GenerationStatus
	OutputKey         string
	Error             string
	GenerationSeconds float64
	CreatedAt         time.Time
	CompletedAt       *time.Time
}

// OutputKey returns the blob key a generation's audio is stored under.
func OutputKey(actor, generationID, ext string) string {
	if ext == "" {
		ext = "wav"
	}
	return actor + "/" + generationID + "." + ext
}

// PreviewKey returns the blob key a design preview is stored under.
func PreviewKey(actor, taskID, ext string) string {
	if ext == "" {
		ext = "wav"
	}
	return actor + "/preview_" + taskID + "." + ext
}

// AudioURL is the API path that serves a completed generation.
func AudioURL(generationID string) string {
	return "/api/generations/" + generationID + "/audio"
}
