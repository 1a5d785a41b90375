// Package ports defines interfaces (contracts) between layers.
// These interfaces enable dependency injection and testability.
// Implementations live in adapters/.
package ports

import (
	"context"
	"errors"
	"time"

	"github.com/artpar/utter/domain/billing"
	"github.com/artpar/utter/domain/ledger"
	"github.com/artpar/utter/domain/provider"
	"github.com/artpar/utter/domain/task"
	"github.com/artpar/utter/domain/voice"
)

// Store errors shared by every persistence adapter.
var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
)

// ErrPaymentsDisabled is returned by payment providers that cannot sell.
var ErrPaymentsDisabled = errors.New("payments are not configured")

// -----------------------------------------------------------------------------
// Infrastructure Ports
// -----------------------------------------------------------------------------

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// IDGenerator generates unique identifiers.
type IDGenerator interface {
	New() string
}

// -----------------------------------------------------------------------------
// Credit Ledger
// -----------------------------------------------------------------------------

// LedgerStore owns the event log and the materialized balances.
// Every mutating method is one atomic transaction.
type LedgerStore interface {
	// EnsureAccount creates the account with default trials if missing.
	EnsureAccount(ctx context.Context, actor string) (ledger.Account, error)

	// Apply records an event once per idempotency key.
	Apply(ctx context.Context, req ledger.ApplyRequest) (ledger.ApplyResult, error)

	// TrialOrDebit consumes a trial if one remains, else debits.
	TrialOrDebit(ctx context.Context, req ledger.TrialRequest) (ledger.TrialResult, error)

	// TrialRestore gives back the trial consumed under key, at most once.
	TrialRestore(ctx context.Context, actor string, op ledger.Operation, key string) (ledger.RestoreResult, error)

	// Usage sums movement since a time and returns the most recent events.
	Usage(ctx context.Context, actor string, since time.Time, recent int) (ledger.UsageTotals, []ledger.Event, error)

	// Events returns the full event log of an actor, oldest first.
	Events(ctx context.Context, actor string) ([]ledger.Event, error)
}

// -----------------------------------------------------------------------------
// Tasks
// -----------------------------------------------------------------------------

// TaskStore persists tasks. Transitions are guarded on the current status
// and report whether this caller performed them.
type TaskStore interface {
	// Create inserts a task. Returns a duplicate error when the actor already
	// has an active task of the same type.
	Create(ctx context.Context, t task.Task) error

	// Get retrieves a task by id.
	Get(ctx context.Context, id string) (task.Task, error)

	// FindActive returns the actor's active task of a type, if any.
	FindActive(ctx context.Context, actor string, typ task.Type) (task.Task, bool, error)

	// Start moves pending -> processing, recording the remote job handle.
	Start(ctx context.Context, id, jobHandle, providerStatus string, at time.Time) (bool, error)

	// Checkpoint records provider progress on an active task.
	Checkpoint(ctx context.Context, id, providerStatus string, at time.Time) error

	// Touch increments the poll counter of an active task.
	Touch(ctx context.Context, id string) error

	// RequestCancellation sets the cooperative cancel flag on an active task.
	RequestCancellation(ctx context.Context, id string, at time.Time) (bool, error)

	// Finish moves an active task to a terminal status. A completion that
	// carries an Output records it on the generation atomically.
	Finish(ctx context.Context, id string, fin task.Finish) (bool, error)

	// UpdateResult replaces the result of a completed task.
	UpdateResult(ctx context.Context, id string, result map[string]any, at time.Time) error

	// Delete removes a terminal task owned by actor.
	Delete(ctx context.Context, actor, id string) (bool, error)

	// ListStale returns active tasks of a mode not updated since before.
	ListStale(ctx context.Context, mode provider.Mode, before time.Time, limit int) ([]task.Task, error)
}

// GenerationStore persists output artifact metadata.
type GenerationStore interface {
	Create(ctx context.Context, g task.Generation) error
	Get(ctx context.Context, id string) (task.Generation, error)

	// Finish marks a processing generation failed or cancelled.
	Finish(ctx context.Context, id string, status task.GenerationStatus, errMsg string, at time.Time) error
}

// VoiceStore persists voices.
type VoiceStore interface {
	Create(ctx context.Context, v voice.Voice) error
	Get(ctx context.Context, actor, id string) (voice.Voice, error)
	List(ctx context.Context, actor string) ([]voice.Voice, error)
}

// -----------------------------------------------------------------------------
// Billing
// -----------------------------------------------------------------------------

// BillingEventStore records payment events, unique per provider event id.
type BillingEventStore interface {
	// Insert records a received event. Returns a duplicate error when the
	// provider event id was already recorded.
	Insert(ctx context.Context, e billing.Event) error

	// GetByProviderID loads a recorded event.
	GetByProviderID(ctx context.Context, provider, providerEventID string) (billing.Event, error)

	// Settle writes the processing outcome of an event.
	Settle(ctx context.Context, e billing.Event) error
}

// PaymentProvider interfaces with the payment processor.
type PaymentProvider interface {
	// Name returns the provider name (e.g., "stripe").
	Name() string

	// CreateCheckout creates a hosted checkout page for a credit pack.
	CreateCheckout(ctx context.Context, req billing.CheckoutRequest) (url string, err error)

	// VerifyWebhook checks the signature and parses the event.
	VerifyWebhook(payload []byte, signature string) (billing.ProviderEvent, error)

	// LineItemPrices returns the price ids bought in a checkout session.
	LineItemPrices(ctx context.Context, sessionID string) ([]string, error)
}

// -----------------------------------------------------------------------------
// Rate Limiting
// -----------------------------------------------------------------------------

// RateCounter is an atomic increment-with-expiry primitive.
// The first increment of a key opens a window of the given length.
type RateCounter interface {
	Increment(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)
}

// -----------------------------------------------------------------------------
// Storage
// -----------------------------------------------------------------------------

// BlobStore stores audio by key and hands out time-limited URLs.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error

	// SignedURL returns a download URL valid for ttl.
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)

	// UploadURL returns an upload (PUT) URL valid for ttl.
	UploadURL(ctx context.Context, key, contentType string, ttl time.Duration) (string, error)
}

// -----------------------------------------------------------------------------
// Provider Gateway
// -----------------------------------------------------------------------------

// ProviderGateway is the uniform contract over both execution modes.
type ProviderGateway interface {
	Name() string
	Mode() provider.Mode
	Submit(ctx context.Context, job provider.Job) (provider.Handle, error)
	Poll(ctx context.Context, h provider.Handle) (provider.PollResult, error)
	FetchResult(ctx context.Context, h provider.Handle) (provider.Artifact, error)
	Cancel(ctx context.Context, h provider.Handle) error
}

// GatewayResolver selects the gateway for a task type on a provider.
type GatewayResolver interface {
	Active() string
	Gateway(providerName string, typ task.Type) (ProviderGateway, bool)
	Enroller(providerName string) (VoiceEnroller, bool)
}

// VoiceEnroller registers cloned reference audio with providers that
// synthesize from provider-side voices.
type VoiceEnroller interface {
	Enroll(ctx context.Context, e provider.Enrollment) (provider.EnrolledVoice, error)
}

// -----------------------------------------------------------------------------
// Observability
// -----------------------------------------------------------------------------

// Metrics records service-level measurements.
type Metrics interface {
	RateLimitDecision(tier string, allowed bool)
	RateLimiterDegraded(tier string, failClosed bool)
	LedgerApplied(kind, outcome string)
	TaskFinished(typ, status string)
	ProviderCall(provider, call string, d time.Duration, category string)
	WebhookEvent(outcome string)
	RunnerQueueDepth(n int)
}

// -----------------------------------------------------------------------------
// Identity
// -----------------------------------------------------------------------------

// IdentityVerifier turns request credentials into a verified actor id.
type IdentityVerifier interface {
	Verify(ctx context.Context, token string) (actor string, err error)
}
