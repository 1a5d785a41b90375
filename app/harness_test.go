package app_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/artpar/utter/adapters/clock"
	"github.com/artpar/utter/adapters/idgen"
	"github.com/artpar/utter/adapters/memory"
	"github.com/artpar/utter/adapters/sqlite"
	"github.com/artpar/utter/adapters/tts"
	"github.com/artpar/utter/app"
	"github.com/artpar/utter/domain/credit"
	"github.com/artpar/utter/domain/ledger"
	"github.com/artpar/utter/domain/provider"
	"github.com/artpar/utter/domain/task"
	"github.com/artpar/utter/domain/voice"
	"github.com/artpar/utter/ports"
)

const (
	alice = "0d7c1b8e-2f0a-4a55-9f7e-2f7f0e2ad001"
	bob   = "0d7c1b8e-2f0a-4a55-9f7e-2f7f0e2ad002"
)

type harness struct {
	db          *sqlite.DB
	ledgerStore *sqlite.LedgerStore
	tasks       *sqlite.TaskStore
	generations *sqlite.GenerationStore
	voiceStore  *sqlite.VoiceStore
	blobs       *memory.BlobStore
	clock       *clock.Fake
	ids         *idgen.Sequential
	registry    *tts.Registry
	runner      *app.Runner
	ledger      *app.LedgerService
	orch        *app.Orchestrator
	voices      *app.VoiceService
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	active    string
	gateways  map[task.Type]ports.ProviderGateway
	enroller  ports.VoiceEnroller
	workers   int
	queueSize int
	noStart   bool
	allowance int64
	maxChars  map[string]int
	taskHook  *hookedTasks
	blobHook  *hookedBlobs
}

func withAllowance(n int64) harnessOption {
	return func(c *harnessConfig) { c.allowance = n }
}

func withMaxChars(providerName string, n int) harnessOption {
	return func(c *harnessConfig) { c.maxChars = map[string]int{providerName: n} }
}

func withGateway(typ task.Type, g ports.ProviderGateway) harnessOption {
	return func(c *harnessConfig) { c.gateways[typ] = g }
}

func withActive(name string) harnessOption {
	return func(c *harnessConfig) { c.active = name }
}

func withEnroller(e ports.VoiceEnroller) harnessOption {
	return func(c *harnessConfig) { c.enroller = e }
}

// withTaskHook routes the orchestrator's task writes through hook.
func withTaskHook(hook *hookedTasks) harnessOption {
	return func(c *harnessConfig) { c.taskHook = hook }
}

// withBlobHook routes the orchestrator's blob writes through hook.
func withBlobHook(hook *hookedBlobs) harnessOption {
	return func(c *harnessConfig) { c.blobHook = hook }
}

func withStoppedRunner(queueSize int) harnessOption {
	return func(c *harnessConfig) {
		c.noStart = true
		c.queueSize = queueSize
	}
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	cfg := harnessConfig{
		active:   provider.Modal,
		gateways: map[task.Type]ports.ProviderGateway{},
		workers:  2,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	path := filepath.Join(t.TempDir(), "utter.db")
	db, err := sqlite.Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() {
		db.Close()
		os.Remove(path)
	})

	h := &harness{
		db:          db,
		ledgerStore: sqlite.NewLedgerStore(db, credit.DefaultTrials()),
		tasks:       sqlite.NewTaskStore(db),
		generations: sqlite.NewGenerationStore(db),
		voiceStore:  sqlite.NewVoiceStore(db),
		blobs:       memory.NewBlobStore("http://blobs.test", "blob-secret"),
		clock:       clock.NewFake(time.Now()),
		ids:         idgen.NewSequential("app-test"),
		registry:    tts.NewRegistry(cfg.active),
	}
	for typ, g := range cfg.gateways {
		h.registry.Register(typ, g)
	}
	if cfg.enroller != nil {
		h.registry.RegisterEnroller(cfg.active, cfg.enroller)
	}

	logger := zerolog.Nop()
	h.ledger = app.NewLedgerService(app.LedgerConfig{
		Store:            h.ledgerStore,
		Clock:            h.clock,
		Logger:           logger,
		MonthlyAllowance: cfg.allowance,
	})
	h.runner = app.NewRunner(cfg.workers, cfg.queueSize, nil, logger)
	if !cfg.noStart {
		h.runner.Start()
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			h.runner.Stop(ctx)
		})
	}
	var tasks ports.TaskStore = h.tasks
	if cfg.taskHook != nil {
		cfg.taskHook.TaskStore = h.tasks
		tasks = cfg.taskHook
	}
	var blobs ports.BlobStore = h.blobs
	if cfg.blobHook != nil {
		cfg.blobHook.BlobStore = h.blobs
		blobs = cfg.blobHook
	}
	h.orch = app.NewOrchestrator(app.OrchestratorConfig{
		Tasks:       tasks,
		Generations: h.generations,
		Voices:      h.voiceStore,
		Blobs:       blobs,
		Ledger:      h.ledger,
		Gateways:    h.registry,
		Runner:      h.runner,
		IDs:         h.ids,
		Clock:       h.clock,
		Logger:      logger,
		MaxChars:    cfg.maxChars,
	})
	h.voices = app.NewVoiceService(app.VoiceConfig{
		Voices:   h.voiceStore,
		Tasks:    h.tasks,
		Blobs:    h.blobs,
		Ledger:   h.ledger,
		Gateways: h.registry,
		IDs:      h.ids,
		Clock:    h.clock,
		Logger:   logger,
	})
	return h
}

// grant gives actor credits under a unique key.
func (h *harness) grant(t *testing.T, actor string, amount int64) {
	t.Helper()
	_, err := h.ledger.Apply(context.Background(), ledger.ApplyRequest{
		Actor:          actor,
		Kind:           ledger.KindGrant,
		Operation:      ledger.OpPaidPurchase,
		Amount:         amount,
		ReferenceType:  ledger.RefSystem,
		ReferenceID:    "test",
		IdempotencyKey: "test:grant:" + h.ids.New(),
	})
	require.NoError(t, err)
}

func (h *harness) balance(t *testing.T, actor string) int64 {
	t.Helper()
	acct, err := h.ledgerStore.EnsureAccount(context.Background(), actor)
	require.NoError(t, err)
	return acct.Balance
}

func (h *harness) trials(t *testing.T, actor string, op ledger.Operation) int {
	t.Helper()
	acct, err := h.ledgerStore.EnsureAccount(context.Background(), actor)
	require.NoError(t, err)
	return acct.Trials[op]
}

// audit checks that the event log replays to the stored balance.
func (h *harness) audit(t *testing.T, actor string) {
	t.Helper()
	replayed, balance, err := h.ledger.Audit(context.Background(), actor)
	require.NoError(t, err)
	require.Equal(t, balance, replayed, "ledger replay")
}

// clonedVoice stores a modal-usable voice with reference audio.
func (h *harness) clonedVoice(t *testing.T, actor string) voice.Voice {
	t.Helper()
	ctx := context.Background()
	id := h.ids.New()
	v := voice.Voice{
		ID:                  id,
		Actor:               actor,
		Name:                "Narrator",
		Source:              voice.SourceUploaded,
		Provider:            provider.Modal,
		Language:            "English",
		ReferenceKey:        voice.ReferenceKey(actor, id),
		ReferenceTranscript: "The quick brown fox.",
		CreatedAt:           h.clock.Now(),
	}
	require.NoError(t, h.blobs.Put(ctx, v.ReferenceKey, []byte("RIFFreference"), "audio/wav"))
	require.NoError(t, h.voiceStore.Create(ctx, v))
	return v
}

func (h *harness) waitStatus(t *testing.T, taskID string, want task.Status) task.Task {
	t.Helper()
	var got task.Task
	require.Eventually(t, func() bool {
		cur, err := h.tasks.Get(context.Background(), taskID)
		if err != nil {
			return false
		}
		got = cur
		return cur.Status == want
	}, 5*time.Second, 10*time.Millisecond, "task %s never reached %s", taskID, want)
	return got
}

// -----------------------------------------------------------------------------
// Fake gateways
// -----------------------------------------------------------------------------

// fakeGateway is a scripted sync-background gateway.
type fakeGateway struct {
	name string
	mode provider.Mode

	mu        sync.Mutex
	submits   int
	submitErr error
	handle    provider.Handle
	artifact  provider.Artifact
	release   chan struct{} // when set, Submit blocks until closed
}

// newFakeSynth is a sync-background generate gateway on the modal provider.
func newFakeSynth() *fakeGateway {
	return &fakeGateway{
		name:     provider.Modal,
		mode:     provider.ModeSyncBackground,
		artifact: provider.Artifact{Data: []byte("RIFFgenerated"), ContentType: "audio/wav", Format: "wav"},
	}
}

func newFakeDesigner() *fakeGateway {
	return &fakeGateway{
		name:     provider.Modal,
		mode:     provider.ModeSyncBackground,
		artifact: provider.Artifact{Data: []byte("RIFFpreview"), ContentType: "audio/wav", Format: "wav"},
	}
}

func (g *fakeGateway) Name() string        { return g.name }
func (g *fakeGateway) Mode() provider.Mode { return g.mode }

func (g *fakeGateway) Submit(ctx context.Context, job provider.Job) (provider.Handle, error) {
	g.mu.Lock()
	g.submits++
	release, err, h := g.release, g.submitErr, g.handle
	g.mu.Unlock()
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return provider.Handle{}, &provider.Error{Category: provider.CategoryCancelled, Err: ctx.Err()}
		}
	}
	if err != nil {
		return provider.Handle{}, err
	}
	return h, nil
}

func (g *fakeGateway) Poll(ctx context.Context, h provider.Handle) (provider.PollResult, error) {
	return provider.PollResult{Status: provider.StatusCompleted, Ready: true}, nil
}

func (g *fakeGateway) FetchResult(ctx context.Context, h provider.Handle) (provider.Artifact, error) {
	return g.artifact, nil
}

func (g *fakeGateway) Cancel(ctx context.Context, h provider.Handle) error { return nil }

func (g *fakeGateway) submitCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.submits
}

// -----------------------------------------------------------------------------
// Store hooks
// -----------------------------------------------------------------------------

// hookedTasks runs beforeStart ahead of the first Start call.
type hookedTasks struct {
	ports.TaskStore

	once        sync.Once
	beforeStart func(id string)
}

func (s *hookedTasks) Start(ctx context.Context, id, jobHandle, providerStatus string, at time.Time) (bool, error) {
	s.once.Do(func() {
		if s.beforeStart != nil {
			s.beforeStart(id)
		}
	})
	return s.TaskStore.Start(ctx, id, jobHandle, providerStatus, at)
}

// hookedBlobs records uploads and runs a one-shot callback after the next one.
type hookedBlobs struct {
	ports.BlobStore

	mu       sync.Mutex
	afterPut func(key string)
	keys     []string
}

func (b *hookedBlobs) onNextPut(fn func(key string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.afterPut = fn
}

func (b *hookedBlobs) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if err := b.BlobStore.Put(ctx, key, data, contentType); err != nil {
		return err
	}
	b.mu.Lock()
	b.keys = append(b.keys, key)
	fn := b.afterPut
	b.afterPut = nil
	b.mu.Unlock()
	if fn != nil {
		fn(key)
	}
	return nil
}

func (b *hookedBlobs) uploaded() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.keys...)
}

type fakeEnroller struct {
	err  error
	seen []provider.Enrollment
}

func (e *fakeEnroller) Enroll(ctx context.Context, en provider.Enrollment) (provider.EnrolledVoice, error) {
	e.seen = append(e.seen, en)
	if e.err != nil {
		return provider.EnrolledVoice{}, e.err
	}
	return provider.EnrolledVoice{VoiceID: "qwen-tts-vc-narrator", TargetModel: "qwen3-tts-vc-realtime"}, nil
}

func requireKind(t *testing.T, err, kind error) {
	t.Helper()
	require.Error(t, err)
	require.True(t, errors.Is(err, kind), "error %v is not %v", err, kind)
}
