// Package tts selects the provider gateway for a task.
package tts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/artpar/utter/domain/provider"
	"github.com/artpar/utter/domain/task"
	"github.com/artpar/utter/ports"
)

type gatewayKey struct {
	provider string
	typ      task.Type
}

// Registry maps (provider, task type) to a gateway.
type Registry struct {
	mu        sync.RWMutex
	active    string
	gateways  map[gatewayKey]ports.ProviderGateway
	enrollers map[string]ports.VoiceEnroller
}

var _ ports.GatewayResolver = (*Registry)(nil)

// NewRegistry creates a registry whose new tasks run on active.
func NewRegistry(active string) *Registry {
	return &Registry{
		active:    active,
		gateways:  make(map[gatewayKey]ports.ProviderGateway),
		enrollers: make(map[string]ports.VoiceEnroller),
	}
}

// Register binds a gateway to a task type. The provider name comes from the gateway.
func (r *Registry) Register(typ task.Type, g ports.ProviderGateway) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gateways[gatewayKey{g.Name(), typ}] = g
}

// RegisterEnroller binds a voice enroller to a provider.
func (r *Registry) RegisterEnroller(providerName string, e ports.VoiceEnroller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enrollers[providerName] = e
}

// Active returns the provider new tasks are created on.
func (r *Registry) Active() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Gateway returns the gateway for a task type on a provider.
// Existing tasks resolve by their stored provider, not the active one.
func (r *Registry) Gateway(providerName string, typ task.Type) (ports.ProviderGateway, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.gateways[gatewayKey{providerName, typ}]
	return g, ok
}

// Enroller returns the voice enroller of a provider, if it has one.
func (r *Registry) Enroller(providerName string) (ports.VoiceEnroller, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.enrollers[providerName]
	return e, ok
}

// Validate checks that the active provider can run every task type.
func (r *Registry) Validate() error {
	for _, typ := range []task.Type{task.TypeGenerate, task.TypeDesignPreview} {
		if _, ok := r.Gateway(r.Active(), typ); !ok {
			return fmt.Errorf("tts: provider %q has no %s gateway", r.Active(), typ)
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Instrumentation
// -----------------------------------------------------------------------------

// Instrument wraps g so every call is timed and classified.
func Instrument(g ports.ProviderGateway, m ports.Metrics) ports.ProviderGateway {
	if m == nil {
		return g
	}
	return &instrumented{ProviderGateway: g, metrics: m}
}

type instrumented struct {
	ports.ProviderGateway
	metrics ports.Metrics
}

func (i *instrumented) observe(call string, start time.Time, err error) {
	category := ""
	if err != nil && !errors.Is(err, provider.ErrNotReady) {
		category = string(provider.Normalize(err).Category)
	}
	i.metrics.ProviderCall(i.Name(), call, time.Since(start), category)
}

func (i *instrumented) Submit(ctx context.Context, job provider.Job) (provider.Handle, error) {
	start := time.Now()
	h, err := i.ProviderGateway.Submit(ctx, job)
	i.observe("submit", start, err)
	return h, err
}

func (i *instrumented) Poll(ctx context.Context, h provider.Handle) (provider.PollResult, error) {
	start := time.Now()
	p, err := i.ProviderGateway.Poll(ctx, h)
	i.observe("poll", start, err)
	return p, err
}

func (i *instrumented) FetchResult(ctx context.Context, h provider.Handle) (provider.Artifact, error) {
	start := time.Now()
	a, err := i.ProviderGateway.FetchResult(ctx, h)
	i.observe("fetch", start, err)
	return a, err
}

func (i *instrumented) Cancel(ctx context.Context, h provider.Handle) error {
	start := time.Now()
	err := i.ProviderGateway.Cancel(ctx, h)
	i.observe("cancel", start, err)
	return err
}
