package app

import (
	"time"

	"github.com/artpar/utter/ports"
)

// NopMetrics discards every measurement.
type NopMetrics struct{}

func (NopMetrics) RateLimitDecision(string, bool)                     {}
func (NopMetrics) RateLimiterDegraded(string, bool)                   {}
func (NopMetrics) LedgerApplied(string, string)                       {}
func (NopMetrics) TaskFinished(string, string)                        {}
func (NopMetrics) ProviderCall(string, string, time.Duration, string) {}
func (NopMetrics) WebhookEvent(string)                                {}
func (NopMetrics) RunnerQueueDepth(int)                               {}

var _ ports.Metrics = NopMetrics{}

func orNop(m ports.Metrics) ports.Metrics {
	if m == nil {
		return NopMetrics{}
	}
	return m
}
