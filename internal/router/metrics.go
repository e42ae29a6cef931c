package router

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/anamnesos/hivemind/internal/log"
	"github.com/anamnesos/hivemind/internal/telemetry"
)

// metricsCap bounds the rolling event ledger (spec §4.5: "capped ~2000
// events").
const metricsCap = 2000

// MetricEvent is one entry in the rolling ledger.
type MetricEvent struct {
	Kind      string // sent | delivered | failed | timedOut | skipped_duplicate
	Mode      string // interactive | exec
	PaneID    string
	At        time.Time
	LatencyMS int64 // only meaningful for "delivered"
}

// Counters is the read-only rolling summary exposed to operators/CLI.
type Counters struct {
	Sent             int
	Delivered        int
	Failed           int
	TimedOut         int
	SkippedDuplicate int
}

// Metrics is the Router's rolling ledger (spec §4.5), additionally
// exported as otel counters (SPEC_FULL.md domain-stack: "a counter-based
// view of the Router's metrics ledger").
type Metrics struct {
	mu     sync.Mutex
	events []MetricEvent
	counts Counters

	dispatchCounter metric.Int64Counter
}

// NewMetrics constructs an empty ledger and registers its otel counter.
// Instrument-creation errors are logged and otherwise ignored: the
// in-memory ledger (Snapshot/RecentEvents) is the source of truth the rest
// of the runtime reads from; the otel view is an additive export.
func NewMetrics() *Metrics {
	m := &Metrics{}
	c, err := telemetry.Meter().Int64Counter(
		"hivemind.router.dispatch",
		metric.WithDescription("Router dispatch outcomes by kind and mode (spec §4.5 ledger)"),
	)
	if err != nil {
		log.ErrorErr(log.CatRouter, "creating router dispatch counter failed", err)
	}
	m.dispatchCounter = c
	return m
}

func (m *Metrics) record(ev MetricEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.events = append(m.events, ev)
	if len(m.events) > metricsCap {
		// Drop the oldest entries; this is a rolling ledger, not an archive.
		m.events = m.events[len(m.events)-metricsCap:]
	}

	switch ev.Kind {
	case "sent":
		m.counts.Sent++
	case "delivered":
		m.counts.Delivered++
	case "failed":
		m.counts.Failed++
	case "timedOut":
		m.counts.TimedOut++
	case "skipped_duplicate":
		m.counts.SkippedDuplicate++
	}

	if m.dispatchCounter != nil {
		m.dispatchCounter.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("kind", ev.Kind), attribute.String("mode", ev.Mode)))
	}
}

// Snapshot returns the current counters.
func (m *Metrics) Snapshot() Counters {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts
}

// RecentEvents returns a copy of the ledger's current contents, oldest first.
func (m *Metrics) RecentEvents() []MetricEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MetricEvent, len(m.events))
	copy(out, m.events)
	return out
}
