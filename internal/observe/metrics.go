// Package observe holds the agent's OpenTelemetry instruments and the
// Prometheus scrape endpoint. Tests should build their own Metrics with
// NewMetrics and a private MeterProvider.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "pearlbot.ai"

// Metrics is safe for concurrent use.
type Metrics struct {
	// TrackerTransitions counts tracker state changes, by "kind".
	TrackerTransitions metric.Int64Counter
	// RetrievalTransitions counts coordinator mode changes, by "to" and "reason".
	RetrievalTransitions metric.Int64Counter
	// MalformedEvents counts world events dropped by ingest.
	MalformedEvents metric.Int64Counter
	// TrackedPearls is the number of live trajectory records.
	TrackedPearls metric.Int64UpDownCounter
	// ActiveAgents is the number of connected agents in this process.
	ActiveAgents metric.Int64UpDownCounter
	// NavigationDuration is the time from claim to navigation outcome, by "outcome".
	NavigationDuration metric.Float64Histogram
	// ChildExits counts supervised processes that exited, by "status".
	ChildExits metric.Int64Counter
}

var navBuckets = []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120}

func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.TrackerTransitions, err = m.Int64Counter("pearlbot.tracker.transitions",
		metric.WithDescription("Trajectory record state changes."),
	); err != nil {
		return nil, err
	}
	if met.RetrievalTransitions, err = m.Int64Counter("pearlbot.retrieval.transitions",
		metric.WithDescription("Retrieval coordinator mode changes."),
	); err != nil {
		return nil, err
	}
	if met.MalformedEvents, err = m.Int64Counter("pearlbot.ingest.malformed",
		metric.WithDescription("World events dropped as malformed."),
	); err != nil {
		return nil, err
	}
	if met.TrackedPearls, err = m.Int64UpDownCounter("pearlbot.tracker.records",
		metric.WithDescription("Live trajectory records."),
	); err != nil {
		return nil, err
	}
	if met.ActiveAgents, err = m.Int64UpDownCounter("pearlbot.agents.active",
		metric.WithDescription("Connected agents."),
	); err != nil {
		return nil, err
	}
	if met.NavigationDuration, err = m.Float64Histogram("pearlbot.navigation.duration",
		metric.WithDescription("Time spent travelling to a claimed pearl."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(navBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ChildExits, err = m.Int64Counter("pearlbot.supervisor.child_exits",
		metric.WithDescription("Supervised agent processes that exited."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// DefaultMetrics lazily builds Metrics on the global MeterProvider.
func DefaultMetrics() *Metrics {
	defaultOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

func (m *Metrics) RecordTrackerTransition(ctx context.Context, kind string) {
	m.TrackerTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	switch kind {
	case "spawned":
		m.TrackedPearls.Add(ctx, 1)
	case "purged":
		m.TrackedPearls.Add(ctx, -1)
	}
}

func (m *Metrics) RecordRetrievalTransition(ctx context.Context, to, reason string) {
	m.RetrievalTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("to", to),
		attribute.String("reason", reason),
	))
}

func (m *Metrics) RecordNavigation(ctx context.Context, outcome string, seconds float64) {
	m.NavigationDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) RecordChildExit(ctx context.Context, status string) {
	m.ChildExits.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
