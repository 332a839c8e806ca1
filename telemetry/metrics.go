package telemetry

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the sync core's metric instruments.
type Metrics struct {
	FramesReceived   metric.Int64Counter
	MalformedFrames  metric.Int64Counter
	Reconnects       metric.Int64Counter
	DegradedEntries  metric.Int64Counter
	PollRefreshes    metric.Int64Counter
	PollSkips        metric.Int64Counter
	PollDuration     metric.Float64Histogram
	SnapshotsApplied metric.Int64Counter
	StaleRejected    metric.Int64Counter
	RefillCommands   metric.Int64Counter
	Commands         metric.Int64Counter
	CommandRejects   metric.Int64Counter
}

// NewMetrics creates all instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.FramesReceived, err = meter.Int64Counter("mcps.sync.frames.received",
		metric.WithDescription("Push frames received"),
	)
	if err != nil {
		return nil, err
	}

	m.MalformedFrames, err = meter.Int64Counter("mcps.sync.frames.malformed",
		metric.WithDescription("Push frames dropped as malformed"),
	)
	if err != nil {
		return nil, err
	}

	m.Reconnects, err = meter.Int64Counter("mcps.sync.reconnects",
		metric.WithDescription("Reconnect attempts scheduled"),
	)
	if err != nil {
		return nil, err
	}

	m.DegradedEntries, err = meter.Int64Counter("mcps.sync.degraded",
		metric.WithDescription("Transitions into degraded (polling) mode"),
	)
	if err != nil {
		return nil, err
	}

	m.PollRefreshes, err = meter.Int64Counter("mcps.sync.poll.refreshes",
		metric.WithDescription("Poll refresh requests issued"),
	)
	if err != nil {
		return nil, err
	}

	m.PollSkips, err = meter.Int64Counter("mcps.sync.poll.skips",
		metric.WithDescription("Poll ticks skipped because the previous refresh was in flight"),
	)
	if err != nil {
		return nil, err
	}

	m.PollDuration, err = meter.Float64Histogram("mcps.sync.poll.duration",
		metric.WithDescription("Poll refresh duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SnapshotsApplied, err = meter.Int64Counter("mcps.sync.snapshots.applied",
		metric.WithDescription("Snapshots committed to the store"),
	)
	if err != nil {
		return nil, err
	}

	m.StaleRejected, err = meter.Int64Counter("mcps.sync.snapshots.stale",
		metric.WithDescription("Updates rejected as stale"),
	)
	if err != nil {
		return nil, err
	}

	m.RefillCommands, err = meter.Int64Counter("mcps.sync.pool.refills",
		metric.WithDescription("Pool refill commands issued"),
	)
	if err != nil {
		return nil, err
	}

	m.Commands, err = meter.Int64Counter("mcps.sync.commands",
		metric.WithDescription("Lifecycle commands forwarded to the backend"),
	)
	if err != nil {
		return nil, err
	}

	m.CommandRejects, err = meter.Int64Counter("mcps.sync.commands.rejected",
		metric.WithDescription("Lifecycle commands rejected locally as no-ops"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Nop returns an instrument set backed by the no-op meter. Components use
// it when no provider is configured so call sites never nil-check.
func Nop() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	return m
}
