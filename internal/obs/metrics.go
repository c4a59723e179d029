package obs

import "go.opentelemetry.io/otel/metric"

// Metrics holds the container-agent service's metric instruments.
type Metrics struct {
	TaskDuration      metric.Float64Histogram
	ActiveAgents      metric.Int64UpDownCounter
	TurnsTotal        metric.Int64Counter
	StreamEventsTotal metric.Int64Counter
	ConcurrencyRejects metric.Int64Counter
	RetriesTotal      metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TaskDuration, err = meter.Float64Histogram("claudorc.task.duration",
		metric.WithDescription("Task plan/execute phase duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveAgents, err = meter.Int64UpDownCounter("claudorc.agent.active",
		metric.WithDescription("Number of currently running container-agent execs"),
	)
	if err != nil {
		return nil, err
	}

	m.TurnsTotal, err = meter.Int64Counter("claudorc.agent.turns_total",
		metric.WithDescription("Total agent turns completed"),
	)
	if err != nil {
		return nil, err
	}

	m.StreamEventsTotal, err = meter.Int64Counter("claudorc.stream.events_total",
		metric.WithDescription("Total events published to durable streams"),
	)
	if err != nil {
		return nil, err
	}

	m.ConcurrencyRejects, err = meter.Int64Counter("claudorc.agent.concurrency_rejects_total",
		metric.WithDescription("StartAgent calls rejected by the per-project concurrency gate"),
	)
	if err != nil {
		return nil, err
	}

	m.RetriesTotal, err = meter.Int64Counter("claudorc.agent.retries_total",
		metric.WithDescription("Total automatic retries issued by the recovery policy"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
