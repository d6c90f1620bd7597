package events

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

// NewLogListener returns a listener that records every domain event as a
// structured log line.
func NewLogListener(logger *slog.Logger) Listener {
	logger = logger.With(slog.String("component", "domain_events"))
	return func(ctx context.Context, ev Event) {
		logger.InfoContext(ctx, "domain event",
			slog.String("event", ev.EventName()),
			slog.Time("occurred_at", ev.OccurredAt()),
			slog.Any("payload", ev))
	}
}

// NewMetricsListener returns a listener counting events by name, and the
// counter vector for registration with a Prometheus registry.
func NewMetricsListener() (Listener, *prometheus.CounterVec) {
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keygate",
		Name:      "domain_events_total",
		Help:      "Domain events published on the core event bus.",
	}, []string{"event"})
	listener := func(_ context.Context, ev Event) {
		counter.WithLabelValues(ev.EventName()).Inc()
	}
	return listener, counter
}
