package telemetry

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/victornm/couplequiz/internal/domain"
	"github.com/victornm/couplequiz/internal/event"
)

const namespace = "couplequiz"

var (
	sessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_total",
		Help:      "Number of sessions by lifecycle event.",
	}, []string{"event"})

	// AnswersTotal counts accepted answers by stage.
	AnswersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "answers_total",
		Help:      "Number of accepted answers.",
	}, []string{"stage"})

	// RoomsActive is the number of session rooms held in memory.
	RoomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "rooms_active",
		Help:      "Number of session rooms held in memory.",
	})

	// ConnectionsActive is the number of realtime connections joined to a room.
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections_active",
		Help:      "Number of realtime connections joined to a room.",
	})

	// PersistFailuresTotal counts session writes that failed and were left to the next write to reconcile.
	PersistFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "persist_failures_total",
		Help:      "Number of failed session writes.",
	})
)

// CountSessions keeps the session counters up to date from the event bus.
func CountSessions(eb *event.Bus) {
	for _, name := range []string{
		domain.EventNameSessionCreated,
		domain.EventNameSessionFinished,
		domain.EventNameSessionCancelled,
	} {
		eb.Subscribe(name, func(_ context.Context, e event.Event) error {
			sessionsTotal.WithLabelValues(e.Name()).Inc()
			return nil
		})
	}
}
