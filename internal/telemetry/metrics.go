package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quizwire",
		Name:      "events_published_total",
		Help:      "Envelopes published on the pub/sub substrate, by kind.",
	}, []string{"kind"})

	PublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quizwire",
		Name:      "publish_failures_total",
		Help:      "Envelope publishes that failed on the transport, by kind.",
	}, []string{"kind"})

	ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "quizwire",
		Name:      "active_subscriptions",
		Help:      "Currently registered fanout subscriptions.",
	})

	DroppedSubscribers = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quizwire",
		Name:      "dropped_subscribers_total",
		Help:      "Subscriptions torn down because the sink could not keep up.",
	})

	ActiveTimers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "quizwire",
		Name:      "active_timers",
		Help:      "Question timers currently in the RUNNING state.",
	})

	TimerExpirations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quizwire",
		Name:      "timer_expirations_total",
		Help:      "Question timers that reached their budget and fired.",
	})

	ProgressionRaces = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quizwire",
		Name:      "progression_races_total",
		Help:      "Progression attempts that lost the per-question claim and no-oped.",
	})
)
