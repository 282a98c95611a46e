package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Counters for the delivery pipeline. Duplicate drops are the steady-state
// failure mode of the push channel, so they get their own reason label.
var (
	DedupeDrops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "storyweave_dedupe_drops_total",
		Help: "Messages dropped by the delivery reconciler, by reason.",
	}, []string{"reason"})

	PushEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "storyweave_push_events_total",
		Help: "Realtime events received from the push feed, by kind.",
	}, []string{"kind"})

	CatchupFetches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "storyweave_catchup_fetches_total",
		Help: "Catch-up fetches run by the push subscription manager, by result.",
	}, []string{"result"})

	StreamedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "storyweave_streamed_messages_total",
		Help: "Messages fully played back by the streaming player.",
	})
)

func init() {
	prometheus.MustRegister(DedupeDrops, PushEvents, CatchupFetches, StreamedMessages)
}
