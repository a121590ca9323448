package chat

import "github.com/prometheus/client_golang/prometheus"

var (
	ConnectedSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_connected_sessions",
		Help: "Number of sessions currently held by the registry",
	})

	AuthenticatedSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_authenticated_sessions",
		Help: "Number of sessions that completed login",
	})

	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_total",
		Help: "Total registry operations processed by type",
	}, []string{"type"})

	LoginsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_logins_total",
		Help: "Login attempts by result",
	}, []string{"result"})

	DroppedLines = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_dropped_lines_total",
		Help: "Outbound lines dropped because a session queue was full or closed",
	})

	EventProcessingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chat_event_processing_seconds",
		Help:    "Time to process each registry operation",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(ConnectedSessions)
	prometheus.MustRegister(AuthenticatedSessions)
	prometheus.MustRegister(MessagesTotal)
	prometheus.MustRegister(LoginsTotal)
	prometheus.MustRegister(DroppedLines)
	prometheus.MustRegister(EventProcessingDuration)
}
