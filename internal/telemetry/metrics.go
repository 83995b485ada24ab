package telemetry

import "github.com/prometheus/client_golang/prometheus"

var PresenceUpdatesAppliedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "consultease",
		Subsystem: "presence",
		Name:      "updates_applied_total",
		Help:      "Total number of faculty presence updates committed.",
	},
	[]string{"source"},
)

var PresenceUpdatesDeferredTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "consultease",
		Subsystem: "presence",
		Name:      "updates_deferred_total",
		Help:      "Total number of presence updates deferred due to persistence outage.",
	},
)

var PresenceUpdateRetriesTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "consultease",
		Subsystem: "presence",
		Name:      "update_retries_total",
		Help:      "Total number of transient-error retries during presence updates.",
	},
)

var ConsultationsByStatusTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "consultease",
		Subsystem: "consultation",
		Name:      "transitions_total",
		Help:      "Total number of consultation status transitions.",
	},
	[]string{"status"},
)

var ConsultationResponsesDroppedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "consultease",
		Subsystem: "consultation",
		Name:      "responses_dropped_total",
		Help:      "Total number of desk-unit responses dropped due to unknown message id.",
	},
)

var MQTTPublishedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "consultease",
		Subsystem: "mqtt",
		Name:      "published_total",
		Help:      "Total number of MQTT messages published, by critical/batched.",
	},
	[]string{"lane"},
)

var MQTTReconnectsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "consultease",
		Subsystem: "mqtt",
		Name:      "reconnects_total",
		Help:      "Total number of MQTT reconnect attempts.",
	},
)

var MQTTOfflineQueueEvictionsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "consultease",
		Subsystem: "mqtt",
		Name:      "offline_queue_evictions_total",
		Help:      "Total number of messages evicted from the offline queue while full.",
	},
)

var RouterDroppedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "consultease",
		Subsystem: "router",
		Name:      "dropped_total",
		Help:      "Total number of messages dropped by the router, by reason.",
	},
	[]string{"reason"},
)

var CacheLookupsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "consultease",
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Total number of cache lookups, by outcome.",
	},
	[]string{"outcome"},
)

var PersistenceRestartsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "consultease",
		Subsystem: "persistence",
		Name:      "restarts_total",
		Help:      "Total number of persistence engine restarts performed.",
	},
)

var ServiceRestartsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "consultease",
		Subsystem: "service",
		Name:      "restarts_total",
		Help:      "Total number of service restarts attempted by the System Coordinator.",
	},
	[]string{"service"},
)

// All returns every ConsultEase-specific metric for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		PresenceUpdatesAppliedTotal,
		PresenceUpdatesDeferredTotal,
		PresenceUpdateRetriesTotal,
		ConsultationsByStatusTotal,
		ConsultationResponsesDroppedTotal,
		MQTTPublishedTotal,
		MQTTReconnectsTotal,
		MQTTOfflineQueueEvictionsTotal,
		RouterDroppedTotal,
		CacheLookupsTotal,
		PersistenceRestartsTotal,
		ServiceRestartsTotal,
	}
}

// NewRegistry creates a Prometheus registry with Go/process collectors
// plus the given ConsultEase-specific collectors.
func NewRegistry(collectors ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	for _, c := range collectors {
		reg.MustRegister(c)
	}
	return reg
}
