package runtime

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Process-wide counters, served from /metrics by the default registry.
var (
	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "satlog_http_requests_total",
		Help: "HTTP requests by method, route and status.",
	}, []string{"method", "path", "status"})

	EventsProduced = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "satlog_events_produced_total",
		Help: "Events submitted to the event log by result.",
	}, []string{"result"})

	EventsConsumed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "satlog_events_consumed_total",
		Help: "Messages handled by the ingest consumer by result.",
	}, []string{"result"})

	ProjectionIssues = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "satlog_projection_issues_total",
		Help: "Projection issues recorded by kind.",
	}, []string{"kind"})

	Replays = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "satlog_replays_total",
		Help: "Workspace replays by result.",
	}, []string{"result"})

	SyncRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "satlog_sync_runs_total",
		Help: "Memory sync runs by result.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(HTTPRequests, EventsProduced, EventsConsumed, ProjectionIssues, Replays, SyncRuns)
}
