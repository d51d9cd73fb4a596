package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

type Prom struct {
	RequestsTotal    *prometheus.CounterVec
	RequestsDuration *prometheus.HistogramVec
	InFlight         *prometheus.GaugeVec

	// DB
	DbQueryDuration *prometheus.HistogramVec
	DbErrorsTotal   *prometheus.CounterVec

	// Scheduler
	TasksPublished   *prometheus.CounterVec
	ResultsProcessed *prometheus.CounterVec
	SweepActions     *prometheus.CounterVec
	BrokerReconnects prometheus.Counter
	PublishFailures  *prometheus.CounterVec

	// Notifications
	NotificationsSent *prometheus.CounterVec
	AlertsActive      prometheus.Gauge
}

func NewProm(reg prometheus.Registerer) *Prom {
	p := &Prom{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "aiot",
				Name:      "http_requests_total",
				Help:      "Total HTTP requests processed",
			},
			[]string{"method", "route", "status"},
		),
		RequestsDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "aiot",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency distributions.",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"method", "route", "status"},
		),
		InFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "aiot",
				Name:      "http_in_flight_requests",
				Help:      "Current number of in-flight HTTP requests.",
			},
			[]string{"method", "route"},
		),
		DbQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "aiot",
				Subsystem: "db",
				Name:      "query_duration_seconds",
				Help:      "DB operation latency (logical op, not raw SQL)",
				Buckets:   []float64{0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.35, 0.5, 1, 2, 5},
			},
			[]string{"op", "status"},
		),
		DbErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "aiot",
				Subsystem: "db",
				Name:      "errors_total",
				Help:      "DB errors by logical op and class.",
			},
			[]string{"op", "class"},
		),

		TasksPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "aiot",
				Subsystem: "scheduler",
				Name:      "tasks_published_total",
				Help:      "Task messages published by job type and trigger (cron|manual|retry).",
			},
			[]string{"job_type", "trigger"},
		),
		ResultsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "aiot",
				Subsystem: "scheduler",
				Name:      "results_processed_total",
				Help:      "Result messages consumed by outcome.",
			},
			[]string{"status", "outcome"}, // outcome=applied|ignored|orphan
		),
		SweepActions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "aiot",
				Subsystem: "scheduler",
				Name:      "sweep_actions_total",
				Help:      "Monitor sweep actions by kind (timeout|retry) and result.",
			},
			[]string{"kind", "result"},
		),
		BrokerReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "aiot",
				Subsystem: "broker",
				Name:      "reconnects_total",
				Help:      "Successful broker reconnect cycles.",
			},
		),
		PublishFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "aiot",
				Subsystem: "broker",
				Name:      "publish_failures_total",
				Help:      "Failed publishes by routing key and reason.",
			},
			[]string{"routing_key", "reason"},
		),

		NotificationsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "aiot",
				Subsystem: "notify",
				Name:      "sent_total",
				Help:      "Notification delivery attempts by channel and result.",
			},
			[]string{"channel", "result"},
		),
		AlertsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "aiot",
				Subsystem: "monitoring",
				Name:      "alerts_active",
				Help:      "Currently unresolved alerts.",
			},
		),
	}

	reg.MustRegister(
		p.RequestsTotal, p.RequestsDuration, p.InFlight,
		p.DbQueryDuration, p.DbErrorsTotal,
		p.TasksPublished, p.ResultsProcessed, p.SweepActions,
		p.BrokerReconnects, p.PublishFailures,
		p.NotificationsSent, p.AlertsActive,
	)

	return p
}

func (p *Prom) GinHandleMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()

		// route template is only available after routing; best effort:
		route := ctx.FullPath()

		if route == "" {
			route = "unmatched"
		}

		method := ctx.Request.Method
		p.InFlight.WithLabelValues(method, route).Inc()
		defer p.InFlight.WithLabelValues(method, route).Dec()
		ctx.Next()

		status := strconv.Itoa(ctx.Writer.Status())
		secs := time.Since(start).Seconds()

		p.RequestsTotal.WithLabelValues(method, route, status).Inc()
		p.RequestsDuration.WithLabelValues(method, route, status).Observe(secs)
	}
}
