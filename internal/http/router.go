package http

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/zanewnch/aiot-scheduler/internal/cache"
	"github.com/zanewnch/aiot-scheduler/internal/http/handlers"
	"github.com/zanewnch/aiot-scheduler/internal/http/middlewares"
	"github.com/zanewnch/aiot-scheduler/internal/kv"
	"github.com/zanewnch/aiot-scheduler/internal/observability"
)

type Deps struct {
	Env string

	Health        handlers.HealthSource
	Tasks         handlers.TasksStore
	Archive       handlers.ArchiveTrigger
	Cleanup       handlers.CleanupTrigger
	Coordinator   handlers.CoordinatorStatus
	Requeuer      handlers.FailedRequeuer
	Alerts        handlers.AlertSource
	Notifications handlers.NotificationEngine
	KV            *kv.Client

	Prom         *observability.Prom
	PromRegistry *prometheus.Registry
}

func NewRouter(deps Deps) *gin.Engine {
	if deps.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware("aiot-scheduler"))
	r.Use(middlewares.RequestID())
	r.Use(middlewares.RequestLogger())
	r.Use(middlewares.SecurityHeaders())
	r.Use(middlewares.CORSMiddleware([]string{
		"http://localhost:3000",
	}))
	r.Use(middlewares.RequireJSON())
	r.Use(middlewares.MaxBodyBytes(1 << 20))
	if deps.Prom != nil {
		r.Use(deps.Prom.GinHandleMiddleware())
	}

	healthHandler := handlers.NewHealthHandler(deps.Health)
	tasksHandler := handlers.NewTasksHandler(deps.Tasks)
	scheduleHandler := handlers.NewScheduleHandler(deps.Archive, deps.Cleanup, deps.Coordinator, deps.Requeuer)
	alertsHandler := handlers.NewAlertsHandler(deps.Alerts)
	notificationsHandler := handlers.NewNotificationsHandler(deps.Notifications, 3)
	metricsHandler := handlers.NewMetricsHandler(deps.KV, cache.New(5*time.Second))

	r.GET("/healthz", healthHandler.Healthz)
	r.GET("/health", healthHandler.Health)

	if deps.PromRegistry != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.PromRegistry, promhttp.HandlerOpts{})))
	}
	r.GET("/metrics/system", metricsHandler.System)
	r.GET("/metrics/tasks", metricsHandler.Tasks)

	// manual triggers get a tight rate limit
	triggerLimiter := middlewares.NewRateLimiter(10, time.Minute)

	schedule := r.Group("/schedule")
	{
		schedule.GET("/status", scheduleHandler.Status)
		schedule.POST("/trigger",
			triggerLimiter.RateLimiterMiddleware(middlewares.KeyByIP),
			scheduleHandler.Trigger)
		schedule.POST("/cleanup/trigger",
			triggerLimiter.RateLimiterMiddleware(middlewares.KeyByIP),
			scheduleHandler.TriggerCleanup)
	}

	tasks := r.Group("/archive-tasks")
	{
		tasks.GET("", tasksHandler.List)
		tasks.GET("/statistics", tasksHandler.Statistics)
		tasks.GET("/:id", tasksHandler.Get)
		tasks.DELETE("/:id", tasksHandler.Delete)
		tasks.POST("/retry-failed", scheduleHandler.RetryFailed)
	}

	alerts := r.Group("/alerts")
	{
		alerts.GET("", alertsHandler.List)
		alerts.POST("/:id/resolve", alertsHandler.Resolve)
	}

	notifications := r.Group("/notifications")
	{
		notifications.GET("/stats", notificationsHandler.Stats)
		notifications.GET("/history", notificationsHandler.History)
		notifications.GET("/health", notificationsHandler.ProviderHealth)
		notifications.POST("/test", notificationsHandler.TestSend)
	}

	return r
}
