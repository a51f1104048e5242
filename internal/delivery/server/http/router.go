package http

import (
	"context"
	"net/http"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"foreman/internal/app/coordinator"
	"foreman/internal/app/lifecycle"
	"foreman/internal/app/recovery"
	"foreman/internal/app/status"
	recoverydomain "foreman/internal/domain/recovery"
	"foreman/internal/domain/task"
	"foreman/internal/domain/worker"
	"foreman/internal/shared/logging"
)

// Router is the coordinator surface the handlers call.
type Router interface {
	RouteTask(ctx context.Context, taskID string, strategy coordinator.Strategy) (coordinator.RouteResult, error)
	CompleteTask(ctx context.Context, taskID, workerID string, success bool, cost float64) (*worker.Worker, error)
	ClaimNext(ctx context.Context, workerID string) (*task.Task, error)
}

// Lifecycle is the plan and gate surface the handlers call.
type Lifecycle interface {
	SubmitPlan(ctx context.Context, taskID string, plan *task.Plan, submittedBy string) (lifecycle.SubmitResult, error)
	ReviewPlan(ctx context.Context, taskID string, approved bool, feedback, reviewer string) (*task.Task, error)
	AdvanceTask(ctx context.Context, taskID string) (lifecycle.AdvanceResult, error)
}

// Recovery is the failure and dead-letter surface the handlers call.
type Recovery interface {
	HandleTaskFailure(ctx context.Context, taskID, reason string) (recovery.FailureResult, error)
	RetryDlqItem(ctx context.Context, dlqID string) (*recoverydomain.DLQEntry, error)
	ResolveDlqItem(ctx context.Context, dlqID, notes, by string) (*recoverydomain.DLQEntry, error)
	AbandonDlqItem(ctx context.Context, dlqID, notes, by string) (*recoverydomain.DLQEntry, error)
	ResolveEscalation(ctx context.Context, escalationID, resolution, by string) (*recoverydomain.Escalation, error)
}

// RouterDeps wires the handlers to the running services.
type RouterDeps struct {
	Status      *status.Reader
	Tasks       task.Store
	Workers     worker.Store
	Coordinator Router
	Lifecycle   Lifecycle
	Recovery    Recovery

	// Ready reports whether the process can serve traffic.
	Ready func(ctx context.Context) error
	// Degraded lists optional components that failed to start.
	Degraded func() map[string]string
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
	// Origins enables CORS for browser dashboards; empty disables it.
	Origins []string

	Logger logging.Logger
}

type handler struct {
	deps   RouterDeps
	logger logging.Logger
}

// NewRouter builds the gin engine serving probes, metrics and the v1 API.
func NewRouter(deps RouterDeps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	logger := logging.OrNop(deps.Logger)
	h := &handler{deps: deps, logger: logger}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(logger))
	if len(deps.Origins) > 0 {
		r.Use(cors.New(corsConfig(deps.Origins)))
	}

	r.GET("/healthz", h.health)
	r.GET("/readyz", h.ready)

	metrics := promhttp.Handler()
	if deps.Gatherer != nil {
		metrics = promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})
	}
	r.GET("/metrics", gin.WrapH(metrics))

	v1 := r.Group("/v1")
	v1.GET("/status", h.status)

	tasks := v1.Group("/tasks")
	tasks.POST("", h.createTask)
	tasks.GET("", h.listTasks)
	tasks.GET("/:id", h.getTask)
	tasks.POST("/:id/route", h.routeTask)
	tasks.POST("/:id/advance", h.advanceTask)
	tasks.POST("/:id/report", h.reportTask)
	tasks.POST("/:id/plan", h.submitPlan)
	tasks.POST("/:id/plan/review", h.reviewPlan)

	workers := v1.Group("/workers")
	workers.POST("", h.registerWorker)
	workers.GET("", h.listWorkers)
	workers.POST("/:id/heartbeat", h.heartbeat)
	workers.POST("/:id/claim", h.claim)

	dlq := v1.Group("/dlq")
	dlq.GET("", h.listDLQ)
	dlq.POST("/:id/retry", h.retryDLQ)
	dlq.POST("/:id/resolve", h.closeDLQ(true))
	dlq.POST("/:id/abandon", h.closeDLQ(false))

	esc := v1.Group("/escalations")
	esc.GET("", h.listEscalations)
	esc.POST("/:id/resolve", h.resolveEscalation)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
	return r
}

func corsConfig(origins []string) cors.Config {
	c := cors.DefaultConfig()
	if slices.Contains(origins, "*") {
		c.AllowAllOrigins = true
	} else {
		c.AllowOrigins = origins
	}
	c.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	c.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", requestIDHeader}
	c.ExposeHeaders = []string{requestIDHeader}
	c.MaxAge = 12 * time.Hour
	return c
}
