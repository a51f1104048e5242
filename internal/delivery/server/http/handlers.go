package http

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"foreman/internal/app/coordinator"
	"foreman/internal/app/lifecycle"
	"foreman/internal/app/recovery"
	recoverydomain "foreman/internal/domain/recovery"
	"foreman/internal/domain/storage"
	"foreman/internal/domain/task"
	"foreman/internal/domain/worker"
	id "foreman/internal/shared/utils/id"
)

func (h *handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handler) ready(c *gin.Context) {
	body := gin.H{"status": "ready"}
	if h.deps.Degraded != nil {
		if degraded := h.deps.Degraded(); len(degraded) > 0 {
			body["degraded"] = degraded
		}
	}
	if h.deps.Ready != nil {
		if err := h.deps.Ready(c.Request.Context()); err != nil {
			body["status"] = "unavailable"
			body["error"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
	}
	c.JSON(http.StatusOK, body)
}

func (h *handler) status(c *gin.Context) {
	snap, err := h.deps.Status.Snapshot(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

type createTaskRequest struct {
	ID                   string         `json:"id"`
	Title                string         `json:"title"`
	Description          string         `json:"description"`
	TaskType             string         `json:"task_type"`
	Priority             int            `json:"priority"`
	RequiredCapabilities []string       `json:"required_capabilities"`
	PreferredWorker      string         `json:"preferred_worker"`
	VerificationChain    []task.Gate    `json:"verification_chain"`
	Metadata             map[string]any `json:"metadata"`
}

func (h *handler) createTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid task body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		badRequest(c, "title is required")
		return
	}
	t := &task.Task{
		ID:                   strings.TrimSpace(req.ID),
		Title:                strings.TrimSpace(req.Title),
		Description:          req.Description,
		TaskType:             req.TaskType,
		Status:               task.StatusPending,
		Stage:                task.StageUnset,
		Priority:             req.Priority,
		RequiredCapabilities: req.RequiredCapabilities,
		PreferredWorker:      req.PreferredWorker,
		VerificationChain:    req.VerificationChain,
		Metadata:             req.Metadata,
	}
	if t.ID == "" {
		t.ID = id.NewTaskID()
	}
	if len(t.VerificationChain) > 0 {
		t.CurrentGate = t.VerificationChain[0].ID()
	}
	if err := h.deps.Tasks.Create(c.Request.Context(), t); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

func (h *handler) listTasks(c *gin.Context) {
	f := task.Filter{
		AssignedWorker: c.Query("worker"),
		Limit:          queryInt(c, "limit", 100),
		Offset:         queryInt(c, "offset", 0),
	}
	for _, s := range queryList(c, "status") {
		f.Statuses = append(f.Statuses, task.Status(s))
	}
	for _, s := range queryList(c, "stage") {
		f.Stages = append(f.Stages, task.Stage(s))
	}
	tasks, err := h.deps.Status.Tasks(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (h *handler) getTask(c *gin.Context) {
	detail, err := h.deps.Status.Task(c.Request.Context(), c.Param("id"), queryInt(c, "transitions", 20))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

type routeRequest struct {
	Strategy string `json:"strategy"`
}

func (h *handler) routeTask(c *gin.Context) {
	var req routeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid route body: "+err.Error())
			return
		}
	}
	var strategy coordinator.Strategy
	if req.Strategy != "" {
		parsed, err := coordinator.ParseStrategy(req.Strategy)
		if err != nil {
			badRequest(c, err.Error())
			return
		}
		strategy = parsed
	}
	res, err := h.deps.Coordinator.RouteTask(c.Request.Context(), c.Param("id"), strategy)
	if err != nil {
		if errors.Is(err, coordinator.ErrRouteFailed) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "result": res})
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *handler) advanceTask(c *gin.Context) {
	res, err := h.deps.Lifecycle.AdvanceTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type reportRequest struct {
	WorkerID string  `json:"worker_id" binding:"required"`
	Success  bool    `json:"success"`
	Cost     float64 `json:"cost"`
	Reason   string  `json:"reason"`
}

type reportResponse struct {
	Worker  *worker.Worker           `json:"worker"`
	Advance *lifecycle.AdvanceResult `json:"advance,omitempty"`
	Failure *recovery.FailureResult  `json:"failure,omitempty"`
}

// reportTask returns the worker's slot, then either evaluates the task's
// gates or records the failed attempt.
func (h *handler) reportTask(c *gin.Context) {
	var req reportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid report body: "+err.Error())
		return
	}
	ctx := c.Request.Context()
	taskID := c.Param("id")
	w, err := h.deps.Coordinator.CompleteTask(ctx, taskID, req.WorkerID, req.Success, req.Cost)
	if err != nil {
		writeError(c, err)
		return
	}
	resp := reportResponse{Worker: w}
	if req.Success {
		adv, err := h.deps.Lifecycle.AdvanceTask(ctx, taskID)
		if err != nil {
			writeError(c, err)
			return
		}
		resp.Advance = &adv
	} else {
		reason := strings.TrimSpace(req.Reason)
		if reason == "" {
			reason = "worker " + req.WorkerID + " reported failure"
		}
		fr, err := h.deps.Recovery.HandleTaskFailure(ctx, taskID, reason)
		if err != nil {
			writeError(c, err)
			return
		}
		resp.Failure = &fr
	}
	c.JSON(http.StatusOK, resp)
}

type submitPlanRequest struct {
	SubmittedBy string    `json:"submitted_by"`
	Plan        task.Plan `json:"plan"`
}

func (h *handler) submitPlan(c *gin.Context) {
	var req submitPlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid plan body: "+err.Error())
		return
	}
	res, err := h.deps.Lifecycle.SubmitPlan(c.Request.Context(), c.Param("id"), &req.Plan, req.SubmittedBy)
	if err != nil {
		if errors.Is(err, task.ErrInvalidPlan) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "validation": res.Validation})
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type reviewPlanRequest struct {
	Approved *bool  `json:"approved" binding:"required"`
	Feedback string `json:"feedback"`
	Reviewer string `json:"reviewer"`
}

func (h *handler) reviewPlan(c *gin.Context) {
	var req reviewPlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid review body: "+err.Error())
		return
	}
	t, err := h.deps.Lifecycle.ReviewPlan(c.Request.Context(), c.Param("id"), *req.Approved, req.Feedback, req.Reviewer)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

type registerWorkerRequest struct {
	ID                 string         `json:"worker_id"`
	Role               string         `json:"role"`
	Capabilities       []string       `json:"capabilities"`
	MaxConcurrentTasks int            `json:"max_concurrent_tasks"`
	Metadata           map[string]any `json:"metadata"`
}

func (h *handler) registerWorker(c *gin.Context) {
	var req registerWorkerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid worker body: "+err.Error())
		return
	}
	w := &worker.Worker{
		ID:                 strings.TrimSpace(req.ID),
		Role:               req.Role,
		Capabilities:       req.Capabilities,
		MaxConcurrentTasks: req.MaxConcurrentTasks,
		Metadata:           req.Metadata,
	}
	if w.ID == "" {
		w.ID = id.NewWorkerID()
	}
	if w.MaxConcurrentTasks <= 0 {
		w.MaxConcurrentTasks = 1
	}
	ctx := c.Request.Context()
	if err := h.deps.Workers.Register(ctx, w); err != nil {
		writeError(c, err)
		return
	}
	stored, err := h.deps.Workers.Get(ctx, w.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, stored)
}

func (h *handler) listWorkers(c *gin.Context) {
	var f worker.Filter
	for _, s := range queryList(c, "status") {
		f.Statuses = append(f.Statuses, worker.Status(s))
	}
	ws, err := h.deps.Status.Workers(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workers": ws})
}

func (h *handler) heartbeat(c *gin.Context) {
	if err := h.deps.Workers.Heartbeat(c.Request.Context(), c.Param("id"), time.Now()); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// claim answers 204 when nothing is claimable.
func (h *handler) claim(c *gin.Context) {
	ctx := c.Request.Context()
	workerID := c.Param("id")
	if _, err := h.deps.Workers.Get(ctx, workerID); err != nil {
		writeError(c, err)
		return
	}
	t, err := h.deps.Coordinator.ClaimNext(ctx, workerID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.Status(http.StatusNoContent)
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *handler) listDLQ(c *gin.Context) {
	f := recoverydomain.DLQFilter{TaskID: c.Query("task"), Limit: queryInt(c, "limit", 100)}
	for _, s := range queryList(c, "status") {
		f.Statuses = append(f.Statuses, recoverydomain.DLQStatus(s))
	}
	entries, err := h.deps.Status.DLQ(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (h *handler) retryDLQ(c *gin.Context) {
	entry, err := h.deps.Recovery.RetryDlqItem(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

type closeRequest struct {
	Notes string `json:"notes"`
	By    string `json:"by"`
}

func (h *handler) closeDLQ(resolve bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req closeRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				badRequest(c, "invalid body: "+err.Error())
				return
			}
		}
		closeFn := h.deps.Recovery.AbandonDlqItem
		if resolve {
			closeFn = h.deps.Recovery.ResolveDlqItem
		}
		entry, err := closeFn(c.Request.Context(), c.Param("id"), req.Notes, req.By)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, entry)
	}
}

func (h *handler) listEscalations(c *gin.Context) {
	f := recoverydomain.EscalationFilter{TaskID: c.Query("task"), Limit: queryInt(c, "limit", 100)}
	for _, s := range queryList(c, "status") {
		f.Statuses = append(f.Statuses, recoverydomain.EscalationStatus(s))
	}
	escs, err := h.deps.Status.Escalations(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escalations": escs})
}

type resolveEscalationRequest struct {
	Resolution string `json:"resolution" binding:"required"`
	By         string `json:"by"`
}

func (h *handler) resolveEscalation(c *gin.Context) {
	var req resolveEscalationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid body: "+err.Error())
		return
	}
	e, err := h.deps.Recovery.ResolveEscalation(c.Request.Context(), c.Param("id"), req.Resolution, req.By)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

func queryInt(c *gin.Context, key string, def int) int {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

// queryList accepts both repeated keys and comma-separated values.
func queryList(c *gin.Context, key string) []string {
	var out []string
	for _, raw := range c.QueryArray(key) {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
