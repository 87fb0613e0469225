// Package api is Agent Bus's HTTP surface (spec.md §6): project lifecycle
// endpoints, the SSE event stream, metrics exposition, and health.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agent-bus/agentbus/internal/events"
	"github.com/agent-bus/agentbus/internal/metrics"
	"github.com/agent-bus/agentbus/internal/orchestrator"
	"github.com/agent-bus/agentbus/internal/queue"
	"github.com/agent-bus/agentbus/internal/store"
	"github.com/agent-bus/agentbus/internal/version"
)

// Server is Agent Bus's HTTP API server, wiring gin handlers to the
// orchestrator, store, event bus, and metrics registry (mirrors the
// teacher's Server struct of dependency fields set once at construction).
type Server struct {
	engine       *gin.Engine
	httpServer   *http.Server
	store        *store.Store
	orchestrator *orchestrator.Orchestrator
	bus          *events.Bus
	metrics      *metrics.Registry
	queue        queue.Backend
	log          *slog.Logger
	heartbeat    time.Duration
}

// Config controls server construction.
type Config struct {
	BindAddr      string
	HeartbeatMS   int
	AuthSecret    []byte // empty disables bearer auth, for local/dev use
}

// NewServer builds a Server with every route registered.
func NewServer(cfg Config, st *store.Store, orc *orchestrator.Orchestrator, bus *events.Bus, reg *metrics.Registry, q queue.Backend, log *slog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(CORS())

	heartbeat := time.Duration(cfg.HeartbeatMS) * time.Millisecond
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}

	s := &Server{
		engine:       engine,
		store:        st,
		orchestrator: orc,
		bus:          bus,
		metrics:      reg,
		queue:        q,
		log:          log,
		heartbeat:    heartbeat,
	}

	s.setupRoutes(cfg.AuthSecret)

	s.httpServer = &http.Server{
		Addr:    cfg.BindAddr,
		Handler: engine,
	}
	return s
}

func (s *Server) setupRoutes(authSecret []byte) {
	s.engine.GET("/health", s.healthHandler)
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Handler(), promhttp.HandlerOpts{})))

	api := s.engine.Group("/api")
	if len(authSecret) > 0 {
		api.Use(RequireBearerAuth(authSecret))
	}

	api.POST("/projects", s.submitJobHandler)
	api.GET("/projects", s.listJobsHandler)
	api.GET("/projects/:job_id", s.getJobHandler)
	api.DELETE("/projects/:job_id", s.deleteJobHandler)
	api.GET("/projects/:job_id/artifacts/:type", s.getArtifactHandler)
	api.GET("/projects/:job_id/usage", s.getUsageHandler)
	api.POST("/projects/:job_id/approve", s.approveHandler)
	api.POST("/projects/:job_id/request_changes", s.requestChangesHandler)
	api.POST("/projects/:job_id/restart", s.restartHandler)
	api.POST("/projects/:job_id/cancel", s.cancelHandler)

	api.GET("/events/stream", events.StreamHandler(s.bus, s.heartbeat))
	api.GET("/events/history", events.HistoryHandler(s.bus))
}

// Start blocks serving HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "version": version.GitCommit, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": version.GitCommit})
}

func (s *Server) submitJobHandler(c *gin.Context) {
	var req SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "invalid_input", "message": err.Error()}})
		return
	}
	job, err := s.orchestrator.SubmitJob(c.Request.Context(), req.ProjectID, req.Requirements, req.Metadata)
	if err != nil {
		writeError(c, s.log, err)
		return
	}
	c.JSON(http.StatusCreated, SubmitJobResponse{JobID: job.ID, Status: job.Status})
}

func (s *Server) listJobsHandler(c *gin.Context) {
	limit := 50
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 {
		limit = l
	}
	filter := store.JobFilter{ProjectID: c.Query("project_id"), Status: c.Query("status")}
	jobs, err := s.store.ListJobs(c.Request.Context(), limit, filter)
	if err != nil {
		writeError(c, s.log, err)
		return
	}
	out := make([]JobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toJobResponse(j))
	}
	c.JSON(http.StatusOK, gin.H{"jobs": out})
}

func (s *Server) getJobHandler(c *gin.Context) {
	job, err := s.store.GetJob(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		writeError(c, s.log, err)
		return
	}
	c.JSON(http.StatusOK, toJobResponse(job))
}

func (s *Server) deleteJobHandler(c *gin.Context) {
	jobID := c.Param("job_id")
	job, err := s.store.GetJob(c.Request.Context(), jobID)
	if err != nil {
		writeError(c, s.log, err)
		return
	}
	if !job.Terminal() {
		writeError(c, s.log, store.ErrConflict)
		return
	}
	if err := s.store.DeleteJob(c.Request.Context(), jobID); err != nil {
		writeError(c, s.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": jobID, "deleted": true})
}

func (s *Server) getArtifactHandler(c *gin.Context) {
	artifact, err := s.store.GetLatestArtifact(c.Request.Context(), c.Param("job_id"), c.Param("type"))
	if err != nil {
		writeError(c, s.log, err)
		return
	}
	c.JSON(http.StatusOK, ArtifactResponse{ArtifactID: artifact.ID, Content: artifact.Content, CreatedAt: artifact.CreatedAt})
}

func (s *Server) getUsageHandler(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := s.store.GetJob(c.Request.Context(), jobID); err != nil {
		writeError(c, s.log, err)
		return
	}
	usage, err := s.store.GetUsage(c.Request.Context(), jobID)
	if err != nil {
		writeError(c, s.log, err)
		return
	}
	c.JSON(http.StatusOK, UsageResponse{
		InputTokens: usage.InputTokens, OutputTokens: usage.OutputTokens,
		Calls: usage.Calls, CostUSD: usage.CostUSD, Estimated: usage.Estimated,
	})
}

func (s *Server) approveHandler(c *gin.Context) {
	var req NotesRequest
	_ = c.ShouldBindJSON(&req)
	if err := s.orchestrator.Approve(c.Request.Context(), c.Param("job_id"), req.Notes); err != nil {
		writeError(c, s.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": c.Param("job_id"), "status": store.JobRunning})
}

func (s *Server) requestChangesHandler(c *gin.Context) {
	var req NotesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "invalid_input", "message": err.Error()}})
		return
	}
	if req.Notes == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "invalid_input", "message": "notes is required"}})
		return
	}
	if err := s.orchestrator.RequestChanges(c.Request.Context(), c.Param("job_id"), req.Notes); err != nil {
		writeError(c, s.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": c.Param("job_id"), "status": store.JobRunning})
}

func (s *Server) restartHandler(c *gin.Context) {
	if err := s.orchestrator.Restart(c.Request.Context(), c.Param("job_id")); err != nil {
		writeError(c, s.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": c.Param("job_id"), "status": store.JobRunning})
}

func (s *Server) cancelHandler(c *gin.Context) {
	var req CancelRequest
	_ = c.ShouldBindJSON(&req)
	if err := s.orchestrator.Cancel(c.Request.Context(), c.Param("job_id"), req.Reason); err != nil {
		writeError(c, s.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": c.Param("job_id"), "status": store.JobCancelled})
}

func toJobResponse(j *store.Job) JobResponse {
	return JobResponse{
		JobID: j.ID, ProjectID: j.ProjectID, Status: j.Status, Stage: j.Stage,
		Requirements: j.Requirements, Metadata: j.Metadata, FailureReason: j.FailureReason,
		CreatedAt: j.CreatedAt, UpdatedAt: j.UpdatedAt,
	}
}
