package server

import (
	"context"
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/51f0x/personal-kanban/config"
	"github.com/51f0x/personal-kanban/internal/assistant/core"
	"github.com/51f0x/personal-kanban/internal/assistant/telemetry"
	"github.com/51f0x/personal-kanban/internal/queue/streams"
	"github.com/51f0x/personal-kanban/internal/store"
)

// Server is the HTTP API. Planning is asynchronous: requests are enqueued on
// the planning stream and the worker picks them up.
type Server struct {
	cfg       *config.Config
	logger    *log.Logger
	echo      *echo.Echo
	store     *store.Store
	orch      *core.Orchestrator
	publisher *streams.Publisher
	telemetry *telemetry.Telemetry
}

func New(cfg *config.Config, logger *log.Logger, st *store.Store, orch *core.Orchestrator, pub *streams.Publisher, tele *telemetry.Telemetry) *Server {
	if logger == nil {
		logger = log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if m, ok := he.Message.(string); ok {
				msg = m
			}
		}
		if code >= http.StatusInternalServerError {
			logger.Printf("[HTTP] %s %s: %v", c.Request().Method, c.Request().URL.Path, err)
		}
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]string{"error": msg})
		}
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		echo:      e,
		store:     st,
		orch:      orch,
		publisher: pub,
		telemetry: tele,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.echo.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	auth := &AuthHandler{Store: s.store, Secret: []byte(s.cfg.Server.JWTSecret)}
	auth.Register(s.echo.Group("/api/auth"))

	api := s.echo.Group("/api", authMiddleware([]byte(s.cfg.Server.JWTSecret)))
	api.POST("/projects", s.createProject)
	api.GET("/projects/:id", s.getProject)
	api.POST("/projects/:id/planning", s.enqueuePlanning)
	api.POST("/planning", s.enqueueAdHocPlanning)
	api.GET("/planning/:request_id", s.getPlanning)
	api.POST("/tasks/enrich", s.enqueueEnrich)
	api.GET("/admin/costs", s.getCosts)
}

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	s.logger.Printf("[HTTP] listening on %s", s.cfg.Server.Address)
	return s.echo.Start(s.cfg.Server.Address)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func userID(c echo.Context) string {
	id, _ := c.Get("user_id").(string)
	return id
}

type createProjectRequest struct {
	Name       string `json:"name"`
	ReplanCron string `json:"replan_cron,omitempty"`
}

func (s *Server) createProject(c echo.Context) error {
	var req createProjectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}
	id, err := s.store.CreateProject(c.Request().Context(), userID(c), req.Name, req.ReplanCron)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) getProject(c echo.Context) error {
	p, err := s.store.GetProject(c.Request().Context(), c.Param("id"))
	if err == store.ErrNotFound {
		return echo.NewHTTPError(http.StatusNotFound, "project not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if p.OwnerID != userID(c) {
		return echo.NewHTTPError(http.StatusForbidden, "not your project")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"id":          p.ID,
		"name":        p.Name,
		"replan_cron": p.ReplanCron,
		"created_at":  p.CreatedAt,
	})
}

type planningRequestBody struct {
	Task         string                 `json:"task"`
	Context      map[string]interface{} `json:"context,omitempty"`
	Constraints  []string               `json:"constraints,omitempty"`
	Deliverables []string               `json:"deliverables,omitempty"`
}

// enqueuePlanning publishes a planning request bound to a project.
func (s *Server) enqueuePlanning(c echo.Context) error {
	projectID := c.Param("id")
	p, err := s.store.GetProject(c.Request().Context(), projectID)
	if err == store.ErrNotFound {
		return echo.NewHTTPError(http.StatusNotFound, "project not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if p.OwnerID != userID(c) {
		return echo.NewHTTPError(http.StatusForbidden, "not your project")
	}
	return s.publishPlanning(c, projectID)
}

// enqueueAdHocPlanning publishes a planning request with no project; the run
// uses an ephemeral brain.
func (s *Server) enqueueAdHocPlanning(c echo.Context) error {
	return s.publishPlanning(c, "")
}

func (s *Server) publishPlanning(c echo.Context, projectID string) error {
	var body planningRequestBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if body.Task == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "task is required")
	}

	req := core.PlanningRequest{
		RequestID:    uuid.NewString(),
		Task:         body.Task,
		ProjectID:    projectID,
		Context:      body.Context,
		Constraints:  body.Constraints,
		Deliverables: body.Deliverables,
	}
	_, err := s.publisher.PublishEvent(c.Request().Context(), s.cfg.Worker.PlanningStream,
		streams.EventPlanningRequested, streams.PlanningRequested{Request: req, UserID: userID(c)})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusAccepted, map[string]string{"request_id": req.RequestID})
}

// getPlanning reports the state of one planning run. While the run is being
// processed in this process the live orchestrator status is included.
func (s *Server) getPlanning(c echo.Context) error {
	requestID := c.Param("request_id")

	run, err := s.store.GetRun(c.Request().Context(), requestID)
	if err == store.ErrNotFound {
		return echo.NewHTTPError(http.StatusNotFound, "planning run not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	out := map[string]interface{}{
		"request_id": run.RequestID,
		"status":     run.Status,
		"created_at": run.CreatedAt,
		"updated_at": run.UpdatedAt,
	}
	if run.ProjectID != "" {
		out["project_id"] = run.ProjectID
	}
	switch run.Status {
	case store.RunStatusProcessing:
		if s.orch != nil {
			if live, err := s.orch.GetStatus(requestID); err == nil {
				out["progress"] = live.Progress
				out["current_stage"] = live.CurrentStage
			}
		}
	case store.RunStatusCompleted, store.RunStatusFailed:
		out["success"] = run.Success
		if run.Error != "" {
			out["error"] = run.Error
		}
		if len(run.Response) > 0 {
			out["response"] = run.Response
		}
	}
	return c.JSON(http.StatusOK, out)
}

type enrichRequestBody struct {
	TaskID string `json:"task_id"`
	Title  string `json:"title"`
	URL    string `json:"url"`
}

// enqueueEnrich publishes an enrichment request for one task.
func (s *Server) enqueueEnrich(c echo.Context) error {
	var body enrichRequestBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if body.TaskID == "" || body.URL == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "task_id and url are required")
	}
	_, err := s.publisher.PublishEvent(c.Request().Context(), s.cfg.Worker.EnrichStream,
		streams.EventEnrichRequested, streams.EnrichRequested{TaskID: body.TaskID, Title: body.Title, URL: body.URL})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusAccepted, map[string]string{"task_id": body.TaskID})
}

func (s *Server) getCosts(c echo.Context) error {
	if s.telemetry == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "telemetry disabled")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"costs":   s.telemetry.GetCostSummary(),
		"metrics": s.telemetry.GetMetrics(),
	})
}
