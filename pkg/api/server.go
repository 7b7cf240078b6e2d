// Package api exposes the engine over HTTP: resource CRUD, reconciliation
// requests, audit history and operational endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cloudforge/anvil/pkg/enqueuer"
	"github.com/cloudforge/anvil/pkg/log"
	"github.com/cloudforge/anvil/pkg/metrics"
	"github.com/cloudforge/anvil/pkg/statemachine"
	"github.com/cloudforge/anvil/pkg/store"
	"github.com/cloudforge/anvil/pkg/types"
)

// Server is the HTTP API. It never writes lifecycle state: creation,
// payload updates and reconciliation requests are the only mutations it
// performs, and the controllers pick the rest up through the queue.
type Server struct {
	store       store.Store
	enqueuer    *enqueuer.Enqueuer
	definitions map[types.Kind]*statemachine.Definition
	engine      *gin.Engine
	httpServer  *http.Server
}

// NewServer builds the router.
func NewServer(s store.Store, e *enqueuer.Enqueuer, defs map[types.Kind]*statemachine.Definition) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestMetrics())

	srv := &Server{
		store:       s,
		enqueuer:    e,
		definitions: defs,
		engine:      engine,
	}

	engine.GET("/healthz", gin.WrapF(metrics.LivenessHandler()))
	engine.GET("/readyz", gin.WrapF(metrics.ReadyHandler()))
	engine.GET("/health", gin.WrapF(metrics.HealthHandler()))
	engine.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := engine.Group("/v1")
	{
		v1.POST("/resources/:kind", srv.createResource)
		v1.GET("/resources/:kind", srv.listResources)
		v1.GET("/resources/:kind/:id", srv.getResource)
		v1.DELETE("/resources/:kind/:id", srv.deleteResource)
		v1.GET("/resources/:kind/:id/history", srv.getHistory)
		v1.POST("/resources/:kind/:id/reconcile", srv.requestReconcile)
		v1.POST("/events/health", srv.healthEvent)
	}

	return srv
}

func requestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := metrics.NewTimer()
		c.Next()
		metrics.APIRequestsTotal.WithLabelValues(c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		timer.ObserveDuration(metrics.APIRequestDuration.WithLabelValues(c.Request.Method))
	}
}

// Start serves until Shutdown.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger := log.WithComponent("api")
	logger.Info().Str("addr", addr).Msg("API listening")
	metrics.RegisterComponent("api", true, "")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) kindParam(c *gin.Context) (types.Kind, bool) {
	kind, err := types.ParseKind(c.Param("kind"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return "", false
	}
	return kind, true
}

type createRequest struct {
	ID      string          `json:"id" binding:"required"`
	Payload json.RawMessage `json:"payload"`
}

// resourceView is a resource plus its SLA verdict, evaluated at read time.
type resourceView struct {
	types.Resource
	TimeInState string                  `json:"time_in_state"`
	SLA         statemachine.SLAVerdict `json:"sla"`
}

func (s *Server) view(res *types.Resource) resourceView {
	view := resourceView{Resource: *res}
	timeInState := time.Since(res.StateEnteredAt)
	view.TimeInState = timeInState.Truncate(time.Second).String()
	if def, ok := s.definitions[res.Kind]; ok {
		view.SLA = def.EvaluateSLA(res.State.Name, timeInState)
	}
	return view
}

func (s *Server) createResource(c *gin.Context) {
	kind, ok := s.kindParam(c)
	if !ok {
		return
	}
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	def := s.definitions[kind]
	res := &types.Resource{
		ID:      req.ID,
		Kind:    kind,
		State:   types.NewState(def.Initial),
		Payload: req.Payload,
	}
	if err := s.store.Create(c.Request.Context(), res); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	// Make the new resource due immediately instead of at the next sweep.
	if err := s.enqueuer.RequestReconciliation(c.Request.Context(), string(kind), req.ID); err != nil {
		logger := log.WithResource(kind, req.ID)
		logger.Warn().Err(err).Msg("Failed to queue new resource")
	}
	c.JSON(http.StatusCreated, s.view(res))
}

func (s *Server) listResources(c *gin.Context) {
	kind, ok := s.kindParam(c)
	if !ok {
		return
	}
	ids, err := s.store.List(c.Request.Context(), kind)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if ids == nil {
		ids = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"kind": kind, "ids": ids})
}

func (s *Server) getResource(c *gin.Context) {
	kind, ok := s.kindParam(c)
	if !ok {
		return
	}
	res, err := s.store.Load(c.Request.Context(), kind, c.Param("id"))
	if errors.Is(err, types.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.view(res))
}

// deleteResource marks the resource for teardown and nudges its
// controller. The handler walks the resource through its declared
// deletion path; nothing is removed synchronously.
func (s *Server) deleteResource(c *gin.Context) {
	kind, ok := s.kindParam(c)
	if !ok {
		return
	}
	id := c.Param("id")
	res, err := s.store.Load(c.Request.Context(), kind, id)
	if errors.Is(err, types.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	payload := map[string]any{}
	if len(res.Payload) > 0 {
		if err := json.Unmarshal(res.Payload, &payload); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": "resource payload is not an object"})
			return
		}
	}
	payload["delete_requested"] = true
	raw, err := json.Marshal(payload)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := s.store.UpdatePayload(c.Request.Context(), kind, id, raw); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := s.enqueuer.RequestReconciliation(c.Request.Context(), string(kind), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "deletion requested"})
}

func (s *Server) getHistory(c *gin.Context) {
	kind, ok := s.kindParam(c)
	if !ok {
		return
	}
	entries, err := s.store.History(c.Request.Context(), kind, c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if entries == nil {
		entries = []types.HistoryEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"history": entries})
}

type healthEventRequest struct {
	Kind       string `json:"kind" binding:"required"`
	ResourceID string `json:"resource_id" binding:"required"`
	Status     string `json:"status"`
	Message    string `json:"message"`
}

// healthEvent receives external health signals (monitoring webhooks, BMC
// alert forwarders). A signal never mutates state directly; it makes the
// resource due so its handler re-observes the world.
func (s *Server) healthEvent(c *gin.Context) {
	var req healthEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := s.enqueuer.RequestReconciliation(c.Request.Context(), req.Kind, req.ResourceID)
	if errors.Is(err, types.ErrNotFound) || errors.Is(err, types.ErrUnknownKind) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	logger := log.WithResource(types.Kind(req.Kind), req.ResourceID)
	logger.Info().
		Str("status", req.Status).
		Str("message", req.Message).
		Msg("Health signal received")
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

func (s *Server) requestReconcile(c *gin.Context) {
	kind, ok := s.kindParam(c)
	if !ok {
		return
	}
	err := s.enqueuer.RequestReconciliation(c.Request.Context(), string(kind), c.Param("id"))
	if errors.Is(err, types.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}
