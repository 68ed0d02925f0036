package migrationhttp

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"portage/internal/logger"
	"portage/internal/migration"
	"portage/internal/store/journal"
)

// Router exposes the migration control surface and the dashboard read
// API.
type Router struct {
	svc     *migration.Service
	logs    LogReader
	journal *journal.Store
}

// LogReader serves the tail of a transition's audit log.
type LogReader interface {
	LogTail(ctx context.Context, id string, limit int) ([]migration.LogEntry, error)
}

// NewRouter builds the migration router. journal may be nil.
func NewRouter(svc *migration.Service, logs LogReader, jnl *journal.Store) *Router {
	return &Router{svc: svc, logs: logs, journal: jnl}
}

// Register mounts the routes on the given group.
func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.POST("", r.handleCreate)
	group.GET("/active", r.handleActive)
	group.GET("/:id", r.handleGet)
	group.GET("/:id/log", r.handleLog)
	group.GET("/:id/positions", r.handlePositions)
	group.POST("/:id/approve", r.handleApprove)
	group.POST("/:id/cancel", r.handleCancel)
	group.POST("/tick", r.handleTick)
	if r.journal != nil {
		group.GET("/:id/events", r.handleEvents)
	}
}

func (r *Router) handleCreate(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	strategy, ok := migration.ParseStrategy(req.Strategy)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown strategy " + req.Strategy})
		return
	}
	tr, err := r.svc.Create(c.Request.Context(), req.FromVenue, req.ToVenue, strategy)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, viewOf(tr))
}

func (r *Router) handleActive(c *gin.Context) {
	tr, err := r.svc.Active(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(tr))
}

func (r *Router) handleGet(c *gin.Context) {
	tr, err := r.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(tr))
}

func (r *Router) handleLog(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	entries, err := r.logs.LogTail(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": logViews(entries)})
}

func (r *Router) handleEvents(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	entries, err := r.journal.List(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (r *Router) handlePositions(c *gin.Context) {
	positions, err := r.svc.Positions(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positionViews(positions)})
}

func (r *Router) handleApprove(c *gin.Context) {
	var req ApproveRequest
	_ = c.ShouldBindJSON(&req)
	if req.By == "" {
		req.By = "operator"
	}
	tr, err := r.svc.Approve(c.Request.Context(), c.Param("id"), req.By)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(tr))
}

func (r *Router) handleCancel(c *gin.Context) {
	var req CancelRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "operator request"
	}
	tr, err := r.svc.Cancel(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(tr))
}

// handleTick lets an operator force a tick outside the schedule.
func (r *Router) handleTick(c *gin.Context) {
	res, err := r.svc.RunTick(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	if res == nil {
		c.JSON(http.StatusOK, gin.H{"status": "idle"})
		return
	}
	c.JSON(http.StatusOK, res)
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, migration.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, migration.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, migration.ErrInvalidState):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		logger.Errorf("http: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
