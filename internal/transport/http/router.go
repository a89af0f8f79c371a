package collecthttp

import (
	"errors"
	"net/http"
	"time"

	"optcollect/internal/collector"
	"optcollect/internal/ratelimit"
	"optcollect/internal/store"

	"github.com/gin-gonic/gin"
)

// Router holds the handler dependencies.
type Router struct {
	Orchestrator *collector.Orchestrator
	Store        store.Reader
	Limiter      *ratelimit.Limiter
}

// NewRouter builds the API router.
func NewRouter(orc *collector.Orchestrator, st store.Reader, lim *ratelimit.Limiter) *Router {
	return &Router{Orchestrator: orc, Store: st, Limiter: lim}
}

// Register mounts the routes under the given group.
func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.POST("/collect", r.handleCreate)
	group.GET("/collect", r.handleList)
	group.GET("/collect/:id", r.handleStatus)
	group.DELETE("/collect/:id", r.handleCancel)
	group.POST("/collect/resume", r.handleResume)
	group.POST("/collect/refetch", r.handleRefetch)
	group.GET("/stats/pending", r.handlePendingStats)
	group.GET("/stats/candles", r.handleCandleStats)
	group.GET("/stats/ratelimit", r.handleLimiterStats)
	group.GET("/instruments", r.handleInstruments)
}

func (r *Router) handleCreate(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	req, err := parseCreateRequest(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	params, err := req.toParams()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := r.Orchestrator.Create(params)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task_id": id})
}

func (r *Router) handleList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": r.Orchestrator.Tasks()})
}

func (r *Router) handleStatus(c *gin.Context) {
	snap, err := r.Orchestrator.Status(c.Param("id"))
	if err != nil {
		if errors.Is(err, collector.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (r *Router) handleCancel(c *gin.Context) {
	cancelled := r.Orchestrator.Cancel(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"cancelled": cancelled})
}

func (r *Router) handleResume(c *gin.Context) {
	stats, err := r.Orchestrator.Resume(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "stats": stats})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (r *Router) handleRefetch(c *gin.Context) {
	var req refetchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	expiry, err := time.Parse("2006-01-02", req.Expiry)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "expiry must be YYYY-MM-DD"})
		return
	}
	n, err := r.Orchestrator.ForceRefetch(c.Request.Context(), req.InstrumentKey, expiry)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reset": n})
}

func (r *Router) handlePendingStats(c *gin.Context) {
	counts, err := r.Store.PendingContractCounts(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pending": counts})
}

func (r *Router) handleCandleStats(c *gin.Context) {
	if key := c.Query("contract_key"); key != "" {
		n, err := r.Store.CandleCount(c.Request.Context(), key)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"contract_key": key, "candles": n})
		return
	}
	n, err := r.Store.TotalCandleCount(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"candles": n})
}

func (r *Router) handleLimiterStats(c *gin.Context) {
	c.JSON(http.StatusOK, r.Limiter.UsageStats())
}

func (r *Router) handleInstruments(c *gin.Context) {
	instruments, err := r.Store.Instruments(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"instruments": instruments})
}
