package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/comitanigiacomo/caresync/internal/core/services"
)

type ConnectivityWatcher interface {
	SetOnline(online bool)
	Online() bool
}

type QueueStatsReader interface {
	Latest() services.QueueStats
}

// ConnectivityHandler lets the client report network changes it observed
// itself, and exposes what the sync status indicator needs.
type ConnectivityHandler struct {
	watcher ConnectivityWatcher
	stats   QueueStatsReader
}

func NewConnectivityHandler(watcher ConnectivityWatcher, stats QueueStatsReader) *ConnectivityHandler {
	return &ConnectivityHandler{watcher: watcher, stats: stats}
}

type connectivityRequest struct {
	Online *bool `json:"online" binding:"required"`
}

func (h *ConnectivityHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/connectivity", h.Status)
	router.POST("/connectivity", h.Report)
}

func (h *ConnectivityHandler) Status(c *gin.Context) {
	resp := gin.H{"online": h.watcher.Online()}
	if h.stats != nil {
		resp["queue"] = h.stats.Latest()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *ConnectivityHandler) Report(c *gin.Context) {
	var req connectivityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}

	h.watcher.SetOnline(*req.Online)
	c.JSON(http.StatusAccepted, gin.H{"online": *req.Online})
}
