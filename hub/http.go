package hub

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	mw "github.com/opencompute/Kaetram-Open/middleware"
	"go.uber.org/zap"
)

// Router returns the hub's HTTP surface. /presence is limited to adminIPs.
func (h *Hub) Router(adminIPs []string) *gin.Engine {
	r := gin.New()
	r.Use(mw.TraceID(), mw.Recovery(h.logger))

	r.GET("/health", h.health)
	r.GET("/presence", mw.IPWhitelist(adminIPs), h.presence)
	return r
}

func (h *Hub) health(c *gin.Context) {
	servers := h.Servers()
	out := make(map[string]string, len(servers))
	for id, seen := range servers {
		out[strconv.Itoa(id)] = seen.UTC().Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "servers": out})
}

func (h *Hub) presence(c *gin.Context) {
	p, err := h.Presence(c.Request.Context())
	if err != nil {
		h.logger.Error("hub: presence read failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "presence unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"online": len(p), "players": p})
}
