package rest

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/opencompute/Kaetram-Open/game/guild"
	"go.uber.org/zap"
)

// GuildHandler serves the read-only guild endpoints. Writes go through the
// websocket so that they pass the coordinator.
type GuildHandler struct {
	dir    *guild.Directory
	store  guild.Store
	logger *zap.Logger
}

// NewGuildHandler creates a new GuildHandler.
func NewGuildHandler(dir *guild.Directory, store guild.Store, logger *zap.Logger) *GuildHandler {
	return &GuildHandler{dir: dir, store: store, logger: logger}
}

// List handles GET /api/guilds?offset=&limit=.
func (h *GuildHandler) List(c *gin.Context) {
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))

	page, total, err := h.dir.List(c.Request.Context(), offset, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"guilds": page, "total": total})
}

// Detail handles GET /api/guilds/:id.
func (h *GuildHandler) Detail(c *gin.Context) {
	r, err := h.store.LoadGuild(c.Request.Context(), guild.Normalize(c.Param("id")))
	if errors.Is(err, guild.ErrGuildNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "guild not found"})
		return
	}
	if err != nil {
		h.logger.Error("guild detail load failed", zap.String("guild", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"guild": r.Summary(), "owner": r.Owner, "members": r.Members})
}
