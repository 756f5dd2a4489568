package rest

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/opencompute/Kaetram-Open/audit"
	"github.com/opencompute/Kaetram-Open/game/guild"
	"github.com/opencompute/Kaetram-Open/game/player"
	mw "github.com/opencompute/Kaetram-Open/middleware"
	"github.com/opencompute/Kaetram-Open/model"
	"github.com/opencompute/Kaetram-Open/scheduler"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AdminHandler handles admin-only REST endpoints.
// Routes should be protected by the AdminKey middleware.
type AdminHandler struct {
	db     *gorm.DB
	sm     *player.SessionManager
	coord  *guild.Coordinator
	audit  *audit.Service
	sched  *scheduler.Scheduler
	logger *zap.Logger
}

// NewAdminHandler creates an AdminHandler. auditSvc and sched may be nil.
func NewAdminHandler(
	db *gorm.DB,
	sm *player.SessionManager,
	coord *guild.Coordinator,
	auditSvc *audit.Service,
	sched *scheduler.Scheduler,
	logger *zap.Logger,
) *AdminHandler {
	return &AdminHandler{db: db, sm: sm, coord: coord, audit: auditSvc, sched: sched, logger: logger}
}

// Metrics returns shard health metrics.
// GET /api/admin/metrics
func (h *AdminHandler) Metrics(c *gin.Context) {
	var tasks []string
	if h.sched != nil {
		tasks = h.sched.ListTickers()
	}
	c.JSON(http.StatusOK, gin.H{
		"online_players":  h.sm.Count(),
		"scheduler_tasks": tasks,
	})
}

// ListPlayers returns a snapshot of the players connected to this shard.
// GET /api/admin/players
func (h *AdminHandler) ListPlayers(c *gin.Context) {
	sessions := h.sm.All()
	type playerInfo struct {
		PlayerID int64  `json:"player_id"`
		Username string `json:"username"`
		Guest    bool   `json:"guest"`
		Guild    string `json:"guild"`
	}
	result := make([]playerInfo, 0, len(sessions))
	for _, s := range sessions {
		result = append(result, playerInfo{
			PlayerID: s.PlayerID,
			Username: s.Username,
			Guest:    s.Guest,
			Guild:    s.GuildID(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"players": result, "count": len(result)})
}

// KickPlayer forcibly disconnects a player.
// POST /api/admin/kick/:username
func (h *AdminHandler) KickPlayer(c *gin.Context) {
	username := c.Param("username")
	s := h.sm.Find(username)
	if s == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "player not online"})
		return
	}
	s.Close()
	h.logger.Info("admin kicked player", zap.String("username", username))
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// BanPlayer bans or unbans a player account.
// POST /api/admin/players/:username/ban
func (h *AdminHandler) BanPlayer(c *gin.Context) {
	username := strings.ToLower(c.Param("username"))
	var req struct {
		Ban bool `json:"ban"`
	}
	_ = c.ShouldBindJSON(&req)

	status := 1
	if req.Ban {
		status = 0
	}
	result := h.db.Model(&model.Player{}).Where("username = ?", username).Update("status", status)
	if result.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db error"})
		return
	}
	if result.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "player not found"})
		return
	}

	// Kick the player if currently online here.
	if req.Ban {
		if s := h.sm.Find(username); s != nil {
			s.Close()
		}
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "status": status})
}

// DeleteGuild disbands a guild.
// DELETE /api/admin/guilds/:id
func (h *AdminHandler) DeleteGuild(c *gin.Context) {
	id := guild.Normalize(c.Param("id"))
	err := h.coord.Delete(c.Request.Context(), id, "admin", mw.GetTraceID(c))
	switch {
	case errors.Is(err, guild.ErrGuildNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "guild not found"})
	case guild.KindOf(err) == guild.KindConflict:
		c.JSON(http.StatusConflict, gin.H{"error": "guild busy, retry"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	default:
		h.logger.Info("admin deleted guild", zap.String("guild", id))
		c.JSON(http.StatusOK, gin.H{"ok": true, "guild": id})
	}
}

type experienceRequest struct {
	Username string `json:"username" binding:"required"`
	Amount   int64  `json:"amount" binding:"min=0"`
}

// GrantExperience adds guild experience on behalf of a player connected to
// this shard, the way a kill or quest reward would.
// POST /api/admin/guilds/experience
func (h *AdminHandler) GrantExperience(c *gin.Context) {
	var req experienceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s := h.sm.Find(req.Username)
	if s == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "player not online"})
		return
	}
	if err := h.coord.AddExperience(c.Request.Context(), s, req.Amount); err != nil {
		if msg, ok := guild.PlayerMessage(err); ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": msg})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// GuildAudit returns the newest audit rows of a guild.
// GET /api/admin/guilds/:id/audit?limit=
func (h *AdminHandler) GuildAudit(c *gin.Context) {
	if h.audit == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit disabled"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	logs, err := h.audit.Recent(c.Request.Context(), guild.Normalize(c.Param("id")), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": logs})
}

// ListSchedulerTasks returns names of all registered ticker tasks.
// GET /api/admin/scheduler
func (h *AdminHandler) ListSchedulerTasks(c *gin.Context) {
	var tasks []string
	if h.sched != nil {
		tasks = h.sched.ListTickers()
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}
