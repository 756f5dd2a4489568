package ws

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/opencompute/Kaetram-Open/cache"
	"github.com/opencompute/Kaetram-Open/config"
	"github.com/opencompute/Kaetram-Open/game/guild"
	"github.com/opencompute/Kaetram-Open/game/player"
	mw "github.com/opencompute/Kaetram-Open/middleware"
	"github.com/opencompute/Kaetram-Open/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Presence announces local logins and logouts to the hub.
type Presence interface {
	Login(ctx context.Context, username string) error
	Logout(ctx context.Context, username string) error
}

// Handler is the Gin handler for GET /ws.
type Handler struct {
	db       *gorm.DB
	cache    cache.Cache
	sec      config.SecurityConfig
	sm       *player.SessionManager
	coord    *guild.Coordinator
	presence Presence
	router   *Router
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a new WebSocket Handler.
// sec.AllowedOrigins controls which WebSocket origins are accepted.
// An empty slice permits all origins (development only). presence may be nil
// for a standalone shard.
func NewHandler(
	db *gorm.DB,
	c cache.Cache,
	sec config.SecurityConfig,
	sm *player.SessionManager,
	coord *guild.Coordinator,
	presence Presence,
	router *Router,
	logger *zap.Logger,
) *Handler {
	h := &Handler{
		db:       db,
		cache:    c,
		sec:      sec,
		sm:       sm,
		coord:    coord,
		presence: presence,
		router:   router,
		logger:   logger,
	}
	allowed := sec.AllowedOrigins
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true // dev mode: allow all
			}
			origin := r.Header.Get("Origin")
			for _, o := range allowed {
				if o == origin {
					return true
				}
			}
			return false
		},
	}
	return h
}

// ServeWS handles GET /ws?token=<jwt>.
func (h *Handler) ServeWS(c *gin.Context) {
	tokenStr := c.Query("token")
	if tokenStr == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}

	claims, err := mw.ParseToken(tokenStr, h.sec.JWTSecret)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	exists, err := h.cache.Exists(ctx, mw.SessionKey(tokenStr))
	if err != nil || !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "session expired"})
		return
	}

	var p model.Player
	err = h.db.WithContext(ctx).Where("username = ?", strings.ToLower(claims.Username)).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "player not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if p.Status == 0 {
		c.JSON(http.StatusForbidden, gin.H{"error": "account banned"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", zap.Error(err))
		return
	}

	sess := player.NewPlayerSession(p.ID, p.Username, p.Guest, conn, h.logger)
	h.sm.Register(sess)
	h.handleConnect(sess, p.Guild)

	// Blocks until the connection closes.
	h.readPump(sess)
}

// handleConnect announces the player to the hub and restores guild state.
func (h *Handler) handleConnect(s *player.PlayerSession, guildID string) {
	ctx := context.Background()
	if h.presence != nil {
		if err := h.presence.Login(ctx, s.Username); err != nil {
			h.logger.Warn("presence login failed",
				zap.String("username", s.Username),
				zap.Error(err))
		}
	}
	if _, err := h.coord.Connect(ctx, s, guildID); err != nil {
		h.logger.Warn("guild connect failed",
			zap.String("username", s.Username),
			zap.String("guild", guildID),
			zap.Error(err))
	}
	h.logger.Info("player connected",
		zap.String("username", s.Username),
		zap.Int64("player_id", s.PlayerID))
}

// readPump reads messages from the WebSocket connection and dispatches them.
func (h *Handler) readPump(s *player.PlayerSession) {
	defer h.handleDisconnect(s)

	s.SetReadDeadline()
	s.Conn.SetPongHandler(func(string) error {
		s.SetReadDeadline()
		return nil
	})

	for {
		_, raw, err := s.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived) {
				h.logger.Warn("ws unexpected close",
					zap.String("username", s.Username),
					zap.Error(err))
			}
			return
		}
		// Reset read deadline on any message (heartbeat or otherwise).
		s.SetReadDeadline()
		h.router.Dispatch(s, raw)
	}
}

// handleDisconnect cleans up the session after the connection closes. A
// session displaced by a newer login of the same player leaves presence and
// guild state to its successor.
func (h *Handler) handleDisconnect(s *player.PlayerSession) {
	s.Close()
	h.sm.Unregister(s)
	h.logger.Info("player disconnected", zap.String("username", s.Username))

	if h.sm.Find(s.Username) != nil {
		return
	}
	ctx := context.Background()
	h.coord.Disconnect(ctx, s)
	if h.presence != nil {
		if err := h.presence.Logout(ctx, s.Username); err != nil {
			h.logger.Warn("presence logout failed",
				zap.String("username", s.Username),
				zap.Error(err))
		}
	}
}
