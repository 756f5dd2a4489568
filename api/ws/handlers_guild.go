package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opencompute/Kaetram-Open/game/guild"
	"github.com/opencompute/Kaetram-Open/game/player"
	"go.uber.org/zap"
)

// chatCooldown is the minimum gap between two guild chat lines of one player.
const chatCooldown = time.Second

// GuildHandlers routes client guild packets to the coordinator.
type GuildHandlers struct {
	coord  *guild.Coordinator
	logger *zap.Logger
}

// NewGuildHandlers creates GuildHandlers.
func NewGuildHandlers(coord *guild.Coordinator, logger *zap.Logger) *GuildHandlers {
	return &GuildHandlers{coord: coord, logger: logger}
}

// RegisterHandlers registers the guild and ping handlers on r.
func (h *GuildHandlers) RegisterHandlers(r *Router) {
	r.On(guild.PacketType, h.HandleGuild)
	r.On("ping", HandlePing)
}

// HandleGuild decodes one guild request and runs it. Classified guild errors
// are shown to the player; anything else is returned to the router for logging.
func (h *GuildHandlers) HandleGuild(ctx context.Context, s *player.PlayerSession, raw json.RawMessage) error {
	req, err := guild.DecodeRequest(raw)
	if err != nil {
		h.logger.Debug("bad guild request",
			zap.String("username", s.Username),
			zap.Error(err))
		return nil
	}
	if err := h.dispatch(ctx, s, req); err != nil {
		if msg, ok := guild.PlayerMessage(err); ok {
			s.Notify(msg)
			return nil
		}
		s.Notify("An error has occurred, please try again later.")
		return fmt.Errorf("guild %s: %w", req.Opcode(), err)
	}
	return nil
}

func (h *GuildHandlers) dispatch(ctx context.Context, s *player.PlayerSession, req guild.Request) error {
	switch r := req.(type) {
	case guild.CreateRequest:
		_, err := h.coord.Create(ctx, s, r.Name, r.Decoration, r.InviteOnly)
		return err
	case guild.JoinRequest:
		return h.coord.Join(ctx, s, r.Identifier)
	case guild.LeaveRequest:
		return h.coord.Leave(ctx, s)
	case guild.KickRequest:
		return h.coord.Kick(ctx, s, r.Username)
	case guild.RankRequest:
		return h.coord.SetRank(ctx, s, r.Username, r.Rank)
	case guild.ChatRequest:
		if since := s.CheckChatCooldown(); since < chatCooldown {
			s.Notify("You are sending messages too quickly.")
			return nil
		}
		s.SetChatCooldown()
		return h.coord.Chat(ctx, s, r.Message)
	case guild.ListRequest:
		return h.coord.List(ctx, s, r.Offset)
	case guild.SettingsRequest:
		return h.coord.SetInviteOnly(ctx, s, r.InviteOnly)
	default:
		return fmt.Errorf("unsupported guild request %T", req)
	}
}

type pingPayload struct {
	TS int64 `json:"ts"`
}

// HandlePing answers a client heartbeat with the client and server clocks.
func HandlePing(_ context.Context, s *player.PlayerSession, raw json.RawMessage) error {
	var req pingPayload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil
		}
	}
	s.SendHeartbeatPong(req.TS)
	return nil
}
