package guild

import (
	"context"
	"encoding/json"

	"github.com/opencompute/Kaetram-Open/game/player"
	"go.uber.org/zap"
)

const maxChatRunes = 200

func historyKey(identifier string) string { return "guild:chat:" + identifier }

func (c *Coordinator) appendHistory(ctx context.Context, identifier string, ev ChatEvent) {
	if c.cache == nil || c.cfg.ChatHistory <= 0 {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	key := historyKey(identifier)
	if err := c.cache.RPush(ctx, key, string(data)); err != nil {
		c.logger.Warn("guild chat history append failed", zap.String("guild", identifier), zap.Error(err))
		return
	}
	if err := c.cache.LTrim(ctx, key, int64(-c.cfg.ChatHistory), -1); err != nil {
		c.logger.Warn("guild chat history trim failed", zap.String("guild", identifier), zap.Error(err))
	}
}

func (c *Coordinator) sendHistory(ctx context.Context, s *player.PlayerSession, identifier string) {
	if c.cache == nil || c.cfg.ChatHistory <= 0 {
		return
	}
	lines, err := c.cache.LRange(ctx, historyKey(identifier), int64(-c.cfg.ChatHistory), -1)
	if err != nil {
		c.logger.Warn("guild chat history read failed", zap.String("guild", identifier), zap.Error(err))
		return
	}
	for _, line := range lines {
		var ev ChatEvent
		if json.Unmarshal([]byte(line), &ev) != nil {
			continue
		}
		c.send(s, ev)
	}
}

func (c *Coordinator) dropHistory(ctx context.Context, identifier string) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Del(ctx, historyKey(identifier)); err != nil {
		c.logger.Warn("guild chat history drop failed", zap.String("guild", identifier), zap.Error(err))
	}
}
