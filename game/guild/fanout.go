package guild

import (
	"context"
	"strings"

	"github.com/opencompute/Kaetram-Open/game/player"
	"go.uber.org/zap"
)

// Fanout delivers guild events to members wherever they are connected.
// Local members get the packet directly, everyone else through the hub.
// Nothing is acknowledged or retried.
type Fanout struct {
	world  World
	hub    Hub
	logger *zap.Logger
}

// NewFanout creates a Fanout. hub may be nil on a standalone shard.
func NewFanout(world World, hub Hub, logger *zap.Logger) *Fanout {
	return &Fanout{world: world, hub: hub, logger: logger}
}

// Notify sends ev to every username once.
func (f *Fanout) Notify(ctx context.Context, usernames []string, ev Event) {
	pkt, err := Encode(ev)
	if err != nil {
		f.logger.Error("encode guild event", zap.Stringer("opcode", ev.Opcode()), zap.Error(err))
		return
	}
	seen := make(map[string]bool, len(usernames))
	for _, u := range usernames {
		k := strings.ToLower(u)
		if seen[k] {
			continue
		}
		seen[k] = true

		if s := f.world.Find(u); s != nil {
			applyToSession(s, ev)
			s.Send(pkt)
			continue
		}
		if f.hub == nil {
			continue
		}
		if err := f.hub.Relay(ctx, u, pkt); err != nil {
			f.logger.Warn("guild relay dropped",
				zap.String("username", u),
				zap.Stringer("opcode", ev.Opcode()),
				zap.Error(err))
		}
	}
}

// Deliver hands a packet relayed from another shard to a local session.
// It reports false when username is not connected here.
func (f *Fanout) Deliver(username string, pkt *player.Packet) bool {
	s := f.world.Find(username)
	if s == nil {
		return false
	}
	if pkt.Type == PacketType {
		ev, err := Decode(pkt)
		if err != nil {
			f.logger.Warn("undecodable relayed guild packet", zap.String("username", username), zap.Error(err))
		} else {
			applyToSession(s, ev)
		}
	}
	s.Send(pkt)
	return true
}

// applyToSession keeps the session's guild mirror in step with events that
// end its membership.
func applyToSession(s *player.PlayerSession, ev Event) {
	leave, ok := ev.(LeaveEvent)
	if !ok {
		return
	}
	if leave.Disbanded || strings.EqualFold(leave.Username, s.Username) {
		s.ClearGuildIDIf(leave.Guild)
	}
}
