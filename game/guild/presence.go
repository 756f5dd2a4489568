package guild

import (
	"context"
	"strings"

	"github.com/opencompute/Kaetram-Open/game/player"
	"go.uber.org/zap"
)

// World is the registry of sessions connected to this shard.
type World interface {
	Find(username string) *player.PlayerSession
}

// Hub is the shard's channel to the central relay.
type Hub interface {
	// Relay hands pkt to the hub for delivery to username on whichever
	// shard it is connected to.
	Relay(ctx context.Context, username string, pkt *player.Packet) error
	// QueryPresence returns the server id of every queried username that is
	// connected to another shard.
	QueryPresence(ctx context.Context, usernames []string) (map[string]int, error)
}

// RemoteMember is a member connected to another shard.
type RemoteMember struct {
	Username string
	ServerID int
}

// Presence partitions a set of usernames by where they are connected.
type Presence struct {
	Online  []string
	Remote  []RemoteMember
	Offline []string
}

// PresenceResolver classifies usernames as local, remote or offline.
type PresenceResolver struct {
	world  World
	hub    Hub
	logger *zap.Logger
}

// NewPresenceResolver creates a resolver. hub may be nil for a shard running
// without a hub, in which case nobody is ever remote.
func NewPresenceResolver(world World, hub Hub, logger *zap.Logger) *PresenceResolver {
	return &PresenceResolver{world: world, hub: hub, logger: logger}
}

// Classify is best effort. When the hub cannot be reached in time the
// unresolved names are reported offline.
func (p *PresenceResolver) Classify(ctx context.Context, usernames []string) Presence {
	var out Presence
	seen := make(map[string]bool, len(usernames))
	var pending []string
	for _, u := range usernames {
		k := strings.ToLower(u)
		if seen[k] {
			continue
		}
		seen[k] = true
		if p.world.Find(u) != nil {
			out.Online = append(out.Online, u)
			continue
		}
		pending = append(pending, u)
	}
	if len(pending) == 0 {
		return out
	}

	var remote map[string]int
	if p.hub != nil {
		var err error
		remote, err = p.hub.QueryPresence(ctx, pending)
		if err != nil {
			p.logger.Warn("presence query failed, treating members as offline",
				zap.Int("count", len(pending)), zap.Error(err))
		}
	}
	for _, u := range pending {
		if id, ok := lookupFold(remote, u); ok {
			out.Remote = append(out.Remote, RemoteMember{Username: u, ServerID: id})
			continue
		}
		out.Offline = append(out.Offline, u)
	}
	return out
}

func lookupFold(m map[string]int, username string) (int, bool) {
	if v, ok := m[username]; ok {
		return v, true
	}
	for k, v := range m {
		if strings.EqualFold(k, username) {
			return v, true
		}
	}
	return 0, false
}
