// Package relay carries guild traffic between shards and the hub over
// pub/sub. Every shard listens on its own channel and the hub on one inbox.
package relay

import (
	"strconv"

	"github.com/opencompute/Kaetram-Open/game/player"
)

// InboxChannel is where shards publish to the hub.
const InboxChannel = "hub:inbox"

// ShardChannel is the channel the hub publishes to for serverID.
func ShardChannel(serverID int) string { return "hub:shard:" + strconv.Itoa(serverID) }

// Kind tags an Envelope.
type Kind string

const (
	KindLogin          Kind = "login"
	KindLogout         Kind = "logout"
	KindHeartbeat      Kind = "heartbeat"
	KindRelay          Kind = "relay"
	KindPresenceQuery  Kind = "presence_query"
	KindPresenceResult Kind = "presence_result"
)

// Envelope is the single message shape on every relay channel. ServerID is
// always the sender's, except on messages the hub routes to a shard.
type Envelope struct {
	Kind      Kind           `json:"kind"`
	ServerID  int            `json:"server_id"`
	RequestID string         `json:"request_id,omitempty"`
	Username  string         `json:"username,omitempty"`
	Usernames []string       `json:"usernames,omitempty"`
	Servers   map[string]int `json:"servers,omitempty"`
	Packet    *player.Packet `json:"packet,omitempty"`
}
