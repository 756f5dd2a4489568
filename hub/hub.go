// Package hub is the central relay between shards. It tracks which shard
// every player is connected to, routes relayed packets to that shard, and
// answers presence queries.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/opencompute/Kaetram-Open/cache"
	"github.com/opencompute/Kaetram-Open/relay"
	"go.uber.org/zap"
)

const presenceKey = "hub:presence"

func serverKey(id int) string { return "hub:server:" + strconv.Itoa(id) }

// Hub keeps the presence registry in a cache.Cache: one hash mapping username
// to server id, and one set of usernames per server. Messages are handled one
// at a time in arrival order.
type Hub struct {
	cache      cache.Cache
	ps         cache.PubSub
	pruneAfter time.Duration
	logger     *zap.Logger

	mu       sync.Mutex
	lastSeen map[int]time.Time
	unsub    func()
	wg       sync.WaitGroup
}

// New creates a hub. Shards silent for longer than pruneAfter lose their
// presence on the next Prune.
func New(c cache.Cache, ps cache.PubSub, pruneAfter time.Duration, logger *zap.Logger) *Hub {
	if pruneAfter <= 0 {
		pruneAfter = 30 * time.Second
	}
	return &Hub{
		cache:      c,
		ps:         ps,
		pruneAfter: pruneAfter,
		logger:     logger,
		lastSeen:   make(map[int]time.Time),
	}
}

// Start subscribes to the hub inbox.
func (h *Hub) Start(ctx context.Context) error {
	msgs, unsub, err := h.ps.Subscribe(ctx, relay.InboxChannel)
	if err != nil {
		return fmt.Errorf("hub: subscribe: %w", err)
	}
	h.mu.Lock()
	h.unsub = unsub
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for msg := range msgs {
			var env relay.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				h.logger.Warn("hub: bad envelope", zap.Error(err))
				continue
			}
			if err := h.Handle(context.Background(), &env); err != nil {
				h.logger.Error("hub: handle failed",
					zap.String("kind", string(env.Kind)), zap.Int("server_id", env.ServerID), zap.Error(err))
			}
		}
	}()
	h.logger.Info("hub started", zap.String("channel", relay.InboxChannel))
	return nil
}

// Close unsubscribes and waits for the inbox loop to exit.
func (h *Hub) Close() {
	h.mu.Lock()
	unsub := h.unsub
	h.unsub = nil
	h.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	h.wg.Wait()
}

// Handle applies one envelope from a shard.
func (h *Hub) Handle(ctx context.Context, env *relay.Envelope) error {
	if env.ServerID <= 0 {
		return fmt.Errorf("hub: envelope without server id")
	}
	h.touch(env.ServerID)

	switch env.Kind {
	case relay.KindLogin:
		return h.login(ctx, env.ServerID, env.Username)
	case relay.KindLogout:
		return h.logout(ctx, env.ServerID, env.Username)
	case relay.KindHeartbeat:
		return h.resync(ctx, env.ServerID, env.Usernames)
	case relay.KindRelay:
		return h.route(ctx, env)
	case relay.KindPresenceQuery:
		return h.answer(ctx, env)
	default:
		return fmt.Errorf("hub: unexpected kind %q", env.Kind)
	}
}

func (h *Hub) touch(serverID int) {
	h.mu.Lock()
	h.lastSeen[serverID] = time.Now()
	h.mu.Unlock()
}

func (h *Hub) login(ctx context.Context, serverID int, username string) error {
	u := strings.ToLower(username)
	if u == "" {
		return nil
	}
	if err := h.cache.HSet(ctx, presenceKey, u, strconv.Itoa(serverID)); err != nil {
		return err
	}
	return h.cache.SAdd(ctx, serverKey(serverID), u)
}

// logout only clears the entry if it still belongs to serverID, so a late
// logout from an old shard never hides a newer login elsewhere.
func (h *Hub) logout(ctx context.Context, serverID int, username string) error {
	u := strings.ToLower(username)
	if err := h.cache.SRem(ctx, serverKey(serverID), u); err != nil {
		return err
	}
	owner, ok, err := h.owner(ctx, u)
	if err != nil || !ok || owner != serverID {
		return err
	}
	return h.cache.HDel(ctx, presenceKey, u)
}

func (h *Hub) owner(ctx context.Context, username string) (int, bool, error) {
	v, err := h.cache.HGet(ctx, presenceKey, username)
	if cache.IsNotFound(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	id, err := strconv.Atoi(v)
	if err != nil {
		return 0, false, fmt.Errorf("hub: corrupt presence for %q: %w", username, err)
	}
	return id, true, nil
}

// resync makes usernames the complete set of users on serverID.
func (h *Hub) resync(ctx context.Context, serverID int, usernames []string) error {
	want := make(map[string]bool, len(usernames))
	for _, u := range usernames {
		want[strings.ToLower(u)] = true
	}
	have, err := h.cache.SMembers(ctx, serverKey(serverID))
	if err != nil {
		return err
	}
	for _, u := range have {
		if !want[u] {
			if err := h.logout(ctx, serverID, u); err != nil {
				return err
			}
		}
	}
	for u := range want {
		if err := h.login(ctx, serverID, u); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hub) route(ctx context.Context, env *relay.Envelope) error {
	id, ok, err := h.owner(ctx, strings.ToLower(env.Username))
	if err != nil {
		return err
	}
	if !ok {
		h.logger.Debug("hub: relay target offline, dropped",
			zap.String("username", env.Username), zap.Int("from", env.ServerID))
		return nil
	}
	return h.publish(ctx, id, relay.Envelope{
		Kind:     relay.KindRelay,
		ServerID: id,
		Username: env.Username,
		Packet:   env.Packet,
	})
}

// answer reports users connected to any shard except the one asking.
func (h *Hub) answer(ctx context.Context, env *relay.Envelope) error {
	servers := make(map[string]int, len(env.Usernames))
	for _, u := range env.Usernames {
		id, ok, err := h.owner(ctx, strings.ToLower(u))
		if err != nil {
			return err
		}
		if ok && id != env.ServerID {
			servers[u] = id
		}
	}
	return h.publish(ctx, env.ServerID, relay.Envelope{
		Kind:      relay.KindPresenceResult,
		ServerID:  env.ServerID,
		RequestID: env.RequestID,
		Servers:   servers,
	})
}

func (h *Hub) publish(ctx context.Context, serverID int, env relay.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return h.ps.Publish(ctx, relay.ShardChannel(serverID), string(data))
}

// Prune drops the presence of every shard that has been silent longer than
// pruneAfter and returns their ids.
func (h *Hub) Prune(ctx context.Context) ([]int, error) {
	cutoff := time.Now().Add(-h.pruneAfter)
	var stale []int
	h.mu.Lock()
	for id, seen := range h.lastSeen {
		if seen.Before(cutoff) {
			stale = append(stale, id)
			delete(h.lastSeen, id)
		}
	}
	h.mu.Unlock()
	sort.Ints(stale)

	var errs []error
	for _, id := range stale {
		if err := h.resync(ctx, id, nil); err != nil {
			errs = append(errs, fmt.Errorf("hub: prune server %d: %w", id, err))
			continue
		}
		h.logger.Warn("hub: shard silent, presence dropped", zap.Int("server_id", id))
	}
	return stale, errors.Join(errs...)
}

// Presence returns every connected user and the shard holding it.
func (h *Hub) Presence(ctx context.Context) (map[string]int, error) {
	raw, err := h.cache.HGetAll(ctx, presenceKey)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(raw))
	for u, v := range raw {
		id, err := strconv.Atoi(v)
		if err != nil {
			continue
		}
		out[u] = id
	}
	return out, nil
}

// Servers returns the last time each known shard was heard from.
func (h *Hub) Servers() map[int]time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[int]time.Time, len(h.lastSeen))
	for id, t := range h.lastSeen {
		out[id] = t
	}
	return out
}
