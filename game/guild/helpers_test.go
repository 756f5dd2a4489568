package guild

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opencompute/Kaetram-Open/config"
	"github.com/opencompute/Kaetram-Open/game/player"
	"github.com/opencompute/Kaetram-Open/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testDecoration = Decoration{Banner: "red", Outline: 1, OutlineColor: "gold", Crest: "star"}

func testGuildConfig() config.GuildConfig {
	return config.GuildConfig{
		MaxMembers:   3,
		CreationCost: 100,
		RetryLimit:   5,
		ChatHistory:  5,
		CacheTTL:     time.Minute,
		NameMin:      3,
		NameMax:      16,
	}
}

func newSession(username string) *player.PlayerSession {
	return &player.PlayerSession{
		Username: username,
		SendChan: make(chan []byte, 256),
		Done:     make(chan struct{}),
	}
}

// drainPackets empties the session's send buffer.
func drainPackets(t *testing.T, s *player.PlayerSession) []*player.Packet {
	t.Helper()
	var out []*player.Packet
	for {
		select {
		case data := <-s.SendChan:
			var pkt player.Packet
			require.NoError(t, json.Unmarshal(data, &pkt))
			out = append(out, &pkt)
		default:
			return out
		}
	}
}

// drainEvents returns the decoded guild events waiting on s.
func drainEvents(t *testing.T, s *player.PlayerSession) []Event {
	t.Helper()
	var out []Event
	for _, pkt := range drainPackets(t, s) {
		if pkt.Type != PacketType {
			continue
		}
		ev, err := Decode(pkt)
		require.NoError(t, err)
		out = append(out, ev)
	}
	return out
}

func eventsOf[T Event](events []Event) []T {
	var out []T
	for _, ev := range events {
		if v, ok := ev.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

// fakeHub records relayed packets and answers presence from a fixed table.
type fakeHub struct {
	mu       sync.Mutex
	relayed  map[string][]*player.Packet
	remote   map[string]int
	queryErr error
	queries  [][]string
}

func newFakeHub() *fakeHub {
	return &fakeHub{relayed: make(map[string][]*player.Packet), remote: make(map[string]int)}
}

func (h *fakeHub) Relay(_ context.Context, username string, pkt *player.Packet) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.relayed[strings.ToLower(username)] = append(h.relayed[strings.ToLower(username)], pkt)
	return nil
}

func (h *fakeHub) QueryPresence(_ context.Context, usernames []string) (map[string]int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.queries = append(h.queries, append([]string(nil), usernames...))
	if h.queryErr != nil {
		return nil, h.queryErr
	}
	out := make(map[string]int)
	for _, u := range usernames {
		if id, ok := h.remote[u]; ok {
			out[u] = id
		}
	}
	return out, nil
}

func (h *fakeHub) relayedTo() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]int, len(h.relayed))
	for u, pkts := range h.relayed {
		out[u] = len(pkts)
	}
	return out
}

func (h *fakeHub) reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.relayed = make(map[string][]*player.Packet)
	h.queries = nil
}

// shard bundles one coordinator with its session registry and hub.
type shard struct {
	coord *Coordinator
	sm    *player.SessionManager
	hub   *fakeHub
	store Store
}

type testEnv struct {
	t  *testing.T
	db *gorm.DB
	*shard
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := testutil.SetupTestDB(t)
	env := &testEnv{t: t, db: db}
	env.shard = env.newShard(1)
	return env
}

// newShard builds another coordinator over the same database and a cache of
// its own, like a second shard process.
func (e *testEnv) newShard(serverID int) *shard {
	c, _ := testutil.SetupTestCache(e.t)
	logger := zap.NewNop()
	store := NewCachedStore(NewGormStore(e.db), c, time.Minute, logger)
	sm := player.NewSessionManager(logger)
	hub := newFakeHub()
	coord := NewCoordinator(store, sm, hub, c, nil, testGuildConfig(), serverID, logger)
	e.t.Cleanup(coord.Wait)
	return &shard{coord: coord, sm: sm, hub: hub, store: store}
}

// login creates the player row and a registered session on sh.
func (e *testEnv) login(sh *shard, username string) *player.PlayerSession {
	e.t.Helper()
	testutil.CreatePlayer(e.t, e.db, username, 1000)
	s := newSession(username)
	sh.sm.Register(s)
	return s
}

func (e *testEnv) pointer(username string) string {
	e.t.Helper()
	p, err := NewGormStore(e.db).LoadPlayer(context.Background(), username)
	require.NoError(e.t, err)
	return p.Guild
}

func (e *testEnv) record(identifier string) *Record {
	e.t.Helper()
	r, err := NewGormStore(e.db).LoadGuild(context.Background(), identifier)
	require.NoError(e.t, err)
	return r
}

// guildOf creates a guild owned by owner and joins the others.
func (e *testEnv) guildOf(name string, owner *player.PlayerSession, others ...*player.PlayerSession) *Record {
	e.t.Helper()
	ctx := context.Background()
	_, err := e.coord.Create(ctx, owner, name, testDecoration, false)
	require.NoError(e.t, err)
	for _, s := range others {
		require.NoError(e.t, e.coord.Join(ctx, s, name))
	}
	for _, s := range append([]*player.PlayerSession{owner}, others...) {
		drainPackets(e.t, s)
	}
	e.hub.reset()
	return e.record(Normalize(name))
}
