package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/opencompute/Kaetram-Open/cache"
	cacheredis "github.com/opencompute/Kaetram-Open/cache/redis"
	"github.com/opencompute/Kaetram-Open/game/player"
	"github.com/opencompute/Kaetram-Open/relay"
	"github.com/opencompute/Kaetram-Open/testutil"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newLocalHub(t *testing.T, pruneAfter time.Duration) *Hub {
	t.Helper()
	c, ps := testutil.SetupTestCache(t)
	return New(c, ps, pruneAfter, zap.NewNop())
}

func handle(t *testing.T, h *Hub, env relay.Envelope) {
	t.Helper()
	require.NoError(t, h.Handle(context.Background(), &env))
}

func presence(t *testing.T, h *Hub) map[string]int {
	t.Helper()
	p, err := h.Presence(context.Background())
	require.NoError(t, err)
	return p
}

func TestHub_LoginLogoutOwnership(t *testing.T) {
	h := newLocalHub(t, time.Minute)

	handle(t, h, relay.Envelope{Kind: relay.KindLogin, ServerID: 1, Username: "Alice"})
	assert.Equal(t, map[string]int{"alice": 1}, presence(t, h))

	// alice reconnects on shard 2 before shard 1 reports the logout
	handle(t, h, relay.Envelope{Kind: relay.KindLogin, ServerID: 2, Username: "alice"})
	handle(t, h, relay.Envelope{Kind: relay.KindLogout, ServerID: 1, Username: "alice"})
	assert.Equal(t, map[string]int{"alice": 2}, presence(t, h))

	handle(t, h, relay.Envelope{Kind: relay.KindLogout, ServerID: 2, Username: "alice"})
	assert.Empty(t, presence(t, h))

	assert.Error(t, h.Handle(context.Background(), &relay.Envelope{Kind: relay.KindLogin, Username: "x"}))
	assert.Error(t, h.Handle(context.Background(), &relay.Envelope{Kind: "bogus", ServerID: 1}))
}

func TestHub_HeartbeatResync(t *testing.T) {
	h := newLocalHub(t, time.Minute)
	handle(t, h, relay.Envelope{Kind: relay.KindLogin, ServerID: 1, Username: "alice"})
	handle(t, h, relay.Envelope{Kind: relay.KindLogin, ServerID: 1, Username: "bob"})
	handle(t, h, relay.Envelope{Kind: relay.KindLogin, ServerID: 2, Username: "dave"})

	handle(t, h, relay.Envelope{Kind: relay.KindHeartbeat, ServerID: 1, Usernames: []string{"bob", "Carol"}})
	assert.Equal(t, map[string]int{"bob": 1, "carol": 1, "dave": 2}, presence(t, h))
}

func TestHub_PruneSilentShards(t *testing.T) {
	h := newLocalHub(t, 20*time.Millisecond)
	handle(t, h, relay.Envelope{Kind: relay.KindHeartbeat, ServerID: 1, Usernames: []string{"alice"}})
	handle(t, h, relay.Envelope{Kind: relay.KindHeartbeat, ServerID: 2, Usernames: []string{"bob"}})

	time.Sleep(40 * time.Millisecond)
	handle(t, h, relay.Envelope{Kind: relay.KindHeartbeat, ServerID: 2, Usernames: []string{"bob"}})

	pruned, err := h.Prune(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{1}, pruned)
	assert.Equal(t, map[string]int{"bob": 2}, presence(t, h))
	assert.NotContains(t, h.Servers(), 1)
	assert.Contains(t, h.Servers(), 2)
}

func TestHub_Router(t *testing.T) {
	h := newLocalHub(t, time.Minute)
	handle(t, h, relay.Envelope{Kind: relay.KindLogin, ServerID: 1, Username: "alice"})

	r := h.Router(nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"1":`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/presence", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Online  int            `json:"online"`
		Players map[string]int `json:"players"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Online)
	assert.Equal(t, map[string]int{"alice": 1}, body.Players)

	w = httptest.NewRecorder()
	h.Router([]string{"10.1.1.1"}).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/presence", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

// HubSuite runs two shards' relay clients against a started hub. The
// transport is chosen by the embedding suite.
type HubSuite struct {
	suite.Suite
	cache  cache.Cache
	ps     cache.PubSub
	hub    *Hub
	shards map[int]*relay.Client
	inbox  map[int]chan string
}

func (s *HubSuite) startShards() {
	s.hub = New(s.cache, s.ps, time.Minute, zap.NewNop())
	s.Require().NoError(s.hub.Start(context.Background()))
	s.shards = make(map[int]*relay.Client)
	s.inbox = make(map[int]chan string)
	for _, id := range []int{1, 2} {
		got := make(chan string, 8)
		c := relay.NewClient(s.ps, id, time.Second, zap.NewNop())
		s.Require().NoError(c.Start(context.Background(), func(username string, pkt *player.Packet) bool {
			got <- username + ":" + string(pkt.Payload)
			return true
		}))
		s.shards[id] = c
		s.inbox[id] = got
	}
}

func (s *HubSuite) stopShards() {
	for _, c := range s.shards {
		c.Close()
	}
	s.hub.Close()
}

func (s *HubSuite) TestPresenceAndRelay() {
	ctx := context.Background()
	s.Require().NoError(s.shards[1].Login(ctx, "alice"))
	s.Require().NoError(s.shards[2].Login(ctx, "bob"))

	// the query rides the same inbox as the logins, so they are applied first
	servers, err := s.shards[1].QueryPresence(ctx, []string{"alice", "bob", "carol"})
	s.Require().NoError(err)
	s.Equal(map[string]int{"bob": 2}, servers, "own shard and offline users are left out")

	pkt := &player.Packet{Type: "guild", Payload: json.RawMessage(`{"opcode":8}`)}
	s.Require().NoError(s.shards[1].Relay(ctx, "carol", pkt))
	s.Require().NoError(s.shards[1].Relay(ctx, "bob", pkt))

	select {
	case v := <-s.inbox[2]:
		s.Equal(`bob:{"opcode":8}`, v)
	case <-time.After(2 * time.Second):
		s.Fail("relay not delivered")
	}
	select {
	case v := <-s.inbox[1]:
		s.Failf("unexpected delivery", "%q", v)
	default:
	}

	s.Require().NoError(s.shards[2].Logout(ctx, "bob"))
	servers, err = s.shards[1].QueryPresence(ctx, []string{"bob"})
	s.Require().NoError(err)
	s.Empty(servers)
}

type LocalHubSuite struct{ HubSuite }

func (s *LocalHubSuite) SetupTest() {
	s.cache, s.ps = testutil.SetupTestCache(s.T())
	s.startShards()
}

func (s *LocalHubSuite) TearDownTest() { s.stopShards() }

func TestLocalHubSuite(t *testing.T) {
	suite.Run(t, new(LocalHubSuite))
}

type RedisHubSuite struct {
	HubSuite
	client *goredis.Client
}

func (s *RedisHubSuite) SetupTest() {
	mr := miniredis.RunT(s.T())
	s.client = goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	s.cache = cacheredis.NewCacheWithClient(s.client)
	s.ps = cache.NewRedisPubSubWithClient(s.client)
	s.startShards()
}

func (s *RedisHubSuite) TearDownTest() {
	s.stopShards()
	_ = s.client.Close()
}

func TestRedisHubSuite(t *testing.T) {
	suite.Run(t, new(RedisHubSuite))
}
