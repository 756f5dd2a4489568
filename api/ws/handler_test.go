package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/opencompute/Kaetram-Open/config"
	"github.com/opencompute/Kaetram-Open/game/guild"
	"github.com/opencompute/Kaetram-Open/game/player"
	mw "github.com/opencompute/Kaetram-Open/middleware"
	"github.com/opencompute/Kaetram-Open/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "ws-test-secret"

type fakePresence struct {
	mu      sync.Mutex
	logins  []string
	logouts []string
}

func (p *fakePresence) Login(_ context.Context, username string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logins = append(p.logins, username)
	return nil
}

func (p *fakePresence) Logout(_ context.Context, username string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logouts = append(p.logouts, username)
	return nil
}

func (p *fakePresence) snapshot() ([]string, []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.logins...), append([]string(nil), p.logouts...)
}

type wsFixture struct {
	srv      *httptest.Server
	sm       *player.SessionManager
	presence *fakePresence
	issue    func(username string) string
}

func newWSFixture(t *testing.T) *wsFixture {
	gin.SetMode(gin.TestMode)
	db := testutil.SetupTestDB(t)
	c, _ := testutil.SetupTestCache(t)
	sm := player.NewSessionManager(nop())
	coord := newCoordinator(t, db, sm)
	presence := &fakePresence{}
	sec := config.SecurityConfig{JWTSecret: testSecret}

	router := NewRouter(nop())
	NewGuildHandlers(coord, nop()).RegisterHandlers(router)
	h := NewHandler(db, c, sec, sm, coord, presence, router, nop())

	r := gin.New()
	r.GET("/ws", h.ServeWS)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	issue := func(username string) string {
		p := testutil.CreatePlayer(t, db, username, 1000)
		token, err := mw.GenerateToken(p.ID, p.Username, testSecret, time.Hour)
		require.NoError(t, err)
		require.NoError(t, c.Set(context.Background(), mw.SessionKey(token), p.Username, time.Hour))
		return token
	}
	return &wsFixture{srv: srv, sm: sm, presence: presence, issue: issue}
}

func (f *wsFixture) url(token string) string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws?token=" + token
}

func (f *wsFixture) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(f.url(token), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readUntil reads packets until one of type typ arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) *player.Packet {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var pkt player.Packet
		require.NoError(t, conn.ReadJSON(&pkt))
		if pkt.Type == typ {
			return &pkt
		}
	}
}

func TestServeWS_RejectsBadTokens(t *testing.T) {
	f := newWSFixture(t)

	resp, err := http.Get(f.srv.URL + "/ws")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get(f.srv.URL + "/ws?token=garbage")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Valid JWT without a cached session.
	token, err := mw.GenerateToken(99, "ghost", testSecret, time.Hour)
	require.NoError(t, err)
	resp, err = http.Get(f.srv.URL + "/ws?token=" + token)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServeWS_GuildRoundTrip(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t, f.issue("alice"))

	require.Eventually(t, func() bool { return f.sm.IsOnline("alice") }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(player.Packet{
		Seq:  1,
		Type: guild.PacketType,
		Payload: guildPayload(t, guild.OpCreate, guild.CreateRequest{
			Name: "Herons", Decoration: testDecoration,
		}),
	}))
	ev, err := guild.Decode(readUntil(t, conn, guild.PacketType))
	require.NoError(t, err)
	login, ok := ev.(guild.LoginEvent)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, "herons", login.Identifier)

	require.NoError(t, conn.WriteJSON(player.Packet{Seq: 2, Type: "ping", Payload: []byte(`{"ts":7}`)}))
	readUntil(t, conn, "pong")

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		_, logouts := f.presence.snapshot()
		return len(logouts) == 1
	}, 2*time.Second, 10*time.Millisecond)
	logins, _ := f.presence.snapshot()
	assert.Equal(t, []string{"alice"}, logins)
	assert.False(t, f.sm.IsOnline("alice"))
}

func TestServeWS_ReconnectRestoresGuild(t *testing.T) {
	f := newWSFixture(t)
	token := f.issue("alice")

	first := f.dial(t, token)
	require.NoError(t, first.WriteJSON(player.Packet{
		Seq:  1,
		Type: guild.PacketType,
		Payload: guildPayload(t, guild.OpCreate, guild.CreateRequest{
			Name: "Herons", Decoration: testDecoration,
		}),
	}))
	readUntil(t, first, guild.PacketType)

	// A second login displaces the first; the guild is restored on connect.
	second := f.dial(t, token)
	ev, err := guild.Decode(readUntil(t, second, guild.PacketType))
	require.NoError(t, err)
	login, ok := ev.(guild.LoginEvent)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, "herons", login.Identifier)

	// The displaced session must not log the player out.
	time.Sleep(100 * time.Millisecond)
	_, logouts := f.presence.snapshot()
	assert.Empty(t, logouts)
	assert.True(t, f.sm.IsOnline("alice"))
}
