package rest_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/opencompute/Kaetram-Open/audit"
	"github.com/opencompute/Kaetram-Open/config"
	"github.com/opencompute/Kaetram-Open/game/guild"
	"github.com/opencompute/Kaetram-Open/game/player"
	"github.com/opencompute/Kaetram-Open/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func nopLogger() *zap.Logger { return zap.NewNop() }

// guildWorld is a single-shard guild stack over an in-memory database.
// auditSvc may be nil.
type guildWorld struct {
	db    *gorm.DB
	sm    *player.SessionManager
	store guild.Store
	coord *guild.Coordinator
}

func newGuildWorld(t *testing.T, db *gorm.DB, auditSvc *audit.Service) *guildWorld {
	t.Helper()
	c, _ := testutil.SetupTestCache(t)
	sm := player.NewSessionManager(nopLogger())
	store := guild.NewCachedStore(guild.NewGormStore(db), c, time.Minute, nopLogger())
	coord := guild.NewCoordinator(store, sm, nil, c, auditSvc, config.GuildConfig{
		MaxMembers:   4,
		CreationCost: 10,
		ChatHistory:  5,
	}, 1, nopLogger())
	t.Cleanup(coord.Wait)
	return &guildWorld{db: db, sm: sm, store: store, coord: coord}
}

// online creates a player row and a connected session without a socket.
func (w *guildWorld) online(t *testing.T, username string) *player.PlayerSession {
	t.Helper()
	p := testutil.CreatePlayer(t, w.db, username, 100)
	s := &player.PlayerSession{
		PlayerID: p.ID,
		Username: username,
		SendChan: make(chan []byte, 64),
		Done:     make(chan struct{}),
	}
	w.sm.Register(s)
	return s
}

func (w *guildWorld) found(t *testing.T, owner *player.PlayerSession, name string, members ...*player.PlayerSession) {
	t.Helper()
	ctx := context.Background()
	deco := guild.Decoration{Banner: "green", Outline: 0, OutlineColor: "black", Crest: "crown"}
	_, err := w.coord.Create(ctx, owner, name, deco, false)
	require.NoError(t, err)
	for _, m := range members {
		require.NoError(t, w.coord.Join(ctx, m, name))
	}
}

func request(h http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}
