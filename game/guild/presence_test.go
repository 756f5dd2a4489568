package guild

import (
	"context"
	"errors"
	"testing"

	"github.com/opencompute/Kaetram-Open/game/player"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestPresenceResolver_Classify(t *testing.T) {
	sm := player.NewSessionManager(zap.NewNop())
	sm.Register(newSession("alice"))
	hub := newFakeHub()
	hub.remote["bob"] = 2
	p := NewPresenceResolver(sm, hub, zap.NewNop())

	got := p.Classify(context.Background(), []string{"Alice", "bob", "carol", "ALICE"})
	assert.Equal(t, []string{"Alice"}, got.Online)
	assert.Equal(t, []RemoteMember{{Username: "bob", ServerID: 2}}, got.Remote)
	assert.Equal(t, []string{"carol"}, got.Offline)
	assert.Equal(t, [][]string{{"bob", "carol"}}, hub.queries, "only non-local names reach the hub")
}

func TestPresenceResolver_AllLocalSkipsHub(t *testing.T) {
	sm := player.NewSessionManager(zap.NewNop())
	sm.Register(newSession("alice"))
	hub := newFakeHub()
	p := NewPresenceResolver(sm, hub, zap.NewNop())

	got := p.Classify(context.Background(), []string{"alice"})
	assert.Equal(t, []string{"alice"}, got.Online)
	assert.Empty(t, hub.queries)
}

func TestPresenceResolver_HubFailure(t *testing.T) {
	sm := player.NewSessionManager(zap.NewNop())
	hub := newFakeHub()
	hub.remote["bob"] = 2
	hub.queryErr = errors.New("timeout")

	got := NewPresenceResolver(sm, hub, zap.NewNop()).Classify(context.Background(), []string{"bob"})
	assert.Empty(t, got.Remote)
	assert.Equal(t, []string{"bob"}, got.Offline)

	got = NewPresenceResolver(sm, nil, zap.NewNop()).Classify(context.Background(), []string{"bob"})
	assert.Equal(t, []string{"bob"}, got.Offline)
}
