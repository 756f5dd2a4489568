package relay

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/opencompute/Kaetram-Open/cache"
	"github.com/opencompute/Kaetram-Open/game/player"
	"github.com/opencompute/Kaetram-Open/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// inbox subscribes to the hub inbox and returns decoded envelopes.
func inbox(t *testing.T, ps cache.PubSub) <-chan Envelope {
	t.Helper()
	msgs, unsub, err := ps.Subscribe(context.Background(), InboxChannel)
	require.NoError(t, err)
	out := make(chan Envelope, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for m := range msgs {
			var env Envelope
			if json.Unmarshal([]byte(m.Payload), &env) == nil {
				out <- env
			}
		}
	}()
	t.Cleanup(func() {
		unsub()
		<-done
	})
	return out
}

func next(t *testing.T, ch <-chan Envelope) Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(time.Second):
		t.Fatal("no envelope published")
		return Envelope{}
	}
}

func TestClient_PublishesEnvelopes(t *testing.T) {
	_, ps := testutil.SetupTestCache(t)
	hub := inbox(t, ps)
	c := NewClient(ps, 3, time.Second, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, c.Login(ctx, "alice"))
	assert.Equal(t, Envelope{Kind: KindLogin, ServerID: 3, Username: "alice"}, next(t, hub))

	require.NoError(t, c.Logout(ctx, "alice"))
	assert.Equal(t, Envelope{Kind: KindLogout, ServerID: 3, Username: "alice"}, next(t, hub))

	require.NoError(t, c.Heartbeat(ctx, []string{"bob", "carol"}))
	assert.Equal(t, Envelope{Kind: KindHeartbeat, ServerID: 3, Usernames: []string{"bob", "carol"}}, next(t, hub))

	pkt := &player.Packet{Type: "guild", Payload: json.RawMessage(`{"opcode":8}`)}
	require.NoError(t, c.Relay(ctx, "dave", pkt))
	env := next(t, hub)
	assert.Equal(t, KindRelay, env.Kind)
	assert.Equal(t, "dave", env.Username)
	assert.Equal(t, "guild", env.Packet.Type)
	assert.JSONEq(t, `{"opcode":8}`, string(env.Packet.Payload))
}

func TestClient_DeliversRelayedPackets(t *testing.T) {
	_, ps := testutil.SetupTestCache(t)
	c := NewClient(ps, 1, time.Second, zap.NewNop())

	got := make(chan string, 1)
	require.NoError(t, c.Start(context.Background(), func(username string, pkt *player.Packet) bool {
		got <- username + ":" + pkt.Type
		return true
	}))
	defer c.Close()
	assert.Error(t, c.Start(context.Background(), nil), "second start refused")

	data, _ := json.Marshal(Envelope{Kind: KindRelay, ServerID: 1, Username: "bob", Packet: &player.Packet{Type: "guild"}})
	require.NoError(t, ps.Publish(context.Background(), ShardChannel(1), string(data)))
	// other shards' traffic is not seen
	require.NoError(t, ps.Publish(context.Background(), ShardChannel(2), string(data)))

	select {
	case v := <-got:
		assert.Equal(t, "bob:guild", v)
	case <-time.After(time.Second):
		t.Fatal("packet not delivered")
	}
	select {
	case v := <-got:
		t.Fatalf("unexpected delivery %q", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClient_QueryPresence(t *testing.T) {
	_, ps := testutil.SetupTestCache(t)
	hub := inbox(t, ps)
	c := NewClient(ps, 1, time.Second, zap.NewNop())
	require.NoError(t, c.Start(context.Background(), func(string, *player.Packet) bool { return false }))
	defer c.Close()

	type result struct {
		servers map[string]int
		err     error
	}
	done := make(chan result, 1)
	go func() {
		servers, err := c.QueryPresence(context.Background(), []string{"bob", "carol"})
		done <- result{servers, err}
	}()

	q := next(t, hub)
	require.Equal(t, KindPresenceQuery, q.Kind)
	assert.Equal(t, []string{"bob", "carol"}, q.Usernames)
	require.NotEmpty(t, q.RequestID)

	answer := func(requestID string, servers map[string]int) {
		data, _ := json.Marshal(Envelope{Kind: KindPresenceResult, ServerID: 1, RequestID: requestID, Servers: servers})
		require.NoError(t, ps.Publish(context.Background(), ShardChannel(1), string(data)))
	}
	answer("someone-else", map[string]int{"bob": 9})
	answer(q.RequestID, map[string]int{"bob": 2})

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, map[string]int{"bob": 2}, r.servers)
	case <-time.After(time.Second):
		t.Fatal("query not answered")
	}
}

func TestClient_QueryPresenceTimeout(t *testing.T) {
	_, ps := testutil.SetupTestCache(t)
	c := NewClient(ps, 1, 30*time.Millisecond, zap.NewNop())

	_, err := c.QueryPresence(context.Background(), []string{"bob"})
	assert.ErrorIs(t, err, ErrNotStarted)

	require.NoError(t, c.Start(context.Background(), func(string, *player.Packet) bool { return false }))
	defer c.Close()

	start := time.Now()
	_, err = c.QueryPresence(context.Background(), []string{"bob"})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)

	servers, err := c.QueryPresence(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, servers)
}
