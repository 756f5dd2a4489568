package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opencompute/Kaetram-Open/cache"
	"github.com/opencompute/Kaetram-Open/game/player"
	"go.uber.org/zap"
)

// ErrTimeout is returned when the hub does not answer a presence query in time.
var ErrTimeout = errors.New("relay: hub did not answer in time")

// ErrNotStarted is returned by QueryPresence before Start.
var ErrNotStarted = errors.New("relay: client not started")

// DeliverFunc hands a packet relayed by the hub to a local session and
// reports whether the user was connected here.
type DeliverFunc func(username string, pkt *player.Packet) bool

// Client is a shard's connection to the hub.
type Client struct {
	ps       cache.PubSub
	serverID int
	timeout  time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	pending map[string]chan map[string]int
	started bool
	unsub   func()
	wg      sync.WaitGroup
}

// NewClient creates a Client for serverID. queryTimeout bounds QueryPresence.
func NewClient(ps cache.PubSub, serverID int, queryTimeout time.Duration, logger *zap.Logger) *Client {
	if queryTimeout <= 0 {
		queryTimeout = 2 * time.Second
	}
	return &Client{
		ps:       ps,
		serverID: serverID,
		timeout:  queryTimeout,
		logger:   logger,
		pending:  make(map[string]chan map[string]int),
	}
}

// ServerID returns the shard id this client speaks for.
func (c *Client) ServerID() int { return c.serverID }

// Start subscribes to the shard channel. Relayed packets are handed to
// deliver from a single goroutine, in arrival order.
func (c *Client) Start(ctx context.Context, deliver DeliverFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New("relay: client already started")
	}
	msgs, unsub, err := c.ps.Subscribe(ctx, ShardChannel(c.serverID))
	if err != nil {
		return fmt.Errorf("relay: subscribe: %w", err)
	}
	c.started = true
	c.unsub = unsub
	c.wg.Add(1)
	go c.loop(msgs, deliver)
	return nil
}

func (c *Client) loop(msgs <-chan *cache.Message, deliver DeliverFunc) {
	defer c.wg.Done()
	for msg := range msgs {
		var env Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			c.logger.Warn("relay: bad envelope", zap.Error(err))
			continue
		}
		switch env.Kind {
		case KindRelay:
			if env.Packet == nil {
				continue
			}
			if !deliver(env.Username, env.Packet) {
				c.logger.Debug("relay: recipient not on this shard",
					zap.String("username", env.Username), zap.String("type", env.Packet.Type))
			}
		case KindPresenceResult:
			c.resolve(env.RequestID, env.Servers)
		default:
			c.logger.Debug("relay: ignoring envelope", zap.String("kind", string(env.Kind)))
		}
	}
}

func (c *Client) resolve(requestID string, servers map[string]int) {
	c.mu.Lock()
	ch, ok := c.pending[requestID]
	delete(c.pending, requestID)
	c.mu.Unlock()
	if !ok {
		return // answered after the caller gave up
	}
	if servers == nil {
		servers = map[string]int{}
	}
	ch <- servers
}

func (c *Client) publish(ctx context.Context, env Envelope) error {
	env.ServerID = c.serverID
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := c.ps.Publish(ctx, InboxChannel, string(data)); err != nil {
		return fmt.Errorf("relay: publish %s: %w", env.Kind, err)
	}
	return nil
}

// Relay asks the hub to deliver pkt to username on whatever shard holds it.
// Delivery is not confirmed.
func (c *Client) Relay(ctx context.Context, username string, pkt *player.Packet) error {
	return c.publish(ctx, Envelope{Kind: KindRelay, Username: username, Packet: pkt})
}

// QueryPresence returns the server id of every username connected to another
// shard. Users connected nowhere, or to this shard, are absent from the map.
func (c *Client) QueryPresence(ctx context.Context, usernames []string) (map[string]int, error) {
	if len(usernames) == 0 {
		return map[string]int{}, nil
	}
	id := uuid.NewString()
	ch := make(chan map[string]int, 1)

	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil, ErrNotStarted
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.publish(ctx, Envelope{Kind: KindPresenceQuery, RequestID: id, Usernames: usernames}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case servers := <-ch:
		return servers, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Login announces that username connected to this shard.
func (c *Client) Login(ctx context.Context, username string) error {
	return c.publish(ctx, Envelope{Kind: KindLogin, Username: username})
}

// Logout announces that username left this shard.
func (c *Client) Logout(ctx context.Context, username string) error {
	return c.publish(ctx, Envelope{Kind: KindLogout, Username: username})
}

// Heartbeat sends the full list of users connected here. The hub replaces
// whatever it knew about this shard with it.
func (c *Client) Heartbeat(ctx context.Context, usernames []string) error {
	return c.publish(ctx, Envelope{Kind: KindHeartbeat, Usernames: usernames})
}

// Close unsubscribes and waits for the receive loop to exit.
func (c *Client) Close() {
	c.mu.Lock()
	unsub := c.unsub
	c.unsub = nil
	c.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	c.wg.Wait()
}
