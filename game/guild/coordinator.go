package guild

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/opencompute/Kaetram-Open/audit"
	"github.com/opencompute/Kaetram-Open/cache"
	"github.com/opencompute/Kaetram-Open/config"
	"github.com/opencompute/Kaetram-Open/game/player"
	"go.uber.org/zap"
)

// Coordinator owns every write to guild records.
//
// Within a shard, operations on one identifier queue in a mailbox drained by
// a single goroutine, so they apply one at a time in arrival order. Across
// shards, each commit is conditional on the record version and a lost race is
// retried against fresh state. Effects of a commit (session mirrors, fan-out)
// run on the mailbox goroutine before the next operation starts.
type Coordinator struct {
	store     Store
	world     World
	presence  *PresenceResolver
	fanout    *Fanout
	directory *Directory
	cache     cache.Cache
	audit     *audit.Service
	cfg       config.GuildConfig
	serverID  int
	logger    *zap.Logger

	mu    sync.Mutex
	boxes map[string]*mailbox
	wg    sync.WaitGroup
}

type job struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

type mailbox struct {
	pending []*job
}

// effect runs after a successful commit, still inside the mailbox.
type effect func()

// NewCoordinator wires a coordinator. hub, c and auditSvc may be nil.
func NewCoordinator(store Store, world World, hub Hub, c cache.Cache, auditSvc *audit.Service,
	cfg config.GuildConfig, serverID int, logger *zap.Logger) *Coordinator {
	cfg = withDefaults(cfg)
	return &Coordinator{
		store:     store,
		world:     world,
		presence:  NewPresenceResolver(world, hub, logger),
		fanout:    NewFanout(world, hub, logger),
		directory: NewDirectory(store, cfg.MaxMembers, logger),
		cache:     c,
		audit:     auditSvc,
		cfg:       cfg,
		serverID:  serverID,
		logger:    logger,
		boxes:     make(map[string]*mailbox),
	}
}

func withDefaults(cfg config.GuildConfig) config.GuildConfig {
	if cfg.MaxMembers <= 0 {
		cfg.MaxMembers = 10
	}
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = 5
	}
	if cfg.NameMin <= 0 {
		cfg.NameMin = 3
	}
	if cfg.NameMax < cfg.NameMin {
		cfg.NameMax = 16
	}
	return cfg
}

// Directory returns the read-only guild listing.
func (c *Coordinator) Directory() *Directory { return c.directory }

// Wait blocks until every queued operation has finished.
func (c *Coordinator) Wait() { c.wg.Wait() }

// submit queues fn behind every earlier operation on identifier and waits for
// it. A job whose context is already done when its turn comes is skipped; once
// started it runs to completion.
func (c *Coordinator) submit(ctx context.Context, identifier string, fn func(ctx context.Context) error) error {
	j := &job{ctx: ctx, fn: fn, done: make(chan error, 1)}

	c.mu.Lock()
	b, ok := c.boxes[identifier]
	if !ok {
		b = &mailbox{}
		c.boxes[identifier] = b
	}
	b.pending = append(b.pending, j)
	if !ok {
		c.wg.Add(1)
		go c.drain(identifier, b)
	}
	c.mu.Unlock()

	return <-j.done
}

func (c *Coordinator) drain(identifier string, b *mailbox) {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		if len(b.pending) == 0 {
			delete(c.boxes, identifier)
			c.mu.Unlock()
			return
		}
		j := b.pending[0]
		b.pending[0] = nil
		b.pending = b.pending[1:]
		c.mu.Unlock()

		j.done <- c.run(identifier, j)
	}
}

func (c *Coordinator) run(identifier string, j *job) (err error) {
	if err := j.ctx.Err(); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("guild operation panicked",
				zap.String("guild", identifier), zap.Any("recover", r))
			err = fmt.Errorf("guild: operation on %q panicked: %v", identifier, r)
		}
	}()
	return j.fn(context.WithoutCancel(j.ctx))
}

// transact repeats attempt while it loses version races, up to the retry
// limit. The effect of the winning attempt runs before transact returns.
func (c *Coordinator) transact(ctx context.Context, attempt func(ctx context.Context) (effect, error)) error {
	for i := 0; i < c.cfg.RetryLimit; i++ {
		after, err := attempt(ctx)
		if errors.Is(err, ErrConflict) {
			c.logger.Debug("guild commit conflict, retrying", zap.Int("attempt", i+1))
			continue
		}
		if err != nil {
			return err
		}
		if after != nil {
			after()
		}
		return nil
	}
	return ErrBusy
}

// onRequesterGuild runs fn in the mailbox of the guild the requester belongs
// to according to the database, with both freshly loaded. If the requester
// moves to another guild while queued, the lookup starts over.
func (c *Coordinator) onRequesterGuild(ctx context.Context, s *player.PlayerSession,
	fn func(ctx context.Context, p *PlayerState, r *Record) (effect, error)) (string, error) {
	for i := 0; i < c.cfg.RetryLimit; i++ {
		p, err := c.store.LoadPlayer(ctx, s.Username)
		if err != nil {
			return "", err
		}
		if p.Guild == "" {
			s.SetGuildID("")
			return "", ErrNotInGuild
		}
		id := p.Guild
		moved := false
		err = c.submit(ctx, id, func(ctx context.Context) error {
			return c.transact(ctx, func(ctx context.Context) (effect, error) {
				p, err := c.store.LoadPlayer(ctx, s.Username)
				if err != nil {
					return nil, err
				}
				if p.Guild != id {
					moved = true
					return nil, nil
				}
				r, err := c.store.LoadGuild(ctx, id)
				if err != nil {
					return nil, err
				}
				if !r.HasMember(p.Username) {
					if err := c.repair(ctx, s, id, r); err != nil {
						return nil, err
					}
					return nil, ErrNotInGuild
				}
				return fn(ctx, p, r)
			})
		})
		if moved {
			continue
		}
		return id, err
	}
	return "", ErrBusy
}

// repair clears a guild pointer that refers to a record which no longer lists
// the player. r is nil when the record is gone. The clear is conditional on r
// being current, so a stale cached copy never wipes a valid pointer.
func (c *Coordinator) repair(ctx context.Context, s *player.PlayerSession, id string, r *Record) error {
	m := &Mutation{
		Kind:     MutatePointers,
		Pointers: []PointerChange{{Username: s.Username, Expect: id, Set: ""}},
	}
	if r != nil {
		m.Kind = MutateVerify
		m.Record = r
	}
	if err := c.store.Commit(ctx, m); err != nil {
		return err
	}
	s.ClearGuildIDIf(id)
	c.logger.Info("stale guild pointer cleared",
		zap.String("username", s.Username), zap.String("guild", id))
	return nil
}

// Create founds a new guild owned by the requester, charging the creation cost.
func (c *Coordinator) Create(ctx context.Context, s *player.PlayerSession, name string, deco Decoration, inviteOnly bool) (*Record, error) {
	start := time.Now()
	name = strings.TrimSpace(name)
	id := Normalize(name)
	req := map[string]interface{}{"name": name, "decoration": deco, "invite_only": inviteOnly}

	if err := ValidateName(name, c.cfg.NameMin, c.cfg.NameMax); err != nil {
		return nil, c.finish(s.Username, s.TraceID, "create", id, req, start, err)
	}
	if err := deco.Validate(); err != nil {
		return nil, c.finish(s.Username, s.TraceID, "create", id, req, start, err)
	}

	var created *Record
	err := c.submit(ctx, id, func(ctx context.Context) error {
		return c.transact(ctx, func(ctx context.Context) (effect, error) {
			p, err := c.store.LoadPlayer(ctx, s.Username)
			if err != nil {
				return nil, err
			}
			switch {
			case p.Guild != "":
				return nil, ErrAlreadyInGuild
			case p.Guest:
				return nil, ErrGuestNotAllowed
			case !p.TutorialFinished:
				return nil, ErrPrerequisiteNotMet
			case p.Gold < c.cfg.CreationCost:
				return nil, ErrInsufficientGold
			}
			// name uniqueness is checked inside the commit; a cached record
			// may outlive its row
			now := time.Now().UTC()
			r := &Record{
				Identifier: id,
				Name:       name,
				Owner:      p.Username,
				Members:    []Member{{Username: p.Username, Rank: Landlord, JoinDate: now}},
				InviteOnly: inviteOnly,
				CreatedAt:  now,
				Decoration: deco,
			}
			err = c.store.Commit(ctx, &Mutation{
				Kind:   MutateCreate,
				Record: r,
				Pointers: []PointerChange{{
					Username: p.Username, Expect: "", Set: id,
					Cost: c.cfg.CreationCost, Strict: true,
				}},
			})
			if err != nil {
				return nil, err
			}
			return func() {
				s.SetGuildID(id)
				created = r.Clone()
				c.send(s, NewLoginEvent(r))
			}, nil
		})
	})
	return created, c.finish(s.Username, s.TraceID, "create", id, req, start, err)
}

// Connect attaches a freshly logged-in player to the guild its pointer names.
// A pointer to a missing guild, or to one that no longer lists the player, is
// cleared and (nil, nil) is returned.
func (c *Coordinator) Connect(ctx context.Context, s *player.PlayerSession, identifier string) (*Record, error) {
	if identifier == "" {
		return nil, nil
	}
	var rec *Record
	err := c.submit(ctx, identifier, func(ctx context.Context) error {
		return c.transact(ctx, func(ctx context.Context) (effect, error) {
			r, err := c.store.LoadGuild(ctx, identifier)
			switch {
			case errors.Is(err, ErrGuildNotFound):
				return nil, c.repair(ctx, s, identifier, nil)
			case err != nil:
				return nil, err
			case !r.HasMember(s.Username):
				return nil, c.repair(ctx, s, identifier, r)
			}
			return func() {
				s.SetGuildID(identifier)
				rec = r
				c.send(s, NewLoginEvent(r))
			}, nil
		})
	})
	if err != nil {
		c.logger.Error("guild connect failed",
			zap.String("username", s.Username), zap.String("guild", identifier), zap.Error(err))
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}

	others := without(rec.Usernames(), s.Username)
	c.welcome(ctx, s, rec.Identifier, others)
	c.fanout.Notify(ctx, others, UpdateEvent{
		Online: []OnlineMember{{Username: s.Username, ServerID: c.serverID}},
	})
	return rec, nil
}

// welcome sends a member the online state of the others and recent chat.
func (c *Coordinator) welcome(ctx context.Context, s *player.PlayerSession, id string, others []string) {
	pres := c.presence.Classify(ctx, others)
	update := UpdateEvent{Offline: pres.Offline}
	update.Online = append(update.Online, OnlineMember{Username: s.Username, ServerID: c.serverID})
	for _, u := range pres.Online {
		update.Online = append(update.Online, OnlineMember{Username: u, ServerID: c.serverID})
	}
	for _, m := range pres.Remote {
		update.Online = append(update.Online, OnlineMember{Username: m.Username, ServerID: m.ServerID})
	}
	c.send(s, update)
	c.sendHistory(ctx, s, id)
}

// Disconnect tells the other members that the player went offline.
func (c *Coordinator) Disconnect(ctx context.Context, s *player.PlayerSession) {
	id := s.GuildID()
	if id == "" {
		return
	}
	r, err := c.store.LoadGuild(ctx, id)
	if err != nil {
		c.logger.Debug("guild disconnect: record unavailable",
			zap.String("guild", id), zap.Error(err))
		return
	}
	c.fanout.Notify(ctx, without(r.Usernames(), s.Username), UpdateEvent{Offline: []string{s.Username}})
}

// Join adds the requester to a guild as a Fledgling.
func (c *Coordinator) Join(ctx context.Context, s *player.PlayerSession, identifier string) error {
	start := time.Now()
	id := Normalize(identifier)

	var joined *Record
	err := c.submit(ctx, id, func(ctx context.Context) error {
		return c.transact(ctx, func(ctx context.Context) (effect, error) {
			p, err := c.store.LoadPlayer(ctx, s.Username)
			if err != nil {
				return nil, err
			}
			if p.Guest {
				return nil, ErrGuestNotAllowed
			}
			if p.Guild != "" {
				return nil, ErrAlreadyInGuild
			}
			r, err := c.store.LoadGuild(ctx, id)
			if err != nil {
				return nil, err
			}
			if r.HasMember(p.Username) {
				return nil, ErrAlreadyInGuild
			}
			if len(r.Members) >= c.cfg.MaxMembers {
				return nil, ErrGuildFull
			}

			existing := r.Usernames()
			r.Members = append(r.Members, Member{Username: p.Username, Rank: Fledgling, JoinDate: time.Now().UTC()})
			err = c.store.Commit(ctx, &Mutation{
				Kind:     MutateUpdate,
				Record:   r,
				Pointers: []PointerChange{{Username: p.Username, Expect: "", Set: id, Strict: true}},
			})
			if err != nil {
				return nil, err
			}
			return func() {
				s.SetGuildID(id)
				joined = r
				c.send(s, NewLoginEvent(r))
				c.fanout.Notify(ctx, existing, JoinEvent{Username: p.Username, ServerID: c.serverID})
			}, nil
		})
	})
	if err == nil {
		c.welcome(ctx, s, id, without(joined.Usernames(), s.Username))
	}
	return c.finish(s.Username, s.TraceID, "join", id, nil, start, err)
}

// Leave removes the requester from its guild. The owner leaving disbands it.
func (c *Coordinator) Leave(ctx context.Context, s *player.PlayerSession) error {
	start := time.Now()
	id, err := c.onRequesterGuild(ctx, s, func(ctx context.Context, p *PlayerState, r *Record) (effect, error) {
		if r.IsOwner(p.Username) {
			after, err := c.disband(ctx, r, p.Username)
			if err != nil {
				return nil, err
			}
			return func() {
				s.ClearGuildIDIf(r.Identifier)
				after()
			}, nil
		}
		r.RemoveMember(p.Username)
		err := c.store.Commit(ctx, &Mutation{
			Kind:     MutateUpdate,
			Record:   r,
			Pointers: []PointerChange{{Username: p.Username, Expect: r.Identifier, Set: "", Strict: true}},
		})
		if err != nil {
			return nil, err
		}
		return func() {
			s.ClearGuildIDIf(r.Identifier)
			c.fanout.Notify(ctx, append(r.Usernames(), p.Username), LeaveEvent{
				Guild: r.Identifier, Username: p.Username, ServerID: c.serverID,
			})
		}, nil
	})
	return c.finish(s.Username, s.TraceID, "leave", id, nil, start, err)
}

// disband deletes r and clears every member pointer in the same commit.
// The member list is snapshotted first, so the Leave notification still
// reaches everyone once the record is gone.
func (c *Coordinator) disband(ctx context.Context, r *Record, by string) (effect, error) {
	members := r.Usernames()
	pointers := make([]PointerChange, len(members))
	for i, u := range members {
		pointers[i] = PointerChange{Username: u, Expect: r.Identifier, Set: ""}
	}
	if err := c.store.Commit(ctx, &Mutation{Kind: MutateDelete, Record: r, Pointers: pointers}); err != nil {
		return nil, err
	}
	return func() {
		c.dropHistory(ctx, r.Identifier)
		c.fanout.Notify(ctx, members, LeaveEvent{
			Guild: r.Identifier, Username: by, ServerID: c.serverID, Disbanded: true,
		})
	}, nil
}

// Kick removes target from the requester's guild. Owner only.
func (c *Coordinator) Kick(ctx context.Context, s *player.PlayerSession, target string) error {
	start := time.Now()
	id, err := c.onRequesterGuild(ctx, s, func(ctx context.Context, p *PlayerState, r *Record) (effect, error) {
		if !r.IsOwner(p.Username) {
			return nil, ErrNotOwner
		}
		if strings.EqualFold(target, p.Username) {
			return nil, ErrCannotKickSelf
		}
		i := r.IndexOf(target)
		if i < 0 {
			return nil, ErrMemberNotFound
		}
		kicked := r.Members[i].Username
		r.RemoveMember(kicked)
		err := c.store.Commit(ctx, &Mutation{
			Kind:     MutateUpdate,
			Record:   r,
			Pointers: []PointerChange{{Username: kicked, Expect: r.Identifier, Set: ""}},
		})
		if err != nil {
			return nil, err
		}
		return func() {
			serverID := 0
			if c.world.Find(kicked) != nil {
				serverID = c.serverID
			}
			c.fanout.Notify(ctx, append(r.Usernames(), kicked), LeaveEvent{
				Guild: r.Identifier, Username: kicked, ServerID: serverID,
			})
		}, nil
	})
	return c.finish(s.Username, s.TraceID, "kick", id, map[string]string{"target": target}, start, err)
}

// Chat sends a message to every member and appends it to the guild history.
func (c *Coordinator) Chat(ctx context.Context, s *player.PlayerSession, message string) error {
	msg := strings.TrimSpace(message)
	if msg == "" {
		return ErrEmptyMessage
	}
	if r := []rune(msg); len(r) > maxChatRunes {
		msg = string(r[:maxChatRunes])
	}
	_, err := c.onRequesterGuild(ctx, s, func(ctx context.Context, p *PlayerState, r *Record) (effect, error) {
		ev := ChatEvent{Username: p.Username, ServerID: c.serverID, Message: msg}
		return func() {
			c.appendHistory(ctx, r.Identifier, ev)
			c.fanout.Notify(ctx, r.Usernames(), ev)
		}, nil
	})
	if err != nil && KindOf(err) == 0 {
		c.logger.Error("guild chat failed", zap.String("username", s.Username), zap.Error(err))
	}
	return err
}

// AddExperience adds amount to the requester's guild experience.
func (c *Coordinator) AddExperience(ctx context.Context, s *player.PlayerSession, amount int64) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	start := time.Now()
	id, err := c.onRequesterGuild(ctx, s, func(ctx context.Context, _ *PlayerState, r *Record) (effect, error) {
		if amount == 0 {
			return nil, nil
		}
		if amount > math.MaxInt64-r.Experience {
			return nil, ErrInvalidAmount
		}
		r.Experience += amount
		if err := c.store.Commit(ctx, &Mutation{Kind: MutateUpdate, Record: r}); err != nil {
			return nil, err
		}
		return func() {
			c.fanout.Notify(ctx, r.Usernames(), ExperienceEvent{Experience: r.Experience})
		}, nil
	})
	return c.finish(s.Username, s.TraceID, "experience", id, map[string]int64{"amount": amount}, start, err)
}

// SetRank changes target's rank. Owner only; Landlord is never granted.
func (c *Coordinator) SetRank(ctx context.Context, s *player.PlayerSession, target string, rank Rank) error {
	start := time.Now()
	id, err := c.onRequesterGuild(ctx, s, func(ctx context.Context, p *PlayerState, r *Record) (effect, error) {
		if !r.IsOwner(p.Username) {
			return nil, ErrNotOwner
		}
		if !rank.Valid() || rank == Landlord {
			return nil, ErrInvalidRank
		}
		i := r.IndexOf(target)
		if i < 0 {
			return nil, ErrMemberNotFound
		}
		if r.IsOwner(r.Members[i].Username) {
			return nil, ErrInvalidRank
		}
		if r.Members[i].Rank == rank {
			return nil, nil
		}
		r.Members[i].Rank = rank
		if err := c.store.Commit(ctx, &Mutation{Kind: MutateUpdate, Record: r}); err != nil {
			return nil, err
		}
		name := r.Members[i].Username
		return func() {
			c.fanout.Notify(ctx, r.Usernames(), RankEvent{Username: name, Rank: rank})
		}, nil
	})
	req := map[string]interface{}{"target": target, "rank": rank.String()}
	return c.finish(s.Username, s.TraceID, "rank", id, req, start, err)
}

// SetInviteOnly toggles directory visibility. Owner only.
func (c *Coordinator) SetInviteOnly(ctx context.Context, s *player.PlayerSession, inviteOnly bool) error {
	start := time.Now()
	id, err := c.onRequesterGuild(ctx, s, func(ctx context.Context, p *PlayerState, r *Record) (effect, error) {
		if !r.IsOwner(p.Username) {
			return nil, ErrNotOwner
		}
		if r.InviteOnly == inviteOnly {
			return nil, nil
		}
		r.InviteOnly = inviteOnly
		if err := c.store.Commit(ctx, &Mutation{Kind: MutateUpdate, Record: r}); err != nil {
			return nil, err
		}
		return func() {
			c.fanout.Notify(ctx, r.Usernames(), SettingsEvent{InviteOnly: inviteOnly})
		}, nil
	})
	return c.finish(s.Username, s.TraceID, "settings", id, map[string]bool{"invite_only": inviteOnly}, start, err)
}

// Delete disbands a guild on behalf of an administrator.
func (c *Coordinator) Delete(ctx context.Context, identifier, actor, traceID string) error {
	start := time.Now()
	id := Normalize(identifier)
	err := c.submit(ctx, id, func(ctx context.Context) error {
		return c.transact(ctx, func(ctx context.Context) (effect, error) {
			r, err := c.store.LoadGuild(ctx, id)
			if err != nil {
				return nil, err
			}
			return c.disband(ctx, r, "")
		})
	})
	return c.finish(actor, traceID, "admin_delete", id, nil, start, err)
}

// List sends the requester one page of the guild directory.
func (c *Coordinator) List(ctx context.Context, s *player.PlayerSession, offset int) error {
	page, total, err := c.directory.List(ctx, offset, 0)
	if err != nil {
		return err
	}
	c.send(s, ListEvent{Guilds: page, Total: total})
	return nil
}

// Deliver hands a packet relayed by the hub to a local session.
func (c *Coordinator) Deliver(username string, pkt *player.Packet) bool {
	return c.fanout.Deliver(username, pkt)
}

func (c *Coordinator) send(s *player.PlayerSession, ev Event) {
	pkt, err := Encode(ev)
	if err != nil {
		c.logger.Error("encode guild event", zap.Stringer("opcode", ev.Opcode()), zap.Error(err))
		return
	}
	s.Send(pkt)
}

// finish logs and audits the outcome of an operation and returns err.
func (c *Coordinator) finish(username, traceID, action, guildID string, req interface{}, start time.Time, err error) error {
	fields := []zap.Field{
		zap.String("action", action),
		zap.String("username", username),
		zap.String("guild", guildID),
	}
	entry := audit.Entry{
		TraceID:    traceID,
		Username:   username,
		GuildID:    guildID,
		Action:     "guild." + action,
		Request:    req,
		ServerID:   c.serverID,
		DurationMs: int(time.Since(start).Milliseconds()),
	}
	if err != nil {
		entry.Error = err.Error()
		switch KindOf(err) {
		case 0:
			c.logger.Error("guild operation failed", append(fields, zap.Error(err))...)
		case KindConflict:
			c.logger.Warn("guild operation gave up", append(fields, zap.Error(err))...)
		default:
			c.logger.Debug("guild operation rejected", append(fields, zap.Error(err))...)
		}
	} else {
		c.logger.Info("guild operation committed", fields...)
	}
	if c.audit != nil {
		c.audit.Log(entry)
	}
	return err
}

func without(usernames []string, username string) []string {
	out := make([]string, 0, len(usernames))
	for _, u := range usernames {
		if !strings.EqualFold(u, username) {
			out = append(out, u)
		}
	}
	return out
}
