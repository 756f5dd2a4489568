package guild

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/opencompute/Kaetram-Open/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRecord(name, owner string, others ...string) *Record {
	now := time.Now().UTC()
	r := &Record{
		Identifier: Normalize(name),
		Name:       name,
		Owner:      owner,
		Members:    []Member{{Username: owner, Rank: Landlord, JoinDate: now}},
		CreatedAt:  now,
		Decoration: testDecoration,
	}
	for _, u := range others {
		r.Members = append(r.Members, Member{Username: u, Rank: Fledgling, JoinDate: now})
	}
	return r
}

func createWithPointers(t *testing.T, s Store, r *Record) {
	t.Helper()
	pcs := make([]PointerChange, 0, len(r.Members))
	for _, m := range r.Members {
		pcs = append(pcs, PointerChange{Username: m.Username, Expect: "", Set: r.Identifier, Strict: true})
	}
	require.NoError(t, s.Commit(context.Background(), &Mutation{Kind: MutateCreate, Record: r, Pointers: pcs}))
}

func TestGormStore_CreateAndLoad(t *testing.T) {
	db := testutil.SetupTestDB(t)
	s := NewGormStore(db)
	ctx := context.Background()
	testutil.CreatePlayer(t, db, "alice", 500)
	testutil.CreatePlayer(t, db, "bob", 0)

	r := newRecord("Iron Hand", "alice", "bob")
	createWithPointers(t, s, r)
	assert.Equal(t, int64(1), r.Version)

	got, err := s.LoadGuild(ctx, "iron hand")
	require.NoError(t, err)
	assert.Equal(t, "Iron Hand", got.Name)
	assert.Equal(t, "alice", got.Owner)
	assert.Equal(t, []string{"alice", "bob"}, got.Usernames(), "members keep join order")
	assert.Equal(t, Landlord, got.Members[0].Rank)
	assert.Equal(t, testDecoration, got.Decoration)
	assert.Equal(t, int64(1), got.Version)

	p, err := s.LoadPlayer(ctx, "BOB")
	require.NoError(t, err)
	assert.Equal(t, "iron hand", p.Guild)

	_, err = s.LoadGuild(ctx, "nobody")
	assert.ErrorIs(t, err, ErrGuildNotFound)
	_, err = s.LoadPlayer(ctx, "nobody")
	assert.ErrorIs(t, err, ErrPlayerNotFound)
}

func TestGormStore_CreateNameTaken(t *testing.T) {
	db := testutil.SetupTestDB(t)
	s := NewGormStore(db)
	testutil.CreatePlayer(t, db, "alice", 0)
	testutil.CreatePlayer(t, db, "bob", 0)

	createWithPointers(t, s, newRecord("Dragons", "alice"))
	err := s.Commit(context.Background(), &Mutation{
		Kind:     MutateCreate,
		Record:   newRecord("DRAGONS", "bob"),
		Pointers: []PointerChange{{Username: "bob", Expect: "", Set: "dragons", Strict: true}},
	})
	assert.ErrorIs(t, err, ErrNameTaken)

	p, err := s.LoadPlayer(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, "", p.Guild)
}

func TestGormStore_UpdateVersionConflict(t *testing.T) {
	db := testutil.SetupTestDB(t)
	s := NewGormStore(db)
	ctx := context.Background()
	testutil.CreatePlayer(t, db, "alice", 0)
	createWithPointers(t, s, newRecord("Dragons", "alice"))

	first, err := s.LoadGuild(ctx, "dragons")
	require.NoError(t, err)
	stale := first.Clone()

	first.Experience = 10
	require.NoError(t, s.Commit(ctx, &Mutation{Kind: MutateUpdate, Record: first}))
	assert.Equal(t, int64(2), first.Version)

	stale.Experience = 99
	err = s.Commit(ctx, &Mutation{Kind: MutateUpdate, Record: stale})
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, int64(1), stale.Version, "version untouched on failure")

	assert.ErrorIs(t, s.Commit(ctx, &Mutation{Kind: MutateDelete, Record: stale}), ErrConflict)
	assert.ErrorIs(t, s.Commit(ctx, &Mutation{Kind: MutateVerify, Record: stale}), ErrConflict)
	assert.NoError(t, s.Commit(ctx, &Mutation{Kind: MutateVerify, Record: first}))

	got, err := s.LoadGuild(ctx, "dragons")
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.Experience)
}

// A strict pointer change that matches nothing rolls the record write back.
func TestGormStore_StrictPointerRollsBack(t *testing.T) {
	db := testutil.SetupTestDB(t)
	s := NewGormStore(db)
	ctx := context.Background()
	testutil.CreatePlayer(t, db, "alice", 0)
	testutil.CreatePlayer(t, db, "bob", 0)
	createWithPointers(t, s, newRecord("Dragons", "alice"))
	createWithPointers(t, s, newRecord("Knights", "bob"))

	r, err := s.LoadGuild(ctx, "dragons")
	require.NoError(t, err)
	r.Members = append(r.Members, Member{Username: "bob", Rank: Fledgling, JoinDate: time.Now().UTC()})
	err = s.Commit(ctx, &Mutation{
		Kind:     MutateUpdate,
		Record:   r,
		Pointers: []PointerChange{{Username: "bob", Expect: "", Set: "dragons", Strict: true}},
	})
	assert.ErrorIs(t, err, ErrConflict)

	got, err := s.LoadGuild(ctx, "dragons")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, got.Usernames())
	assert.Equal(t, int64(1), got.Version)

	// non-strict changes that match nothing are skipped
	require.NoError(t, s.Commit(ctx, &Mutation{
		Kind:     MutatePointers,
		Pointers: []PointerChange{{Username: "bob", Expect: "dragons", Set: ""}},
	}))
	p, _ := s.LoadPlayer(ctx, "bob")
	assert.Equal(t, "knights", p.Guild)
}

func TestGormStore_CreationCost(t *testing.T) {
	db := testutil.SetupTestDB(t)
	s := NewGormStore(db)
	ctx := context.Background()
	testutil.CreatePlayer(t, db, "rich", 150)
	testutil.CreatePlayer(t, db, "poor", 50)

	charge := func(r *Record) error {
		return s.Commit(ctx, &Mutation{
			Kind:   MutateCreate,
			Record: r,
			Pointers: []PointerChange{{
				Username: r.Owner, Expect: "", Set: r.Identifier, Cost: 100, Strict: true,
			}},
		})
	}
	require.NoError(t, charge(newRecord("Dragons", "rich")))
	p, _ := s.LoadPlayer(ctx, "rich")
	assert.Equal(t, int64(50), p.Gold)

	assert.ErrorIs(t, charge(newRecord("Knights", "poor")), ErrConflict)
	_, err := s.LoadGuild(ctx, "knights")
	assert.ErrorIs(t, err, ErrGuildNotFound, "guild row rolled back with the failed charge")
	p, _ = s.LoadPlayer(ctx, "poor")
	assert.Equal(t, int64(50), p.Gold)
}

func TestGormStore_DeleteClearsPointers(t *testing.T) {
	db := testutil.SetupTestDB(t)
	s := NewGormStore(db)
	ctx := context.Background()
	testutil.CreatePlayer(t, db, "alice", 0)
	testutil.CreatePlayer(t, db, "bob", 0)
	r := newRecord("Dragons", "alice", "bob")
	createWithPointers(t, s, r)

	require.NoError(t, s.Commit(ctx, &Mutation{
		Kind:   MutateDelete,
		Record: r,
		Pointers: []PointerChange{
			{Username: "alice", Expect: "dragons", Set: ""},
			{Username: "bob", Expect: "dragons", Set: ""},
		},
	}))
	_, err := s.LoadGuild(ctx, "dragons")
	assert.ErrorIs(t, err, ErrGuildNotFound)
	for _, u := range []string{"alice", "bob"} {
		p, _ := s.LoadPlayer(ctx, u)
		assert.Equal(t, "", p.Guild)
	}
	var n int64
	require.NoError(t, db.Table("guild_members").Where("guild_id = ?", "dragons").Count(&n).Error)
	assert.Zero(t, n)
}

func TestGormStore_LoadGuilds(t *testing.T) {
	db := testutil.SetupTestDB(t)
	s := NewGormStore(db)
	ctx := context.Background()

	seed := []struct {
		name       string
		members    int
		experience int64
		inviteOnly bool
	}{
		{"Alpha", 1, 50, false},
		{"Bravo", 3, 500, false}, // full
		{"Charlie", 2, 50, false},
		{"Delta", 1, 900, true}, // hidden
		{"Echo", 2, 10, false},
	}
	for _, g := range seed {
		prefix := strings.ToLower(g.name)
		owner := prefix + "0"
		testutil.CreatePlayer(t, db, owner, 0)
		var others []string
		for i := 1; i < g.members; i++ {
			u := fmt.Sprintf("%s%d", prefix, i)
			testutil.CreatePlayer(t, db, u, 0)
			others = append(others, u)
		}
		r := newRecord(g.name, owner, others...)
		r.Experience = g.experience
		r.InviteOnly = g.inviteOnly
		createWithPointers(t, s, r)
	}

	page, total, err := s.LoadGuilds(ctx, Query{Limit: 2, MaxMembers: 3, PublicOnly: true})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, page, 2)
	// ties on experience break by name
	assert.Equal(t, "Alpha", page[0].Name)
	assert.Equal(t, "Charlie", page[1].Name)
	assert.Len(t, page[1].Members, 2)

	page, total, err = s.LoadGuilds(ctx, Query{Offset: 2, Limit: 2, MaxMembers: 3, PublicOnly: true})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, page, 1)
	assert.Equal(t, "Echo", page[0].Name)

	page, total, err = s.LoadGuilds(ctx, Query{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	assert.Equal(t, "Delta", page[0].Name)
}
