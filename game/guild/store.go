package guild

import "context"

// Query selects a page of the guild directory.
type Query struct {
	Offset     int
	Limit      int
	MaxMembers int  // when > 0, guilds with this many members or more are skipped
	PublicOnly bool // skip invite-only guilds
}

// PlayerState is the authoritative guild-related view of a player row.
type PlayerState struct {
	Username         string
	Guild            string
	Gold             int64
	Guest            bool
	TutorialFinished bool
}

// MutationKind selects what Commit does with Mutation.Record.
type MutationKind int

const (
	// MutatePointers commits pointer changes only; Record may be nil.
	MutatePointers MutationKind = iota
	MutateCreate
	MutateUpdate
	MutateDelete
	// MutateVerify writes nothing to the record but still requires its
	// version to match, so pointer repairs never act on a stale copy.
	MutateVerify
)

func (k MutationKind) String() string {
	switch k {
	case MutatePointers:
		return "pointers"
	case MutateCreate:
		return "create"
	case MutateUpdate:
		return "update"
	case MutateDelete:
		return "delete"
	case MutateVerify:
		return "verify"
	default:
		return "unknown"
	}
}

// PointerChange moves a player's guild pointer from Expect to Set and charges
// Cost gold. A Strict change that matches no row fails the whole commit with
// ErrConflict; a non-strict one is skipped.
type PointerChange struct {
	Username string
	Expect   string
	Set      string
	Cost     int64
	Strict   bool
}

// Mutation is one atomic write: the guild record and every pointer change
// commit together or not at all.
type Mutation struct {
	Kind     MutationKind
	Record   *Record
	Pointers []PointerChange
}

// Store is the persistence gateway for guild records and player pointers.
//
// Commit is conditional on Record.Version for update, delete and verify and
// returns ErrConflict when it moved on. On success the record's Version is
// advanced to the stored value.
type Store interface {
	LoadGuild(ctx context.Context, identifier string) (*Record, error)
	LoadGuilds(ctx context.Context, q Query) ([]*Record, int64, error)
	LoadPlayer(ctx context.Context, username string) (*PlayerState, error)
	Commit(ctx context.Context, m *Mutation) error
}
