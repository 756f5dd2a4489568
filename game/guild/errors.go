package guild

import "errors"

// Kind classifies guild errors by how callers should react to them.
type Kind int

const (
	KindPrecondition Kind = iota + 1
	KindNotFound
	KindPermission
	KindCapacity
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindPrecondition:
		return "precondition"
	case KindNotFound:
		return "not_found"
	case KindPermission:
		return "permission"
	case KindCapacity:
		return "capacity"
	case KindConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Error is a classified guild failure. Message is safe to show to players.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string { return "guild: " + e.Code }

func newError(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

var (
	ErrAlreadyInGuild     = newError(KindPrecondition, "already_in_guild", "You are already in a guild.")
	ErrNotInGuild         = newError(KindPrecondition, "not_in_guild", "You are not in a guild.")
	ErrGuestNotAllowed    = newError(KindPrecondition, "guest_not_allowed", "Guests are not allowed to join guilds.")
	ErrInsufficientGold   = newError(KindPrecondition, "insufficient_gold", "You do not have enough gold to create a guild.")
	ErrPrerequisiteNotMet = newError(KindPrecondition, "prerequisite_not_met", "You must finish the tutorial first.")
	ErrInvalidName        = newError(KindPrecondition, "invalid_name", "That guild name is not allowed.")
	ErrInvalidDecoration  = newError(KindPrecondition, "invalid_decoration", "That guild decoration is not allowed.")
	ErrInvalidAmount      = newError(KindPrecondition, "invalid_amount", "That experience amount is not allowed.")
	ErrInvalidRank        = newError(KindPrecondition, "invalid_rank", "That rank cannot be assigned.")
	ErrCannotKickSelf     = newError(KindPrecondition, "cannot_kick_self", "You cannot kick yourself from the guild.")
	ErrEmptyMessage       = newError(KindPrecondition, "empty_message", "You cannot send an empty message.")
	ErrNameTaken          = newError(KindPrecondition, "name_taken", "A guild with that name already exists.")

	ErrGuildNotFound  = newError(KindNotFound, "guild_not_found", "That guild no longer exists.")
	ErrMemberNotFound = newError(KindNotFound, "member_not_found", "That player is not a member of your guild.")
	ErrPlayerNotFound = newError(KindNotFound, "player_not_found", "That player does not exist.")

	ErrNotOwner = newError(KindPermission, "not_owner", "Only the guild owner can do that.")

	ErrGuildFull = newError(KindCapacity, "guild_full", "That guild is full.")

	// ErrConflict is returned by Store.Commit when the stored version moved on.
	// The coordinator retries; callers only see it from the store directly.
	ErrConflict = newError(KindConflict, "conflict", "The guild changed while processing your request.")
	// ErrBusy is returned once the retry budget is exhausted.
	ErrBusy = newError(KindConflict, "busy", "The guild is busy, please try again.")
)

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// PlayerMessage returns the text to show a player for err, and whether err was
// a classified guild error at all.
func PlayerMessage(err error) (string, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Message, true
	}
	return "", false
}
