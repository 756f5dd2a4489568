package guild

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/opencompute/Kaetram-Open/game/player"
)

// PacketType is the websocket envelope type of every guild packet.
const PacketType = "guild"

// Opcode tags a guild packet payload. Client requests and server events share
// the numbering.
type Opcode int

const (
	OpCreate Opcode = iota
	OpLogin
	OpJoin
	OpLeave
	OpKick
	OpRank
	OpUpdate
	OpExperience
	OpChat
	OpList
	OpSettings
)

func (op Opcode) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpLogin:
		return "login"
	case OpJoin:
		return "join"
	case OpLeave:
		return "leave"
	case OpKick:
		return "kick"
	case OpRank:
		return "rank"
	case OpUpdate:
		return "update"
	case OpExperience:
		return "experience"
	case OpChat:
		return "chat"
	case OpList:
		return "list"
	case OpSettings:
		return "settings"
	default:
		return fmt.Sprintf("opcode(%d)", int(op))
	}
}

type envelope struct {
	Opcode Opcode          `json:"opcode"`
	Data   json.RawMessage `json:"data"`
}

// ---- server → client events ----

// Event is a guild event sent to members. Each opcode has one event type.
type Event interface {
	Opcode() Opcode
}

// LoginEvent carries the full guild to a member who just connected or joined.
type LoginEvent struct {
	Identifier string     `json:"identifier"`
	Name       string     `json:"name"`
	Owner      string     `json:"owner"`
	Experience int64      `json:"experience"`
	InviteOnly bool       `json:"inviteOnly"`
	CreatedAt  time.Time  `json:"creationDate"`
	Decoration Decoration `json:"decoration"`
	Members    []Member   `json:"members"`
}

// JoinEvent announces a new member.
type JoinEvent struct {
	Username string `json:"username"`
	ServerID int    `json:"serverId"`
}

// LeaveEvent announces a member leaving or being kicked. Disbanded is set when
// the whole guild is gone; receivers clear their pointer to Guild.
type LeaveEvent struct {
	Guild     string `json:"guild"`
	Username  string `json:"username"`
	ServerID  int    `json:"serverId"`
	Disbanded bool   `json:"disbanded,omitempty"`
}

// RankEvent announces a rank change.
type RankEvent struct {
	Username string `json:"username"`
	Rank     Rank   `json:"rank"`
}

// OnlineMember is a member connected to some shard.
type OnlineMember struct {
	Username string `json:"username"`
	ServerID int    `json:"serverId"`
}

// UpdateEvent refreshes members' online state.
type UpdateEvent struct {
	Online  []OnlineMember `json:"online,omitempty"`
	Offline []string       `json:"offline,omitempty"`
}

// ExperienceEvent carries the new experience total.
type ExperienceEvent struct {
	Experience int64 `json:"experience"`
}

// ChatEvent is one guild chat line.
type ChatEvent struct {
	Username string `json:"username"`
	ServerID int    `json:"serverId"`
	Message  string `json:"message"`
}

// ListEvent is one directory page.
type ListEvent struct {
	Guilds []Summary `json:"guilds"`
	Total  int64     `json:"total"`
}

// SettingsEvent announces changed guild settings.
type SettingsEvent struct {
	InviteOnly bool `json:"inviteOnly"`
}

func (LoginEvent) Opcode() Opcode      { return OpLogin }
func (JoinEvent) Opcode() Opcode       { return OpJoin }
func (LeaveEvent) Opcode() Opcode      { return OpLeave }
func (RankEvent) Opcode() Opcode       { return OpRank }
func (UpdateEvent) Opcode() Opcode     { return OpUpdate }
func (ExperienceEvent) Opcode() Opcode { return OpExperience }
func (ChatEvent) Opcode() Opcode       { return OpChat }
func (ListEvent) Opcode() Opcode       { return OpList }
func (SettingsEvent) Opcode() Opcode   { return OpSettings }

// NewLoginEvent builds the Login payload for r.
func NewLoginEvent(r *Record) LoginEvent {
	return LoginEvent{
		Identifier: r.Identifier,
		Name:       r.Name,
		Owner:      r.Owner,
		Experience: r.Experience,
		InviteOnly: r.InviteOnly,
		CreatedAt:  r.CreatedAt,
		Decoration: r.Decoration,
		Members:    append([]Member(nil), r.Members...),
	}
}

// Encode wraps ev in a websocket packet.
func Encode(ev Event) (*player.Packet, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(envelope{Opcode: ev.Opcode(), Data: data})
	if err != nil {
		return nil, err
	}
	return &player.Packet{Type: PacketType, Payload: payload}, nil
}

// Decode parses a guild event packet.
func Decode(pkt *player.Packet) (Event, error) {
	if pkt.Type != PacketType {
		return nil, fmt.Errorf("guild: not a guild packet: %q", pkt.Type)
	}
	var env envelope
	if err := json.Unmarshal(pkt.Payload, &env); err != nil {
		return nil, fmt.Errorf("guild: decode envelope: %w", err)
	}
	var ev Event
	var err error
	switch env.Opcode {
	case OpLogin:
		ev, err = decodeAs[LoginEvent](env.Data)
	case OpJoin:
		ev, err = decodeAs[JoinEvent](env.Data)
	case OpLeave:
		ev, err = decodeAs[LeaveEvent](env.Data)
	case OpRank:
		ev, err = decodeAs[RankEvent](env.Data)
	case OpUpdate:
		ev, err = decodeAs[UpdateEvent](env.Data)
	case OpExperience:
		ev, err = decodeAs[ExperienceEvent](env.Data)
	case OpChat:
		ev, err = decodeAs[ChatEvent](env.Data)
	case OpList:
		ev, err = decodeAs[ListEvent](env.Data)
	case OpSettings:
		ev, err = decodeAs[SettingsEvent](env.Data)
	case OpCreate, OpKick:
		return nil, fmt.Errorf("guild: %s is a request-only opcode", env.Opcode)
	default:
		return nil, fmt.Errorf("guild: unknown opcode %d", int(env.Opcode))
	}
	if err != nil {
		return nil, fmt.Errorf("guild: decode %s: %w", env.Opcode, err)
	}
	return ev, nil
}

// ---- client → server requests ----

// Request is a decoded client guild request.
type Request interface {
	Opcode() Opcode
}

type CreateRequest struct {
	Name       string     `json:"name"`
	Decoration Decoration `json:"decoration"`
	InviteOnly bool       `json:"inviteOnly"`
}

type JoinRequest struct {
	Identifier string `json:"identifier"`
}

type LeaveRequest struct{}

type KickRequest struct {
	Username string `json:"username"`
}

type RankRequest struct {
	Username string `json:"username"`
	Rank     Rank   `json:"rank"`
}

type ChatRequest struct {
	Message string `json:"message"`
}

type ListRequest struct {
	Offset int `json:"offset"`
}

type SettingsRequest struct {
	InviteOnly bool `json:"inviteOnly"`
}

func (CreateRequest) Opcode() Opcode   { return OpCreate }
func (JoinRequest) Opcode() Opcode     { return OpJoin }
func (LeaveRequest) Opcode() Opcode    { return OpLeave }
func (KickRequest) Opcode() Opcode     { return OpKick }
func (RankRequest) Opcode() Opcode     { return OpRank }
func (ChatRequest) Opcode() Opcode     { return OpChat }
func (ListRequest) Opcode() Opcode     { return OpList }
func (SettingsRequest) Opcode() Opcode { return OpSettings }

// DecodeRequest parses the payload of a client guild packet.
func DecodeRequest(payload json.RawMessage) (Request, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("guild: decode envelope: %w", err)
	}
	if len(env.Data) == 0 {
		env.Data = json.RawMessage("{}")
	}
	var req Request
	var err error
	switch env.Opcode {
	case OpCreate:
		req, err = decodeAs[CreateRequest](env.Data)
	case OpJoin:
		req, err = decodeAs[JoinRequest](env.Data)
	case OpLeave:
		req = LeaveRequest{}
	case OpKick:
		req, err = decodeAs[KickRequest](env.Data)
	case OpRank:
		req, err = decodeAs[RankRequest](env.Data)
	case OpChat:
		req, err = decodeAs[ChatRequest](env.Data)
	case OpList:
		req, err = decodeAs[ListRequest](env.Data)
	case OpSettings:
		req, err = decodeAs[SettingsRequest](env.Data)
	case OpLogin, OpUpdate, OpExperience:
		return nil, fmt.Errorf("guild: %s is a server-only opcode", env.Opcode)
	default:
		return nil, fmt.Errorf("guild: unknown opcode %d", int(env.Opcode))
	}
	if err != nil {
		return nil, fmt.Errorf("guild: decode %s: %w", env.Opcode, err)
	}
	return req, nil
}

func decodeAs[T any](data json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}
