package guild

import (
	"strings"
	"time"
	"unicode"
)

// Rank is a member's standing inside a guild. Exactly one member, the owner,
// holds Landlord.
type Rank int

const (
	Fledgling Rank = iota
	Emblem
	Stoneguard
	Sentinel
	Landlord
)

var rankNames = [...]string{"Fledgling", "Emblem", "Stoneguard", "Sentinel", "Landlord"}

func (r Rank) String() string {
	if r < Fledgling || r > Landlord {
		return "Unknown"
	}
	return rankNames[r]
}

// Valid reports whether r is a defined rank.
func (r Rank) Valid() bool { return r >= Fledgling && r <= Landlord }

// Fixed decoration choices offered at creation.
var (
	bannerColors = map[string]bool{
		"grey": true, "green": true, "turquoise": true, "purple": true,
		"red": true, "pink": true, "yellow": true, "blue": true,
	}
	outlineColors = map[string]bool{
		"black": true, "white": true, "gold": true, "silver": true,
	}
	crests = map[string]bool{
		"none": true, "sword": true, "shield": true, "star": true,
		"skull": true, "crown": true, "mushroom": true,
	}
)

const maxOutlineStyle = 4

// Decoration is the banner chosen when the guild is created.
type Decoration struct {
	Banner       string `json:"banner"`
	Outline      int    `json:"outline"`
	OutlineColor string `json:"outlineColour"`
	Crest        string `json:"crest"`
}

// Validate checks every field against the fixed choices.
func (d Decoration) Validate() error {
	if !bannerColors[d.Banner] || !outlineColors[d.OutlineColor] || !crests[d.Crest] {
		return ErrInvalidDecoration
	}
	if d.Outline < 0 || d.Outline > maxOutlineStyle {
		return ErrInvalidDecoration
	}
	return nil
}

// Member is one entry of a guild's member list.
type Member struct {
	Username string    `json:"username"`
	Rank     Rank      `json:"rank"`
	JoinDate time.Time `json:"joinDate"`
}

// Record is the durable guild entity. Members keep join order.
type Record struct {
	Identifier string     `json:"identifier"`
	Name       string     `json:"name"`
	Owner      string     `json:"owner"`
	Members    []Member   `json:"members"`
	Experience int64      `json:"experience"`
	InviteOnly bool       `json:"inviteOnly"`
	CreatedAt  time.Time  `json:"creationDate"`
	Decoration Decoration `json:"decoration"`
	Version    int64      `json:"version"`
}

// IndexOf returns the position of username in Members, or -1.
func (r *Record) IndexOf(username string) int {
	for i, m := range r.Members {
		if strings.EqualFold(m.Username, username) {
			return i
		}
	}
	return -1
}

// HasMember reports whether username is listed.
func (r *Record) HasMember(username string) bool { return r.IndexOf(username) >= 0 }

// IsOwner reports whether username owns the guild.
func (r *Record) IsOwner(username string) bool { return strings.EqualFold(r.Owner, username) }

// Usernames returns member usernames in join order.
func (r *Record) Usernames() []string {
	out := make([]string, len(r.Members))
	for i, m := range r.Members {
		out[i] = m.Username
	}
	return out
}

// RemoveMember drops username from the member list.
func (r *Record) RemoveMember(username string) bool {
	i := r.IndexOf(username)
	if i < 0 {
		return false
	}
	r.Members = append(r.Members[:i:i], r.Members[i+1:]...)
	return true
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	c := *r
	c.Members = append([]Member(nil), r.Members...)
	return &c
}

// Summary projects the record for the public directory.
func (r *Record) Summary() Summary {
	return Summary{
		Identifier:  r.Identifier,
		Name:        r.Name,
		MemberCount: len(r.Members),
		Experience:  r.Experience,
		Decoration:  r.Decoration,
		InviteOnly:  r.InviteOnly,
	}
}

// Summary is one row of the guild directory.
type Summary struct {
	Identifier  string     `json:"identifier"`
	Name        string     `json:"name"`
	MemberCount int        `json:"members"`
	Experience  int64      `json:"experience"`
	Decoration  Decoration `json:"decoration"`
	InviteOnly  bool       `json:"inviteOnly"`
}

// Normalize maps a display name to its identifier.
func Normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// ValidateName checks length and charset. Letters, digits and single inner
// spaces are allowed.
func ValidateName(name string, minLen, maxLen int) error {
	if name != strings.TrimSpace(name) || strings.Contains(name, "  ") {
		return ErrInvalidName
	}
	n := len([]rune(name))
	if n < minLen || n > maxLen {
		return ErrInvalidName
	}
	for _, r := range name {
		if r > unicode.MaxASCII {
			return ErrInvalidName
		}
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != ' ' {
			return ErrInvalidName
		}
	}
	return nil
}
