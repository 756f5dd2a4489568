package model

import "time"

// Guild is the persisted guild record. Identifier is the lowercase form of
// Name. Version increases by one on every committed write and guards
// concurrent updates from different shards.
type Guild struct {
	Identifier   string    `gorm:"primaryKey;size:32" json:"identifier"`
	Name         string    `gorm:"size:32;not null" json:"name"`
	Owner        string    `gorm:"size:32;not null" json:"owner"`
	Experience   int64     `gorm:"not null;default:0;index:idx_guild_experience" json:"experience"`
	InviteOnly   bool      `gorm:"not null;default:false" json:"invite_only"`
	MemberCount  int       `gorm:"not null;default:0" json:"member_count"`
	Banner       string    `gorm:"size:16" json:"banner"`
	Outline      int       `json:"outline"`
	OutlineColor string    `gorm:"size:16" json:"outline_color"`
	Crest        string    `gorm:"size:16" json:"crest"`
	Version      int64     `gorm:"not null;default:1" json:"version"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// GuildMember links a player to a guild. Position keeps join order.
type GuildMember struct {
	GuildID  string    `gorm:"primaryKey;size:32;index:idx_guild_member" json:"guild_id"`
	Username string    `gorm:"primaryKey;size:32" json:"username"`
	Rank     int       `gorm:"not null;default:0" json:"rank"`
	Position int       `gorm:"not null" json:"position"`
	JoinedAt time.Time `json:"joined_at"`
}
