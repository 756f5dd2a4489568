package model

import "time"

// Player is a player account row. Guild holds the identifier of the guild the
// player belongs to, or "" when none.
type Player struct {
	ID               int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	Username         string     `gorm:"uniqueIndex;size:32;not null" json:"username"`
	PasswordHash     string     `gorm:"size:64;not null" json:"-"`
	Guest            bool       `gorm:"not null;default:false" json:"guest"`
	Guild            string     `gorm:"size:32;not null;default:'';index:idx_player_guild" json:"guild"`
	Gold             int64      `gorm:"not null;default:0" json:"gold"`
	TutorialFinished bool       `gorm:"not null;default:false" json:"tutorial_finished"`
	Status           int        `gorm:"default:1" json:"status"` // 0=banned 1=normal
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	LastLoginAt      *time.Time `json:"last_login_at"`
	LastLoginIP      string     `gorm:"size:45" json:"last_login_ip"`
}
