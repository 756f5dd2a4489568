package model

import (
	"time"

	"gorm.io/datatypes"
)

// AuditLog records guild mutations and administrative actions.
type AuditLog struct {
	ID         int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	TraceID    string         `gorm:"index:idx_audit_trace;size:36;not null" json:"trace_id"`
	Username   string         `gorm:"index:idx_audit_user;size:32" json:"username"`
	GuildID    string         `gorm:"index:idx_audit_guild;size:32" json:"guild_id"`
	Action     string         `gorm:"size:64;not null" json:"action"`
	Request    datatypes.JSON `json:"request"`
	Error      string         `gorm:"type:text" json:"error"`
	ServerID   int            `json:"server_id"`
	DurationMs int            `json:"duration_ms"`
	CreatedAt  time.Time      `gorm:"index:idx_audit_created;autoCreateTime:milli" json:"created_at"`
}
