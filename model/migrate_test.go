package model_test

import (
	"testing"
	"time"

	"github.com/opencompute/Kaetram-Open/model"
	"github.com/opencompute/Kaetram-Open/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func TestAutoMigrate_InsertAndQuery(t *testing.T) {
	db := testutil.SetupTestDB(t)

	p := &model.Player{Username: "alice", PasswordHash: "hash", Gold: 100, Status: 1}
	require.NoError(t, db.Create(p).Error)
	assert.Greater(t, p.ID, int64(0))

	var found model.Player
	require.NoError(t, db.Where("username = ?", "alice").First(&found).Error)
	assert.Equal(t, "", found.Guild)
	assert.Equal(t, int64(100), found.Gold)

	g := &model.Guild{Identifier: "knights", Name: "Knights", Owner: "alice", MemberCount: 1, Version: 1}
	require.NoError(t, db.Create(g).Error)

	gm := &model.GuildMember{GuildID: "knights", Username: "alice", Rank: 4, JoinedAt: time.Now()}
	require.NoError(t, db.Create(gm).Error)

	var members []model.GuildMember
	require.NoError(t, db.Where("guild_id = ?", "knights").Find(&members).Error)
	require.Len(t, members, 1)
	assert.Equal(t, "alice", members[0].Username)

	al := &model.AuditLog{
		TraceID: "trace-001", Action: "guild.create",
		Username: "alice", GuildID: "knights",
		Request: datatypes.JSON(`{"name":"Knights"}`),
	}
	require.NoError(t, db.Create(al).Error)
}

func TestAutoMigrate_UniqueUsername(t *testing.T) {
	db := testutil.SetupTestDB(t)
	require.NoError(t, db.Create(&model.Player{Username: "bob", PasswordHash: "x"}).Error)
	assert.Error(t, db.Create(&model.Player{Username: "bob", PasswordHash: "y"}).Error)
}
