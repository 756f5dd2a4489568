package mysql

import (
	"testing"
	"time"

	"github.com/opencompute/Kaetram-Open/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDSNConfig_CountsMatchedRows(t *testing.T) {
	dc, err := DSNConfig("kaetram:secret@tcp(db:3306)/kaetram?charset=utf8mb4")
	require.NoError(t, err)
	assert.True(t, dc.ClientFoundRows)
	assert.True(t, dc.ParseTime)
	assert.Equal(t, time.UTC, dc.Loc)
	assert.Equal(t, "kaetram", dc.DBName)
	assert.Equal(t, "db:3306", dc.Addr)
}

func TestDSNConfig_Invalid(t *testing.T) {
	_, err := DSNConfig("")
	assert.ErrorIs(t, err, ErrNoDSN)

	_, err = DSNConfig("kaetram@tcp(db:3306")
	assert.Error(t, err)
}

func TestOpen_RequiresDSN(t *testing.T) {
	_, err := Open(config.DatabaseConfig{Mode: "mysql"})
	assert.ErrorIs(t, err, ErrNoDSN)
}
