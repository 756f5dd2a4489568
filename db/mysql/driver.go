package mysql

import (
	"errors"
	"time"

	gosql "github.com/go-sql-driver/mysql"
	"github.com/opencompute/Kaetram-Open/config"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNoDSN is returned when MySQL mode is selected without a DSN.
var ErrNoDSN = errors.New("mysql: database.mysql_dsn is empty")

// DSNConfig parses dsn and applies the settings guild commits rely on.
// Version-conditional updates read RowsAffected, which must count matched rows
// rather than changed ones, and timestamps are scanned as time.Time in UTC.
func DSNConfig(dsn string) (*gosql.Config, error) {
	if dsn == "" {
		return nil, ErrNoDSN
	}
	dc, err := gosql.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	dc.ClientFoundRows = true
	dc.ParseTime = true
	dc.Loc = time.UTC
	return dc, nil
}

// Open creates a pooled GORM *DB backed by MySQL. Driver errors are translated
// so a duplicate guild identifier surfaces as gorm.ErrDuplicatedKey.
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	dc, err := DSNConfig(cfg.MySQLDSN)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(mysql.New(mysql.Config{DSN: dc.FormatDSN(), DSNConfig: dc}), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(cfg.MySQLMaxOpen)
	sqlDB.SetMaxIdleConns(cfg.MySQLMaxIdle)
	sqlDB.SetConnMaxLifetime(cfg.MySQLMaxLife)

	return db, nil
}
