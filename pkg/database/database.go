package database

import (
	"time"
	"xfl/config"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	maxOpenConns    = 4
	connMaxIdleTime = 5 * time.Minute
)

// NewDBConnection opens the run database. It returns nil when no database is
// configured, in which case runs and crashes are not recorded.
func NewDBConnection(appConfig *config.AppConfig, logger *zap.Logger) *gorm.DB {
	dsn := appConfig.DatabaseURL
	if dsn == "" {
		logger.Debug("no database configured, runs are not recorded")
		return nil
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		logger.Fatal("failed to connect database", zap.Error(err))
	}
	// a handful of workers share the pool, each writing a row per run
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(maxOpenConns)
		sqlDB.SetConnMaxIdleTime(connMaxIdleTime)
	}
	if err := db.AutoMigrate(&Run{}, &Crash{}); err != nil {
		logger.Fatal("failed to migrate run tables", zap.Error(err))
	}
	logger.Debug("connected to database", zap.Strings("tables", []string{runTable, crashTable}))
	return db
}
