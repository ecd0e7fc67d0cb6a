// Package infra は外部サービスとの接続を提供する。
package infra

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"secure-storage-service/config"
	"secure-storage-service/internal/repository"
)

const sqlitePrefix = "sqlite:"

// NewDB はgormによるデータベース接続を初期化し、テーブルを作成する。
// DATABASE_URL が "sqlite:" で始まる場合はSQLite、それ以外はMySQLのDSNとして扱う。
func NewDB(cfg *config.Config) (*gorm.DB, error) {
	dialector, isSQLite := dialectorFor(cfg.DatabaseURL)
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if cfg.OtelEnabled {
		if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
			return nil, fmt.Errorf("registering tracing plugin: %w", err)
		}
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	// 接続プール設定
	if isSQLite {
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.AutoMigrate(repository.Models()...); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return db, nil
}

func dialectorFor(url string) (gorm.Dialector, bool) {
	if path, ok := strings.CutPrefix(url, sqlitePrefix); ok {
		return sqlite.Open(path), true
	}
	return mysql.Open(url), false
}
