package utils

import (
	"context"
	"database/sql"

	"auction-monitor/internal/config"
	"auction-monitor/pkg/logger"

	_ "github.com/go-sql-driver/mysql"
)

// InitializeMysql opens and pings the archive database.
func InitializeMysql(ctx context.Context, cfg config.MySQLConfig, log logger.Logger) (*sql.DB, error) {
	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		log.Error("Failed to connect to MySQL", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		log.Error("Failed to ping MySQL", "error", err)
		db.Close()
		return nil, err
	}
	return db, nil
}
