package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"perpbot/internal/config"
)

// Open открывает пул соединений и проверяет доступность БД
func Open(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "postgres"
	}

	db, err := sql.Open(driver, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Настройка пула соединений
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// schema - таблицы журнала; создаются при старте, если их нет
var schema = []string{
	`CREATE TABLE IF NOT EXISTS trades (
		id              SERIAL PRIMARY KEY,
		instrument      VARCHAR(64)  NOT NULL,
		action          VARCHAR(16)  NOT NULL,
		side            VARCHAR(8)   NOT NULL,
		size            NUMERIC      NOT NULL,
		price           NUMERIC      NOT NULL,
		pnl_pct         DOUBLE PRECISION NOT NULL DEFAULT 0,
		reason          TEXT         NOT NULL DEFAULT '',
		source          VARCHAR(16)  NOT NULL,
		client_order_id VARCHAR(32)  NOT NULL DEFAULT '',
		created_at      TIMESTAMPTZ  NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trades_created_at ON trades (created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS notifications (
		id         SERIAL PRIMARY KEY,
		timestamp  TIMESTAMPTZ NOT NULL,
		type       VARCHAR(16) NOT NULL,
		severity   VARCHAR(8)  NOT NULL,
		instrument VARCHAR(64) NOT NULL DEFAULT '',
		message    TEXT        NOT NULL,
		meta       JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_timestamp ON notifications (timestamp DESC)`,
	`CREATE TABLE IF NOT EXISTS risk_state (
		day_key            CHAR(10) PRIMARY KEY,
		initial_balance    DOUBLE PRECISION NOT NULL,
		profit_target_pct  DOUBLE PRECISION NOT NULL,
		max_loss_pct       DOUBLE PRECISION NOT NULL,
		consecutive_losses INTEGER NOT NULL DEFAULT 0,
		locked_for_day     BOOLEAN NOT NULL DEFAULT FALSE,
		lock_reason        TEXT    NOT NULL DEFAULT '',
		realized_pnl_pct   DOUBLE PRECISION NOT NULL DEFAULT 0,
		trade_count        INTEGER NOT NULL DEFAULT 0,
		updated_at         TIMESTAMPTZ NOT NULL
	)`,
}

// EnsureSchema создаёт недостающие таблицы и индексы
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
