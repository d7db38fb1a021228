package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"aifx-advisor/internal/logging"
)

// DB wraps the PostgreSQL connection pool.
type DB struct {
	Pool *pgxpool.Pool
	log  *logging.Logger
}

// Config holds database configuration.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewDB creates a new database connection pool and verifies it with a ping.
func NewDB(cfg Config, log *logging.Logger) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log.Info("connected to database", "database", cfg.Database, "host", cfg.Host)
	return &DB{Pool: pool, log: log}, nil
}

// Close closes the database connection pool.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.log.Info("database connection closed")
	}
}

// HealthCheck pings the database.
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// RunMigrations executes schema migrations. Statements are idempotent.
func (db *DB) RunMigrations(ctx context.Context) error {
	db.log.Info("running database migrations")

	migrations := []string{
		// Signals: append-only rows, mutated only via status transitions.
		`CREATE TABLE IF NOT EXISTS signals (
			id UUID PRIMARY KEY,
			pair VARCHAR(8) NOT NULL,
			timeframe VARCHAR(4) NOT NULL,
			generated_at TIMESTAMPTZ NOT NULL,
			action VARCHAR(4) NOT NULL,
			confidence DECIMAL(5, 4) NOT NULL,
			strength VARCHAR(12) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			stop_loss DECIMAL(20, 8),
			take_profit DECIMAL(20, 8),
			risk_reward_ratio DECIMAL(6, 2),
			market_condition VARCHAR(10) NOT NULL,
			source VARCHAR(16) NOT NULL,
			model_version VARCHAR(32),
			factor_technical DECIMAL(5, 4) DEFAULT 0,
			factor_sentiment DECIMAL(5, 4) DEFAULT 0,
			factor_pattern DECIMAL(5, 4) DEFAULT 0,
			status VARCHAR(12) NOT NULL DEFAULT 'active',
			expires_at TIMESTAMPTZ NOT NULL,
			triggered_at TIMESTAMPTZ,
			triggered_price DECIMAL(20, 8),
			actual_outcome VARCHAR(10) NOT NULL DEFAULT 'pending',
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_pair_tf_generated ON signals(pair, timeframe, generated_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_status ON signals(status)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_expires_at ON signals(expires_at)`,

		// Change log: append-only, drives cooldown. notified_at is stamped
		// once by the dispatcher; notified_subscribers only grows.
		`CREATE TABLE IF NOT EXISTS signal_changes (
			id UUID PRIMARY KEY,
			pair VARCHAR(8) NOT NULL,
			timeframe VARCHAR(4) NOT NULL,
			old_action VARCHAR(4),
			new_action VARCHAR(4) NOT NULL,
			old_confidence DECIMAL(5, 4),
			new_confidence DECIMAL(5, 4) NOT NULL,
			strength VARCHAR(12) NOT NULL,
			market_condition VARCHAR(10) NOT NULL,
			detected_at TIMESTAMPTZ NOT NULL,
			notified_at TIMESTAMPTZ,
			notified_subscribers TEXT[] NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_changes_pair_tf_detected ON signal_changes(pair, timeframe, detected_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_changes_notified_at ON signal_changes(notified_at)`,
		`CREATE INDEX IF NOT EXISTS idx_changes_subscribers ON signal_changes USING GIN(notified_subscribers)`,

		// Explicit subscription rows, authoritative for fan-out.
		`CREATE TABLE IF NOT EXISTS subscriptions (
			subscriber_id VARCHAR(64) NOT NULL,
			transport VARCHAR(12) NOT NULL,
			pair VARCHAR(8) NOT NULL,
			timeframe VARCHAR(4) NOT NULL,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (subscriber_id, transport, pair, timeframe)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_pair_tf ON subscriptions(pair, timeframe)`,

		// Per-subscriber policy record.
		`CREATE TABLE IF NOT EXISTS subscriber_policies (
			subscriber_id VARCHAR(64) PRIMARY KEY,
			min_confidence DECIMAL(5, 4) NOT NULL DEFAULT 0.6,
			cooldown_minutes INT NOT NULL DEFAULT 60,
			daily_cap INT NOT NULL DEFAULT 20,
			mute_windows TEXT[] NOT NULL DEFAULT '{}',
			timezone VARCHAR(48) NOT NULL DEFAULT 'UTC',
			enabled_timeframes TEXT[] NOT NULL DEFAULT '{}',
			transports_enabled TEXT[] NOT NULL DEFAULT '{}',
			notify_hold BOOLEAN NOT NULL DEFAULT FALSE,
			strong_only BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS positions (
			id UUID PRIMARY KEY,
			subscriber_id VARCHAR(64) NOT NULL,
			pair VARCHAR(8) NOT NULL,
			direction VARCHAR(5) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			stop_loss DECIMAL(20, 8) NOT NULL,
			take_profit DECIMAL(20, 8) NOT NULL,
			position_size DECIMAL(20, 8) NOT NULL,
			opened_at TIMESTAMPTZ NOT NULL,
			status VARCHAR(8) NOT NULL DEFAULT 'open',
			closed_at TIMESTAMPTZ,
			exit_price DECIMAL(20, 8),
			realized_pnl_pips DECIMAL(12, 2),
			result VARCHAR(10)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_subscriber ON positions(subscriber_id)`,

		`CREATE TABLE IF NOT EXISTS position_monitoring (
			id UUID PRIMARY KEY,
			position_id UUID NOT NULL REFERENCES positions(id),
			recorded_at TIMESTAMPTZ NOT NULL,
			current_price DECIMAL(20, 8) NOT NULL,
			unrealized_pnl_pips DECIMAL(12, 2) NOT NULL,
			trend_direction VARCHAR(8),
			reversal_probability DECIMAL(5, 4),
			recommendation VARCHAR(16) NOT NULL,
			notification_level INT NOT NULL,
			notification_sent BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_monitoring_position ON position_monitoring(position_id, recorded_at DESC)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}

	db.log.Info("database migrations complete", "count", len(migrations))
	return nil
}
