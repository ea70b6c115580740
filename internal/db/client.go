// Package db is the SQL backend of the durable store (PostgreSQL via lib/pq
// or SQLite via go-sqlite3).
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/autopilot/internal/store"
)

const table = "autopilot_records"

// Config holds database configuration
type Config struct {
	Driver          string // postgres or sqlite3
	DSN             string
	MaxConnections  int
	IdleConnections int
	MaxLifetime     time.Duration
	HealthInterval  time.Duration
}

// Client stores durable records in a single table and implements store.Store.
type Client struct {
	db     *sqlx.DB
	cb     *circuitbreaker.CircuitBreaker
	logger *zap.Logger
	config Config

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Open connects, migrates and starts the health check loop.
func Open(ctx context.Context, config Config, logger *zap.Logger) (*Client, error) {
	if config.Driver == "sqlite" {
		config.Driver = "sqlite3"
	}
	if config.Driver == "" {
		config.Driver = "postgres"
	}
	raw, err := sqlx.Open(config.Driver, config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	c, err := NewClient(raw, config, logger)
	if err != nil {
		raw.Close()
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.db.PingContext(pingCtx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := c.Migrate(ctx); err != nil {
		raw.Close()
		return nil, err
	}

	c.wg.Add(1)
	go c.healthCheck()

	logger.Info("Durable SQL store initialized",
		zap.String("driver", config.Driver),
		zap.Int("max_connections", config.MaxConnections),
	)
	return c, nil
}

// NewClient wraps an existing handle without pinging or migrating.
func NewClient(db *sqlx.DB, config Config, logger *zap.Logger) (*Client, error) {
	if config.MaxConnections == 0 {
		config.MaxConnections = 25
	}
	if config.IdleConnections == 0 {
		config.IdleConnections = 5
	}
	if config.MaxLifetime == 0 {
		config.MaxLifetime = 5 * time.Minute
	}
	if config.HealthInterval == 0 {
		config.HealthInterval = 30 * time.Second
	}
	if config.Driver == "" {
		config.Driver = db.DriverName()
	}
	if config.Driver == "sqlite3" {
		// a single connection keeps ":memory:" databases coherent
		config.MaxConnections = 1
		config.IdleConnections = 1
	}
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(config.IdleConnections)
	db.SetConnMaxLifetime(config.MaxLifetime)

	cbConfig := circuitbreaker.FromEnv("db", circuitbreaker.StoreDefaults).ToConfig("durable-store")
	cbConfig.IsFailure = func(err error) bool { return !errors.Is(err, sql.ErrNoRows) }

	return &Client{
		db:     db,
		cb:     circuitbreaker.NewCircuitBreaker("database", cbConfig, logger),
		logger: logger,
		config: config,
		stopCh: make(chan struct{}),
	}, nil
}

// Migrate creates the records table if needed.
func (c *Client) Migrate(ctx context.Context) error {
	blob := "BYTEA"
	if c.config.Driver == "sqlite3" {
		blob = "BLOB"
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	key        TEXT PRIMARY KEY,
	data       %s NOT NULL,
	metadata   TEXT NOT NULL DEFAULT '{}',
	updated_at TIMESTAMP NOT NULL
)`, table, blob)
	return c.cb.Execute(ctx, func() error {
		if _, err := c.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("migrate %s: %w", table, err)
		}
		return nil
	})
}

func (c *Client) Put(ctx context.Context, key string, data []byte, metadata map[string]string) error {
	meta, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if metadata == nil {
		meta = []byte("{}")
	}
	q := c.db.Rebind(fmt.Sprintf(`INSERT INTO %s (key, data, metadata, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT (key) DO UPDATE SET data = excluded.data, metadata = excluded.metadata, updated_at = excluded.updated_at`, table))

	err = c.cb.Execute(ctx, func() error {
		_, err := c.db.ExecContext(ctx, q, key, data, string(meta), time.Now().UTC())
		return err
	})
	if err != nil {
		metrics.PersistenceFailures.WithLabelValues("sql_put").Inc()
		return fmt.Errorf("sql put %s: %w", key, err)
	}
	return nil
}

type recordRow struct {
	Key      string `db:"key"`
	Data     []byte `db:"data"`
	Metadata string `db:"metadata"`
}

func (c *Client) Search(ctx context.Context, q store.Query) ([]store.Record, error) {
	query := c.db.Rebind(fmt.Sprintf(`SELECT key, data, metadata FROM %s WHERE key LIKE ? ESCAPE '\' ORDER BY key`, table))

	var rows []recordRow
	err := c.cb.Execute(ctx, func() error {
		return c.db.SelectContext(ctx, &rows, query, escapeLike(q.Prefix)+"%")
	})
	if err != nil {
		metrics.PersistenceFailures.WithLabelValues("sql_search").Inc()
		return nil, fmt.Errorf("sql search: %w", err)
	}

	out := make([]store.Record, 0, len(rows))
	for _, row := range rows {
		meta := map[string]string{}
		if row.Metadata != "" {
			if err := json.Unmarshal([]byte(row.Metadata), &meta); err != nil {
				// skip, the payload may still be recoverable by key
				c.logger.Warn("Skipping record with corrupt metadata", zap.String("key", row.Key), zap.Error(err))
				metrics.CorruptRecords.Inc()
				continue
			}
		}
		r := store.Record{Key: row.Key, Data: row.Data, Metadata: meta}
		if q.Matches(r) {
			out = append(out, r)
		}
	}
	return store.Finish(q, out), nil
}

func (c *Client) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	query, args, err := sqlx.In(fmt.Sprintf(`DELETE FROM %s WHERE key IN (?)`, table), keys)
	if err != nil {
		return fmt.Errorf("build delete: %w", err)
	}
	query = c.db.Rebind(query)
	err = c.cb.Execute(ctx, func() error {
		_, err := c.db.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		metrics.PersistenceFailures.WithLabelValues("sql_delete").Inc()
		return fmt.Errorf("sql delete: %w", err)
	}
	return nil
}

// healthCheck pings the database periodically so an open breaker can observe recovery.
func (c *Client) healthCheck() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.config.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := c.cb.Execute(ctx, func() error { return c.db.PingContext(ctx) })
			cancel()
			if err != nil {
				c.logger.Warn("Database health check failed", zap.Error(err))
			}
		}
	}
}

// Ping checks connectivity through the breaker.
func (c *Client) Ping(ctx context.Context) error {
	return c.cb.Execute(ctx, func() error { return c.db.PingContext(ctx) })
}

// Close stops background work and closes the connection pool.
func (c *Client) Close() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	return c.db.Close()
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
