// Package database mirrors captured rows into ClickHouse for cross-session analysis.
// The session directory stays the record of truth; the mirror is best-effort.
package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/rs/zerolog/log"
)

// Config holds ClickHouse connection settings
type Config struct {
	Addr     string
	Database string
	Username string
	Password string
}

type ClickHouseDB struct {
	conn driver.Conn
}

// NewClickHouseDB connects to ClickHouse and creates the mirror tables
func NewClickHouseDB(ctx context.Context, cfg Config) (*ClickHouseDB, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("database.NewClickHouseDB: connect: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("database.NewClickHouseDB: ping: %w", err)
	}

	log.Info().Str("addr", cfg.Addr).Str("database", cfg.Database).Msg("connected to ClickHouse")

	db := &ClickHouseDB{conn: conn}
	if err := db.InitSchema(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("database.NewClickHouseDB: %w", err)
	}
	return db, nil
}

// InitSchema creates the mirror tables if they don't exist
func (db *ClickHouseDB) InitSchema(ctx context.Context) error {
	for _, tableSQL := range AllTables() {
		if err := db.conn.Exec(ctx, tableSQL); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	log.Debug().Int("tables", len(AllTables())).Msg("ClickHouse schema initialized")
	return nil
}

// WriteRows inserts pending rows, one batch per table. Every table is attempted.
func (db *ClickHouseDB) WriteRows(ctx context.Context, rows Rows) error {
	var errs []error

	if len(rows.Sessions) > 0 {
		errs = append(errs, db.send(ctx, "INSERT INTO adalog_sessions", len(rows.Sessions), func(b driver.Batch, i int) error {
			r := rows.Sessions[i]
			return b.Append(r.SessionID, r.Subject, r.Tags, r.StartedAt, r.EndedAt, r.Dir, r.Status, r.Error, r.UpdatedAt)
		}))
	}
	if len(rows.Samples) > 0 {
		errs = append(errs, db.send(ctx, "INSERT INTO eeg_samples", len(rows.Samples), func(b driver.Batch, i int) error {
			r := rows.Samples[i]
			return b.Append(r.SessionID, r.StreamID, r.Timestamp, r.Channels)
		}))
	}
	if len(rows.Texts) > 0 {
		errs = append(errs, db.send(ctx, "INSERT INTO text_events", len(rows.Texts), func(b driver.Batch, i int) error {
			r := rows.Texts[i]
			return b.Append(r.SessionID, r.Subject, r.Timestamp, r.Text)
		}))
	}
	if len(rows.Drawings) > 0 {
		errs = append(errs, db.send(ctx, "INSERT INTO drawing_events", len(rows.Drawings), func(b driver.Batch, i int) error {
			r := rows.Drawings[i]
			return b.Append(r.SessionID, r.Timestamp, r.Filename)
		}))
	}
	if len(rows.Quality) > 0 {
		errs = append(errs, db.send(ctx, "INSERT INTO quality_samples", len(rows.Quality), func(b driver.Batch, i int) error {
			r := rows.Quality[i]
			return b.Append(r.SessionID, r.StreamID, r.Timestamp, r.Score, r.Level, r.ChannelScores)
		}))
	}

	return errors.Join(errs...)
}

func (db *ClickHouseDB) send(ctx context.Context, query string, n int, appendRow func(driver.Batch, int) error) error {
	batch, err := db.conn.PrepareBatch(ctx, query)
	if err != nil {
		return fmt.Errorf("%s: prepare: %w", query, err)
	}
	for i := 0; i < n; i++ {
		if err := appendRow(batch, i); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("%s: append: %w", query, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("%s: send: %w", query, err)
	}
	return nil
}

// Close closes the ClickHouse connection
func (db *ClickHouseDB) Close() error {
	if db.conn != nil {
		if err := db.conn.Close(); err != nil {
			return fmt.Errorf("database.ClickHouseDB.Close: %w", err)
		}
		log.Info().Msg("ClickHouse connection closed")
	}
	return nil
}
