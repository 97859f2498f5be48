// Package sqlite keeps a reading history in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/d21d3q/gombus/internal/config"
	"github.com/d21d3q/gombus/internal/sink"
)

const (
	dirPermissions  = 0o750
	openTimeout     = 5 * time.Second
	timestampLayout = time.RFC3339Nano
)

const schema = `
CREATE TABLE IF NOT EXISTS readings (
	read_id      TEXT PRIMARY KEY,
	address      TEXT NOT NULL,
	manufacturer TEXT,
	medium       INTEGER,
	complete     INTEGER NOT NULL,
	created_at   TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS records (
	read_id        TEXT NOT NULL REFERENCES readings(read_id),
	record_index   INTEGER NOT NULL,
	function       TEXT,
	storage_number INTEGER,
	tariff         INTEGER,
	device         INTEGER,
	unit           TEXT,
	unit_code      INTEGER,
	value          TEXT,
	numeric_value  REAL,
	timestamp      TEXT,
	PRIMARY KEY (read_id, record_index)
);
CREATE INDEX IF NOT EXISTS idx_readings_address ON readings(address, created_at);
`

func init() {
	sink.Register("sqlite", func(ctx context.Context, cfg config.OutputsConfig) (sink.Sink, error) {
		return Open(ctx, cfg.SQLite)
	})
}

// Sink inserts one readings row and its records per batch.
type Sink struct {
	db *sql.DB
}

// Open creates the database file and schema if needed.
func Open(ctx context.Context, cfg config.SQLiteConfig) (*Sink, error) {
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, dirPermissions); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_foreign_keys=on&_journal_mode=WAL",
		cfg.Path, cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(ctx, openTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("verifying database connection: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &Sink{db: db}, nil
}

func (s *Sink) Name() string { return "sqlite" }

// Write stores b in one transaction.
func (s *Sink) Write(ctx context.Context, b sink.Batch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO readings (read_id, address, manufacturer, medium, complete, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		b.ReadID, b.Address, b.Manufacturer, b.Medium, b.Complete, time.Now().UTC().Format(timestampLayout),
	); err != nil {
		return fmt.Errorf("insert reading: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO records
		(read_id, record_index, function, storage_number, tariff, device, unit, unit_code, value, numeric_value, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()
	for _, row := range b.Rows {
		var numeric sql.NullFloat64
		if row.Numeric {
			numeric = sql.NullFloat64{Float64: row.Float, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			b.ReadID, row.RecordIndex, row.Function, int64(row.StorageNumber), row.Tariff, row.Device,
			row.Unit, row.UnitCode, row.Value, numeric, row.Timestamp.UTC().Format(timestampLayout),
		); err != nil {
			return fmt.Errorf("insert record %d: %w", row.RecordIndex, err)
		}
	}
	return tx.Commit()
}

// DB exposes the handle for queries over the history.
func (s *Sink) DB() *sql.DB { return s.db }

func (s *Sink) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}
