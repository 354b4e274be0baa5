// Package sqlite persists the slow-moving state of the pipeline: the
// instrument catalog, the alert journal and a rolling tick archive.
// A single writer connection in WAL mode keeps concurrent readers cheap.
package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond
)

// Config configures the store.
type Config struct {
	Path string // path to the database file, e.g. "data/pipeline.db"
}

// Store wraps the SQLite database.
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// Open creates the store, initializes WAL mode and the schema.
func Open(cfg Config, log *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single writer; WAL readers do not block on it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log = log.Named("sqlite")
	log.Info("opened database", zap.String("path", cfg.Path))
	return &Store{db: db, log: log}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS instruments (
			symbol     TEXT    NOT NULL,
			exchange   TEXT    NOT NULL,
			name       TEXT,
			priority   INTEGER NOT NULL DEFAULT 0,
			watch_tier TEXT    NOT NULL DEFAULT 'fast',
			active     INTEGER NOT NULL DEFAULT 1,
			PRIMARY KEY (exchange, symbol)
		);

		CREATE TABLE IF NOT EXISTS alerts (
			id       TEXT    PRIMARY KEY,
			type     TEXT    NOT NULL,
			severity TEXT    NOT NULL,
			message  TEXT    NOT NULL,
			ts       INTEGER NOT NULL,
			resolved INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS ticks (
			symbol   TEXT    NOT NULL,
			exchange TEXT    NOT NULL,
			price    REAL    NOT NULL,
			volume   INTEGER,
			ts       INTEGER NOT NULL,
			source   TEXT,
			PRIMARY KEY (exchange, symbol, ts)
		);
	`)
	return err
}

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
