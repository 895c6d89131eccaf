package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const defaultDBName = "worklog.db"

type Config struct {
	// Root is the shared store directory; the database lives inside it.
	Root        string
	BusyTimeout time.Duration
}

func dbPath(root string) string {
	if root == "" {
		root = "."
	}
	return filepath.Join(root, defaultDBName)
}

// Open opens the work log database. Every worker process opens the same
// file; WAL mode and a busy timeout let SQLite serialize their writers, and
// immediate transactions take the write lock up front.
func Open(cfg Config) (*sql.DB, error) {
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, err
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		dbPath(cfg.Root), busy.Milliseconds())
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("open %s: %w", dbPath(cfg.Root), err)
	}
	return conn, nil
}

// Path returns the db path for a store root.
func Path(root string) string {
	return dbPath(root)
}
