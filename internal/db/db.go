package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

func Open(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir data dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA synchronous=NORMAL; PRAGMA temp_store=MEMORY;`); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func Migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			source_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			ended_at DATETIME,
			last_data_at DATETIME NOT NULL,
			last_sample_ts INTEGER NOT NULL DEFAULT 0,
			sample_count INTEGER NOT NULL DEFAULT 0,
			frequency_seconds INTEGER NOT NULL DEFAULT 0,
			saved_path TEXT NOT NULL DEFAULT '',
			previous_json TEXT NOT NULL DEFAULT '{}',
			prior_json TEXT NOT NULL DEFAULT '{}'
		);`,
		`CREATE TABLE IF NOT EXISTS metrics (
			source_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			session_id TEXT NOT NULL,
			cpu_user REAL,
			cpu_system REAL,
			cpu_iowait REAL,
			cpu_idle REAL,
			cpu_steal REAL,
			mem_total REAL,
			mem_used REAL,
			mem_available REAL,
			mem_buffers REAL,
			mem_cached REAL,
			disk_read_iops REAL,
			disk_write_iops REAL,
			disk_read_mbps REAL,
			disk_write_mbps REAL,
			net_rx_mbps REAL,
			net_tx_mbps REAL,
			net_rx_pps REAL,
			net_tx_pps REAL,
			disk_read_ops INTEGER,
			disk_write_ops INTEGER,
			disk_read_bytes INTEGER,
			disk_write_bytes INTEGER,
			net_rx_bytes INTEGER,
			net_tx_bytes INTEGER,
			net_rx_packets INTEGER,
			net_tx_packets INTEGER,
			PRIMARY KEY(source_id, ts),
			FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_one_active ON sessions(source_id) WHERE status='active';`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status_last_data ON sessions(status, last_data_at);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_source_started ON sessions(source_id, started_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_session_ts ON metrics(session_id, ts);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate failed: %w", err)
		}
	}
	return nil
}
