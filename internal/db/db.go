package db

import (
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/logger"
	_ "github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite"
)

// Open connects to a libsql server (libsql://, http(s)://, ws(s)://) or to a
// local sqlite file, and makes sure the tables exist.
func Open(dataSourceName, authToken string) (*sql.DB, error) {
	driver, dsn := "sqlite", dataSourceName
	if isRemote(dataSourceName) {
		driver = "libsql"
		if authToken != "" {
			dsn = withAuthToken(dataSourceName, authToken)
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}
	if driver == "sqlite" {
		// one writer at a time
		db.SetMaxOpenConns(1)
	}

	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s database: %w", driver, err)
	}
	if err = createTables(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func isRemote(dsn string) bool {
	for _, scheme := range []string{"libsql://", "http://", "https://", "ws://", "wss://"} {
		if strings.HasPrefix(dsn, scheme) {
			return true
		}
	}
	return false
}

func withAuthToken(dsn, token string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "authToken=" + url.QueryEscape(token)
}

func createTables(db *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS rounds (
		id INTEGER PRIMARY KEY,
		phase TEXT NOT NULL,
		ticket_price INTEGER NOT NULL,
		start_time INTEGER NOT NULL,
		end_time INTEGER NOT NULL,
		tickets_sold INTEGER NOT NULL DEFAULT 0,
		pool_amount INTEGER NOT NULL DEFAULT 0,
		winning_ticket INTEGER,
		winner TEXT NOT NULL DEFAULT '',
		reward INTEGER NOT NULL DEFAULT 0,
		credential_id INTEGER NOT NULL DEFAULT 0,
		credential_pending BOOLEAN NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS purchases (
		round_id INTEGER NOT NULL,
		first_ticket INTEGER NOT NULL,
		count INTEGER NOT NULL,
		buyer TEXT NOT NULL,
		PRIMARY KEY (round_id, first_ticket),
		FOREIGN KEY(round_id) REFERENCES rounds(id)
	);

	CREATE TABLE IF NOT EXISTS events (
		pos INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		seq INTEGER NOT NULL UNIQUE,
		type TEXT NOT NULL,
		round_id INTEGER NOT NULL,
		at INTEGER NOT NULL,
		payload TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_events_round_id ON events(round_id);

	CREATE TABLE IF NOT EXISTS credentials (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		round_id INTEGER NOT NULL UNIQUE,
		owner TEXT NOT NULL,
		issued_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	for _, stmt := range strings.Split(query, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			logger.Errorf("Error creating tables: %v", err)
			return fmt.Errorf("create tables: %w", err)
		}
	}
	return nil
}
