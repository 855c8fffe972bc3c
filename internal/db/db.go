package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	// Registers "libsql" with database/sql for remote URLs (libsql://, https://, wss://).
	_ "github.com/tursodatabase/libsql-client-go/libsql"

	// Registers the pure-Go "sqlite" driver for local files and in-memory databases.
	_ "modernc.org/sqlite"
)

// Driver names; package-level so tests can point at a broken driver.
var (
	remoteDriver = "libsql"
	localDriver  = "sqlite"
)

// schema creates the transcript table used by session.SQLStore.
const schema = `
CREATE TABLE IF NOT EXISTS transcripts (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT    NOT NULL,
	role            TEXT    NOT NULL,
	content         TEXT    NOT NULL,
	created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transcripts_conversation ON transcripts(conversation_id, id);
`

// Connect opens the database behind dbURL, verifies it with a ping and
// applies the schema.
//
// Supported URL forms:
//
//	Local file:   "file:path/to/editoragent.db"
//	In-memory:    ":memory:" or "file:name?mode=memory&cache=shared"
//	Remote Turso: "libsql://[db-name].turso.io?authToken=[token]"
func Connect(ctx context.Context, dbURL string) (*sql.DB, error) {
	if strings.TrimSpace(dbURL) == "" {
		return nil, fmt.Errorf("database URL must not be empty")
	}

	driver, dsn := driverFor(dbURL)
	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", driver, err)
	}
	if driver == localDriver {
		// ":memory:" databases are private to a connection.
		conn.SetMaxOpenConns(1)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// Migrate applies the schema. It is idempotent.
func Migrate(ctx context.Context, conn *sql.DB) error {
	if _, err := conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// driverFor picks the driver for a URL. Bare paths become "file:" URLs.
func driverFor(dbURL string) (driver, dsn string) {
	switch {
	case dbURL == ":memory:":
		return localDriver, dbURL
	case strings.HasPrefix(dbURL, "file:"):
		return localDriver, dbURL
	case strings.HasPrefix(dbURL, "libsql://"),
		strings.HasPrefix(dbURL, "https://"),
		strings.HasPrefix(dbURL, "http://"),
		strings.HasPrefix(dbURL, "wss://"),
		strings.HasPrefix(dbURL, "ws://"):
		return remoteDriver, dbURL
	default:
		// Bare path.
		return localDriver, "file:" + dbURL
	}
}
