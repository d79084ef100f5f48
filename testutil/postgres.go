// Package testutil holds shared test fixtures: a migrated Postgres database and
// a fake Twitch API server.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/onnwee/chatwarden/db"
)

// SetupTestDB connects to TEST_PG_DSN, applies migrations and empties the
// application tables. It skips the test when TEST_PG_DSN is not set.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	database, err := db.Connect(context.Background(), dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.RunMigrations(database); err != nil {
		if err := db.Migrate(context.Background(), database); err != nil {
			_ = database.Close()
			t.Fatalf("failed to run migrations: %v", err)
		}
	}
	if _, err := database.Exec(`TRUNCATE channel_configs, oauth_tokens`); err != nil {
		_ = database.Close()
		t.Fatalf("failed to truncate tables: %v", err)
	}
	t.Cleanup(func() {
		_ = database.Close()
	})
	return database
}
