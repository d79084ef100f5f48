package main

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/onnwee/chatwarden/crypto"
	"github.com/onnwee/chatwarden/db"
	"github.com/onnwee/chatwarden/testutil"
)

const (
	oldKey = "k1:MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY="
	newKey = "k2:ZmVkY2JhOTg3NjU0MzIxMGZlZGNiYTk4NzY1NDMyMTA="
)

func mustSealer(t *testing.T, spec string) *crypto.Sealer {
	t.Helper()
	s, err := crypto.NewSealer(spec)
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	return s
}

func storedRow(t *testing.T, database *sql.DB, provider string) tokenRow {
	t.Helper()
	rows, err := loadRows(context.Background(), database, provider)
	if err != nil || len(rows) != 1 {
		t.Fatalf("loadRows(%s) = %v, %v", provider, rows, err)
	}
	return rows[0]
}

func TestMigrateTokens_DryRun(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()
	if err := db.NewTokenStore(database, nil).SaveToken(ctx, "twitch_bot", db.Token{AccessToken: "plain-access", RefreshToken: "plain-refresh", Expiry: time.Now().Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}

	n, err := migrateTokens(ctx, database, mustSealer(t, newKey), true, "")
	if err != nil || n != 1 {
		t.Fatalf("migrateTokens(dry-run) = %d, %v", n, err)
	}
	if got := storedRow(t, database, "twitch_bot"); got.AccessToken != "plain-access" || got.KeyID.Valid {
		t.Fatalf("dry-run changed the row: %+v", got)
	}
}

func TestMigrateTokens_SealsPlaintext(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()
	if err := db.NewTokenStore(database, nil).SaveToken(ctx, "twitch_bot", db.Token{AccessToken: "plain-access", RefreshToken: "plain-refresh"}); err != nil {
		t.Fatal(err)
	}

	sealer := mustSealer(t, newKey)
	if n, err := migrateTokens(ctx, database, sealer, false, ""); err != nil || n != 1 {
		t.Fatalf("migrateTokens = %d, %v", n, err)
	}
	row := storedRow(t, database, "twitch_bot")
	if !crypto.IsSealed(row.AccessToken) || !crypto.IsSealed(row.RefreshToken) || row.KeyID.String != "k2" {
		t.Fatalf("row not sealed: %+v", row)
	}

	tok, ok, err := db.NewTokenStore(database, sealer).GetToken(ctx, "twitch_bot")
	if err != nil || !ok || tok.AccessToken != "plain-access" || tok.RefreshToken != "plain-refresh" {
		t.Fatalf("GetToken = %+v, %v, %v", tok, ok, err)
	}

	// A second run finds nothing to do.
	if n, err := migrateTokens(ctx, database, sealer, false, ""); err != nil || n != 0 {
		t.Fatalf("second run = %d, %v", n, err)
	}
}

func TestMigrateTokens_RotatesKey(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()
	if err := db.NewTokenStore(database, mustSealer(t, oldKey)).SaveToken(ctx, "twitch_bot", db.Token{AccessToken: "a", RefreshToken: "r"}); err != nil {
		t.Fatal(err)
	}

	rotated := mustSealer(t, newKey+","+oldKey)
	if n, err := migrateTokens(ctx, database, rotated, false, "twitch_bot"); err != nil || n != 1 {
		t.Fatalf("migrateTokens = %d, %v", n, err)
	}

	// Only the new key is needed from now on.
	tok, ok, err := db.NewTokenStore(database, mustSealer(t, newKey)).GetToken(ctx, "twitch_bot")
	if err != nil || !ok || tok.AccessToken != "a" || tok.RefreshToken != "r" {
		t.Fatalf("GetToken with new key only = %+v, %v, %v", tok, ok, err)
	}
}

func TestMigrateTokens_UnknownKeyFails(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()
	if err := db.NewTokenStore(database, mustSealer(t, oldKey)).SaveToken(ctx, "twitch_bot", db.Token{AccessToken: "a", RefreshToken: "r"}); err != nil {
		t.Fatal(err)
	}
	if _, err := migrateTokens(ctx, database, mustSealer(t, newKey), false, ""); err == nil {
		t.Fatal("expected failure when the old key is not configured")
	}
	if got := storedRow(t, database, "twitch_bot"); got.KeyID.String != "k1" {
		t.Fatalf("row rewritten despite failure: %+v", got)
	}
}
