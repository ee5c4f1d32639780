package persistence

import (
	"context"
	"os"
	"testing"

	"triage_server/adapter/out/persistence/storetest"
	"triage_server/core/port/out"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

// Runs only when TEST_DATABASE_URL points at a disposable database.
func TestPostgresStore_Contract(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	db, err := sqlx.Connect("pgx", dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer db.Close()

	storetest.Run(t, func(t *testing.T) out.CheckpointStore {
		s := NewPostgresStore(db, "contract-"+t.Name())
		if err := s.EnsureSchema(context.Background()); err != nil {
			t.Fatalf("EnsureSchema: %v", err)
		}
		t.Cleanup(func() {
			db.Exec(`DELETE FROM triage_processed WHERE mailbox = $1`, s.mailbox)
			db.Exec(`DELETE FROM triage_cursor WHERE mailbox = $1`, s.mailbox)
		})
		return s
	})
}
