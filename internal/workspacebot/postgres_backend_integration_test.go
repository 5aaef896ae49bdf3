package workspacebot

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("WORKSPACEBOT_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set WORKSPACEBOT_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationTableName(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func postgresIntegrationDropTable(t *testing.T, dsn, table string) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Logf("drop table %s: open: %v", table, err)
		return
	}
	defer db.Close()
	if _, err := db.Exec("DROP TABLE IF EXISTS " + postgresQuoteIdentifier(table)); err != nil {
		t.Logf("drop table %s: %v", table, err)
	}
}

func TestPostgresIntegrationStateBackendRoundTrip(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	table := postgresIntegrationTableName("workspacebot_state_it")

	backend, err := NewPostgresStateBackend(PostgresStateBackendOptions{
		DSN:      dsn,
		Table:    table,
		StateKey: "sessions",
		Schema:   SessionSnapshotSchema,
	})
	if err != nil {
		t.Fatalf("new postgres state backend: %v", err)
	}
	t.Cleanup(func() {
		_ = backend.Close()
		postgresIntegrationDropTable(t, dsn, table)
	})

	var loaded sessionSnapshot
	ok, err := backend.Load(&loaded)
	if err != nil {
		t.Fatalf("initial load failed: %v", err)
	}
	if ok {
		t.Fatalf("expected empty initial snapshot, got %+v", loaded)
	}

	saved := sessionSnapshot{Sessions: map[string]*WorkspaceSession{
		"42": {
			UserID:       "42",
			Workspace:    "ws-42",
			ActiveThread: "t-1",
			Threads:      []Thread{{ID: "t-1", Name: "general"}},
		},
	}}
	if err := backend.Save(&saved); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	ok, err = backend.Load(&loaded)
	if err != nil {
		t.Fatalf("load after save failed: %v", err)
	}
	if !ok || loaded.Sessions["42"] == nil || loaded.Sessions["42"].Workspace != "ws-42" {
		t.Fatalf("loaded snapshot = %+v", loaded)
	}

	// Saving again must replace the previous snapshot, not append to it.
	saved.Sessions["42"].ActiveThread = "t-2"
	if err := backend.Save(&saved); err != nil {
		t.Fatalf("second save failed: %v", err)
	}
	ok, err = backend.Load(&loaded)
	if err != nil || !ok {
		t.Fatalf("load after second save failed: ok=%v err=%v", ok, err)
	}
	if loaded.Sessions["42"].ActiveThread != "t-2" {
		t.Fatalf("snapshot not replaced, active thread = %s", loaded.Sessions["42"].ActiveThread)
	}
}
