package services

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestNewDatabaseService_RejectsTableName(t *testing.T) {
	for _, name := range []string{"", "doc changes", "x;drop table y", "1abc"} {
		if _, err := NewDatabaseService("host=invalid", name); err == nil {
			t.Errorf("table name %q should be rejected", name)
		}
	}
}

func TestDatabaseService_GetChanges(t *testing.T) {
	dsn := os.Getenv("CONVERTER_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("CONVERTER_TEST_DATABASE_URL not set")
	}
	db, err := NewDatabaseService(dsn, "doc_changes_test")
	if err != nil {
		t.Fatalf("NewDatabaseService failed: %v", err)
	}
	defer db.Close()

	// Temporary tables are per connection.
	db.db.SetMaxOpenConns(1)
	ctx := context.Background()
	_, err = db.db.ExecContext(ctx, `CREATE TEMP TABLE doc_changes_test (
		tenant text, id text, change_id int, user_id text, user_id_original text,
		user_name text, change_data text, change_date timestamp)`)
	if err != nil {
		t.Fatalf("create table: %v", err)
	}

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		_, err := db.db.ExecContext(ctx, `INSERT INTO doc_changes_test VALUES ('acme','d1',$1,'u1','o1','User','data',$2)`,
			i, t0.Add(time.Duration(i)*time.Minute))
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	all, err := db.GetChanges(ctx, "acme", "d1", 0, 10, nil)
	if err != nil {
		t.Fatalf("GetChanges failed: %v", err)
	}
	if len(all) != 3 || all[0].Index != 0 || string(all[2].Data) != "data" {
		t.Errorf("unexpected records %+v", all)
	}

	cutoff := t0.Add(time.Minute)
	bounded, err := db.GetChanges(ctx, "acme", "d1", 0, 10, &cutoff)
	if err != nil {
		t.Fatalf("GetChanges failed: %v", err)
	}
	if len(bounded) != 2 {
		t.Errorf("cutoff should keep 2 records, got %d", len(bounded))
	}
}
