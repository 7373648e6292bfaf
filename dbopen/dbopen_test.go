package dbopen_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/inquest/dbopen"
)

func TestOpenMemoryAppliesSchema(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(
		`CREATE TABLE things (id TEXT PRIMARY KEY, n INTEGER)`))

	if _, err := db.Exec(`INSERT INTO things (id, n) VALUES ('a', 1)`); err != nil {
		t.Fatal(err)
	}
	var n int
	if err := db.QueryRow(`SELECT n FROM things WHERE id = 'a'`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("got %d, want 1", n)
	}
}

func TestForeignKeysEnforced(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(`
		CREATE TABLE parents (id TEXT PRIMARY KEY);
		CREATE TABLE children (id TEXT PRIMARY KEY,
			parent_id TEXT NOT NULL REFERENCES parents(id));
	`))

	_, err := db.Exec(`INSERT INTO children (id, parent_id) VALUES ('c', 'nope')`)
	if err == nil {
		t.Fatal("expected foreign key violation")
	}
}

func TestRunTxRollsBackOnError(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(
		`CREATE TABLE things (id TEXT PRIMARY KEY)`))

	boom := errors.New("boom")
	err := dbopen.RunTx(context.Background(), db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO things (id) VALUES ('x')`); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want boom", err)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM things`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("rollback failed, %d rows present", count)
	}
}

func TestIsBusy(t *testing.T) {
	if dbopen.IsBusy(nil) {
		t.Fatal("nil is not busy")
	}
	if !dbopen.IsBusy(errors.New("database is locked (5) (SQLITE_BUSY)")) {
		t.Fatal("should detect SQLITE_BUSY")
	}
	if dbopen.IsBusy(errors.New("syntax error")) {
		t.Fatal("syntax error is not busy")
	}
}
