package ledger

import (
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

func TestMigrateSQLiteIdempotent(t *testing.T) {
	db, err := sql.Open("sqlite", "file:migrate_test?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	if err := Migrate(db, DBSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := Migrate(db, DBSQLite); err != nil {
		t.Fatalf("migrate second: %v", err)
	}

	for _, table := range []string{"epoch_spend", "nullifiers", "attestations", "audit_records", "event_outbox"} {
		var name string
		if err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name); err != nil {
			t.Fatalf("expected %s table: %v", table, err)
		}
	}
	var bound int
	if err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('attestations') WHERE name IN ('policy_hash', 'epoch', 'recipient')`).Scan(&bound); err != nil || bound != 3 {
		t.Fatalf("expected binding columns on attestations: n=%d err=%v", bound, err)
	}

	var count, newest int
	if err := db.QueryRow(`SELECT COUNT(*), MAX(version) FROM schema_migrations`).Scan(&count, &newest); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if count != 3 || newest != 3 {
		t.Fatalf("expected versions 1..3 applied, got count=%d newest=%d", count, newest)
	}
}

func TestLoadMigrationsOrdered(t *testing.T) {
	for _, driver := range []DBDriver{DBSQLite, DBPostgres} {
		d, err := dialectFor(driver)
		if err != nil {
			t.Fatalf("%s: %v", driver, err)
		}
		ms, err := loadMigrations(d.dir)
		if err != nil {
			t.Fatalf("%s: load: %v", driver, err)
		}
		if len(ms) != 3 || ms[0].version != 1 || ms[0].name != "epoch_ledger" || ms[2].name != "attestation_binding" {
			t.Fatalf("%s: unexpected migrations: %+v", driver, ms)
		}
	}
}

func TestMigrationNamesAndDrivers(t *testing.T) {
	if m, err := parseMigrationName("0012_add_index.sql"); err != nil || m.version != 12 || m.name != "add_index" {
		t.Fatalf("unexpected parse: %+v %v", m, err)
	}
	for _, bad := range []string{"init.sql", "0000_zero.sql", "abc_name.sql", "0003_.sql"} {
		if _, err := parseMigrationName(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
	if _, err := dialectFor(DBDriver("nope")); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}
	if err := Migrate(&sql.DB{}, DBDriver("nope")); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}
	if err := Migrate(nil, DBSQLite); err == nil {
		t.Fatalf("expected error for nil db")
	}
}
