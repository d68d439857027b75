package ledger

import (
	"database/sql"
	"embed"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"
)

//go:embed migrations/*/*.sql
var migrationsFS embed.FS

type DBDriver string

const (
	DBSQLite   DBDriver = "sqlite"
	DBPostgres DBDriver = "postgres"
)

// dialect holds what differs between drivers when tracking schema versions.
type dialect struct {
	dir    string
	table  string
	create string
	record string
	stamp  func(time.Time) any
}

const sqliteVersionsTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  name TEXT NOT NULL,
  applied_at TEXT NOT NULL
)`

const postgresVersionsTable = `CREATE TABLE IF NOT EXISTS sponsorgate_schema_migrations (
  version INTEGER PRIMARY KEY,
  name TEXT NOT NULL,
  applied_at TIMESTAMPTZ NOT NULL
)`

var dialects = map[DBDriver]dialect{
	DBSQLite: {
		dir:    "migrations/sqlite",
		table:  "schema_migrations",
		create: sqliteVersionsTable,
		record: `INSERT INTO schema_migrations(version, name, applied_at) VALUES(?, ?, ?) ON CONFLICT(version) DO NOTHING`,
		stamp:  func(t time.Time) any { return t.Format(time.RFC3339) },
	},
	DBPostgres: {
		dir:    "migrations/postgres",
		table:  "sponsorgate_schema_migrations",
		create: postgresVersionsTable,
		record: `INSERT INTO sponsorgate_schema_migrations(version, name, applied_at) VALUES($1, $2, $3) ON CONFLICT(version) DO NOTHING`,
		stamp:  func(t time.Time) any { return t },
	},
}

func dialectFor(driver DBDriver) (dialect, error) {
	d, ok := dialects[driver]
	if !ok {
		return dialect{}, fmt.Errorf("unsupported db driver: %s", driver)
	}
	return d, nil
}

// migration is one embedded file named <version>_<name>.sql.
type migration struct {
	version int
	name    string
	file    string
}

// Migrate brings db up to the newest embedded schema version. Versions
// already recorded are skipped, and each pending file runs in its own
// transaction together with its version row, so a concurrent migrator that
// loses the race rolls back instead of applying a file twice.
func Migrate(db *sql.DB, driver DBDriver) error {
	if db == nil {
		return fmt.Errorf("missing db")
	}
	d, err := dialectFor(driver)
	if err != nil {
		return err
	}
	pending, err := loadMigrations(d.dir)
	if err != nil {
		return err
	}
	if _, err := db.Exec(d.create); err != nil {
		return fmt.Errorf("create %s: %w", d.table, err)
	}
	applied, err := appliedVersions(db, d.table)
	if err != nil {
		return err
	}

	for _, m := range pending {
		if applied[m.version] {
			continue
		}
		if err := applyMigration(db, d, m); err != nil {
			return fmt.Errorf("apply migration %04d_%s: %w", m.version, m.name, err)
		}
	}
	return nil
}

func applyMigration(db *sql.DB, d dialect, m migration) error {
	contents, err := migrationsFS.ReadFile(m.file)
	if err != nil {
		return err
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	res, err := tx.Exec(d.record, m.version, m.name, d.stamp(time.Now().UTC()))
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.Exec(string(contents)); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func appliedVersions(db *sql.DB, table string) (map[int]bool, error) {
	rows, err := db.Query(`SELECT version FROM ` + table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[int]bool{}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out[v] = true
	}
	return out, rows.Err()
}

func loadMigrations(dir string) ([]migration, error) {
	entries, err := migrationsFS.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := make([]migration, 0, len(entries))
	seen := map[int]string{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		m, err := parseMigrationName(e.Name())
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[m.version]; dup {
			return nil, fmt.Errorf("migration version %d used by %s and %s", m.version, prev, e.Name())
		}
		seen[m.version] = e.Name()
		m.file = path.Join(dir, e.Name())
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

func parseMigrationName(file string) (migration, error) {
	base := strings.TrimSuffix(file, ".sql")
	num, name, ok := strings.Cut(base, "_")
	if !ok || name == "" {
		return migration{}, fmt.Errorf("migration %q: want <version>_<name>.sql", file)
	}
	version, err := strconv.Atoi(num)
	if err != nil || version <= 0 {
		return migration{}, fmt.Errorf("migration %q: bad version %q", file, num)
	}
	return migration{version: version, name: name}, nil
}
