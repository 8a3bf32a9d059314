package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // postgres SQL dialect
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"  // sqlite3 SQL dialect
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"           // postgres driver
	_ "github.com/mattn/go-sqlite3" // sqlite driver
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Database provides high-level helpers around a relational connection.
// SQL is built with goqu for the connection's dialect and scanned with sqlx.
type Database struct {
	db      *sqlx.DB
	driver  string
	dialect goqu.DialectWrapper
}

// NewDatabase opens (or creates) the SQLite database at dbPath and applies
// schema migrations.
func NewDatabase(dbPath string) (*Database, error) {
	// Ensure directory exists so first-run succeeds.
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	// busy_timeout lets writers queue, foreign keys drive the cascades and
	// immediate transactions serialize read-then-write sequences.
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=1&_txlock=immediate", dbPath)
	db, err := sqlx.Open(DriverSQLite, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return open(db, DriverSQLite)
}

// NewPostgresDatabase connects to PostgreSQL at dsn and applies schema migrations.
func NewPostgresDatabase(dsn string) (*Database, error) {
	const (
		maxOpenConnections = 50
		maxIdleConnections = 10
		maxConnLifetime    = time.Hour
		maxConnIdleTime    = 5 * time.Minute
	)

	db, err := sqlx.Open(DriverPostgres, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConnections)
	db.SetMaxIdleConns(maxIdleConnections)
	db.SetConnMaxLifetime(maxConnLifetime)
	db.SetConnMaxIdleTime(maxConnIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return open(db, DriverPostgres)
}

// Open dispatches on driver. For sqlite3 the dsn is a file path.
func Open(driver, dsn string) (*Database, error) {
	switch driver {
	case DriverSQLite, "sqlite", "":
		return NewDatabase(dsn)
	case DriverPostgres:
		return NewPostgresDatabase(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// NewDatabaseFromDB wraps an already opened connection without migrating it.
func NewDatabaseFromDB(db *sqlx.DB, driver string) *Database {
	dialect := driver
	if driver != DriverPostgres {
		dialect = DriverSQLite
	}
	return &Database{db: db, driver: driver, dialect: goqu.Dialect(dialect)}
}

func open(db *sqlx.DB, driver string) (*Database, error) {
	database := NewDatabaseFromDB(db, driver)
	if err := database.applyMigrations(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return database, nil
}

// Close closes the DB.
func (d *Database) Close() error { return d.db.Close() }

// Driver returns the driver name the database was opened with.
func (d *Database) Driver() string { return d.driver }

// Ping checks connectivity.
func (d *Database) Ping(ctx context.Context) error { return d.db.PingContext(ctx) }

// ---------------------------------------------------------------------------
// Schema migration
// ---------------------------------------------------------------------------

type migration struct {
	version  int
	sqlite   []string
	postgres []string
}

var migrations = []migration{
	{
		version: 1,
		sqlite: []string{
			`CREATE TABLE IF NOT EXISTS users (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            username TEXT NOT NULL UNIQUE,
            email TEXT NOT NULL DEFAULT '',
            password_hash TEXT NOT NULL,
            is_active BOOLEAN NOT NULL DEFAULT 0,
            created_at DATETIME NOT NULL
        );`,
			`CREATE TABLE IF NOT EXISTS members (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            user_id INTEGER NOT NULL UNIQUE REFERENCES users(id) ON DELETE CASCADE,
            lib_num TEXT NOT NULL UNIQUE,
            is_active BOOLEAN NOT NULL DEFAULT 0,
            fav_genre TEXT NOT NULL DEFAULT '',
            created_at DATETIME NOT NULL
        );`,
			`CREATE TABLE IF NOT EXISTS titles (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            isbn TEXT NOT NULL UNIQUE,
            title TEXT NOT NULL,
            author TEXT NOT NULL,
            genre TEXT NOT NULL DEFAULT '',
            created_at DATETIME NOT NULL
        );`,
			`CREATE TABLE IF NOT EXISTS availability (
            title_id INTEGER PRIMARY KEY REFERENCES titles(id) ON DELETE CASCADE,
            total INTEGER NOT NULL DEFAULT 0 CHECK (total >= 0),
            available INTEGER NOT NULL DEFAULT 0,
            CHECK (available >= 0 AND available <= total)
        );`,
			`CREATE TABLE IF NOT EXISTS loans (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            member_id INTEGER NOT NULL REFERENCES members(id) ON DELETE CASCADE,
            title_id INTEGER NOT NULL REFERENCES availability(title_id) ON DELETE CASCADE,
            borrowed_at DATETIME NOT NULL
        );`,
			`CREATE INDEX IF NOT EXISTS idx_loans_member ON loans(member_id);`,
			`CREATE INDEX IF NOT EXISTS idx_loans_title ON loans(title_id, borrowed_at);`,
			`CREATE TABLE IF NOT EXISTS late_fees (
            loan_id INTEGER PRIMARY KEY REFERENCES loans(id) ON DELETE CASCADE,
            days_late INTEGER NOT NULL DEFAULT 0,
            fee INTEGER NOT NULL DEFAULT 0,
            updated_at DATETIME NOT NULL
        );`,
			`CREATE TABLE IF NOT EXISTS history (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            member_id INTEGER NOT NULL REFERENCES members(id) ON DELETE CASCADE,
            title_id INTEGER NOT NULL REFERENCES titles(id) ON DELETE CASCADE,
            borrowed_at DATETIME NOT NULL,
            returned_at DATETIME NOT NULL,
            on_time BOOLEAN NOT NULL,
            days_late INTEGER NOT NULL DEFAULT 0,
            fee INTEGER NOT NULL DEFAULT 0
        );`,
			`CREATE INDEX IF NOT EXISTS idx_history_member ON history(member_id, borrowed_at);`,
			`CREATE TABLE IF NOT EXISTS requests (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            member_id INTEGER NOT NULL REFERENCES members(id) ON DELETE CASCADE,
            isbn TEXT NOT NULL,
            title TEXT NOT NULL DEFAULT '',
            author TEXT NOT NULL DEFAULT '',
            requested_at DATETIME NOT NULL
        );`,
			`CREATE TABLE IF NOT EXISTS ratings (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            member_id INTEGER NOT NULL REFERENCES members(id) ON DELETE CASCADE,
            title_id INTEGER NOT NULL REFERENCES titles(id) ON DELETE CASCADE,
            rating INTEGER NOT NULL CHECK (rating BETWEEN 0 AND 5),
            review TEXT NOT NULL DEFAULT '',
            created_at DATETIME NOT NULL,
            UNIQUE(member_id, title_id)
        );`,
		},
		postgres: []string{
			`CREATE TABLE IF NOT EXISTS users (
            id BIGSERIAL PRIMARY KEY,
            username TEXT NOT NULL UNIQUE,
            email TEXT NOT NULL DEFAULT '',
            password_hash TEXT NOT NULL,
            is_active BOOLEAN NOT NULL DEFAULT FALSE,
            created_at TIMESTAMPTZ NOT NULL
        );`,
			`CREATE TABLE IF NOT EXISTS members (
            id BIGSERIAL PRIMARY KEY,
            user_id BIGINT NOT NULL UNIQUE REFERENCES users(id) ON DELETE CASCADE,
            lib_num TEXT NOT NULL UNIQUE,
            is_active BOOLEAN NOT NULL DEFAULT FALSE,
            fav_genre TEXT NOT NULL DEFAULT '',
            created_at TIMESTAMPTZ NOT NULL
        );`,
			`CREATE TABLE IF NOT EXISTS titles (
            id BIGSERIAL PRIMARY KEY,
            isbn TEXT NOT NULL UNIQUE,
            title TEXT NOT NULL,
            author TEXT NOT NULL,
            genre TEXT NOT NULL DEFAULT '',
            created_at TIMESTAMPTZ NOT NULL
        );`,
			`CREATE TABLE IF NOT EXISTS availability (
            title_id BIGINT PRIMARY KEY REFERENCES titles(id) ON DELETE CASCADE,
            total INTEGER NOT NULL DEFAULT 0 CHECK (total >= 0),
            available INTEGER NOT NULL DEFAULT 0,
            CHECK (available >= 0 AND available <= total)
        );`,
			`CREATE TABLE IF NOT EXISTS loans (
            id BIGSERIAL PRIMARY KEY,
            member_id BIGINT NOT NULL REFERENCES members(id) ON DELETE CASCADE,
            title_id BIGINT NOT NULL REFERENCES availability(title_id) ON DELETE CASCADE,
            borrowed_at TIMESTAMPTZ NOT NULL
        );`,
			`CREATE INDEX IF NOT EXISTS idx_loans_member ON loans(member_id);`,
			`CREATE INDEX IF NOT EXISTS idx_loans_title ON loans(title_id, borrowed_at);`,
			`CREATE TABLE IF NOT EXISTS late_fees (
            loan_id BIGINT PRIMARY KEY REFERENCES loans(id) ON DELETE CASCADE,
            days_late INTEGER NOT NULL DEFAULT 0,
            fee INTEGER NOT NULL DEFAULT 0,
            updated_at TIMESTAMPTZ NOT NULL
        );`,
			`CREATE TABLE IF NOT EXISTS history (
            id BIGSERIAL PRIMARY KEY,
            member_id BIGINT NOT NULL REFERENCES members(id) ON DELETE CASCADE,
            title_id BIGINT NOT NULL REFERENCES titles(id) ON DELETE CASCADE,
            borrowed_at TIMESTAMPTZ NOT NULL,
            returned_at TIMESTAMPTZ NOT NULL,
            on_time BOOLEAN NOT NULL,
            days_late INTEGER NOT NULL DEFAULT 0,
            fee INTEGER NOT NULL DEFAULT 0
        );`,
			`CREATE INDEX IF NOT EXISTS idx_history_member ON history(member_id, borrowed_at);`,
			`CREATE TABLE IF NOT EXISTS requests (
            id BIGSERIAL PRIMARY KEY,
            member_id BIGINT NOT NULL REFERENCES members(id) ON DELETE CASCADE,
            isbn TEXT NOT NULL,
            title TEXT NOT NULL DEFAULT '',
            author TEXT NOT NULL DEFAULT '',
            requested_at TIMESTAMPTZ NOT NULL
        );`,
			`CREATE TABLE IF NOT EXISTS ratings (
            id BIGSERIAL PRIMARY KEY,
            member_id BIGINT NOT NULL REFERENCES members(id) ON DELETE CASCADE,
            title_id BIGINT NOT NULL REFERENCES titles(id) ON DELETE CASCADE,
            rating INTEGER NOT NULL CHECK (rating BETWEEN 0 AND 5),
            review TEXT NOT NULL DEFAULT '',
            created_at TIMESTAMPTZ NOT NULL,
            UNIQUE(member_id, title_id)
        );`,
		},
	},
}

// SchemaVersion is the version the latest migration brings the schema to.
var SchemaVersion = migrations[len(migrations)-1].version

func (d *Database) applyMigrations(ctx context.Context) error {
	if d.driver == DriverSQLite {
		// WAL improves write concurrency.
		if _, err := d.db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
			return fmt.Errorf("enable WAL: %w", err)
		}
	}

	if _, err := d.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT);`); err != nil {
		return fmt.Errorf("create meta table: %w", err)
	}

	current, err := d.CurrentSchemaVersion(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		stmts := m.sqlite
		if d.driver == DriverPostgres {
			stmts = m.postgres
		}
		if err := d.applyMigration(ctx, m.version, stmts); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (d *Database) applyMigration(ctx context.Context, version int, stmts []string) error {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	upsert := tx.Rebind(`INSERT INTO meta(key,value) VALUES('schema_version',?)
        ON CONFLICT(key) DO UPDATE SET value=excluded.value;`)
	if _, err := tx.ExecContext(ctx, upsert, strconv.Itoa(version)); err != nil {
		return err
	}
	return tx.Commit()
}

// CurrentSchemaVersion reads the applied schema version; 0 means none.
func (d *Database) CurrentSchemaVersion(ctx context.Context) (int, error) {
	var value string
	err := d.db.QueryRowxContext(ctx, d.db.Rebind(`SELECT value FROM meta WHERE key=?`), "schema_version").Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	version, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("parse schema version %q: %w", value, err)
	}
	return version, nil
}

// ---------------------------------------------------------------------------
// Query helpers
// ---------------------------------------------------------------------------

type sqlBuilder interface {
	ToSQL() (string, []interface{}, error)
}

func (d *Database) from(table interface{}) *goqu.SelectDataset {
	return d.dialect.From(table).Prepared(true)
}

func (d *Database) insertInto(table string) *goqu.InsertDataset {
	return d.dialect.Insert(table).Prepared(true)
}

func (d *Database) update(table string) *goqu.UpdateDataset {
	return d.dialect.Update(table).Prepared(true)
}

func (d *Database) deleteFrom(table string) *goqu.DeleteDataset {
	return d.dialect.Delete(table).Prepared(true)
}

func getOne(ctx context.Context, q sqlx.QueryerContext, dest interface{}, b sqlBuilder) error {
	query, args, err := b.ToSQL()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	return sqlx.GetContext(ctx, q, dest, query, args...)
}

func selectAll(ctx context.Context, q sqlx.QueryerContext, dest interface{}, b sqlBuilder) error {
	query, args, err := b.ToSQL()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	return sqlx.SelectContext(ctx, q, dest, query, args...)
}

func execute(ctx context.Context, e sqlx.ExecerContext, b sqlBuilder) (sql.Result, error) {
	query, args, err := b.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	return e.ExecContext(ctx, query, args...)
}

// executeAffecting runs b and returns the number of rows it touched.
func executeAffecting(ctx context.Context, e sqlx.ExecerContext, b sqlBuilder) (int64, error) {
	res, err := execute(ctx, e, b)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// insertID inserts a row and returns its generated id. lib/pq has no
// LastInsertId, so postgres goes through RETURNING.
func (d *Database) insertID(ctx context.Context, tx *sqlx.Tx, ds *goqu.InsertDataset) (int64, error) {
	if d.driver == DriverPostgres {
		var id int64
		if err := getOne(ctx, tx, &id, ds.Returning("id")); err != nil {
			return 0, err
		}
		return id, nil
	}
	res, err := execute(ctx, tx, ds)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (d *Database) txOptions() *sql.TxOptions {
	if d.driver == DriverPostgres {
		return &sql.TxOptions{Isolation: sql.LevelSerializable}
	}
	return nil
}

// inTx runs fn inside a transaction, retrying the whole unit on write
// conflicts. fn must not leak state between attempts.
func (d *Database) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return retryOnConflict(ctx, func(ctx context.Context) error {
		tx, err := d.db.BeginTxx(ctx, d.txOptions())
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback()

		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func noRows(err error) bool { return errors.Is(err, sql.ErrNoRows) }
