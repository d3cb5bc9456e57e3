package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"golang.org/x/text/cases"
)

// Database is the record store: one SQLite file holding books, members and loans.
//
// Write transactions are opened with BEGIN IMMEDIATE (see the DSN), so a transaction
// that reads eligibility state and then writes holds the write lock for its whole
// lifetime. Backup and Restore take the maintenance lock exclusively and therefore
// never overlap a transaction or query.
type Database struct {
	db     *sqlx.DB
	path   string
	logger *slog.Logger

	// maint is held shared by every query and transaction, exclusively by Backup/Restore.
	maint sync.RWMutex
}

var dialect = goqu.Dialect("sqlite3")

// driverName is go-sqlite3 with a fold(text) function registered on every connection.
const driverName = "sqlite3_catalog"

var registerDriver sync.Once

func openDriver() string {
	registerDriver.Do(func() {
		sql.Register(driverName, &sqlite3.SQLiteDriver{
			ConnectHook: func(conn *sqlite3.SQLiteConn) error {
				return conn.RegisterFunc("fold", foldText, true)
			},
		})
		sqlx.BindDriver(driverName, sqlx.QUESTION)
	})
	return driverName
}

// foldText applies Unicode case folding, so "Émile" and "émile" compare equal.
func foldText(s string) string { return cases.Fold().String(s) }

// NewDatabase opens (or creates) the SQLite database at dbPath and applies schema migrations.
func NewDatabase(dbPath string, logger *slog.Logger) (*Database, error) {
	if logger == nil {
		logger = discardLogger()
	}
	// Ensure directory exists so first-run succeeds.
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, storageErr("open", fmt.Errorf("create db dir: %w", err))
		}
	}

	db, err := sqlx.Open(openDriver(), dsn(dbPath))
	if err != nil {
		return nil, storageErr("open", fmt.Errorf("open sqlite: %w", err))
	}

	if err := applyMigrations(context.Background(), db.DB); err != nil {
		db.Close()
		return nil, storageErr("migrate", err)
	}

	logger.Debug("database opened", "path", dbPath, "schema_version", schemaVersion)
	return &Database{db: db, path: dbPath, logger: logger}, nil
}

// dsn enables busy_timeout and foreign keys, and makes every BEGIN an IMMEDIATE one.
func dsn(dbPath string) string {
	return fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=1&_txlock=immediate", dbPath)
}

// Close closes the DB.
func (d *Database) Close() error { return d.db.Close() }

// Path returns the file the store was opened from.
func (d *Database) Path() string { return d.path }

// ---------------------------------------------------------------------------
// Schema migration
// ---------------------------------------------------------------------------

const schemaVersion = 3

func applyMigrations(ctx context.Context, db *sql.DB) error {
	// WAL lets readers proceed while a borrow or return holds the write lock.
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		return fmt.Errorf("enable WAL: %w", err)
	}

	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT);`); err != nil {
		return err
	}

	var current int
	_ = db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key='schema_version';`).Scan(&current)
	if current >= schemaVersion {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS books (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            title TEXT NOT NULL,
            author TEXT NOT NULL,
            isbn TEXT UNIQUE,
            publisher TEXT,
            category TEXT,
            publication_year INTEGER,
            total_copies INTEGER NOT NULL DEFAULT 1,
            available_copies INTEGER NOT NULL DEFAULT 1,
            created_at INTEGER NOT NULL,
            updated_at INTEGER NOT NULL,
            CHECK (total_copies >= 0),
            CHECK (available_copies >= 0 AND available_copies <= total_copies)
        );`,
		`CREATE TABLE IF NOT EXISTS members (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            name TEXT NOT NULL,
            email TEXT NOT NULL UNIQUE,
            phone TEXT,
            address TEXT,
            pin_hash TEXT,
            is_active INTEGER NOT NULL DEFAULT 1,
            registration_date INTEGER NOT NULL,
            created_at INTEGER NOT NULL,
            updated_at INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS loans (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            book_id INTEGER NOT NULL REFERENCES books(id) ON DELETE CASCADE,
            member_id INTEGER NOT NULL REFERENCES members(id) ON DELETE CASCADE,
            loan_date INTEGER NOT NULL,
            due_date INTEGER NOT NULL,
            return_date INTEGER,
            is_returned INTEGER NOT NULL DEFAULT 0,
            renewal_count INTEGER NOT NULL DEFAULT 0,
            created_at INTEGER NOT NULL,
            updated_at INTEGER NOT NULL,
            CHECK (due_date > loan_date),
            CHECK (renewal_count >= 0),
            CHECK ((is_returned = 1) = (return_date IS NOT NULL))
        );`,
		`CREATE INDEX IF NOT EXISTS idx_books_title ON books(title);`,
		`CREATE INDEX IF NOT EXISTS idx_books_author ON books(author);`,
		`CREATE INDEX IF NOT EXISTS idx_members_name ON members(name);`,
		`CREATE INDEX IF NOT EXISTS idx_loans_book_id ON loans(book_id);`,
		`CREATE INDEX IF NOT EXISTS idx_loans_member_id ON loans(member_id);`,
		`CREATE INDEX IF NOT EXISTS idx_loans_open_due ON loans(due_date) WHERE is_returned = 0;`,
		// Storage-level backstop for the duplicate-loan rule.
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_loans_open_pair ON loans(book_id, member_id) WHERE is_returned = 0;`,
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO meta(key,value) VALUES('schema_version',?)
            ON CONFLICT(key) DO UPDATE SET value=excluded.value;`, schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}

	return tx.Commit()
}

// ---------------------------------------------------------------------------
// Transactions and queries
// ---------------------------------------------------------------------------

// withTx runs fn inside one write transaction: COMMIT when fn returns nil, ROLLBACK otherwise.
// Errors from fn are returned as is; driver errors are classified through storageErr.
func (d *Database) withTx(ctx context.Context, op string, fn func(tx *sqlx.Tx) error) error {
	d.maint.RLock()
	defer d.maint.RUnlock()

	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return storageErr(op, fmt.Errorf("begin transaction: %w", err))
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return storageErr(op, err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr(op, fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

// read runs fn against the pool outside any transaction; each statement sees committed state.
func (d *Database) read(ctx context.Context, op string, fn func(q sqlx.QueryerContext) error) error {
	d.maint.RLock()
	defer d.maint.RUnlock()

	if err := fn(d.db); err != nil {
		return storageErr(op, err)
	}
	return nil
}

// selectDataset executes a goqu dataset in prepared mode so every value is bound.
func selectDataset(ctx context.Context, q sqlx.QueryerContext, ds *goqu.SelectDataset, dest any) error {
	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	return sqlx.SelectContext(ctx, q, dest, query, args...)
}

// containsFold matches col against term as a substring, ignoring case across all of
// Unicode. LIKE wildcards inside term are matched literally.
func containsFold(col, term string) exp.Expression {
	return goqu.L(`fold(COALESCE(?, '')) LIKE ? ESCAPE '\'`, goqu.I(col), "%"+escapeLike(foldText(term))+"%")
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string { return likeEscaper.Replace(s) }

// page applies limit/offset; limit <= 0 means unbounded.
func page(ds *goqu.SelectDataset, limit, offset int) *goqu.SelectDataset {
	if limit > 0 {
		ds = ds.Limit(uint(limit))
	}
	if offset > 0 {
		if limit <= 0 {
			// SQLite needs a LIMIT before OFFSET.
			ds = ds.Limit(uint(1 << 62))
		}
		ds = ds.Offset(uint(offset))
	}
	return ds
}

func exists(ctx context.Context, q sqlx.QueryerContext, query string, args ...any) (bool, error) {
	var ok bool
	if err := sqlx.GetContext(ctx, q, &ok, query, args...); err != nil {
		return false, err
	}
	return ok, nil
}

func count(ctx context.Context, q sqlx.QueryerContext, query string, args ...any) (int, error) {
	var n int
	if err := sqlx.GetContext(ctx, q, &n, query, args...); err != nil {
		return 0, err
	}
	return n, nil
}

func unixTime(t time.Time) int64 { return t.Unix() }

func fromUnix(s int64) time.Time { return time.Unix(s, 0) }

// ---------------------------------------------------------------------------
// Maintenance
// ---------------------------------------------------------------------------

// Backup writes a consistent snapshot of the whole store to path.
// It waits for in-flight operations and blocks new ones until the snapshot is written.
func (d *Database) Backup(ctx context.Context, path string) error {
	const op = "backup"
	if strings.TrimSpace(path) == "" {
		return validationErr(op, "backup path cannot be empty")
	}
	if _, err := os.Stat(path); err == nil {
		return conflictErr(op, "backup file %s already exists", path)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return storageErr(op, fmt.Errorf("create backup dir: %w", err))
		}
	}

	d.maint.Lock()
	defer d.maint.Unlock()

	if _, err := d.db.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return storageErr(op, err)
	}
	d.logger.Info("database backed up", "path", path)
	return nil
}

// Restore replaces the contents of the store with the snapshot at path.
func (d *Database) Restore(ctx context.Context, path string) error {
	const op = "restore"
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return notFoundErr(op, "backup file %s does not exist", path)
		}
		return storageErr(op, err)
	}

	src, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000", path))
	if err != nil {
		return storageErr(op, err)
	}
	defer src.Close()

	d.maint.Lock()
	defer d.maint.Unlock()

	dstConn, err := d.db.Conn(ctx)
	if err != nil {
		return storageErr(op, err)
	}
	defer dstConn.Close()
	srcConn, err := src.Conn(ctx)
	if err != nil {
		return storageErr(op, err)
	}
	defer srcConn.Close()

	err = dstConn.Raw(func(dc any) error {
		return srcConn.Raw(func(sc any) error {
			dst, ok := dc.(*sqlite3.SQLiteConn)
			if !ok {
				return fmt.Errorf("unexpected driver connection %T", dc)
			}
			from, ok := sc.(*sqlite3.SQLiteConn)
			if !ok {
				return fmt.Errorf("unexpected driver connection %T", sc)
			}
			bk, err := dst.Backup("main", from, "main")
			if err != nil {
				return err
			}
			if _, err := bk.Step(-1); err != nil {
				bk.Finish()
				return err
			}
			return bk.Finish()
		})
	})
	if err != nil {
		return storageErr(op, err)
	}

	if err := applyMigrations(ctx, d.db.DB); err != nil {
		return storageErr(op, err)
	}
	d.logger.Info("database restored", "path", path)
	return nil
}
