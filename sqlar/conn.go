package sqlar

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const createTable = `CREATE TABLE sqlar(
	name TEXT PRIMARY KEY,
	mode INT,
	mtime INT,
	sz INT,
	data BLOB
)`

// OpenOptions controls how an archive file is opened.
type OpenOptions struct {
	// Create creates the database file and the sqlar table when missing.
	Create bool
	// CreateNew is Create, but fails if the sqlar table already exists.
	CreateNew bool
	// ReadOnly opens the database without write access.
	ReadOnly bool
	// Logger receives debug output. Nil discards it.
	Logger *slog.Logger
}

// Conn is an open archive. It owns a single database connection; all work
// happens inside transactions started with Exec or Begin, and only one
// transaction is open at a time.
type Conn struct {
	db       *sql.DB
	conn     *sql.Conn
	mu       sync.Mutex
	readOnly bool
	closed   bool
	logger   *slog.Logger

	setMu       sync.Mutex
	umask       FileMode
	compression Compression
}

// Open opens the archive at path.
func Open(ctx context.Context, path string, opts OpenOptions) (*Conn, error) {
	if opts.ReadOnly && (opts.Create || opts.CreateNew) {
		return nil, wrapPath("open", path, fmt.Errorf("%w: cannot create a read-only archive", ErrInvalidArgs))
	}

	mode := "rw"
	switch {
	case opts.ReadOnly:
		mode = "ro"
	case opts.Create || opts.CreateNew:
		mode = "rwc"
	}
	dsn := "file:" + (&url.URL{Path: path}).EscapedPath() + "?mode=" + mode

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, wrapPath("open", path, storeError(err))
	}
	c, err := newConn(ctx, db, opts)
	if err != nil {
		return nil, wrapPath("open", path, err)
	}
	return c, nil
}

// OpenMemory opens an empty archive that lives in memory.
func OpenMemory(ctx context.Context) (*Conn, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, wrapPath("open", ":memory:", storeError(err))
	}
	c, err := newConn(ctx, db, OpenOptions{Create: true})
	if err != nil {
		return nil, wrapPath("open", ":memory:", err)
	}
	return c, nil
}

func newConn(ctx context.Context, db *sql.DB, opts OpenOptions) (*Conn, error) {
	// A second pooled connection would see a different in-memory database
	// and break the one-writer model.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, storeError(err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := &Conn{
		db:          db,
		conn:        conn,
		readOnly:    opts.ReadOnly,
		logger:      logger,
		umask:       DefaultUmask,
		compression: DefaultCompression(),
	}
	if err := c.init(ctx, opts); err != nil {
		c.conn.Close()
		c.db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Conn) init(ctx context.Context, opts OpenOptions) error {
	var n int
	err := c.conn.QueryRowContext(ctx,
		`SELECT count(*) FROM sqlite_schema WHERE type = 'table' AND name = 'sqlar'`).Scan(&n)
	if err != nil {
		return storeError(err)
	}

	if n > 0 {
		if opts.CreateNew {
			return fmt.Errorf("%w: sqlar table already exists", ErrAlreadyExists)
		}
		return c.checkSchema(ctx)
	}
	if opts.ReadOnly {
		return fmt.Errorf("%w: no sqlar table", ErrInvalidArchive)
	}

	if _, err := c.conn.ExecContext(ctx, createTable); err != nil {
		return storeError(err)
	}
	c.logger.Debug("created sqlar table")
	return nil
}

func (c *Conn) checkSchema(ctx context.Context) error {
	rows, err := c.conn.QueryContext(ctx, `SELECT name FROM pragma_table_info('sqlar')`)
	if err != nil {
		return storeError(err)
	}
	defer rows.Close()

	missing := map[string]bool{"name": true, "mode": true, "mtime": true, "sz": true, "data": true}
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return storeError(err)
		}
		delete(missing, col)
	}
	if err := rows.Err(); err != nil {
		return storeError(err)
	}
	for col := range missing {
		return fmt.Errorf("%w: sqlar table has no %q column", ErrInvalidArchive, col)
	}
	return nil
}

// ReadOnly reports whether the archive was opened without write access.
func (c *Conn) ReadOnly() bool {
	return c.readOnly
}

// SetUmask sets the umask applied to entries created by later transactions.
func (c *Conn) SetUmask(umask FileMode) {
	c.setMu.Lock()
	defer c.setMu.Unlock()
	c.umask = umask & 0o777
}

// SetCompression sets the codec used for content written by later
// transactions.
func (c *Conn) SetCompression(comp Compression) error {
	if !Available(comp) {
		return fmt.Errorf("%w: %s", ErrUnsupportedCodec, comp)
	}
	c.setMu.Lock()
	defer c.setMu.Unlock()
	c.compression = comp
	return nil
}

// Exec runs fn inside a transaction. The transaction commits when fn
// returns nil and rolls back when it returns an error or panics.
func (c *Conn) Exec(ctx context.Context, fn func(ar *Archive) error) (err error) {
	tx, err := c.Begin(ctx, TxDeferred)
	if err != nil {
		return err
	}
	defer func() {
		if tx.done {
			return
		}
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, ErrTxDone) {
			c.logger.Warn("rollback failed", "error", rbErr)
			if err == nil {
				err = rbErr
			}
		}
	}()

	if err := fn(tx.Archive()); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Close closes the archive. It fails while a transaction is open.
func (c *Conn) Close() error {
	if !c.mu.TryLock() {
		return fmt.Errorf("%w: close with an open transaction", ErrInvalidArgs)
	}
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	err := errors.Join(c.conn.Close(), c.db.Close())
	return storeError(err)
}

// storeError classifies a driver error into one of the package sentinels.
func storeError(err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_CONSTRAINT:
			return fmt.Errorf("%w: %w", ErrAlreadyExists, err)
		case sqlite3.SQLITE_READONLY:
			return fmt.Errorf("%w: %w", ErrReadOnly, err)
		case sqlite3.SQLITE_FULL, sqlite3.SQLITE_TOOBIG:
			return fmt.Errorf("%w: %w", ErrFileTooBig, err)
		case sqlite3.SQLITE_NOTADB:
			return fmt.Errorf("%w: %w", ErrInvalidArchive, err)
		case sqlite3.SQLITE_CANTOPEN:
			return fmt.Errorf("%w: %w", ErrCannotOpen, err)
		}
	}
	return fmt.Errorf("%w: %w", ErrStore, err)
}

// isRollbackNoop reports whether err, returned by a ROLLBACK statement, means
// there was no transaction or savepoint left to roll back. SQLite aborts the
// transaction on its own after some failures. A ROLLBACK with fixed text has
// no other way to fail with the generic SQLITE_ERROR code.
func isRollbackNoop(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_ERROR
}
