package sqlar

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
)

const (
	// blobChunkSize bounds positioned reads.
	blobChunkSize = 64 << 10
	// blobWriteChunk bounds each statement when content is written.
	blobWriteChunk = 4 << 20
)

// rowColumns yields the fields scanned by scanRow.
const rowColumns = `name, mode, mtime, coalesce(sz, 0), data IS NULL,
	coalesce(octet_length(data), 0),
	CASE WHEN sz < 0 THEN coalesce(CAST(data AS TEXT), '') ELSE '' END`

// descendants matches every row below a directory. Its two parameters are
// "dir/" and "dir0" ('0' is the byte after '/'), see prefixArgs.
const descendants = `(name > ? AND name < ?)`

// store is the row-level view of the sqlar table inside one transaction.
type store struct {
	tx *Tx
}

func (s *store) conn() (*sql.Conn, error) {
	if s.tx.done {
		return nil, ErrTxDone
	}
	return s.tx.conn.conn, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(sc scanner) (*row, error) {
	var r row
	if err := sc.Scan(&r.name, &r.mode, &r.mtime, &r.size, &r.dataNull, &r.dataLen, &r.target); err != nil {
		return nil, err
	}
	return &r, nil
}

func prefixArgs(dir string) (string, string) {
	return dir + "/", dir + "0"
}

// get returns the row for name or ErrNotFound.
func (s *store) get(ctx context.Context, name string) (*row, error) {
	c, err := s.conn()
	if err != nil {
		return nil, err
	}
	r, err := scanRow(c.QueryRowContext(ctx, `SELECT `+rowColumns+` FROM sqlar WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeError(err)
	}
	return r, nil
}

// insert adds a row. The data column is NULL for directories, an empty blob
// for files and the target text for symlinks.
func (s *store) insert(ctx context.Context, name string, kind FileType, mode int64, mtime sql.NullInt64, target string) error {
	c, err := s.conn()
	if err != nil {
		return err
	}
	var q string
	args := []any{name, mode, mtime}
	switch kind {
	case TypeDir:
		q = `INSERT INTO sqlar(name, mode, mtime, sz, data) VALUES (?, ?, ?, 0, NULL)`
	case TypeSymlink:
		q = `INSERT INTO sqlar(name, mode, mtime, sz, data) VALUES (?, ?, ?, -1, ?)`
		args = append(args, target)
	default:
		q = `INSERT INTO sqlar(name, mode, mtime, sz, data) VALUES (?, ?, ?, 0, zeroblob(0))`
	}
	_, err = c.ExecContext(ctx, q, args...)
	return storeError(err)
}

// deleteOne removes exactly one row.
func (s *store) deleteOne(ctx context.Context, name string) error {
	c, err := s.conn()
	if err != nil {
		return err
	}
	res, err := c.ExecContext(ctx, `DELETE FROM sqlar WHERE name = ?`, name)
	if err != nil {
		return storeError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// deleteTree removes name and all its descendants in one statement.
func (s *store) deleteTree(ctx context.Context, name string) (int64, error) {
	c, err := s.conn()
	if err != nil {
		return 0, err
	}
	lo, hi := prefixArgs(name)
	res, err := c.ExecContext(ctx, `DELETE FROM sqlar WHERE name = ? OR `+descendants, name, lo, hi)
	if err != nil {
		return 0, storeError(err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// renameTree re-keys oldName and all its descendants under newName in one
// statement. Content, including symlink targets, is left untouched.
func (s *store) renameTree(ctx context.Context, oldName, newName string) (int64, error) {
	c, err := s.conn()
	if err != nil {
		return 0, err
	}
	lo, hi := prefixArgs(oldName)
	res, err := c.ExecContext(ctx,
		`UPDATE sqlar SET name = ? || substr(name, length(?) + 1)
		WHERE name = ? OR `+descendants,
		newName, oldName, oldName, lo, hi)
	if err != nil {
		return 0, storeError(err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// hasChildren reports whether any row lives below dir.
func (s *store) hasChildren(ctx context.Context, dir string) (bool, error) {
	c, err := s.conn()
	if err != nil {
		return false, err
	}
	q := `SELECT EXISTS(SELECT 1 FROM sqlar WHERE ` + descendants + `)`
	args := []any{}
	if dir == "" {
		q = `SELECT EXISTS(SELECT 1 FROM sqlar)`
	} else {
		lo, hi := prefixArgs(dir)
		args = append(args, lo, hi)
	}
	var found bool
	if err := c.QueryRowContext(ctx, q, args...).Scan(&found); err != nil {
		return false, storeError(err)
	}
	return found, nil
}

func (s *store) setMode(ctx context.Context, name string, mode int64) error {
	return s.update(ctx, `UPDATE sqlar SET mode = ? WHERE name = ?`, mode, name)
}

func (s *store) setMtime(ctx context.Context, name string, mtime sql.NullInt64) error {
	return s.update(ctx, `UPDATE sqlar SET mtime = ? WHERE name = ?`, mtime, name)
}

func (s *store) update(ctx context.Context, q string, args ...any) error {
	c, err := s.conn()
	if err != nil {
		return err
	}
	res, err := c.ExecContext(ctx, q, args...)
	if err != nil {
		return storeError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// readBlobAt returns up to n bytes of the raw blob starting at off.
func (s *store) readBlobAt(ctx context.Context, name string, off int64, n int) ([]byte, error) {
	c, err := s.conn()
	if err != nil {
		return nil, err
	}
	var b []byte
	err = c.QueryRowContext(ctx,
		`SELECT substr(CAST(data AS BLOB), ?, ?) FROM sqlar WHERE name = ?`, off+1, n, name).Scan(&b)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeError(err)
	}
	return b, nil
}

// writeBlob replaces the content of name with the n bytes read from r and
// records size, mode and mtime alongside it. Large blobs are appended in
// chunks so memory stays bounded.
func (s *store) writeBlob(ctx context.Context, name string, r io.Reader, n, size, mode int64, mtime sql.NullInt64) error {
	c, err := s.conn()
	if err != nil {
		return err
	}

	first := min(n, blobWriteChunk)
	buf := make([]byte, first)
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("read content: %w", err)
	}
	q := `UPDATE sqlar SET data = ?, sz = ?, mode = ?, mtime = ? WHERE name = ?`
	args := []any{buf, size, mode, mtime, name}
	if first == 0 {
		q = `UPDATE sqlar SET data = zeroblob(0), sz = ?, mode = ?, mtime = ? WHERE name = ?`
		args = args[1:]
	}
	res, err := c.ExecContext(ctx, q, args...)
	if err != nil {
		return storeError(err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}

	for written := first; written < n; {
		chunk := buf[:min(n-written, blobWriteChunk)]
		if _, err := io.ReadFull(r, chunk); err != nil {
			return fmt.Errorf("read content: %w", err)
		}
		// || yields text; cast back so substr and length count bytes.
		if _, err := c.ExecContext(ctx,
			`UPDATE sqlar SET data = CAST(data || ? AS BLOB) WHERE name = ?`, chunk, name); err != nil {
			return storeError(err)
		}
		written += int64(len(chunk))
	}
	return nil
}

// savepoint runs fn so that either all of its statements apply or none do.
// Savepoints nest, so callers need not know whether they are already inside
// one.
func (s *store) savepoint(ctx context.Context, fn func() error) (err error) {
	c, err := s.conn()
	if err != nil {
		return err
	}
	name := `"sp_` + strings.ReplaceAll(uuid.NewString(), "-", "") + `"`
	if _, err := c.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return storeError(err)
	}

	released := false
	defer func() {
		if released {
			return
		}
		bg := context.WithoutCancel(ctx)
		if _, rbErr := c.ExecContext(bg, "ROLLBACK TO "+name); rbErr != nil && !isRollbackNoop(rbErr) {
			err = errors.Join(err, storeError(rbErr))
		}
		c.ExecContext(bg, "RELEASE "+name)
	}()

	if err := fn(); err != nil {
		return err
	}
	if _, err := c.ExecContext(ctx, "RELEASE "+name); err != nil {
		return storeError(err)
	}
	released = true
	return nil
}
