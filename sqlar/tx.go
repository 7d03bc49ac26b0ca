package sqlar

import (
	"context"
	"fmt"
)

// TxBehavior selects when SQLite takes the database lock.
type TxBehavior int

const (
	// TxDeferred takes locks on first use.
	TxDeferred TxBehavior = iota
	// TxImmediate takes the write lock at once.
	TxImmediate
	// TxExclusive also keeps readers on other connections out.
	TxExclusive
)

func (b TxBehavior) begin() string {
	switch b {
	case TxImmediate:
		return "BEGIN IMMEDIATE"
	case TxExclusive:
		return "BEGIN EXCLUSIVE"
	default:
		return "BEGIN DEFERRED"
	}
}

// Tx is an open transaction. The Conn is held until Commit or Rollback.
// Prefer Conn.Exec, which guarantees one of them runs.
type Tx struct {
	conn    *Conn
	done    bool
	archive *Archive
	// handles still open in this transaction; aborted when it ends
	handles map[*FileWriter]struct{}
}

// Begin starts a transaction and returns it. Every other Begin or Exec on
// the same Conn blocks until this transaction ends.
func (c *Conn) Begin(ctx context.Context, behavior TxBehavior) (*Tx, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: archive is closed", ErrTxDone)
	}
	if _, err := c.conn.ExecContext(ctx, behavior.begin()); err != nil {
		c.mu.Unlock()
		return nil, storeError(err)
	}

	c.setMu.Lock()
	umask, comp := c.umask, c.compression
	c.setMu.Unlock()

	tx := &Tx{conn: c, handles: make(map[*FileWriter]struct{})}
	tx.archive = &Archive{
		tx:          tx,
		store:       &store{tx: tx},
		umask:       umask,
		compression: comp,
		readOnly:    c.readOnly,
		logger:      c.logger,
	}
	return tx, nil
}

// Archive returns the view of the archive bound to this transaction.
func (tx *Tx) Archive() *Archive {
	return tx.archive
}

// Commit makes the transaction's changes visible. If it fails the
// transaction stays open and must be rolled back.
func (tx *Tx) Commit(ctx context.Context) error {
	if tx.done {
		return ErrTxDone
	}
	tx.abortHandles()
	if _, err := tx.conn.conn.ExecContext(ctx, "COMMIT"); err != nil {
		return storeError(err)
	}
	tx.finish()
	return nil
}

// Rollback discards the transaction's changes.
func (tx *Tx) Rollback(ctx context.Context) error {
	if tx.done {
		return ErrTxDone
	}
	tx.abortHandles()
	_, err := tx.conn.conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK")
	tx.finish()
	if isRollbackNoop(err) {
		return nil
	}
	return storeError(err)
}

func (tx *Tx) finish() {
	tx.done = true
	tx.conn.mu.Unlock()
}

// abortHandles drops writers the caller never closed; their content was
// never written, so nothing of them becomes visible.
func (tx *Tx) abortHandles() {
	for w := range tx.handles {
		tx.conn.logger.Debug("aborting unclosed writer", "path", w.file.path)
		w.Abort()
	}
}
