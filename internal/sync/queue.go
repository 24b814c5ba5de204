package sync

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// SQL statements for change queue operations.
const (
	// Coalescing upsert: one row per entry. A later mutation overwrites the
	// queued payload but keeps the original seq, so the entry holds its place
	// in submission order. An edit to a create the server has not seen stays
	// a create; any other combination takes the newer op (a delete always
	// wins). Re-enqueueing a rejected change resets it to pending — a fresh
	// local edit is a resubmission.
	sqlEnqueueChange = `INSERT INTO pending_changes
		(entry_id, op, payload, seq, status, reject_reason, queued_at)
		VALUES (?, ?, ?,
		 (SELECT COALESCE(MAX(seq), 0) + 1 FROM pending_changes),
		 'pending', '', ?)
		ON CONFLICT(entry_id) DO UPDATE SET
		 op = CASE
		   WHEN pending_changes.op = 'create' AND excluded.op = 'update'
		   THEN 'create'
		   ELSE excluded.op
		 END,
		 payload = excluded.payload,
		 status = 'pending',
		 reject_reason = '',
		 queued_at = excluded.queued_at`

	sqlSelectPending = `SELECT entry_id, op, payload, seq, status, reject_reason, queued_at
		FROM pending_changes WHERE status = 'pending' ORDER BY seq ASC`

	sqlMarkInFlight = `UPDATE pending_changes SET status = 'inflight'
		WHERE status = 'pending'`

	// Status guards on the inflight transitions make a concurrent local edit
	// safe: if a new mutation flipped the row back to pending mid-round, the
	// acknowledge/reject/requeue below become no-ops and the newer change
	// survives for the next round.
	sqlAcknowledgeChange = `DELETE FROM pending_changes
		WHERE entry_id = ? AND status = 'inflight'`

	sqlRejectChange = `UPDATE pending_changes
		SET status = 'rejected', reject_reason = ?
		WHERE entry_id = ? AND status = 'inflight'`

	sqlRequeueChange = `UPDATE pending_changes SET status = 'pending'
		WHERE entry_id = ? AND status = 'inflight'`

	sqlRequeueAllInFlight = `UPDATE pending_changes SET status = 'pending'
		WHERE status = 'inflight'`

	sqlSelectByStatus = `SELECT entry_id, op, payload, seq, status, reject_reason, queued_at
		FROM pending_changes WHERE status = ? ORDER BY seq ASC`

	sqlCountByStatus = `SELECT status, COUNT(*) FROM pending_changes GROUP BY status`

	sqlResubmitRejected = `UPDATE pending_changes
		SET status = 'pending', reject_reason = ''
		WHERE entry_id = ? AND status = 'rejected'`

	sqlDiscardRejected = `DELETE FROM pending_changes
		WHERE entry_id = ? AND status = 'rejected'`

	sqlIsQueued = `SELECT 1 FROM pending_changes WHERE entry_id = ?`
)

// Queue is the persisted change queue. It shares the store's database so a
// local mutation and its queued change commit in one transaction.
type Queue struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time
}

// NewQueue returns a change queue backed by the store's database.
func NewQueue(store *Store, logger *slog.Logger) *Queue {
	return &Queue{
		db:      store.db,
		logger:  logger,
		nowFunc: time.Now,
	}
}

// withTx runs fn inside a single transaction on the queue's database.
func (q *Queue) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sync: beginning queue transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sync: committing queue transaction: %w", err)
	}

	return nil
}

// Enqueue records a local mutation for the next sync round, coalescing with
// any change already queued for the same entry.
func (q *Queue) Enqueue(ctx context.Context, entryID string, op Op, payload []byte) error {
	return q.withTx(ctx, func(tx *sql.Tx) error {
		return enqueueTx(ctx, tx, q.nowFunc().UnixNano(), entryID, op, payload)
	})
}

// enqueueTx is Enqueue inside an existing transaction. The service uses it
// to commit an entry write and its queued change atomically.
func enqueueTx(ctx context.Context, tx *sql.Tx, nowNano int64, entryID string, op Op, payload []byte) error {
	_, err := tx.ExecContext(ctx, sqlEnqueueChange, entryID, string(op), string(payload), nowNano)
	if err != nil {
		return fmt.Errorf("sync: enqueueing %s for entry %s: %w", op, entryID, err)
	}

	return nil
}

// Drain atomically selects all pending changes in submission order and marks
// them inflight. Rejected changes are excluded; they need explicit
// resubmission. An empty result means nothing to send.
func (q *Queue) Drain(ctx context.Context) ([]PendingChange, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sync: beginning drain transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, sqlSelectPending)
	if err != nil {
		return nil, fmt.Errorf("sync: selecting pending changes: %w", err)
	}

	batch, err := scanChanges(rows)
	if err != nil {
		return nil, err
	}

	if len(batch) == 0 {
		return nil, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, sqlMarkInFlight); err != nil {
		return nil, fmt.Errorf("sync: marking changes inflight: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sync: committing drain: %w", err)
	}

	for i := range batch {
		batch[i].Status = changeStatusInFlight
	}

	q.logger.Debug("drained change queue", slog.Int("changes", len(batch)))

	return batch, nil
}

// acknowledgeTx removes inflight changes the server accepted. Rows a
// concurrent edit flipped back to pending are left alone.
func acknowledgeTx(ctx context.Context, tx *sql.Tx, entryIDs []string) error {
	for _, id := range entryIDs {
		if _, err := tx.ExecContext(ctx, sqlAcknowledgeChange, id); err != nil {
			return fmt.Errorf("sync: acknowledging change for %s: %w", id, err)
		}
	}

	return nil
}

// rejectTx marks an inflight change rejected with the server's reason.
func rejectTx(ctx context.Context, tx *sql.Tx, entryID, reason string) error {
	if _, err := tx.ExecContext(ctx, sqlRejectChange, reason, entryID); err != nil {
		return fmt.Errorf("sync: rejecting change for %s: %w", entryID, err)
	}

	return nil
}

// Requeue returns the given inflight changes to pending after a failed
// round. Payloads are untouched; the batch is simply eligible again.
func (q *Queue) Requeue(ctx context.Context, entryIDs []string) error {
	return q.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range entryIDs {
			if _, err := tx.ExecContext(ctx, sqlRequeueChange, id); err != nil {
				return fmt.Errorf("sync: requeueing change for %s: %w", id, err)
			}
		}

		return nil
	})
}

// RequeueAllInFlight returns every inflight change to pending. Called once
// at startup: inflight rows surviving a restart mean the previous process
// died mid-round, and the round must be re-run from the top.
func (q *Queue) RequeueAllInFlight(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx, sqlRequeueAllInFlight)
	if err != nil {
		return 0, fmt.Errorf("sync: requeueing inflight changes: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sync: counting requeued changes: %w", err)
	}

	if n > 0 {
		q.logger.Warn("recovered inflight changes from interrupted round", slog.Int64("count", n))
	}

	return n, nil
}

// Pending returns changes awaiting the next round, in submission order.
func (q *Queue) Pending(ctx context.Context) ([]PendingChange, error) {
	return q.listByStatus(ctx, changeStatusPending)
}

// Rejected returns changes the server refused, in submission order. These
// stay parked until resolved via Resubmit or Discard.
func (q *Queue) Rejected(ctx context.Context) ([]PendingChange, error) {
	return q.listByStatus(ctx, changeStatusRejected)
}

func (q *Queue) listByStatus(ctx context.Context, status string) ([]PendingChange, error) {
	rows, err := q.db.QueryContext(ctx, sqlSelectByStatus, status)
	if err != nil {
		return nil, fmt.Errorf("sync: listing %s changes: %w", status, err)
	}

	return scanChanges(rows)
}

// Counts returns the number of changes in each status.
func (q *Queue) Counts(ctx context.Context) (pending, inflight, rejected int, err error) {
	rows, err := q.db.QueryContext(ctx, sqlCountByStatus)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("sync: counting changes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status string
			n      int
		)

		if err := rows.Scan(&status, &n); err != nil {
			return 0, 0, 0, fmt.Errorf("sync: scanning change counts: %w", err)
		}

		switch status {
		case changeStatusPending:
			pending = n
		case changeStatusInFlight:
			inflight = n
		case changeStatusRejected:
			rejected = n
		}
	}

	if err := rows.Err(); err != nil {
		return 0, 0, 0, fmt.Errorf("sync: iterating change counts: %w", err)
	}

	return pending, inflight, rejected, nil
}

// Resubmit returns a rejected change to pending so the next round retries
// it as-is. Returns ErrEntryNotFound if no rejected change exists.
func (q *Queue) Resubmit(ctx context.Context, entryID string) error {
	return q.resolveRejected(ctx, sqlResubmitRejected, entryID)
}

// Discard drops a rejected change, keeping the local entry as-is. Returns
// ErrEntryNotFound if no rejected change exists.
func (q *Queue) Discard(ctx context.Context, entryID string) error {
	return q.resolveRejected(ctx, sqlDiscardRejected, entryID)
}

func (q *Queue) resolveRejected(ctx context.Context, query, entryID string) error {
	res, err := q.db.ExecContext(ctx, query, entryID)
	if err != nil {
		return fmt.Errorf("sync: resolving rejected change for %s: %w", entryID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sync: checking rejected change for %s: %w", entryID, err)
	}

	if n == 0 {
		return fmt.Errorf("%w: no rejected change for %s", ErrEntryNotFound, entryID)
	}

	return nil
}

// IsQueued reports whether any change (in any status) exists for the entry.
func (q *Queue) IsQueued(ctx context.Context, entryID string) (bool, error) {
	var one int

	err := q.db.QueryRowContext(ctx, sqlIsQueued, entryID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("sync: checking queue for %s: %w", entryID, err)
	}

	return true, nil
}

// scanChanges drains a pending_changes result set. Closes rows.
func scanChanges(rows *sql.Rows) ([]PendingChange, error) {
	defer rows.Close()

	var changes []PendingChange

	for rows.Next() {
		var (
			c       PendingChange
			op      string
			payload string
		)

		err := rows.Scan(&c.EntryID, &op, &payload, &c.Seq, &c.Status, &c.RejectReason, &c.QueuedAt)
		if err != nil {
			return nil, fmt.Errorf("sync: scanning change row: %w", err)
		}

		c.Op = Op(op)
		c.Payload = []byte(payload)
		changes = append(changes, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sync: iterating change rows: %w", err)
	}

	return changes, nil
}
