// Package sync implements the offline-first synchronization engine for
// daybook. It provides the local entry store, the persisted change queue,
// round orchestration with conflict resolution and retry, and the scheduler
// that coalesces sync triggers into rounds.
package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/daybook-app/daybook-go/internal/api"
)

// Op is the kind of a queued local mutation.
type Op string

// Operation kinds as stored in the pending_changes.op column. They match the
// wire values in the api package so no translation layer is needed.
const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Change queue statuses as stored in the pending_changes.status column.
// Every change is always exactly one of these; the only exits from inflight
// are acknowledge (row removed), reject, and requeue.
const (
	changeStatusPending  = "pending"
	changeStatusInFlight = "inflight"
	changeStatusRejected = "rejected"
)

// Entry is a journal record in the local store. The ID is client-generated
// (UUID) and immutable once assigned; it becomes globally authoritative when
// the server confirms the create. Timestamps are Unix nanoseconds. Revision
// is the opaque server-assigned marker of the last confirmed version, empty
// until the entry has been seen by the server.
type Entry struct {
	ID         string
	Content    string
	CreatedAt  int64
	ModifiedAt int64
	Deleted    bool
	Revision   string
}

// PendingChange is one local mutation not yet acknowledged by the server.
// Payload is the JSON-encoded entry snapshot at mutation time. Seq
// establishes submission order and survives coalescing, so an entry edited
// repeatedly keeps its original place in the batch.
type PendingChange struct {
	EntryID      string
	Op           Op
	Payload      []byte
	Seq          int64
	Status       string
	RejectReason string
	QueuedAt     int64
}

// RejectedChange pairs an entry ID with the server's rejection reason.
// Rejections are surfaced, never auto-retried.
type RejectedChange struct {
	EntryID string
	Reason  string
}

// RoundReport summarizes the result of a single sync round.
type RoundReport struct {
	Sent         int
	Accepted     int
	Rejected     []RejectedChange
	DeltaApplied int
	DeltaDeleted int
	Cursor       string
	Duration     time.Duration
}

// Transport performs the sync round network call. Satisfied by *api.Client.
// Transport does exactly one round-trip per call and never retries; the
// scheduler owns retry policy.
type Transport interface {
	Sync(ctx context.Context, req *api.SyncRequest) (*api.SyncResponse, error)
}

// Sentinel errors surfaced by the engine and scheduler.
var (
	// ErrEntryNotFound is returned by lookups and mutations targeting an
	// entry that does not exist (or was soft-deleted, for mutations).
	ErrEntryNotFound = errors.New("sync: entry not found")

	// ErrAuthExpired means the round aborted because the server rejected the
	// bearer token. The outgoing batch was requeued; re-authentication is
	// required before the next trigger can succeed.
	ErrAuthExpired = errors.New("sync: re-authentication required")

	// ErrSyncUnavailable means the transient-failure retry ceiling was
	// exhausted. All drained changes were requeued; nothing was lost, only
	// deferred to the next scheduled round.
	ErrSyncUnavailable = errors.New("sync: server unavailable")

	// ErrSyncRunning is returned by SyncNow when a round is already active.
	ErrSyncRunning = errors.New("sync: a sync round is already running")
)

// StorageError wraps a local store or change queue I/O failure. Storage
// failures are never retried; the round aborts with no side effects beyond
// what was already durably written.
type StorageError struct {
	Op  string // the storage operation that failed, e.g. "queue drain"
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("sync: storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// storageErr builds a StorageError with the given operation label.
func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// RejectionError records that a round completed but the server rejected some
// changes. Not round-fatal: the delta was merged and the cursor advanced.
type RejectionError struct {
	Rejected []RejectedChange
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("sync: server rejected %d change(s)", len(e.Rejected))
}

