package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// Resolution is the user's verdict on a rejected change.
type Resolution string

const (
	// ResolutionResubmit re-queues the rejected change as-is for the next
	// round.
	ResolutionResubmit Resolution = "resubmit"

	// ResolutionDiscard drops the rejected change; the server's version wins
	// on the next delta.
	ResolutionDiscard Resolution = "discard"
)

// ServiceStatus combines scheduler state with queue depth and the cursor.
type ServiceStatus struct {
	Scheduler Status
	Pending   int
	InFlight  int
	Rejected  int
	Cursor    string
}

// Service is the application-facing API over the store, queue, and
// scheduler. Every mutation commits the entry write and its queued change in
// one transaction, then nudges the scheduler; reads go straight to the
// store.
type Service struct {
	store     *Store
	queue     *Queue
	scheduler *Scheduler
	logger    *slog.Logger
	nowFunc   func() time.Time
}

// NewService assembles the service. The scheduler may be nil for read-only
// tooling; mutations then simply skip the sync nudge.
func NewService(store *Store, queue *Queue, scheduler *Scheduler, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		queue:     queue,
		scheduler: scheduler,
		logger:    logger,
		nowFunc:   time.Now,
	}
}

// Recover requeues changes left inflight by an interrupted round. Call once
// at startup, before the first sync.
func (s *Service) Recover(ctx context.Context) error {
	if _, err := s.queue.RequeueAllInFlight(ctx); err != nil {
		return storageErr("startup recovery", err)
	}

	return nil
}

// CreateEntry creates a journal entry with a fresh client-generated ID and
// queues it for sync. Content is normalized to Unicode NFC so the same text
// entered on different platforms compares equal.
func (s *Service) CreateEntry(ctx context.Context, content string) (*Entry, error) {
	if content == "" {
		return nil, fmt.Errorf("sync: entry content is empty")
	}

	now := s.nowFunc().UnixNano()

	entry := &Entry{
		ID:         uuid.NewString(),
		Content:    norm.NFC.String(content),
		CreatedAt:  now,
		ModifiedAt: now,
	}

	if err := s.commitMutation(ctx, entry, OpCreate); err != nil {
		return nil, err
	}

	s.logger.Debug("entry created", slog.String("entry_id", entry.ID))
	s.notifySync()

	return entry, nil
}

// UpdateEntry replaces an entry's content and queues the edit. Returns
// ErrEntryNotFound for unknown or deleted entries.
func (s *Service) UpdateEntry(ctx context.Context, id, content string) (*Entry, error) {
	if content == "" {
		return nil, fmt.Errorf("sync: entry content is empty")
	}

	var entry *Entry

	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := getTx(ctx, tx, id)
		if err != nil {
			return err
		}

		if existing.Deleted {
			return fmt.Errorf("%w: %s is deleted", ErrEntryNotFound, id)
		}

		existing.Content = norm.NFC.String(content)
		existing.ModifiedAt = s.nextModifiedAt(existing.ModifiedAt)

		payload, err := marshalEntryPayload(existing)
		if err != nil {
			return fmt.Errorf("sync: encoding entry %s: %w", id, err)
		}

		if err := upsertEntryTx(ctx, tx, existing); err != nil {
			return err
		}

		entry = existing

		return enqueueTx(ctx, tx, s.nowFunc().UnixNano(), id, OpUpdate, payload)
	})
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			return nil, err
		}

		return nil, storageErr("entry update", err)
	}

	s.logger.Debug("entry updated", slog.String("entry_id", id))
	s.notifySync()

	return entry, nil
}

// DeleteEntry tombstones an entry and queues the deletion. The tombstone is
// retained until the server has confirmed it, so deletion survives restarts
// and offline periods. Returns ErrEntryNotFound for unknown or
// already-deleted entries.
func (s *Service) DeleteEntry(ctx context.Context, id string) error {
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := getTx(ctx, tx, id)
		if err != nil {
			return err
		}

		if existing.Deleted {
			return fmt.Errorf("%w: %s is already deleted", ErrEntryNotFound, id)
		}

		existing.Content = ""
		existing.Deleted = true
		existing.ModifiedAt = s.nextModifiedAt(existing.ModifiedAt)

		payload, err := marshalEntryPayload(existing)
		if err != nil {
			return fmt.Errorf("sync: encoding tombstone %s: %w", id, err)
		}

		if err := upsertEntryTx(ctx, tx, existing); err != nil {
			return err
		}

		return enqueueTx(ctx, tx, s.nowFunc().UnixNano(), id, OpDelete, payload)
	})
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			return err
		}

		return storageErr("entry delete", err)
	}

	s.logger.Debug("entry deleted", slog.String("entry_id", id))
	s.notifySync()

	return nil
}

// Entry returns a single entry, tombstones included.
func (s *Service) Entry(ctx context.Context, id string) (*Entry, error) {
	return s.store.Get(ctx, id)
}

// Entries lists entries, newest first.
func (s *Service) Entries(ctx context.Context, includeDeleted bool) ([]Entry, error) {
	return s.store.List(ctx, includeDeleted)
}

// Conflicts returns changes the server rejected, awaiting resolution.
func (s *Service) Conflicts(ctx context.Context) ([]PendingChange, error) {
	return s.queue.Rejected(ctx)
}

// ResolveConflict applies the user's verdict on a rejected change.
func (s *Service) ResolveConflict(ctx context.Context, entryID string, r Resolution) error {
	switch r {
	case ResolutionResubmit:
		if err := s.queue.Resubmit(ctx, entryID); err != nil {
			return err
		}

		s.notifySync()

		return nil
	case ResolutionDiscard:
		return s.queue.Discard(ctx, entryID)
	default:
		return fmt.Errorf("sync: unknown resolution %q (want resubmit or discard)", r)
	}
}

// TriggerSync requests a background sync round. Fire-and-forget.
func (s *Service) TriggerSync() {
	s.notifySync()
}

// SyncNow runs a full sync synchronously and returns its report.
func (s *Service) SyncNow(ctx context.Context) (*RoundReport, error) {
	if s.scheduler == nil {
		return nil, fmt.Errorf("sync: no scheduler configured")
	}

	return s.scheduler.SyncNow(ctx)
}

// SyncStatus reports scheduler state, queue depth, and the current cursor.
func (s *Service) SyncStatus(ctx context.Context) (*ServiceStatus, error) {
	pending, inflight, rejected, err := s.queue.Counts(ctx)
	if err != nil {
		return nil, storageErr("status counts", err)
	}

	cursor, err := s.store.Cursor(ctx)
	if err != nil {
		return nil, storageErr("status cursor", err)
	}

	st := &ServiceStatus{
		Pending:  pending,
		InFlight: inflight,
		Rejected: rejected,
		Cursor:   cursor,
	}

	if s.scheduler != nil {
		st.Scheduler = s.scheduler.Status()
	}

	return st, nil
}

// Close releases the underlying database.
func (s *Service) Close() error {
	return s.store.Close()
}

// commitMutation writes an entry and its queued change atomically.
func (s *Service) commitMutation(ctx context.Context, entry *Entry, op Op) error {
	payload, err := marshalEntryPayload(entry)
	if err != nil {
		return fmt.Errorf("sync: encoding entry %s: %w", entry.ID, err)
	}

	err = s.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := upsertEntryTx(ctx, tx, entry); err != nil {
			return err
		}

		return enqueueTx(ctx, tx, s.nowFunc().UnixNano(), entry.ID, op, payload)
	})
	if err != nil {
		return storageErr("entry create", err)
	}

	return nil
}

// nextModifiedAt returns a modification timestamp strictly after prev, so
// repeated edits within clock resolution (or after clock skew) still order.
func (s *Service) nextModifiedAt(prev int64) int64 {
	now := s.nowFunc().UnixNano()
	if now <= prev {
		return prev + 1
	}

	return now
}

func (s *Service) notifySync() {
	if s.scheduler != nil {
		s.scheduler.TriggerSync()
	}
}
