package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/daybook-app/daybook-go/internal/api"
)

// tombstoneRetention is how long server-confirmed tombstones are kept before
// the post-round purge removes them.
const tombstoneRetention = 30 * 24 * time.Hour

// Engine executes sync rounds. Each RunRound call performs exactly one
// transport attempt: drain the queue, call the server, merge the outcome.
// Retry with backoff across attempts belongs to the Scheduler, which owns
// the state machine around this call.
type Engine struct {
	store          *Store
	queue          *Queue
	transport      Transport
	logger         *slog.Logger
	requestTimeout time.Duration
	nowFunc        func() time.Time
}

// NewEngine assembles a sync engine over the given store, queue, and
// transport.
func NewEngine(store *Store, queue *Queue, transport Transport, requestTimeout time.Duration, logger *slog.Logger) *Engine {
	return &Engine{
		store:          store,
		queue:          queue,
		transport:      transport,
		logger:         logger,
		requestTimeout: requestTimeout,
		nowFunc:        time.Now,
	}
}

// RunRound performs one sync round:
//
//  1. drain the change queue (marking the batch inflight),
//  2. submit the batch with the current cursor in a single transport call,
//  3. on success, merge the server delta, acknowledge accepted changes,
//     park rejected ones, and advance the cursor — all in one transaction,
//     cursor last.
//
// On transport or merge failure the batch is requeued untouched and the
// error is returned for the scheduler to classify. A round with an empty
// batch still runs: the delta pull is how remote changes arrive.
func (e *Engine) RunRound(ctx context.Context) (*RoundReport, error) {
	start := e.nowFunc()

	cursor, err := e.store.Cursor(ctx)
	if err != nil {
		return nil, storageErr("cursor load", err)
	}

	// First-ever sync: the server knows nothing, so everything in the local
	// store must go out, not just what happens to be queued.
	if cursor == "" {
		if err := e.seedFirstSync(ctx); err != nil {
			return nil, err
		}
	}

	batch, err := e.queue.Drain(ctx)
	if err != nil {
		return nil, storageErr("queue drain", err)
	}

	req := &api.SyncRequest{
		Cursor:  cursor,
		Changes: make([]api.OutgoingChange, 0, len(batch)),
	}

	for _, c := range batch {
		req.Changes = append(req.Changes, api.OutgoingChange{
			Op:              string(c.Op),
			EntryID:         c.EntryID,
			Payload:         json.RawMessage(c.Payload),
			ClientTimestamp: c.QueuedAt,
		})
	}

	reqCtx, cancel := context.WithTimeout(ctx, e.requestTimeout)
	resp, err := e.transport.Sync(reqCtx, req)
	cancel()

	if err != nil {
		// Nothing was merged; put the batch back exactly as it was. The
		// requeue must land even when the round was canceled.
		if rqErr := e.requeueBatch(context.WithoutCancel(ctx), batch); rqErr != nil {
			return nil, rqErr
		}

		if errors.Is(err, api.ErrAuthExpired) {
			return nil, fmt.Errorf("%w: %v", ErrAuthExpired, err)
		}

		return nil, err
	}

	report, err := e.mergeRound(ctx, batch, resp)
	if err != nil {
		// The merge transaction rolled back (or never started), so the batch
		// is still inflight. Put it back to pending so the next round resends
		// it instead of it stalling until startup recovery. Best effort: the
		// merge failure stays the primary error.
		if rqErr := e.requeueBatch(context.WithoutCancel(ctx), batch); rqErr != nil {
			e.logger.Warn("requeue after failed merge failed", slog.String("error", rqErr.Error()))
		}

		return nil, err
	}

	report.Sent = len(batch)
	report.Duration = e.nowFunc().Sub(start)

	// Best-effort maintenance; a failure here does not fail the round.
	purgeBefore := e.nowFunc().Add(-tombstoneRetention).UnixNano()
	if _, purgeErr := e.store.PurgeTombstones(context.WithoutCancel(ctx), purgeBefore); purgeErr != nil {
		e.logger.Warn("tombstone purge failed", slog.String("error", purgeErr.Error()))
	}

	e.logger.Info("sync round complete",
		slog.Int("sent", report.Sent),
		slog.Int("accepted", report.Accepted),
		slog.Int("rejected", len(report.Rejected)),
		slog.Int("delta_applied", report.DeltaApplied),
		slog.Int("delta_deleted", report.DeltaDeleted),
		slog.Duration("duration", report.Duration),
	)

	return report, nil
}

// seedFirstSync queues a create for every live entry that is not already
// queued, so the initial round uploads the whole store. Tombstones are
// skipped: the server never saw those entries.
func (e *Engine) seedFirstSync(ctx context.Context) error {
	entries, err := e.store.ListModifiedSince(ctx, 0)
	if err != nil {
		return storageErr("first-sync enumeration", err)
	}

	seeded := 0

	for i := range entries {
		entry := &entries[i]
		if entry.Deleted {
			continue
		}

		queued, err := e.queue.IsQueued(ctx, entry.ID)
		if err != nil {
			return storageErr("first-sync queue check", err)
		}

		if queued {
			continue
		}

		payload, err := marshalEntryPayload(entry)
		if err != nil {
			return fmt.Errorf("sync: encoding entry %s for first sync: %w", entry.ID, err)
		}

		if err := e.queue.Enqueue(ctx, entry.ID, OpCreate, payload); err != nil {
			return storageErr("first-sync enqueue", err)
		}

		seeded++
	}

	if seeded > 0 {
		e.logger.Info("seeded first sync from local store", slog.Int("entries", seeded))
	}

	return nil
}

// requeueBatch returns a drained batch to pending after a failed transport
// call.
func (e *Engine) requeueBatch(ctx context.Context, batch []PendingChange) error {
	if len(batch) == 0 {
		return nil
	}

	ids := make([]string, len(batch))
	for i, c := range batch {
		ids[i] = c.EntryID
	}

	if err := e.queue.Requeue(ctx, ids); err != nil {
		return storageErr("batch requeue", err)
	}

	return nil
}

// mergeRound applies a successful round's outcome in one transaction:
// server delta merged (server wins, except entries the server just accepted
// from us), accepted changes acknowledged, rejections parked, and the cursor
// advanced as the final statement. A crash anywhere before commit leaves the
// previous round state intact, and the merge is idempotent, so the round
// simply re-runs. The transaction ignores cancellation: once the server has
// answered, the outcome is applied whole or not at all.
func (e *Engine) mergeRound(ctx context.Context, batch []PendingChange, resp *api.SyncResponse) (*RoundReport, error) {
	mergeCtx := context.WithoutCancel(ctx)

	accepted := make(map[string]bool)
	report := &RoundReport{Cursor: resp.Cursor}

	var rejected []api.ChangeResult

	resultSeen := make(map[string]bool)

	for _, r := range resp.Results {
		resultSeen[r.EntryID] = true

		switch r.Status {
		case api.StatusAccepted:
			accepted[r.EntryID] = true
		case api.StatusRejected:
			rejected = append(rejected, r)
		default:
			return nil, fmt.Errorf("sync: server returned unknown result status %q for %s", r.Status, r.EntryID)
		}
	}

	// Changes the server did not answer for are neither acknowledged nor
	// rejected; they go back to pending for the next round.
	var unanswered []string

	for _, c := range batch {
		if !resultSeen[c.EntryID] {
			unanswered = append(unanswered, c.EntryID)
		}
	}

	if len(unanswered) > 0 {
		e.logger.Warn("server response missing results for some changes",
			slog.Int("count", len(unanswered)),
		)
	}

	err := e.store.WithTx(mergeCtx, func(tx *sql.Tx) error {
		for _, d := range resp.Delta {
			if accepted[d.EntryID] {
				// Our own just-accepted write echoed back. The local row may
				// already hold a newer edit, so record the revision only.
				if d.Revision != "" {
					if err := setRevisionTx(mergeCtx, tx, d.EntryID, d.Revision); err != nil {
						return err
					}
				}

				continue
			}

			applied, err := e.applyDeltaEntryTx(mergeCtx, tx, &d)
			if err != nil {
				return err
			}

			if applied {
				if d.Deleted {
					report.DeltaDeleted++
				} else {
					report.DeltaApplied++
				}
			}
		}

		ackIDs := make([]string, 0, len(accepted))
		for id := range accepted {
			ackIDs = append(ackIDs, id)
		}

		if err := acknowledgeTx(mergeCtx, tx, ackIDs); err != nil {
			return err
		}

		for _, r := range rejected {
			if err := rejectTx(mergeCtx, tx, r.EntryID, r.Reason); err != nil {
				return err
			}

			report.Rejected = append(report.Rejected, RejectedChange{
				EntryID: r.EntryID,
				Reason:  r.Reason,
			})
		}

		for _, id := range unanswered {
			if _, err := tx.ExecContext(mergeCtx, sqlRequeueChange, id); err != nil {
				return fmt.Errorf("sync: requeueing unanswered change %s: %w", id, err)
			}
		}

		// Cursor last: advancing it asserts everything above is durable.
		return e.store.saveCursorTx(mergeCtx, tx, resp.Cursor)
	})
	if err != nil {
		return nil, storageErr("round merge", err)
	}

	report.Accepted = len(accepted)

	return report, nil
}

// applyDeltaEntryTx merges one server delta entry, server-wins. Reports
// whether the row changed (re-applying an identical delta is a no-op).
func (e *Engine) applyDeltaEntryTx(ctx context.Context, tx *sql.Tx, d *api.DeltaEntry) (bool, error) {
	var payload api.EntryPayload

	if len(d.Payload) > 0 {
		if err := json.Unmarshal(d.Payload, &payload); err != nil {
			return false, fmt.Errorf("sync: decoding delta payload for %s: %w", d.EntryID, err)
		}
	}

	entry := Entry{
		ID:         d.EntryID,
		Content:    payload.Content,
		CreatedAt:  payload.CreatedAt,
		ModifiedAt: payload.ModifiedAt,
		Deleted:    d.Deleted || payload.Deleted,
		Revision:   d.Revision,
	}

	existing, err := getTx(ctx, tx, d.EntryID)
	if err != nil && !errors.Is(err, ErrEntryNotFound) {
		return false, err
	}

	// Deletion deltas may arrive without a payload. Keep the known
	// timestamps if we have the row; otherwise stamp the tombstone now.
	if entry.CreatedAt == 0 || entry.ModifiedAt == 0 {
		fallbackCreated := e.nowFunc().UnixNano()
		fallbackModified := fallbackCreated

		if existing != nil {
			fallbackCreated = existing.CreatedAt
			fallbackModified = existing.ModifiedAt
		}

		if entry.CreatedAt == 0 {
			entry.CreatedAt = fallbackCreated
		}

		if entry.ModifiedAt == 0 {
			entry.ModifiedAt = fallbackModified
		}
	}

	if existing != nil && *existing == entry {
		return false, nil
	}

	if err := upsertEntryTx(ctx, tx, &entry); err != nil {
		return false, err
	}

	return true, nil
}

// marshalEntryPayload encodes the wire snapshot of an entry.
func marshalEntryPayload(e *Entry) ([]byte, error) {
	return json.Marshal(api.EntryPayload{
		Content:    e.Content,
		CreatedAt:  e.CreatedAt,
		ModifiedAt: e.ModifiedAt,
		Deleted:    e.Deleted,
	})
}
