package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daybook-app/daybook-go/internal/api"
)

func newTestService(t *testing.T) (*Service, *Store, *Queue) {
	t.Helper()

	store := newTestStore(t)
	queue := NewQueue(store, testLogger())
	svc := NewService(store, queue, nil, testLogger())

	return svc, store, queue
}

func TestServiceCreateEntry(t *testing.T) {
	svc, store, queue := newTestService(t)
	ctx := context.Background()

	entry, err := svc.CreateEntry(ctx, "dear diary")
	require.NoError(t, err)

	_, err = uuid.Parse(entry.ID)
	require.NoError(t, err, "entry IDs are client-generated UUIDs")
	assert.Equal(t, entry.CreatedAt, entry.ModifiedAt)

	// Entry and its queued change commit together.
	got, err := store.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, "dear diary", got.Content)

	pending, err := queue.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, OpCreate, pending[0].Op)

	var payload api.EntryPayload
	require.NoError(t, json.Unmarshal(pending[0].Payload, &payload))
	assert.Equal(t, "dear diary", payload.Content)
}

func TestServiceCreateEntryNormalizesUnicode(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	// "café" with a combining acute accent (NFD form).
	entry, err := svc.CreateEntry(ctx, "café")
	require.NoError(t, err)

	got, err := store.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, "café", got.Content, "content is stored in NFC")
}

func TestServiceCreateEntryRejectsEmpty(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.CreateEntry(context.Background(), "")
	require.Error(t, err)
}

func TestServiceUpdateEntry(t *testing.T) {
	svc, store, queue := newTestService(t)
	ctx := context.Background()

	entry, err := svc.CreateEntry(ctx, "v1")
	require.NoError(t, err)

	updated, err := svc.UpdateEntry(ctx, entry.ID, "v2")
	require.NoError(t, err)
	assert.Equal(t, "v2", updated.Content)
	assert.Greater(t, updated.ModifiedAt, entry.ModifiedAt)

	got, err := store.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Content)

	// The edit coalesced into the unsent create.
	pending, err := queue.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, OpCreate, pending[0].Op)

	var payload api.EntryPayload
	require.NoError(t, json.Unmarshal(pending[0].Payload, &payload))
	assert.Equal(t, "v2", payload.Content)
}

func TestServiceUpdateEntryNotFound(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.UpdateEntry(context.Background(), "missing", "content")
	require.ErrorIs(t, err, ErrEntryNotFound)
}

func TestServiceUpdateDeletedEntry(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	entry, err := svc.CreateEntry(ctx, "short-lived")
	require.NoError(t, err)
	require.NoError(t, svc.DeleteEntry(ctx, entry.ID))

	_, err = svc.UpdateEntry(ctx, entry.ID, "resurrect")
	require.ErrorIs(t, err, ErrEntryNotFound)
}

func TestServiceModifiedAtMonotonic(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	// Freeze the clock: successive edits within clock resolution must still
	// produce strictly increasing modification times.
	frozen := time.Unix(0, 1_000_000)
	svc.nowFunc = func() time.Time { return frozen }

	entry, err := svc.CreateEntry(ctx, "v1")
	require.NoError(t, err)

	e2, err := svc.UpdateEntry(ctx, entry.ID, "v2")
	require.NoError(t, err)
	assert.Equal(t, entry.ModifiedAt+1, e2.ModifiedAt)

	e3, err := svc.UpdateEntry(ctx, entry.ID, "v3")
	require.NoError(t, err)
	assert.Equal(t, e2.ModifiedAt+1, e3.ModifiedAt)
}

func TestServiceDeleteEntry(t *testing.T) {
	svc, store, queue := newTestService(t)
	ctx := context.Background()

	entry, err := svc.CreateEntry(ctx, "secret")
	require.NoError(t, err)

	require.NoError(t, svc.DeleteEntry(ctx, entry.ID))

	// Tombstone kept, content cleared.
	got, err := store.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.True(t, got.Deleted)
	assert.Empty(t, got.Content)

	entries, err := svc.Entries(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, entries)

	all, err := svc.Entries(ctx, true)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	// create + delete coalesced into a single delete change.
	pending, err := queue.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, OpDelete, pending[0].Op)

	// Deleting again is an error, same as deleting the unknown.
	assert.ErrorIs(t, svc.DeleteEntry(ctx, entry.ID), ErrEntryNotFound)
	assert.ErrorIs(t, svc.DeleteEntry(ctx, "missing"), ErrEntryNotFound)
}

func TestServiceResolveConflict(t *testing.T) {
	svc, _, queue := newTestService(t)
	ctx := context.Background()

	entry, err := svc.CreateEntry(ctx, "contested")
	require.NoError(t, err)

	// Park the change as rejected, as a failed round would.
	_, err = queue.Drain(ctx)
	require.NoError(t, err)
	require.NoError(t, queue.withTx(ctx, func(tx *sql.Tx) error {
		return rejectTx(ctx, tx, entry.ID, "conflict")
	}))

	require.NoError(t, svc.ResolveConflict(ctx, entry.ID, ResolutionResubmit))

	pending, err := queue.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	// Unknown resolution is rejected outright.
	err = svc.ResolveConflict(ctx, entry.ID, Resolution("maybe"))
	require.Error(t, err)
}

func TestServiceResolveConflictDiscard(t *testing.T) {
	svc, _, queue := newTestService(t)
	ctx := context.Background()

	entry, err := svc.CreateEntry(ctx, "contested")
	require.NoError(t, err)

	_, err = queue.Drain(ctx)
	require.NoError(t, err)
	require.NoError(t, queue.withTx(ctx, func(tx *sql.Tx) error {
		return rejectTx(ctx, tx, entry.ID, "conflict")
	}))

	require.NoError(t, svc.ResolveConflict(ctx, entry.ID, ResolutionDiscard))

	conflicts, err := svc.Conflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestServiceRecover(t *testing.T) {
	svc, _, queue := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateEntry(ctx, "interrupted")
	require.NoError(t, err)

	// Simulate a crash mid-round: the batch is stuck inflight.
	_, err = queue.Drain(ctx)
	require.NoError(t, err)

	require.NoError(t, svc.Recover(ctx))

	pending, err := queue.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestServiceSyncStatus(t *testing.T) {
	svc, store, queue := newTestService(t)
	ctx := context.Background()

	setCursor(t, store, "cursor-7")

	_, err := svc.CreateEntry(ctx, "one")
	require.NoError(t, err)
	_, err = svc.CreateEntry(ctx, "two")
	require.NoError(t, err)

	status, err := svc.SyncStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, status.Pending)
	assert.Zero(t, status.InFlight)
	assert.Zero(t, status.Rejected)
	assert.Equal(t, "cursor-7", status.Cursor)

	_, err = queue.Drain(ctx)
	require.NoError(t, err)

	status, err = svc.SyncStatus(ctx)
	require.NoError(t, err)
	assert.Zero(t, status.Pending)
	assert.Equal(t, 2, status.InFlight)
}

func TestServiceSyncNowWithoutScheduler(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.SyncNow(context.Background())
	require.Error(t, err)
}
