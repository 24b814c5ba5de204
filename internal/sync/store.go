package sync

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/pressly/goose/v3"

	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

// SQL statements for local store operations.
const (
	sqlGetEntry = `SELECT id, content, created_at, modified_at, deleted, revision
		FROM entries WHERE id = ?`

	sqlListEntries = `SELECT id, content, created_at, modified_at, deleted, revision
		FROM entries WHERE deleted = 0 ORDER BY created_at DESC`

	sqlListAllEntries = `SELECT id, content, created_at, modified_at, deleted, revision
		FROM entries ORDER BY created_at DESC`

	sqlListModifiedSince = `SELECT id, content, created_at, modified_at, deleted, revision
		FROM entries WHERE modified_at >= ? ORDER BY modified_at ASC`

	sqlUpsertEntry = `INSERT INTO entries
		(id, content, created_at, modified_at, deleted, revision)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		 content = excluded.content,
		 created_at = excluded.created_at,
		 modified_at = excluded.modified_at,
		 deleted = excluded.deleted,
		 revision = excluded.revision`

	sqlSetRevision = `UPDATE entries SET revision = ? WHERE id = ?`

	sqlGetCursor = `SELECT cursor FROM sync_state WHERE id = 1`

	sqlSaveCursor = `UPDATE sync_state SET cursor = ?, updated_at = ? WHERE id = 1`

	sqlPurgeTombstones = `DELETE FROM entries
		WHERE deleted = 1 AND revision != '' AND modified_at < ?
		AND id NOT IN (SELECT entry_id FROM pending_changes)`
)

// Store is the local entry store and the sole owner of the SQLite database.
// The change queue and the engine share its connection (same package); all
// writers funnel through a single connection so SQLite never sees concurrent
// write transactions.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time // injectable for deterministic tests
}

// NewStore opens the SQLite database at dbPath, runs migrations, and returns
// a ready-to-use store. The database uses WAL mode with synchronous=FULL so
// every committed local mutation survives power loss.
func NewStore(dbPath string, logger *slog.Logger) (*Store, error) {
	// DSN parameters ensure pragmas apply to every connection from the pool.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)"+
			"&_pragma=journal_size_limit(67108864)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sync: opening database %s: %w", dbPath, err)
	}

	// Sole-writer pattern: only one connection writes at a time.
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	if err := migrate(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("local store opened", slog.String("db_path", dbPath))

	return &Store{
		db:      db,
		logger:  logger,
		nowFunc: time.Now,
	}, nil
}

//go:embed migrations/*.sql
var schemaFS embed.FS

// migrate brings the journal schema up to date. The SQL files are embedded
// so the binary is self-contained; goose records applied versions in its
// own table inside the same database.
func migrate(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	dir, err := fs.Sub(schemaFS, "migrations")
	if err != nil {
		return fmt.Errorf("sync: reading embedded schema: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, dir)
	if err != nil {
		return fmt.Errorf("sync: preparing schema migrations: %w", err)
	}

	applied, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("sync: migrating schema: %w", err)
	}

	for _, m := range applied {
		logger.Info("schema migration applied",
			slog.String("source", m.Source.Path),
			slog.Duration("took", m.Duration),
		)
	}

	return nil
}

// WithTx runs fn inside a single transaction, rolling back on error. Used by
// the service to keep an entry write and its queued change atomic, and by
// the engine to merge a round's outcome as one unit.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sync: beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sync: committing transaction: %w", err)
	}

	return nil
}

// Get returns a single entry by ID, including tombstones.
// Returns ErrEntryNotFound if no row exists.
func (s *Store) Get(ctx context.Context, id string) (*Entry, error) {
	return scanEntryRow(s.db.QueryRowContext(ctx, sqlGetEntry, id), id)
}

// getTx is Get inside an existing transaction.
func getTx(ctx context.Context, tx *sql.Tx, id string) (*Entry, error) {
	return scanEntryRow(tx.QueryRowContext(ctx, sqlGetEntry, id), id)
}

// scanEntryRow scans a single-row query result into an Entry.
func scanEntryRow(row *sql.Row, id string) (*Entry, error) {
	var e Entry

	err := row.Scan(&e.ID, &e.Content, &e.CreatedAt, &e.ModifiedAt, &e.Deleted, &e.Revision)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}

	if err != nil {
		return nil, fmt.Errorf("sync: scanning entry %s: %w", id, err)
	}

	return &e, nil
}

// List returns all live entries, newest first. With includeDeleted set,
// tombstones are included too.
func (s *Store) List(ctx context.Context, includeDeleted bool) ([]Entry, error) {
	query := sqlListEntries
	if includeDeleted {
		query = sqlListAllEntries
	}

	return s.queryEntries(ctx, query)
}

// ListModifiedSince returns every entry (tombstones included) whose
// modification time is at or after since, oldest first. ListModifiedSince(0)
// enumerates the whole store and seeds the first-ever sync round.
func (s *Store) ListModifiedSince(ctx context.Context, since int64) ([]Entry, error) {
	return s.queryEntries(ctx, sqlListModifiedSince, since)
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sync: listing entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry

	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Content, &e.CreatedAt, &e.ModifiedAt, &e.Deleted, &e.Revision); err != nil {
			return nil, fmt.Errorf("sync: scanning entry row: %w", err)
		}

		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sync: iterating entry rows: %w", err)
	}

	return entries, nil
}

// upsertEntryTx writes the full entry row inside an existing transaction.
func upsertEntryTx(ctx context.Context, tx *sql.Tx, e *Entry) error {
	_, err := tx.ExecContext(ctx, sqlUpsertEntry,
		e.ID, e.Content, e.CreatedAt, e.ModifiedAt, e.Deleted, e.Revision,
	)
	if err != nil {
		return fmt.Errorf("sync: upserting entry %s: %w", e.ID, err)
	}

	return nil
}

// setRevisionTx records the server-assigned revision without touching
// content or timestamps. Used when the delta echoes an entry we just had
// accepted: the local row may already carry a newer edit, so only the
// revision marker moves.
func setRevisionTx(ctx context.Context, tx *sql.Tx, id, revision string) error {
	_, err := tx.ExecContext(ctx, sqlSetRevision, revision, id)
	if err != nil {
		return fmt.Errorf("sync: setting revision for %s: %w", id, err)
	}

	return nil
}

// Cursor returns the persisted sync cursor, empty string if no round has
// ever completed.
func (s *Store) Cursor(ctx context.Context) (string, error) {
	var cursor string

	err := s.db.QueryRowContext(ctx, sqlGetCursor).Scan(&cursor)
	if err != nil {
		return "", fmt.Errorf("sync: loading cursor: %w", err)
	}

	return cursor, nil
}

// saveCursorTx persists the cursor inside an existing transaction. Always
// the last statement of a round's merge transaction: if the transaction
// rolls back, the cursor stays put and the round simply re-runs.
func (s *Store) saveCursorTx(ctx context.Context, tx *sql.Tx, cursor string) error {
	_, err := tx.ExecContext(ctx, sqlSaveCursor, cursor, s.nowFunc().UnixNano())
	if err != nil {
		return fmt.Errorf("sync: saving cursor: %w", err)
	}

	return nil
}

// PurgeTombstones removes server-confirmed tombstones older than the given
// timestamp. Tombstones with a pending change or without a revision have not
// finished propagating and are kept.
func (s *Store) PurgeTombstones(ctx context.Context, olderThan int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, sqlPurgeTombstones, olderThan)
	if err != nil {
		return 0, fmt.Errorf("sync: purging tombstones: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sync: counting purged tombstones: %w", err)
	}

	if n > 0 {
		s.logger.Debug("purged tombstones", slog.Int64("count", n))
	}

	return n, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
