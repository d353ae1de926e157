package timeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loomhq/loom/internal/ids"
	"github.com/loomhq/loom/internal/observability"
)

// appendRetryLimit bounds head-conflict retries for appends whose parent
// choice carries no semantic meaning.
const appendRetryLimit = 4

// Open opens the meta database at path with the pragmas the runtime
// relies on (WAL, busy timeout, foreign keys).
func Open(path string) (*sql.DB, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open meta database %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping meta database %s: %w", path, err)
	}
	return db, nil
}

// SQLStore is the SQLite-backed event store and worldline registry.
//
// Writes serialize behind a store-level mutex: SQLite allows one writer at
// a time and surfacing its lock contention as retry noise would leak into
// the optimistic-concurrency semantics. Reads run lock-free under WAL.
type SQLStore struct {
	db      *sql.DB
	logger  *slog.Logger
	metrics *observability.Metrics
	history *historyCache
	now     func() time.Time

	writeMu sync.Mutex
}

// NewSQLStore creates the store and ensures its schema.
func NewSQLStore(db *sql.DB, logger *slog.Logger, metrics *observability.Metrics) (*SQLStore, error) {
	if logger == nil {
		logger = slog.Default().With("component", "timeline")
	}
	s := &SQLStore{
		db:      db,
		logger:  logger,
		metrics: metrics,
		history: newHistoryCache(historyCacheSize),
		now:     time.Now,
	}
	if err := s.ensureSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) ensureSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS worldlines (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL REFERENCES threads(id),
			parent_worldline_id TEXT REFERENCES worldlines(id),
			forked_from_event_id TEXT,
			head_event_id TEXT,
			name TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT NOT NULL UNIQUE,
			worldline_id TEXT NOT NULL REFERENCES worldlines(id),
			parent_event_id TEXT,
			type TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_worldline ON events(worldline_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_parent ON events(parent_event_id)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			id TEXT PRIMARY KEY,
			worldline_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			path TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			UNIQUE(worldline_id, event_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_event ON snapshots(event_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("ensure timeline schema: %w", err)
		}
	}
	return nil
}

// CreateThread inserts a new thread.
func (s *SQLStore) CreateThread(ctx context.Context, title string) (Thread, error) {
	t := Thread{
		ID:        ids.New(ids.Thread),
		Title:     title,
		CreatedAt: s.now().UTC(),
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (id, title, created_at) VALUES (?, ?, ?)`,
		t.ID, t.Title, t.CreatedAt)
	if err != nil {
		return Thread{}, fmt.Errorf("create thread: %w", err)
	}
	return t, nil
}

// GetThread loads one thread.
func (s *SQLStore) GetThread(ctx context.Context, id string) (Thread, error) {
	var t Thread
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, created_at FROM threads WHERE id = ?`, id).
		Scan(&t.ID, &t.Title, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Thread{}, fmt.Errorf("thread %s: %w", id, ErrThreadNotFound)
	}
	if err != nil {
		return Thread{}, fmt.Errorf("get thread %s: %w", id, err)
	}
	return t, nil
}

// ListThreads returns all threads, newest first.
func (s *SQLStore) ListThreads(ctx context.Context) ([]Thread, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, created_at FROM threads ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	var threads []Thread
	for rows.Next() {
		var t Thread
		if err := rows.Scan(&t.ID, &t.Title, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

// CreateWorldline inserts a root worldline (no parent) under a thread.
func (s *SQLStore) CreateWorldline(ctx context.Context, threadID, name string) (Worldline, error) {
	if _, err := s.GetThread(ctx, threadID); err != nil {
		return Worldline{}, err
	}
	w := Worldline{
		ID:        ids.New(ids.Worldline),
		ThreadID:  threadID,
		Name:      name,
		CreatedAt: s.now().UTC(),
	}
	if w.Name == "" {
		w.Name = ids.Short(w.ID)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO worldlines (id, thread_id, parent_worldline_id, forked_from_event_id, head_event_id, name, created_at)
		 VALUES (?, ?, NULL, NULL, NULL, ?, ?)`,
		w.ID, w.ThreadID, w.Name, w.CreatedAt)
	if err != nil {
		return Worldline{}, fmt.Errorf("create worldline: %w", err)
	}
	return w, nil
}

// GetWorldline loads one worldline.
func (s *SQLStore) GetWorldline(ctx context.Context, id string) (Worldline, error) {
	return scanWorldline(s.db.QueryRowContext(ctx,
		`SELECT id, thread_id, parent_worldline_id, forked_from_event_id, head_event_id, name, created_at
		 FROM worldlines WHERE id = ?`, id), id)
}

// ListWorldlines returns a thread's worldlines, oldest first.
func (s *SQLStore) ListWorldlines(ctx context.Context, threadID string) ([]Worldline, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, thread_id, parent_worldline_id, forked_from_event_id, head_event_id, name, created_at
		 FROM worldlines WHERE thread_id = ? ORDER BY created_at, id`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list worldlines: %w", err)
	}
	defer rows.Close()

	var worldlines []Worldline
	for rows.Next() {
		w, err := scanWorldline(rows, "")
		if err != nil {
			return nil, err
		}
		worldlines = append(worldlines, w)
	}
	return worldlines, rows.Err()
}

// AppendAndAdvance is the optimistic concurrency primitive: in one
// transaction it verifies the worldline head equals expectedHead, inserts
// the new event with that head as its parent, and advances the head.
// Returns a *ConflictError (errors.Is ErrHeadConflict) when the head moved.
//
// The first event of a branched worldline (expectedHead nil) chains to the
// fork point so histories stay connected across worldline boundaries.
func (s *SQLStore) AppendAndAdvance(ctx context.Context, worldlineID string, expectedHead *string, typ EventType, payload any) (Event, error) {
	body, err := marshalPayload(payload)
	if err != nil {
		return Event{}, fmt.Errorf("append %s: %w", typ, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Event{}, fmt.Errorf("append %s: begin: %w", typ, err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.logger.Warn("rollback failed", "worldline_id", worldlineID, "error", err)
		}
	}()

	var head, forkedFrom sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT head_event_id, forked_from_event_id FROM worldlines WHERE id = ?`, worldlineID).
		Scan(&head, &forkedFrom)
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, fmt.Errorf("worldline %s: %w", worldlineID, ErrWorldlineNotFound)
	}
	if err != nil {
		return Event{}, fmt.Errorf("append %s: read head: %w", typ, err)
	}

	actual := fromNull(head)
	if !sameHead(actual, expectedHead) {
		s.metrics.RecordHeadConflict()
		return Event{}, &ConflictError{WorldlineID: worldlineID, Expected: expectedHead, Actual: actual}
	}

	parent := expectedHead
	if parent == nil && forkedFrom.Valid {
		parent = &forkedFrom.String
	}
	if parent != nil {
		// Copy so the returned event does not alias caller memory.
		p := *parent
		parent = &p
	}

	ev := Event{
		ID:            ids.New(ids.Event),
		WorldlineID:   worldlineID,
		ParentEventID: parent,
		Type:          typ,
		Payload:       body,
		CreatedAt:     s.now().UTC(),
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (id, worldline_id, parent_event_id, type, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.WorldlineID, toNull(ev.ParentEventID), string(ev.Type), string(body), ev.CreatedAt)
	if err != nil {
		return Event{}, fmt.Errorf("append %s: insert event: %w", typ, err)
	}
	ev.Seq, err = res.LastInsertId()
	if err != nil {
		return Event{}, fmt.Errorf("append %s: event seq: %w", typ, err)
	}

	upd, err := tx.ExecContext(ctx,
		`UPDATE worldlines SET head_event_id = ? WHERE id = ? AND head_event_id IS ?`,
		ev.ID, worldlineID, toNull(expectedHead))
	if err != nil {
		return Event{}, fmt.Errorf("append %s: advance head: %w", typ, err)
	}
	if n, err := upd.RowsAffected(); err != nil || n == 0 {
		s.metrics.RecordHeadConflict()
		return Event{}, &ConflictError{WorldlineID: worldlineID, Expected: expectedHead, Actual: actual}
	}

	if err := tx.Commit(); err != nil {
		return Event{}, fmt.Errorf("append %s: commit: %w", typ, err)
	}

	s.history.extend(worldlineID, expectedHead, ev)
	s.metrics.RecordEventAppend(string(typ))
	return ev, nil
}

// AppendWithRetry appends an event whose parent choice is not semantic:
// on a head conflict it rereads the head and tries again, up to four
// attempts. The event may therefore land after newly arrived events.
func (s *SQLStore) AppendWithRetry(ctx context.Context, worldlineID string, typ EventType, payload any) (Event, error) {
	var lastErr error
	for attempt := 1; attempt <= appendRetryLimit; attempt++ {
		w, err := s.GetWorldline(ctx, worldlineID)
		if err != nil {
			return Event{}, err
		}
		ev, err := s.AppendAndAdvance(ctx, worldlineID, w.HeadEventID, typ, payload)
		if err == nil {
			return ev, nil
		}
		if !errors.Is(err, ErrHeadConflict) {
			return Event{}, err
		}
		lastErr = err
		s.logger.Debug("append retry after head conflict",
			"worldline_id", worldlineID, "type", typ, "attempt", attempt)
	}
	return Event{}, fmt.Errorf("append %s after %d attempts: %w", typ, appendRetryLimit, lastErr)
}

// GetEvent loads one event by id.
func (s *SQLStore) GetEvent(ctx context.Context, id string) (Event, error) {
	return scanEvent(s.db.QueryRowContext(ctx,
		`SELECT rowid, id, worldline_id, parent_event_id, type, payload, created_at
		 FROM events WHERE id = ?`, id), id)
}

// EventsSince returns a worldline's own events with seq greater than
// afterSeq, in append order. It does not include inherited parent events.
func (s *SQLStore) EventsSince(ctx context.Context, worldlineID string, afterSeq int64) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT rowid, id, worldline_id, parent_event_id, type, payload, created_at
		 FROM events WHERE worldline_id = ? AND rowid > ? ORDER BY rowid`, worldlineID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("events since %d: %w", afterSeq, err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		ev, err := scanEvent(rows, "")
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// CurrentSeq returns the store's high-water order key.
func (s *SQLStore) CurrentSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(rowid), 0) FROM events`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("current seq: %w", err)
	}
	return seq, nil
}

// RecordSnapshot registers (or replaces) the analytical DB snapshot for a
// (worldline, event) pair.
func (s *SQLStore) RecordSnapshot(ctx context.Context, worldlineID, eventID, path string) (Snapshot, error) {
	snap := Snapshot{
		ID:          ids.New(ids.Snapshot),
		WorldlineID: worldlineID,
		EventID:     eventID,
		Path:        path,
		CreatedAt:   s.now().UTC(),
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO snapshots (id, worldline_id, event_id, path, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		snap.ID, snap.WorldlineID, snap.EventID, snap.Path, snap.CreatedAt)
	if err != nil {
		return Snapshot{}, fmt.Errorf("record snapshot: %w", err)
	}
	return snap, nil
}

// LatestSnapshotForChain walks the parent chain starting at fromEventID
// (inclusive) and returns the first snapshot found, i.e. the nearest
// snapshot ancestor. Returns ErrSnapshotNotFound when the chain has none.
func (s *SQLStore) LatestSnapshotForChain(ctx context.Context, fromEventID string) (Snapshot, error) {
	cur := fromEventID
	for cur != "" {
		var snap Snapshot
		err := s.db.QueryRowContext(ctx,
			`SELECT id, worldline_id, event_id, path, created_at FROM snapshots WHERE event_id = ?`, cur).
			Scan(&snap.ID, &snap.WorldlineID, &snap.EventID, &snap.Path, &snap.CreatedAt)
		if err == nil {
			return snap, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return Snapshot{}, fmt.Errorf("snapshot lookup at %s: %w", cur, err)
		}
		ev, err := s.GetEvent(ctx, cur)
		if err != nil {
			return Snapshot{}, err
		}
		if ev.ParentEventID == nil {
			break
		}
		cur = *ev.ParentEventID
	}
	return Snapshot{}, ErrSnapshotNotFound
}

// PruneSnapshotsBefore deletes snapshot rows created before cutoff and
// returns them so the caller can remove the files.
func (s *SQLStore) PruneSnapshotsBefore(ctx context.Context, cutoff time.Time) ([]Snapshot, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, worldline_id, event_id, path, created_at FROM snapshots WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("prune snapshots: select: %w", err)
	}
	var pruned []Snapshot
	for rows.Next() {
		var snap Snapshot
		if err := rows.Scan(&snap.ID, &snap.WorldlineID, &snap.EventID, &snap.Path, &snap.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("prune snapshots: scan: %w", err)
		}
		pruned = append(pruned, snap)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(pruned) == 0 {
		return nil, nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE created_at < ?`, cutoff.UTC()); err != nil {
		return nil, fmt.Errorf("prune snapshots: delete: %w", err)
	}
	return pruned, nil
}

// PruneSnapshotsKeepLatest deletes all but the newest keep snapshots per
// worldline and returns the removed rows so the caller can delete the
// files.
func (s *SQLStore) PruneSnapshotsKeepLatest(ctx context.Context, keep int) ([]Snapshot, error) {
	if keep < 1 {
		keep = 1
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, worldline_id, event_id, path, created_at FROM (
			SELECT id, worldline_id, event_id, path, created_at,
				ROW_NUMBER() OVER (PARTITION BY worldline_id ORDER BY created_at DESC, id DESC) AS rn
			FROM snapshots
		 ) WHERE rn > ?`, keep)
	if err != nil {
		return nil, fmt.Errorf("prune snapshots: select: %w", err)
	}
	var pruned []Snapshot
	for rows.Next() {
		var snap Snapshot
		if err := rows.Scan(&snap.ID, &snap.WorldlineID, &snap.EventID, &snap.Path, &snap.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("prune snapshots: scan: %w", err)
		}
		pruned = append(pruned, snap)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, snap := range pruned {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?`, snap.ID); err != nil {
			return nil, fmt.Errorf("prune snapshots: delete %s: %w", snap.ID, err)
		}
	}
	return pruned, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorldline(row rowScanner, wantID string) (Worldline, error) {
	var w Worldline
	var parent, forked, head sql.NullString
	err := row.Scan(&w.ID, &w.ThreadID, &parent, &forked, &head, &w.Name, &w.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Worldline{}, fmt.Errorf("worldline %s: %w", wantID, ErrWorldlineNotFound)
	}
	if err != nil {
		return Worldline{}, fmt.Errorf("scan worldline: %w", err)
	}
	w.ParentWorldlineID = fromNull(parent)
	w.ForkedFromEventID = fromNull(forked)
	w.HeadEventID = fromNull(head)
	return w, nil
}

func scanEvent(row rowScanner, wantID string) (Event, error) {
	var ev Event
	var parent sql.NullString
	var payload string
	err := row.Scan(&ev.Seq, &ev.ID, &ev.WorldlineID, &parent, &ev.Type, &payload, &ev.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, fmt.Errorf("event %s: %w", wantID, ErrEventNotFound)
	}
	if err != nil {
		return Event{}, fmt.Errorf("scan event: %w", err)
	}
	ev.ParentEventID = fromNull(parent)
	ev.Payload = json.RawMessage(payload)
	return ev, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		return body, nil
	}
}

func sameHead(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func fromNull(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func toNull(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
