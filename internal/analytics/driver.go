// Package analytics manages the per-worldline analytical database: one
// SQLite file per worldline holding the data under analysis, separate from
// the meta store so branching can copy it wholesale.
package analytics

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loomhq/loom/internal/workspace"
)

var aliasPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,31}$`)

// ErrInvalidAlias marks a rejected external-source alias.
var ErrInvalidAlias = errors.New("invalid external source alias")

// Driver provisions, clones, and snapshots worldline databases.
type Driver struct {
	layout workspace.Layout
	logger *slog.Logger
}

func NewDriver(layout workspace.Layout, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default().With("component", "analytics")
	}
	return &Driver{layout: layout, logger: logger}
}

// OpenOptions controls how a worldline database handle is prepared.
type OpenOptions struct {
	// ReattachExternals re-attaches the worldline's registered external
	// sources read-only before any query runs.
	ReattachExternals bool
	// AllowedAliases restricts which registered externals attach. Nil
	// means all of them; an empty non-nil slice means none.
	AllowedAliases []string
}

// DB is a single-connection handle on one worldline's database. ATTACH is
// connection-scoped in SQLite, so the pool is pinned to one connection.
type DB struct {
	worldlineID string
	path        string
	db          *sql.DB
	attached    []string
}

// Column describes one result column.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// ReadResult is the outcome of ExecuteRead. Rows holds at most the
// requested limit; RowCount counts everything the query produced.
type ReadResult struct {
	Columns      []Column
	Rows         [][]any
	RowCount     int
	PreviewCount int
	ExecutionMS  int64
}

// ExternalSource is a registered read-only attachment.
type ExternalSource struct {
	Alias string
	Path  string
}

// Open opens (creating if needed) the analytical database for a worldline.
// Callers own the returned handle and must Close it.
func (d *Driver) Open(ctx context.Context, worldlineID string, opts OpenOptions) (*DB, error) {
	if err := d.layout.EnsureWorldline(worldlineID); err != nil {
		return nil, err
	}
	path := d.layout.DatabasePath(worldlineID)
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open analytics database %s: %w", worldlineID, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS _external_sources (
			alias TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure external sources table: %w", err)
	}

	handle := &DB{worldlineID: worldlineID, path: path, db: db}
	if opts.ReattachExternals {
		if err := handle.reattach(ctx, opts.AllowedAliases, d.logger); err != nil {
			db.Close()
			return nil, err
		}
	}
	return handle, nil
}

func (h *DB) reattach(ctx context.Context, allowed []string, logger *slog.Logger) error {
	sources, err := listExternals(ctx, h.db)
	if err != nil {
		return err
	}
	var allowSet map[string]struct{}
	if allowed != nil {
		allowSet = make(map[string]struct{}, len(allowed))
		for _, a := range allowed {
			allowSet[strings.ToLower(a)] = struct{}{}
		}
	}
	for _, src := range sources {
		if allowSet != nil {
			if _, ok := allowSet[strings.ToLower(src.Alias)]; !ok {
				continue
			}
		}
		if _, err := os.Stat(src.Path); err != nil {
			logger.Warn("skipping unreadable external source",
				"worldline_id", h.worldlineID, "alias", src.Alias, "error", err)
			continue
		}
		if _, err := h.db.ExecContext(ctx,
			"ATTACH DATABASE ? AS "+src.Alias, "file:"+src.Path+"?mode=ro"); err != nil {
			return fmt.Errorf("attach external %s: %w", src.Alias, err)
		}
		h.attached = append(h.attached, src.Alias)
	}
	return nil
}

// Attached lists aliases attached on this handle.
func (h *DB) Attached() []string { return h.attached }

// Path returns the database file path.
func (h *DB) Path() string { return h.path }

func (h *DB) Close() error { return h.db.Close() }

// Exec runs a write statement. The turn runtime itself only reads; this
// exists for the seed importer contract and for test setup.
func (h *DB) Exec(ctx context.Context, stmt string, args ...any) error {
	if _, err := h.db.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("analytics exec: %w", err)
	}
	return nil
}

// ExecuteRead validates and runs a read-only query. Rows beyond limit are
// drained and counted but not returned.
func (h *DB) ExecuteRead(ctx context.Context, query string, limit int) (*ReadResult, error) {
	if err := ValidateReadOnly(query); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 1
	}

	start := time.Now()
	rows, err := h.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("analytics read: %w", err)
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("analytics read columns: %w", err)
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("analytics read column types: %w", err)
	}
	columns := make([]Column, len(names))
	for i, name := range names {
		columns[i] = Column{Name: name, Type: strings.ToLower(types[i].DatabaseTypeName())}
	}

	result := &ReadResult{Columns: columns}
	for rows.Next() {
		result.RowCount++
		if result.RowCount > limit {
			continue
		}
		values := make([]any, len(names))
		ptrs := make([]any, len(names))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("analytics read scan: %w", err)
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		result.Rows = append(result.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("analytics read: %w", err)
	}
	result.PreviewCount = len(result.Rows)
	result.ExecutionMS = time.Since(start).Milliseconds()
	return result, nil
}

// Clone copies the source worldline's live database into the target's
// slot. A source with no database yet yields an empty target slot.
func (d *Driver) Clone(ctx context.Context, sourceWorldlineID, targetWorldlineID string) error {
	if err := d.layout.EnsureWorldline(targetWorldlineID); err != nil {
		return err
	}
	src := d.layout.DatabasePath(sourceWorldlineID)
	if _, err := os.Stat(src); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := d.checkpoint(ctx, src); err != nil {
		return err
	}
	if err := workspace.CopyFile(d.layout.DatabasePath(targetWorldlineID), src); err != nil {
		return fmt.Errorf("clone database %s -> %s: %w", sourceWorldlineID, targetWorldlineID, err)
	}
	return nil
}

// CloneLive implements the timeline cloner port.
func (d *Driver) CloneLive(ctx context.Context, sourceWorldlineID, targetWorldlineID string) error {
	return d.Clone(ctx, sourceWorldlineID, targetWorldlineID)
}

// CloneFromSnapshot implements the timeline cloner port.
func (d *Driver) CloneFromSnapshot(ctx context.Context, snapshotPath, targetWorldlineID string) error {
	return d.RestoreSnapshot(ctx, snapshotPath, targetWorldlineID)
}

// Snapshot freezes the worldline's database into the snapshot area and
// returns the snapshot file path.
func (d *Driver) Snapshot(ctx context.Context, worldlineID, eventID string) (string, error) {
	src := d.layout.DatabasePath(worldlineID)
	if _, err := os.Stat(src); err != nil {
		return "", fmt.Errorf("snapshot %s: %w", worldlineID, err)
	}
	if err := d.checkpoint(ctx, src); err != nil {
		return "", err
	}
	dst := d.layout.SnapshotPath(worldlineID, eventID)
	if err := workspace.CopyFile(dst, src); err != nil {
		return "", fmt.Errorf("snapshot %s at %s: %w", worldlineID, eventID, err)
	}
	return dst, nil
}

// RestoreSnapshot copies a snapshot file into the target worldline's slot.
func (d *Driver) RestoreSnapshot(_ context.Context, snapshotPath, targetWorldlineID string) error {
	if err := d.layout.EnsureWorldline(targetWorldlineID); err != nil {
		return err
	}
	if err := workspace.CopyFile(d.layout.DatabasePath(targetWorldlineID), snapshotPath); err != nil {
		return fmt.Errorf("restore snapshot %s: %w", snapshotPath, err)
	}
	return nil
}

// AttachExternal registers an external database for read-only attachment
// on subsequent opens.
func (d *Driver) AttachExternal(ctx context.Context, worldlineID, alias, path string) error {
	if !aliasPattern.MatchString(alias) {
		return fmt.Errorf("%w: %q", ErrInvalidAlias, alias)
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("external source %s: %w", alias, err)
	}
	h, err := d.Open(ctx, worldlineID, OpenOptions{})
	if err != nil {
		return err
	}
	defer h.Close()
	if _, err := h.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO _external_sources (alias, path) VALUES (?, ?)`, alias, path); err != nil {
		return fmt.Errorf("register external %s: %w", alias, err)
	}
	return nil
}

// DetachExternal removes a registered external source.
func (d *Driver) DetachExternal(ctx context.Context, worldlineID, alias string) error {
	h, err := d.Open(ctx, worldlineID, OpenOptions{})
	if err != nil {
		return err
	}
	defer h.Close()
	if _, err := h.db.ExecContext(ctx,
		`DELETE FROM _external_sources WHERE alias = ?`, alias); err != nil {
		return fmt.Errorf("detach external %s: %w", alias, err)
	}
	return nil
}

// ListExternals returns the worldline's registered external sources.
func (d *Driver) ListExternals(ctx context.Context, worldlineID string) ([]ExternalSource, error) {
	h, err := d.Open(ctx, worldlineID, OpenOptions{})
	if err != nil {
		return nil, err
	}
	defer h.Close()
	return listExternals(ctx, h.db)
}

func listExternals(ctx context.Context, db *sql.DB) ([]ExternalSource, error) {
	rows, err := db.QueryContext(ctx, `SELECT alias, path FROM _external_sources ORDER BY alias`)
	if err != nil {
		return nil, fmt.Errorf("list external sources: %w", err)
	}
	defer rows.Close()
	var sources []ExternalSource
	for rows.Next() {
		var src ExternalSource
		if err := rows.Scan(&src.Alias, &src.Path); err != nil {
			return nil, fmt.Errorf("scan external source: %w", err)
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// checkpoint flushes the WAL into the main file so a plain file copy sees
// every committed write.
func (d *Driver) checkpoint(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return fmt.Errorf("checkpoint open %s: %w", path, err)
	}
	defer db.Close()
	if _, err := db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return fmt.Errorf("checkpoint %s: %w", path, err)
	}
	return nil
}
