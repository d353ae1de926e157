// Package artifacts stores metadata for files produced by sandbox
// executions (charts, exported tables) and copies them across worldlines
// during subagent fan-in.
package artifacts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loomhq/loom/internal/ids"
	"github.com/loomhq/loom/internal/workspace"
)

// ErrArtifactNotFound is returned for unknown artifact ids.
var ErrArtifactNotFound = errors.New("artifact not found")

// Artifact kinds. Type stays a free string on the wire; these cover what
// the sandbox emits today.
const (
	TypeImage    = "image"
	TypeCSV      = "csv"
	TypePDF      = "pdf"
	TypeMarkdown = "md"
	TypeFile     = "file"
)

// TypeForName classifies an artifact by file extension, falling back to
// the generic file kind.
func TypeForName(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png", ".jpg", ".jpeg", ".gif", ".svg", ".webp":
		return TypeImage
	case ".csv", ".tsv":
		return TypeCSV
	case ".pdf":
		return TypePDF
	case ".md", ".markdown":
		return TypeMarkdown
	default:
		return TypeFile
	}
}

// Artifact is one produced file, owned by a worldline and linked to the
// event that produced it.
type Artifact struct {
	ID          string    `json:"id"`
	WorldlineID string    `json:"worldline_id"`
	EventID     string    `json:"event_id"`
	Type        string    `json:"type"`
	Name        string    `json:"name"`
	Path        string    `json:"path"`
	SizeBytes   int64     `json:"size_bytes"`
	CreatedAt   time.Time `json:"created_at"`
}

// Repository persists artifact rows in the meta database.
type Repository struct {
	db     *sql.DB
	layout workspace.Layout
	logger *slog.Logger
}

// NewRepository creates a repository and ensures its schema.
func NewRepository(db *sql.DB, layout workspace.Layout, logger *slog.Logger) (*Repository, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if logger == nil {
		logger = slog.Default().With("component", "artifacts")
	}
	r := &Repository{db: db, layout: layout, logger: logger}
	if err := r.ensureSchema(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Repository) ensureSchema() error {
	_, err := r.db.Exec(`CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT PRIMARY KEY,
		worldline_id TEXT NOT NULL,
		event_id TEXT NOT NULL,
		type TEXT NOT NULL,
		name TEXT NOT NULL,
		path TEXT NOT NULL,
		size_bytes INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("ensure artifacts schema: %w", err)
	}
	if _, err := r.db.Exec(`CREATE INDEX IF NOT EXISTS idx_artifacts_worldline ON artifacts(worldline_id)`); err != nil {
		return fmt.Errorf("ensure artifacts index: %w", err)
	}
	return nil
}

// Record inserts an artifact row, assigning ID and CreatedAt when unset.
func (r *Repository) Record(ctx context.Context, a *Artifact) error {
	if a.ID == "" {
		a.ID = ids.New(ids.Artifact)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.Type == "" {
		a.Type = TypeFile
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO artifacts (id, worldline_id, event_id, type, name, path, size_bytes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.WorldlineID, a.EventID, a.Type, a.Name, a.Path, a.SizeBytes, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("record artifact %s: %w", a.Name, err)
	}
	return nil
}

// Get loads one artifact.
func (r *Repository) Get(ctx context.Context, id string) (Artifact, error) {
	a, err := scanArtifact(r.db.QueryRowContext(ctx,
		`SELECT id, worldline_id, event_id, type, name, path, size_bytes, created_at
		 FROM artifacts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Artifact{}, fmt.Errorf("artifact %s: %w", id, ErrArtifactNotFound)
	}
	return a, err
}

// ListByWorldline returns a worldline's artifacts, newest first.
func (r *Repository) ListByWorldline(ctx context.Context, worldlineID string) ([]Artifact, error) {
	return r.list(ctx,
		`SELECT id, worldline_id, event_id, type, name, path, size_bytes, created_at
		 FROM artifacts WHERE worldline_id = ? ORDER BY created_at DESC, id DESC`, worldlineID)
}

// ListByEvent returns the artifacts produced by one event.
func (r *Repository) ListByEvent(ctx context.Context, eventID string) ([]Artifact, error) {
	return r.list(ctx,
		`SELECT id, worldline_id, event_id, type, name, path, size_bytes, created_at
		 FROM artifacts WHERE event_id = ? ORDER BY created_at, id`, eventID)
}

func (r *Repository) list(ctx context.Context, query string, args ...any) ([]Artifact, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()
	var artifacts []Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

// CopyForFanIn copies a child worldline's artifacts into the parent:
// files land in the parent's artifact directory under the task label, and
// new rows are recorded against the fan-in result event. Artifacts whose
// file disappeared are skipped.
func (r *Repository) CopyForFanIn(ctx context.Context, childWorldlineID, parentWorldlineID, eventID, labelPrefix string) ([]Artifact, error) {
	source, err := r.ListByWorldline(ctx, childWorldlineID)
	if err != nil {
		return nil, err
	}
	if len(source) == 0 {
		return nil, nil
	}
	if err := r.layout.EnsureWorldline(parentWorldlineID); err != nil {
		return nil, err
	}

	var copied []Artifact
	for _, src := range source {
		name := src.Name
		base := filepath.Base(src.Path)
		if labelPrefix != "" {
			name = labelPrefix + "/" + name
			base = labelPrefix + "__" + base
		}
		dst := filepath.Join(r.layout.ArtifactsDir(parentWorldlineID), base)
		if err := workspace.CopyFile(dst, src.Path); err != nil {
			r.logger.Warn("skipping artifact with missing file",
				"artifact_id", src.ID, "path", src.Path, "error", err)
			continue
		}
		a := Artifact{
			WorldlineID: parentWorldlineID,
			EventID:     eventID,
			Type:        src.Type,
			Name:        name,
			Path:        dst,
			SizeBytes:   src.SizeBytes,
		}
		if err := r.Record(ctx, &a); err != nil {
			return copied, err
		}
		copied = append(copied, a)
	}
	return copied, nil
}

// DeleteOrphans removes rows whose backing file no longer exists and
// returns how many were removed.
func (r *Repository) DeleteOrphans(ctx context.Context) (int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, path FROM artifacts`)
	if err != nil {
		return 0, fmt.Errorf("scan for orphans: %w", err)
	}
	var orphans []string
	for rows.Next() {
		var id, path string
		if err := rows.Scan(&id, &path); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan artifact row: %w", err)
		}
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			orphans = append(orphans, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range orphans {
		if _, err := r.db.ExecContext(ctx, `DELETE FROM artifacts WHERE id = ?`, id); err != nil {
			return 0, fmt.Errorf("delete orphan %s: %w", id, err)
		}
	}
	if len(orphans) > 0 {
		r.logger.Info("deleted orphaned artifact rows", "count", len(orphans))
	}
	return len(orphans), nil
}

// InventoryForPrompt returns the worldline's artifacts deduplicated by
// name (newest wins), capped, newest first. Feeds the model's context.
func (r *Repository) InventoryForPrompt(ctx context.Context, worldlineID string, limit int) ([]Artifact, error) {
	all, err := r.ListByWorldline(ctx, worldlineID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(all))
	var inventory []Artifact
	for _, a := range all {
		if _, dup := seen[a.Name]; dup {
			continue
		}
		seen[a.Name] = struct{}{}
		inventory = append(inventory, a)
		if limit > 0 && len(inventory) >= limit {
			break
		}
	}
	return inventory, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row rowScanner) (Artifact, error) {
	var a Artifact
	err := row.Scan(&a.ID, &a.WorldlineID, &a.EventID, &a.Type, &a.Name, &a.Path, &a.SizeBytes, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Artifact{}, err
		}
		return Artifact{}, fmt.Errorf("scan artifact: %w", err)
	}
	return a, nil
}

// NormalizeLabel shapes a task label into a filesystem- and prompt-safe
// slug: lowercased, [a-z0-9_-] only, at most 30 characters. Empty results
// fall back to the given default.
func NormalizeLabel(label, fallback string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(label)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		case r == ' ' || r == '\t':
			b.WriteByte('-')
		}
		if b.Len() >= 30 {
			break
		}
	}
	out := strings.Trim(b.String(), "-_")
	if out == "" {
		return fallback
	}
	return out
}
