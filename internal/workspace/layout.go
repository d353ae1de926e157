// Package workspace owns the on-disk layout of the data root: one
// directory per worldline holding its analytical database and artifacts,
// plus a shared snapshot directory.
package workspace

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	worldlinesDirName = "worldlines"
	snapshotsDirName  = "snapshots"
	artifactsDirName  = "artifacts"
	databaseFileName  = "analytics.db"
	metaDatabaseName  = "loom.db"
)

// Layout resolves paths under a single data root.
//
//	<root>/loom.db                           meta database
//	<root>/worldlines/<wl_id>/analytics.db   per-worldline analytical DB
//	<root>/worldlines/<wl_id>/artifacts/     sandbox artifacts
//	<root>/snapshots/<wl_id>__<ev_id>.db     analytical DB snapshots
type Layout struct {
	root string
}

// NewLayout cleans root and returns a Layout. An empty root resolves to the
// current directory.
func NewLayout(root string) Layout {
	base := strings.TrimSpace(root)
	if base == "" {
		base = "."
	}
	return Layout{root: filepath.Clean(base)}
}

// Root returns the data root directory.
func (l Layout) Root() string { return l.root }

// MetaDatabasePath returns the path of the control-plane database.
func (l Layout) MetaDatabasePath() string {
	return filepath.Join(l.root, metaDatabaseName)
}

// WorldlineDir returns the directory owned by a worldline.
func (l Layout) WorldlineDir(worldlineID string) string {
	return filepath.Join(l.root, worldlinesDirName, worldlineID)
}

// DatabasePath returns the analytical database file of a worldline.
func (l Layout) DatabasePath(worldlineID string) string {
	return filepath.Join(l.WorldlineDir(worldlineID), databaseFileName)
}

// ArtifactsDir returns the artifact directory of a worldline.
func (l Layout) ArtifactsDir(worldlineID string) string {
	return filepath.Join(l.WorldlineDir(worldlineID), artifactsDirName)
}

// SnapshotsDir returns the shared snapshot directory.
func (l Layout) SnapshotsDir() string {
	return filepath.Join(l.root, snapshotsDirName)
}

// SnapshotPath returns the snapshot file for a (worldline, event) pair.
func (l Layout) SnapshotPath(worldlineID, eventID string) string {
	return filepath.Join(l.SnapshotsDir(), worldlineID+"__"+eventID+".db")
}

// EnsureRoot creates the root, worldlines, and snapshots directories.
func (l Layout) EnsureRoot() error {
	for _, dir := range []string{l.root, filepath.Join(l.root, worldlinesDirName), l.SnapshotsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create data dir %s: %w", dir, err)
		}
	}
	return nil
}

// EnsureWorldline creates a worldline's directory tree.
func (l Layout) EnsureWorldline(worldlineID string) error {
	if err := os.MkdirAll(l.ArtifactsDir(worldlineID), 0o755); err != nil {
		return fmt.Errorf("create worldline dir for %s: %w", worldlineID, err)
	}
	return nil
}

// RemoveWorldline deletes a worldline's directory tree.
func (l Layout) RemoveWorldline(worldlineID string) error {
	if err := os.RemoveAll(l.WorldlineDir(worldlineID)); err != nil {
		return fmt.Errorf("remove worldline dir for %s: %w", worldlineID, err)
	}
	return nil
}

// CopyFile copies src to dst, creating dst's directory when missing. The
// copy goes through a temp file and rename so a crash never leaves a
// half-written destination.
func CopyFile(dst, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", dst, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".copy-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", dst, err)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("copy %s: %w", src, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp for %s: %w", dst, err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename to %s: %w", dst, err)
	}
	return nil
}
