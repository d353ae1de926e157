package artifacts

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loomhq/loom/internal/workspace"
)

func newTestRepository(t *testing.T) (*Repository, workspace.Layout) {
	t.Helper()
	layout := workspace.NewLayout(t.TempDir())
	if err := layout.EnsureRoot(); err != nil {
		t.Fatalf("EnsureRoot error: %v", err)
	}
	db, err := sql.Open("sqlite", "file:"+layout.MetaDatabasePath())
	if err != nil {
		t.Fatalf("open db error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	r, err := NewRepository(db, layout, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewRepository error: %v", err)
	}
	return r, layout
}

// writeArtifactFile creates a real file in the worldline's artifact dir and
// records it.
func writeArtifactFile(t *testing.T, r *Repository, layout workspace.Layout, worldlineID, eventID, name string) Artifact {
	t.Helper()
	if err := layout.EnsureWorldline(worldlineID); err != nil {
		t.Fatalf("EnsureWorldline error: %v", err)
	}
	path := filepath.Join(layout.ArtifactsDir(worldlineID), name)
	if err := os.WriteFile(path, []byte("data:"+name), 0o644); err != nil {
		t.Fatalf("WriteFile error: %v", err)
	}
	a := Artifact{
		WorldlineID: worldlineID,
		EventID:     eventID,
		Type:        TypeImage,
		Name:        name,
		Path:        path,
		SizeBytes:   int64(len("data:" + name)),
	}
	if err := r.Record(context.Background(), &a); err != nil {
		t.Fatalf("Record error: %v", err)
	}
	return a
}

func TestRepository_RecordAndGet(t *testing.T) {
	r, layout := newTestRepository(t)
	ctx := context.Background()

	a := writeArtifactFile(t, r, layout, "wl_1", "ev_1", "revenue.png")
	if a.ID == "" {
		t.Error("Record should assign an ID")
	}
	if a.CreatedAt.IsZero() {
		t.Error("Record should assign CreatedAt")
	}

	got, err := r.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.Name != "revenue.png" || got.Type != TypeImage || got.WorldlineID != "wl_1" {
		t.Errorf("Get = %+v", got)
	}

	if _, err := r.Get(ctx, "art_missing"); !errors.Is(err, ErrArtifactNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrArtifactNotFound", err)
	}
}

func TestRepository_Listing(t *testing.T) {
	r, layout := newTestRepository(t)
	ctx := context.Background()

	first := writeArtifactFile(t, r, layout, "wl_1", "ev_1", "a.png")
	// Force distinct timestamps so newest-first ordering is deterministic.
	second := Artifact{
		WorldlineID: "wl_1", EventID: "ev_2", Name: "b.png",
		Path:      filepath.Join(layout.ArtifactsDir("wl_1"), "b.png"),
		CreatedAt: first.CreatedAt.Add(time.Second),
	}
	if err := os.WriteFile(second.Path, []byte("b"), 0o644); err != nil {
		t.Fatalf("WriteFile error: %v", err)
	}
	if err := r.Record(ctx, &second); err != nil {
		t.Fatalf("Record error: %v", err)
	}
	writeArtifactFile(t, r, layout, "wl_2", "ev_3", "other.png")

	byWorldline, err := r.ListByWorldline(ctx, "wl_1")
	if err != nil {
		t.Fatalf("ListByWorldline error: %v", err)
	}
	if len(byWorldline) != 2 {
		t.Fatalf("ListByWorldline len = %d, want 2", len(byWorldline))
	}
	if byWorldline[0].Name != "b.png" {
		t.Errorf("newest first: got %s, want b.png", byWorldline[0].Name)
	}

	byEvent, err := r.ListByEvent(ctx, "ev_1")
	if err != nil {
		t.Fatalf("ListByEvent error: %v", err)
	}
	if len(byEvent) != 1 || byEvent[0].ID != first.ID {
		t.Errorf("ListByEvent = %+v", byEvent)
	}
}

func TestRepository_CopyForFanIn(t *testing.T) {
	r, layout := newTestRepository(t)
	ctx := context.Background()

	writeArtifactFile(t, r, layout, "wl_child", "ev_c1", "histogram.png")
	writeArtifactFile(t, r, layout, "wl_child", "ev_c2", "summary.csv")

	copied, err := r.CopyForFanIn(ctx, "wl_child", "wl_parent", "ev_result", "schema-scout")
	if err != nil {
		t.Fatalf("CopyForFanIn error: %v", err)
	}
	if len(copied) != 2 {
		t.Fatalf("copied = %d, want 2", len(copied))
	}
	for _, a := range copied {
		if a.WorldlineID != "wl_parent" || a.EventID != "ev_result" {
			t.Errorf("copied artifact = %+v", a)
		}
		if a.Name[:len("schema-scout/")] != "schema-scout/" {
			t.Errorf("Name = %s, want schema-scout/ prefix", a.Name)
		}
		if _, err := os.Stat(a.Path); err != nil {
			t.Errorf("copied file missing: %v", err)
		}
	}

	parentList, err := r.ListByWorldline(ctx, "wl_parent")
	if err != nil {
		t.Fatalf("ListByWorldline error: %v", err)
	}
	if len(parentList) != 2 {
		t.Errorf("parent artifacts = %d, want 2", len(parentList))
	}

	t.Run("missing file skipped", func(t *testing.T) {
		ghost := writeArtifactFile(t, r, layout, "wl_ghost", "ev_g", "gone.png")
		if err := os.Remove(ghost.Path); err != nil {
			t.Fatalf("Remove error: %v", err)
		}
		copied, err := r.CopyForFanIn(ctx, "wl_ghost", "wl_parent", "ev_r2", "t")
		if err != nil {
			t.Fatalf("CopyForFanIn error: %v", err)
		}
		if len(copied) != 0 {
			t.Errorf("copied = %+v, want none", copied)
		}
	})

	t.Run("empty child", func(t *testing.T) {
		copied, err := r.CopyForFanIn(ctx, "wl_empty", "wl_parent", "ev_r3", "t")
		if err != nil {
			t.Fatalf("CopyForFanIn error: %v", err)
		}
		if copied != nil {
			t.Errorf("copied = %+v, want nil", copied)
		}
	})
}

func TestRepository_DeleteOrphans(t *testing.T) {
	r, layout := newTestRepository(t)
	ctx := context.Background()

	keep := writeArtifactFile(t, r, layout, "wl_1", "ev_1", "keep.png")
	lost := writeArtifactFile(t, r, layout, "wl_1", "ev_1", "lost.png")
	if err := os.Remove(lost.Path); err != nil {
		t.Fatalf("Remove error: %v", err)
	}

	n, err := r.DeleteOrphans(ctx)
	if err != nil {
		t.Fatalf("DeleteOrphans error: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted = %d, want 1", n)
	}
	if _, err := r.Get(ctx, lost.ID); !errors.Is(err, ErrArtifactNotFound) {
		t.Errorf("orphan still present: %v", err)
	}
	if _, err := r.Get(ctx, keep.ID); err != nil {
		t.Errorf("kept artifact lost: %v", err)
	}
}

func TestRepository_InventoryForPrompt(t *testing.T) {
	r, layout := newTestRepository(t)
	ctx := context.Background()

	old := writeArtifactFile(t, r, layout, "wl_1", "ev_1", "report.png")
	newer := Artifact{
		WorldlineID: "wl_1", EventID: "ev_2", Name: "report.png",
		Path:      old.Path,
		CreatedAt: old.CreatedAt.Add(time.Minute),
	}
	if err := r.Record(ctx, &newer); err != nil {
		t.Fatalf("Record error: %v", err)
	}
	writeArtifactFile(t, r, layout, "wl_1", "ev_3", "extra.csv")

	inventory, err := r.InventoryForPrompt(ctx, "wl_1", 10)
	if err != nil {
		t.Fatalf("InventoryForPrompt error: %v", err)
	}
	if len(inventory) != 2 {
		t.Fatalf("inventory len = %d, want 2 (deduped)", len(inventory))
	}
	for _, a := range inventory {
		if a.Name == "report.png" && a.ID != newer.ID {
			t.Errorf("dedup kept %s, want newest %s", a.ID, newer.ID)
		}
	}

	capped, err := r.InventoryForPrompt(ctx, "wl_1", 1)
	if err != nil {
		t.Fatalf("InventoryForPrompt error: %v", err)
	}
	if len(capped) != 1 {
		t.Errorf("capped len = %d, want 1", len(capped))
	}
}

func TestNormalizeLabel(t *testing.T) {
	tests := []struct {
		name     string
		label    string
		fallback string
		want     string
	}{
		{"simple", "Schema Scout", "task-0", "schema-scout"},
		{"already clean", "metrics_core", "task-1", "metrics_core"},
		{"strips symbols", "Q3: Revenue (west)!", "task-2", "q3-revenue-west"},
		{"empty falls back", "", "task-3", "task-3"},
		{"symbols only falls back", "!!!", "task-4", "task-4"},
		{"truncated", "a-very-long-label-that-keeps-going-and-going", "task-5", "a-very-long-label-that-keeps-g"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeLabel(tt.label, tt.fallback); got != tt.want {
				t.Errorf("NormalizeLabel(%q) = %q, want %q", tt.label, got, tt.want)
			}
		})
	}
}
