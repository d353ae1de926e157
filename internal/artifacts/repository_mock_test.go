package artifacts

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/loomhq/loom/internal/workspace"
)

func newMockRepository(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS artifacts").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_artifacts_worldline").WillReturnResult(sqlmock.NewResult(0, 0))

	r, err := NewRepository(db, workspace.NewLayout(t.TempDir()), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewRepository: %v", err)
	}
	return r, mock
}

func TestRepository_RecordInsertError(t *testing.T) {
	r, mock := newMockRepository(t)
	dbErr := errors.New("disk I/O error")

	mock.ExpectExec("INSERT INTO artifacts").WillReturnError(dbErr)

	err := r.Record(context.Background(), &Artifact{WorldlineID: "wl_1", EventID: "ev_1", Name: "x.png", Path: "/x.png"})
	if !errors.Is(err, dbErr) {
		t.Errorf("Record error = %v, want wrapped %v", err, dbErr)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRepository_ListQueryError(t *testing.T) {
	r, mock := newMockRepository(t)
	dbErr := errors.New("database is locked")

	mock.ExpectQuery("SELECT id, worldline_id, event_id").WillReturnError(dbErr)

	if _, err := r.ListByWorldline(context.Background(), "wl_1"); !errors.Is(err, dbErr) {
		t.Errorf("ListByWorldline error = %v, want wrapped %v", err, dbErr)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRepository_DeleteOrphansQueryError(t *testing.T) {
	r, mock := newMockRepository(t)
	dbErr := errors.New("no such table")

	mock.ExpectQuery("SELECT id, path FROM artifacts").WillReturnError(dbErr)

	if _, err := r.DeleteOrphans(context.Background()); !errors.Is(err, dbErr) {
		t.Errorf("DeleteOrphans error = %v, want wrapped %v", err, dbErr)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestNewRepository_SchemaError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	dbErr := errors.New("readonly database")
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS artifacts").WillReturnError(dbErr)

	if _, err := NewRepository(db, workspace.NewLayout(t.TempDir()), nil); !errors.Is(err, dbErr) {
		t.Errorf("NewRepository error = %v, want wrapped %v", err, dbErr)
	}
}
