package timeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/loomhq/loom/internal/ids"
)

// Fork-point resolution outcomes, recorded in branch payloads so callers
// can see when a requested fork event was silently replaced by the head.
const (
	ForkResolutionHead        = "head"
	ForkResolutionRequested   = "requested"
	ForkResolutionNotFound    = "not_found_fallback_head"
	ForkResolutionUnreachable = "unreachable_fallback_head"
)

// Analytical DB provenance for a branch.
const (
	DBSourceLive         = "live"
	DBSourceSnapshot     = "snapshot"
	DBSourceLiveFallback = "live_fallback"
)

// DatabaseCloner provisions a branch's analytical database. Implemented by
// the analytics driver; the store only decides which source to clone from.
type DatabaseCloner interface {
	// CloneLive copies the source worldline's live database into the new
	// worldline's slot.
	CloneLive(ctx context.Context, sourceWorldlineID, newWorldlineID string) error
	// CloneFromSnapshot seeds the new worldline's database from a snapshot
	// file.
	CloneFromSnapshot(ctx context.Context, snapshotPath, newWorldlineID string) error
}

// BranchSpec describes a requested branch.
type BranchSpec struct {
	SourceWorldlineID string
	// FromEventID is the requested fork point; empty means the source head.
	FromEventID string
	Name        string
	// AppendEvents controls whether the branch gets the
	// worldline_created / time_travel / user_message prologue. Subagent
	// branches skip it and append their own task message instead.
	AppendEvents       bool
	CarriedUserMessage string
}

// BranchResult reports what the branch operation actually did.
type BranchResult struct {
	Worldline      Worldline
	ForkEventID    *string
	ForkResolution string
	DBSource       string
	Prologue       []Event
}

// ResolveForkEvent maps a requested fork event onto one that is actually
// usable: the event must exist and lie on the source worldline's history.
// Anything else falls back to the source head; branching never fails on a
// bad fork reference, it records the substitution instead.
func (s *SQLStore) ResolveForkEvent(ctx context.Context, source Worldline, requested string) (*string, string, error) {
	if requested == "" {
		return source.HeadEventID, ForkResolutionHead, nil
	}
	if _, err := s.GetEvent(ctx, requested); err != nil {
		if errors.Is(err, ErrEventNotFound) {
			return source.HeadEventID, ForkResolutionNotFound, nil
		}
		return nil, "", err
	}
	if source.HeadEventID == nil {
		return nil, ForkResolutionUnreachable, nil
	}
	ok, err := s.ChainContains(ctx, *source.HeadEventID, requested)
	if err != nil {
		return nil, "", err
	}
	if !ok {
		return source.HeadEventID, ForkResolutionUnreachable, nil
	}
	fork := requested
	return &fork, ForkResolutionRequested, nil
}

// BranchFromEvent creates a new worldline forked from the resolved fork
// point of the source, seeds its analytical database (live copy when
// forking at the head, nearest snapshot otherwise), and optionally appends
// the branch prologue so the new chain is immediately usable for a turn.
func (s *SQLStore) BranchFromEvent(ctx context.Context, spec BranchSpec, cloner DatabaseCloner) (BranchResult, error) {
	source, err := s.GetWorldline(ctx, spec.SourceWorldlineID)
	if err != nil {
		return BranchResult{}, err
	}

	fork, resolution, err := s.ResolveForkEvent(ctx, source, spec.FromEventID)
	if err != nil {
		return BranchResult{}, err
	}

	w := Worldline{
		ID:                ids.New(ids.Worldline),
		ThreadID:          source.ThreadID,
		ParentWorldlineID: &source.ID,
		ForkedFromEventID: fork,
		Name:              spec.Name,
		CreatedAt:         s.now().UTC(),
	}
	if w.Name == "" {
		w.Name = ids.Short(w.ID)
	}

	s.writeMu.Lock()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO worldlines (id, thread_id, parent_worldline_id, forked_from_event_id, head_event_id, name, created_at)
		 VALUES (?, ?, ?, ?, NULL, ?, ?)`,
		w.ID, w.ThreadID, source.ID, toNull(fork), w.Name, w.CreatedAt)
	s.writeMu.Unlock()
	if err != nil {
		return BranchResult{}, fmt.Errorf("create branch worldline: %w", err)
	}

	dbSource, err := s.seedDatabase(ctx, source, w.ID, fork, cloner)
	if err != nil {
		return BranchResult{}, err
	}

	result := BranchResult{
		Worldline:      w,
		ForkEventID:    fork,
		ForkResolution: resolution,
		DBSource:       dbSource,
	}

	if !spec.AppendEvents {
		return result, nil
	}

	created, err := s.AppendAndAdvance(ctx, w.ID, nil, EventWorldlineCreated, WorldlineCreatedPayload{
		WorldlineID:       w.ID,
		ParentWorldlineID: source.ID,
		ForkedFromEventID: deref(fork),
		Name:              w.Name,
	})
	if err != nil {
		return BranchResult{}, fmt.Errorf("branch prologue: %w", err)
	}
	travel, err := s.AppendAndAdvance(ctx, w.ID, &created.ID, EventTimeTravel, TimeTravelPayload{
		SourceWorldlineID: source.ID,
		FromEventID:       deref(fork),
		NewWorldlineID:    w.ID,
		Name:              w.Name,
		Resolution:        resolution,
	})
	if err != nil {
		return BranchResult{}, fmt.Errorf("branch prologue: %w", err)
	}
	result.Prologue = []Event{created, travel}
	head := travel.ID

	if spec.CarriedUserMessage != "" {
		carried, err := s.AppendAndAdvance(ctx, w.ID, &head, EventUserMessage, UserMessagePayload{
			Text: spec.CarriedUserMessage,
		})
		if err != nil {
			return BranchResult{}, fmt.Errorf("branch prologue: %w", err)
		}
		result.Prologue = append(result.Prologue, carried)
		head = carried.ID
	}

	result.Worldline.HeadEventID = &head
	return result, nil
}

// seedDatabase picks the clone source for a branch. Forking at the head
// copies the live database; forking mid-history prefers the nearest
// snapshot at or before the fork point and falls back to the live copy
// (recorded as such) when the chain has no snapshot.
func (s *SQLStore) seedDatabase(ctx context.Context, source Worldline, newWorldlineID string, fork *string, cloner DatabaseCloner) (string, error) {
	if cloner == nil {
		return "", errors.New("branch worldline: nil database cloner")
	}
	atHead := sameHead(fork, source.HeadEventID)
	if atHead || fork == nil {
		if err := cloner.CloneLive(ctx, source.ID, newWorldlineID); err != nil {
			return "", fmt.Errorf("clone live database: %w", err)
		}
		return DBSourceLive, nil
	}

	snap, err := s.LatestSnapshotForChain(ctx, *fork)
	if errors.Is(err, ErrSnapshotNotFound) {
		s.logger.Info("no snapshot on fork chain, cloning live database",
			"source_worldline_id", source.ID, "fork_event_id", *fork)
		if err := cloner.CloneLive(ctx, source.ID, newWorldlineID); err != nil {
			return "", fmt.Errorf("clone live database: %w", err)
		}
		return DBSourceLiveFallback, nil
	}
	if err != nil {
		return "", err
	}
	if err := cloner.CloneFromSnapshot(ctx, snap.Path, newWorldlineID); err != nil {
		return "", fmt.Errorf("clone snapshot %s: %w", snap.ID, err)
	}
	return DBSourceSnapshot, nil
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
