package timeline

import (
	"context"
	"errors"
	"testing"
)

type noopCloner struct{}

func (noopCloner) CloneLive(context.Context, string, string) error { return nil }

func (noopCloner) CloneFromSnapshot(context.Context, string, string) error { return nil }

// recordingCloner captures which clone path a branch took.
type recordingCloner struct {
	liveSource   string
	snapshotPath string
	target       string
	failLive     error
}

func (c *recordingCloner) CloneLive(_ context.Context, source, target string) error {
	if c.failLive != nil {
		return c.failLive
	}
	c.liveSource = source
	c.target = target
	return nil
}

func (c *recordingCloner) CloneFromSnapshot(_ context.Context, path, target string) error {
	c.snapshotPath = path
	c.target = target
	return nil
}

func TestResolveForkEvent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	w := seedWorldline(t, s)
	events := appendChain(t, s, w.ID, 3)
	other := seedWorldline(t, s)
	foreign := appendChain(t, s, other.ID, 1)[0]
	source, _ := s.GetWorldline(ctx, w.ID)

	tests := []struct {
		name           string
		requested      string
		wantFork       string
		wantResolution string
	}{
		{"empty means head", "", events[2].ID, ForkResolutionHead},
		{"head explicitly", events[2].ID, events[2].ID, ForkResolutionRequested},
		{"mid chain", events[1].ID, events[1].ID, ForkResolutionRequested},
		{"unknown event falls back", "ev_missing", events[2].ID, ForkResolutionNotFound},
		{"foreign event falls back", foreign.ID, events[2].ID, ForkResolutionUnreachable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fork, resolution, err := s.ResolveForkEvent(ctx, source, tt.requested)
			if err != nil {
				t.Fatalf("ResolveForkEvent error: %v", err)
			}
			if resolution != tt.wantResolution {
				t.Errorf("resolution = %s, want %s", resolution, tt.wantResolution)
			}
			if fork == nil || *fork != tt.wantFork {
				t.Errorf("fork = %v, want %s", fork, tt.wantFork)
			}
		})
	}

	t.Run("empty source with no head", func(t *testing.T) {
		bare := seedWorldline(t, s)
		src, _ := s.GetWorldline(ctx, bare.ID)
		fork, resolution, err := s.ResolveForkEvent(ctx, src, "")
		if err != nil {
			t.Fatalf("ResolveForkEvent error: %v", err)
		}
		if fork != nil {
			t.Errorf("fork = %v, want nil", *fork)
		}
		if resolution != ForkResolutionHead {
			t.Errorf("resolution = %s, want %s", resolution, ForkResolutionHead)
		}
	})
}

func TestBranchFromEvent_AtHead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	source := seedWorldline(t, s)
	events := appendChain(t, s, source.ID, 2)
	cloner := &recordingCloner{}

	res, err := s.BranchFromEvent(ctx, BranchSpec{
		SourceWorldlineID:  source.ID,
		Name:               "what-if",
		AppendEvents:       true,
		CarriedUserMessage: "retry with Q3 filter",
	}, cloner)
	if err != nil {
		t.Fatalf("BranchFromEvent error: %v", err)
	}

	if res.DBSource != DBSourceLive {
		t.Errorf("DBSource = %s, want %s", res.DBSource, DBSourceLive)
	}
	if cloner.liveSource != source.ID || cloner.target != res.Worldline.ID {
		t.Errorf("cloned %s -> %s, want %s -> %s", cloner.liveSource, cloner.target, source.ID, res.Worldline.ID)
	}
	if res.ForkResolution != ForkResolutionHead {
		t.Errorf("ForkResolution = %s, want %s", res.ForkResolution, ForkResolutionHead)
	}
	if res.ForkEventID == nil || *res.ForkEventID != events[1].ID {
		t.Errorf("ForkEventID = %v, want %s", res.ForkEventID, events[1].ID)
	}

	w := res.Worldline
	if w.ParentWorldlineID == nil || *w.ParentWorldlineID != source.ID {
		t.Errorf("ParentWorldlineID = %v, want %s", w.ParentWorldlineID, source.ID)
	}
	if w.ForkedFromEventID == nil || *w.ForkedFromEventID != events[1].ID {
		t.Errorf("ForkedFromEventID = %v, want %s", w.ForkedFromEventID, events[1].ID)
	}
	if w.Name != "what-if" {
		t.Errorf("Name = %q, want %q", w.Name, "what-if")
	}

	if len(res.Prologue) != 3 {
		t.Fatalf("prologue length = %d, want 3", len(res.Prologue))
	}
	created, travel, carried := res.Prologue[0], res.Prologue[1], res.Prologue[2]
	if created.Type != EventWorldlineCreated || travel.Type != EventTimeTravel || carried.Type != EventUserMessage {
		t.Errorf("prologue types = %s/%s/%s", created.Type, travel.Type, carried.Type)
	}
	// The prologue chains back into the source worldline at the fork point.
	if created.ParentEventID == nil || *created.ParentEventID != events[1].ID {
		t.Errorf("created.Parent = %v, want fork %s", created.ParentEventID, events[1].ID)
	}
	if travel.ParentEventID == nil || *travel.ParentEventID != created.ID {
		t.Errorf("travel.Parent = %v, want %s", travel.ParentEventID, created.ID)
	}
	if carried.ParentEventID == nil || *carried.ParentEventID != travel.ID {
		t.Errorf("carried.Parent = %v, want %s", carried.ParentEventID, travel.ID)
	}

	var travelPayload TimeTravelPayload
	if err := travel.DecodePayload(&travelPayload); err != nil {
		t.Fatalf("DecodePayload error: %v", err)
	}
	if travelPayload.SourceWorldlineID != source.ID || travelPayload.NewWorldlineID != w.ID {
		t.Errorf("travel payload = %+v", travelPayload)
	}

	stored, err := s.GetWorldline(ctx, w.ID)
	if err != nil {
		t.Fatalf("GetWorldline error: %v", err)
	}
	if stored.HeadEventID == nil || *stored.HeadEventID != carried.ID {
		t.Errorf("stored head = %v, want %s", stored.HeadEventID, carried.ID)
	}

	// Source worldline untouched.
	src, _ := s.GetWorldline(ctx, source.ID)
	if src.HeadEventID == nil || *src.HeadEventID != events[1].ID {
		t.Errorf("source head = %v, want %s", src.HeadEventID, events[1].ID)
	}
}

func TestBranchFromEvent_MidChainUsesSnapshot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	source := seedWorldline(t, s)
	events := appendChain(t, s, source.ID, 3)
	if _, err := s.RecordSnapshot(ctx, source.ID, events[0].ID, "/data/snap.db"); err != nil {
		t.Fatalf("RecordSnapshot error: %v", err)
	}
	cloner := &recordingCloner{}

	res, err := s.BranchFromEvent(ctx, BranchSpec{
		SourceWorldlineID: source.ID,
		FromEventID:       events[1].ID,
	}, cloner)
	if err != nil {
		t.Fatalf("BranchFromEvent error: %v", err)
	}
	if res.DBSource != DBSourceSnapshot {
		t.Errorf("DBSource = %s, want %s", res.DBSource, DBSourceSnapshot)
	}
	if cloner.snapshotPath != "/data/snap.db" {
		t.Errorf("snapshotPath = %s, want /data/snap.db", cloner.snapshotPath)
	}
	if len(res.Prologue) != 0 {
		t.Errorf("prologue = %+v, want none without AppendEvents", res.Prologue)
	}
	if res.Worldline.HeadEventID != nil {
		t.Errorf("head = %v, want nil without AppendEvents", *res.Worldline.HeadEventID)
	}
}

func TestBranchFromEvent_MidChainWithoutSnapshotFallsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	source := seedWorldline(t, s)
	events := appendChain(t, s, source.ID, 3)
	cloner := &recordingCloner{}

	res, err := s.BranchFromEvent(ctx, BranchSpec{
		SourceWorldlineID: source.ID,
		FromEventID:       events[0].ID,
	}, cloner)
	if err != nil {
		t.Fatalf("BranchFromEvent error: %v", err)
	}
	if res.DBSource != DBSourceLiveFallback {
		t.Errorf("DBSource = %s, want %s", res.DBSource, DBSourceLiveFallback)
	}
	if cloner.liveSource != source.ID {
		t.Errorf("liveSource = %s, want %s", cloner.liveSource, source.ID)
	}
}

func TestBranchFromEvent_CloneFailure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	source := seedWorldline(t, s)
	appendChain(t, s, source.ID, 1)
	wantErr := errors.New("disk full")

	_, err := s.BranchFromEvent(ctx, BranchSpec{SourceWorldlineID: source.ID}, &recordingCloner{failLive: wantErr})
	if !errors.Is(err, wantErr) {
		t.Errorf("error = %v, want wrapped %v", err, wantErr)
	}
}

func TestBranchFromEvent_DefaultName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	source := seedWorldline(t, s)
	appendChain(t, s, source.ID, 1)

	res, err := s.BranchFromEvent(ctx, BranchSpec{SourceWorldlineID: source.ID}, noopCloner{})
	if err != nil {
		t.Fatalf("BranchFromEvent error: %v", err)
	}
	if res.Worldline.Name == "" {
		t.Error("expected a generated name")
	}
}
