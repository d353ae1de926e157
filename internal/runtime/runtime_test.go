package runtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loomhq/loom/internal/analytics"
	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/jobs"
	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/internal/llm/llmtest"
	"github.com/loomhq/loom/internal/timeline"
	"github.com/loomhq/loom/internal/turns"
)

func newTestRuntime(t *testing.T, client llm.Client) *Runtime {
	t.Helper()
	cfg := config.Default()
	cfg.DataRoot = t.TempDir()
	// No cron sweeps during tests.
	cfg.Maintenance.JobsSpec = ""
	cfg.Maintenance.SnapshotsSpec = ""
	cfg.Maintenance.ArtifactsSpec = ""

	rt, err := New(Options{
		Config: cfg,
		Client: client,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	t.Cleanup(func() { rt.Shutdown(context.Background()) })
	return rt
}

func seedWorldline(t *testing.T, rt *Runtime) timeline.Worldline {
	t.Helper()
	ctx := context.Background()
	th, err := rt.Store().CreateThread(ctx, "analysis")
	if err != nil {
		t.Fatalf("CreateThread error: %v", err)
	}
	w, err := rt.Store().CreateWorldline(ctx, th.ID, "main")
	if err != nil {
		t.Fatalf("CreateWorldline error: %v", err)
	}
	return w
}

func TestRunTurnPlainAnswer(t *testing.T) {
	client := llmtest.NewScripted(llmtest.Text("The revenue looks stable."))
	rt := newTestRuntime(t, client)
	w := seedWorldline(t, rt)

	res, err := rt.RunTurn(context.Background(), TurnRequest{
		WorldlineID: w.ID, Message: "how is revenue?",
	})
	if err != nil {
		t.Fatalf("RunTurn error: %v", err)
	}
	if res.FinalText != "The revenue looks stable." {
		t.Errorf("FinalText = %q", res.FinalText)
	}
	if res.WorldlineID != w.ID {
		t.Errorf("WorldlineID = %q", res.WorldlineID)
	}

	var types []string
	for _, ev := range res.Events {
		types = append(types, string(ev.Type))
	}
	if len(types) < 2 || types[0] != "user_message" || types[len(types)-1] != "assistant_message" {
		t.Errorf("event types = %v", types)
	}
}

func TestRunTurnWithSQLTool(t *testing.T) {
	client := llmtest.NewScripted(
		llmtest.Calls(llmtest.Call("c1", "run_sql", map[string]any{"sql": "SELECT region, total FROM sales"})),
		llmtest.Text("North leads with 120."),
	)
	rt := newTestRuntime(t, client)
	w := seedWorldline(t, rt)

	ctx := context.Background()
	db, err := rt.Analytics().Open(ctx, w.ID, analytics.OpenOptions{})
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	for _, stmt := range []string{
		`CREATE TABLE sales (region TEXT, total INTEGER)`,
		`INSERT INTO sales VALUES ('north', 120), ('south', 80)`,
	} {
		if err := db.Exec(ctx, stmt); err != nil {
			t.Fatalf("Exec error: %v", err)
		}
	}
	db.Close()

	res, err := rt.RunTurn(ctx, TurnRequest{WorldlineID: w.ID, Message: "top region?"})
	if err != nil {
		t.Fatalf("RunTurn error: %v", err)
	}
	if res.FinalText != "North leads with 120." {
		t.Errorf("FinalText = %q", res.FinalText)
	}

	var sawCall, sawResult bool
	for _, ev := range res.Events {
		switch ev.Type {
		case timeline.EventToolCallSQL:
			sawCall = true
		case timeline.EventToolResultSQL:
			sawResult = true
		}
	}
	if !sawCall || !sawResult {
		t.Errorf("missing sql events (call=%v result=%v)", sawCall, sawResult)
	}
}

func TestStreamTurnDeliversEvents(t *testing.T) {
	client := llmtest.NewScripted(llmtest.Step{
		Response: &llm.Response{Text: "done", StopReason: "end_turn"},
		Deltas:   []string{"do", "ne"},
	})
	rt := newTestRuntime(t, client)
	w := seedWorldline(t, rt)

	var mu sync.Mutex
	var events []timeline.Event
	var deltas []string
	sink := turns.SinkFuncs{
		Event: func(ev timeline.Event) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		},
		Delta: func(text string) {
			mu.Lock()
			deltas = append(deltas, text)
			mu.Unlock()
		},
	}

	res, err := rt.StreamTurn(context.Background(), TurnRequest{
		WorldlineID: w.ID, Message: "stream it",
	}, sink)
	if err != nil {
		t.Fatalf("StreamTurn error: %v", err)
	}
	if res.FinalText != "done" {
		t.Errorf("FinalText = %q", res.FinalText)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(events) < 2 {
		t.Errorf("sink saw %d events, want >= 2", len(events))
	}
	if strings.Join(deltas, "") != "done" {
		t.Errorf("deltas = %v", deltas)
	}
}

func TestEnqueueTurnRunsJob(t *testing.T) {
	client := llmtest.NewScripted(llmtest.Text("queued answer"))
	rt := newTestRuntime(t, client)
	w := seedWorldline(t, rt)

	ctx := context.Background()
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	job, err := rt.EnqueueTurn(ctx, w.ThreadID, TurnRequest{
		WorldlineID: w.ID, Message: "later please",
	})
	if err != nil {
		t.Fatalf("EnqueueTurn error: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := rt.Jobs().Get(ctx, job.ID)
		if err != nil {
			t.Fatalf("Get error: %v", err)
		}
		if got.Terminal() {
			if got.Status != jobs.StatusCompleted {
				t.Fatalf("job = %+v", got)
			}
			if !strings.Contains(got.ResultSummary, "queued answer") {
				t.Errorf("ResultSummary = %q", got.ResultSummary)
			}
			if got.ResultWorldlineID != w.ID {
				t.Errorf("ResultWorldlineID = %q", got.ResultWorldlineID)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never finished: %+v", got)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestShutdownRejectsNewTurns(t *testing.T) {
	client := llmtest.NewScripted(llmtest.Text("unused"))
	rt := newTestRuntime(t, client)
	w := seedWorldline(t, rt)

	rt.Shutdown(context.Background())
	_, err := rt.RunTurn(context.Background(), TurnRequest{
		WorldlineID: w.ID, Message: "too late",
	})
	if !errors.Is(err, turns.ErrCoordinatorClosed) {
		t.Errorf("error = %v, want ErrCoordinatorClosed", err)
	}
}

func TestNewRequiresClient(t *testing.T) {
	cfg := config.Default()
	cfg.DataRoot = t.TempDir()
	_, err := New(Options{Config: cfg, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err == nil {
		t.Error("New without a client succeeded")
	}
}
