// handlers.go implements the command handlers behind the builders in
// commands.go.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/jobs"
	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/internal/observability"
	"github.com/loomhq/loom/internal/runtime"
	"github.com/loomhq/loom/internal/timeline"
	"github.com/loomhq/loom/internal/workspace"
)

// shutdownGrace bounds how long a draining serve process waits.
const shutdownGrace = 30 * time.Second

func runServe(ctx context.Context, configPath, dataRoot string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if dataRoot != "" {
		cfg.DataRoot = dataRoot
	}
	logger := buildLogger(cfg)
	slog.SetDefault(logger)

	logger.Info("starting loom",
		"version", version,
		"commit", commit,
		"data_root", cfg.DataRoot,
		"provider", cfg.Provider)

	rt, err := runtime.New(runtime.Options{
		Config:   cfg,
		Registry: providerRegistry(),
		Logger:   logger,
		Metrics:  observability.Default(),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rt.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	rt.Shutdown(shutdownCtx)
	return nil
}

// providerRegistry is where LLM provider adapters register. Adapters live
// outside this module and hook in here at link time.
func providerRegistry() *llm.Registry {
	return llm.NewRegistry()
}

func buildLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// openStores opens the meta database read paths for the inspection
// commands without standing up the full runtime.
func openStores(configPath, dataRoot string) (*sql.DB, *timeline.SQLStore, *jobs.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	if dataRoot != "" {
		cfg.DataRoot = dataRoot
	}
	layout := workspace.NewLayout(cfg.DataRoot)
	db, err := timeline.Open(layout.MetaDatabasePath())
	if err != nil {
		return nil, nil, nil, err
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := timeline.NewSQLStore(db, logger, nil)
	if err != nil {
		db.Close()
		return nil, nil, nil, err
	}
	jobStore, err := jobs.NewStore(db, logger, nil)
	if err != nil {
		db.Close()
		return nil, nil, nil, err
	}
	return db, store, jobStore, nil
}

func runJobsList(ctx context.Context, configPath, dataRoot, threadID, status string, limit int) error {
	db, _, jobStore, err := openStores(configPath, dataRoot)
	if err != nil {
		return err
	}
	defer db.Close()

	list, err := jobStore.List(ctx, jobs.ListFilter{ThreadID: threadID, Status: status, Limit: limit})
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tTHREAD\tWORLDLINE\tCREATED\tSUMMARY")
	for _, job := range list {
		summary := job.ResultSummary
		if job.Status == jobs.StatusFailed {
			summary = job.Error
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			job.ID, job.Status, job.ThreadID, job.WorldlineID,
			job.CreatedAt.Format(time.RFC3339), oneLine(summary, 60))
	}
	return w.Flush()
}

func runJobsShow(ctx context.Context, configPath, dataRoot, jobID string) error {
	db, _, jobStore, err := openStores(configPath, dataRoot)
	if err != nil {
		return err
	}
	defer db.Close()

	job, err := jobStore.Get(ctx, jobID)
	if err != nil {
		return err
	}
	fmt.Printf("ID:            %s\n", job.ID)
	fmt.Printf("Status:        %s\n", job.Status)
	fmt.Printf("Thread:        %s\n", job.ThreadID)
	fmt.Printf("Worldline:     %s\n", job.WorldlineID)
	fmt.Printf("Message:       %s\n", job.Message)
	if job.Provider != "" {
		fmt.Printf("Provider:      %s/%s\n", job.Provider, job.Model)
	}
	if job.ParentJobID != "" {
		fmt.Printf("Parent job:    %s\n", job.ParentJobID)
	}
	if job.FanoutGroupID != "" {
		fmt.Printf("Fan-out group: %s (%s)\n", job.FanoutGroupID, job.TaskLabel)
	}
	fmt.Printf("Created:       %s\n", job.CreatedAt.Format(time.RFC3339))
	if job.StartedAt != nil {
		fmt.Printf("Started:       %s\n", job.StartedAt.Format(time.RFC3339))
	}
	if job.FinishedAt != nil {
		fmt.Printf("Finished:      %s\n", job.FinishedAt.Format(time.RFC3339))
	}
	if job.Status == jobs.StatusQueued {
		pos, err := jobStore.QueuePosition(ctx, job.ID)
		if err == nil && pos > 0 {
			fmt.Printf("Queue position: %d\n", pos)
		}
	}
	if job.ResultWorldlineID != "" {
		fmt.Printf("Result worldline: %s\n", job.ResultWorldlineID)
	}
	if job.ResultSummary != "" {
		fmt.Printf("Summary:       %s\n", job.ResultSummary)
	}
	if job.Error != "" {
		fmt.Printf("Error:         %s\n", job.Error)
	}
	return nil
}

func runWorldlinesList(ctx context.Context, configPath, dataRoot, threadID string) error {
	db, store, _, err := openStores(configPath, dataRoot)
	if err != nil {
		return err
	}
	defer db.Close()

	worldlines, err := store.ListWorldlines(ctx, threadID)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tPARENT\tFORKED FROM\tHEAD\tCREATED")
	for _, wl := range worldlines {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			wl.ID, wl.Name, deref(wl.ParentWorldlineID), deref(wl.ForkedFromEventID),
			deref(wl.HeadEventID), wl.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runWorldlinesShow(ctx context.Context, configPath, dataRoot, worldlineID string, limit int) error {
	db, store, _, err := openStores(configPath, dataRoot)
	if err != nil {
		return err
	}
	defer db.Close()

	wl, err := store.GetWorldline(ctx, worldlineID)
	if err != nil {
		return err
	}
	fmt.Printf("Worldline %s (%s), thread %s\n", wl.ID, wl.Name, wl.ThreadID)
	if wl.ParentWorldlineID != nil {
		fmt.Printf("Forked from %s at event %s\n", *wl.ParentWorldlineID, deref(wl.ForkedFromEventID))
	}

	history, err := store.RebuildHistory(ctx, worldlineID)
	if err != nil {
		return err
	}
	if len(history) > limit {
		fmt.Printf("… %d earlier events omitted\n", len(history)-limit)
		history = history[len(history)-limit:]
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tID\tTYPE\tCREATED\tPAYLOAD")
	for _, ev := range history {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			ev.Seq, ev.ID, ev.Type, ev.CreatedAt.Format(time.RFC3339),
			oneLine(string(ev.Payload), 80))
	}
	return w.Flush()
}

func runVersion(out io.Writer) error {
	fmt.Fprintf(out, "loom %s (commit %s, built %s)\n", version, commit, date)
	return nil
}

func oneLine(s string, max int) string {
	clean := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '\n' || r == '\t' {
			r = ' '
		}
		clean = append(clean, r)
		if len(clean) >= max {
			clean = append(clean, '…')
			break
		}
	}
	return string(clean)
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}
