package tools

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loomhq/loom/internal/artifacts"
	"github.com/loomhq/loom/internal/capacity"
	"github.com/loomhq/loom/internal/ids"
	"github.com/loomhq/loom/internal/timeline"
)

// runPython executes submitted code in the worldline's sticky sandbox.
// Before the code runs, the prelude re-establishes interpreter state: the
// latest SQL result is bound to LATEST_SQL_RESULT / LATEST_SQL_DF, and on
// a cold sandbox every previously successful snippet is replayed so
// variables from earlier turns exist again.
func (d *Dispatcher) runPython(ctx context.Context, req Request, args PythonArgs) (Outcome, error) {
	if d.sandboxes == nil {
		return Outcome{
			Failed:  true,
			Message: "run_python is not available in this deployment.",
		}, nil
	}

	callEv, err := d.store.AppendWithRetry(ctx, req.WorldlineID, timeline.EventToolCallPython, timeline.PythonCallPayload{
		Code:    args.Code,
		Timeout: args.Timeout,
		CallID:  args.CallID,
	})
	if err != nil {
		return Outcome{}, err
	}
	notify(req.OnEvent, callEv)

	if perr := PreflightPython(args.Code); perr != nil {
		return d.finishPython(ctx, req, callEv, timeline.PythonResultPayload{
			Error:     perr.Error(),
			Retryable: true,
		}, nil)
	}

	if d.pythonPool != nil {
		lease, lerr := d.pythonPool.Acquire(ctx)
		if lerr != nil {
			retryable := !errors.Is(lerr, capacity.ErrCapacityLimit)
			return d.finishPython(ctx, req, callEv, timeline.PythonResultPayload{
				Error:     "python execution rejected: " + lerr.Error(),
				Retryable: retryable,
			}, nil)
		}
		defer lease.Release()
	}

	history, err := d.store.RebuildHistory(ctx, req.WorldlineID)
	if err != nil {
		return Outcome{}, err
	}
	prelude := buildPythonPrelude(history, d.sandboxes.Warm(req.WorldlineID))
	code := args.Code
	if prelude != "" {
		code = prelude + "\n\n" + code
	}

	start := time.Now()
	exec, xerr := d.sandboxes.Execute(ctx, req.WorldlineID, code, time.Duration(args.Timeout)*time.Second)
	elapsed := time.Since(start)
	d.metrics.RecordSandboxExec(elapsed)

	payload := timeline.PythonResultPayload{
		Stdout:      exec.Stdout,
		Stderr:      exec.Stderr,
		Error:       exec.Error,
		ExecutionMS: elapsed.Milliseconds(),
	}
	if xerr != nil {
		// Transport-level failure; the manager already invalidated the
		// sandbox, so a retry gets a fresh one.
		payload.Error = xerr.Error()
		payload.Retryable = true
	} else if exec.Error != "" {
		payload.Retryable = true
	}

	var refs []timeline.ArtifactRef
	var rows []artifacts.Artifact
	for _, f := range exec.Artifacts {
		typ := f.Type
		if typ == "" {
			typ = artifacts.TypeForName(f.Name)
		}
		id := ids.New(ids.Artifact)
		refs = append(refs, timeline.ArtifactRef{ArtifactID: id, Type: typ, Name: f.Name})
		rows = append(rows, artifacts.Artifact{
			ID:          id,
			WorldlineID: req.WorldlineID,
			Type:        typ,
			Name:        f.Name,
			Path:        f.Path,
			SizeBytes:   f.SizeBytes,
		})
	}
	payload.Artifacts = refs
	for _, ref := range refs {
		payload.Previews = append(payload.Previews, ref.Name)
	}

	return d.finishPython(ctx, req, callEv, payload, rows)
}

// finishPython appends the result event, records any produced artifacts
// against it, and shapes the observation.
func (d *Dispatcher) finishPython(ctx context.Context, req Request, callEv timeline.Event, payload timeline.PythonResultPayload, rows []artifacts.Artifact) (Outcome, error) {
	resEv, err := d.store.AppendAndAdvance(ctx, req.WorldlineID, &callEv.ID, timeline.EventToolResultPython, payload)
	if err != nil {
		return Outcome{}, err
	}
	notify(req.OnEvent, resEv)

	if d.artifacts != nil {
		for i := range rows {
			rows[i].EventID = resEv.ID
			if err := d.artifacts.Record(ctx, &rows[i]); err != nil {
				d.logger.Warn("artifact record failed",
					"worldline_id", req.WorldlineID, "name", rows[i].Name, "error", err)
			}
		}
	}

	out := Outcome{
		CallEventID:   callEv.ID,
		ResultEventID: resEv.ID,
		Message:       PythonObservation(payload),
	}
	if payload.Error != "" {
		out.Failed = true
		out.Retryable = payload.Retryable
	}
	return out, nil
}

// PythonObservation renders a persisted python result into the
// observation text fed back to the model. Shared with the engine's
// history rebuild.
func PythonObservation(p timeline.PythonResultPayload) string {
	if p.Error != "" {
		return renderPythonFailure(p)
	}
	return renderPythonSuccess(p)
}

func renderPythonSuccess(p timeline.PythonResultPayload) string {
	var b strings.Builder
	stdout := strings.TrimRight(p.Stdout, "\n")
	if len(stdout) > stdoutMessageCap {
		stdout = stdout[:stdoutMessageCap] + "\n… output truncated"
	}
	if stdout == "" {
		b.WriteString("Execution finished with no output.")
	} else {
		b.WriteString(stdout)
	}
	if len(p.Artifacts) > 0 {
		names := make([]string, len(p.Artifacts))
		for i, a := range p.Artifacts {
			names[i] = a.Name
		}
		fmt.Fprintf(&b, "\nSaved artifacts: %s", strings.Join(names, ", "))
	}
	return b.String()
}

func renderPythonFailure(p timeline.PythonResultPayload) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Python error: %s", p.Error)
	if stderr := strings.TrimSpace(p.Stderr); stderr != "" {
		if len(stderr) > stdoutMessageCap {
			stderr = stderr[len(stderr)-stdoutMessageCap:]
		}
		fmt.Fprintf(&b, "\nstderr:\n%s", stderr)
	}
	return b.String()
}

// buildPythonPrelude assembles the state-restoration code that runs ahead
// of the submitted snippet.
func buildPythonPrelude(history []timeline.Event, warm bool) string {
	var parts []string
	if !warm {
		if replay := replaySnippets(history); replay != "" {
			parts = append(parts, replay)
		}
	}
	if inject := latestSQLInjection(history); inject != "" {
		parts = append(parts, inject)
	}
	return strings.Join(parts, "\n\n")
}

// replaySnippets concatenates every previously successful python snippet
// in timeline order, so a fresh sandbox rebuilds the interpreter state the
// model believes it has.
func replaySnippets(history []timeline.Event) string {
	var codes []string
	for i, ev := range history {
		if ev.Type != timeline.EventToolResultPython {
			continue
		}
		var result timeline.PythonResultPayload
		if err := ev.DecodePayload(&result); err != nil || result.Error != "" {
			continue
		}
		if ev.ParentEventID == nil {
			continue
		}
		for j := i - 1; j >= 0; j-- {
			if history[j].ID != *ev.ParentEventID || history[j].Type != timeline.EventToolCallPython {
				continue
			}
			var call timeline.PythonCallPayload
			if err := history[j].DecodePayload(&call); err == nil && strings.TrimSpace(call.Code) != "" {
				codes = append(codes, call.Code)
			}
			break
		}
	}
	if len(codes) == 0 {
		return ""
	}
	return strings.Join(codes, "\n\n")
}

// latestSQLInjection binds the most recent successful SQL result to
// LATEST_SQL_RESULT (a dict) and LATEST_SQL_DF (a pandas DataFrame when
// pandas is importable). The payload travels base64-encoded so no quoting
// of user data can break the prelude.
func latestSQLInjection(history []timeline.Event) string {
	for i := len(history) - 1; i >= 0; i-- {
		ev := history[i]
		if ev.Type != timeline.EventToolResultSQL {
			continue
		}
		var result timeline.SQLResultPayload
		if err := ev.DecodePayload(&result); err != nil || result.Error != "" {
			continue
		}
		blob, err := json.Marshal(map[string]any{
			"columns": result.Columns,
			"rows":    result.Rows,
		})
		if err != nil {
			return ""
		}
		encoded := base64.StdEncoding.EncodeToString(blob)
		return fmt.Sprintf(`import base64 as _b64, json as _json
LATEST_SQL_RESULT = _json.loads(_b64.b64decode(%q).decode("utf-8"))
try:
    import pandas as _pd
    LATEST_SQL_DF = _pd.DataFrame(
        LATEST_SQL_RESULT["rows"],
        columns=[c["name"] for c in LATEST_SQL_RESULT["columns"]],
    )
except ImportError:
    LATEST_SQL_DF = None`, encoded)
	}
	return ""
}
