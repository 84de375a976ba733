// Package closure completes welds. Closing a weld appends one continuity
// log per active welder and refreshes each welder's continuity in the same
// transaction.
package closure

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/weldqual/internal/continuity"
	"github.com/pitabwire/weldqual/internal/matcher"
	"github.com/pitabwire/weldqual/internal/observability"
	"github.com/pitabwire/weldqual/internal/operation"
	"github.com/pitabwire/weldqual/internal/qualification"
	"github.com/pitabwire/weldqual/internal/store"
	"github.com/pitabwire/weldqual/model"
)

// ActionClose is the audit action of a weld closure.
const ActionClose = "close"

// Result is a closed weld and the continuity rows refreshed by the closure.
type Result struct {
	Weld       *model.Weld              `json:"weld"`
	Logs       []model.ContinuityLog    `json:"continuity_logs"`
	Continuity []model.WelderContinuity `json:"continuity"`
}

// Workflow closes welds.
type Workflow struct {
	runner  *operation.Runner
	tracker *continuity.Tracker
}

// NewWorkflow creates a Workflow.
func NewWorkflow(runner *operation.Runner, tracker *continuity.Tracker) *Workflow {
	return &Workflow{runner: runner, tracker: tracker}
}

// CloseWeld marks a weld completed at closedAt, or now when closedAt is nil.
// Continuity logs are dated with the calendar day of closedAt in its own
// offset.
func (wf *Workflow) CloseWeld(ctx context.Context, weldID string, closedAt *time.Time, actor string) (*Result, error) {
	if err := operation.RequireActor(actor); err != nil {
		return nil, err
	}

	var res *Result
	err := wf.runner.Run(ctx, "weld.close", func(ctx context.Context, tx store.Tx, ev *operation.Events) error {
		// 1. Status gate.
		weld, err := tx.LockWeld(ctx, weldID)
		if err != nil {
			return err
		}
		if !weld.Closable() {
			return model.NewInvalidStateError("weld", weld.ID, weld.Status, ActionClose)
		}

		// 2. Post-weld inspection gate.
		insp, err := tx.LatestInspection(ctx, weld.ID, model.StagePostWeld)
		if err != nil {
			return err
		}
		if insp != nil && insp.Result == model.ResultFail {
			return model.NewPostWeldInspectionFailedError(weld.ID)
		}

		// 3. Close.
		// The log date is the calendar day the caller closed the weld on,
		// in the caller's own offset; closed_at itself is stored in UTC.
		at := wf.runner.Now()
		logDate := model.DateOf(at)
		if closedAt != nil {
			at = closedAt.UTC()
			logDate = model.LocalDateOf(*closedAt)
		}
		from := weld.Status
		weld.Status = model.WeldStatusCompleted
		weld.ClosedAt = &at
		if err := tx.UpdateWeld(ctx, weld); err != nil {
			return err
		}

		// 4. Continuity for each active welder.
		process, err := resolveProcess(ctx, tx, weld.ID)
		if err != nil {
			return err
		}
		assignments, err := tx.ActiveWelderAssignments(ctx, weld.ID)
		if err != nil {
			return err
		}
		res = &Result{Weld: weld}
		seen := make(map[string]bool, len(assignments))
		for _, a := range assignments {
			if seen[a.WelderID] {
				continue
			}
			seen[a.WelderID] = true

			l := model.ContinuityLog{
				WelderID: a.WelderID,
				WeldID:   weld.ID,
				Date:     logDate,
				Process:  process,
			}
			if err := tx.AppendContinuityLog(ctx, &l); err != nil {
				return fmt.Errorf("append continuity log for %s: %w", a.WelderID, err)
			}
			c, err := wf.tracker.RecalculateTx(ctx, tx, a.WelderID)
			if err != nil {
				return err
			}
			res.Logs = append(res.Logs, l)
			res.Continuity = append(res.Continuity, *c)
		}

		ev.Add(model.AuditEvent{
			Entity:   model.EntityWeld,
			EntityID: weld.ID,
			Action:   ActionClose,
			Actor:    actor,
			Diff: map[string]model.Change{
				"status":    {From: from, To: weld.Status},
				"closed_at": {From: nil, To: at},
			},
		})
		return nil
	}, observability.AttrWeldID.String(weldID))
	if err != nil {
		return nil, err
	}

	m := wf.runner.Metrics()
	m.RecordWeldClosure(len(res.Logs))
	for _, c := range res.Continuity {
		m.RecordContinuityRecalculation(c.Status)
	}
	wf.runner.Logger(ctx).Info("weld closed",
		zap.String("weld_id", res.Weld.ID),
		zap.Time("closed_at", *res.Weld.ClosedAt),
		zap.Int("continuity_logs", len(res.Logs)),
	)
	return res, nil
}

// resolveProcess names the process logged for a closed weld: the first
// token of the active WPS's legacy processes variable (matched through
// qualification.CanonicalKey, as at approval), else its first
// declared process, else model.UnknownProcess.
func resolveProcess(ctx context.Context, tx store.Tx, weldID string) (string, error) {
	a, err := tx.ActiveWpsAssignment(ctx, weldID)
	if err != nil || a == nil {
		return model.UnknownProcess, err
	}

	vars, err := tx.ListVariables(ctx, a.WpsID)
	if err != nil {
		return "", err
	}
	for _, v := range vars {
		if qualification.CanonicalKey(v.Name) != qualification.KeyProcesses {
			continue
		}
		if toks := matcher.Tokens(v.Value); len(toks) > 0 {
			return toks[0], nil
		}
	}

	processes, err := tx.ListProcesses(ctx, a.WpsID)
	if err != nil {
		return "", err
	}
	if len(processes) > 0 {
		return processes[0].ProcessCode, nil
	}
	return model.UnknownProcess, nil
}
