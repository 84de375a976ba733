// Package continuity derives each welder's continuity state from their
// continuity log history. The cached WelderContinuity row is always
// rebuilt from the latest log entry and never updated incrementally.
package continuity

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/weldqual/internal/observability"
	"github.com/pitabwire/weldqual/internal/operation"
	"github.com/pitabwire/weldqual/internal/store"
	"github.com/pitabwire/weldqual/model"
)

// DefaultWindowDays is how long a welder stays in continuity after their
// last logged weld.
const DefaultWindowDays = 180

// Batch scopes.
const (
	ScopeProject = "project"
	ScopeGlobal  = "global"
)

// Reduce computes a welder's continuity from their latest log entry as of
// today. A welder without history is out of continuity with no dates.
func Reduce(welderID string, latest *model.ContinuityLog, today time.Time, windowDays int) model.WelderContinuity {
	c := model.WelderContinuity{WelderID: welderID, Status: model.ContinuityOut}
	if latest == nil {
		return c
	}
	last := model.DateOf(latest.Date)
	due := last.AddDate(0, 0, windowDays)
	c.LastActivityDate = &last
	c.ContinuityDueDate = &due
	if !model.DateOf(today).After(due) {
		c.Status = model.ContinuityIn
	}
	return c
}

// Tracker recalculates cached continuity rows.
type Tracker struct {
	runner     *operation.Runner
	windowDays int
}

// NewTracker creates a Tracker. A non-positive window uses DefaultWindowDays.
func NewTracker(runner *operation.Runner, windowDays int) *Tracker {
	if windowDays <= 0 {
		windowDays = DefaultWindowDays
	}
	return &Tracker{runner: runner, windowDays: windowDays}
}

// WindowDays returns the configured continuity window.
func (t *Tracker) WindowDays() int {
	return t.windowDays
}

// Recalculate rebuilds one welder's continuity in its own transaction.
func (t *Tracker) Recalculate(ctx context.Context, welderID string) (*model.WelderContinuity, error) {
	var out *model.WelderContinuity
	err := t.runner.Run(ctx, "continuity.recalculate", func(ctx context.Context, tx store.Tx, _ *operation.Events) error {
		if _, err := tx.GetWelder(ctx, welderID); err != nil {
			return err
		}
		var err error
		out, err = t.RecalculateTx(ctx, tx, welderID)
		return err
	}, observability.AttrWelderID.String(welderID))
	if err != nil {
		return nil, err
	}
	t.runner.Metrics().RecordContinuityRecalculation(out.Status)
	return out, nil
}

// RecalculateTx rebuilds one welder's continuity inside an existing
// transaction.
func (t *Tracker) RecalculateTx(ctx context.Context, tx store.Tx, welderID string) (*model.WelderContinuity, error) {
	latest, err := tx.LatestContinuityLog(ctx, welderID)
	if err != nil {
		return nil, fmt.Errorf("latest continuity log for %s: %w", welderID, err)
	}
	now := t.runner.Now()
	c := Reduce(welderID, latest, now, t.windowDays)
	c.UpdatedAt = now
	if err := tx.UpsertContinuity(ctx, &c); err != nil {
		return nil, fmt.Errorf("upsert continuity for %s: %w", welderID, err)
	}
	return &c, nil
}

// RecalculateBatch rebuilds every welder of a scope in one transaction.
// The project scope selects welders with history on the project's welds.
func (t *Tracker) RecalculateBatch(ctx context.Context, scope, projectID string) ([]model.WelderContinuity, error) {
	switch scope {
	case ScopeProject:
		if projectID == "" {
			return nil, model.NewMissingProjectError()
		}
	case ScopeGlobal:
	default:
		return nil, model.NewInvalidScopeError(scope)
	}

	var out []model.WelderContinuity
	err := t.runner.Run(ctx, "continuity.recalculate_batch", func(ctx context.Context, tx store.Tx, _ *operation.Events) error {
		var (
			ids []string
			err error
		)
		if scope == ScopeProject {
			ids, err = tx.WelderIDsForProject(ctx, projectID)
		} else {
			ids, err = tx.ListWelderIDs(ctx)
		}
		if err != nil {
			return err
		}

		out = make([]model.WelderContinuity, 0, len(ids))
		for _, id := range ids {
			c, err := t.RecalculateTx(ctx, tx, id)
			if err != nil {
				return err
			}
			out = append(out, *c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	outOf := 0
	for _, c := range out {
		if c.Status == model.ContinuityOut {
			outOf++
		}
	}
	t.runner.Metrics().RecordContinuityBatch(len(out), outOf)
	t.runner.Logger(ctx).Info("continuity recalculated",
		zap.String("scope", scope),
		zap.String("project_id", projectID),
		zap.Int("welders", len(out)),
		zap.Int("out_of_continuity", outOf),
	)
	return out, nil
}
