// Package qualification implements the WPS approval state machine, the WPS
// revision chain and the PQR qualification check that gates approval.
//
// States: draft → pending_approval → reviewed → approved, with archived
// reachable from any other state. Only the current revision of a family
// may change state.
package qualification

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

// Audit actions.
const (
	ActionSubmit      = "submit_for_approval"
	ActionReview      = "mark_reviewed"
	ActionApprove     = "approve"
	ActionArchive     = "archive"
	ActionNewRevision = "new_revision"
	ActionCopy        = "copy"
	ActionCreate      = "create"
	ActionPqrSubmit   = "submit_for_review"
	ActionPqrApprove  = "approve"
)

// Engine runs WPS and PQR operations.
type Engine struct {
	runner *operation.Runner
}

// NewEngine creates an Engine.
func NewEngine(runner *operation.Runner) *Engine {
	return &Engine{runner: runner}
}

// Duty is an actor who already signed a WPS in some role.
type Duty struct {
	Role  string
	Actor string
}

// AssertDistinctActors fails with SAME_ACTOR when actor already holds one
// of the prior duties. Unset duties are ignored.
func AssertDistinctActors(actor string, prior ...Duty) error {
	for _, d := range prior {
		if d.Actor != "" && d.Actor == actor {
			return model.NewSameActorError(actor, d.Role)
		}
	}
	return nil
}

// SubmitForApproval moves a draft WPS to pending_approval.
func (e *Engine) SubmitForApproval(ctx context.Context, wpsID, actor string) (*model.Wps, error) {
	return e.transition(ctx, ActionSubmit, wpsID, actor, model.WpsStatusPendingApproval,
		func(_ context.Context, _ store.Tx, w *model.Wps, now time.Time) error {
			if w.Status != model.WpsStatusDraft {
				return model.NewInvalidStateError("WPS", w.ID, w.Status, ActionSubmit)
			}
			w.SubmittedBy = actor
			w.SubmittedAt = &now
			w.ReviewedBy, w.ReviewedAt = "", nil
			w.ApprovedBy, w.ApprovedAt = "", nil
			return nil
		})
}

// MarkReviewed moves a pending WPS to reviewed. The reviewer must not be
// the submitter.
func (e *Engine) MarkReviewed(ctx context.Context, wpsID, actor string) (*model.Wps, error) {
	return e.transition(ctx, ActionReview, wpsID, actor, model.WpsStatusReviewed,
		func(_ context.Context, _ store.Tx, w *model.Wps, now time.Time) error {
			if w.Status != model.WpsStatusPendingApproval {
				return model.NewInvalidStateError("WPS", w.ID, w.Status, ActionReview)
			}
			if err := AssertDistinctActors(actor, Duty{"submitter", w.SubmittedBy}); err != nil {
				return err
			}
			w.ReviewedBy = actor
			w.ReviewedAt = &now
			return nil
		})
}

// Approve moves a reviewed WPS to approved once it is complete and the
// supporting PQRs qualify it. The links to pqrIDs are written in the same
// transaction as the status change.
func (e *Engine) Approve(ctx context.Context, wpsID, actor string, pqrIDs []string) (*model.Wps, error) {
	return e.transition(ctx, ActionApprove, wpsID, actor, model.WpsStatusApproved,
		func(ctx context.Context, tx store.Tx, w *model.Wps, now time.Time) error {
			// 1. State and separation of duties.
			if w.Status != model.WpsStatusReviewed {
				return model.NewInvalidStateError("WPS", w.ID, w.Status, ActionApprove)
			}
			if err := AssertDistinctActors(actor,
				Duty{"reviewer", w.ReviewedBy},
				Duty{"submitter", w.SubmittedBy},
			); err != nil {
				return err
			}

			// 2. Completeness precheck.
			report, err := completeness(ctx, tx, w)
			if err != nil {
				return err
			}
			if report.ProcessCount == 0 {
				return model.NewMissingProcessesError(w.ID)
			}
			if !report.Complete {
				return model.NewMissingRequiredVariablesError(report.Missing)
			}

			// 3. Qualification against the supporting PQRs.
			ids := dedupe(pqrIDs)
			if err := checkQualification(ctx, tx, w, ids); err != nil {
				return err
			}

			// 4. Links.
			for _, id := range ids {
				if _, err := tx.EnsureLink(ctx, w.ID, id, now); err != nil {
					return fmt.Errorf("link PQR %s: %w", id, err)
				}
			}

			w.ApprovedBy = actor
			w.ApprovedAt = &now
			return nil
		})
}

// Archive retires a WPS from any state other than archived.
func (e *Engine) Archive(ctx context.Context, wpsID, actor string) (*model.Wps, error) {
	return e.transition(ctx, ActionArchive, wpsID, actor, model.WpsStatusArchived,
		func(_ context.Context, _ store.Tx, w *model.Wps, _ time.Time) error {
			if w.Status == model.WpsStatusArchived {
				return model.NewInvalidStateError("WPS", w.ID, w.Status, ActionArchive)
			}
			return nil
		})
}

type transitionFunc func(ctx context.Context, tx store.Tx, w *model.Wps, now time.Time) error

// transition loads and locks the WPS, lets apply validate and mutate it,
// then persists it with status to.
func (e *Engine) transition(ctx context.Context, action, wpsID, actor, to string, apply transitionFunc) (*model.Wps, error) {
	if err := operation.RequireActor(actor); err != nil {
		return nil, err
	}

	var (
		out  *model.Wps
		from string
	)
	err := e.runner.Run(ctx, "wps."+action, func(ctx context.Context, tx store.Tx, ev *operation.Events) error {
		w, err := tx.LockWps(ctx, wpsID)
		if err != nil {
			return err
		}
		if !w.IsCurrent {
			return model.NewInvalidStateError("WPS", w.ID, "not current", action)
		}
		from = w.Status

		if err := apply(ctx, tx, w, e.runner.Now()); err != nil {
			return err
		}
		w.Status = to
		if err := tx.UpdateWps(ctx, w); err != nil {
			return err
		}

		ev.Add(model.AuditEvent{
			Entity:   model.EntityWps,
			EntityID: w.ID,
			Action:   action,
			Actor:    actor,
			Diff:     map[string]model.Change{"status": {From: from, To: to}},
		})
		out = w
		return nil
	}, observability.AttrWpsID.String(wpsID))

	m := e.runner.Metrics()
	if err != nil {
		if isQualificationRejection(err) {
			m.RecordQualificationRejection(model.CodeOf(err))
		}
		return nil, err
	}

	m.RecordWpsTransition(from, to)
	e.runner.Logger(ctx).Info("wps transition",
		zap.String("wps_id", out.ID),
		zap.String("from", from),
		zap.String("to", to),
		zap.String("actor", actor),
	)
	return out, nil
}

func isQualificationRejection(err error) bool {
	switch model.CodeOf(err) {
	case model.ErrMissingProcesses, model.ErrMissingRequiredVariables, model.ErrMissingPqr,
		model.ErrPqrNotFound, model.ErrPqrNotApproved, model.ErrStandardMismatch,
		model.ErrValueMismatch, model.ErrProcessMismatch, model.ErrThicknessMismatch,
		model.ErrPositionMismatch:
		return true
	}
	return false
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
