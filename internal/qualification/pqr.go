package qualification

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/pitabwire/weldqual/internal/observability"
	"github.com/pitabwire/weldqual/internal/operation"
	"github.com/pitabwire/weldqual/internal/store"
	"github.com/pitabwire/weldqual/model"
)

// PqrInput holds the header fields of a new PQR.
type PqrInput struct {
	ProjectID string `json:"project_id,omitempty"`
	Code      string `json:"code"`
	Standard  string `json:"standard"`
}

// CreatePqr creates a draft PQR.
func (e *Engine) CreatePqr(ctx context.Context, in PqrInput, actor string) (*model.Pqr, error) {
	if err := operation.RequireActor(actor); err != nil {
		return nil, err
	}
	var details []model.FieldError
	if strings.TrimSpace(in.Code) == "" {
		details = append(details, model.FieldError{Field: "code", Code: "required", Message: "code is required"})
	}
	if strings.TrimSpace(in.Standard) == "" {
		details = append(details, model.FieldError{Field: "standard", Code: "required", Message: "standard is required"})
	}
	if len(details) > 0 {
		return nil, model.NewValidationError(details)
	}

	var out *model.Pqr
	err := e.runner.Run(ctx, "pqr."+ActionCreate, func(ctx context.Context, tx store.Tx, ev *operation.Events) error {
		now := e.runner.Now()
		p := &model.Pqr{
			ProjectID: in.ProjectID,
			Code:      strings.TrimSpace(in.Code),
			Standard:  strings.TrimSpace(in.Standard),
			Status:    model.PqrStatusDraft,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.CreatePqr(ctx, p); err != nil {
			return err
		}
		ev.Add(model.AuditEvent{
			Entity:   model.EntityPqr,
			EntityID: p.ID,
			Action:   ActionCreate,
			Actor:    actor,
			Diff:     map[string]model.Change{"code": {From: nil, To: p.Code}},
		})
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AddPqrResult records one (test type, result) pair on a PQR that is not
// yet approved.
func (e *Engine) AddPqrResult(ctx context.Context, pqrID, testType, resultText, actor string) (*model.PqrResult, error) {
	if err := operation.RequireActor(actor); err != nil {
		return nil, err
	}
	if strings.TrimSpace(testType) == "" {
		return nil, model.NewValidationError([]model.FieldError{{Field: "test_type", Code: "required", Message: "test_type is required"}})
	}

	var out *model.PqrResult
	err := e.runner.Run(ctx, "pqr.add_result", func(ctx context.Context, tx store.Tx, _ *operation.Events) error {
		p, err := tx.GetPqr(ctx, pqrID)
		if err != nil {
			return err
		}
		if p.Status != model.PqrStatusDraft && p.Status != model.PqrStatusInReview {
			return model.NewInvalidStateError("PQR", p.ID, p.Status, "add_result")
		}
		r := &model.PqrResult{PqrID: p.ID, TestType: strings.TrimSpace(testType), ResultText: resultText}
		if err := tx.CreatePqrResult(ctx, r); err != nil {
			return err
		}
		out = r
		return nil
	}, observability.AttrPqrID.String(pqrID))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SubmitPqrForReview moves a draft PQR to in_review.
func (e *Engine) SubmitPqrForReview(ctx context.Context, pqrID, actor string) (*model.Pqr, error) {
	return e.pqrTransition(ctx, ActionPqrSubmit, pqrID, actor, model.PqrStatusInReview,
		func(_ context.Context, _ store.Tx, p *model.Pqr) error {
			if p.Status != model.PqrStatusDraft {
				return model.NewInvalidStateError("PQR", p.ID, p.Status, ActionPqrSubmit)
			}
			return nil
		})
}

// ApprovePqr approves a draft or in-review PQR that has at least one result.
func (e *Engine) ApprovePqr(ctx context.Context, pqrID, actor string) (*model.Pqr, error) {
	return e.pqrTransition(ctx, ActionPqrApprove, pqrID, actor, model.PqrStatusApproved,
		func(ctx context.Context, tx store.Tx, p *model.Pqr) error {
			if p.Status != model.PqrStatusDraft && p.Status != model.PqrStatusInReview {
				return model.NewInvalidStateError("PQR", p.ID, p.Status, ActionPqrApprove)
			}
			results, err := tx.ListPqrResults(ctx, p.ID)
			if err != nil {
				return err
			}
			if len(results) == 0 {
				return model.NewMissingResultsError(p.ID)
			}
			now := e.runner.Now()
			p.ApprovedBy = actor
			p.ApprovedAt = &now
			return nil
		})
}

func (e *Engine) pqrTransition(
	ctx context.Context,
	action, pqrID, actor, to string,
	apply func(ctx context.Context, tx store.Tx, p *model.Pqr) error,
) (*model.Pqr, error) {
	if err := operation.RequireActor(actor); err != nil {
		return nil, err
	}

	var (
		out  *model.Pqr
		from string
	)
	err := e.runner.Run(ctx, "pqr."+action, func(ctx context.Context, tx store.Tx, ev *operation.Events) error {
		p, err := tx.GetPqr(ctx, pqrID)
		if err != nil {
			return err
		}
		from = p.Status
		if err := apply(ctx, tx, p); err != nil {
			return err
		}
		p.Status = to
		if err := tx.UpdatePqr(ctx, p); err != nil {
			return err
		}
		ev.Add(model.AuditEvent{
			Entity:   model.EntityPqr,
			EntityID: p.ID,
			Action:   action,
			Actor:    actor,
			Diff:     map[string]model.Change{"status": {From: from, To: to}},
		})
		out = p
		return nil
	}, observability.AttrPqrID.String(pqrID))
	if err != nil {
		return nil, err
	}

	e.runner.Metrics().RecordPqrTransition(from, to)
	e.runner.Logger(ctx).Info("pqr transition",
		zap.String("pqr_id", out.ID),
		zap.String("from", from),
		zap.String("to", to),
	)
	return out, nil
}
