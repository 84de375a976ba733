package qualification

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pitabwire/weldqual/internal/observability"
	"github.com/pitabwire/weldqual/internal/operation"
	"github.com/pitabwire/weldqual/internal/store"
	"github.com/pitabwire/weldqual/model"
)

// NewRevision forks an editable draft from any revision of a family. The
// new row becomes the family's only current revision.
func (e *Engine) NewRevision(ctx context.Context, sourceID, actor string) (*model.Wps, error) {
	if err := operation.RequireActor(actor); err != nil {
		return nil, err
	}

	var out *model.Wps
	err := e.runner.Run(ctx, "wps."+ActionNewRevision, func(ctx context.Context, tx store.Tx, ev *operation.Events) error {
		src, err := tx.LockWps(ctx, sourceID)
		if err != nil {
			return err
		}
		root := src.FamilyRoot()

		family, err := tx.WpsFamily(ctx, root)
		if err != nil {
			return err
		}
		next := 0
		for _, w := range family {
			if w.RevisionNumber >= next {
				next = w.RevisionNumber + 1
			}
		}

		if err := tx.ClearCurrent(ctx, root); err != nil {
			return err
		}

		now := e.runner.Now()
		rev := &model.Wps{
			ProjectID:      src.ProjectID,
			EquipmentID:    src.EquipmentID,
			Code:           src.Code,
			Standard:       src.Standard,
			ImpactTest:     src.ImpactTest,
			Status:         model.WpsStatusDraft,
			RootWpsID:      root,
			RevisionNumber: next,
			IsCurrent:      true,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.CreateWps(ctx, rev); err != nil {
			return err
		}
		if err := copyContents(ctx, tx, src.ID, rev.ID); err != nil {
			return err
		}

		ev.Add(model.AuditEvent{
			Entity:   model.EntityWps,
			EntityID: rev.ID,
			Action:   ActionNewRevision,
			Actor:    actor,
			Diff: map[string]model.Change{
				"source_wps_id":   {From: nil, To: src.ID},
				"revision_number": {From: src.RevisionNumber, To: next},
			},
		})
		out = rev
		return nil
	}, observability.AttrWpsID.String(sourceID))
	if err != nil {
		return nil, err
	}

	e.runner.Logger(ctx).Info("wps revision created",
		zap.String("wps_id", out.ID),
		zap.String("root_wps_id", out.RootWpsID),
		zap.Int("revision_number", out.RevisionNumber),
	)
	return out, nil
}

// Copy creates an independent draft WPS with a derived code that is unique
// within the project: "<code>-COPY", then "<code>-COPY-2" and so on.
func (e *Engine) Copy(ctx context.Context, sourceID, actor string) (*model.Wps, error) {
	if err := operation.RequireActor(actor); err != nil {
		return nil, err
	}

	var out *model.Wps
	err := e.runner.Run(ctx, "wps."+ActionCopy, func(ctx context.Context, tx store.Tx, ev *operation.Events) error {
		src, err := tx.GetWps(ctx, sourceID)
		if err != nil {
			return err
		}
		code, err := copyCode(ctx, tx, src.ProjectID, src.Code)
		if err != nil {
			return err
		}

		now := e.runner.Now()
		cp := &model.Wps{
			ProjectID:   src.ProjectID,
			EquipmentID: src.EquipmentID,
			Code:        code,
			Standard:    src.Standard,
			ImpactTest:  src.ImpactTest,
			Status:      model.WpsStatusDraft,
			IsCurrent:   true,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.CreateWps(ctx, cp); err != nil {
			return err
		}
		if err := copyContents(ctx, tx, src.ID, cp.ID); err != nil {
			return err
		}

		ev.Add(model.AuditEvent{
			Entity:   model.EntityWps,
			EntityID: cp.ID,
			Action:   ActionCopy,
			Actor:    actor,
			Diff:     map[string]model.Change{"source_wps_id": {From: nil, To: src.ID}},
		})
		out = cp
		return nil
	}, observability.AttrWpsID.String(sourceID))
	if err != nil {
		return nil, err
	}

	e.runner.Logger(ctx).Info("wps copied",
		zap.String("wps_id", out.ID),
		zap.String("code", out.Code),
	)
	return out, nil
}

func copyCode(ctx context.Context, tx store.Tx, projectID, code string) (string, error) {
	candidate := code + "-COPY"
	for n := 2; ; n++ {
		taken, err := tx.WpsCodeExists(ctx, projectID, candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s-COPY-%d", code, n)
	}
}

// copyContents deep-copies processes, their variable values and the legacy
// variables from one WPS to another.
func copyContents(ctx context.Context, tx store.Tx, fromID, toID string) error {
	processes, err := tx.ListProcesses(ctx, fromID)
	if err != nil {
		return err
	}
	remap := make(map[string]string, len(processes))
	for _, p := range processes {
		np := &model.WpsProcess{
			WpsID:          toID,
			ProcessCode:    p.ProcessCode,
			SpecialProcess: p.SpecialProcess,
			Order:          p.Order,
		}
		if err := tx.CreateProcess(ctx, np); err != nil {
			return fmt.Errorf("copy process %s: %w", p.ID, err)
		}
		remap[p.ID] = np.ID
	}

	values, err := tx.ListValues(ctx, fromID)
	if err != nil {
		return err
	}
	for _, v := range values {
		nv := &model.WpsVariableValue{
			WpsProcessID: remap[v.WpsProcessID],
			DefinitionID: v.DefinitionID,
			Value:        v.Value,
		}
		if err := tx.UpsertValue(ctx, nv); err != nil {
			return fmt.Errorf("copy value %s: %w", v.ID, err)
		}
	}

	vars, err := tx.ListVariables(ctx, fromID)
	if err != nil {
		return err
	}
	for _, v := range vars {
		nv := &model.WpsVariable{WpsID: toID, Name: v.Name, Value: v.Value, Unit: v.Unit}
		if err := tx.CreateVariable(ctx, nv); err != nil {
			return fmt.Errorf("copy variable %s: %w", v.ID, err)
		}
	}
	return nil
}
