package qualification

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/pitabwire/weldqual/internal/observability"
	"github.com/pitabwire/weldqual/internal/operation"
	"github.com/pitabwire/weldqual/internal/store"
	"github.com/pitabwire/weldqual/model"
)

// Authoring actions.
const (
	ActionAddProcess  = "add_process"
	ActionSetValue    = "set_value"
	ActionAddVariable = "add_variable"
)

// WpsInput holds the header fields of a new WPS.
type WpsInput struct {
	ProjectID   string `json:"project_id"`
	EquipmentID string `json:"equipment_id,omitempty"`
	Code        string `json:"code"`
	Standard    string `json:"standard"`
	ImpactTest  bool   `json:"impact_test"`
}

// Validate returns a VALIDATION_ERROR listing every missing field.
func (in WpsInput) Validate() error {
	var details []model.FieldError
	for field, v := range map[string]string{
		"project_id": in.ProjectID,
		"code":       in.Code,
		"standard":   in.Standard,
	} {
		if strings.TrimSpace(v) == "" {
			details = append(details, model.FieldError{Field: field, Code: "required", Message: field + " is required"})
		}
	}
	if len(details) > 0 {
		slices.SortFunc(details, func(a, b model.FieldError) int { return cmp.Compare(a.Field, b.Field) })
		return model.NewValidationError(details)
	}
	return nil
}

// CreateWps creates revision 0 of a new WPS family.
func (e *Engine) CreateWps(ctx context.Context, in WpsInput, actor string) (*model.Wps, error) {
	if err := operation.RequireActor(actor); err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}

	var out *model.Wps
	err := e.runner.Run(ctx, "wps."+ActionCreate, func(ctx context.Context, tx store.Tx, ev *operation.Events) error {
		now := e.runner.Now()
		w := &model.Wps{
			ProjectID:   in.ProjectID,
			EquipmentID: in.EquipmentID,
			Code:        strings.TrimSpace(in.Code),
			Standard:    strings.TrimSpace(in.Standard),
			ImpactTest:  in.ImpactTest,
			Status:      model.WpsStatusDraft,
			IsCurrent:   true,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.CreateWps(ctx, w); err != nil {
			return err
		}
		ev.Add(model.AuditEvent{
			Entity:   model.EntityWps,
			EntityID: w.ID,
			Action:   ActionCreate,
			Actor:    actor,
			Diff:     map[string]model.Change{"code": {From: nil, To: w.Code}},
		})
		out = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AddProcess declares a welding process on an editable WPS. A special
// process is legal only with SMAW, and a WPS declares at most
// model.MaxWpsProcesses distinct process codes.
func (e *Engine) AddProcess(ctx context.Context, wpsID, processCode, specialProcess, actor string) (*model.WpsProcess, error) {
	if err := operation.RequireActor(actor); err != nil {
		return nil, err
	}
	processCode = strings.ToUpper(strings.TrimSpace(processCode))
	specialProcess = strings.ToUpper(strings.TrimSpace(specialProcess))
	if err := validateProcess(processCode, specialProcess); err != nil {
		return nil, err
	}

	var out *model.WpsProcess
	err := e.runner.Run(ctx, "wps."+ActionAddProcess, func(ctx context.Context, tx store.Tx, ev *operation.Events) error {
		w, err := editableWps(ctx, tx, wpsID, ActionAddProcess)
		if err != nil {
			return err
		}
		existing, err := tx.ListProcesses(ctx, w.ID)
		if err != nil {
			return err
		}
		codes := map[string]bool{processCode: true}
		next := 0
		for _, p := range existing {
			codes[p.ProcessCode] = true
			if p.Order >= next {
				next = p.Order + 1
			}
		}
		if len(codes) > model.MaxWpsProcesses {
			return model.NewValidationError([]model.FieldError{{
				Field:   "process_code",
				Code:    "too_many_processes",
				Message: fmt.Sprintf("a WPS may declare at most %d distinct processes", model.MaxWpsProcesses),
			}})
		}

		p := &model.WpsProcess{
			WpsID:          w.ID,
			ProcessCode:    processCode,
			SpecialProcess: specialProcess,
			Order:          next,
		}
		if err := tx.CreateProcess(ctx, p); err != nil {
			return err
		}
		ev.Add(model.AuditEvent{
			Entity:   model.EntityWps,
			EntityID: w.ID,
			Action:   ActionAddProcess,
			Actor:    actor,
			Diff:     map[string]model.Change{"process": {From: nil, To: processLabel(p)}},
		})
		out = p
		return nil
	}, observability.AttrWpsID.String(wpsID))
	if err != nil {
		return nil, err
	}
	return out, nil
}

func validateProcess(processCode, specialProcess string) error {
	if !model.IsProcessCode(processCode) {
		return model.NewValidationError([]model.FieldError{{
			Field: "process_code", Code: "unknown", Message: fmt.Sprintf("unknown process %q", processCode),
		}})
	}
	if specialProcess == "" {
		return nil
	}
	if !model.IsSpecialProcess(specialProcess) {
		return model.NewValidationError([]model.FieldError{{
			Field: "special_process", Code: "unknown", Message: fmt.Sprintf("unknown special process %q", specialProcess),
		}})
	}
	if processCode != model.ProcessSMAW {
		return model.NewValidationError([]model.FieldError{{
			Field:   "special_process",
			Code:    "smaw_only",
			Message: "special processes are only allowed with SMAW",
		}})
	}
	return nil
}

// SetVariableValue writes the value of a catalog definition for one
// process of an editable WPS.
func (e *Engine) SetVariableValue(ctx context.Context, wpsID, processID, definitionID, value, actor string) (*model.WpsVariableValue, error) {
	if err := operation.RequireActor(actor); err != nil {
		return nil, err
	}

	var out *model.WpsVariableValue
	err := e.runner.Run(ctx, "wps."+ActionSetValue, func(ctx context.Context, tx store.Tx, ev *operation.Events) error {
		w, err := editableWps(ctx, tx, wpsID, ActionSetValue)
		if err != nil {
			return err
		}
		processes, err := tx.ListProcesses(ctx, w.ID)
		if err != nil {
			return err
		}
		var proc *model.WpsProcess
		for i := range processes {
			if processes[i].ID == processID {
				proc = &processes[i]
				break
			}
		}
		if proc == nil {
			return model.NewNotFoundError(fmt.Sprintf("process %q not found on WPS %q", processID, w.ID))
		}
		def, err := tx.GetDefinition(ctx, definitionID)
		if err != nil {
			return err
		}
		if !def.AppliesTo(proc.ProcessCode, proc.SpecialProcess) {
			return model.NewValidationError([]model.FieldError{{
				Field:   "definition_id",
				Code:    "not_applicable",
				Message: fmt.Sprintf("%s does not apply to %s", def.Code, processLabel(proc)),
			}})
		}

		v := &model.WpsVariableValue{WpsProcessID: proc.ID, DefinitionID: def.ID, Value: value}
		if err := tx.UpsertValue(ctx, v); err != nil {
			return err
		}
		ev.Add(model.AuditEvent{
			Entity:   model.EntityWps,
			EntityID: w.ID,
			Action:   ActionSetValue,
			Actor:    actor,
			Diff:     map[string]model.Change{def.Code: {From: nil, To: value}},
		})
		out = v
		return nil
	}, observability.AttrWpsID.String(wpsID))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AddVariable attaches a legacy free-form variable to an editable WPS.
func (e *Engine) AddVariable(ctx context.Context, wpsID, name, value, unit, actor string) (*model.WpsVariable, error) {
	if err := operation.RequireActor(actor); err != nil {
		return nil, err
	}
	if strings.TrimSpace(name) == "" {
		return nil, model.NewValidationError([]model.FieldError{{Field: "name", Code: "required", Message: "name is required"}})
	}

	var out *model.WpsVariable
	err := e.runner.Run(ctx, "wps."+ActionAddVariable, func(ctx context.Context, tx store.Tx, ev *operation.Events) error {
		w, err := editableWps(ctx, tx, wpsID, ActionAddVariable)
		if err != nil {
			return err
		}
		v := &model.WpsVariable{WpsID: w.ID, Name: strings.TrimSpace(name), Value: value, Unit: unit}
		if err := tx.CreateVariable(ctx, v); err != nil {
			return err
		}
		ev.Add(model.AuditEvent{
			Entity:   model.EntityWps,
			EntityID: w.ID,
			Action:   ActionAddVariable,
			Actor:    actor,
			Diff:     map[string]model.Change{v.Name: {From: nil, To: value}},
		})
		out = v
		return nil
	}, observability.AttrWpsID.String(wpsID))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetDetail returns a WPS with its processes, values and legacy variables.
func (e *Engine) GetDetail(ctx context.Context, wpsID string) (*model.WpsDetail, error) {
	var out *model.WpsDetail
	err := e.runner.Read(ctx, func(ctx context.Context, tx store.Tx) error {
		w, err := tx.GetWps(ctx, wpsID)
		if err != nil {
			return err
		}
		processes, err := tx.ListProcesses(ctx, w.ID)
		if err != nil {
			return err
		}
		values, err := tx.ListValues(ctx, w.ID)
		if err != nil {
			return err
		}
		vars, err := tx.ListVariables(ctx, w.ID)
		if err != nil {
			return err
		}
		out = &model.WpsDetail{Wps: w, Processes: processes, Values: values, Variables: vars}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// editableWps returns the WPS when it is the current draft of its family.
func editableWps(ctx context.Context, tx store.Tx, wpsID, action string) (*model.Wps, error) {
	w, err := tx.LockWps(ctx, wpsID)
	if err != nil {
		return nil, err
	}
	if !w.IsCurrent {
		return nil, model.NewInvalidStateError("WPS", w.ID, "not current", action)
	}
	if w.Status != model.WpsStatusDraft {
		return nil, model.NewInvalidStateError("WPS", w.ID, w.Status, action)
	}
	return w, nil
}

func processLabel(p *model.WpsProcess) string {
	if p.SpecialProcess == "" {
		return p.ProcessCode
	}
	return p.ProcessCode + "/" + p.SpecialProcess
}

