package qualification

import (
	"context"
	"strings"

	"github.com/pitabwire/weldqual/internal/store"
	"github.com/pitabwire/weldqual/model"
)

// CheckCompleteness reports the required variables the WPS still lacks.
// Essential definitions are always required; supplementary ones only when
// the WPS requires impact testing.
func (e *Engine) CheckCompleteness(ctx context.Context, wpsID string) (*model.CompletenessReport, error) {
	var report *model.CompletenessReport
	err := e.runner.Read(ctx, func(ctx context.Context, tx store.Tx) error {
		w, err := tx.GetWps(ctx, wpsID)
		if err != nil {
			return err
		}
		report, err = completeness(ctx, tx, w)
		return err
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

func completeness(ctx context.Context, tx store.Tx, w *model.Wps) (*model.CompletenessReport, error) {
	processes, err := tx.ListProcesses(ctx, w.ID)
	if err != nil {
		return nil, err
	}
	values, err := tx.ListValues(ctx, w.ID)
	if err != nil {
		return nil, err
	}

	filled := make(map[[2]string]bool, len(values))
	for _, v := range values {
		if strings.TrimSpace(v.Value) != "" {
			filled[[2]string{v.WpsProcessID, v.DefinitionID}] = true
		}
	}

	report := &model.CompletenessReport{
		WpsID:        w.ID,
		ProcessCount: len(processes),
		Missing:      []model.MissingVariable{},
	}
	for _, p := range processes {
		defs, err := tx.ApplicableDefinitions(ctx, p.ProcessCode, p.SpecialProcess)
		if err != nil {
			return nil, err
		}
		for _, d := range defs {
			if !required(d.Category, w.ImpactTest) || filled[[2]string{p.ID, d.ID}] {
				continue
			}
			report.Missing = append(report.Missing, model.MissingVariable{
				ProcessCode:    p.ProcessCode,
				DefinitionCode: d.Code,
			})
		}
	}
	report.Complete = len(processes) > 0 && len(report.Missing) == 0
	return report, nil
}

func required(category string, impactTest bool) bool {
	switch category {
	case model.CategoryEssential:
		return true
	case model.CategorySupplementary:
		return impactTest
	}
	return false
}
