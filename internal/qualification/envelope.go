package qualification

import (
	"context"
	"strings"

	"github.com/pitabwire/weldqual/internal/matcher"
	"github.com/pitabwire/weldqual/internal/store"
	"github.com/pitabwire/weldqual/model"
)

// Canonical envelope keys.
const (
	KeyMaterialPNo = "material_pno"
	KeyFillerFNo   = "filler_fno"
	KeyProcesses   = "processes"
	KeyThickness   = "thickness_range"
	KeyPosition    = "position"
)

// valueKeys are compared by equality, in this order.
var valueKeys = []string{KeyMaterialPNo, KeyFillerFNo}

var aliases = map[string]string{
	"p_no":      KeyMaterialPNo,
	"p_number":  KeyMaterialPNo,
	"f_no":      KeyFillerFNo,
	"f_number":  KeyFillerFNo,
	"thickness": KeyThickness,
	"positions": KeyPosition,
	"process":   KeyProcesses,
}

// CanonicalKey maps a free-form variable or test-type name onto an
// envelope key. Unknown names are returned lower-cased and trimmed.
func CanonicalKey(name string) string {
	k := strings.ToLower(strings.TrimSpace(name))
	if c, ok := aliases[k]; ok {
		return c
	}
	return k
}

// Envelope is a set of canonical key → raw value pairs describing what a
// WPS declares or what a PQR qualifies.
type Envelope map[string]string

// EnvelopeFromVariables adapts legacy free-form WPS variables. The first
// non-empty value of each key wins.
func EnvelopeFromVariables(vars []model.WpsVariable) Envelope {
	env := make(Envelope)
	for _, v := range vars {
		env.setDefault(v.Name, v.Value)
	}
	return env
}

// EnvelopeFromResults builds a PQR envelope from its result rows, keyed by
// test type.
func EnvelopeFromResults(results []model.PqrResult) Envelope {
	env := make(Envelope)
	for _, r := range results {
		env.setDefault(r.TestType, r.ResultText)
	}
	return env
}

func (e Envelope) setDefault(name, value string) {
	k := CanonicalKey(name)
	value = strings.TrimSpace(value)
	if k == "" || value == "" {
		return
	}
	if _, ok := e[k]; !ok {
		e[k] = value
	}
}

// wpsEnvelope reads the WPS side. Structured values override legacy
// variables of the same key, and declared process codes override both.
func wpsEnvelope(ctx context.Context, tx store.Tx, w *model.Wps) (Envelope, error) {
	vars, err := tx.ListVariables(ctx, w.ID)
	if err != nil {
		return nil, err
	}
	legacy := EnvelopeFromVariables(vars)

	processes, err := tx.ListProcesses(ctx, w.ID)
	if err != nil {
		return nil, err
	}
	values, err := tx.ListValues(ctx, w.ID)
	if err != nil {
		return nil, err
	}

	order := make(map[string]int, len(processes))
	for _, p := range processes {
		order[p.ID] = p.Order
	}
	structured := make(Envelope)
	bestOrder := make(map[string]int)
	for _, v := range values {
		d, err := tx.GetDefinition(ctx, v.DefinitionID)
		if err != nil {
			return nil, err
		}
		k := CanonicalKey(d.Code)
		val := strings.TrimSpace(v.Value)
		if val == "" {
			continue
		}
		if prev, ok := bestOrder[k]; ok && prev <= order[v.WpsProcessID] {
			continue
		}
		structured[k] = val
		bestOrder[k] = order[v.WpsProcessID]
	}

	env := legacy
	for k, v := range structured {
		env[k] = v
	}
	if len(processes) > 0 {
		codes := make([]string, 0, len(processes))
		for _, p := range processes {
			codes = append(codes, p.ProcessCode)
		}
		env[KeyProcesses] = strings.Join(codes, ", ")
	}
	return env, nil
}

// PqrEnvelope is the envelope qualified by one PQR.
type PqrEnvelope struct {
	PqrID    string
	Envelope Envelope
}

// checkQualification runs the staged check of a WPS against the PQRs it
// names. Each stage is applied to every PQR before the next stage begins.
func checkQualification(ctx context.Context, tx store.Tx, w *model.Wps, pqrIDs []string) error {
	if len(pqrIDs) == 0 {
		return model.NewMissingPqrError()
	}

	pqrs := make([]*model.Pqr, 0, len(pqrIDs))
	for _, id := range pqrIDs {
		p, err := tx.GetPqr(ctx, id)
		if err != nil {
			if model.IsCode(err, model.ErrNotFound) {
				return model.NewPqrNotFoundError(id)
			}
			return err
		}
		pqrs = append(pqrs, p)
	}
	for _, p := range pqrs {
		if p.Status != model.PqrStatusApproved {
			return model.NewPqrNotApprovedError(p.ID, p.Status)
		}
	}
	for _, p := range pqrs {
		if p.Standard != w.Standard {
			return model.NewStandardMismatchError(p.ID, w.Standard, p.Standard)
		}
	}

	wenv, err := wpsEnvelope(ctx, tx, w)
	if err != nil {
		return err
	}
	penvs := make([]PqrEnvelope, 0, len(pqrs))
	for _, p := range pqrs {
		results, err := tx.ListPqrResults(ctx, p.ID)
		if err != nil {
			return err
		}
		penvs = append(penvs, PqrEnvelope{PqrID: p.ID, Envelope: EnvelopeFromResults(results)})
	}
	return CompareEnvelopes(wenv, penvs...)
}

// CompareEnvelopes checks a WPS envelope against one or more PQR envelopes.
// A check is skipped when the WPS does not declare the key, when no PQR
// does, or when the values do not parse.
func CompareEnvelopes(wps Envelope, pqrs ...PqrEnvelope) error {
	for _, key := range valueKeys {
		wv, ok := wps[key]
		if !ok {
			continue
		}
		for _, p := range pqrs {
			if pv, ok := p.Envelope[key]; ok && pv != wv {
				return model.NewEnvelopeMismatchError(model.ErrValueMismatch, key, wv, pv)
			}
		}
	}

	if wv, ok := wps[KeyProcesses]; ok {
		if union, declared := unionSets(pqrs, KeyProcesses); declared {
			if cand := matcher.ParseSet(wv); !matcher.IsSubset(cand, union) {
				return model.NewEnvelopeMismatchError(model.ErrProcessMismatch, KeyProcesses, cand.String(), union.String())
			}
		}
	}

	if wv, ok := wps[KeyThickness]; ok {
		if inner, parsed := matcher.ParseRange(wv); parsed {
			var declared []string
			qualified := false
			for _, p := range pqrs {
				outer, ok := matcher.ParseRange(p.Envelope[KeyThickness])
				if !ok {
					continue
				}
				declared = append(declared, p.Envelope[KeyThickness])
				if outer.Contains(inner) {
					qualified = true
					break
				}
			}
			if len(declared) > 0 && !qualified {
				return model.NewEnvelopeMismatchError(model.ErrThicknessMismatch, KeyThickness, wv, strings.Join(declared, "; "))
			}
		}
	}

	if wv, ok := wps[KeyPosition]; ok {
		// The WPS declares one position; a list is compared as a single token.
		if union, declared := unionSets(pqrs, KeyPosition); declared && !matcher.Member(wv, union) {
			return model.NewEnvelopeMismatchError(model.ErrPositionMismatch, KeyPosition, wv, union.String())
		}
	}
	return nil
}

func unionSets(pqrs []PqrEnvelope, key string) (matcher.Set, bool) {
	union := make(matcher.Set)
	declared := false
	for _, p := range pqrs {
		if v, ok := p.Envelope[key]; ok {
			declared = true
			union.Union(matcher.ParseSet(v))
		}
	}
	return union, declared
}

// CheckQualification runs the qualification check without changing any
// state.
func (e *Engine) CheckQualification(ctx context.Context, wpsID string, pqrIDs []string) error {
	return e.runner.Read(ctx, func(ctx context.Context, tx store.Tx) error {
		w, err := tx.GetWps(ctx, wpsID)
		if err != nil {
			return err
		}
		return checkQualification(ctx, tx, w, dedupe(pqrIDs))
	})
}
