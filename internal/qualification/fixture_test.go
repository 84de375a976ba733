package qualification

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/weldqual/internal/operation"
	"github.com/pitabwire/weldqual/internal/store"
	"github.com/pitabwire/weldqual/model"
)

const (
	testProject  = "proj-1"
	testStandard = "ASME IX"

	submitter = "alice"
	reviewer  = "bob"
	approver  = "carol"
)

type storeTx = store.Tx

var fixedNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

// recordingSink keeps every audit event it receives.
type recordingSink struct {
	mu     sync.Mutex
	events []model.AuditEvent
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Record(_ context.Context, ev model.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Entity + ":" + ev.Action
	}
	return out
}

type fixture struct {
	store  *store.MemoryStore
	engine *Engine
	sink   *recordingSink

	// catalog definition ids for SMAW
	defBaseMetal string
	defImpact    string
	defInterpass string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := store.NewMemoryStore()
	sink := &recordingSink{}
	runner := operation.NewRunner(s,
		operation.WithAuditSink(sink),
		operation.WithClock(func() time.Time { return fixedNow }),
	)
	f := &fixture{store: s, engine: NewEngine(runner), sink: sink}

	f.seed(t, func(ctx context.Context, tx store.Tx) error {
		defs := []*model.WpsVariableDefinition{
			{ProcessCode: model.ProcessSMAW, Code: "base_metal", Name: "Base metal", Category: model.CategoryEssential, DataType: model.DataTypeText},
			{ProcessCode: model.ProcessSMAW, Code: "impact_temp", Name: "Impact test temperature", Category: model.CategorySupplementary, DataType: model.DataTypeNumber, Unit: "C"},
			{ProcessCode: model.ProcessSMAW, Code: "interpass", Name: "Interpass temperature", Category: model.CategoryNonessential, DataType: model.DataTypeNumber, Unit: "C"},
		}
		for _, d := range defs {
			if err := tx.CreateDefinition(ctx, d); err != nil {
				return err
			}
		}
		f.defBaseMetal, f.defImpact, f.defInterpass = defs[0].ID, defs[1].ID, defs[2].ID
		return nil
	})
	return f
}

func (f *fixture) seed(t *testing.T, fn func(ctx context.Context, tx store.Tx) error) {
	t.Helper()
	if err := f.store.InTx(context.Background(), fn); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func (f *fixture) wps(t *testing.T, id string) *model.Wps {
	t.Helper()
	var w *model.Wps
	f.seed(t, func(ctx context.Context, tx store.Tx) error {
		var err error
		w, err = tx.GetWps(ctx, id)
		return err
	})
	return w
}

type wpsSpec struct {
	code       string
	status     string
	impactTest bool
	processes  []string
	filled     bool
	vars       map[string]string
}

// createWps inserts a WPS with one process per entry of spec.processes.
// When filled is set, every essential definition gets a value.
func (f *fixture) createWps(t *testing.T, spec wpsSpec) string {
	t.Helper()
	if spec.code == "" {
		spec.code = "WPS-001"
	}
	if spec.status == "" {
		spec.status = model.WpsStatusReviewed
	}
	var id string
	f.seed(t, func(ctx context.Context, tx store.Tx) error {
		w := &model.Wps{
			ProjectID:  testProject,
			Code:       spec.code,
			Standard:   testStandard,
			ImpactTest: spec.impactTest,
			Status:     spec.status,
			IsCurrent:  true,
		}
		switch spec.status {
		case model.WpsStatusPendingApproval:
			w.SubmittedBy = submitter
		case model.WpsStatusReviewed:
			w.SubmittedBy = submitter
			w.ReviewedBy = reviewer
		}
		if err := tx.CreateWps(ctx, w); err != nil {
			return err
		}
		id = w.ID
		for i, code := range spec.processes {
			p := &model.WpsProcess{WpsID: w.ID, ProcessCode: code, Order: i}
			if err := tx.CreateProcess(ctx, p); err != nil {
				return err
			}
			if spec.filled && code == model.ProcessSMAW {
				v := &model.WpsVariableValue{WpsProcessID: p.ID, DefinitionID: f.defBaseMetal, Value: "A516-70"}
				if err := tx.UpsertValue(ctx, v); err != nil {
					return err
				}
			}
		}
		for name, value := range spec.vars {
			if err := tx.CreateVariable(ctx, &model.WpsVariable{WpsID: w.ID, Name: name, Value: value}); err != nil {
				return err
			}
		}
		return nil
	})
	return id
}

// readyWps is a reviewed, complete SMAW WPS with the given legacy variables.
func (f *fixture) readyWps(t *testing.T, vars map[string]string) string {
	t.Helper()
	return f.createWps(t, wpsSpec{processes: []string{model.ProcessSMAW}, filled: true, vars: vars})
}

func (f *fixture) createPqr(t *testing.T, status, standard string, results map[string]string) string {
	t.Helper()
	var id string
	f.seed(t, func(ctx context.Context, tx store.Tx) error {
		p := &model.Pqr{ProjectID: testProject, Code: "PQR-" + status, Standard: standard, Status: status}
		if err := tx.CreatePqr(ctx, p); err != nil {
			return err
		}
		id = p.ID
		for testType, text := range results {
			if err := tx.CreatePqrResult(ctx, &model.PqrResult{PqrID: p.ID, TestType: testType, ResultText: text}); err != nil {
				return err
			}
		}
		return nil
	})
	return id
}

func (f *fixture) approvedPqr(t *testing.T, results map[string]string) string {
	t.Helper()
	return f.createPqr(t, model.PqrStatusApproved, testStandard, results)
}

func (f *fixture) links(t *testing.T, wpsID string) []model.WpsPqrLink {
	t.Helper()
	var links []model.WpsPqrLink
	f.seed(t, func(ctx context.Context, tx store.Tx) error {
		var err error
		links, err = tx.ListLinks(ctx, wpsID)
		return err
	})
	return links
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got nil", code)
	}
	if got := model.CodeOf(err); got != code {
		t.Fatalf("error code = %q, want %q (err: %v)", got, code, err)
	}
}
