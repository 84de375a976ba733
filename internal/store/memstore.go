package store

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/weldqual/model"
)

type linkKey struct{ wpsID, pqrID string }

type valueKey struct{ processID, definitionID string }

// tables holds every record kept by MemoryStore.
type tables struct {
	wps               map[string]model.Wps
	processes         map[string]model.WpsProcess
	definitions       map[string]model.WpsVariableDefinition
	values            map[valueKey]model.WpsVariableValue
	variables         map[string]model.WpsVariable
	pqrs              map[string]model.Pqr
	pqrResults        map[string]model.PqrResult
	links             map[linkKey]model.WpsPqrLink
	welders           map[string]model.Welder
	welds             map[string]model.Weld
	welderAssignments map[string]model.WeldWelderAssignment
	wpsAssignments    map[string]model.WeldWpsAssignment
	inspections       map[string]model.VisualInspection
	continuityLogs    []model.ContinuityLog
	continuity        map[string]model.WelderContinuity // key: welder ID
}

func newTables() *tables {
	return &tables{
		wps:               make(map[string]model.Wps),
		processes:         make(map[string]model.WpsProcess),
		definitions:       make(map[string]model.WpsVariableDefinition),
		values:            make(map[valueKey]model.WpsVariableValue),
		variables:         make(map[string]model.WpsVariable),
		pqrs:              make(map[string]model.Pqr),
		pqrResults:        make(map[string]model.PqrResult),
		links:             make(map[linkKey]model.WpsPqrLink),
		welders:           make(map[string]model.Welder),
		welds:             make(map[string]model.Weld),
		welderAssignments: make(map[string]model.WeldWelderAssignment),
		wpsAssignments:    make(map[string]model.WeldWpsAssignment),
		inspections:       make(map[string]model.VisualInspection),
		continuity:        make(map[string]model.WelderContinuity),
	}
}

// clone copies every table. Records are values, so a shallow map copy is
// enough to isolate a transaction from the committed state.
func (t *tables) clone() *tables {
	return &tables{
		wps:               maps.Clone(t.wps),
		processes:         maps.Clone(t.processes),
		definitions:       maps.Clone(t.definitions),
		values:            maps.Clone(t.values),
		variables:         maps.Clone(t.variables),
		pqrs:              maps.Clone(t.pqrs),
		pqrResults:        maps.Clone(t.pqrResults),
		links:             maps.Clone(t.links),
		welders:           maps.Clone(t.welders),
		welds:             maps.Clone(t.welds),
		welderAssignments: maps.Clone(t.welderAssignments),
		wpsAssignments:    maps.Clone(t.wpsAssignments),
		inspections:       maps.Clone(t.inspections),
		continuityLogs:    slices.Clone(t.continuityLogs),
		continuity:        maps.Clone(t.continuity),
	}
}

// MemoryStore is an in-memory Store. Transactions are serialized and run
// against a private copy of the data that replaces the committed copy only
// when the transaction succeeds.
type MemoryStore struct {
	mu   sync.Mutex
	data *tables
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: newTables()}
}

// InTx runs fn against a snapshot and commits it when fn returns nil.
func (s *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{t: s.data.clone()}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	s.data = tx.t
	return nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close() {}

type memTx struct {
	t *tables
}

func newID(id string) string {
	if id == "" {
		return uuid.NewString()
	}
	return id
}

func notFound(kind, id string) error {
	return model.NewNotFoundError(fmt.Sprintf("%s %q not found", kind, id))
}

// --- WPS ---

func (tx *memTx) GetWps(_ context.Context, id string) (*model.Wps, error) {
	w, ok := tx.t.wps[id]
	if !ok {
		return nil, notFound("WPS", id)
	}
	return &w, nil
}

func (tx *memTx) LockWps(ctx context.Context, id string) (*model.Wps, error) {
	return tx.GetWps(ctx, id)
}

func (tx *memTx) CreateWps(_ context.Context, w *model.Wps) error {
	w.ID = newID(w.ID)
	if _, exists := tx.t.wps[w.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("WPS %q already exists", w.ID))
	}
	for _, other := range tx.t.wps {
		if other.ProjectID == w.ProjectID && other.Code == w.Code && other.RevisionNumber == w.RevisionNumber {
			return model.NewConflictError(
				fmt.Sprintf("WPS %q revision %d already exists in project", w.Code, w.RevisionNumber),
			)
		}
	}
	if w.Version == 0 {
		w.Version = 1
	}
	tx.t.wps[w.ID] = *w
	return nil
}

func (tx *memTx) UpdateWps(_ context.Context, w *model.Wps) error {
	existing, ok := tx.t.wps[w.ID]
	if !ok {
		return notFound("WPS", w.ID)
	}
	if existing.Version != w.Version {
		return model.NewConflictError(
			fmt.Sprintf("WPS %q version conflict (expected %d, got %d)", w.ID, w.Version, existing.Version),
		)
	}
	w.Version++
	w.UpdatedAt = time.Now().UTC()
	tx.t.wps[w.ID] = *w
	return nil
}

func (tx *memTx) WpsFamily(_ context.Context, rootID string) ([]model.Wps, error) {
	var out []model.Wps
	for _, w := range tx.t.wps {
		if w.ID == rootID || w.RootWpsID == rootID {
			out = append(out, w)
		}
	}
	slices.SortFunc(out, func(a, b model.Wps) int {
		return cmp.Compare(b.RevisionNumber, a.RevisionNumber)
	})
	return out, nil
}

func (tx *memTx) ClearCurrent(_ context.Context, rootID string) error {
	now := time.Now().UTC()
	for id, w := range tx.t.wps {
		if (w.ID == rootID || w.RootWpsID == rootID) && w.IsCurrent {
			w.IsCurrent = false
			w.Version++
			w.UpdatedAt = now
			tx.t.wps[id] = w
		}
	}
	return nil
}

func (tx *memTx) WpsCodeExists(_ context.Context, projectID, code string) (bool, error) {
	for _, w := range tx.t.wps {
		if w.ProjectID == projectID && w.Code == code {
			return true, nil
		}
	}
	return false, nil
}

func (tx *memTx) ListProcesses(_ context.Context, wpsID string) ([]model.WpsProcess, error) {
	var out []model.WpsProcess
	for _, p := range tx.t.processes {
		if p.WpsID == wpsID {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b model.WpsProcess) int {
		return cmp.Or(cmp.Compare(a.Order, b.Order), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

func (tx *memTx) CreateProcess(_ context.Context, p *model.WpsProcess) error {
	if _, ok := tx.t.wps[p.WpsID]; !ok {
		return notFound("WPS", p.WpsID)
	}
	p.ID = newID(p.ID)
	tx.t.processes[p.ID] = *p
	return nil
}

func (tx *memTx) ApplicableDefinitions(_ context.Context, processCode, specialProcess string) ([]model.WpsVariableDefinition, error) {
	var out []model.WpsVariableDefinition
	for _, d := range tx.t.definitions {
		if d.AppliesTo(processCode, specialProcess) {
			out = append(out, d)
		}
	}
	slices.SortFunc(out, func(a, b model.WpsVariableDefinition) int {
		return cmp.Or(cmp.Compare(a.Code, b.Code), cmp.Compare(a.SpecialProcess, b.SpecialProcess))
	})
	return out, nil
}

func (tx *memTx) GetDefinition(_ context.Context, id string) (*model.WpsVariableDefinition, error) {
	d, ok := tx.t.definitions[id]
	if !ok {
		return nil, notFound("variable definition", id)
	}
	return &d, nil
}

func (tx *memTx) CreateDefinition(_ context.Context, d *model.WpsVariableDefinition) error {
	for _, other := range tx.t.definitions {
		if other.ProcessCode == d.ProcessCode && other.SpecialProcess == d.SpecialProcess && other.Code == d.Code {
			return model.NewConflictError(fmt.Sprintf("variable definition %s/%s already exists", d.ProcessCode, d.Code))
		}
	}
	d.ID = newID(d.ID)
	tx.t.definitions[d.ID] = *d
	return nil
}

func (tx *memTx) ListValues(_ context.Context, wpsID string) ([]model.WpsVariableValue, error) {
	var out []model.WpsVariableValue
	for k, v := range tx.t.values {
		if p, ok := tx.t.processes[k.processID]; ok && p.WpsID == wpsID {
			out = append(out, v)
		}
	}
	slices.SortFunc(out, func(a, b model.WpsVariableValue) int {
		return cmp.Or(cmp.Compare(a.WpsProcessID, b.WpsProcessID), cmp.Compare(a.DefinitionID, b.DefinitionID))
	})
	return out, nil
}

func (tx *memTx) UpsertValue(_ context.Context, v *model.WpsVariableValue) error {
	if _, ok := tx.t.processes[v.WpsProcessID]; !ok {
		return notFound("WPS process", v.WpsProcessID)
	}
	if _, ok := tx.t.definitions[v.DefinitionID]; !ok {
		return notFound("variable definition", v.DefinitionID)
	}
	key := valueKey{v.WpsProcessID, v.DefinitionID}
	if existing, ok := tx.t.values[key]; ok {
		v.ID = existing.ID
	}
	v.ID = newID(v.ID)
	tx.t.values[key] = *v
	return nil
}

func (tx *memTx) ListVariables(_ context.Context, wpsID string) ([]model.WpsVariable, error) {
	var out []model.WpsVariable
	for _, v := range tx.t.variables {
		if v.WpsID == wpsID {
			out = append(out, v)
		}
	}
	slices.SortFunc(out, func(a, b model.WpsVariable) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

func (tx *memTx) CreateVariable(_ context.Context, v *model.WpsVariable) error {
	if _, ok := tx.t.wps[v.WpsID]; !ok {
		return notFound("WPS", v.WpsID)
	}
	v.ID = newID(v.ID)
	tx.t.variables[v.ID] = *v
	return nil
}

// --- PQR ---

func (tx *memTx) GetPqr(_ context.Context, id string) (*model.Pqr, error) {
	p, ok := tx.t.pqrs[id]
	if !ok {
		return nil, notFound("PQR", id)
	}
	return &p, nil
}

func (tx *memTx) CreatePqr(_ context.Context, p *model.Pqr) error {
	p.ID = newID(p.ID)
	if _, exists := tx.t.pqrs[p.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("PQR %q already exists", p.ID))
	}
	if p.Version == 0 {
		p.Version = 1
	}
	tx.t.pqrs[p.ID] = *p
	return nil
}

func (tx *memTx) UpdatePqr(_ context.Context, p *model.Pqr) error {
	existing, ok := tx.t.pqrs[p.ID]
	if !ok {
		return notFound("PQR", p.ID)
	}
	if existing.Version != p.Version {
		return model.NewConflictError(
			fmt.Sprintf("PQR %q version conflict (expected %d, got %d)", p.ID, p.Version, existing.Version),
		)
	}
	p.Version++
	p.UpdatedAt = time.Now().UTC()
	tx.t.pqrs[p.ID] = *p
	return nil
}

func (tx *memTx) ListPqrResults(_ context.Context, pqrID string) ([]model.PqrResult, error) {
	var out []model.PqrResult
	for _, r := range tx.t.pqrResults {
		if r.PqrID == pqrID {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b model.PqrResult) int {
		return cmp.Or(cmp.Compare(a.TestType, b.TestType), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

func (tx *memTx) CreatePqrResult(_ context.Context, r *model.PqrResult) error {
	if _, ok := tx.t.pqrs[r.PqrID]; !ok {
		return notFound("PQR", r.PqrID)
	}
	r.ID = newID(r.ID)
	tx.t.pqrResults[r.ID] = *r
	return nil
}

func (tx *memTx) EnsureLink(_ context.Context, wpsID, pqrID string, at time.Time) (bool, error) {
	key := linkKey{wpsID, pqrID}
	if _, ok := tx.t.links[key]; ok {
		return false, nil
	}
	tx.t.links[key] = model.WpsPqrLink{WpsID: wpsID, PqrID: pqrID, CreatedAt: at}
	return true, nil
}

func (tx *memTx) ListLinks(_ context.Context, wpsID string) ([]model.WpsPqrLink, error) {
	var out []model.WpsPqrLink
	for k, l := range tx.t.links {
		if k.wpsID == wpsID {
			out = append(out, l)
		}
	}
	slices.SortFunc(out, func(a, b model.WpsPqrLink) int { return cmp.Compare(a.PqrID, b.PqrID) })
	return out, nil
}

// --- Welders and welds ---

func (tx *memTx) GetWelder(_ context.Context, id string) (*model.Welder, error) {
	w, ok := tx.t.welders[id]
	if !ok {
		return nil, notFound("welder", id)
	}
	return &w, nil
}

func (tx *memTx) CreateWelder(_ context.Context, w *model.Welder) error {
	w.ID = newID(w.ID)
	if _, exists := tx.t.welders[w.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("welder %q already exists", w.ID))
	}
	tx.t.welders[w.ID] = *w
	return nil
}

func (tx *memTx) ListWelderIDs(context.Context) ([]string, error) {
	ids := slices.Collect(maps.Keys(tx.t.welders))
	slices.Sort(ids)
	return ids, nil
}

func (tx *memTx) WelderIDsForProject(_ context.Context, projectID string) ([]string, error) {
	seen := make(map[string]bool)
	for _, l := range tx.t.continuityLogs {
		if w, ok := tx.t.welds[l.WeldID]; ok && w.ProjectID == projectID {
			seen[l.WelderID] = true
		}
	}
	ids := slices.Collect(maps.Keys(seen))
	slices.Sort(ids)
	return ids, nil
}

func (tx *memTx) GetWeld(_ context.Context, id string) (*model.Weld, error) {
	w, ok := tx.t.welds[id]
	if !ok {
		return nil, notFound("weld", id)
	}
	return &w, nil
}

func (tx *memTx) LockWeld(ctx context.Context, id string) (*model.Weld, error) {
	return tx.GetWeld(ctx, id)
}

func (tx *memTx) CreateWeld(_ context.Context, w *model.Weld) error {
	w.ID = newID(w.ID)
	for _, other := range tx.t.welds {
		if other.ID == w.ID || (other.ProjectID == w.ProjectID && other.Number == w.Number) {
			return model.NewConflictError(fmt.Sprintf("weld %q already exists in project", w.Number))
		}
	}
	if w.Version == 0 {
		w.Version = 1
	}
	tx.t.welds[w.ID] = *w
	return nil
}

func (tx *memTx) UpdateWeld(_ context.Context, w *model.Weld) error {
	existing, ok := tx.t.welds[w.ID]
	if !ok {
		return notFound("weld", w.ID)
	}
	if existing.Version != w.Version {
		return model.NewConflictError(
			fmt.Sprintf("weld %q version conflict (expected %d, got %d)", w.ID, w.Version, existing.Version),
		)
	}
	w.Version++
	w.UpdatedAt = time.Now().UTC()
	tx.t.welds[w.ID] = *w
	return nil
}

func (tx *memTx) CreateWelderAssignment(_ context.Context, a *model.WeldWelderAssignment) error {
	if _, ok := tx.t.welds[a.WeldID]; !ok {
		return notFound("weld", a.WeldID)
	}
	if _, ok := tx.t.welders[a.WelderID]; !ok {
		return notFound("welder", a.WelderID)
	}
	a.ID = newID(a.ID)
	tx.t.welderAssignments[a.ID] = *a
	return nil
}

func (tx *memTx) ActiveWelderAssignments(_ context.Context, weldID string) ([]model.WeldWelderAssignment, error) {
	var out []model.WeldWelderAssignment
	for _, a := range tx.t.welderAssignments {
		if a.WeldID == weldID && a.Status == model.AssignmentActive {
			out = append(out, a)
		}
	}
	slices.SortFunc(out, func(a, b model.WeldWelderAssignment) int {
		return cmp.Or(a.AssignedAt.Compare(b.AssignedAt), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

func (tx *memTx) CreateWpsAssignment(_ context.Context, a *model.WeldWpsAssignment) error {
	if _, ok := tx.t.welds[a.WeldID]; !ok {
		return notFound("weld", a.WeldID)
	}
	if _, ok := tx.t.wps[a.WpsID]; !ok {
		return notFound("WPS", a.WpsID)
	}
	a.ID = newID(a.ID)
	tx.t.wpsAssignments[a.ID] = *a
	return nil
}

func (tx *memTx) ActiveWpsAssignment(_ context.Context, weldID string) (*model.WeldWpsAssignment, error) {
	var latest *model.WeldWpsAssignment
	for _, a := range tx.t.wpsAssignments {
		if a.WeldID != weldID || a.Status != model.AssignmentActive {
			continue
		}
		if latest == nil || a.AssignedAt.After(latest.AssignedAt) || (a.AssignedAt.Equal(latest.AssignedAt) && a.ID > latest.ID) {
			latest = &a
		}
	}
	return latest, nil
}

func (tx *memTx) CreateInspection(_ context.Context, i *model.VisualInspection) error {
	if _, ok := tx.t.welds[i.WeldID]; !ok {
		return notFound("weld", i.WeldID)
	}
	i.ID = newID(i.ID)
	tx.t.inspections[i.ID] = *i
	return nil
}

func (tx *memTx) LatestInspection(_ context.Context, weldID, stage string) (*model.VisualInspection, error) {
	var latest *model.VisualInspection
	for _, i := range tx.t.inspections {
		if i.WeldID != weldID || i.Stage != stage {
			continue
		}
		if latest == nil || i.At.After(latest.At) || (i.At.Equal(latest.At) && i.ID > latest.ID) {
			latest = &i
		}
	}
	return latest, nil
}

// --- Continuity ---

func (tx *memTx) AppendContinuityLog(_ context.Context, l *model.ContinuityLog) error {
	l.ID = newID(l.ID)
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	tx.t.continuityLogs = append(tx.t.continuityLogs, *l)
	return nil
}

func (tx *memTx) LatestContinuityLog(ctx context.Context, welderID string) (*model.ContinuityLog, error) {
	logs, _ := tx.ListContinuityLogs(ctx, welderID)
	if len(logs) == 0 {
		return nil, nil
	}
	return &logs[0], nil
}

func (tx *memTx) ListContinuityLogs(_ context.Context, welderID string) ([]model.ContinuityLog, error) {
	var out []model.ContinuityLog
	for _, l := range tx.t.continuityLogs {
		if l.WelderID == welderID {
			out = append(out, l)
		}
	}
	slices.SortStableFunc(out, func(a, b model.ContinuityLog) int {
		return cmp.Or(b.Date.Compare(a.Date), b.CreatedAt.Compare(a.CreatedAt))
	})
	return out, nil
}

func (tx *memTx) GetContinuity(_ context.Context, welderID string) (*model.WelderContinuity, error) {
	c, ok := tx.t.continuity[welderID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (tx *memTx) UpsertContinuity(_ context.Context, c *model.WelderContinuity) error {
	if existing, ok := tx.t.continuity[c.WelderID]; ok {
		c.ID = existing.ID
	}
	c.ID = newID(c.ID)
	tx.t.continuity[c.WelderID] = *c
	return nil
}
