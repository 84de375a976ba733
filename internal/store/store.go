// Package store persists the qualification records: WPS revisions and their
// processes and variables, PQRs, welders, welds and continuity history.
//
// Every read and write goes through a Tx obtained from Store.InTx, so a
// logical operation either commits completely or leaves no trace.
package store

import (
	"context"
	"time"

	"github.com/pitabwire/weldqual/model"
)

// Store runs units of work atomically.
type Store interface {
	// InTx runs fn inside a transaction. The transaction commits when fn
	// returns nil and rolls back otherwise; fn's error is returned as is.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error

	Close()
}

// Tx is the set of repositories visible inside one transaction.
type Tx interface {
	WpsRepository
	PqrRepository
	WeldRepository
	ContinuityRepository
}

// WpsRepository stores WPS revisions, their processes, the variable catalog
// and variable values.
type WpsRepository interface {
	// GetWps returns NOT_FOUND if the id does not resolve.
	GetWps(ctx context.Context, id string) (*model.Wps, error)

	// LockWps is GetWps with a row lock held until the transaction ends.
	LockWps(ctx context.Context, id string) (*model.Wps, error)

	// CreateWps inserts a WPS, assigning an id when empty. Returns CONFLICT
	// when (project, code, revision) is taken.
	CreateWps(ctx context.Context, w *model.Wps) error

	// UpdateWps persists w when its Version still matches the stored row and
	// increments w.Version. Returns CONFLICT otherwise.
	UpdateWps(ctx context.Context, w *model.Wps) error

	// WpsFamily returns the root and every revision pointing at it, highest
	// revision first.
	WpsFamily(ctx context.Context, rootID string) ([]model.Wps, error)

	// ClearCurrent sets IsCurrent=false on every row of the family.
	ClearCurrent(ctx context.Context, rootID string) error

	// WpsCodeExists reports whether any revision in the project uses code.
	WpsCodeExists(ctx context.Context, projectID, code string) (bool, error)

	// ListProcesses returns a WPS's processes ordered by Order.
	ListProcesses(ctx context.Context, wpsID string) ([]model.WpsProcess, error)
	CreateProcess(ctx context.Context, p *model.WpsProcess) error

	// ApplicableDefinitions returns the catalog entries for a process
	// variant: definitions without a special process plus those matching it.
	ApplicableDefinitions(ctx context.Context, processCode, specialProcess string) ([]model.WpsVariableDefinition, error)
	GetDefinition(ctx context.Context, id string) (*model.WpsVariableDefinition, error)
	CreateDefinition(ctx context.Context, d *model.WpsVariableDefinition) error

	// ListValues returns the variable values of every process of a WPS.
	ListValues(ctx context.Context, wpsID string) ([]model.WpsVariableValue, error)

	// UpsertValue writes the value for (WpsProcessID, DefinitionID).
	UpsertValue(ctx context.Context, v *model.WpsVariableValue) error

	// ListVariables returns the legacy free-form variables of a WPS.
	ListVariables(ctx context.Context, wpsID string) ([]model.WpsVariable, error)
	CreateVariable(ctx context.Context, v *model.WpsVariable) error
}

// PqrRepository stores PQRs, their results and WPS support links.
type PqrRepository interface {
	GetPqr(ctx context.Context, id string) (*model.Pqr, error)
	CreatePqr(ctx context.Context, p *model.Pqr) error

	// UpdatePqr has the same optimistic semantics as UpdateWps.
	UpdatePqr(ctx context.Context, p *model.Pqr) error

	ListPqrResults(ctx context.Context, pqrID string) ([]model.PqrResult, error)
	CreatePqrResult(ctx context.Context, r *model.PqrResult) error

	// EnsureLink records that pqrID supports wpsID. created is false when the
	// link already existed.
	EnsureLink(ctx context.Context, wpsID, pqrID string, at time.Time) (created bool, err error)
	ListLinks(ctx context.Context, wpsID string) ([]model.WpsPqrLink, error)
}

// WeldRepository stores welders, welds, assignments and inspections.
type WeldRepository interface {
	GetWelder(ctx context.Context, id string) (*model.Welder, error)
	CreateWelder(ctx context.Context, w *model.Welder) error

	// ListWelderIDs returns every welder id, sorted.
	ListWelderIDs(ctx context.Context) ([]string, error)

	// WelderIDsForProject returns the welders that have continuity history
	// on any weld of the project, sorted.
	WelderIDsForProject(ctx context.Context, projectID string) ([]string, error)

	GetWeld(ctx context.Context, id string) (*model.Weld, error)

	// LockWeld is GetWeld with a row lock held until the transaction ends.
	LockWeld(ctx context.Context, id string) (*model.Weld, error)

	// CreateWeld returns CONFLICT when the number is taken in the project.
	CreateWeld(ctx context.Context, w *model.Weld) error
	UpdateWeld(ctx context.Context, w *model.Weld) error

	CreateWelderAssignment(ctx context.Context, a *model.WeldWelderAssignment) error

	// ActiveWelderAssignments returns the active welder assignments of a
	// weld, oldest first.
	ActiveWelderAssignments(ctx context.Context, weldID string) ([]model.WeldWelderAssignment, error)

	CreateWpsAssignment(ctx context.Context, a *model.WeldWpsAssignment) error

	// ActiveWpsAssignment returns the most recently assigned active WPS
	// assignment of a weld, or nil.
	ActiveWpsAssignment(ctx context.Context, weldID string) (*model.WeldWpsAssignment, error)

	CreateInspection(ctx context.Context, i *model.VisualInspection) error

	// LatestInspection returns the most recent inspection of a weld at a
	// stage, or nil.
	LatestInspection(ctx context.Context, weldID, stage string) (*model.VisualInspection, error)
}

// ContinuityRepository stores continuity history and the cached state
// derived from it.
type ContinuityRepository interface {
	AppendContinuityLog(ctx context.Context, l *model.ContinuityLog) error

	// LatestContinuityLog returns the welder's log row with the greatest
	// date, or nil.
	LatestContinuityLog(ctx context.Context, welderID string) (*model.ContinuityLog, error)

	// ListContinuityLogs returns the welder's history, newest first.
	ListContinuityLogs(ctx context.Context, welderID string) ([]model.ContinuityLog, error)

	// GetContinuity returns the cached row for a welder, or nil.
	GetContinuity(ctx context.Context, welderID string) (*model.WelderContinuity, error)

	// UpsertContinuity writes the single row for c.WelderID, keeping the
	// existing row id.
	UpsertContinuity(ctx context.Context, c *model.WelderContinuity) error
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PgStore)(nil)
	_ Tx    = (*memTx)(nil)
	_ Tx    = (*pgTx)(nil)
)
