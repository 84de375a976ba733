package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pitabwire/weldqual/model"
)

//go:embed schema.sql
var schemaSQL string

const pgUniqueViolation = "23505"

// Pool is the subset of *pgxpool.Pool the store uses.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool Pool
}

// NewPgStore creates a store over an open pool. The store owns the pool.
func NewPgStore(pool Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Migrate applies the schema. It is safe to run on every start.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// InTx runs fn inside a read-committed transaction. Rows that fn later
// updates are locked with LockWps/LockWeld; UpdateWps and friends also check
// the version column.
func (s *PgStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *PgStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *PgStore) Close() {
	s.pool.Close()
}

type pgTx struct {
	tx pgx.Tx
}

type scanner interface {
	Scan(dest ...any) error
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// collect scans every row with scan.
func collect[T any](rows pgx.Rows, scan func(scanner) (T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// --- WPS ---

const wpsColumns = `id, project_id, equipment_id, code, standard, impact_test, status,
	COALESCE(root_wps_id, ''), revision_number, is_current,
	submitted_by, submitted_at, reviewed_by, reviewed_at, approved_by, approved_at,
	created_at, updated_at, version`

func scanWps(row scanner) (model.Wps, error) {
	var w model.Wps
	err := row.Scan(
		&w.ID, &w.ProjectID, &w.EquipmentID, &w.Code, &w.Standard, &w.ImpactTest, &w.Status,
		&w.RootWpsID, &w.RevisionNumber, &w.IsCurrent,
		&w.SubmittedBy, &w.SubmittedAt, &w.ReviewedBy, &w.ReviewedAt, &w.ApprovedBy, &w.ApprovedAt,
		&w.CreatedAt, &w.UpdatedAt, &w.Version,
	)
	return w, err
}

func (t *pgTx) getWps(ctx context.Context, id, suffix string) (*model.Wps, error) {
	w, err := scanWps(t.tx.QueryRow(ctx, `SELECT `+wpsColumns+` FROM wps WHERE id = $1`+suffix, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("WPS", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query wps: %w", err)
	}
	return &w, nil
}

func (t *pgTx) GetWps(ctx context.Context, id string) (*model.Wps, error) {
	return t.getWps(ctx, id, "")
}

func (t *pgTx) LockWps(ctx context.Context, id string) (*model.Wps, error) {
	return t.getWps(ctx, id, " FOR UPDATE")
}

func (t *pgTx) CreateWps(ctx context.Context, w *model.Wps) error {
	w.ID = newID(w.ID)
	if w.Version == 0 {
		w.Version = 1
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO wps (
			id, project_id, equipment_id, code, standard, impact_test, status,
			root_wps_id, revision_number, is_current,
			submitted_by, submitted_at, reviewed_by, reviewed_at, approved_by, approved_at,
			created_at, updated_at, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		w.ID, w.ProjectID, w.EquipmentID, w.Code, w.Standard, w.ImpactTest, w.Status,
		nullIfEmpty(w.RootWpsID), w.RevisionNumber, w.IsCurrent,
		w.SubmittedBy, w.SubmittedAt, w.ReviewedBy, w.ReviewedAt, w.ApprovedBy, w.ApprovedAt,
		w.CreatedAt, w.UpdatedAt, w.Version,
	)
	if isUniqueViolation(err) {
		return model.NewConflictError(
			fmt.Sprintf("WPS %q revision %d already exists in project", w.Code, w.RevisionNumber),
		)
	}
	if err != nil {
		return fmt.Errorf("insert wps: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateWps(ctx context.Context, w *model.Wps) error {
	now := time.Now().UTC()
	tag, err := t.tx.Exec(ctx, `
		UPDATE wps SET
			status = $1, is_current = $2, standard = $3, impact_test = $4,
			submitted_by = $5, submitted_at = $6,
			reviewed_by = $7, reviewed_at = $8,
			approved_by = $9, approved_at = $10,
			updated_at = $11, version = version + 1
		WHERE id = $12 AND version = $13`,
		w.Status, w.IsCurrent, w.Standard, w.ImpactTest,
		w.SubmittedBy, w.SubmittedAt,
		w.ReviewedBy, w.ReviewedAt,
		w.ApprovedBy, w.ApprovedAt,
		now, w.ID, w.Version,
	)
	if err != nil {
		return fmt.Errorf("update wps: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(fmt.Sprintf("WPS %q version conflict (expected %d)", w.ID, w.Version))
	}
	w.Version++
	w.UpdatedAt = now
	return nil
}

func (t *pgTx) WpsFamily(ctx context.Context, rootID string) ([]model.Wps, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+wpsColumns+` FROM wps
		WHERE id = $1 OR root_wps_id = $1
		ORDER BY revision_number DESC`, rootID)
	if err != nil {
		return nil, fmt.Errorf("query wps family: %w", err)
	}
	return collect(rows, scanWps)
}

func (t *pgTx) ClearCurrent(ctx context.Context, rootID string) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE wps SET is_current = FALSE, version = version + 1, updated_at = $2
		WHERE (id = $1 OR root_wps_id = $1) AND is_current`, rootID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("clear current wps: %w", err)
	}
	return nil
}

func (t *pgTx) WpsCodeExists(ctx context.Context, projectID, code string) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM wps WHERE project_id = $1 AND code = $2)`,
		projectID, code,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query wps code: %w", err)
	}
	return exists, nil
}

func scanProcess(row scanner) (model.WpsProcess, error) {
	var p model.WpsProcess
	err := row.Scan(&p.ID, &p.WpsID, &p.ProcessCode, &p.SpecialProcess, &p.Order)
	return p, err
}

func (t *pgTx) ListProcesses(ctx context.Context, wpsID string) ([]model.WpsProcess, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, wps_id, process_code, special_process, sort_order
		FROM wps_processes WHERE wps_id = $1
		ORDER BY sort_order, id`, wpsID)
	if err != nil {
		return nil, fmt.Errorf("query wps processes: %w", err)
	}
	return collect(rows, scanProcess)
}

func (t *pgTx) CreateProcess(ctx context.Context, p *model.WpsProcess) error {
	p.ID = newID(p.ID)
	_, err := t.tx.Exec(ctx, `
		INSERT INTO wps_processes (id, wps_id, process_code, special_process, sort_order)
		VALUES ($1, $2, $3, $4, $5)`,
		p.ID, p.WpsID, p.ProcessCode, p.SpecialProcess, p.Order)
	if err != nil {
		return fmt.Errorf("insert wps process: %w", err)
	}
	return nil
}

const definitionColumns = `id, process_code, special_process, code, name, category, data_type, unit`

func scanDefinition(row scanner) (model.WpsVariableDefinition, error) {
	var d model.WpsVariableDefinition
	err := row.Scan(&d.ID, &d.ProcessCode, &d.SpecialProcess, &d.Code, &d.Name, &d.Category, &d.DataType, &d.Unit)
	return d, err
}

func (t *pgTx) ApplicableDefinitions(ctx context.Context, processCode, specialProcess string) ([]model.WpsVariableDefinition, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+definitionColumns+` FROM wps_variable_definitions
		WHERE process_code = $1 AND (special_process = '' OR special_process = $2)
		ORDER BY code, special_process`, processCode, specialProcess)
	if err != nil {
		return nil, fmt.Errorf("query variable definitions: %w", err)
	}
	return collect(rows, scanDefinition)
}

func (t *pgTx) GetDefinition(ctx context.Context, id string) (*model.WpsVariableDefinition, error) {
	d, err := scanDefinition(t.tx.QueryRow(ctx,
		`SELECT `+definitionColumns+` FROM wps_variable_definitions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("variable definition", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query variable definition: %w", err)
	}
	return &d, nil
}

func (t *pgTx) CreateDefinition(ctx context.Context, d *model.WpsVariableDefinition) error {
	d.ID = newID(d.ID)
	_, err := t.tx.Exec(ctx, `
		INSERT INTO wps_variable_definitions (`+definitionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.ID, d.ProcessCode, d.SpecialProcess, d.Code, d.Name, d.Category, d.DataType, d.Unit)
	if isUniqueViolation(err) {
		return model.NewConflictError(fmt.Sprintf("variable definition %s/%s already exists", d.ProcessCode, d.Code))
	}
	if err != nil {
		return fmt.Errorf("insert variable definition: %w", err)
	}
	return nil
}

func (t *pgTx) ListValues(ctx context.Context, wpsID string) ([]model.WpsVariableValue, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT v.id, v.wps_process_id, v.definition_id, v.value
		FROM wps_variable_values v
		JOIN wps_processes p ON p.id = v.wps_process_id
		WHERE p.wps_id = $1
		ORDER BY v.wps_process_id, v.definition_id`, wpsID)
	if err != nil {
		return nil, fmt.Errorf("query variable values: %w", err)
	}
	return collect(rows, func(row scanner) (model.WpsVariableValue, error) {
		var v model.WpsVariableValue
		err := row.Scan(&v.ID, &v.WpsProcessID, &v.DefinitionID, &v.Value)
		return v, err
	})
}

func (t *pgTx) UpsertValue(ctx context.Context, v *model.WpsVariableValue) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO wps_variable_values (id, wps_process_id, definition_id, value)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (wps_process_id, definition_id) DO UPDATE SET value = EXCLUDED.value
		RETURNING id`,
		newID(v.ID), v.WpsProcessID, v.DefinitionID, v.Value,
	).Scan(&v.ID)
	if err != nil {
		return fmt.Errorf("upsert variable value: %w", err)
	}
	return nil
}

func (t *pgTx) ListVariables(ctx context.Context, wpsID string) ([]model.WpsVariable, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, wps_id, name, value, unit FROM wps_variables
		WHERE wps_id = $1 ORDER BY name, id`, wpsID)
	if err != nil {
		return nil, fmt.Errorf("query wps variables: %w", err)
	}
	return collect(rows, func(row scanner) (model.WpsVariable, error) {
		var v model.WpsVariable
		err := row.Scan(&v.ID, &v.WpsID, &v.Name, &v.Value, &v.Unit)
		return v, err
	})
}

func (t *pgTx) CreateVariable(ctx context.Context, v *model.WpsVariable) error {
	v.ID = newID(v.ID)
	_, err := t.tx.Exec(ctx, `
		INSERT INTO wps_variables (id, wps_id, name, value, unit) VALUES ($1, $2, $3, $4, $5)`,
		v.ID, v.WpsID, v.Name, v.Value, v.Unit)
	if err != nil {
		return fmt.Errorf("insert wps variable: %w", err)
	}
	return nil
}

// --- PQR ---

func (t *pgTx) GetPqr(ctx context.Context, id string) (*model.Pqr, error) {
	var p model.Pqr
	err := t.tx.QueryRow(ctx, `
		SELECT id, project_id, code, standard, status, approved_by, approved_at,
		       created_at, updated_at, version
		FROM pqrs WHERE id = $1`, id,
	).Scan(&p.ID, &p.ProjectID, &p.Code, &p.Standard, &p.Status, &p.ApprovedBy, &p.ApprovedAt,
		&p.CreatedAt, &p.UpdatedAt, &p.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("PQR", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query pqr: %w", err)
	}
	return &p, nil
}

func (t *pgTx) CreatePqr(ctx context.Context, p *model.Pqr) error {
	p.ID = newID(p.ID)
	if p.Version == 0 {
		p.Version = 1
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO pqrs (id, project_id, code, standard, status, approved_by, approved_at,
		                  created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		p.ID, p.ProjectID, p.Code, p.Standard, p.Status, p.ApprovedBy, p.ApprovedAt,
		p.CreatedAt, p.UpdatedAt, p.Version)
	if isUniqueViolation(err) {
		return model.NewConflictError(fmt.Sprintf("PQR %q already exists", p.ID))
	}
	if err != nil {
		return fmt.Errorf("insert pqr: %w", err)
	}
	return nil
}

func (t *pgTx) UpdatePqr(ctx context.Context, p *model.Pqr) error {
	now := time.Now().UTC()
	tag, err := t.tx.Exec(ctx, `
		UPDATE pqrs SET status = $1, approved_by = $2, approved_at = $3,
		                updated_at = $4, version = version + 1
		WHERE id = $5 AND version = $6`,
		p.Status, p.ApprovedBy, p.ApprovedAt, now, p.ID, p.Version)
	if err != nil {
		return fmt.Errorf("update pqr: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(fmt.Sprintf("PQR %q version conflict (expected %d)", p.ID, p.Version))
	}
	p.Version++
	p.UpdatedAt = now
	return nil
}

func (t *pgTx) ListPqrResults(ctx context.Context, pqrID string) ([]model.PqrResult, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, pqr_id, test_type, result_text FROM pqr_results
		WHERE pqr_id = $1 ORDER BY test_type, id`, pqrID)
	if err != nil {
		return nil, fmt.Errorf("query pqr results: %w", err)
	}
	return collect(rows, func(row scanner) (model.PqrResult, error) {
		var r model.PqrResult
		err := row.Scan(&r.ID, &r.PqrID, &r.TestType, &r.ResultText)
		return r, err
	})
}

func (t *pgTx) CreatePqrResult(ctx context.Context, r *model.PqrResult) error {
	r.ID = newID(r.ID)
	_, err := t.tx.Exec(ctx, `
		INSERT INTO pqr_results (id, pqr_id, test_type, result_text) VALUES ($1, $2, $3, $4)`,
		r.ID, r.PqrID, r.TestType, r.ResultText)
	if err != nil {
		return fmt.Errorf("insert pqr result: %w", err)
	}
	return nil
}

func (t *pgTx) EnsureLink(ctx context.Context, wpsID, pqrID string, at time.Time) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO wps_pqr_links (wps_id, pqr_id, created_at) VALUES ($1, $2, $3)
		ON CONFLICT (wps_id, pqr_id) DO NOTHING`, wpsID, pqrID, at)
	if err != nil {
		return false, fmt.Errorf("insert wps pqr link: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) ListLinks(ctx context.Context, wpsID string) ([]model.WpsPqrLink, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT wps_id, pqr_id, created_at FROM wps_pqr_links
		WHERE wps_id = $1 ORDER BY pqr_id`, wpsID)
	if err != nil {
		return nil, fmt.Errorf("query wps pqr links: %w", err)
	}
	return collect(rows, func(row scanner) (model.WpsPqrLink, error) {
		var l model.WpsPqrLink
		err := row.Scan(&l.WpsID, &l.PqrID, &l.CreatedAt)
		return l, err
	})
}

// --- Welders and welds ---

func (t *pgTx) GetWelder(ctx context.Context, id string) (*model.Welder, error) {
	var w model.Welder
	err := t.tx.QueryRow(ctx, `SELECT id, name, employer, status FROM welders WHERE id = $1`, id).
		Scan(&w.ID, &w.Name, &w.Employer, &w.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("welder", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query welder: %w", err)
	}
	return &w, nil
}

func (t *pgTx) CreateWelder(ctx context.Context, w *model.Welder) error {
	w.ID = newID(w.ID)
	_, err := t.tx.Exec(ctx, `INSERT INTO welders (id, name, employer, status) VALUES ($1, $2, $3, $4)`,
		w.ID, w.Name, w.Employer, w.Status)
	if isUniqueViolation(err) {
		return model.NewConflictError(fmt.Sprintf("welder %q already exists", w.ID))
	}
	if err != nil {
		return fmt.Errorf("insert welder: %w", err)
	}
	return nil
}

func (t *pgTx) queryIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query welder ids: %w", err)
	}
	return collect(rows, func(row scanner) (string, error) {
		var id string
		err := row.Scan(&id)
		return id, err
	})
}

func (t *pgTx) ListWelderIDs(ctx context.Context) ([]string, error) {
	return t.queryIDs(ctx, `SELECT id FROM welders ORDER BY id`)
}

func (t *pgTx) WelderIDsForProject(ctx context.Context, projectID string) ([]string, error) {
	return t.queryIDs(ctx, `
		SELECT DISTINCT l.welder_id
		FROM continuity_logs l
		JOIN welds w ON w.id = l.weld_id
		WHERE w.project_id = $1
		ORDER BY l.welder_id`, projectID)
}

const weldColumns = `id, project_id, number, status, closed_at, created_at, updated_at, version`

func (t *pgTx) getWeld(ctx context.Context, id, suffix string) (*model.Weld, error) {
	var w model.Weld
	err := t.tx.QueryRow(ctx, `SELECT `+weldColumns+` FROM welds WHERE id = $1`+suffix, id).
		Scan(&w.ID, &w.ProjectID, &w.Number, &w.Status, &w.ClosedAt, &w.CreatedAt, &w.UpdatedAt, &w.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("weld", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query weld: %w", err)
	}
	return &w, nil
}

func (t *pgTx) GetWeld(ctx context.Context, id string) (*model.Weld, error) {
	return t.getWeld(ctx, id, "")
}

func (t *pgTx) LockWeld(ctx context.Context, id string) (*model.Weld, error) {
	return t.getWeld(ctx, id, " FOR UPDATE")
}

func (t *pgTx) CreateWeld(ctx context.Context, w *model.Weld) error {
	w.ID = newID(w.ID)
	if w.Version == 0 {
		w.Version = 1
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO welds (`+weldColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		w.ID, w.ProjectID, w.Number, w.Status, w.ClosedAt, w.CreatedAt, w.UpdatedAt, w.Version)
	if isUniqueViolation(err) {
		return model.NewConflictError(fmt.Sprintf("weld %q already exists in project", w.Number))
	}
	if err != nil {
		return fmt.Errorf("insert weld: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateWeld(ctx context.Context, w *model.Weld) error {
	now := time.Now().UTC()
	tag, err := t.tx.Exec(ctx, `
		UPDATE welds SET status = $1, closed_at = $2, updated_at = $3, version = version + 1
		WHERE id = $4 AND version = $5`,
		w.Status, w.ClosedAt, now, w.ID, w.Version)
	if err != nil {
		return fmt.Errorf("update weld: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(fmt.Sprintf("weld %q version conflict (expected %d)", w.ID, w.Version))
	}
	w.Version++
	w.UpdatedAt = now
	return nil
}

func (t *pgTx) CreateWelderAssignment(ctx context.Context, a *model.WeldWelderAssignment) error {
	a.ID = newID(a.ID)
	_, err := t.tx.Exec(ctx, `
		INSERT INTO weld_welder_assignments (id, weld_id, welder_id, status, assigned_at)
		VALUES ($1, $2, $3, $4, $5)`, a.ID, a.WeldID, a.WelderID, a.Status, a.AssignedAt)
	if err != nil {
		return fmt.Errorf("insert welder assignment: %w", err)
	}
	return nil
}

func (t *pgTx) ActiveWelderAssignments(ctx context.Context, weldID string) ([]model.WeldWelderAssignment, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, weld_id, welder_id, status, assigned_at FROM weld_welder_assignments
		WHERE weld_id = $1 AND status = $2
		ORDER BY assigned_at, id`, weldID, model.AssignmentActive)
	if err != nil {
		return nil, fmt.Errorf("query welder assignments: %w", err)
	}
	return collect(rows, func(row scanner) (model.WeldWelderAssignment, error) {
		var a model.WeldWelderAssignment
		err := row.Scan(&a.ID, &a.WeldID, &a.WelderID, &a.Status, &a.AssignedAt)
		return a, err
	})
}

func (t *pgTx) CreateWpsAssignment(ctx context.Context, a *model.WeldWpsAssignment) error {
	a.ID = newID(a.ID)
	_, err := t.tx.Exec(ctx, `
		INSERT INTO weld_wps_assignments (id, weld_id, wps_id, status, assigned_at)
		VALUES ($1, $2, $3, $4, $5)`, a.ID, a.WeldID, a.WpsID, a.Status, a.AssignedAt)
	if err != nil {
		return fmt.Errorf("insert wps assignment: %w", err)
	}
	return nil
}

func (t *pgTx) ActiveWpsAssignment(ctx context.Context, weldID string) (*model.WeldWpsAssignment, error) {
	var a model.WeldWpsAssignment
	err := t.tx.QueryRow(ctx, `
		SELECT id, weld_id, wps_id, status, assigned_at FROM weld_wps_assignments
		WHERE weld_id = $1 AND status = $2
		ORDER BY assigned_at DESC, id DESC LIMIT 1`, weldID, model.AssignmentActive,
	).Scan(&a.ID, &a.WeldID, &a.WpsID, &a.Status, &a.AssignedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query wps assignment: %w", err)
	}
	return &a, nil
}

func (t *pgTx) CreateInspection(ctx context.Context, i *model.VisualInspection) error {
	i.ID = newID(i.ID)
	_, err := t.tx.Exec(ctx, `
		INSERT INTO visual_inspections (id, weld_id, stage, result, inspector, at)
		VALUES ($1, $2, $3, $4, $5, $6)`, i.ID, i.WeldID, i.Stage, i.Result, i.Inspector, i.At)
	if err != nil {
		return fmt.Errorf("insert visual inspection: %w", err)
	}
	return nil
}

func (t *pgTx) LatestInspection(ctx context.Context, weldID, stage string) (*model.VisualInspection, error) {
	var i model.VisualInspection
	err := t.tx.QueryRow(ctx, `
		SELECT id, weld_id, stage, result, inspector, at FROM visual_inspections
		WHERE weld_id = $1 AND stage = $2
		ORDER BY at DESC, id DESC LIMIT 1`, weldID, stage,
	).Scan(&i.ID, &i.WeldID, &i.Stage, &i.Result, &i.Inspector, &i.At)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query visual inspection: %w", err)
	}
	return &i, nil
}

// --- Continuity ---

func (t *pgTx) AppendContinuityLog(ctx context.Context, l *model.ContinuityLog) error {
	l.ID = newID(l.ID)
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO continuity_logs (id, welder_id, weld_id, date, process, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		l.ID, l.WelderID, l.WeldID, model.DateOf(l.Date), l.Process, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert continuity log: %w", err)
	}
	return nil
}

func scanContinuityLog(row scanner) (model.ContinuityLog, error) {
	var l model.ContinuityLog
	err := row.Scan(&l.ID, &l.WelderID, &l.WeldID, &l.Date, &l.Process, &l.CreatedAt)
	return l, err
}

func (t *pgTx) LatestContinuityLog(ctx context.Context, welderID string) (*model.ContinuityLog, error) {
	l, err := scanContinuityLog(t.tx.QueryRow(ctx, `
		SELECT id, welder_id, weld_id, date, process, created_at FROM continuity_logs
		WHERE welder_id = $1
		ORDER BY date DESC, created_at DESC LIMIT 1`, welderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query continuity log: %w", err)
	}
	return &l, nil
}

func (t *pgTx) ListContinuityLogs(ctx context.Context, welderID string) ([]model.ContinuityLog, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, welder_id, weld_id, date, process, created_at FROM continuity_logs
		WHERE welder_id = $1
		ORDER BY date DESC, created_at DESC`, welderID)
	if err != nil {
		return nil, fmt.Errorf("query continuity logs: %w", err)
	}
	return collect(rows, scanContinuityLog)
}

func (t *pgTx) GetContinuity(ctx context.Context, welderID string) (*model.WelderContinuity, error) {
	var c model.WelderContinuity
	err := t.tx.QueryRow(ctx, `
		SELECT id, welder_id, last_activity_date, continuity_due_date, status, updated_at
		FROM welder_continuity WHERE welder_id = $1`, welderID,
	).Scan(&c.ID, &c.WelderID, &c.LastActivityDate, &c.ContinuityDueDate, &c.Status, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query welder continuity: %w", err)
	}
	return &c, nil
}

func (t *pgTx) UpsertContinuity(ctx context.Context, c *model.WelderContinuity) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO welder_continuity (id, welder_id, last_activity_date, continuity_due_date, status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (welder_id) DO UPDATE SET
			last_activity_date = EXCLUDED.last_activity_date,
			continuity_due_date = EXCLUDED.continuity_due_date,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at
		RETURNING id`,
		newID(c.ID), c.WelderID, c.LastActivityDate, c.ContinuityDueDate, c.Status, c.UpdatedAt,
	).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("upsert welder continuity: %w", err)
	}
	return nil
}
