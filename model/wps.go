package model

import "time"

// WPS status constants.
const (
	WpsStatusDraft           = "draft"
	WpsStatusPendingApproval = "pending_approval"
	WpsStatusReviewed        = "reviewed"
	WpsStatusApproved        = "approved"
	WpsStatusArchived        = "archived"
)

// Welding process codes.
const (
	ProcessSMAW = "SMAW"
	ProcessGTAW = "GTAW"
	ProcessGMAW = "GMAW"
	ProcessFCAW = "FCAW"
)

// Special process codes, legal only together with SMAW.
const (
	SpecialProcessHFO = "HFO"
	SpecialProcessCRO = "CRO"
)

// MaxWpsProcesses is the number of distinct process codes a WPS may declare.
const MaxWpsProcesses = 3

// Variable definition categories.
const (
	CategoryEssential     = "essential"
	CategorySupplementary = "supplementary"
	CategoryNonessential  = "nonessential"
)

// Variable definition data types.
const (
	DataTypeText    = "text"
	DataTypeNumber  = "number"
	DataTypeEnum    = "enum"
	DataTypeBoolean = "boolean"
)

// PQR status constants.
const (
	PqrStatusDraft    = "draft"
	PqrStatusInReview = "in_review"
	PqrStatusApproved = "approved"
	PqrStatusArchived = "archived"
)

// IsProcessCode reports whether code is a known welding process.
func IsProcessCode(code string) bool {
	switch code {
	case ProcessSMAW, ProcessGTAW, ProcessGMAW, ProcessFCAW:
		return true
	}
	return false
}

// IsSpecialProcess reports whether code is a known special process.
func IsSpecialProcess(code string) bool {
	return code == SpecialProcessHFO || code == SpecialProcessCRO
}

// Wps is one revision of a welding procedure specification. Empty actor
// fields and nil timestamps mean "not set".
type Wps struct {
	ID             string     `json:"id"`
	ProjectID      string     `json:"project_id"`
	EquipmentID    string     `json:"equipment_id,omitempty"`
	Code           string     `json:"code"`
	Standard       string     `json:"standard"`
	ImpactTest     bool       `json:"impact_test"`
	Status         string     `json:"status"`
	RootWpsID      string     `json:"root_wps_id,omitempty"`
	RevisionNumber int        `json:"revision_number"`
	IsCurrent      bool       `json:"is_current"`
	SubmittedBy    string     `json:"submitted_by,omitempty"`
	SubmittedAt    *time.Time `json:"submitted_at,omitempty"`
	ReviewedBy     string     `json:"reviewed_by,omitempty"`
	ReviewedAt     *time.Time `json:"reviewed_at,omitempty"`
	ApprovedBy     string     `json:"approved_by,omitempty"`
	ApprovedAt     *time.Time `json:"approved_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	Version        int        `json:"version"`
}

// FamilyRoot returns the id of the head of this revision chain.
func (w *Wps) FamilyRoot() string {
	if w.RootWpsID != "" {
		return w.RootWpsID
	}
	return w.ID
}

// WpsProcess is one welding process declared by a WPS.
type WpsProcess struct {
	ID             string `json:"id"`
	WpsID          string `json:"wps_id"`
	ProcessCode    string `json:"process_code"`
	SpecialProcess string `json:"special_process,omitempty"`
	Order          int    `json:"order"`
}

// WpsVariableDefinition is a catalog entry keyed by
// (ProcessCode, SpecialProcess, Code). An empty SpecialProcess applies to
// every variant of the process.
type WpsVariableDefinition struct {
	ID             string `json:"id"`
	ProcessCode    string `json:"process_code"`
	SpecialProcess string `json:"special_process,omitempty"`
	Code           string `json:"code"`
	Name           string `json:"name"`
	Category       string `json:"category"`
	DataType       string `json:"data_type"`
	Unit           string `json:"unit,omitempty"`
}

// AppliesTo reports whether the definition is applicable to a process
// variant.
func (d *WpsVariableDefinition) AppliesTo(processCode, specialProcess string) bool {
	if d.ProcessCode != processCode {
		return false
	}
	return d.SpecialProcess == "" || d.SpecialProcess == specialProcess
}

// WpsVariableValue is the value of one definition for one WpsProcess.
type WpsVariableValue struct {
	ID           string `json:"id"`
	WpsProcessID string `json:"wps_process_id"`
	DefinitionID string `json:"definition_id"`
	Value        string `json:"value"`
}

// WpsVariable is a legacy free-form (name, value, unit) row attached to a WPS.
type WpsVariable struct {
	ID    string `json:"id"`
	WpsID string `json:"wps_id"`
	Name  string `json:"name"`
	Value string `json:"value"`
	Unit  string `json:"unit,omitempty"`
}

// Pqr is a procedure qualification record.
type Pqr struct {
	ID         string     `json:"id"`
	ProjectID  string     `json:"project_id,omitempty"`
	Code       string     `json:"code"`
	Standard   string     `json:"standard"`
	Status     string     `json:"status"`
	ApprovedBy string     `json:"approved_by,omitempty"`
	ApprovedAt *time.Time `json:"approved_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	Version    int        `json:"version"`
}

// PqrResult is one (testType, resultText) pair of a PQR's qualified envelope.
type PqrResult struct {
	ID         string `json:"id"`
	PqrID      string `json:"pqr_id"`
	TestType   string `json:"test_type"`
	ResultText string `json:"result_text"`
}

// WpsPqrLink records that a PQR supports a WPS.
type WpsPqrLink struct {
	WpsID     string    `json:"wps_id"`
	PqrID     string    `json:"pqr_id"`
	CreatedAt time.Time `json:"created_at"`
}

// WpsDetail is a WPS together with its processes, values and legacy variables.
type WpsDetail struct {
	Wps       *Wps               `json:"wps"`
	Processes []WpsProcess       `json:"processes"`
	Values    []WpsVariableValue `json:"values,omitempty"`
	Variables []WpsVariable      `json:"variables,omitempty"`
}

// CompletenessReport lists the required variables a WPS is still missing.
type CompletenessReport struct {
	WpsID        string            `json:"wps_id"`
	ProcessCount int               `json:"process_count"`
	Missing      []MissingVariable `json:"missing"`
	Complete     bool              `json:"complete"`
}
