package model

import "time"

// Weld status constants.
const (
	WeldStatusPlanned    = "planned"
	WeldStatusInProgress = "in_progress"
	WeldStatusCompleted  = "completed"
	WeldStatusRepair     = "repair"
)

// Assignment status constants shared by welder and WPS assignments.
const (
	AssignmentActive   = "active"
	AssignmentInactive = "inactive"
)

// Visual inspection stages.
const (
	StageFitUp      = "fit_up"
	StageDuringWeld = "during_weld"
	StagePostWeld   = "post_weld"
)

// Visual inspection results.
const (
	ResultPass   = "pass"
	ResultFail   = "fail"
	ResultRework = "rework"
)

// Continuity status constants.
const (
	ContinuityIn  = "in_continuity"
	ContinuityOut = "out_of_continuity"
)

// UnknownProcess is logged when a closed weld has no resolvable process.
const UnknownProcess = "unknown"

// Welder is a person who performs welds.
type Welder struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Employer string `json:"employer,omitempty"`
	Status   string `json:"status"`
}

// Weld is a single weld joint on a project.
type Weld struct {
	ID        string     `json:"id"`
	ProjectID string     `json:"project_id"`
	Number    string     `json:"number"`
	Status    string     `json:"status"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	Version   int        `json:"version"`
}

// Closable reports whether the weld may be closed from its current status.
func (w *Weld) Closable() bool {
	switch w.Status {
	case WeldStatusPlanned, WeldStatusInProgress, WeldStatusRepair:
		return true
	}
	return false
}

// WeldWelderAssignment links a welder to a weld.
type WeldWelderAssignment struct {
	ID         string    `json:"id"`
	WeldID     string    `json:"weld_id"`
	WelderID   string    `json:"welder_id"`
	Status     string    `json:"status"`
	AssignedAt time.Time `json:"assigned_at"`
}

// WeldWpsAssignment links a WPS to a weld. The most recently assigned active
// row is the weld's active WPS.
type WeldWpsAssignment struct {
	ID         string    `json:"id"`
	WeldID     string    `json:"weld_id"`
	WpsID      string    `json:"wps_id"`
	Status     string    `json:"status"`
	AssignedAt time.Time `json:"assigned_at"`
}

// VisualInspection is one visual check of a weld at a given stage.
type VisualInspection struct {
	ID        string    `json:"id"`
	WeldID    string    `json:"weld_id"`
	Stage     string    `json:"stage"`
	Result    string    `json:"result"`
	Inspector string    `json:"inspector,omitempty"`
	At        time.Time `json:"at"`
}

// ContinuityLog is an immutable record that a welder completed a weld on a
// given date with a given process.
type ContinuityLog struct {
	ID        string    `json:"id"`
	WelderID  string    `json:"welder_id"`
	WeldID    string    `json:"weld_id"`
	Date      time.Time `json:"date"`
	Process   string    `json:"process"`
	CreatedAt time.Time `json:"created_at"`
}

// WelderContinuity is the cached continuity state of one welder. It is
// rebuilt from ContinuityLog history and never edited directly.
type WelderContinuity struct {
	ID                string     `json:"id"`
	WelderID          string     `json:"welder_id"`
	LastActivityDate  *time.Time `json:"last_activity_date"`
	ContinuityDueDate *time.Time `json:"continuity_due_date"`
	Status            string     `json:"status"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// DateOf truncates t to its UTC calendar date.
func DateOf(t time.Time) time.Time {
	return LocalDateOf(t.UTC())
}

// LocalDateOf returns the calendar date of t in t's own location, as
// midnight UTC. 2026-07-01T22:00-05:00 is 2026-07-01.
func LocalDateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
