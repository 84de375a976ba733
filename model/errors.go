package model

import (
	"errors"
	"fmt"
	"strings"
)

// Generic error codes.
const (
	ErrBadRequest     = "BAD_REQUEST"
	ErrUnauthorized   = "UNAUTHORIZED"
	ErrForbidden      = "FORBIDDEN"
	ErrNotFound       = "NOT_FOUND"
	ErrConflict       = "CONFLICT"
	ErrInternalError  = "INTERNAL_ERROR"
	ErrValidationFail = "VALIDATION_ERROR"
)

// Qualification engine error codes. Each is a business-rule rejection and
// maps to a 4xx response.
const (
	ErrInvalidState             = "INVALID_STATE"
	ErrSameActor                = "SAME_ACTOR"
	ErrMissingProcesses         = "MISSING_PROCESSES"
	ErrMissingRequiredVariables = "MISSING_REQUIRED_VARIABLES"
	ErrMissingPqr               = "MISSING_PQR"
	ErrPqrNotFound              = "PQR_NOT_FOUND"
	ErrPqrNotApproved           = "PQR_NOT_APPROVED"
	ErrStandardMismatch         = "STANDARD_MISMATCH"
	ErrValueMismatch            = "VALUE_MISMATCH"
	ErrProcessMismatch          = "PROCESS_MISMATCH"
	ErrThicknessMismatch        = "THICKNESS_MISMATCH"
	ErrPositionMismatch         = "POSITION_MISMATCH"
	ErrMissingResults           = "MISSING_RESULTS"
	ErrPostWeldInspectionFailed = "POST_WELD_INSPECTION_FAILED"
	ErrMissingProject           = "MISSING_PROJECT"
	ErrInvalidScope             = "INVALID_SCOPE"
)

// ErrorEnvelope is the error value returned by every engine operation and
// the error body written by the HTTP layer. It implements the error interface.
type ErrorEnvelope struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details []FieldError      `json:"details,omitempty"`
	Missing []MissingVariable `json:"missing,omitempty"`
	Meta    map[string]string `json:"meta,omitempty"`
	TraceID string            `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// MissingVariable names a required variable definition that has no value on
// one WPS process.
type MissingVariable struct {
	ProcessCode    string `json:"process_code"`
	DefinitionCode string `json:"definition_code"`
}

// String renders the pair as "PROCESS:DEFINITION".
func (m MissingVariable) String() string {
	return m.ProcessCode + ":" + m.DefinitionCode
}

// CodeOf returns the envelope code carried by err, or "" if err is not an
// *ErrorEnvelope.
func CodeOf(err error) string {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// IsCode reports whether err carries the given envelope code.
func IsCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationFail,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewInvalidStateError reports an operation attempted from a status that
// does not allow it.
func NewInvalidStateError(entity, id, status, op string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInvalidState,
		Message: fmt.Sprintf("%s %q is %s; %s is not allowed", entity, id, status, op),
		Meta:    map[string]string{"entity": entity, "status": status, "operation": op},
	}
}

// NewSameActorError reports a separation-of-duties violation.
func NewSameActorError(actor, role string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrSameActor,
		Message: fmt.Sprintf("actor %q already acted as %s on this record", actor, role),
		Meta:    map[string]string{"actor": actor, "conflicting_role": role},
	}
}

// NewMissingProcessesError reports a WPS without any process.
func NewMissingProcessesError(wpsID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrMissingProcesses,
		Message: fmt.Sprintf("WPS %q has no welding process", wpsID),
	}
}

// NewMissingRequiredVariablesError lists every required variable without a value.
func NewMissingRequiredVariablesError(missing []MissingVariable) *ErrorEnvelope {
	names := make([]string, len(missing))
	for i, m := range missing {
		names[i] = m.String()
	}
	return &ErrorEnvelope{
		Code:    ErrMissingRequiredVariables,
		Message: "Required WPS variables are missing: " + strings.Join(names, ", "),
		Missing: missing,
	}
}

// NewMissingPqrError reports an approval request without supporting PQRs.
func NewMissingPqrError() *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrMissingPqr, Message: "at least one supporting PQR id is required"}
}

// NewPqrNotFoundError reports a PQR id that does not resolve.
func NewPqrNotFoundError(pqrID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrPqrNotFound,
		Message: fmt.Sprintf("PQR %q not found", pqrID),
		Meta:    map[string]string{"pqr_id": pqrID},
	}
}

// NewPqrNotApprovedError reports a supporting PQR that is not approved.
func NewPqrNotApprovedError(pqrID, status string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrPqrNotApproved,
		Message: fmt.Sprintf("PQR %q is %s, not approved", pqrID, status),
		Meta:    map[string]string{"pqr_id": pqrID, "status": status},
	}
}

// NewStandardMismatchError reports a WPS/PQR standard mismatch.
func NewStandardMismatchError(pqrID, wpsStandard, pqrStandard string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrStandardMismatch,
		Message: fmt.Sprintf("WPS standard %q does not match PQR %q standard %q", wpsStandard, pqrID, pqrStandard),
		Meta:    map[string]string{"pqr_id": pqrID, "wps_standard": wpsStandard, "pqr_standard": pqrStandard},
	}
}

// NewEnvelopeMismatchError reports a qualification envelope check failure.
// code is one of the *_MISMATCH codes.
func NewEnvelopeMismatchError(code, key, wpsValue, pqrValue string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    code,
		Message: fmt.Sprintf("%s %q is outside the PQR envelope %q", key, wpsValue, pqrValue),
		Meta:    map[string]string{"key": key, "wps_value": wpsValue, "pqr_value": pqrValue},
	}
}

// NewMissingResultsError reports a PQR approval without any result rows.
func NewMissingResultsError(pqrID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrMissingResults,
		Message: fmt.Sprintf("PQR %q has no results", pqrID),
	}
}

// NewPostWeldInspectionFailedError reports a weld whose last post-weld visual
// inspection failed.
func NewPostWeldInspectionFailedError(weldID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrPostWeldInspectionFailed,
		Message: fmt.Sprintf("weld %q failed its latest post_weld inspection", weldID),
	}
}

// NewMissingProjectError reports a project-scoped batch without a project.
func NewMissingProjectError() *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrMissingProject, Message: "project_id is required for project scope"}
}

// NewInvalidScopeError reports an unknown recalculation scope.
func NewInvalidScopeError(scope string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInvalidScope,
		Message: fmt.Sprintf("scope %q is invalid (expected project or global)", scope),
	}
}
