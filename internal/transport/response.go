// Package transport is the HTTP adapter of the qualification engine: the
// chi router, the middleware chain and one handler per engine operation.
package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/pitabwire/weldqual/model"
)

const maxBodyBytes = 1 << 20

// statusForCode maps ErrorEnvelope codes to HTTP status codes. Codes that
// are not listed are answered with 500.
var statusForCode = map[string]int{
	model.ErrBadRequest:     http.StatusBadRequest,
	model.ErrUnauthorized:   http.StatusUnauthorized,
	model.ErrForbidden:      http.StatusForbidden,
	model.ErrNotFound:       http.StatusNotFound,
	model.ErrConflict:       http.StatusConflict,
	model.ErrValidationFail: http.StatusUnprocessableEntity,
	model.ErrInternalError:  http.StatusInternalServerError,

	model.ErrInvalidState:             http.StatusConflict,
	model.ErrSameActor:                http.StatusForbidden,
	model.ErrMissingProcesses:         http.StatusUnprocessableEntity,
	model.ErrMissingRequiredVariables: http.StatusUnprocessableEntity,
	model.ErrMissingPqr:               http.StatusUnprocessableEntity,
	model.ErrPqrNotFound:              http.StatusUnprocessableEntity,
	model.ErrPqrNotApproved:           http.StatusUnprocessableEntity,
	model.ErrStandardMismatch:         http.StatusUnprocessableEntity,
	model.ErrValueMismatch:            http.StatusUnprocessableEntity,
	model.ErrProcessMismatch:          http.StatusUnprocessableEntity,
	model.ErrThicknessMismatch:        http.StatusUnprocessableEntity,
	model.ErrPositionMismatch:         http.StatusUnprocessableEntity,
	model.ErrMissingResults:           http.StatusUnprocessableEntity,
	model.ErrPostWeldInspectionFailed: http.StatusUnprocessableEntity,
	model.ErrMissingProject:           http.StatusBadRequest,
	model.ErrInvalidScope:             http.StatusBadRequest,
}

// StatusFor returns the HTTP status for err.
func StatusFor(err error) int {
	if status, ok := statusForCode[model.CodeOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes err as an ErrorEnvelope with the matching HTTP status.
// Errors that do not carry an envelope are hidden behind a generic 500.
func WriteError(w http.ResponseWriter, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}

	type errorResponse struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	WriteJSON(w, StatusFor(ee), errorResponse{Error: ee})
}

// decodeJSON reads a JSON request body into dst. An empty body leaves dst
// untouched.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return model.NewBadRequestError("invalid JSON body")
	}
	return nil
}
