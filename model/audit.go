package model

import "time"

// Audited entity names.
const (
	EntityWps  = "wps"
	EntityPqr  = "pqr"
	EntityWeld = "weld"
)

// Change is the before/after value of one field.
type Change struct {
	From any `json:"from"`
	To   any `json:"to"`
}

// AuditEvent describes one state-changing engine operation.
type AuditEvent struct {
	Entity        string            `json:"entity"`
	EntityID      string            `json:"entity_id"`
	Action        string            `json:"action"`
	Actor         string            `json:"actor"`
	Diff          map[string]Change `json:"diff,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	At            time.Time         `json:"at"`
}
