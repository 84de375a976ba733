package transport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/weldqual/internal/closure"
	"github.com/pitabwire/weldqual/internal/continuity"
)

func handleWeldClose(wf *closure.Workflow) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ClosedAt *time.Time `json:"closed_at"`
		}
		if err := decodeJSON(r, &body); err != nil {
			WriteError(w, err)
			return
		}
		res, err := wf.CloseWeld(r.Context(), chi.URLParam(r, "weldId"), body.ClosedAt, actor(r))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}

func handleContinuityRecalculate(tracker *continuity.Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := tracker.Recalculate(r.Context(), chi.URLParam(r, "welderId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, c)
	}
}

func handleContinuityBatch(tracker *continuity.Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Scope     string `json:"scope"`
			ProjectID string `json:"project_id"`
		}
		if err := decodeJSON(r, &body); err != nil {
			WriteError(w, err)
			return
		}
		rows, err := tracker.RecalculateBatch(r.Context(), body.Scope, body.ProjectID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"scope":      body.Scope,
			"processed":  len(rows),
			"continuity": rows,
		})
	}
}
