package transport

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/weldqual/internal/qualification"
	"github.com/pitabwire/weldqual/model"
)

// actor returns the authenticated actor id of the request.
func actor(r *http.Request) string {
	return model.RequestContextFrom(r.Context()).Actor()
}

// wpsTransition adapts a WPS transition that needs only the WPS and actor,
// such as Engine.SubmitForApproval.
func wpsTransition(fn func(ctx context.Context, wpsID, actor string) (*model.Wps, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wps, err := fn(r.Context(), chi.URLParam(r, "wpsId"), actor(r))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, wps)
	}
}

func handleWpsCreate(engine *qualification.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in qualification.WpsInput
		if err := decodeJSON(r, &in); err != nil {
			WriteError(w, err)
			return
		}
		wps, err := engine.CreateWps(r.Context(), in, actor(r))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, wps)
	}
}

func handleWpsGet(engine *qualification.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		detail, err := engine.GetDetail(r.Context(), chi.URLParam(r, "wpsId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, detail)
	}
}

func handleWpsAddProcess(engine *qualification.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ProcessCode    string `json:"process_code"`
			SpecialProcess string `json:"special_process"`
		}
		if err := decodeJSON(r, &body); err != nil {
			WriteError(w, err)
			return
		}
		p, err := engine.AddProcess(r.Context(), chi.URLParam(r, "wpsId"), body.ProcessCode, body.SpecialProcess, actor(r))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, p)
	}
}

func handleWpsSetValue(engine *qualification.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			DefinitionID string `json:"definition_id"`
			Value        string `json:"value"`
		}
		if err := decodeJSON(r, &body); err != nil {
			WriteError(w, err)
			return
		}
		v, err := engine.SetVariableValue(r.Context(),
			chi.URLParam(r, "wpsId"), chi.URLParam(r, "processId"),
			body.DefinitionID, body.Value, actor(r))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, v)
	}
}

func handleWpsAddVariable(engine *qualification.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Name  string `json:"name"`
			Value string `json:"value"`
			Unit  string `json:"unit"`
		}
		if err := decodeJSON(r, &body); err != nil {
			WriteError(w, err)
			return
		}
		v, err := engine.AddVariable(r.Context(), chi.URLParam(r, "wpsId"), body.Name, body.Value, body.Unit, actor(r))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, v)
	}
}

func handleWpsCompleteness(engine *qualification.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := engine.CheckCompleteness(r.Context(), chi.URLParam(r, "wpsId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, report)
	}
}

type pqrIDsBody struct {
	PqrIDs []string `json:"pqr_ids"`
}

func handleWpsApprove(engine *qualification.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body pqrIDsBody
		if err := decodeJSON(r, &body); err != nil {
			WriteError(w, err)
			return
		}
		wps, err := engine.Approve(r.Context(), chi.URLParam(r, "wpsId"), actor(r), body.PqrIDs)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, wps)
	}
}

// handleWpsQualification runs the PQR check without changing anything.
func handleWpsQualification(engine *qualification.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body pqrIDsBody
		if err := decodeJSON(r, &body); err != nil {
			WriteError(w, err)
			return
		}
		if err := engine.CheckQualification(r.Context(), chi.URLParam(r, "wpsId"), body.PqrIDs); err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]bool{"qualified": true})
	}
}

func handleWpsNewRevision(engine *qualification.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wps, err := engine.NewRevision(r.Context(), chi.URLParam(r, "wpsId"), actor(r))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, wps)
	}
}

func handleWpsCopy(engine *qualification.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wps, err := engine.Copy(r.Context(), chi.URLParam(r, "wpsId"), actor(r))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, wps)
	}
}
