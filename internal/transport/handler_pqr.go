package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/weldqual/internal/qualification"
)

func handlePqrCreate(engine *qualification.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in qualification.PqrInput
		if err := decodeJSON(r, &in); err != nil {
			WriteError(w, err)
			return
		}
		pqr, err := engine.CreatePqr(r.Context(), in, actor(r))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, pqr)
	}
}

func handlePqrAddResult(engine *qualification.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			TestType   string `json:"test_type"`
			ResultText string `json:"result_text"`
		}
		if err := decodeJSON(r, &body); err != nil {
			WriteError(w, err)
			return
		}
		res, err := engine.AddPqrResult(r.Context(), chi.URLParam(r, "pqrId"), body.TestType, body.ResultText, actor(r))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, res)
	}
}

func handlePqrSubmit(engine *qualification.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pqr, err := engine.SubmitPqrForReview(r.Context(), chi.URLParam(r, "pqrId"), actor(r))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, pqr)
	}
}

func handlePqrApprove(engine *qualification.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pqr, err := engine.ApprovePqr(r.Context(), chi.URLParam(r, "pqrId"), actor(r))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, pqr)
	}
}
