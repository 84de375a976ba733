package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/weldqual/internal/capability"
	"github.com/pitabwire/weldqual/internal/closure"
	"github.com/pitabwire/weldqual/internal/config"
	"github.com/pitabwire/weldqual/internal/continuity"
	"github.com/pitabwire/weldqual/internal/idempotency"
	"github.com/pitabwire/weldqual/internal/observability"
	"github.com/pitabwire/weldqual/internal/operation"
	"github.com/pitabwire/weldqual/internal/qualification"
	"github.com/pitabwire/weldqual/internal/store"
	"github.com/pitabwire/weldqual/model"
)

const testPolicy = `roles:
  supervisor: ["wps:*", "pqr:*", "weld:close", "continuity:recalculate"]
  inspector: ["wps:view", "wps:review", "pqr:review", "weld:close"]
  welder: ["wps:view"]
`

var (
	alice = identity{"alice", "supervisor"}
	bob   = identity{"bob", "inspector"}
	carol = identity{"carol", "supervisor"}
	dave  = identity{"dave", "welder"}
)

type identity struct {
	subject string
	role    string
}

// headerAuth stands in for the JWT authenticator: claims come from test
// headers.
func headerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := map[string]any{
			"sub":   r.Header.Get("X-Test-Subject"),
			"roles": []any{r.Header.Get("X-Test-Role")},
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

type server struct {
	t       *testing.T
	store   *store.MemoryStore
	handler http.Handler
	defID   string
}

func newServer(t *testing.T, idem idempotency.Store) *server {
	t.Helper()

	policyPath := filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(policyPath, []byte(testPolicy), 0o600))
	evaluator, err := capability.NewStaticPolicyEvaluator(policyPath)
	require.NoError(t, err)

	st := store.NewMemoryStore()
	runner := operation.NewRunner(st)
	tracker := continuity.NewTracker(runner, continuity.DefaultWindowDays)

	cfg := config.Defaults()
	cfg.Idempotency.Enabled = idem != nil

	s := &server{t: t, store: st}
	s.handler = NewRouter(Dependencies{
		Config:             cfg,
		Authenticate:       headerAuth,
		CapabilityResolver: capability.NewResolver(evaluator, time.Minute, nil),
		Idempotency:        idem,
		Readiness:          observability.ReadinessChecks{Store: observability.CheckFunc(st.Ping)},
		Qualification:      qualification.NewEngine(runner),
		Closure:            closure.NewWorkflow(runner, tracker),
		Continuity:         tracker,
	})

	s.seed(func(ctx context.Context, tx store.Tx) error {
		d := &model.WpsVariableDefinition{
			ProcessCode: model.ProcessSMAW, Code: "base_metal", Name: "Base metal",
			Category: model.CategoryEssential, DataType: model.DataTypeText,
		}
		if err := tx.CreateDefinition(ctx, d); err != nil {
			return err
		}
		s.defID = d.ID
		return nil
	})
	return s
}

func (s *server) seed(fn func(ctx context.Context, tx store.Tx) error) {
	s.t.Helper()
	require.NoError(s.t, s.store.InTx(context.Background(), fn))
}

func (s *server) do(who identity, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-Test-Subject", who.subject)
	req.Header.Set("X-Test-Role", who.role)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), "body: %s", w.Body.String())
	return v
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[struct {
		Error model.ErrorEnvelope `json:"error"`
	}](t, w).Error.Code
}

// authorWps creates a complete draft WPS over HTTP and returns its id.
func (s *server) authorWps(code string) string {
	s.t.Helper()
	w := s.do(alice, "POST", "/wps", qualification.WpsInput{ProjectID: "proj-1", Code: code, Standard: "ASME IX"})
	require.Equal(s.t, http.StatusCreated, w.Code, w.Body.String())
	wpsID := decode[model.Wps](s.t, w).ID

	w = s.do(alice, "POST", "/wps/"+wpsID+"/processes", map[string]string{"process_code": "smaw"})
	require.Equal(s.t, http.StatusCreated, w.Code, w.Body.String())
	proc := decode[model.WpsProcess](s.t, w)
	assert.Equal(s.t, model.ProcessSMAW, proc.ProcessCode)

	w = s.do(alice, "PUT", "/wps/"+wpsID+"/processes/"+proc.ID+"/values",
		map[string]string{"definition_id": s.defID, "value": "P1"})
	require.Equal(s.t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(alice, "POST", "/wps/"+wpsID+"/variables", map[string]string{"name": "position", "value": "1G"})
	require.Equal(s.t, http.StatusCreated, w.Code, w.Body.String())
	return wpsID
}

// approvedPqr creates and approves a PQR qualifying SMAW in 1G and 2G.
func (s *server) approvedPqr(code string) string {
	s.t.Helper()
	w := s.do(carol, "POST", "/pqr", qualification.PqrInput{Code: code, Standard: "ASME IX"})
	require.Equal(s.t, http.StatusCreated, w.Code, w.Body.String())
	pqrID := decode[model.Pqr](s.t, w).ID

	for testType, result := range map[string]string{"processes": "SMAW", "position": "1G, 2G"} {
		w = s.do(carol, "POST", "/pqr/"+pqrID+"/results", map[string]string{"test_type": testType, "result_text": result})
		require.Equal(s.t, http.StatusCreated, w.Code, w.Body.String())
	}

	w = s.do(carol, "POST", "/pqr/"+pqrID+"/approve", nil)
	require.Equal(s.t, http.StatusOK, w.Code, w.Body.String())
	return pqrID
}

// --- WPS lifecycle ---

func TestHTTP_wpsApprovalFlow(t *testing.T) {
	s := newServer(t, nil)
	wpsID := s.authorWps("WPS-100")
	pqrID := s.approvedPqr("PQR-1")

	w := s.do(alice, "GET", "/wps/"+wpsID+"/completeness", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[model.CompletenessReport](t, w).Complete)

	w = s.do(alice, "POST", "/wps/"+wpsID+"/qualification-check", map[string]any{"pqr_ids": []string{pqrID}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(alice, "POST", "/wps/"+wpsID+"/submit", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, model.WpsStatusPendingApproval, decode[model.Wps](t, w).Status)

	w = s.do(bob, "POST", "/wps/"+wpsID+"/review", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(carol, "POST", "/wps/"+wpsID+"/approve", map[string]any{"pqr_ids": []string{pqrID}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	approved := decode[model.Wps](t, w)
	assert.Equal(t, model.WpsStatusApproved, approved.Status)
	assert.Equal(t, "carol", approved.ApprovedBy)

	w = s.do(dave, "GET", "/wps/"+wpsID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	detail := decode[model.WpsDetail](t, w)
	assert.Len(t, detail.Processes, 1)
	assert.Len(t, detail.Variables, 1)
}

func TestHTTP_sameActorReview(t *testing.T) {
	s := newServer(t, nil)
	wpsID := s.authorWps("WPS-201")
	require.Equal(t, http.StatusOK, s.do(alice, "POST", "/wps/"+wpsID+"/submit", nil).Code)

	w := s.do(alice, "POST", "/wps/"+wpsID+"/review", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, model.ErrSameActor, errorCode(t, w))
}

func TestHTTP_approveRejections(t *testing.T) {
	s := newServer(t, nil)
	wpsID := s.authorWps("WPS-200")
	require.Equal(t, http.StatusOK, s.do(alice, "POST", "/wps/"+wpsID+"/submit", nil).Code)
	require.Equal(t, http.StatusOK, s.do(bob, "POST", "/wps/"+wpsID+"/review", nil).Code)

	w := s.do(carol, "POST", "/wps/"+wpsID+"/approve", map[string]any{"pqr_ids": []string{}})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, model.ErrMissingPqr, errorCode(t, w))

	w = s.do(carol, "POST", "/wps/"+wpsID+"/approve", map[string]any{"pqr_ids": []string{"missing"}})
	assert.Equal(t, model.ErrPqrNotFound, errorCode(t, w))

	w = s.do(bob, "POST", "/wps/"+wpsID+"/approve", map[string]any{"pqr_ids": []string{"missing"}})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, model.ErrForbidden, errorCode(t, w))

	w = s.do(alice, "GET", "/wps/"+wpsID, nil)
	assert.Equal(t, model.WpsStatusReviewed, decode[model.WpsDetail](t, w).Wps.Status)
}

func TestHTTP_positionMismatch(t *testing.T) {
	s := newServer(t, nil)
	pqrID := s.approvedPqr("PQR-3")

	w := s.do(alice, "POST", "/wps", qualification.WpsInput{ProjectID: "proj-1", Code: "WPS-301", Standard: "ASME IX"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	wpsID := decode[model.Wps](t, w).ID
	w = s.do(alice, "POST", "/wps/"+wpsID+"/variables", map[string]string{"name": "position", "value": "1G, 6G"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = s.do(dave, "POST", "/wps/"+wpsID+"/qualification-check", map[string]any{"pqr_ids": []string{pqrID}})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, model.ErrPositionMismatch, errorCode(t, w))
}

func TestHTTP_invalidState(t *testing.T) {
	s := newServer(t, nil)
	wpsID := s.authorWps("WPS-400")

	w := s.do(bob, "POST", "/wps/"+wpsID+"/review", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, model.ErrInvalidState, errorCode(t, w))
}

func TestHTTP_revisionAndCopy(t *testing.T) {
	s := newServer(t, nil)
	wpsID := s.authorWps("WPS-500")

	w := s.do(alice, "POST", "/wps/"+wpsID+"/revisions", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	rev := decode[model.Wps](t, w)
	assert.Equal(t, 1, rev.RevisionNumber)
	assert.Equal(t, wpsID, rev.RootWpsID)
	assert.Equal(t, model.WpsStatusDraft, rev.Status)

	w = s.do(alice, "POST", "/wps/"+wpsID+"/submit", nil)
	assert.Equal(t, model.ErrInvalidState, errorCode(t, w), "superseded revision is not current")

	w = s.do(alice, "POST", "/wps/"+rev.ID+"/copy", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "WPS-500-COPY", decode[model.Wps](t, w).Code)

	w = s.do(bob, "POST", "/wps/"+rev.ID+"/copy", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHTTP_authoringValidation(t *testing.T) {
	s := newServer(t, nil)

	w := s.do(alice, "POST", "/wps", map[string]string{"code": "WPS-1"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, model.ErrValidationFail, errorCode(t, w))

	w = s.do(alice, "POST", "/wps", map[string]any{"code": "WPS-1", "bogus": true})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(alice, "GET", "/wps/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHTTP_pqrLifecycle(t *testing.T) {
	s := newServer(t, nil)
	w := s.do(carol, "POST", "/pqr", qualification.PqrInput{Code: "PQR-9", Standard: "ASME IX"})
	pqrID := decode[model.Pqr](t, w).ID

	w = s.do(bob, "POST", "/pqr/"+pqrID+"/submit", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, model.PqrStatusInReview, decode[model.Pqr](t, w).Status)

	w = s.do(carol, "POST", "/pqr/"+pqrID+"/approve", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, model.ErrMissingResults, errorCode(t, w))

	w = s.do(bob, "POST", "/pqr/"+pqrID+"/approve", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

// --- Authentication ---

func TestHTTP_unauthenticated(t *testing.T) {
	s := newServer(t, nil)
	w := s.do(identity{}, "GET", "/wps/anything", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHTTP_healthBypassesAuth(t *testing.T) {
	s := newServer(t, nil)
	assert.Equal(t, http.StatusOK, s.do(identity{}, "GET", "/healthz", nil).Code)
	assert.Equal(t, http.StatusOK, s.do(identity{}, "GET", "/readyz", nil).Code)
}

// --- Welds and continuity ---

func (s *server) seedWeld(weldID string, welders ...string) {
	s.t.Helper()
	s.seed(func(ctx context.Context, tx store.Tx) error {
		if err := tx.CreateWeld(ctx, &model.Weld{ID: weldID, ProjectID: "proj-1", Number: weldID, Status: model.WeldStatusInProgress}); err != nil {
			return err
		}
		for _, id := range welders {
			if _, err := tx.GetWelder(ctx, id); err != nil {
				if err := tx.CreateWelder(ctx, &model.Welder{ID: id, Name: id, Status: model.AssignmentActive}); err != nil {
					return err
				}
			}
			a := &model.WeldWelderAssignment{WeldID: weldID, WelderID: id, Status: model.AssignmentActive, AssignedAt: time.Now()}
			if err := tx.CreateWelderAssignment(ctx, a); err != nil {
				return err
			}
		}
		return nil
	})
}

func TestHTTP_closeWeld(t *testing.T) {
	s := newServer(t, nil)
	s.seedWeld("weld-1", "w1", "w2")
	closedAt := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	w := s.do(bob, "POST", "/welds/weld-1/close", map[string]any{"closed_at": closedAt})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[closure.Result](t, w)
	assert.Equal(t, model.WeldStatusCompleted, res.Weld.Status)
	assert.Len(t, res.Logs, 2)
	assert.Len(t, res.Continuity, 2)

	w = s.do(bob, "POST", "/welds/weld-1/close", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, model.ErrInvalidState, errorCode(t, w))

	w = s.do(dave, "POST", "/welds/weld-1/close", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHTTP_closeWeldInspectionFailed(t *testing.T) {
	s := newServer(t, nil)
	s.seedWeld("weld-2", "w1")
	s.seed(func(ctx context.Context, tx store.Tx) error {
		return tx.CreateInspection(ctx, &model.VisualInspection{
			WeldID: "weld-2", Stage: model.StagePostWeld, Result: model.ResultFail, At: time.Now(),
		})
	})

	w := s.do(bob, "POST", "/welds/weld-2/close", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, model.ErrPostWeldInspectionFailed, errorCode(t, w))
}

func TestHTTP_continuity(t *testing.T) {
	s := newServer(t, nil)
	s.seedWeld("weld-3", "w1")
	require.Equal(t, http.StatusOK, s.do(bob, "POST", "/welds/weld-3/close", nil).Code)

	w := s.do(alice, "POST", "/welders/w1/continuity/recalculate", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, model.ContinuityIn, decode[model.WelderContinuity](t, w).Status)

	w = s.do(alice, "POST", "/continuity/recalculate", map[string]string{"scope": "project", "project_id": "proj-1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	batch := decode[struct {
		Processed int `json:"processed"`
	}](t, w)
	assert.Equal(t, 1, batch.Processed)

	w = s.do(alice, "POST", "/continuity/recalculate", map[string]string{"scope": "project"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, model.ErrMissingProject, errorCode(t, w))

	w = s.do(alice, "POST", "/continuity/recalculate", map[string]string{"scope": "tenant"})
	assert.Equal(t, model.ErrInvalidScope, errorCode(t, w))

	w = s.do(bob, "POST", "/continuity/recalculate", map[string]string{"scope": "global"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

// --- Idempotency over Redis ---

func TestHTTP_idempotentCreateOverRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	s := newServer(t, idempotency.NewRedisStore(client))
	in := qualification.WpsInput{ProjectID: "proj-1", Code: "WPS-IDEM", Standard: "ASME IX"}

	first := s.do(alice, "POST", "/wps", in, IdempotencyKeyHeader, "create-1")
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	second := s.do(alice, "POST", "/wps", in, IdempotencyKeyHeader, "create-1")
	require.Equal(t, http.StatusCreated, second.Code, second.Body.String())

	assert.Equal(t, "true", second.Header().Get("Idempotency-Replayed"))
	assert.Equal(t, decode[model.Wps](t, first).ID, decode[model.Wps](t, second).ID)

	in.Code = "WPS-OTHER"
	w := s.do(alice, "POST", "/wps", in, IdempotencyKeyHeader, "create-1")
	assert.Equal(t, http.StatusConflict, w.Code)

	// Keys are scoped per subject.
	w = s.do(carol, "POST", "/wps", in, IdempotencyKeyHeader, "create-1")
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	keys := mr.Keys()
	assert.Len(t, keys, 2)
	for _, k := range keys {
		assert.True(t, strings.HasPrefix(k, "idem:"), k)
	}
}
