package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/weldqual/internal/config"
	"github.com/pitabwire/weldqual/internal/idempotency"
	"github.com/pitabwire/weldqual/internal/observability"
	"github.com/pitabwire/weldqual/model"
)

func testDeps() Dependencies {
	cfg := config.Defaults()
	cfg.Server.HandlerTimeout = 5 * time.Second
	return Dependencies{Config: cfg}
}

type mockResolver struct {
	caps model.CapabilitySet
	err  error
}

func (m *mockResolver) Resolve(*model.RequestContext) (model.CapabilitySet, error) {
	return m.caps, m.err
}

// --- Router tests ---

func TestNewRouter_health(t *testing.T) {
	r := NewRouter(testDeps())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))

	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
	var body map[string]string
	json.NewDecoder(w.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Errorf("status = %q, want ok", body["status"])
	}
}

func TestNewRouter_readyWithoutStore(t *testing.T) {
	r := NewRouter(testDeps())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/readyz", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 without a store check", w.Code)
	}
}

func TestNewRouter_ready(t *testing.T) {
	deps := testDeps()
	deps.Readiness.Store = observability.CheckFunc(func(context.Context) error { return nil })
	r := NewRouter(deps)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/readyz", nil))

	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestNewRouter_metrics(t *testing.T) {
	r := NewRouter(testDeps())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestNewRouter_metricsDisabled(t *testing.T) {
	deps := testDeps()
	deps.Config.Observability.Metrics.Enabled = false
	r := NewRouter(deps)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	if w.Code != 404 {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestNewRouter_recordsHTTPMetrics(t *testing.T) {
	deps := testDeps()
	deps.Metrics = observability.InitMetrics(prometheus.NewRegistry())
	r := NewRouter(deps)
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/healthz", nil))

	if n := testutil.CollectAndCount(deps.Metrics.HTTPRequestsTotal); n != 1 {
		t.Errorf("http request series = %d, want 1", n)
	}
}

func TestNewRouter_correlationID(t *testing.T) {
	r := NewRouter(testDeps())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))
	if w.Header().Get("X-Correlation-Id") == "" {
		t.Error("a correlation id should be generated")
	}

	req := httptest.NewRequest("GET", "/healthz", nil)
	req.Header.Set("X-Correlation-Id", "corr-123")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if got := w.Header().Get("X-Correlation-Id"); got != "corr-123" {
		t.Errorf("X-Correlation-Id = %q, want corr-123", got)
	}
}

func TestSecurityHeaders(t *testing.T) {
	r := NewRouter(testDeps())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))

	for h, want := range map[string]string{
		"X-Frame-Options":        "DENY",
		"X-Content-Type-Options": "nosniff",
		"Cache-Control":          "no-store",
	} {
		if got := w.Header().Get(h); got != want {
			t.Errorf("%s = %q, want %q", h, got, want)
		}
	}
}

func TestRecovery(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	handler := Recovery(zap.New(core))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if w.Code != 500 {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if logs.FilterMessage("panic recovered").Len() != 1 {
		t.Errorf("panic not logged: %v", logs.All())
	}
}

// --- Request context ---

func TestBuildRequestContextMiddleware(t *testing.T) {
	claims := map[string]any{
		"sub":   "inspector-7",
		"email": "i7@example.com",
		"roles": []any{"inspector", "welder"},
	}

	var got *model.RequestContext
	handler := BuildRequestContextMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = model.RequestContextFrom(r.Context())
		w.WriteHeader(200)
	}))

	req := httptest.NewRequest("GET", "/", nil)
	ctx := WithClaims(req.Context(), claims)
	ctx = context.WithValue(ctx, correlationIDKey{}, "corr-9")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req.WithContext(ctx))

	if got == nil {
		t.Fatal("RequestContext should be in context")
	}
	if got.SubjectID != "inspector-7" || got.Email != "i7@example.com" {
		t.Errorf("rctx = %+v", got)
	}
	if len(got.Roles) != 2 || got.Roles[0] != "inspector" {
		t.Errorf("Roles = %v, want [inspector welder]", got.Roles)
	}
	if got.CorrelationID != "corr-9" {
		t.Errorf("CorrelationID = %q", got.CorrelationID)
	}
}

func TestBuildRequestContextMiddleware_customPaths(t *testing.T) {
	claims := map[string]any{
		"preferred_username": "supervisor-1",
		"realm_access": map[string]any{
			"roles": []any{"supervisor"},
		},
	}
	paths := map[string]string{
		"subject_id": "preferred_username",
		"roles":      "realm_access.roles",
	}

	var got *model.RequestContext
	handler := BuildRequestContextMiddleware(paths)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = model.RequestContextFrom(r.Context())
	}))
	req := httptest.NewRequest("GET", "/", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req.WithContext(WithClaims(req.Context(), claims)))

	if got == nil || got.SubjectID != "supervisor-1" {
		t.Fatalf("rctx = %+v", got)
	}
	if len(got.Roles) != 1 || got.Roles[0] != "supervisor" {
		t.Errorf("Roles = %v, want [supervisor]", got.Roles)
	}
}

func TestBuildRequestContextMiddleware_missingSubject(t *testing.T) {
	handler := BuildRequestContextMiddleware(nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("handler should not be called")
	}))
	req := httptest.NewRequest("GET", "/", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req.WithContext(WithClaims(req.Context(), map[string]any{"roles": []any{"admin"}})))

	if w.Code != 401 {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestClaimStringSlice(t *testing.T) {
	tests := []struct {
		name   string
		claims map[string]any
		want   []string
	}{
		{"any slice", map[string]any{"roles": []any{"a", 1, "b"}}, []string{"a", "b"}},
		{"string slice", map[string]any{"roles": []string{"a"}}, []string{"a"}},
		{"space separated", map[string]any{"roles": "a b"}, []string{"a", "b"}},
		{"missing", map[string]any{}, nil},
		{"nil claims", nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := claimStringSlice(tt.claims, "roles")
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

// --- Capabilities ---

func withRequestContext(r *http.Request, subject string) *http.Request {
	rctx := &model.RequestContext{SubjectID: subject}
	return r.WithContext(model.WithRequestContext(r.Context(), rctx))
}

func TestResolveCapabilities_andRequire(t *testing.T) {
	resolver := &mockResolver{caps: model.CapabilitySet{"wps:*": true}}
	chain := func(caps ...string) http.Handler {
		return ResolveCapabilities(resolver, zap.NewNop())(RequireCapability(caps...)(
			http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(204) }),
		))
	}

	w := httptest.NewRecorder()
	chain(model.CapWpsApprove).ServeHTTP(w, withRequestContext(httptest.NewRequest("POST", "/", nil), "u1"))
	if w.Code != 204 {
		t.Errorf("granted: status = %d, want 204", w.Code)
	}

	w = httptest.NewRecorder()
	chain(model.CapWeldClose).ServeHTTP(w, withRequestContext(httptest.NewRequest("POST", "/", nil), "u1"))
	if w.Code != 403 {
		t.Errorf("missing cap: status = %d, want 403", w.Code)
	}
}

func TestResolveCapabilities_failureDenies(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	resolver := &mockResolver{err: errors.New("policy unavailable")}
	handler := ResolveCapabilities(resolver, zap.New(core))(RequireCapability(model.CapWpsView)(
		http.HandlerFunc(func(http.ResponseWriter, *http.Request) { t.Error("handler should not be called") }),
	))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, withRequestContext(httptest.NewRequest("GET", "/", nil), "u1"))
	if w.Code != 403 {
		t.Errorf("status = %d, want 403", w.Code)
	}
	if logs.FilterMessage("capability resolution failed").Len() != 1 {
		t.Error("resolution failure should be logged")
	}
}

func TestRequireCapability_noRequestContext(t *testing.T) {
	handler := RequireCapability(model.CapWpsView)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("handler should not be called")
	}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	if w.Code != 401 {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

// --- Timeout and logging ---

func TestHandlerTimeout(t *testing.T) {
	var deadline time.Time
	handler := HandlerTimeout(time.Second)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		deadline, _ = r.Context().Deadline()
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	if deadline.IsZero() {
		t.Error("context should carry a deadline")
	}

	if h := HandlerTimeout(0)(http.NotFoundHandler()); h == nil {
		t.Error("zero timeout should pass through")
	}
}

func TestRequestLogging(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	handler := RequestLogging(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))

	req := withRequestContext(httptest.NewRequest("POST", "/wps/w1/approve", nil), "carol")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	entries := logs.FilterMessage("request").All()
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["status"] != int64(409) || fields["subject_id"] != "carol" {
		t.Errorf("fields = %v", fields)
	}
}

// --- Idempotency ---

func idempotentHandler(store idempotency.Store, calls *int) http.Handler {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		WriteJSON(w, http.StatusCreated, map[string]int{"call": *calls})
	})
	return Idempotency(store, time.Hour, nil, zap.NewNop())(inner)
}

func postWithKey(h http.Handler, key, body string) *httptest.ResponseRecorder {
	req := withRequestContext(httptest.NewRequest("POST", "/wps", strings.NewReader(body)), "alice")
	if key != "" {
		req.Header.Set(IdempotencyKeyHeader, key)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestIdempotency_replay(t *testing.T) {
	calls := 0
	h := idempotentHandler(idempotency.NewMemoryStore(), &calls)

	first := postWithKey(h, "k1", `{"code":"WPS-1"}`)
	second := postWithKey(h, "k1", `{"code":"WPS-1"}`)

	if calls != 1 {
		t.Errorf("handler calls = %d, want 1", calls)
	}
	if second.Code != http.StatusCreated || second.Header().Get("Idempotency-Replayed") != "true" {
		t.Errorf("replay = %d %v", second.Code, second.Header())
	}
	if strings.TrimSpace(first.Body.String()) != strings.TrimSpace(second.Body.String()) {
		t.Errorf("bodies differ: %s vs %s", first.Body, second.Body)
	}
}

func TestIdempotency_conflictingBody(t *testing.T) {
	calls := 0
	h := idempotentHandler(idempotency.NewMemoryStore(), &calls)

	postWithKey(h, "k1", `{"code":"WPS-1"}`)
	w := postWithKey(h, "k1", `{"code":"WPS-2"}`)
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
}

func TestIdempotency_withoutKey(t *testing.T) {
	calls := 0
	h := idempotentHandler(idempotency.NewMemoryStore(), &calls)
	postWithKey(h, "", `{}`)
	postWithKey(h, "", `{}`)
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

type failingStore struct{}

func (failingStore) Check(context.Context, string, string) (*idempotency.Response, bool, error) {
	return nil, false, errors.New("redis down")
}

func (failingStore) Save(context.Context, string, string, idempotency.Response, time.Duration) error {
	return errors.New("redis down")
}

func TestIdempotency_storeFailurePassesThrough(t *testing.T) {
	calls := 0
	h := idempotentHandler(failingStore{}, &calls)
	w := postWithKey(h, "k1", `{}`)
	if w.Code != http.StatusCreated || calls != 1 {
		t.Errorf("status = %d calls = %d", w.Code, calls)
	}
}
