// Package integration provides a reusable test harness for end-to-end
// testing of the weldqual server. It starts the full HTTP stack with an
// in-memory record store, a miniredis instance backing idempotency and the
// audit stream, and a test JWT issuer.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/weldqual/internal/audit"
	"github.com/pitabwire/weldqual/internal/capability"
	"github.com/pitabwire/weldqual/internal/closure"
	"github.com/pitabwire/weldqual/internal/config"
	"github.com/pitabwire/weldqual/internal/continuity"
	"github.com/pitabwire/weldqual/internal/idempotency"
	"github.com/pitabwire/weldqual/internal/observability"
	"github.com/pitabwire/weldqual/internal/operation"
	"github.com/pitabwire/weldqual/internal/qualification"
	"github.com/pitabwire/weldqual/internal/store"
	"github.com/pitabwire/weldqual/internal/transport"
	"github.com/pitabwire/weldqual/model"
)

// AuditStream is the Redis stream the harness writes audit events to.
const AuditStream = "weldqual:audit"

// TestHarness encapsulates a fully wired weldqual instance for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	Store   *store.MemoryStore
	Redis   *miniredis.Miniredis
	Client  *redis.Client
	Metrics *observability.Metrics

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	policyFile     string
	handlerTimeout time.Duration
	hmacSecret     []byte
	clock          func() time.Time
}

// WithPolicyFile sets the static policy YAML file for capability resolution.
func WithPolicyFile(path string) HarnessOption {
	return func(c *harnessConfig) {
		c.policyFile = path
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithHMACSecret additionally accepts HS256 tokens signed with secret.
func WithHMACSecret(secret []byte) HarnessOption {
	return func(c *harnessConfig) {
		c.hmacSecret = secret
	}
}

// WithClock fixes the time seen by engine operations.
func WithClock(now func() time.Time) HarnessOption {
	return func(c *harnessConfig) {
		c.clock = now
	}
}

// NewTestHarness creates and starts a full test instance. The server is
// automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
		policyFile:     filepath.Join(testdataDir(), "policies.yaml"),
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{t: t}

	h.Redis = miniredis.RunT(t)
	h.Client = redis.NewClient(&redis.Options{Addr: h.Redis.Addr()})
	t.Cleanup(func() { _ = h.Client.Close() })

	evaluator, err := capability.NewStaticPolicyEvaluator(hc.policyFile)
	if err != nil {
		t.Fatalf("load policy file: %v", err)
	}
	h.Metrics = observability.InitMetrics(prometheus.NewRegistry())
	capResolver := capability.NewResolver(evaluator, 0, h.Metrics) // no caching in tests

	h.Store = store.NewMemoryStore()
	sink := audit.Multi{
		audit.NewLogSink(zap.NewNop()),
		audit.NewRedisStreamSink(h.Client, AuditStream, 1000),
	}
	runnerOpts := []operation.Option{
		operation.WithAuditSink(sink),
		operation.WithMetrics(h.Metrics),
	}
	if hc.clock != nil {
		runnerOpts = append(runnerOpts, operation.WithClock(hc.clock))
	}
	runner := operation.NewRunner(h.Store, runnerOpts...)
	tracker := continuity.NewTracker(runner, continuity.DefaultWindowDays)
	idem := idempotency.NewRedisStore(h.Client)

	h.issuer = newTokenIssuer(t)

	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Identity.Issuer = h.issuer.Issuer()
	h.cfg.Identity.Audience = h.issuer.Audience()
	h.cfg.Identity.JWKSURL = h.issuer.JWKSURL()
	h.cfg.Idempotency.Enabled = true
	h.cfg.Idempotency.Store.Driver = "redis"

	keys := transport.KeySource{
		JWKS: transport.NewJWKSClient(h.issuer.JWKSURL(), time.Hour, zap.NewNop()),
	}
	if hc.hmacSecret != nil {
		h.cfg.Identity.Algorithms = []string{"RS256", "HS256"}
		keys.HMACSecret = hc.hmacSecret
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:             h.cfg,
		Logger:             zap.NewNop(),
		Metrics:            h.Metrics,
		Authenticate:       transport.JWTAuthenticator(h.cfg.Identity, keys),
		CapabilityResolver: capResolver,
		Idempotency:        idem,
		Readiness: observability.ReadinessChecks{
			Store:            observability.CheckFunc(h.Store.Ping),
			IdempotencyStore: idem,
			AuditSink:        sink,
		},
		Qualification: qualification.NewEngine(runner),
		Closure:       closure.NewWorkflow(runner, tracker),
		Continuity:    tracker,
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// GenerateHS256Token creates a token signed with secret.
func (h *TestHarness) GenerateHS256Token(claims TestClaims, secret []byte) string {
	return h.issuer.GenerateHS256Token(claims, secret)
}

// --- Seeding ---

// Seed runs fn in a record store transaction.
func (h *TestHarness) Seed(fn func(ctx context.Context, tx store.Tx) error) {
	h.t.Helper()
	if err := h.Store.InTx(context.Background(), fn); err != nil {
		h.t.Fatalf("seed: %v", err)
	}
}

// SeedDefinition adds a variable definition and returns its id.
func (h *TestHarness) SeedDefinition(d model.WpsVariableDefinition) string {
	h.t.Helper()
	h.Seed(func(ctx context.Context, tx store.Tx) error {
		return tx.CreateDefinition(ctx, &d)
	})
	return d.ID
}

// SeedWeld adds an in-progress weld on projectID with the given welders
// assigned. Welders are created on first use.
func (h *TestHarness) SeedWeld(projectID, weldID string, welderIDs ...string) {
	h.t.Helper()
	h.Seed(func(ctx context.Context, tx store.Tx) error {
		weld := &model.Weld{ID: weldID, ProjectID: projectID, Number: weldID, Status: model.WeldStatusInProgress}
		if err := tx.CreateWeld(ctx, weld); err != nil {
			return err
		}
		for _, id := range welderIDs {
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

// AuditEvents returns every audit event written to the Redis stream, oldest
// first, as field maps.
func (h *TestHarness) AuditEvents() []map[string]any {
	h.t.Helper()
	msgs, err := h.Client.XRange(context.Background(), AuditStream, "-", "+").Result()
	if err != nil {
		h.t.Fatalf("read audit stream: %v", err)
	}
	out := make([]map[string]any, len(msgs))
	for i, m := range msgs {
		out[i] = m.Values
	}
	return out
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, nil)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, nil)
}

// POSTWithHeaders performs an authenticated POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, headers)
}

// PUT performs an authenticated PUT request with a JSON body.
func (h *TestHarness) PUT(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("PUT", path, body, token, nil)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code and
// closes the body.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// ErrorCode parses an error envelope response and returns its code.
func (h *TestHarness) ErrorCode(resp *http.Response) string {
	h.t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.ParseJSON(resp, &body)
	return body.Error.Code
}

// --- Default test claims ---

// SupervisorClaims returns TestClaims for a welding supervisor.
func SupervisorClaims(subject string) TestClaims {
	return TestClaims{
		SubjectID: subject,
		Email:     subject + "@fab.example.com",
		Roles:     []string{"supervisor"},
	}
}

// InspectorClaims returns TestClaims for a welding inspector.
func InspectorClaims(subject string) TestClaims {
	return TestClaims{
		SubjectID: subject,
		Email:     subject + "@fab.example.com",
		Roles:     []string{"inspector"},
	}
}

// WelderClaims returns TestClaims for a welder with read access only.
func WelderClaims(subject string) TestClaims {
	return TestClaims{
		SubjectID: subject,
		Email:     subject + "@fab.example.com",
		Roles:     []string{"welder"},
	}
}

// testdataDir returns the absolute path to the testdata directory.
func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}
