package integration

import (
	"net/http"
	"testing"

	"github.com/pitabwire/weldqual/internal/qualification"
	"github.com/pitabwire/weldqual/model"
)

func TestSecurity_tokenRejections(t *testing.T) {
	h := NewTestHarness(t)

	tests := []struct {
		name  string
		token string
	}{
		{"no token", ""},
		{"expired", h.GenerateExpiredToken(SupervisorClaims("sup-1"))},
		{"garbage", "not.a.jwt"},
		{"hs256 not allowed", h.GenerateHS256Token(SupervisorClaims("sup-1"), []byte("shared"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := h.POST("/wps", qualification.WpsInput{ProjectID: "p", Code: "W", Standard: "S"}, tt.token)
			if resp.StatusCode != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", resp.StatusCode)
			}
			if code := h.ErrorCode(resp); code != model.ErrUnauthorized {
				t.Errorf("code = %q, want %q", code, model.ErrUnauthorized)
			}
		})
	}
}

func TestSecurity_hmacTokensWhenConfigured(t *testing.T) {
	secret := []byte("integration-secret")
	h := NewTestHarness(t, WithHMACSecret(secret))

	token := h.GenerateHS256Token(SupervisorClaims("sup-hmac"), secret)
	h.AssertStatus(t, h.POST("/wps", qualification.WpsInput{ProjectID: "p", Code: "W-HS", Standard: "S"}, token),
		http.StatusCreated)

	forged := h.GenerateHS256Token(SupervisorClaims("sup-hmac"), []byte("wrong"))
	h.AssertStatus(t, h.POST("/wps", qualification.WpsInput{ProjectID: "p", Code: "W-HS2", Standard: "S"}, forged),
		http.StatusUnauthorized)
}

func TestSecurity_capabilityEnforcement(t *testing.T) {
	h := NewTestHarness(t)
	welder := h.GenerateToken(WelderClaims("welder-1"))
	inspector := h.GenerateToken(InspectorClaims("insp-1"))

	tests := []struct {
		name   string
		token  string
		path   string
		body   any
		status int
	}{
		{"welder cannot author", welder, "/wps", qualification.WpsInput{ProjectID: "p", Code: "X", Standard: "S"}, http.StatusForbidden},
		{"welder cannot close welds", welder, "/welds/any/close", nil, http.StatusForbidden},
		{"inspector cannot approve", inspector, "/wps/any/approve", map[string]any{"pqr_ids": []string{"p"}}, http.StatusForbidden},
		{"inspector cannot recalculate", inspector, "/continuity/recalculate", map[string]string{"scope": "global"}, http.StatusForbidden},
		{"inspector reaches engine", inspector, "/welds/missing/close", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h.AssertStatus(t, h.POST(tt.path, tt.body, tt.token), tt.status)
		})
	}
}

func TestSecurity_unknownRoleHasNoCapabilities(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(TestClaims{SubjectID: "guest", Roles: []string{"visitor"}})

	resp := h.GET("/wps/anything", token)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
	if code := h.ErrorCode(resp); code != model.ErrForbidden {
		t.Errorf("code = %q, want %q", code, model.ErrForbidden)
	}
}

func TestSecurity_healthAndReadinessArePublic(t *testing.T) {
	h := NewTestHarness(t)
	h.AssertStatus(t, h.GET("/healthz", ""), http.StatusOK)
	h.AssertStatus(t, h.GET("/readyz", ""), http.StatusOK)
}

func TestSecurity_readinessReportsRedisOutage(t *testing.T) {
	h := NewTestHarness(t)
	h.Redis.SetError("connection refused")
	t.Cleanup(func() { h.Redis.SetError("") })

	h.AssertStatus(t, h.GET("/readyz", ""), http.StatusServiceUnavailable)
}
