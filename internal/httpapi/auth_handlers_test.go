package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"docsmith.io/internal/auth"
	"docsmith.io/internal/tenant"
)

type fakeAuth struct {
	pair      *auth.TokenPair
	issueErr  error
	rotateErr error
	logoutErr error
	verifyErr error
	claims    *auth.Claims
	report    *auth.Report
	revoked   []string
}

func (f *fakeAuth) Issue(ctx context.Context, creds auth.Credentials) (*auth.TokenPair, error) {
	if f.issueErr != nil {
		return nil, f.issueErr
	}
	return f.pair, nil
}

func (f *fakeAuth) Rotate(ctx context.Context, refreshToken, tenantID string) (*auth.TokenPair, error) {
	if f.rotateErr != nil {
		return nil, f.rotateErr
	}
	return f.pair, nil
}

func (f *fakeAuth) Logout(ctx context.Context, refreshToken, tenantID string) error {
	return f.logoutErr
}

func (f *fakeAuth) RevokeUser(ctx context.Context, userID string) error {
	f.revoked = append(f.revoked, userID)
	return nil
}

func (f *fakeAuth) VerifyAccess(ctx context.Context, token, tenantID string) (*auth.Claims, error) {
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	return f.claims, nil
}

func (f *fakeAuth) SecurityReport(ctx context.Context, tenantID, environment, userID string) (*auth.Report, error) {
	return f.report, nil
}

type fakeConfigs struct {
	cfg       *tenant.AuthenticationConfig
	updateErr error
	updated   *tenant.AuthenticationConfig
}

func (f *fakeConfigs) AuthConfig(ctx context.Context, tenantID, environment string) (*tenant.AuthenticationConfig, error) {
	if f.cfg == nil {
		return nil, tenant.ErrNotFound
	}
	return f.cfg, nil
}

func (f *fakeConfigs) UpdateAuthConfig(ctx context.Context, cfg *tenant.AuthenticationConfig) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updated = cfg
	return nil
}

func testPair() *auth.TokenPair {
	now := time.Now().UTC()
	return &auth.TokenPair{
		AccessToken:      "access-tok",
		RefreshToken:     "refresh-tok",
		AccessExpiresAt:  now.Add(15 * time.Minute),
		RefreshExpiresAt: now.Add(14 * 24 * time.Hour),
		FamilyID:         "fam-1",
		UserID:           "user-1",
	}
}

func tenantTestConfig() *tenant.AuthenticationConfig {
	return &tenant.AuthenticationConfig{
		TenantID:       "acme",
		Environment:    "production",
		RefreshTTL:     14 * 24 * time.Hour,
		CookieHTTPOnly: true,
		CookieSecure:   true,
		CookieSameSite: "strict",
		CookiePath:     "/",
	}
}

func testClaims() *auth.Claims {
	return &auth.Claims{
		TenantID:    "acme",
		Environment: "production",
		TokenType:   auth.TokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: "user-1",
			ID:      "jti-access",
		},
	}
}

func newTestAPI(fa *fakeAuth, fc *fakeConfigs) http.Handler {
	return New(ReadyProbe{}, "test", fa, fc).Handler()
}

func TestLoginSuccess(t *testing.T) {
	fa := &fakeAuth{pair: testPair()}
	handler := newTestAPI(fa, &fakeConfigs{cfg: tenantTestConfig()})

	body := `{"tenant_id":"acme","environment":"production","email":"a@acme.io","password":"hunter2"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/auth/login", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Tokens struct {
			AccessToken  string `json:"access_token"`
			RefreshToken string `json:"refresh_token"`
		} `json:"tokens"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Tokens.AccessToken != "access-tok" || resp.Tokens.RefreshToken != "refresh-tok" {
		t.Fatalf("tokens missing from response: %+v", resp)
	}

	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != auth.RefreshCookieName {
		t.Fatalf("refresh cookie not set: %v", cookies)
	}
	if !cookies[0].HttpOnly || !cookies[0].Secure {
		t.Fatalf("cookie flags not honored: %+v", cookies[0])
	}
}

func TestLoginValidation(t *testing.T) {
	handler := newTestAPI(&fakeAuth{pair: testPair()}, &fakeConfigs{cfg: tenantTestConfig()})

	req := httptest.NewRequest(http.MethodPost, "/v1/auth/login",
		strings.NewReader(`{"tenant_id":"acme"}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for incomplete credentials, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/auth/login", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET, got %d", rec.Code)
	}
}

func TestLoginErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{auth.ErrInvalidCredentials, http.StatusUnauthorized},
		{auth.ErrRateLimited, http.StatusTooManyRequests},
		{auth.ErrStoreUnavailable, http.StatusServiceUnavailable},
		{auth.ErrConfigNotFound, http.StatusInternalServerError},
	}
	body := `{"tenant_id":"acme","environment":"production","email":"a@acme.io","password":"x"}`
	for _, tc := range cases {
		handler := newTestAPI(&fakeAuth{issueErr: tc.err}, &fakeConfigs{cfg: tenantTestConfig()})
		req := httptest.NewRequest(http.MethodPost, "/v1/auth/login", strings.NewReader(body))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, rec.Code)
		}
	}
}

func TestRefreshFromCookie(t *testing.T) {
	fa := &fakeAuth{pair: testPair()}
	handler := newTestAPI(fa, &fakeConfigs{cfg: tenantTestConfig()})

	req := httptest.NewRequest(http.MethodPost, "/v1/auth/refresh", nil)
	req.Header.Set(tenantHeader, "acme")
	req.AddCookie(&http.Cookie{Name: auth.RefreshCookieName, Value: "old-refresh"})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRefreshFromBody(t *testing.T) {
	fa := &fakeAuth{pair: testPair()}
	handler := newTestAPI(fa, &fakeConfigs{cfg: tenantTestConfig()})

	body := `{"tenant_id":"acme","refresh_token":"old-refresh"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/auth/refresh", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRefreshMissingToken(t *testing.T) {
	handler := newTestAPI(&fakeAuth{pair: testPair()}, &fakeConfigs{cfg: tenantTestConfig()})

	req := httptest.NewRequest(http.MethodPost, "/v1/auth/refresh", nil)
	req.Header.Set(tenantHeader, "acme")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without a token, got %d", rec.Code)
	}
}

func TestRefreshReuseDetected(t *testing.T) {
	fa := &fakeAuth{rotateErr: auth.ErrTokenReuseDetected}
	handler := newTestAPI(fa, &fakeConfigs{cfg: tenantTestConfig()})

	req := httptest.NewRequest(http.MethodPost, "/v1/auth/refresh", nil)
	req.Header.Set(tenantHeader, "acme")
	req.AddCookie(&http.Cookie{Name: auth.RefreshCookieName, Value: "replayed"})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	var resp struct {
		Code         string `json:"code"`
		SessionReset bool   `json:"session_reset"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Code != "reuse_detected" || !resp.SessionReset {
		t.Fatalf("reuse response not flagged: %s", rec.Body.String())
	}
}

func TestRefreshErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{auth.ErrTokenReuseOrForged, http.StatusUnauthorized},
		{auth.ErrTokenRevokedOrExpired, http.StatusUnauthorized},
		{auth.ErrTokenExpired, http.StatusUnauthorized},
		{auth.ErrRateLimited, http.StatusTooManyRequests},
		{auth.ErrStoreUnavailable, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		handler := newTestAPI(&fakeAuth{rotateErr: tc.err}, &fakeConfigs{cfg: tenantTestConfig()})
		req := httptest.NewRequest(http.MethodPost, "/v1/auth/refresh", nil)
		req.Header.Set(tenantHeader, "acme")
		req.AddCookie(&http.Cookie{Name: auth.RefreshCookieName, Value: "tok"})
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, rec.Code)
		}
	}
}

func TestLogoutAllRequiresAuth(t *testing.T) {
	fa := &fakeAuth{verifyErr: auth.ErrInvalidToken}
	handler := newTestAPI(fa, &fakeConfigs{cfg: tenantTestConfig()})

	req := httptest.NewRequest(http.MethodPost, "/v1/auth/logout_all", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without bearer, got %d", rec.Code)
	}
}

func TestLogoutAllRevokesUser(t *testing.T) {
	fa := &fakeAuth{claims: testClaims()}
	handler := newTestAPI(fa, &fakeConfigs{cfg: tenantTestConfig()})

	req := httptest.NewRequest(http.MethodPost, "/v1/auth/logout_all", nil)
	req.Header.Set("Authorization", "Bearer access-tok")
	req.Header.Set(tenantHeader, "acme")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	if len(fa.revoked) != 1 || fa.revoked[0] != "user-1" {
		t.Fatalf("RevokeUser not called: %v", fa.revoked)
	}
}

func TestSecurityReport(t *testing.T) {
	fa := &fakeAuth{
		claims: testClaims(),
		report: &auth.Report{UserID: "user-1", Risk: auth.RiskLow},
	}
	handler := newTestAPI(fa, &fakeConfigs{cfg: tenantTestConfig()})

	req := httptest.NewRequest(http.MethodGet, "/v1/auth/security/report?environment=production", nil)
	req.Header.Set("Authorization", "Bearer access-tok")
	req.Header.Set(tenantHeader, "acme")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var report auth.Report
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.UserID != "user-1" || report.Risk != auth.RiskLow {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestTenantAuthConfigUpdate(t *testing.T) {
	fa := &fakeAuth{claims: testClaims()}
	fc := &fakeConfigs{cfg: tenantTestConfig()}
	handler := newTestAPI(fa, fc)

	body := `{"environment":"production","access_ttl_seconds":600}`
	req := httptest.NewRequest(http.MethodPut, "/v1/tenants/acme/auth-config", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer access-tok")
	req.Header.Set(tenantHeader, "acme")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	if fc.updated == nil || fc.updated.AccessTTL != 10*time.Minute {
		t.Fatalf("update not applied: %+v", fc.updated)
	}
}

func TestTenantAuthConfigUnknownEnvironment(t *testing.T) {
	fa := &fakeAuth{claims: testClaims()}
	fc := &fakeConfigs{} // no stored config for the pair
	handler := newTestAPI(fa, fc)

	body := `{"environment":"no-such-env","access_ttl_seconds":600}`
	req := httptest.NewRequest(http.MethodPut, "/v1/tenants/acme/auth-config", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer access-tok")
	req.Header.Set(tenantHeader, "acme")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown config, got %d", rec.Code)
	}
	if fc.updated != nil {
		t.Fatalf("update ran against a missing config: %+v", fc.updated)
	}
}

func TestTenantAuthConfigForeignTenant(t *testing.T) {
	fa := &fakeAuth{claims: testClaims()} // authenticated as acme
	handler := newTestAPI(fa, &fakeConfigs{cfg: tenantTestConfig()})

	body := `{"environment":"production"}`
	req := httptest.NewRequest(http.MethodPut, "/v1/tenants/rival/auth-config", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer access-tok")
	req.Header.Set(tenantHeader, "acme")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign tenant, got %d", rec.Code)
	}
}

func TestApplyConfigUpdatePartial(t *testing.T) {
	current := *tenantTestConfig()
	current.AccessTTL = 15 * time.Minute
	current.LockoutMaxAttempts = 5

	secure := false
	updated := applyConfigUpdate(current, authConfigUpdate{
		AccessTTLSeconds: 600,
		CookieSecure:     &secure,
	})
	if updated.AccessTTL != 10*time.Minute {
		t.Fatalf("AccessTTL not applied: %v", updated.AccessTTL)
	}
	if updated.CookieSecure {
		t.Fatal("pointer bool override not applied")
	}
	if updated.LockoutMaxAttempts != 5 {
		t.Fatalf("untouched field changed: %d", updated.LockoutMaxAttempts)
	}
}
