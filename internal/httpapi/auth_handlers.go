package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"docsmith.io/internal/audit"
	"docsmith.io/internal/auth"
	"docsmith.io/internal/tenant"
)

const tenantHeader = "X-Tenant-ID"

type loginRequest struct {
	TenantID    string `json:"tenant_id"`
	Environment string `json:"environment"`
	Email       string `json:"email"`
	Password    string `json:"password"`
}

type refreshRequest struct {
	TenantID     string `json:"tenant_id,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

type tokenResponse struct {
	TokenPair *auth.TokenPair `json:"tokens"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	creds := auth.Credentials{
		TenantID:    strings.TrimSpace(req.TenantID),
		Environment: strings.TrimSpace(req.Environment),
		Email:       strings.TrimSpace(req.Email),
		Password:    req.Password,
	}
	if creds.TenantID == "" || creds.Environment == "" || creds.Email == "" || creds.Password == "" {
		writeError(w, r, http.StatusBadRequest, "tenant_id, environment, email and password are required")
		return
	}

	pair, err := a.auth.Issue(r.Context(), creds)
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}

	a.setRefreshCookie(w, r, creds.TenantID, creds.Environment, pair.RefreshToken)
	_ = audit.LogEvent(r.Context(), auth.EventTokenIssued, map[string]any{
		"tenant_id": creds.TenantID,
		"user_id":   pair.UserID,
	})
	writeJSON(w, http.StatusOK, tokenResponse{TokenPair: pair})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	token, tenantID, ok := a.refreshInput(w, r)
	if !ok {
		return
	}

	pair, err := a.auth.Rotate(r.Context(), token, tenantID)
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}

	// Re-set the cookie with the environment baked into the new token's
	// claims; peeked only to pick the right cookie policy.
	if env, perr := auth.NewCodec(nil).PeekEnvironment(pair.RefreshToken); perr == nil {
		a.setRefreshCookie(w, r, tenantID, env, pair.RefreshToken)
	}
	writeJSON(w, http.StatusOK, tokenResponse{TokenPair: pair})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	token, tenantID, ok := a.refreshInput(w, r)
	if !ok {
		return
	}
	if err := a.auth.Logout(r.Context(), token, tenantID); err != nil {
		// An invalid token has nothing to revoke; do not leak which.
		if !errors.Is(err, auth.ErrInvalidToken) {
			a.writeAuthError(w, r, err)
			return
		}
	}
	if env, perr := auth.NewCodec(nil).PeekEnvironment(token); perr == nil && a.configs != nil {
		if cfg, cerr := a.configs.AuthConfig(r.Context(), tenantID, env); cerr == nil {
			auth.ClearRefreshCookie(w, cfg)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "logged_out"})
}

func (a *API) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	if err := a.auth.RevokeUser(r.Context(), userID); err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "revoked_all"})
}

func (a *API) handleSecurityReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	tenantID, ok := auth.TenantIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		if userID, ok = auth.UserIDFromContext(r.Context()); !ok {
			writeError(w, r, http.StatusBadRequest, "user_id is required")
			return
		}
	}
	environment := strings.TrimSpace(r.URL.Query().Get("environment"))
	if environment == "" {
		writeError(w, r, http.StatusBadRequest, "environment is required")
		return
	}

	report, err := a.auth.SecurityReport(r.Context(), tenantID, environment, userID)
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type authConfigUpdate struct {
	Environment                  string `json:"environment"`
	SigningSecret                string `json:"signing_secret,omitempty"`
	AccessTTLSeconds             int64  `json:"access_ttl_seconds,omitempty"`
	RefreshTTLSeconds            int64  `json:"refresh_ttl_seconds,omitempty"`
	CookieHTTPOnly               *bool  `json:"cookie_http_only,omitempty"`
	CookieSecure                 *bool  `json:"cookie_secure,omitempty"`
	CookieSameSite               string `json:"cookie_same_site,omitempty"`
	CookiePath                   string `json:"cookie_path,omitempty"`
	CookieDomain                 string `json:"cookie_domain,omitempty"`
	LockoutMaxAttempts           int    `json:"lockout_max_attempts,omitempty"`
	LockoutDurationSeconds       int64  `json:"lockout_duration_seconds,omitempty"`
	CompromiseIndicatorThreshold int    `json:"compromise_indicator_threshold,omitempty"`
	RapidCreationCount           int    `json:"rapid_creation_count,omitempty"`
	RapidCreationWindowSeconds   int64  `json:"rapid_creation_window_seconds,omitempty"`
	LongDormancySeconds          int64  `json:"long_dormancy_seconds,omitempty"`
	AutoRevokeOnCompromise       *bool  `json:"auto_revoke_on_compromise,omitempty"`
	LoginLimit                   int    `json:"login_limit,omitempty"`
	LoginWindowSeconds           int64  `json:"login_window_seconds,omitempty"`
	RefreshLimit                 int    `json:"refresh_limit,omitempty"`
	RefreshWindowSeconds         int64  `json:"refresh_window_seconds,omitempty"`
	CreationLimit                int    `json:"creation_limit,omitempty"`
	CreationWindowSeconds        int64  `json:"creation_window_seconds,omitempty"`
}

// handleTenantAuthConfig serves PUT /v1/tenants/{id}/auth-config. Updates
// go through the provider so the config cache is invalidated atomically
// with the write.
func (a *API) handleTenantAuthConfig(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/tenants/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "auth-config" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	tenantID := parts[0]

	authTenant, ok := auth.TenantIDFromContext(r.Context())
	if !ok || authTenant != tenantID {
		writeError(w, r, http.StatusForbidden, "tenant mismatch")
		return
	}

	var req authConfigUpdate
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Environment) == "" {
		writeError(w, r, http.StatusBadRequest, "environment is required")
		return
	}

	current, err := a.configs.AuthConfig(r.Context(), tenantID, req.Environment)
	if err != nil {
		if errors.Is(err, tenant.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "config not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "config resolution failed")
		return
	}
	updated := applyConfigUpdate(*current, req)
	if err := a.configs.UpdateAuthConfig(r.Context(), &updated); err != nil {
		if errors.Is(err, tenant.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "config not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "config update failed")
		return
	}
	_ = audit.LogEvent(r.Context(), "tenant.auth_config.updated", map[string]any{
		"tenant_id":   tenantID,
		"environment": req.Environment,
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "updated"})
}

// applyConfigUpdate overlays the non-zero fields of a partial update on
// the current config. Zero values mean "leave unchanged".
func applyConfigUpdate(cfg tenant.AuthenticationConfig, req authConfigUpdate) tenant.AuthenticationConfig {
	if req.SigningSecret != "" {
		cfg.SigningSecret = req.SigningSecret
	}
	if req.AccessTTLSeconds > 0 {
		cfg.AccessTTL = time.Duration(req.AccessTTLSeconds) * time.Second
	}
	if req.RefreshTTLSeconds > 0 {
		cfg.RefreshTTL = time.Duration(req.RefreshTTLSeconds) * time.Second
	}
	if req.CookieHTTPOnly != nil {
		cfg.CookieHTTPOnly = *req.CookieHTTPOnly
	}
	if req.CookieSecure != nil {
		cfg.CookieSecure = *req.CookieSecure
	}
	if req.CookieSameSite != "" {
		cfg.CookieSameSite = req.CookieSameSite
	}
	if req.CookiePath != "" {
		cfg.CookiePath = req.CookiePath
	}
	if req.CookieDomain != "" {
		cfg.CookieDomain = req.CookieDomain
	}
	if req.LockoutMaxAttempts > 0 {
		cfg.LockoutMaxAttempts = req.LockoutMaxAttempts
	}
	if req.LockoutDurationSeconds > 0 {
		cfg.LockoutDuration = time.Duration(req.LockoutDurationSeconds) * time.Second
	}
	if req.CompromiseIndicatorThreshold > 0 {
		cfg.CompromiseIndicatorThreshold = req.CompromiseIndicatorThreshold
	}
	if req.RapidCreationCount > 0 {
		cfg.RapidCreationCount = req.RapidCreationCount
	}
	if req.RapidCreationWindowSeconds > 0 {
		cfg.RapidCreationWindow = time.Duration(req.RapidCreationWindowSeconds) * time.Second
	}
	if req.LongDormancySeconds > 0 {
		cfg.LongDormancyThreshold = time.Duration(req.LongDormancySeconds) * time.Second
	}
	if req.AutoRevokeOnCompromise != nil {
		cfg.AutoRevokeOnCompromise = *req.AutoRevokeOnCompromise
	}
	if req.LoginLimit > 0 {
		cfg.Limits.LoginAttempt.Limit = req.LoginLimit
	}
	if req.LoginWindowSeconds > 0 {
		cfg.Limits.LoginAttempt.Window = time.Duration(req.LoginWindowSeconds) * time.Second
	}
	if req.RefreshLimit > 0 {
		cfg.Limits.TokenRefresh.Limit = req.RefreshLimit
	}
	if req.RefreshWindowSeconds > 0 {
		cfg.Limits.TokenRefresh.Window = time.Duration(req.RefreshWindowSeconds) * time.Second
	}
	if req.CreationLimit > 0 {
		cfg.Limits.TokenCreation.Limit = req.CreationLimit
	}
	if req.CreationWindowSeconds > 0 {
		cfg.Limits.TokenCreation.Window = time.Duration(req.CreationWindowSeconds) * time.Second
	}
	return cfg
}

// --- internals ---

// refreshInput pulls the refresh token from cookie or body and the tenant
// from header or body.
func (a *API) refreshInput(w http.ResponseWriter, r *http.Request) (token, tenantID string, ok bool) {
	tenantID = strings.TrimSpace(r.Header.Get(tenantHeader))

	if c, err := r.Cookie(auth.RefreshCookieName); err == nil && c.Value != "" {
		token = c.Value
	}

	if token == "" || tenantID == "" {
		var req refreshRequest
		if err := decodeJSON(w, r, &req); err != nil && token == "" {
			writeError(w, r, http.StatusBadRequest, "refresh token is required")
			return "", "", false
		} else if err == nil {
			if token == "" {
				token = req.RefreshToken
			}
			if tenantID == "" {
				tenantID = strings.TrimSpace(req.TenantID)
			}
		}
	}

	if token == "" {
		writeError(w, r, http.StatusBadRequest, "refresh token is required")
		return "", "", false
	}
	if tenantID == "" {
		writeError(w, r, http.StatusBadRequest, "tenant_id is required")
		return "", "", false
	}
	return token, tenantID, true
}

func (a *API) setRefreshCookie(w http.ResponseWriter, r *http.Request, tenantID, environment, token string) {
	if a.configs == nil {
		return
	}
	cfg, err := a.configs.AuthConfig(r.Context(), tenantID, environment)
	if err != nil {
		return
	}
	auth.SetRefreshCookie(w, token, cfg)
}

// writeAuthError maps the auth taxonomy onto HTTP statuses. Reuse
// detection is still a 401 but flags the forced session reset so clients
// know re-authentication is required, not retry.
func (a *API) writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrTokenReuseDetected):
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"error":         "refresh token reuse detected",
			"code":          "reuse_detected",
			"session_reset": true,
		})
	case errors.Is(err, auth.ErrTokenReuseOrForged):
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"error": "refresh token not recognized",
			"code":  "token_forged",
		})
	case errors.Is(err, auth.ErrTokenRevokedOrExpired):
		writeError(w, r, http.StatusUnauthorized, "refresh token revoked or expired")
	case errors.Is(err, auth.ErrInvalidToken):
		writeError(w, r, http.StatusUnauthorized, "invalid token")
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, auth.ErrRateLimited):
		writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
	case errors.Is(err, auth.ErrStoreUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, "temporarily unavailable")
	case errors.Is(err, auth.ErrConfigNotFound):
		writeError(w, r, http.StatusInternalServerError, "tenant configuration unavailable")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
