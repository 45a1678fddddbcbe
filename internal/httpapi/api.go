package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"docsmith.io/api/spec"
	"docsmith.io/internal/auth"
	"docsmith.io/internal/obs"
	"docsmith.io/internal/tenant"
)

const serviceName = "docsmith-api"

// Transport-level per-IP budget. Per-tenant auth limits are enforced
// separately in the engine.
const (
	rateLimitPerSecond = 50
	rateLimitBurst     = 100
)

// AuthService is the slice of the rotation engine the HTTP layer needs.
type AuthService interface {
	Issue(ctx context.Context, creds auth.Credentials) (*auth.TokenPair, error)
	Rotate(ctx context.Context, refreshToken, tenantID string) (*auth.TokenPair, error)
	Logout(ctx context.Context, refreshToken, tenantID string) error
	RevokeUser(ctx context.Context, userID string) error
	VerifyAccess(ctx context.Context, token, tenantID string) (*auth.Claims, error)
	SecurityReport(ctx context.Context, tenantID, environment, userID string) (*auth.Report, error)
}

// ConfigService resolves and updates tenant authentication policy.
type ConfigService interface {
	AuthConfig(ctx context.Context, tenantID, environment string) (*tenant.AuthenticationConfig, error)
	UpdateAuthConfig(ctx context.Context, cfg *tenant.AuthenticationConfig) error
}

// ReadyProbe is a readiness check (e.g. database ping).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string
	auth       AuthService
	configs    ConfigService
}

// New wires routes. auth and configs may be nil in probes-only deployments.
func New(rp ReadyProbe, version string, authSvc AuthService, configs ConfigService) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		auth:       authSvc,
		configs:    configs,
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.HandleFunc("/openapi.yaml", a.OpenAPISpec)
	a.mux.Handle("/metrics", obs.Handler())

	if authSvc != nil {
		a.mux.HandleFunc("/v1/auth/login", a.handleLogin)
		a.mux.HandleFunc("/v1/auth/refresh", a.handleRefresh)
		a.mux.HandleFunc("/v1/auth/logout", a.handleLogout)
		a.mux.HandleFunc("/v1/auth/logout_all", a.handleLogoutAll)
		a.mux.HandleFunc("/v1/auth/security/report", a.handleSecurityReport)
	}
	if configs != nil {
		a.mux.HandleFunc("/v1/tenants/", a.handleTenantAuthConfig)
	}

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the full middleware chain around the mux.
func (a *API) Handler() http.Handler {
	h := a.withAuth(a.mux)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, rateLimitBurst, rateLimitPerSecond)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = Logging(h)
	return obs.Instrument(h)
}

// --- probes and metadata ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

func (a *API) OpenAPISpec(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml; charset=utf-8")
	_, _ = w.Write(spec.OpenAPI)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
