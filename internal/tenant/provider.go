package tenant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNotFound indicates the (tenant, environment) pair could not be
// resolved and a default could not be synthesized either.
var ErrNotFound = errors.New("tenant: auth config not found")

const (
	defaultCacheTTL = 30 * time.Second

	// The cache key space is fed by request-supplied (tenant, environment)
	// pairs, so the map must stay bounded no matter what clients send.
	defaultCacheCap = 4096
)

const configColumns = `tenant_id, environment, signing_secret,
	access_ttl_seconds, refresh_ttl_seconds,
	cookie_http_only, cookie_secure, cookie_same_site, cookie_path, cookie_domain,
	lockout_max_attempts, lockout_duration_seconds,
	compromise_indicator_threshold, rapid_creation_count, rapid_creation_window_seconds,
	long_dormancy_seconds, auto_revoke_on_compromise,
	login_limit, login_window_seconds,
	refresh_limit, refresh_window_seconds,
	creation_limit, creation_window_seconds,
	created_at, updated_at`

// Provider resolves per-(tenant, environment) authentication policy from
// PostgreSQL with a short-TTL read-through cache. Config reads sit on the
// hot path of every token operation, so cache hits must be lock-cheap.
type Provider struct {
	db       *sql.DB
	ttl      time.Duration
	cacheCap int
	now      func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	cfg     *AuthenticationConfig
	expires time.Time
}

// ProviderOption configures Provider behavior.
type ProviderOption func(*Provider)

// WithCacheTTL overrides the config cache lifetime.
func WithCacheTTL(ttl time.Duration) ProviderOption {
	return func(p *Provider) {
		if ttl > 0 {
			p.ttl = ttl
		}
	}
}

// WithCacheCap overrides the cache entry cap.
func WithCacheCap(n int) ProviderOption {
	return func(p *Provider) {
		if n > 0 {
			p.cacheCap = n
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ProviderOption {
	return func(p *Provider) {
		if fn != nil {
			p.now = fn
		}
	}
}

// NewProvider constructs a Provider over the given database.
func NewProvider(db *sql.DB, opts ...ProviderOption) *Provider {
	p := &Provider{
		db:       db,
		ttl:      defaultCacheTTL,
		cacheCap: defaultCacheCap,
		now:      time.Now,
		cache:    make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func cacheKey(tenantID, environment string) string {
	return tenantID + "\x00" + environment
}

// AuthConfig returns the effective policy for the pair, or ErrNotFound
// when no row exists. It is a pure read: environments named by unverified
// request input resolve through here, so it must never write.
func (p *Provider) AuthConfig(ctx context.Context, tenantID, environment string) (*AuthenticationConfig, error) {
	return p.resolve(ctx, tenantID, environment, false)
}

// EnsureAuthConfig returns the effective policy for the pair, synthesizing
// and persisting the default exactly once when no row exists. A racing
// insert from another instance wins and its row is re-read. Callers must
// have authenticated the tenant first.
func (p *Provider) EnsureAuthConfig(ctx context.Context, tenantID, environment string) (*AuthenticationConfig, error) {
	return p.resolve(ctx, tenantID, environment, true)
}

func (p *Provider) resolve(ctx context.Context, tenantID, environment string, createMissing bool) (*AuthenticationConfig, error) {
	if tenantID == "" || environment == "" {
		return nil, ErrNotFound
	}
	key := cacheKey(tenantID, environment)

	p.mu.RLock()
	entry, ok := p.cache[key]
	p.mu.RUnlock()
	if ok && p.now().Before(entry.expires) {
		return entry.cfg, nil
	}

	cfg, err := p.fetch(ctx, tenantID, environment)
	if errors.Is(err, sql.ErrNoRows) {
		if !createMissing {
			return nil, ErrNotFound
		}
		cfg, err = p.synthesize(ctx, tenantID, environment)
	}
	if err != nil {
		return nil, err
	}

	p.cacheStore(key, cfg)
	return cfg, nil
}

// cacheStore inserts under the cap: expired entries are swept first, and
// if the map is still full the entries closest to expiry are dropped.
func (p *Provider) cacheStore(key string, cfg *AuthenticationConfig) {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.cache[key]; !ok && len(p.cache) >= p.cacheCap {
		for k, entry := range p.cache {
			if !now.Before(entry.expires) {
				delete(p.cache, k)
			}
		}
		for len(p.cache) >= p.cacheCap {
			var victim string
			var soonest time.Time
			for k, entry := range p.cache {
				if victim == "" || entry.expires.Before(soonest) {
					victim, soonest = k, entry.expires
				}
			}
			delete(p.cache, victim)
		}
	}
	p.cache[key] = cacheEntry{cfg: cfg, expires: now.Add(p.ttl)}
}

// Invalidate drops the cached entry so the next read hits the store.
func (p *Provider) Invalidate(tenantID, environment string) {
	p.mu.Lock()
	delete(p.cache, cacheKey(tenantID, environment))
	p.mu.Unlock()
}

// UpdateAuthConfig persists the given policy and invalidates the cache.
func (p *Provider) UpdateAuthConfig(ctx context.Context, cfg *AuthenticationConfig) error {
	if cfg == nil || cfg.TenantID == "" || cfg.Environment == "" {
		return errors.New("tenant: config tenant_id and environment are required")
	}
	res, err := p.db.ExecContext(ctx, `
		update tenant_auth_configs set
			signing_secret=$3, access_ttl_seconds=$4, refresh_ttl_seconds=$5,
			cookie_http_only=$6, cookie_secure=$7, cookie_same_site=$8, cookie_path=$9, cookie_domain=$10,
			lockout_max_attempts=$11, lockout_duration_seconds=$12,
			compromise_indicator_threshold=$13, rapid_creation_count=$14, rapid_creation_window_seconds=$15,
			long_dormancy_seconds=$16, auto_revoke_on_compromise=$17,
			login_limit=$18, login_window_seconds=$19,
			refresh_limit=$20, refresh_window_seconds=$21,
			creation_limit=$22, creation_window_seconds=$23,
			updated_at=now()
		where tenant_id=$1 and environment=$2`,
		insertArgs(cfg)...,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	p.Invalidate(cfg.TenantID, cfg.Environment)
	return nil
}

func (p *Provider) fetch(ctx context.Context, tenantID, environment string) (*AuthenticationConfig, error) {
	row := p.db.QueryRowContext(ctx,
		fmt.Sprintf(`select %s from tenant_auth_configs where tenant_id=$1 and environment=$2`, configColumns),
		tenantID, environment,
	)
	return scanConfig(row)
}

// synthesize writes the default policy with on-conflict-do-nothing, then
// re-reads. The re-read covers the race where another instance inserted
// first, and also returns our own row with its database timestamps.
func (p *Provider) synthesize(ctx context.Context, tenantID, environment string) (*AuthenticationConfig, error) {
	cfg, err := DefaultConfig(tenantID, environment)
	if err != nil {
		return nil, err
	}
	_, err = p.db.ExecContext(ctx, `
		insert into tenant_auth_configs (
			tenant_id, environment, signing_secret,
			access_ttl_seconds, refresh_ttl_seconds,
			cookie_http_only, cookie_secure, cookie_same_site, cookie_path, cookie_domain,
			lockout_max_attempts, lockout_duration_seconds,
			compromise_indicator_threshold, rapid_creation_count, rapid_creation_window_seconds,
			long_dormancy_seconds, auto_revoke_on_compromise,
			login_limit, login_window_seconds,
			refresh_limit, refresh_window_seconds,
			creation_limit, creation_window_seconds
		) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
		on conflict (tenant_id, environment) do nothing`,
		insertArgs(cfg)...,
	)
	if err != nil {
		return nil, err
	}
	cfg, err = p.fetch(ctx, tenantID, environment)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return cfg, err
}

func insertArgs(cfg *AuthenticationConfig) []any {
	return []any{
		cfg.TenantID, cfg.Environment, cfg.SigningSecret,
		int64(cfg.AccessTTL.Seconds()), int64(cfg.RefreshTTL.Seconds()),
		cfg.CookieHTTPOnly, cfg.CookieSecure, cfg.CookieSameSite, cfg.CookiePath, cfg.CookieDomain,
		cfg.LockoutMaxAttempts, int64(cfg.LockoutDuration.Seconds()),
		cfg.CompromiseIndicatorThreshold, cfg.RapidCreationCount, int64(cfg.RapidCreationWindow.Seconds()),
		int64(cfg.LongDormancyThreshold.Seconds()), cfg.AutoRevokeOnCompromise,
		cfg.Limits.LoginAttempt.Limit, int64(cfg.Limits.LoginAttempt.Window.Seconds()),
		cfg.Limits.TokenRefresh.Limit, int64(cfg.Limits.TokenRefresh.Window.Seconds()),
		cfg.Limits.TokenCreation.Limit, int64(cfg.Limits.TokenCreation.Window.Seconds()),
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConfig(row rowScanner) (*AuthenticationConfig, error) {
	var (
		cfg                                                 AuthenticationConfig
		accessSec, refreshSec, lockoutSec                   int64
		rapidWindowSec, dormancySec                         int64
		loginWindowSec, refreshWindowSec, creationWindowSec int64
	)
	err := row.Scan(
		&cfg.TenantID, &cfg.Environment, &cfg.SigningSecret,
		&accessSec, &refreshSec,
		&cfg.CookieHTTPOnly, &cfg.CookieSecure, &cfg.CookieSameSite, &cfg.CookiePath, &cfg.CookieDomain,
		&cfg.LockoutMaxAttempts, &lockoutSec,
		&cfg.CompromiseIndicatorThreshold, &cfg.RapidCreationCount, &rapidWindowSec,
		&dormancySec, &cfg.AutoRevokeOnCompromise,
		&cfg.Limits.LoginAttempt.Limit, &loginWindowSec,
		&cfg.Limits.TokenRefresh.Limit, &refreshWindowSec,
		&cfg.Limits.TokenCreation.Limit, &creationWindowSec,
		&cfg.CreatedAt, &cfg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	cfg.AccessTTL = time.Duration(accessSec) * time.Second
	cfg.RefreshTTL = time.Duration(refreshSec) * time.Second
	cfg.LockoutDuration = time.Duration(lockoutSec) * time.Second
	cfg.RapidCreationWindow = time.Duration(rapidWindowSec) * time.Second
	cfg.LongDormancyThreshold = time.Duration(dormancySec) * time.Second
	cfg.Limits.LoginAttempt.Window = time.Duration(loginWindowSec) * time.Second
	cfg.Limits.TokenRefresh.Window = time.Duration(refreshWindowSec) * time.Second
	cfg.Limits.TokenCreation.Window = time.Duration(creationWindowSec) * time.Second
	return &cfg, nil
}
