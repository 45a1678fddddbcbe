package tenant

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// Built-in fallbacks applied when a tenant has no stored overrides.
const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 24 * time.Hour * 14

	DefaultLockoutMaxAttempts = 5
	DefaultLockoutDuration    = 15 * time.Minute

	DefaultCompromiseIndicatorThreshold = 2
	DefaultRapidCreationCount           = 10
	DefaultRapidCreationWindow          = 5 * time.Minute
	DefaultLongDormancyThreshold        = 24 * time.Hour
)

// LimitPolicy bounds one auth operation to Limit attempts per Window.
type LimitPolicy struct {
	Limit  int
	Window time.Duration
}

// RateLimits holds per-operation throttling policies.
type RateLimits struct {
	LoginAttempt  LimitPolicy
	TokenRefresh  LimitPolicy
	TokenCreation LimitPolicy
}

// DefaultRateLimits returns the built-in fallback policies.
func DefaultRateLimits() RateLimits {
	return RateLimits{
		LoginAttempt:  LimitPolicy{Limit: 5, Window: time.Minute},
		TokenRefresh:  LimitPolicy{Limit: 30, Window: time.Minute},
		TokenCreation: LimitPolicy{Limit: 10, Window: 5 * time.Minute},
	}
}

// AuthenticationConfig is the per-(tenant, environment) auth policy.
// Every cookie attribute and every threshold the auth core consults
// comes from here, never from process-wide constants.
type AuthenticationConfig struct {
	TenantID    string
	Environment string

	SigningSecret string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration

	CookieHTTPOnly bool
	CookieSecure   bool
	CookieSameSite string
	CookiePath     string
	CookieDomain   string

	LockoutMaxAttempts int
	LockoutDuration    time.Duration

	CompromiseIndicatorThreshold int
	RapidCreationCount           int
	RapidCreationWindow          time.Duration
	LongDormancyThreshold        time.Duration
	AutoRevokeOnCompromise       bool

	Limits RateLimits

	CreatedAt time.Time
	UpdatedAt time.Time
}

// SecretBytes returns the signing secret as key material.
func (c *AuthenticationConfig) SecretBytes() []byte { return []byte(c.SigningSecret) }

// DefaultConfig synthesizes the deterministic default policy for a
// (tenant, environment) pair that has no stored configuration yet.
// The signing secret is freshly generated; everything else is fixed.
func DefaultConfig(tenantID, environment string) (*AuthenticationConfig, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	return &AuthenticationConfig{
		TenantID:    tenantID,
		Environment: environment,

		SigningSecret: hex.EncodeToString(secret),
		AccessTTL:     DefaultAccessTTL,
		RefreshTTL:    DefaultRefreshTTL,

		CookieHTTPOnly: true,
		CookieSecure:   true,
		CookieSameSite: "strict",
		CookiePath:     "/",

		LockoutMaxAttempts: DefaultLockoutMaxAttempts,
		LockoutDuration:    DefaultLockoutDuration,

		CompromiseIndicatorThreshold: DefaultCompromiseIndicatorThreshold,
		RapidCreationCount:           DefaultRapidCreationCount,
		RapidCreationWindow:          DefaultRapidCreationWindow,
		LongDormancyThreshold:        DefaultLongDormancyThreshold,
		AutoRevokeOnCompromise:       false,

		Limits: DefaultRateLimits(),
	}, nil
}
