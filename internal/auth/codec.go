package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"docsmith.io/internal/tenant"
)

// Claims is the signed claim set for both token types. Refresh tokens
// additionally carry the rotation family.
type Claims struct {
	TenantID    string `json:"tenant_id"`
	Environment string `json:"environment"`
	TokenType   string `json:"type"`
	FamilyID    string `json:"family_id,omitempty"`
	jwt.RegisteredClaims
}

// Codec signs and verifies tokens with the tenant's HS256 secret. The
// issuer and audience bind a token to its tenant and environment so a
// leaked secret for one tenant cannot mint tokens for another.
type Codec struct {
	now func() time.Time
}

// NewCodec returns a Codec. The clock defaults to time.Now.
func NewCodec(now func() time.Time) *Codec {
	if now == nil {
		now = time.Now
	}
	return &Codec{now: now}
}

func tenantIssuer(tenantID string) string { return "tenant-" + tenantID }

func tenantAudience(tenantID, environment string) string {
	return fmt.Sprintf("tenant-%s-%s", tenantID, environment)
}

// SignAccess issues a short-lived access token for the user.
func (c *Codec) SignAccess(cfg *tenant.AuthenticationConfig, userID, jti string) (string, time.Time, error) {
	return c.sign(cfg, userID, jti, TokenTypeAccess, "", cfg.AccessTTL)
}

// SignRefresh issues a refresh token bound to the rotation family.
func (c *Codec) SignRefresh(cfg *tenant.AuthenticationConfig, userID, jti, familyID string) (string, time.Time, error) {
	return c.sign(cfg, userID, jti, TokenTypeRefresh, familyID, cfg.RefreshTTL)
}

func (c *Codec) sign(cfg *tenant.AuthenticationConfig, userID, jti, tokenType, familyID string, ttl time.Duration) (string, time.Time, error) {
	now := c.now().UTC()
	exp := now.Add(ttl)
	claims := Claims{
		TenantID:    cfg.TenantID,
		Environment: cfg.Environment,
		TokenType:   tokenType,
		FamilyID:    familyID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tenantIssuer(cfg.TenantID),
			Audience:  jwt.ClaimStrings{tenantAudience(cfg.TenantID, cfg.Environment)},
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        jti,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(cfg.SecretBytes())
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Verify checks signature, lifetime, and tenant binding of a token and
// returns its claims. No clock-skew leeway is applied to exp/iat.
func (c *Codec) Verify(cfg *tenant.AuthenticationConfig, token, tokenType string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrSignatureInvalid
		}
		return cfg.SecretBytes(), nil
	}, jwt.WithTimeFunc(func() time.Time { return c.now().UTC() }))
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, ErrTokenMalformed
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrSignatureInvalid
		case errors.Is(err, jwt.ErrTokenExpired), errors.Is(err, jwt.ErrTokenUsedBeforeIssued), errors.Is(err, jwt.ErrTokenNotValidYet):
			return nil, ErrTokenExpired
		default:
			return nil, ErrSignatureInvalid
		}
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrTokenMalformed
	}
	if err := c.validate(claims, cfg, tokenType); err != nil {
		return nil, err
	}
	return claims, nil
}

// PeekEnvironment extracts the environment claim without verifying the
// signature. Callers use it solely to resolve the tenant config that the
// real Verify then runs against; nothing else may trust peeked claims.
func (c *Codec) PeekEnvironment(token string) (string, error) {
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return "", ErrTokenMalformed
	}
	if claims.Environment == "" {
		return "", ErrClaimMismatch
	}
	return claims.Environment, nil
}

func (c *Codec) validate(claims *Claims, cfg *tenant.AuthenticationConfig, tokenType string) error {
	if claims.TokenType != tokenType {
		return ErrClaimMismatch
	}
	if claims.Subject == "" || claims.ID == "" {
		return ErrClaimMismatch
	}
	if claims.TenantID != cfg.TenantID || claims.Environment != cfg.Environment {
		return ErrClaimMismatch
	}
	if claims.Issuer != tenantIssuer(cfg.TenantID) {
		return ErrClaimMismatch
	}
	wantAud := tenantAudience(cfg.TenantID, cfg.Environment)
	audOK := false
	for _, a := range claims.Audience {
		if a == wantAud {
			audOK = true
			break
		}
	}
	if !audOK {
		return ErrClaimMismatch
	}
	if tokenType == TokenTypeRefresh && claims.FamilyID == "" {
		return ErrClaimMismatch
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return ErrClaimMismatch
	}
	return nil
}
