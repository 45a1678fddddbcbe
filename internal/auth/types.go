package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// TokenType discriminates signed token kinds via the "type" claim.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// RefreshTokenRecord is the persisted ledger entry for one refresh token.
// The raw token is never stored; TokenHash holds hex(sha256(token)).
type RefreshTokenRecord struct {
	JTI       string
	FamilyID  string
	UserID    string
	TenantID  string
	TokenHash string
	CreatedAt time.Time
	ExpiresAt time.Time
	UsedAt    *time.Time
	IsActive  bool
	RevokedAt *time.Time
}

// Consumed reports whether the token has already been rotated.
func (r *RefreshTokenRecord) Consumed() bool { return r.UsedAt != nil }

// Expired reports whether the token lifetime has elapsed at now.
func (r *RefreshTokenRecord) Expired(now time.Time) bool { return now.After(r.ExpiresAt) }

// Usable reports whether the record could still legitimately rotate at now.
func (r *RefreshTokenRecord) Usable(now time.Time) bool {
	return r.IsActive && r.RevokedAt == nil && !r.Consumed() && !r.Expired(now)
}

// TokenPair carries one access/refresh issuance.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	FamilyID         string    `json:"-"`
	UserID           string    `json:"-"`
}

// Credentials identify a user within a tenant environment at login.
type Credentials struct {
	TenantID    string
	Environment string
	Email       string
	Password    string
}

// SecurityEvent is the structured record handed to the event sink.
type SecurityEvent struct {
	Type       string    `json:"event_type"`
	UserID     string    `json:"user_id"`
	TenantID   string    `json:"tenant_id"`
	FamilyID   string    `json:"family_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Indicators []string  `json:"indicators,omitempty"`
}

// Security event types emitted by the engine and detector.
const (
	EventTokenIssued      = "auth.token.issued"
	EventTokenRotated     = "auth.token.rotated"
	EventReuseDetected    = "auth.token.reuse_detected"
	EventForgedPresented  = "auth.token.forged_presented"
	EventFamilyRevoked    = "auth.family.revoked"
	EventUserRevoked      = "auth.user.revoked"
	EventCompromiseReport = "auth.compromise.report"
)

// HashToken derives the storable digest of a signed token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
