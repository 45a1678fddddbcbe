package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"docsmith.io/internal/ids"
	"docsmith.io/internal/obs"
	"docsmith.io/internal/tenant"
)

// ConfigProvider resolves per-(tenant, environment) auth policy.
// AuthConfig is a pure read; EnsureAuthConfig may persist a default row
// and is only called after the caller authenticated the tenant.
type ConfigProvider interface {
	AuthConfig(ctx context.Context, tenantID, environment string) (*tenant.AuthenticationConfig, error)
	EnsureAuthConfig(ctx context.Context, tenantID, environment string) (*tenant.AuthenticationConfig, error)
}

// Engine owns the refresh-token rotation state machine. All collaborators
// are injected; there is no ambient process state beyond the provider's
// bounded config cache.
type Engine struct {
	store    TokenStore
	users    CredentialVerifier
	configs  ConfigProvider
	codec    *Codec
	limiter  Limiter
	events   EventSink
	detector *Detector
	now      func() time.Time
}

// EngineOption configures Engine behavior.
type EngineOption func(*Engine)

// WithLimiter installs the auth rate limiter. Nil disables throttling.
func WithLimiter(l Limiter) EngineOption {
	return func(e *Engine) { e.limiter = l }
}

// WithEventSink installs the security-event sink.
func WithEventSink(s EventSink) EngineOption {
	return func(e *Engine) {
		if s != nil {
			e.events = s
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) EngineOption {
	return func(e *Engine) {
		if fn != nil {
			e.now = fn
		}
	}
}

// NewEngine constructs the rotation engine.
func NewEngine(store TokenStore, users CredentialVerifier, configs ConfigProvider, opts ...EngineOption) *Engine {
	e := &Engine{
		store:   store,
		users:   users,
		configs: configs,
		events:  nopSink{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.codec = NewCodec(e.now)
	e.detector = NewDetector(store, DetectorWithRevoker(e), DetectorWithClock(e.now))
	return e
}

// Codec exposes the engine's token codec (used by middleware helpers).
func (e *Engine) Codec() *Codec { return e.codec }

func (e *Engine) resolveConfig(ctx context.Context, tenantID, environment string) (*tenant.AuthenticationConfig, error) {
	cfg, err := e.configs.AuthConfig(ctx, tenantID, environment)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigNotFound, err)
	}
	return cfg, nil
}

func (e *Engine) check(ctx context.Context, subject string, op Operation, policy tenant.LimitPolicy) error {
	if e.limiter == nil {
		return nil
	}
	err := e.limiter.Check(ctx, subject, op, policy)
	if errors.Is(err, ErrRateLimited) {
		obs.IncRateLimited(string(op))
	}
	return err
}

// Issue authenticates the credentials and opens a new token family: the
// root refresh record is persisted, then the signed pair returned.
func (e *Engine) Issue(ctx context.Context, creds Credentials) (*TokenPair, error) {
	cfg, err := e.configs.AuthConfig(ctx, creds.TenantID, creds.Environment)
	firstUse := false
	if err != nil {
		if !errors.Is(err, tenant.ErrNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrConfigNotFound, err)
		}
		// No policy row yet. Throttle the attempt with the in-memory
		// default and persist a row only after the credentials check
		// out, so unauthenticated traffic cannot mint config rows.
		cfg, err = tenant.DefaultConfig(creds.TenantID, creds.Environment)
		if err != nil {
			return nil, err
		}
		firstUse = true
	}

	if err := e.check(ctx, creds.Email, OpLoginAttempt, cfg.Limits.LoginAttempt); err != nil {
		return nil, err
	}
	lockout := tenant.LimitPolicy{Limit: cfg.LockoutMaxAttempts, Window: cfg.LockoutDuration}
	if e.limiter != nil {
		if err := e.limiter.Peek(ctx, creds.Email, OpLoginFailure, lockout); err != nil {
			if errors.Is(err, ErrRateLimited) {
				obs.IncRateLimited(string(OpLoginFailure))
			}
			return nil, err
		}
	}

	userID, err := e.users.VerifyCredentials(ctx, creds.TenantID, creds.Email, creds.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			// Failed attempts feed the lockout window; denial here is
			// irrelevant, only the recording matters.
			_ = e.check(ctx, creds.Email, OpLoginFailure, lockout)
		}
		return nil, err
	}

	if firstUse {
		// Signing must use the persisted secret, not the throwaway
		// default minted above.
		cfg, err = e.configs.EnsureAuthConfig(ctx, creds.TenantID, creds.Environment)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfigNotFound, err)
		}
	}

	if err := e.check(ctx, userID, OpTokenCreation, cfg.Limits.TokenCreation); err != nil {
		return nil, err
	}

	now := e.now().UTC()
	familyID := ids.New()
	jti := ids.New()

	refreshToken, refreshExp, err := e.codec.SignRefresh(cfg, userID, jti, familyID)
	if err != nil {
		return nil, err
	}
	accessToken, accessExp, err := e.codec.SignAccess(cfg, userID, ids.New())
	if err != nil {
		return nil, err
	}

	rec := &RefreshTokenRecord{
		JTI:       jti,
		FamilyID:  familyID,
		UserID:    userID,
		TenantID:  creds.TenantID,
		TokenHash: HashToken(refreshToken),
		CreatedAt: now,
		ExpiresAt: refreshExp,
		IsActive:  true,
	}
	if err := e.store.Create(ctx, rec); err != nil {
		return nil, storeErr(err)
	}

	obs.IncTokenIssued()
	e.events.Emit(ctx, SecurityEvent{
		Type: EventTokenIssued, UserID: userID, TenantID: creds.TenantID,
		FamilyID: familyID, Timestamp: now,
	})
	e.scanBestEffort(ctx, userID, cfg)

	return &TokenPair{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
		FamilyID:         familyID,
		UserID:           userID,
	}, nil
}

// Rotate consumes the presented refresh token and issues its child, or
// fails destructively. Replay of an already-consumed token revokes the
// entire family in the same transaction: safety over availability.
func (e *Engine) Rotate(ctx context.Context, refreshToken, tenantID string) (*TokenPair, error) {
	if refreshToken == "" || tenantID == "" {
		return nil, ErrInvalidToken
	}
	environment, err := e.codec.PeekEnvironment(refreshToken)
	if err != nil {
		return nil, err
	}
	cfg, err := e.resolveConfig(ctx, tenantID, environment)
	if err != nil {
		return nil, err
	}
	claims, err := e.codec.Verify(cfg, refreshToken, TokenTypeRefresh)
	if err != nil {
		return nil, err
	}
	if claims.TenantID != tenantID {
		return nil, ErrClaimMismatch
	}

	if err := e.check(ctx, claims.Subject, OpTokenRefresh, cfg.Limits.TokenRefresh); err != nil {
		return nil, err
	}

	now := e.now().UTC()
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return nil, storeErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	rec, err := tx.FindByJTIForUpdate(ctx, claims.ID)
	if errors.Is(err, ErrNotFound) {
		// Every legitimately issued jti is persisted at issuance, so an
		// unknown jti with a valid signature is forged or replayed past
		// retention. Never silently accepted.
		e.events.Emit(ctx, SecurityEvent{
			Type: EventForgedPresented, UserID: claims.Subject,
			TenantID: tenantID, FamilyID: claims.FamilyID, Timestamp: now,
		})
		return nil, ErrTokenReuseOrForged
	}
	if err != nil {
		return nil, storeErr(err)
	}
	if rec.TenantID != tenantID || rec.UserID != claims.Subject || rec.FamilyID != claims.FamilyID {
		return nil, ErrTokenReuseOrForged
	}
	if rec.TokenHash != HashToken(refreshToken) {
		return nil, ErrTokenReuseOrForged
	}

	if rec.Consumed() {
		return nil, e.failFamily(ctx, tx, rec, now)
	}
	if !rec.IsActive || rec.RevokedAt != nil || rec.Expired(now) {
		return nil, ErrTokenRevokedOrExpired
	}

	if err := tx.MarkUsed(ctx, rec.JTI, now); err != nil {
		if errors.Is(err, ErrTokenReuseDetected) {
			return nil, e.failFamily(ctx, tx, rec, now)
		}
		return nil, storeErr(err)
	}

	childJTI := ids.New()
	newRefresh, refreshExp, err := e.codec.SignRefresh(cfg, rec.UserID, childJTI, rec.FamilyID)
	if err != nil {
		return nil, err
	}
	accessToken, accessExp, err := e.codec.SignAccess(cfg, rec.UserID, ids.New())
	if err != nil {
		return nil, err
	}
	child := &RefreshTokenRecord{
		JTI:       childJTI,
		FamilyID:  rec.FamilyID,
		UserID:    rec.UserID,
		TenantID:  rec.TenantID,
		TokenHash: HashToken(newRefresh),
		CreatedAt: now,
		ExpiresAt: refreshExp,
		IsActive:  true,
	}
	if err := tx.Create(ctx, child); err != nil {
		return nil, storeErr(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, storeErr(err)
	}

	obs.IncTokenRotated()
	e.events.Emit(ctx, SecurityEvent{
		Type: EventTokenRotated, UserID: rec.UserID, TenantID: rec.TenantID,
		FamilyID: rec.FamilyID, Timestamp: now,
	})
	e.scanBestEffort(ctx, rec.UserID, cfg)

	return &TokenPair{
		AccessToken:      accessToken,
		RefreshToken:     newRefresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
		FamilyID:         rec.FamilyID,
		UserID:           rec.UserID,
	}, nil
}

// failFamily handles a detected replay: the whole chain is revoked inside
// the caller's transaction and the critical event emitted. The commit must
// succeed for the revocation to hold, so commit failure reports the store
// error instead.
func (e *Engine) failFamily(ctx context.Context, tx TokenTx, rec *RefreshTokenRecord, now time.Time) error {
	if _, err := tx.RevokeFamily(ctx, rec.FamilyID, now); err != nil {
		return storeErr(err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr(err)
	}
	obs.IncReuseDetected()
	obs.IncFamilyRevoked("reuse")
	e.events.Emit(ctx, SecurityEvent{
		Type: EventReuseDetected, UserID: rec.UserID, TenantID: rec.TenantID,
		FamilyID: rec.FamilyID, Timestamp: now,
		Indicators: []string{"token_replayed_after_rotation"},
	})
	return ErrTokenReuseDetected
}

// RevokeFamily invalidates the whole rotation chain.
func (e *Engine) RevokeFamily(ctx context.Context, tenantID, familyID string) error {
	now := e.now().UTC()
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return storeErr(err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.RevokeFamily(ctx, familyID, now); err != nil {
		return storeErr(err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr(err)
	}
	obs.IncFamilyRevoked("manual")
	e.events.Emit(ctx, SecurityEvent{
		Type: EventFamilyRevoked, TenantID: tenantID, FamilyID: familyID, Timestamp: now,
	})
	return nil
}

// RevokeUser revokes every refresh token of the user ("logout everywhere").
func (e *Engine) RevokeUser(ctx context.Context, userID string) error {
	now := e.now().UTC()
	if _, err := e.store.RevokeAllForUser(ctx, userID, now); err != nil {
		return storeErr(err)
	}
	obs.IncFamilyRevoked("user")
	e.events.Emit(ctx, SecurityEvent{
		Type: EventUserRevoked, UserID: userID, Timestamp: now,
	})
	return nil
}

// Logout verifies the presented refresh token and revokes its family.
func (e *Engine) Logout(ctx context.Context, refreshToken, tenantID string) error {
	environment, err := e.codec.PeekEnvironment(refreshToken)
	if err != nil {
		return err
	}
	cfg, err := e.resolveConfig(ctx, tenantID, environment)
	if err != nil {
		return err
	}
	claims, err := e.codec.Verify(cfg, refreshToken, TokenTypeRefresh)
	if err != nil {
		return err
	}
	return e.RevokeFamily(ctx, tenantID, claims.FamilyID)
}

// VerifyAccess validates an access token for the tenant and returns its
// claims. Used by the HTTP authentication middleware. The environment is
// peeked from the unverified claims purely to select the config that the
// real verification then runs against.
func (e *Engine) VerifyAccess(ctx context.Context, token, tenantID string) (*Claims, error) {
	environment, err := e.codec.PeekEnvironment(token)
	if err != nil {
		return nil, err
	}
	cfg, err := e.resolveConfig(ctx, tenantID, environment)
	if err != nil {
		return nil, err
	}
	claims, err := e.codec.Verify(cfg, token, TokenTypeAccess)
	if err != nil {
		return nil, err
	}
	if claims.TenantID != tenantID {
		return nil, ErrClaimMismatch
	}
	return claims, nil
}

// SecurityReport runs a compromise scan for the user without applying the
// auto-revoke policy.
func (e *Engine) SecurityReport(ctx context.Context, tenantID, environment, userID string) (*Report, error) {
	cfg, err := e.resolveConfig(ctx, tenantID, environment)
	if err != nil {
		return nil, err
	}
	report, err := e.detector.Scan(ctx, userID, cfg)
	if err != nil {
		return nil, storeErr(err)
	}
	return report, nil
}

// scanBestEffort runs the compromise evaluation after a successful token
// operation. It never gates the flow: failures degrade to "no compromise
// found".
func (e *Engine) scanBestEffort(ctx context.Context, userID string, cfg *tenant.AuthenticationConfig) {
	report, err := e.detector.Evaluate(ctx, userID, cfg)
	if err != nil {
		obs.LogWarn("compromise scan failed", map[string]any{"user_id": userID})
		return
	}
	if report != nil && report.IndicatorCount() > 0 {
		e.events.Emit(ctx, SecurityEvent{
			Type: EventCompromiseReport, UserID: userID, TenantID: cfg.TenantID,
			Timestamp: e.now().UTC(), Indicators: report.Indicators(),
		})
	}
}
