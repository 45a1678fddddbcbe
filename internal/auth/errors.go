package auth

import (
	"errors"
	"fmt"
)

var (
	ErrConfigNotFound        = errors.New("auth: tenant auth config not resolvable")
	ErrInvalidCredentials    = errors.New("auth: invalid credentials")
	ErrInvalidToken          = errors.New("auth: invalid token")
	ErrTokenReuseDetected    = errors.New("auth: refresh token reuse detected")
	ErrTokenReuseOrForged    = errors.New("auth: refresh token unknown or forged")
	ErrTokenRevokedOrExpired = errors.New("auth: refresh token revoked or expired")
	ErrRateLimited           = errors.New("auth: rate limited")
	ErrStoreUnavailable      = errors.New("auth: token store unavailable")

	// ErrNotFound is returned by stores for missing token records.
	ErrNotFound = errors.New("auth: token record not found")
)

// Codec verification failures. Each wraps ErrInvalidToken so callers that
// only care about the coarse taxonomy can match with errors.Is.
var (
	ErrSignatureInvalid = fmt.Errorf("%w: signature invalid", ErrInvalidToken)
	ErrTokenExpired     = fmt.Errorf("%w: expired", ErrInvalidToken)
	ErrClaimMismatch    = fmt.Errorf("%w: claim mismatch", ErrInvalidToken)
	ErrTokenMalformed   = fmt.Errorf("%w: malformed", ErrInvalidToken)
)

func storeErr(err error) error {
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
