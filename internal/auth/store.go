package auth

import (
	"context"
	"time"
)

// TokenStore is the persistent ledger of refresh-token metadata.
// Implementations map persistence failures to their native errors; the
// engine folds anything but ErrNotFound into ErrStoreUnavailable.
type TokenStore interface {
	// Create persists a freshly issued record (login root token).
	Create(ctx context.Context, rec *RefreshTokenRecord) error

	// Begin opens the transaction in which one rotation runs end to end.
	Begin(ctx context.Context) (TokenTx, error)

	// RevokeAllForUser deactivates every record of the user ("logout
	// everywhere"). Returns the number of revoked records.
	RevokeAllForUser(ctx context.Context, userID string, at time.Time) (int64, error)

	// ActiveByUser returns the user's unexpired records with is_active
	// still set, ordered by creation time. Input for compromise scans.
	ActiveByUser(ctx context.Context, userID string, now time.Time) ([]*RefreshTokenRecord, error)

	// CountCreatedSince counts records created for the user at or after
	// the given instant, regardless of their current state.
	CountCreatedSince(ctx context.Context, userID string, since time.Time) (int, error)

	// PurgeExpired deletes inactive or expired records whose expiry lies
	// before the retention horizon. Returns the number of deleted rows.
	PurgeExpired(ctx context.Context, horizon time.Time) (int64, error)
}

// TokenTx is one rotation transaction. FindByJTIForUpdate must take an
// exclusive lock on the row so that two concurrent consumers of the same
// token are serialized and exactly one observes "not yet used".
type TokenTx interface {
	FindByJTIForUpdate(ctx context.Context, jti string) (*RefreshTokenRecord, error)
	MarkUsed(ctx context.Context, jti string, at time.Time) error
	Create(ctx context.Context, rec *RefreshTokenRecord) error
	RevokeFamily(ctx context.Context, familyID string, at time.Time) (int64, error)
	Commit() error
	Rollback() error
}
