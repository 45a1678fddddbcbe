package auth

import (
	"context"
	"database/sql"
	"errors"
)

// CredentialVerifier authenticates a user within a tenant and returns the
// user id. Implementations return ErrInvalidCredentials for any failure
// that must not distinguish "unknown user" from "wrong password".
type CredentialVerifier interface {
	VerifyCredentials(ctx context.Context, tenantID, email, password string) (string, error)
}

var _ CredentialVerifier = (*PGUserDirectory)(nil)

// PGUserDirectory verifies credentials against the users table.
type PGUserDirectory struct {
	db *sql.DB
}

// NewPGUserDirectory wraps the given database handle.
func NewPGUserDirectory(db *sql.DB) *PGUserDirectory {
	return &PGUserDirectory{db: db}
}

func (d *PGUserDirectory) VerifyCredentials(ctx context.Context, tenantID, email, password string) (string, error) {
	if tenantID == "" || email == "" || password == "" {
		return "", ErrInvalidCredentials
	}
	var (
		id           string
		passwordHash string
		status       string
	)
	err := d.db.QueryRowContext(ctx,
		`select id, password_hash, status from users where tenant_id=$1 and lower(email)=lower($2)`,
		tenantID, email,
	).Scan(&id, &passwordHash, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrInvalidCredentials
	}
	if err != nil {
		return "", storeErr(err)
	}
	if status != "active" {
		return "", ErrInvalidCredentials
	}
	if err := VerifyPassword(passwordHash, password); err != nil {
		return "", ErrInvalidCredentials
	}
	return id, nil
}
