package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var _ TokenStore = (*PGTokenStore)(nil)

const recordColumns = `jti, family_id, user_id, tenant_id, token_hash,
	created_at, expires_at, used_at, is_active, revoked_at`

// PGTokenStore implements TokenStore on PostgreSQL via database/sql.
type PGTokenStore struct {
	db *sql.DB
}

// NewPGTokenStore wraps the given database handle.
func NewPGTokenStore(db *sql.DB) *PGTokenStore {
	return &PGTokenStore{db: db}
}

func (s *PGTokenStore) Create(ctx context.Context, rec *RefreshTokenRecord) error {
	_, err := s.db.ExecContext(ctx, `
		insert into refresh_tokens (jti, family_id, user_id, tenant_id, token_hash, created_at, expires_at, is_active)
		values ($1,$2,$3,$4,$5,$6,$7,true)`,
		rec.JTI, rec.FamilyID, rec.UserID, rec.TenantID, rec.TokenHash, rec.CreatedAt, rec.ExpiresAt,
	)
	return err
}

func (s *PGTokenStore) Begin(ctx context.Context) (TokenTx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &pgTokenTx{tx: tx}, nil
}

func (s *PGTokenStore) RevokeAllForUser(ctx context.Context, userID string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		update refresh_tokens set is_active=false, revoked_at=$2
		where user_id=$1 and revoked_at is null`,
		userID, at,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PGTokenStore) ActiveByUser(ctx context.Context, userID string, now time.Time) ([]*RefreshTokenRecord, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		select %s from refresh_tokens
		where user_id=$1 and is_active=true and revoked_at is null and expires_at > $2
		order by created_at asc`, recordColumns),
		userID, now,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []*RefreshTokenRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

func (s *PGTokenStore) CountCreatedSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`select count(*) from refresh_tokens where user_id=$1 and created_at >= $2`,
		userID, since,
	).Scan(&n)
	return n, err
}

func (s *PGTokenStore) PurgeExpired(ctx context.Context, horizon time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		delete from refresh_tokens
		where expires_at < $1 or (is_active=false and revoked_at < $1)`,
		horizon,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type pgTokenTx struct {
	tx *sql.Tx
}

// FindByJTIForUpdate takes a FOR UPDATE row lock held until the
// transaction ends. This is the primitive that makes check-and-consume
// indivisible across concurrent rotations of the same token.
func (t *pgTokenTx) FindByJTIForUpdate(ctx context.Context, jti string) (*RefreshTokenRecord, error) {
	row := t.tx.QueryRowContext(ctx,
		fmt.Sprintf(`select %s from refresh_tokens where jti=$1 for update`, recordColumns),
		jti,
	)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// MarkUsed stamps consumption. The used_at IS NULL guard keeps the write
// a compare-and-swap even if a caller skips the locked lookup.
func (t *pgTokenTx) MarkUsed(ctx context.Context, jti string, at time.Time) error {
	res, err := t.tx.ExecContext(ctx,
		`update refresh_tokens set used_at=$2 where jti=$1 and used_at is null`,
		jti, at,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrTokenReuseDetected
	}
	return nil
}

func (t *pgTokenTx) Create(ctx context.Context, rec *RefreshTokenRecord) error {
	_, err := t.tx.ExecContext(ctx, `
		insert into refresh_tokens (jti, family_id, user_id, tenant_id, token_hash, created_at, expires_at, is_active)
		values ($1,$2,$3,$4,$5,$6,$7,true)`,
		rec.JTI, rec.FamilyID, rec.UserID, rec.TenantID, rec.TokenHash, rec.CreatedAt, rec.ExpiresAt,
	)
	return err
}

func (t *pgTokenTx) RevokeFamily(ctx context.Context, familyID string, at time.Time) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `
		update refresh_tokens set is_active=false, revoked_at=$2
		where family_id=$1 and revoked_at is null`,
		familyID, at,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (t *pgTokenTx) Commit() error   { return t.tx.Commit() }
func (t *pgTokenTx) Rollback() error { return t.tx.Rollback() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*RefreshTokenRecord, error) {
	var (
		rec       RefreshTokenRecord
		usedAt    sql.NullTime
		revokedAt sql.NullTime
	)
	err := row.Scan(
		&rec.JTI, &rec.FamilyID, &rec.UserID, &rec.TenantID, &rec.TokenHash,
		&rec.CreatedAt, &rec.ExpiresAt, &usedAt, &rec.IsActive, &revokedAt,
	)
	if err != nil {
		return nil, err
	}
	if usedAt.Valid {
		rec.UsedAt = &usedAt.Time
	}
	if revokedAt.Valid {
		rec.RevokedAt = &revokedAt.Time
	}
	return &rec, nil
}
