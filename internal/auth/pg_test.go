package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func recordRows(rec *RefreshTokenRecord) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"jti", "family_id", "user_id", "tenant_id", "token_hash",
		"created_at", "expires_at", "used_at", "is_active", "revoked_at",
	})
	rows.AddRow(rec.JTI, rec.FamilyID, rec.UserID, rec.TenantID, rec.TokenHash,
		rec.CreatedAt, rec.ExpiresAt, rec.UsedAt, rec.IsActive, rec.RevokedAt)
	return rows
}

func TestPGRotationTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	now := time.Now().UTC()
	rec := &RefreshTokenRecord{
		JTI: "jti-1", FamilyID: "fam-1", UserID: "user-1", TenantID: "acme",
		TokenHash: "hash-1", CreatedAt: now.Add(-time.Hour), ExpiresAt: now.Add(time.Hour),
		IsActive: true,
	}

	mock.ExpectBegin()
	mock.ExpectQuery("select .* from refresh_tokens where jti=\\$1 for update").
		WithArgs("jti-1").WillReturnRows(recordRows(rec))
	mock.ExpectExec("update refresh_tokens set used_at=\\$2 where jti=\\$1 and used_at is null").
		WithArgs("jti-1", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into refresh_tokens").
		WithArgs("jti-2", "fam-1", "user-1", "acme", "hash-2", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	store := NewPGTokenStore(db)
	ctx := context.Background()

	tx, err := store.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	got, err := tx.FindByJTIForUpdate(ctx, "jti-1")
	if err != nil {
		t.Fatalf("FindByJTIForUpdate: %v", err)
	}
	if got.JTI != "jti-1" || got.Consumed() {
		t.Fatalf("unexpected record: %+v", got)
	}
	if err := tx.MarkUsed(ctx, "jti-1", now); err != nil {
		t.Fatalf("MarkUsed: %v", err)
	}
	child := &RefreshTokenRecord{
		JTI: "jti-2", FamilyID: "fam-1", UserID: "user-1", TenantID: "acme",
		TokenHash: "hash-2", CreatedAt: now, ExpiresAt: now.Add(time.Hour),
		IsActive: true,
	}
	if err := tx.Create(ctx, child); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGMarkUsedAlreadyConsumed(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("update refresh_tokens set used_at=\\$2 where jti=\\$1 and used_at is null").
		WithArgs("jti-1", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	store := NewPGTokenStore(db)
	ctx := context.Background()
	tx, err := store.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := tx.MarkUsed(ctx, "jti-1", time.Now()); !errors.Is(err, ErrTokenReuseDetected) {
		t.Fatalf("expected ErrTokenReuseDetected on zero rows, got %v", err)
	}
	_ = tx.Rollback()

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGFindUnknownJTI(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("select .* from refresh_tokens where jti=\\$1 for update").
		WithArgs("jti-missing").WillReturnRows(sqlmock.NewRows([]string{"jti"}))
	mock.ExpectRollback()

	store := NewPGTokenStore(db)
	ctx := context.Background()
	tx, err := store.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := tx.FindByJTIForUpdate(ctx, "jti-missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	_ = tx.Rollback()

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGRevokeFamily(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("update refresh_tokens set is_active=false, revoked_at=\\$2").
		WithArgs("fam-1", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	store := NewPGTokenStore(db)
	ctx := context.Background()
	tx, err := store.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	n, err := tx.RevokeFamily(ctx, "fam-1", time.Now())
	if err != nil {
		t.Fatalf("RevokeFamily: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 revoked, got %d", n)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGRevokeAllForUser(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("update refresh_tokens set is_active=false, revoked_at=\\$2").
		WithArgs("user-1", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 5))

	store := NewPGTokenStore(db)
	n, err := store.RevokeAllForUser(context.Background(), "user-1", time.Now())
	if err != nil {
		t.Fatalf("RevokeAllForUser: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected 5 revoked, got %d", n)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGPurgeExpired(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("delete from refresh_tokens").
		WithArgs(sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 7))

	store := NewPGTokenStore(db)
	n, err := store.PurgeExpired(context.Background(), time.Now().Add(-30*24*time.Hour))
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if n != 7 {
		t.Fatalf("expected 7 purged, got %d", n)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGActiveByUser(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	now := time.Now().UTC()
	used := now.Add(-time.Minute)
	rows := sqlmock.NewRows([]string{
		"jti", "family_id", "user_id", "tenant_id", "token_hash",
		"created_at", "expires_at", "used_at", "is_active", "revoked_at",
	}).
		AddRow("jti-1", "fam-1", "user-1", "acme", "h1", now.Add(-2*time.Hour), now.Add(time.Hour), used, true, nil).
		AddRow("jti-2", "fam-1", "user-1", "acme", "h2", now.Add(-time.Minute), now.Add(time.Hour), nil, true, nil)

	mock.ExpectQuery("select .* from refresh_tokens").
		WithArgs("user-1", sqlmock.AnyArg()).WillReturnRows(rows)

	store := NewPGTokenStore(db)
	recs, err := store.ActiveByUser(context.Background(), "user-1", now)
	if err != nil {
		t.Fatalf("ActiveByUser: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if !recs[0].Consumed() || recs[1].Consumed() {
		t.Fatalf("used_at scan mismatch: %+v %+v", recs[0], recs[1])
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
