package auth_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/examstack/exambridge/internal/auth"
	"github.com/examstack/exambridge/internal/db"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()
	dbh, driver, err := db.Open(ctx, "file:"+filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { dbh.Close() })
	if err := db.Migrate(ctx, dbh, driver); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return dbh
}

func TestStaffLoginAndVerify(t *testing.T) {
	dbh := testDB(t)
	svc := auth.NewStaffService(dbh, "test-secret", time.Minute)
	ctx := context.Background()

	id, err := svc.CreateStaff(ctx, "coe", "paper-chase-42", "Controller", "coe@example.edu", auth.RoleAdmin)
	if err != nil {
		t.Fatalf("create staff: %v", err)
	}

	token, exp, err := svc.Login(ctx, "coe", "paper-chase-42")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if token == "" || !exp.After(time.Now()) {
		t.Fatalf("bad token/expiry: %q %v", token, exp)
	}

	claims, err := svc.Verify(ctx, token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.StaffID != id || claims.Role != auth.RoleAdmin {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestStaffLoginRejectsBadCredentials(t *testing.T) {
	dbh := testDB(t)
	svc := auth.NewStaffService(dbh, "test-secret", time.Minute)
	ctx := context.Background()

	if _, err := svc.CreateStaff(ctx, "coe", "right", "Controller", "coe@example.edu", auth.RoleStaff); err != nil {
		t.Fatal(err)
	}
	if _, _, err := svc.Login(ctx, "coe", "wrong"); err != auth.ErrInvalidCredentials {
		t.Fatalf("wrong password err = %v", err)
	}
	if _, _, err := svc.Login(ctx, "nobody", "whatever"); err != auth.ErrInvalidCredentials {
		t.Fatalf("unknown user err = %v", err)
	}
}

func TestVerifyRejectsForgedAndExpired(t *testing.T) {
	dbh := testDB(t)
	svc := auth.NewStaffService(dbh, "test-secret", time.Minute)
	ctx := context.Background()

	if _, err := svc.Verify(ctx, "not.a.jwt"); err != auth.ErrInvalidToken {
		t.Fatalf("garbage token err = %v", err)
	}

	// Token signed under a different secret.
	other := auth.NewStaffService(dbh, "other-secret", time.Minute)
	if _, err := other.CreateStaff(ctx, "coe", "pw", "C", "c@example.edu", auth.RoleStaff); err != nil {
		t.Fatal(err)
	}
	forged, _, err := other.Login(ctx, "coe", "pw")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Verify(ctx, forged); err != auth.ErrInvalidToken {
		t.Fatalf("cross-secret token err = %v", err)
	}

	// Deactivated account invalidates outstanding tokens.
	token, _, err := other.Login(ctx, "coe", "pw")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := dbh.Exec(`UPDATE staff_users SET is_active=FALSE WHERE username='coe'`); err != nil {
		t.Fatal(err)
	}
	if _, err := other.Verify(ctx, token); err != auth.ErrInvalidToken {
		t.Fatalf("deactivated staff token err = %v", err)
	}
}

func TestCreateStaffRejectsUnknownRole(t *testing.T) {
	dbh := testDB(t)
	svc := auth.NewStaffService(dbh, "test-secret", time.Minute)
	if _, err := svc.CreateStaff(context.Background(), "x", "pw", "X", "x@example.edu", "superuser"); err == nil {
		t.Fatal("unknown role accepted")
	}
}
