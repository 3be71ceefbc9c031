package mapping_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/examstack/exambridge/internal/db"
	"github.com/examstack/exambridge/internal/mapping"
)

func testStore(t *testing.T) (*mapping.Store, *sql.DB) {
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
	return &mapping.Store{DB: dbh}, dbh
}

func TestUpsertReplacesBinding(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	first, err := s.Upsert(ctx, mapping.SubjectMapping{
		SubjectCode: "19AI405", ExamType: "CIA1", CourseID: 3, AssignmentID: 42, Active: true,
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	second, err := s.Upsert(ctx, mapping.SubjectMapping{
		SubjectCode: "19AI405", ExamType: "CIA1", CourseID: 3, AssignmentID: 77, Active: true,
	})
	if err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("upsert created a second row: %d vs %d", second.ID, first.ID)
	}

	m, err := s.Active(ctx, "19AI405", "CIA1")
	if err != nil {
		t.Fatal(err)
	}
	if m.AssignmentID != 77 {
		t.Fatalf("assignment = %d, want replacement 77", m.AssignmentID)
	}
}

func TestActiveIgnoresInactive(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	if _, err := s.Upsert(ctx, mapping.SubjectMapping{
		SubjectCode: "19AI405", ExamType: "CIA1", CourseID: 3, AssignmentID: 42, Active: false,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Active(ctx, "19AI405", "CIA1"); err != mapping.ErrNotFound {
		t.Fatalf("inactive mapping resolved: err = %v", err)
	}
	if _, err := s.Active(ctx, "19AI405", "CIA2"); err != mapping.ErrNotFound {
		t.Fatalf("missing mapping err = %v", err)
	}
}

func TestUserMapRoundTrip(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	if err := s.UpsertUserMap(ctx, "22007928", "212222240047"); err != nil {
		t.Fatal(err)
	}
	reg, err := s.RegisterForUsername(ctx, "22007928")
	if err != nil || reg != "212222240047" {
		t.Fatalf("register = %q err = %v", reg, err)
	}
	username, err := s.UsernameForRegister(ctx, "212222240047")
	if err != nil || username != "22007928" {
		t.Fatalf("username = %q err = %v", username, err)
	}

	// Rebinding the username moves it to the new register.
	if err := s.UpsertUserMap(ctx, "22007928", "212222240099"); err != nil {
		t.Fatal(err)
	}
	reg, err = s.RegisterForUsername(ctx, "22007928")
	if err != nil || reg != "212222240099" {
		t.Fatalf("rebound register = %q err = %v", reg, err)
	}

	if _, err := s.RegisterForUsername(ctx, "ghost"); err != mapping.ErrNotFound {
		t.Fatalf("unknown username err = %v", err)
	}
}

func TestDeleteMapping(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	m, err := s.Upsert(ctx, mapping.SubjectMapping{
		SubjectCode: "19AI405", ExamType: "CIA1", CourseID: 3, AssignmentID: 42, Active: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, m.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, m.ID); err != mapping.ErrNotFound {
		t.Fatalf("double delete err = %v", err)
	}
}
