package mapping

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var ErrNotFound = errors.New("mapping: not found")

// SubjectMapping binds a (subject_code, exam_type) pair to the Moodle
// assignment receiving its submissions.
type SubjectMapping struct {
	ID           int64  `json:"id"`
	SubjectCode  string `json:"subject_code"`
	ExamType     string `json:"exam_type"`
	CourseID     int64  `json:"moodle_course_id"`
	AssignmentID int64  `json:"moodle_assignment_id"`
	Active       bool   `json:"is_active"`
}

type Store struct {
	DB *sql.DB
}

// Active returns the active mapping for a subject/exam-type pair.
func (s *Store) Active(ctx context.Context, subjectCode, examType string) (SubjectMapping, error) {
	var m SubjectMapping
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, subject_code, exam_type, moodle_course_id, moodle_assignment_id, is_active
		FROM subject_mappings
		WHERE subject_code=$1 AND exam_type=$2 AND is_active=TRUE`,
		subjectCode, examType).
		Scan(&m.ID, &m.SubjectCode, &m.ExamType, &m.CourseID, &m.AssignmentID, &m.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return SubjectMapping{}, ErrNotFound
	}
	return m, err
}

// Upsert creates or replaces the mapping for (subject_code, exam_type).
func (s *Store) Upsert(ctx context.Context, m SubjectMapping) (SubjectMapping, error) {
	err := s.DB.QueryRowContext(ctx, `
		INSERT INTO subject_mappings (subject_code, exam_type, moodle_course_id, moodle_assignment_id, is_active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (subject_code, exam_type) DO UPDATE SET
			moodle_course_id=EXCLUDED.moodle_course_id,
			moodle_assignment_id=EXCLUDED.moodle_assignment_id,
			is_active=EXCLUDED.is_active
		RETURNING id`,
		m.SubjectCode, m.ExamType, m.CourseID, m.AssignmentID, m.Active, time.Now().Unix()).
		Scan(&m.ID)
	return m, err
}

func (s *Store) List(ctx context.Context) ([]SubjectMapping, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, subject_code, exam_type, moodle_course_id, moodle_assignment_id, is_active
		FROM subject_mappings ORDER BY subject_code, exam_type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SubjectMapping
	for rows.Next() {
		var m SubjectMapping
		if err := rows.Scan(&m.ID, &m.SubjectCode, &m.ExamType, &m.CourseID, &m.AssignmentID, &m.Active); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) Delete(ctx context.Context, id int64) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM subject_mappings WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RegisterForUsername resolves a Moodle username to the student's
// register number. One-to-one within an exam session.
func (s *Store) RegisterForUsername(ctx context.Context, username string) (string, error) {
	var reg string
	err := s.DB.QueryRowContext(ctx,
		`SELECT register_number FROM username_register_map WHERE moodle_username=$1`, username).
		Scan(&reg)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return reg, err
}

// UsernameForRegister is the reverse lookup, used by staff tooling.
func (s *Store) UsernameForRegister(ctx context.Context, register string) (string, error) {
	var username string
	err := s.DB.QueryRowContext(ctx,
		`SELECT moodle_username FROM username_register_map WHERE register_number=$1`, register).
		Scan(&username)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return username, err
}

// UpsertUserMap binds a Moodle username to a register number, replacing
// any prior binding for the username.
func (s *Store) UpsertUserMap(ctx context.Context, username, register string) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO username_register_map (moodle_username, register_number, created_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (moodle_username) DO UPDATE SET register_number=EXCLUDED.register_number`,
		username, register, time.Now().Unix())
	return err
}

// UserMapEntry is one row of the bulk import payload.
type UserMapEntry struct {
	Username string `json:"moodle_username"`
	Register string `json:"register_number"`
}

func (s *Store) ListUserMap(ctx context.Context) ([]UserMapEntry, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT moodle_username, register_number FROM username_register_map ORDER BY register_number`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []UserMapEntry
	for rows.Next() {
		var e UserMapEntry
		if err := rows.Scan(&e.Username, &e.Register); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
