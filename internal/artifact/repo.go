package artifact

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/examstack/exambridge/internal/ident"
)

var (
	ErrNotFound = errors.New("artifact: not found")
	// ErrAlreadyInFlight means the submitting CAS lost: someone else holds
	// the artifact in SUBMITTING.
	ErrAlreadyInFlight = errors.New("artifact: submission already in flight")
)

// Repo owns all artifact mutations. Writes for one fingerprint are
// serialized by a database advisory lock (Postgres) or the single-writer
// connection (sqlite).
type Repo struct {
	DB     *sql.DB
	Driver string // "postgres" or "sqlite"

	// interleaves a rival insert between the attempt-number read and the
	// insert; tests only.
	insertRaceHook func(tx *sql.Tx)
}

func NewRepo(db *sql.DB, driver string) *Repo {
	return &Repo{DB: db, Driver: driver}
}

const cols = `id, uuid, raw_filename, canonical_filename, parsed_reg_no, parsed_subject_code,
	exam_type, attempt_number, content_hash, size_bytes, mime_type, disk_path, file_content,
	moodle_user_id, moodle_username, course_id, assignment_id, draft_item_id, submission_id,
	workflow_status, idempotency_key, uploaded_at, validated_at, submitted_at, completed_at,
	uploaded_by, txn_log, last_error, retry_count, auto_processed, tombstoned`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArtifact(r rowScanner) (*Artifact, error) {
	var a Artifact
	var idemKey sql.NullString
	var uploadedAt int64
	var uploadedBy, validatedAt, submittedAt, doneAt sql.NullInt64
	var txnLog string
	err := r.Scan(&a.ID, &a.UUID, &a.RawFilename, &a.CanonicalFilename, &a.RegisterNo, &a.SubjectCode,
		&a.ExamType, &a.AttemptNumber, &a.ContentHash, &a.SizeBytes, &a.MimeType, &a.DiskPath, &a.FileContent,
		&a.MoodleUserID, &a.MoodleUsername, &a.CourseID, &a.AssignmentID, &a.DraftItemID, &a.SubmissionID,
		&a.Status, &idemKey, &uploadedAt, &validatedAt, &submittedAt, &doneAt,
		&uploadedBy, &txnLog, &a.LastError, &a.RetryCount, &a.AutoProcessed, &a.Tombstoned)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	a.IdempotencyKey = idemKey.String
	a.UploadedAt = time.Unix(uploadedAt, 0).UTC()
	a.ValidatedAt = unixPtr(validatedAt)
	a.SubmittedAt = unixPtr(submittedAt)
	a.CompletedAt = unixPtr(doneAt)
	if uploadedBy.Valid {
		a.UploadedBy = uploadedBy.Int64
	}
	_ = json.Unmarshal([]byte(txnLog), &a.TxnLog)
	return &a, nil
}

func unixPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

// CreateParams is everything the upload pipeline has resolved before the
// insert protocol runs. AttemptNumber is computed here, not by callers.
type CreateParams struct {
	RawFilename       string
	CanonicalFilename string
	RegisterNo        string
	SubjectCode       string
	ExamType          string
	ContentHash       string
	SizeBytes         int64
	MimeType          string
	DiskPath          string
	FileContent       []byte
	UploadedBy        int64
	AutoProcessed     bool
}

// Create runs the insert protocol under the per-fingerprint lock:
// idempotency short-circuit, supersession of the prior attempt, insert as
// PENDING, audit. The bool result reports an idempotency hit (the returned
// artifact already existed).
func (r *Repo) Create(ctx context.Context, p CreateParams) (*Artifact, bool, error) {
	fp := ident.Fingerprint(p.RegisterNo, p.SubjectCode, p.ExamType, p.ContentHash)

	// Two passes at most. A loser racing identical bytes resolves through
	// the idempotency key; a loser racing different bytes on the same tuple
	// re-reads the attempt number and lands as the next attempt.
	var lastErr error
	for try := 0; try < 2; try++ {
		a, dup, err := r.createOnce(ctx, fp, p)
		if err == nil || !isUniqueViolation(err) {
			return a, dup, err
		}
		if prior, lookupErr := r.getByIdempotencyKey(ctx, r.DB, fp); lookupErr == nil {
			return prior, true, nil
		}
		lastErr = err
	}
	return nil, false, lastErr
}

func (r *Repo) createOnce(ctx context.Context, fp string, p CreateParams) (*Artifact, bool, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	if err := r.lockFingerprint(ctx, tx, fp); err != nil {
		return nil, false, err
	}

	if prior, err := r.getByIdempotencyKey(ctx, tx, fp); err == nil {
		r.auditTx(ctx, tx, "UPLOAD_DUP", p.UploadedBy, prior.UUID, p.RawFilename)
		return prior, true, tx.Commit()
	} else if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	// Latest attempt for the tuple, superseded or not: the unique
	// constraint spans attempt numbers, so we always go one past the max.
	var (
		priorID      int64
		priorAttempt int
		priorStatus  Status
	)
	attempt := 1
	err = tx.QueryRowContext(ctx, `
		SELECT id, attempt_number, workflow_status FROM artifacts
		WHERE parsed_reg_no=$1 AND parsed_subject_code=$2 AND exam_type=$3
		ORDER BY attempt_number DESC LIMIT 1`,
		p.RegisterNo, p.SubjectCode, p.ExamType).Scan(&priorID, &priorAttempt, &priorStatus)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, false, err
	default:
		attempt = priorAttempt + 1
		if priorStatus != StatusSuperseded {
			if _, err := tx.ExecContext(ctx,
				`UPDATE artifacts SET workflow_status=$1 WHERE id=$2`,
				StatusSuperseded, priorID); err != nil {
				return nil, false, err
			}
		}
	}

	a := &Artifact{
		UUID:              uuid.NewString(),
		RawFilename:       p.RawFilename,
		CanonicalFilename: p.CanonicalFilename,
		RegisterNo:        p.RegisterNo,
		SubjectCode:       p.SubjectCode,
		ExamType:          p.ExamType,
		AttemptNumber:     attempt,
		ContentHash:       p.ContentHash,
		SizeBytes:         p.SizeBytes,
		MimeType:          p.MimeType,
		DiskPath:          p.DiskPath,
		FileContent:       p.FileContent,
		Status:            StatusPending,
		IdempotencyKey:    fp,
		UploadedAt:        time.Now().UTC(),
		UploadedBy:        p.UploadedBy,
		AutoProcessed:     p.AutoProcessed,
	}
	if r.insertRaceHook != nil {
		r.insertRaceHook(tx)
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO artifacts (uuid, raw_filename, canonical_filename, parsed_reg_no, parsed_subject_code,
			exam_type, attempt_number, content_hash, size_bytes, mime_type, disk_path, file_content,
			workflow_status, idempotency_key, uploaded_at, uploaded_by, txn_log, auto_processed)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,'[]',$17)
		RETURNING id`,
		a.UUID, a.RawFilename, a.CanonicalFilename, a.RegisterNo, a.SubjectCode,
		a.ExamType, a.AttemptNumber, a.ContentHash, a.SizeBytes, a.MimeType, a.DiskPath, a.FileContent,
		a.Status, a.IdempotencyKey, a.UploadedAt.Unix(), nullID(a.UploadedBy), a.AutoProcessed).Scan(&a.ID)
	if err != nil {
		return nil, false, err
	}

	r.auditTx(ctx, tx, "UPLOAD", p.UploadedBy, a.UUID, p.RawFilename)
	return a, false, tx.Commit()
}

// lockFingerprint serializes concurrent inserts for one tuple. Postgres
// uses a transaction-scoped advisory lock keyed by the first 8 bytes of
// the fingerprint; sqlite runs single-writer so ordering is implicit.
func (r *Repo) lockFingerprint(ctx context.Context, tx *sql.Tx, fp string) error {
	if r.Driver != "postgres" {
		return nil
	}
	key, err := strconv.ParseUint(fp[:16], 16, 64)
	if err != nil {
		return fmt.Errorf("artifact: bad fingerprint %q: %w", fp, err)
	}
	_, err = tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(key))
	return err
}

func (r *Repo) auditTx(ctx context.Context, tx *sql.Tx, action string, staffID int64, target, filename string) {
	payload, _ := json.Marshal(map[string]string{"filename": filename})
	_, _ = tx.ExecContext(ctx, `
		INSERT INTO audit_log (action, actor_type, actor_id, target, request_data, result, created_at)
		VALUES ($1,'staff',$2,$3,$4,'ok',$5)`,
		action, strconv.FormatInt(staffID, 10), target, string(payload), time.Now().Unix())
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *Repo) getByIdempotencyKey(ctx context.Context, q queryer, key string) (*Artifact, error) {
	return scanArtifact(q.QueryRowContext(ctx,
		`SELECT `+cols+` FROM artifacts WHERE idempotency_key=$1`, key))
}

func (r *Repo) GetByUUID(ctx context.Context, id string) (*Artifact, error) {
	return scanArtifact(r.DB.QueryRowContext(ctx,
		`SELECT `+cols+` FROM artifacts WHERE uuid=$1`, id))
}

func (r *Repo) GetByID(ctx context.Context, id int64) (*Artifact, error) {
	return scanArtifact(r.DB.QueryRowContext(ctx,
		`SELECT `+cols+` FROM artifacts WHERE id=$1`, id))
}

// ListByRegister returns a student's papers, newest first, tombstones
// excluded.
func (r *Repo) ListByRegister(ctx context.Context, register string) ([]*Artifact, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+cols+` FROM artifacts
		WHERE parsed_reg_no=$1 AND tombstoned=FALSE
		ORDER BY uploaded_at DESC, id DESC`, register)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

// ListFilter narrows the staff listing. Nil/zero fields are ignored.
type ListFilter struct {
	Status        Status
	AutoProcessed *bool
	UploadedBy    int64
	// Unassigned selects artifacts whose register has no username mapping
	// (AI extracted a register nobody claims).
	Unassigned        bool
	IncludeTombstoned bool
	Limit             int
	Offset            int
}

// List returns a filtered page plus the total matching count.
func (r *Repo) List(ctx context.Context, f ListFilter) ([]*Artifact, int, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 50
	}
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if !f.IncludeTombstoned {
		where = append(where, "a.tombstoned=FALSE")
	}
	if f.Status != "" {
		where = append(where, "a.workflow_status="+arg(string(f.Status)))
	}
	if f.AutoProcessed != nil {
		where = append(where, "a.auto_processed="+arg(*f.AutoProcessed))
	}
	if f.UploadedBy != 0 {
		where = append(where, "a.uploaded_by="+arg(f.UploadedBy))
	}
	if f.Unassigned {
		where = append(where, "a.parsed_reg_no <> '' AND m.register_number IS NULL")
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}
	base := ` FROM artifacts a LEFT JOIN username_register_map m ON m.register_number = a.parsed_reg_no` + clause

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*)`+base, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limArgs := append(args, f.Limit, f.Offset)
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+prefixCols("a.")+base+
			fmt.Sprintf(` ORDER BY a.uploaded_at DESC, a.id DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2),
		limArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	out, err := collect(rows)
	return out, total, err
}

// Stats returns a status histogram for the staff dashboard.
func (r *Repo) Stats(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT workflow_status, COUNT(*) FROM artifacts
		WHERE tombstoned=FALSE GROUP BY workflow_status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var (
			s string
			n int
		)
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		out[s] = n
	}
	return out, rows.Err()
}

// TransitionToSubmitting is the orchestrator's optimistic lock: only a
// PENDING or FAILED artifact may enter SUBMITTING, and only one caller
// wins.
func (r *Repo) TransitionToSubmitting(ctx context.Context, id int64) error {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE artifacts SET workflow_status=$1, submitted_at=$2
		WHERE id=$3 AND workflow_status IN ($4,$5) AND tombstoned=FALSE`,
		StatusSubmitting, time.Now().Unix(), id, StatusPending, StatusFailed)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyInFlight
	}
	return nil
}

// RevertToPending undoes the CAS when the caller cancelled before any
// Moodle side effect happened.
func (r *Repo) RevertToPending(ctx context.Context, id int64) error {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE artifacts SET workflow_status=$1, submitted_at=NULL
		WHERE id=$2 AND workflow_status=$3`,
		StatusPending, id, StatusSubmitting)
	return err
}

// SetBinding records the resolved Moodle identity and assignment before
// the upload step.
func (r *Repo) SetBinding(ctx context.Context, id, userID int64, username string, courseID, assignmentID int64) error {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE artifacts SET moodle_user_id=$1, moodle_username=$2, course_id=$3, assignment_id=$4
		WHERE id=$5`,
		userID, username, courseID, assignmentID, id)
	return err
}

// SetDraftItem persists the draft-area handle as soon as Moodle returns
// it, so a crash mid-conversation stays diagnosable.
func (r *Repo) SetDraftItem(ctx context.Context, id, itemID int64) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE artifacts SET draft_item_id=$1 WHERE id=$2`, itemID, id)
	return err
}

// MarkSubmitted finishes the workflow: SUBMITTING -> SUBMITTED_TO_LMS.
// The attempt that succeeded counts too, so retry_count ends up as the
// total number of attempts driven against the LMS.
func (r *Repo) MarkSubmitted(ctx context.Context, id, submissionID int64, txn []TxnEntry) error {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE artifacts SET workflow_status=$1, submission_id=$2, completed_at=$3, txn_log=$4,
			last_error='', retry_count=retry_count+1
		WHERE id=$5 AND workflow_status=$6`,
		StatusSubmitted, submissionID, time.Now().Unix(), marshalTxn(txn), id, StatusSubmitting)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed moves SUBMITTING -> FAILED. retryable failures bump the
// retry counter; terminal ones leave it so the queue cap is meaningful.
func (r *Repo) MarkFailed(ctx context.Context, id int64, lastErr string, txn []TxnEntry, retryable bool) error {
	bump := 0
	if retryable {
		bump = 1
	}
	_, err := r.DB.ExecContext(ctx, `
		UPDATE artifacts SET workflow_status=$1, last_error=$2, txn_log=$3, retry_count=retry_count+$4
		WHERE id=$5 AND workflow_status=$6`,
		StatusFailed, lastErr, marshalTxn(txn), bump, id, StatusSubmitting)
	return err
}

// UpdateFields is the admin correction surface.
type UpdateFields struct {
	RegisterNo  *string
	SubjectCode *string
	ExamType    *string
	Status      *Status
}

func (r *Repo) Update(ctx context.Context, uuid string, f UpdateFields) (*Artifact, error) {
	var (
		sets []string
		args []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if f.RegisterNo != nil {
		sets = append(sets, "parsed_reg_no="+arg(*f.RegisterNo))
	}
	if f.SubjectCode != nil {
		sets = append(sets, "parsed_subject_code="+arg(*f.SubjectCode))
	}
	if f.ExamType != nil {
		sets = append(sets, "exam_type="+arg(*f.ExamType))
	}
	if f.Status != nil {
		sets = append(sets, "workflow_status="+arg(string(*f.Status)))
	}
	if len(sets) == 0 {
		return r.GetByUUID(ctx, uuid)
	}
	args = append(args, uuid)
	res, err := r.DB.ExecContext(ctx,
		`UPDATE artifacts SET `+strings.Join(sets, ", ")+fmt.Sprintf(` WHERE uuid=$%d`, len(args)), args...)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return r.GetByUUID(ctx, uuid)
}

// SoftDelete tombstones one artifact; the row survives for audit and
// supersession history.
func (r *Repo) SoftDelete(ctx context.Context, uuid string) error {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE artifacts SET tombstoned=TRUE, workflow_status=$1 WHERE uuid=$2`,
		StatusSuperseded, uuid)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PurgeAll hard-deletes every artifact row. Callers must have checked the
// confirm flag; the queue cascades.
func (r *Repo) PurgeAll(ctx context.Context) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM artifacts`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func collect(rows *sql.Rows) ([]*Artifact, error) {
	var out []*Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func nullID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || // pgx
		strings.Contains(msg, "UNIQUE constraint failed") || // modernc sqlite
		strings.Contains(msg, "constraint failed")
}

func prefixCols(p string) string {
	parts := strings.Split(cols, ",")
	for i, c := range parts {
		parts[i] = p + strings.TrimSpace(c)
	}
	return strings.Join(parts, ", ")
}
