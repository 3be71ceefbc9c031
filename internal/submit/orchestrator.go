// Package submit drives an artifact through the Moodle submission
// sequence and owns the retry queue that re-runs failed attempts.
package submit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/examstack/exambridge/internal/artifact"
	"github.com/examstack/exambridge/internal/audit"
	"github.com/examstack/exambridge/internal/auth"
	"github.com/examstack/exambridge/internal/mapping"
	"github.com/examstack/exambridge/internal/moodle"
)

var (
	ErrNotSubmittable = errors.New("submit: artifact is not in a submittable state")
	ErrNoMapping      = errors.New("submit: no active assignment mapping for subject")
	ErrNotOwner       = errors.New("submit: session does not own this paper")
	ErrInFlight       = errors.New("submit: artifact already being submitted")
)

// Artifacts is the slice of the artifact repository the orchestrator
// drives.
type Artifacts interface {
	GetByID(ctx context.Context, id int64) (*artifact.Artifact, error)
	TransitionToSubmitting(ctx context.Context, id int64) error
	RevertToPending(ctx context.Context, id int64) error
	SetBinding(ctx context.Context, id, userID int64, username string, courseID, assignmentID int64) error
	SetDraftItem(ctx context.Context, id, itemID int64) error
	MarkSubmitted(ctx context.Context, id, submissionID int64, txn []artifact.TxnEntry) error
	MarkFailed(ctx context.Context, id int64, lastErr string, txn []artifact.TxnEntry, retryable bool) error
}

// LMS is the Moodle surface exercised during submission.
type LMS interface {
	UserByField(ctx context.Context, token, field, value string) (*moodle.User, error)
	UploadFile(ctx context.Context, token, filename string, data []byte) (int64, error)
	SaveSubmission(ctx context.Context, token string, assignmentID, itemID int64) error
	SubmitForGrading(ctx context.Context, token string, assignmentID int64) error
	SubmissionID(ctx context.Context, token string, assignmentID int64) (int64, error)
}

// Files fetches artifact bytes from disk or the blob fallback.
type Files interface {
	Get(diskPath string, blob []byte) ([]byte, error)
}

// Mappings resolves assignment bindings and student identity.
type Mappings interface {
	Active(ctx context.Context, subjectCode, examType string) (mapping.SubjectMapping, error)
	UsernameForRegister(ctx context.Context, register string) (string, error)
}

// Sessions is the student session surface the orchestrator needs.
type Sessions interface {
	Get(ctx context.Context, id string) (*auth.Session, error)
	Token(ctx context.Context, id string) (string, error)
	Delete(ctx context.Context, id string) error
}

// Retries schedules another attempt after a retryable failure.
type Retries interface {
	Enqueue(ctx context.Context, artifactID int64, sessionID string, retryCount int, lastErr string) error
}

// Notifier alerts staff about failures needing a human.
type Notifier interface {
	Notify(ctx context.Context, kind, target string, meta map[string]string) error
}

// Auditor appends to the audit trail. audit.Store satisfies it.
type Auditor interface {
	Log(ctx context.Context, e audit.Entry) error
}

// Orchestrator runs the upload, save, submit-for-grading sequence for
// one artifact under one student session.
type Orchestrator struct {
	Artifacts Artifacts
	LMS       LMS
	Files     Files
	Mappings  Mappings
	Sessions  Sessions
	Retries   Retries
	Notifier  Notifier
	Audit     Auditor
	Logger    *log.Logger
}

func (o *Orchestrator) logf(format string, args ...interface{}) {
	if o.Logger != nil {
		o.Logger.Printf(format, args...)
	}
}

// Submit pushes one artifact into Moodle. On retryable failure the
// artifact goes to FAILED and a retry is queued; terminal failures stay
// FAILED with no queue entry. The returned error reflects the attempt.
func (o *Orchestrator) Submit(ctx context.Context, artifactID int64, sessionID string) error {
	a, err := o.Artifacts.GetByID(ctx, artifactID)
	if err != nil {
		return err
	}
	if a.Tombstoned || (a.Status != artifact.StatusPending && a.Status != artifact.StatusFailed) {
		return fmt.Errorf("%w: status %s", ErrNotSubmittable, a.Status)
	}

	m, err := o.Mappings.Active(ctx, a.SubjectCode, a.ExamType)
	if errors.Is(err, mapping.ErrNotFound) {
		return fmt.Errorf("%w: %s/%s", ErrNoMapping, a.SubjectCode, a.ExamType)
	}
	if err != nil {
		return err
	}

	sess, err := o.Sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	// A paper mapped to some other student's username must not be
	// submittable under this session. An unmapped register is allowed;
	// the session owner is claiming their own paper.
	if mapped, err := o.Mappings.UsernameForRegister(ctx, a.RegisterNo); err == nil && mapped != sess.MoodleUsername {
		return ErrNotOwner
	} else if err != nil && !errors.Is(err, mapping.ErrNotFound) {
		return err
	}

	token, err := o.Sessions.Token(ctx, sessionID)
	if err != nil {
		return err
	}

	if err := o.Artifacts.TransitionToSubmitting(ctx, a.ID); err != nil {
		if errors.Is(err, artifact.ErrAlreadyInFlight) {
			return ErrInFlight
		}
		return err
	}

	data, err := o.Files.Get(a.DiskPath, a.FileContent)
	if err != nil {
		// Nothing reached Moodle yet; hand the artifact back untouched.
		if rerr := o.Artifacts.RevertToPending(ctx, a.ID); rerr != nil {
			o.logf("submit: revert artifact %d: %v", a.ID, rerr)
		}
		return err
	}

	return o.run(ctx, a, m, sess, sessionID, token, data)
}

// run performs the LMS sequence. After the draft upload succeeds the
// remaining calls continue on a detached context so a client disconnect
// cannot strand the artifact mid-sequence.
func (o *Orchestrator) run(ctx context.Context, a *artifact.Artifact, m mapping.SubjectMapping, sess *auth.Session, sessionID, token string, data []byte) error {
	txn := append([]artifact.TxnEntry(nil), a.TxnLog...)
	step := func(name, detail string) {
		txn = append(txn, artifact.TxnEntry{Step: name, Detail: detail, At: time.Now().UTC()})
	}

	itemID, err := o.LMS.UploadFile(ctx, token, a.CanonicalFilename, data)
	if err != nil {
		return o.fail(ctx, a, sessionID, "upload_file", err, txn)
	}
	step("upload_file", fmt.Sprintf("draft item %d", itemID))

	ctx = context.WithoutCancel(ctx)
	if err := o.Artifacts.SetDraftItem(ctx, a.ID, itemID); err != nil {
		o.logf("submit: record draft item for artifact %d: %v", a.ID, err)
	}
	if err := o.Artifacts.SetBinding(ctx, a.ID, sess.MoodleUserID, sess.MoodleUsername, m.CourseID, m.AssignmentID); err != nil {
		o.logf("submit: record binding for artifact %d: %v", a.ID, err)
	}

	if err := o.LMS.SaveSubmission(ctx, token, m.AssignmentID, itemID); err != nil {
		return o.fail(ctx, a, sessionID, "save_submission", err, txn)
	}
	step("save_submission", fmt.Sprintf("assignment %d", m.AssignmentID))

	if err := o.LMS.SubmitForGrading(ctx, token, m.AssignmentID); err != nil {
		return o.fail(ctx, a, sessionID, "submit_for_grading", err, txn)
	}
	step("submit_for_grading", "")

	submissionID, err := o.LMS.SubmissionID(ctx, token, m.AssignmentID)
	if err != nil || submissionID == 0 {
		// The submission went through; the status probe is best effort.
		submissionID = itemID
		step("submission_id", "status probe unavailable, using draft item id")
	} else {
		step("submission_id", fmt.Sprintf("submission %d", submissionID))
	}

	if err := o.Artifacts.MarkSubmitted(ctx, a.ID, submissionID, txn); err != nil {
		return err
	}
	o.audit(ctx, "SUBMIT_OK", sess.MoodleUsername, a.UUID,
		fmt.Sprintf("submission %d on assignment %d", submissionID, m.AssignmentID))
	o.logf("submit: artifact %d submitted as %d (assignment %d)", a.ID, submissionID, m.AssignmentID)
	return nil
}

// fail records the failure, queues a retry when the error class allows
// one, and returns the original error.
func (o *Orchestrator) fail(ctx context.Context, a *artifact.Artifact, sessionID, step string, cause error, txn []artifact.TxnEntry) error {
	ctx = context.WithoutCancel(ctx)
	kind := moodle.Classify(cause)
	txn = append(txn, artifact.TxnEntry{
		Step:   step,
		Detail: fmt.Sprintf("failed (%s): %v", kind, cause),
		At:     time.Now().UTC(),
	})

	retryable := kind == moodle.KindTransient || kind == moodle.KindAuthz || kind == moodle.KindUnknown
	lastErr := fmt.Sprintf("%s: %v", step, cause)
	if err := o.Artifacts.MarkFailed(ctx, a.ID, lastErr, txn, retryable); err != nil {
		o.logf("submit: mark artifact %d failed: %v", a.ID, err)
	}
	o.audit(ctx, "SUBMIT_FAIL", "", a.UUID, lastErr)

	switch kind {
	case moodle.KindAuthInvalid:
		// The stored Moodle token is dead; the session cannot recover.
		if err := o.Sessions.Delete(ctx, sessionID); err != nil {
			o.logf("submit: delete dead session: %v", err)
		}
	case moodle.KindPayloadReject:
		o.notify(ctx, "payload_rejected", a, cause)
	default:
		if err := o.Retries.Enqueue(ctx, a.ID, sessionID, a.RetryCount+1, lastErr); err != nil {
			o.logf("submit: enqueue retry for artifact %d: %v", a.ID, err)
		}
	}
	return cause
}

func (o *Orchestrator) notify(ctx context.Context, kind string, a *artifact.Artifact, cause error) {
	if o.Notifier == nil {
		return
	}
	meta := map[string]string{
		"artifact_uuid": a.UUID,
		"register_no":   a.RegisterNo,
		"subject_code":  a.SubjectCode,
		"exam_type":     a.ExamType,
		"error":         cause.Error(),
	}
	if err := o.Notifier.Notify(ctx, kind, a.UUID, meta); err != nil {
		o.logf("submit: notify %s for artifact %d: %v", kind, a.ID, err)
	}
}

func (o *Orchestrator) audit(ctx context.Context, action, actorID, target, result string) {
	if o.Audit == nil {
		return
	}
	e := audit.Entry{Action: action, ActorType: audit.ActorSystem, ActorID: actorID, Target: target, Result: result}
	if actorID != "" {
		e.ActorType = audit.ActorStudent
	}
	if err := o.Audit.Log(ctx, e); err != nil {
		o.logf("submit: audit %s: %v", action, err)
	}
}
