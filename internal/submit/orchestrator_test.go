package submit_test

import (
	"context"
	"errors"
	"testing"

	"github.com/examstack/exambridge/internal/artifact"
	"github.com/examstack/exambridge/internal/audit"
	"github.com/examstack/exambridge/internal/auth"
	"github.com/examstack/exambridge/internal/mapping"
	"github.com/examstack/exambridge/internal/moodle"
	"github.com/examstack/exambridge/internal/submit"
)

type fakeArtifacts struct {
	a            artifact.Artifact
	casRejects   bool
	reverted     bool
	draftItem    int64
	boundUser    int64
	submissionID int64
	failedWith   string
	retryable    bool
	txn          []artifact.TxnEntry
}

func (f *fakeArtifacts) GetByID(ctx context.Context, id int64) (*artifact.Artifact, error) {
	if id != f.a.ID {
		return nil, artifact.ErrNotFound
	}
	cp := f.a
	return &cp, nil
}

func (f *fakeArtifacts) TransitionToSubmitting(ctx context.Context, id int64) error {
	if f.casRejects || f.a.Status == artifact.StatusSubmitting {
		return artifact.ErrAlreadyInFlight
	}
	f.a.Status = artifact.StatusSubmitting
	return nil
}

func (f *fakeArtifacts) RevertToPending(ctx context.Context, id int64) error {
	f.reverted = true
	f.a.Status = artifact.StatusPending
	return nil
}

func (f *fakeArtifacts) SetBinding(ctx context.Context, id, userID int64, username string, courseID, assignmentID int64) error {
	f.boundUser = userID
	return nil
}

func (f *fakeArtifacts) SetDraftItem(ctx context.Context, id, itemID int64) error {
	f.draftItem = itemID
	return nil
}

func (f *fakeArtifacts) MarkSubmitted(ctx context.Context, id, submissionID int64, txn []artifact.TxnEntry) error {
	f.a.Status = artifact.StatusSubmitted
	f.a.RetryCount++
	f.submissionID = submissionID
	f.txn = txn
	return nil
}

func (f *fakeArtifacts) MarkFailed(ctx context.Context, id int64, lastErr string, txn []artifact.TxnEntry, retryable bool) error {
	f.a.Status = artifact.StatusFailed
	f.failedWith = lastErr
	f.retryable = retryable
	f.txn = txn
	if retryable {
		f.a.RetryCount++
	}
	return nil
}

type fakeLMS struct {
	uploadErr error
	saveErr   error
	submitErr error
	statusID  int64
	statusErr error
	uploaded  []byte
	saved     int64
}

func (f *fakeLMS) UserByField(ctx context.Context, token, field, value string) (*moodle.User, error) {
	return nil, nil
}

func (f *fakeLMS) UploadFile(ctx context.Context, token, filename string, data []byte) (int64, error) {
	if f.uploadErr != nil {
		return 0, f.uploadErr
	}
	f.uploaded = data
	return 700, nil
}

func (f *fakeLMS) SaveSubmission(ctx context.Context, token string, assignmentID, itemID int64) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = itemID
	return nil
}

func (f *fakeLMS) SubmitForGrading(ctx context.Context, token string, assignmentID int64) error {
	return f.submitErr
}

func (f *fakeLMS) SubmissionID(ctx context.Context, token string, assignmentID int64) (int64, error) {
	return f.statusID, f.statusErr
}

type fakeFiles struct{ data []byte }

func (f *fakeFiles) Get(diskPath string, blob []byte) ([]byte, error) {
	if f.data == nil {
		return nil, errors.New("bytes unavailable")
	}
	return f.data, nil
}

type fakeMappings struct {
	m        mapping.SubjectMapping
	noMap    bool
	owner    string
	ownerSet bool
}

func (f *fakeMappings) Active(ctx context.Context, subjectCode, examType string) (mapping.SubjectMapping, error) {
	if f.noMap {
		return mapping.SubjectMapping{}, mapping.ErrNotFound
	}
	return f.m, nil
}

func (f *fakeMappings) UsernameForRegister(ctx context.Context, register string) (string, error) {
	if !f.ownerSet {
		return "", mapping.ErrNotFound
	}
	return f.owner, nil
}

type fakeSessions struct {
	sess    *auth.Session
	deleted []string
}

func (f *fakeSessions) Get(ctx context.Context, id string) (*auth.Session, error) {
	if f.sess == nil || f.sess.ID != id {
		return nil, auth.ErrSessionInvalid
	}
	return f.sess, nil
}

func (f *fakeSessions) Token(ctx context.Context, id string) (string, error) {
	if f.sess == nil || f.sess.ID != id {
		return "", auth.ErrSessionInvalid
	}
	return "moodle-token", nil
}

func (f *fakeSessions) Delete(ctx context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	if f.sess != nil && f.sess.ID == id {
		f.sess = nil
	}
	return nil
}

type fakeRetries struct {
	enqueued []int64
	counts   []int
}

func (f *fakeRetries) Enqueue(ctx context.Context, artifactID int64, sessionID string, retryCount int, lastErr string) error {
	f.enqueued = append(f.enqueued, artifactID)
	f.counts = append(f.counts, retryCount)
	return nil
}

type fakeNotifier struct{ kinds []string }

func (f *fakeNotifier) Notify(ctx context.Context, kind, target string, meta map[string]string) error {
	f.kinds = append(f.kinds, kind)
	return nil
}

type fakeAudit struct{ actions []string }

func (f *fakeAudit) Log(ctx context.Context, e audit.Entry) error {
	f.actions = append(f.actions, e.Action)
	return nil
}

type rig struct {
	arts     *fakeArtifacts
	lms      *fakeLMS
	files    *fakeFiles
	maps     *fakeMappings
	sessions *fakeSessions
	retries  *fakeRetries
	notifier *fakeNotifier
	auditor  *fakeAudit
	orch     *submit.Orchestrator
}

func newRig() *rig {
	r := &rig{
		arts: &fakeArtifacts{a: artifact.Artifact{
			ID:                7,
			UUID:              "uuid-7",
			RegisterNo:        "212222240047",
			SubjectCode:       "19AI405",
			ExamType:          "CIA1",
			CanonicalFilename: "212222240047_19AI405_CIA1.pdf",
			DiskPath:          "ab/abcd.pdf",
			Status:            artifact.StatusPending,
		}},
		lms:      &fakeLMS{statusID: 9981},
		files:    &fakeFiles{data: []byte("%PDF-1.4 paper")},
		maps:     &fakeMappings{m: mapping.SubjectMapping{CourseID: 3, AssignmentID: 42, Active: true}},
		sessions: &fakeSessions{sess: &auth.Session{ID: "sess-1", MoodleUsername: "22007928", MoodleUserID: 515}},
		retries:  &fakeRetries{},
		notifier: &fakeNotifier{},
		auditor:  &fakeAudit{},
	}
	r.orch = &submit.Orchestrator{
		Artifacts: r.arts,
		LMS:       r.lms,
		Files:     r.files,
		Mappings:  r.maps,
		Sessions:  r.sessions,
		Retries:   r.retries,
		Notifier:  r.notifier,
		Audit:     r.auditor,
	}
	return r
}

func TestSubmitHappyPath(t *testing.T) {
	r := newRig()
	if err := r.orch.Submit(context.Background(), 7, "sess-1"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if r.arts.a.Status != artifact.StatusSubmitted {
		t.Fatalf("status = %s", r.arts.a.Status)
	}
	if r.arts.submissionID != 9981 {
		t.Fatalf("submission id = %d", r.arts.submissionID)
	}
	if r.arts.draftItem != 700 || r.lms.saved != 700 {
		t.Fatalf("draft item not threaded through: %d / %d", r.arts.draftItem, r.lms.saved)
	}
	if r.arts.boundUser != 515 {
		t.Fatalf("binding user = %d", r.arts.boundUser)
	}
	if len(r.retries.enqueued) != 0 {
		t.Fatal("happy path queued a retry")
	}
	if len(r.auditor.actions) != 1 || r.auditor.actions[0] != "SUBMIT_OK" {
		t.Fatalf("audit = %v", r.auditor.actions)
	}
	steps := make([]string, 0, len(r.arts.txn))
	for _, e := range r.arts.txn {
		steps = append(steps, e.Step)
	}
	want := []string{"upload_file", "save_submission", "submit_for_grading", "submission_id"}
	if len(steps) != len(want) {
		t.Fatalf("txn steps = %v", steps)
	}
	for i := range want {
		if steps[i] != want[i] {
			t.Fatalf("txn steps = %v", steps)
		}
	}
}

func TestSubmitStatusProbeFallsBackToDraftItem(t *testing.T) {
	r := newRig()
	r.lms.statusID = 0
	if err := r.orch.Submit(context.Background(), 7, "sess-1"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if r.arts.submissionID != 700 {
		t.Fatalf("fallback submission id = %d", r.arts.submissionID)
	}
}

func TestSubmitTransientFailureQueuesRetry(t *testing.T) {
	r := newRig()
	r.lms.saveErr = &moodle.APIError{Kind: moodle.KindTransient, Message: "http 502"}

	err := r.orch.Submit(context.Background(), 7, "sess-1")
	if moodle.Classify(err) != moodle.KindTransient {
		t.Fatalf("err = %v", err)
	}
	if r.arts.a.Status != artifact.StatusFailed || !r.arts.retryable {
		t.Fatalf("status=%s retryable=%v", r.arts.a.Status, r.arts.retryable)
	}
	if len(r.retries.enqueued) != 1 || r.retries.counts[0] != 1 {
		t.Fatalf("retries = %v counts = %v", r.retries.enqueued, r.retries.counts)
	}
	if len(r.notifier.kinds) != 0 {
		t.Fatal("transient failure should not notify staff")
	}
}

func TestSubmitPayloadRejectIsTerminal(t *testing.T) {
	r := newRig()
	r.lms.saveErr = &moodle.APIError{Kind: moodle.KindPayloadReject, ErrorCode: "maxbytes", Message: "too large"}

	err := r.orch.Submit(context.Background(), 7, "sess-1")
	if moodle.Classify(err) != moodle.KindPayloadReject {
		t.Fatalf("err = %v", err)
	}
	if r.arts.retryable {
		t.Fatal("payload rejection marked retryable")
	}
	if len(r.retries.enqueued) != 0 {
		t.Fatal("payload rejection queued a retry")
	}
	if len(r.notifier.kinds) != 1 || r.notifier.kinds[0] != "payload_rejected" {
		t.Fatalf("notifications = %v", r.notifier.kinds)
	}
}

func TestSubmitAuthInvalidDropsSession(t *testing.T) {
	r := newRig()
	r.lms.uploadErr = &moodle.APIError{Kind: moodle.KindAuthInvalid, ErrorCode: "invalidtoken", Message: "dead"}

	err := r.orch.Submit(context.Background(), 7, "sess-1")
	if moodle.Classify(err) != moodle.KindAuthInvalid {
		t.Fatalf("err = %v", err)
	}
	if len(r.sessions.deleted) != 1 || r.sessions.deleted[0] != "sess-1" {
		t.Fatalf("sessions deleted = %v", r.sessions.deleted)
	}
	if len(r.retries.enqueued) != 0 {
		t.Fatal("dead token queued a retry")
	}
}

func TestSubmitRejectsConcurrentAttempt(t *testing.T) {
	r := newRig()
	r.arts.casRejects = true
	if err := r.orch.Submit(context.Background(), 7, "sess-1"); !errors.Is(err, submit.ErrInFlight) {
		t.Fatalf("err = %v, want ErrInFlight", err)
	}
}

func TestSubmitRejectsForeignPaper(t *testing.T) {
	r := newRig()
	r.maps.ownerSet = true
	r.maps.owner = "someone-else"
	if err := r.orch.Submit(context.Background(), 7, "sess-1"); !errors.Is(err, submit.ErrNotOwner) {
		t.Fatalf("err = %v, want ErrNotOwner", err)
	}
}

func TestSubmitRequiresMapping(t *testing.T) {
	r := newRig()
	r.maps.noMap = true
	if err := r.orch.Submit(context.Background(), 7, "sess-1"); !errors.Is(err, submit.ErrNoMapping) {
		t.Fatalf("err = %v, want ErrNoMapping", err)
	}
}

func TestSubmitRejectsTerminalStates(t *testing.T) {
	r := newRig()
	r.arts.a.Status = artifact.StatusSubmitted
	if err := r.orch.Submit(context.Background(), 7, "sess-1"); !errors.Is(err, submit.ErrNotSubmittable) {
		t.Fatalf("err = %v, want ErrNotSubmittable", err)
	}
}

func TestSubmitStorageFailureRevertsToPending(t *testing.T) {
	r := newRig()
	r.files.data = nil
	if err := r.orch.Submit(context.Background(), 7, "sess-1"); err == nil {
		t.Fatal("expected storage error")
	}
	if !r.arts.reverted || r.arts.a.Status != artifact.StatusPending {
		t.Fatalf("artifact not reverted: status=%s", r.arts.a.Status)
	}
	if len(r.retries.enqueued) != 0 {
		t.Fatal("local storage fault must not enter the retry queue")
	}
}
