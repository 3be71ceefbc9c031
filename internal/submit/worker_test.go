package submit_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/examstack/exambridge/internal/artifact"
	"github.com/examstack/exambridge/internal/moodle"
	"github.com/examstack/exambridge/internal/submit"
)

func errTransient() error {
	return &moodle.APIError{Kind: moodle.KindTransient, Message: "http 502"}
}

func backdate(t *testing.T, dbh *sql.DB) {
	t.Helper()
	if _, err := dbh.Exec(`UPDATE submission_queue SET next_attempt_at=$1`, time.Now().Add(-time.Minute).Unix()); err != nil {
		t.Fatal(err)
	}
}

func queueStatus(t *testing.T, dbh *sql.DB) string {
	t.Helper()
	var status string
	if err := dbh.QueryRow(`SELECT status FROM submission_queue ORDER BY id DESC LIMIT 1`).Scan(&status); err != nil {
		t.Fatal(err)
	}
	return status
}

func workerRig(t *testing.T) (*rig, *submit.Worker, *sql.DB) {
	t.Helper()
	r := newRig()
	r.arts.a.Status = artifact.StatusFailed
	r.arts.a.RetryCount = 1
	dbh := testDB(t)
	q := &submit.Queue{DB: dbh}
	r.orch.Retries = q
	w := &submit.Worker{
		Queue:        q,
		Orchestrator: r.orch,
		Artifacts:    r.arts,
		Sessions:     r.sessions,
	}
	return r, w, dbh
}

func TestWorkerRetriesAndSucceeds(t *testing.T) {
	r, w, dbh := workerRig(t)
	ctx := context.Background()
	artID := seedArtifact(t, dbh)
	r.arts.a.ID = artID

	if err := (&submit.Queue{DB: dbh}).Enqueue(ctx, artID, "sess-1", 1, "save_submission: network"); err != nil {
		t.Fatal(err)
	}
	backdate(t, dbh)

	if err := w.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	if r.arts.a.Status != artifact.StatusSubmitted {
		t.Fatalf("status after retry = %s", r.arts.a.Status)
	}
	// One failed attempt plus the successful retry.
	if r.arts.a.RetryCount != 2 {
		t.Fatalf("retry count = %d, want 2", r.arts.a.RetryCount)
	}
	if got := queueStatus(t, dbh); got != "done" {
		t.Fatalf("queue row status = %s", got)
	}
}

func TestWorkerAbandonsAtRetryLimit(t *testing.T) {
	r, w, dbh := workerRig(t)
	ctx := context.Background()
	artID := seedArtifact(t, dbh)
	r.arts.a.ID = artID

	// Five attempts have already run; the row carries their count.
	if err := (&submit.Queue{DB: dbh}).Enqueue(ctx, artID, "sess-1", 5, "still failing"); err != nil {
		t.Fatal(err)
	}
	backdate(t, dbh)

	if err := w.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	if r.arts.a.Status != artifact.StatusFailed {
		t.Fatalf("capped retry still ran: status = %s", r.arts.a.Status)
	}
	if got := queueStatus(t, dbh); got != "abandoned" {
		t.Fatalf("queue row status = %s", got)
	}
}

func TestWorkerAbandonsOnDeadSession(t *testing.T) {
	r, w, dbh := workerRig(t)
	ctx := context.Background()
	artID := seedArtifact(t, dbh)
	r.arts.a.ID = artID
	r.sessions.sess = nil

	if err := (&submit.Queue{DB: dbh}).Enqueue(ctx, artID, "sess-1", 1, "network"); err != nil {
		t.Fatal(err)
	}
	backdate(t, dbh)

	if err := w.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	if got := queueStatus(t, dbh); got != "abandoned" {
		t.Fatalf("queue row status = %s", got)
	}
}

func TestWorkerSkipsResolvedArtifact(t *testing.T) {
	r, w, dbh := workerRig(t)
	ctx := context.Background()
	artID := seedArtifact(t, dbh)
	r.arts.a.ID = artID
	r.arts.a.Status = artifact.StatusSubmitted

	if err := (&submit.Queue{DB: dbh}).Enqueue(ctx, artID, "sess-1", 1, "network"); err != nil {
		t.Fatal(err)
	}
	backdate(t, dbh)

	if err := w.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	// Row is retired without re-driving the LMS.
	if got := queueStatus(t, dbh); got != "done" {
		t.Fatalf("queue row status = %s", got)
	}
	if r.lms.saved != 0 {
		t.Fatal("worker re-submitted a settled artifact")
	}
}

func TestWorkerFailedRetryEnqueuesSuccessor(t *testing.T) {
	r, w, dbh := workerRig(t)
	ctx := context.Background()
	artID := seedArtifact(t, dbh)
	r.arts.a.ID = artID
	r.lms.saveErr = errTransient()

	q := &submit.Queue{DB: dbh}
	if err := q.Enqueue(ctx, artID, "sess-1", 1, "network"); err != nil {
		t.Fatal(err)
	}
	backdate(t, dbh)

	if err := w.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	pending, err := q.Pending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if pending != 1 {
		t.Fatalf("expected one successor row, got %d", pending)
	}
}
