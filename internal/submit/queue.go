package submit

import (
	"context"
	"database/sql"
	"time"
)

// Queue statuses. A row is consumed exactly once; a retry after another
// failure enqueues a fresh row.
const (
	queueStatusQueued    = "queued"
	queueStatusDone      = "done"
	queueStatusAbandoned = "abandoned"
)

// QueueItem is one pending retry.
type QueueItem struct {
	ID            int64
	ArtifactID    int64
	SessionID     string
	RetryCount    int
	NextAttemptAt time.Time
	LastError     string
}

// Queue persists submission retries so they survive restarts.
type Queue struct {
	DB *sql.DB
}

// Backoff returns the delay before retry attempt rc, capped at an hour.
func Backoff(rc int) time.Duration {
	if rc < 0 {
		rc = 0
	}
	secs := int64(1) << uint(rc)
	if rc > 11 || secs > 3600 {
		secs = 3600
	}
	return time.Duration(secs) * time.Second
}

// Enqueue schedules a retry for an artifact. retryCount is the count
// already recorded on the artifact and drives the backoff.
func (q *Queue) Enqueue(ctx context.Context, artifactID int64, sessionID string, retryCount int, lastErr string) error {
	now := time.Now()
	next := now.Add(Backoff(retryCount))
	_, err := q.DB.ExecContext(ctx, `
		INSERT INTO submission_queue (artifact_id, session_id, status, retry_count, next_attempt_at, last_error, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		artifactID, sessionID, queueStatusQueued, retryCount, next.Unix(), lastErr, now.Unix(), now.Unix())
	return err
}

// Due returns queued rows whose retry time has passed, oldest first.
func (q *Queue) Due(ctx context.Context, now time.Time, limit int) ([]QueueItem, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.DB.QueryContext(ctx, `
		SELECT id, artifact_id, session_id, retry_count, next_attempt_at, last_error
		FROM submission_queue
		WHERE status=$1 AND next_attempt_at<=$2
		ORDER BY next_attempt_at LIMIT $3`,
		queueStatusQueued, now.Unix(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []QueueItem
	for rows.Next() {
		var (
			it   QueueItem
			next int64
		)
		if err := rows.Scan(&it.ID, &it.ArtifactID, &it.SessionID, &it.RetryCount, &next, &it.LastError); err != nil {
			return nil, err
		}
		it.NextAttemptAt = time.Unix(next, 0).UTC()
		out = append(out, it)
	}
	return out, rows.Err()
}

func (q *Queue) MarkDone(ctx context.Context, id int64) error {
	return q.setStatus(ctx, id, queueStatusDone, "")
}

// MarkAbandoned retires a row that will never be retried (retry cap,
// dead session, terminal failure).
func (q *Queue) MarkAbandoned(ctx context.Context, id int64, reason string) error {
	return q.setStatus(ctx, id, queueStatusAbandoned, reason)
}

func (q *Queue) setStatus(ctx context.Context, id int64, status, lastErr string) error {
	if lastErr == "" {
		_, err := q.DB.ExecContext(ctx,
			`UPDATE submission_queue SET status=$1, updated_at=$2 WHERE id=$3`,
			status, time.Now().Unix(), id)
		return err
	}
	_, err := q.DB.ExecContext(ctx,
		`UPDATE submission_queue SET status=$1, last_error=$2, updated_at=$3 WHERE id=$4`,
		status, lastErr, time.Now().Unix(), id)
	return err
}

// Pending counts queued rows, for the readiness and stats endpoints.
func (q *Queue) Pending(ctx context.Context) (int, error) {
	var n int
	err := q.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM submission_queue WHERE status=$1`, queueStatusQueued).Scan(&n)
	return n, err
}
