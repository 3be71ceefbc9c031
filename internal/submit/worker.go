package submit

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/examstack/exambridge/internal/artifact"
	"github.com/examstack/exambridge/internal/auth"
)

const maxRetries = 5

// Worker drains the retry queue on a fixed interval. Each due row is
// consumed once; a further failure enqueues its own successor with the
// next backoff step.
type Worker struct {
	Queue        *Queue
	Orchestrator *Orchestrator
	Artifacts    Artifacts
	Sessions     Sessions
	Interval     time.Duration
	Logger       *log.Logger
}

func (w *Worker) logf(format string, args ...interface{}) {
	if w.Logger != nil {
		w.Logger.Printf(format, args...)
	}
}

// Run blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	interval := w.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Tick(ctx); err != nil {
				w.logf("worker: tick: %v", err)
			}
		}
	}
}

// Tick processes everything currently due. Split out for tests.
func (w *Worker) Tick(ctx context.Context) error {
	items, err := w.Queue.Due(ctx, time.Now(), 50)
	if err != nil {
		return err
	}
	for _, it := range items {
		w.process(ctx, it)
	}
	return nil
}

func (w *Worker) process(ctx context.Context, it QueueItem) {
	if it.RetryCount >= maxRetries {
		w.abandon(ctx, it, "retry limit reached")
		return
	}

	a, err := w.Artifacts.GetByID(ctx, it.ArtifactID)
	if err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			w.abandon(ctx, it, "artifact gone")
			return
		}
		w.logf("worker: load artifact %d: %v", it.ArtifactID, err)
		return
	}
	// Someone else already moved it on (resubmitted, superseded, deleted).
	if a.Tombstoned || a.Status != artifact.StatusFailed {
		w.done(ctx, it)
		return
	}

	if _, err := w.Sessions.Get(ctx, it.SessionID); err != nil {
		if errors.Is(err, auth.ErrSessionInvalid) {
			// No credentials left to retry with; the student has to log
			// in and resubmit.
			w.abandon(ctx, it, "session expired")
			return
		}
		w.logf("worker: load session: %v", err)
		return
	}

	err = w.Orchestrator.Submit(ctx, it.ArtifactID, it.SessionID)
	switch {
	case err == nil:
		w.logf("worker: artifact %d submitted on retry %d", it.ArtifactID, it.RetryCount)
	case errors.Is(err, ErrInFlight):
		// A live request beat us to it; leave the row for the next tick.
		return
	default:
		// Submit already recorded the failure and queued any successor.
		w.logf("worker: artifact %d retry %d failed: %v", it.ArtifactID, it.RetryCount, err)
	}
	w.done(ctx, it)
}

func (w *Worker) done(ctx context.Context, it QueueItem) {
	if err := w.Queue.MarkDone(ctx, it.ID); err != nil {
		w.logf("worker: mark queue row %d done: %v", it.ID, err)
	}
}

func (w *Worker) abandon(ctx context.Context, it QueueItem, reason string) {
	if err := w.Queue.MarkAbandoned(ctx, it.ID, reason); err != nil {
		w.logf("worker: abandon queue row %d: %v", it.ID, err)
	}
	w.logf("worker: abandoned retry for artifact %d: %s", it.ArtifactID, reason)
}
