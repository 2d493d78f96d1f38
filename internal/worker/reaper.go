package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kalambet/graphask/internal/answers"
	"github.com/kalambet/graphask/internal/storage"
)

// StaleJobStore finds jobs whose worker stopped heartbeating.
type StaleJobStore interface {
	ReapStaleJobs(types []string, olderThan time.Duration) ([]storage.Job, error)
}

// Reaper fails answers whose worker died mid-run. Reaped answers are not
// re-queued.
type Reaper struct {
	jobs       StaleJobStore
	answers    AnswerStore
	visibility time.Duration
	logger     *slog.Logger
}

func NewReaper(jobs StaleJobStore, store AnswerStore, visibility time.Duration) *Reaper {
	if visibility <= 0 {
		visibility = 2 * time.Minute
	}
	return &Reaper{jobs: jobs, answers: store, visibility: visibility, logger: slog.Default()}
}

// ReapOnce fails every stale job and its answer. It returns the number of
// jobs reaped.
func (r *Reaper) ReapOnce(ctx context.Context) (int, error) {
	stale, err := r.jobs.ReapStaleJobs([]string{JobType}, r.visibility)
	if err != nil {
		return 0, fmt.Errorf("reaping stale jobs: %w", err)
	}
	for _, job := range stale {
		var payload Payload
		if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
			r.logger.Warn("reaped job has bad payload", "job_id", job.ID, "error", err)
			continue
		}
		// The job row is already failed, so this is the answer's last
		// chance at a terminal state.
		sctx, cancel := SettleContext(ctx)
		_, _, err := r.answers.SetError(sctx, payload.AnswerID, job.LastError, answers.Update{JobID: job.ID})
		cancel()
		if err != nil {
			r.logger.Warn("failing reaped answer", "answer_id", payload.AnswerID, "error", err)
			continue
		}
		r.logger.Warn("reaped stale job", "job_id", job.ID, "answer_id", payload.AnswerID)
	}
	return len(stale), nil
}

// Start schedules ReapOnce with a cron spec such as "@every 1m" and stops
// the schedule when ctx ends.
func (r *Reaper) Start(ctx context.Context, spec string) error {
	c := cron.New()
	if _, err := c.AddFunc(spec, func() {
		if _, err := r.ReapOnce(ctx); err != nil {
			r.logger.Error("reaper run failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("scheduling reaper %q: %w", spec, err)
	}
	c.Start()
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return nil
}
