// Package worker claims answer_question jobs from the SQLite queue and runs
// the question answering chain for each one.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/graphask/internal/answers"
	"github.com/kalambet/graphask/internal/pipeline"
	"github.com/kalambet/graphask/internal/storage"
)

// JobType is the queue type for answer jobs.
const JobType = "answer_question"

// Payload is the JSON body of an answer job.
type Payload struct {
	AnswerID string `json:"answer_id"`
	Question string `json:"question"`
}

// NewJob builds a queue job for answerID. Jobs run at most once.
func NewJob(answerID, question string) (storage.Job, error) {
	b, err := json.Marshal(Payload{AnswerID: answerID, Question: question})
	if err != nil {
		return storage.Job{}, err
	}
	return storage.Job{
		ID:          uuid.NewString(),
		Type:        JobType,
		PayloadJSON: string(b),
		MaxAttempts: 1,
	}, nil
}

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	HeartbeatJob(id string) error
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
}

// AnswerStore records answer state transitions. *answers.Store implements it.
type AnswerStore interface {
	SetStatus(ctx context.Context, id string, status answers.Status, u answers.Update) (answers.Answer, bool, error)
	SetResult(ctx context.Context, id string, data json.RawMessage, u answers.Update) (answers.Answer, bool, error)
	SetError(ctx context.Context, id, text string, u answers.Update) (answers.Answer, bool, error)
}

// Answerer runs the chain. *pipeline.Pipeline implements it.
type Answerer interface {
	Answer(ctx context.Context, question string) (pipeline.Output, error)
}

// Options tunes a Worker. Zero values take the defaults noted.
type Options struct {
	// PollInterval is the idle wait between claims (500ms).
	PollInterval time.Duration
	// VisibilityTimeout is how long a job may go without a heartbeat before
	// the reaper fails it (2m). Heartbeats are sent every third of it.
	VisibilityTimeout time.Duration
}

// Worker processes answer_question jobs.
type Worker struct {
	jobs       JobStore
	answers    AnswerStore
	answerer   Answerer
	poll       time.Duration
	visibility time.Duration
	logger     *slog.Logger
}

func New(jobs JobStore, store AnswerStore, answerer Answerer, opts Options) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 2 * time.Minute
	}
	return &Worker{
		jobs:       jobs,
		answers:    store,
		answerer:   answerer,
		poll:       opts.PollInterval,
		visibility: opts.VisibilityTimeout,
		logger:     slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunPool runs n workers until ctx is cancelled.
func (w *Worker) RunPool(ctx context.Context, n int) error {
	if n < 1 {
		n = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			w.Run(ctx)
			return nil
		})
	}
	w.logger.Info("workers started", "concurrency", n)
	return g.Wait()
}

// RunOnce claims and processes a single job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.jobs.ClaimNextJob([]string{JobType})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		if failErr := w.jobs.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.jobs.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload Payload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	_, changed, err := w.answers.SetStatus(ctx, payload.AnswerID, answers.StatusRunning, answers.Update{JobID: job.ID})
	if err != nil {
		return fmt.Errorf("marking answer %s running: %w", payload.AnswerID, err)
	}
	if !changed {
		w.logger.Info("skipping job for evicted or finished answer", "job_id", job.ID, "answer_id", payload.AnswerID)
		return nil
	}

	hbCtx, stop := context.WithCancel(ctx)
	defer stop()
	go w.heartbeat(hbCtx, job.ID)

	out, err := w.answerer.Answer(ctx, payload.Question)
	var data []byte
	if err == nil {
		data, err = json.Marshal(out)
		if err != nil {
			err = fmt.Errorf("encoding answer: %w", err)
		}
	}

	// ctx may already be cancelled on shutdown. Terminal writes use a
	// detached context so the answer never stays RUNNING.
	sctx, cancel := SettleContext(ctx)
	defer cancel()

	if err != nil {
		if _, _, serr := w.answers.SetError(sctx, payload.AnswerID, err.Error(), answers.Update{RunID: out.RunID}); serr != nil {
			w.logger.Error("recording answer failure", "answer_id", payload.AnswerID, "error", serr)
		}
		return fmt.Errorf("answering %s: %w", payload.AnswerID, err)
	}

	if _, _, err := w.answers.SetResult(sctx, payload.AnswerID, data, answers.Update{RunID: out.RunID}); err != nil {
		return fmt.Errorf("storing answer %s: %w", payload.AnswerID, err)
	}
	w.logger.Info("answer stored", "answer_id", payload.AnswerID, "job_id", job.ID, "cached", out.Cached)
	return nil
}

// settleTimeout bounds a terminal answer write made after the chain's
// context has ended.
const settleTimeout = 5 * time.Second

// SettleContext returns a context for terminal answer writes. It keeps the
// values of ctx but not its cancellation.
func SettleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}

func (w *Worker) heartbeat(ctx context.Context, jobID string) {
	t := time.NewTicker(w.visibility / 3)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := w.jobs.HeartbeatJob(jobID); err != nil {
				w.logger.Warn("job heartbeat failed", "job_id", jobID, "error", err)
			}
		}
	}
}
