// Package service is the protocol-neutral front door used by the HTTP API,
// the MCP server and the CLI.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/graphask/internal/answers"
	"github.com/kalambet/graphask/internal/storage"
	"github.com/kalambet/graphask/internal/worker"
)

var (
	ErrEmptyQuestion = errors.New("question is required")
	ErrInvalidMode   = errors.New("mode must be sync, async or auto")
)

type Mode string

const (
	ModeSync  Mode = "sync"
	ModeAsync Mode = "async"
	ModeAuto  Mode = "auto"
)

// ParseMode accepts an empty string as auto.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeAuto, nil
	case ModeSync, ModeAsync, ModeAuto:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

type SubmitRequest struct {
	Question       string
	Mode           Mode
	IdempotencyKey string
	Meta           map[string]any
	// Wait bounds auto mode. Zero uses the configured default.
	Wait time.Duration
}

// SubmitResult is the answer as it stood when Submit returned. Pending
// reports whether it was still QUEUED or RUNNING.
type SubmitResult struct {
	Answer       answers.Answer
	Pending      bool
	Deduplicated bool
}

// AnswerStore is the answer record store. *answers.Store implements it.
type AnswerStore interface {
	worker.AnswerStore
	Init(ctx context.Context, id, question string, meta map[string]any) (answers.Answer, error)
	Get(ctx context.Context, id string) (answers.Answer, error)
	List(ctx context.Context, f answers.Filter) (answers.Page, error)
	Subscribe(ctx context.Context, id string) (<-chan answers.Event, error)
	RebuildIndex(ctx context.Context) (int, error)
}

// KeyStore maps idempotency keys to answer ids. *idempotency.Store
// implements it.
type KeyStore interface {
	Save(ctx context.Context, key, answerID string) (bool, error)
	Load(ctx context.Context, key string) (string, bool, error)
	Replace(ctx context.Context, key, stale, fresh string) (bool, error)
}

// Queue is the job queue and run audit. *storage.Store implements it.
type Queue interface {
	EnqueueJob(job storage.Job) error
	GetRun(id string) (storage.Run, error)
}

type Options struct {
	// PollInterval is the auto mode polling period (500ms).
	PollInterval time.Duration
	// AutoWait is the auto mode budget when the request sets none (10s).
	AutoWait time.Duration
}

type Service struct {
	answers  AnswerStore
	keys     KeyStore
	queue    Queue
	answerer worker.Answerer
	poll     time.Duration
	autoWait time.Duration
	log      *slog.Logger
}

func New(store AnswerStore, keys KeyStore, queue Queue, answerer worker.Answerer, opts Options) *Service {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.AutoWait <= 0 {
		opts.AutoWait = 10 * time.Second
	}
	return &Service{
		answers:  store,
		keys:     keys,
		queue:    queue,
		answerer: answerer,
		poll:     opts.PollInterval,
		autoWait: opts.AutoWait,
		log:      slog.Default(),
	}
}

// Submit creates an answer for req.Question and runs or enqueues it
// according to req.Mode. A repeated idempotency key returns the answer the
// first submission created, as long as that answer still exists. On the
// sync path a failed chain is returned as an error alongside the FAILED
// answer.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return SubmitResult{}, ErrEmptyQuestion
	}
	mode, err := ParseMode(string(req.Mode))
	if err != nil {
		return SubmitResult{}, err
	}

	id := uuid.NewString()
	if req.IdempotencyKey != "" {
		existing, err := s.claimKey(ctx, req.IdempotencyKey, id)
		if err != nil {
			return SubmitResult{}, err
		}
		if existing != nil {
			s.log.Debug("idempotent resubmission", "answer_id", existing.ID)
			return SubmitResult{Answer: *existing, Pending: !existing.Status.Terminal(), Deduplicated: true}, nil
		}
	}

	a, err := s.answers.Init(ctx, id, question, req.Meta)
	if err != nil {
		return SubmitResult{}, err
	}

	if mode == ModeSync {
		return s.runSync(ctx, a)
	}

	a, err = s.enqueue(ctx, a)
	if err != nil {
		return SubmitResult{}, err
	}
	if mode == ModeAsync {
		return SubmitResult{Answer: a, Pending: true}, nil
	}

	wait := req.Wait
	if wait <= 0 {
		wait = s.autoWait
	}
	return s.await(ctx, a, wait)
}

// claimKey binds key to id. When another live answer already owns the key
// it returns that answer instead.
func (s *Service) claimKey(ctx context.Context, key, id string) (*answers.Answer, error) {
	for range 3 {
		stored, err := s.keys.Save(ctx, key, id)
		if err != nil {
			return nil, err
		}
		if stored {
			return nil, nil
		}

		owner, found, err := s.keys.Load(ctx, key)
		if err != nil {
			return nil, err
		}
		if !found {
			// Expired between Save and Load.
			continue
		}
		a, err := s.ownerAnswer(ctx, owner)
		if err == nil {
			return &a, nil
		}
		if !errors.Is(err, answers.ErrNotFound) {
			return nil, err
		}

		// The owner was evicted: the key is a miss.
		replaced, err := s.keys.Replace(ctx, key, owner, id)
		if err != nil {
			return nil, err
		}
		if replaced {
			return nil, nil
		}
	}
	return nil, fmt.Errorf("idempotency key %q is contended", key)
}

// A key owner may sit briefly between Save and Init.
const (
	ownerSettleTries = 5
	ownerSettleDelay = 20 * time.Millisecond
)

// ownerAnswer loads the answer a key points at. The owner writes the key
// just before creating the answer, so a miss is re-read a few times before
// it is treated as an eviction.
func (s *Service) ownerAnswer(ctx context.Context, id string) (answers.Answer, error) {
	for try := 1; ; try++ {
		a, err := s.answers.Get(ctx, id)
		if !errors.Is(err, answers.ErrNotFound) || try == ownerSettleTries {
			return a, err
		}
		select {
		case <-ctx.Done():
			return answers.Answer{}, ctx.Err()
		case <-time.After(ownerSettleDelay):
		}
	}
}

func (s *Service) runSync(ctx context.Context, a answers.Answer) (SubmitResult, error) {
	if got, _, err := s.answers.SetStatus(ctx, a.ID, answers.StatusRunning, answers.Update{}); err == nil {
		a = got
	}

	out, runErr := s.answerer.Answer(ctx, a.Question)
	var data []byte
	if runErr == nil {
		data, runErr = json.Marshal(out)
		if runErr != nil {
			runErr = fmt.Errorf("encoding answer: %w", runErr)
		}
	}

	// The caller may be gone by now. The terminal write must still land.
	sctx, cancel := worker.SettleContext(ctx)
	defer cancel()

	if runErr != nil {
		failed, _, err := s.answers.SetError(sctx, a.ID, runErr.Error(), answers.Update{RunID: out.RunID})
		if err != nil {
			s.log.Error("recording sync failure", "answer_id", a.ID, "error", err)
			failed = a
		}
		return SubmitResult{Answer: failed}, runErr
	}

	done, _, err := s.answers.SetResult(sctx, a.ID, data, answers.Update{RunID: out.RunID})
	if err != nil {
		return SubmitResult{}, err
	}
	return SubmitResult{Answer: done}, nil
}

// enqueue records the job id on the answer, then queues the job. The id is
// written first so a fast worker's RUNNING update cannot be overwritten.
func (s *Service) enqueue(ctx context.Context, a answers.Answer) (answers.Answer, error) {
	job, err := worker.NewJob(a.ID, a.Question)
	if err != nil {
		return a, fmt.Errorf("building job: %w", err)
	}

	if got, _, err := s.answers.SetStatus(ctx, a.ID, answers.StatusQueued, answers.Update{JobID: job.ID}); err != nil {
		s.log.Warn("recording job id", "answer_id", a.ID, "job_id", job.ID, "error", err)
	} else if got.ID != "" {
		a = got
	}

	if err := s.queue.EnqueueJob(job); err != nil {
		err = fmt.Errorf("enqueueing answer %s: %w", a.ID, err)
		sctx, cancel := worker.SettleContext(ctx)
		defer cancel()
		if _, _, serr := s.answers.SetError(sctx, a.ID, err.Error(), answers.Update{}); serr != nil {
			s.log.Error("recording enqueue failure", "answer_id", a.ID, "error", serr)
		}
		return a, err
	}
	return a, nil
}

// await polls until a is terminal or wait runs out, then returns whatever
// state it reached.
func (s *Service) await(ctx context.Context, a answers.Answer, wait time.Duration) (SubmitResult, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return SubmitResult{Answer: a, Pending: true}, nil
		case <-timer.C:
			return SubmitResult{Answer: a, Pending: true}, nil
		case <-ticker.C:
			got, err := s.answers.Get(ctx, a.ID)
			if err != nil {
				s.log.Warn("polling answer", "answer_id", a.ID, "error", err)
				continue
			}
			a = got
			if a.Status.Terminal() {
				return SubmitResult{Answer: a}, nil
			}
		}
	}
}

func (s *Service) Get(ctx context.Context, id string) (answers.Answer, error) {
	return s.answers.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, f answers.Filter) (answers.Page, error) {
	return s.answers.List(ctx, f)
}

// Subscribe streams events for id, or for every answer when id is empty.
func (s *Service) Subscribe(ctx context.Context, id string) (<-chan answers.Event, error) {
	return s.answers.Subscribe(ctx, id)
}

// Reindex rebuilds the answer indexes from the live records.
func (s *Service) Reindex(ctx context.Context) (int, error) {
	n, err := s.answers.RebuildIndex(ctx)
	if err != nil {
		return n, err
	}
	s.log.Info("answer indexes rebuilt", "indexed", n)
	return n, nil
}

// Run returns an audit run with its events.
func (s *Service) Run(id string) (storage.Run, error) {
	return s.queue.GetRun(id)
}
