// Package service schedules agent runs: it records the user message, journals
// the run, and executes it on a bounded worker pool. Runs left unfinished by
// a previous process are resumed from the journal.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sravan-iaisolution/codebox/agentloop"
	"github.com/sravan-iaisolution/codebox/durable"
	"github.com/sravan-iaisolution/codebox/fragment"
)

var (
	// ErrQueueFull is returned by Submit when no worker slot is free.
	ErrQueueFull = errors.New("run queue is full")
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("service is closed")
)

// Runner executes one run. *agentloop.Agent implements it.
type Runner interface {
	Run(ctx context.Context, runID string, ev agentloop.Event, opts agentloop.RunOptions) (*agentloop.RunResult, error)
}

// Options tunes the worker pool.
type Options struct {
	Workers   int
	QueueSize int
	Logger    *slog.Logger
}

// Submission is the accepted user message and the run it triggered.
type Submission struct {
	Message fragment.Message `json:"message"`
	RunID   string           `json:"runId"`
}

// Service owns the run queue.
type Service struct {
	runner    Runner
	journal   durable.Journal
	messages  fragment.Store
	persister *fragment.Persister
	logger    *slog.Logger

	workers int
	queue   chan durable.RunRecord
	wg      sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	started bool
}

// New creates a Service. Start must be called before queued runs execute.
func New(runner Runner, journal durable.Journal, messages fragment.Store, persister *fragment.Persister, opts Options) *Service {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		runner:    runner,
		journal:   journal,
		messages:  messages,
		persister: persister,
		logger:    opts.Logger.With("component", "service"),
		workers:   opts.Workers,
		queue:     make(chan durable.RunRecord, opts.QueueSize),
	}
}

// Start launches the workers. They stop when ctx ends or Close is called.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.closed {
		return
	}
	s.started = true
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go func(workerID int) {
			defer s.wg.Done()
			s.work(ctx, fmt.Sprintf("worker-%d", workerID))
		}(i + 1)
	}
}

func (s *Service) work(ctx context.Context, workerID string) {
	logger := s.logger.With("worker", workerID)
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-s.queue:
			if !ok {
				return
			}
			if _, err := s.execute(ctx, rec, agentloop.RunOptions{}); err != nil {
				logger.ErrorContext(ctx, "run failed", "run_id", rec.ID, "error", err)
			}
		}
	}
}

// Close stops accepting runs and waits for queued ones to drain.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()
	s.wg.Wait()
}

// Submit records a user message for projectID and queues the run it
// triggers.
func (s *Service) Submit(ctx context.Context, projectID, value string) (*Submission, error) {
	rec, msg, err := s.begin(ctx, projectID, value)
	if err != nil {
		return nil, err
	}
	if err := s.enqueue(rec); err != nil {
		s.fail(ctx, rec, err)
		return nil, err
	}
	s.logger.InfoContext(ctx, "run queued", "run_id", rec.ID, "project_id", projectID)
	return &Submission{Message: *msg, RunID: rec.ID}, nil
}

// RunSync records a user message and executes its run on the calling
// goroutine.
func (s *Service) RunSync(ctx context.Context, projectID, value string, opts agentloop.RunOptions) (*agentloop.RunResult, error) {
	rec, _, err := s.begin(ctx, projectID, value)
	if err != nil {
		return nil, err
	}
	return s.execute(ctx, rec, opts)
}

// Resume executes a journaled run on the calling goroutine, replaying every
// step it already completed.
func (s *Service) Resume(ctx context.Context, runID string, opts agentloop.RunOptions) (*agentloop.RunResult, error) {
	rec, err := s.journal.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return s.execute(ctx, *rec, opts)
}

// ResumePending queues every run the journal still reports as running.
func (s *Service) ResumePending(ctx context.Context) (int, error) {
	pending, err := s.journal.PendingRuns(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending runs: %w", err)
	}
	for i, rec := range pending {
		select {
		case <-ctx.Done():
			return i, ctx.Err()
		default:
		}
		if err := s.enqueueWait(ctx, rec); err != nil {
			return i, err
		}
		s.logger.InfoContext(ctx, "resuming run", "run_id", rec.ID, "project_id", rec.ProjectID)
	}
	return len(pending), nil
}

// Run returns the journal entry of runID.
func (s *Service) Run(ctx context.Context, runID string) (*durable.RunRecord, error) {
	return s.journal.GetRun(ctx, runID)
}

// Messages lists a project's history.
func (s *Service) Messages(ctx context.Context, projectID string) ([]fragment.Message, error) {
	if projectID == "" {
		return nil, fragment.ErrProjectIDRequired
	}
	return s.messages.ListMessages(ctx, projectID)
}

func (s *Service) begin(ctx context.Context, projectID, value string) (durable.RunRecord, *fragment.Message, error) {
	msg, err := fragment.NewUserMessage(projectID, value)
	if err != nil {
		return durable.RunRecord{}, nil, err
	}
	stored, err := s.messages.CreateMessage(ctx, msg)
	if err != nil {
		return durable.RunRecord{}, nil, fmt.Errorf("store message: %w", err)
	}
	now := time.Now().UTC()
	rec := durable.RunRecord{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Input:     value,
		Status:    durable.RunRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.journal.StartRun(ctx, rec); err != nil {
		return durable.RunRecord{}, nil, fmt.Errorf("journal run: %w", err)
	}
	return rec, stored, nil
}

func (s *Service) enqueue(rec durable.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	select {
	case s.queue <- rec:
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *Service) enqueueWait(ctx context.Context, rec durable.RunRecord) error {
	for {
		err := s.enqueue(rec)
		if !errors.Is(err, ErrQueueFull) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// execute runs rec and journals the outcome. A run interrupted by ctx stays
// journaled as running so it is resumed later.
func (s *Service) execute(ctx context.Context, rec durable.RunRecord, opts agentloop.RunOptions) (*agentloop.RunResult, error) {
	res, err := s.runner.Run(ctx, rec.ID, agentloop.Event{ProjectID: rec.ProjectID, Value: rec.Input}, opts)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		s.fail(ctx, rec, err)
		return nil, err
	}
	if err := s.journal.FinishRun(ctx, rec.ID, durable.RunSucceeded, ""); err != nil {
		s.logger.WarnContext(ctx, "journal run outcome", "run_id", rec.ID, "error", err)
	}
	return res, nil
}

func (s *Service) fail(ctx context.Context, rec durable.RunRecord, cause error) {
	if err := s.journal.FinishRun(ctx, rec.ID, durable.RunFailed, cause.Error()); err != nil {
		s.logger.WarnContext(ctx, "journal run outcome", "run_id", rec.ID, "error", err)
	}
	if errors.Is(cause, agentloop.ErrMissingProjectID) {
		return
	}
	if err := s.persister.RecordFailure(ctx, rec.ProjectID); err != nil {
		s.logger.WarnContext(ctx, "record failure message", "run_id", rec.ID, "error", err)
	}
}
