// Package durable memoizes the side-effecting steps of a run so a run that is
// re-executed after a crash resumes where it stopped instead of repeating
// work. Step results are JSON documents keyed by run ID and step name.
package durable

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrRunNotFound is returned by GetRun for an unknown run.
var ErrRunNotFound = errors.New("run not found")

// StepStore records step results. Save never overwrites: when a result is
// already recorded for the key, the existing value is returned instead.
type StepStore interface {
	Load(ctx context.Context, runID, step string) ([]byte, bool, error)
	Save(ctx context.Context, runID, step string, value []byte) ([]byte, error)
}

// RunStatus is the journal state of a run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// RunRecord is the journal entry of a run: enough to restart it.
type RunRecord struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId"`
	Input     string    `json:"input"`
	Status    RunStatus `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Journal tracks runs so unfinished ones can be resumed after a restart.
type Journal interface {
	// StartRun records a running run. Starting a known run is a no-op.
	StartRun(ctx context.Context, run RunRecord) error
	FinishRun(ctx context.Context, runID string, status RunStatus, errMsg string) error
	GetRun(ctx context.Context, runID string) (*RunRecord, error)
	PendingRuns(ctx context.Context) ([]RunRecord, error)
}

// Store is the full persistence surface of the package.
type Store interface {
	StepStore
	Journal
	Close() error
}

// MemoryStore is an in-process Store for tests and single-shot CLI runs.
type MemoryStore struct {
	mu    sync.Mutex
	steps map[string]map[string][]byte
	runs  map[string]RunRecord
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		steps: make(map[string]map[string][]byte),
		runs:  make(map[string]RunRecord),
	}
}

func (s *MemoryStore) Load(ctx context.Context, runID, step string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.steps[runID][step]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *MemoryStore) Save(ctx context.Context, runID, step string, value []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.steps[runID]
	if !ok {
		run = make(map[string][]byte)
		s.steps[runID] = run
	}
	if existing, ok := run[step]; ok {
		return append([]byte(nil), existing...), nil
	}
	run[step] = append([]byte(nil), value...)
	return value, nil
}

// StepCount returns how many steps are recorded for a run.
func (s *MemoryStore) StepCount(runID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steps[runID])
}

func (s *MemoryStore) StartRun(ctx context.Context, run RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return nil
	}
	now := time.Now().UTC()
	run.Status = RunRunning
	run.CreatedAt, run.UpdatedAt = now, now
	s.runs[run.ID] = run
	return nil
}

func (s *MemoryStore) FinishRun(ctx context.Context, runID string, status RunStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return ErrRunNotFound
	}
	run.Status, run.Error, run.UpdatedAt = status, errMsg, time.Now().UTC()
	s.runs[runID] = run
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	return &run, nil
}

func (s *MemoryStore) PendingRuns(ctx context.Context) ([]RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending []RunRecord
	for _, run := range s.runs {
		if run.Status == RunRunning {
			pending = append(pending, run)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })
	return pending, nil
}

func (s *MemoryStore) Close() error { return nil }
