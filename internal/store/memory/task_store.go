// Package memory provides in-memory store implementations used by tests and
// single-process deployments.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ebenwert/ingestd/internal/ingest"
)

// TaskStore is a mutex-guarded in-memory ingest.TaskStore.
type TaskStore struct {
	mu    sync.Mutex
	tasks map[string]ingest.TaskRecord
	now   func() time.Time
}

// NewTaskStore returns an empty store.
func NewTaskStore() *TaskStore {
	return &TaskStore{tasks: map[string]ingest.TaskRecord{}, now: time.Now}
}

// WithClock overrides the time source. Test hook.
func (s *TaskStore) WithClock(now func() time.Time) *TaskStore {
	s.now = now
	return s
}

func (s *TaskStore) CreateTask(_ context.Context, task ingest.TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	if task.Status == "" {
		task.Status = ingest.TaskStatusPending
	}
	now := s.now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	s.tasks[task.ID] = task
	return nil
}

func (s *TaskStore) GetTask(_ context.Context, id string) (ingest.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return ingest.TaskRecord{}, fmt.Errorf("task %s not found", id)
	}
	return task, nil
}

func (s *TaskStore) TransitionTask(_ context.Context, id string, from, to ingest.TaskStatus, message string, retryCount int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := ingest.Transition(from, to)
	if err != nil {
		return false, err
	}
	task, ok := s.tasks[id]
	if !ok {
		return false, fmt.Errorf("task %s not found", id)
	}
	if task.Status != from {
		return false, nil
	}
	task.Status = next
	task.Message = message
	task.RetryCount = retryCount
	task.UpdatedAt = s.now()
	s.tasks[id] = task
	return true, nil
}

func (s *TaskStore) RecordRetry(_ context.Context, id string, retryCount int, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s not found", id)
	}
	if task.Status != ingest.TaskStatusInProgress {
		return fmt.Errorf("task %s not in progress", id)
	}
	task.RetryCount = retryCount
	task.Message = message
	task.UpdatedAt = s.now()
	s.tasks[id] = task
	return nil
}

func (s *TaskStore) ReapStale(_ context.Context, cutoff time.Time, note string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reaped := 0
	for id, task := range s.tasks {
		if task.Status != ingest.TaskStatusInProgress || !task.UpdatedAt.Before(cutoff) {
			continue
		}
		task.Status = ingest.TaskStatusFailed
		if task.Message == "" {
			task.Message = note
		} else {
			task.Message = task.Message + "; " + note
		}
		task.UpdatedAt = s.now()
		s.tasks[id] = task
		reaped++
	}
	return reaped, nil
}
