// Package queue is a file-backed FIFO of agent tasks. Producers append,
// the worker pops from the front and rewrites the file. The storage
// capability is an interface so the worker loop tests run against an
// in-memory substitute.
package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
)

// Task is one queued unit of work, dispatched by its type tag
type Task struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Store persists the ordered task list
type Store interface {
	Load() ([]Task, error)
	Save(tasks []Task) error
}

// FileStore persists the queue as a JSON list in a flat file
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore creates a store backed by the given file. A missing file
// reads as an empty queue.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the persisted task list
func (s *FileStore) Load() ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read queue file: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var tasks []Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("corrupt queue file %s: %w", s.path, err)
	}
	return tasks, nil
}

// Save rewrites the persisted task list
func (s *FileStore) Save(tasks []Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tasks == nil {
		tasks = []Task{}
	}
	data, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode queue: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write queue file: %w", err)
	}
	return nil
}

// Append adds a task to the back of the queue, assigning an ID when the
// producer did not set one.
func Append(store Store, task Task) (Task, error) {
	if task.Type == "" {
		return Task{}, fmt.Errorf("queue: task type is required")
	}
	if task.ID == "" {
		task.ID = uuid.New().String()
	}

	tasks, err := store.Load()
	if err != nil {
		return Task{}, err
	}
	tasks = append(tasks, task)
	if err := store.Save(tasks); err != nil {
		return Task{}, err
	}
	return task, nil
}
