package task

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/phrazzld/taskmanager/internal/store"
)

// MemoryStore implements Store in process memory. It backs unit tests and
// the single-node "memory" database driver.
//
// The hook fields let tests inject failures or interleave writes; a hook
// returning an error aborts the operation with that error.
type MemoryStore struct {
	mutex sync.RWMutex
	tasks map[string]*Task

	BeforeUpdate func(ctx context.Context, t *Task, expectedVersion int64) error
	BeforeQuery  func(ctx context.Context, q PageQuery) error
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: make(map[string]*Task),
	}
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Task, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", id, store.ErrTaskNotFound)
	}
	return t.Clone(), nil
}

// Create implements Store.
func (s *MemoryStore) Create(ctx context.Context, t *Task) (*Task, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.tasks[t.ID]; exists {
		return nil, fmt.Errorf("create %s: %w", t.ID, store.ErrTaskExists)
	}

	stored := t.Clone()
	stored.Version = 1
	s.tasks[t.ID] = stored
	return stored.Clone(), nil
}

// Update implements Store.
func (s *MemoryStore) Update(ctx context.Context, t *Task, expectedVersion int64) (*Task, error) {
	if s.BeforeUpdate != nil {
		if err := s.BeforeUpdate(ctx, t, expectedVersion); err != nil {
			return nil, err
		}
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	current, ok := s.tasks[t.ID]
	if !ok {
		return nil, fmt.Errorf("update %s: %w", t.ID, store.ErrTaskNotFound)
	}
	if current.Version != expectedVersion {
		return nil, fmt.Errorf("update %s: expected version %d, found %d: %w",
			t.ID, expectedVersion, current.Version, store.ErrVersionConflict)
	}

	stored := t.Clone()
	stored.Version = expectedVersion + 1
	stored.CreatedAt = current.CreatedAt
	s.tasks[t.ID] = stored
	return stored.Clone(), nil
}

// Remove implements Store.
func (s *MemoryStore) Remove(ctx context.Context, id string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.tasks[id]; !ok {
		return fmt.Errorf("remove %s: %w", id, store.ErrTaskNotFound)
	}
	delete(s.tasks, id)
	return nil
}

// RemoveVersion implements Store.
func (s *MemoryStore) RemoveVersion(ctx context.Context, id string, expectedVersion int64) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	current, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("remove %s: %w", id, store.ErrTaskNotFound)
	}
	if current.Version != expectedVersion {
		return fmt.Errorf("remove %s: expected version %d, found %d: %w",
			id, expectedVersion, current.Version, store.ErrVersionConflict)
	}
	delete(s.tasks, id)
	return nil
}

// QueryPage implements Store.
func (s *MemoryStore) QueryPage(ctx context.Context, q PageQuery) ([]*Task, error) {
	if s.BeforeQuery != nil {
		if err := s.BeforeQuery(ctx, q); err != nil {
			return nil, err
		}
	}

	s.mutex.RLock()
	matches := make([]*Task, 0)
	for _, t := range s.tasks {
		if !q.Filter.Matches(t) {
			continue
		}
		if q.After != nil && !after(t, q.After) {
			continue
		}
		matches = append(matches, t.Clone())
	}
	s.mutex.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].RunAt.Equal(matches[j].RunAt) {
			return matches[i].RunAt.Before(matches[j].RunAt)
		}
		return matches[i].ID < matches[j].ID
	})

	if q.Size > 0 && len(matches) > q.Size {
		matches = matches[:q.Size]
	}
	return matches, nil
}

// Len returns the number of stored tasks.
func (s *MemoryStore) Len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.tasks)
}

func after(t *Task, c *Cursor) bool {
	if t.RunAt.Equal(c.RunAt) {
		return t.ID > c.ID
	}
	return t.RunAt.After(c.RunAt)
}

var _ Store = (*MemoryStore)(nil)
