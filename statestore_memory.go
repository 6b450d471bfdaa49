package conductor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStateStore is an in-memory StateStore for tests and dry runs.
type MemoryStateStore struct {
	mutex       sync.RWMutex
	instance    *WorkflowInstance
	checkpoints map[string]*Checkpoint
	history     []*archivedInstance
}

type archivedInstance struct {
	instance   *WorkflowInstance
	reason     string
	archivedAt time.Time
}

// NewMemoryStateStore creates an empty in-memory state store
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{checkpoints: map[string]*Checkpoint{}}
}

func (s *MemoryStateStore) Load(ctx context.Context) (*WorkflowInstance, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if s.instance == nil {
		return nil, nil
	}
	return s.instance.Copy(), nil
}

func (s *MemoryStateStore) Save(ctx context.Context, instance *WorkflowInstance) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.instance = instance.Copy()
	return nil
}

func (s *MemoryStateStore) Delete(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.instance = nil
	return nil
}

func (s *MemoryStateStore) SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	c := *checkpoint
	c.Snapshot = checkpoint.Snapshot.Copy()
	s.checkpoints[c.Name] = &c
	return nil
}

func (s *MemoryStateStore) LoadCheckpoint(ctx context.Context, name string) (*Checkpoint, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	checkpoint, ok := s.checkpoints[name]
	if !ok {
		return nil, fmt.Errorf("checkpoint %q not found", name)
	}
	c := *checkpoint
	c.Snapshot = checkpoint.Snapshot.Copy()
	return &c, nil
}

func (s *MemoryStateStore) ListCheckpoints(ctx context.Context) ([]*CheckpointInfo, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	infos := make([]*CheckpointInfo, 0, len(s.checkpoints))
	for _, checkpoint := range s.checkpoints {
		infos = append(infos, checkpoint.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.After(infos[j].CreatedAt)
	})
	return infos, nil
}

func (s *MemoryStateStore) DeleteCheckpoint(ctx context.Context, name string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	delete(s.checkpoints, name)
	return nil
}

func (s *MemoryStateStore) Archive(ctx context.Context, instance *WorkflowInstance, reason string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.history = append(s.history, &archivedInstance{
		instance:   instance.Copy(),
		reason:     reason,
		archivedAt: time.Now(),
	})
	return nil
}

// ArchiveCount returns the number of archived instances (test helper).
func (s *MemoryStateStore) ArchiveCount() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return len(s.history)
}
