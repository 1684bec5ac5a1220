package saga

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore はプロセス内のmapに状態を保持するStore。
type MemoryStore struct {
	mu     sync.RWMutex
	states map[uuid.UUID]State
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore は空のMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: map[uuid.UUID]State{}}
}

// Get は相関IDに対応する状態を返す。
func (m *MemoryStore) Get(_ context.Context, id uuid.UUID) (State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[id]
	if !ok {
		return State{}, ErrNotFound
	}
	return s.clone(), nil
}

// Create は状態が存在しない場合にだけ保存する。
func (m *MemoryStore) Create(_ context.Context, s State) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[s.CorrelationID]; ok {
		return State{}, ErrAlreadyExists
	}
	s = s.clone()
	s.Version = 1
	m.states[s.CorrelationID] = s
	return s.clone(), nil
}

// CompareAndSwap はバージョンが一致する場合にだけ状態を置き換える。
func (m *MemoryStore) CompareAndSwap(_ context.Context, s State) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.states[s.CorrelationID]
	if !ok {
		return State{}, ErrNotFound
	}
	if cur.Version != s.Version {
		return State{}, ErrConflict
	}
	s = s.clone()
	s.Version++
	m.states[s.CorrelationID] = s
	return s.clone(), nil
}

// List は指定した段階のSagaを作成日時順に返す。
func (m *MemoryStore) List(_ context.Context, phase Phase) ([]State, error) {
	m.mu.RLock()
	out := make([]State, 0, len(m.states))
	for _, s := range m.states {
		if phase == "" || s.Phase == phase {
			out = append(out, s.clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CorrelationID.String() < out[j].CorrelationID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// PruneTerminal はbefore以前に更新された終端状態のSagaを削除する。
func (m *MemoryStore) PruneTerminal(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.states {
		if s.Phase.IsTerminal() && !s.UpdatedAt.After(before) {
			delete(m.states, id)
			n++
		}
	}
	return n, nil
}

// Close は何もしない。
func (m *MemoryStore) Close() error { return nil }
