package saga

import (
	"sync"

	"github.com/google/uuid"
)

// keyLock は相関IDごとの排他ロック。
// 使われていないキーのmutexは参照数が0になった時点で解放する。
type keyLock struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*keyLockEntry
}

type keyLockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyLock() *keyLock {
	return &keyLock{locks: map[uuid.UUID]*keyLockEntry{}}
}

// Lock はキーのロックを取得し、解放関数を返す。
func (k *keyLock) Lock(id uuid.UUID) (unlock func()) {
	k.mu.Lock()
	e, ok := k.locks[id]
	if !ok {
		e = &keyLockEntry{}
		k.locks[id] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}

// size は保持しているキーの数を返す。
func (k *keyLock) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
