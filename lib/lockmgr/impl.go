package lockmgr

import (
	"hash/fnv"
	"sync"
)

// DefaultStripes is the default striping width
const DefaultStripes = 16

type lockMgrImpl struct {
	stripes []sync.Mutex
}

// NewLockManager creates a striped lock manager. Keys hashing to the same
// stripe share a mutex, so the width bounds both memory and the worst-case
// contention between unrelated keys.
func NewLockManager(stripes int) ILockManager {
	if stripes <= 0 {
		stripes = DefaultStripes
	}
	return &lockMgrImpl{
		stripes: make([]sync.Mutex, stripes),
	}
}

// hashKey maps a key to its stripe index
func (lm *lockMgrImpl) hashKey(key []byte) int {
	h := fnv.New32a()
	_, _ = h.Write(key)
	return int(h.Sum32()) % len(lm.stripes)
}

func (lm *lockMgrImpl) Lock(key []byte) {
	lm.stripes[lm.hashKey(key)].Lock()
}

func (lm *lockMgrImpl) Unlock(key []byte) {
	lm.stripes[lm.hashKey(key)].Unlock()
}

// --------------------------------------------------------------------------
// Guard
// --------------------------------------------------------------------------

// Guard holds a key lock for the duration of a read-modify-write section.
// Use with defer so the lock is released on every exit path:
//
//	guard := lockmgr.NewGuard(lm, nsKey)
//	defer guard.Release()
type Guard struct {
	lm  ILockManager
	key []byte
}

// NewGuard acquires the lock covering key
func NewGuard(lm ILockManager, key []byte) *Guard {
	lm.Lock(key)
	return &Guard{lm: lm, key: key}
}

// Release drops the lock; further calls are no-ops
func (g *Guard) Release() {
	if g.lm != nil {
		g.lm.Unlock(g.key)
		g.lm = nil
	}
}
