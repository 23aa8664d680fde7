package offline

import "sync"

// groupLocks 串行化同一分组的 Sync / RemoveGroup / Revalidate，
// 不同分组互不阻塞；锁对象按引用计数回收。
type groupLocks struct {
	mu    sync.Mutex
	locks map[string]*groupLock
}

type groupLock struct {
	mu   sync.Mutex
	refs int
}

func newGroupLocks() *groupLocks {
	return &groupLocks{locks: make(map[string]*groupLock)}
}

func (g *groupLocks) lock(key string) func() {
	g.mu.Lock()
	lock := g.locks[key]
	if lock == nil {
		lock = &groupLock{}
		g.locks[key] = lock
	}
	lock.refs++
	g.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		g.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(g.locks, key)
		}
		g.mu.Unlock()
	}
}

// sweepMu 由所有 Controller 共享：同步期间持读锁，孤儿清理持写锁。
var sweepMu sync.RWMutex
