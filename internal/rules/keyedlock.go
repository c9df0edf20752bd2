package rules

import (
	"sync"

	"github.com/MaxSonchik/DevOS/internal/utils/iputil"
)

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

// keyedLock hands out one mutex per address. Entries are dropped once no
// goroutine holds or waits for them.
// keyedLock 为每个地址提供一把互斥锁，无人持有或等待时释放条目。
type keyedLock struct {
	mu      sync.Mutex
	entries map[iputil.Address]*keyedEntry
}

func newKeyedLock() *keyedLock {
	return &keyedLock{entries: make(map[iputil.Address]*keyedEntry)}
}

// Lock acquires the mutex for key and returns its release function.
func (k *keyedLock) Lock(key iputil.Address) (unlock func()) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &keyedEntry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyedLock) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
