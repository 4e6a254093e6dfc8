package utils

import (
	"sync"
)

// KeyedMutex serializes critical sections that share the same key.
// Sections using different keys run concurrently.
//
// The zero KeyedMutex is ready to use. It must not be copied after first use.
type KeyedMutex[K comparable] struct {
	mut   sync.Mutex
	locks map[K]*keyedEntry
}

type keyedEntry struct {
	mut  sync.Mutex
	refs int
}

// Lock acquires the lock for key and returns the function that releases it.
func (self *KeyedMutex[K]) Lock(key K) (unlock func()) {
	self.mut.Lock()
	if nil == self.locks {
		self.locks = make(map[K]*keyedEntry)
	}
	entry, found := self.locks[key]
	if !found {
		entry = &keyedEntry{}
		self.locks[key] = entry
	}
	entry.refs += 1
	self.mut.Unlock()

	entry.mut.Lock()

	return func() {
		entry.mut.Unlock()

		self.mut.Lock()
		defer self.mut.Unlock()
		entry.refs -= 1
		if 0 == entry.refs {
			delete(self.locks, key)
		}
	}
}

// Len returns the number of keys currently locked or waited for.
func (self *KeyedMutex[K]) Len() int {
	self.mut.Lock()
	defer self.mut.Unlock()

	return len(self.locks)
}
