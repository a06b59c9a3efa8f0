package hub

import (
	"sync"
	"sync/atomic"
)

// SubscriptionIndex maintains a reverse index from a key (userId or eventId)
// to the set of connections currently bound to it. Reads are the hot path
// (every broadcast), so each key's snapshot is an immutable []*Connection
// behind an atomic.Value, swapped copy-on-write on Add/Remove — directly
// grounded on the teacher's internal/shared/connection.go SubscriptionIndex.
type SubscriptionIndex struct {
	mu      sync.RWMutex
	entries map[string]*atomic.Value
}

// NewSubscriptionIndex returns an empty index.
func NewSubscriptionIndex() *SubscriptionIndex {
	return &SubscriptionIndex{entries: make(map[string]*atomic.Value)}
}

// Add registers conn under key.
func (idx *SubscriptionIndex) Add(key string, conn *Connection) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	val := idx.entries[key]
	if val == nil {
		val = &atomic.Value{}
		idx.entries[key] = val
	}

	var current []*Connection
	if v := val.Load(); v != nil {
		current = v.([]*Connection)
	}
	for _, c := range current {
		if c == conn {
			return
		}
	}

	next := make([]*Connection, len(current)+1)
	copy(next, current)
	next[len(current)] = conn
	val.Store(next)
}

// Remove unregisters conn from key. If the key's set becomes empty, the key
// itself is removed, per spec.md §4.6.
func (idx *SubscriptionIndex) Remove(key string, conn *Connection) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	val, ok := idx.entries[key]
	if !ok {
		return
	}
	v := val.Load()
	if v == nil {
		return
	}
	current := v.([]*Connection)

	for i, c := range current {
		if c == conn {
			next := make([]*Connection, len(current)-1)
			copy(next, current[:i])
			copy(next[i:], current[i+1:])
			if len(next) == 0 {
				delete(idx.entries, key)
			} else {
				val.Store(next)
			}
			return
		}
	}
}

// RemoveConnection removes conn from every key it is present under, used on
// disconnect.
func (idx *SubscriptionIndex) RemoveConnection(conn *Connection) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for key, val := range idx.entries {
		v := val.Load()
		if v == nil {
			continue
		}
		current := v.([]*Connection)
		for i, c := range current {
			if c == conn {
				next := make([]*Connection, len(current)-1)
				copy(next, current[:i])
				copy(next[i:], current[i+1:])
				if len(next) == 0 {
					delete(idx.entries, key)
				} else {
					val.Store(next)
				}
				break
			}
		}
	}
}

// Get returns the immutable snapshot of connections under key. Lock-free on
// the hot path: only the map lookup takes the RWMutex.
func (idx *SubscriptionIndex) Get(key string) []*Connection {
	idx.mu.RLock()
	val, ok := idx.entries[key]
	idx.mu.RUnlock()
	if !ok {
		return nil
	}
	v := val.Load()
	if v == nil {
		return nil
	}
	return v.([]*Connection)
}
