// Package index keeps a sparse, sorted mapping from logical indices to
// approximate positions. Lookups return a lower bound that callers scan
// forward from.
package index

import (
	"sort"
	"sync"
)

type Entry struct {
	Index    uint64
	Position int64
}

// Sparse is safe for concurrent use.
type Sparse struct {
	mu      sync.RWMutex
	density uint64
	entries []Entry
}

// New retains every density-th index. A density below 1 retains all.
func New(density int) *Sparse {
	if density < 1 {
		density = 1
	}
	return &Sparse{density: uint64(density)}
}

// Index records (index, position) when index falls on the density. Indexing
// at or below the last retained index replaces the tail from there.
func (s *Sparse) Index(index uint64, position int64) {
	if index%s.density != 0 {
		return
	}
	s.Put(index, position)
}

// Put records (index, position) regardless of density.
func (s *Sparse) Put(index uint64, position int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.entries); n > 0 && s.entries[n-1].Index >= index {
		s.truncateLocked(index)
	}
	s.entries = append(s.entries, Entry{Index: index, Position: position})
}

// Lookup returns the retained entry with the greatest index <= index.
func (s *Sparse) Lookup(index uint64) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := sort.Search(len(s.entries), func(i int) bool { return s.entries[i].Index > index })
	if i == 0 {
		return Entry{}, false
	}
	return s.entries[i-1], true
}

// Truncate drops every entry with index >= index.
func (s *Sparse) Truncate(index uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.truncateLocked(index)
}

func (s *Sparse) truncateLocked(index uint64) {
	i := sort.Search(len(s.entries), func(i int) bool { return s.entries[i].Index >= index })
	clear(s.entries[i:])
	s.entries = s.entries[:i]
}

// Compact drops every entry with index <= index.
func (s *Sparse) Compact(index uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := sort.Search(len(s.entries), func(i int) bool { return s.entries[i].Index > index })
	if i == 0 {
		return
	}
	s.entries = append(s.entries[:0:0], s.entries[i:]...)
}

func (s *Sparse) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Last returns the highest retained entry.
func (s *Sparse) Last() (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return Entry{}, false
	}
	return s.entries[len(s.entries)-1], true
}
