// Package snapshot models the path → entry state of a tree or index that a
// patch is read from and written to.
package snapshot

import (
	"sort"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
)

// Stat carries the index-only metadata of an entry. Tree-backed snapshots
// leave it zero.
type Stat struct {
	CreatedAt    time.Time
	Dev          uint32
	Inode        uint32
	UID          uint32
	GID          uint32
	SkipWorktree bool
	IntentToAdd  bool
}

// Entry is the stored state of one path.
type Entry struct {
	ID      plumbing.Hash
	Mode    filemode.FileMode
	Size    int64
	ModTime time.Time
	Stat    Stat
}

// Snapshot maps slash-separated paths to entries. Iteration is always in
// lexicographic path order. The zero value is not usable; call New.
type Snapshot struct {
	entries map[string]Entry
	sorted  []string
}

// New returns an empty snapshot.
func New() *Snapshot {
	return &Snapshot{entries: make(map[string]Entry)}
}

// Get returns the entry stored at path.
func (s *Snapshot) Get(path string) (Entry, bool) {
	e, ok := s.entries[path]
	return e, ok
}

// Has reports whether path has an entry.
func (s *Snapshot) Has(path string) bool {
	_, ok := s.entries[path]
	return ok
}

// Put stores e at path, replacing any previous entry.
func (s *Snapshot) Put(path string, e Entry) {
	if _, ok := s.entries[path]; !ok {
		s.sorted = nil
	}
	s.entries[path] = e
}

// Delete removes path and reports whether it was present.
func (s *Snapshot) Delete(path string) bool {
	if _, ok := s.entries[path]; !ok {
		return false
	}
	delete(s.entries, path)
	s.sorted = nil
	return true
}

// Len returns the number of entries.
func (s *Snapshot) Len() int {
	return len(s.entries)
}

// Paths returns every path in lexicographic order. The returned slice must
// not be modified.
func (s *Snapshot) Paths() []string {
	if s.sorted == nil {
		s.sorted = make([]string, 0, len(s.entries))
		for p := range s.entries {
			s.sorted = append(s.sorted, p)
		}
		sort.Strings(s.sorted)
	}
	return s.sorted
}

// Each calls fn for every entry in path order, stopping at the first error.
func (s *Snapshot) Each(fn func(path string, e Entry) error) error {
	for _, p := range s.Paths() {
		if err := fn(p, s.entries[p]); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns an independent copy.
func (s *Snapshot) Clone() *Snapshot {
	c := &Snapshot{entries: make(map[string]Entry, len(s.entries))}
	for p, e := range s.entries {
		c.entries[p] = e
	}
	return c
}

// Equal reports whether both snapshots hold the same paths with identical
// entries.
func (s *Snapshot) Equal(o *Snapshot) bool {
	if s == nil || o == nil {
		return s == o
	}
	if len(s.entries) != len(o.entries) {
		return false
	}
	for p, e := range s.entries {
		oe, ok := o.entries[p]
		if !ok || !sameEntry(e, oe) {
			return false
		}
	}
	return true
}

func sameEntry(a, b Entry) bool {
	return a.ID == b.ID &&
		a.Mode == b.Mode &&
		a.Size == b.Size &&
		a.ModTime.Equal(b.ModTime) &&
		a.Stat.CreatedAt.Equal(b.Stat.CreatedAt) &&
		a.Stat.Dev == b.Stat.Dev &&
		a.Stat.Inode == b.Stat.Inode &&
		a.Stat.UID == b.Stat.UID &&
		a.Stat.GID == b.Stat.GID &&
		a.Stat.SkipWorktree == b.Stat.SkipWorktree &&
		a.Stat.IntentToAdd == b.Stat.IntentToAdd
}
