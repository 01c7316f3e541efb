// Package gitindex reads and atomically replaces the index file of a git
// directory under the standard index.lock protocol.
package gitindex

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5/plumbing/format/index"

	"github.com/asynkron/gitapply/pkg/snapshot"
)

var (
	// ErrLocked is returned when another process holds index.lock.
	ErrLocked = errors.New("index is locked")
	// ErrUnmerged is returned when the index carries conflict stages.
	ErrUnmerged = errors.New("index contains unmerged entries")
	// ErrReleased is returned when a lock is used after Commit or Rollback.
	ErrReleased = errors.New("index lock already released")
)

const (
	indexName = "index"
	lockName  = "index.lock"
)

// Read decodes the index of gitDir into a snapshot. A missing index is an
// empty snapshot.
func Read(gitDir string) (*snapshot.Snapshot, error) {
	snap, _, err := read(gitDir)
	return snap, err
}

func read(gitDir string) (*snapshot.Snapshot, uint32, error) {
	f, err := os.Open(filepath.Join(gitDir, indexName))
	if errors.Is(err, fs.ErrNotExist) {
		return snapshot.New(), 2, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("open index: %w", err)
	}
	defer f.Close()

	idx := &index.Index{}
	if err := index.NewDecoder(bufio.NewReader(f)).Decode(idx); err != nil {
		return nil, 0, fmt.Errorf("decode index: %w", err)
	}

	snap := snapshot.New()
	for _, e := range idx.Entries {
		if e.Stage != index.Merged {
			return nil, 0, fmt.Errorf("%w: %s", ErrUnmerged, e.Name)
		}
		snap.Put(e.Name, snapshot.Entry{
			ID:      e.Hash,
			Mode:    e.Mode,
			Size:    int64(e.Size),
			ModTime: e.ModifiedAt,
			Stat: snapshot.Stat{
				CreatedAt:    e.CreatedAt,
				Dev:          e.Dev,
				Inode:        e.Inode,
				UID:          e.UID,
				GID:          e.GID,
				SkipWorktree: e.SkipWorktree,
				IntentToAdd:  e.IntentToAdd,
			},
		})
	}
	return snap, idx.Version, nil
}

// Lock is an exclusively held index.lock. Exactly one of Commit or Rollback
// must be called.
type Lock struct {
	gitDir  string
	file    *os.File
	version uint32
}

// Acquire creates index.lock in gitDir. It fails immediately with ErrLocked
// if the lock file already exists.
func Acquire(gitDir string) (*Lock, error) {
	path := filepath.Join(gitDir, lockName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	return &Lock{gitDir: gitDir, file: f, version: 2}, nil
}

// Read decodes the index guarded by the lock.
func (l *Lock) Read() (*snapshot.Snapshot, error) {
	if l.file == nil {
		return nil, ErrReleased
	}
	snap, version, err := read(l.gitDir)
	if err != nil {
		return nil, err
	}
	l.version = version
	return snap, nil
}

// Commit writes snap into the lock file and renames it over the index.
func (l *Lock) Commit(snap *snapshot.Snapshot) error {
	if l.file == nil {
		return ErrReleased
	}
	idx := &index.Index{Version: l.encodeVersion(snap)}
	_ = snap.Each(func(p string, e snapshot.Entry) error {
		idx.Entries = append(idx.Entries, &index.Entry{
			Hash:         e.ID,
			Name:         p,
			CreatedAt:    e.Stat.CreatedAt,
			ModifiedAt:   e.ModTime,
			Dev:          e.Stat.Dev,
			Inode:        e.Stat.Inode,
			Mode:         e.Mode,
			UID:          e.Stat.UID,
			GID:          e.Stat.GID,
			Size:         uint32(e.Size),
			Stage:        index.Merged,
			SkipWorktree: e.Stat.SkipWorktree,
			IntentToAdd:  e.Stat.IntentToAdd,
		})
		return nil
	})

	w := bufio.NewWriter(l.file)
	if err := index.NewEncoder(w).Encode(idx); err != nil {
		_ = l.Rollback()
		return fmt.Errorf("encode index: %w", err)
	}
	if err := w.Flush(); err != nil {
		_ = l.Rollback()
		return fmt.Errorf("write index: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		_ = l.Rollback()
		return fmt.Errorf("sync index: %w", err)
	}
	if err := l.file.Close(); err != nil {
		l.file = nil
		_ = os.Remove(l.lockPath())
		return fmt.Errorf("close index lock: %w", err)
	}
	l.file = nil
	if err := os.Rename(l.lockPath(), filepath.Join(l.gitDir, indexName)); err != nil {
		_ = os.Remove(l.lockPath())
		return fmt.Errorf("replace index: %w", err)
	}
	return nil
}

// Rollback discards the lock, leaving the index untouched.
func (l *Lock) Rollback() error {
	if l.file == nil {
		return nil
	}
	_ = l.file.Close()
	l.file = nil
	if err := os.Remove(l.lockPath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove index lock: %w", err)
	}
	return nil
}

func (l *Lock) lockPath() string {
	return filepath.Join(l.gitDir, lockName)
}

// encodeVersion keeps the on-disk version when the encoder supports it and
// upgrades to 3 when extended flags are present.
func (l *Lock) encodeVersion(snap *snapshot.Snapshot) uint32 {
	version := l.version
	if version < 2 || version > 3 {
		version = 2
	}
	_ = snap.Each(func(_ string, e snapshot.Entry) error {
		if e.Stat.SkipWorktree || e.Stat.IntentToAdd {
			version = 3
		}
		return nil
	})
	return version
}
