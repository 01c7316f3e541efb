package patch

import (
	"context"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"

	"github.com/asynkron/gitapply/pkg/snapshot"
)

// eol selects the line ending conversion applied when content leaves the
// engine.
type eol int

const (
	// eolKeep writes bytes verbatim. Used for binary content.
	eolKeep eol = iota
	// eolLF is text read without CRLF normalization.
	eolLF
	// eolCRLF is text that was CRLF on read and was normalized to LF.
	eolCRLF
)

// workspace is the backend a patch reads its base from and writes its result
// to. The virtual backend has no side effects outside the object store.
type workspace interface {
	// Begin returns the snapshot the patch is read against. The materialized
	// backend holds the index lock until Commit or Release.
	Begin(ctx context.Context) (*snapshot.Snapshot, error)
	Content(path string, e snapshot.Entry) (*ContentRef, error)
	// Clean turns raw content into its stored form before hunks apply.
	Clean(ctx context.Context, path string, content []byte) ([]byte, error)
	// StoredForm is the blob form of content produced by the engine.
	StoredForm(content []byte, conv eol) []byte
	// Occupied reports whether something untracked already sits at path.
	Occupied(path string) bool
	Write(ctx context.Context, path string, content []byte, mode filemode.FileMode, conv eol) error
	Remove(path string) error
	Rename(from, to string) error
	Copy(from, to string) error
	Chmod(path string, mode filemode.FileMode) error
	// Stat returns the size and timestamps recorded for a written path.
	Stat(path string) (snapshot.Entry, error)
	Commit(snap *snapshot.Snapshot) error
	Release() error
}

func withMeta(id plumbing.Hash, mode filemode.FileMode, meta snapshot.Entry) snapshot.Entry {
	meta.ID = id
	meta.Mode = mode
	return meta
}
