package patch

import (
	"context"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"

	"github.com/asynkron/gitapply/pkg/filter"
	"github.com/asynkron/gitapply/pkg/snapshot"
)

// NewVirtual returns an Applier that reads baseTree from store and writes new
// blobs and trees into store only. A zero baseTree is the empty tree.
func NewVirtual(store ObjectStore, baseTree plumbing.Hash, opts Options) *Applier {
	opts.setDefaults()
	return &Applier{
		ws:     &memoryWorkspace{store: store, tree: baseTree},
		store:  store,
		opts:   opts,
		logger: opts.Logger,
	}
}

type memoryWorkspace struct {
	store ObjectStore
	tree  plumbing.Hash
}

func (ws *memoryWorkspace) Begin(context.Context) (*snapshot.Snapshot, error) {
	return ws.store.ReadTree(ws.tree)
}

func (ws *memoryWorkspace) Content(_ string, e snapshot.Entry) (*ContentRef, error) {
	return BlobContent(ws.store, e.ID), nil
}

// Clean is the identity: blobs are already in their clean form.
func (ws *memoryWorkspace) Clean(_ context.Context, _ string, content []byte) ([]byte, error) {
	return content, nil
}

// StoredForm restores CRLF endings the blob had before normalization.
func (ws *memoryWorkspace) StoredForm(content []byte, conv eol) []byte {
	if conv == eolCRLF {
		return filter.ToCRLF(content)
	}
	return content
}

func (ws *memoryWorkspace) Occupied(string) bool { return false }

func (ws *memoryWorkspace) Write(context.Context, string, []byte, filemode.FileMode, eol) error {
	return nil
}

func (ws *memoryWorkspace) Remove(string) error                  { return nil }
func (ws *memoryWorkspace) Rename(string, string) error          { return nil }
func (ws *memoryWorkspace) Copy(string, string) error            { return nil }
func (ws *memoryWorkspace) Chmod(string, filemode.FileMode) error { return nil }

func (ws *memoryWorkspace) Stat(string) (snapshot.Entry, error) {
	return snapshot.Entry{}, nil
}

func (ws *memoryWorkspace) Commit(*snapshot.Snapshot) error { return nil }
func (ws *memoryWorkspace) Release() error                  { return nil }
