package patch

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/zeebo/xxh3"
)

// ErrContentChanged is returned when a reopened reference no longer yields the
// bytes it produced on its first read.
var ErrContentChanged = errors.New("content changed while the patch was applied")

type contentSource int

const (
	sourceBuffer contentSource = iota
	sourceFile
	sourceBlob
)

// ContentRef is a reopenable reference to the content of one entry: a file
// on disk, a blob in an object store, or an owned buffer. Every read after
// the first is checked against the first.
type ContentRef struct {
	source contentSource
	path   string
	data   []byte
	store  ObjectStore
	id     plumbing.Hash
	digest uint64
	seen   bool
}

// BufferContent references data. The caller must not modify data afterwards.
func BufferContent(data []byte) *ContentRef {
	return &ContentRef{source: sourceBuffer, data: data}
}

// FileContent references the file at path.
func FileContent(path string) *ContentRef {
	return &ContentRef{source: sourceFile, path: path}
}

// BlobContent references blob id in store.
func BlobContent(store ObjectStore, id plumbing.Hash) *ContentRef {
	return &ContentRef{source: sourceBlob, store: store, id: id}
}

// Bytes reads the referenced content.
func (c *ContentRef) Bytes() ([]byte, error) {
	var (
		data []byte
		err  error
	)
	switch c.source {
	case sourceFile:
		data, err = os.ReadFile(c.path)
	case sourceBlob:
		data, err = c.store.ReadBlob(c.id)
	default:
		data = c.data
	}
	if err != nil {
		return nil, err
	}
	sum := xxh3.Hash(data)
	if c.seen && sum != c.digest {
		return nil, fmt.Errorf("%w: %s", ErrContentChanged, c.describe())
	}
	c.digest, c.seen = sum, true
	return data, nil
}

// ID returns the blob id of the content, hashing it unless already known.
func (c *ContentRef) ID(store ObjectStore) (plumbing.Hash, error) {
	if c.source == sourceBlob {
		return c.id, nil
	}
	data, err := c.Bytes()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	return store.Hash(data)
}

// Detach reads the content into an owned buffer reference, so the result
// survives the underlying file being moved.
func (c *ContentRef) Detach() (*ContentRef, error) {
	data, err := c.Bytes()
	if err != nil {
		return nil, err
	}
	return BufferContent(data), nil
}

func (c *ContentRef) describe() string {
	switch c.source {
	case sourceFile:
		return c.path
	case sourceBlob:
		return c.id.String()
	default:
		return "buffer"
	}
}
