// Package objstore is the content-addressable object store the patch engine
// writes into: blob hashing, insertion, blob reads and tree read/write.
package objstore

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/go-git/go-git/v5/storage/filesystem"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/pjbgf/sha1cd"

	"github.com/asynkron/gitapply/pkg/snapshot"
)

var (
	// EmptyBlobID names the blob with no content.
	EmptyBlobID = plumbing.NewHash("e69de29bb2d1d6434b8b29ae775ad8c2e48c5391")
	// EmptyTreeID names the tree with no entries.
	EmptyTreeID = plumbing.NewHash("4b825dc642cb6eb9a060e54bf8d69288fbee4904")

	// ErrCollision is returned when content matches a known SHA-1 collision
	// attack pattern.
	ErrCollision = errors.New("sha1 collision attack detected")
	// ErrSizeMismatch is returned when an inserted stream is shorter or longer
	// than its declared length.
	ErrSizeMismatch = errors.New("object size does not match declared length")
)

// Store wraps a go-git object storer.
type Store struct {
	objects storer.EncodedObjectStorer
	// base is consulted for objects missing from objects.
	base *Store
}

// New wraps an existing storer.
func New(objects storer.EncodedObjectStorer) *Store {
	return &Store{objects: objects}
}

// NewMemory returns a store with no persistence.
func NewMemory() *Store {
	return New(memory.NewStorage())
}

// Open returns a store backed by the object database of gitDir.
func Open(gitDir string) *Store {
	return New(filesystem.NewStorage(osfs.New(gitDir), cache.NewObjectLRUDefault()))
}

// NewScratch returns an in-memory store that reads through to base. Objects
// inserted into it never reach base.
func NewScratch(base *Store) *Store {
	s := NewMemory()
	s.base = base
	return s
}

// Sum computes the object id of content stored as type t and reports an
// error when the input carries a collision attack.
func Sum(t plumbing.ObjectType, content []byte) (plumbing.Hash, error) {
	header := t.String() + " " + strconv.Itoa(len(content)) + "\x00"
	buf := make([]byte, 0, len(header)+len(content))
	buf = append(buf, header...)
	buf = append(buf, content...)
	sum, collision := sha1cd.Sum(buf)
	if collision {
		return plumbing.ZeroHash, ErrCollision
	}
	return plumbing.Hash(sum), nil
}

// Hash returns the blob id of data without storing it.
func (s *Store) Hash(data []byte) (plumbing.Hash, error) {
	return Sum(plumbing.BlobObject, data)
}

// Insert stores size bytes read from r as an object of type t.
func (s *Store) Insert(t plumbing.ObjectType, size int64, r io.Reader) (plumbing.Hash, error) {
	content, err := io.ReadAll(io.LimitReader(r, size+1))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("read %s content: %w", t, err)
	}
	if int64(len(content)) != size {
		return plumbing.ZeroHash, fmt.Errorf("%w: want %d, got %d", ErrSizeMismatch, size, len(content))
	}
	id, err := Sum(t, content)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if s.has(id) {
		return id, nil
	}

	obj := s.objects.NewEncodedObject()
	obj.SetType(t)
	obj.SetSize(size)
	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if _, err := w.Write(content); err != nil {
		_ = w.Close()
		return plumbing.ZeroHash, err
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, err
	}
	stored, err := s.objects.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("store %s: %w", t, err)
	}
	if stored != id {
		return plumbing.ZeroHash, fmt.Errorf("store %s: id mismatch %s != %s", t, stored, id)
	}
	return id, nil
}

// InsertBlob stores data as a blob.
func (s *Store) InsertBlob(data []byte) (plumbing.Hash, error) {
	return s.Insert(plumbing.BlobObject, int64(len(data)), bytes.NewReader(data))
}

// ReadBlob returns the content of blob id.
func (s *Store) ReadBlob(id plumbing.Hash) ([]byte, error) {
	if id == EmptyBlobID {
		return []byte{}, nil
	}
	obj, err := s.encoded(plumbing.BlobObject, id)
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", id, err)
	}
	r, err := obj.Reader()
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", id, err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

// ReadTree flattens tree id into a snapshot. The zero hash and the empty
// tree both yield an empty snapshot.
func (s *Store) ReadTree(id plumbing.Hash) (*snapshot.Snapshot, error) {
	snap := snapshot.New()
	if id.IsZero() || id == EmptyTreeID {
		return snap, nil
	}
	if err := s.readTree(snap, "", id); err != nil {
		return nil, err
	}
	return snap, nil
}

// ResolveTree returns the tree named by rev, which may be a tree id, a commit
// id, an annotated tag id or a reference such as HEAD or a branch name.
func (s *Store) ResolveTree(rev string) (plumbing.Hash, error) {
	rev = strings.TrimSpace(rev)
	if rev == "" {
		return plumbing.ZeroHash, errors.New("resolve: empty revision")
	}
	id := plumbing.NewHash(rev)
	if !plumbing.IsHash(rev) {
		resolved, err := s.resolveRef(rev)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		id = resolved
	}
	for {
		obj, err := s.encoded(plumbing.AnyObject, id)
		if err != nil {
			return plumbing.ZeroHash, fmt.Errorf("resolve %s: %w", rev, err)
		}
		switch obj.Type() {
		case plumbing.TreeObject:
			return id, nil
		case plumbing.CommitObject:
			c, err := object.DecodeCommit(s.objects, obj)
			if err != nil {
				return plumbing.ZeroHash, fmt.Errorf("resolve %s: %w", rev, err)
			}
			return c.TreeHash, nil
		case plumbing.TagObject:
			tag, err := object.DecodeTag(s.objects, obj)
			if err != nil {
				return plumbing.ZeroHash, fmt.Errorf("resolve %s: %w", rev, err)
			}
			id = tag.Target
		default:
			return plumbing.ZeroHash, fmt.Errorf("resolve %s: %s is not a tree-ish", rev, obj.Type())
		}
	}
}

func (s *Store) resolveRef(rev string) (plumbing.Hash, error) {
	if s.base != nil {
		return s.base.resolveRef(rev)
	}
	refs, ok := s.objects.(storer.ReferenceStorer)
	if !ok {
		return plumbing.ZeroHash, fmt.Errorf("resolve %s: store has no references", rev)
	}
	candidates := []plumbing.ReferenceName{
		plumbing.ReferenceName(rev),
		plumbing.NewBranchReferenceName(rev),
		plumbing.NewTagReferenceName(rev),
	}
	for _, name := range candidates {
		ref, err := storer.ResolveReference(refs, name)
		if err == nil {
			return ref.Hash(), nil
		}
		if !errors.Is(err, plumbing.ErrReferenceNotFound) {
			return plumbing.ZeroHash, fmt.Errorf("resolve %s: %w", rev, err)
		}
	}
	return plumbing.ZeroHash, fmt.Errorf("resolve %s: %w", rev, plumbing.ErrReferenceNotFound)
}

func (s *Store) readTree(snap *snapshot.Snapshot, prefix string, id plumbing.Hash) error {
	obj, err := s.encoded(plumbing.TreeObject, id)
	if err != nil {
		return fmt.Errorf("read tree %s: %w", id, err)
	}
	tree, err := object.DecodeTree(s.objects, obj)
	if err != nil {
		return fmt.Errorf("decode tree %s: %w", id, err)
	}
	for _, e := range tree.Entries {
		p := path.Join(prefix, e.Name)
		if e.Mode == filemode.Dir {
			if err := s.readTree(snap, p, e.Hash); err != nil {
				return err
			}
			continue
		}
		snap.Put(p, snapshot.Entry{ID: e.Hash, Mode: e.Mode})
	}
	return nil
}

type dirNode struct {
	files map[string]snapshot.Entry
	dirs  map[string]*dirNode
}

func newDirNode() *dirNode {
	return &dirNode{files: make(map[string]snapshot.Entry), dirs: make(map[string]*dirNode)}
}

// WriteTree stores the nested trees described by snap and returns the root
// tree id.
func (s *Store) WriteTree(snap *snapshot.Snapshot) (plumbing.Hash, error) {
	root := newDirNode()
	err := snap.Each(func(p string, e snapshot.Entry) error {
		parts := strings.Split(p, "/")
		node := root
		for i, name := range parts[:len(parts)-1] {
			if name == "" {
				return fmt.Errorf("invalid path %q", p)
			}
			if _, clash := node.files[name]; clash {
				return fmt.Errorf("path %q conflicts with file %q", p, strings.Join(parts[:i+1], "/"))
			}
			child, ok := node.dirs[name]
			if !ok {
				child = newDirNode()
				node.dirs[name] = child
			}
			node = child
		}
		leaf := parts[len(parts)-1]
		if leaf == "" {
			return fmt.Errorf("invalid path %q", p)
		}
		if _, clash := node.dirs[leaf]; clash {
			return fmt.Errorf("path %q conflicts with a directory", p)
		}
		node.files[leaf] = e
		return nil
	})
	if err != nil {
		return plumbing.ZeroHash, err
	}
	return s.writeNode(root)
}

func (s *Store) writeNode(node *dirNode) (plumbing.Hash, error) {
	entries := make([]object.TreeEntry, 0, len(node.files)+len(node.dirs))
	for name, e := range node.files {
		entries = append(entries, object.TreeEntry{Name: name, Mode: e.Mode, Hash: e.ID})
	}
	for name, child := range node.dirs {
		id, err := s.writeNode(child)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		entries = append(entries, object.TreeEntry{Name: name, Mode: filemode.Dir, Hash: id})
	}
	// Trees sort directories as if their name ended in '/'.
	sort.Slice(entries, func(i, j int) bool {
		return treeSortKey(entries[i]) < treeSortKey(entries[j])
	})

	tree := &object.Tree{Entries: entries}
	obj := s.objects.NewEncodedObject()
	if err := tree.Encode(obj); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("encode tree: %w", err)
	}
	r, err := obj.Reader()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	defer r.Close()
	return s.Insert(plumbing.TreeObject, obj.Size(), r)
}

func (s *Store) has(id plumbing.Hash) bool {
	if s.objects.HasEncodedObject(id) == nil {
		return true
	}
	return s.base != nil && s.base.has(id)
}

func (s *Store) encoded(t plumbing.ObjectType, id plumbing.Hash) (plumbing.EncodedObject, error) {
	obj, err := s.objects.EncodedObject(t, id)
	if errors.Is(err, plumbing.ErrObjectNotFound) && s.base != nil {
		return s.base.encoded(t, id)
	}
	return obj, err
}

func treeSortKey(e object.TreeEntry) string {
	if e.Mode == filemode.Dir {
		return e.Name + "/"
	}
	return e.Name
}
