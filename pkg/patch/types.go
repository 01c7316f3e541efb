package patch

import (
	"io"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"

	"github.com/asynkron/gitapply/pkg/filter"
	"github.com/asynkron/gitapply/pkg/logging"
	"github.com/asynkron/gitapply/pkg/snapshot"
)

// OperationType identifies the kind of change described by a patch operation.
type OperationType string

const (
	// OperationAdd creates NewPath.
	OperationAdd OperationType = "add"
	// OperationModify changes the content or mode of an existing path.
	OperationModify OperationType = "modify"
	// OperationDelete removes OldPath.
	OperationDelete OperationType = "delete"
	// OperationRename moves OldPath to NewPath, optionally changing content.
	OperationRename OperationType = "rename"
	// OperationCopy creates NewPath from the content of OldPath.
	OperationCopy OperationType = "copy"
)

// Operation describes the change to a single file.
//
// Exactly one of Hunks or Binary is populated for content changes. An
// operation with neither only renames, copies or changes the mode, unless
// IsBinary is set, in which case the patch carried no usable binary data.
type Operation struct {
	Type    OperationType
	OldPath string
	NewPath string
	OldMode filemode.FileMode
	NewMode filemode.FileMode
	Hunks   []Hunk
	Binary  *BinaryHunk
	// IsBinary marks "Binary files differ" entries.
	IsBinary bool
	// OldID and NewID are the hex ids from the index line. They may be
	// abbreviated.
	OldID string
	NewID string
}

// LineKind tags an edit line.
type LineKind int

const (
	LineContext LineKind = iota
	LineDelete
	LineInsert
)

// HunkLine is one edit line without its newline terminator.
type HunkLine struct {
	Kind LineKind
	Text []byte
}

// Hunk captures a unified-diff hunk belonging to an Operation.
type Hunk struct {
	OldStart int
	OldLines int
	NewStart int
	NewLines int
	Lines    []HunkLine
	// NoNewlineAtEnd is set when the post-image of the hunk ends without a
	// trailing newline.
	NoNewlineAtEnd bool
	Header         string
	RawPatchLines  []string
}

// contextSize counts the lines that must already exist in the file.
func (h Hunk) contextSize() int {
	n := 0
	for _, l := range h.Lines {
		if l.Kind != LineInsert {
			n++
		}
	}
	return n
}

// BinaryKind names the encoding of a binary hunk.
type BinaryKind string

const (
	// BinaryLiteral replaces the whole file.
	BinaryLiteral BinaryKind = "literal"
	// BinaryDelta is a git delta against the current content.
	BinaryDelta BinaryKind = "delta"
)

// BinaryHunk is a decoded forward binary hunk. Payload is the inflated body:
// the new content for literals, the delta instruction stream for deltas.
type BinaryHunk struct {
	Kind    BinaryKind
	Size    int64
	Payload []byte
}

// Patch is a parsed patch. A patch with Errors is never applied.
type Patch struct {
	Operations []Operation
	Errors     []error
}

// Result is the outcome of a successful Apply.
type Result struct {
	TreeID plumbing.Hash `json:"treeId"`
	// Paths lists every touched path, sorted and without duplicates.
	Paths    []string           `json:"paths"`
	Snapshot *snapshot.Snapshot `json:"-"`
}

// HunkStatus tracks how a hunk was applied when processing a patch.
type HunkStatus struct {
	Number int    `json:"number"`
	Status string `json:"status"`
}

// FailedHunk stores the raw lines of the hunk that could not be applied.
type FailedHunk struct {
	Number        int      `json:"number"`
	RawPatchLines []string `json:"rawPatchLines"`
}

// ObjectStore is the content-addressable store results are written into.
type ObjectStore interface {
	Hash(data []byte) (plumbing.Hash, error)
	Insert(t plumbing.ObjectType, size int64, r io.Reader) (plumbing.Hash, error)
	ReadBlob(id plumbing.Hash) ([]byte, error)
	ReadTree(id plumbing.Hash) (*snapshot.Snapshot, error)
	WriteTree(snap *snapshot.Snapshot) (plumbing.Hash, error)
}

// Options configure how the patch application behaves for both backends.
type Options struct {
	Logger logging.Logger
	// Filters resolves filter=<name> attributes to clean/smudge drivers.
	Filters filter.Table
	// AllowOverwriteOnAdd lets an add replace an existing entry.
	AllowOverwriteOnAdd bool
	// InCoreLimit bounds the bytes a filter may buffer. Zero means
	// filter.DefaultLimit.
	InCoreLimit int64
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = &logging.NoOpLogger{}
	}
	if o.InCoreLimit <= 0 {
		o.InCoreLimit = filter.DefaultLimit
	}
}

// FilesystemOptions extends Options with working tree specific configuration.
type FilesystemOptions struct {
	Options
	WorkingDir string
	// GitDir defaults to WorkingDir/.git.
	GitDir string
	// AutoCRLF overrides core.autocrlf from the repository config.
	AutoCRLF *bool
}
