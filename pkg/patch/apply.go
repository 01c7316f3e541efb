package patch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"

	"github.com/asynkron/gitapply/pkg/filter"
	"github.com/asynkron/gitapply/pkg/logging"
	"github.com/asynkron/gitapply/pkg/objstore"
	"github.com/asynkron/gitapply/pkg/snapshot"
)

// Applier applies patches against the backend chosen at construction. An
// Applier is not safe for concurrent use.
type Applier struct {
	ws     workspace
	store  ObjectStore
	opts   Options
	logger logging.Logger
}

// ApplyPatch parses a git patch from r and applies it.
func (a *Applier) ApplyPatch(ctx context.Context, r io.Reader) (*Result, error) {
	p, err := Parse(r)
	if err != nil {
		return nil, err
	}
	return a.Apply(ctx, p)
}

// Apply applies every operation of p and returns the resulting tree. Either
// the whole patch applies and the new state is committed, or an *Error is
// returned and the index or base tree is left unchanged.
func (a *Applier) Apply(ctx context.Context, p *Patch) (*Result, error) {
	if p == nil {
		return nil, &Error{Message: "nil patch", Code: CodeFormat}
	}
	if len(p.Errors) > 0 {
		return nil, formatError(p.Errors)
	}
	if logging.TraceID(ctx) == "" {
		ctx = logging.WithTraceID(ctx, logging.NewTraceID())
	}

	base, err := a.ws.Begin(ctx)
	if err != nil {
		return nil, storageError("", err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if err := a.ws.Release(); err != nil {
			a.logger.Error(ctx, "failed to release workspace", err)
		}
	}()

	current := base.Clone()
	changed := make(map[string]struct{})
	for i := range p.Operations {
		if err := ctx.Err(); err != nil {
			return nil, &Error{Message: err.Error(), Err: err}
		}
		op := &p.Operations[i]
		if err := a.applyOperation(ctx, current, op); err != nil {
			a.logger.Error(ctx, "operation failed", err,
				logging.Field("type", string(op.Type)), logging.Field("path", op.path()))
			return nil, err
		}
		for _, path := range op.changedPaths() {
			changed[path] = struct{}{}
		}
	}

	treeID, err := a.store.WriteTree(current)
	if err != nil {
		return nil, storageError("", err)
	}
	if err := a.ws.Commit(current); err != nil {
		return nil, storageError("", err)
	}
	committed = true

	paths := make([]string, 0, len(changed))
	for path := range changed {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	a.logger.Info(ctx, "patch applied",
		logging.Field("tree", treeID.String()), logging.Field("paths", len(paths)))
	return &Result{TreeID: treeID, Paths: paths, Snapshot: current}, nil
}

func (a *Applier) applyOperation(ctx context.Context, current *snapshot.Snapshot, op *Operation) error {
	logger := a.logger.WithFields(logging.Field("type", string(op.Type)), logging.Field("path", op.path()))
	logger.Debug(ctx, "applying operation",
		logging.Field("hunks", len(op.Hunks)), logging.Field("binary", op.Binary != nil))

	switch op.Type {
	case OperationDelete:
		return a.deleteEntry(current, op)
	case OperationAdd:
		if (current.Has(op.NewPath) || a.ws.Occupied(op.NewPath)) && !a.opts.AllowOverwriteOnAdd {
			return newError(CodeBaseIDMismatch, op.NewPath, "%s already exists.", op.NewPath)
		}
	case OperationModify, OperationRename, OperationCopy:
		if !current.Has(op.OldPath) {
			return newError(CodeBaseIDMismatch, op.OldPath, "%s does not exist.", op.OldPath)
		}
		if op.Type != OperationModify && (current.Has(op.NewPath) || a.ws.Occupied(op.NewPath)) && !a.opts.AllowOverwriteOnAdd {
			return newError(CodeBaseIDMismatch, op.NewPath, "%s already exists.", op.NewPath)
		}
	default:
		return newError(CodeUnsupported, op.path(), "unsupported patch operation for %s: %s", op.path(), op.Type)
	}

	entry, err := a.buildEntry(ctx, logger, current, op)
	if err != nil {
		return err
	}
	if op.Type == OperationRename {
		current.Delete(op.OldPath)
	}
	current.Put(op.NewPath, entry)
	return nil
}

func (a *Applier) deleteEntry(current *snapshot.Snapshot, op *Operation) error {
	existing, ok := current.Get(op.OldPath)
	if !ok {
		return newError(CodeBaseIDMismatch, op.OldPath, "%s does not exist.", op.OldPath)
	}
	if !declaredIDMatches(op.OldID, existing.ID) {
		return newError(CodeBaseIDMismatch, op.OldPath,
			"Base of %s is %s, patch expects %s.", op.OldPath, existing.ID, op.OldID)
	}
	if err := a.ws.Remove(op.OldPath); err != nil {
		return storageError(op.OldPath, err)
	}
	current.Delete(op.OldPath)
	return nil
}

// declaredIDMatches compares a possibly abbreviated id from a patch with a
// stored id. No declared id matches anything; the zero id matches the empty
// blob.
func declaredIDMatches(declared string, id plumbing.Hash) bool {
	declared = strings.ToLower(strings.TrimSpace(declared))
	if declared == "" {
		return true
	}
	if strings.Trim(declared, "0") == "" {
		return id == objstore.EmptyBlobID
	}
	return strings.HasPrefix(id.String(), declared)
}

// buildEntry computes the entry stored at op.NewPath.
func (a *Applier) buildEntry(ctx context.Context, logger logging.Logger, current *snapshot.Snapshot, op *Operation) (snapshot.Entry, error) {
	source := op.OldPath
	if op.Type == OperationAdd {
		source = op.NewPath
	}
	existing, exists := current.Get(source)
	mode := op.resultMode(existing, exists)

	ref := BufferContent(nil)
	if exists {
		var err error
		if ref, err = a.ws.Content(source, existing); err != nil {
			return snapshot.Entry{}, storageError(source, err)
		}
	}

	switch op.Type {
	case OperationRename, OperationCopy:
		if op.hasContent() {
			var err error
			if ref, err = ref.Detach(); err != nil {
				return snapshot.Entry{}, storageError(source, err)
			}
		}
		relocate := a.ws.Rename
		if op.Type == OperationCopy {
			relocate = a.ws.Copy
		}
		if err := relocate(op.OldPath, op.NewPath); err != nil {
			return snapshot.Entry{}, storageError(op.NewPath, err)
		}
	}

	switch {
	case op.Binary != nil:
		content, err := a.applyBinary(ctx, source, op, ref, exists)
		if err != nil {
			return snapshot.Entry{}, err
		}
		return a.storeEntry(ctx, op.NewPath, content, mode, eolKeep, op.NewID)
	case len(op.Hunks) > 0:
		content, conv, err := a.applyText(ctx, logger, op, ref, exists && op.Type != OperationAdd)
		if err != nil {
			return snapshot.Entry{}, err
		}
		return a.storeEntry(ctx, op.NewPath, content, mode, conv, "")
	case op.IsBinary:
		return snapshot.Entry{}, newError(CodeUnsupported, op.NewPath,
			"Binary patch for %s carries no data.", op.NewPath)
	case op.Type == OperationAdd:
		return a.storeEntry(ctx, op.NewPath, nil, mode, eolLF, "")
	}

	// A rename, copy or mode change without hunks keeps the content id.
	if err := a.ws.Chmod(op.NewPath, mode); err != nil {
		return snapshot.Entry{}, storageError(op.NewPath, err)
	}
	meta, err := a.ws.Stat(op.NewPath)
	if err != nil {
		return snapshot.Entry{}, storageError(op.NewPath, err)
	}
	return withMeta(existing.ID, mode, meta), nil
}

func (a *Applier) applyText(ctx context.Context, logger logging.Logger, op *Operation, ref *ContentRef, hasBase bool) ([]byte, eol, error) {
	path := op.path()
	var raw []byte
	if hasBase {
		var err error
		if raw, err = ref.Bytes(); err != nil {
			return nil, eolLF, storageError(path, err)
		}
	}

	conv := eolLF
	content := raw
	if hasBase && filter.IsCRLFText(raw) && !hunksCarryCR(op.Hunks) {
		content = filter.ToLF(raw)
		conv = eolCRLF
	}
	if hasBase {
		var err error
		if content, err = a.ws.Clean(ctx, op.OldPath, content); err != nil {
			return nil, eolLF, storageError(path, err)
		}
	}

	buf := newLineBuffer(content)
	statuses, err := applyHunks(ctx, logger, path, buf, op.Hunks)
	if err != nil {
		var pe *Error
		if errors.As(err, &pe) && pe.OriginalContent == "" {
			pe.OriginalContent = string(raw)
		}
		return nil, eolLF, err
	}
	logger.Debug(ctx, "hunks applied", logging.Field("applied", len(statuses)), logging.Field("crlf", conv == eolCRLF))
	return buf.bytes(), conv, nil
}

// applyBinary checks the base against the id of the stored form of the
// current content and reconstructs the new content from it.
func (a *Applier) applyBinary(ctx context.Context, source string, op *Operation, ref *ContentRef, exists bool) ([]byte, error) {
	path := op.path()
	if err := requireCompleteIDs(path, op); err != nil {
		return nil, err
	}
	current := plumbing.ZeroHash
	var base []byte
	if exists {
		var err error
		if base, current, err = a.storedBase(ctx, source, ref); err != nil {
			return nil, err
		}
	}
	if err := checkBaseID(path, op, current, exists); err != nil {
		return nil, err
	}
	if op.Binary.Kind != BinaryDelta {
		base = nil
	} else if exists && base == nil {
		var err error
		if base, err = ref.Bytes(); err != nil {
			return nil, storageError(source, err)
		}
	}
	return reconstructBinary(path, op.Binary, base)
}

// storedBase returns the clean bytes of ref and their blob id. A blob
// reference is already clean and is not read.
func (a *Applier) storedBase(ctx context.Context, source string, ref *ContentRef) ([]byte, plumbing.Hash, error) {
	if ref.source == sourceBlob {
		return nil, ref.id, nil
	}
	raw, err := ref.Bytes()
	if err != nil {
		return nil, plumbing.ZeroHash, storageError(source, err)
	}
	clean, err := a.ws.Clean(ctx, source, raw)
	if err != nil {
		return nil, plumbing.ZeroHash, storageError(source, err)
	}
	id, err := a.store.Hash(clean)
	if err != nil {
		return nil, plumbing.ZeroHash, storageError(source, err)
	}
	return clean, id, nil
}

// storeEntry inserts content, verifies the declared result id if given, and
// writes the working tree copy.
func (a *Applier) storeEntry(ctx context.Context, path string, content []byte, mode filemode.FileMode, conv eol, declaredNew string) (snapshot.Entry, error) {
	blob := a.ws.StoredForm(content, conv)
	id, err := a.store.Insert(plumbing.BlobObject, int64(len(blob)), bytes.NewReader(blob))
	if err != nil {
		return snapshot.Entry{}, storageError(path, err)
	}
	if declaredNew != "" && id != plumbing.NewHash(declaredNew) {
		return snapshot.Entry{}, newError(CodeResultIDMismatch, path,
			"Result of %s is %s, patch expects %s.", path, id, declaredNew)
	}
	if err := a.ws.Write(ctx, path, content, mode, conv); err != nil {
		return snapshot.Entry{}, storageError(path, err)
	}
	meta, err := a.ws.Stat(path)
	if err != nil {
		return snapshot.Entry{}, storageError(path, err)
	}
	return withMeta(id, mode, meta), nil
}

// hunksCarryCR reports whether any old line of the hunks ends in CR, in
// which case the file is matched without CRLF normalization.
func hunksCarryCR(hunks []Hunk) bool {
	for _, h := range hunks {
		for _, l := range h.Lines {
			if l.Kind != LineInsert && len(l.Text) > 0 && l.Text[len(l.Text)-1] == '\r' {
				return true
			}
		}
	}
	return false
}

func (op *Operation) path() string {
	if op.Type == OperationDelete {
		return op.OldPath
	}
	return op.NewPath
}

func (op *Operation) hasContent() bool {
	return op.Binary != nil || len(op.Hunks) > 0
}

// changedPaths lists the paths op touches: the new path unless deleted, the
// old path unless added or copied.
func (op *Operation) changedPaths() []string {
	var paths []string
	if op.Type != OperationDelete {
		paths = append(paths, op.NewPath)
	}
	if op.Type != OperationCopy && op.Type != OperationAdd {
		paths = append(paths, op.OldPath)
	}
	return paths
}

func (op *Operation) resultMode(existing snapshot.Entry, exists bool) filemode.FileMode {
	if op.NewMode != filemode.Empty {
		return op.NewMode
	}
	if exists && op.Type != OperationAdd {
		return existing.Mode
	}
	return filemode.Regular
}
