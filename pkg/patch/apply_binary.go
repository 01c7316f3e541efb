package patch

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/bluekeyes/go-gitdiff/gitdiff"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/asynkron/gitapply/pkg/objstore"
)

// requireCompleteIDs rejects binary operations whose index line carries
// abbreviated ids; the base and result cannot be verified without them.
func requireCompleteIDs(path string, op *Operation) *Error {
	if !plumbing.IsHash(op.OldID) || !plumbing.IsHash(op.NewID) {
		return newError(CodeBaseIDMismatch, path,
			"Binary patch for %s needs full object ids, got %q..%q.", path, op.OldID, op.NewID)
	}
	return nil
}

// checkBaseID verifies that current, the id of the present content, is the
// base the operation was generated against. A missing entry only matches the
// zero id. An add whose base is the zero id also accepts empty content.
func checkBaseID(path string, op *Operation, current plumbing.Hash, exists bool) *Error {
	declared := plumbing.NewHash(op.OldID)
	var ok bool
	switch {
	case !exists:
		ok = declared.IsZero()
	case declared == current:
		ok = true
	case op.Type == OperationAdd && declared.IsZero():
		ok = current == objstore.EmptyBlobID
	}
	if ok {
		return nil
	}
	actual := "missing"
	if exists {
		actual = current.String()
	}
	return newError(CodeBaseIDMismatch, path,
		"Base of %s is %s, patch expects %s.", path, actual, declared)
}

// reconstructBinary produces the new content for h applied to base.
func reconstructBinary(path string, h *BinaryHunk, base []byte) ([]byte, error) {
	switch h.Kind {
	case BinaryLiteral:
		if int64(len(h.Payload)) != h.Size {
			return nil, newError(CodeFormat, path,
				"Literal binary hunk for %s decodes to %d bytes, header declares %d.", path, len(h.Payload), h.Size)
		}
		return append([]byte(nil), h.Payload...), nil
	case BinaryDelta:
		srcSize, dstSize, err := deltaSizes(h.Payload)
		if err != nil {
			return nil, newError(CodeFormat, path, "Binary delta for %s: %v.", path, err)
		}
		if srcSize != int64(len(base)) {
			return nil, newError(CodeBaseIDMismatch, path,
				"Binary delta for %s expects a %d byte base, found %d bytes.", path, srcSize, len(base))
		}
		var out bytes.Buffer
		out.Grow(int(dstSize))
		applier := gitdiff.NewBinaryApplier(&out, bytes.NewReader(base))
		err = applier.ApplyFragment(&gitdiff.BinaryFragment{
			Method: gitdiff.BinaryPatchDelta,
			Size:   h.Size,
			Data:   h.Payload,
		})
		if err == nil {
			err = applier.Close()
		}
		if err != nil {
			var conflict *gitdiff.Conflict
			if errors.As(err, &conflict) {
				e := newError(CodeBaseIDMismatch, path, "Binary delta for %s does not fit its base: %v.", path, err)
				e.Err = err
				return nil, e
			}
			e := newError(CodeFormat, path, "Binary delta for %s is corrupt: %v.", path, err)
			e.Err = err
			return nil, e
		}
		if int64(out.Len()) != dstSize {
			return nil, newError(CodeFormat, path,
				"Binary delta for %s produced %d bytes, header declares %d.", path, out.Len(), dstSize)
		}
		return out.Bytes(), nil
	default:
		return nil, newError(CodeUnsupported, path, "Binary hunk kind %q for %s is not supported.", h.Kind, path)
	}
}

// deltaSizes reads the source and result sizes that open a delta stream.
func deltaSizes(delta []byte) (int64, int64, error) {
	src, rest, err := readDeltaSize(delta)
	if err != nil {
		return 0, 0, fmt.Errorf("source size: %w", err)
	}
	dst, _, err := readDeltaSize(rest)
	if err != nil {
		return 0, 0, fmt.Errorf("result size: %w", err)
	}
	return src, dst, nil
}

// readDeltaSize decodes a little-endian base-128 varint.
func readDeltaSize(d []byte) (int64, []byte, error) {
	var size int64
	var shift uint
	for i, b := range d {
		if shift > 56 {
			break
		}
		size |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			return size, d[i+1:], nil
		}
	}
	return 0, nil, errors.New("truncated size header")
}
