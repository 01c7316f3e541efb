package patch

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/bluekeyes/go-gitdiff/gitdiff"
	"github.com/go-git/go-git/v5/plumbing/filemode"
)

// Parse reads a git-format patch. Every structural problem found is
// collected into Patch.Errors; when there are any, the patch is returned
// together with a PATCH_FORMAT *Error and must not be applied.
func Parse(r io.Reader) (*Patch, error) {
	p := &Patch{}
	files, _, err := gitdiff.Parse(r)
	if err != nil {
		p.Errors = append(p.Errors, err)
		return p, formatError(p.Errors)
	}
	if len(files) == 0 {
		p.Errors = append(p.Errors, errors.New("no file changes found in patch"))
	}
	for i, f := range files {
		op, errs := convertFile(f)
		for _, e := range errs {
			p.Errors = append(p.Errors, fmt.Errorf("file %d (%s): %w", i+1, op.path(), e))
		}
		p.Operations = append(p.Operations, op)
	}
	if len(p.Errors) > 0 {
		return p, formatError(p.Errors)
	}
	return p, nil
}

// ParseString is Parse for an in-memory patch.
func ParseString(s string) (*Patch, error) {
	return Parse(strings.NewReader(s))
}

func convertFile(f *gitdiff.File) (Operation, []error) {
	op := Operation{
		OldPath: f.OldName,
		NewPath: f.NewName,
		OldMode: filemode.FileMode(f.OldMode),
		NewMode: filemode.FileMode(f.NewMode),
		OldID:   f.OldOIDPrefix,
		NewID:   f.NewOIDPrefix,
	}
	var errs []error

	switch {
	case f.IsNew:
		op.Type = OperationAdd
		op.OldPath = ""
		if op.NewPath == "" {
			errs = append(errs, errors.New("new file has no path"))
		}
	case f.IsDelete:
		op.Type = OperationDelete
		op.NewPath = ""
		if op.OldPath == "" {
			errs = append(errs, errors.New("deleted file has no path"))
		}
	case f.IsRename:
		op.Type = OperationRename
	case f.IsCopy:
		op.Type = OperationCopy
	default:
		op.Type = OperationModify
		if op.OldPath != op.NewPath {
			errs = append(errs, fmt.Errorf("modified file names differ: %q and %q", op.OldPath, op.NewPath))
		}
	}
	if (op.Type == OperationRename || op.Type == OperationCopy) && (op.OldPath == "" || op.NewPath == "") {
		errs = append(errs, fmt.Errorf("%s needs both source and destination", op.Type))
	}
	if op.NewMode == filemode.Empty && op.Type != OperationDelete {
		// The index line carries the mode only when it does not change.
		op.NewMode = op.OldMode
	}
	for _, mode := range []filemode.FileMode{op.OldMode, op.NewMode} {
		if mode != filemode.Empty && mode.IsMalformed() {
			errs = append(errs, fmt.Errorf("invalid file mode %o", uint32(mode)))
		}
	}

	if f.IsBinary {
		if len(f.TextFragments) > 0 {
			errs = append(errs, errors.New("binary patch also carries text hunks"))
		}
		if f.BinaryFragment == nil {
			op.IsBinary = true
			return op, errs
		}
		op.Binary = &BinaryHunk{
			Kind:    binaryKind(f.BinaryFragment.Method),
			Size:    f.BinaryFragment.Size,
			Payload: f.BinaryFragment.Data,
		}
		return op, errs
	}

	for _, frag := range f.TextFragments {
		op.Hunks = append(op.Hunks, convertFragment(frag))
	}
	if op.Type == OperationDelete && len(op.Hunks) > 0 {
		// The hunks of a deletion only restate the old content.
		op.Hunks = nil
	}
	return op, errs
}

func convertFragment(frag *gitdiff.TextFragment) Hunk {
	h := Hunk{
		OldStart: int(frag.OldPosition),
		OldLines: int(frag.OldLines),
		NewStart: int(frag.NewPosition),
		NewLines: int(frag.NewLines),
		Header:   frag.Header(),
		Lines:    make([]HunkLine, 0, len(frag.Lines)),
	}
	h.RawPatchLines = append(h.RawPatchLines, h.Header)
	for _, line := range frag.Lines {
		var kind LineKind
		var prefix string
		switch line.Op {
		case gitdiff.OpDelete:
			kind, prefix = LineDelete, "-"
		case gitdiff.OpAdd:
			kind, prefix = LineInsert, "+"
		default:
			kind, prefix = LineContext, " "
		}
		text := strings.TrimSuffix(line.Line, "\n")
		h.Lines = append(h.Lines, HunkLine{Kind: kind, Text: []byte(text)})
		h.RawPatchLines = append(h.RawPatchLines, prefix+text)
		if line.NoEOL() {
			h.RawPatchLines = append(h.RawPatchLines, `\ No newline at end of file`)
		}
	}
	for i := len(frag.Lines) - 1; i >= 0; i-- {
		if frag.Lines[i].Op != gitdiff.OpDelete {
			h.NoNewlineAtEnd = frag.Lines[i].NoEOL()
			break
		}
	}
	return h
}

func binaryKind(method gitdiff.BinaryPatchMethod) BinaryKind {
	switch method {
	case gitdiff.BinaryPatchLiteral:
		return BinaryLiteral
	case gitdiff.BinaryPatchDelta:
		return BinaryDelta
	default:
		return BinaryKind(fmt.Sprintf("method-%d", method))
	}
}
