package patch

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/asynkron/gitapply/pkg/logging"
)

// textApplier carries the positional state from one hunk to the next.
type textApplier struct {
	path   string
	buf    *lineBuffer
	logger logging.Logger
	// shift is the offset between recorded and actual positions of the
	// previous hunk.
	shift int
	// low is the first line the next hunk may touch.
	low      int
	statuses []HunkStatus
}

// applyHunks applies hunks to buf in order. On failure buf may hold a partial
// result and must be discarded.
func applyHunks(ctx context.Context, logger logging.Logger, path string, buf *lineBuffer, hunks []Hunk) ([]HunkStatus, error) {
	if err := validateHunkOrder(path, hunks); err != nil {
		return nil, err
	}
	t := &textApplier{path: path, buf: buf, logger: logger}
	for i, h := range hunks {
		if err := t.apply(ctx, i+1, h); err != nil {
			return t.statuses, err
		}
		t.statuses = append(t.statuses, HunkStatus{Number: i + 1, Status: "applied"})
	}
	if len(hunks) > 0 {
		switch {
		case hunks[len(hunks)-1].NoNewlineAtEnd:
			buf.noEOL = true
		case t.low == buf.len():
			buf.noEOL = false
		}
	}
	return t.statuses, nil
}

func validateHunkOrder(path string, hunks []Hunk) *Error {
	for i, h := range hunks {
		if h.NewStart == 0 && len(hunks) != 1 {
			err := newError(CodeHunkOrder, path, "Hunk %d in %s replaces the whole file but is not the only hunk.", i+1, path)
			err.FailedHunk = failedHunk(i+1, h)
			return err
		}
		if i > 0 && h.NewStart <= hunks[i-1].NewStart {
			err := newError(CodeHunkOrder, path, "Hunk %d in %s starts at line %d, not after hunk %d at line %d.",
				i+1, path, h.NewStart, i, hunks[i-1].NewStart)
			err.FailedHunk = failedHunk(i+1, h)
			return err
		}
	}
	return nil
}

func (t *textApplier) apply(ctx context.Context, number int, h Hunk) error {
	if h.NewStart == 0 {
		if h.contextSize() != t.buf.len() || !canApplyAt(t.buf.lines, h, 0) {
			return t.noMatch(number, h, 0, "does not match the entire file")
		}
		t.low = t.applyAt(h, 0)
		return nil
	}

	at := h.NewStart - 1 + t.shift
	if at < t.low && t.shift < 0 {
		at = h.NewStart - 1
		t.shift = 0
	}
	if at < t.low {
		return t.noMatch(number, h, at, fmt.Sprintf("overlaps the previous hunk ending at line %d", t.low))
	}

	resolved, ok := t.locate(h, at)
	if !ok {
		return t.noMatch(number, h, at, "")
	}

	shift := resolved - (h.NewStart - 1)
	if shift != t.shift {
		t.logger.Debug(ctx, "hunk applied at shifted position",
			logging.Field("path", t.path), logging.Field("hunk", number), logging.Field("shift", shift))
	}
	t.shift = shift
	t.low = t.applyAt(h, resolved)
	return nil
}

// locate searches for the position closest to at where h applies. Hunks with
// at most one old line are only tried at at and at their recorded position.
func (t *textApplier) locate(h Hunk, at int) (int, bool) {
	lines := t.buf.lines
	size := h.contextSize()
	if size <= 1 {
		if canApplyAt(lines, h, at) {
			return at, true
		}
		if t.shift != 0 {
			recorded := h.NewStart - 1
			if recorded >= t.low && canApplyAt(lines, h, recorded) {
				return recorded, true
			}
		}
		return -1, false
	}

	for shift := 0; shift <= at-t.low; shift++ {
		if canApplyAt(lines, h, at-shift) {
			return at - shift, true
		}
	}
	for shift := 1; shift <= len(lines)-at-size; shift++ {
		if canApplyAt(lines, h, at+shift) {
			return at + shift, true
		}
	}
	return -1, false
}

// canApplyAt reports whether every context and deleted line of h equals the
// buffer line at the matching offset from at.
func canApplyAt(lines [][]byte, h Hunk, at int) bool {
	if at < 0 || at > len(lines) {
		return false
	}
	pos := at
	for _, l := range h.Lines {
		if l.Kind == LineInsert {
			continue
		}
		if pos >= len(lines) || !bytes.Equal(lines[pos], l.Text) {
			return false
		}
		pos++
	}
	return true
}

// applyAt rewrites the region matched at and returns the line after it.
func (t *textApplier) applyAt(h Hunk, at int) int {
	replacement := make([][]byte, 0, len(h.Lines))
	pos := at
	for _, l := range h.Lines {
		switch l.Kind {
		case LineContext:
			replacement = append(replacement, t.buf.lines[pos])
			pos++
		case LineDelete:
			pos++
		case LineInsert:
			replacement = append(replacement, append([]byte(nil), l.Text...))
		}
	}
	t.buf.lines = splice(t.buf.lines, at, pos-at, replacement)
	return at + len(replacement)
}

func (t *textApplier) noMatch(number int, h Hunk, at int, reason string) *Error {
	message := fmt.Sprintf("Hunk not found in %s.", t.path)
	if reason != "" {
		message = fmt.Sprintf("Hunk not found in %s: hunk %d %s.", t.path, number, reason)
	}
	err := newError(CodeHunkNotFound, t.path, "%s", message)
	err.HunkStatuses = append(append([]HunkStatus{}, t.statuses...), HunkStatus{Number: number, Status: "no-match"})
	err.FailedHunk = failedHunk(number, h)
	err.Candidate = nearestCandidate(t.buf.lines, h, at)
	return err
}

func failedHunk(number int, h Hunk) *FailedHunk {
	raw := append([]string(nil), h.RawPatchLines...)
	if len(raw) == 0 {
		raw = renderHunk(h)
	}
	return &FailedHunk{Number: number, RawPatchLines: raw}
}

// renderHunk rebuilds unified-diff lines for hunks that were not parsed from
// text.
func renderHunk(h Hunk) []string {
	header := h.Header
	if header == "" {
		header = fmt.Sprintf("@@ -%d,%d +%d,%d @@", h.OldStart, h.OldLines, h.NewStart, h.NewLines)
	}
	out := make([]string, 0, len(h.Lines)+1)
	out = append(out, header)
	for _, l := range h.Lines {
		var prefix string
		switch l.Kind {
		case LineContext:
			prefix = " "
		case LineDelete:
			prefix = "-"
		case LineInsert:
			prefix = "+"
		}
		out = append(out, prefix+strings.TrimRight(string(l.Text), "\n"))
	}
	return out
}
