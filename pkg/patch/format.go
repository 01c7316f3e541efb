package patch

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/sergi/go-diff/diffmatchpatch"
)

const unknownErrorMessage = "Unknown error occurred."

// report is a plain-text failure report: a headline followed by labelled
// sections separated by blank lines.
type report struct {
	parts []string
}

func (r *report) section(label, body string) {
	if body == "" {
		return
	}
	r.parts = append(r.parts, "")
	if label != "" {
		r.parts = append(r.parts, label+":")
	}
	r.parts = append(r.parts, body)
}

func (r *report) String() string {
	return strings.Join(r.parts, "\n")
}

// summarizeHunks lists the hunks that applied and the first one that did not.
func summarizeHunks(statuses []HunkStatus) string {
	var applied []string
	failed := 0
	for _, s := range statuses {
		switch {
		case s.Status == "applied":
			applied = append(applied, strconv.Itoa(s.Number))
		case failed == 0:
			failed = s.Number
		}
	}
	var lines []string
	if len(applied) > 0 {
		lines = append(lines, "Applied hunks: "+strings.Join(applied, ", "))
	}
	if failed > 0 {
		lines = append(lines, fmt.Sprintf("Failed at hunk %d", failed))
	}
	return strings.Join(lines, "\n")
}

// FormatError renders an Error as a report for end users. Every detail the
// error carries gets its own section, whatever its code.
func FormatError(err *Error) string {
	if err == nil {
		return unknownErrorMessage
	}
	r := &report{parts: []string{err.Message}}
	if err.Message == "" {
		r.parts[0] = unknownErrorMessage
	}

	if len(err.Errors) > 1 {
		items := make([]string, len(err.Errors))
		for i, e := range err.Errors {
			items[i] = "- " + e.Error()
		}
		r.section("", strings.Join(items, "\n"))
	}
	r.section("", summarizeHunks(err.HunkStatuses))
	if err.FailedHunk != nil {
		r.section("Offending hunk", strings.Join(err.FailedHunk.RawPatchLines, "\n"))
	}
	if err.Candidate != nil {
		r.section(fmt.Sprintf("Closest match at line %d", err.Candidate.Line), strings.TrimRight(err.Candidate.Diff, "\n"))
	}
	if err.OriginalContent != "" {
		r.section("Current content of "+displayPath(err.RelativePath), err.OriginalContent)
	}
	return r.String()
}

func displayPath(path string) string {
	switch {
	case path == "":
		return "unknown file"
	case strings.HasPrefix(path, "./"):
		return path
	}
	return "./" + path
}

// nearestCandidate locates the region of lines that best resembles the
// pre-image of h near line at and diffs the two.
func nearestCandidate(lines [][]byte, h Hunk, at int) *MatchCandidate {
	var expected []string
	for _, l := range h.Lines {
		if l.Kind != LineInsert {
			expected = append(expected, string(l.Text))
		}
	}
	if len(expected) == 0 || len(lines) == 0 {
		return nil
	}

	text := string(bytes.Join(lines, []byte{'\n'}))
	matcher := diffmatchpatch.New()
	pattern := strings.Join(expected, "\n")
	if len(pattern) > matcher.MatchMaxBits {
		pattern = pattern[:matcher.MatchMaxBits]
	}
	if strings.TrimSpace(pattern) == "" {
		return nil
	}

	loc := 0
	for i := 0; i < at && i < len(lines); i++ {
		loc += len(lines[i]) + 1
	}
	if loc > len(text) {
		loc = len(text)
	}
	idx := matcher.MatchMain(text, pattern, loc)
	if idx < 0 || idx > len(text) {
		return nil
	}
	line := strings.Count(text[:idx], "\n")
	end := line + len(expected)
	if end > len(lines) {
		end = len(lines)
	}
	found := make([]string, 0, end-line)
	for _, l := range lines[line:end] {
		found = append(found, string(l)+"\n")
	}
	want := make([]string, 0, len(expected))
	for _, l := range expected {
		want = append(want, l+"\n")
	}

	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        want,
		B:        found,
		FromFile: "hunk",
		ToFile:   fmt.Sprintf("line %d", line+1),
		Context:  3,
	})
	if err != nil {
		return nil
	}
	return &MatchCandidate{Line: line + 1, Diff: diff}
}
