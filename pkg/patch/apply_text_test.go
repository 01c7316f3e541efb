package patch

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/asynkron/gitapply/pkg/logging"
)

// mkHunk builds a hunk from unified diff body lines.
func mkHunk(newStart int, body ...string) Hunk {
	h := Hunk{NewStart: newStart}
	for _, line := range body {
		kind := LineContext
		switch line[0] {
		case '-':
			kind = LineDelete
			h.OldLines++
		case '+':
			kind = LineInsert
			h.NewLines++
		default:
			h.OldLines++
			h.NewLines++
		}
		h.Lines = append(h.Lines, HunkLine{Kind: kind, Text: []byte(line[1:])})
	}
	h.OldStart = newStart
	return h
}

func applyToString(t *testing.T, content string, hunks ...Hunk) (string, error) {
	t.Helper()
	buf := newLineBuffer([]byte(content))
	_, err := applyHunks(context.Background(), &logging.NoOpLogger{}, "file.txt", buf, hunks)
	return buf.text(), err
}

func TestApplyHunksAtRecordedPosition(t *testing.T) {
	t.Parallel()

	got, err := applyToString(t, "a\nb\nc\n", mkHunk(1, " a", "-b", "+B", " c"))
	require.NoError(t, err)
	require.Equal(t, "a\nB\nc\n", got)
}

func TestApplyHunksSearchesForward(t *testing.T) {
	t.Parallel()

	got, err := applyToString(t, "x\ny\na\nb\nc\nd\n",
		mkHunk(1, " a", "-b", "+B", " c"),
		mkHunk(4, " d", "+e"),
	)
	require.NoError(t, err)
	require.Equal(t, "x\ny\na\nB\nc\nd\ne\n", got)
}

func TestApplyHunksSearchesBackward(t *testing.T) {
	t.Parallel()

	got, err := applyToString(t, "a\nb\nc\nd\n", mkHunk(5, " c", "-d", "+D"))
	require.NoError(t, err)
	require.Equal(t, "a\nb\nc\nD\n", got)
}

func TestApplyHunksDoesNotSearchThinHunks(t *testing.T) {
	t.Parallel()

	_, err := applyToString(t, "a\nb\nc\n", mkHunk(1, " c", "+d"))
	require.ErrorIs(t, err, ErrMatch)

	var perr *Error
	require.True(t, errors.As(err, &perr))
	require.Equal(t, CodeHunkNotFound, perr.Code)
	require.Equal(t, "file.txt", perr.RelativePath)
	require.NotNil(t, perr.FailedHunk)
	require.Equal(t, 1, perr.FailedHunk.Number)
	require.Equal(t, "@@ -1,1 +1,2 @@", perr.FailedHunk.RawPatchLines[0])
}

func TestApplyHunksRejectsOutOfOrderHunks(t *testing.T) {
	t.Parallel()

	_, err := applyToString(t, "a\nb\nc\nd\ne\nf\n",
		mkHunk(5, " e", "-f"),
		mkHunk(3, " c", "-d"),
	)
	require.ErrorIs(t, err, ErrOrdering)

	var perr *Error
	require.True(t, errors.As(err, &perr))
	require.Equal(t, 2, perr.FailedHunk.Number)
}

func TestApplyHunksWholeFileHunkMustBeAlone(t *testing.T) {
	t.Parallel()

	_, err := applyToString(t, "a\nb\n", mkHunk(0, "-a"), mkHunk(2, "-b"))
	require.ErrorIs(t, err, ErrOrdering)
}

func TestApplyHunksWholeFileHunk(t *testing.T) {
	t.Parallel()

	got, err := applyToString(t, "a\nb\n", mkHunk(0, "-a", "-b"))
	require.NoError(t, err)
	require.Equal(t, "", got)

	_, err = applyToString(t, "a\nb\nc\n", mkHunk(0, "-a", "-b"))
	require.ErrorIs(t, err, ErrMatch)
}

func TestApplyHunksAddsToEmptyFile(t *testing.T) {
	t.Parallel()

	got, err := applyToString(t, "", mkHunk(1, "+one", "+two"))
	require.NoError(t, err)
	require.Equal(t, "one\ntwo\n", got)
}

func TestApplyHunksTwiceFails(t *testing.T) {
	t.Parallel()

	h := mkHunk(1, " a", "-b", "+B", " c")
	once, err := applyToString(t, "a\nb\nc\n", h)
	require.NoError(t, err)

	_, err = applyToString(t, once, h)
	require.ErrorIs(t, err, ErrMatch)
}

func TestApplyHunksRejectsOverlap(t *testing.T) {
	t.Parallel()

	_, err := applyToString(t, "a\nb\nc\nd\n",
		mkHunk(1, " a", "-b", "+B"),
		mkHunk(2, " B", "+x"),
	)
	require.ErrorIs(t, err, ErrMatch)
	require.Contains(t, err.Error(), "overlaps the previous hunk")
}

func TestApplyHunksTrailingNewline(t *testing.T) {
	t.Parallel()

	dropped := mkHunk(1, " a", "-b", "+b")
	dropped.NoNewlineAtEnd = true

	cases := []struct {
		name    string
		content string
		hunk    Hunk
		want    string
	}{
		{name: "removed by last hunk", content: "a\nb\n", hunk: dropped, want: "a\nb"},
		{name: "restored when hunk reaches end", content: "a\nb", hunk: mkHunk(1, " a", "-b", "+b"), want: "a\nb\n"},
		{name: "kept when hunk stops early", content: "a\nb\nc\nd\ne", hunk: mkHunk(1, "-a", "+A", " b"), want: "A\nb\nc\nd\ne"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := applyToString(t, tc.content, tc.hunk)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestApplyHunksReportsClosestCandidate(t *testing.T) {
	t.Parallel()

	_, err := applyToString(t, "alpha\nbeta\ngamma\n",
		mkHunk(1, " alpha", "-betta", "+BETA", " gamma"))

	var perr *Error
	require.True(t, errors.As(err, &perr))
	require.NotNil(t, perr.Candidate)
	require.Equal(t, 1, perr.Candidate.Line)
	require.Contains(t, perr.Candidate.Diff, "-betta")
	require.Contains(t, perr.Candidate.Diff, "+beta")
	require.Equal(t, []HunkStatus{{Number: 1, Status: "no-match"}}, perr.HunkStatuses)
}

func TestApplyHunksPartialStatuses(t *testing.T) {
	t.Parallel()

	_, err := applyToString(t, "a\nb\nc\nd\ne\nf\ng\nh\n",
		mkHunk(1, " a", "-b", "+B", " c"),
		mkHunk(6, " f", "-missing", " h"),
	)

	var perr *Error
	require.True(t, errors.As(err, &perr))
	require.Equal(t, []HunkStatus{
		{Number: 1, Status: "applied"},
		{Number: 2, Status: "no-match"},
	}, perr.HunkStatuses)
	require.True(t, strings.HasPrefix(perr.Message, "Hunk not found in file.txt"))
}
