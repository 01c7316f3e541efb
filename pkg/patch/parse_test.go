package patch

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/bluekeyes/go-gitdiff/gitdiff"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/pmezard/go-difflib/difflib"
	"github.com/stretchr/testify/require"

	"github.com/asynkron/gitapply/pkg/logging"
)

const modifyPatch = `diff --git a/src/app.go b/src/app.go
index 1c23fcc..40a1b33 100644
--- a/src/app.go
+++ b/src/app.go
@@ -1,3 +1,3 @@ package main
 a
-b
+B
 c
`

func TestParseModify(t *testing.T) {
	t.Parallel()

	p, err := ParseString(modifyPatch)
	require.NoError(t, err)
	require.Len(t, p.Operations, 1)

	op := p.Operations[0]
	require.Equal(t, OperationModify, op.Type)
	require.Equal(t, "src/app.go", op.OldPath)
	require.Equal(t, "src/app.go", op.NewPath)
	require.Equal(t, "1c23fcc", op.OldID)
	require.Equal(t, "40a1b33", op.NewID)
	require.Equal(t, filemode.Regular, op.NewMode)
	require.Len(t, op.Hunks, 1)

	h := op.Hunks[0]
	require.Equal(t, 1, h.NewStart)
	require.Equal(t, 3, h.NewLines)
	require.Equal(t, []HunkLine{
		{Kind: LineContext, Text: []byte("a")},
		{Kind: LineDelete, Text: []byte("b")},
		{Kind: LineInsert, Text: []byte("B")},
		{Kind: LineContext, Text: []byte("c")},
	}, h.Lines)
	require.Equal(t, "@@ -1,3 +1,3 @@ package main", h.RawPatchLines[0])
	require.False(t, h.NoNewlineAtEnd)
}

func TestParseOperationKinds(t *testing.T) {
	t.Parallel()

	patch := `diff --git a/new.txt b/new.txt
new file mode 100644
index 0000000..ce01362
--- /dev/null
+++ b/new.txt
@@ -0,0 +1 @@
+hello
diff --git a/gone.txt b/gone.txt
deleted file mode 100644
index ce01362..0000000
--- a/gone.txt
+++ /dev/null
@@ -1 +0,0 @@
-hello
diff --git a/old.txt b/dir/old.txt
similarity index 100%
rename from old.txt
rename to dir/old.txt
diff --git a/run.sh b/run.sh
old mode 100644
new mode 100755
`
	p, err := ParseString(patch)
	require.NoError(t, err)
	require.Len(t, p.Operations, 4)

	add := p.Operations[0]
	require.Equal(t, OperationAdd, add.Type)
	require.Equal(t, "", add.OldPath)
	require.Equal(t, "new.txt", add.NewPath)
	require.Len(t, add.Hunks, 1)

	del := p.Operations[1]
	require.Equal(t, OperationDelete, del.Type)
	require.Equal(t, "gone.txt", del.OldPath)
	require.Equal(t, "", del.NewPath)
	require.Empty(t, del.Hunks)

	rename := p.Operations[2]
	require.Equal(t, OperationRename, rename.Type)
	require.Equal(t, "old.txt", rename.OldPath)
	require.Equal(t, "dir/old.txt", rename.NewPath)
	require.Empty(t, rename.Hunks)

	chmod := p.Operations[3]
	require.Equal(t, OperationModify, chmod.Type)
	require.Equal(t, filemode.Regular, chmod.OldMode)
	require.Equal(t, filemode.Executable, chmod.NewMode)
}

func TestParseNoNewlineMarker(t *testing.T) {
	t.Parallel()

	patch := `diff --git a/f b/f
--- a/f
+++ b/f
@@ -1,2 +1,2 @@
 a
-b
+b
\ No newline at end of file
`
	p, err := ParseString(patch)
	require.NoError(t, err)
	h := p.Operations[0].Hunks[0]
	require.True(t, h.NoNewlineAtEnd)
	require.Equal(t, []byte("b"), h.Lines[2].Text)
	require.Equal(t, `\ No newline at end of file`, h.RawPatchLines[len(h.RawPatchLines)-1])
}

func TestParseBinaryLiteral(t *testing.T) {
	t.Parallel()

	payload := []byte{0, 1, 2, 3, 0xff}
	text := binaryPatch("blob.bin", zeroID, "1111111111111111111111111111111111111111", gitdiff.BinaryPatchLiteral, payload)

	p, err := ParseString(text)
	require.NoError(t, err)
	op := p.Operations[0]
	require.Equal(t, OperationAdd, op.Type)
	require.NotNil(t, op.Binary)
	require.Equal(t, BinaryLiteral, op.Binary.Kind)
	require.Equal(t, int64(len(payload)), op.Binary.Size)
	require.Equal(t, payload, op.Binary.Payload)
}

func TestParseBinaryWithoutData(t *testing.T) {
	t.Parallel()

	patch := `diff --git a/img.png b/img.png
index 1c23fcc..40a1b33 100644
Binary files a/img.png and b/img.png differ
`
	p, err := ParseString(patch)
	require.NoError(t, err)
	require.True(t, p.Operations[0].IsBinary)
	require.Nil(t, p.Operations[0].Binary)
}

func TestParseRejectsPatchWithoutFiles(t *testing.T) {
	t.Parallel()

	p, err := ParseString("just some text\nwithout a diff\n")
	require.ErrorIs(t, err, ErrFormat)
	require.NotNil(t, p)
	require.NotEmpty(t, p.Errors)
}

func TestParseRejectsMalformedHunk(t *testing.T) {
	t.Parallel()

	patch := `diff --git a/f b/f
--- a/f
+++ b/f
@@ -1,3 +1,3 @@
 a
-b
`
	_, err := ParseString(patch)
	require.ErrorIs(t, err, ErrFormat)
}

func TestApplyRejectsPatchWithErrors(t *testing.T) {
	t.Parallel()

	p := &Patch{Errors: []error{fmt.Errorf("broken")}}
	applier := NewVirtual(nil, plumbing.ZeroHash, Options{})
	_, err := applier.Apply(context.Background(), p)
	require.ErrorIs(t, err, ErrFormat)
}

// TestParsedDiffsApply checks that a unified diff between two texts turns the
// first into the second, also when unrelated lines precede the changes.
func TestParsedDiffsApply(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 50; round++ {
		before, after := randomEdit(rng, round, 20+rng.Intn(40))
		diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
			A:        before,
			B:        after,
			FromFile: "a/f.txt",
			ToFile:   "b/f.txt",
			Context:  3,
		})
		require.NoError(t, err)

		p, err := ParseString("diff --git a/f.txt b/f.txt\n" + diff)
		require.NoError(t, err, "round %d:\n%s", round, diff)
		require.Len(t, p.Operations, 1)

		for _, prefix := range []int{0, 1 + rng.Intn(5)} {
			var head []string
			for i := 0; i < prefix; i++ {
				head = append(head, fmt.Sprintf("prefix-%d\n", i))
			}
			buf := newLineBuffer([]byte(strings.Join(append(head, before...), "")))
			_, err := applyHunks(context.Background(), &logging.NoOpLogger{}, "f.txt", buf, p.Operations[0].Hunks)
			require.NoError(t, err, "round %d prefix %d:\n%s", round, prefix, diff)
			require.Equal(t, strings.Join(append(head, after...), ""), buf.text(), "round %d prefix %d", round, prefix)
		}
	}
}

// randomEdit returns n unique lines and a copy with replacements, deletions
// and insertions applied.
func randomEdit(rng *rand.Rand, round, n int) ([]string, []string) {
	before := make([]string, n)
	for i := range before {
		before[i] = fmt.Sprintf("line-%d-%d\n", round, i)
	}
	var after []string
	changed := false
	for i, line := range before {
		switch r := rng.Intn(20); {
		case r < 2:
			after = append(after, fmt.Sprintf("changed-%d-%d\n", round, i))
			changed = true
		case r < 4:
			changed = true
		case r < 6:
			after = append(after, line, fmt.Sprintf("inserted-%d-%d\n", round, i))
			changed = true
		default:
			after = append(after, line)
		}
	}
	if !changed {
		after = append(after, fmt.Sprintf("tail-%d\n", round))
	}
	return before, after
}

func binaryPatch(path, oldID, newID string, method gitdiff.BinaryPatchMethod, data []byte) string {
	f := &gitdiff.File{
		OldName:        path,
		NewName:        path,
		NewMode:        0o100644,
		OldOIDPrefix:   oldID,
		NewOIDPrefix:   newID,
		IsBinary:       true,
		BinaryFragment: &gitdiff.BinaryFragment{Method: method, Size: int64(len(data)), Data: data},
	}
	if oldID == zeroID {
		f.IsNew = true
		f.OldName = ""
	} else {
		f.OldMode = 0o100644
	}
	return f.String()
}
