package patch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/asynkron/gitapply/pkg/objstore"
)

func TestFileContentDetectsChanges(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "file.txt")
	require.NoError(t, os.WriteFile(path, []byte("one\n"), 0o644))

	ref := FileContent(path)
	first, err := ref.Bytes()
	require.NoError(t, err)
	require.Equal(t, "one\n", string(first))

	again, err := ref.Bytes()
	require.NoError(t, err)
	require.Equal(t, first, again)

	require.NoError(t, os.WriteFile(path, []byte("two\n"), 0o644))
	_, err = ref.Bytes()
	require.ErrorIs(t, err, ErrContentChanged)
}

func TestContentIDs(t *testing.T) {
	t.Parallel()

	store := objstore.NewMemory()
	id, err := store.InsertBlob([]byte("hello\n"))
	require.NoError(t, err)

	fromBlob, err := BlobContent(store, id).ID(store)
	require.NoError(t, err)
	require.Equal(t, id, fromBlob)

	fromBuffer, err := BufferContent([]byte("hello\n")).ID(store)
	require.NoError(t, err)
	require.Equal(t, id, fromBuffer)
}

func TestDetachSurvivesMove(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "old.txt")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))

	detached, err := FileContent(path).Detach()
	require.NoError(t, err)
	require.NoError(t, os.Rename(path, filepath.Join(dir, "new.txt")))

	got, err := detached.Bytes()
	require.NoError(t, err)
	require.Equal(t, "data", string(got))
}
