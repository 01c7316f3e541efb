package patch

import (
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/require"

	"github.com/asynkron/gitapply/pkg/objstore"
)

const zeroID = "0000000000000000000000000000000000000000"

// helloDelta rewrites "hello world" into "hello there": copy 6 bytes from
// offset 0, then insert "there".
var helloDelta = []byte{11, 11, 0x90, 0x06, 0x05, 't', 'h', 'e', 'r', 'e'}

func TestReconstructLiteral(t *testing.T) {
	t.Parallel()

	got, err := reconstructBinary("bin", &BinaryHunk{Kind: BinaryLiteral, Size: 3, Payload: []byte{0, 1, 2}}, nil)
	require.NoError(t, err)
	require.Equal(t, []byte{0, 1, 2}, got)

	_, err = reconstructBinary("bin", &BinaryHunk{Kind: BinaryLiteral, Size: 4, Payload: []byte{0, 1, 2}}, nil)
	require.ErrorIs(t, err, ErrFormat)
}

func TestReconstructDelta(t *testing.T) {
	t.Parallel()

	h := &BinaryHunk{Kind: BinaryDelta, Size: int64(len(helloDelta)), Payload: helloDelta}
	got, err := reconstructBinary("bin", h, []byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, "hello there", string(got))
}

func TestReconstructDeltaRejectsWrongBase(t *testing.T) {
	t.Parallel()

	h := &BinaryHunk{Kind: BinaryDelta, Size: int64(len(helloDelta)), Payload: helloDelta}
	_, err := reconstructBinary("bin", h, []byte("hello"))
	require.ErrorIs(t, err, ErrIdentityMismatch)

	var perr *Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, CodeBaseIDMismatch, perr.Code)
}

func TestReconstructDeltaRejectsTruncatedHeader(t *testing.T) {
	t.Parallel()

	h := &BinaryHunk{Kind: BinaryDelta, Size: 1, Payload: []byte{0x80}}
	_, err := reconstructBinary("bin", h, nil)
	require.ErrorIs(t, err, ErrFormat)
}

func TestReconstructUnknownKind(t *testing.T) {
	t.Parallel()

	_, err := reconstructBinary("bin", &BinaryHunk{Kind: "method-7"}, nil)
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestReadDeltaSizeMultiByte(t *testing.T) {
	t.Parallel()

	size, rest, err := readDeltaSize([]byte{0x80 | 0x2c, 0x02, 0xff})
	require.NoError(t, err)
	require.Equal(t, int64(300), size)
	require.Equal(t, []byte{0xff}, rest)
}

func TestCheckBaseID(t *testing.T) {
	t.Parallel()

	hello, err := objstore.Sum(plumbing.BlobObject, []byte("hello\n"))
	require.NoError(t, err)

	cases := []struct {
		name    string
		op      Operation
		current plumbing.Hash
		exists  bool
		ok      bool
	}{
		{name: "missing with zero id", op: Operation{Type: OperationAdd, OldID: zeroID}, ok: true},
		{name: "missing with id", op: Operation{Type: OperationModify, OldID: hello.String()}},
		{name: "matching", op: Operation{Type: OperationModify, OldID: hello.String()}, current: hello, exists: true, ok: true},
		{name: "different", op: Operation{Type: OperationModify, OldID: objstore.EmptyBlobID.String()}, current: hello, exists: true},
		{name: "add over empty", op: Operation{Type: OperationAdd, OldID: zeroID}, current: objstore.EmptyBlobID, exists: true, ok: true},
		{name: "add over content", op: Operation{Type: OperationAdd, OldID: zeroID}, current: hello, exists: true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := checkBaseID("bin", &tc.op, tc.current, tc.exists)
			if tc.ok {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || err.Code != CodeBaseIDMismatch {
				t.Fatalf("expected base id mismatch, got %v", err)
			}
		})
	}
}

func TestRequireCompleteIDs(t *testing.T) {
	t.Parallel()

	op := &Operation{OldID: "ce01362", NewID: zeroID}
	err := requireCompleteIDs("bin", op)
	require.NotNil(t, err)
	require.Equal(t, CodeBaseIDMismatch, err.Code)

	op.OldID = "ce013625030ba8dba906f756967f9e9ca394464a"
	require.Nil(t, requireCompleteIDs("bin", op))
}
