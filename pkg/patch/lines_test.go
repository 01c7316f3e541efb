package patch

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLineBufferRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		content string
		lines   []string
		noEOL   bool
	}{
		{name: "empty", content: ""},
		{name: "trailing newline", content: "a\nb\n", lines: []string{"a", "b"}},
		{name: "missing newline", content: "a\nb", lines: []string{"a", "b"}, noEOL: true},
		{name: "blank lines", content: "\n\n", lines: []string{"", ""}},
		{name: "crlf kept", content: "a\r\nb\r\n", lines: []string{"a\r", "b\r"}},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			buf := newLineBuffer([]byte(tc.content))
			var got []string
			for _, l := range buf.lines {
				got = append(got, string(l))
			}
			if diff := cmp.Diff(tc.lines, got); diff != "" {
				t.Fatalf("lines mismatch (-want +got):\n%s", diff)
			}
			if buf.noEOL != tc.noEOL {
				t.Fatalf("noEOL = %v, want %v", buf.noEOL, tc.noEOL)
			}
			if got := buf.text(); got != tc.content {
				t.Fatalf("text() = %q, want %q", got, tc.content)
			}
		})
	}
}

func TestLineBufferOwnsContent(t *testing.T) {
	t.Parallel()

	content := []byte("alpha\n")
	buf := newLineBuffer(content)
	content[0] = 'X'
	if got := buf.text(); got != "alpha\n" {
		t.Fatalf("buffer shares caller memory: %q", got)
	}
}

func TestSplice(t *testing.T) {
	t.Parallel()

	lines := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	got := splice(lines, 1, 1, [][]byte{[]byte("x"), []byte("y")})
	want := []string{"a", "x", "y", "c"}
	if len(got) != len(want) {
		t.Fatalf("unexpected splice result: %q", got)
	}
	for i := range want {
		if string(got[i]) != want[i] {
			t.Fatalf("unexpected splice result: %q", got)
		}
	}
	if string(lines[1]) != "b" {
		t.Fatalf("splice mutated its input: %q", lines)
	}
}
