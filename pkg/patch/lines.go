package patch

import "bytes"

// lineBuffer is the mutable line view of one file while its hunks apply.
// It owns its backing array.
type lineBuffer struct {
	lines [][]byte
	// noEOL is set when the last line has no trailing newline.
	noEOL bool
}

func newLineBuffer(content []byte) *lineBuffer {
	if len(content) == 0 {
		return &lineBuffer{}
	}
	owned := append([]byte(nil), content...)
	noEOL := owned[len(owned)-1] != '\n'
	if !noEOL {
		owned = owned[:len(owned)-1]
	}
	return &lineBuffer{lines: bytes.Split(owned, []byte{'\n'}), noEOL: noEOL}
}

func (b *lineBuffer) len() int {
	return len(b.lines)
}

// bytes serializes the buffer. An empty buffer is empty content.
func (b *lineBuffer) bytes() []byte {
	if len(b.lines) == 0 {
		return []byte{}
	}
	size := len(b.lines)
	for _, l := range b.lines {
		size += len(l)
	}
	out := make([]byte, 0, size)
	for i, l := range b.lines {
		out = append(out, l...)
		if i < len(b.lines)-1 || !b.noEOL {
			out = append(out, '\n')
		}
	}
	return out
}

func (b *lineBuffer) text() string {
	return string(b.bytes())
}

func splice(target [][]byte, index, deleteCount int, replacement [][]byte) [][]byte {
	if deleteCount == 0 && len(replacement) == 0 {
		return target
	}
	result := make([][]byte, 0, len(target)-deleteCount+len(replacement))
	result = append(result, target[:index]...)
	result = append(result, replacement...)
	result = append(result, target[index+deleteCount:]...)
	return result
}
