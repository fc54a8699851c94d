package skein

// appendChunkSize is the capacity of one chunk of the appended area.
const appendChunkSize = 64 * 1024

// appendBuffer is the append-only area holding every inserted byte.
// Chunks are allocated at full length and bytes are never rewritten, so a
// view taken earlier can keep reading while new bytes land beyond its size.
type appendBuffer struct {
	chunks [][]byte
	size   int64
}

// appendView is an immutable window over the appended area.
type appendView struct {
	chunks [][]byte
	size   int64
}

// append stores data and returns the offset it was written at.
// Callers must serialize appends.
func (b *appendBuffer) append(data []byte) int64 {
	start := b.size
	for len(data) > 0 {
		within := int(b.size % appendChunkSize)
		if within == 0 && int64(len(b.chunks))*appendChunkSize == b.size {
			b.chunks = append(b.chunks, make([]byte, appendChunkSize))
		}
		chunk := b.chunks[len(b.chunks)-1]
		n := copy(chunk[within:], data)
		data = data[n:]
		b.size += int64(n)
	}
	return start
}

func (b *appendBuffer) view() appendView {
	return appendView{chunks: b.chunks, size: b.size}
}

// readAt copies bytes starting at off into p. The range must lie within the view.
func (v appendView) readAt(p []byte, off int64) {
	for len(p) > 0 {
		chunk := v.chunks[off/appendChunkSize]
		n := copy(p, chunk[off%appendChunkSize:])
		p = p[n:]
		off += int64(n)
	}
}
