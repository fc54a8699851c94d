package skein

import (
	"fmt"
	"io"
	"math"
	"sync"
	"sync/atomic"
)

// ContentTree is the default Persistence: a persistent balanced tree of
// pieces over an immutable original Source and an append-only edits area.
//
// Mutations build new tree paths and publish a new root atomically, so any
// Snapshot taken earlier keeps reading the structure it saw.
type ContentTree struct {
	mu       sync.Mutex // serializes mutations
	appended appendBuffer
	state    atomic.Pointer[treeState]
}

// treeState is one published version of the tree. It is never modified.
type treeState struct {
	root     *treeNode
	original Source
	appended appendView
}

// NewContentTree creates an empty tree.
func NewContentTree() *ContentTree {
	return NewContentTreeFromSource(bytesSource(nil))
}

// NewContentTreeFromBytes creates a tree whose original content is data.
// The slice is retained and must not be modified afterwards.
func NewContentTreeFromBytes(data []byte) *ContentTree {
	return NewContentTreeFromSource(bytesSource(data))
}

// NewContentTreeFromSource creates a tree over an original Source.
func NewContentTreeFromSource(src Source) *ContentTree {
	t := &ContentTree{}
	var root *treeNode
	if n := src.Size(); n > 0 {
		root = mk(nil, Piece{Source: SourceOriginal, Offset: 0, Length: n}, nil)
	}
	t.state.Store(&treeState{root: root, original: src})
	return t
}

// Len returns the current document length.
func (t *ContentTree) Len() int64 {
	return t.state.Load().Len()
}

// Snapshot returns the current immutable structure.
func (t *ContentTree) Snapshot() Snapshot {
	return t.state.Load()
}

// Read returns up to length bytes starting at offset.
func (t *ContentTree) Read(offset, length int64) ([]byte, error) {
	s := t.state.Load()
	size := s.Len()
	if offset < 0 || length < 0 || offset > size {
		return nil, ErrOutOfRange
	}
	length = min(length, size-offset)
	buf := make([]byte, length)
	if _, err := s.ReadAt(buf, offset); err != nil && err != io.EOF {
		return nil, err
	}
	return buf, nil
}

// Insert places data at offset. An offset beyond the end first extends the
// document with a run of zero bytes covering the gap.
func (t *ContentTree) Insert(offset int64, data []byte) error {
	if offset < 0 || int64(len(data)) > math.MaxInt64-offset {
		return ErrOutOfRange
	}
	if len(data) == 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.state.Load()
	root := s.root
	if gap := offset - root.bytes(); gap > 0 {
		root = join(root, Piece{Source: SourceZero, Length: gap}, nil)
	}
	left, right := split(root, offset)
	p := t.appendPiece(data)
	t.publishUnlocked(s, join(left, p, right))
	return nil
}

// Delete removes [offset, offset+length).
func (t *ContentTree) Delete(offset, length int64) error {
	if offset < 0 || length < 0 {
		return ErrOutOfRange
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.state.Load()
	if size := s.root.bytes(); offset > size || length > size-offset {
		return ErrOutOfRange
	}
	if length == 0 {
		return nil
	}
	left, rest := split(s.root, offset)
	_, right := split(rest, length)
	t.publishUnlocked(s, join2(left, right))
	return nil
}

// Write overwrites len(data) bytes at offset with a single appended piece.
func (t *ContentTree) Write(offset int64, data []byte) error {
	if offset < 0 {
		return ErrOutOfRange
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.state.Load()
	length := int64(len(data))
	if size := s.root.bytes(); offset > size || length > size-offset {
		return ErrOutOfRange
	}
	if length == 0 {
		return nil
	}
	left, rest := split(s.root, offset)
	_, right := split(rest, length)
	p := t.appendPiece(data)
	t.publishUnlocked(s, join(left, p, right))
	return nil
}

// Locate returns the piece containing offset and the offset within that piece.
func (t *ContentTree) Locate(offset int64) (Piece, int64, error) {
	s := t.state.Load()
	if offset < 0 || offset >= s.Len() {
		return Piece{}, 0, ErrOutOfRange
	}
	p, within, ok := locate(s.root, offset)
	if !ok {
		return Piece{}, 0, fmt.Errorf("%w: offset %d not found", ErrCorruptStructure, offset)
	}
	return p, within, nil
}

// Pieces returns the pieces of the current document in order.
func (t *ContentTree) Pieces() []Piece {
	s := t.state.Load()
	out := make([]Piece, 0, s.root.pieces())
	walk(s.root, 0, 0, s.Len(), func(p Piece, _, _ int64) bool {
		out = append(out, p)
		return true
	})
	return out
}

// PieceCount returns the number of pieces in the current document.
func (t *ContentTree) PieceCount() int {
	return t.state.Load().root.pieces()
}

// Check verifies the structural invariants of the current tree.
func (t *ContentTree) Check() error {
	s := t.state.Load()
	if err := check(s.root); err != nil {
		return err
	}
	var bad error
	walk(s.root, 0, 0, s.Len(), func(p Piece, _, _ int64) bool {
		switch p.Source {
		case SourceOriginal:
			if p.Offset < 0 || p.Offset+p.Length > s.original.Size() {
				bad = fmt.Errorf("%w: original piece [%d,+%d) beyond source", ErrCorruptStructure, p.Offset, p.Length)
			}
		case SourceAppended:
			if p.Offset < 0 || p.Offset+p.Length > s.appended.size {
				bad = fmt.Errorf("%w: appended piece [%d,+%d) beyond edits area", ErrCorruptStructure, p.Offset, p.Length)
			}
		case SourceZero:
		default:
			bad = fmt.Errorf("%w: unknown piece source %v", ErrCorruptStructure, p.Source)
		}
		return bad == nil
	})
	return bad
}

// Close releases the original source if it holds resources.
func (t *ContentTree) Close() error {
	if c, ok := t.state.Load().original.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// appendPiece stores data in the edits area and returns the piece for it.
// Must be called with t.mu held.
func (t *ContentTree) appendPiece(data []byte) Piece {
	off := t.appended.append(data)
	return Piece{Source: SourceAppended, Offset: off, Length: int64(len(data))}
}

// publishUnlocked installs root as the current tree. Must be called with t.mu held.
func (t *ContentTree) publishUnlocked(prev *treeState, root *treeNode) {
	t.state.Store(&treeState{
		root:     root,
		original: prev.original,
		appended: t.appended.view(),
	})
}

// Len returns the document length of the state.
func (s *treeState) Len() int64 {
	return s.root.bytes()
}

// ReadAt reads from the frozen structure.
func (s *treeState) ReadAt(p []byte, off int64) (int, error) {
	size := s.Len()
	if off < 0 || off > size {
		return 0, ErrOutOfRange
	}
	end := min(off+int64(len(p)), size)
	var (
		n   int
		err error
	)
	walk(s.root, 0, off, end, func(pc Piece, lo, hi int64) bool {
		dst := p[n : n+int(hi-lo)]
		switch pc.Source {
		case SourceOriginal:
			var m int
			m, err = s.original.ReadAt(dst, pc.Offset+lo)
			if m < len(dst) {
				n += m
				if err == nil || err == io.EOF {
					err = fmt.Errorf("%w: short read from original source", ErrCorruptStructure)
				}
				return false
			}
			err = nil
		case SourceAppended:
			s.appended.readAt(dst, pc.Offset+lo)
		default:
			clear(dst)
		}
		n += len(dst)
		return true
	})
	if err != nil {
		return n, err
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
