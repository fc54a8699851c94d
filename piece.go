package skein

import "fmt"

// PieceSource identifies the storage a piece refers to.
type PieceSource uint8

const (
	// SourceOriginal refers to the document's original backing data.
	SourceOriginal PieceSource = iota

	// SourceAppended refers to the append-only edits area.
	SourceAppended

	// SourceZero is a virtual run of zero bytes used to represent gaps.
	// It is never materialized.
	SourceZero
)

// String returns a short name for the source.
func (s PieceSource) String() string {
	switch s {
	case SourceOriginal:
		return "original"
	case SourceAppended:
		return "appended"
	case SourceZero:
		return "zero"
	default:
		return fmt.Sprintf("source(%d)", uint8(s))
	}
}

// Piece is an immutable descriptor of a contiguous run of bytes.
type Piece struct {
	Source PieceSource
	Offset int64 // offset within the source; unused for SourceZero
	Length int64
}

// splitAt returns the two halves of p around k, where 0 < k < p.Length.
func (p Piece) splitAt(k int64) (Piece, Piece) {
	left := Piece{Source: p.Source, Offset: p.Offset, Length: k}
	right := Piece{Source: p.Source, Offset: p.Offset + k, Length: p.Length - k}
	if p.Source == SourceZero {
		right.Offset = 0
	}
	return left, right
}

// treeNode is an immutable node of the persistent piece tree.
// Nodes are never modified after construction; edits build new paths.
type treeNode struct {
	piece       Piece
	left, right *treeNode

	height int8
	count  int   // pieces in subtree
	size   int64 // bytes in subtree
}

func (n *treeNode) h() int8 {
	if n == nil {
		return 0
	}
	return n.height
}

func (n *treeNode) bytes() int64 {
	if n == nil {
		return 0
	}
	return n.size
}

func (n *treeNode) pieces() int {
	if n == nil {
		return 0
	}
	return n.count
}

// mk builds a node and computes its cached weights.
func mk(l *treeNode, p Piece, r *treeNode) *treeNode {
	hl, hr := l.h(), r.h()
	if hr > hl {
		hl = hr
	}
	return &treeNode{
		piece:  p,
		left:   l,
		right:  r,
		height: hl + 1,
		count:  l.pieces() + 1 + r.pieces(),
		size:   l.bytes() + p.Length + r.bytes(),
	}
}

// balance rebuilds (l, p, r) when the heights of l and r differ by at most two.
func balance(l *treeNode, p Piece, r *treeNode) *treeNode {
	switch {
	case l.h() > r.h()+1:
		if l.left.h() >= l.right.h() {
			return mk(l.left, l.piece, mk(l.right, p, r))
		}
		lr := l.right
		return mk(mk(l.left, l.piece, lr.left), lr.piece, mk(lr.right, p, r))
	case r.h() > l.h()+1:
		if r.right.h() >= r.left.h() {
			return mk(mk(l, p, r.left), r.piece, r.right)
		}
		rl := r.left
		return mk(mk(l, p, rl.left), rl.piece, mk(rl.right, r.piece, r.right))
	default:
		return mk(l, p, r)
	}
}

// join concatenates l, p and r, where every piece in l precedes p and every
// piece in r follows it. Heights of l and r may differ arbitrarily.
func join(l *treeNode, p Piece, r *treeNode) *treeNode {
	switch {
	case l.h() > r.h()+1:
		return balance(l.left, l.piece, join(l.right, p, r))
	case r.h() > l.h()+1:
		return balance(join(l, p, r.left), r.piece, r.right)
	default:
		return mk(l, p, r)
	}
}

// join2 concatenates two trees.
func join2(l, r *treeNode) *treeNode {
	if l == nil {
		return r
	}
	if r == nil {
		return l
	}
	rest, last := splitLast(l)
	return join(rest, last, r)
}

// splitLast removes the last piece of a non-empty tree.
func splitLast(n *treeNode) (*treeNode, Piece) {
	if n.right == nil {
		return n.left, n.piece
	}
	rest, last := splitLast(n.right)
	return join(n.left, n.piece, rest), last
}

// split divides n into the bytes before off and the bytes from off onward,
// cutting a piece in two when off falls inside it.
func split(n *treeNode, off int64) (*treeNode, *treeNode) {
	if n == nil {
		return nil, nil
	}
	leftSize := n.left.bytes()
	switch {
	case off <= leftSize:
		ll, lr := split(n.left, off)
		return ll, join(lr, n.piece, n.right)
	case off >= leftSize+n.piece.Length:
		rl, rr := split(n.right, off-leftSize-n.piece.Length)
		return join(n.left, n.piece, rl), rr
	default:
		a, b := n.piece.splitAt(off - leftSize)
		return join(n.left, a, nil), join(nil, b, n.right)
	}
}

// locate returns the piece containing off and the offset within it.
// off must be in [0, n.size).
func locate(n *treeNode, off int64) (Piece, int64, bool) {
	for n != nil {
		leftSize := n.left.bytes()
		switch {
		case off < leftSize:
			n = n.left
		case off < leftSize+n.piece.Length:
			return n.piece, off - leftSize, true
		default:
			off -= leftSize + n.piece.Length
			n = n.right
		}
	}
	return Piece{}, 0, false
}

// walk calls fn for every piece overlapping [from, to), with the overlap
// expressed in piece-local coordinates. base is the document offset of n.
// Returning false from fn stops the walk.
func walk(n *treeNode, base, from, to int64, fn func(p Piece, lo, hi int64) bool) bool {
	if n == nil || from >= to {
		return true
	}
	leftSize := n.left.bytes()
	if from < base+leftSize {
		if !walk(n.left, base, from, to, fn) {
			return false
		}
	}
	start := base + leftSize
	end := start + n.piece.Length
	if from < end && to > start {
		lo := max(from, start) - start
		hi := min(to, end) - start
		if !fn(n.piece, lo, hi) {
			return false
		}
	}
	if to > end {
		return walk(n.right, end, from, to, fn)
	}
	return true
}

// check verifies cached weights, AVL balance and piece lengths.
func check(n *treeNode) error {
	if n == nil {
		return nil
	}
	if n.piece.Length <= 0 {
		return fmt.Errorf("%w: piece with length %d", ErrCorruptStructure, n.piece.Length)
	}
	if err := check(n.left); err != nil {
		return err
	}
	if err := check(n.right); err != nil {
		return err
	}
	want := mk(n.left, n.piece, n.right)
	if want.size != n.size || want.count != n.count || want.height != n.height {
		return fmt.Errorf("%w: stale node weights", ErrCorruptStructure)
	}
	if d := n.left.h() - n.right.h(); d > 1 || d < -1 {
		return fmt.Errorf("%w: unbalanced node (%d)", ErrCorruptStructure, d)
	}
	return nil
}
