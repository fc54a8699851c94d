// Package skein provides the content-storage core of a text editor: a
// persistent piece tree with logarithmic edits, a read-through region cache,
// a versioned edit journal, and edit-aware cursors that stay valid while other
// goroutines modify the document.
package skein

import "errors"

// Range errors
var (
	// ErrOutOfRange indicates that an offset or length exceeds the document bounds.
	// It is always returned before any mutation takes place.
	ErrOutOfRange = errors.New("offset out of range")

	// ErrHistoryPruned indicates that the requested edit records were already
	// discarded by low-water-mark pruning.
	ErrHistoryPruned = errors.New("edit history pruned")
)

// Backend errors
var (
	// ErrBackendUnavailable indicates that the persistence layer failed.
	// The failed operation did not commit.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrSourceChanged indicates that a lazily loaded source file changed
	// size underneath the document.
	ErrSourceChanged = errors.New("source file changed")

	// ErrNotSupported indicates that an optional backend capability is missing.
	ErrNotSupported = errors.New("operation not supported")
)

// Structure errors
var (
	// ErrCorruptStructure indicates an internal invariant violation. It is a
	// bug in the core, not a caller error, and it poisons the handle.
	ErrCorruptStructure = errors.New("corrupt structure")

	// ErrPoisoned is returned by every operation on a handle that has seen
	// a corrupt structure.
	ErrPoisoned = errors.New("handle poisoned")
)

// Lifecycle errors
var (
	// ErrClosed indicates that the handle (or its shared buffer) has been closed.
	ErrClosed = errors.New("handle closed")

	// ErrCursorClosed indicates that the cursor has been closed.
	ErrCursorClosed = errors.New("cursor closed")
)

// Configuration errors
var (
	// ErrInvalidOptions indicates that Options failed validation.
	ErrInvalidOptions = errors.New("invalid options")
)

// ErrorKind classifies errors returned by the core.
type ErrorKind int

const (
	// KindOther is any error not covered by another kind.
	KindOther ErrorKind = iota

	// KindOutOfRange is a rejected offset or length.
	KindOutOfRange

	// KindBackendUnavailable is a persistence failure.
	KindBackendUnavailable

	// KindCorruptStructure is a fatal invariant violation.
	KindCorruptStructure

	// KindClosed is an operation on a closed handle or cursor.
	KindClosed
)

// String returns the kind name.
func (k ErrorKind) String() string {
	switch k {
	case KindOutOfRange:
		return "out-of-range"
	case KindBackendUnavailable:
		return "backend-unavailable"
	case KindCorruptStructure:
		return "corrupt-structure"
	case KindClosed:
		return "closed"
	default:
		return "other"
	}
}

// KindOf classifies err. A nil error is KindOther.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindOther
	case errors.Is(err, ErrCorruptStructure), errors.Is(err, ErrPoisoned):
		return KindCorruptStructure
	case errors.Is(err, ErrOutOfRange):
		return KindOutOfRange
	case errors.Is(err, ErrBackendUnavailable):
		return KindBackendUnavailable
	case errors.Is(err, ErrClosed), errors.Is(err, ErrCursorClosed):
		return KindClosed
	default:
		return KindOther
	}
}
