package skein

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"

	"github.com/phroun/skein/internal/logging"
)

// buffer is the state shared by every Handle clone and cursor of one document.
//
// Lock order: contentMu before journalMu, never the reverse.
type buffer struct {
	opts Options
	log  *log.Logger

	// contentMu guards store and cache as one domain. Edits hold it
	// exclusively; reads share it.
	contentMu sync.RWMutex
	store     Persistence
	cache     *RegionCache

	// journalMu guards the journal and the cursor registry.
	journalMu sync.Mutex
	journal   EditJournal
	registry  *versionRegistry

	// version only changes with both locks held.
	version atomic.Uint64

	refs     atomic.Int64
	torn     atomic.Bool
	poisoned atomic.Pointer[error]
	unsynced atomic.Bool
}

// Handle is a reference to an open document. Handles are safe for
// concurrent use. Clone gives out further references; the document is
// torn down when the last Handle and the last Cursor are closed.
type Handle struct {
	buf     *buffer
	closed  atomic.Bool
	cleanup runtime.Cleanup
}

// Stats is a point-in-time summary of a document.
type Stats struct {
	Length         int64
	Version        Version
	Pieces         int // -1 when the backend cannot report it
	JournalRecords int
	OldestRecord   Version
	Cursors        int
	References     int64
	Unsynced       bool
	Cache          CacheStats
}

// Open creates a Handle over p.
func Open(p Persistence, opts Options) (*Handle, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil persistence", ErrInvalidOptions)
	}
	opts, err := opts.validate()
	if err != nil {
		return nil, err
	}
	cache, err := NewRegionCache(opts.CacheBudget, opts.EvictionPolicy)
	if err != nil {
		return nil, err
	}
	b := &buffer{
		opts:     opts,
		log:      opts.Logger,
		store:    p,
		cache:    cache,
		registry: newVersionRegistry(),
	}
	b.log.Debug("document opened",
		logging.FieldLength, p.Len(),
		logging.FieldPolicy, opts.EvictionPolicy,
		logging.FieldBudget, opts.CacheBudget)
	b.refs.Store(1)
	return b.newHandle(), nil
}

// OpenBytes creates a Handle over a ContentTree holding a copy of data.
func OpenBytes(data []byte, opts Options) (*Handle, error) {
	return Open(NewContentTreeFromBytes(bytes.Clone(data)), opts)
}

// OpenFile creates a Handle over a file on the local disk.
func OpenFile(path string, opts Options) (*Handle, error) {
	return OpenFileSystem(LocalFileSystem(), path, opts)
}

// OpenFileSystem creates a Handle over a file served by fs. Files larger
// than opts.LargeFileThreshold stay open and are read lazily; the file
// must not change while the document is open.
func OpenFileSystem(fs FileSystem, path string, opts Options) (*Handle, error) {
	checked, err := opts.validate()
	if err != nil {
		return nil, err
	}
	src, err := loadSource(fs, path, checked.LargeFileThreshold)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}
	_, lazy := src.(*fileSource)
	checked.Logger.Debug("source loaded",
		logging.FieldPath, path,
		logging.FieldLength, src.Size(),
		logging.FieldLazy, lazy)

	tree := NewContentTreeFromSource(src)
	h, err := Open(tree, opts)
	if err != nil {
		tree.Close()
		return nil, err
	}
	return h, nil
}

// newHandle wraps a reference the caller has already taken.
func (b *buffer) newHandle() *Handle {
	h := &Handle{buf: b}
	h.cleanup = runtime.AddCleanup(h, (*buffer).release, b)
	return h
}

// Clone returns a new reference to the same document.
func (h *Handle) Clone() (*Handle, error) {
	b, err := h.use()
	if err != nil {
		return nil, err
	}
	if !b.acquire() {
		return nil, ErrClosed
	}
	return b.newHandle(), nil
}

// Close drops this reference. Outstanding clones and cursors keep the
// document alive.
func (h *Handle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	h.cleanup.Stop()
	h.buf.release()
	return nil
}

// Len returns the current document length, or 0 once h is closed.
func (h *Handle) Len() int64 {
	if h.closed.Load() {
		return 0
	}
	b := h.buf
	b.contentMu.RLock()
	defer b.contentMu.RUnlock()
	if b.torn.Load() {
		return 0
	}
	return b.store.Len()
}

// Version returns the version of the latest committed edit, or 0 once h
// is closed.
func (h *Handle) Version() Version {
	if h.closed.Load() {
		return 0
	}
	return Version(h.buf.version.Load())
}

// Read returns up to length bytes starting at offset. Fewer bytes are
// returned only at the end of the document.
func (h *Handle) Read(offset, length int64) ([]byte, error) {
	b, err := h.use()
	if err != nil {
		return nil, err
	}
	if offset < 0 || length < 0 {
		return nil, ErrOutOfRange
	}

	b.contentMu.RLock()
	defer b.contentMu.RUnlock()
	if err := b.usableUnlocked(); err != nil {
		return nil, err
	}

	size := b.store.Len()
	if offset > size {
		return nil, ErrOutOfRange
	}
	length = min(length, size-offset)
	if length == 0 {
		return []byte{}, nil
	}
	if data, ok := b.cache.Get(offset, length); ok {
		return data, nil
	}
	data, err := b.store.Read(offset, length)
	if err != nil {
		return nil, b.classify(err)
	}
	if int64(len(data)) != length {
		return nil, fmt.Errorf("%w: short read of %d bytes at %d, want %d",
			ErrBackendUnavailable, len(data), offset, length)
	}
	b.cache.Put(offset, data)
	return data, nil
}

// Insert places data at offset and returns the new version. Empty data
// commits nothing and returns the current version.
func (h *Handle) Insert(offset int64, data []byte) (Version, error) {
	b, err := h.use()
	if err != nil {
		return 0, err
	}
	if offset < 0 {
		return 0, ErrOutOfRange
	}

	b.contentMu.Lock()
	defer b.contentMu.Unlock()
	if err := b.usableUnlocked(); err != nil {
		return 0, err
	}

	before := b.store.Len()
	if offset > before {
		return 0, ErrOutOfRange
	}
	if len(data) == 0 {
		return Version(b.version.Load()), nil
	}
	n := int64(len(data))
	if err := b.store.Insert(offset, data); err != nil {
		return 0, b.classify(err)
	}
	if got := b.store.Len(); got != before+n {
		return 0, b.poison(fmt.Errorf("%w: length %d after inserting %d into %d", ErrCorruptStructure, got, n, before))
	}
	b.cache.InvalidateFrom(offset)
	return b.commitUnlocked(EditRecord{Kind: EditInsert, Offset: offset, Length: n})
}

// Delete removes [offset, offset+length) and returns the new version.
func (h *Handle) Delete(offset, length int64) (Version, error) {
	b, err := h.use()
	if err != nil {
		return 0, err
	}
	if offset < 0 || length < 0 {
		return 0, ErrOutOfRange
	}

	b.contentMu.Lock()
	defer b.contentMu.Unlock()
	if err := b.usableUnlocked(); err != nil {
		return 0, err
	}

	before := b.store.Len()
	if length > before-offset {
		return 0, ErrOutOfRange
	}
	if length == 0 {
		return Version(b.version.Load()), nil
	}
	if err := b.store.Delete(offset, length); err != nil {
		return 0, b.classify(err)
	}
	if got := b.store.Len(); got != before-length {
		return 0, b.poison(fmt.Errorf("%w: length %d after deleting %d from %d", ErrCorruptStructure, got, length, before))
	}
	b.cache.InvalidateFrom(offset)
	return b.commitUnlocked(EditRecord{Kind: EditDelete, Offset: offset, Length: length})
}

// Write overwrites len(data) bytes at offset and returns the new version.
// The document length is unchanged. Written bytes stay cached as dirty
// until Sync.
func (h *Handle) Write(offset int64, data []byte) (Version, error) {
	b, err := h.use()
	if err != nil {
		return 0, err
	}
	if offset < 0 {
		return 0, ErrOutOfRange
	}

	b.contentMu.Lock()
	defer b.contentMu.Unlock()
	if err := b.usableUnlocked(); err != nil {
		return 0, err
	}

	before := b.store.Len()
	n := int64(len(data))
	if offset > before || n > before-offset {
		return 0, ErrOutOfRange
	}
	if n == 0 {
		return Version(b.version.Load()), nil
	}
	if err := b.store.Write(offset, data); err != nil {
		return 0, b.classify(err)
	}
	if got := b.store.Len(); got != before {
		return 0, b.poison(fmt.Errorf("%w: length %d after overwrite of %d", ErrCorruptStructure, got, before))
	}
	b.cache.PutDirty(offset, data)
	b.unsynced.Store(true)
	return b.commitUnlocked(EditRecord{Kind: EditOverwrite, Offset: offset, Length: n})
}

// commitUnlocked assigns the next version to rec, journals it and prunes.
// Must be called with contentMu held exclusively.
func (b *buffer) commitUnlocked(rec EditRecord) (Version, error) {
	b.journalMu.Lock()
	defer b.journalMu.Unlock()

	rec.Version = Version(b.version.Load() + 1)
	if err := b.journal.Append(rec); err != nil {
		return 0, b.poison(err)
	}
	b.version.Store(uint64(rec.Version))
	b.pruneUnlocked()
	return rec.Version, nil
}

// PruneEditLog discards journal records no live cursor can still need and
// returns how many were dropped.
func (h *Handle) PruneEditLog() int {
	if h.closed.Load() {
		return 0
	}
	b := h.buf
	b.journalMu.Lock()
	defer b.journalMu.Unlock()

	dropped, mark := b.pruneUnlocked()
	if dropped > 0 {
		b.log.Debug("edit log pruned",
			logging.FieldMark, mark,
			logging.FieldDropped, dropped,
			logging.FieldCursors, b.registry.len())
	}
	return dropped
}

// pruneUnlocked drops records below the low-water mark: the oldest version
// a cursor has observed, or the current version when there are none.
// Must be called with journalMu held.
func (b *buffer) pruneUnlocked() (int, Version) {
	mark, ok := b.registry.min()
	if !ok {
		mark = Version(b.version.Load())
	}
	return b.journal.Prune(mark), mark
}

// EditsSince returns the edits committed after v, in version order.
func (h *Handle) EditsSince(v Version) ([]EditRecord, error) {
	b, err := h.use()
	if err != nil {
		return nil, err
	}
	b.journalMu.Lock()
	defer b.journalMu.Unlock()
	return b.journal.Since(v, Version(b.version.Load()))
}

// Snapshot returns an immutable view of the current document.
func (h *Handle) Snapshot() (Snapshot, error) {
	b, err := h.use()
	if err != nil {
		return nil, err
	}
	snap, _, err := b.snapshot()
	return snap, err
}

// snapshot returns the current structure together with the version it reflects.
func (b *buffer) snapshot() (Snapshot, Version, error) {
	b.contentMu.RLock()
	defer b.contentMu.RUnlock()
	if err := b.usableUnlocked(); err != nil {
		return nil, 0, err
	}
	return b.store.Snapshot(), Version(b.version.Load()), nil
}

// Sync flushes the backend if it buffers writes and marks dirty regions clean.
func (h *Handle) Sync() error {
	b, err := h.use()
	if err != nil {
		return err
	}

	b.contentMu.Lock()
	defer b.contentMu.Unlock()
	if err := b.usableUnlocked(); err != nil {
		return err
	}
	if s, ok := b.store.(Syncer); ok {
		if err := s.Sync(); err != nil {
			return b.classify(err)
		}
	}
	b.cache.ClearDirty()
	b.unsynced.Store(false)
	return nil
}

// Dirty returns the regions written since the last Sync that are still
// cached at their current offsets.
func (h *Handle) Dirty() ([]Region, error) {
	b, err := h.use()
	if err != nil {
		return nil, err
	}
	b.contentMu.RLock()
	defer b.contentMu.RUnlock()
	return b.cache.Dirty(), nil
}

// Check verifies the backend's structural invariants when it can. A
// failure poisons the handle.
func (h *Handle) Check() error {
	b, err := h.use()
	if err != nil {
		return err
	}
	b.contentMu.RLock()
	defer b.contentMu.RUnlock()
	if err := b.usableUnlocked(); err != nil {
		return err
	}
	c, ok := b.store.(interface{ Check() error })
	if !ok {
		return ErrNotSupported
	}
	if err := c.Check(); err != nil {
		return b.classify(err)
	}
	return nil
}

// Stats returns a summary of the document and its caches. A closed
// handle reports an empty summary.
func (h *Handle) Stats() Stats {
	if h.closed.Load() {
		return Stats{Pieces: -1}
	}
	b := h.buf
	b.contentMu.RLock()
	defer b.contentMu.RUnlock()
	b.journalMu.Lock()
	defer b.journalMu.Unlock()

	st := Stats{
		Version:        Version(b.version.Load()),
		Pieces:         -1,
		JournalRecords: b.journal.Len(),
		Cursors:        b.registry.len(),
		References:     b.refs.Load(),
		Unsynced:       b.unsynced.Load(),
		Cache:          b.cache.Stats(),
	}
	st.OldestRecord, _ = b.journal.Oldest()
	if b.torn.Load() {
		return st
	}
	st.Length = b.store.Len()
	if pc, ok := b.store.(PieceCounter); ok {
		st.Pieces = pc.PieceCount()
	}
	return st
}

// use returns the shared buffer if this handle may still operate on it.
func (h *Handle) use() (*buffer, error) {
	if h.closed.Load() {
		return nil, ErrClosed
	}
	b := h.buf
	if err := b.poisonErr(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *buffer) poisonErr() error {
	if p := b.poisoned.Load(); p != nil {
		return *p
	}
	return nil
}

// usableUnlocked re-checks state once a content lock is held.
func (b *buffer) usableUnlocked() error {
	if b.torn.Load() {
		return ErrClosed
	}
	return b.poisonErr()
}

// poison marks the buffer unusable and returns the error every later
// operation will see.
func (b *buffer) poison(cause error) error {
	err := fmt.Errorf("%w: %w", ErrPoisoned, cause)
	if b.poisoned.CompareAndSwap(nil, &err) {
		b.log.Debug("document poisoned", logging.FieldError, cause)
	}
	return *b.poisoned.Load()
}

// classify maps a backend error onto the core's error kinds.
func (b *buffer) classify(err error) error {
	switch {
	case errors.Is(err, ErrCorruptStructure):
		return b.poison(err)
	case errors.Is(err, ErrOutOfRange):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}
}

// acquire takes a reference unless the last one is already gone, in which
// case the document is being torn down and acquire reports false.
func (b *buffer) acquire() bool {
	for {
		n := b.refs.Load()
		if n <= 0 {
			return false
		}
		if b.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// release drops a reference and tears the document down on the last one.
func (b *buffer) release() {
	if b.refs.Add(-1) != 0 {
		return
	}
	b.contentMu.Lock()
	defer b.contentMu.Unlock()
	if !b.torn.CompareAndSwap(false, true) {
		return
	}
	b.cache.Close()
	var err error
	if c, ok := b.store.(io.Closer); ok {
		err = c.Close()
	}
	b.log.Debug("document closed",
		logging.FieldVersion, b.version.Load(),
		logging.FieldError, err)
}
