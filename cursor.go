package skein

import (
	"fmt"
	"io"
	"runtime"
)

// Cursor is a byte-wise reader that stays valid while the document is
// edited. Edits are applied to its position lazily, the next time it
// moves: an insert at or before the position pushes it forward, a delete
// before it pulls it back, and a delete spanning it clamps it to the
// start of the deleted range.
//
// A Cursor buffers a window of bytes read from a frozen snapshot, so most
// calls touch no lock at all. A Cursor is not safe for concurrent use;
// distinct cursors are.
type Cursor struct {
	buf *buffer
	id  uint64

	pos     int64
	version Version

	snap     Snapshot
	window   []byte
	winStart int64
	winSize  int

	closed  bool
	cleanup runtime.Cleanup
}

// cursorRef is what the garbage collector needs to release a cursor
// nobody closed.
type cursorRef struct {
	buf *buffer
	id  uint64
}

// OpenCursor returns a cursor positioned at offset, registered at the
// current version.
func (h *Handle) OpenCursor(offset int64) (*Cursor, error) {
	b, err := h.use()
	if err != nil {
		return nil, err
	}
	if offset < 0 {
		return nil, ErrOutOfRange
	}

	b.contentMu.RLock()
	defer b.contentMu.RUnlock()
	if err := b.usableUnlocked(); err != nil {
		return nil, err
	}
	if offset > b.store.Len() {
		return nil, ErrOutOfRange
	}
	if !b.acquire() {
		return nil, ErrClosed
	}

	b.journalMu.Lock()
	v := Version(b.version.Load())
	id := b.registry.register(v)
	b.journalMu.Unlock()

	c := &Cursor{
		buf:     b,
		id:      id,
		pos:     offset,
		version: v,
		winSize: b.opts.WindowSize,
	}
	c.cleanup = runtime.AddCleanup(c, func(r cursorRef) { r.buf.closeCursor(r.id) }, cursorRef{buf: b, id: id})
	return c, nil
}

// closeCursor deregisters a cursor, prunes what it was holding back and
// drops its reference.
func (b *buffer) closeCursor(id uint64) {
	b.journalMu.Lock()
	b.registry.deregister(id)
	b.pruneUnlocked()
	b.journalMu.Unlock()
	b.release()
}

// Position returns the cursor's byte offset as of its last adjustment.
func (c *Cursor) Position() int64 {
	return c.pos
}

// Version returns the latest version the cursor has observed.
func (c *Cursor) Version() Version {
	return c.version
}

// Next returns the byte at the position and advances past it. At the end
// of the document it returns io.EOF and does not move.
func (c *Cursor) Next() (byte, error) {
	if err := c.ready(); err != nil {
		return 0, err
	}
	if !c.inWindow(c.pos) {
		if err := c.fill(true); err != nil {
			return 0, err
		}
		if !c.inWindow(c.pos) {
			return 0, io.EOF
		}
	}
	b := c.window[c.pos-c.winStart]
	c.pos++
	return b, nil
}

// Prev steps back one byte and returns it. At the start of the document
// it returns io.EOF and does not move.
func (c *Cursor) Prev() (byte, error) {
	if err := c.ready(); err != nil {
		return 0, err
	}
	if c.pos == 0 {
		return 0, io.EOF
	}
	if !c.inWindow(c.pos - 1) {
		if err := c.fill(false); err != nil {
			return 0, err
		}
		if !c.inWindow(c.pos - 1) {
			return 0, io.EOF
		}
	}
	c.pos--
	return c.window[c.pos-c.winStart], nil
}

// ReadByte implements io.ByteReader.
func (c *Cursor) ReadByte() (byte, error) {
	return c.Next()
}

// SeekTo moves the cursor to offset, which must lie within the document.
func (c *Cursor) SeekTo(offset int64) error {
	if err := c.ready(); err != nil {
		return err
	}
	if err := c.ensureSnapshot(); err != nil {
		return err
	}
	if offset < 0 || offset > c.snap.Len() {
		return ErrOutOfRange
	}
	c.pos = offset
	return nil
}

// Close deregisters the cursor. Using it afterwards returns ErrCursorClosed.
func (c *Cursor) Close() error {
	if c.closed {
		return ErrCursorClosed
	}
	c.closed = true
	c.snap, c.window = nil, nil
	c.cleanup.Stop()
	c.buf.closeCursor(c.id)
	return nil
}

// ready checks the cursor can be used and applies any pending edits.
func (c *Cursor) ready() error {
	if c.closed {
		return ErrCursorClosed
	}
	if err := c.buf.poisonErr(); err != nil {
		return err
	}
	return c.adjustForEdits()
}

// adjustForEdits catches the cursor up to the document's current version.
func (c *Cursor) adjustForEdits() error {
	if Version(c.buf.version.Load()) == c.version {
		return nil
	}
	return c.catchUp(Version(c.buf.version.Load()))
}

// catchUp replays the edits in (c.version, target] onto the position,
// drops the stale snapshot and window, and records target in the registry,
// all under one hold of the journal lock.
func (c *Cursor) catchUp(target Version) error {
	if target <= c.version {
		return nil
	}
	b := c.buf
	b.journalMu.Lock()
	defer b.journalMu.Unlock()

	recs, err := b.journal.Since(c.version, target)
	if err != nil {
		// A registered cursor pins its records, so losing them is a bug.
		return b.poison(fmt.Errorf("%w: cursor at version %d: %w", ErrCorruptStructure, c.version, err))
	}
	for _, rec := range recs {
		c.pos = rec.Shift(c.pos)
	}
	c.version = target
	b.registry.bump(c.id, target)
	c.snap = nil
	c.window = c.window[:0]
	return nil
}

// ensureSnapshot obtains a snapshot if the cursor has none. The snapshot
// may be newer than the cursor, in which case the cursor is advanced to
// exactly the snapshot's version.
func (c *Cursor) ensureSnapshot() error {
	if c.snap != nil {
		return nil
	}
	snap, v, err := c.buf.snapshot()
	if err != nil {
		return err
	}
	if err := c.catchUp(v); err != nil {
		return err
	}
	c.snap = snap
	return nil
}

func (c *Cursor) inWindow(p int64) bool {
	return p >= c.winStart && p < c.winStart+int64(len(c.window))
}

// fill loads a window from the snapshot. Forward windows start at the
// position; backward windows end at it. A failed fill leaves the window
// empty and the cursor usable.
func (c *Cursor) fill(forward bool) error {
	if err := c.ensureSnapshot(); err != nil {
		return err
	}
	size := c.snap.Len()
	var start, end int64
	if forward {
		start = c.pos
		end = min(c.pos+int64(c.winSize), size)
	} else {
		start = max(c.pos-int64(c.winSize), 0)
		end = min(c.pos, size)
	}
	c.window = c.window[:0]
	c.winStart = start
	if start >= end {
		return nil
	}

	if cap(c.window) < c.winSize {
		c.window = make([]byte, 0, c.winSize)
	}
	buf := c.window[:end-start]
	n, err := c.snap.ReadAt(buf, start)
	if err != nil && !(err == io.EOF && int64(n) == end-start) {
		return c.buf.classify(err)
	}
	c.window = buf
	return nil
}
