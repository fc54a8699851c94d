package skein

import (
	"errors"
	"io"
	"runtime"
	"testing"
	"time"
)

func openBytes(t *testing.T, content string, opts Options) *Handle {
	t.Helper()
	h, err := OpenBytes([]byte(content), opts)
	if err != nil {
		t.Fatalf("OpenBytes failed: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func openCursor(t *testing.T, h *Handle, offset int64) *Cursor {
	t.Helper()
	c, err := h.OpenCursor(offset)
	if err != nil {
		t.Fatalf("OpenCursor(%d) failed: %v", offset, err)
	}
	return c
}

func mustNext(t *testing.T, c *Cursor) byte {
	t.Helper()
	b, err := c.Next()
	if err != nil {
		t.Fatalf("Next failed at %d: %v", c.Position(), err)
	}
	return b
}

func TestCursorInsertAfterPosition(t *testing.T) {
	h := openBytes(t, "", DefaultOptions())

	v, err := h.Insert(0, []byte("hello"))
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if v != 1 || h.Len() != 5 {
		t.Fatalf("after first insert version = %d, length = %d; want 1, 5", v, h.Len())
	}

	c := openCursor(t, h, 0)
	defer c.Close()

	v, err = h.Insert(5, []byte(" world"))
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if v != 2 {
		t.Errorf("version = %d, want 2", v)
	}

	for i, want := range []byte("hello ") {
		if got := mustNext(t, c); got != want {
			t.Errorf("Next #%d = %q, want %q", i+1, got, want)
		}
	}

	data, err := h.Read(0, 11)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(data) != "hello world" {
		t.Errorf("Read = %q, want %q", data, "hello world")
	}
}

func TestCursorDeleteBeforePosition(t *testing.T) {
	h := openBytes(t, "abcdef", DefaultOptions())

	next := openCursor(t, h, 4)
	defer next.Close()
	prev := openCursor(t, h, 4)
	defer prev.Close()

	if _, err := h.Delete(2, 2); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if got := mustNext(t, next); got != 'e' {
		t.Errorf("Next = %q, want 'e'", got)
	}
	if next.Position() != 3 {
		t.Errorf("Position after Next = %d, want 3", next.Position())
	}

	got, err := prev.Prev()
	if err != nil {
		t.Fatalf("Prev failed: %v", err)
	}
	if got != 'b' || prev.Position() != 1 {
		t.Errorf("Prev = %q at %d, want 'b' at 1", got, prev.Position())
	}
}

func TestCursorInsertAtOrBeforePosition(t *testing.T) {
	h := openBytes(t, "abcdef", DefaultOptions())

	c := openCursor(t, h, 3)
	defer c.Close()
	at := openCursor(t, h, 3)
	defer at.Close()

	if _, err := h.Insert(1, []byte("XY")); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if got := mustNext(t, c); got != 'd' {
		t.Errorf("Next = %q, want 'd'", got)
	}
	if c.Position() < 3+2 {
		t.Errorf("Position = %d, want at least 5", c.Position())
	}

	// at is still at version 0. Replaying moves it to 5, where the second
	// insert lands, so it moves past that too.
	if _, err := h.Insert(5, []byte("!")); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if got := mustNext(t, at); got != 'd' {
		t.Errorf("Next after insert at position = %q, want 'd'", got)
	}
}

func TestCursorDeleteSpanningPosition(t *testing.T) {
	h := openBytes(t, "abcdefghij", DefaultOptions())

	c := openCursor(t, h, 5)
	defer c.Close()

	if _, err := h.Delete(3, 4); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if got := mustNext(t, c); got != 'h' {
		t.Errorf("Next = %q, want 'h'", got)
	}
	if c.Position() != 4 {
		t.Errorf("Position = %d, want 4", c.Position())
	}
}

func TestCursorSeesOverwrite(t *testing.T) {
	h := openBytes(t, "abcdef", DefaultOptions())

	c := openCursor(t, h, 0)
	defer c.Close()
	mustNext(t, c) // loads the window

	if _, err := h.Write(1, []byte("ZZ")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if got := mustNext(t, c); got != 'Z' {
		t.Errorf("Next after overwrite = %q, want 'Z'", got)
	}
	if c.Position() != 2 {
		t.Errorf("Position = %d, want 2", c.Position())
	}
}

func TestCursorEditsWhileWindowed(t *testing.T) {
	opts := DefaultOptions()
	opts.WindowSize = 4
	h := openBytes(t, "abcdefghijklmnopqrstuvwxyz", opts)

	c := openCursor(t, h, 10)
	defer c.Close()

	if got := mustNext(t, c); got != 'k' {
		t.Fatalf("Next = %q, want 'k'", got)
	}
	if _, err := h.Insert(0, []byte("123")); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if got := mustNext(t, c); got != 'l' {
		t.Errorf("Next after insert = %q, want 'l'", got)
	}
	if c.Position() != 15 {
		t.Errorf("Position = %d, want 15", c.Position())
	}
	if c.Version() != h.Version() {
		t.Errorf("cursor Version = %d, want %d", c.Version(), h.Version())
	}
}

func TestCursorWindowRefills(t *testing.T) {
	const text = "the quick brown fox jumps over the lazy dog"
	opts := DefaultOptions()
	opts.WindowSize = 5
	h := openBytes(t, text, opts)

	c := openCursor(t, h, 0)
	defer c.Close()

	var forward []byte
	for {
		b, err := c.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		forward = append(forward, b)
	}
	if string(forward) != text {
		t.Errorf("forward scan = %q, want %q", forward, text)
	}

	var backward []byte
	for {
		b, err := c.Prev()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Prev failed: %v", err)
		}
		backward = append([]byte{b}, backward...)
	}
	if string(backward) != text {
		t.Errorf("backward scan = %q, want %q", backward, text)
	}
	if c.Position() != 0 {
		t.Errorf("Position after backward scan = %d, want 0", c.Position())
	}
}

func TestCursorEOF(t *testing.T) {
	h := openBytes(t, "ab", DefaultOptions())

	end := openCursor(t, h, 2)
	defer end.Close()
	if _, err := end.Next(); err != io.EOF {
		t.Errorf("Next at end = %v, want io.EOF", err)
	}
	if end.Position() != 2 {
		t.Errorf("Position after EOF = %d, want 2", end.Position())
	}

	start := openCursor(t, h, 0)
	defer start.Close()
	if _, err := start.Prev(); err != io.EOF {
		t.Errorf("Prev at start = %v, want io.EOF", err)
	}

	// Appending at the end pushes the cursor past the new bytes.
	if _, err := h.Insert(2, []byte("c")); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	got, err := end.Prev()
	if err != nil {
		t.Fatalf("Prev failed: %v", err)
	}
	if got != 'c' || end.Position() != 2 {
		t.Errorf("Prev = %q at %d, want 'c' at 2", got, end.Position())
	}
}

func TestCursorDocumentShrinksUnderIt(t *testing.T) {
	h := openBytes(t, "abcdef", DefaultOptions())

	c := openCursor(t, h, 6)
	defer c.Close()
	if _, err := h.Delete(0, 6); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := c.Next(); err != io.EOF {
		t.Errorf("Next on emptied document = %v, want io.EOF", err)
	}
	if c.Position() != 0 {
		t.Errorf("Position = %d, want 0", c.Position())
	}
}

func TestCursorReadByte(t *testing.T) {
	h := openBytes(t, "xyz", DefaultOptions())
	c := openCursor(t, h, 0)
	defer c.Close()

	var r io.ByteReader = c
	var got []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			if err != io.EOF {
				t.Fatalf("ReadByte failed: %v", err)
			}
			break
		}
		got = append(got, b)
	}
	if string(got) != "xyz" {
		t.Errorf("ReadByte sequence = %q, want %q", got, "xyz")
	}
}

func TestCursorSeekTo(t *testing.T) {
	h := openBytes(t, "abcdef", DefaultOptions())
	c := openCursor(t, h, 0)
	defer c.Close()

	if err := c.SeekTo(4); err != nil {
		t.Fatalf("SeekTo failed: %v", err)
	}
	if got := mustNext(t, c); got != 'e' {
		t.Errorf("Next after SeekTo(4) = %q, want 'e'", got)
	}
	if err := c.SeekTo(7); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("SeekTo(7) = %v, want ErrOutOfRange", err)
	}
	if err := c.SeekTo(-1); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("SeekTo(-1) = %v, want ErrOutOfRange", err)
	}
	if err := c.SeekTo(6); err != nil {
		t.Errorf("SeekTo(6) = %v, want nil", err)
	}
}

func TestOpenCursorOutOfRange(t *testing.T) {
	h := openBytes(t, "abc", DefaultOptions())

	if _, err := h.OpenCursor(4); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("OpenCursor(4) = %v, want ErrOutOfRange", err)
	}
	if _, err := h.OpenCursor(-1); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("OpenCursor(-1) = %v, want ErrOutOfRange", err)
	}
	if n := h.Stats().Cursors; n != 0 {
		t.Errorf("Cursors = %d after rejected opens, want 0", n)
	}
}

func TestCursorClose(t *testing.T) {
	h := openBytes(t, "abc", DefaultOptions())
	c := openCursor(t, h, 0)

	if n := h.Stats().Cursors; n != 1 {
		t.Errorf("Cursors = %d, want 1", n)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := c.Close(); !errors.Is(err, ErrCursorClosed) {
		t.Errorf("second Close = %v, want ErrCursorClosed", err)
	}
	if _, err := c.Next(); !errors.Is(err, ErrCursorClosed) {
		t.Errorf("Next after Close = %v, want ErrCursorClosed", err)
	}
	if err := c.SeekTo(0); !errors.Is(err, ErrCursorClosed) {
		t.Errorf("SeekTo after Close = %v, want ErrCursorClosed", err)
	}
	if n := h.Stats().Cursors; n != 0 {
		t.Errorf("Cursors = %d after Close, want 0", n)
	}
}

func TestCursorOutlivesHandle(t *testing.T) {
	h, err := OpenBytes([]byte("abc"), DefaultOptions())
	if err != nil {
		t.Fatalf("OpenBytes failed: %v", err)
	}
	c := openCursor(t, h, 1)
	if err := h.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if got := mustNext(t, c); got != 'b' {
		t.Errorf("Next after handle close = %q, want 'b'", got)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("cursor Close failed: %v", err)
	}
	if !h.buf.torn.Load() {
		t.Error("document still open after last cursor closed")
	}
}

func TestCursorPinsJournal(t *testing.T) {
	h := openBytes(t, "abc", DefaultOptions())
	c := openCursor(t, h, 0)

	for range 3 {
		if _, err := h.Insert(0, []byte("x")); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}
	if n := h.Stats().JournalRecords; n != 3 {
		t.Errorf("JournalRecords with a cursor at version 0 = %d, want 3", n)
	}

	mustNext(t, c)
	if dropped := h.PruneEditLog(); dropped != 2 {
		t.Errorf("PruneEditLog after catch-up dropped %d, want 2", dropped)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	st := h.Stats()
	if st.JournalRecords != 0 && st.OldestRecord < st.Version {
		t.Errorf("journal keeps version %d below current %d after last cursor closed", st.OldestRecord, st.Version)
	}
}

func TestCursorLostHistoryPoisons(t *testing.T) {
	h := openBytes(t, "abc", DefaultOptions())
	c := openCursor(t, h, 0)
	defer c.Close()

	h.Insert(0, []byte("x"))
	h.Insert(0, []byte("y"))

	// Simulate a journal that dropped records a cursor still needed.
	b := h.buf
	b.journalMu.Lock()
	b.journal.Prune(h.Version() + 1)
	b.journalMu.Unlock()

	_, err := c.Next()
	if !errors.Is(err, ErrPoisoned) || !errors.Is(err, ErrCorruptStructure) {
		t.Fatalf("Next = %v, want poisoned corrupt structure", err)
	}
	if _, err := h.Read(0, 1); !errors.Is(err, ErrPoisoned) {
		t.Errorf("Read after poisoning = %v, want ErrPoisoned", err)
	}
	if KindOf(err) != KindCorruptStructure {
		t.Errorf("KindOf = %v, want %v", KindOf(err), KindCorruptStructure)
	}
}

func TestCursorReleasedByGarbageCollector(t *testing.T) {
	h := openBytes(t, "abc", DefaultOptions())

	func() {
		if _, err := h.OpenCursor(0); err != nil {
			t.Fatalf("OpenCursor failed: %v", err)
		}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for h.Stats().Cursors != 0 {
		if time.Now().After(deadline) {
			t.Fatal("abandoned cursor was never deregistered")
		}
		runtime.GC()
		time.Sleep(10 * time.Millisecond)
	}
}

// flakyStore hands out snapshots whose reads fail while failures remain.
type flakyStore struct {
	Persistence
	failures int
}

func (s *flakyStore) Snapshot() Snapshot {
	return &flakySnapshot{Snapshot: s.Persistence.Snapshot(), store: s}
}

type flakySnapshot struct {
	Snapshot
	store *flakyStore
}

func (s *flakySnapshot) ReadAt(p []byte, off int64) (int, error) {
	if s.store.failures > 0 {
		s.store.failures--
		return 0, errDisk
	}
	return s.Snapshot.ReadAt(p, off)
}

func TestCursorRefillErrorLeavesCursorUsable(t *testing.T) {
	store := &flakyStore{Persistence: NewContentTreeFromBytes([]byte("abc"))}
	h, err := Open(store, DefaultOptions())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer h.Close()
	c := openCursor(t, h, 0)
	defer c.Close()

	store.failures = 1
	if _, err := c.Next(); !errors.Is(err, ErrBackendUnavailable) || !errors.Is(err, errDisk) {
		t.Fatalf("Next with a failing backend = %v, want ErrBackendUnavailable wrapping %v", err, errDisk)
	}
	if c.Position() != 0 {
		t.Errorf("failed Next moved the cursor to %d", c.Position())
	}
	if got := mustNext(t, c); got != 'a' || c.Position() != 1 {
		t.Errorf("Next after failure = %q at %d, want 'a' at 1", got, c.Position())
	}

	// An edit drops the window, so the next Prev has to refill.
	if _, err := h.Insert(3, []byte("d")); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	store.failures = 1
	if _, err := c.Prev(); !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("Prev with a failing backend = %v, want ErrBackendUnavailable", err)
	}
	got, err := c.Prev()
	if err != nil || got != 'a' || c.Position() != 0 {
		t.Errorf("Prev after failure = %q, %v at %d; want 'a' at 0", got, err, c.Position())
	}
	if _, err := h.Read(0, 4); err != nil {
		t.Errorf("handle unusable after cursor refill failure: %v", err)
	}
}
