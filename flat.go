package skein

import (
	"io"
	"sync"
)

// FlatStore is a Persistence over a single contiguous byte slice.
// Every mutation copies the slice, so snapshots are free but edits are
// linear in the document size. It suits small documents and serves as a
// reference model for the piece tree.
type FlatStore struct {
	mu   sync.RWMutex
	data []byte
}

// NewFlatStore creates a store holding a copy of data.
func NewFlatStore(data []byte) *FlatStore {
	return &FlatStore{data: append([]byte(nil), data...)}
}

// Len returns the document length.
func (f *FlatStore) Len() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return int64(len(f.data))
}

// Read returns up to length bytes starting at offset.
func (f *FlatStore) Read(offset, length int64) ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	size := int64(len(f.data))
	if offset < 0 || length < 0 || offset > size {
		return nil, ErrOutOfRange
	}
	end := offset + min(length, size-offset)
	return append([]byte(nil), f.data[offset:end]...), nil
}

// Insert places data at offset, which must not exceed Len.
func (f *FlatStore) Insert(offset int64, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if offset < 0 || offset > int64(len(f.data)) {
		return ErrOutOfRange
	}
	next := make([]byte, 0, len(f.data)+len(data))
	next = append(next, f.data[:offset]...)
	next = append(next, data...)
	next = append(next, f.data[offset:]...)
	f.data = next
	return nil
}

// Delete removes [offset, offset+length).
func (f *FlatStore) Delete(offset, length int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if size := int64(len(f.data)); offset < 0 || length < 0 || offset > size || length > size-offset {
		return ErrOutOfRange
	}
	next := make([]byte, 0, int64(len(f.data))-length)
	next = append(next, f.data[:offset]...)
	next = append(next, f.data[offset+length:]...)
	f.data = next
	return nil
}

// Write overwrites len(data) bytes at offset.
func (f *FlatStore) Write(offset int64, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if size := int64(len(f.data)); offset < 0 || offset > size || int64(len(data)) > size-offset {
		return ErrOutOfRange
	}
	next := append([]byte(nil), f.data...)
	copy(next[offset:], data)
	f.data = next
	return nil
}

// Snapshot returns a view of the current bytes. The slice is never
// modified in place, so the view stays valid.
func (f *FlatStore) Snapshot() Snapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return flatSnapshot(f.data)
}

type flatSnapshot []byte

func (s flatSnapshot) Len() int64 { return int64(len(s)) }

func (s flatSnapshot) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(s)) {
		return 0, ErrOutOfRange
	}
	n := copy(p, s[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
