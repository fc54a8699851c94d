package skein

// Persistence is the contract between the core and a backing store.
// Implementations must tolerate concurrent Read, Len and Snapshot calls;
// the Handle serializes mutations against each other and against reads.
type Persistence interface {
	// Read returns up to length bytes starting at offset. Fewer bytes are
	// returned only at the end of the document. offset > Len() is ErrOutOfRange.
	Read(offset, length int64) ([]byte, error)

	// Write overwrites len(data) bytes at offset. The document length is unchanged.
	Write(offset int64, data []byte) error

	// Insert grows the document by len(data) at offset, shifting everything after it.
	Insert(offset int64, data []byte) error

	// Delete removes [offset, offset+length).
	Delete(offset, length int64) error

	// Len returns the current document length.
	Len() int64

	// Snapshot returns an immutable view of the current structure. It must
	// be cheap to obtain; later mutations are never visible through it.
	Snapshot() Snapshot
}

// Snapshot is a frozen, shareable view of a document.
type Snapshot interface {
	// Len returns the document length at the time of the snapshot.
	Len() int64

	// ReadAt follows io.ReaderAt semantics.
	ReadAt(p []byte, off int64) (int, error)
}

// Syncer is implemented by backends that buffer writes and can make them durable.
type Syncer interface {
	Sync() error
}

// PieceCounter is implemented by backends that can report their structural size.
type PieceCounter interface {
	PieceCount() int
}
