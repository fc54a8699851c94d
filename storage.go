package skein

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// Source is the original backing data of a document.
// It is read-only; edits never write to it.
type Source interface {
	io.ReaderAt
	Size() int64
}

// bytesSource is an in-memory Source.
type bytesSource []byte

func (s bytesSource) Size() int64 { return int64(len(s)) }

func (s bytesSource) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(s)) {
		return 0, ErrOutOfRange
	}
	n := copy(p, s[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// File is an open file as seen by a FileSystem.
type File interface {
	io.ReaderAt
	io.Closer
	Size() (int64, error)
}

// FileSystem abstracts how source files are opened, so documents can be
// served from something other than the local disk.
type FileSystem interface {
	Open(name string) (File, error)
}

// localFile wraps an os.File for the local file system.
type localFile struct {
	file *os.File
}

func (f *localFile) ReadAt(p []byte, off int64) (int, error) {
	return f.file.ReadAt(p, off)
}

func (f *localFile) Close() error {
	return f.file.Close()
}

func (f *localFile) Size() (int64, error) {
	info, err := f.file.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// localFileSystem implements FileSystem for local files.
type localFileSystem struct{}

func (localFileSystem) Open(name string) (File, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	return &localFile{file: f}, nil
}

// LocalFileSystem returns the FileSystem backed by the operating system.
func LocalFileSystem() FileSystem {
	return localFileSystem{}
}

// fileSource serves original content lazily from an open file.
// Reads go straight to the file; nothing is materialized up front.
type fileSource struct {
	file File
	size int64

	closeOnce sync.Once
	closeErr  error
}

func newFileSource(f File) (*fileSource, error) {
	size, err := f.Size()
	if err != nil {
		return nil, err
	}
	return &fileSource{file: f, size: size}, nil
}

func (s *fileSource) Size() int64 { return s.size }

func (s *fileSource) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > s.size {
		return 0, ErrOutOfRange
	}
	want := len(p)
	if rest := s.size - off; int64(want) > rest {
		want = int(rest)
	}
	n, err := s.file.ReadAt(p[:want], off)
	if n < want {
		// A short read inside the recorded size means the file shrank.
		if err == nil || errors.Is(err, io.EOF) {
			err = s.changed()
		}
		return n, err
	}
	if want < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// changed reports how the file differs from what was recorded at open.
func (s *fileSource) changed() error {
	size, err := s.file.Size()
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: size %d, expected %d", ErrSourceChanged, size, s.size)
}

func (s *fileSource) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.file.Close()
	})
	return s.closeErr
}

// loadSource opens name and decides between eager and lazy loading. Files
// no larger than threshold are read into memory and closed; larger files
// stay open and are read on demand. A threshold of zero or less always loads eagerly.
func loadSource(fs FileSystem, name string, threshold int64) (Source, error) {
	f, err := fs.Open(name)
	if err != nil {
		return nil, err
	}
	src, err := newFileSource(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	if threshold > 0 && src.size > threshold {
		return src, nil
	}
	defer src.Close()

	data := make([]byte, src.size)
	if _, err := src.ReadAt(data, 0); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return bytesSource(data), nil
}
