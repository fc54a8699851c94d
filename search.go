package skein

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"regexp"
)

// searchChunk is how much of the snapshot a search reads at a time.
const searchChunk = 64 * 1024

// SearchResult contains information about a search match.
type SearchResult struct {
	Start   int64   // first byte of the match
	End     int64   // byte after the match
	Version Version // version of the document that was searched
}

// SearchOptions configures byte search behavior.
type SearchOptions struct {
	IgnoreCase bool // fold ASCII letters before comparing
	Backward   bool // search toward the start of the document
}

// Find searches for needle starting from the cursor position. Forward
// searches match at or after the position; backward searches match only
// bytes wholly before it. The cursor is NOT moved by this operation.
func (c *Cursor) Find(needle []byte, opts SearchOptions) (SearchResult, bool, error) {
	if err := c.prepareSearch(); err != nil {
		return SearchResult{}, false, err
	}
	return c.findFrom(c.pos, needle, opts)
}

// FindNext finds the next occurrence and moves the cursor to its start.
// Forward searches skip a match at the current position, so repeated calls
// walk through every occurrence.
func (c *Cursor) FindNext(needle []byte, opts SearchOptions) (SearchResult, bool, error) {
	if err := c.prepareSearch(); err != nil {
		return SearchResult{}, false, err
	}
	from := c.pos
	if !opts.Backward {
		from = min(c.pos+1, c.snap.Len())
	}
	res, ok, err := c.findFrom(from, needle, opts)
	if ok {
		c.pos = res.Start
	}
	return res, ok, err
}

// Count counts non-overlapping occurrences of needle in the whole document.
func (c *Cursor) Count(needle []byte, opts SearchOptions) (int, error) {
	if err := c.prepareSearch(); err != nil {
		return 0, err
	}
	if len(needle) == 0 {
		return 0, nil
	}
	n := 0
	err := scanForward(c.snap, 0, needle, opts.IgnoreCase, func(int64) bool {
		n++
		return true
	})
	if err != nil {
		return 0, c.buf.classify(err)
	}
	return n, nil
}

// FindRegexp returns the leftmost match of re at or after the cursor
// position. The document is streamed through the matcher rather than read
// into memory. The cursor is not moved.
func (c *Cursor) FindRegexp(re *regexp.Regexp) (SearchResult, bool, error) {
	if err := c.prepareSearch(); err != nil {
		return SearchResult{}, false, err
	}
	size := c.snap.Len()
	src := &stickyReader{r: io.NewSectionReader(c.snap, c.pos, size-c.pos)}
	loc := re.FindReaderIndex(bufio.NewReaderSize(src, searchChunk))
	if src.err != nil {
		return SearchResult{}, false, c.buf.classify(src.err)
	}
	if loc == nil {
		return SearchResult{}, false, nil
	}
	return SearchResult{
		Start:   c.pos + int64(loc[0]),
		End:     c.pos + int64(loc[1]),
		Version: c.version,
	}, true, nil
}

// prepareSearch catches the cursor up and pins the snapshot it will search.
func (c *Cursor) prepareSearch() error {
	if err := c.ready(); err != nil {
		return err
	}
	return c.ensureSnapshot()
}

func (c *Cursor) findFrom(from int64, needle []byte, opts SearchOptions) (SearchResult, bool, error) {
	if len(needle) == 0 {
		return SearchResult{}, false, nil
	}
	var (
		pos int64 = -1
		err error
	)
	if opts.Backward {
		pos, err = searchBackward(c.snap, from, needle, opts.IgnoreCase)
	} else {
		err = scanForward(c.snap, from, needle, opts.IgnoreCase, func(p int64) bool {
			pos = p
			return false
		})
	}
	if err != nil {
		return SearchResult{}, false, c.buf.classify(err)
	}
	if pos < 0 {
		return SearchResult{}, false, nil
	}
	return SearchResult{Start: pos, End: pos + int64(len(needle)), Version: c.version}, true, nil
}

// scanForward calls fn with the start of each non-overlapping match at or
// after from, in order, until fn returns false. Chunks overlap by
// len(needle)-1 bytes so matches straddling a boundary are still seen.
func scanForward(snap Snapshot, from int64, needle []byte, fold bool, fn func(int64) bool) error {
	size := snap.Len()
	n := int64(len(needle))
	if fold {
		needle = lowerASCII(bytes.Clone(needle))
	}
	buf := make([]byte, searchChunk+n-1)

	for pos := from; pos+n <= size; {
		end := min(pos+int64(len(buf)), size)
		chunk := buf[:end-pos]
		if err := readChunk(snap, chunk, pos); err != nil {
			return err
		}
		if fold {
			lowerASCII(chunk)
		}

		next := end - n + 1 // first start this chunk could not test
		for i := 0; ; {
			j := bytes.Index(chunk[i:], needle)
			if j < 0 {
				break
			}
			if !fn(pos + int64(i+j)) {
				return nil
			}
			i += j + len(needle)
			next = max(next, pos+int64(i))
		}
		pos = next
	}
	return nil
}

// searchBackward returns the start of the last match ending at or before
// before, or -1.
func searchBackward(snap Snapshot, before int64, needle []byte, fold bool) (int64, error) {
	n := int64(len(needle))
	if fold {
		needle = lowerASCII(bytes.Clone(needle))
	}
	buf := make([]byte, searchChunk+n-1)

	for end := min(before, snap.Len()); end >= n; {
		start := max(end-int64(len(buf)), 0)
		chunk := buf[:end-start]
		if err := readChunk(snap, chunk, start); err != nil {
			return -1, err
		}
		if fold {
			lowerASCII(chunk)
		}
		if i := bytes.LastIndex(chunk, needle); i >= 0 {
			return start + int64(i), nil
		}
		if start == 0 {
			break
		}
		end = start + n - 1
	}
	return -1, nil
}

func readChunk(snap Snapshot, p []byte, off int64) error {
	n, err := snap.ReadAt(p, off)
	if n == len(p) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return err
}

// lowerASCII folds A-Z in place and returns p. Other bytes are untouched,
// so lengths and offsets are preserved.
func lowerASCII(p []byte) []byte {
	for i, b := range p {
		if 'A' <= b && b <= 'Z' {
			p[i] = b + 'a' - 'A'
		}
	}
	return p
}

// stickyReader remembers the first real read error, which regexp would
// otherwise treat as the end of input.
type stickyReader struct {
	r   io.Reader
	err error
}

func (s *stickyReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && err != io.EOF && s.err == nil {
		s.err = err
	}
	return n, err
}
