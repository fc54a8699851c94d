package skein

import (
	"fmt"

	"github.com/tidwall/btree"
)

// Version identifies a committed edit. Version N is the Nth edit applied
// to a document; version 0 is the document as opened.
type Version uint64

// EditKind is the type of an edit record.
type EditKind uint8

const (
	// EditInsert grew the document by Length bytes at Offset.
	EditInsert EditKind = iota + 1

	// EditDelete removed [Offset, Offset+Length).
	EditDelete

	// EditOverwrite replaced [Offset, Offset+Length) in place.
	EditOverwrite
)

// String returns the kind name.
func (k EditKind) String() string {
	switch k {
	case EditInsert:
		return "insert"
	case EditDelete:
		return "delete"
	case EditOverwrite:
		return "overwrite"
	default:
		return fmt.Sprintf("edit(%d)", uint8(k))
	}
}

// EditRecord describes one committed edit.
type EditRecord struct {
	Version Version
	Kind    EditKind
	Offset  int64
	Length  int64
}

// Shift returns where a position ends up after this edit. An insert at or
// before pos pushes it forward, a delete wholly before pos pulls it back,
// and a delete spanning pos clamps it to the delete's start.
func (r EditRecord) Shift(pos int64) int64 {
	switch r.Kind {
	case EditInsert:
		if r.Offset <= pos {
			return pos + r.Length
		}
	case EditDelete:
		switch {
		case r.Offset+r.Length <= pos:
			return pos - r.Length
		case r.Offset < pos:
			return r.Offset
		}
	}
	return pos
}

// EditJournal is the ordered log of committed edits. It is not safe for
// concurrent use; the Handle guards it with the journal lock.
type EditJournal struct {
	records []EditRecord
	pruned  Version // highest version discarded so far
}

// Append adds a record. Versions must be strictly increasing.
func (j *EditJournal) Append(rec EditRecord) error {
	if n := len(j.records); n > 0 && rec.Version <= j.records[n-1].Version {
		return fmt.Errorf("%w: journal version %d after %d", ErrCorruptStructure, rec.Version, j.records[n-1].Version)
	}
	if rec.Version <= j.pruned {
		return fmt.Errorf("%w: journal version %d at or below pruned %d", ErrCorruptStructure, rec.Version, j.pruned)
	}
	j.records = append(j.records, rec)
	return nil
}

// Prune discards every record with a version below mark and reports how
// many were dropped.
func (j *EditJournal) Prune(mark Version) int {
	i := 0
	for i < len(j.records) && j.records[i].Version < mark {
		i++
	}
	if i == 0 {
		return 0
	}
	j.pruned = j.records[i-1].Version
	j.records = append(j.records[:0:0], j.records[i:]...)
	return i
}

// Since returns the records with versions in (after, upto], in order.
// It fails with ErrHistoryPruned if any of them was discarded.
func (j *EditJournal) Since(after, upto Version) ([]EditRecord, error) {
	if after < j.pruned {
		return nil, fmt.Errorf("%w: version %d, oldest retained after %d", ErrHistoryPruned, after, j.pruned)
	}
	var out []EditRecord
	for _, rec := range j.records {
		if rec.Version <= after {
			continue
		}
		if rec.Version > upto {
			break
		}
		out = append(out, rec)
	}
	return out, nil
}

// Len returns the number of retained records.
func (j *EditJournal) Len() int {
	return len(j.records)
}

// Oldest returns the version of the oldest retained record.
func (j *EditJournal) Oldest() (Version, bool) {
	if len(j.records) == 0 {
		return 0, false
	}
	return j.records[0].Version, true
}

// registration is one live cursor's entry in the version registry.
type registration struct {
	version Version
	id      uint64
}

func byVersion(a, b registration) bool {
	if a.version != b.version {
		return a.version < b.version
	}
	return a.id < b.id
}

// versionRegistry tracks the version each live cursor has observed. The
// minimum is the low-water mark below which journal records are unneeded.
type versionRegistry struct {
	byID   map[uint64]Version
	order  *btree.BTreeG[registration]
	nextID uint64
}

func newVersionRegistry() *versionRegistry {
	return &versionRegistry{
		byID:  make(map[uint64]Version),
		order: btree.NewBTreeGOptions[registration](byVersion, btree.Options{NoLocks: true}),
	}
}

// register adds a cursor at v and returns its id.
func (r *versionRegistry) register(v Version) uint64 {
	r.nextID++
	id := r.nextID
	r.byID[id] = v
	r.order.Set(registration{version: v, id: id})
	return id
}

// bump advances the cursor's version. It never moves backward.
func (r *versionRegistry) bump(id uint64, v Version) {
	old, ok := r.byID[id]
	if !ok || v <= old {
		return
	}
	r.order.Delete(registration{version: old, id: id})
	r.byID[id] = v
	r.order.Set(registration{version: v, id: id})
}

// deregister removes a cursor. Unknown ids are ignored.
func (r *versionRegistry) deregister(id uint64) {
	v, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	r.order.Delete(registration{version: v, id: id})
}

// min returns the lowest registered version.
func (r *versionRegistry) min() (Version, bool) {
	reg, ok := r.order.Min()
	if !ok {
		return 0, false
	}
	return reg.version, true
}

func (r *versionRegistry) len() int {
	return len(r.byID)
}
