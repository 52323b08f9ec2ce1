package bufmgr

import (
	"fmt"

	"github.com/usnistgov/ccdma/dma/dmamap"
)

// BufferArrayCapacity is the maximum number of descriptors in a BufferArray.
// A request chains at most the CCM header, associated data, IV, src, and dst.
const BufferArrayCapacity = 5

// EntryKind identifies the payload of a BufferEntry.
type EntryKind int

// EntryKind values.
const (
	EntryBuffer EntryKind = iota
	EntryScatter
)

func (k EntryKind) String() string {
	switch k {
	case EntryBuffer:
		return "buffer"
	case EntryScatter:
		return "scatter"
	}
	return fmt.Sprintf("EntryKind(%d)", int(k))
}

// BufferEntry is one descriptor in a BufferArray.
// It is either a single contiguous device buffer or a mapped scatter region.
type BufferEntry struct {
	kind    EntryKind
	addr    uint32
	mapping *dmamap.Mapping

	// Len is the number of octets to render.
	Len int
	// IsLast indicates this descriptor ends the table.
	IsLast bool
}

// Kind returns the payload kind.
func (ent BufferEntry) Kind() EntryKind {
	return ent.kind
}

// Addr returns the device address of a buffer descriptor.
func (ent BufferEntry) Addr() uint32 {
	return ent.addr
}

// Mapping returns the mapping of a scatter descriptor.
func (ent BufferEntry) Mapping() *dmamap.Mapping {
	return ent.mapping
}

// Nents returns the number of device extents in the descriptor.
func (ent BufferEntry) Nents() int {
	if ent.kind == EntryScatter {
		return ent.mapping.MappedNents()
	}
	return 1
}

// BufferArray is an ordered collection of descriptors to be rendered into one table.
// The zero value is an empty array.
type BufferArray struct {
	entries [BufferArrayCapacity]BufferEntry
	n       int
}

// Reset clears the array.
func (arr *BufferArray) Reset() {
	*arr = BufferArray{}
}

// Len returns the number of descriptors.
func (arr *BufferArray) Len() int {
	return arr.n
}

// At returns the i-th descriptor.
func (arr *BufferArray) At(i int) BufferEntry {
	return arr.entries[i]
}

func (arr *BufferArray) push(ent BufferEntry) (int, error) {
	if arr.n == len(arr.entries) {
		return -1, fmt.Errorf("%w: %d descriptors", ErrCapacity, len(arr.entries))
	}
	i := arr.n
	arr.entries[i] = ent
	arr.n++
	return i, nil
}

// AddBuffer appends a single contiguous buffer descriptor.
// Returns its index.
func (arr *BufferArray) AddBuffer(addr uint32, length int, isLast bool) (int, error) {
	return arr.push(BufferEntry{kind: EntryBuffer, addr: addr, Len: length, IsLast: isLast})
}

// AddScatter appends a scatter descriptor covering the first totalLen octets of a mapping.
// Returns its index.
func (arr *BufferArray) AddScatter(mp *dmamap.Mapping, totalLen int, isLast bool) (int, error) {
	if mp == nil {
		return -1, fmt.Errorf("%w: nil mapping", ErrInvalidArgument)
	}
	return arr.push(BufferEntry{kind: EntryScatter, mapping: mp, Len: totalLen, IsLast: isLast})
}

// markLast sets IsLast on the final descriptor.
func (arr *BufferArray) markLast() {
	if arr.n > 0 {
		arr.entries[arr.n-1].IsLast = true
	}
}
