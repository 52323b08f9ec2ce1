// Package lli implements the link-list-item descriptor format walked by the crypto engine DMA.
//
// Each entry occupies two little-endian 32-bit words:
//
//	word0[31:0]  = address
//	word1[29:0]  = size
//	word1[30]    = first
//	word1[31]    = last
package lli

import (
	"encoding/binary"
	"fmt"
)

// Entry layout constants.
const (
	EntryWordSize = 2
	EntrySize     = EntryWordSize * 4

	SizeBits         = 30
	MaxEntryDataSize = 1<<SizeBits - 1

	sizeMask = MaxEntryDataSize
	firstBit = 1 << 30
	lastBit  = 1 << 31
)

// Entry is one descriptor.
type Entry struct {
	Addr  uint32 `json:"addr"`
	Size  uint32 `json:"size"`
	First bool   `json:"first,omitempty"`
	Last  bool   `json:"last,omitempty"`
}

func (e Entry) word1() (w uint32) {
	w = e.Size & sizeMask
	if e.First {
		w |= firstBit
	}
	if e.Last {
		w |= lastBit
	}
	return w
}

// Encode writes the entry into b, which must have at least EntrySize octets.
// Size bits beyond SizeBits are discarded.
func (e Entry) Encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], e.Addr)
	binary.LittleEndian.PutUint32(b[4:], e.word1())
}

// Decode reads an entry from b, which must have at least EntrySize octets.
func Decode(b []byte) (e Entry) {
	e.Addr = binary.LittleEndian.Uint32(b[0:])
	w1 := binary.LittleEndian.Uint32(b[4:])
	e.Size = w1 & sizeMask
	e.First = w1&firstBit != 0
	e.Last = w1&lastBit != 0
	return e
}

func (e Entry) String() string {
	flags := ""
	if e.First {
		flags += "F"
	}
	if e.Last {
		flags += "L"
	}
	return fmt.Sprintf("%08x+%d%s", e.Addr, e.Size, flags)
}

// Table is a contiguous array of encoded entries.
type Table []byte

// MakeTable allocates a zeroed table with room for n entries.
func MakeTable(n int) Table {
	return make(Table, n*EntrySize)
}

func (t Table) nth(i int) []byte {
	return t[i*EntrySize : (i+1)*EntrySize]
}

// Len returns the number of entries that fit in the table.
func (t Table) Len() int {
	return len(t) / EntrySize
}

// At decodes the i-th entry.
func (t Table) At(i int) Entry {
	return Decode(t.nth(i))
}

// Set encodes the i-th entry.
func (t Table) Set(i int, e Entry) {
	e.Encode(t.nth(i))
}

// SetLast sets the last-bit of the i-th entry, leaving other fields intact.
func (t Table) SetLast(i int) {
	b := t.nth(i)
	binary.LittleEndian.PutUint32(b[4:], binary.LittleEndian.Uint32(b[4:])|lastBit)
}

// IsLast reports whether the i-th entry has its last-bit set.
func (t Table) IsLast(i int) bool {
	return binary.LittleEndian.Uint32(t.nth(i)[4:])&lastBit != 0
}

// Entries decodes all entries.
func (t Table) Entries() (list []Entry) {
	list = make([]Entry, t.Len())
	for i := range list {
		list[i] = t.At(i)
	}
	return list
}
