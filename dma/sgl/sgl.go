// Package sgl describes scatter/gather memory regions.
//
// A Region is an ordered set of fragments. A fragment is either host memory, which must be mapped
// before a device can reach it, or an extent that already has a device address. A Region built from
// more than one List is chained: its fragments come from several independently allocated lists and
// are walked in order as if they were one.
package sgl

import (
	"fmt"
	"strings"
)

// Segment is one contiguous fragment.
type Segment struct {
	// Data is the host memory of this fragment.
	// It is nil for a device-only extent.
	Data []byte

	// Addr is the device address of a device-only extent.
	Addr uint64

	// Size is the length of a device-only extent.
	// It is ignored when Data is not nil.
	Size int
}

// Host creates a host memory fragment.
func Host(b []byte) Segment {
	return Segment{Data: b}
}

// Device creates a device-only fragment.
func Device(addr uint64, size int) Segment {
	return Segment{Addr: addr, Size: size}
}

// IsHost reports whether the fragment is host memory.
func (seg Segment) IsHost() bool {
	return seg.Data != nil
}

// Len returns fragment length in octets.
func (seg Segment) Len() int {
	if seg.Data != nil {
		return len(seg.Data)
	}
	return seg.Size
}

func (seg Segment) String() string {
	if seg.IsHost() {
		return fmt.Sprintf("host(%d)", len(seg.Data))
	}
	return fmt.Sprintf("dev(%x+%d)", seg.Addr, seg.Size)
}

// List is a scatter/gather list.
type List []Segment

// Len returns total length of fragments.
func (l List) Len() (n int) {
	for _, seg := range l {
		n += seg.Len()
	}
	return n
}

// Region is a possibly chained scatter/gather region.
type Region struct {
	parts []List

	// Secure indicates the region lives in device-secure memory.
	// Its fragments must be device-only extents and are never host-mapped.
	Secure bool
}

// New creates an unchained Region.
func New(segs ...Segment) *Region {
	return &Region{parts: []List{segs}}
}

// FromBytes creates an unchained Region of host fragments.
func FromBytes(bufs ...[]byte) *Region {
	l := make(List, len(bufs))
	for i, b := range bufs {
		l[i] = Host(b)
	}
	return New(l...)
}

// Chain creates a Region whose fragments are drawn from several lists.
// A single list yields an unchained Region.
func Chain(lists ...List) *Region {
	r := &Region{}
	for _, l := range lists {
		if len(l) > 0 {
			r.parts = append(r.parts, l)
		}
	}
	return r
}

// IsChained reports whether fragments come from more than one list.
func (r *Region) IsChained() bool {
	return len(r.parts) > 1
}

// IsSingle reports whether the region consists of exactly one fragment.
func (r *Region) IsSingle() bool {
	return len(r.parts) == 1 && len(r.parts[0]) == 1
}

// Count returns number of fragments, including zero-length ones.
func (r *Region) Count() (n int) {
	for _, l := range r.parts {
		n += len(l)
	}
	return n
}

// Len returns total length in octets.
func (r *Region) Len() (n int) {
	for _, l := range r.parts {
		n += l.Len()
	}
	return n
}

// Walk invokes fn on each fragment in order, stopping early if fn returns false.
// i counts fragments across all lists.
func (r *Region) Walk(fn func(i int, seg Segment) bool) {
	i := 0
	for _, l := range r.parts {
		for _, seg := range l {
			if !fn(i, seg) {
				return
			}
			i++
		}
	}
}

// Segments returns a flattened copy of the fragment list.
func (r *Region) Segments() (list List) {
	list = make(List, 0, r.Count())
	r.Walk(func(i int, seg Segment) bool {
		list = append(list, seg)
		return true
	})
	return list
}

func (r *Region) copyPortion(buf []byte, offset int, toBuf bool) (n int) {
	r.Walk(func(i int, seg Segment) bool {
		if n == len(buf) {
			return false
		}
		segLen := seg.Len()
		if offset >= segLen {
			offset -= segLen
			return true
		}
		if !seg.IsHost() {
			return false
		}
		part := seg.Data[offset:]
		offset = 0
		if toBuf {
			n += copy(buf[n:], part)
		} else {
			n += copy(part, buf[n:])
		}
		return true
	})
	return n
}

// CopyTo copies region octets starting at offset into buf.
// Returns number of octets copied, which is less than len(buf) if the region ends early or a
// device-only fragment is reached.
func (r *Region) CopyTo(buf []byte, offset int) int {
	return r.copyPortion(buf, offset, true)
}

// CopyFrom copies buf into region octets starting at offset.
// Returns number of octets copied.
func (r *Region) CopyFrom(buf []byte, offset int) int {
	return r.copyPortion(buf, offset, false)
}

// Bytes returns a copy of all host octets in the region.
func (r *Region) Bytes() []byte {
	b := make([]byte, r.Len())
	return b[:r.CopyTo(b, 0)]
}

func (r *Region) String() string {
	var b strings.Builder
	for i, l := range r.parts {
		if i > 0 {
			b.WriteString(" => ")
		}
		for j, seg := range l {
			if j > 0 {
				b.WriteByte(',')
			}
			b.WriteString(seg.String())
		}
	}
	if r.Secure {
		b.WriteString(" secure")
	}
	return b.String()
}
