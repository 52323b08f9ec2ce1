package dmamap

import (
	"fmt"
	"math"

	"github.com/usnistgov/ccdma/dma/sgl"
	"go.uber.org/zap"
)

// Mapping is an established mapping of a Region portion.
type Mapping struct {
	// Region is the mapped region.
	Region *sgl.Region
	// Dir is the mapping direction.
	Dir Direction
	// Nents is the number of fragments needed to cover the requested length.
	Nents int
	// LastBytes is the number of requested octets that fall in the last needed fragment.
	LastBytes int
	// Segments is the device view of the mapped fragments.
	// It has Nents elements, or fewer if the mapper coalesced adjacent fragments.
	Segments []Segment

	frags       []sgl.Segment
	perFragment bool
}

// MappedNents returns number of device extents.
func (mp *Mapping) MappedNents() int {
	return len(mp.Segments)
}

// Fragments returns the logical fragments covered by the mapping.
func (mp *Mapping) Fragments() []sgl.Segment {
	return mp.frags
}

// Len returns total length of device extents.
func (mp *Mapping) Len() (n int) {
	for _, seg := range mp.Segments {
		n += seg.Len
	}
	return n
}

// AddrAt translates a logical offset into a device address.
// It returns false if the offset is outside the mapping, or if the n octets starting there do not
// sit in one device extent.
func (mp *Mapping) AddrAt(offset, n int) (addr uint32, ok bool) {
	for _, seg := range mp.Segments {
		if offset < seg.Len {
			if offset+n > seg.Len {
				return 0, false
			}
			return seg.Addr + uint32(offset), true
		}
		offset -= seg.Len
	}
	return 0, false
}

// HostAt returns the host memory of n octets starting at a logical offset.
// It returns nil if those octets are not contiguous in host memory.
func (mp *Mapping) HostAt(offset, n int) []byte {
	for _, frag := range mp.frags {
		if offset < frag.Len() {
			if !frag.IsHost() || offset+n > frag.Len() {
				return nil
			}
			return frag.Data[offset : offset+n]
		}
		offset -= frag.Len()
	}
	return nil
}

// CountNents determines how many fragments of r are needed to cover nbytes octets.
// lastBytes is the number of octets that fall in the last needed fragment.
// Zero-length fragments are skipped.
func CountNents(r *sgl.Region, nbytes int) (nents, lastBytes int, e error) {
	remain := nbytes
	r.Walk(func(i int, seg sgl.Segment) bool {
		if remain == 0 {
			return false
		}
		segLen := seg.Len()
		if segLen == 0 {
			return true
		}
		nents++
		lastBytes = remain
		if segLen < remain {
			remain -= segLen
		} else {
			remain = 0
		}
		return true
	})
	if remain > 0 {
		return 0, 0, fmt.Errorf("%w: region has %d octets, need %d", ErrInvalidArgument, r.Len(), nbytes)
	}
	return nents, lastBytes, nil
}

func neededFragments(r *sgl.Region, nents int) (frags []sgl.Segment) {
	frags = make([]sgl.Segment, 0, nents)
	r.Walk(func(i int, seg sgl.Segment) bool {
		if len(frags) == nents {
			return false
		}
		if seg.Len() > 0 {
			frags = append(frags, seg)
		}
		return true
	})
	return frags
}

// MapRegion maps the first nbytes octets of a region.
//
// A region with exactly one fragment is mapped as a whole, regardless of maxNents.
// Otherwise, fragments needed to cover nbytes are counted, and ErrTooManyFragments is returned if
// the count exceeds maxNents. An unchained region is mapped in one MapList call. A chained region is
// mapped fragment by fragment; if one fragment fails, fragments mapped so far are released.
//
// A device-secure region is not host-mapped; its device addresses are used as is.
func MapRegion(m Mapper, r *sgl.Region, nbytes int, dir Direction, maxNents int) (mp *Mapping, e error) {
	if r == nil {
		return nil, fmt.Errorf("%w: nil region", ErrInvalidArgument)
	}
	mp = &Mapping{Region: r, Dir: dir}

	if r.IsSingle() {
		frag := r.Segments()[0]
		if frag.Len() < nbytes {
			return nil, fmt.Errorf("%w: fragment has %d octets, need %d", ErrInvalidArgument, frag.Len(), nbytes)
		}
		mp.Nents, mp.LastBytes, mp.frags = 1, nbytes, []sgl.Segment{frag}
	} else {
		if mp.Nents, mp.LastBytes, e = CountNents(r, nbytes); e != nil {
			return nil, e
		}
		if mp.Nents > maxNents {
			logger.Debug("too many fragments", zap.Int("nents", mp.Nents), zap.Int("max", maxNents))
			return nil, fmt.Errorf("%w: %d > %d", ErrTooManyFragments, mp.Nents, maxNents)
		}
		mp.frags = neededFragments(r, mp.Nents)
	}

	if r.Secure {
		return mp, mp.mapSecure()
	}
	for _, frag := range mp.frags {
		if !frag.IsHost() {
			return nil, fmt.Errorf("%w: device-only fragment in host region", ErrInvalidArgument)
		}
	}

	switch {
	case r.IsSingle():
		var addr uint32
		if addr, e = MapSingle(m, mp.frags[0].Data, dir); e != nil {
			return nil, e
		}
		mp.Segments, mp.perFragment = []Segment{{Addr: addr, Len: mp.frags[0].Len()}}, true
	case r.IsChained():
		e = mp.mapEach(m)
	default:
		e = mp.mapList(m)
	}
	if e != nil {
		return nil, e
	}
	return mp, nil
}

func (mp *Mapping) mapSecure() error {
	mp.Segments = make([]Segment, len(mp.frags))
	for i, frag := range mp.frags {
		if frag.IsHost() || frag.Addr+uint64(frag.Size) > math.MaxUint32 {
			return fmt.Errorf("%w: secure fragment %d is not a 32-bit device extent", ErrInvalidArgument, i)
		}
		mp.Segments[i] = Segment{Addr: uint32(frag.Addr), Len: frag.Size}
	}
	return nil
}

func (mp *Mapping) mapList(m Mapper) (e error) {
	if len(mp.frags) == 0 {
		return nil
	}
	bufs := make([][]byte, len(mp.frags))
	for i, frag := range mp.frags {
		bufs[i] = frag.Data
	}
	if mp.Segments, e = m.MapList(bufs, mp.Dir); e != nil {
		logger.Error("MapList failed", zap.Int("nents", len(bufs)), zap.Stringer("dir", mp.Dir), zap.Error(e))
		return fmt.Errorf("%w: %v", ErrNoMemory, e)
	}
	return nil
}

func (mp *Mapping) mapEach(m Mapper) error {
	mp.perFragment = true
	mp.Segments = make([]Segment, 0, len(mp.frags))
	for i, frag := range mp.frags {
		addr, e := m.MapSegment(frag.Data, mp.Dir)
		if e != nil {
			logger.Error("MapSegment failed in chained region",
				zap.Int("fragment", i), zap.Int("nents", len(mp.frags)), zap.Error(e))
			for _, seg := range mp.Segments {
				m.UnmapSegment(seg.Addr, seg.Len, mp.Dir)
			}
			mp.Segments = nil
			return fmt.Errorf("%w: fragment %d: %v", ErrNoMemory, i, e)
		}
		mp.Segments = append(mp.Segments, Segment{Addr: addr, Len: frag.Len()})
	}
	return nil
}

// Unmap releases a mapping.
// It does nothing if mp is nil or refers to a device-secure region.
func Unmap(m Mapper, mp *Mapping) {
	if mp == nil || mp.Region.Secure || len(mp.Segments) == 0 {
		return
	}
	if mp.perFragment {
		for _, seg := range mp.Segments {
			m.UnmapSegment(seg.Addr, seg.Len, mp.Dir)
		}
	} else {
		m.UnmapList(mp.Segments, mp.Dir)
	}
	mp.Segments = nil
}
