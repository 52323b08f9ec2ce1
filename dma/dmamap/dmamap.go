// Package dmamap defines the contract for making host memory visible to a DMA-capable device.
package dmamap

import (
	"errors"
	"fmt"

	"github.com/usnistgov/ccdma/core/logging"
	"go.uber.org/zap"
)

var logger = logging.New("dmamap")

// Error conditions.
var (
	ErrNoMemory         = errors.New("out of DMA memory")
	ErrTooManyFragments = errors.New("too many fragments")
	ErrInvalidArgument  = errors.New("invalid argument")
)

// Direction indicates DMA transfer direction.
type Direction int

// Direction values.
const (
	ToDevice Direction = iota + 1
	FromDevice
	Bidirectional
)

func (dir Direction) String() string {
	switch dir {
	case ToDevice:
		return "to-device"
	case FromDevice:
		return "from-device"
	case Bidirectional:
		return "bidirectional"
	}
	return fmt.Sprintf("Direction(%d)", int(dir))
}

// Segment is a device-visible extent.
type Segment struct {
	Addr uint32 `json:"addr"`
	Len  int    `json:"len"`
}

// End returns the device address just past the extent.
func (seg Segment) End() uint32 {
	return seg.Addr + uint32(seg.Len)
}

// CoherentAllocator allocates memory that is simultaneously visible to host and device.
type CoherentAllocator interface {
	// AllocCoherent allocates size octets aligned to align on the device side.
	AllocCoherent(size, align int) (buf []byte, addr uint32, e error)

	// FreeCoherent releases memory returned by AllocCoherent.
	FreeCoherent(buf []byte, addr uint32)
}

// Mapper is a DMA mapping service.
// Implementations must be safe for concurrent use.
//
// Address zero is never returned by a successful mapping, so that it can indicate "not mapped".
type Mapper interface {
	CoherentAllocator

	// MapSegment maps one contiguous host buffer.
	MapSegment(b []byte, dir Direction) (addr uint32, e error)

	// UnmapSegment releases a mapping created by MapSegment.
	UnmapSegment(addr uint32, size int, dir Direction)

	// MapList maps several host buffers at once.
	// The returned extents may be fewer than the input buffers if the mapper coalesces adjacent ones.
	// Either every buffer is mapped or none is.
	MapList(bufs [][]byte, dir Direction) ([]Segment, error)

	// UnmapList releases mappings created by MapList.
	UnmapList(segs []Segment, dir Direction)
}

// MapSingle maps a contiguous host buffer.
func MapSingle(m Mapper, b []byte, dir Direction) (addr uint32, e error) {
	if len(b) == 0 {
		return 0, fmt.Errorf("%w: empty buffer", ErrInvalidArgument)
	}
	if addr, e = m.MapSegment(b, dir); e != nil {
		logger.Error("MapSegment failed", zap.Int("size", len(b)), zap.Stringer("dir", dir), zap.Error(e))
		return 0, fmt.Errorf("%w: %v", ErrNoMemory, e)
	}
	return addr, nil
}

// UnmapSingle releases a mapping created by MapSingle.
// It does nothing if addr is zero.
func UnmapSingle(m Mapper, addr uint32, size int, dir Direction) {
	if addr == 0 {
		return
	}
	m.UnmapSegment(addr, size, dir)
}
