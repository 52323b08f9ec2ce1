package bufmgr

import (
	"github.com/usnistgov/ccdma/dma/dmamap"
	"github.com/usnistgov/ccdma/dma/lli"
)

// Section describes how one part of a request is presented to the engine.
type Section struct {
	// Type is the presentation mode.
	Type DMABufType `json:"type"`
	// Nents is the number of mapped device extents.
	Nents int `json:"nents"`
	// MLLINents is the number of table entries the engine reads starting at SramAddr.
	MLLINents int `json:"mlliNents,omitempty"`
	// SramAddr is where the section's entries sit once the table is loaded into SRAM.
	// It is NullSramAddr when the section has no table entries.
	SramAddr uint32 `json:"sramAddr"`
	// Addr is the device address of a DLLI section.
	Addr uint32 `json:"addr,omitempty"`
	// Len is the number of octets in the section.
	Len int `json:"len"`
}

func (sec *Section) setMapping(mp *dmamap.Mapping, length int) {
	sec.Nents, sec.Len, sec.SramAddr = mp.MappedNents(), length, NullSramAddr
	if sec.Nents > 0 {
		sec.Addr = mp.Segments[0].Addr
	}
}

// sramAccumulator assigns SRAM addresses to consecutive table sections.
type sramAccumulator struct {
	base   uint32
	offset int
}

// next returns the SRAM address of a section with n entries, and advances past it.
func (acc *sramAccumulator) next(n int) uint32 {
	addr := acc.base + uint32(acc.offset*lli.EntrySize)
	acc.offset += n
	return addr
}

// sumCounts returns the sum of counts at the given descriptor indices; negative indices are skipped.
func sumCounts(counts []int, indices ...int) (n int) {
	for _, i := range indices {
		if i >= 0 {
			n += counts[i]
		}
	}
	return n
}
