package bufmgr

import (
	"fmt"

	"github.com/usnistgov/ccdma/dma/dmamap"
)

// ICVLayout describes where the authentication tag sits relative to fragment boundaries.
type ICVLayout struct {
	// Fragmented indicates the tag straddles a fragment boundary.
	Fragmented bool `json:"fragmented"`
	// Nents is the number of trailing fragments attributed to the tag.
	Nents int `json:"nents"`
}

func (l ICVLayout) String() string {
	if l.Fragmented {
		return fmt.Sprintf("fragmented-%d", l.Nents)
	}
	return fmt.Sprintf("contiguous-%d", l.Nents)
}

// ClassifyICV determines the tag layout at the end of a region.
//
//	nents: number of fragments covering the region, tag included.
//	lastBytes: number of region octets in the last fragment.
//	penultimateLen: length of the second-to-last fragment, ignored if nents < 2.
//
// It returns ErrNotSupported if the tag spans more than two fragments.
func ClassifyICV(nents, lastBytes, penultimateLen, authSize int) (ICVLayout, error) {
	switch {
	case nents < MaxICVNentsSupported, lastBytes > authSize:
		return ICVLayout{}, nil
	case lastBytes == authSize:
		return ICVLayout{Nents: 1}, nil
	}

	required := authSize - lastBytes
	switch {
	case penultimateLen > required:
		return ICVLayout{Fragmented: true, Nents: 1}, nil
	case penultimateLen == required:
		return ICVLayout{Fragmented: true, Nents: 2}, nil
	}
	return ICVLayout{}, fmt.Errorf("%w: tag of %d octets spans more than %d fragments", ErrNotSupported, authSize, MaxICVNentsSupported)
}

func classifyMappingICV(mp *dmamap.Mapping, authSize int) (ICVLayout, error) {
	penultimateLen := 0
	if frags := mp.Fragments(); len(frags) >= 2 {
		penultimateLen = frags[len(frags)-2].Len()
	}
	return ClassifyICV(mp.Nents, mp.LastBytes, penultimateLen, authSize)
}
