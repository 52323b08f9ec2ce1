package bufmgr_test

import (
	"testing"

	"github.com/usnistgov/ccdma/bufmgr"
	"github.com/usnistgov/ccdma/dma/dmamap"
)

func TestBufferArray(t *testing.T) {
	assert, require := makeAR(t)

	var arr bufmgr.BufferArray
	assert.Zero(arr.Len())

	mp := &dmamap.Mapping{Segments: []dmamap.Segment{{Addr: 0x1000, Len: 64}, {Addr: 0x2000, Len: 64}}}
	for i := 0; i < bufmgr.BufferArrayCapacity; i++ {
		var idx int
		var e error
		if i%2 == 0 {
			idx, e = arr.AddBuffer(uint32(0x100*i), 16, false)
		} else {
			idx, e = arr.AddScatter(mp, 100, false)
		}
		require.NoError(e)
		assert.Equal(i, idx)
	}
	assert.Equal(bufmgr.BufferArrayCapacity, arr.Len())

	_, e := arr.AddBuffer(0x9000, 8, true)
	assert.ErrorIs(e, bufmgr.ErrCapacity)
	assert.Equal(bufmgr.BufferArrayCapacity, arr.Len())

	ent := arr.At(0)
	assert.Equal(bufmgr.EntryBuffer, ent.Kind())
	assert.Equal(1, ent.Nents())
	ent = arr.At(1)
	assert.Equal(bufmgr.EntryScatter, ent.Kind())
	assert.Equal(2, ent.Nents())
	assert.Same(mp, ent.Mapping())
	assert.Equal(100, ent.Len)

	_, e = arr.AddScatter(nil, 1, false)
	assert.Error(e)

	arr.Reset()
	assert.Zero(arr.Len())
	idx, e := arr.AddBuffer(0x9000, 8, true)
	assert.NoError(e)
	assert.Zero(idx)
}
