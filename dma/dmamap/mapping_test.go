package dmamap_test

import (
	"testing"

	"github.com/usnistgov/ccdma/core/testenv"
	"github.com/usnistgov/ccdma/dma/dmamap"
	"github.com/usnistgov/ccdma/dma/iommu"
	"github.com/usnistgov/ccdma/dma/sgl"
)

func makeRegion(lens ...int) *sgl.Region {
	bufs := make([][]byte, len(lens))
	for i, n := range lens {
		bufs[i] = testenv.MakeRandBytes(n)
	}
	return sgl.FromBytes(bufs...)
}

func TestCountNents(t *testing.T) {
	assert, _ := makeAR(t)
	r := sgl.FromBytes(make([]byte, 512), nil, make([]byte, 512), make([]byte, 272))

	nents, lastBytes, e := dmamap.CountNents(r, 1296)
	assert.NoError(e)
	assert.Equal(3, nents)
	assert.Equal(272, lastBytes)

	nents, lastBytes, e = dmamap.CountNents(r, 512)
	assert.NoError(e)
	assert.Equal(1, nents)
	assert.Equal(512, lastBytes)

	nents, lastBytes, e = dmamap.CountNents(r, 513)
	assert.NoError(e)
	assert.Equal(2, nents)
	assert.Equal(1, lastBytes)

	nents, _, e = dmamap.CountNents(r, 0)
	assert.NoError(e)
	assert.Zero(nents)

	_, _, e = dmamap.CountNents(r, 1297)
	assert.ErrorIs(e, dmamap.ErrInvalidArgument)
}

func TestMapRegion(t *testing.T) {
	assert, require := makeAR(t)
	u := iommu.New(iommu.Config{})

	r := makeRegion(512, 512, 272, 100)
	mp, e := dmamap.MapRegion(u, r, 1296, dmamap.Bidirectional, 128)
	require.NoError(e)
	assert.Equal(3, mp.Nents)
	assert.Equal(3, mp.MappedNents())
	assert.Equal(272, mp.LastBytes)
	assert.Equal(1296, mp.Len())
	assert.Equal(3, u.CountMapped())
	assert.Len(mp.Fragments(), 3)

	addr, ok := mp.AddrAt(1280, 16)
	assert.True(ok)
	assert.Equal(mp.Segments[2].Addr+256, addr)
	_, ok = mp.AddrAt(1020, 16)
	assert.False(ok)
	_, ok = mp.AddrAt(1296, 1)
	assert.False(ok)

	tag := mp.HostAt(1280, 16)
	require.Len(tag, 16)
	assert.Equal(r.Bytes()[1280:1296], tag)
	assert.Equal(tag, u.Read(addr, 16))
	assert.Nil(mp.HostAt(1020, 16))

	dmamap.Unmap(u, mp)
	dmamap.Unmap(u, mp)
	dmamap.Unmap(u, nil)
	assert.Zero(u.CountMapped())

	_, e = dmamap.MapRegion(u, r, 1296, dmamap.Bidirectional, 2)
	assert.ErrorIs(e, dmamap.ErrTooManyFragments)
	_, e = dmamap.MapRegion(u, nil, 1, dmamap.Bidirectional, 2)
	assert.ErrorIs(e, dmamap.ErrInvalidArgument)
	assert.Zero(u.CountMapped())
}

func TestMapSingleFragment(t *testing.T) {
	assert, require := makeAR(t)
	u := iommu.New(iommu.Config{})

	r := makeRegion(64)
	mp, e := dmamap.MapRegion(u, r, 48, dmamap.ToDevice, 0)
	require.NoError(e)
	assert.Equal(1, mp.Nents)
	assert.Equal(48, mp.LastBytes)
	assert.Equal(64, mp.Segments[0].Len)
	dmamap.Unmap(u, mp)
	assert.Zero(u.CountMapped())

	_, e = dmamap.MapRegion(u, r, 65, dmamap.ToDevice, 1)
	assert.ErrorIs(e, dmamap.ErrInvalidArgument)

	u.InjectFault(iommu.FailAt(0))
	_, e = dmamap.MapRegion(u, r, 64, dmamap.ToDevice, 1)
	assert.ErrorIs(e, dmamap.ErrNoMemory)
}

func TestMapChainedRollback(t *testing.T) {
	assert, require := makeAR(t)
	u := iommu.New(iommu.Config{})

	r := sgl.Chain(
		sgl.List{sgl.Host(make([]byte, 100)), sgl.Host(make([]byte, 100))},
		sgl.List{sgl.Host(make([]byte, 100)), sgl.Host(make([]byte, 100))},
	)
	mp, e := dmamap.MapRegion(u, r, 400, dmamap.ToDevice, 8)
	require.NoError(e)
	assert.Equal(4, mp.Nents)
	assert.Equal(4, u.CountMapped())
	dmamap.Unmap(u, mp)
	assert.Zero(u.CountMapped())

	u.InjectFault(iommu.FailAt(2))
	_, e = dmamap.MapRegion(u, r, 400, dmamap.ToDevice, 8)
	assert.ErrorIs(e, dmamap.ErrNoMemory)
	assert.Zero(u.CountMapped())
}

func TestMapSecure(t *testing.T) {
	assert, require := makeAR(t)
	u := iommu.New(iommu.Config{})

	r := sgl.New(sgl.Device(0x8000, 256), sgl.Device(0x9000, 256))
	r.Secure = true
	mp, e := dmamap.MapRegion(u, r, 300, dmamap.Bidirectional, 8)
	require.NoError(e)
	assert.Equal([]dmamap.Segment{{Addr: 0x8000, Len: 256}, {Addr: 0x9000, Len: 256}}, mp.Segments)
	assert.Equal(44, mp.LastBytes)
	assert.Zero(u.CountMapped())
	dmamap.Unmap(u, mp)

	host := sgl.New(sgl.Device(0x8000, 256), sgl.Host(make([]byte, 10)))
	_, e = dmamap.MapRegion(u, host, 260, dmamap.Bidirectional, 8)
	assert.ErrorIs(e, dmamap.ErrInvalidArgument)
}

func TestMapSingle(t *testing.T) {
	assert, require := makeAR(t)
	u := iommu.New(iommu.Config{})

	addr, e := dmamap.MapSingle(u, make([]byte, 16), dmamap.ToDevice)
	require.NoError(e)
	assert.NotZero(addr)
	dmamap.UnmapSingle(u, addr, 16, dmamap.ToDevice)
	dmamap.UnmapSingle(u, 0, 16, dmamap.ToDevice)
	assert.Zero(u.CountMapped())

	_, e = dmamap.MapSingle(u, nil, dmamap.ToDevice)
	assert.ErrorIs(e, dmamap.ErrInvalidArgument)
}
