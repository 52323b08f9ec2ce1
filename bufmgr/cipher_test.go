package bufmgr_test

import (
	"testing"

	"github.com/usnistgov/ccdma/bufmgr"
	"github.com/usnistgov/ccdma/bufmgr/bufmgrtestenv"
	"github.com/usnistgov/ccdma/core/testenv"
	"github.com/usnistgov/ccdma/dma/lli"
	"github.com/usnistgov/ccdma/dma/sgl"
)

func TestCipherDLLI(t *testing.T) {
	assert, require := makeAR(t)
	f := bufmgrtestenv.New(t, bufmgr.Config{})
	m := f.Manager

	src := bufmgrtestenv.MakeRegion(256)
	iv := testenv.MakeRandBytes(16)
	var ctx bufmgr.CipherReqCtx
	require.NoError(m.MapCipherRequest(&ctx, bufmgr.CipherRequest{Src: src, NBytes: 256, IV: iv}))
	assert.Equal(bufmgr.DMADLLI, ctx.DMABufType)
	assert.Nil(ctx.Table())
	assert.NotZero(ctx.IVAddr)
	assert.Equal(iv, f.IOMMU.Read(ctx.IVAddr, 16))
	assert.Equal(ctx.In, ctx.Out)
	assert.Equal(src.Bytes(), f.IOMMU.Read(ctx.In.Addr, 256))
	assert.Equal(2, f.IOMMU.CountMapped())

	m.UnmapCipherRequest(&ctx)
	m.UnmapCipherRequest(&ctx)
	f.CheckReleased()
}

func TestCipherInPlaceMLLI(t *testing.T) {
	assert, require := makeAR(t)
	f := bufmgrtestenv.New(t, bufmgr.Config{SramBase: 0x400})
	m := f.Manager

	src := bufmgrtestenv.MakeRegion(100, 100, 100)
	var ctx bufmgr.CipherReqCtx
	require.NoError(m.MapCipherRequest(&ctx, bufmgr.CipherRequest{Src: src, Dst: src, NBytes: 250}))
	assert.Equal(bufmgr.DMAMLLI, ctx.DMABufType)
	require.NotNil(ctx.Table())
	assert.Equal(3, ctx.Table().Len())
	assert.Equal(3, ctx.In.MLLINents)
	assert.Equal(uint32(0x400), ctx.In.SramAddr)
	assert.Equal(ctx.In, ctx.Out)
	assert.Equal(uint32(50), ctx.Table().Table.At(2).Size)
	assert.True(ctx.Table().Table.IsLast(2))

	m.UnmapCipherRequest(&ctx)
	f.CheckReleased()
}

func TestCipherMLLI(t *testing.T) {
	assert, require := makeAR(t)
	f := bufmgrtestenv.New(t, bufmgr.Config{SramBase: 0x400})
	m := f.Manager

	src := bufmgrtestenv.MakeRegion(300)
	dst := sgl.Chain(bufmgrtestenv.MakeList(100, 100), bufmgrtestenv.MakeList(100))
	var ctx bufmgr.CipherReqCtx
	require.NoError(m.MapCipherRequest(&ctx, bufmgr.CipherRequest{
		Src: src, Dst: dst, NBytes: 300,
		IV: testenv.MakeRandBytes(16), GenerateIV: true,
	}))
	assert.Equal(bufmgr.DMAMLLI, ctx.DMABufType)
	assert.Equal(1, ctx.In.MLLINents)
	assert.Equal(3, ctx.Out.MLLINents)
	assert.Equal(uint32(0x400), ctx.In.SramAddr)
	assert.Equal(uint32(0x400+lli.EntrySize), ctx.Out.SramAddr)

	entries := ctx.Table().Table.Entries()
	require.Len(entries, 4)
	assert.Equal(ctx.In.Addr, entries[0].Addr)
	assert.Equal(uint32(300), entries[0].Size)
	assert.False(entries[0].Last)
	assert.Equal(ctx.Out.Addr, entries[1].Addr)
	assert.True(entries[3].Last)

	m.UnmapCipherRequest(&ctx)
	f.CheckReleased()
}

func TestCipherSecure(t *testing.T) {
	assert, require := makeAR(t)
	f := bufmgrtestenv.New(t, bufmgr.Config{})
	m := f.Manager

	src := bufmgrtestenv.MakeSecureRegion(0x80000000, 64, 64)
	dst := bufmgrtestenv.MakeSecureRegion(0x90000000, 128)
	var ctx bufmgr.CipherReqCtx
	require.NoError(m.MapCipherRequest(&ctx, bufmgr.CipherRequest{Src: src, Dst: dst, NBytes: 128}))
	assert.Equal(bufmgr.DMAMLLI, ctx.DMABufType)
	assert.Zero(f.IOMMU.CountMapped())
	entries := ctx.Table().Table.Entries()
	require.Len(entries, 3)
	assert.Equal(uint32(0x80000040), entries[1].Addr)
	assert.Equal(uint32(0x90000000), entries[2].Addr)

	m.UnmapCipherRequest(&ctx)
	f.CheckReleased()
}

func TestCipherErrors(t *testing.T) {
	assert, _ := makeAR(t)
	f := bufmgrtestenv.New(t, bufmgr.Config{MaxDataEntries: 2})
	m := f.Manager

	var ctx bufmgr.CipherReqCtx
	e := m.MapCipherRequest(&ctx, bufmgr.CipherRequest{
		Src: bufmgrtestenv.MakeRegion(10, 10, 10), NBytes: 30, IV: make([]byte, 16),
	})
	assert.ErrorIs(e, bufmgr.ErrTooManyFragments)
	f.CheckReleased()

	e = m.MapCipherRequest(&ctx, bufmgr.CipherRequest{
		Src: bufmgrtestenv.MakeRegion(10, 10), NBytes: 30,
	})
	assert.ErrorIs(e, bufmgr.ErrInvalidArgument)
	f.CheckReleased()
}

func TestCipherFaults(t *testing.T) {
	assert, require := makeAR(t)
	f := bufmgrtestenv.New(t, bufmgr.Config{})
	m := f.Manager

	req := bufmgr.CipherRequest{
		Src:    bufmgrtestenv.MakeRegion(100, 100),
		Dst:    sgl.Chain(bufmgrtestenv.MakeList(50, 50), bufmgrtestenv.MakeList(100)),
		NBytes: 200,
		IV:     testenv.MakeRandBytes(16),
	}
	for n := 0; ; n++ {
		f.InjectFault(n)
		var ctx bufmgr.CipherReqCtx
		e := m.MapCipherRequest(&ctx, req)
		if e == nil {
			assert.Equal(5, n, "five mapping calls")
			f.ClearFault()
			m.UnmapCipherRequest(&ctx)
			break
		}
		assert.ErrorIs(e, bufmgr.ErrNoMemory)
		assert.Nil(ctx.Table())
		f.CheckReleased()
		require.Less(n, 10)
	}
	f.CheckReleased()
}
