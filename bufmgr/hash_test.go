package bufmgr_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/usnistgov/ccdma/bufmgr"
	"github.com/usnistgov/ccdma/bufmgr/bufmgrtestenv"
	"github.com/usnistgov/ccdma/dma/sgl"
)

func TestHashAccumulate(t *testing.T) {
	assert, require := makeAR(t)
	f := bufmgrtestenv.New(t, bufmgr.Config{})
	m := f.Manager

	ctx, e := bufmgr.NewHashReqCtx(64)
	require.NoError(e)
	assert.Equal(64, ctx.BlockSize())

	var input []byte
	for _, n := range []int{20, 20} {
		src := bufmgrtestenv.MakeRegion(n)
		input = append(input, src.Bytes()...)
		queued, e := m.MapHashUpdate(ctx, src, n)
		require.NoError(e)
		assert.True(queued)
		assert.Equal(bufmgr.DMANull, ctx.DataType)
		assert.Zero(f.IOMMU.CountMapped())
	}
	assert.Equal(40, ctx.BuffCnt[0])
	assert.Equal(input, ctx.Buff[0][:40])

	src := bufmgrtestenv.MakeRegion(24)
	queued, e := m.MapHashUpdate(ctx, src, 24)
	require.NoError(e)
	assert.False(queued)
	assert.Equal(bufmgr.DMAMLLI, ctx.DataType)
	assert.Equal(1.0, testutil.ToFloat64(m.Metrics().TablesRendered))

	tbl := ctx.Table()
	require.NotNil(tbl)
	entries := tbl.Table.Entries()
	require.Len(entries, 2)
	assert.Equal(uint32(40), entries[0].Size)
	assert.Equal(uint32(24), entries[1].Size)
	assert.True(entries[1].Last)
	assert.Equal(2, ctx.MLLINents)
	assert.Equal(tbl.Addr, ctx.CurrAddr)
	assert.Equal(input, f.IOMMU.Read(entries[0].Addr, 40))
	assert.Equal(1, ctx.BuffIndex)
	assert.Zero(ctx.BuffCnt[1])

	m.UnmapHash(ctx, false)
	assert.Zero(ctx.BuffCnt[0])
	assert.Zero(ctx.BuffCnt[1])
	assert.Nil(ctx.Table())
	f.CheckReleased()

	require.NoError(m.MapHashFinal(ctx, nil, 0, true))
	assert.Equal(bufmgr.DMANull, ctx.DataType)
	assert.Equal(1, ctx.BuffIndex)
	f.CheckReleased()
}

func TestHashUpdateLeftover(t *testing.T) {
	assert, require := makeAR(t)
	f := bufmgrtestenv.New(t, bufmgr.Config{})
	m := f.Manager

	ctx, _ := bufmgr.NewHashReqCtx(16)

	src := bufmgrtestenv.MakeRegion(40)
	queued, e := m.MapHashUpdate(ctx, src, 40)
	require.NoError(e)
	assert.False(queued)
	assert.Equal(bufmgr.DMADLLI, ctx.DataType)
	assert.Nil(ctx.Table())
	assert.Equal(32, ctx.CurrLen)
	assert.Equal(src.Bytes()[:32], f.IOMMU.Read(ctx.CurrAddr, 32))
	assert.Equal(1, ctx.BuffIndex)
	assert.Equal(8, ctx.BuffCnt[1])
	assert.Equal(src.Bytes()[32:], ctx.Buff[1][:8])
	m.UnmapHash(ctx, false)
	assert.Equal(8, ctx.BuffCnt[1])
	f.CheckReleased()

	src = sgl.Chain(bufmgrtestenv.MakeList(4), bufmgrtestenv.MakeList(6))
	queued, e = m.MapHashUpdate(ctx, src, 10)
	require.NoError(e)
	assert.False(queued)
	assert.Equal(bufmgr.DMAMLLI, ctx.DataType)
	assert.Equal(3, ctx.Table().Len())
	assert.Equal(0, ctx.BuffIndex)
	assert.Equal(2, ctx.BuffCnt[0])

	m.UnmapHash(ctx, true)
	assert.Equal(1, ctx.BuffIndex)
	assert.Equal(8, ctx.BuffCnt[1])
	f.CheckReleased()

	require.NoError(m.MapHashFinal(ctx, nil, 0, false))
	assert.Equal(bufmgr.DMADLLI, ctx.DataType)
	assert.Equal(8, ctx.CurrLen)
	assert.Equal(0, ctx.BuffIndex)
	m.UnmapHash(ctx, false)
	assert.Zero(ctx.BuffCnt[1])
	f.CheckReleased()
}

func TestHashFinal(t *testing.T) {
	assert, require := makeAR(t)
	f := bufmgrtestenv.New(t, bufmgr.Config{})
	m := f.Manager

	ctx, _ := bufmgr.NewHashReqCtx(64)
	_, e := m.MapHashUpdate(ctx, bufmgrtestenv.MakeRegion(10), 10)
	require.NoError(e)

	require.NoError(m.MapHashFinal(ctx, bufmgrtestenv.MakeRegion(30, 30), 50, true))
	assert.Equal(bufmgr.DMAMLLI, ctx.DataType)
	entries := ctx.Table().Table.Entries()
	require.Len(entries, 3)
	assert.Equal(uint32(10), entries[0].Size)
	assert.Equal(uint32(20), entries[2].Size)
	assert.Equal(1, ctx.BuffIndex)
	m.UnmapHash(ctx, false)
	assert.Zero(ctx.BuffCnt[0])
	f.CheckReleased()

	require.NoError(m.MapHashFinal(ctx, bufmgrtestenv.MakeRegion(100), 100, true))
	assert.Equal(bufmgr.DMADLLI, ctx.DataType)
	assert.Equal(100, ctx.CurrLen)
	m.UnmapHash(ctx, false)
	f.CheckReleased()
}

func TestHashErrors(t *testing.T) {
	assert, require := makeAR(t)
	f := bufmgrtestenv.New(t, bufmgr.Config{})
	m := f.Manager

	_, e := bufmgr.NewHashReqCtx(48)
	assert.ErrorIs(e, bufmgr.ErrInvalidArgument)
	_, e = bufmgr.NewHashReqCtx(0)
	assert.ErrorIs(e, bufmgr.ErrInvalidArgument)

	ctx, _ := bufmgr.NewHashReqCtx(16)
	_, e = m.MapHashUpdate(ctx, bufmgrtestenv.MakeRegion(8), 8)
	require.NoError(e)

	for n := 0; n < 2; n++ {
		f.InjectFault(n)
		_, e = m.MapHashUpdate(ctx, bufmgrtestenv.MakeRegion(4, 4), 8)
		assert.ErrorIs(e, bufmgr.ErrNoMemory)
		assert.Nil(ctx.Table())
		assert.Equal(bufmgr.DMANull, ctx.DataType)
		f.CheckReleased()
	}
	f.ClearFault()

	_, e = m.MapHashUpdate(ctx, nil, 8)
	assert.ErrorIs(e, bufmgr.ErrInvalidArgument)
	assert.Error(m.MapHashFinal(ctx, nil, 8, true))
	f.CheckReleased()
}
