package bufmgr

import (
	"fmt"
	"math/bits"

	"github.com/usnistgov/ccdma/dma/dmamap"
	"github.com/usnistgov/ccdma/dma/sgl"
	"go.uber.org/zap"
)

// HashReqCtx is the DMA state of a hash request.
// It accumulates sub-block leftovers between updates in two ping-pong buffers.
type HashReqCtx struct {
	Buff      [2][]byte
	BuffCnt   [2]int
	BuffIndex int

	DataType DMABufType
	// CurrAddr and CurrLen locate the data in DLLI mode.
	CurrAddr  uint32
	CurrLen   int
	MLLINents int

	blockSize   int
	inMapping   *dmamap.Mapping
	buffMapping *dmamap.Mapping
	mlli        *MLLI
}

// NewHashReqCtx creates a hash request context.
// blockSize must be a power of two.
func NewHashReqCtx(blockSize int) (*HashReqCtx, error) {
	if blockSize <= 0 || bits.OnesCount(uint(blockSize)) != 1 {
		return nil, fmt.Errorf("%w: hash block size %d", ErrInvalidArgument, blockSize)
	}
	return &HashReqCtx{
		Buff:      [2][]byte{make([]byte, blockSize), make([]byte, blockSize)},
		blockSize: blockSize,
	}, nil
}

// BlockSize returns the hash block size.
func (ctx *HashReqCtx) BlockSize() int {
	return ctx.blockSize
}

// Table returns the descriptor table, or nil if none was rendered.
func (ctx *HashReqCtx) Table() *MLLI {
	return ctx.mlli
}

func (ctx *HashReqCtx) resetDMA() {
	ctx.DataType, ctx.CurrAddr, ctx.CurrLen, ctx.MLLINents = DMANull, 0, 0, 0
}

// mapCurrBuf maps buffered octets and appends them to arr.
func (m *Manager) mapCurrBuf(ctx *HashReqCtx, arr *BufferArray, cnt int) (e error) {
	buf := ctx.Buff[ctx.BuffIndex][:cnt]
	if ctx.buffMapping, e = dmamap.MapRegion(m.mapper, sgl.FromBytes(buf), cnt, dmamap.ToDevice, 1); e != nil {
		return fmt.Errorf("map hash buffer: %w", e)
	}
	ctx.DataType, ctx.CurrAddr, ctx.CurrLen = DMADLLI, ctx.buffMapping.Segments[0].Addr, cnt
	_, e = arr.AddScatter(ctx.buffMapping, cnt, false)
	return e
}

// mapHashSrc maps nbytes of src and appends them to arr.
// DLLI mode applies only if src is one extent and nothing is buffered.
func (m *Manager) mapHashSrc(ctx *HashReqCtx, arr *BufferArray, src *sgl.Region, nbytes int, buffered bool) (e error) {
	if ctx.inMapping, e = dmamap.MapRegion(m.mapper, src, nbytes, dmamap.ToDevice, m.cfg.MaxDataEntries); e != nil {
		return fmt.Errorf("map hash src: %w", e)
	}
	if ctx.inMapping.MappedNents() == 1 && !buffered {
		ctx.DataType, ctx.CurrAddr, ctx.CurrLen = DMADLLI, ctx.inMapping.Segments[0].Addr, nbytes
		return nil
	}
	ctx.DataType = DMAMLLI
	_, e = arr.AddScatter(ctx.inMapping, nbytes, true)
	return e
}

func (m *Manager) renderHash(ctx *HashReqCtx, arr *BufferArray) (e error) {
	if ctx.DataType != DMAMLLI {
		return nil
	}
	if ctx.mlli, _, e = m.generateMLLI(arr); e != nil {
		return e
	}
	ctx.MLLINents = ctx.mlli.Len()
	ctx.CurrAddr, ctx.CurrLen = ctx.mlli.Addr, ctx.mlli.Size()
	return nil
}

func (m *Manager) unwindHash(ctx *HashReqCtx, e error) error {
	m.metrics.fail("hash", e)
	m.freeMLLI(ctx.mlli)
	ctx.mlli = nil
	dmamap.Unmap(m.mapper, ctx.inMapping)
	dmamap.Unmap(m.mapper, ctx.buffMapping)
	ctx.inMapping, ctx.buffMapping = nil, nil
	ctx.resetDMA()
	return e
}

// MapHashUpdate prepares an update of nbytes from src.
//
// If buffered and new octets are less than one block, they are copied into the current buffer and
// queued is true; no DMA work is needed. Otherwise, whole blocks made of buffered octets followed
// by src are mapped, the remainder is copied into the other buffer, and the buffers are swapped.
func (m *Manager) MapHashUpdate(ctx *HashReqCtx, src *sgl.Region, nbytes int) (queued bool, e error) {
	ctx.resetDMA()
	curr := ctx.BuffIndex
	currCnt := ctx.BuffCnt[curr]
	total := currCnt + nbytes
	if nbytes > 0 && src == nil {
		return false, m.unwindHash(ctx, fmt.Errorf("%w: hash update without source", ErrInvalidArgument))
	}

	if total < ctx.blockSize {
		if nbytes > 0 {
			src.CopyTo(ctx.Buff[curr][currCnt:total], 0)
		}
		ctx.BuffCnt[curr] = total
		logger.Debug("hash update queued", zap.Int("buffered", total))
		return true, nil
	}

	next := curr ^ 1
	nextCnt := total & (ctx.blockSize - 1)
	updateLen := total - nextCnt
	swap := false
	if nextCnt > 0 {
		src.CopyTo(ctx.Buff[next][:nextCnt], updateLen-currCnt)
		swap = true
	}
	ctx.BuffCnt[next] = nextCnt

	var arr BufferArray
	if currCnt > 0 {
		if e = m.mapCurrBuf(ctx, &arr, currCnt); e != nil {
			return false, m.unwindHash(ctx, e)
		}
		swap = true
	}
	if updateLen > currCnt {
		if e = m.mapHashSrc(ctx, &arr, src, updateLen-currCnt, currCnt > 0); e != nil {
			return false, m.unwindHash(ctx, e)
		}
	}
	if e = m.renderHash(ctx, &arr); e != nil {
		return false, m.unwindHash(ctx, e)
	}

	if swap {
		ctx.BuffIndex ^= 1
	}
	logger.Debug("hash update mapped",
		zap.Stringer("type", ctx.DataType),
		zap.Int("update-len", updateLen),
		zap.Int("leftover", nextCnt),
	)
	return false, nil
}

// MapHashFinal prepares the final operation over buffered octets and, if doUpdate is true,
// nbytes from src.
func (m *Manager) MapHashFinal(ctx *HashReqCtx, src *sgl.Region, nbytes int, doUpdate bool) (e error) {
	ctx.resetDMA()
	if !doUpdate {
		nbytes = 0
	}
	currCnt := ctx.BuffCnt[ctx.BuffIndex]
	if nbytes == 0 && currCnt == 0 {
		return nil
	}
	if nbytes > 0 && src == nil {
		return m.unwindHash(ctx, fmt.Errorf("%w: hash final without source", ErrInvalidArgument))
	}

	var arr BufferArray
	if currCnt > 0 {
		if e = m.mapCurrBuf(ctx, &arr, currCnt); e != nil {
			return m.unwindHash(ctx, e)
		}
	}
	if nbytes > 0 {
		if e = m.mapHashSrc(ctx, &arr, src, nbytes, currCnt > 0); e != nil {
			return m.unwindHash(ctx, e)
		}
	}
	if e = m.renderHash(ctx, &arr); e != nil {
		return m.unwindHash(ctx, e)
	}

	ctx.BuffIndex ^= 1
	logger.Debug("hash final mapped", zap.Stringer("type", ctx.DataType), zap.Int("len", currCnt+nbytes))
	return nil
}

// UnmapHash releases DMA mappings of a hash request.
// If revert is false, the consumed buffer is emptied; otherwise the buffer index is flipped back,
// so that the request can be retried.
func (m *Manager) UnmapHash(ctx *HashReqCtx, revert bool) {
	m.freeMLLI(ctx.mlli)
	ctx.mlli = nil
	dmamap.Unmap(m.mapper, ctx.inMapping)
	ctx.inMapping = nil

	if ctx.buffMapping != nil {
		dmamap.Unmap(m.mapper, ctx.buffMapping)
		ctx.buffMapping = nil
	}
	if prev := ctx.BuffIndex ^ 1; ctx.BuffCnt[prev] != 0 {
		if revert {
			ctx.BuffIndex = prev
		} else {
			ctx.BuffCnt[prev] = 0
		}
	}
	ctx.resetDMA()
}
