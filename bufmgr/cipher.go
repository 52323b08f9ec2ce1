package bufmgr

import (
	"fmt"

	"github.com/usnistgov/ccdma/dma/dmamap"
	"github.com/usnistgov/ccdma/dma/sgl"
	"go.uber.org/zap"
)

// CipherRequest describes a block cipher request.
type CipherRequest struct {
	Src *sgl.Region
	// Dst is the output region. Nil or same as Src indicates in-place operation.
	Dst    *sgl.Region
	NBytes int
	IV     []byte
	// GenerateIV indicates the engine writes the next IV back into IV.
	GenerateIV bool
}

// InPlace determines whether output overwrites input.
func (req CipherRequest) InPlace() bool {
	return req.Dst == nil || req.Dst == req.Src
}

// CipherReqCtx is the DMA state of a block cipher request.
type CipherReqCtx struct {
	DMABufType DMABufType
	In, Out    Section
	IVAddr     uint32

	inMapping  *dmamap.Mapping
	outMapping *dmamap.Mapping
	inPlace    bool
	ivLen      int
	ivDir      dmamap.Direction
	mlli       *MLLI
}

// Table returns the descriptor table, or nil in DLLI mode.
func (ctx *CipherReqCtx) Table() *MLLI {
	return ctx.mlli
}

// MapCipherRequest establishes DMA mappings of a block cipher request.
// On failure, every mapping established so far is released.
func (m *Manager) MapCipherRequest(ctx *CipherReqCtx, req CipherRequest) (e error) {
	*ctx = CipherReqCtx{DMABufType: DMADLLI, inPlace: req.InPlace()}
	defer func() {
		if e != nil {
			m.metrics.fail("cipher", e)
			m.UnmapCipherRequest(ctx)
		}
	}()

	if req.Src == nil || req.NBytes < 0 {
		return fmt.Errorf("%w: cipher request without source", ErrInvalidArgument)
	}

	if len(req.IV) > 0 {
		ctx.ivLen, ctx.ivDir = len(req.IV), dmamap.ToDevice
		if req.GenerateIV {
			ctx.ivDir = dmamap.Bidirectional
		}
		if ctx.IVAddr, e = dmamap.MapSingle(m.mapper, req.IV, ctx.ivDir); e != nil {
			return fmt.Errorf("map IV: %w", e)
		}
	}

	if req.NBytes == 0 {
		ctx.DMABufType = DMANull
		return nil
	}

	if ctx.inMapping, e = dmamap.MapRegion(m.mapper, req.Src, req.NBytes, dmamap.Bidirectional, m.cfg.MaxDataEntries); e != nil {
		return fmt.Errorf("map src: %w", e)
	}
	ctx.In.setMapping(ctx.inMapping, req.NBytes)
	if ctx.In.Nents > 1 {
		ctx.DMABufType = DMAMLLI
	}

	var arr BufferArray
	if ctx.inPlace {
		ctx.Out = ctx.In
		if ctx.DMABufType == DMAMLLI {
			if _, e = arr.AddScatter(ctx.inMapping, req.NBytes, true); e != nil {
				return e
			}
		}
	} else {
		if ctx.outMapping, e = dmamap.MapRegion(m.mapper, req.Dst, req.NBytes, dmamap.Bidirectional, m.cfg.MaxDataEntries); e != nil {
			return fmt.Errorf("map dst: %w", e)
		}
		ctx.Out.setMapping(ctx.outMapping, req.NBytes)
		if ctx.Out.Nents > 1 {
			ctx.DMABufType = DMAMLLI
		}
		if ctx.DMABufType == DMAMLLI {
			if _, e = arr.AddScatter(ctx.inMapping, req.NBytes, false); e != nil {
				return e
			}
			if _, e = arr.AddScatter(ctx.outMapping, req.NBytes, true); e != nil {
				return e
			}
		}
	}

	if ctx.DMABufType == DMAMLLI {
		var counts []int
		if ctx.mlli, counts, e = m.generateMLLI(&arr); e != nil {
			return e
		}
		acc := sramAccumulator{base: m.cfg.SramBase}
		ctx.In.Type, ctx.In.MLLINents = DMAMLLI, counts[0]
		ctx.In.SramAddr = acc.next(counts[0])
		if ctx.inPlace {
			ctx.Out = ctx.In
		} else {
			ctx.Out.Type, ctx.Out.MLLINents = DMAMLLI, counts[1]
			ctx.Out.SramAddr = acc.next(counts[1])
		}
	} else {
		ctx.In.Type = DMADLLI
		ctx.Out.Type = DMADLLI
	}

	logger.Debug("cipher request mapped",
		zap.Stringer("type", ctx.DMABufType),
		zap.Int("nbytes", req.NBytes),
		zap.Int("in-nents", ctx.In.Nents),
		zap.Int("out-nents", ctx.Out.Nents),
		zap.Bool("in-place", ctx.inPlace),
	)
	return nil
}

// UnmapCipherRequest releases DMA mappings of a block cipher request.
// Device-secure regions are not unmapped.
func (m *Manager) UnmapCipherRequest(ctx *CipherReqCtx) {
	if ctx.IVAddr != 0 {
		dmamap.UnmapSingle(m.mapper, ctx.IVAddr, ctx.ivLen, ctx.ivDir)
		ctx.IVAddr = 0
	}
	m.freeMLLI(ctx.mlli)
	ctx.mlli = nil
	dmamap.Unmap(m.mapper, ctx.inMapping)
	if !ctx.inPlace {
		dmamap.Unmap(m.mapper, ctx.outMapping)
	}
	ctx.inMapping, ctx.outMapping = nil, nil
}
