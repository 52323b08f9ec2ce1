package bufmgr

import (
	"fmt"

	"github.com/usnistgov/ccdma/dma/dmamap"
	"github.com/usnistgov/ccdma/dma/sgl"
	"go.uber.org/zap"
)

// CryptoDirection is encrypt or decrypt.
type CryptoDirection int

// CryptoDirection values.
const (
	Encrypt CryptoDirection = iota
	Decrypt
)

func (dir CryptoDirection) String() string {
	if dir == Decrypt {
		return "decrypt"
	}
	return "encrypt"
}

// MarshalText implements encoding.TextMarshaler.
func (dir CryptoDirection) MarshalText() ([]byte, error) {
	return []byte(dir.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (dir *CryptoDirection) UnmarshalText(text []byte) error {
	switch string(text) {
	case "encrypt":
		*dir = Encrypt
	case "decrypt":
		*dir = Decrypt
	default:
		return fmt.Errorf("%w: direction %q", ErrInvalidArgument, text)
	}
	return nil
}

// CipherMode identifies the underlying cipher mode of an AEAD.
type CipherMode int

// CipherMode values.
const (
	ModeCBC CipherMode = iota
	ModeCTR
	ModeCCM
)

func (mode CipherMode) String() string {
	switch mode {
	case ModeCBC:
		return "cbc"
	case ModeCTR:
		return "ctr"
	case ModeCCM:
		return "ccm"
	}
	return fmt.Sprintf("CipherMode(%d)", int(mode))
}

// MarshalText implements encoding.TextMarshaler.
func (mode CipherMode) MarshalText() ([]byte, error) {
	return []byte(mode.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (mode *CipherMode) UnmarshalText(text []byte) error {
	for m := ModeCBC; m <= ModeCCM; m++ {
		if m.String() == string(text) {
			*mode = m
			return nil
		}
	}
	return fmt.Errorf("%w: cipher mode %q", ErrInvalidArgument, text)
}

// CCMBlocks contains CCM configuration blocks prepared by the caller.
type CCMBlocks struct {
	// Config starts with block B0, followed by HeaderSize octets of encoded associated data length.
	Config     []byte
	HeaderSize int
	// Counter0 is the initial counter block, one AES block.
	Counter0 []byte
}

// AeadRequest describes an AEAD request.
//
// On decrypt, CryptLen includes the authentication tag at the end of Src.
// On encrypt, the tag is written after CryptLen octets of Dst.
type AeadRequest struct {
	Src *sgl.Region
	// Dst is the output region. Nil or same as Src indicates in-place operation.
	Dst       *sgl.Region
	Assoc     *sgl.Region
	AssocLen  int
	CryptLen  int
	IV        []byte
	AuthSize  int
	Direction CryptoDirection
	Mode      CipherMode
	CCM       *CCMBlocks
	// GenerateIV indicates the engine writes the next IV back into IV.
	GenerateIV bool
	// DoublePass chains every section into the descriptor table.
	DoublePass bool
}

// InPlace determines whether output overwrites input.
func (req AeadRequest) InPlace() bool {
	return req.Dst == nil || req.Dst == req.Src
}

func (req AeadRequest) check() error {
	switch {
	case req.Src == nil:
		return fmt.Errorf("%w: AEAD request without source", ErrInvalidArgument)
	case req.AuthSize < 0 || req.AuthSize > MaxMacSize:
		return fmt.Errorf("%w: authsize %d", ErrInvalidArgument, req.AuthSize)
	case req.CryptLen < 0 || (req.Direction == Decrypt && req.CryptLen < req.AuthSize):
		return fmt.Errorf("%w: cryptlen %d authsize %d", ErrInvalidArgument, req.CryptLen, req.AuthSize)
	case req.AssocLen < 0 || (req.AssocLen > 0 && req.Assoc == nil):
		return fmt.Errorf("%w: assoclen %d", ErrInvalidArgument, req.AssocLen)
	case req.Mode == ModeCTR && len(req.IV) > 0 && len(req.IV) <= CTRNonceSize:
		return fmt.Errorf("%w: CTR IV of %d octets", ErrInvalidArgument, len(req.IV))
	}
	if req.Mode == ModeCCM {
		if req.CCM == nil || len(req.CCM.Counter0) != AESBlockSize || req.CCM.HeaderSize < 0 ||
			len(req.CCM.Config) < AESBlockSize+req.CCM.HeaderSize {
			return fmt.Errorf("%w: CCM blocks", ErrInvalidArgument)
		}
	}
	return nil
}

// ICV is the resolved location of the authentication tag.
type ICV struct {
	ICVLayout
	// Addr is the device address the engine reads or writes the tag at.
	// It is zero when the tag is verified by the CPU from BackupMac.
	Addr uint32 `json:"addr"`
	// Host is the host view of the tag, nil if the tag lives in device-secure memory.
	Host []byte `json:"-"`
}

// AeadReqCtx is the DMA state of an AEAD request.
type AeadReqCtx struct {
	DMABufType DMABufType
	Assoc      Section
	Src, Dst   Section
	ICV        ICV

	MacBuf          [MaxMacSize]byte
	BackupMac       [MaxMacSize]byte
	MacBufAddr      uint32
	IVAddr          uint32
	CCMConfigAddr   uint32
	CCMCounter0Addr uint32
	CipherLen       int

	req           AeadRequest
	inPlace       bool
	acpBackup     bool
	ccmConfigLen  int
	ivDir         dmamap.Direction
	assocMapping  *dmamap.Mapping
	srcMapping    *dmamap.Mapping
	dstMapping    *dmamap.Mapping
	mlli          *MLLI
	ccmIndex      int
	assocIndex    int
	ivIndex       int
	srcIndex      int
	dstIndex      int
	dataTableMode bool
}

// Table returns the descriptor table, or nil if nothing was chained.
func (ctx *AeadReqCtx) Table() *MLLI {
	return ctx.mlli
}

// MapAeadRequest establishes DMA mappings of an AEAD request.
// On failure, every mapping established so far is released.
func (m *Manager) MapAeadRequest(ctx *AeadReqCtx, req AeadRequest) (e error) {
	*ctx = AeadReqCtx{
		req:        req,
		inPlace:    req.InPlace(),
		ccmIndex:   -1,
		assocIndex: -1,
		ivIndex:    -1,
		srcIndex:   -1,
		dstIndex:   -1,
	}
	ctx.Assoc.SramAddr, ctx.Src.SramAddr, ctx.Dst.SramAddr = NullSramAddr, NullSramAddr, NullSramAddr
	defer func() {
		if e != nil {
			m.metrics.fail("aead", e)
			m.UnmapAeadRequest(ctx)
		}
	}()
	if e = req.check(); e != nil {
		return e
	}

	if m.cfg.ACPWorkaround && ctx.inPlace && req.Direction == Decrypt && req.AuthSize > 0 {
		req.Src.CopyTo(ctx.BackupMac[:req.AuthSize], req.CryptLen-req.AuthSize)
		ctx.acpBackup = true
	}

	if ctx.MacBufAddr, e = dmamap.MapSingle(m.mapper, ctx.MacBuf[:], dmamap.Bidirectional); e != nil {
		return fmt.Errorf("map MAC buffer: %w", e)
	}

	if req.Mode == ModeCCM {
		if ctx.CCMCounter0Addr, e = dmamap.MapSingle(m.mapper, req.CCM.Counter0, dmamap.ToDevice); e != nil {
			return fmt.Errorf("map CCM counter0: %w", e)
		}
		ctx.ccmConfigLen = AESBlockSize + req.CCM.HeaderSize
		if ctx.CCMConfigAddr, e = dmamap.MapSingle(m.mapper, req.CCM.Config[:ctx.ccmConfigLen], dmamap.ToDevice); e != nil {
			return fmt.Errorf("map CCM config: %w", e)
		}
	}

	var arr BufferArray
	if e = m.chainAssoc(ctx, &arr, req.DoublePass); e != nil {
		return fmt.Errorf("chain assoc: %w", e)
	}
	if e = m.chainIV(ctx, &arr); e != nil {
		return fmt.Errorf("chain IV: %w", e)
	}
	if e = m.chainData(ctx, &arr, req.DoublePass); e != nil {
		return fmt.Errorf("chain data: %w", e)
	}

	if ctx.Assoc.Type == DMAMLLI || ctx.dataTableMode {
		ctx.DMABufType = DMAMLLI
		arr.markLast()
		var counts []int
		if ctx.mlli, counts, e = m.generateMLLI(&arr); e != nil {
			return e
		}
		m.assignSram(ctx, counts)
	} else {
		ctx.DMABufType = DMADLLI
	}

	logger.Debug("AEAD request mapped",
		zap.Stringer("type", ctx.DMABufType),
		zap.Stringer("dir", req.Direction),
		zap.Stringer("mode", req.Mode),
		zap.Int("assoclen", req.AssocLen),
		zap.Int("cryptlen", req.CryptLen),
		zap.Stringer("icv", ctx.ICV.ICVLayout),
		zap.Bool("double-pass", req.DoublePass),
	)
	return nil
}

func (m *Manager) chainAssoc(ctx *AeadReqCtx, arr *BufferArray, forceTable bool) (e error) {
	req := ctx.req
	if req.AssocLen == 0 {
		ctx.Assoc.Type = DMANull
		return nil
	}

	isCCM := req.Mode == ModeCCM
	maxNents := m.cfg.MaxAssocEntries
	if isCCM {
		maxNents--
	}
	if ctx.assocMapping, e = dmamap.MapRegion(m.mapper, req.Assoc, req.AssocLen, dmamap.ToDevice, maxNents); e != nil {
		return e
	}
	ctx.Assoc.setMapping(ctx.assocMapping, req.AssocLen)

	if ctx.Assoc.Nents == 1 && !isCCM {
		ctx.Assoc.Type = DMADLLI
	} else {
		ctx.Assoc.Type = DMAMLLI
	}
	if ctx.Assoc.Type != DMAMLLI && !forceTable {
		return nil
	}

	if isCCM {
		if ctx.ccmIndex, e = arr.AddBuffer(ctx.CCMConfigAddr, ctx.ccmConfigLen, false); e != nil {
			return e
		}
	}
	if ctx.assocIndex, e = arr.AddScatter(ctx.assocMapping, req.AssocLen, false); e != nil {
		return e
	}
	ctx.Assoc.Type = DMAMLLI
	return nil
}

// chainIV maps the IV and appends it after associated data.
// The descriptor is rendered only if the request ends up in table mode.
func (m *Manager) chainIV(ctx *AeadReqCtx, arr *BufferArray) (e error) {
	req := ctx.req
	if len(req.IV) == 0 {
		ctx.IVAddr = 0
		return nil
	}
	ctx.ivDir = dmamap.ToDevice
	if req.GenerateIV {
		ctx.ivDir = dmamap.Bidirectional
	}
	if ctx.IVAddr, e = dmamap.MapSingle(m.mapper, req.IV, ctx.ivDir); e != nil {
		return e
	}

	skip := 0
	if req.Mode == ModeCTR {
		skip = CTRNonceSize
	}
	ctx.ivIndex, e = arr.AddBuffer(ctx.IVAddr+uint32(skip), len(req.IV)-skip, false)
	return e
}

func (m *Manager) chainData(ctx *AeadReqCtx, arr *BufferArray, forceTable bool) (e error) {
	req := ctx.req
	authSize := req.AuthSize

	srcLen := req.CryptLen
	ctx.CipherLen = req.CryptLen
	if req.Direction == Decrypt {
		ctx.CipherLen -= authSize
	} else if ctx.inPlace {
		srcLen += authSize
	}
	if ctx.srcMapping, e = dmamap.MapRegion(m.mapper, req.Src, srcLen, dmamap.Bidirectional, m.cfg.MaxDataEntries); e != nil {
		return fmt.Errorf("src: %w", e)
	}
	ctx.Src.setMapping(ctx.srcMapping, ctx.CipherLen)
	ctx.dataTableMode = forceTable || ctx.Src.Nents > 1

	icvMapping := ctx.srcMapping
	if ctx.inPlace {
		ctx.Dst = ctx.Src
	} else {
		dstLen := req.CryptLen + authSize
		if req.Direction == Decrypt {
			dstLen = req.CryptLen - authSize
		}
		if ctx.dstMapping, e = dmamap.MapRegion(m.mapper, req.Dst, dstLen, dmamap.Bidirectional, m.cfg.MaxDataEntries); e != nil {
			return fmt.Errorf("dst: %w", e)
		}
		ctx.Dst.setMapping(ctx.dstMapping, ctx.CipherLen)
		ctx.dataTableMode = ctx.dataTableMode || ctx.Dst.Nents > 1
		if req.Direction == Encrypt {
			icvMapping = ctx.dstMapping
		}
	}

	if e = m.placeICV(ctx, icvMapping); e != nil {
		return e
	}

	if !ctx.dataTableMode {
		ctx.Src.Type, ctx.Dst.Type = DMADLLI, DMADLLI
		return nil
	}
	ctx.Src.Type, ctx.Dst.Type = DMAMLLI, DMAMLLI
	switch {
	case ctx.inPlace:
		ctx.srcIndex, e = arr.AddScatter(ctx.srcMapping, ctx.CipherLen, false)
	case req.Direction == Decrypt:
		if ctx.srcIndex, e = arr.AddScatter(ctx.srcMapping, ctx.CipherLen, false); e == nil {
			ctx.dstIndex, e = arr.AddScatter(ctx.dstMapping, ctx.CipherLen, false)
		}
	default:
		if ctx.dstIndex, e = arr.AddScatter(ctx.dstMapping, ctx.CipherLen, false); e == nil {
			ctx.srcIndex, e = arr.AddScatter(ctx.srcMapping, ctx.CipherLen, false)
		}
	}
	return e
}

// placeICV resolves the tag location, which starts at CipherLen within the given mapping.
func (m *Manager) placeICV(ctx *AeadReqCtx, mp *dmamap.Mapping) (e error) {
	authSize := ctx.req.AuthSize
	if authSize == 0 {
		return nil
	}

	if ctx.dataTableMode || mp.MappedNents() > 1 {
		if ctx.ICV.ICVLayout, e = classifyMappingICV(mp, authSize); e != nil {
			return e
		}
	}

	if ctx.ICV.Fragmented {
		if ctx.req.Direction == Decrypt {
			ctx.req.Src.CopyTo(ctx.BackupMac[:authSize], ctx.CipherLen)
			ctx.ICV.Addr, ctx.ICV.Host = 0, ctx.BackupMac[:authSize]
		} else {
			ctx.ICV.Addr, ctx.ICV.Host = ctx.MacBufAddr, ctx.MacBuf[:authSize]
		}
		return nil
	}

	addr, ok := mp.AddrAt(ctx.CipherLen, authSize)
	if !ok {
		return fmt.Errorf("%w: tag at offset %d is not device-contiguous", ErrNotSupported, ctx.CipherLen)
	}
	ctx.ICV.Addr, ctx.ICV.Host = addr, mp.HostAt(ctx.CipherLen, authSize)
	return nil
}

// assignSram records per-section entry counts and SRAM addresses after rendering.
// Sections are laid out in chain order: assoc (with CCM header and IV), then data.
func (m *Manager) assignSram(ctx *AeadReqCtx, counts []int) {
	acc := sramAccumulator{base: m.cfg.SramBase}
	if assocCount := sumCounts(counts, ctx.ccmIndex, ctx.assocIndex, ctx.ivIndex); assocCount > 0 {
		ctx.Assoc.MLLINents = assocCount
		ctx.Assoc.SramAddr = acc.next(assocCount)
	}

	if !ctx.dataTableMode {
		return
	}
	srcCount, dstCount := sumCounts(counts, ctx.srcIndex), sumCounts(counts, ctx.dstIndex)
	ctx.Src.MLLINents, ctx.Dst.MLLINents = srcCount, dstCount
	first := srcCount
	switch {
	case ctx.inPlace:
		ctx.Src.SramAddr = acc.next(srcCount)
		ctx.Dst = ctx.Src
	case ctx.req.Direction == Decrypt:
		ctx.Src.SramAddr = acc.next(srcCount)
		ctx.Dst.SramAddr = acc.next(dstCount)
	default:
		ctx.Dst.SramAddr = acc.next(dstCount)
		ctx.Src.SramAddr = acc.next(srcCount)
		first = dstCount
	}
	if ctx.req.DoublePass {
		ctx.Assoc.MLLINents += first
	}
}

// UnmapAeadRequest releases DMA mappings of an AEAD request.
// Device-secure regions are not unmapped.
func (m *Manager) UnmapAeadRequest(ctx *AeadReqCtx) {
	if ctx.MacBufAddr != 0 {
		dmamap.UnmapSingle(m.mapper, ctx.MacBufAddr, MaxMacSize, dmamap.Bidirectional)
		ctx.MacBufAddr = 0
	}
	if ctx.CCMCounter0Addr != 0 {
		dmamap.UnmapSingle(m.mapper, ctx.CCMCounter0Addr, AESBlockSize, dmamap.ToDevice)
		ctx.CCMCounter0Addr = 0
	}
	if ctx.CCMConfigAddr != 0 {
		dmamap.UnmapSingle(m.mapper, ctx.CCMConfigAddr, ctx.ccmConfigLen, dmamap.ToDevice)
		ctx.CCMConfigAddr = 0
	}
	if ctx.IVAddr != 0 {
		dmamap.UnmapSingle(m.mapper, ctx.IVAddr, len(ctx.req.IV), ctx.ivDir)
		ctx.IVAddr = 0
	}
	m.freeMLLI(ctx.mlli)
	ctx.mlli = nil

	dmamap.Unmap(m.mapper, ctx.assocMapping)
	dmamap.Unmap(m.mapper, ctx.srcMapping)
	if !ctx.inPlace {
		dmamap.Unmap(m.mapper, ctx.dstMapping)
	}
	ctx.assocMapping, ctx.srcMapping, ctx.dstMapping = nil, nil, nil

	if ctx.acpBackup {
		authSize := ctx.req.AuthSize
		ctx.req.Src.CopyFrom(ctx.BackupMac[:authSize], ctx.req.CryptLen-authSize)
		ctx.acpBackup = false
	}
}
