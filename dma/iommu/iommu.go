// Package iommu provides a software DMA mapping service.
//
// IOMMU hands out device addresses from a 32-bit window, page by page, and remembers which host
// memory each address range refers to. It lets the buffer manager run without DMA hardware, and lets
// tests and tools read descriptor tables the way the device would.
package iommu

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	binutils "github.com/jfoster/binary-utilities"
	"github.com/usnistgov/ccdma/core/logging"
	"github.com/usnistgov/ccdma/dma/dmamap"
	"go.uber.org/zap"
)

var logger = logging.New("iommu")

// Defaults.
const (
	DefaultBase     = 0x10000000
	DefaultSize     = 0x10000000
	DefaultPageSize = 4096
)

// Error conditions.
var (
	ErrExhausted = errors.New("IOVA space exhausted")
	ErrFault     = errors.New("injected fault")
)

// Config contains IOMMU configuration.
type Config struct {
	// Base is the first device address. It must be non-zero.
	Base uint32 `json:"base,omitempty"`
	// Size is the size of the device address window.
	Size uint32 `json:"size,omitempty"`
	// PageSize is the mapping granularity, rounded up to a power of two.
	PageSize int `json:"pageSize,omitempty"`
	// Coalesce allows MapList to merge host buffers that are adjacent in memory.
	Coalesce bool `json:"coalesce,omitempty"`
}

func (cfg *Config) applyDefaults() {
	if cfg.Base == 0 {
		cfg.Base = DefaultBase
	}
	if cfg.Size == 0 {
		cfg.Size = DefaultSize
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	cfg.PageSize = int(binutils.NextPowerOfTwo(int64(cfg.PageSize)))

	// The window must not wrap past the 32-bit boundary, where address zero would be handed out.
	base := alignUp(uint64(cfg.Base), cfg.PageSize)
	if base+uint64(cfg.PageSize) > addrLimit {
		logger.Warn("IOVA base beyond 32-bit window, using default", zap.Uint32("base", cfg.Base))
		base = DefaultBase
	}
	cfg.Base = uint32(base)
	if uint64(cfg.Base)+uint64(cfg.Size) > addrLimit {
		cfg.Size = uint32(addrLimit - uint64(cfg.Base))
	}
}

const addrLimit = 1 << 32

func alignUp(v uint64, align int) uint64 {
	mask := uint64(align - 1)
	return (v + mask) &^ mask
}

// Op identifies an IOMMU operation for fault injection.
type Op int

// Op values.
const (
	OpMapSegment Op = iota
	OpMapList
	OpAllocCoherent
)

func (op Op) String() string {
	switch op {
	case OpMapSegment:
		return "MapSegment"
	case OpMapList:
		return "MapList"
	case OpAllocCoherent:
		return "AllocCoherent"
	}
	return fmt.Sprintf("Op(%d)", int(op))
}

// FaultFunc decides whether an operation should fail.
// seq counts operations of all kinds, starting from zero.
type FaultFunc func(op Op, seq int) bool

// FailAt returns a FaultFunc that fails the operation with the given sequence number.
func FailAt(n int) FaultFunc {
	return func(op Op, seq int) bool {
		return seq == n
	}
}

type region struct {
	buf     []byte
	pages   int
	dir     dmamap.Direction
	managed bool
}

// IOMMU is a software DMA mapping service.
type IOMMU struct {
	cfg   Config
	mutex sync.Mutex
	space spaceAllocator
	live  map[uint32]*region
	fault FaultFunc
	seq   int

	nStreaming int
	nCoherent  int
}

var _ dmamap.Mapper = (*IOMMU)(nil)

// New creates an IOMMU.
func New(cfg Config) *IOMMU {
	cfg.applyDefaults()
	nPages := int(cfg.Size) / cfg.PageSize
	return &IOMMU{
		cfg:   cfg,
		space: makeSpaceAllocator(nPages),
		live:  map[uint32]*region{},
	}
}

// Config returns effective configuration.
func (u *IOMMU) Config() Config {
	return u.cfg
}

// InjectFault installs a fault injection function.
// nil removes fault injection.
// The operation sequence counter restarts at zero.
func (u *IOMMU) InjectFault(f FaultFunc) {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	u.fault, u.seq = f, 0
}

// CountMapped returns number of live streaming mappings.
func (u *IOMMU) CountMapped() int {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	return u.nStreaming
}

// CountCoherent returns number of live coherent allocations.
func (u *IOMMU) CountCoherent() int {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	return u.nCoherent
}

func (u *IOMMU) checkFault(op Op) error {
	seq := u.seq
	u.seq++
	if u.fault != nil && u.fault(op, seq) {
		logger.Debug("injecting fault", zap.Stringer("op", op), zap.Int("seq", seq))
		return fmt.Errorf("%w: %s #%d", ErrFault, op, seq)
	}
	return nil
}

func (u *IOMMU) pagesFor(size int) int {
	return (size + u.cfg.PageSize - 1) / u.cfg.PageSize
}

func (u *IOMMU) insert(buf []byte, dir dmamap.Direction, managed bool) (addr uint32, e error) {
	pages := u.pagesFor(len(buf))
	if pages == 0 {
		pages = 1
	}
	first, ok := u.space.Alloc(pages)
	if !ok {
		return 0, fmt.Errorf("%w: %d pages", ErrExhausted, pages)
	}
	addr = u.cfg.Base + uint32(first*u.cfg.PageSize)
	u.live[addr] = &region{buf: buf, pages: pages, dir: dir, managed: managed}
	return addr, nil
}

func (u *IOMMU) remove(addr uint32, managed bool) (r *region, ok bool) {
	r, ok = u.live[addr]
	if !ok || r.managed != managed {
		return nil, false
	}
	delete(u.live, addr)
	u.space.Free(int(addr-u.cfg.Base)/u.cfg.PageSize, r.pages)
	return r, true
}

// MapSegment implements dmamap.Mapper.
func (u *IOMMU) MapSegment(b []byte, dir dmamap.Direction) (addr uint32, e error) {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	if e = u.checkFault(OpMapSegment); e != nil {
		return 0, e
	}
	if addr, e = u.insert(b, dir, false); e != nil {
		return 0, e
	}
	u.nStreaming++
	return addr, nil
}

// UnmapSegment implements dmamap.Mapper.
func (u *IOMMU) UnmapSegment(addr uint32, size int, dir dmamap.Direction) {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	u.unmap(addr, size, dir)
}

func (u *IOMMU) unmap(addr uint32, size int, dir dmamap.Direction) {
	r, ok := u.remove(addr, false)
	if !ok {
		logger.Warn("unmapping unknown address", zap.Uint32("addr", addr), zap.Int("size", size))
		return
	}
	if len(r.buf) != size || r.dir != dir {
		logger.Warn("unmap does not match map",
			zap.Uint32("addr", addr), zap.Int("mapped-size", len(r.buf)), zap.Int("size", size),
			zap.Stringer("mapped-dir", r.dir), zap.Stringer("dir", dir))
	}
	u.nStreaming--
}

func adjacent(a, b []byte) bool {
	if len(a) == 0 || len(b) == 0 || cap(a)-len(a) < len(b) {
		return false
	}
	return uintptr(unsafe.Pointer(&a[0]))+uintptr(len(a)) == uintptr(unsafe.Pointer(&b[0]))
}

// MapList implements dmamap.Mapper.
func (u *IOMMU) MapList(bufs [][]byte, dir dmamap.Direction) (segs []dmamap.Segment, e error) {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	if e = u.checkFault(OpMapList); e != nil {
		return nil, e
	}

	for i := 0; i < len(bufs); {
		merged := bufs[i]
		j := i + 1
		for ; u.cfg.Coalesce && j < len(bufs) && adjacent(merged, bufs[j]); j++ {
			merged = merged[:len(merged)+len(bufs[j])]
		}
		addr, e := u.insert(merged, dir, false)
		if e != nil {
			for _, seg := range segs {
				u.unmap(seg.Addr, seg.Len, dir)
			}
			return nil, e
		}
		u.nStreaming++
		segs = append(segs, dmamap.Segment{Addr: addr, Len: len(merged)})
		i = j
	}
	return segs, nil
}

// UnmapList implements dmamap.Mapper.
func (u *IOMMU) UnmapList(segs []dmamap.Segment, dir dmamap.Direction) {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	for _, seg := range segs {
		u.unmap(seg.Addr, seg.Len, dir)
	}
}

// AllocCoherent implements dmamap.CoherentAllocator.
func (u *IOMMU) AllocCoherent(size, align int) (buf []byte, addr uint32, e error) {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	if e = u.checkFault(OpAllocCoherent); e != nil {
		return nil, 0, e
	}
	if align > u.cfg.PageSize {
		return nil, 0, fmt.Errorf("alignment %d exceeds page size %d", align, u.cfg.PageSize)
	}
	if buf, e = allocHost(u.pagesFor(size) * u.cfg.PageSize); e != nil {
		return nil, 0, e
	}
	buf = buf[:size]
	if addr, e = u.insert(buf, dmamap.Bidirectional, true); e != nil {
		freeHost(buf)
		return nil, 0, e
	}
	u.nCoherent++
	return buf, addr, nil
}

// FreeCoherent implements dmamap.CoherentAllocator.
func (u *IOMMU) FreeCoherent(buf []byte, addr uint32) {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	r, ok := u.remove(addr, true)
	if !ok {
		logger.Warn("freeing unknown coherent address", zap.Uint32("addr", addr))
		return
	}
	freeHost(r.buf)
	u.nCoherent--
}

// Direction returns the direction of a streaming mapping starting at addr.
func (u *IOMMU) Direction(addr uint32) (dir dmamap.Direction, ok bool) {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	r, ok := u.live[addr]
	if !ok || r.managed {
		return 0, false
	}
	return r.dir, true
}

// Read returns host memory behind n octets at a device address, as the device would see it.
// It returns nil if the range is not mapped or crosses a mapping boundary.
func (u *IOMMU) Read(addr uint32, n int) []byte {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	for base, r := range u.live {
		if addr >= base && uint64(addr)+uint64(n) <= uint64(base)+uint64(len(r.buf)) {
			offset := int(addr - base)
			return r.buf[offset : offset+n]
		}
	}
	return nil
}
