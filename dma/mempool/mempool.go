// Package mempool provides a fixed-size block pool in DMA-coherent memory.
package mempool

import (
	"errors"
	"fmt"
	"sync"

	binutils "github.com/jfoster/binary-utilities"
	"github.com/pkg/math"
	"github.com/usnistgov/ccdma/core/logging"
	"github.com/usnistgov/ccdma/dma/dmamap"
	"go.uber.org/zap"
)

var logger = logging.New("mempool")

// Limits and defaults.
const (
	MinAlign     = 8
	DefaultAlign = 32
	MaxCapacity  = 1 << 20
)

// ErrExhausted indicates no block is available.
var ErrExhausted = errors.New("mempool exhausted")

// Config contains Mempool configuration.
type Config struct {
	// Capacity is the number of blocks.
	Capacity int
	// ElementSize is the usable size of each block.
	ElementSize int
	// Align is the device-side alignment of each block, a power of two.
	Align int
}

func (cfg *Config) applyDefaults() {
	if cfg.Align <= 0 {
		cfg.Align = DefaultAlign
	}
	cfg.Align = math.MaxInt(MinAlign, int(binutils.NextPowerOfTwo(int64(cfg.Align))))
	cfg.Capacity = math.MinInt(cfg.Capacity, MaxCapacity)
}

// Block is an allocated pool element.
type Block struct {
	// Buf is host view of the block, ElementSize octets.
	Buf []byte
	// Addr is device address of the block.
	Addr uint32

	index int
}

// Mempool is a fixed-size block pool.
// It is safe for concurrent use.
type Mempool struct {
	alloc    dmamap.CoherentAllocator
	cfg      Config
	stride   int
	slab     []byte
	slabAddr uint32

	mutex  sync.Mutex
	blocks []Block
	free   []int
}

// New creates a Mempool backed by one coherent allocation.
func New(alloc dmamap.CoherentAllocator, cfg Config) (mp *Mempool, e error) {
	cfg.applyDefaults()
	if cfg.Capacity <= 0 || cfg.ElementSize <= 0 {
		return nil, fmt.Errorf("%w: capacity=%d element-size=%d", dmamap.ErrInvalidArgument, cfg.Capacity, cfg.ElementSize)
	}

	mp = &Mempool{
		alloc:  alloc,
		cfg:    cfg,
		stride: (cfg.ElementSize + cfg.Align - 1) &^ (cfg.Align - 1),
	}
	if mp.slab, mp.slabAddr, e = alloc.AllocCoherent(mp.stride*cfg.Capacity, cfg.Align); e != nil {
		logger.Error("AllocCoherent failed", zap.Int("capacity", cfg.Capacity), zap.Int("stride", mp.stride), zap.Error(e))
		return nil, fmt.Errorf("%w: %v", dmamap.ErrNoMemory, e)
	}

	mp.blocks = make([]Block, cfg.Capacity)
	mp.free = make([]int, cfg.Capacity)
	for i := range mp.blocks {
		offset := i * mp.stride
		mp.blocks[i] = Block{
			Buf:   mp.slab[offset : offset+cfg.ElementSize : offset+cfg.ElementSize],
			Addr:  mp.slabAddr + uint32(offset),
			index: i,
		}
		mp.free[i] = cfg.Capacity - 1 - i
	}
	logger.Debug("mempool created",
		zap.Int("capacity", cfg.Capacity),
		zap.Int("element-size", cfg.ElementSize),
		zap.Uint32("addr", mp.slabAddr),
	)
	return mp, nil
}

// Close releases the mempool.
// Blocks still in use become invalid.
func (mp *Mempool) Close() error {
	if mp == nil || mp.slab == nil {
		return nil
	}
	mp.mutex.Lock()
	defer mp.mutex.Unlock()
	if n := len(mp.blocks) - len(mp.free); n > 0 {
		logger.Warn("closing mempool with blocks in use", zap.Int("in-use", n))
	}
	mp.alloc.FreeCoherent(mp.slab, mp.slabAddr)
	mp.slab, mp.blocks, mp.free = nil, nil, nil
	return nil
}

func (mp *Mempool) String() string {
	return fmt.Sprintf("mempool(%dx%d@%08x)", mp.cfg.Capacity, mp.cfg.ElementSize, mp.slabAddr)
}

// SizeofElement returns element size.
func (mp *Mempool) SizeofElement() int {
	return mp.cfg.ElementSize
}

// Capacity returns number of blocks.
func (mp *Mempool) Capacity() int {
	return mp.cfg.Capacity
}

// CountAvailable returns number of available blocks.
func (mp *Mempool) CountAvailable() int {
	mp.mutex.Lock()
	defer mp.mutex.Unlock()
	return len(mp.free)
}

// CountInUse returns number of allocated blocks.
func (mp *Mempool) CountInUse() int {
	mp.mutex.Lock()
	defer mp.mutex.Unlock()
	return len(mp.blocks) - len(mp.free)
}

// Alloc allocates a block.
// The block content is zeroed.
func (mp *Mempool) Alloc() (*Block, error) {
	mp.mutex.Lock()
	defer mp.mutex.Unlock()
	n := len(mp.free)
	if n == 0 {
		return nil, ErrExhausted
	}
	blk := &mp.blocks[mp.free[n-1]]
	mp.free = mp.free[:n-1]
	for i := range blk.Buf {
		blk.Buf[i] = 0
	}
	return blk, nil
}

// Free releases a block.
// It does nothing if blk is nil.
func (mp *Mempool) Free(blk *Block) {
	if blk == nil {
		return
	}
	mp.mutex.Lock()
	defer mp.mutex.Unlock()
	if blk.index >= len(mp.blocks) || &mp.blocks[blk.index] != blk {
		logger.Warn("freeing foreign block", zap.Uint32("addr", blk.Addr))
		return
	}
	mp.free = append(mp.free, blk.index)
}
