package bufmgr

import (
	"fmt"

	"github.com/pkg/math"
	"github.com/usnistgov/ccdma/dma/dmamap"
	"github.com/usnistgov/ccdma/dma/lli"
	"github.com/usnistgov/ccdma/dma/mempool"
	"go.uber.org/zap"
)

// DMABufType indicates how a request section is presented to the engine.
type DMABufType int

// DMABufType values.
const (
	DMANull DMABufType = iota
	DMADLLI
	DMAMLLI
)

func (t DMABufType) String() string {
	switch t {
	case DMANull:
		return "NULL"
	case DMADLLI:
		return "DLLI"
	case DMAMLLI:
		return "MLLI"
	}
	return fmt.Sprintf("DMABufType(%d)", int(t))
}

// MarshalText implements encoding.TextMarshaler.
func (t DMABufType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// MLLI is a rendered descriptor table.
type MLLI struct {
	block *mempool.Block

	// Table contains the rendered entries.
	Table lli.Table
	// Addr is the device address of the table.
	Addr uint32
}

// Len returns number of rendered entries.
func (t *MLLI) Len() int {
	if t == nil {
		return 0
	}
	return t.Table.Len()
}

// Size returns table length in octets.
func (t *MLLI) Size() int {
	if t == nil {
		return 0
	}
	return len(t.Table)
}

type tableWriter struct {
	tbl lli.Table
	n   int
}

func (w *tableWriter) put(addr uint32, size int) error {
	for size > 0 {
		if w.n == w.tbl.Len() {
			return fmt.Errorf("%w: descriptor table full at %d entries", ErrNoMemory, w.n)
		}
		chunk := math.MinInt(size, lli.MaxEntryDataSize)
		w.tbl.Set(w.n, lli.Entry{Addr: addr, Size: uint32(chunk)})
		w.n++
		addr += uint32(chunk)
		size -= chunk
	}
	return nil
}

func (w *tableWriter) putScatter(segs []dmamap.Segment, length int) error {
	for _, seg := range segs {
		if length == 0 {
			break
		}
		size := math.MinInt(length, seg.Len)
		if e := w.put(seg.Addr, size); e != nil {
			return e
		}
		length -= size
	}
	if length > 0 {
		return fmt.Errorf("%w: mapping is %d octets short", ErrInvalidArgument, length)
	}
	return nil
}

// generateMLLI renders a BufferArray into one pooled descriptor table.
// counts[i] is the number of entries rendered for the i-th descriptor.
//
// The final entry always carries the last-bit. A descriptor flagged IsLast must not be followed by
// a descriptor that renders entries.
func (m *Manager) generateMLLI(arr *BufferArray) (t *MLLI, counts []int, e error) {
	blk, e := m.pool.Alloc()
	if e != nil {
		logger.Debug("descriptor table pool exhausted", zap.Int("in-use", m.pool.CountInUse()))
		return nil, nil, fmt.Errorf("%w: %v", ErrNoMemory, e)
	}
	defer func() {
		if e != nil {
			m.pool.Free(blk)
		}
	}()

	w := tableWriter{tbl: lli.Table(blk.Buf)}
	counts = make([]int, arr.Len())
	lastFlag := -1
	for i := 0; i < arr.Len(); i++ {
		ent := arr.At(i)
		before := w.n
		switch ent.Kind() {
		case EntryBuffer:
			e = w.put(ent.Addr(), ent.Len)
		case EntryScatter:
			e = w.putScatter(ent.Mapping().Segments, ent.Len)
		}
		if e != nil {
			return nil, nil, e
		}
		counts[i] = w.n - before

		if counts[i] > 0 && lastFlag >= 0 {
			return nil, nil, fmt.Errorf("%w: descriptor %d is flagged last but descriptor %d follows", ErrInvalidArgument, lastFlag, i)
		}
		if ent.IsLast {
			lastFlag = i
		}
	}

	if w.n == 0 {
		return nil, nil, fmt.Errorf("%w: nothing to render", ErrInvalidArgument)
	}
	if lastFlag < 0 {
		logger.Warn("final descriptor not flagged last", zap.Int("descriptors", arr.Len()), zap.Int("entries", w.n))
	}
	w.tbl.SetLast(w.n - 1)

	t = &MLLI{
		block: blk,
		Table: w.tbl[:w.n*lli.EntrySize],
		Addr:  blk.Addr,
	}
	m.metrics.TablesRendered.Inc()
	m.metrics.EntriesRendered.Add(float64(w.n))
	logger.Debug("descriptor table rendered",
		zap.Int("descriptors", arr.Len()),
		zap.Ints("counts", counts),
		zap.Uint32("addr", t.Addr),
	)
	return t, counts, nil
}

// freeMLLI releases a descriptor table.
// It does nothing if t is nil.
func (m *Manager) freeMLLI(t *MLLI) {
	if t == nil {
		return
	}
	m.pool.Free(t.block)
}
