package main

import (
	"encoding/json"
	"fmt"

	"github.com/usnistgov/ccdma/bufmgr"
	"github.com/usnistgov/ccdma/dma/lli"
	"github.com/usnistgov/ccdma/dma/sgl"
)

// secureBase is the device address of the first device-secure fragment.
const secureBase = 0x80000000

// layout lists fragment lengths of a region.
// More than one list describes a chained region.
type layout [][]int

func (l *layout) UnmarshalJSON(j []byte) error {
	var flat []int
	if e := json.Unmarshal(j, &flat); e == nil {
		*l = layout{flat}
		return nil
	}
	var nested [][]int
	if e := json.Unmarshal(j, &nested); e != nil {
		return e
	}
	*l = nested
	return nil
}

func (l layout) Len() (n int) {
	for _, lens := range l {
		for _, length := range lens {
			n += length
		}
	}
	return n
}

// regionBuilder creates regions whose fragments within one list are adjacent in memory.
type regionBuilder struct {
	secure     bool
	secureAddr uint64
}

func (b *regionBuilder) build(l layout) *sgl.Region {
	lists := make([]sgl.List, len(l))
	for i, lens := range l {
		var backing []byte
		if !b.secure {
			backing = make([]byte, layout{lens}.Len())
		}
		offset := 0
		for _, length := range lens {
			if b.secure {
				lists[i] = append(lists[i], sgl.Device(b.secureAddr, length))
				b.secureAddr += uint64(length)
				continue
			}
			lists[i] = append(lists[i], sgl.Host(backing[offset:offset+length]))
			offset += length
		}
	}
	r := sgl.Chain(lists...)
	r.Secure = b.secure
	return r
}

type scenario struct {
	Kind   string `json:"kind"`
	Src    layout `json:"src"`
	Dst    layout `json:"dst,omitempty"`
	Assoc  layout `json:"assoc,omitempty"`
	Secure bool   `json:"secure,omitempty"`

	NBytes     int  `json:"nbytes,omitempty"`
	IVLen      int  `json:"ivLen,omitempty"`
	GenerateIV bool `json:"generateIV,omitempty"`

	AssocLen      int                    `json:"assocLen,omitempty"`
	CryptLen      int                    `json:"cryptLen,omitempty"`
	AuthSize      int                    `json:"authSize,omitempty"`
	Direction     bufmgr.CryptoDirection `json:"direction,omitempty"`
	Mode          bufmgr.CipherMode      `json:"mode,omitempty"`
	CCMHeaderSize int                    `json:"ccmHeaderSize,omitempty"`
	DoublePass    bool                   `json:"doublePass,omitempty"`

	BlockSize int      `json:"blockSize,omitempty"`
	Updates   []layout `json:"updates,omitempty"`
	Final     layout   `json:"final,omitempty"`
}

type step struct {
	Op        string                    `json:"op"`
	Type      bufmgr.DMABufType         `json:"type"`
	Queued    bool                      `json:"queued,omitempty"`
	TableAddr uint32                    `json:"tableAddr,omitempty"`
	Table     []lli.Entry               `json:"table,omitempty"`
	Sections  map[string]bufmgr.Section `json:"sections,omitempty"`
	ICV       *bufmgr.ICV               `json:"icv,omitempty"`
}

func (st *step) setTable(t *bufmgr.MLLI) {
	if t == nil {
		return
	}
	st.TableAddr = t.Addr
	st.Table = t.Table.Entries()
}

// run maps a scenario, records the outcome, and unmaps it.
func run(m *bufmgr.Manager, sc scenario) (steps []step, e error) {
	b := regionBuilder{secure: sc.Secure, secureAddr: secureBase}
	switch sc.Kind {
	case "cipher":
		return runCipher(m, sc, &b)
	case "aead":
		return runAead(m, sc, &b)
	case "hash":
		return runHash(m, sc, &b)
	}
	return nil, fmt.Errorf("unknown scenario kind %q", sc.Kind)
}

func runCipher(m *bufmgr.Manager, sc scenario, b *regionBuilder) ([]step, error) {
	req := bufmgr.CipherRequest{
		Src:        b.build(sc.Src),
		NBytes:     sc.NBytes,
		IV:         make([]byte, sc.IVLen),
		GenerateIV: sc.GenerateIV,
	}
	if len(sc.Dst) > 0 {
		req.Dst = b.build(sc.Dst)
	}
	if req.NBytes == 0 {
		req.NBytes = req.Src.Len()
	}

	var ctx bufmgr.CipherReqCtx
	if e := m.MapCipherRequest(&ctx, req); e != nil {
		return nil, e
	}
	defer m.UnmapCipherRequest(&ctx)

	st := step{
		Op:       "cipher",
		Type:     ctx.DMABufType,
		Sections: map[string]bufmgr.Section{"in": ctx.In, "out": ctx.Out},
	}
	st.setTable(ctx.Table())
	return []step{st}, nil
}

func runAead(m *bufmgr.Manager, sc scenario, b *regionBuilder) ([]step, error) {
	req := bufmgr.AeadRequest{
		Src:        b.build(sc.Src),
		AssocLen:   sc.AssocLen,
		CryptLen:   sc.CryptLen,
		IV:         make([]byte, sc.IVLen),
		AuthSize:   sc.AuthSize,
		Direction:  sc.Direction,
		Mode:       sc.Mode,
		GenerateIV: sc.GenerateIV,
		DoublePass: sc.DoublePass,
	}
	if len(sc.Dst) > 0 {
		req.Dst = b.build(sc.Dst)
	}
	if len(sc.Assoc) > 0 {
		req.Assoc = b.build(sc.Assoc)
		if req.AssocLen == 0 {
			req.AssocLen = req.Assoc.Len()
		}
	}
	if sc.Mode == bufmgr.ModeCCM {
		req.CCM = &bufmgr.CCMBlocks{
			Config:     make([]byte, bufmgr.AESBlockSize+sc.CCMHeaderSize),
			HeaderSize: sc.CCMHeaderSize,
			Counter0:   make([]byte, bufmgr.AESBlockSize),
		}
	}

	var ctx bufmgr.AeadReqCtx
	if e := m.MapAeadRequest(&ctx, req); e != nil {
		return nil, e
	}
	defer m.UnmapAeadRequest(&ctx)

	icv := ctx.ICV
	st := step{
		Op:       "aead",
		Type:     ctx.DMABufType,
		Sections: map[string]bufmgr.Section{"assoc": ctx.Assoc, "src": ctx.Src, "dst": ctx.Dst},
		ICV:      &icv,
	}
	st.setTable(ctx.Table())
	return []step{st}, nil
}

func runHash(m *bufmgr.Manager, sc scenario, b *regionBuilder) (steps []step, e error) {
	ctx, e := bufmgr.NewHashReqCtx(sc.BlockSize)
	if e != nil {
		return nil, e
	}

	record := func(op string, queued bool) {
		st := step{
			Op:     op,
			Type:   ctx.DataType,
			Queued: queued,
		}
		if ctx.DataType == bufmgr.DMADLLI {
			st.Sections = map[string]bufmgr.Section{
				"data": {Type: bufmgr.DMADLLI, Addr: ctx.CurrAddr, Len: ctx.CurrLen, SramAddr: bufmgr.NullSramAddr},
			}
		}
		st.setTable(ctx.Table())
		steps = append(steps, st)
	}

	for i, l := range append([]layout{sc.Src}, sc.Updates...) {
		src := b.build(l)
		queued, e := m.MapHashUpdate(ctx, src, src.Len())
		if e != nil {
			return nil, fmt.Errorf("update %d: %w", i, e)
		}
		record("update", queued)
		m.UnmapHash(ctx, false)
	}

	final := b.build(sc.Final)
	if e = m.MapHashFinal(ctx, final, final.Len(), true); e != nil {
		return nil, fmt.Errorf("final: %w", e)
	}
	record("final", false)
	m.UnmapHash(ctx, false)
	return steps, nil
}
