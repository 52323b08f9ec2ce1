package main

import (
	"testing"

	"github.com/usnistgov/ccdma/bufmgr"
	"github.com/usnistgov/ccdma/bufmgr/bufmgrtestenv"
	"github.com/usnistgov/ccdma/core/testenv"
	"github.com/usnistgov/ccdma/core/yamlflag"
	"github.com/usnistgov/ccdma/dma/lli"
)

func parseScenario(doc string) (sc scenario, e error) {
	e = yamlflag.New(&sc, yamlflag.WithValidator(validateScenario), yamlflag.DisallowUnknownFields).Set(doc)
	return
}

func TestSchema(t *testing.T) {
	assert, _ := makeAR(t)

	for _, doc := range []string{
		"kind: cipher",
		"{kind: stream, src: [16]}",
		"{kind: hash, src: [16]}",
		"{kind: aead, src: [16]}",
		"{kind: aead, src: [16], cryptLen: 16, authSize: 64}",
		"{kind: cipher, src: [-1]}",
		"{kind: cipher, src: [16], extra: 1}",
	} {
		_, e := parseScenario(doc)
		assert.Error(e, doc)
	}

	sc, e := parseScenario("{kind: cipher, src: [[16, 32], [48]], direction: decrypt, mode: ctr}")
	assert.NoError(e)
	assert.Equal(layout{{16, 32}, {48}}, sc.Src)
	assert.Equal(96, sc.Src.Len())
	assert.Equal(bufmgr.Decrypt, sc.Direction)
	assert.Equal(bufmgr.ModeCTR, sc.Mode)
}

func TestMapAead(t *testing.T) {
	assert, require := makeAR(t)
	f := bufmgrtestenv.New(t, bufmgr.Config{SramBase: 0x1000})

	sc, e := parseScenario(`
kind: aead
src: [512, 512, 272]
ivLen: 12
cryptLen: 1280
authSize: 16
direction: encrypt
mode: ctr
`)
	require.NoError(e)

	steps, e := run(f.Manager, sc)
	require.NoError(e)
	require.Len(steps, 1)
	st := steps[0]
	assert.Equal(bufmgr.DMAMLLI, st.Type)
	require.Len(st.Table, 4)
	assert.Equal(uint32(8), st.Table[0].Size)
	assert.Equal(uint32(256), st.Table[3].Size)
	assert.True(st.Table[3].Last)
	assert.Equal(1, st.Sections["assoc"].MLLINents)
	assert.Equal(uint32(0x1000), st.Sections["assoc"].SramAddr)
	assert.Equal(uint32(0x1000+lli.EntrySize), st.Sections["src"].SramAddr)
	f.CheckReleased()

	var printed []struct {
		Type     string `json:"type"`
		Sections map[string]struct {
			Type      string `json:"type"`
			MLLINents int    `json:"mlliNents"`
		} `json:"sections"`
	}
	testenv.FromJSON(testenv.ToJSON(steps), &printed)
	require.Len(printed, 1)
	assert.Equal("MLLI", printed[0].Type)
	assert.Equal("NULL", printed[0].Sections["assoc"].Type)
	assert.Equal(3, printed[0].Sections["src"].MLLINents)

	testenv.FromJSON(`{"kind":"aead","src":[[512,512],[272]],"ivLen":12,"cryptLen":1280,"authSize":16,"mode":"ctr","doublePass":true}`, &sc)
	assert.Equal(layout{{512, 512}, {272}}, sc.Src)
	steps, e = run(f.Manager, sc)
	require.NoError(e)
	assert.Len(steps[0].Table, 4)
	assert.Equal(4, steps[0].Sections["assoc"].MLLINents)
	f.CheckReleased()
}

func TestMapCipher(t *testing.T) {
	assert, require := makeAR(t)
	f := bufmgrtestenv.New(t, bufmgr.Config{})

	sc, e := parseScenario("{kind: cipher, src: [64], dst: [[32], [32]], ivLen: 16}")
	require.NoError(e)
	steps, e := run(f.Manager, sc)
	require.NoError(e)
	require.Len(steps, 1)
	assert.Equal(bufmgr.DMAMLLI, steps[0].Type)
	assert.Len(steps[0].Table, 3)
	f.CheckReleased()

	sc, e = parseScenario("{kind: cipher, src: [64], secure: true}")
	require.NoError(e)
	steps, e = run(f.Manager, sc)
	require.NoError(e)
	assert.Equal(bufmgr.DMADLLI, steps[0].Type)
	assert.Equal(uint32(secureBase), steps[0].Sections["in"].Addr)
	f.CheckReleased()
}

func TestMapHash(t *testing.T) {
	assert, require := makeAR(t)
	f := bufmgrtestenv.New(t, bufmgr.Config{})

	sc, e := parseScenario("{kind: hash, blockSize: 64, src: [20], updates: [[20], [24]], final: [[10], [6]]}")
	require.NoError(e)
	steps, e := run(f.Manager, sc)
	require.NoError(e)
	require.Len(steps, 4)
	assert.True(steps[0].Queued)
	assert.True(steps[1].Queued)
	assert.False(steps[2].Queued)
	assert.Equal(bufmgr.DMAMLLI, steps[2].Type)
	assert.Len(steps[2].Table, 2)
	assert.Equal(bufmgr.DMAMLLI, steps[3].Type)
	assert.Len(steps[3].Table, 2)
	f.CheckReleased()
}
