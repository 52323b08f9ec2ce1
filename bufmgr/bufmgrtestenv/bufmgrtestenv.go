// Package bufmgrtestenv provides test fixtures for bufmgr.
package bufmgrtestenv

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/usnistgov/ccdma/bufmgr"
	"github.com/usnistgov/ccdma/core/testenv"
	"github.com/usnistgov/ccdma/dma/iommu"
	"github.com/usnistgov/ccdma/dma/sgl"
	"go4.org/must"
)

// Fixture is a Manager on a software IOMMU.
type Fixture struct {
	t       testing.TB
	IOMMU   *iommu.IOMMU
	Manager *bufmgr.Manager
}

// New creates a Fixture, which is closed when the test completes.
func New(t testing.TB, cfg bufmgr.Config) *Fixture {
	f := &Fixture{
		t:     t,
		IOMMU: iommu.New(iommu.Config{}),
	}
	var e error
	f.Manager, e = bufmgr.New(f.IOMMU, cfg)
	require.NoError(t, e)
	t.Cleanup(func() {
		must.Close(f.Manager)
		require.Zero(t, f.IOMMU.CountCoherent(), "coherent memory leaked")
	})
	return f
}

// InjectFault fails the n-th subsequent IOMMU operation.
func (f *Fixture) InjectFault(n int) {
	f.IOMMU.InjectFault(iommu.FailAt(n))
}

// ClearFault removes fault injection.
func (f *Fixture) ClearFault() {
	f.IOMMU.InjectFault(nil)
}

// CheckReleased asserts no streaming mapping and no descriptor table is held.
func (f *Fixture) CheckReleased() {
	require.Zero(f.t, f.IOMMU.CountMapped(), "streaming mappings leaked")
	require.Zero(f.t, f.Manager.CountTables(), "descriptor tables leaked")
}

// MakeRegion creates an unchained region of random host fragments with given lengths.
func MakeRegion(lens ...int) *sgl.Region {
	return sgl.New(MakeList(lens...)...)
}

// MakeList creates a list of random host fragments with given lengths.
func MakeList(lens ...int) sgl.List {
	l := make(sgl.List, len(lens))
	for i, n := range lens {
		l[i] = sgl.Host(testenv.MakeRandBytes(n))
	}
	return l
}

// MakeSecureRegion creates a device-secure region with fragments at consecutive device addresses.
func MakeSecureRegion(addr uint64, lens ...int) *sgl.Region {
	l := make(sgl.List, len(lens))
	for i, n := range lens {
		l[i] = sgl.Device(addr, n)
		addr += uint64(n)
	}
	r := sgl.New(l...)
	r.Secure = true
	return r
}
