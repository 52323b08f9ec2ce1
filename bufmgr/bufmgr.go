// Package bufmgr prepares DMA mappings and descriptor tables for crypto engine requests.
//
// A Manager owns the descriptor table pool. Each request context (CipherReqCtx, AeadReqCtx,
// HashReqCtx) is owned by one goroutine at a time; a Manager may be shared by many goroutines.
package bufmgr

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/usnistgov/ccdma/core/logging"
	"github.com/usnistgov/ccdma/dma/dmamap"
	"github.com/usnistgov/ccdma/dma/lli"
	"github.com/usnistgov/ccdma/dma/mempool"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var logger = logging.New("bufmgr")

// Limits and defaults.
const (
	MaxDataEntries       = 128
	MaxAssocEntries      = 4
	MaxICVNentsSupported = 2
	MaxMacSize           = 32
	AESBlockSize         = 16
	CTRNonceSize         = 4

	TableAlign          = 32
	NullSramAddr        = 0xFFFFFFFF
	DefaultPoolCapacity = 64
)

// Config contains Manager configuration.
type Config struct {
	// SramBase is the device SRAM address where the consuming engine loads the descriptor table.
	SramBase uint32 `json:"sramBase"`

	// ACPWorkaround enables the authentication tag pre-copy on in-place AEAD decryption,
	// for platforms where device writes are not coherent with the CPU cache.
	ACPWorkaround bool `json:"acpWorkaround,omitempty"`

	// MaxDataEntries is the fragment cap of src and dst regions.
	// Default is MaxDataEntries.
	MaxDataEntries int `json:"maxDataEntries,omitempty"`

	// MaxAssocEntries is the fragment cap of associated data, including the CCM header.
	// Default is MaxAssocEntries.
	MaxAssocEntries int `json:"maxAssocEntries,omitempty"`

	// PoolCapacity is the number of descriptor tables that may exist at the same time.
	// Default is DefaultPoolCapacity.
	PoolCapacity int `json:"poolCapacity,omitempty"`

	// Registerer receives Manager metrics.
	// Nil disables metric registration.
	Registerer prometheus.Registerer `json:"-"`
}

func (cfg *Config) applyDefaults() {
	if cfg.MaxDataEntries <= 0 {
		cfg.MaxDataEntries = MaxDataEntries
	}
	if cfg.MaxAssocEntries <= 0 {
		cfg.MaxAssocEntries = MaxAssocEntries
	}
	if cfg.PoolCapacity <= 0 {
		cfg.PoolCapacity = DefaultPoolCapacity
	}
}

// TableCapacity returns the number of entries in each descriptor table.
// It covers src and dst at the data cap, associated data, and one chained IV entry.
func (cfg Config) TableCapacity() int {
	return 2*cfg.MaxDataEntries + cfg.MaxAssocEntries + 1
}

// Validate checks configuration after applying defaults.
func (cfg Config) Validate() error {
	cfg.applyDefaults()
	var errs []error
	if cfg.MaxAssocEntries < 2 {
		errs = append(errs, errors.New("maxAssocEntries must leave room for the CCM header"))
	}
	if cfg.SramBase%lli.EntrySize != 0 {
		errs = append(errs, fmt.Errorf("sramBase %08x is not entry aligned", cfg.SramBase))
	}
	if end := uint64(cfg.SramBase) + uint64(cfg.TableCapacity()*lli.EntrySize); end > NullSramAddr {
		errs = append(errs, fmt.Errorf("descriptor table at sramBase %08x overflows SRAM address space", cfg.SramBase))
	}
	return multierr.Combine(errs...)
}

// Manager maps crypto requests for DMA.
type Manager struct {
	mapper  dmamap.Mapper
	cfg     Config
	pool    *mempool.Mempool
	metrics *Metrics
}

// New creates a Manager and its descriptor table pool.
func New(mapper dmamap.Mapper, cfg Config) (m *Manager, e error) {
	cfg.applyDefaults()
	if e = cfg.Validate(); e != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, e)
	}

	m = &Manager{mapper: mapper, cfg: cfg}
	if m.pool, e = mempool.New(mapper, mempool.Config{
		Capacity:    cfg.PoolCapacity,
		ElementSize: cfg.TableCapacity() * lli.EntrySize,
		Align:       TableAlign,
	}); e != nil {
		return nil, fmt.Errorf("descriptor table pool: %w", e)
	}
	if m.metrics, e = newMetrics(cfg.Registerer, m.pool); e != nil {
		return nil, multierr.Append(e, m.Close())
	}

	logger.Info("manager ready",
		zap.Int("pool-capacity", m.pool.Capacity()),
		zap.Int("table-entries", cfg.TableCapacity()),
		zap.Uint32("sram-base", cfg.SramBase),
		zap.Bool("acp", cfg.ACPWorkaround),
	)
	return m, nil
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// Metrics returns Manager metrics.
func (m *Manager) Metrics() *Metrics {
	return m.metrics
}

// CountTables returns number of descriptor tables currently allocated.
func (m *Manager) CountTables() int {
	return m.pool.CountInUse()
}

// Close releases the descriptor table pool.
// It is safe to call on a nil or partially constructed Manager.
func (m *Manager) Close() (e error) {
	if m == nil {
		return nil
	}
	if m.metrics != nil {
		e = multierr.Append(e, m.metrics.unregister())
		m.metrics = nil
	}
	if m.pool != nil {
		e = multierr.Append(e, m.pool.Close())
		m.pool = nil
	}
	return e
}
