package bufmgr

import (
	"errors"

	"github.com/usnistgov/ccdma/dma/dmamap"
)

// Error conditions.
var (
	ErrNoMemory         = dmamap.ErrNoMemory
	ErrTooManyFragments = dmamap.ErrTooManyFragments
	ErrInvalidArgument  = dmamap.ErrInvalidArgument
	ErrNotSupported     = errors.New("not supported")
	ErrCapacity         = errors.New("buffer array full")

	errMetricNotRegistered = errors.New("metric was not registered")
)

func errorKind(e error) string {
	switch {
	case errors.Is(e, ErrNoMemory):
		return "nomem"
	case errors.Is(e, ErrTooManyFragments):
		return "fragments"
	case errors.Is(e, ErrNotSupported):
		return "unsupported"
	case errors.Is(e, ErrInvalidArgument):
		return "invalid"
	case errors.Is(e, ErrCapacity):
		return "capacity"
	}
	return "other"
}
