package iommu

import (
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// allocHost allocates page-aligned host memory outside the Go heap.
func allocHost(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
}

func freeHost(buf []byte) {
	if e := unix.Munmap(buf[:cap(buf)]); e != nil {
		logger.Warn("munmap failed", zap.Error(e))
	}
}
