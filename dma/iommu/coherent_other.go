//go:build !linux

package iommu

func allocHost(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func freeHost(buf []byte) {}
