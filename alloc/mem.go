package alloc

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// PageSize returns the size of memory page.
func PageSize() uint64 {
	return uint64(os.Getpagesize())
}

// RoundUp rounds size up to the multiple of page size.
func RoundUp(size uint64) uint64 {
	pageSize := PageSize()
	return (size + pageSize - 1) / pageSize * pageSize
}

// Map maps private anonymous memory region. Region is readable and writable.
func Map(size uint64) ([]byte, func(), error) {
	size = RoundUp(size)
	if size == 0 {
		return nil, nil, errors.New("region size must be positive")
	}

	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "memory allocation failed")
	}

	return data, func() {
		_ = unix.Munmap(data)
	}, nil
}

// Protect sets protection of the page-aligned subregion.
func Protect(region []byte, offset, size uint64, writable bool) error {
	pageSize := PageSize()
	if offset%pageSize != 0 || size%pageSize != 0 {
		return errors.Errorf("protected range [%d, %d) is not page-aligned", offset, offset+size)
	}
	if offset+size > uint64(len(region)) {
		return errors.Errorf("protected range [%d, %d) exceeds region of %d bytes", offset, offset+size,
			len(region))
	}

	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}

	if err := unix.Mprotect(region[offset:offset+size], prot); err != nil {
		return errors.Wrapf(err, "memory protection failed")
	}
	return nil
}
