package persistent

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// NewMemoryStore creates new in-memory "persistent" store.
func NewMemoryStore(size uint64) (*MemoryStore, func(), error) {
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "memory allocation failed")
	}

	return &MemoryStore{
			data: data,
		}, func() {
			_ = unix.Munmap(data)
		}, nil
}

// MemoryStore defines "persistent" in-memory store.
type MemoryStore struct {
	data []byte
}

// Size returns size of the store.
func (s *MemoryStore) Size() uint64 {
	return uint64(len(s.data))
}

// Write writes data to the store.
func (s *MemoryStore) Write(offset uint64, data []byte) error {
	if offset+uint64(len(data)) > uint64(len(s.data)) {
		return errors.Errorf("write [%d, %d) exceeds store of %d bytes", offset, offset+uint64(len(data)),
			len(s.data))
	}
	copy(s.data[offset:], data)
	return nil
}

// Sync does nothing.
func (s *MemoryStore) Sync() error {
	return nil
}

// Bytes returns the content of the store.
func (s *MemoryStore) Bytes() []byte {
	return s.data
}
