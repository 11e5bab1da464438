package persistent

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// NewFileStore creates new file-based store of the given size.
func NewFileStore(file *os.File, size uint64) (*FileStore, func(), error) {
	if err := file.Truncate(int64(size)); err != nil {
		return nil, nil, errors.WithStack(err)
	}
	data, err := unix.Mmap(int(file.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "memory allocation failed")
	}

	return &FileStore{
			file: file,
			data: data,
		}, func() {
			_ = unix.Munmap(data)
		}, nil
}

// FileStore defines persistent file-based store.
type FileStore struct {
	file *os.File
	data []byte
}

// Size returns size of the store.
func (s *FileStore) Size() uint64 {
	return uint64(len(s.data))
}

// Write writes data to the store.
func (s *FileStore) Write(offset uint64, data []byte) error {
	if offset+uint64(len(data)) > uint64(len(s.data)) {
		return errors.Errorf("write [%d, %d) exceeds store of %d bytes", offset, offset+uint64(len(data)),
			len(s.data))
	}
	copy(s.data[offset:], data)
	return nil
}

// Sync syncs pending writes.
func (s *FileStore) Sync() error {
	if err := unix.Msync(s.data, unix.MS_SYNC); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(s.file.Sync())
}
