package persistent

// Store is the destination of the dump.
type Store interface {
	Size() uint64
	Write(offset uint64, data []byte) error
	Sync() error
}
