package persistent

import (
	"os"
	"unsafe"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/outofforest/photon"
	"github.com/outofforest/shadowheap/event"
)

var magic = [8]byte{'s', 'h', 'a', 'd', 'o', 'w', 'e', 'v'}

type prefix struct {
	Magic      [8]byte
	HeaderSize uint64
}

// Header describes content of the dump.
type Header struct {
	Session uuid.UUID   `cbor:"1,keyasint"`
	Logs    []LogHeader `cbor:"2,keyasint"`
}

// LogHeader describes single log stored in the dump.
type LogHeader struct {
	ID     uuid.UUID `cbor:"1,keyasint"`
	Events uint64    `cbor:"2,keyasint"`
}

// Log is the log loaded from the dump.
type Log struct {
	ID     uuid.UUID
	Events []event.Event
}

// Dump is the loaded dump.
type Dump struct {
	Session uuid.UUID
	Logs    []Log
}

// Segments returns events of all the logs in the order they were dumped.
func (d *Dump) Segments() [][]event.Event {
	segments := make([][]event.Event, 0, len(d.Logs))
	for _, l := range d.Logs {
		segments = append(segments, l.Events)
	}
	return segments
}

// Encode prepares header of the dump and computes its size.
func Encode(session uuid.UUID, logs [][]event.Event) ([]byte, uint64, error) {
	header := Header{
		Session: session,
		Logs:    make([]LogHeader, 0, len(logs)),
	}
	var events uint64
	for _, l := range logs {
		header.Logs = append(header.Logs, LogHeader{
			ID:     uuid.New(),
			Events: uint64(len(l)),
		})
		events += uint64(len(l))
	}

	headerBytes, err := cbor.Marshal(header)
	if err != nil {
		return nil, 0, errors.WithStack(err)
	}
	return headerBytes, eventsOffset(uint64(len(headerBytes))) + events*event.Size, nil
}

// Write writes dump into the store.
func Write(store Store, session uuid.UUID, logs [][]event.Event) error {
	headerBytes, size, err := Encode(session, logs)
	if err != nil {
		return err
	}
	if size > store.Size() {
		return errors.Errorf("dump of %d bytes exceeds store of %d bytes", size, store.Size())
	}

	p := prefix{Magic: magic, HeaderSize: uint64(len(headerBytes))}
	if err := store.Write(0, photon.NewFromValue(&p).B); err != nil {
		return err
	}
	if err := store.Write(uint64(unsafe.Sizeof(p)), headerBytes); err != nil {
		return err
	}

	offset := eventsOffset(uint64(len(headerBytes)))
	for _, l := range logs {
		if len(l) == 0 {
			continue
		}
		if err := store.Write(offset, photon.SliceFromPointer[byte](unsafe.Pointer(&l[0]),
			len(l)*int(event.Size))); err != nil {
			return err
		}
		offset += uint64(len(l)) * event.Size
	}

	return store.Sync()
}

// Save writes dump into the file.
func Save(path string, logs [][]event.Event) (uuid.UUID, error) {
	session := uuid.New()
	_, size, err := Encode(session, logs)
	if err != nil {
		return uuid.Nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o600)
	if err != nil {
		return uuid.Nil, errors.WithStack(err)
	}
	defer file.Close()

	store, deallocFunc, err := NewFileStore(file, size)
	if err != nil {
		return uuid.Nil, err
	}
	defer deallocFunc()

	if err := Write(store, session, logs); err != nil {
		return uuid.Nil, err
	}
	return session, nil
}

// Capture encodes dump into anonymous memory. Returned events are valid until the returned function is called.
func Capture(logs [][]event.Event) (*Dump, func(), error) {
	session := uuid.New()
	_, size, err := Encode(session, logs)
	if err != nil {
		return nil, nil, err
	}

	store, deallocFunc, err := NewMemoryStore(size)
	if err != nil {
		return nil, nil, err
	}
	if err := Write(store, session, logs); err != nil {
		deallocFunc()
		return nil, nil, err
	}

	dump, err := Decode(store.Bytes())
	if err != nil {
		deallocFunc()
		return nil, nil, err
	}
	return dump, deallocFunc, nil
}

// Load maps the dump file. Returned events are valid until the returned function is called.
func Load(path string) (*Dump, func(), error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.WithStack(err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, nil, errors.WithStack(err)
	}
	if info.Size() == 0 {
		return nil, nil, errors.New("dump file is empty")
	}

	data, err := unix.Mmap(int(file.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "memory allocation failed")
	}
	deallocFunc := func() {
		_ = unix.Munmap(data)
	}

	dump, err := Decode(data)
	if err != nil {
		deallocFunc()
		return nil, nil, err
	}
	return dump, deallocFunc, nil
}

// Decode decodes dump stored in data. Returned events point to data.
func Decode(data []byte) (*Dump, error) {
	prefixSize := uint64(unsafe.Sizeof(prefix{}))
	if uint64(len(data)) < prefixSize {
		return nil, errors.New("dump is truncated")
	}
	p := photon.FromBytes[prefix](data[:prefixSize])
	if p.Magic != magic {
		return nil, errors.New("invalid dump magic")
	}
	if prefixSize+p.HeaderSize > uint64(len(data)) {
		return nil, errors.New("dump header is truncated")
	}

	var header Header
	if err := cbor.Unmarshal(data[prefixSize:prefixSize+p.HeaderSize], &header); err != nil {
		return nil, errors.WithStack(err)
	}

	dump := &Dump{
		Session: header.Session,
		Logs:    make([]Log, 0, len(header.Logs)),
	}
	offset := eventsOffset(p.HeaderSize)
	for _, lh := range header.Logs {
		size := lh.Events * event.Size
		if offset+size > uint64(len(data)) {
			return nil, errors.Errorf("events of log %s are truncated", lh.ID)
		}
		l := Log{ID: lh.ID}
		if lh.Events > 0 {
			l.Events = photon.SliceFromPointer[event.Event](unsafe.Pointer(&data[offset]), int(lh.Events))
		}
		dump.Logs = append(dump.Logs, l)
		offset += size
	}
	return dump, nil
}

func eventsOffset(headerSize uint64) uint64 {
	offset := uint64(unsafe.Sizeof(prefix{})) + headerSize
	return (offset + event.Size - 1) / event.Size * event.Size
}
