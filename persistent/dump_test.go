package persistent

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/shadowheap/event"
)

var logs = [][]event.Event{
	{{Src: 1, Dst: 2}, {Src: 3, Dst: 4}},
	{},
	{{Src: 5, Dst: 6}},
}

func TestSaveLoad(t *testing.T) {
	requireT := require.New(t)

	path := filepath.Join(t.TempDir(), "events.dump")
	session, err := Save(path, logs)
	requireT.NoError(err)
	requireT.NotEqual(uuid.Nil, session)

	dump, deallocFunc, err := Load(path)
	requireT.NoError(err)
	t.Cleanup(deallocFunc)

	requireT.Equal(session, dump.Session)
	requireT.Len(dump.Logs, 3)
	requireT.NotEqual(dump.Logs[0].ID, dump.Logs[2].ID)
	requireT.Equal([][]event.Event{logs[0], nil, logs[2]}, dump.Segments())
}

func TestWriteDecode(t *testing.T) {
	requireT := require.New(t)

	session := uuid.New()
	_, size, err := Encode(session, logs)
	requireT.NoError(err)
	requireT.Zero(size % event.Size)

	store, deallocFunc, err := NewMemoryStore(size)
	requireT.NoError(err)
	t.Cleanup(deallocFunc)

	requireT.NoError(Write(store, session, logs))

	dump, err := Decode(store.Bytes())
	requireT.NoError(err)
	requireT.Equal(session, dump.Session)
	requireT.Equal(logs[0], dump.Logs[0].Events)
	requireT.Empty(dump.Logs[1].Events)
	requireT.Equal(logs[2], dump.Logs[2].Events)
}

func TestWriteToSmallStore(t *testing.T) {
	requireT := require.New(t)

	store, deallocFunc, err := NewMemoryStore(16)
	requireT.NoError(err)
	t.Cleanup(deallocFunc)

	requireT.Error(Write(store, uuid.New(), logs))
}

func TestDecodeInvalid(t *testing.T) {
	requireT := require.New(t)

	_, err := Decode([]byte{0x01})
	requireT.Error(err)

	_, err = Decode(make([]byte, 32))
	requireT.Error(err)

	session := uuid.New()
	_, size, err := Encode(session, logs)
	requireT.NoError(err)
	store, deallocFunc, err := NewMemoryStore(size)
	requireT.NoError(err)
	t.Cleanup(deallocFunc)
	requireT.NoError(Write(store, session, logs))

	_, err = Decode(store.Bytes()[:size-event.Size])
	requireT.Error(err)
}

func TestLoadMissingFile(t *testing.T) {
	_, _, err := Load(filepath.Join(t.TempDir(), "missing.dump"))
	require.Error(t, err)
}

func TestCapture(t *testing.T) {
	requireT := require.New(t)

	dump, deallocFunc, err := Capture(logs)
	requireT.NoError(err)
	t.Cleanup(deallocFunc)

	requireT.NotEqual(uuid.Nil, dump.Session)
	requireT.Equal([][]event.Event{logs[0], nil, logs[2]}, dump.Segments())
}
