package alloc

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestMap(t *testing.T) {
	const size = 1000

	requireT := require.New(t)

	data, deallocF, err := Map(size)
	requireT.NoError(err)
	t.Cleanup(deallocF)

	requireT.Len(data, int(PageSize()))
	requireT.Zero(uintptr(unsafe.Pointer(&data[0])) % uintptr(PageSize()))

	for i := range size {
		data[i] = byte(i)
	}
	for i := range size {
		requireT.Equal(byte(i), data[i])
	}
}

func TestMapZeroSize(t *testing.T) {
	_, _, err := Map(0)
	require.Error(t, err)
}

func TestRoundUp(t *testing.T) {
	requireT := require.New(t)

	pageSize := PageSize()
	requireT.Equal(uint64(0), RoundUp(0))
	requireT.Equal(pageSize, RoundUp(1))
	requireT.Equal(pageSize, RoundUp(pageSize))
	requireT.Equal(2*pageSize, RoundUp(pageSize+1))
}

func TestProtect(t *testing.T) {
	requireT := require.New(t)

	pageSize := PageSize()
	data, deallocF, err := Map(2 * pageSize)
	requireT.NoError(err)
	t.Cleanup(deallocF)

	requireT.NoError(Protect(data, pageSize, pageSize, false))
	requireT.NoError(Protect(data, pageSize, pageSize, true))

	data[pageSize] = 0x01
	requireT.Equal(byte(0x01), data[pageSize])

	requireT.Error(Protect(data, 1, pageSize, false))
	requireT.Error(Protect(data, 0, pageSize-1, false))
	requireT.Error(Protect(data, pageSize, 2*pageSize, false))
}
