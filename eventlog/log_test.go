package eventlog

import (
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/shadowheap/alloc"
	"github.com/outofforest/shadowheap/event"
)

func TestCapacityRoundedToPages(t *testing.T) {
	requireT := require.New(t)

	l := NewInTest(t, 10)
	requireT.Equal(alloc.PageSize()/event.Size-1, l.Capacity())

	l = NewInTest(t, alloc.PageSize()/event.Size)
	requireT.Equal(2*alloc.PageSize()/event.Size-1, l.Capacity())
	requireT.Equal(l.Capacity(), Capacity(alloc.PageSize()/event.Size))
}

func TestZeroCapacity(t *testing.T) {
	_, _, err := New(0, nil)
	require.Error(t, err)
}

func TestAppend(t *testing.T) {
	requireT := require.New(t)

	l := NewInTest(t, 10)
	requireT.Zero(l.Count())
	requireT.Equal([][]event.Event{nil}, l.Segments())

	l.Append(event.Event{Src: 1, Dst: 2})
	l.AppendPair(event.Event{Src: 3, Dst: 4}, event.Event{Src: 5, Dst: 6})

	requireT.Equal(uint64(3), l.Count())
	requireT.Equal(uint64(3), l.Pending())
	requireT.Equal([]event.Event{
		{Src: 1, Dst: 2},
		{Src: 3, Dst: 4},
		{Src: 5, Dst: 6},
	}, l.Active())
}

func TestFullHalfDoesNotFault(t *testing.T) {
	requireT := require.New(t)

	l := NewInTest(t, 10)
	for i := range l.Capacity() {
		requireT.Zero(appendWithFault(l, event.Event{Src: i, Dst: i}))
	}
	requireT.Equal(l.Capacity(), l.Count())

	events := l.Active()
	requireT.Len(events, int(l.Capacity()))
	requireT.Equal(event.Event{Src: l.Capacity() - 1, Dst: l.Capacity() - 1}, events[len(events)-1])
}

func TestAppendPastCapacityFaultsOnGuardPage(t *testing.T) {
	requireT := require.New(t)

	l := NewInTest(t, 10)
	for i := range l.Capacity() {
		l.Append(event.Event{Src: i})
	}

	guard := l.GuardAddress()
	addr := appendWithFault(l, event.Event{Src: 1, Dst: 1})
	requireT.NotZero(addr)
	requireT.True(l.Owns(addr))
	requireT.Equal(guard, addr-addr%uintptr(alloc.PageSize()))
	requireT.Equal(l.Capacity(), l.Count())
}

func TestPairPastCapacityIsNotCommitted(t *testing.T) {
	requireT := require.New(t)

	l := NewInTest(t, 10)
	for i := range l.Capacity() - 1 {
		l.Append(event.Event{Src: i})
	}

	requireT.NotZero(appendPairWithFault(l, event.Event{Src: 1}, event.Event{Src: 2}))
	requireT.Equal(l.Capacity()-1, l.Count())
}

func TestFlip(t *testing.T) {
	requireT := require.New(t)

	l := NewInTest(t, 10)
	for i := range l.Capacity() {
		l.Append(event.Event{Src: i})
	}
	firstGuard := l.GuardAddress()

	requireT.NoError(l.Flip())
	requireT.True(l.Sealed())
	requireT.Zero(l.Count())
	requireT.NotEqual(firstGuard, l.GuardAddress())

	requireT.Zero(appendWithFault(l, event.Event{Src: 100}))
	requireT.Equal(uint64(1), l.Count())
	requireT.Equal(l.Capacity()+1, l.Pending())

	segments := l.Segments()
	requireT.Len(segments, 2)
	requireT.Len(segments[0], int(l.Capacity()))
	requireT.Equal([]event.Event{{Src: 100}}, segments[1])

	// Second half is guarded too.
	for i := uint64(1); i < l.Capacity(); i++ {
		l.Append(event.Event{Src: i})
	}
	addr := appendWithFault(l, event.Event{Src: 1})
	requireT.Equal(l.GuardAddress(), addr-addr%uintptr(alloc.PageSize()))

	// Flipping back reopens the first half.
	requireT.NoError(l.Flip())
	requireT.Zero(l.Count())
	requireT.Zero(appendWithFault(l, event.Event{Src: 7}))
}

func TestReset(t *testing.T) {
	requireT := require.New(t)

	l := NewInTest(t, 10)
	l.Append(event.Event{Src: 1})
	requireT.NoError(l.Flip())
	l.Append(event.Event{Src: 2})

	l.Reset()
	requireT.False(l.Sealed())
	requireT.Zero(l.Pending())
	requireT.Equal([][]event.Event{nil}, l.Segments())
}

func TestClosedLogIsSafeAfterUnmap(t *testing.T) {
	requireT := require.New(t)

	l, deallocFunc, err := New(10, nil)
	requireT.NoError(err)
	l.Append(event.Event{Src: 1})
	requireT.False(l.Closed())

	l.Lock()
	l.Close()
	l.Unlock()
	deallocFunc()

	l.Lock()
	defer l.Unlock()

	requireT.True(l.Closed())
	requireT.Nil(l.Segments())
	l.Reset()
}

func TestOwns(t *testing.T) {
	requireT := require.New(t)

	l := NewInTest(t, 10)
	requireT.True(l.Owns(l.GuardAddress()))
	requireT.False(l.Owns(0))
	requireT.False(l.Owns(l.GuardAddress() + 10*uintptr(alloc.PageSize())))
}

func TestClone(t *testing.T) {
	requireT := require.New(t)

	l := NewInTest(t, 10)
	l.Append(event.Event{Src: 1})
	requireT.NoError(l.Flip())
	l.Append(event.Event{Src: 2})

	clone, deallocFunc, err := l.Clone()
	requireT.NoError(err)
	t.Cleanup(deallocFunc)

	requireT.Equal(l.Segments(), clone.Segments())
	requireT.True(clone.Sealed())
	requireT.False(clone.Owns(l.GuardAddress()))

	clone.Append(event.Event{Src: 3})
	requireT.Equal(uint64(1), l.Count())
	requireT.Equal(uint64(2), clone.Count())
}

func appendWithFault(l *Log, e event.Event) (addr uintptr) {
	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))
	defer func() {
		if err, ok := recover().(interface{ Addr() uintptr }); ok {
			addr = err.Addr()
		}
	}()

	l.Append(e)
	return 0
}

func appendPairWithFault(l *Log, e1, e2 event.Event) (addr uintptr) {
	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))
	defer func() {
		if err, ok := recover().(interface{ Addr() uintptr }); ok {
			addr = err.Addr()
		}
	}()

	l.AppendPair(e1, e2)
	return 0
}
