package eventlog

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// NewInTest creates event log for unit tests.
func NewInTest(t *testing.T, capacity uint64) *Log {
	l, deallocFunc, err := New(capacity, nil)
	require.NoError(t, err)
	t.Cleanup(deallocFunc)
	return l
}
