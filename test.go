package shadowheap

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/outofforest/shadowheap/heap"
)

// NewInTest creates context and runs its offload goroutine for unit tests.
func NewInTest(t *testing.T, config Config, h heap.Heap) *Context {
	ctx, cancel := context.WithCancel(logger.WithLogger(context.Background(), logger.New(logger.DefaultConfig)))
	t.Cleanup(cancel)

	c, err := NewContext(ctx, config, h)
	require.NoError(t, err)

	group := parallel.NewGroup(ctx)
	group.Spawn("shadowheap", parallel.Continue, c.Run)

	t.Cleanup(func() {
		group.Exit(nil)
		if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			t.Fatal(err)
		}
		c.Close()
	})

	return c
}

// NewRecorderInTest creates recorder for unit tests.
func NewRecorderInTest(t *testing.T, c *Context) *Recorder {
	r, err := c.NewRecorder()
	require.NoError(t, err)
	return r
}
