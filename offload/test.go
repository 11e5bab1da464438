package offload

import (
	"context"
	"testing"

	"github.com/pkg/errors"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
)

// RunInTest creates and runs coordinator for unit tests.
func RunInTest(t *testing.T, config Config) (*Coordinator, context.Context) {
	c := New(config)
	return c, StartInTest(t, c)
}

// StartInTest runs existing coordinator for unit tests.
func StartInTest(t *testing.T, c *Coordinator) context.Context {
	ctx, cancel := context.WithCancel(logger.WithLogger(context.Background(), logger.New(logger.DefaultConfig)))
	t.Cleanup(cancel)

	group := parallel.NewGroup(ctx)
	group.Spawn("coordinator", parallel.Continue, c.Run)

	t.Cleanup(func() {
		group.Exit(nil)
		if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			t.Fatal(err)
		}
	})

	return ctx
}
